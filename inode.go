package squashfs

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"io/fs"
	"log"
	"strings"
	"sync/atomic"
)

// Inode is the minimal decoded on-disk inode record needed to verify,
// read back and navigate an image this package has written: enough to
// round-trip the directory encoder's output and to read back plain file
// content, without taking on the full reading-side feature surface
// (NFS-style numeric inode export, FUSE, symlink-aware path resolution)
// that is out of scope for this package.
type Inode struct {
	refcnt uint64

	sb *Superblock

	Type    uint16
	Perm    uint16
	UidIdx  uint16
	GidIdx  uint16
	ModTime int32
	Ino     uint32

	StartBlock uint64
	NLink      uint32
	Size       uint64
	Offset     uint32
	ParentIno  uint32
	SymTarget  []byte
	IdxCount   uint16
	XattrIdx   uint32
	Sparse     uint64

	FragBlock uint32
	FragOfft  uint32

	Blocks     []uint32
	BlocksOfft []uint64
}

// Root returns the image's root directory inode.
func (sb *Superblock) Root() (*Inode, error) {
	return sb.GetInodeRef(inodeRef(sb.RootInode))
}

func (sb *Superblock) GetInodeRef(inor inodeRef) (*Inode, error) {
	r, err := sb.newInodeReader(inor)
	if err != nil {
		return nil, err
	}

	ino := &Inode{sb: sb}

	if err := binary.Read(r, sb.order, &ino.Type); err != nil {
		return nil, err
	}
	if err := binary.Read(r, sb.order, &ino.Perm); err != nil {
		return nil, err
	}
	if err := binary.Read(r, sb.order, &ino.UidIdx); err != nil {
		return nil, err
	}
	if err := binary.Read(r, sb.order, &ino.GidIdx); err != nil {
		return nil, err
	}
	if err := binary.Read(r, sb.order, &ino.ModTime); err != nil {
		return nil, err
	}
	if err := binary.Read(r, sb.order, &ino.Ino); err != nil {
		return nil, err
	}

	switch ino.Type {
	case 1: // basic directory
		var u32 uint32
		if err := binary.Read(r, sb.order, &u32); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)

		if err := binary.Read(r, sb.order, &ino.NLink); err != nil {
			return nil, err
		}

		var u16 uint16
		if err := binary.Read(r, sb.order, &u16); err != nil {
			return nil, err
		}
		ino.Size = uint64(u16)

		if err := binary.Read(r, sb.order, &u16); err != nil {
			return nil, err
		}
		ino.Offset = uint32(u16)

		if err := binary.Read(r, sb.order, &ino.ParentIno); err != nil {
			return nil, err
		}
	case 8: // extended directory
		var u32 uint32
		var u16 uint16

		if err := binary.Read(r, sb.order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &u32); err != nil {
			return nil, err
		}
		ino.Size = uint64(u32)

		if err := binary.Read(r, sb.order, &u32); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)

		if err := binary.Read(r, sb.order, &ino.ParentIno); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.IdxCount); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &u16); err != nil {
			return nil, err
		}
		ino.Offset = uint32(u16)

		if err := binary.Read(r, sb.order, &ino.XattrIdx); err != nil {
			return nil, err
		}
	case 2: // basic file
		var u32 uint32
		if err := binary.Read(r, sb.order, &u32); err != nil {
			return nil, err
		}
		ino.StartBlock = uint64(u32)

		if err := binary.Read(r, sb.order, &ino.FragBlock); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.FragOfft); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &u32); err != nil {
			return nil, err
		}
		ino.Size = uint64(u32)

		if err := ino.readBlockList(r); err != nil {
			return nil, err
		}
	case 9: // extended file
		if err := binary.Read(r, sb.order, &ino.StartBlock); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.Size); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.Sparse); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.NLink); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.FragBlock); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.FragOfft); err != nil {
			return nil, err
		}
		if err := binary.Read(r, sb.order, &ino.XattrIdx); err != nil {
			return nil, err
		}
		if err := ino.readBlockList(r); err != nil {
			return nil, err
		}
	case 3: // basic symlink
		if err := binary.Read(r, sb.order, &ino.NLink); err != nil {
			return nil, err
		}

		var u32 uint32
		if err := binary.Read(r, sb.order, &u32); err != nil {
			return nil, err
		}
		if u32 > 4096 {
			return nil, errors.New("symlink target too long")
		}
		ino.Size = uint64(u32)

		buf := make([]byte, u32)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		ino.SymTarget = buf
	default:
		log.Printf("squashfs: unsupported inode type %d", ino.Type)
	}

	return ino, nil
}

func (ino *Inode) readBlockList(r io.Reader) error {
	blocks := int(ino.Size / uint64(ino.sb.BlockSize))
	if ino.FragBlock == 0xffffffff && ino.Size%uint64(ino.sb.BlockSize) != 0 {
		blocks++
	}

	ino.Blocks = make([]uint32, blocks)
	ino.BlocksOfft = make([]uint64, blocks)

	offt := uint64(0)
	for i := 0; i < blocks; i++ {
		var u32 uint32
		if err := binary.Read(r, ino.sb.order, &u32); err != nil {
			return err
		}
		ino.Blocks[i] = u32
		ino.BlocksOfft[i] = offt
		offt += uint64(u32) & 0xfffff
	}

	if ino.FragBlock != 0xffffffff {
		ino.Blocks = append(ino.Blocks, 0xffffffff)
	}
	return nil
}

func (i *Inode) ReadAt(p []byte, off int64) (int, error) {
	switch i.Type {
	case 2, 9: // file
	default:
		return 0, fs.ErrInvalid
	}

	if uint64(off) >= i.Size {
		return 0, io.EOF
	}
	if uint64(off+int64(len(p))) > i.Size {
		p = p[:int64(i.Size)-off]
	}

	block := int(off / int64(i.sb.BlockSize))
	offset := int(off % int64(i.sb.BlockSize))
	n := 0

	for {
		var buf []byte

		switch {
		case i.Blocks[block] == 0xffffffff:
			sub := int64(i.FragBlock) / 512 * 8
			blInfo := make([]byte, 8)
			if _, err := i.sb.fs.ReadAt(blInfo, int64(i.sb.FragTableStart)+sub); err != nil {
				return n, err
			}

			t, err := i.sb.newTableReader(int64(i.sb.order.Uint64(blInfo)), int(i.FragBlock%512)*16)
			if err != nil {
				return n, err
			}

			var start uint64
			var size uint32
			if err := binary.Read(t, i.sb.order, &start); err != nil {
				return n, err
			}
			if err := binary.Read(t, i.sb.order, &size); err != nil {
				return n, err
			}

			if size&0x1000000 == 0x1000000 {
				buf = make([]byte, size&(0x1000000-1))
				if _, err := i.sb.fs.ReadAt(buf, int64(start)); err != nil {
					return n, err
				}
			} else {
				buf = make([]byte, size)
				if _, err := i.sb.fs.ReadAt(buf, int64(start)); err != nil {
					return n, err
				}
				var err error
				buf, err = i.sb.Comp.decompress(buf)
				if err != nil {
					return n, err
				}
			}

			if i.FragOfft != 0 {
				buf = buf[i.FragOfft:]
			}
		case i.Blocks[block] == 0:
			buf = make([]byte, i.sb.BlockSize)
		default:
			buf = make([]byte, i.Blocks[block]&0xfffff)
			if _, err := i.sb.fs.ReadAt(buf, int64(i.StartBlock+i.BlocksOfft[block])); err != nil {
				return n, err
			}
			if i.Blocks[block]&0x1000000 == 0 {
				var err error
				buf, err = i.sb.Comp.decompress(buf)
				if err != nil {
					return n, err
				}
			}
		}

		if offset > 0 {
			buf = buf[offset:]
		}

		l := copy(p, buf)
		n += l
		if l == len(p) {
			return n, nil
		}

		p = p[l:]
		block++
		offset = 0
	}
}

// LookupRelativeInode resolves a single path component from a directory
// inode. It performs no caching: that belongs to a general-purpose
// reading-side layer, which this package does not provide.
func (i *Inode) LookupRelativeInode(ctx context.Context, name string) (*Inode, error) {
	switch i.Type {
	case 1, 8:
		dr, err := i.sb.dirReader(i, nil)
		if err != nil {
			return nil, err
		}
		for {
			ename, inoR, err := dr.next()
			if err != nil {
				if err == io.EOF {
					return nil, fs.ErrNotExist
				}
				return nil, err
			}
			if name == ename {
				return i.sb.GetInodeRef(inoR)
			}
		}
	}
	return nil, ErrNotDirectory
}

// LookupRelativeInodePath resolves a slash-separated relative path from
// this inode, one component at a time.
func (i *Inode) LookupRelativeInodePath(ctx context.Context, name string) (*Inode, error) {
	cur := i

	for {
		if len(name) == 0 {
			return cur, nil
		}
		pos := strings.IndexByte(name, '/')
		if pos == -1 {
			return cur.LookupRelativeInode(ctx, name)
		}
		if pos == 0 {
			name = name[1:]
			continue
		}
		next, err := cur.LookupRelativeInode(ctx, name[:pos])
		if err != nil {
			return nil, err
		}
		cur = next
		name = name[pos+1:]
	}
}

// ReadDir lists the entries of a directory inode. It exists to make the
// directory encoder's output checkable end to end, not as a general-purpose
// reading-side feature.
func (i *Inode) ReadDir() ([]fs.DirEntry, error) {
	if !i.IsDir() {
		return nil, ErrNotDirectory
	}
	dr, err := i.sb.dirReader(i, nil)
	if err != nil {
		return nil, err
	}
	return dr.ReadDir(-1)
}

func (i *Inode) Mode() fs.FileMode {
	return UnixToMode(uint32(i.Perm)) | Type(i.Type).Mode()
}

func (i *Inode) IsDir() bool {
	return i.Type == 1 || i.Type == 8
}

func (i *Inode) Readlink() ([]byte, error) {
	switch i.Type {
	case 3, 10:
		return i.SymTarget, nil
	}
	return nil, fs.ErrInvalid
}

func (i *Inode) AddRef(count uint64) uint64 {
	return atomic.AddUint64(&i.refcnt, count)
}

func (i *Inode) DelRef(count uint64) uint64 {
	return atomic.AddUint64(&i.refcnt, ^(count - 1))
}
