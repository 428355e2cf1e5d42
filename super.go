package squashfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log"
	"reflect"
	"sync"
)

// https://dr-emann.github.io/squashfs/
type Superblock struct {
	fs    io.ReaderAt
	order binary.ByteOrder

	inoRefCache sync.Map // ino (uint32) -> inodeRef, filled in lazily as directories are walked

	Magic             uint32
	InodeCnt          uint32
	ModTime           int32
	BlockSize         uint32
	FragCount         uint32
	Comp              Compression
	BlockLog          uint16
	Flags             Flags
	IdCount           uint16
	VMajor            uint16
	VMinor            uint16
	RootInode         uint64
	BytesUsed         uint64
	IdTableStart      uint64
	XattrIdTableStart uint64
	InodeTableStart   uint64
	DirTableStart     uint64
	FragTableStart    uint64
	ExportTableStart  uint64
}

func New(fs io.ReaderAt) (*Superblock, error) {
	sb := &Superblock{fs: fs}
	head := make([]byte, sb.binarySize())

	log.Printf("squash: read header %d bytes", len(head))
	_, err := fs.ReadAt(head, 0)
	if err != nil {
		return nil, err
	}
	log.Printf("squash: read header, parsing")
	err = sb.UnmarshalBinary(head)
	if err != nil {
		return nil, err
	}

	return sb, nil
}

func (s *Superblock) UnmarshalBinary(data []byte) error {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	r := bytes.NewReader(data)

	switch string(data[:4]) {
	case "hsqs":
		s.order = binary.LittleEndian
	case "sqsh":
		s.order = binary.BigEndian
	default:
		return errors.New("invalid squashfs partition")
	}

	// Decode
	var err error
	for i := 0; i < c; i++ {
		c := v.Type().Field(i).Name[0]
		if c < 'A' || c > 'Z' {
			continue
		}
		log.Printf("read %s", v.Type().Field(i).Name)
		err = binary.Read(r, s.order, v.Field(i).Addr().Interface())
		if err != nil {
			return err
		}
	}

	if s.BlockSize != 1<<s.BlockLog {
		return ErrInvalidSuper
	}

	return nil
}

// setInodeRefCache remembers where an inode number was last seen while
// walking a directory, so a hardlink target resolved by inode number
// elsewhere need not re-walk the tree.
func (s *Superblock) setInodeRefCache(ino uint32, ref inodeRef) {
	s.inoRefCache.Store(ino, ref)
}

// SetXattrTableStart records the file offset of the XattrIdTable header.
// It is the single call site the xattr encoder's Flush uses to update the
// superblock.
func (s *Superblock) SetXattrTableStart(off uint64) {
	s.XattrIdTableStart = off
}

// SetNoXattrs marks the image as carrying no xattrs at all.
func (s *Superblock) SetNoXattrs() {
	s.XattrIdTableStart = noXattrsSentinel
	s.Flags |= NO_XATTRS
}

// ClearNoXattrs marks the image as carrying at least one xattr set.
func (s *Superblock) ClearNoXattrs() {
	s.Flags &^= NO_XATTRS
}

// Bytes serializes the superblock back to its fixed 96-byte on-disk form,
// the mirror image of UnmarshalBinary.
func (s *Superblock) Bytes() []byte {
	order := s.order
	if order == nil {
		order = binary.LittleEndian
	}

	buf := &bytes.Buffer{}
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()

	for i := 0; i < c; i++ {
		name := v.Type().Field(i).Name[0]
		if name < 'A' || name > 'Z' {
			continue
		}
		binary.Write(buf, order, v.Field(i).Interface())
	}

	return buf.Bytes()
}

func (s *Superblock) binarySize() int {
	v := reflect.ValueOf(s).Elem()
	c := v.NumField()
	sz := uintptr(0)

	for i := 0; i < c; i++ {
		c := v.Type().Field(i).Name[0]
		if c < 'A' || c > 'Z' {
			continue
		}
		sz += v.Field(i).Type().Size()
	}
	return int(sz)
}
