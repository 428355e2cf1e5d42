package squashfs

import (
	"encoding/binary"
	"io/fs"
)

const (
	dirHeaderSize          = 12
	dirEntryRecordSize     = 8
	dirIndexRecordSize     = 12
	maxDirEntriesPerHeader = 256
)

// dirEntry is one pending (name, inode_num, inode_ref, file_type) tuple,
// kept in insertion order. The examples' C ancestor (dir_writer.c) keeps
// these as a singly-linked FIFO; per the design notes a plain slice is
// behaviorally identical since the encoder never random-accesses it
// before End.
type dirEntry struct {
	name     string
	inodeNum uint32
	inodeRef inodeRef
	fileType Type
}

// dirIndexEntry is one emitted directory-index descriptor: the name of
// the group's first entry, the meta-block it starts in, and the running
// byte offset captured when its header was written.
type dirIndexEntry struct {
	name      string
	metaBlock uint64
	dirOffset uint32
}

// DirWriter clusters a directory's entries into SquashFS directory
// headers and emits them, along with a parallel sparse directory index,
// into meta-block streams. One DirWriter is reused across directories via
// Begin.
type DirWriter struct {
	mw *MetaWriter

	entries []dirEntry
	index   []dirIndexEntry

	dirRef  uint64
	dirSize uint64
}

// NewDirWriter creates a directory encoder writing entries through mw.
func NewDirWriter(mw *MetaWriter) *DirWriter {
	return &DirWriter{mw: mw}
}

func dirEntryType(mode fs.FileMode) (Type, error) {
	switch {
	case mode&fs.ModeSocket != 0:
		return SocketType, nil
	case mode&fs.ModeNamedPipe != 0:
		return FifoType, nil
	case mode&fs.ModeSymlink != 0:
		return SymlinkType, nil
	case mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice != 0:
		return CharDevType, nil
	case mode&fs.ModeDevice != 0:
		return BlockDevType, nil
	case mode&fs.ModeDir != 0:
		return DirType, nil
	case mode.IsRegular():
		return FileType, nil
	default:
		return 0, newError(KindUnsupported, "mode %s has no squashfs directory entry type", mode)
	}
}

// Begin captures the meta-writer's current position as this directory's
// starting reference and clears any pending entries/index from a
// previous directory.
func (w *DirWriter) Begin() {
	block, offset := w.mw.Position()
	w.dirRef = (block << 16) | uint64(offset)
	w.entries = w.entries[:0]
	w.index = w.index[:0]
	w.dirSize = 0
}

// AddEntry queues one directory entry. mode selects the on-disk file-type
// code; an unrecognized mode is rejected with KindUnsupported.
func (w *DirWriter) AddEntry(name string, inodeNum uint32, ref inodeRef, mode fs.FileMode) error {
	typ, err := dirEntryType(mode)
	if err != nil {
		return err
	}
	w.entries = append(w.entries, dirEntry{name: name, inodeNum: inodeNum, inodeRef: ref, fileType: typ})
	w.dirSize += uint64(dirEntryRecordSize + len(name))
	return nil
}

// conseqEntryCount implements get_conseq_entry_count from dir_writer.c:
// starting at entries[0], grow a group while all of the header-grouping
// invariants hold. The first entry is always admitted regardless of its
// own size; only later entries in the group are checked against the
// remaining meta-block budget.
func conseqEntryCount(offsetInBlock uint16, entries []dirEntry) int {
	head := entries[0]
	size := (uint32(offsetInBlock) + dirHeaderSize) % MetaBlockSize
	count := 0

	for _, e := range entries {
		if uint64(e.inodeRef)>>16 != uint64(head.inodeRef)>>16 {
			break
		}

		diff := int32(e.inodeNum) - int32(head.inodeNum)
		if diff > 32767 || diff < -32767 {
			break
		}

		size += uint32(dirEntryRecordSize + len(e.name))
		if count > 0 && size > MetaBlockSize {
			break
		}

		count++
		if count == maxDirEntriesPerHeader {
			break
		}
	}

	return count
}

// End performs the grouping algorithm and appends every header and entry
// record to the meta-block stream.
func (w *DirWriter) End() error {
	order := binary.LittleEndian

	for i := 0; i < len(w.entries); {
		block, offset := w.mw.Position()
		count := conseqEntryCount(offset, w.entries[i:])
		group := w.entries[i : i+count]
		first := group[0]

		w.index = append(w.index, dirIndexEntry{
			name:      first.name,
			metaBlock: block,
			dirOffset: uint32(w.dirSize),
		})

		hdr := make([]byte, dirHeaderSize)
		order.PutUint32(hdr[0:4], uint32(count-1))
		order.PutUint32(hdr[4:8], uint32(uint64(first.inodeRef)>>16))
		order.PutUint32(hdr[8:12], first.inodeNum)
		if err := w.mw.Append(hdr); err != nil {
			return err
		}
		w.dirSize += dirHeaderSize

		for _, e := range group {
			rec := make([]byte, dirEntryRecordSize)
			order.PutUint16(rec[0:2], uint16(e.inodeRef&0xFFFF))
			order.PutUint16(rec[2:4], uint16(int16(int32(e.inodeNum)-int32(first.inodeNum))))
			order.PutUint16(rec[4:6], uint16(e.fileType))
			order.PutUint16(rec[6:8], uint16(len(e.name)-1))
			if err := w.mw.Append(rec); err != nil {
				return err
			}
			if err := w.mw.Append([]byte(e.name)); err != nil {
				return err
			}
		}

		i += count
	}

	return nil
}

// Size returns the total bytes appended to the directory meta-stream for
// the current directory (headers + entries).
func (w *DirWriter) Size() uint64 { return w.dirSize }

// DirReference returns the (block<<16)|offset position captured at Begin.
func (w *DirWriter) DirReference() uint64 { return w.dirRef }

// IndexSize returns the number of directory-index descriptors produced by
// the last End call.
func (w *DirWriter) IndexSize() int { return len(w.index) }

// WriteIndex serializes the directory index to a separate meta-writer
// (the directory index meta-stream).
func (w *DirWriter) WriteIndex(index *MetaWriter) error {
	order := binary.LittleEndian
	for _, ent := range w.index {
		rec := make([]byte, dirIndexRecordSize)
		order.PutUint32(rec[0:4], uint32(ent.metaBlock))
		order.PutUint32(rec[4:8], ent.dirOffset)
		order.PutUint32(rec[8:12], uint32(len(ent.name)-1))
		if err := index.Append(rec); err != nil {
			return err
		}
		if err := index.Append([]byte(ent.name)); err != nil {
			return err
		}
	}
	return nil
}
