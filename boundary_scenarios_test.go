package squashfs

import (
	"encoding/binary"
	"fmt"
	"io/fs"
	"testing"
)

// decodeSingleBlock reads the one stored (uncompressed) meta-block a test
// wrote via a nil-Compressor MetaWriter and returns its decompressed body.
func decodeSingleBlock(t *testing.T, file *memRandomAccessFile) []byte {
	t.Helper()
	buf := file.buf
	if len(buf) < 2 {
		t.Fatalf("meta block too short: %d bytes", len(buf))
	}
	prefix := binary.LittleEndian.Uint16(buf[0:2])
	if prefix&0x8000 == 0 {
		t.Fatalf("expected a stored (uncompressed) block, got the compressed flag")
	}
	size := int(prefix &^ 0x8000)
	if len(buf) < 2+size {
		t.Fatalf("meta block payload shorter than its advertised size")
	}
	return buf[2 : 2+size]
}

// --- directory encoder: boundary scenarios 1-3 ---

func TestDirWriterSingleEntry(t *testing.T) {
	file := &memRandomAccessFile{}
	mw := NewMetaWriter(file, 0, nil)
	dw := NewDirWriter(mw)

	dw.Begin()
	if err := dw.AddEntry("a", 1, inodeRef(0), fs.FileMode(0644)); err != nil {
		t.Fatalf("AddEntry failed: %s", err)
	}
	if err := dw.End(); err != nil {
		t.Fatalf("End failed: %s", err)
	}
	if err := mw.Flush(); err != nil {
		t.Fatalf("Flush failed: %s", err)
	}

	if dw.IndexSize() != 1 {
		t.Errorf("expected one directory-index descriptor, got %d", dw.IndexSize())
	}

	body := decodeSingleBlock(t, file)
	order := binary.LittleEndian

	count := order.Uint32(body[0:4])
	startBlock := order.Uint32(body[4:8])
	inodeNum := order.Uint32(body[8:12])
	if count != 0 {
		t.Errorf("expected header count-1 == 0, got %d", count)
	}
	if startBlock != 0 {
		t.Errorf("expected header start_block == 0, got %d", startBlock)
	}
	if inodeNum != 1 {
		t.Errorf("expected header inode_number == 1, got %d", inodeNum)
	}

	rec := body[dirHeaderSize : dirHeaderSize+dirEntryRecordSize]
	offset := order.Uint16(rec[0:2])
	inodeDiff := int16(order.Uint16(rec[2:4]))
	fileType := order.Uint16(rec[4:6])
	nameLen := order.Uint16(rec[6:8])
	name := body[dirHeaderSize+dirEntryRecordSize:]

	if offset != 0 {
		t.Errorf("expected entry offset == 0, got %d", offset)
	}
	if inodeDiff != 0 {
		t.Errorf("expected entry inode_diff == 0, got %d", inodeDiff)
	}
	if Type(fileType) != FileType {
		t.Errorf("expected entry type REG (%d), got %d", FileType, fileType)
	}
	if nameLen != 0 {
		t.Errorf("expected entry name length-1 == 0, got %d", nameLen)
	}
	if string(name) != "a" {
		t.Errorf("expected entry name %q, got %q", "a", name)
	}
}

func TestDirWriterGroupSplitsOnInodeDelta(t *testing.T) {
	file := &memRandomAccessFile{}
	mw := NewMetaWriter(file, 0, nil)
	dw := NewDirWriter(mw)

	dw.Begin()
	inodeNums := []uint32{100, 1000, 40000}
	for _, n := range inodeNums {
		if err := dw.AddEntry(fmt.Sprintf("n%d", n), n, inodeRef(0), fs.FileMode(0644)); err != nil {
			t.Fatalf("AddEntry(%d) failed: %s", n, err)
		}
	}
	if err := dw.End(); err != nil {
		t.Fatalf("End failed: %s", err)
	}
	if err := mw.Flush(); err != nil {
		t.Fatalf("Flush failed: %s", err)
	}

	if dw.IndexSize() != 2 {
		t.Fatalf("expected the delta-inode split to produce 2 headers, got %d", dw.IndexSize())
	}

	body := decodeSingleBlock(t, file)
	order := binary.LittleEndian

	count1 := order.Uint32(body[0:4])
	inodeNum1 := order.Uint32(body[8:12])
	if count1 != 1 {
		t.Errorf("expected first header to cover 2 entries (count-1==1), got %d", count1)
	}
	if inodeNum1 != 100 {
		t.Errorf("expected first header inode_number == 100, got %d", inodeNum1)
	}

	off := dirHeaderSize
	rec1 := body[off : off+dirEntryRecordSize]
	if diff := int16(order.Uint16(rec1[2:4])); diff != 0 {
		t.Errorf("expected first entry inode_diff == 0, got %d", diff)
	}
	nameLen1 := int(order.Uint16(rec1[6:8])) + 1
	off += dirEntryRecordSize + nameLen1

	rec2 := body[off : off+dirEntryRecordSize]
	if diff := int16(order.Uint16(rec2[2:4])); diff != 900 {
		t.Errorf("expected second entry inode_diff == 900, got %d", diff)
	}
	nameLen2 := int(order.Uint16(rec2[6:8])) + 1
	off += dirEntryRecordSize + nameLen2

	count2 := order.Uint32(body[off : off+4])
	inodeNum2 := order.Uint32(body[off+8 : off+12])
	if count2 != 0 {
		t.Errorf("expected second header to cover 1 entry (count-1==0), got %d", count2)
	}
	if inodeNum2 != 40000 {
		t.Errorf("expected second header inode_number == 40000, got %d", inodeNum2)
	}
}

func TestDirWriterGroupSplitsOnInodeBlockChange(t *testing.T) {
	file := &memRandomAccessFile{}
	mw := NewMetaWriter(file, 0, nil)
	dw := NewDirWriter(mw)

	cases := []struct {
		name string
		ino  uint32
		ref  inodeRef
	}{
		{"a", 1, inodeRef(7 << 16)},
		{"b", 2, inodeRef(7<<16 | 64)},
		{"c", 3, inodeRef(8 << 16)},
	}

	dw.Begin()
	for _, c := range cases {
		if err := dw.AddEntry(c.name, c.ino, c.ref, fs.FileMode(0644)); err != nil {
			t.Fatalf("AddEntry(%s) failed: %s", c.name, err)
		}
	}
	if err := dw.End(); err != nil {
		t.Fatalf("End failed: %s", err)
	}
	if err := mw.Flush(); err != nil {
		t.Fatalf("Flush failed: %s", err)
	}

	if dw.IndexSize() != 2 {
		t.Fatalf("expected the inode-block-change split to produce 2 headers, got %d", dw.IndexSize())
	}

	body := decodeSingleBlock(t, file)
	order := binary.LittleEndian

	count1 := order.Uint32(body[0:4])
	startBlock1 := order.Uint32(body[4:8])
	if count1 != 1 {
		t.Errorf("expected first header to cover 2 entries (count-1==1), got %d", count1)
	}
	if startBlock1 != 7 {
		t.Errorf("expected first header start_block == 7, got %d", startBlock1)
	}

	off := dirHeaderSize
	rec1 := body[off : off+dirEntryRecordSize]
	nameLen1 := int(order.Uint16(rec1[6:8])) + 1
	off += dirEntryRecordSize + nameLen1
	rec2 := body[off : off+dirEntryRecordSize]
	nameLen2 := int(order.Uint16(rec2[6:8])) + 1
	off += dirEntryRecordSize + nameLen2

	count2 := order.Uint32(body[off : off+4])
	startBlock2 := order.Uint32(body[off+4 : off+8])
	if count2 != 0 {
		t.Errorf("expected second header to cover 1 entry (count-1==0), got %d", count2)
	}
	if startBlock2 != 8 {
		t.Errorf("expected second header start_block == 8, got %d", startBlock2)
	}
}

// --- xattr encoder: boundary scenarios 4-7 ---

func TestXattrWriterDedupAcrossInodes(t *testing.T) {
	xw := NewXattrWriter()

	xw.Begin()
	if err := xw.Add("user.a", []byte("b")); err != nil {
		t.Fatalf("Add (inode X) failed: %s", err)
	}
	idxX, err := xw.End()
	if err != nil {
		t.Fatalf("End (inode X) failed: %s", err)
	}

	xw.Begin()
	if err := xw.Add("user.a", []byte("b")); err != nil {
		t.Fatalf("Add (inode Y) failed: %s", err)
	}
	idxY, err := xw.End()
	if err != nil {
		t.Fatalf("End (inode Y) failed: %s", err)
	}

	if idxX != idxY {
		t.Errorf("expected identical pair-set index for both inodes, got %d and %d", idxX, idxY)
	}
	if idxX != 0 {
		t.Errorf("expected the single surviving block's index to be 0, got %d", idxX)
	}
	if len(xw.blocks) != 1 {
		t.Errorf("expected exactly one deduplicated pair block, got %d", len(xw.blocks))
	}
}

func TestXattrWriterOutOfLineSharedValue(t *testing.T) {
	xw := NewXattrWriter()
	value := make([]byte, 16) // decoded length > 8: OOL-eligible once shared by >= 2 inodes

	for _, key := range []string{"user.k1", "user.k2", "user.k3"} {
		xw.Begin()
		if err := xw.Add(key, value); err != nil {
			t.Fatalf("Add(%s) failed: %s", key, err)
		}
		if _, err := xw.End(); err != nil {
			t.Fatalf("End(%s) failed: %s", key, err)
		}
	}

	var sb Superblock
	file := &memRandomAccessFile{}
	mw := NewMetaWriter(file, 0, nil)
	if err := xw.Flush(mw, file, &sb); err != nil {
		t.Fatalf("Flush failed: %s", err)
	}

	body := decodeSingleBlock(t, file)
	order := binary.LittleEndian

	// record 0 (user.k1): first reference to the shared value -> inline
	typ0 := order.Uint16(body[0:2])
	if typ0&xattrOOLFlag != 0 {
		t.Fatalf("expected the first record to be inline, got the OOL flag set")
	}
	suffixLen0 := int(order.Uint16(body[2:4]))
	off := 4 + suffixLen0
	valLen0 := order.Uint32(body[off : off+4])
	if valLen0 != 16 {
		t.Errorf("expected an inline value record of length 16, got %d", valLen0)
	}
	off += 4 + int(valLen0)

	// record 1 (user.k2): refcount now >= 2 and decoded length > 8 -> OOL
	typ1 := order.Uint16(body[off : off+2])
	if typ1&xattrOOLFlag == 0 {
		t.Fatalf("expected the second record to be out-of-line")
	}
	suffixLen1 := int(order.Uint16(body[off+2 : off+4]))
	off += 4 + suffixLen1
	oolLen1 := order.Uint32(body[off : off+4])
	if oolLen1 != 8 {
		t.Errorf("expected an OOL value record of length 8, got %d", oolLen1)
	}
	off += 4 + 8

	// record 2 (user.k3): also out-of-line, same shared value
	typ2 := order.Uint16(body[off : off+2])
	if typ2&xattrOOLFlag == 0 {
		t.Fatalf("expected the third record to be out-of-line")
	}
}

func TestXattrWriterOverwriteWithinInode(t *testing.T) {
	xw := NewXattrWriter()

	xw.Begin()
	if err := xw.Add("user.a", []byte("x")); err != nil {
		t.Fatalf("Add(x) failed: %s", err)
	}
	if err := xw.Add("user.a", []byte("y")); err != nil {
		t.Fatalf("Add(y) failed: %s", err)
	}
	idx, err := xw.End()
	if err != nil {
		t.Fatalf("End failed: %s", err)
	}

	if got := xw.blocks[idx].count; got != 1 {
		t.Errorf("expected exactly one surviving pair after the overwrite, got %d", got)
	}

	var sb Superblock
	file := &memRandomAccessFile{}
	mw := NewMetaWriter(file, 0, nil)
	if err := xw.Flush(mw, file, &sb); err != nil {
		t.Fatalf("Flush failed: %s", err)
	}

	body := decodeSingleBlock(t, file)
	order := binary.LittleEndian
	suffixLen := int(order.Uint16(body[2:4]))
	off := 4 + suffixLen
	valLen := order.Uint32(body[off : off+4])
	value := body[off+4 : off+4+int(valLen)]
	if string(value) != "y" {
		t.Errorf("expected the surviving value to be %q, got %q", "y", value)
	}
}

func TestXattrWriterFlushNoXattrs(t *testing.T) {
	xw := NewXattrWriter()

	var sb Superblock
	file := &memRandomAccessFile{}
	mw := NewMetaWriter(file, 0, nil)
	if err := xw.Flush(mw, file, &sb); err != nil {
		t.Fatalf("Flush failed: %s", err)
	}

	if sb.XattrIdTableStart != noXattrsSentinel {
		t.Errorf("expected xattr_id_table_start sentinel, got %#x", sb.XattrIdTableStart)
	}
	if !sb.Flags.Has(NO_XATTRS) {
		t.Errorf("expected NoXattrs set on a flush with no staged xattrs, got flags=%s", sb.Flags)
	}
}

func TestXattrWriterEndOnEmptyRangeReturnsSentinel(t *testing.T) {
	xw := NewXattrWriter()

	xw.Begin()
	idx, err := xw.End()
	if err != nil {
		t.Fatalf("End failed: %s", err)
	}
	if idx != 0xFFFFFFFF {
		t.Errorf("expected the sentinel index for an empty range, got %d", idx)
	}
}
