package squashfs

import "encoding/binary"

// MetaBlockSize is the fixed logical size of one SquashFS meta-data block.
const MetaBlockSize = 8192

// Compressor is the capability the meta-block writer delegates compression
// to. Implementations may return data longer than the input; the meta
// writer falls back to storing the block literally in that case.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
}

// RandomAccessFile is the minimal file capability the encoders need: a
// place to write bytes at arbitrary offsets, and its current size so
// callers can record file-relative start offsets (kv_start_file,
// id_start_file, xattr_id_table_start, ...).
type RandomAccessFile interface {
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
}

// MetaWriter is a forward-only stream of 8 KiB meta-blocks: bytes are
// appended, sealed blocks are compressed (or stored literally when
// compression would not shrink them) and written with a 2-byte
// little-endian length prefix, high bit set meaning "stored".
type MetaWriter struct {
	file  RandomAccessFile
	comp  Compressor
	order binary.ByteOrder

	offset uint64
	block  uint64
	buf    []byte
}

// NewMetaWriter creates a meta-block writer appending to file starting at
// the given file offset. comp may be nil, in which case every block is
// stored literally.
func NewMetaWriter(file RandomAccessFile, startOffset uint64, comp Compressor) *MetaWriter {
	return &MetaWriter{
		file:   file,
		comp:   comp,
		order:  binary.LittleEndian,
		offset: startOffset,
	}
}

// Position reports the logical (block_index, offset_in_block) reached so
// far, i.e. the position the next Append will start writing at. The
// current block has not been sealed yet.
func (mw *MetaWriter) Position() (uint64, uint16) {
	return mw.block, uint16(len(mw.buf))
}

// FileOffset returns the absolute file offset the next sealed block will
// be written at.
func (mw *MetaWriter) FileOffset() uint64 {
	return mw.offset
}

// Append copies data into the current accumulator, sealing and emitting
// full 8 KiB blocks as they fill.
func (mw *MetaWriter) Append(data []byte) error {
	mw.buf = append(mw.buf, data...)
	for len(mw.buf) >= MetaBlockSize {
		rest := append([]byte(nil), mw.buf[MetaBlockSize:]...)
		mw.buf = mw.buf[:MetaBlockSize]
		if err := mw.sealBlock(); err != nil {
			return err
		}
		mw.buf = rest
	}
	return nil
}

// Flush forces sealing of the current partial block, if any bytes are
// pending.
func (mw *MetaWriter) Flush() error {
	if len(mw.buf) == 0 {
		return nil
	}
	return mw.sealBlock()
}

// Reset flushes any pending data and restarts the logical block index at
// zero, so a new logical table can begin in the same underlying file.
func (mw *MetaWriter) Reset() error {
	if err := mw.Flush(); err != nil {
		return err
	}
	mw.block = 0
	return nil
}

func (mw *MetaWriter) sealBlock() error {
	raw := mw.buf
	payload := raw
	stored := uint16(0x8000)

	if mw.comp != nil {
		compressed, err := mw.comp.Compress(raw)
		if err != nil {
			return ioErr(err)
		}
		if len(compressed) < len(raw) {
			payload = compressed
			stored = 0
		}
	}

	if len(payload) > 0x7fff {
		return newError(KindOverflow, "meta block payload %d exceeds 15-bit length", len(payload))
	}

	prefix := make([]byte, 2)
	mw.order.PutUint16(prefix, uint16(len(payload))|stored)

	if _, err := mw.file.WriteAt(prefix, int64(mw.offset)); err != nil {
		return ioErr(err)
	}
	if _, err := mw.file.WriteAt(payload, int64(mw.offset+2)); err != nil {
		return ioErr(err)
	}

	mw.offset += 2 + uint64(len(payload))
	mw.block++
	mw.buf = mw.buf[:0]
	return nil
}
