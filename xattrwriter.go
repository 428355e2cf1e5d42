package squashfs

import (
	"encoding/binary"
	"sort"
)

const (
	xattrOOLFlag      = 0x0100
	noXattrsSentinel  = ^uint64(0)
	noOOLLocSentinel  = ^uint64(0)
	xattrNoBlockIndex = ^uint32(0)
)

const hexDigits = "0123456789ABCDEF"

// encodeHex canonically hex-encodes a byte string the way the xattr
// encoder needs it keyed into a text-keyed intern table: for each byte,
// low nibble first, then high nibble.
func encodeHex(data []byte) string {
	buf := make([]byte, len(data)*2)
	for i, b := range data {
		buf[i*2] = hexDigits[b&0x0F]
		buf[i*2+1] = hexDigits[(b>>4)&0x0F]
	}
	return string(buf)
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	default:
		return 0, newError(KindIO, "invalid hex digit %q", c)
	}
}

func decodeHex(s string) ([]byte, error) {
	if len(s)%2 != 0 {
		return nil, newError(KindIO, "odd-length hex string %q", s)
	}
	out := make([]byte, len(s)/2)
	for i := range out {
		lo, err := hexNibble(s[i*2])
		if err != nil {
			return nil, err
		}
		hi, err := hexNibble(s[i*2+1])
		if err != nil {
			return nil, err
		}
		out[i] = lo | hi<<4
	}
	return out, nil
}

// xattrKvBlockDesc is one deduplicated (key_id,value_id) set: its slice
// window into the pairs buffer, and (after Flush) its on-disk location
// and encoded size.
type xattrKvBlockDesc struct {
	start     uint32
	count     uint32
	startRef  uint64
	sizeBytes uint32
}

func packKv(keyID, valueID uint32) uint64 { return uint64(keyID)<<32 | uint64(valueID) }
func unpackKv(p uint64) (uint32, uint32)  { return uint32(p >> 32), uint32(p) }

// XattrWriter accumulates per-inode (key,value) sets, deduplicates both
// individual strings and whole sets, and emits the four linked on-disk
// xattr tables at Flush.
type XattrWriter struct {
	keys   *StrTable
	values *StrTable

	pairs   []uint64
	kvStart uint32

	blocks []xattrKvBlockDesc
}

// NewXattrWriter creates an empty xattr encoder.
func NewXattrWriter() *XattrWriter {
	return &XattrWriter{keys: NewStrTable(), values: NewStrTable()}
}

// Begin marks the start of the pair range for one inode.
func (w *XattrWriter) Begin() {
	w.kvStart = uint32(len(w.pairs))
}

// Add records one (key, value) pair for the inode currently being built.
// Duplicate keys within the same Begin/End range follow last-writer-wins.
func (w *XattrWriter) Add(key string, value []byte) error {
	if _, _, err := splitXattrNamespace(key); err != nil {
		return err
	}

	keyID, err := w.keys.GetIndex(key)
	if err != nil {
		return err
	}
	valueID, err := w.values.GetIndex(encodeHex(value))
	if err != nil {
		return err
	}
	w.values.AddRef(valueID)

	for i := w.kvStart; i < uint32(len(w.pairs)); i++ {
		k, v := unpackKv(w.pairs[i])
		if k != keyID {
			continue
		}
		if v == valueID {
			return nil
		}
		w.values.DelRef(v)
		w.pairs[i] = packKv(keyID, valueID)
		return nil
	}

	w.pairs = append(w.pairs, packKv(keyID, valueID))
	return nil
}

// End finalizes the current inode's pair range: sorts it, deduplicates it
// against previously finalized sets, and returns the resulting
// KvBlockDesc index (0xFFFFFFFF if the range was empty).
func (w *XattrWriter) End() (uint32, error) {
	current := w.pairs[w.kvStart:]
	if len(current) == 0 {
		return 0xFFFFFFFF, nil
	}

	sort.Slice(current, func(i, j int) bool { return current[i] < current[j] })

	for idx := range w.blocks {
		blk := &w.blocks[idx]
		if blk.count != uint32(len(current)) {
			continue
		}
		matches := true
		for i := uint32(0); i < blk.count; i++ {
			if w.pairs[blk.start+i] != current[i] {
				matches = false
				break
			}
		}
		if !matches {
			continue
		}

		for _, p := range current {
			_, v := unpackKv(p)
			w.values.DelRef(v)
		}
		for i := uint32(0); i < blk.count; i++ {
			_, v := unpackKv(w.pairs[blk.start+i])
			w.values.AddRef(v)
		}
		w.pairs = w.pairs[:w.kvStart]
		return uint32(idx), nil
	}

	if uint32(len(w.blocks)) == xattrNoBlockIndex {
		return 0, newError(KindOverflow, "xattr block descriptor count exhausted")
	}

	w.blocks = append(w.blocks, xattrKvBlockDesc{start: w.kvStart, count: uint32(len(current))})
	return uint32(len(w.blocks) - 1), nil
}

func shouldStoreOOL(decodedLen int, refcount uint32) bool {
	if refcount < 2 {
		return false
	}
	return decodedLen > 8
}

// Flush writes the pair blocks, the pair-block descriptor (id) table and
// the meta-block location table, updating super's xattr_id_table_start
// and NoXattrs flag. It is called once at image finalization.
func (w *XattrWriter) Flush(mw *MetaWriter, file RandomAccessFile, super *Superblock) error {
	if len(w.pairs) == 0 || len(w.blocks) == 0 {
		super.SetNoXattrs()
		return nil
	}

	order := binary.LittleEndian
	kvStartFile := uint64(file.Size())

	oolLoc := make([]uint64, w.values.NumStrings())
	for i := range oolLoc {
		oolLoc[i] = noOOLLocSentinel
	}

	for bi := range w.blocks {
		blk := &w.blocks[bi]
		block, offset := mw.Position()
		blk.startRef = (block << 16) | uint64(offset)

		var written uint32
		for i := uint32(0); i < blk.count; i++ {
			keyID, valueID := unpackKv(w.pairs[blk.start+i])

			keyStr, err := w.keys.GetString(keyID)
			if err != nil {
				return err
			}
			prefixID, suffix, err := splitXattrNamespace(keyStr)
			if err != nil {
				return err
			}
			valueHex, err := w.values.GetString(valueID)
			if err != nil {
				return err
			}
			decoded, err := decodeHex(valueHex)
			if err != nil {
				return err
			}

			if oolLoc[valueID] == noOOLLocSentinel {
				keyHdr := make([]byte, 4+len(suffix))
				order.PutUint16(keyHdr[0:2], prefixID)
				order.PutUint16(keyHdr[2:4], uint16(len(suffix)))
				copy(keyHdr[4:], suffix)
				if err := mw.Append(keyHdr); err != nil {
					return err
				}
				written += uint32(len(keyHdr))

				vblock, voffset := mw.Position()
				ref := (vblock << 16) | uint64(voffset)

				valRec := make([]byte, 4+len(decoded))
				order.PutUint32(valRec[0:4], uint32(len(decoded)))
				copy(valRec[4:], decoded)
				if err := mw.Append(valRec); err != nil {
					return err
				}
				written += uint32(len(valRec))

				if shouldStoreOOL(len(decoded), w.values.GetRefCount(valueID)) {
					oolLoc[valueID] = ref
				}
			} else {
				keyHdr := make([]byte, 4+len(suffix))
				order.PutUint16(keyHdr[0:2], prefixID|xattrOOLFlag)
				order.PutUint16(keyHdr[2:4], uint16(len(suffix)))
				copy(keyHdr[4:], suffix)
				if err := mw.Append(keyHdr); err != nil {
					return err
				}
				written += uint32(len(keyHdr))

				valRec := make([]byte, 12)
				order.PutUint32(valRec[0:4], 8)
				order.PutUint64(valRec[4:12], oolLoc[valueID])
				if err := mw.Append(valRec); err != nil {
					return err
				}
				written += uint32(len(valRec))
			}
		}
		blk.sizeBytes = written
	}
	if err := mw.Flush(); err != nil {
		return err
	}

	idStartFile := uint64(file.Size())
	if err := mw.Reset(); err != nil {
		return err
	}

	// The C ancestor compares against locations[i-1], which is the 0
	// sentinel at i==1 and can miscount if the id table happens to start
	// in block 0 of the fresh meta-stream. This captures the starting
	// block explicitly instead.
	startBlock, _ := mw.Position()
	locations := []uint64{startBlock}
	lastBlock := startBlock

	for bi := range w.blocks {
		blk := &w.blocks[bi]
		block, _ := mw.Position()
		if block != lastBlock {
			locations = append(locations, block)
			lastBlock = block
		}

		rec := make([]byte, 16)
		order.PutUint64(rec[0:8], blk.startRef)
		order.PutUint32(rec[8:12], blk.count)
		order.PutUint32(rec[12:16], blk.sizeBytes)
		if err := mw.Append(rec); err != nil {
			return err
		}
	}
	if err := mw.Flush(); err != nil {
		return err
	}

	super.SetXattrTableStart(uint64(file.Size()))
	super.ClearNoXattrs()

	for i := range locations {
		locations[i] += idStartFile
	}

	header := make([]byte, 16+8*len(locations))
	order.PutUint64(header[0:8], kvStartFile)
	order.PutUint32(header[8:12], uint32(len(w.blocks)))
	for i, loc := range locations {
		order.PutUint64(header[16+i*8:24+i*8], loc)
	}

	if _, err := file.WriteAt(header, int64(super.XattrIdTableStart)); err != nil {
		return ioErr(err)
	}
	return nil
}
