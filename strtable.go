package squashfs

// StrTable is the string-interning table the xattr encoder uses to turn
// arbitrary byte strings (full xattr keys, hex-encoded values) into dense
// monotonically assigned 32-bit ids with per-id reference counts.
//
// The original C side of this design (lib/util/hash_table.h) is a generic
// open-addressing hash table; nothing in the example corpus exposes an
// importable Go equivalent keyed the way the xattr encoder needs (string
// in, dense id out, with refcounts), so this is implemented directly on a
// Go map (see DESIGN.md).
type StrTable struct {
	ids  map[string]uint32
	strs []string
	refs []uint32
}

// NewStrTable creates an empty string table.
func NewStrTable() *StrTable {
	return &StrTable{ids: make(map[string]uint32)}
}

// GetIndex returns the dense id for s, interning it if not already present.
func (t *StrTable) GetIndex(s string) (uint32, error) {
	if id, ok := t.ids[s]; ok {
		return id, nil
	}
	if len(t.strs) >= 0xFFFFFFFF {
		return 0, newError(KindOverflow, "string table exhausted")
	}
	id := uint32(len(t.strs))
	t.ids[s] = id
	t.strs = append(t.strs, s)
	t.refs = append(t.refs, 0)
	return id, nil
}

// AddRef increments the reference count of id.
func (t *StrTable) AddRef(id uint32) {
	t.refs[id]++
}

// DelRef decrements the reference count of id.
func (t *StrTable) DelRef(id uint32) {
	if t.refs[id] > 0 {
		t.refs[id]--
	}
}

// GetRefCount returns the current reference count of id.
func (t *StrTable) GetRefCount(id uint32) uint32 {
	return t.refs[id]
}

// GetString returns the string that was interned as id.
func (t *StrTable) GetString(id uint32) (string, error) {
	if int(id) >= len(t.strs) {
		return "", newError(KindOverflow, "string id %d out of range", id)
	}
	return t.strs[id], nil
}

// NumStrings returns the number of distinct interned strings.
func (t *StrTable) NumStrings() int {
	return len(t.strs)
}

// Copy returns an independent deep copy of the table.
func (t *StrTable) Copy() *StrTable {
	c := &StrTable{
		ids:  make(map[string]uint32, len(t.ids)),
		strs: append([]string(nil), t.strs...),
		refs: append([]uint32(nil), t.refs...),
	}
	for k, v := range t.ids {
		c.ids[k] = v
	}
	return c
}

// Cleanup discards all interned strings, returning the table to its
// initial empty state.
func (t *StrTable) Cleanup() {
	t.ids = make(map[string]uint32)
	t.strs = nil
	t.refs = nil
}
