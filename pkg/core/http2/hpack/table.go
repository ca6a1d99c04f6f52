package hpack

// dynamicTable holds the per-connection dynamic entries. Entries are kept
// newest-first so that ents[0] is absolute index 62.
type dynamicTable struct {
	ents    []HeaderField
	size    uint32 // current occupancy per the size-32 rule
	maxSize uint32
}

func newDynamicTable(maxSize uint32) *dynamicTable {
	return &dynamicTable{maxSize: maxSize}
}

// setMaxSize resizes the table, evicting from the oldest end until the
// occupancy invariant holds again.
func (t *dynamicTable) setMaxSize(v uint32) {
	t.maxSize = v
	t.evict()
}

// add inserts f as the newest entry. An entry larger than the whole table
// clears it, per RFC 7541 section 4.4.
func (t *dynamicTable) add(f HeaderField) {
	if f.Size() > t.maxSize {
		t.ents = nil
		t.size = 0
		return
	}
	t.ents = append([]HeaderField{f}, t.ents...)
	t.size += f.Size()
	t.evict()
}

func (t *dynamicTable) evict() {
	for t.size > t.maxSize && len(t.ents) > 0 {
		last := t.ents[len(t.ents)-1]
		t.ents = t.ents[:len(t.ents)-1]
		t.size -= last.Size()
	}
}

// at returns the entry at dynamic offset i (0 = newest, absolute index 62).
func (t *dynamicTable) at(i uint32) (HeaderField, bool) {
	if i >= uint32(len(t.ents)) {
		return HeaderField{}, false
	}
	return t.ents[i], true
}

// search reports the best dynamic match for f: the absolute index of an
// exact (name, value) match, or failing that of a name-only match.
func (t *dynamicTable) search(f HeaderField) (index uint32, nameOnly bool, ok bool) {
	var nameIdx uint32
	for i, e := range t.ents {
		if e.Name != f.Name {
			continue
		}
		if e.Value == f.Value {
			return uint32(i) + uint32(len(staticTable)) + 1, false, true
		}
		if nameIdx == 0 {
			nameIdx = uint32(i) + uint32(len(staticTable)) + 1
		}
	}
	if nameIdx != 0 {
		return nameIdx, true, true
	}
	return 0, false, false
}
