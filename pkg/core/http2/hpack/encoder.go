package hpack

import "io"

// Encoder compresses header lists into HPACK blocks. It is owned by the
// connection's writer goroutine; header blocks for different streams must
// be produced one at a time because every block mutates the shared dynamic
// table.
type Encoder struct {
	w      io.Writer
	dynTab *dynamicTable
	buf    []byte

	// pendingResize is queued by SetMaxDynamicTableSize and emitted as a
	// dynamic table size update at the start of the next header block.
	pendingResize bool
	resizeTo      uint32
}

// NewEncoder returns an encoder writing blocks to w with the default 4096
// byte dynamic table.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w, dynTab: newDynamicTable(4096)}
}

// SetMaxDynamicTableSize applies the peer's SETTINGS_HEADER_TABLE_SIZE and
// schedules the mandatory size-update signal for the next block.
func (e *Encoder) SetMaxDynamicTableSize(v uint32) {
	e.dynTab.setMaxSize(v)
	e.pendingResize = true
	e.resizeTo = v
}

// WriteField encodes one field, choosing the shortest available form.
func (e *Encoder) WriteField(f HeaderField) error {
	e.buf = e.buf[:0]

	if e.pendingResize {
		e.buf = appendVarInt(e.buf, 5, 0x20, uint64(e.resizeTo))
		e.pendingResize = false
	}

	sensitive := f.Sensitive || neverIndexedNames[f.Name]

	nameIdx, exactIdx := e.search(f)
	switch {
	case sensitive:
		// Never-indexed literal; a name index is still allowed.
		e.buf = appendVarInt(e.buf, 4, 0x10, uint64(nameIdx))
		if nameIdx == 0 {
			e.buf = appendString(e.buf, f.Name)
		}
		e.buf = appendString(e.buf, f.Value)

	case exactIdx != 0:
		e.buf = appendVarInt(e.buf, 7, 0x80, uint64(exactIdx))

	default:
		// Literal with incremental indexing.
		e.buf = appendVarInt(e.buf, 6, 0x40, uint64(nameIdx))
		if nameIdx == 0 {
			e.buf = appendString(e.buf, f.Name)
		}
		e.buf = appendString(e.buf, f.Value)
		e.dynTab.add(HeaderField{Name: f.Name, Value: f.Value})
	}

	_, err := e.w.Write(e.buf)
	return err
}

// search returns the best name-only index and, if any, an exact
// (name, value) index across the static and dynamic tables.
func (e *Encoder) search(f HeaderField) (nameIdx, exactIdx uint32) {
	probe := HeaderField{Name: f.Name, Value: f.Value}
	if i, ok := staticByNameValue[probe]; ok {
		exactIdx = i
	}
	nameIdx = staticByName[f.Name]
	if exactIdx != 0 {
		return nameIdx, exactIdx
	}
	if i, nameOnly, ok := e.dynTab.search(probe); ok {
		if !nameOnly {
			return nameIdx, i
		}
		if nameIdx == 0 {
			nameIdx = i
		}
	}
	return nameIdx, 0
}

// appendString appends the HPACK string form of s, Huffman coded only when
// strictly shorter than the raw bytes.
func appendString(b []byte, s string) []byte {
	if hl := huffmanEncodedLen(s); hl < len(s) {
		b = appendVarInt(b, 7, 0x80, uint64(hl))
		return appendHuffman(b, s)
	}
	b = appendVarInt(b, 7, 0, uint64(len(s)))
	return append(b, s...)
}
