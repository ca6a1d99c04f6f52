package hpack

// Decoder decompresses HPACK blocks. It keeps its own dynamic table, fed by
// the peer encoder's incremental-indexing decisions and bounded by our
// SETTINGS_HEADER_TABLE_SIZE.
type Decoder struct {
	dynTab *dynamicTable
	// maxAllowed caps dynamic table size updates from the peer.
	maxAllowed uint32
}

// NewDecoder returns a decoder whose table is bounded by maxTableSize.
func NewDecoder(maxTableSize uint32) *Decoder {
	return &Decoder{
		dynTab:     newDynamicTable(maxTableSize),
		maxAllowed: maxTableSize,
	}
}

// SetAllowedMaxDynamicTableSize raises or lowers the cap advertised in our
// SETTINGS. A lower cap shrinks the table immediately.
func (d *Decoder) SetAllowedMaxDynamicTableSize(v uint32) {
	d.maxAllowed = v
	if d.dynTab.maxSize > v {
		d.dynTab.setMaxSize(v)
	}
}

// DecodeFull decodes a complete header block into its ordered field list.
func (d *Decoder) DecodeFull(block []byte) ([]HeaderField, error) {
	var fields []HeaderField
	seenField := false
	for len(block) > 0 {
		b := block[0]
		switch {
		case b&0x80 != 0: // indexed
			idx, rest, err := readVarInt(block, 7)
			if err != nil {
				return nil, err
			}
			if idx == 0 {
				return nil, decodingError("indexed field with index 0")
			}
			f, err := d.at(idx)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
			block = rest
			seenField = true

		case b&0xc0 == 0x40: // literal with incremental indexing
			f, rest, err := d.readLiteral(block, 6)
			if err != nil {
				return nil, err
			}
			d.dynTab.add(HeaderField{Name: f.Name, Value: f.Value})
			fields = append(fields, f)
			block = rest
			seenField = true

		case b&0xe0 == 0x20: // dynamic table size update
			if seenField {
				return nil, decodingError("table size update after header field")
			}
			size, rest, err := readVarInt(block, 5)
			if err != nil {
				return nil, err
			}
			if uint32(size) > d.maxAllowed {
				return nil, decodingError("table size update %d exceeds allowed %d", size, d.maxAllowed)
			}
			d.dynTab.setMaxSize(uint32(size))
			block = rest

		case b&0xf0 == 0x10: // literal never-indexed
			f, rest, err := d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
			f.Sensitive = true
			fields = append(fields, f)
			block = rest
			seenField = true

		default: // 0000xxxx, literal without indexing
			f, rest, err := d.readLiteral(block, 4)
			if err != nil {
				return nil, err
			}
			fields = append(fields, f)
			block = rest
			seenField = true
		}
	}
	return fields, nil
}

// readLiteral reads a literal field whose name index uses the given prefix.
func (d *Decoder) readLiteral(block []byte, prefixBits uint8) (HeaderField, []byte, error) {
	nameIdx, rest, err := readVarInt(block, prefixBits)
	if err != nil {
		return HeaderField{}, nil, err
	}
	var f HeaderField
	if nameIdx != 0 {
		ref, err := d.at(nameIdx)
		if err != nil {
			return HeaderField{}, nil, err
		}
		f.Name = ref.Name
	} else {
		f.Name, rest, err = readString(rest)
		if err != nil {
			return HeaderField{}, nil, err
		}
	}
	f.Value, rest, err = readString(rest)
	if err != nil {
		return HeaderField{}, nil, err
	}
	return f, rest, nil
}

// at resolves an absolute index across the static and dynamic tables.
func (d *Decoder) at(idx uint64) (HeaderField, error) {
	if idx >= 1 && idx <= uint64(len(staticTable)) {
		return staticTable[idx-1], nil
	}
	f, ok := d.dynTab.at(uint32(idx) - uint32(len(staticTable)) - 1)
	if !ok {
		return HeaderField{}, decodingError("index %d out of table range", idx)
	}
	return f, nil
}

// readString reads one HPACK string (huffman flag + length + bytes).
func readString(b []byte) (string, []byte, error) {
	if len(b) == 0 {
		return "", nil, decodingError("truncated string")
	}
	huffman := b[0]&0x80 != 0
	n, rest, err := readVarInt(b, 7)
	if err != nil {
		return "", nil, err
	}
	if uint64(len(rest)) < n {
		return "", nil, decodingError("string length %d exceeds remaining block", n)
	}
	raw := rest[:n]
	rest = rest[n:]
	if !huffman {
		return string(raw), rest, nil
	}
	s, err := huffmanDecode(raw)
	if err != nil {
		return "", nil, err
	}
	return s, rest, nil
}
