package hpack

// appendVarInt appends v using the N-bit prefix representation of RFC 7541
// section 5.1. prefix bits already present in first (flag bits) are kept.
func appendVarInt(b []byte, prefixBits uint8, first byte, v uint64) []byte {
	max := uint64(1)<<prefixBits - 1
	if v < max {
		return append(b, first|byte(v))
	}
	b = append(b, first|byte(max))
	v -= max
	for v >= 128 {
		b = append(b, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(b, byte(v))
}

// readVarInt decodes an N-bit prefix integer from b. Values that do not fit
// in 32 bits are rejected, which the connection surfaces as a
// COMPRESSION_ERROR.
func readVarInt(b []byte, prefixBits uint8) (v uint64, rest []byte, err error) {
	if len(b) == 0 {
		return 0, nil, decodingError("truncated integer")
	}
	max := uint64(1)<<prefixBits - 1
	v = uint64(b[0]) & max
	b = b[1:]
	if v < max {
		return v, b, nil
	}
	var shift uint
	for {
		if len(b) == 0 {
			return 0, nil, decodingError("truncated integer continuation")
		}
		octet := b[0]
		b = b[1:]
		v += uint64(octet&0x7f) << shift
		shift += 7
		if v > 1<<32-1 {
			return 0, nil, decodingError("integer overflows 32 bits")
		}
		if octet&0x80 == 0 {
			return v, b, nil
		}
	}
}
