// Package hpack implements RFC 7541 header compression for the HTTP/2
// connection runtime: static and dynamic tables, prefix integer coding,
// Huffman string coding, and full encoder/decoder state machines.
package hpack

import "fmt"

// HeaderField is one (name, value) pair of a header list. Names are kept
// exactly as received; HTTP/2 requires them to be lowercase on the wire.
type HeaderField struct {
	Name  string
	Value string
	// Sensitive marks the field never-indexed: it must not enter any
	// compression table, ours or an intermediary's.
	Sensitive bool
}

// Size returns the table size contribution per RFC 7541 section 4.1.
func (f HeaderField) Size() uint32 {
	return uint32(len(f.Name)) + uint32(len(f.Value)) + 32
}

func (f HeaderField) String() string {
	return fmt.Sprintf("%s: %s", f.Name, f.Value)
}

// DecodingError is any malformed-input failure from the decoder. The
// connection runtime maps it to an HTTP/2 COMPRESSION_ERROR.
type DecodingError struct {
	Reason string
}

func (e DecodingError) Error() string {
	return "hpack: decoding error: " + e.Reason
}

func decodingError(format string, args ...any) DecodingError {
	return DecodingError{Reason: fmt.Sprintf(format, args...)}
}

// neverIndexedNames are headers the encoder always emits never-indexed,
// regardless of the Sensitive flag, per the header acceptance rules.
var neverIndexedNames = map[string]bool{
	"authorization":       true,
	"proxy-authorization": true,
	"cookie":              true,
	"set-cookie":          true,
}
