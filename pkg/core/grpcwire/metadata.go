package grpcwire

import (
	"encoding/base64"
	"strings"

	"go.wiregrpc.io/server/pkg/core/http2/hpack"
)

// Pair is one metadata entry. Binary entries (names ending in -bin) hold
// the decoded bytes in Value.
type Pair struct {
	Name  string
	Value string
}

// Metadata is an ordered multi-map of application metadata. Order of
// repeated names is preserved end to end.
type Metadata struct {
	pairs []Pair
}

// Append adds entries for name, lowercasing it per the wire rules.
func (m *Metadata) Append(name string, values ...string) {
	name = strings.ToLower(name)
	for _, v := range values {
		m.pairs = append(m.pairs, Pair{Name: name, Value: v})
	}
}

// Get returns the first value for name, with case-insensitive lookup.
func (m *Metadata) Get(name string) (string, bool) {
	name = strings.ToLower(name)
	for _, p := range m.pairs {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Values returns all values for name in arrival order.
func (m *Metadata) Values(name string) []string {
	name = strings.ToLower(name)
	var out []string
	for _, p := range m.pairs {
		if p.Name == name {
			out = append(out, p.Value)
		}
	}
	return out
}

// Pairs exposes the ordered entries.
func (m *Metadata) Pairs() []Pair { return m.pairs }

// Len returns the number of entries.
func (m *Metadata) Len() int { return len(m.pairs) }

// IsBinaryName reports whether a metadata name carries base64 binary data.
func IsBinaryName(name string) bool {
	return strings.HasSuffix(name, "-bin")
}

// reservedMetadataName filters transport-level headers out of the
// application metadata view.
func reservedMetadataName(name string) bool {
	if strings.HasPrefix(name, ":") || strings.HasPrefix(name, "grpc-") {
		return true
	}
	switch name {
	case "te", "content-type", "user-agent":
		return true
	}
	return false
}

// encodeBinaryValue renders binary metadata for the wire without padding.
func encodeBinaryValue(v []byte) string {
	return base64.RawStdEncoding.EncodeToString(v)
}

// decodeBinaryValue is tolerant about base64 padding, as senders may emit
// either raw or padded encoding.
func decodeBinaryValue(v string) (string, bool) {
	if decoded, err := base64.StdEncoding.DecodeString(v); err == nil {
		return string(decoded), true
	}
	if decoded, err := base64.RawStdEncoding.DecodeString(v); err == nil {
		return string(decoded), true
	}
	return "", false
}

// MetadataFromHeaders extracts application metadata from a decoded header
// list: reserved names dropped, -bin values base64-decoded, order kept.
func MetadataFromHeaders(fields []hpack.HeaderField) Metadata {
	var md Metadata
	for _, f := range fields {
		if reservedMetadataName(f.Name) {
			continue
		}
		if IsBinaryName(f.Name) {
			decoded, ok := decodeBinaryValue(f.Value)
			if !ok {
				continue
			}
			md.pairs = append(md.pairs, Pair{Name: f.Name, Value: decoded})
			continue
		}
		md.pairs = append(md.pairs, Pair{Name: f.Name, Value: f.Value})
	}
	return md
}

// AppendMetadataHeaders renders md onto a header field list for the wire:
// names lowercased, -bin values base64-encoded without padding.
func AppendMetadataHeaders(fields []hpack.HeaderField, md *Metadata) []hpack.HeaderField {
	for _, p := range md.pairs {
		v := p.Value
		if IsBinaryName(p.Name) {
			v = base64.RawStdEncoding.EncodeToString([]byte(p.Value))
		}
		fields = append(fields, hpack.HeaderField{Name: p.Name, Value: v})
	}
	return fields
}
