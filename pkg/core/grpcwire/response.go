package grpcwire

import (
	"strconv"

	"go.wiregrpc.io/server/pkg/core/http2/hpack"
	"go.wiregrpc.io/server/pkg/status"
)

// DefaultContentType is sent when the request carried no usable subtype.
const DefaultContentType = "application/grpc"

// BuildResponseHeaders synthesizes the initial response header block:
// :status 200, the mirrored content-type, the chosen grpc-encoding and any
// initial application metadata.
func BuildResponseHeaders(contentType, encoding string, md *Metadata) []hpack.HeaderField {
	if contentType == "" {
		contentType = DefaultContentType
	}
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: contentType},
	}
	if encoding != "" && encoding != IdentityCodec {
		fields = append(fields, hpack.HeaderField{Name: "grpc-encoding", Value: encoding})
	}
	if md != nil {
		fields = AppendMetadataHeaders(fields, md)
	}
	return fields
}

// BuildTrailers synthesizes the trailing header block: grpc-status, a
// percent-encoded grpc-message when non-empty, detail bytes when present
// and any trailing application metadata.
func BuildTrailers(st *status.Error, md *Metadata) []hpack.HeaderField {
	fields := []hpack.HeaderField{
		{Name: "grpc-status", Value: strconv.Itoa(int(st.Code))},
	}
	if st.Message != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: PercentEncode(st.Message)})
	}
	if len(st.Details) > 0 {
		fields = append(fields, hpack.HeaderField{Name: "grpc-status-details-bin", Value: encodeBinaryValue(st.Details)})
	}
	if md != nil {
		fields = AppendMetadataHeaders(fields, md)
	}
	return fields
}

// BuildTrailersOnly synthesizes the single header block of a trailers-only
// response: response headers and trailers fused, carrying END_STREAM.
func BuildTrailersOnly(contentType string, st *status.Error, extra []hpack.HeaderField) []hpack.HeaderField {
	if contentType == "" {
		contentType = DefaultContentType
	}
	fields := []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: contentType},
		{Name: "grpc-status", Value: strconv.Itoa(int(st.Code))},
	}
	if st.Message != "" {
		fields = append(fields, hpack.HeaderField{Name: "grpc-message", Value: PercentEncode(st.Message)})
	}
	if len(st.Details) > 0 {
		fields = append(fields, hpack.HeaderField{Name: "grpc-status-details-bin", Value: encodeBinaryValue(st.Details)})
	}
	return append(fields, extra...)
}

const upperhex = "0123456789ABCDEF"

func unreservedByte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '.' || c == '_' || c == '~':
		return true
	}
	return false
}

// PercentEncode renders a grpc-message value: every byte outside the
// unreserved set becomes an uppercase %XX escape.
func PercentEncode(s string) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if !unreservedByte(s[i]) {
			n++
		}
	}
	if n == 0 {
		return s
	}
	out := make([]byte, 0, len(s)+2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreservedByte(c) {
			out = append(out, c)
			continue
		}
		out = append(out, '%', upperhex[c>>4], upperhex[c&0xf])
	}
	return string(out)
}

// PercentDecode reverses PercentEncode, passing malformed escapes through
// untouched rather than failing.
func PercentDecode(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); {
		if s[i] == '%' && i+2 < len(s) {
			hi, ok1 := unhex(s[i+1])
			lo, ok2 := unhex(s[i+2])
			if ok1 && ok2 {
				out = append(out, hi<<4|lo)
				i += 3
				continue
			}
		}
		out = append(out, s[i])
		i++
	}
	return string(out)
}

func unhex(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
