package grpcwire

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.wiregrpc.io/server/pkg/core/http2/hpack"
	"go.wiregrpc.io/server/pkg/status"
)

type chunkSource struct {
	chunks [][]byte
}

func (s *chunkSource) ReadChunk() ([]byte, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func TestMessageReaderSpansChunkBoundaries(t *testing.T) {
	payload := []byte("hello, length prefix")
	wire := EncodeMessage(payload, false)

	// Split the wire bytes so the prefix itself straddles a chunk boundary.
	src := &chunkSource{chunks: [][]byte{wire[:3], wire[3:7], wire[7:]}}
	r := NewMessageReader(src, 1<<20)

	got, compressed, err := r.Next()
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, payload, got)

	_, _, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestMessageReaderMultipleMessagesOneChunk(t *testing.T) {
	var wire []byte
	wire = append(wire, EncodeMessage([]byte("first"), false)...)
	wire = append(wire, EncodeMessage([]byte("second"), true)...)

	r := NewMessageReader(&chunkSource{chunks: [][]byte{wire}}, 1<<20)

	got, compressed, err := r.Next()
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, []byte("first"), got)

	got, compressed, err = r.Next()
	require.NoError(t, err)
	assert.True(t, compressed)
	assert.Equal(t, []byte("second"), got)
}

func TestMessageReaderInvalidFlag(t *testing.T) {
	wire := EncodeMessage([]byte("x"), false)
	wire[0] = 2
	r := NewMessageReader(&chunkSource{chunks: [][]byte{wire}}, 1<<20)

	_, _, err := r.Next()
	st := status.Convert(err)
	assert.Equal(t, status.CodeInternal, st.Code)
}

func TestMessageReaderOversize(t *testing.T) {
	wire := EncodeMessage(make([]byte, 64), false)
	r := NewMessageReader(&chunkSource{chunks: [][]byte{wire}}, 16)

	_, _, err := r.Next()
	st := status.Convert(err)
	assert.Equal(t, status.CodeResourceExhausted, st.Code)
}

func TestMessageReaderTruncatedBody(t *testing.T) {
	wire := EncodeMessage([]byte("truncated body"), false)
	r := NewMessageReader(&chunkSource{chunks: [][]byte{wire[:8]}}, 1<<20)

	_, _, err := r.Next()
	st := status.Convert(err)
	assert.Equal(t, status.CodeInternal, st.Code)
}

func TestTimeoutRoundTrip(t *testing.T) {
	for _, d := range []time.Duration{
		time.Nanosecond,
		137 * time.Microsecond,
		250 * time.Millisecond,
		3 * time.Second,
		90 * time.Minute,
		12 * time.Hour,
	} {
		parsed, err := ParseTimeout(FormatTimeout(d))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, parsed, d, "formatting must never undershoot %v", d)
	}
}

func TestParseTimeout(t *testing.T) {
	d, err := ParseTimeout("100m")
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, d)

	d, err = ParseTimeout("7S")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, d)

	for _, bad := range []string{"", "S", "100", "100x", "0S", "-5S", "1.5S", "123456789S"} {
		_, err := ParseTimeout(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestFormatTimeoutUnitSelection(t *testing.T) {
	assert.Equal(t, "1n", FormatTimeout(0))
	assert.Equal(t, "1n", FormatTimeout(time.Nanosecond))
	// 99999999n fits eight digits; one more rounds up to microseconds.
	assert.Equal(t, "99999999n", FormatTimeout(99999999*time.Nanosecond))
	assert.Equal(t, "100000u", FormatTimeout(100000000*time.Nanosecond))
	assert.Equal(t, "1S", FormatTimeout(time.Second))
}

func TestMetadataFromHeaders(t *testing.T) {
	md := MetadataFromHeaders([]hpack.HeaderField{
		{Name: ":path", Value: "/svc/M"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "te", Value: "trailers"},
		{Name: "grpc-timeout", Value: "1S"},
		{Name: "x-request-id", Value: "abc"},
		{Name: "x-request-id", Value: "def"},
		{Name: "token-bin", Value: "AQID"},
	})

	assert.Equal(t, 3, md.Len())
	assert.Equal(t, []string{"abc", "def"}, md.Values("x-request-id"))
	v, ok := md.Get("token-bin")
	require.True(t, ok)
	assert.Equal(t, "\x01\x02\x03", v)

	_, ok = md.Get("grpc-timeout")
	assert.False(t, ok, "reserved names must not surface as metadata")
}

func TestMetadataBinaryRoundTrip(t *testing.T) {
	var md Metadata
	md.Append("Token-Bin", "\x00\xff\x10")
	fields := AppendMetadataHeaders(nil, &md)
	require.Len(t, fields, 1)
	assert.Equal(t, "token-bin", fields[0].Name)

	back := MetadataFromHeaders(fields)
	v, ok := back.Get("token-bin")
	require.True(t, ok)
	assert.Equal(t, "\x00\xff\x10", v)
}

func TestCompressionRoundTrip(t *testing.T) {
	reg := NewCompressorRegistry([]string{"gzip", "deflate"})
	payload := []byte("the same text, repeated, the same text, repeated, the same text")

	for _, name := range []string{"gzip", "deflate"} {
		c, ok := reg.Get(name)
		require.True(t, ok, name)
		compressed, err := c.Compress(payload)
		require.NoError(t, err)
		out, err := c.Decompress(compressed)
		require.NoError(t, err)
		assert.Equal(t, payload, out, name)
	}

	c, ok := reg.Get("identity")
	assert.True(t, ok)
	assert.Nil(t, c)

	_, ok = reg.Get("snappy")
	assert.False(t, ok)
}

func TestNegotiatePrefersClientOrder(t *testing.T) {
	reg := NewCompressorRegistry([]string{"gzip", "deflate"})

	c := reg.Negotiate("deflate, gzip")
	require.NotNil(t, c)
	assert.Equal(t, "deflate", c.Name())

	c = reg.Negotiate("snappy, gzip")
	require.NotNil(t, c)
	assert.Equal(t, "gzip", c.Name())

	assert.Nil(t, reg.Negotiate("snappy"))
	assert.Nil(t, reg.Negotiate(""))
	assert.Equal(t, "identity,gzip,deflate", reg.AcceptEncoding())
}

func requestFields(overrides map[string]string) []hpack.HeaderField {
	base := map[string]string{
		":method":      "POST",
		":scheme":      "http",
		":path":        "/test.Echo/UnaryEcho",
		":authority":   "localhost",
		"content-type": "application/grpc",
		"te":           "trailers",
	}
	for k, v := range overrides {
		if v == "" {
			delete(base, k)
			continue
		}
		base[k] = v
	}
	var fields []hpack.HeaderField
	for k, v := range base {
		fields = append(fields, hpack.HeaderField{Name: k, Value: v})
	}
	return fields
}

func TestValidateRequestHeaders(t *testing.T) {
	info, err := ValidateRequestHeaders(requestFields(nil))
	require.NoError(t, err)
	assert.Equal(t, "/test.Echo/UnaryEcho", info.Path)
	assert.Equal(t, "test.Echo", info.Service)
	assert.Equal(t, "UnaryEcho", info.Method)
	assert.False(t, info.HasTimeout)
	assert.False(t, info.MissingTE)
}

func TestValidateRequestHeadersRejectsNonPOST(t *testing.T) {
	_, err := ValidateRequestHeaders(requestFields(map[string]string{":method": "GET"}))
	var herr HTTPError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, 405, herr.Code)
}

func TestValidateRequestHeadersRejectsContentType(t *testing.T) {
	for _, ct := range []string{"", "text/html", "application/json", "application/grpcx"} {
		_, err := ValidateRequestHeaders(requestFields(map[string]string{"content-type": ct}))
		var herr HTTPError
		require.ErrorAs(t, err, &herr, "content-type %q", ct)
		assert.Equal(t, 415, herr.Code)
	}
	for _, ct := range []string{"application/grpc", "application/grpc+proto", "application/grpc; charset=utf-8"} {
		_, err := ValidateRequestHeaders(requestFields(map[string]string{"content-type": ct}))
		assert.NoError(t, err, "content-type %q", ct)
	}
}

func TestValidateRequestHeadersBadPath(t *testing.T) {
	for _, path := range []string{"", "/", "/svc", "/svc/", "//M", "/svc/M/extra", "svc/M"} {
		_, err := ValidateRequestHeaders(requestFields(map[string]string{":path": path}))
		st := status.Convert(err)
		assert.Equal(t, status.CodeUnimplemented, st.Code, "path %q", path)
	}
}

func TestValidateRequestHeadersTimeoutAndTE(t *testing.T) {
	info, err := ValidateRequestHeaders(requestFields(map[string]string{"grpc-timeout": "500m"}))
	require.NoError(t, err)
	assert.True(t, info.HasTimeout)
	assert.Equal(t, 500*time.Millisecond, info.Timeout)

	// A malformed timeout is ignored rather than fatal.
	info, err = ValidateRequestHeaders(requestFields(map[string]string{"grpc-timeout": "bogus"}))
	require.NoError(t, err)
	assert.False(t, info.HasTimeout)

	info, err = ValidateRequestHeaders(requestFields(map[string]string{"te": ""}))
	require.NoError(t, err)
	assert.True(t, info.MissingTE)
}

func TestPercentEncode(t *testing.T) {
	assert.Equal(t, "plain-message_1.0~ok", PercentEncode("plain-message_1.0~ok"))
	assert.Equal(t,
		"Method%20not%20found%3A%20%2Ftest.Unknown%2FX",
		PercentEncode("Method not found: /test.Unknown/X"))
	assert.Equal(t, "caf%C3%A9", PercentEncode("café"))

	assert.Equal(t, "Method not found: /test.Unknown/X",
		PercentDecode("Method%20not%20found%3A%20%2Ftest.Unknown%2FX"))
	// Malformed escapes pass through untouched.
	assert.Equal(t, "50%", PercentDecode("50%"))
	assert.Equal(t, "%zz", PercentDecode("%zz"))
}

func TestBuildTrailers(t *testing.T) {
	st := status.New(status.CodeNotFound, "no such thing")
	fields := BuildTrailers(st, nil)
	require.Len(t, fields, 2)
	assert.Equal(t, hpack.HeaderField{Name: "grpc-status", Value: "5"}, fields[0])
	assert.Equal(t, hpack.HeaderField{Name: "grpc-message", Value: "no%20such%20thing"}, fields[1])

	// OK with no message is a single grpc-status entry.
	fields = BuildTrailers(status.OK, nil)
	require.Len(t, fields, 1)
	assert.Equal(t, hpack.HeaderField{Name: "grpc-status", Value: "0"}, fields[0])
}

func TestBuildResponseHeaders(t *testing.T) {
	fields := BuildResponseHeaders("application/grpc+proto", "gzip", nil)
	assert.Equal(t, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc+proto"},
		{Name: "grpc-encoding", Value: "gzip"},
	}, fields)

	fields = BuildResponseHeaders("", "", nil)
	assert.Equal(t, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
	}, fields)
}

func TestBuildTrailersOnly(t *testing.T) {
	st := status.Newf(status.CodeUnimplemented, "Method not found: /test.Unknown/X")
	fields := BuildTrailersOnly("application/grpc", st, nil)
	assert.Equal(t, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "grpc-status", Value: "12"},
		{Name: "grpc-message", Value: "Method%20not%20found%3A%20%2Ftest.Unknown%2FX"},
	}, fields)
}
