package hpack

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xhpack "golang.org/x/net/http2/hpack"
)

func sampleHeaders() []HeaderField {
	return []HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "http"},
		{Name: ":path", Value: "/test.Greeter/Hello"},
		{Name: ":authority", Value: "localhost:50051"},
		{Name: "content-type", Value: "application/grpc"},
		{Name: "te", Value: "trailers"},
		{Name: "grpc-timeout", Value: "500m"},
		{Name: "user-agent", Value: "wiregrpc-test/0.1"},
		{Name: "x-request-id", Value: "d3adb33f"},
	}
}

func TestEncodeDecodedByReferenceDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range sampleHeaders() {
		require.NoError(t, enc.WriteField(f))
	}

	dec := xhpack.NewDecoder(4096, nil)
	got, err := dec.DecodeFull(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, got, len(sampleHeaders()))
	for i, f := range sampleHeaders() {
		assert.Equal(t, f.Name, got[i].Name)
		assert.Equal(t, f.Value, got[i].Value)
	}
}

func TestDecodeBlockFromReferenceEncoder(t *testing.T) {
	var buf bytes.Buffer
	enc := xhpack.NewEncoder(&buf)
	for _, f := range sampleHeaders() {
		require.NoError(t, enc.WriteField(xhpack.HeaderField{Name: f.Name, Value: f.Value}))
	}

	dec := NewDecoder(4096)
	got, err := dec.DecodeFull(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, got, len(sampleHeaders()))
	for i, f := range sampleHeaders() {
		assert.Equal(t, f.Name, got[i].Name)
		assert.Equal(t, f.Value, got[i].Value)
	}
}

func TestRoundTripPreservesOrderAndRepeats(t *testing.T) {
	headers := []HeaderField{
		{Name: "set-cookie", Value: "a=1"},
		{Name: "set-cookie", Value: "b=2"},
		{Name: "custom", Value: "first"},
		{Name: "custom", Value: "first"}, // repeated pair should hit the dynamic table
		{Name: "custom", Value: "second"},
	}
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range headers {
		require.NoError(t, enc.WriteField(f))
	}
	dec := NewDecoder(4096)
	got, err := dec.DecodeFull(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, len(headers), len(got))
	for i := range headers {
		assert.Equal(t, headers[i].Name, got[i].Name, "field %d", i)
		assert.Equal(t, headers[i].Value, got[i].Value, "field %d", i)
	}
}

func TestSensitiveHeadersAreNeverIndexed(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	require.NoError(t, enc.WriteField(HeaderField{Name: "authorization", Value: "Bearer s3cr3t"}))

	// First byte of the encoded field must carry the 0001 never-indexed
	// prefix (authorization has a static name index, so no resize signal
	// precedes it).
	require.NotEmpty(t, buf.Bytes())
	assert.Equal(t, byte(0x10), buf.Bytes()[0]&0xf0)

	// And the dynamic table must stay empty.
	assert.Empty(t, enc.dynTab.ents)
}

func TestDynamicTableEviction(t *testing.T) {
	tab := newDynamicTable(100)
	tab.add(HeaderField{Name: "aaaa", Value: "bbbb"}) // size 40
	tab.add(HeaderField{Name: "cccc", Value: "dddd"}) // size 40
	require.Len(t, tab.ents, 2)

	// Third entry overflows: the oldest is evicted.
	tab.add(HeaderField{Name: "eeee", Value: "ffff"})
	require.Len(t, tab.ents, 2)
	f, ok := tab.at(1)
	require.True(t, ok)
	assert.Equal(t, "cccc", f.Name)

	// Shrinking evicts from the tail until the invariant holds.
	tab.setMaxSize(40)
	require.Len(t, tab.ents, 1)
	f, _ = tab.at(0)
	assert.Equal(t, "eeee", f.Name)

	// An entry larger than the whole table clears it.
	tab.add(HeaderField{Name: "very-long-name-that-does-not-fit", Value: "with-an-equally-long-value"})
	assert.Empty(t, tab.ents)
}

func TestTableSizeUpdateEmittedAndEnforced(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	enc.SetMaxDynamicTableSize(256)
	require.NoError(t, enc.WriteField(HeaderField{Name: "x", Value: "y"}))

	// The block must start with a 001 size update.
	assert.Equal(t, byte(0x20), buf.Bytes()[0]&0xe0)

	dec := NewDecoder(4096)
	_, err := dec.DecodeFull(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, uint32(256), dec.dynTab.maxSize)

	// An update above our advertised cap is a compression error.
	var buf2 bytes.Buffer
	enc2 := NewEncoder(&buf2)
	enc2.SetMaxDynamicTableSize(8192)
	require.NoError(t, enc2.WriteField(HeaderField{Name: "x", Value: "y"}))
	smallDec := NewDecoder(4096)
	_, err = smallDec.DecodeFull(buf2.Bytes())
	assert.Error(t, err)
}

func TestDecodeErrors(t *testing.T) {
	dec := NewDecoder(4096)

	// Index 0 is invalid.
	_, err := dec.DecodeFull([]byte{0x80})
	assert.Error(t, err)

	// Index beyond both tables.
	var idx []byte
	idx = appendVarInt(idx, 7, 0x80, 200)
	_, err = dec.DecodeFull(idx)
	assert.Error(t, err)

	// Truncated string.
	_, err = dec.DecodeFull([]byte{0x00, 0x05, 'a'})
	assert.Error(t, err)

	// Integer overflowing 32 bits.
	over := []byte{0x1f, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f}
	_, err = dec.DecodeFull(over)
	assert.Error(t, err)
}

func TestVarIntRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 30, 31, 32, 127, 128, 255, 256, 16383, 1<<20 + 17, 1<<32 - 1} {
		for _, prefix := range []uint8{4, 5, 6, 7} {
			b := appendVarInt(nil, prefix, 0, v)
			got, rest, err := readVarInt(b, prefix)
			require.NoError(t, err, "v=%d prefix=%d", v, prefix)
			assert.Equal(t, v, got, "v=%d prefix=%d", v, prefix)
			assert.Empty(t, rest)
		}
	}
}
