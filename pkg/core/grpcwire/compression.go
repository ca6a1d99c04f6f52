package grpcwire

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Compressor is one per-message compression codec.
type Compressor interface {
	Name() string
	Compress(p []byte) ([]byte, error)
	Decompress(p []byte) ([]byte, error)
}

// IdentityCodec is the name of the no-op codec.
const IdentityCodec = "identity"

type gzipCodec struct{}

func (gzipCodec) Name() string { return "gzip" }

func (gzipCodec) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("failed to gzip message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish gzip message: %w", err)
	}
	return buf.Bytes(), nil
}

func (gzipCodec) Decompress(p []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(p))
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip message: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to gunzip message: %w", err)
	}
	return out, nil
}

type deflateCodec struct{}

func (deflateCodec) Name() string { return "deflate" }

func (deflateCodec) Compress(p []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(p); err != nil {
		return nil, fmt.Errorf("failed to deflate message: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish deflate message: %w", err)
	}
	return buf.Bytes(), nil
}

func (deflateCodec) Decompress(p []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(p))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to inflate message: %w", err)
	}
	return out, nil
}

// CompressorRegistry resolves codec names from grpc-encoding and
// grpc-accept-encoding headers.
type CompressorRegistry struct {
	codecs map[string]Compressor
	names  []string
}

// NewCompressorRegistry builds a registry for the named codecs; unknown
// names are skipped. identity is always implied and never registered.
func NewCompressorRegistry(names []string) *CompressorRegistry {
	r := &CompressorRegistry{codecs: make(map[string]Compressor)}
	for _, name := range names {
		var c Compressor
		switch name {
		case "gzip":
			c = gzipCodec{}
		case "deflate":
			c = deflateCodec{}
		case IdentityCodec:
			continue
		default:
			continue
		}
		r.codecs[c.Name()] = c
		r.names = append(r.names, c.Name())
	}
	return r
}

// Get returns the codec for name; identity resolves to (nil, true).
func (r *CompressorRegistry) Get(name string) (Compressor, bool) {
	if name == "" || name == IdentityCodec {
		return nil, true
	}
	c, ok := r.codecs[name]
	return c, ok
}

// AcceptEncoding renders the grpc-accept-encoding trailer advertised with
// UNIMPLEMENTED when the client used an unknown codec.
func (r *CompressorRegistry) AcceptEncoding() string {
	return strings.Join(append([]string{IdentityCodec}, r.names...), ",")
}

// Negotiate picks the response codec: the first entry of the client's
// grpc-accept-encoding list that the server supports, preserving the
// client's preference order. An empty result means identity.
func (r *CompressorRegistry) Negotiate(acceptEncoding string) Compressor {
	for _, name := range strings.Split(acceptEncoding, ",") {
		name = strings.TrimSpace(name)
		if name == "" || name == IdentityCodec {
			continue
		}
		if c, ok := r.codecs[name]; ok {
			return c
		}
	}
	return nil
}
