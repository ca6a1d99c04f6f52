package rpc

import "fmt"

// Codec is the external message format collaborator. The runtime never
// interprets payload bytes; it hands them to the codec together with the
// type name recorded in the method descriptor.
type Codec interface {
	Decode(data []byte, typeName string) (any, error)
	Encode(msg any, typeName string) ([]byte, error)
}

// RawCodec passes payloads through as []byte in both directions. It backs
// services whose handlers work on wire bytes directly, the built-in health
// and reflection services among them.
type RawCodec struct{}

func (RawCodec) Decode(data []byte, _ string) (any, error) { return data, nil }

func (RawCodec) Encode(msg any, typeName string) ([]byte, error) {
	b, ok := msg.([]byte)
	if !ok {
		return nil, fmt.Errorf("raw codec: message for %q is %T, want []byte", typeName, msg)
	}
	return b, nil
}
