// Package grpcwire implements the gRPC content layer on top of HTTP/2:
// length-prefixed message framing, per-message compression, request header
// validation, metadata rules and trailer synthesis.
package grpcwire

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.wiregrpc.io/server/pkg/status"
)

// messageHeaderLen is the length-prefix: 1 compressed-flag byte + 4 length bytes.
const messageHeaderLen = 5

// ChunkReader is the stream-side source of DATA payload chunks.
// io.EOF marks a clean END_STREAM.
type ChunkReader interface {
	ReadChunk() ([]byte, error)
}

// MessageReader reassembles length-prefixed gRPC messages from DATA chunks;
// the 5-byte prefix and the payload may span any frame boundaries.
type MessageReader struct {
	src     ChunkReader
	buf     []byte
	maxSize uint32
}

// NewMessageReader wraps src, rejecting messages larger than maxSize.
func NewMessageReader(src ChunkReader, maxSize uint32) *MessageReader {
	return &MessageReader{src: src, maxSize: maxSize}
}

// Next returns the next message payload and its compressed flag. io.EOF is
// returned at a clean end of stream; a stream cut mid-message is INTERNAL.
func (r *MessageReader) Next() (payload []byte, compressed bool, err error) {
	for len(r.buf) < messageHeaderLen {
		chunk, err := r.src.ReadChunk()
		if err == io.EOF {
			if len(r.buf) == 0 {
				return nil, false, io.EOF
			}
			return nil, false, status.New(status.CodeInternal, "stream ended inside a message header")
		}
		if err != nil {
			return nil, false, err
		}
		r.buf = append(r.buf, chunk...)
	}

	flag := r.buf[0]
	if flag > 1 {
		return nil, false, status.Newf(status.CodeInternal, "invalid compressed flag %d", flag)
	}
	length := binary.BigEndian.Uint32(r.buf[1:5])
	if length > r.maxSize {
		return nil, false, status.Newf(status.CodeResourceExhausted,
			"message of %d bytes exceeds maximum of %d", length, r.maxSize)
	}

	need := messageHeaderLen + int(length)
	for len(r.buf) < need {
		chunk, err := r.src.ReadChunk()
		if err == io.EOF {
			return nil, false, status.New(status.CodeInternal, "stream ended inside a message body")
		}
		if err != nil {
			return nil, false, err
		}
		r.buf = append(r.buf, chunk...)
	}

	payload = make([]byte, length)
	copy(payload, r.buf[messageHeaderLen:need])
	r.buf = r.buf[need:]
	return payload, flag == 1, nil
}

// EncodeMessage produces the length-prefixed wire form of payload.
func EncodeMessage(payload []byte, compressed bool) []byte {
	out := make([]byte, messageHeaderLen+len(payload))
	if compressed {
		out[0] = 1
	}
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[messageHeaderLen:], payload)
	return out
}

// DecodeMessage parses one complete length-prefixed message from b,
// returning the remaining bytes. Used by tests and by trailers-only paths.
func DecodeMessage(b []byte) (payload []byte, compressed bool, rest []byte, err error) {
	if len(b) < messageHeaderLen {
		return nil, false, nil, fmt.Errorf("short message: %d bytes", len(b))
	}
	length := binary.BigEndian.Uint32(b[1:5])
	if uint32(len(b)-messageHeaderLen) < length {
		return nil, false, nil, fmt.Errorf("truncated message: have %d want %d", len(b)-messageHeaderLen, length)
	}
	return b[messageHeaderLen : messageHeaderLen+int(length)], b[0] == 1, b[messageHeaderLen+int(length):], nil
}
