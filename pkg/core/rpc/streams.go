package rpc

import (
	"io"
	"sync"

	"go.wiregrpc.io/server/pkg/status"
)

// MessageSource yields request payloads with the length prefix stripped
// and decompression applied. io.EOF marks the client's half-close.
type MessageSource interface {
	Next() ([]byte, error)
}

// MessageSink writes response payloads to the wire; the transport adds the
// length prefix, compression and DATA framing, and may block on flow
// control.
type MessageSink interface {
	SendMessage(payload []byte) error
}

// Receiver is the handler-facing read side of a streaming request.
type Receiver struct {
	ctx      *CallContext
	src      MessageSource
	codec    Codec
	typeName string
}

// Next returns the next decoded request message, io.EOF at the client's
// half-close, or the cancellation status once the request is cancelled.
func (r *Receiver) Next() (any, error) {
	if st := r.ctx.checkLive(); st != nil {
		return nil, st
	}
	payload, err := r.src.Next()
	if err == io.EOF {
		return nil, io.EOF
	}
	if err != nil {
		if st := r.ctx.Err(); st != nil {
			return nil, st
		}
		return nil, err
	}
	msg, err := r.codec.Decode(payload, r.typeName)
	if err != nil {
		return nil, status.Newf(status.CodeInvalidArgument, "failed to decode %s: %v", r.typeName, err)
	}
	return msg, nil
}

// Sender is the handler-facing write side of a streaming response. At most
// one Send runs at a time; closing happens implicitly when the handler
// returns.
type Sender struct {
	ctx      *CallContext
	sink     MessageSink
	codec    Codec
	typeName string

	mu     sync.Mutex
	closed bool
}

// Send encodes and writes one response message. It blocks while flow
// control is saturated and fails with the cancellation status if the
// request is cancelled.
func (s *Sender) Send(msg any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return status.New(status.CodeInternal, "send on a finished stream")
	}
	if st := s.ctx.checkLive(); st != nil {
		return st
	}
	payload, err := s.codec.Encode(msg, s.typeName)
	if err != nil {
		return status.Newf(status.CodeInternal, "failed to encode %s: %v", s.typeName, err)
	}
	if err := s.sink.SendMessage(payload); err != nil {
		if st := s.ctx.Err(); st != nil {
			return st
		}
		return status.Convert(err)
	}
	return nil
}

func (s *Sender) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}
