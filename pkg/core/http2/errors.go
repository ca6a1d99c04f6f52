// Package http2 implements the server side of the HTTP/2 framing layer:
// frame codec, settings, flow control, stream state machine and the
// per-connection runtime that gRPC rides on.
package http2

import (
	"fmt"

	"go.wiregrpc.io/server/pkg/status"
)

// ConnError terminates the whole connection: the runtime sends GOAWAY with
// the embedded code and tears the transport down.
type ConnError struct {
	Code   status.ErrCode
	Reason string
}

func (e ConnError) Error() string {
	return fmt.Sprintf("http2: connection error %s: %s", e.Code, e.Reason)
}

// StreamError terminates a single stream: the runtime replies with
// RST_STREAM carrying the embedded code and marks the stream closed.
type StreamError struct {
	StreamID uint32
	Code     status.ErrCode
	Reason   string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("http2: stream %d error %s: %s", e.StreamID, e.Code, e.Reason)
}

func connError(code status.ErrCode, format string, args ...any) ConnError {
	return ConnError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func streamError(id uint32, code status.ErrCode, format string, args ...any) StreamError {
	return StreamError{StreamID: id, Code: code, Reason: fmt.Sprintf(format, args...)}
}
