package status

import (
	"errors"
	"fmt"
)

// Error is a gRPC status failure carrying a code, a human readable message
// and an optional serialized detail payload. The runtime never inspects
// Details; handlers produce it and the framer passes it through as the
// grpc-status-details-bin trailer.
type Error struct {
	Code    Code
	Message string
	Details []byte
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error: code = %s desc = %s", e.Code, e.Message)
}

// New returns a status error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf returns a status error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// OK is the success status. It carries no message and maps to grpc-status 0.
var OK = &Error{Code: CodeOK}

// FromError extracts a *Error from err if one is present in its chain.
func FromError(err error) (*Error, bool) {
	if err == nil {
		return OK, true
	}
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Convert maps an arbitrary error to a status error. Errors that already
// carry a status are returned unchanged, which makes the conversion
// idempotent; anything else becomes UNKNOWN.
func Convert(err error) *Error {
	if s, ok := FromError(err); ok {
		return s
	}
	return &Error{Code: CodeUnknown, Message: err.Error()}
}

// Err returns nil when the status is OK, the status itself otherwise.
func (e *Error) Err() error {
	if e == nil || e.Code == CodeOK {
		return nil
	}
	return e
}
