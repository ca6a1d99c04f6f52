// Package status implements gRPC status codes and status-carrying errors,
// along with the HTTP/2 <-> gRPC code mapping tables used on the wire.
package status

import "strconv"

// Code is a gRPC status code. It is serialized as a decimal integer in the
// grpc-status trailer.
type Code uint32

const (
	CodeOK                 Code = 0
	CodeCancelled          Code = 1
	CodeUnknown            Code = 2
	CodeInvalidArgument    Code = 3
	CodeDeadlineExceeded   Code = 4
	CodeNotFound           Code = 5
	CodeAlreadyExists      Code = 6
	CodePermissionDenied   Code = 7
	CodeResourceExhausted  Code = 8
	CodeFailedPrecondition Code = 9
	CodeAborted            Code = 10
	CodeOutOfRange         Code = 11
	CodeUnimplemented      Code = 12
	CodeInternal           Code = 13
	CodeUnavailable        Code = 14
	CodeDataLoss           Code = 15
	CodeUnauthenticated    Code = 16
)

var codeNames = map[Code]string{
	CodeOK:                 "OK",
	CodeCancelled:          "CANCELLED",
	CodeUnknown:            "UNKNOWN",
	CodeInvalidArgument:    "INVALID_ARGUMENT",
	CodeDeadlineExceeded:   "DEADLINE_EXCEEDED",
	CodeNotFound:           "NOT_FOUND",
	CodeAlreadyExists:      "ALREADY_EXISTS",
	CodePermissionDenied:   "PERMISSION_DENIED",
	CodeResourceExhausted:  "RESOURCE_EXHAUSTED",
	CodeFailedPrecondition: "FAILED_PRECONDITION",
	CodeAborted:            "ABORTED",
	CodeOutOfRange:         "OUT_OF_RANGE",
	CodeUnimplemented:      "UNIMPLEMENTED",
	CodeInternal:           "INTERNAL",
	CodeUnavailable:        "UNAVAILABLE",
	CodeDataLoss:           "DATA_LOSS",
	CodeUnauthenticated:    "UNAUTHENTICATED",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return "CODE(" + strconv.FormatUint(uint64(c), 10) + ")"
}

// WireValue returns the decimal form used in the grpc-status trailer.
func (c Code) WireValue() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseCode parses the decimal grpc-status trailer value. Values outside the
// known range decode as CodeUnknown, matching what reference clients do.
func ParseCode(s string) Code {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil || v > uint64(CodeUnauthenticated) {
		return CodeUnknown
	}
	return Code(v)
}
