package status

import "strconv"

// ErrCode is an HTTP/2 error code as carried by RST_STREAM and GOAWAY
// frames (RFC 7540 section 7).
type ErrCode uint32

const (
	ErrCodeNo                 ErrCode = 0x0
	ErrCodeProtocol           ErrCode = 0x1
	ErrCodeInternal           ErrCode = 0x2
	ErrCodeFlowControl        ErrCode = 0x3
	ErrCodeSettingsTimeout    ErrCode = 0x4
	ErrCodeStreamClosed       ErrCode = 0x5
	ErrCodeFrameSize          ErrCode = 0x6
	ErrCodeRefusedStream      ErrCode = 0x7
	ErrCodeCancel             ErrCode = 0x8
	ErrCodeCompression        ErrCode = 0x9
	ErrCodeConnect            ErrCode = 0xa
	ErrCodeEnhanceYourCalm    ErrCode = 0xb
	ErrCodeInadequateSecurity ErrCode = 0xc
	ErrCodeHTTP11Required     ErrCode = 0xd
)

var errCodeNames = map[ErrCode]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

func (e ErrCode) String() string {
	if name, ok := errCodeNames[e]; ok {
		return name
	}
	return "ERR_CODE(" + strconv.FormatUint(uint64(e), 10) + ")"
}

// FromRSTCode maps an HTTP/2 error code received on RST_STREAM to the gRPC
// status observed by the application, per the gRPC HTTP/2 transport mapping.
func FromRSTCode(code ErrCode) Code {
	switch code {
	case ErrCodeCancel:
		return CodeCancelled
	case ErrCodeRefusedStream:
		return CodeUnavailable
	case ErrCodeEnhanceYourCalm:
		return CodeResourceExhausted
	case ErrCodeInadequateSecurity:
		return CodePermissionDenied
	default:
		return CodeInternal
	}
}

// HTTPStatus maps a gRPC code to the HTTP status used by shim layers that
// only understand :status. A successful gRPC reply is always 200 on the
// HTTP/2 wire regardless of this table.
func HTTPStatus(code Code) int {
	switch code {
	case CodeOK:
		return 200
	case CodeInvalidArgument:
		return 400
	case CodeUnauthenticated:
		return 401
	case CodePermissionDenied:
		return 403
	case CodeNotFound:
		return 404
	case CodeAlreadyExists:
		return 409
	case CodeResourceExhausted:
		return 429
	case CodeCancelled:
		return 499
	case CodeUnimplemented:
		return 501
	case CodeUnavailable:
		return 503
	case CodeDeadlineExceeded:
		return 504
	default:
		return 500
	}
}
