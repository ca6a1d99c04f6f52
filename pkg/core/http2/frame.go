package http2

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.wiregrpc.io/server/pkg/status"
)

// HTTP/2 constants shared across the package.
const (
	// FrameHeaderLen is the fixed size of the 9-byte frame header.
	FrameHeaderLen = 9
	// DefaultMaxFrameSize is the default and minimum SETTINGS_MAX_FRAME_SIZE (16KB).
	DefaultMaxFrameSize = 16384
	// MaxAllowedFrameSize is the largest value SETTINGS_MAX_FRAME_SIZE may take (2^24 - 1).
	MaxAllowedFrameSize = 16777215
	// DefaultInitialWindowSize is the flow-control window before any SETTINGS.
	DefaultInitialWindowSize = 65535
	// MaxWindowSize is the largest flow-control window (2^31 - 1).
	MaxWindowSize = 1<<31 - 1
	// Preface is the 24-byte client connection preface.
	Preface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"
)

// FrameType identifies the wire frame type.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

var frameTypeNames = map[FrameType]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

func (t FrameType) String() string {
	if name, ok := frameTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_FRAME(%d)", uint8(t))
}

// Flags holds the 8 flag bits of a frame header.
type Flags uint8

const (
	FlagEndStream  Flags = 0x1
	FlagAck        Flags = 0x1 // SETTINGS and PING reuse bit 0
	FlagEndHeaders Flags = 0x4
	FlagPadded     Flags = 0x8
	FlagPriority   Flags = 0x20
)

// Has reports whether all bits of f2 are set.
func (f Flags) Has(f2 Flags) bool { return f&f2 == f2 }

// FrameHeader is the decoded 9-byte header preceding every frame payload.
type FrameHeader struct {
	Length   uint32 // 24-bit payload length
	Type     FrameType
	Flags    Flags
	StreamID uint32 // 31-bit, reserved top bit cleared
}

// ReadFrameHeader reads and decodes one 9-byte frame header.
func ReadFrameHeader(r io.Reader) (FrameHeader, error) {
	var buf [FrameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return FrameHeader{}, err
	}
	return FrameHeader{
		Length:   uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2]),
		Type:     FrameType(buf[3]),
		Flags:    Flags(buf[4]),
		StreamID: binary.BigEndian.Uint32(buf[5:]) & 0x7fffffff,
	}, nil
}

// AppendFrameHeader appends the encoded header to b.
func AppendFrameHeader(b []byte, h FrameHeader) []byte {
	return append(b,
		byte(h.Length>>16), byte(h.Length>>8), byte(h.Length),
		byte(h.Type),
		byte(h.Flags),
		byte(h.StreamID>>24)&0x7f, byte(h.StreamID>>16), byte(h.StreamID>>8), byte(h.StreamID),
	)
}

// Frame is a decoded frame: header plus the typed view of its payload.
type Frame interface {
	Header() FrameHeader
}

// DataFrame carries stream payload bytes. Data excludes any padding; PadLen
// counts the padding (plus its length byte) for flow-control accounting.
type DataFrame struct {
	hdr       FrameHeader
	Data      []byte
	EndStream bool
	PadLen    uint32
}

func (f *DataFrame) Header() FrameHeader { return f.hdr }

// HeadersFrame carries a header block fragment. Priority information, when
// present, is parsed past and dropped (PRIORITY is accepted but ignored).
type HeadersFrame struct {
	hdr        FrameHeader
	Fragment   []byte
	EndStream  bool
	EndHeaders bool
}

func (f *HeadersFrame) Header() FrameHeader { return f.hdr }

// ContinuationFrame continues a header block started by HEADERS.
type ContinuationFrame struct {
	hdr        FrameHeader
	Fragment   []byte
	EndHeaders bool
}

func (f *ContinuationFrame) Header() FrameHeader { return f.hdr }

// PriorityFrame is accepted and ignored.
type PriorityFrame struct {
	hdr FrameHeader
}

func (f *PriorityFrame) Header() FrameHeader { return f.hdr }

// RSTStreamFrame aborts a stream with an error code.
type RSTStreamFrame struct {
	hdr     FrameHeader
	ErrCode status.ErrCode
}

func (f *RSTStreamFrame) Header() FrameHeader { return f.hdr }

// SettingsFrame carries settings or an ACK.
type SettingsFrame struct {
	hdr      FrameHeader
	Ack      bool
	Settings []Setting
}

func (f *SettingsFrame) Header() FrameHeader { return f.hdr }

// PingFrame carries an 8-byte opaque payload.
type PingFrame struct {
	hdr  FrameHeader
	Ack  bool
	Data [8]byte
}

func (f *PingFrame) Header() FrameHeader { return f.hdr }

// GoAwayFrame announces connection shutdown.
type GoAwayFrame struct {
	hdr          FrameHeader
	LastStreamID uint32
	ErrCode      status.ErrCode
	DebugData    []byte
}

func (f *GoAwayFrame) Header() FrameHeader { return f.hdr }

// WindowUpdateFrame grants flow-control credit.
type WindowUpdateFrame struct {
	hdr       FrameHeader
	Increment uint32
}

func (f *WindowUpdateFrame) Header() FrameHeader { return f.hdr }

// UnknownFrame preserves the header of an unrecognized frame type. The
// runtime ignores these, per RFC 7540 section 4.1.
type UnknownFrame struct {
	hdr     FrameHeader
	Payload []byte
}

func (f *UnknownFrame) Header() FrameHeader { return f.hdr }

// stripPadding removes the PADDED layout from payload: one pad-length byte
// up front and padLen trailing bytes. A pad length that consumes the whole
// payload is a protocol error.
func stripPadding(h FrameHeader, payload []byte) ([]byte, uint32, error) {
	if !h.Flags.Has(FlagPadded) {
		return payload, 0, nil
	}
	if len(payload) == 0 {
		return nil, 0, connError(status.ErrCodeProtocol, "PADDED %s frame with empty payload", h.Type)
	}
	padLen := int(payload[0])
	rest := payload[1:]
	if padLen >= len(payload) {
		return nil, 0, connError(status.ErrCodeProtocol, "pad length %d exceeds %s payload length %d", padLen, h.Type, h.Length)
	}
	return rest[:len(rest)-padLen], uint32(padLen) + 1, nil
}

// DecodeFrame turns a raw payload into the typed frame for h. The payload
// slice is retained by the returned frame, so callers must hand over an
// owned copy.
func DecodeFrame(h FrameHeader, payload []byte) (Frame, error) {
	if uint32(len(payload)) != h.Length {
		return nil, fmt.Errorf("payload length %d does not match header length %d", len(payload), h.Length)
	}
	switch h.Type {
	case FrameData:
		if h.StreamID == 0 {
			return nil, connError(status.ErrCodeProtocol, "DATA frame on stream 0")
		}
		data, padLen, err := stripPadding(h, payload)
		if err != nil {
			return nil, err
		}
		return &DataFrame{hdr: h, Data: data, EndStream: h.Flags.Has(FlagEndStream), PadLen: padLen}, nil

	case FrameHeaders:
		if h.StreamID == 0 {
			return nil, connError(status.ErrCodeProtocol, "HEADERS frame on stream 0")
		}
		frag, _, err := stripPadding(h, payload)
		if err != nil {
			return nil, err
		}
		if h.Flags.Has(FlagPriority) {
			if len(frag) < 5 {
				return nil, connError(status.ErrCodeFrameSize, "HEADERS with PRIORITY flag too short")
			}
			frag = frag[5:] // stream dependency + weight, ignored
		}
		return &HeadersFrame{
			hdr:        h,
			Fragment:   frag,
			EndStream:  h.Flags.Has(FlagEndStream),
			EndHeaders: h.Flags.Has(FlagEndHeaders),
		}, nil

	case FrameContinuation:
		if h.StreamID == 0 {
			return nil, connError(status.ErrCodeProtocol, "CONTINUATION frame on stream 0")
		}
		return &ContinuationFrame{hdr: h, Fragment: payload, EndHeaders: h.Flags.Has(FlagEndHeaders)}, nil

	case FramePriority:
		if h.StreamID == 0 {
			return nil, connError(status.ErrCodeProtocol, "PRIORITY frame on stream 0")
		}
		if h.Length != 5 {
			return nil, streamError(h.StreamID, status.ErrCodeFrameSize, "PRIORITY frame length %d, want 5", h.Length)
		}
		return &PriorityFrame{hdr: h}, nil

	case FrameRSTStream:
		if h.StreamID == 0 {
			return nil, connError(status.ErrCodeProtocol, "RST_STREAM frame on stream 0")
		}
		if h.Length != 4 {
			return nil, connError(status.ErrCodeFrameSize, "RST_STREAM frame length %d, want 4", h.Length)
		}
		return &RSTStreamFrame{hdr: h, ErrCode: status.ErrCode(binary.BigEndian.Uint32(payload))}, nil

	case FrameSettings:
		return decodeSettingsFrame(h, payload)

	case FramePushPromise:
		// Clients must not push.
		return nil, connError(status.ErrCodeProtocol, "received PUSH_PROMISE from client")

	case FramePing:
		if h.StreamID != 0 {
			return nil, connError(status.ErrCodeProtocol, "PING frame on stream %d", h.StreamID)
		}
		if h.Length != 8 {
			return nil, connError(status.ErrCodeFrameSize, "PING frame length %d, want 8", h.Length)
		}
		f := &PingFrame{hdr: h, Ack: h.Flags.Has(FlagAck)}
		copy(f.Data[:], payload)
		return f, nil

	case FrameGoAway:
		if h.StreamID != 0 {
			return nil, connError(status.ErrCodeProtocol, "GOAWAY frame on stream %d", h.StreamID)
		}
		if h.Length < 8 {
			return nil, connError(status.ErrCodeFrameSize, "GOAWAY frame length %d, want >= 8", h.Length)
		}
		return &GoAwayFrame{
			hdr:          h,
			LastStreamID: binary.BigEndian.Uint32(payload) & 0x7fffffff,
			ErrCode:      status.ErrCode(binary.BigEndian.Uint32(payload[4:])),
			DebugData:    payload[8:],
		}, nil

	case FrameWindowUpdate:
		if h.Length != 4 {
			return nil, connError(status.ErrCodeFrameSize, "WINDOW_UPDATE frame length %d, want 4", h.Length)
		}
		return &WindowUpdateFrame{hdr: h, Increment: binary.BigEndian.Uint32(payload) & 0x7fffffff}, nil

	default:
		return &UnknownFrame{hdr: h, Payload: payload}, nil
	}
}
