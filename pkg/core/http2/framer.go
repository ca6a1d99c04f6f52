package http2

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"go.wiregrpc.io/server/pkg/status"
)

// Framer reads typed frames from and writes encoded frames to a transport.
// Reads happen only on the connection's read goroutine and writes only on
// its writer goroutine, so no locking lives here.
type Framer struct {
	br *bufio.Reader
	bw *bufio.Writer

	// maxReadSize is our advertised SETTINGS_MAX_FRAME_SIZE; enforced on
	// inbound frames only once the peer has ACKed our settings.
	maxReadSize   atomic.Uint32
	settingsAcked atomic.Bool

	wbuf []byte
}

// NewFramer wraps the given transport endpoints.
func NewFramer(w io.Writer, r io.Reader) *Framer {
	f := &Framer{
		br: bufio.NewReaderSize(r, 32*1024),
		bw: bufio.NewWriterSize(w, 32*1024),
	}
	f.maxReadSize.Store(DefaultMaxFrameSize)
	return f
}

// SetMaxReadFrameSize records the frame size we advertised.
func (f *Framer) SetMaxReadFrameSize(v uint32) { f.maxReadSize.Store(v) }

// SettingsAcked marks that the peer acknowledged our SETTINGS; from here on
// oversized frames are a FRAME_SIZE_ERROR rather than tolerated.
func (f *Framer) SettingsAcked() { f.settingsAcked.Store(true) }

// ReadFrame reads one frame and decodes it into its typed form.
func (f *Framer) ReadFrame() (Frame, error) {
	h, err := ReadFrameHeader(f.br)
	if err != nil {
		return nil, err
	}
	if h.Length > f.maxReadSize.Load() && f.settingsAcked.Load() {
		return nil, connError(status.ErrCodeFrameSize, "frame length %d exceeds advertised max %d", h.Length, f.maxReadSize.Load())
	}
	if h.Length > MaxAllowedFrameSize {
		return nil, connError(status.ErrCodeFrameSize, "frame length %d exceeds protocol maximum", h.Length)
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(f.br, payload); err != nil {
		return nil, fmt.Errorf("failed to read %s payload: %w", h.Type, err)
	}
	return DecodeFrame(h, payload)
}

func (f *Framer) writeFrame(h FrameHeader, payload []byte) error {
	f.wbuf = AppendFrameHeader(f.wbuf[:0], h)
	if _, err := f.bw.Write(f.wbuf); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := f.bw.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// Flush drains the buffered writer to the transport.
func (f *Framer) Flush() error { return f.bw.Flush() }

// WritePreface is unused on the server side but kept for the test peer.
func (f *Framer) WritePreface() error {
	_, err := f.bw.WriteString(Preface)
	return err
}

// WriteData writes one DATA frame. The caller is responsible for honoring
// flow control and max frame size.
func (f *Framer) WriteData(streamID uint32, endStream bool, data []byte) error {
	var flags Flags
	if endStream {
		flags |= FlagEndStream
	}
	return f.writeFrame(FrameHeader{
		Length:   uint32(len(data)),
		Type:     FrameData,
		Flags:    flags,
		StreamID: streamID,
	}, data)
}

// WriteHeaders writes one HEADERS frame carrying an already encoded header
// block fragment.
func (f *Framer) WriteHeaders(streamID uint32, endStream, endHeaders bool, fragment []byte) error {
	var flags Flags
	if endStream {
		flags |= FlagEndStream
	}
	if endHeaders {
		flags |= FlagEndHeaders
	}
	return f.writeFrame(FrameHeader{
		Length:   uint32(len(fragment)),
		Type:     FrameHeaders,
		Flags:    flags,
		StreamID: streamID,
	}, fragment)
}

// WriteContinuation writes one CONTINUATION frame.
func (f *Framer) WriteContinuation(streamID uint32, endHeaders bool, fragment []byte) error {
	var flags Flags
	if endHeaders {
		flags |= FlagEndHeaders
	}
	return f.writeFrame(FrameHeader{
		Length:   uint32(len(fragment)),
		Type:     FrameContinuation,
		Flags:    flags,
		StreamID: streamID,
	}, fragment)
}

// WriteSettings writes a non-ACK SETTINGS frame.
func (f *Framer) WriteSettings(settings ...Setting) error {
	payload := make([]byte, 0, len(settings)*6)
	for _, s := range settings {
		payload = binary.BigEndian.AppendUint16(payload, uint16(s.ID))
		payload = binary.BigEndian.AppendUint32(payload, s.Val)
	}
	return f.writeFrame(FrameHeader{
		Length: uint32(len(payload)),
		Type:   FrameSettings,
	}, payload)
}

// WriteSettingsAck acknowledges a received SETTINGS frame.
func (f *Framer) WriteSettingsAck() error {
	return f.writeFrame(FrameHeader{Type: FrameSettings, Flags: FlagAck}, nil)
}

// WritePing writes a PING frame, optionally as an ACK.
func (f *Framer) WritePing(ack bool, data [8]byte) error {
	var flags Flags
	if ack {
		flags |= FlagAck
	}
	return f.writeFrame(FrameHeader{
		Length: 8,
		Type:   FramePing,
		Flags:  flags,
	}, data[:])
}

// WriteRSTStream aborts a stream.
func (f *Framer) WriteRSTStream(streamID uint32, code status.ErrCode) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], uint32(code))
	return f.writeFrame(FrameHeader{
		Length:   4,
		Type:     FrameRSTStream,
		StreamID: streamID,
	}, payload[:])
}

// WriteGoAway announces shutdown of the connection.
func (f *Framer) WriteGoAway(lastStreamID uint32, code status.ErrCode, debug []byte) error {
	payload := make([]byte, 8, 8+len(debug))
	binary.BigEndian.PutUint32(payload, lastStreamID&0x7fffffff)
	binary.BigEndian.PutUint32(payload[4:], uint32(code))
	payload = append(payload, debug...)
	return f.writeFrame(FrameHeader{
		Length: uint32(len(payload)),
		Type:   FrameGoAway,
	}, payload)
}

// WriteWindowUpdate grants flow-control credit on a stream, or on the
// connection when streamID is 0.
func (f *Framer) WriteWindowUpdate(streamID uint32, increment uint32) error {
	var payload [4]byte
	binary.BigEndian.PutUint32(payload[:], increment&0x7fffffff)
	return f.writeFrame(FrameHeader{
		Length:   4,
		Type:     FrameWindowUpdate,
		StreamID: streamID,
	}, payload[:])
}
