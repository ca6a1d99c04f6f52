package http2

import (
	"encoding/binary"

	"go.wiregrpc.io/server/pkg/status"
)

// SettingID identifies one SETTINGS parameter.
type SettingID uint16

const (
	SettingHeaderTableSize      SettingID = 0x1
	SettingEnablePush           SettingID = 0x2
	SettingMaxConcurrentStreams SettingID = 0x3
	SettingInitialWindowSize    SettingID = 0x4
	SettingMaxFrameSize         SettingID = 0x5
	SettingMaxHeaderListSize    SettingID = 0x6
)

// Setting is a single (id, value) pair from a SETTINGS frame.
type Setting struct {
	ID  SettingID
	Val uint32
}

// Settings is the effective parameter set for one side of a connection,
// initialized to the RFC 7540 defaults.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32 // 0 means unlimited
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32 // 0 means unlimited
}

// DefaultSettings returns the RFC defaults.
func DefaultSettings() Settings {
	return Settings{
		HeaderTableSize:   4096,
		EnablePush:        true,
		InitialWindowSize: DefaultInitialWindowSize,
		MaxFrameSize:      DefaultMaxFrameSize,
	}
}

// Apply validates and folds a received setting into s.
func (s *Settings) Apply(st Setting) error {
	switch st.ID {
	case SettingHeaderTableSize:
		s.HeaderTableSize = st.Val
	case SettingEnablePush:
		if st.Val > 1 {
			return connError(status.ErrCodeProtocol, "SETTINGS_ENABLE_PUSH value %d", st.Val)
		}
		s.EnablePush = st.Val == 1
	case SettingMaxConcurrentStreams:
		s.MaxConcurrentStreams = st.Val
	case SettingInitialWindowSize:
		if st.Val > MaxWindowSize {
			return connError(status.ErrCodeFlowControl, "SETTINGS_INITIAL_WINDOW_SIZE value %d overflows", st.Val)
		}
		s.InitialWindowSize = st.Val
	case SettingMaxFrameSize:
		if st.Val < DefaultMaxFrameSize || st.Val > MaxAllowedFrameSize {
			return connError(status.ErrCodeProtocol, "SETTINGS_MAX_FRAME_SIZE value %d out of range", st.Val)
		}
		s.MaxFrameSize = st.Val
	case SettingMaxHeaderListSize:
		s.MaxHeaderListSize = st.Val
	default:
		// Unknown settings must be ignored.
	}
	return nil
}

func decodeSettingsFrame(h FrameHeader, payload []byte) (*SettingsFrame, error) {
	if h.StreamID != 0 {
		return nil, connError(status.ErrCodeProtocol, "SETTINGS frame on stream %d", h.StreamID)
	}
	if h.Flags.Has(FlagAck) {
		if h.Length != 0 {
			return nil, connError(status.ErrCodeFrameSize, "SETTINGS ACK with payload length %d", h.Length)
		}
		return &SettingsFrame{hdr: h, Ack: true}, nil
	}
	if h.Length%6 != 0 {
		return nil, connError(status.ErrCodeFrameSize, "SETTINGS frame length %d not a multiple of 6", h.Length)
	}
	f := &SettingsFrame{hdr: h}
	for off := 0; off < len(payload); off += 6 {
		f.Settings = append(f.Settings, Setting{
			ID:  SettingID(binary.BigEndian.Uint16(payload[off:])),
			Val: binary.BigEndian.Uint32(payload[off+2:]),
		})
	}
	return f, nil
}
