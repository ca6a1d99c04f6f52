package http2

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.wiregrpc.io/server/pkg/core/http2/hpack"
	"go.wiregrpc.io/server/pkg/status"
)

// HeaderField is re-exported so layers above do not import hpack directly.
type HeaderField = hpack.HeaderField

// ConnState is the connection lifecycle state.
type ConnState int

const (
	ConnPreface ConnState = iota
	ConnOpen
	ConnClosing
	ConnClosed
)

// Config carries the per-connection knobs, already validated by the server.
type Config struct {
	MaxFrameSize         uint32
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	HeaderTableSize      uint32
	MaxHeaderListSize    uint32
	KeepaliveInterval    time.Duration
	KeepaliveTimeout     time.Duration
	IdleTimeout          time.Duration
	DrainTimeout         time.Duration
}

// StreamHandler runs on its own goroutine for every accepted stream. The
// field list is the fully decoded request header block.
type StreamHandler func(s *Stream, headers []HeaderField)

// ErrConnClosed is returned for operations on a torn-down connection.
var ErrConnClosed = errors.New("http2: connection closed")

type writeKind int

const (
	writeHeaders writeKind = iota
	writeData
	writeSettings
	writeSettingsAck
	writePing
	writeRST
	writeGoAway
	writeWindowUpdate
	writeResizeEncoder
)

type writeReq struct {
	kind      writeKind
	stream    *Stream
	streamID  uint32
	fields    []HeaderField
	data      []byte
	endStream bool
	settings  []Setting
	ping      [8]byte
	pingAck   bool
	code      status.ErrCode
	debug     []byte
	increment uint32
	tableSize uint32
	done      chan error
}

// Conn runs the HTTP/2 protocol for one accepted transport. One goroutine
// (Serve) owns the read side, a second owns the write side, and every
// stream handler runs on its own goroutine.
type Conn struct {
	nc      net.Conn
	logger  *zap.Logger
	cfg     Config
	handler StreamHandler

	framer  *Framer
	decoder *hpack.Decoder // read loop only

	mu               sync.Mutex
	state            ConnState
	streams          map[uint32]*Stream
	lastPeerStreamID uint32
	goawaySent       bool
	goawayReceived   bool
	remoteSettings   Settings
	localSettings    Settings
	drained          chan struct{} // closed when the last stream finishes

	flowMu         sync.Mutex
	flowCond       *sync.Cond
	connSendWindow int32

	connRecvFlow inflow // read loop only

	// header block accumulation (read loop only)
	pendingBlock *headerBlock

	writeCh chan writeReq
	done    chan struct{}
	doneErr error
	once    sync.Once

	// writer goroutine state
	encoder *hpack.Encoder
	encBuf  bytes.Buffer

	pingMu      sync.Mutex
	pingPending bool
	pingData    [8]byte
	pingAcked   chan struct{}

	idleMu    sync.Mutex
	idleTimer *time.Timer
}

type headerBlock struct {
	streamID  uint32
	endStream bool
	frags     [][]byte
}

// NewConn wraps an accepted transport. Serve must be called to run it.
func NewConn(nc net.Conn, cfg Config, logger *zap.Logger, handler StreamHandler) *Conn {
	c := &Conn{
		nc:             nc,
		logger:         logger,
		cfg:            cfg,
		handler:        handler,
		framer:         NewFramer(nc, nc),
		decoder:        hpack.NewDecoder(cfg.HeaderTableSize),
		streams:        make(map[uint32]*Stream),
		remoteSettings: DefaultSettings(),
		localSettings:  DefaultSettings(),
		connSendWindow: DefaultInitialWindowSize,
		connRecvFlow:   newInflow(DefaultInitialWindowSize),
		writeCh:        make(chan writeReq, 64),
		done:           make(chan struct{}),
		drained:        make(chan struct{}),
		pingAcked:      make(chan struct{}, 1),
	}
	c.flowCond = sync.NewCond(&c.flowMu)
	c.localSettings.HeaderTableSize = cfg.HeaderTableSize
	c.localSettings.MaxConcurrentStreams = cfg.MaxConcurrentStreams
	c.localSettings.InitialWindowSize = cfg.InitialWindowSize
	c.localSettings.MaxFrameSize = cfg.MaxFrameSize
	c.framer.SetMaxReadFrameSize(cfg.MaxFrameSize)
	return c
}

// NetConn exposes the underlying transport, e.g. for peer identity.
func (c *Conn) NetConn() net.Conn { return c.nc }

// Serve runs the connection until the peer goes away or a fatal error
// occurs. It blocks; the caller owns the goroutine.
func (c *Conn) Serve() error {
	if err := c.readPreface(); err != nil {
		// A bad preface gets no HTTP/2 response at all.
		_ = c.nc.Close()
		return err
	}

	go c.writeLoop()

	// Our SETTINGS must be the first frame on the wire.
	c.enqueue(writeReq{kind: writeSettings, settings: []Setting{
		{ID: SettingHeaderTableSize, Val: c.cfg.HeaderTableSize},
		{ID: SettingMaxConcurrentStreams, Val: c.cfg.MaxConcurrentStreams},
		{ID: SettingInitialWindowSize, Val: c.cfg.InitialWindowSize},
		{ID: SettingMaxFrameSize, Val: c.cfg.MaxFrameSize},
	}})

	c.mu.Lock()
	c.state = ConnOpen
	c.mu.Unlock()

	if c.cfg.KeepaliveInterval > 0 {
		go c.keepaliveLoop()
	}
	c.armIdleTimer()

	err := c.readLoop()
	c.teardown(err)
	return err
}

func (c *Conn) readPreface() error {
	buf := make([]byte, len(Preface))
	if _, err := io.ReadFull(c.nc, buf); err != nil {
		return fmt.Errorf("failed to read connection preface: %w", err)
	}
	if string(buf) != Preface {
		return errors.New("http2: invalid connection preface")
	}
	return nil
}

func (c *Conn) readLoop() error {
	for {
		frame, err := c.framer.ReadFrame()
		if err != nil {
			var ce ConnError
			if errors.As(err, &ce) {
				c.goAway(ce.Code, ce.Reason)
				return ce
			}
			var se StreamError
			if errors.As(err, &se) {
				c.handleStreamError(se)
				continue
			}
			return err
		}

		// CONTINUATION adjacency: while a header block is open, nothing
		// but CONTINUATION on the same stream may arrive.
		if c.pendingBlock != nil {
			cf, ok := frame.(*ContinuationFrame)
			if !ok || cf.Header().StreamID != c.pendingBlock.streamID {
				ce := connError(status.ErrCodeProtocol, "frame %s interleaved inside a header block", frame.Header().Type)
				c.goAway(ce.Code, ce.Reason)
				return ce
			}
		}

		if err := c.dispatchFrame(frame); err != nil {
			var ce ConnError
			if errors.As(err, &ce) {
				c.goAway(ce.Code, ce.Reason)
				return ce
			}
			var se StreamError
			if errors.As(err, &se) {
				c.handleStreamError(se)
				continue
			}
			return err
		}
	}
}

func (c *Conn) dispatchFrame(frame Frame) error {
	switch f := frame.(type) {
	case *SettingsFrame:
		return c.processSettings(f)
	case *HeadersFrame:
		return c.processHeaders(f)
	case *ContinuationFrame:
		return c.processContinuation(f)
	case *DataFrame:
		return c.processData(f)
	case *RSTStreamFrame:
		return c.processRSTStream(f)
	case *PingFrame:
		return c.processPing(f)
	case *WindowUpdateFrame:
		return c.processWindowUpdate(f)
	case *GoAwayFrame:
		return c.processGoAway(f)
	case *PriorityFrame, *UnknownFrame:
		// Accepted and ignored.
		return nil
	default:
		return nil
	}
}

func (c *Conn) processSettings(f *SettingsFrame) error {
	if f.Ack {
		c.framer.SettingsAcked()
		return nil
	}
	var oldInitial uint32
	c.mu.Lock()
	oldInitial = c.remoteSettings.InitialWindowSize
	for _, st := range f.Settings {
		if err := c.remoteSettings.Apply(st); err != nil {
			c.mu.Unlock()
			return err
		}
	}
	newInitial := c.remoteSettings.InitialWindowSize
	newTableSize := c.remoteSettings.HeaderTableSize
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.mu.Unlock()

	// A changed INITIAL_WINDOW_SIZE shifts every open stream's send window
	// by the delta; windows may go negative.
	if delta := int32(newInitial) - int32(oldInitial); delta != 0 {
		c.flowMu.Lock()
		for _, s := range streams {
			s.sendWindow += delta
		}
		c.flowMu.Unlock()
		c.flowCond.Broadcast()
	}

	// The writer owns the encoder; resize there, then ACK.
	c.enqueue(writeReq{kind: writeResizeEncoder, tableSize: newTableSize})
	c.enqueue(writeReq{kind: writeSettingsAck})
	return nil
}

func (c *Conn) processHeaders(f *HeadersFrame) error {
	c.pendingBlock = &headerBlock{
		streamID:  f.Header().StreamID,
		endStream: f.EndStream,
		frags:     [][]byte{f.Fragment},
	}
	if f.EndHeaders {
		return c.finishHeaderBlock()
	}
	return nil
}

func (c *Conn) processContinuation(f *ContinuationFrame) error {
	if c.pendingBlock == nil {
		return connError(status.ErrCodeProtocol, "CONTINUATION without preceding HEADERS")
	}
	c.pendingBlock.frags = append(c.pendingBlock.frags, f.Fragment)
	if f.EndHeaders {
		return c.finishHeaderBlock()
	}
	return nil
}

func (c *Conn) finishHeaderBlock() error {
	block := c.pendingBlock
	c.pendingBlock = nil

	fields, err := c.decoder.DecodeFull(bytes.Join(block.frags, nil))
	if err != nil {
		return connError(status.ErrCodeCompression, "header block decode failed: %v", err)
	}
	if err := validateHeaderList(fields); err != nil {
		return err
	}

	id := block.streamID
	c.mu.Lock()
	if s, ok := c.streams[id]; ok {
		// HEADERS on an existing stream are request trailers; they must
		// end the stream. gRPC clients do not send meaningful request
		// trailers, so the fields are dropped.
		if !block.endStream {
			c.mu.Unlock()
			return connError(status.ErrCodeProtocol, "trailers on stream %d without END_STREAM", id)
		}
		c.endStreamRemoteLocked(s)
		c.mu.Unlock()
		return nil
	}

	if id%2 == 0 {
		c.mu.Unlock()
		return connError(status.ErrCodeProtocol, "client-initiated stream with even id %d", id)
	}
	if id <= c.lastPeerStreamID {
		c.mu.Unlock()
		return connError(status.ErrCodeProtocol, "stream id %d not greater than previously seen %d", id, c.lastPeerStreamID)
	}
	c.lastPeerStreamID = id

	if c.state != ConnOpen || c.goawaySent {
		// Draining: refuse so the client retries elsewhere.
		c.mu.Unlock()
		c.enqueue(writeReq{kind: writeRST, streamID: id, code: status.ErrCodeRefusedStream})
		return nil
	}
	if c.cfg.MaxConcurrentStreams > 0 && uint32(len(c.streams)) >= c.cfg.MaxConcurrentStreams {
		c.mu.Unlock()
		c.enqueue(writeReq{kind: writeRST, streamID: id, code: status.ErrCodeRefusedStream})
		return nil
	}

	s := &Stream{
		id:         id,
		conn:       c,
		state:      StreamOpen,
		sendWindow: int32(c.remoteSettings.InitialWindowSize),
		recvFlow:   newInflow(int32(c.cfg.InitialWindowSize)),
		recv:       newRecvBuffer(),
		cancelCh:   make(chan struct{}),
	}
	if block.endStream {
		s.state = StreamHalfClosedRemote
		s.endStreamReceived = true
		s.recv.closeEOF()
	}
	c.streams[id] = s
	c.mu.Unlock()
	c.stopIdleTimer()

	go c.handler(s, fields)
	return nil
}

// validateHeaderList enforces the HTTP/2 header block rules the compression
// layer cannot see: pseudo-headers first, names lowercase.
func validateHeaderList(fields []HeaderField) error {
	sawRegular := false
	for _, f := range fields {
		if strings.HasPrefix(f.Name, ":") {
			if sawRegular {
				return connError(status.ErrCodeProtocol, "pseudo-header %q after regular header", f.Name)
			}
			continue
		}
		sawRegular = true
		if f.Name != strings.ToLower(f.Name) {
			return connError(status.ErrCodeProtocol, "header name %q is not lowercase", f.Name)
		}
	}
	return nil
}

func (c *Conn) processData(f *DataFrame) error {
	id := f.Header().StreamID
	total := int32(len(f.Data)) + int32(f.PadLen)

	// Connection-scope receive accounting happens regardless of stream
	// state; the bytes arrived either way.
	refund, ok := c.connRecvFlow.consume(total)
	if !ok {
		return connError(status.ErrCodeFlowControl, "DATA overflows connection receive window")
	}
	if refund > 0 {
		c.enqueue(writeReq{kind: writeWindowUpdate, streamID: 0, increment: uint32(refund)})
	}

	c.mu.Lock()
	s, exists := c.streams[id]
	if !exists {
		c.mu.Unlock()
		// Closed and idle streams are both answered with a stream-scope
		// STREAM_CLOSED; the connection survives.
		return streamError(id, status.ErrCodeStreamClosed, "DATA on closed or idle stream")
	}
	if s.endStreamReceived {
		c.mu.Unlock()
		return streamError(id, status.ErrCodeStreamClosed, "DATA after END_STREAM")
	}
	c.mu.Unlock()

	sRefund, ok := s.recvFlow.consume(total)
	if !ok {
		return streamError(id, status.ErrCodeFlowControl, "DATA overflows stream receive window")
	}
	if sRefund > 0 {
		c.enqueue(writeReq{kind: writeWindowUpdate, streamID: id, increment: uint32(sRefund)})
	}

	if len(f.Data) > 0 {
		chunk := make([]byte, len(f.Data))
		copy(chunk, f.Data)
		s.recv.put(chunk)
	}
	if f.EndStream {
		c.mu.Lock()
		c.endStreamRemoteLocked(s)
		c.mu.Unlock()
	}
	return nil
}

// endStreamRemoteLocked applies the recv-END_STREAM transition.
func (c *Conn) endStreamRemoteLocked(s *Stream) {
	s.endStreamReceived = true
	s.recv.closeEOF()
	switch s.state {
	case StreamOpen:
		s.state = StreamHalfClosedRemote
	case StreamHalfClosedLocal:
		c.closeStreamLocked(s, nil)
	}
}

func (c *Conn) processRSTStream(f *RSTStreamFrame) error {
	id := f.Header().StreamID
	c.mu.Lock()
	s, exists := c.streams[id]
	if !exists {
		known := id <= c.lastPeerStreamID
		c.mu.Unlock()
		if known {
			return nil // already closed, nothing to do
		}
		return connError(status.ErrCodeProtocol, "RST_STREAM on idle stream %d", id)
	}
	s.resetFlag = true
	cause := status.New(status.FromRSTCode(f.ErrCode), fmt.Sprintf("stream reset by client: %s", f.ErrCode))
	c.closeStreamLocked(s, cause)
	c.mu.Unlock()
	return nil
}

func (c *Conn) processPing(f *PingFrame) error {
	if f.Ack {
		c.pingMu.Lock()
		matched := c.pingPending && f.Data == c.pingData
		if matched {
			c.pingPending = false
		}
		c.pingMu.Unlock()
		if matched {
			select {
			case c.pingAcked <- struct{}{}:
			default:
			}
		}
		return nil
	}
	c.enqueue(writeReq{kind: writePing, ping: f.Data, pingAck: true})
	return nil
}

func (c *Conn) processWindowUpdate(f *WindowUpdateFrame) error {
	id := f.Header().StreamID
	if f.Increment == 0 {
		if id == 0 {
			return connError(status.ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
		}
		return streamError(id, status.ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
	}
	if id == 0 {
		c.flowMu.Lock()
		if int64(c.connSendWindow)+int64(f.Increment) > MaxWindowSize {
			c.flowMu.Unlock()
			return connError(status.ErrCodeFlowControl, "connection send window overflow")
		}
		c.connSendWindow += int32(f.Increment)
		c.flowMu.Unlock()
		c.flowCond.Broadcast()
		return nil
	}

	c.mu.Lock()
	s, exists := c.streams[id]
	c.mu.Unlock()
	if !exists {
		return nil // closed stream, credit is moot
	}
	c.flowMu.Lock()
	if int64(s.sendWindow)+int64(f.Increment) > MaxWindowSize {
		c.flowMu.Unlock()
		return streamError(id, status.ErrCodeFlowControl, "stream send window overflow")
	}
	s.sendWindow += int32(f.Increment)
	c.flowMu.Unlock()
	c.flowCond.Broadcast()
	return nil
}

func (c *Conn) processGoAway(f *GoAwayFrame) error {
	c.mu.Lock()
	c.goawayReceived = true
	if c.state == ConnOpen {
		c.state = ConnClosing
	}
	active := len(c.streams)
	c.mu.Unlock()
	c.logger.Debug("received GOAWAY",
		zap.Uint32("last_stream_id", f.LastStreamID),
		zap.String("code", f.ErrCode.String()),
		zap.Int("active_streams", active))
	if active == 0 {
		return io.EOF
	}
	return nil
}

func (c *Conn) handleStreamError(se StreamError) {
	c.logger.Warn("stream error", zap.Uint32("stream_id", se.StreamID), zap.String("code", se.Code.String()), zap.String("reason", se.Reason))
	c.mu.Lock()
	if s, ok := c.streams[se.StreamID]; ok {
		s.resetFlag = true
		c.closeStreamLocked(s, status.New(status.CodeInternal, se.Reason))
	}
	c.mu.Unlock()
	c.enqueue(writeReq{kind: writeRST, streamID: se.StreamID, code: se.Code})
}

// goAway emits GOAWAY with the given code. The read loop terminates right
// after, which tears the connection down.
func (c *Conn) goAway(code status.ErrCode, debug string) {
	c.mu.Lock()
	if c.goawaySent {
		c.mu.Unlock()
		return
	}
	c.goawaySent = true
	last := c.lastPeerStreamID
	if c.state == ConnOpen {
		c.state = ConnClosing
	}
	c.mu.Unlock()
	done := make(chan error, 1)
	c.enqueue(writeReq{kind: writeGoAway, streamID: last, code: code, debug: []byte(debug), done: done})
	select {
	case <-done:
	case <-time.After(time.Second):
	case <-c.done:
	}
}

// closeStreamLocked finalizes a stream: sticky cancel, table removal and
// waking any blocked reader or writer. Callers hold c.mu.
func (c *Conn) closeStreamLocked(s *Stream, cause *status.Error) {
	if s.state == StreamClosed {
		return
	}
	s.state = StreamClosed
	if cause != nil && s.cancelErr == nil {
		s.cancelErr = cause
		s.recv.fail(cause)
		close(s.cancelCh)
	}
	delete(c.streams, s.id)
	if len(c.streams) == 0 {
		select {
		case <-c.drained:
		default:
			if c.state != ConnOpen {
				close(c.drained)
			}
		}
		c.armIdleTimer()
	}
	c.flowCond.Broadcast()
}

// AbortStreamIO fails pending reads and message writes on the stream with
// cause, waking any goroutine blocked in ReadChunk or flow control. The
// stream stays open so the layer above can still write trailers; used for
// deadline expiry.
func (c *Conn) AbortStreamIO(s *Stream, cause *status.Error) {
	c.mu.Lock()
	if s.state == StreamClosed || s.ioErr != nil {
		c.mu.Unlock()
		return
	}
	s.ioErr = cause
	c.mu.Unlock()
	s.recv.fail(cause)
	c.flowCond.Broadcast()
}

func (c *Conn) resetStream(s *Stream, code status.ErrCode, cause *status.Error) {
	c.mu.Lock()
	alreadyClosed := s.state == StreamClosed
	if !alreadyClosed {
		s.resetFlag = true
		c.closeStreamLocked(s, cause)
	}
	c.mu.Unlock()
	if !alreadyClosed {
		c.enqueue(writeReq{kind: writeRST, streamID: s.id, code: code})
	}
}

// FinishStream marks a stream cleanly finished after its trailers were
// written. No RST is sent.
func (c *Conn) FinishStream(s *Stream) {
	c.mu.Lock()
	c.closeStreamLocked(s, nil)
	c.mu.Unlock()
}

// ---- write path ----

func (c *Conn) enqueue(req writeReq) {
	select {
	case c.writeCh <- req:
	case <-c.done:
		if req.done != nil {
			req.done <- ErrConnClosed
		}
	}
}

func (c *Conn) writeLoop() {
	c.encoder = hpack.NewEncoder(&c.encBuf)
	for {
		select {
		case req := <-c.writeCh:
			err := c.handleWrite(req)
			if err == nil {
				err = c.framer.Flush()
			}
			if req.done != nil {
				req.done <- err
			}
			if err != nil {
				c.teardown(fmt.Errorf("failed to write frame: %w", err))
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conn) handleWrite(req writeReq) error {
	switch req.kind {
	case writeHeaders:
		c.encBuf.Reset()
		for _, f := range req.fields {
			if err := c.encoder.WriteField(f); err != nil {
				return err
			}
		}
		return c.writeHeaderBlock(req.streamID, req.endStream, c.encBuf.Bytes())
	case writeData:
		return c.framer.WriteData(req.streamID, req.endStream, req.data)
	case writeSettings:
		return c.framer.WriteSettings(req.settings...)
	case writeSettingsAck:
		return c.framer.WriteSettingsAck()
	case writePing:
		return c.framer.WritePing(req.pingAck, req.ping)
	case writeRST:
		return c.framer.WriteRSTStream(req.streamID, req.code)
	case writeGoAway:
		return c.framer.WriteGoAway(req.streamID, req.code, req.debug)
	case writeWindowUpdate:
		return c.framer.WriteWindowUpdate(req.streamID, req.increment)
	case writeResizeEncoder:
		c.encoder.SetMaxDynamicTableSize(req.tableSize)
		return nil
	default:
		return fmt.Errorf("unknown write kind %d", req.kind)
	}
}

// writeHeaderBlock splits an encoded block into HEADERS + CONTINUATION
// frames bounded by the peer's max frame size.
func (c *Conn) writeHeaderBlock(streamID uint32, endStream bool, block []byte) error {
	c.mu.Lock()
	maxFrame := int(c.remoteSettings.MaxFrameSize)
	c.mu.Unlock()

	first := true
	for {
		frag := block
		if len(frag) > maxFrame {
			frag = frag[:maxFrame]
		}
		block = block[len(frag):]
		endHeaders := len(block) == 0
		var err error
		if first {
			err = c.framer.WriteHeaders(streamID, endStream, endHeaders, frag)
			first = false
		} else {
			err = c.framer.WriteContinuation(streamID, endHeaders, frag)
		}
		if err != nil {
			return err
		}
		if endHeaders {
			return nil
		}
	}
}

func (c *Conn) writeHeaders(s *Stream, fields []HeaderField, endStream bool) error {
	c.mu.Lock()
	if s.state == StreamClosed {
		err := s.cancelErr
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return ErrConnClosed
	}
	if s.endStreamSent {
		c.mu.Unlock()
		return errors.New("http2: headers after END_STREAM")
	}
	if endStream {
		s.endStreamSent = true
		switch s.state {
		case StreamOpen:
			s.state = StreamHalfClosedLocal
		case StreamHalfClosedRemote:
			// Fully closed once the frame is out; finalized below.
		}
	}
	c.mu.Unlock()

	done := make(chan error, 1)
	c.enqueue(writeReq{kind: writeHeaders, streamID: s.id, fields: fields, endStream: endStream, done: done})
	err := <-done
	if err == nil && endStream {
		c.mu.Lock()
		if s.endStreamReceived {
			c.closeStreamLocked(s, nil)
		}
		c.mu.Unlock()
	}
	return err
}

func (c *Conn) writeData(s *Stream, p []byte, endStream bool) error {
	c.mu.Lock()
	if s.state == StreamClosed || s.endStreamSent {
		err := s.cancelErr
		c.mu.Unlock()
		if err != nil {
			return err
		}
		return errors.New("http2: write on closed stream")
	}
	if s.ioErr != nil {
		err := s.ioErr
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	for first := true; first || len(p) > 0; first = false {
		n, err := c.takeFlow(s, int32(len(p)))
		if err != nil {
			return err
		}
		chunk := p[:n]
		p = p[n:]
		last := len(p) == 0
		done := make(chan error, 1)
		c.enqueue(writeReq{
			kind:      writeData,
			streamID:  s.id,
			data:      chunk,
			endStream: endStream && last,
			done:      done,
		})
		if err := <-done; err != nil {
			return err
		}
		if last {
			break
		}
	}

	if endStream {
		c.mu.Lock()
		s.endStreamSent = true
		switch s.state {
		case StreamOpen:
			s.state = StreamHalfClosedLocal
		case StreamHalfClosedRemote:
			c.closeStreamLocked(s, nil)
		}
		c.mu.Unlock()
	}
	return nil
}

// takeFlow reserves up to want bytes against both send windows, blocking
// while either is exhausted. A zero-length send reserves nothing.
func (c *Conn) takeFlow(s *Stream, want int32) (int32, error) {
	if want == 0 {
		return 0, nil
	}
	c.flowMu.Lock()
	defer c.flowMu.Unlock()
	for {
		select {
		case <-c.done:
			return 0, ErrConnClosed
		default:
		}
		c.mu.Lock()
		maxFrame := int32(c.remoteSettings.MaxFrameSize)
		closed := s.state == StreamClosed
		cancelErr := s.cancelErr
		ioErr := s.ioErr
		c.mu.Unlock()
		if closed {
			if cancelErr != nil {
				return 0, cancelErr
			}
			return 0, errors.New("http2: write on closed stream")
		}
		if ioErr != nil {
			return 0, ioErr
		}

		n := want
		if n > maxFrame {
			n = maxFrame
		}
		if n > s.sendWindow {
			n = s.sendWindow
		}
		if n > c.connSendWindow {
			n = c.connSendWindow
		}
		if n > 0 {
			s.sendWindow -= n
			c.connSendWindow -= n
			return n, nil
		}
		c.flowCond.Wait()
	}
}

// ---- keepalive / idle / shutdown ----

func (c *Conn) keepaliveLoop() {
	ticker := time.NewTicker(c.cfg.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		var data [8]byte
		_, _ = rand.Read(data[:])
		c.pingMu.Lock()
		c.pingPending = true
		c.pingData = data
		c.pingMu.Unlock()
		select {
		case <-c.pingAcked: // drop a stale signal from a previous round
		default:
		}
		c.enqueue(writeReq{kind: writePing, ping: data})

		timeout := time.NewTimer(c.cfg.KeepaliveTimeout)
		select {
		case <-c.done:
			timeout.Stop()
			return
		case <-c.pingAcked:
			timeout.Stop()
		case <-timeout.C:
			c.pingMu.Lock()
			missed := c.pingPending
			c.pingMu.Unlock()
			if missed {
				c.logger.Warn("keepalive ping timed out, closing connection",
					zap.String("peer", c.nc.RemoteAddr().String()))
				c.goAway(status.ErrCodeNo, "keepalive timeout")
				c.teardown(errors.New("http2: keepalive timeout"))
				return
			}
		}
	}
}

func (c *Conn) armIdleTimer() {
	if c.cfg.IdleTimeout <= 0 {
		return
	}
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	c.idleTimer = time.AfterFunc(c.cfg.IdleTimeout, func() {
		c.mu.Lock()
		idle := len(c.streams) == 0 && c.state == ConnOpen
		c.mu.Unlock()
		if idle {
			c.logger.Debug("closing idle connection", zap.String("peer", c.nc.RemoteAddr().String()))
			c.goAway(status.ErrCodeNo, "idle timeout")
			c.teardown(errors.New("http2: idle timeout"))
		}
	})
}

func (c *Conn) stopIdleTimer() {
	c.idleMu.Lock()
	defer c.idleMu.Unlock()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
}

// Shutdown drains the connection: GOAWAY(NO_ERROR), wait for in-flight
// streams up to the drain timeout, then abort the rest with
// RST_STREAM(CANCEL) and close the transport. force skips the wait.
func (c *Conn) Shutdown(force bool) {
	c.mu.Lock()
	if c.state == ConnClosed {
		c.mu.Unlock()
		return
	}
	c.state = ConnClosing
	active := len(c.streams)
	c.mu.Unlock()

	c.goAway(status.ErrCodeNo, "")

	if !force && active > 0 {
		timeout := c.cfg.DrainTimeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-c.drained:
		case <-timer.C:
		case <-c.done:
			return
		}
	}

	c.mu.Lock()
	remaining := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		remaining = append(remaining, s)
	}
	c.mu.Unlock()
	cause := status.New(status.CodeUnavailable, "server shutting down")
	for _, s := range remaining {
		c.resetStream(s, status.ErrCodeCancel, cause)
	}
	c.teardown(nil)
}

// teardown resolves every stream and closes the transport. Idempotent.
func (c *Conn) teardown(err error) {
	c.once.Do(func() {
		c.mu.Lock()
		c.state = ConnClosed
		c.doneErr = err
		streams := make([]*Stream, 0, len(c.streams))
		for _, s := range c.streams {
			streams = append(streams, s)
		}
		cause := status.New(status.CodeUnavailable, "connection closed")
		for _, s := range streams {
			c.closeStreamLocked(s, cause)
		}
		c.mu.Unlock()

		close(c.done)
		c.flowCond.Broadcast()
		_ = c.nc.Close()
		if err != nil && !errors.Is(err, io.EOF) {
			c.logger.Debug("connection closed", zap.Error(err))
		}
	})
}

// Done is closed once the connection is fully torn down.
func (c *Conn) Done() <-chan struct{} { return c.done }
