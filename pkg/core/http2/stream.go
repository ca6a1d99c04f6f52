package http2

import (
	"io"
	"sync"

	"go.wiregrpc.io/server/pkg/status"
)

// StreamState is the RFC 7540 section 5.1 stream state. Server streams
// never enter the reserved states because the runtime does not push.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamOpen
	StreamHalfClosedLocal
	StreamHalfClosedRemote
	StreamClosed
	StreamReservedLocal
	StreamReservedRemote
)

var streamStateNames = map[StreamState]string{
	StreamIdle:             "IDLE",
	StreamOpen:             "OPEN",
	StreamHalfClosedLocal:  "HALF_CLOSED_LOCAL",
	StreamHalfClosedRemote: "HALF_CLOSED_REMOTE",
	StreamClosed:           "CLOSED",
	StreamReservedLocal:    "RESERVED_LOCAL",
	StreamReservedRemote:   "RESERVED_REMOTE",
}

func (s StreamState) String() string { return streamStateNames[s] }

// recvBuffer queues inbound DATA chunks for one stream. Its occupancy is
// bounded by the stream receive window, so no extra cap is needed.
type recvBuffer struct {
	mu     sync.Mutex
	cond   *sync.Cond
	chunks [][]byte
	eof    bool
	err    error
}

func newRecvBuffer() *recvBuffer {
	b := &recvBuffer{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *recvBuffer) put(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil || b.eof {
		return
	}
	b.chunks = append(b.chunks, chunk)
	b.cond.Signal()
}

func (b *recvBuffer) closeEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.eof = true
	b.cond.Broadcast()
}

func (b *recvBuffer) fail(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.err = err
	}
	b.cond.Broadcast()
}

// next blocks until a chunk, EOF or failure is available. Buffered chunks
// drain before EOF but a failure preempts everything, so a reset stream
// unblocks readers immediately.
func (b *recvBuffer) next() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for {
		if b.err != nil {
			return nil, b.err
		}
		if len(b.chunks) > 0 {
			chunk := b.chunks[0]
			b.chunks = b.chunks[1:]
			return chunk, nil
		}
		if b.eof {
			return nil, io.EOF
		}
		b.cond.Wait()
	}
}

// Stream is one HTTP/2 stream as seen by the layer above. Reads come from
// the connection's read loop through the receive buffer; writes go through
// the connection's writer goroutine under flow control.
type Stream struct {
	id   uint32
	conn *Conn

	// state and the end/reset flags are guarded by conn.mu.
	state             StreamState
	endStreamReceived bool
	endStreamSent     bool
	resetFlag         bool

	// sendWindow is guarded by conn.flowMu.
	sendWindow int32

	// recvFlow is touched only by the read loop.
	recvFlow inflow

	recv *recvBuffer

	// cancelErr is sticky; guarded by conn.mu. cancelCh closes when it is
	// set so the layer above can observe cancellation without polling.
	cancelErr error
	cancelCh  chan struct{}

	// ioErr fails reads and message writes while leaving the stream open
	// for trailers; guarded by conn.mu.
	ioErr error
}

// ID returns the 31-bit stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// ReadChunk returns the next inbound DATA chunk. io.EOF signals a clean
// END_STREAM; a cancellation or reset surfaces as a *status.Error.
func (s *Stream) ReadChunk() ([]byte, error) {
	return s.recv.next()
}

// WriteHeaders encodes and sends a HEADERS frame (with CONTINUATION as
// needed) carrying the given field list.
func (s *Stream) WriteHeaders(fields []HeaderField, endStream bool) error {
	return s.conn.writeHeaders(s, fields, endStream)
}

// WriteData sends p as one or more DATA frames, blocking while flow-control
// windows are exhausted.
func (s *Stream) WriteData(p []byte, endStream bool) error {
	return s.conn.writeData(s, p, endStream)
}

// Reset aborts the stream with RST_STREAM and cancels it locally.
func (s *Stream) Reset(code status.ErrCode) {
	s.conn.resetStream(s, code, status.New(status.CodeCancelled, "stream reset by server"))
}

// Cancelled reports whether the stream has been cancelled (client reset,
// deadline expiry or connection teardown). Cancellation is sticky.
func (s *Stream) Cancelled() bool {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.cancelErr != nil
}

// Cancellation is closed once the stream is cancelled.
func (s *Stream) Cancellation() <-chan struct{} { return s.cancelCh }

// CancelErr returns the sticky cancellation cause, or nil.
func (s *Stream) CancelErr() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.cancelErr
}

// State returns the current stream state.
func (s *Stream) State() StreamState {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	return s.state
}
