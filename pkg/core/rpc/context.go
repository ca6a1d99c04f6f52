// Package rpc turns validated gRPC requests into handler invocations: the
// per-request context, the deadline scheduler, the service registry, the
// dispatcher with its interceptor chain, and the handler-facing stream
// adapters.
package rpc

import (
	"crypto/x509"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"go.wiregrpc.io/server/pkg/core/grpcwire"
	"go.wiregrpc.io/server/pkg/status"
)

// Peer identifies the remote end of the connection carrying the request.
type Peer struct {
	Addr        net.Addr
	Certificate *x509.Certificate
}

// CallContext is the request-scoped state of one RPC. It is created when
// the request header block is accepted and lives until the trailers are
// written. Response metadata is single-writer by the handler goroutine;
// cancellation may arrive from any goroutine and is sticky.
type CallContext struct {
	requestID string
	method    string
	authority string
	peer      Peer
	md        grpcwire.Metadata

	scheduler  *DeadlineScheduler
	onDeadline func()

	mu          sync.Mutex
	respHeader  grpcwire.Metadata
	respTrailer grpcwire.Metadata
	deadline    time.Time
	hasDeadline bool
	cancelErr   *status.Error
	finished    bool
	done        chan struct{}
}

// ContextParams carries the inputs for a new CallContext.
type ContextParams struct {
	Method    string
	Authority string
	Peer      Peer
	Metadata  grpcwire.Metadata

	// Scheduler, when set, arms deadline expiry; OnDeadline runs once when
	// the deadline fires, after the context is marked cancelled.
	Scheduler  *DeadlineScheduler
	OnDeadline func()
}

// NewCallContext builds a context with a fresh request id.
func NewCallContext(p ContextParams) *CallContext {
	return &CallContext{
		requestID:  uuid.NewString(),
		method:     p.Method,
		authority:  p.Authority,
		peer:       p.Peer,
		md:         p.Metadata,
		scheduler:  p.Scheduler,
		onDeadline: p.OnDeadline,
		done:       make(chan struct{}),
	}
}

// RequestID returns the request's unique id.
func (c *CallContext) RequestID() string { return c.requestID }

// Method returns the full method path, "/Service/Method".
func (c *CallContext) Method() string { return c.method }

// Authority returns the :authority pseudo-header value.
func (c *CallContext) Authority() string { return c.authority }

// Peer returns the remote endpoint identity.
func (c *CallContext) Peer() Peer { return c.peer }

// Metadata returns the request metadata.
func (c *CallContext) Metadata() *grpcwire.Metadata { return &c.md }

// Header returns the response header metadata, writable until the first
// response message is sent.
func (c *CallContext) Header() *grpcwire.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &c.respHeader
}

// Trailer returns the response trailer metadata.
func (c *CallContext) Trailer() *grpcwire.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &c.respTrailer
}

// SetDeadline installs an absolute deadline and arms the scheduler. The
// earliest deadline wins if called more than once.
func (c *CallContext) SetDeadline(t time.Time) {
	c.mu.Lock()
	if c.hasDeadline && !t.Before(c.deadline) {
		c.mu.Unlock()
		return
	}
	c.deadline = t
	c.hasDeadline = true
	sched := c.scheduler
	c.mu.Unlock()
	if sched != nil {
		sched.schedule(c, t)
	}
}

// Deadline reports the absolute deadline, if any.
func (c *CallContext) Deadline() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deadline, c.hasDeadline
}

// Remaining returns the time left before the deadline; it may be negative.
// Without a deadline it returns a very large duration.
func (c *CallContext) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasDeadline {
		return time.Duration(1<<63 - 1)
	}
	return time.Until(c.deadline)
}

// Cancelled reports whether the request was cancelled. Once true it never
// becomes false again.
func (c *CallContext) Cancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelErr != nil
}

// Err returns the cancellation status, or nil while the request is live.
func (c *CallContext) Err() *status.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelErr
}

// Done is closed when the request is cancelled or finished.
func (c *CallContext) Done() <-chan struct{} { return c.done }

// Cancel marks the request cancelled with the given status. The first
// cancellation wins; later calls are no-ops.
func (c *CallContext) Cancel(st *status.Error) bool {
	c.mu.Lock()
	if c.cancelErr != nil || c.finished {
		c.mu.Unlock()
		return false
	}
	c.cancelErr = st
	close(c.done)
	c.mu.Unlock()
	return true
}

// Finish marks the request complete so a later deadline expiry is ignored.
func (c *CallContext) Finish() {
	c.mu.Lock()
	if !c.finished && c.cancelErr == nil {
		close(c.done)
	}
	c.finished = true
	c.mu.Unlock()
}

// expire is the scheduler's entry point when the deadline fires.
func (c *CallContext) expire() {
	if c.Cancel(status.New(status.CodeDeadlineExceeded, "context deadline exceeded")) {
		if c.onDeadline != nil {
			c.onDeadline()
		}
	}
}

// checkLive is the shared gate for stream adapter operations: cancellation
// is sticky and an elapsed deadline fails pipeline operations.
func (c *CallContext) checkLive() *status.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	if c.hasDeadline && time.Until(c.deadline) < 0 {
		return status.New(status.CodeDeadlineExceeded, "context deadline exceeded")
	}
	return nil
}
