package rpc

import (
	"context"
	"io"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"go.wiregrpc.io/server/pkg/status"
)

// DispatcherConfig sizes the dispatcher's admission control.
type DispatcherConfig struct {
	// MaxConcurrentRequests caps handlers running at once; zero disables
	// admission control.
	MaxConcurrentRequests int64
	// MaxQueuedRequests caps requests waiting for a concurrency slot.
	MaxQueuedRequests int64
}

// Dispatcher routes accepted requests to registered handlers through the
// interceptor chain.
type Dispatcher struct {
	registry *Registry
	codec    Codec
	globals  []Interceptor
	logger   *zap.Logger

	running *semaphore.Weighted
	queued  *semaphore.Weighted
}

// NewDispatcher builds a dispatcher. Global interceptors wrap every method
// outermost, in registration order.
func NewDispatcher(registry *Registry, codec Codec, globals []Interceptor, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		codec:    codec,
		globals:  globals,
		logger:   logger,
	}
	if cfg.MaxConcurrentRequests > 0 {
		d.running = semaphore.NewWeighted(cfg.MaxConcurrentRequests)
		queued := cfg.MaxQueuedRequests
		if queued < 0 {
			queued = 0
		}
		d.queued = semaphore.NewWeighted(cfg.MaxConcurrentRequests + queued)
	}
	return d
}

// Dispatch runs one RPC end to end and returns its final status. The
// caller owns header and trailer synthesis; a nil source or sink is a
// programming error.
func (d *Dispatcher) Dispatch(ctx *CallContext, src MessageSource, sink MessageSink) *status.Error {
	if d.running != nil {
		// The queue semaphore bounds how many requests may wait for a
		// running slot; beyond it the server sheds load immediately.
		if !d.queued.TryAcquire(1) {
			return status.New(status.CodeUnavailable, "server is over capacity")
		}
		defer d.queued.Release(1)
		if err := d.running.Acquire(d.acquireContext(ctx), 1); err != nil {
			if st := ctx.Err(); st != nil {
				return st
			}
			return status.New(status.CodeUnavailable, "server is over capacity")
		}
		defer d.running.Release(1)
	}

	service, method, ok := d.registry.Lookup(ctx.Method())
	if !ok {
		d.logger.Debug("no handler registered for method", zap.String("method", ctx.Method()))
		return status.Newf(status.CodeUnimplemented, "Method not found: %s", ctx.Method())
	}

	info := &MethodInfo{
		Service:  service.Name,
		Method:   method.Name,
		FullPath: ctx.Method(),
		Pattern:  method.Pattern,
	}

	core, st := d.coreHandler(method, src, sink)
	if st != nil {
		return st
	}

	chain := append(append([]Interceptor{}, d.globals...), service.Interceptors...)
	err := BuildChain(chain, info, core)(ctx)
	if err == nil {
		return status.OK
	}
	return status.Convert(err)
}

// acquireContext bridges the call context's cancellation into the
// semaphore wait.
func (d *Dispatcher) acquireContext(ctx *CallContext) context.Context {
	c, cancel := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return c
}

// coreHandler builds the innermost handler for the method's pattern,
// verifying that the registered handler value matches it.
func (d *Dispatcher) coreHandler(method *MethodDesc, src MessageSource, sink MessageSink) (Handler, *status.Error) {
	switch method.Pattern {
	case Unary:
		h, ok := method.Handler.(UnaryHandler)
		if !ok {
			return nil, status.Newf(status.CodeUnimplemented, "method is not %s", method.Pattern)
		}
		return func(ctx *CallContext) error {
			req, err := d.readSingleRequest(method, src)
			if err != nil {
				return err
			}
			resp, err := h(ctx, req)
			if err != nil {
				return err
			}
			return d.sendResponse(method, sink, resp)
		}, nil

	case ServerStreaming:
		h, ok := method.Handler.(ServerStreamHandler)
		if !ok {
			return nil, status.Newf(status.CodeUnimplemented, "method is not %s", method.Pattern)
		}
		return func(ctx *CallContext) error {
			req, err := d.readSingleRequest(method, src)
			if err != nil {
				return err
			}
			send := &Sender{ctx: ctx, sink: sink, codec: d.codec, typeName: method.OutputType}
			defer send.close()
			return h(ctx, req, send)
		}, nil

	case ClientStreaming:
		h, ok := method.Handler.(ClientStreamHandler)
		if !ok {
			return nil, status.Newf(status.CodeUnimplemented, "method is not %s", method.Pattern)
		}
		return func(ctx *CallContext) error {
			recv := &Receiver{ctx: ctx, src: src, codec: d.codec, typeName: method.InputType}
			resp, err := h(ctx, recv)
			if err != nil {
				return err
			}
			return d.sendResponse(method, sink, resp)
		}, nil

	case BidiStreaming:
		h, ok := method.Handler.(BidiStreamHandler)
		if !ok {
			return nil, status.Newf(status.CodeUnimplemented, "method is not %s", method.Pattern)
		}
		return func(ctx *CallContext) error {
			recv := &Receiver{ctx: ctx, src: src, codec: d.codec, typeName: method.InputType}
			send := &Sender{ctx: ctx, sink: sink, codec: d.codec, typeName: method.OutputType}
			defer send.close()
			return h(ctx, recv, send)
		}, nil

	default:
		return nil, status.Newf(status.CodeInternal, "unknown method pattern %d", method.Pattern)
	}
}

// readSingleRequest consumes exactly one request message for unary and
// server-streaming methods.
func (d *Dispatcher) readSingleRequest(method *MethodDesc, src MessageSource) (any, error) {
	payload, err := src.Next()
	if err == io.EOF {
		return nil, status.New(status.CodeInvalidArgument, "missing request message")
	}
	if err != nil {
		return nil, err
	}
	if _, err := src.Next(); err != io.EOF {
		if err != nil {
			return nil, err
		}
		return nil, status.New(status.CodeInvalidArgument, "extra request message on a single-request method")
	}
	msg, err := d.codec.Decode(payload, method.InputType)
	if err != nil {
		return nil, status.Newf(status.CodeInvalidArgument, "failed to decode %s: %v", method.InputType, err)
	}
	return msg, nil
}

func (d *Dispatcher) sendResponse(method *MethodDesc, sink MessageSink, resp any) error {
	payload, err := d.codec.Encode(resp, method.OutputType)
	if err != nil {
		return status.Newf(status.CodeInternal, "failed to encode %s: %v", method.OutputType, err)
	}
	if err := sink.SendMessage(payload); err != nil {
		return status.Convert(err)
	}
	return nil
}
