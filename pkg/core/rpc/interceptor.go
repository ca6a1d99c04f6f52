package rpc

import (
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"go.wiregrpc.io/server/pkg/status"
)

// MethodInfo identifies the method under dispatch to interceptors.
type MethodInfo struct {
	Service  string
	Method   string
	FullPath string
	Pattern  MethodPattern
}

// Handler is the continuation an interceptor wraps.
type Handler func(ctx *CallContext) error

// Interceptor wraps a handler invocation. Implementations must call next
// exactly once unless they short-circuit.
type Interceptor interface {
	Intercept(ctx *CallContext, info *MethodInfo, next Handler) error
}

// InterceptorFunc adapts a function to the Interceptor interface.
type InterceptorFunc func(ctx *CallContext, info *MethodInfo, next Handler) error

func (f InterceptorFunc) Intercept(ctx *CallContext, info *MethodInfo, next Handler) error {
	return f(ctx, info, next)
}

// BuildChain folds the interceptors around final, innermost first, so the
// first element ends up outermost. An empty list returns final unchanged.
func BuildChain(interceptors []Interceptor, info *MethodInfo, final Handler) Handler {
	if len(interceptors) == 0 {
		return final
	}
	h := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		ic := interceptors[i]
		inner := h
		h = func(ctx *CallContext) error {
			return ic.Intercept(ctx, info, inner)
		}
	}
	return h
}

// LoggingInterceptor emits start and end records for each request.
func LoggingInterceptor(logger *zap.Logger) Interceptor {
	return InterceptorFunc(func(ctx *CallContext, info *MethodInfo, next Handler) error {
		start := time.Now()
		logger.Debug("request started",
			zap.String("request_id", ctx.RequestID()),
			zap.String("method", info.FullPath),
			zap.String("peer", peerLabel(ctx)),
		)
		err := next(ctx)
		st := status.Convert(err)
		if err == nil {
			st = status.OK
		}
		logger.Info("request finished",
			zap.String("request_id", ctx.RequestID()),
			zap.String("method", info.FullPath),
			zap.String("peer", peerLabel(ctx)),
			zap.Duration("duration", time.Since(start)),
			zap.String("status", st.Code.String()),
		)
		return err
	})
}

func peerLabel(ctx *CallContext) string {
	if ctx.Peer().Addr == nil {
		return "unknown"
	}
	return ctx.Peer().Addr.String()
}

// MetricsSink receives request lifecycle events from the metrics
// interceptor. Implementations must be safe for concurrent use.
type MetricsSink interface {
	RequestStart(method string)
	RequestEnd(method string, code status.Code, duration time.Duration)
}

// MetricsInterceptor reports start and completion to sink.
func MetricsInterceptor(sink MetricsSink) Interceptor {
	return InterceptorFunc(func(ctx *CallContext, info *MethodInfo, next Handler) error {
		sink.RequestStart(info.FullPath)
		start := time.Now()
		err := next(ctx)
		st := status.Convert(err)
		if err == nil {
			st = status.OK
		}
		sink.RequestEnd(info.FullPath, st.Code, time.Since(start))
		return err
	})
}

// ZapMetricsSink logs lifecycle events; it is the default sink so the
// metrics interceptor works without an external system.
type ZapMetricsSink struct {
	Logger *zap.Logger
}

func (s *ZapMetricsSink) RequestStart(method string) {
	s.Logger.Debug("rpc start", zap.String("method", method))
}

func (s *ZapMetricsSink) RequestEnd(method string, code status.Code, duration time.Duration) {
	s.Logger.Debug("rpc end",
		zap.String("method", method),
		zap.String("status", code.String()),
		zap.Duration("duration", duration),
	)
}

// TimeoutInterceptor applies defaultTimeout when the request carries no
// deadline and short-circuits requests that are already expired at entry.
func TimeoutInterceptor(defaultTimeout time.Duration) Interceptor {
	return InterceptorFunc(func(ctx *CallContext, info *MethodInfo, next Handler) error {
		if _, ok := ctx.Deadline(); !ok && defaultTimeout > 0 {
			ctx.SetDeadline(time.Now().Add(defaultTimeout))
		}
		if _, ok := ctx.Deadline(); ok && ctx.Remaining() < 0 {
			return status.New(status.CodeDeadlineExceeded, "deadline exceeded before handler start")
		}
		return next(ctx)
	})
}

// RecoveryInterceptor converts handler panics to INTERNAL. Status errors
// pass through unchanged, which keeps the mapping idempotent.
// includeDetail controls whether the panic value reaches the client.
func RecoveryInterceptor(logger *zap.Logger, includeDetail bool) Interceptor {
	return InterceptorFunc(func(ctx *CallContext, info *MethodInfo, next Handler) (err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("handler panicked",
					zap.String("request_id", ctx.RequestID()),
					zap.String("method", info.FullPath),
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				if includeDetail {
					err = status.Newf(status.CodeInternal, "handler panicked: %v", r)
				} else {
					err = status.New(status.CodeInternal, "internal server error")
				}
			}
		}()
		if err := next(ctx); err != nil {
			if st, ok := status.FromError(err); ok {
				return st
			}
			return status.Newf(status.CodeInternal, "handler failed: %v", err)
		}
		return nil
	})
}
