package server

import (
	"crypto/tls"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"go.wiregrpc.io/server/pkg/core/grpcwire"
	"go.wiregrpc.io/server/pkg/core/http2"
	"go.wiregrpc.io/server/pkg/core/rpc"
	"go.wiregrpc.io/server/pkg/status"
	"go.wiregrpc.io/server/utils"
)

// grpcConn drives every stream of one HTTP/2 connection through the gRPC
// layers: header validation, message framing, dispatch and trailers.
type grpcConn struct {
	srv    *Server
	logger *zap.Logger
	nc     net.Conn
	conn   *http2.Conn
	sched  *rpc.DeadlineScheduler
}

func newGRPCConn(srv *Server, nc net.Conn, logger *zap.Logger) *grpcConn {
	gc := &grpcConn{
		srv:    srv,
		logger: logger,
		nc:     nc,
		sched:  rpc.NewDeadlineScheduler(),
	}
	gc.conn = http2.NewConn(nc, srv.http2Config(), logger, gc.handleStream)
	return gc
}

func (gc *grpcConn) serve() {
	defer gc.sched.Close()
	if err := gc.conn.Serve(); err != nil {
		gc.logger.Debug("connection ended", zap.Error(err))
	}
}

func (gc *grpcConn) peer() rpc.Peer {
	p := rpc.Peer{Addr: gc.nc.RemoteAddr()}
	if tc, ok := gc.nc.(*tls.Conn); ok {
		if certs := tc.ConnectionState().PeerCertificates; len(certs) > 0 {
			p.Certificate = certs[0]
		}
	}
	return p
}

// handleStream runs on its own goroutine per accepted stream.
func (gc *grpcConn) handleStream(s *http2.Stream, fields []http2.HeaderField) {
	info, err := grpcwire.ValidateRequestHeaders(fields)
	if err != nil {
		gc.rejectStream(s, err)
		return
	}
	if info.MissingTE {
		gc.logger.Debug("request missing te: trailers header",
			zap.String("method", info.Path))
	}

	reqComp, ok := gc.srv.compressors.Get(info.Encoding)
	if !ok {
		st := status.Newf(status.CodeUnimplemented,
			"no decompressor installed for grpc-encoding %q", info.Encoding)
		gc.writeTrailersOnly(s, info.ContentType, st, []http2.HeaderField{
			{Name: "grpc-accept-encoding", Value: gc.srv.compressors.AcceptEncoding()},
		})
		return
	}
	var respComp grpcwire.Compressor
	if gc.srv.cfg.Compression.Enabled {
		respComp = gc.srv.compressors.Negotiate(info.AcceptEncoding)
	}

	ctx := rpc.NewCallContext(rpc.ContextParams{
		Method:    info.Path,
		Authority: info.Authority,
		Peer:      gc.peer(),
		Metadata:  info.Metadata,
		Scheduler: gc.sched,
		// Deadline expiry must unblock handlers waiting in stream reads
		// or flow control so the DEADLINE_EXCEEDED trailers can go out.
		OnDeadline: func() {
			gc.conn.AbortStreamIO(s, status.New(status.CodeDeadlineExceeded, "context deadline exceeded"))
		},
	})
	if info.HasTimeout {
		ctx.SetDeadline(time.Now().Add(info.Timeout))
	}

	// Bridge stream cancellation (client RST, connection teardown) into
	// the request context.
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-s.Cancellation():
			ctx.Cancel(status.Convert(s.CancelErr()))
		case <-finished:
		}
	}()

	src := &messageSource{
		r:    grpcwire.NewMessageReader(s, gc.srv.cfg.Limits.MaxMessageSize),
		comp: reqComp,
	}
	sink := &streamSink{
		stream:      s,
		ctx:         ctx,
		comp:        respComp,
		threshold:   gc.srv.cfg.Compression.Threshold,
		contentType: info.ContentType,
	}

	st := gc.srv.dispatcher.Dispatch(ctx, src, sink)
	if cancelSt := ctx.Err(); cancelSt != nil && st.Code == status.CodeOK {
		// A cancelled request never reports success, even if the handler
		// returned cleanly.
		st = cancelSt
	}
	ctx.Finish()

	if s.Cancelled() {
		// The stream is gone; there is no wire to put trailers on.
		return
	}
	gc.writeTrailers(s, sink, info.ContentType, st, ctx.Trailer())
}

// rejectStream answers requests that fail validation before reaching the
// gRPC layer.
func (gc *grpcConn) rejectStream(s *http2.Stream, err error) {
	if he, ok := err.(grpcwire.HTTPError); ok {
		gc.logger.Debug("rejecting request below the gRPC layer",
			zap.Int("status", he.Code), zap.String("reason", he.Reason))
		fields := []http2.HeaderField{
			{Name: ":status", Value: strconv.Itoa(he.Code)},
		}
		if err := s.WriteHeaders(fields, true); err != nil {
			utils.LogError(gc.logger, err, "failed to write reject response")
		}
		gc.conn.FinishStream(s)
		return
	}
	gc.writeTrailersOnly(s, "", status.Convert(err), nil)
}

func (gc *grpcConn) writeTrailersOnly(s *http2.Stream, contentType string, st *status.Error, extra []http2.HeaderField) {
	fields := grpcwire.BuildTrailersOnly(contentType, st, extra)
	if err := s.WriteHeaders(fields, true); err != nil {
		utils.LogError(gc.logger, err, "failed to write trailers-only response")
	}
	gc.conn.FinishStream(s)
}

func (gc *grpcConn) writeTrailers(s *http2.Stream, sink *streamSink, contentType string, st *status.Error, md *grpcwire.Metadata) {
	if !sink.sentHeaders() {
		fields := grpcwire.BuildTrailersOnly(contentType, st, grpcwire.AppendMetadataHeaders(nil, md))
		if err := s.WriteHeaders(fields, true); err != nil {
			utils.LogError(gc.logger, err, "failed to write trailers-only response")
		}
		gc.conn.FinishStream(s)
		return
	}
	fields := grpcwire.BuildTrailers(st, md)
	if err := s.WriteHeaders(fields, true); err != nil {
		utils.LogError(gc.logger, err, "failed to write trailers")
	}
	gc.conn.FinishStream(s)
}

// messageSource adapts the length-prefix reader into the dispatcher's
// view, applying per-message decompression.
type messageSource struct {
	r    *grpcwire.MessageReader
	comp grpcwire.Compressor
}

func (m *messageSource) Next() ([]byte, error) {
	payload, compressed, err := m.r.Next()
	if err != nil {
		return nil, err
	}
	if !compressed {
		return payload, nil
	}
	if m.comp == nil {
		return nil, status.New(status.CodeInternal, "compressed message without a grpc-encoding header")
	}
	out, err := m.comp.Decompress(payload)
	if err != nil {
		return nil, status.Newf(status.CodeInternal, "failed to decompress message: %v", err)
	}
	return out, nil
}

// streamSink writes response messages, emitting the response header block
// before the first one.
type streamSink struct {
	stream      *http2.Stream
	ctx         *rpc.CallContext
	comp        grpcwire.Compressor
	threshold   int
	contentType string

	mu      sync.Mutex
	headers bool
}

func (k *streamSink) sentHeaders() bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.headers
}

func (k *streamSink) SendMessage(payload []byte) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if !k.headers {
		encoding := ""
		if k.comp != nil {
			encoding = k.comp.Name()
		}
		fields := grpcwire.BuildResponseHeaders(k.contentType, encoding, k.ctx.Header())
		if err := k.stream.WriteHeaders(fields, false); err != nil {
			return err
		}
		k.headers = true
	}

	compressed := false
	if k.comp != nil && len(payload) >= k.threshold {
		out, err := k.comp.Compress(payload)
		if err != nil {
			return status.Newf(status.CodeInternal, "failed to compress message: %v", err)
		}
		payload = out
		compressed = true
	}
	return k.stream.WriteData(grpcwire.EncodeMessage(payload, compressed), false)
}
