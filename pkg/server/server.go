// Package server ties the runtime together: listener lifecycle, connection
// supervision, TLS, and registration of the built-in services.
package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"go.wiregrpc.io/server/config"
	"go.wiregrpc.io/server/pkg/core/grpcwire"
	"go.wiregrpc.io/server/pkg/core/http2"
	"go.wiregrpc.io/server/pkg/core/rpc"
	"go.wiregrpc.io/server/pkg/service/health"
	"go.wiregrpc.io/server/pkg/service/reflection"
	"go.wiregrpc.io/server/utils"
)

// State is the lifecycle position of the server.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateDraining:
		return "DRAINING"
	case StateStopping:
		return "STOPPING"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Server is the embeddable gRPC server runtime.
type Server struct {
	cfg          *config.Config
	logger       *zap.Logger
	registry     *rpc.Registry
	compressors  *grpcwire.CompressorRegistry
	healthSvc    *health.Service
	codec        rpc.Codec
	metrics      rpc.MetricsSink
	interceptors []rpc.Interceptor

	dispatcher *rpc.Dispatcher
	tlsProv    *TLSProvider
	prepared   bool

	mu    sync.Mutex
	state State
	ln    net.Listener
	conns map[*grpcConn]struct{}
	group *errgroup.Group
}

// New builds a server in the STOPPED state. Handlers decode their own
// payloads unless a codec is installed with SetCodec.
func New(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{
		cfg:         cfg,
		logger:      logger,
		registry:    rpc.NewRegistry(),
		compressors: grpcwire.NewCompressorRegistry(cfg.Compression.Codecs),
		healthSvc:   health.New(logger),
		codec:       rpc.RawCodec{},
		metrics:     &rpc.ZapMetricsSink{Logger: logger},
		state:       StateStopped,
		conns:       make(map[*grpcConn]struct{}),
	}
}

// SetCodec installs the message codec collaborator. Valid before Start.
func (s *Server) SetCodec(c rpc.Codec) { s.codec = c }

// SetMetricsSink replaces the default zap-backed metrics sink.
func (s *Server) SetMetricsSink(m rpc.MetricsSink) { s.metrics = m }

// Use appends global interceptors; they wrap every method outermost after
// the built-ins, in the order added.
func (s *Server) Use(interceptors ...rpc.Interceptor) {
	s.interceptors = append(s.interceptors, interceptors...)
}

// Register adds a service. It fails once the server has started.
func (s *Server) Register(desc *rpc.ServiceDesc) error {
	return s.registry.Register(desc)
}

// Health exposes the built-in health service for status updates.
func (s *Server) Health() *health.Service { return s.healthSvc }

// State returns the current lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Addr returns the bound listener address, valid while running.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) http2Config() http2.Config {
	return http2.Config{
		MaxFrameSize:         s.cfg.HTTP2.MaxFrameSize,
		MaxConcurrentStreams: s.cfg.HTTP2.MaxConcurrentStreams,
		InitialWindowSize:    s.cfg.HTTP2.InitialWindowSize,
		HeaderTableSize:      s.cfg.HTTP2.HeaderTableSize,
		MaxHeaderListSize:    s.cfg.HTTP2.MaxHeaderListSize,
		KeepaliveInterval:    s.cfg.Timeouts.KeepaliveInterval,
		KeepaliveTimeout:     s.cfg.Timeouts.KeepaliveTimeout,
		IdleTimeout:          s.cfg.Timeouts.IdleTimeout,
		DrainTimeout:         s.cfg.Timeouts.DrainTimeout,
	}
}

// Start binds the listener and begins accepting connections. It requires
// the STOPPED state; a bind failure leaves the server STOPPED.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != StateStopped {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot start server in state %s", state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	if err := s.prepare(); err != nil {
		s.setState(StateStopped)
		return err
	}

	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.setState(StateStopped)
		return fmt.Errorf("failed to bind %s: %w", s.cfg.ListenAddr, err)
	}
	if s.tlsProv != nil {
		ln = tls.NewListener(ln, s.tlsProv.ServerConfig())
	}

	s.mu.Lock()
	s.ln = ln
	s.group = &errgroup.Group{}
	s.state = StateRunning
	s.mu.Unlock()

	s.group.Go(s.acceptLoop)
	s.logger.Info("server listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.tlsProv != nil),
	)
	return nil
}

// prepare wires TLS, the built-in services and the dispatcher, then
// freezes the registry. It runs once; a restarted server reuses the
// frozen registry and dispatcher.
func (s *Server) prepare() error {
	if s.prepared {
		return nil
	}
	if s.cfg.TLS.Enabled && s.tlsProv == nil {
		prov, err := NewTLSProvider(s.cfg.TLS)
		if err != nil {
			return err
		}
		s.tlsProv = prov
	}

	if s.cfg.EnableHealthCheck {
		if err := s.registry.Register(s.healthSvc.Desc()); err != nil {
			return fmt.Errorf("failed to register health service: %w", err)
		}
	}
	if s.cfg.EnableReflection {
		refl := reflection.New(s.registry, s.logger)
		if err := s.registry.Register(refl.Desc()); err != nil {
			return fmt.Errorf("failed to register reflection service: %w", err)
		}
	}

	globals := []rpc.Interceptor{
		rpc.LoggingInterceptor(s.logger),
		rpc.MetricsInterceptor(s.metrics),
		rpc.RecoveryInterceptor(s.logger, s.cfg.Debug),
		rpc.TimeoutInterceptor(s.cfg.Timeouts.DefaultTimeout),
	}
	globals = append(globals, s.interceptors...)

	s.dispatcher = rpc.NewDispatcher(s.registry, s.codec, globals, rpc.DispatcherConfig{
		MaxConcurrentRequests: s.cfg.Limits.MaxConcurrentRequests,
		MaxQueuedRequests:     s.cfg.Limits.MaxQueuedRequests,
	}, s.logger)
	s.registry.Freeze()
	s.prepared = true
	return nil
}

func (s *Server) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Server) acceptLoop() error {
	for {
		nc, err := s.ln.Accept()
		if err != nil {
			if s.State() != StateRunning {
				return nil
			}
			utils.LogError(s.logger, err, "failed to accept connection")
			continue
		}

		s.mu.Lock()
		if s.state != StateRunning {
			s.mu.Unlock()
			_ = nc.Close()
			continue
		}
		if s.cfg.Limits.MaxConnections > 0 && len(s.conns) >= s.cfg.Limits.MaxConnections {
			s.mu.Unlock()
			s.logger.Warn("connection refused, at max_connections",
				zap.Int("max", s.cfg.Limits.MaxConnections))
			_ = nc.Close()
			continue
		}
		gc := newGRPCConn(s, nc, s.logger)
		s.conns[gc] = struct{}{}
		s.mu.Unlock()

		s.group.Go(func() error {
			gc.serve()
			s.mu.Lock()
			delete(s.conns, gc)
			s.mu.Unlock()
			return nil
		})
	}
}

// Stop shuts the server down. The graceful path sends GOAWAY on every
// connection and waits for streams to drain up to the configured drain
// timeout; force aborts immediately.
func (s *Server) Stop(force bool) error {
	s.mu.Lock()
	if s.state != StateRunning {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("cannot stop server in state %s", state)
	}
	s.state = StateDraining
	ln := s.ln
	conns := make([]*grpcConn, 0, len(s.conns))
	for gc := range s.conns {
		conns = append(conns, gc)
	}
	s.mu.Unlock()

	s.healthSvc.Shutdown()

	var errs error
	if err := ln.Close(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close listener: %w", err))
	}

	var wg sync.WaitGroup
	for _, gc := range conns {
		wg.Add(1)
		go func(gc *grpcConn) {
			defer wg.Done()
			gc.conn.Shutdown(force)
		}(gc)
	}
	wg.Wait()

	s.setState(StateStopping)
	if err := s.group.Wait(); err != nil {
		errs = multierr.Append(errs, err)
	}

	s.mu.Lock()
	s.ln = nil
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("server stopped", zap.Bool("force", force))
	return errs
}

// ReloadTLS re-reads the certificate chain. Only new connections pick up
// the new material.
func (s *Server) ReloadTLS() error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != StateRunning {
		return fmt.Errorf("cannot reload TLS in state %s", state)
	}
	if s.tlsProv == nil {
		return fmt.Errorf("TLS is not configured")
	}
	if err := s.tlsProv.Reload(); err != nil {
		return err
	}
	s.logger.Info("TLS certificates reloaded")
	return nil
}
