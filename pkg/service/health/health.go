// Package health implements the grpc.health.v1.Health service: a
// process-local serving-status map with a unary Check and a streaming
// Watch that pushes every subsequent change.
package health

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

	"go.wiregrpc.io/server/pkg/core/rpc"
	"go.wiregrpc.io/server/pkg/status"
)

// ServiceName is the registered name of the health service.
const ServiceName = "grpc.health.v1.Health"

// ServingStatus mirrors the wire enum of HealthCheckResponse.status.
type ServingStatus int32

const (
	StatusUnknown        ServingStatus = 0
	StatusServing        ServingStatus = 1
	StatusNotServing     ServingStatus = 2
	StatusServiceUnknown ServingStatus = 3
)

func (s ServingStatus) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusServing:
		return "SERVING"
	case StatusNotServing:
		return "NOT_SERVING"
	case StatusServiceUnknown:
		return "SERVICE_UNKNOWN"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// Service is the health registry. The empty service name tracks the
// overall server health and starts as SERVING.
type Service struct {
	logger *zap.Logger

	mu       sync.Mutex
	statuses map[string]ServingStatus
	watchers map[string]map[chan ServingStatus]struct{}
	shutdown bool
}

// New returns a health service reporting overall SERVING.
func New(logger *zap.Logger) *Service {
	return &Service{
		logger:   logger,
		statuses: map[string]ServingStatus{"": StatusServing},
		watchers: make(map[string]map[chan ServingStatus]struct{}),
	}
}

// SetStatus updates the status for service and notifies its watchers.
// After Shutdown only NOT_SERVING updates are honored.
func (s *Service) SetStatus(service string, st ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown && st != StatusNotServing {
		s.logger.Debug("health status change ignored after shutdown",
			zap.String("service", service), zap.String("status", st.String()))
		return
	}
	s.setStatusLocked(service, st)
}

// Shutdown flips every tracked service, the overall entry included, to
// NOT_SERVING.
func (s *Service) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdown = true
	for service := range s.statuses {
		s.setStatusLocked(service, StatusNotServing)
	}
}

func (s *Service) setStatusLocked(service string, st ServingStatus) {
	if prev, tracked := s.statuses[service]; tracked && prev == st {
		return
	}
	s.statuses[service] = st
	for ch := range s.watchers[service] {
		// A watcher that has not drained the previous update gets the
		// newest value only.
		select {
		case ch <- st:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
}

// Check returns the current status for service; the empty name means the
// overall server health. Unknown services fail with NOT_FOUND.
func (s *Service) Check(service string) (ServingStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.statuses[service]
	if !ok {
		return StatusServiceUnknown, status.Newf(status.CodeNotFound, "unknown service %q", service)
	}
	return st, nil
}

// watch subscribes to service and returns the current status plus the
// update channel. Unknown services observe SERVICE_UNKNOWN until a status
// is set.
func (s *Service) watch(service string) (ServingStatus, chan ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan ServingStatus, 1)
	if s.watchers[service] == nil {
		s.watchers[service] = make(map[chan ServingStatus]struct{})
	}
	s.watchers[service][ch] = struct{}{}
	st, ok := s.statuses[service]
	if !ok {
		st = StatusServiceUnknown
	}
	return st, ch
}

func (s *Service) unwatch(service string, ch chan ServingStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.watchers[service], ch)
	if len(s.watchers[service]) == 0 {
		delete(s.watchers, service)
	}
}

// Desc returns the service descriptor for registration. Handlers work on
// raw payload bytes through the RawCodec.
func (s *Service) Desc() *rpc.ServiceDesc {
	return &rpc.ServiceDesc{
		Name: ServiceName,
		Methods: []rpc.MethodDesc{
			{
				Name:       "Check",
				Pattern:    rpc.Unary,
				InputType:  "grpc.health.v1.HealthCheckRequest",
				OutputType: "grpc.health.v1.HealthCheckResponse",
				Handler:    rpc.UnaryHandler(s.handleCheck),
			},
			{
				Name:       "Watch",
				Pattern:    rpc.ServerStreaming,
				InputType:  "grpc.health.v1.HealthCheckRequest",
				OutputType: "grpc.health.v1.HealthCheckResponse",
				Handler:    rpc.ServerStreamHandler(s.handleWatch),
			},
		},
	}
}

func (s *Service) handleCheck(_ *rpc.CallContext, req any) (any, error) {
	service, err := decodeCheckRequest(req.([]byte))
	if err != nil {
		return nil, status.Newf(status.CodeInvalidArgument, "malformed check request: %v", err)
	}
	st, err := s.Check(service)
	if err != nil {
		return nil, err
	}
	return encodeCheckResponse(st), nil
}

func (s *Service) handleWatch(ctx *rpc.CallContext, req any, send *rpc.Sender) error {
	service, err := decodeCheckRequest(req.([]byte))
	if err != nil {
		return status.Newf(status.CodeInvalidArgument, "malformed watch request: %v", err)
	}
	current, updates := s.watch(service)
	defer s.unwatch(service, updates)

	if err := send.Send(encodeCheckResponse(current)); err != nil {
		return err
	}
	last := current
	for {
		select {
		case <-ctx.Done():
			return ctx.Err().Err()
		case st := <-updates:
			if st == last {
				continue
			}
			last = st
			if err := send.Send(encodeCheckResponse(st)); err != nil {
				return err
			}
		}
	}
}

// decodeCheckRequest parses HealthCheckRequest{ service = 1 }.
func decodeCheckRequest(b []byte) (string, error) {
	var service string
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
		if num == 1 && typ == protowire.BytesType {
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return "", protowire.ParseError(n)
			}
			service = v
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return "", protowire.ParseError(n)
		}
		b = b[n:]
	}
	return service, nil
}

// encodeCheckResponse builds HealthCheckResponse{ status = 1 }.
func encodeCheckResponse(st ServingStatus) []byte {
	var out []byte
	out = protowire.AppendTag(out, 1, protowire.VarintType)
	out = protowire.AppendVarint(out, uint64(st))
	return out
}
