package health

import (
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"go.wiregrpc.io/server/pkg/core/rpc"
	"go.wiregrpc.io/server/pkg/status"
)

type sliceSource struct {
	msgs [][]byte
}

func (s *sliceSource) Next() ([]byte, error) {
	if len(s.msgs) == 0 {
		return nil, io.EOF
	}
	m := s.msgs[0]
	s.msgs = s.msgs[1:]
	return m, nil
}

type captureSink struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *captureSink) SendMessage(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, append([]byte(nil), p...))
	return nil
}

func (s *captureSink) snapshot() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.sent...)
}

func newDispatcher(t *testing.T, svc *Service) *rpc.Dispatcher {
	t.Helper()
	reg := rpc.NewRegistry()
	require.NoError(t, reg.Register(svc.Desc()))
	reg.Freeze()
	return rpc.NewDispatcher(reg, rpc.RawCodec{}, nil, rpc.DispatcherConfig{}, zap.NewNop())
}

func checkRequest(service string) []byte {
	if service == "" {
		return nil
	}
	// HealthCheckRequest{ service = 1 }, hand-rolled for short names.
	out := []byte{0x0a, byte(len(service))}
	return append(out, service...)
}

func decodeStatus(t *testing.T, resp []byte) ServingStatus {
	t.Helper()
	require.GreaterOrEqual(t, len(resp), 2)
	require.Equal(t, byte(0x08), resp[0])
	return ServingStatus(resp[1])
}

func TestCheckOverall(t *testing.T) {
	svc := New(zap.NewNop())
	d := newDispatcher(t, svc)

	sink := &captureSink{}
	ctx := rpc.NewCallContext(rpc.ContextParams{Method: "/grpc.health.v1.Health/Check"})
	st := d.Dispatch(ctx, &sliceSource{msgs: [][]byte{checkRequest("")}}, sink)
	assert.Equal(t, status.CodeOK, st.Code)
	require.Len(t, sink.sent, 1)
	assert.Equal(t, StatusServing, decodeStatus(t, sink.sent[0]))
}

func TestCheckUnknownService(t *testing.T) {
	svc := New(zap.NewNop())
	d := newDispatcher(t, svc)

	ctx := rpc.NewCallContext(rpc.ContextParams{Method: "/grpc.health.v1.Health/Check"})
	st := d.Dispatch(ctx, &sliceSource{msgs: [][]byte{checkRequest("no.such.Svc")}}, &captureSink{})
	assert.Equal(t, status.CodeNotFound, st.Code)
}

func TestSetStatusAndCheck(t *testing.T) {
	svc := New(zap.NewNop())
	svc.SetStatus("demo.Echo", StatusServing)

	st, err := svc.Check("demo.Echo")
	require.NoError(t, err)
	assert.Equal(t, StatusServing, st)

	svc.SetStatus("demo.Echo", StatusNotServing)
	st, err = svc.Check("demo.Echo")
	require.NoError(t, err)
	assert.Equal(t, StatusNotServing, st)
}

func TestShutdownFlipsAllToNotServing(t *testing.T) {
	svc := New(zap.NewNop())
	svc.SetStatus("demo.Echo", StatusServing)
	svc.Shutdown()

	st, err := svc.Check("")
	require.NoError(t, err)
	assert.Equal(t, StatusNotServing, st)
	st, err = svc.Check("demo.Echo")
	require.NoError(t, err)
	assert.Equal(t, StatusNotServing, st)

	// Post-shutdown upgrades are ignored.
	svc.SetStatus("demo.Echo", StatusServing)
	st, _ = svc.Check("demo.Echo")
	assert.Equal(t, StatusNotServing, st)
}

func TestWatchStreamsChanges(t *testing.T) {
	svc := New(zap.NewNop())
	svc.SetStatus("demo.Echo", StatusServing)
	d := newDispatcher(t, svc)

	sink := &captureSink{}
	ctx := rpc.NewCallContext(rpc.ContextParams{Method: "/grpc.health.v1.Health/Watch"})
	done := make(chan *status.Error, 1)
	go func() {
		done <- d.Dispatch(ctx, &sliceSource{msgs: [][]byte{checkRequest("demo.Echo")}}, sink)
	}()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 },
		2*time.Second, 5*time.Millisecond, "initial status never arrived")
	assert.Equal(t, StatusServing, decodeStatus(t, sink.snapshot()[0]))

	svc.SetStatus("demo.Echo", StatusNotServing)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 },
		2*time.Second, 5*time.Millisecond, "status change never arrived")
	assert.Equal(t, StatusNotServing, decodeStatus(t, sink.snapshot()[1]))

	ctx.Cancel(status.New(status.CodeCancelled, "client went away"))
	select {
	case st := <-done:
		assert.Equal(t, status.CodeCancelled, st.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("watch handler never returned after cancel")
	}
}

func TestWatchUnknownServiceReportsServiceUnknown(t *testing.T) {
	svc := New(zap.NewNop())
	d := newDispatcher(t, svc)

	sink := &captureSink{}
	ctx := rpc.NewCallContext(rpc.ContextParams{Method: "/grpc.health.v1.Health/Watch"})
	go d.Dispatch(ctx, &sliceSource{msgs: [][]byte{checkRequest("later.Svc")}}, sink)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusServiceUnknown, decodeStatus(t, sink.snapshot()[0]))

	svc.SetStatus("later.Svc", StatusServing)
	require.Eventually(t, func() bool { return len(sink.snapshot()) == 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, StatusServing, decodeStatus(t, sink.snapshot()[1]))
	ctx.Cancel(status.New(status.CodeCancelled, "done"))
}
