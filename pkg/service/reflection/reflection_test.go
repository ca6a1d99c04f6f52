package reflection

import (
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"

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

func testRegistry(t *testing.T) *rpc.Registry {
	t.Helper()
	reg := rpc.NewRegistry()
	require.NoError(t, reg.Register(&rpc.ServiceDesc{
		Name: "demo.Echo",
		Methods: []rpc.MethodDesc{
			{Name: "UnaryEcho", Pattern: rpc.Unary},
		},
		FileName:       "demo/echo.proto",
		FileDescriptor: []byte("serialized-file-descriptor"),
	}))
	return reg
}

func dispatchOne(t *testing.T, reg *rpc.Registry, reqs ...[]byte) [][]byte {
	t.Helper()
	svc := New(reg, zap.NewNop())
	require.NoError(t, reg.Register(svc.Desc()))
	reg.Freeze()
	d := rpc.NewDispatcher(reg, rpc.RawCodec{}, nil, rpc.DispatcherConfig{}, zap.NewNop())

	sink := &captureSink{}
	ctx := rpc.NewCallContext(rpc.ContextParams{Method: "/" + ServiceName + "/ServerReflectionInfo"})
	st := d.Dispatch(ctx, &sliceSource{msgs: reqs}, sink)
	require.Equal(t, status.CodeOK, st.Code)
	require.Len(t, sink.sent, len(reqs))
	return sink.sent
}

// responseFields splits the top-level fields of a reflection response.
func responseFields(t *testing.T, b []byte) map[protowire.Number][]byte {
	t.Helper()
	fields := make(map[protowire.Number][]byte)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		require.GreaterOrEqual(t, n, 0)
		b = b[n:]
		require.Equal(t, protowire.BytesType, typ)
		v, n := protowire.ConsumeBytes(b)
		require.GreaterOrEqual(t, n, 0)
		fields[num] = v
		b = b[n:]
	}
	return fields
}

func listServicesRequest() []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldListServices, protowire.BytesType)
	out = protowire.AppendString(out, "*")
	return out
}

func symbolRequest(symbol string) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldFileContainingSymbol, protowire.BytesType)
	out = protowire.AppendString(out, symbol)
	return out
}

func filenameRequest(name string) []byte {
	var out []byte
	out = protowire.AppendTag(out, fieldFileByFilename, protowire.BytesType)
	out = protowire.AppendString(out, name)
	return out
}

func TestListServices(t *testing.T) {
	resp := dispatchOne(t, testRegistry(t), listServicesRequest())
	fields := responseFields(t, resp[0])

	list, ok := fields[respFieldListServicesResp]
	require.True(t, ok, "expected a list_services_response")

	var names []string
	for len(list) > 0 {
		num, _, n := protowire.ConsumeTag(list)
		require.GreaterOrEqual(t, n, 0)
		list = list[n:]
		svc, n := protowire.ConsumeBytes(list)
		require.GreaterOrEqual(t, n, 0)
		list = list[n:]
		require.Equal(t, protowire.Number(listRespFieldService), num)

		_, _, tn := protowire.ConsumeTag(svc)
		name, vn := protowire.ConsumeString(svc[tn:])
		require.GreaterOrEqual(t, vn, 0)
		names = append(names, name)
	}
	assert.Equal(t, []string{"demo.Echo", ServiceName}, names)
}

func TestFileContainingSymbol(t *testing.T) {
	resps := dispatchOne(t, testRegistry(t),
		symbolRequest("demo.Echo"),
		symbolRequest("demo.Echo.UnaryEcho"),
		symbolRequest("demo.Missing"),
	)

	for _, resp := range resps[:2] {
		fields := responseFields(t, resp)
		fd, ok := fields[respFieldFileDescriptors]
		require.True(t, ok, "expected a file_descriptor_response")
		_, _, n := protowire.ConsumeTag(fd)
		blob, bn := protowire.ConsumeBytes(fd[n:])
		require.GreaterOrEqual(t, bn, 0)
		assert.Equal(t, []byte("serialized-file-descriptor"), blob)
	}

	// Miss is an embedded error, not a stream failure.
	fields := responseFields(t, resps[2])
	er, ok := fields[respFieldErrorResponse]
	require.True(t, ok, "expected an error_response")
	code, n := protowire.ConsumeVarint(er[1:])
	require.GreaterOrEqual(t, n, 0)
	assert.Equal(t, uint64(status.CodeNotFound), code)
}

func TestFileByFilename(t *testing.T) {
	resps := dispatchOne(t, testRegistry(t),
		filenameRequest("demo/echo.proto"),
		filenameRequest("other.proto"),
	)

	fields := responseFields(t, resps[0])
	_, ok := fields[respFieldFileDescriptors]
	assert.True(t, ok)

	fields = responseFields(t, resps[1])
	_, ok = fields[respFieldErrorResponse]
	assert.True(t, ok)
}

func TestUnknownRequestKind(t *testing.T) {
	// A request with only a host set matches no variant.
	var req []byte
	req = protowire.AppendTag(req, fieldHost, protowire.BytesType)
	req = protowire.AppendString(req, "localhost")

	resps := dispatchOne(t, testRegistry(t), req)
	fields := responseFields(t, resps[0])
	er, ok := fields[respFieldErrorResponse]
	require.True(t, ok)
	code, _ := protowire.ConsumeVarint(er[1:])
	assert.Equal(t, uint64(status.CodeUnimplemented), code)
	assert.Equal(t, []byte("localhost"), fields[respFieldValidHost])
}

func TestSymbolCache(t *testing.T) {
	reg := testRegistry(t)
	svc := New(reg, zap.NewNop())
	reg.Freeze()

	blob, ok := svc.fileContainingSymbol("demo.Echo")
	require.True(t, ok)
	assert.Equal(t, []byte("serialized-file-descriptor"), blob)

	// Second lookup is served from the cache.
	cached, ok := svc.symbols.Get("demo.Echo")
	require.True(t, ok)
	assert.Equal(t, blob, cached)
}
