package http2

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	xhttp2 "golang.org/x/net/http2"
	xhpack "golang.org/x/net/http2/hpack"

	"go.wiregrpc.io/server/pkg/status"
)

func testConfig() Config {
	return Config{
		MaxFrameSize:         DefaultMaxFrameSize,
		MaxConcurrentStreams: 128,
		InitialWindowSize:    DefaultInitialWindowSize,
		HeaderTableSize:      4096,
		DrainTimeout:         time.Second,
	}
}

// testPeer drives the client side of a connection with the reference
// framer, so the server is validated against an independent implementation.
type testPeer struct {
	t      *testing.T
	nc     net.Conn
	fr     *xhttp2.Framer
	henc   *xhpack.Encoder
	hbuf   bytes.Buffer
	serveC chan error
}

func startTestConn(t *testing.T, cfg Config, handler StreamHandler) *testPeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	serveC := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			serveC <- err
			return
		}
		serveC <- NewConn(nc, cfg, zap.NewNop(), handler).Serve()
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	p := &testPeer{t: t, nc: nc, fr: xhttp2.NewFramer(nc, nc), serveC: serveC}
	p.henc = xhpack.NewEncoder(&p.hbuf)

	_, err = io.WriteString(nc, xhttp2.ClientPreface)
	require.NoError(t, err)
	return p
}

func (p *testPeer) encodeHeaders(kv ...string) []byte {
	p.hbuf.Reset()
	for i := 0; i < len(kv); i += 2 {
		require.NoError(p.t, p.henc.WriteField(xhpack.HeaderField{Name: kv[i], Value: kv[i+1]}))
	}
	return append([]byte(nil), p.hbuf.Bytes()...)
}

func (p *testPeer) requestHeaders(path string) []byte {
	return p.encodeHeaders(
		":method", "POST",
		":scheme", "http",
		":path", path,
		":authority", "localhost",
		"content-type", "application/grpc",
		"te", "trailers",
	)
}

// readFrame reads one frame with a deadline so tests fail fast.
func (p *testPeer) readFrame() (xhttp2.Frame, error) {
	_ = p.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	return p.fr.ReadFrame()
}

func TestServerFirstFrameIsSettings(t *testing.T) {
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {})

	f, err := p.readFrame()
	require.NoError(t, err)
	sf, ok := f.(*xhttp2.SettingsFrame)
	require.True(t, ok, "first frame was %T, want SETTINGS", f)
	assert.False(t, sf.IsAck())
}

func TestSettingsAckedExactlyOnce(t *testing.T) {
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {})

	require.NoError(t, p.fr.WriteSettings(xhttp2.Setting{ID: xhttp2.SettingInitialWindowSize, Val: 65535}))

	acks := 0
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && acks == 0 {
		f, err := p.readFrame()
		require.NoError(t, err)
		if sf, ok := f.(*xhttp2.SettingsFrame); ok && sf.IsAck() {
			acks++
			assert.Equal(t, uint32(0), sf.Header().Length)
		}
	}
	assert.Equal(t, 1, acks)
}

func TestPingEchoedWithAck(t *testing.T) {
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {})

	payload := [8]byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, p.fr.WritePing(false, payload))

	for {
		f, err := p.readFrame()
		require.NoError(t, err)
		if pf, ok := f.(*xhttp2.PingFrame); ok {
			require.True(t, pf.IsAck())
			assert.Equal(t, payload, pf.Data)
			return
		}
	}
}

func TestStreamEchoData(t *testing.T) {
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {
		_ = s.WriteHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false)
		for {
			chunk, err := s.ReadChunk()
			if err != nil {
				break
			}
			if err := s.WriteData(chunk, false); err != nil {
				return
			}
		}
		_ = s.WriteData(nil, true)
	})

	require.NoError(t, p.fr.WriteSettings())
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: p.requestHeaders("/echo.Echo/Stream"),
		EndHeaders:    true,
	}))
	require.NoError(t, p.fr.WriteData(1, true, []byte("ping-pong")))

	var got []byte
	sawEnd := false
	for !sawEnd {
		f, err := p.readFrame()
		require.NoError(t, err)
		if df, ok := f.(*xhttp2.DataFrame); ok {
			got = append(got, df.Data()...)
			sawEnd = df.StreamEnded()
		}
	}
	assert.Equal(t, "ping-pong", string(got))
}

func TestHeaderBlockFragmentedAcrossContinuation(t *testing.T) {
	headersCh := make(chan []HeaderField, 1)
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {
		headersCh <- h
		_ = s.WriteHeaders([]HeaderField{{Name: ":status", Value: "200"}}, true)
	})

	block := p.requestHeaders("/svc.S/M")
	split := len(block) / 2
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block[:split],
		EndStream:     true,
		EndHeaders:    false,
	}))
	require.NoError(t, p.fr.WriteContinuation(1, true, block[split:]))

	select {
	case h := <-headersCh:
		var path string
		for _, f := range h {
			if f.Name == ":path" {
				path = f.Value
			}
		}
		assert.Equal(t, "/svc.S/M", path)
	case <-time.After(2 * time.Second):
		t.Fatal("handler never saw the fragmented header block")
	}
}

func TestInterleavedContinuationIsProtocolError(t *testing.T) {
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {})

	block := p.requestHeaders("/svc.S/M")
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: block[:4],
		EndHeaders:    false,
	}))
	// A PING in the middle of a header block is a connection error.
	require.NoError(t, p.fr.WritePing(false, [8]byte{}))

	for {
		f, err := p.readFrame()
		require.NoError(t, err)
		if ga, ok := f.(*xhttp2.GoAwayFrame); ok {
			assert.Equal(t, xhttp2.ErrCodeProtocol, ga.ErrCode)
			return
		}
	}
}

func TestNonMonotonicStreamIDIsProtocolError(t *testing.T) {
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {
		_ = s.WriteHeaders([]HeaderField{{Name: ":status", Value: "200"}}, true)
	})

	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      5,
		BlockFragment: p.requestHeaders("/svc.S/M"),
		EndStream:     true,
		EndHeaders:    true,
	}))
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      3, // lower than 5: must be rejected
		BlockFragment: p.requestHeaders("/svc.S/M"),
		EndStream:     true,
		EndHeaders:    true,
	}))

	for {
		f, err := p.readFrame()
		require.NoError(t, err)
		if ga, ok := f.(*xhttp2.GoAwayFrame); ok {
			assert.Equal(t, xhttp2.ErrCodeProtocol, ga.ErrCode)
			return
		}
	}
}

func TestFlowControlSuspendAndResume(t *testing.T) {
	const total = 200000
	sendResult := make(chan error, 1)
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {
		_ = s.WriteHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false)
		sendResult <- s.WriteData(make([]byte, total), true)
	})

	require.NoError(t, p.fr.WriteSettings())
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: p.requestHeaders("/big.Big/Pull"),
		EndStream:     true,
		EndHeaders:    true,
	}))

	// Without WINDOW_UPDATE the server must stop at the 65535-byte window.
	received := 0
	for received < DefaultInitialWindowSize {
		f, err := p.readFrame()
		require.NoError(t, err)
		if df, ok := f.(*xhttp2.DataFrame); ok {
			received += len(df.Data())
			assert.LessOrEqual(t, len(df.Data()), DefaultMaxFrameSize)
		}
	}
	assert.Equal(t, DefaultInitialWindowSize, received)

	// The send must now be suspended: no more DATA.
	_ = p.nc.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	f, err := p.fr.ReadFrame()
	if err == nil {
		_, isData := f.(*xhttp2.DataFrame)
		assert.False(t, isData, "server sent DATA past the flow-control window")
	}

	// Grant credit on both scopes; the next window's worth must flow.
	require.NoError(t, p.fr.WriteWindowUpdate(0, DefaultInitialWindowSize))
	require.NoError(t, p.fr.WriteWindowUpdate(1, DefaultInitialWindowSize))
	for received < 2*DefaultInitialWindowSize {
		f, err := p.readFrame()
		require.NoError(t, err)
		if df, ok := f.(*xhttp2.DataFrame); ok {
			received += len(df.Data())
		}
	}
	assert.Equal(t, 2*DefaultInitialWindowSize, received)

	// Release the rest so the handler finishes cleanly.
	require.NoError(t, p.fr.WriteWindowUpdate(0, total))
	require.NoError(t, p.fr.WriteWindowUpdate(1, total))
	select {
	case err := <-sendResult:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler send never completed")
	}
}

func TestAbortStreamIOUnblocksSendAndKeepsStreamWritable(t *testing.T) {
	results := make(chan error, 2)
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {
		_ = s.WriteHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false)
		go func() {
			time.Sleep(200 * time.Millisecond)
			s.conn.AbortStreamIO(s, status.New(status.CodeDeadlineExceeded, "context deadline exceeded"))
		}()
		// Far more than the peer's window; this send parks in flow control.
		results <- s.WriteData(make([]byte, 200000), false)
		results <- s.WriteHeaders([]HeaderField{{Name: "grpc-status", Value: "4"}}, true)
	})

	require.NoError(t, p.fr.WriteSettings())
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: p.requestHeaders("/svc.S/M"),
		EndStream:     true,
		EndHeaders:    true,
	}))

	// Drain frames on the side so the server's writer never stalls on a
	// full socket buffer; report the END_STREAM trailers when they arrive.
	trailersSeen := make(chan struct{}, 1)
	go func() {
		for {
			_ = p.nc.SetReadDeadline(time.Now().Add(5 * time.Second))
			f, err := p.fr.ReadFrame()
			if err != nil {
				return
			}
			if hf, ok := f.(*xhttp2.HeadersFrame); ok && hf.StreamEnded() {
				trailersSeen <- struct{}{}
				return
			}
		}
	}()

	select {
	case err := <-results:
		assert.Equal(t, status.CodeDeadlineExceeded, status.Convert(err).Code)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked send not released")
	}
	select {
	case err := <-results:
		assert.NoError(t, err, "trailers must still be writable after the abort")
	case <-time.After(2 * time.Second):
		t.Fatal("trailer write never completed")
	}
	select {
	case <-trailersSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("trailers never reached the peer")
	}
}

func TestAbortStreamIOUnblocksRead(t *testing.T) {
	readErr := make(chan error, 1)
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {
		go func() {
			time.Sleep(100 * time.Millisecond)
			s.conn.AbortStreamIO(s, status.New(status.CodeDeadlineExceeded, "context deadline exceeded"))
		}()
		_, err := s.ReadChunk()
		readErr <- err
	})

	require.NoError(t, p.fr.WriteSettings())
	// No DATA and no END_STREAM: only the abort can release the read.
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: p.requestHeaders("/svc.S/M"),
		EndHeaders:    true,
	}))

	select {
	case err := <-readErr:
		assert.Equal(t, status.CodeDeadlineExceeded, status.Convert(err).Code)
	case <-time.After(2 * time.Second):
		t.Fatal("blocked read not released")
	}
}

func TestDataOnIdleStreamIsStreamError(t *testing.T) {
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {})

	require.NoError(t, p.fr.WriteSettings())
	require.NoError(t, p.fr.WriteData(5, false, []byte("stray")))

	sawReset := false
	for !sawReset {
		f, err := p.readFrame()
		require.NoError(t, err)
		if rst, ok := f.(*xhttp2.RSTStreamFrame); ok {
			assert.Equal(t, uint32(5), rst.Header().StreamID)
			assert.Equal(t, xhttp2.ErrCodeStreamClosed, rst.ErrCode)
			sawReset = true
		}
	}

	// The connection survives the stray DATA: a ping still round-trips.
	require.NoError(t, p.fr.WritePing(false, [8]byte{9}))
	for {
		f, err := p.readFrame()
		require.NoError(t, err)
		if pf, ok := f.(*xhttp2.PingFrame); ok && pf.IsAck() {
			return
		}
	}
}

func TestClientResetCancelsStream(t *testing.T) {
	sendErr := make(chan error, 1)
	started := make(chan struct{})
	p := startTestConn(t, testConfig(), func(s *Stream, h []HeaderField) {
		_ = s.WriteHeaders([]HeaderField{{Name: ":status", Value: "200"}}, false)
		close(started)
		for {
			// Keep sending until the reset lands.
			if err := s.WriteData(make([]byte, 1024), false); err != nil {
				sendErr <- err
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: p.requestHeaders("/svc.S/M"),
		EndStream:     true,
		EndHeaders:    true,
	}))
	<-started
	require.NoError(t, p.fr.WriteRSTStream(1, xhttp2.ErrCodeCancel))

	select {
	case err := <-sendErr:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler send not unblocked by client reset")
	}
}

func TestKeepalivePeriodNotStretchedByAck(t *testing.T) {
	cfg := testConfig()
	cfg.KeepaliveInterval = 100 * time.Millisecond
	cfg.KeepaliveTimeout = 5 * time.Second
	p := startTestConn(t, cfg, func(s *Stream, h []HeaderField) {})

	require.NoError(t, p.fr.WriteSettings())

	// Acking promptly must bring the next ping after one interval, not
	// after interval plus the ack timeout.
	pings := 0
	deadline := time.Now().Add(2 * time.Second)
	for pings < 3 && time.Now().Before(deadline) {
		f, err := p.readFrame()
		require.NoError(t, err)
		if pf, ok := f.(*xhttp2.PingFrame); ok && !pf.IsAck() {
			pings++
			require.NoError(t, p.fr.WritePing(true, pf.Data))
		}
	}
	assert.GreaterOrEqual(t, pings, 3)
}

func TestMaxConcurrentStreamsRefused(t *testing.T) {
	cfg := testConfig()
	cfg.MaxConcurrentStreams = 1
	block := make(chan struct{})
	p := startTestConn(t, cfg, func(s *Stream, h []HeaderField) {
		<-block
		_ = s.WriteHeaders([]HeaderField{{Name: ":status", Value: "200"}}, true)
	})
	defer close(block)

	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      1,
		BlockFragment: p.requestHeaders("/svc.S/M"),
		EndStream:     true,
		EndHeaders:    true,
	}))
	require.NoError(t, p.fr.WriteHeaders(xhttp2.HeadersFrameParam{
		StreamID:      3,
		BlockFragment: p.requestHeaders("/svc.S/M"),
		EndStream:     true,
		EndHeaders:    true,
	}))

	for {
		f, err := p.readFrame()
		require.NoError(t, err)
		if rst, ok := f.(*xhttp2.RSTStreamFrame); ok {
			assert.Equal(t, uint32(3), rst.Header().StreamID)
			assert.Equal(t, xhttp2.ErrCodeRefusedStream, rst.ErrCode)
			return
		}
	}
}

func TestBadPrefaceClosesSilently(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serveC := make(chan error, 1)
	go func() {
		nc, err := ln.Accept()
		if err != nil {
			serveC <- err
			return
		}
		serveC <- NewConn(nc, testConfig(), zap.NewNop(), func(s *Stream, h []HeaderField) {}).Serve()
	}()

	nc, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer nc.Close()

	_, err = io.WriteString(nc, "GET / HTTP/1.1\r\nHost: x\r\n\r\npadpadpad")
	require.NoError(t, err)

	// No response bytes at all: the read must hit EOF.
	_ = nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	_, err = nc.Read(buf)
	assert.ErrorIs(t, err, io.EOF)

	require.Error(t, <-serveC)
}
