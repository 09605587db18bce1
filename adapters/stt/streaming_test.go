package stt_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/pushtalk/adapters/stt"
	"github.com/satriahrh/pushtalk/domain/entities"
	"github.com/satriahrh/pushtalk/domain/repositories"
	"github.com/satriahrh/pushtalk/internal/metrics"
	"github.com/satriahrh/pushtalk/internal/protocol"
)

var (
	_ repositories.StreamingRecognizer = &stt.StreamingClient{}
	_ repositories.StreamingRecognizer = &stt.MockRecognizer{}
)

type fakeConn struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
	sendErr error
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) frames(t *testing.T) []protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	frames := make([]protocol.Frame, 0, len(c.sent))
	for i, data := range c.sent {
		f, err := protocol.ParseFrame(data)
		if err != nil {
			t.Fatalf("sent frame %d: ParseFrame failed: %v", i, err)
		}
		frames = append(frames, f)
	}
	return frames
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out fakeConns and keeps the handler of each open
type fakeTransport struct {
	mu       sync.Mutex
	endpoint string
	header   http.Header
	handlers []repositories.FrameHandler
	conns    []*fakeConn
	openErr  error
	sendErr  error

	// hang blocks Open, ignoring the context, until the channel is closed.
	hang chan struct{}
}

func (f *fakeTransport) Open(ctx context.Context, endpoint string, header http.Header, handler repositories.FrameHandler) (repositories.Connection, error) {
	f.mu.Lock()
	hang := f.hang
	f.mu.Unlock()
	if hang != nil {
		<-hang
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.endpoint = endpoint
	f.header = header.Clone()
	if f.openErr != nil {
		return nil, f.openErr
	}
	conn := &fakeConn{sendErr: f.sendErr}
	f.conns = append(f.conns, conn)
	f.handlers = append(f.handlers, handler)
	return conn, nil
}

func (f *fakeTransport) opens() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeTransport) last() (*fakeConn, repositories.FrameHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[len(f.conns)-1], f.handlers[len(f.handlers)-1]
}

func newTestClient(t *testing.T, transport repositories.Transport, timeout time.Duration) *stt.StreamingClient {
	t.Helper()
	c := stt.NewStreamingClient(stt.StreamingConfig{
		AppID:          "app-id",
		AccessToken:    "token",
		UID:            "tester",
		ConnectTimeout: timeout,
	}, transport, metrics.New(), zaptest.NewLogger(t))
	t.Cleanup(func() { c.Close() })
	return c
}

func nextEvent(t *testing.T, c *stt.StreamingClient) entities.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within timeout")
		return entities.Event{}
	}
}

func expectStatus(t *testing.T, c *stt.StreamingClient, want entities.Status) entities.Event {
	t.Helper()
	ev := nextEvent(t, c)
	if ev.Type != entities.EventStatus || ev.Status != want {
		t.Fatalf("Expected status %s, got %+v", want, ev)
	}
	return ev
}

func expectResult(t *testing.T, c *stt.StreamingClient, text string, final bool) {
	t.Helper()
	ev := nextEvent(t, c)
	if ev.Type != entities.EventResult || ev.Result == nil {
		t.Fatalf("Expected result event, got %+v", ev)
	}
	if ev.Result.Text != text || ev.Result.IsFinal != final {
		t.Errorf("Expected result %q final=%v, got %q final=%v", text, final, ev.Result.Text, ev.Result.IsFinal)
	}
}

func expectNoEvent(t *testing.T, c *stt.StreamingClient) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("Expected no event, got %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func connect(t *testing.T, c *stt.StreamingClient, requestID string) {
	t.Helper()
	if err := c.Connect(context.Background(), requestID); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	expectStatus(t, c, entities.StatusConnecting)
	expectStatus(t, c, entities.StatusListening)
}

func serverResponse(t *testing.T, text string, seq int32, final bool) []byte {
	t.Helper()
	frame, err := protocol.EncodeServerResponse(protocol.Response{
		Result: protocol.ResponseResult{Text: text},
	}, seq, final)
	if err != nil {
		t.Fatalf("EncodeServerResponse failed: %v", err)
	}
	return frame
}

func TestStreamingClient_ConnectSendsHandshake(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)

	connect(t, c, "req-1")

	if c.State() != entities.ConnectionConnected {
		t.Errorf("Expected state connected, got %s", c.State())
	}
	if transport.endpoint != stt.DefaultEndpoint {
		t.Errorf("Expected default endpoint, got %s", transport.endpoint)
	}

	wantHeaders := map[string]string{
		"X-Api-App-Key":     "app-id",
		"X-Api-Access-Key":  "token",
		"X-Api-Resource-Id": stt.DefaultResourceID,
		"X-Api-Connect-Id":  "req-1",
	}
	for k, v := range wantHeaders {
		if got := transport.header.Get(k); got != v {
			t.Errorf("header %s: expected %q, got %q", k, v, got)
		}
	}

	conn, _ := transport.last()
	frames := conn.frames(t)
	if len(frames) != 1 {
		t.Fatalf("Expected 1 handshake frame, got %d", len(frames))
	}
	hs := frames[0]
	if hs.MessageType != protocol.FullClientRequest || hs.Flags != protocol.PositiveSequence || hs.Sequence != 1 {
		t.Errorf("Unexpected handshake frame: %+v", hs.Header)
	}

	var req protocol.InitRequest
	if err := json.Unmarshal(hs.Payload, &req); err != nil {
		t.Fatalf("handshake payload is not JSON: %v", err)
	}
	if req.User.UID != "tester" {
		t.Errorf("Expected uid tester, got %q", req.User.UID)
	}
	if req.Audio.Rate != 16000 || req.Audio.Bits != 16 || req.Audio.Channel != 1 || req.Audio.Format != "pcm" {
		t.Errorf("Unexpected audio options: %+v", req.Audio)
	}
	if !req.Request.EnablePunc || !req.Request.EnableITN || !req.Request.EnableDDC || !req.Request.ShowUtterances {
		t.Errorf("Expected all recognition features enabled: %+v", req.Request)
	}
	if req.Request.ResultType != "full" {
		t.Errorf("Expected result type full, got %q", req.Request.ResultType)
	}
}

func TestStreamingClient_GeneratesRequestID(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)

	if err := c.Connect(context.Background(), ""); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	ev := expectStatus(t, c, entities.StatusConnecting)
	if ev.RequestID == "" {
		t.Fatal("Expected a generated request id")
	}
	if got := transport.header.Get("X-Api-Connect-Id"); got != ev.RequestID {
		t.Errorf("Expected connect id %q, got %q", ev.RequestID, got)
	}
}

func TestStreamingClient_SequenceNumbers(t *testing.T) {
	for _, n := range []int{0, 1, 5} {
		transport := &fakeTransport{}
		c := newTestClient(t, transport, 0)
		connect(t, c, "")

		for i := 0; i < n; i++ {
			c.SendAudio(make([]byte, 3200))
		}
		c.FinishAudio()
		expectStatus(t, c, entities.StatusProcessing)

		conn, _ := transport.last()
		frames := conn.frames(t)
		if len(frames) != n+2 {
			t.Fatalf("n=%d: expected %d frames, got %d", n, n+2, len(frames))
		}

		for i, f := range frames[1 : n+1] {
			want := int32(i + 2)
			if f.MessageType != protocol.AudioOnlyRequest || f.Sequence != want || f.Flags != protocol.PositiveSequence {
				t.Errorf("n=%d: audio frame %d: expected sequence %d, got %d (%+v)", n, i, want, f.Sequence, f.Header)
			}
			if len(f.Payload) != 3200 {
				t.Errorf("n=%d: audio frame %d: expected 3200 bytes, got %d", n, i, len(f.Payload))
			}
		}

		last := frames[n+1]
		if last.Sequence != -int32(n+2) {
			t.Errorf("n=%d: expected terminating sequence %d, got %d", n, -(n + 2), last.Sequence)
		}
		if last.Flags != protocol.NegativeSequence || len(last.Payload) != 0 {
			t.Errorf("n=%d: unexpected terminating frame %+v with %d bytes", n, last.Header, len(last.Payload))
		}
	}
}

func TestStreamingClient_ConnectTimeout(t *testing.T) {
	hang := make(chan struct{})
	transport := &fakeTransport{hang: hang}
	c := newTestClient(t, transport, 50*time.Millisecond)

	start := time.Now()
	err := c.Connect(context.Background(), "req-timeout")
	elapsed := time.Since(start)
	close(hang)

	if !entities.IsTimeout(err) {
		t.Fatalf("Expected timeout error, got %v", err)
	}
	if elapsed > 2*time.Second {
		t.Errorf("Connect took %s, expected to give up near the timeout", elapsed)
	}
	if c.State() != entities.ConnectionError {
		t.Errorf("Expected state error, got %s", c.State())
	}
	expectStatus(t, c, entities.StatusConnecting)
	expectStatus(t, c, entities.StatusError)

	// The abandoned open completes in the background and is closed.
	deadline := time.Now().Add(time.Second)
	for transport.opens() < 1 {
		if time.Now().After(deadline) {
			t.Fatal("abandoned open never completed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for late, _ := transport.last(); !late.isClosed(); {
		if time.Now().After(deadline) {
			t.Fatal("abandoned connection was not closed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// The error state behaves like disconnected: a new session starts over.
	transport.mu.Lock()
	transport.hang = nil
	transport.mu.Unlock()

	connect(t, c, "req-retry")

	conn, _ := transport.last()
	frames := conn.frames(t)
	if len(frames) != 1 || frames[0].Sequence != 1 {
		t.Errorf("Expected a fresh handshake with sequence 1, got %d frames", len(frames))
	}
	if got := transport.header.Get("X-Api-Connect-Id"); got != "req-retry" {
		t.Errorf("Expected connect id req-retry, got %q", got)
	}
}

func TestStreamingClient_ConnectErrors(t *testing.T) {
	t.Run("transport error", func(t *testing.T) {
		transport := &fakeTransport{openErr: errors.New("connection refused")}
		c := newTestClient(t, transport, 0)

		err := c.Connect(context.Background(), "")
		if entities.ErrorKindOf(err) != entities.ErrorKindTransport {
			t.Fatalf("Expected transport error, got %v", err)
		}
		if c.State() != entities.ConnectionError {
			t.Errorf("Expected state error, got %s", c.State())
		}
	})

	t.Run("handshake send error", func(t *testing.T) {
		transport := &fakeTransport{sendErr: errors.New("broken pipe")}
		c := newTestClient(t, transport, 0)

		err := c.Connect(context.Background(), "")
		if entities.ErrorKindOf(err) != entities.ErrorKindTransport {
			t.Fatalf("Expected transport error, got %v", err)
		}
		conn, _ := transport.last()
		if !conn.isClosed() {
			t.Error("Connection should be closed after a failed handshake")
		}
	})

	t.Run("missing credentials", func(t *testing.T) {
		transport := &fakeTransport{}
		c := stt.NewStreamingClient(stt.StreamingConfig{}, transport, nil, zaptest.NewLogger(t))

		if err := c.Connect(context.Background(), ""); !errors.Is(err, stt.ErrMissingCredentials) {
			t.Fatalf("Expected ErrMissingCredentials, got %v", err)
		}
		if transport.opens() != 0 {
			t.Error("Transport should not be opened without credentials")
		}
	})
}

func TestStreamingClient_ConnectWhileConnected(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)
	connect(t, c, "req-1")

	if err := c.Connect(context.Background(), "req-2"); err != nil {
		t.Fatalf("Expected no-op, got %v", err)
	}
	if transport.opens() != 1 {
		t.Errorf("Expected 1 open, got %d", transport.opens())
	}
	expectNoEvent(t, c)
}

func TestStreamingClient_NotConnected(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)

	c.SendAudio([]byte{1, 2, 3})
	c.FinishAudio()
	c.Disconnect()

	expectNoEvent(t, c)
	if c.State() != entities.ConnectionDisconnected {
		t.Errorf("Expected state disconnected, got %s", c.State())
	}
}

func TestStreamingClient_Scenarios(t *testing.T) {
	t.Run("final result", func(t *testing.T) {
		transport := &fakeTransport{}
		c := newTestClient(t, transport, 0)
		connect(t, c, "req-1")

		for i := 0; i < 5; i++ {
			c.SendAudio(make([]byte, 3200))
		}
		c.FinishAudio()
		expectStatus(t, c, entities.StatusProcessing)

		_, handler := transport.last()
		handler.OnMessage(serverResponse(t, "hello", 4, false))
		handler.OnMessage(serverResponse(t, "hello world", 7, true))

		expectResult(t, c, "hello", false)
		expectResult(t, c, "hello world", true)
		ev := expectStatus(t, c, entities.StatusDone)
		if ev.RequestID != "req-1" {
			t.Errorf("Expected request id req-1, got %q", ev.RequestID)
		}
	})

	t.Run("server error", func(t *testing.T) {
		transport := &fakeTransport{}
		c := newTestClient(t, transport, 0)
		connect(t, c, "")

		c.SendAudio(make([]byte, 3200))

		frame, err := protocol.EncodeServerError(500, "internal error", true)
		if err != nil {
			t.Fatal(err)
		}
		_, handler := transport.last()
		handler.OnMessage(frame)

		ev := nextEvent(t, c)
		if ev.Type != entities.EventError {
			t.Fatalf("Expected error event, got %+v", ev)
		}
		var perr *entities.ProtocolError
		if !errors.As(ev.Err, &perr) {
			t.Fatalf("Expected ProtocolError, got %T", ev.Err)
		}
		if perr.Kind != entities.ErrorKindServer || perr.Code != 500 || perr.Message != "internal error" {
			t.Errorf("Unexpected error: %+v", perr)
		}
		expectStatus(t, c, entities.StatusError)
	})

	t.Run("corrupted frame dropped", func(t *testing.T) {
		transport := &fakeTransport{}
		c := newTestClient(t, transport, 0)
		connect(t, c, "")

		_, handler := transport.last()
		handler.OnMessage(serverResponse(t, "hello", 2, false))
		handler.OnMessage([]byte{0x11, 0x90})
		handler.OnMessage(serverResponse(t, "hello again", 3, false))

		expectResult(t, c, "hello", false)
		expectResult(t, c, "hello again", false)
		expectNoEvent(t, c)

		if c.State() != entities.ConnectionConnected {
			t.Errorf("Expected state connected, got %s", c.State())
		}
	})

	t.Run("ack is silent", func(t *testing.T) {
		transport := &fakeTransport{}
		c := newTestClient(t, transport, 0)
		connect(t, c, "")

		_, handler := transport.last()
		handler.OnMessage(protocol.EncodeServerAck(1))
		expectNoEvent(t, c)
	})
}

func TestStreamingClient_PeerClose(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)
	connect(t, c, "req-1")

	_, handler := transport.last()
	handler.OnClose()

	expectStatus(t, c, entities.StatusIdle)
	if c.State() != entities.ConnectionDisconnected {
		t.Errorf("Expected state disconnected, got %s", c.State())
	}

	// Late audio is dropped, not sent.
	c.SendAudio([]byte{1})
	conn, _ := transport.last()
	if got := len(conn.frames(t)); got != 1 {
		t.Errorf("Expected only the handshake frame, got %d", got)
	}

	c.Disconnect()
	expectNoEvent(t, c)
}

func TestStreamingClient_TransportError(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)
	connect(t, c, "req-1")

	_, handler := transport.last()
	handler.OnError(errors.New("connection reset by peer"))
	handler.OnClose()

	ev := nextEvent(t, c)
	if ev.Type != entities.EventError || entities.ErrorKindOf(ev.Err) != entities.ErrorKindTransport {
		t.Fatalf("Expected transport error event, got %+v", ev)
	}
	expectStatus(t, c, entities.StatusError)
	expectStatus(t, c, entities.StatusIdle)

	if c.State() != entities.ConnectionError {
		t.Errorf("Expected state error, got %s", c.State())
	}

	connect(t, c, "req-2")
	if transport.opens() != 2 {
		t.Errorf("Expected a second open, got %d", transport.opens())
	}
}

func TestStreamingClient_IgnoresStaleConnection(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)
	connect(t, c, "req-1")
	oldConn, oldHandler := transport.last()

	c.Disconnect()
	ev := expectStatus(t, c, entities.StatusIdle)
	if ev.RequestID != "req-1" {
		t.Errorf("Expected idle for req-1, got %q", ev.RequestID)
	}
	if !oldConn.isClosed() {
		t.Error("Disconnect should close the connection")
	}

	connect(t, c, "req-2")

	oldHandler.OnMessage(serverResponse(t, "stale", -5, true))
	oldHandler.OnError(errors.New("late failure"))
	oldHandler.OnClose()
	expectNoEvent(t, c)

	if c.State() != entities.ConnectionConnected {
		t.Errorf("Expected state connected, got %s", c.State())
	}
}

func TestStreamingClient_Close(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)
	connect(t, c, "")

	if err := c.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := c.Connect(context.Background(), ""); !errors.Is(err, stt.ErrClientClosed) {
		t.Errorf("Expected ErrClientClosed, got %v", err)
	}
}

func TestStreamingClient_CloseWithFullEventBuffer(t *testing.T) {
	transport := &fakeTransport{}
	c := newTestClient(t, transport, 0)
	connect(t, c, "")

	_, handler := transport.last()
	for i := 0; i < cap(c.Events()); i++ {
		handler.OnMessage(serverResponse(t, "hello", int32(i+2), false))
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close blocked on a full event buffer")
	}
	if c.State() != entities.ConnectionDisconnected {
		t.Errorf("Expected state disconnected, got %s", c.State())
	}
}
