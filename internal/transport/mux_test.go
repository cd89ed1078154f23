package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// socketServer is a WebSocket endpoint that records client frames and can
// push server frames down the latest connection.
type socketServer struct {
	*httptest.Server

	upgrader websocket.Upgrader
	frames   chan clientFrame

	mu   sync.Mutex
	conn *websocket.Conn
}

func newSocketServer(t *testing.T) *socketServer {
	t.Helper()
	s := &socketServer{frames: make(chan clientFrame, 32)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conn = conn
		s.mu.Unlock()
		for {
			var frame clientFrame
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.frames <- frame
		}
	}))
	t.Cleanup(s.Server.Close)
	return s
}

func (s *socketServer) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func (s *socketServer) push(t *testing.T, frame serverFrame) {
	t.Helper()
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		t.Fatal("no active socket connection")
	}
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("push frame: %v", err)
	}
}

func (s *socketServer) dropConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (s *socketServer) nextFrame(t *testing.T) clientFrame {
	t.Helper()
	select {
	case frame := <-s.frames:
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client frame")
		return clientFrame{}
	}
}

func waitForState(t *testing.T, m *Mux, want SocketState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", m.State(), want)
}

func TestMuxSubscribeOpensSocket(t *testing.T) {
	server := newSocketServer(t)
	m := NewMux(server.wsURL, MergePolicy{}, nil)
	defer m.Close()

	if err := m.Subscribe(context.Background(), "notes", func([]json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if got := m.State(); got != StateOpen {
		t.Fatalf("state = %v", got)
	}
	frame := server.nextFrame(t)
	if frame.Action != "subscribe" || frame.Collection != "notes" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestMuxQueuedSubscriptionsFlushOnce(t *testing.T) {
	server := newSocketServer(t)

	// Hold the dial in the url callback so further subscriptions land
	// while the mux is still connecting.
	dialGate := make(chan struct{})
	urlFn := func() string {
		<-dialGate
		return server.wsURL()
	}
	m := NewMux(urlFn, MergePolicy{}, nil)
	defer m.Close()

	firstDone := make(chan error, 1)
	go func() {
		firstDone <- m.Subscribe(context.Background(), "notes", func([]json.RawMessage) {})
	}()
	waitForState(t, m, StateConnecting)

	if err := m.Subscribe(context.Background(), "contacts", func([]json.RawMessage) {}); err != nil {
		t.Fatalf("queued Subscribe: %v", err)
	}
	if err := m.Subscribe(context.Background(), "profiles", func([]json.RawMessage) {}); err != nil {
		t.Fatalf("queued Subscribe: %v", err)
	}
	close(dialGate)

	if err := <-firstDone; err != nil {
		t.Fatalf("connecting Subscribe: %v", err)
	}
	waitForState(t, m, StateOpen)

	seen := map[string]int{}
	for i := 0; i < 3; i++ {
		frame := server.nextFrame(t)
		if frame.Action != "subscribe" {
			t.Fatalf("unexpected action %q", frame.Action)
		}
		seen[frame.Collection]++
	}
	for _, collection := range []string{"notes", "contacts", "profiles"} {
		if seen[collection] != 1 {
			t.Fatalf("collection %s subscribed %d times", collection, seen[collection])
		}
	}
	select {
	case frame := <-server.frames:
		t.Fatalf("extra frame after flush: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMuxDispatchesUpdates(t *testing.T) {
	server := newSocketServer(t)
	m := NewMux(server.wsURL, MergePolicy{}, nil)
	defer m.Close()

	delivered := make(chan []json.RawMessage, 1)
	if err := m.Subscribe(context.Background(), "notes", func(docs []json.RawMessage) {
		delivered <- docs
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	server.nextFrame(t)

	server.push(t, serverFrame{
		Type:       "update",
		Collection: "notes",
		Data:       json.RawMessage(`[{"id":"n1"},{"id":"n2"}]`),
	})

	select {
	case docs := <-delivered:
		if len(docs) != 2 {
			t.Fatalf("delivered %d docs", len(docs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update never delivered")
	}

	// Frames for collections nobody subscribed to are dropped.
	server.push(t, serverFrame{Type: "update", Collection: "other", Data: json.RawMessage(`{}`)})
	select {
	case docs := <-delivered:
		t.Fatalf("unexpected delivery: %v", docs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMuxDispatchFiltersMalformedDocuments(t *testing.T) {
	server := newSocketServer(t)
	m := NewMux(server.wsURL, MergePolicy{}, nil)
	defer m.Close()

	delivered := make(chan []json.RawMessage, 1)
	if err := m.Subscribe(context.Background(), "notes", func(docs []json.RawMessage) {
		delivered <- docs
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	server.nextFrame(t)

	server.push(t, serverFrame{
		Type:       "update",
		Collection: "notes",
		Data:       json.RawMessage(`[{"content":"ok"},{"content":42},"bare string"]`),
	})

	select {
	case docs := <-delivered:
		if len(docs) != 1 {
			t.Fatalf("expected one surviving doc, got %d", len(docs))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update never delivered")
	}
}

func TestMuxTeardownClearsRegistrations(t *testing.T) {
	server := newSocketServer(t)
	m := NewMux(server.wsURL, MergePolicy{}, nil)
	defer m.Close()

	delivered := make(chan []json.RawMessage, 1)
	if err := m.Subscribe(context.Background(), "notes", func(docs []json.RawMessage) {
		delivered <- docs
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	server.nextFrame(t)

	server.dropConn()
	waitForState(t, m, StateClosed)

	// The old handler must be gone: a fresh subscription reconnects and
	// re-registers from scratch.
	if err := m.Subscribe(context.Background(), "contacts", func([]json.RawMessage) {}); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	waitForState(t, m, StateOpen)
	frame := server.nextFrame(t)
	if frame.Collection != "contacts" {
		t.Fatalf("resubscribe frame = %+v", frame)
	}
	select {
	case frame := <-server.frames:
		t.Fatalf("stale subscription replayed: %+v", frame)
	case <-time.After(100 * time.Millisecond):
	}

	server.push(t, serverFrame{Type: "update", Collection: "notes", Data: json.RawMessage(`{}`)})
	select {
	case docs := <-delivered:
		t.Fatalf("stale handler invoked: %v", docs)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMuxUnsubscribe(t *testing.T) {
	server := newSocketServer(t)
	m := NewMux(server.wsURL, MergePolicy{}, nil)
	defer m.Close()

	if err := m.Subscribe(context.Background(), "notes", func([]json.RawMessage) {}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	server.nextFrame(t)

	if err := m.Unsubscribe("notes"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	frame := server.nextFrame(t)
	if frame.Action != "unsubscribe" || frame.Collection != "notes" {
		t.Fatalf("frame = %+v", frame)
	}
}

func TestMuxUnsubscribeWhileClosed(t *testing.T) {
	m := NewMux(func() string { return "ws://localhost:1" }, MergePolicy{}, nil)
	if err := m.Unsubscribe("notes"); err != nil {
		t.Fatalf("Unsubscribe on closed mux: %v", err)
	}
}

func TestMuxDialFailure(t *testing.T) {
	m := NewMux(func() string { return "ws://127.0.0.1:1/ws" }, MergePolicy{}, nil)
	err := m.Subscribe(context.Background(), "notes", func([]json.RawMessage) {})
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if m.State() != StateClosed {
		t.Fatalf("state after failed dial = %v", m.State())
	}
}

type staticReader struct {
	result ReadResult
	err    error
}

func (r staticReader) Read(context.Context, string, any) (ReadResult, error) {
	return r.result, r.err
}

func TestRefetchPolicy(t *testing.T) {
	docs := []json.RawMessage{json.RawMessage(`{"id":"n1"}`)}
	policy := RefetchPolicy{Reader: staticReader{result: ReadResult{OK: true, Docs: docs}}}
	got, err := policy.Resolve(context.Background(), "notes", json.RawMessage(`{"ignored":true}`))
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("docs = %v", got)
	}

	failing := RefetchPolicy{Reader: staticReader{result: ReadResult{OK: false, Error: "down"}}}
	if _, err := failing.Resolve(context.Background(), "notes", nil); !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
}

func TestMergePolicy(t *testing.T) {
	policy := MergePolicy{}

	array, err := policy.Resolve(context.Background(), "notes", json.RawMessage(`[{"id":"a"},{"id":"b"}]`))
	if err != nil || len(array) != 2 {
		t.Fatalf("array pass-through: %v %v", array, err)
	}
	single, err := policy.Resolve(context.Background(), "notes", json.RawMessage(`{"id":"a"}`))
	if err != nil || len(single) != 1 {
		t.Fatalf("single wrap: %v %v", single, err)
	}
}
