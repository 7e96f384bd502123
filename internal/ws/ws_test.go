package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterje/termhub/internal/models"
	"github.com/peterje/termhub/internal/registry"
	"github.com/peterje/termhub/internal/session"
)

type fakeSessions struct {
	mu       sync.Mutex
	created  []registry.CreateRequest
	inputs   []string
	killed   []string
	resized  [][2]int
	inputErr error
}

func (f *fakeSessions) CreateSession(_ context.Context, req registry.CreateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return req.ConnectionID, nil
}

func (f *fakeSessions) SendInput(connID, data string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inputErr != nil {
		return f.inputErr
	}
	f.inputs = append(f.inputs, connID+":"+data)
	return nil
}

func (f *fakeSessions) KillSession(connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, connID)
	return nil
}

func (f *fakeSessions) Resize(connID string, cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resized = append(f.resized, [2]int{cols, rows})
	return nil
}

func (f *fakeSessions) SessionInfo(connID string) models.SessionInfo {
	return models.SessionInfo{ConnectionID: connID, Exists: true, Running: true}
}

func (f *fakeSessions) ActiveSessions() []string { return []string{"a", "b"} }

func (f *fakeSessions) snapshotInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func newTestServer(t *testing.T) (*Hub, *fakeSessions, *httptest.Server) {
	t.Helper()
	hub := NewHub(1024)
	sessions := &fakeSessions{}
	mux := http.NewServeMux()
	mux.Handle("GET /ws/terminal/{connectionId}", NewHandler(hub, sessions, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, sessions, srv
}

func dial(t *testing.T, srv *httptest.Server, connID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/terminal/" + connID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	return env
}

// waitJoined blocks until n clients are joined to connID.
func waitJoined(t *testing.T, hub *Hub, connID string, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount(connID) != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients joined to %s = %d, want %d", connID, hub.ClientCount(connID), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJoinReceivesReplay(t *testing.T) {
	hub, _, srv := newTestServer(t)
	hub.ReceiveOutput("c1", "\x1b[32mhello\x1b[0m ")
	hub.ReceiveOutput("c1", "world")

	conn := dial(t, srv, "c1")
	env := readEnvelope(t, conn)
	if env.Type != EventReceiveOutput || env.Data != "\x1b[32mhello\x1b[0m world" {
		t.Errorf("first frame = %+v, want replay", env)
	}
	if env.ConnectionID != "c1" {
		t.Errorf("ConnectionID = %q", env.ConnectionID)
	}
}

func TestBroadcastToGroup(t *testing.T) {
	hub, _, srv := newTestServer(t)
	a := dial(t, srv, "c1")
	b := dial(t, srv, "c1")
	other := dial(t, srv, "c2")
	waitJoined(t, hub, "c1", 2)
	waitJoined(t, hub, "c2", 1)

	hub.SessionIDDetected("c1", "123e4567-e89b-12d3-a456-426614174000")
	hub.ProcessCompleted("c1", 3, true)

	for _, conn := range []*websocket.Conn{a, b} {
		env := readEnvelope(t, conn)
		if env.Type != EventSessionIDDetected || env.SessionID != "123e4567-e89b-12d3-a456-426614174000" {
			t.Errorf("got %+v", env)
		}
		env = readEnvelope(t, conn)
		if env.Type != EventProcessCompleted || env.ExitCode == nil || *env.ExitCode != 3 || env.WasKilled == nil || !*env.WasKilled {
			t.Errorf("got %+v", env)
		}
	}

	hub.FatalError("c2", "boom")
	env := readEnvelope(t, other)
	if env.Type != EventFatalError || env.Message != "boom" || env.ConnectionID != "c2" {
		t.Errorf("c2 got %+v", env)
	}
}

func TestRequests(t *testing.T) {
	hub, sessions, srv := newTestServer(t)
	conn := dial(t, srv, "term-7")
	waitJoined(t, hub, "term-7", 1)

	send := func(req Request) Envelope {
		t.Helper()
		if err := conn.WriteJSON(req); err != nil {
			t.Fatalf("write: %v", err)
		}
		env := readEnvelope(t, conn)
		if env.Type != EventResult || env.RequestID != req.RequestID {
			t.Fatalf("reply = %+v, want Result for %s", env, req.RequestID)
		}
		return env
	}

	env := send(Request{Type: OpCreateSession, RequestID: "1", WorkingDirectory: "/src", Kind: "shell", DisplayName: "scratch"})
	if env.Error != "" {
		t.Fatalf("CreateSession error: %s", env.Error)
	}
	sessions.mu.Lock()
	created := sessions.created[0]
	sessions.mu.Unlock()
	if created.ConnectionID != "term-7" || created.WorkDir != "/src" || created.Kind != session.KindShell || created.DisplayName != "scratch" {
		t.Errorf("created %+v", created)
	}

	send(Request{Type: OpResizeTerminal, RequestID: "2", Cols: 100, Rows: 30})
	send(Request{Type: OpSendInput, RequestID: "3", Data: "ls\r"})

	env = send(Request{Type: OpGetSessionInfo, RequestID: "4"})
	raw, _ := json.Marshal(env.Result)
	var info models.SessionInfo
	json.Unmarshal(raw, &info)
	if !info.Exists || info.Clients != 1 {
		t.Errorf("info = %+v", info)
	}

	env = send(Request{Type: OpGetActiveSessions, RequestID: "5"})
	if ids, ok := env.Result.([]any); !ok || len(ids) != 2 {
		t.Errorf("active sessions = %v", env.Result)
	}

	env = send(Request{Type: "Reboot", RequestID: "6"})
	if env.Code != "invalid_request" {
		t.Errorf("unknown op code = %q", env.Code)
	}

	env = send(Request{Type: OpCreateSession, RequestID: "7", Kind: "emacs"})
	if env.Code != "invalid_request" {
		t.Errorf("bad kind code = %q", env.Code)
	}

	send(Request{Type: OpKillSession, RequestID: "8"})
	sessions.mu.Lock()
	defer sessions.mu.Unlock()
	if len(sessions.killed) != 1 || sessions.killed[0] != "term-7" {
		t.Errorf("killed = %v", sessions.killed)
	}
	if len(sessions.resized) != 1 || sessions.resized[0] != [2]int{100, 30} {
		t.Errorf("resized = %v", sessions.resized)
	}
}

func TestBinaryFramesAreInput(t *testing.T) {
	hub, sessions, srv := newTestServer(t)
	conn := dial(t, srv, "c1")
	waitJoined(t, hub, "c1", 1)

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("echo hi\r")); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(sessions.snapshotInputs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := sessions.snapshotInputs(); len(got) != 1 || got[0] != "c1:echo hi\r" {
		t.Errorf("inputs = %q", got)
	}

	sessions.mu.Lock()
	sessions.inputErr = registry.ErrSessionNotFound
	sessions.mu.Unlock()
	conn.WriteMessage(websocket.BinaryMessage, []byte("x"))
	env := readEnvelope(t, conn)
	if env.Type != EventReceiveError || env.Code != "not_found" {
		t.Errorf("got %+v, want not_found ReceiveError", env)
	}
}

func TestSessionTerminatedClearsReplay(t *testing.T) {
	hub, _, srv := newTestServer(t)
	hub.ReceiveOutput("c1", "old output")
	hub.SessionTerminated("c1")
	hub.ReceiveOutput("c1", "new")

	conn := dial(t, srv, "c1")
	env := readEnvelope(t, conn)
	if env.Data != "new" {
		t.Errorf("replay = %q, want only output after termination", env.Data)
	}
}

func TestCrossOriginRejected(t *testing.T) {
	_, _, srv := newTestServer(t)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/terminal/c1"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	if err == nil {
		t.Fatal("cross-origin dial succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v, want 403", resp)
	}
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com"})
	tests := []struct {
		origin string
		host   string
		want   bool
	}{
		{"", "localhost:8800", true},
		{"http://localhost:8800", "localhost:8800", true},
		{"https://app.example.com", "localhost:8800", true},
		{"https://APP.example.com", "localhost:8800", true},
		{"https://evil.example", "localhost:8800", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/ws/terminal/x", nil)
		r.Host = tt.host
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := check(r); got != tt.want {
			t.Errorf("origin %q host %q = %v, want %v", tt.origin, tt.host, got, tt.want)
		}
	}
}

func TestAppendReplay(t *testing.T) {
	buf := appendReplay(nil, "abcdef", 4)
	if string(buf) != "cdef" {
		t.Errorf("replay = %q, want cdef", buf)
	}

	// "é" is two bytes; a cut through it drops the whole rune.
	buf = appendReplay(nil, "xé✓", 4)
	if string(buf) != "✓" {
		t.Errorf("replay = %q, want ✓", buf)
	}
}

func TestSlowClientDisconnected(t *testing.T) {
	c := newClient(nil)
	for i := 0; i < sendBuffer; i++ {
		if !c.enqueue([]byte("x")) {
			t.Fatalf("enqueue %d failed before the buffer was full", i)
		}
	}
	if c.enqueue([]byte("overflow")) {
		t.Fatal("enqueue succeeded on a full buffer")
	}
	select {
	case <-c.done:
	default:
		t.Fatal("slow client not closed")
	}
	if c.closeCode != websocket.CloseTryAgainLater {
		t.Errorf("close code = %d", c.closeCode)
	}
	if c.enqueue([]byte("after")) {
		t.Error("enqueue succeeded after close")
	}
}
