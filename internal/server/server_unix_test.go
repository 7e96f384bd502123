//go:build !windows

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/peterje/termhub/internal/models"
	"github.com/peterje/termhub/internal/registry"
	"github.com/peterje/termhub/internal/session"
	"github.com/peterje/termhub/internal/ws"
)

func newStack(t *testing.T) (*registry.Registry, *httptest.Server) {
	t.Helper()
	hub := ws.NewHub(0)
	settings := session.DefaultSettings()
	settings.ShellPath, settings.ShellArgs = "/bin/sh", nil
	reg := registry.New(registry.Config{Session: settings}, nil, hub)

	srv := httptest.NewServer(Middleware(New(reg, hub, nil, []models.CLIStatus{{Name: "sh", Installed: true}}, nil)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
		hub.Close()
		srv.Close()
	})
	return reg, srv
}

func TestShellSessionEndToEnd(t *testing.T) {
	reg, srv := newStack(t)

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json",
		strings.NewReader(`{"connection_id":"e2e","kind":"shell"}`))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d", resp.StatusCode)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/terminal/e2e"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteMessage(websocket.BinaryMessage, []byte("echo te''rmhub-ok\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	var out strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(out.String(), "termhub-ok") {
		if time.Now().After(deadline) {
			t.Fatalf("output never arrived: %q", out.String())
		}
		conn.SetReadDeadline(deadline)
		var env ws.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			t.Fatalf("read: %v", err)
		}
		if env.Type == ws.EventReceiveOutput {
			out.WriteString(env.Data)
		}
	}

	if !reg.IsSessionRunning("e2e") {
		t.Error("session not running")
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/sessions/e2e", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", resp.StatusCode)
	}
	if reg.SessionExists("e2e") {
		t.Error("session still registered after delete")
	}
}

func TestHealth(t *testing.T) {
	_, srv := newStack(t)
	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()

	var health models.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.Status != "ok" || health.ActiveSessions != 0 || len(health.CLIs) != 1 {
		t.Errorf("health = %+v", health)
	}
}
