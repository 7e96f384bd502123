package registry

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterje/termhub/internal/models"
	"github.com/peterje/termhub/internal/pty"
	"github.com/peterje/termhub/internal/session"
)

const testUUID = "123e4567-e89b-12d3-a456-426614174000"

// fakeTerminal is an io.Pipe backed pty.Terminal.
type fakeTerminal struct {
	opts pty.Options
	outR *io.PipeReader
	outW *io.PipeWriter

	mu      sync.Mutex
	inputs  []string
	onInput func(string)

	done     chan struct{}
	exitOnce sync.Once
	code     atomic.Int64
	closed   atomic.Bool
}

func newFakeTerminal(opts pty.Options) *fakeTerminal {
	r, w := io.Pipe()
	return &fakeTerminal{opts: opts, outR: r, outW: w, done: make(chan struct{})}
}

func (f *fakeTerminal) Read(p []byte) (int, error) {
	n, err := f.outR.Read(p)
	if errors.Is(err, io.ErrClosedPipe) {
		return n, io.EOF
	}
	return n, err
}

func (f *fakeTerminal) WriteInput(text string) error {
	if f.closed.Load() {
		return pty.ErrClosed
	}
	f.mu.Lock()
	f.inputs = append(f.inputs, text)
	cb := f.onInput
	f.mu.Unlock()
	if cb != nil {
		cb(text)
	}
	return nil
}

func (f *fakeTerminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return pty.ErrInvalidSize
	}
	return nil
}

func (f *fakeTerminal) Kill() error {
	f.exit(137)
	return nil
}

func (f *fakeTerminal) WaitForExit(timeout time.Duration) bool {
	select {
	case <-f.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (f *fakeTerminal) Done() <-chan struct{} { return f.done }
func (f *fakeTerminal) ExitCode() int         { return int(f.code.Load()) }
func (f *fakeTerminal) Pid() int              { return 1000 }

func (f *fakeTerminal) Close() error {
	if f.closed.CompareAndSwap(false, true) {
		f.Kill()
		f.outR.Close()
	}
	return nil
}

func (f *fakeTerminal) emit(t *testing.T, s string) {
	t.Helper()
	if _, err := f.outW.Write([]byte(s)); err != nil {
		t.Fatalf("emit output: %v", err)
	}
}

func (f *fakeTerminal) exit(code int) {
	f.exitOnce.Do(func() {
		f.code.Store(int64(code))
		f.outW.Close()
		close(f.done)
	})
}

func (f *fakeTerminal) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func (f *fakeTerminal) sentContains(text string) bool {
	for _, in := range f.sent() {
		if in == text {
			return true
		}
	}
	return false
}

// spawner hands out fake terminals and remembers them by working directory.
type spawner struct {
	mu    sync.Mutex
	terms []*fakeTerminal
	err   error
	// exitOn makes every spawned terminal exit when it receives this input.
	exitOn string
}

func (sp *spawner) spawn(opts pty.Options) (pty.Terminal, error) {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if sp.err != nil {
		return nil, sp.err
	}
	term := newFakeTerminal(opts)
	if sp.exitOn != "" {
		term.onInput = func(text string) {
			if text == sp.exitOn {
				go term.exit(0)
			}
		}
	}
	sp.terms = append(sp.terms, term)
	return term, nil
}

func (sp *spawner) last(t *testing.T) *fakeTerminal {
	t.Helper()
	sp.mu.Lock()
	defer sp.mu.Unlock()
	if len(sp.terms) == 0 {
		t.Fatal("no terminal spawned")
	}
	return sp.terms[len(sp.terms)-1]
}

type call struct {
	method string
	connID string
	args   []any
}

// notifier records every call.
type notifier struct {
	mu    sync.Mutex
	calls []call
}

func (n *notifier) record(method, connID string, args ...any) {
	n.mu.Lock()
	n.calls = append(n.calls, call{method, connID, args})
	n.mu.Unlock()
}

func (n *notifier) ReceiveOutput(connID, data string) { n.record("ReceiveOutput", connID, data) }
func (n *notifier) SessionIDDetected(connID, id string) {
	n.record("SessionIDDetected", connID, id)
}
func (n *notifier) FatalError(connID, message string) { n.record("FatalError", connID, message) }
func (n *notifier) SessionTerminated(connID string)   { n.record("SessionTerminated", connID) }
func (n *notifier) ProcessCompleted(connID string, code int, killed bool) {
	n.record("ProcessCompleted", connID, code, killed)
}
func (n *notifier) ReceiveError(connID, message string) { n.record("ReceiveError", connID, message) }

func (n *notifier) count(method, connID string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, cl := range n.calls {
		if cl.method == method && cl.connID == connID {
			c++
		}
	}
	return c
}

func (n *notifier) find(method, connID string) (call, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, cl := range n.calls {
		if cl.method == method && cl.connID == connID {
			return cl, true
		}
	}
	return call{}, false
}

func (n *notifier) output(connID string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var b strings.Builder
	for _, cl := range n.calls {
		if cl.method == "ReceiveOutput" && cl.connID == connID {
			b.WriteString(cl.args[0].(string))
		}
	}
	return b.String()
}

// store is an in-memory Store.
type store struct {
	mu        sync.Mutex
	records   map[string]models.SessionRecord
	statuses  map[string]string
	insertErr error
	// When gate is set, InsertSession signals entered and waits on gate.
	gate    chan struct{}
	entered chan struct{}
}

func newStore() *store {
	return &store{records: map[string]models.SessionRecord{}, statuses: map[string]string{}}
}

func (s *store) InsertSession(_ context.Context, rec models.SessionRecord) (bool, error) {
	if s.gate != nil {
		s.entered <- struct{}{}
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return false, s.insertErr
	}
	if _, ok := s.records[rec.SessionID]; ok {
		return false, nil
	}
	s.records[rec.SessionID] = rec
	s.statuses[rec.SessionID] = rec.Status
	return true, nil
}

func (s *store) UpdateStatus(_ context.Context, id, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return errors.New("not found")
	}
	s.statuses[id] = status
	return nil
}

func (s *store) record(id string) (models.SessionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

func (s *store) status(id string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

type fixture struct {
	reg   *Registry
	spawn *spawner
	note  *notifier
	store *store
}

func newFixture(t *testing.T, tweak func(*Config)) *fixture {
	t.Helper()
	f := &fixture{spawn: &spawner{}, note: &notifier{}, store: newStore()}
	cfg := Config{
		Session: session.Settings{
			ToolPath:           "claude",
			ShellPath:          "/bin/sh",
			ShellArgs:          []string{"-i"},
			IdentifierTimeout:  time.Second,
			IntrospectionDelay: time.Millisecond,
			Spawn:              f.spawn.spawn,
		},
		FatalGrace:      50 * time.Millisecond,
		ShutdownTimeout: 100 * time.Millisecond,
	}
	if tweak != nil {
		tweak(&cfg)
	}
	f.reg = New(cfg, f.store, f.note)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.reg.Shutdown(ctx)
	})
	return f
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
