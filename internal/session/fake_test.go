package session

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/peterje/termhub/internal/pty"
)

// fakeTerminal is an in-memory pty.Terminal. Output written with emit is
// handed to the session's read loop synchronously.
type fakeTerminal struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	inputs []string
	// onInput lets a test react to keystrokes, e.g. exit on "/exit\r".
	onInput func(text string)

	done     chan struct{}
	exitOnce sync.Once
	exitCode atomic.Int64
	killed   atomic.Bool
	closed   atomic.Bool
}

func newFakeTerminal() *fakeTerminal {
	r, w := io.Pipe()
	f := &fakeTerminal{outR: r, outW: w, done: make(chan struct{})}
	f.exitCode.Store(-1)
	return f
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
	if f.closed.Load() {
		return pty.ErrClosed
	}
	if cols <= 0 || rows <= 0 {
		return pty.ErrInvalidSize
	}
	return nil
}

func (f *fakeTerminal) Kill() error {
	select {
	case <-f.done:
		return nil
	default:
	}
	f.killed.Store(true)
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
func (f *fakeTerminal) ExitCode() int         { return int(f.exitCode.Load()) }
func (f *fakeTerminal) Pid() int              { return 4242 }

func (f *fakeTerminal) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	f.Kill()
	f.outR.Close()
	return nil
}

// emit writes child output; it returns once the read loop has taken it.
func (f *fakeTerminal) emit(t *testing.T, s string) {
	t.Helper()
	if _, err := f.outW.Write([]byte(s)); err != nil {
		t.Fatalf("emit output: %v", err)
	}
}

// exit simulates the child exiting on its own.
func (f *fakeTerminal) exit(code int) {
	f.exitOnce.Do(func() {
		f.exitCode.Store(int64(code))
		f.outW.Close()
		close(f.done)
	})
}

func (f *fakeTerminal) sentInputs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.inputs...)
}

func (f *fakeTerminal) countInput(text string) int {
	n := 0
	for _, in := range f.sentInputs() {
		if in == text {
			n++
		}
	}
	return n
}

// recorder collects session events.
type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 1)}
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) output() string {
	var out string
	for _, ev := range r.snapshot() {
		if o, ok := ev.(OutputEvent); ok {
			out += o.Data
		}
	}
	return out
}

func countEvents[T Event](events []Event) int {
	n := 0
	for _, ev := range events {
		if _, ok := ev.(T); ok {
			n++
		}
	}
	return n
}

func findEvent[T Event](events []Event) (T, bool) {
	for _, ev := range events {
		if typed, ok := ev.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}

// waitFor polls cond until it holds or the timeout elapses.
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

// testSettings returns fast settings that spawn term.
func testSettings(term *fakeTerminal, spawned *pty.Options) Settings {
	return Settings{
		ToolPath:           "claude",
		ShellPath:          "/bin/sh",
		ShellArgs:          []string{"-i"},
		IdentifierTimeout:  time.Second,
		IntrospectionDelay: time.Millisecond,
		Spawn: func(opts pty.Options) (pty.Terminal, error) {
			if spawned != nil {
				*spawned = opts
			}
			return term, nil
		},
	}
}
