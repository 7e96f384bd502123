// Package session drives one interactive child process: it owns the
// pseudo-terminal, streams output to a handler, and scrapes the tool's
// session identifier out of its output for new conversations.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peterje/termhub/internal/pty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotRunning is returned when input is sent to a session whose
	// process is not running.
	ErrNotRunning = errors.New("session not running")

	// ErrAlreadyStarted is returned by a second Start call.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrDisposed is returned by Start after Dispose.
	ErrDisposed = errors.New("session disposed")
)

const (
	DefaultIdentifierTimeout  = 5 * time.Second
	DefaultIntrospectionDelay = 100 * time.Millisecond
	DefaultBufferLimit        = 10 * 1024

	readBufSize = 32 * 1024

	// drainTimeout bounds how long the exit monitor waits for the read loop
	// before reporting completion. ConPTY keeps the output pipe open after
	// the child exits, so the read loop may never finish on its own.
	drainTimeout = 500 * time.Millisecond
)

// Spawner launches a terminal. pty.Start in production.
type Spawner func(pty.Options) (pty.Terminal, error)

// Settings are shared by every session a registry creates.
type Settings struct {
	ToolPath  string
	ShellPath string
	ShellArgs []string

	Rows int
	Cols int

	IdentifierTimeout  time.Duration
	IntrospectionDelay time.Duration
	BufferLimit        int

	Detector Detector
	Spawn    Spawner
}

// DefaultSettings returns production settings.
func DefaultSettings() Settings {
	shell, shellArgs := DefaultShell()
	return Settings{
		ToolPath:           "claude",
		ShellPath:          shell,
		ShellArgs:          shellArgs,
		Rows:               pty.DefaultRows,
		Cols:               pty.DefaultCols,
		IdentifierTimeout:  DefaultIdentifierTimeout,
		IntrospectionDelay: DefaultIntrospectionDelay,
		BufferLimit:        DefaultBufferLimit,
		Detector:           PatternDetector{},
		Spawn:              pty.Start,
	}
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ToolPath == "" {
		s.ToolPath = d.ToolPath
	}
	if s.ShellPath == "" {
		s.ShellPath, s.ShellArgs = d.ShellPath, d.ShellArgs
	}
	if s.IdentifierTimeout <= 0 {
		s.IdentifierTimeout = d.IdentifierTimeout
	}
	if s.IntrospectionDelay <= 0 {
		s.IntrospectionDelay = d.IntrospectionDelay
	}
	if s.BufferLimit <= 0 {
		s.BufferLimit = d.BufferLimit
	}
	if s.Detector == nil {
		s.Detector = d.Detector
	}
	if s.Spawn == nil {
		s.Spawn = d.Spawn
	}
	return s
}

// Options describe one session.
type Options struct {
	ConnectionID string
	WorkDir      string
	// ResumeID continues an existing conversation. When empty the session
	// detects the identifier of the new conversation itself.
	ResumeID    string
	DisplayName string
	Kind        Kind
}

// State is the lifecycle position of a Session.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateFailed
	StateKilled
	StateExited
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	case StateKilled:
		return "killed"
	case StateExited:
		return "exited"
	case StateDisposed:
		return "disposed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Session is one interactive child process.
type Session struct {
	settings Settings
	opts     Options
	log      zerolog.Logger

	handler  atomic.Pointer[Handler]
	disposed atomic.Bool

	readDone chan struct{}

	mu         sync.Mutex
	state      State
	term       pty.Terminal
	running    bool
	killed     bool
	detectedID string

	// Identifier detection. buf holds raw output until the identifier is
	// resolved, trimmed to settings.BufferLimit.
	buf           []byte
	markerSeen    bool
	resolved      bool
	cancelTimeout context.CancelFunc
}

// New creates a session. Nothing runs until Start.
func New(settings Settings, opts Options, handler Handler) *Session {
	if opts.Kind == "" {
		opts.Kind = KindAssistant
	}
	s := &Session{
		settings: settings.withDefaults(),
		opts:     opts,
		log: log.With().
			Str("component", "session").
			Str("connection_id", opts.ConnectionID).
			Str("kind", string(opts.Kind)).
			Logger(),
		readDone: make(chan struct{}),
	}
	if handler != nil {
		s.handler.Store(&handler)
	}
	return s
}

// Start spawns the child process. On failure the session is left in
// StateFailed and never runs.
func (s *Session) Start() error {
	s.mu.Lock()
	switch {
	case s.disposed.Load():
		s.mu.Unlock()
		return ErrDisposed
	case s.state != StateCreated:
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	s.state = StateStarting
	s.mu.Unlock()

	command, args := s.settings.CommandLine(s.opts.Kind, s.opts.ResumeID)
	term, err := s.settings.Spawn(pty.Options{
		Command: command,
		Args:    args,
		Dir:     s.opts.WorkDir,
		Rows:    s.settings.Rows,
		Cols:    s.settings.Cols,
	})

	s.mu.Lock()
	if err != nil {
		s.state = StateFailed
		s.mu.Unlock()
		return fmt.Errorf("start %s: %w", command, err)
	}
	if s.disposed.Load() {
		s.mu.Unlock()
		term.Close()
		return ErrDisposed
	}
	s.term = term
	s.running = true
	s.state = StateRunning
	s.mu.Unlock()

	s.log.Info().Str("command", command).Strs("args", args).Int("pid", term.Pid()).Msg("process started")
	s.emit(RunningChangedEvent{Running: true})

	go s.readLoop(term)
	go s.monitor(term)
	return nil
}

func (s *Session) readLoop(term pty.Terminal) {
	defer close(s.readDone)

	var dec utf8Stream
	buf := make([]byte, readBufSize)
	for {
		n, err := term.Read(buf)
		if n > 0 {
			if text := dec.decode(buf[:n]); text != "" {
				s.emit(OutputEvent{Data: text})
			}
			s.scan(buf[:n])
		}
		if err != nil {
			if tail := dec.flush(); tail != "" {
				s.emit(OutputEvent{Data: tail})
			}
			if !errors.Is(err, io.EOF) && !s.terminating() {
				s.emit(ErrorEvent{Err: fmt.Errorf("read output: %w", err)})
			}
			return
		}
		if s.disposed.Load() {
			return
		}
	}
}

// monitor reports completion once the child has exited.
func (s *Session) monitor(term pty.Terminal) {
	<-term.Done()

	t := time.NewTimer(drainTimeout)
	select {
	case <-s.readDone:
	case <-t.C:
	}
	t.Stop()

	code := term.ExitCode()
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	killed := s.killed
	if s.state == StateRunning {
		s.state = StateExited
	}
	s.mu.Unlock()

	s.log.Info().Int("exit_code", code).Bool("killed", killed).Msg("process exited")
	if wasRunning {
		s.emit(RunningChangedEvent{Running: false})
	}
	s.emit(CompletedEvent{ExitCode: code, Killed: killed})
}

// scan feeds raw output to the identifier detection protocol.
func (s *Session) scan(chunk []byte) {
	s.mu.Lock()
	if !s.detectingLocked() {
		s.mu.Unlock()
		return
	}

	s.buf = append(s.buf, chunk...)

	introspect := false
	if !s.markerSeen && bytes.Contains(s.buf, []byte(ReadyMarker)) {
		s.markerSeen = true
		introspect = true
		ctx, cancel := context.WithCancel(context.Background())
		s.cancelTimeout = cancel
		go s.awaitIdentifier(ctx, s.settings.IdentifierTimeout)
	}

	var detected string
	if s.markerSeen {
		if id, ok := s.settings.Detector.DetectIdentifier(string(s.buf)); ok {
			s.resolved = true
			s.detectedID = id
			s.buf = nil
			s.cancelTimeout()
			detected = id
		}
	}

	if over := len(s.buf) - s.settings.BufferLimit; over > 0 {
		n := copy(s.buf, s.buf[over:])
		s.buf = s.buf[:n]
	}
	s.mu.Unlock()

	if introspect {
		s.log.Debug().Msg("ready marker seen, requesting status")
		go s.introspect()
	}
	if detected != "" {
		s.log.Info().Str("session_id", detected).Msg("session identifier detected")
		s.emit(IdentifierDetectedEvent{ID: detected})
	}
}

func (s *Session) detectingLocked() bool {
	return s.opts.Kind == KindAssistant && s.opts.ResumeID == "" && !s.resolved
}

// introspect types the status command, then the carriage return after a
// short pause so the tool's input box registers the command first.
func (s *Session) introspect() {
	if err := s.SendRawInput(IntrospectionCommand); err != nil {
		s.log.Warn().Err(err).Msg("failed to send status command")
		return
	}
	time.Sleep(s.settings.IntrospectionDelay)
	if err := s.SendRawInput("\r"); err != nil {
		s.log.Warn().Err(err).Msg("failed to submit status command")
	}
}

func (s *Session) awaitIdentifier(ctx context.Context, timeout time.Duration) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}

	s.mu.Lock()
	if s.resolved {
		s.mu.Unlock()
		return
	}
	s.resolved = true
	s.buf = nil
	s.mu.Unlock()

	s.log.Warn().Dur("after", timeout).Msg("session identifier not detected")
	s.emit(IdentifierTimeoutEvent{After: timeout})
}

// SendRawInput writes text to the child's input.
func (s *Session) SendRawInput(text string) error {
	s.mu.Lock()
	running, term := s.running, s.term
	s.mu.Unlock()
	if !running || term == nil {
		return ErrNotRunning
	}
	if err := term.WriteInput(text); err != nil {
		if errors.Is(err, pty.ErrClosed) {
			return ErrNotRunning
		}
		return fmt.Errorf("write input: %w", err)
	}
	return nil
}

// SendExitCommand asks the child to quit on its own.
func (s *Session) SendExitCommand() error {
	return s.SendRawInput(ExitCommand(s.opts.Kind))
}

// Resize changes the terminal size. Resizing a session that has not started
// or is already disposed is logged and ignored.
func (s *Session) Resize(cols, rows int) error {
	s.mu.Lock()
	term := s.term
	s.mu.Unlock()
	if term == nil || s.disposed.Load() {
		s.log.Debug().Int("cols", cols).Int("rows", rows).Msg("resize ignored, no terminal")
		return nil
	}
	err := term.Resize(cols, rows)
	if errors.Is(err, pty.ErrClosed) {
		s.log.Debug().Msg("resize ignored, terminal closed")
		return nil
	}
	return err
}

// Kill force-terminates the child. It is a no-op unless the session is
// running. Completion is still reported, with Killed set.
func (s *Session) Kill() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.killed = true
	s.running = false
	s.state = StateKilled
	term := s.term
	s.mu.Unlock()

	s.log.Info().Msg("killing process")
	err := term.Kill()
	s.emit(RunningChangedEvent{Running: false})
	if err != nil {
		return fmt.Errorf("kill: %w", err)
	}
	return nil
}

// CloseGracefully asks the child to exit and waits up to timeout before
// falling back to Kill.
func (s *Session) CloseGracefully(timeout time.Duration) error {
	s.mu.Lock()
	running, term := s.running, s.term
	s.mu.Unlock()
	if !running {
		return nil
	}

	if err := s.SendExitCommand(); err != nil {
		s.log.Debug().Err(err).Msg("exit command not delivered")
	}
	if term.WaitForExit(timeout) {
		return nil
	}
	s.log.Info().Dur("timeout", timeout).Msg("process did not exit in time")
	return s.Kill()
}

// Dispose kills the child if it is still running, detaches the handler and
// releases the terminal. No handler call starts after Dispose returns.
// It is safe to call more than once and from any goroutine.
func (s *Session) Dispose() {
	if !s.disposed.CompareAndSwap(false, true) {
		return
	}
	s.handler.Store(nil)

	s.mu.Lock()
	if s.cancelTimeout != nil {
		s.cancelTimeout()
	}
	if s.running {
		s.killed = true
	}
	s.running = false
	s.state = StateDisposed
	term := s.term
	s.mu.Unlock()

	if term != nil {
		if err := term.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close terminal")
		}
	}
	s.log.Debug().Msg("disposed")
}

func (s *Session) emit(ev Event) {
	if s.disposed.Load() {
		return
	}
	h := s.handler.Load()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("event", ev.eventName()).Msg("event handler panicked")
		}
	}()
	(*h)(ev)
}

func (s *Session) terminating() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed || !s.running || s.disposed.Load()
}

// SessionID returns the resume identifier, or the detected one once known.
func (s *Session) SessionID() string {
	if s.opts.ResumeID != "" {
		return s.opts.ResumeID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detectedID
}

// IsRunning reports whether the child process is running.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// WasKilled reports whether the session was force-terminated.
func (s *Session) WasKilled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.killed
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Pid is the child's process id, or 0 before Start.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.term == nil {
		return 0
	}
	return s.term.Pid()
}

func (s *Session) ConnectionID() string { return s.opts.ConnectionID }
func (s *Session) WorkDir() string      { return s.opts.WorkDir }
func (s *Session) DisplayName() string  { return s.opts.DisplayName }
func (s *Session) Kind() Kind           { return s.opts.Kind }
func (s *Session) ResumeID() string     { return s.opts.ResumeID }
