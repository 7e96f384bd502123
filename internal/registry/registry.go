// Package registry maps connection ids to running sessions and bridges
// session events to the transport and the session store.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/peterje/termhub/internal/models"
	"github.com/peterje/termhub/internal/session"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

var (
	ErrSessionExists   = errors.New("session already exists for connection")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidResumeID = errors.New("resume id is not a valid session id")
	ErrRateLimited     = errors.New("too many sessions created, slow down")
	ErrClosed          = errors.New("registry is shut down")
)

const (
	DefaultFatalGrace      = 3500 * time.Millisecond
	DefaultShutdownTimeout = 5 * time.Second

	persistTimeout = 5 * time.Second
)

// Store is the persistence side of identifier detection.
type Store interface {
	// InsertSession returns false, nil when the id is already recorded.
	InsertSession(ctx context.Context, rec models.SessionRecord) (bool, error)
	UpdateStatus(ctx context.Context, sessionID, status string) error
}

// Notifier pushes events to the clients of one connection.
type Notifier interface {
	ReceiveOutput(connID, data string)
	SessionIDDetected(connID, sessionID string)
	FatalError(connID, message string)
	SessionTerminated(connID string)
	ProcessCompleted(connID string, exitCode int, wasKilled bool)
	ReceiveError(connID, message string)
}

type Config struct {
	Session session.Settings

	// FatalGrace is how long a client has to show a fatal error before the
	// session is torn down.
	FatalGrace time.Duration
	// ShutdownTimeout bounds each session's graceful close on Shutdown.
	ShutdownTimeout time.Duration

	// CreateRate limits CreateSession calls per second. Zero disables the limit.
	CreateRate  float64
	CreateBurst int
}

// CreateRequest describes a session to start.
type CreateRequest struct {
	// ConnectionID keys the session. A UUID is generated when empty.
	ConnectionID string
	WorkDir      string
	ResumeID     string
	DisplayName  string
	Kind         session.Kind
}

// Registry is safe for concurrent use. Entries live in a sync.Map and each
// session guards its own state; output, input and lookups take no
// registry-wide lock.
type Registry struct {
	cfg      Config
	store    Store
	notifier Notifier
	limiter  *rate.Limiter
	log      zerolog.Logger

	sessions sync.Map // connection id -> *session.Session
	// removal orders id announcements before the removal of their entry, so
	// a group never hears about a session after it was terminated.
	removal sync.Mutex

	closing   chan struct{}
	closeOnce sync.Once
	// background tracks fatal teardowns and persistence writes.
	background sync.WaitGroup
}

// New returns a registry. store may be nil, in which case detected ids are
// not persisted.
func New(cfg Config, store Store, notifier Notifier) *Registry {
	if cfg.FatalGrace <= 0 {
		cfg.FatalGrace = DefaultFatalGrace
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	limit := rate.Inf
	if cfg.CreateRate > 0 {
		limit = rate.Limit(cfg.CreateRate)
	}
	if cfg.CreateBurst <= 0 {
		cfg.CreateBurst = 1
	}
	return &Registry{
		cfg:      cfg,
		store:    store,
		notifier: notifier,
		limiter:  rate.NewLimiter(limit, cfg.CreateBurst),
		log:      log.With().Str("component", "registry").Logger(),
		closing:  make(chan struct{}),
	}
}

// CreateSession starts a session for req.ConnectionID and returns the
// connection id. It does not wait for identifier detection; the detected id
// is delivered through the Notifier.
func (r *Registry) CreateSession(ctx context.Context, req CreateRequest) (string, error) {
	select {
	case <-r.closing:
		return "", ErrClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if !r.limiter.Allow() {
		return "", ErrRateLimited
	}

	connID := req.ConnectionID
	if connID == "" {
		connID = uuid.NewString()
	}
	resumeID := req.ResumeID
	if resumeID != "" {
		id, err := uuid.Parse(resumeID)
		if err != nil {
			return "", fmt.Errorf("%w: %q", ErrInvalidResumeID, resumeID)
		}
		resumeID = id.String()
	}
	kind := req.Kind
	if kind == "" {
		kind = session.KindAssistant
	}

	var s *session.Session
	s = session.New(r.cfg.Session, session.Options{
		ConnectionID: connID,
		WorkDir:      req.WorkDir,
		ResumeID:     resumeID,
		DisplayName:  req.DisplayName,
		Kind:         kind,
	}, func(ev session.Event) {
		r.bridge(connID, s, ev)
	})

	if _, loaded := r.sessions.LoadOrStore(connID, s); loaded {
		return "", fmt.Errorf("%w: %s", ErrSessionExists, connID)
	}

	if err := s.Start(); err != nil {
		r.sessions.CompareAndDelete(connID, s)
		s.Dispose()
		r.log.Error().Err(err).Str("connection_id", connID).Msg("failed to start session")
		return "", err
	}

	r.log.Info().
		Str("connection_id", connID).
		Str("kind", string(kind)).
		Str("resume_id", resumeID).
		Str("work_dir", req.WorkDir).
		Msg("session created")
	return connID, nil
}

// bridge runs on the session's goroutines. Anything slow or fallible is
// moved to a tracked goroutine so the read loop keeps streaming.
func (r *Registry) bridge(connID string, s *session.Session, ev session.Event) {
	switch ev := ev.(type) {
	case session.OutputEvent:
		r.notifier.ReceiveOutput(connID, ev.Data)
	case session.IdentifierDetectedEvent:
		r.goBackground(func() { r.onIdentifierDetected(connID, s, ev.ID) })
	case session.IdentifierTimeoutEvent:
		r.log.Warn().Str("connection_id", connID).Dur("after", ev.After).Msg("session id detection timed out")
		r.goBackground(func() {
			r.fatal(connID, s, fmt.Sprintf("Could not detect the session id within %s. The terminal will close.", ev.After))
		})
	case session.ErrorEvent:
		r.log.Error().Err(ev.Err).Str("connection_id", connID).Msg("session error")
		r.notifier.ReceiveError(connID, ev.Err.Error())
	case session.CompletedEvent:
		r.notifier.ProcessCompleted(connID, ev.ExitCode, ev.Killed)
		r.markCompleted(connID, s)
	case session.RunningChangedEvent:
		r.log.Debug().Str("connection_id", connID).Bool("running", ev.Running).Msg("running state changed")
	}
}

func (r *Registry) goBackground(fn func()) {
	r.background.Add(1)
	go func() {
		defer r.background.Done()
		fn()
	}()
}

// owns reports whether s is still the live entry for connID. A session that
// was killed, and possibly replaced under the same id, no longer owns it.
func (r *Registry) owns(connID string, s *session.Session) bool {
	v, ok := r.sessions.Load(connID)
	return ok && v == s
}

func (r *Registry) onIdentifierDetected(connID string, s *session.Session, id string) {
	logger := r.log.With().Str("connection_id", connID).Str("session_id", id).Logger()
	if !r.owns(connID, s) {
		logger.Debug().Msg("session gone before its id was saved")
		return
	}

	inserted := false
	if r.store != nil {
		rec := models.SessionRecord{
			SessionID:        id,
			WorkingDirectory: s.WorkDir(),
			LastActivity:     time.Now(),
			Status:           models.StatusActive,
		}
		if name := s.DisplayName(); name != "" {
			rec.DisplayName = &name
		}

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		var err error
		inserted, err = r.store.InsertSession(ctx, rec)
		cancel()
		if err != nil {
			if !r.owns(connID, s) {
				logger.Debug().Err(err).Msg("session gone while saving its id")
				return
			}
			logger.Error().Err(err).Msg("failed to persist session")
			r.fatal(connID, s, fmt.Sprintf("Failed to save session %s: %v", id, err))
			return
		}
		if !inserted {
			logger.Info().Msg("session already recorded")
		}
	}

	r.removal.Lock()
	if !r.owns(connID, s) {
		r.removal.Unlock()
		logger.Info().Msg("session gone while saving its id")
		// Its completion may have run before the record existed.
		if inserted {
			r.markCompleted(connID, s)
		}
		return
	}
	r.notifier.SessionIDDetected(connID, id)
	r.removal.Unlock()

	if err := s.SendRawInput(session.DismissKey); err != nil {
		logger.Debug().Err(err).Msg("could not dismiss status panel")
	}
}

// fatal tells the clients, gives them FatalGrace to react, then tears the
// session down. Registry shutdown cuts the grace period short.
func (r *Registry) fatal(connID string, s *session.Session, message string) {
	r.notifier.FatalError(connID, message)

	t := time.NewTimer(r.cfg.FatalGrace)
	select {
	case <-t.C:
	case <-r.closing:
		t.Stop()
	}

	if err := s.Kill(); err != nil {
		r.log.Warn().Err(err).Str("connection_id", connID).Msg("kill after fatal error")
	}
	r.removal.Lock()
	removed := r.sessions.CompareAndDelete(connID, s)
	r.removal.Unlock()
	s.Dispose()
	if removed {
		r.log.Info().Str("connection_id", connID).Msg("session terminated after fatal error")
		r.notifier.SessionTerminated(connID)
	}
}

func (r *Registry) markCompleted(connID string, s *session.Session) {
	id := s.SessionID()
	if r.store == nil || id == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := r.store.UpdateStatus(ctx, id, models.StatusCompleted); err != nil {
		r.log.Debug().Err(err).Str("connection_id", connID).Str("session_id", id).Msg("could not mark session completed")
	}
}

func (r *Registry) lookup(connID string) (*session.Session, bool) {
	v, ok := r.sessions.Load(connID)
	if !ok {
		return nil, false
	}
	return v.(*session.Session), true
}

// SendInput writes data to the session's terminal and returns once the
// write completed.
func (r *Registry) SendInput(connID, data string) error {
	s, ok := r.lookup(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, connID)
	}
	if !s.IsRunning() {
		return session.ErrNotRunning
	}
	return s.SendRawInput(data)
}

// KillSession removes and disposes the session. Unknown ids are logged and
// ignored. The entry is gone when KillSession returns.
func (r *Registry) KillSession(connID string) error {
	r.removal.Lock()
	v, ok := r.sessions.LoadAndDelete(connID)
	r.removal.Unlock()
	if !ok {
		r.log.Warn().Str("connection_id", connID).Msg("kill requested for unknown session")
		return nil
	}
	s := v.(*session.Session)
	s.Dispose()
	r.log.Info().Str("connection_id", connID).Msg("session killed")
	r.notifier.SessionTerminated(connID)
	return nil
}

// Resize changes the terminal size of a session.
func (r *Registry) Resize(connID string, cols, rows int) error {
	s, ok := r.lookup(connID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, connID)
	}
	return s.Resize(cols, rows)
}

// SessionInfo is a point-in-time view; it may be stale when read.
func (r *Registry) SessionInfo(connID string) models.SessionInfo {
	info := models.SessionInfo{ConnectionID: connID}
	s, ok := r.lookup(connID)
	if !ok {
		return info
	}
	info.Exists = true
	info.Running = s.IsRunning()
	info.SessionID = s.SessionID()
	info.Kind = string(s.Kind())
	info.WorkDir = s.WorkDir()
	info.DisplayName = s.DisplayName()
	if pid := s.Pid(); pid > 0 {
		info.PID = &pid
	}
	return info
}

// ActiveSessions returns a sorted snapshot of connection ids.
func (r *Registry) ActiveSessions() []string {
	ids := []string{}
	r.sessions.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}

func (r *Registry) ActiveSessionCount() int {
	n := 0
	r.sessions.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (r *Registry) SessionExists(connID string) bool {
	_, ok := r.sessions.Load(connID)
	return ok
}

func (r *Registry) IsSessionRunning(connID string) bool {
	s, ok := r.lookup(connID)
	return ok && s.IsRunning()
}

// Shutdown stops accepting sessions, closes every session gracefully and
// waits for background teardowns, or until ctx is done.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closing) })

	g, _ := errgroup.WithContext(ctx)
	r.sessions.Range(func(k, v any) bool {
		connID, s := k.(string), v.(*session.Session)
		g.Go(func() error {
			r.removal.Lock()
			removed := r.sessions.CompareAndDelete(connID, s)
			r.removal.Unlock()
			if !removed {
				return nil
			}
			err := s.CloseGracefully(r.cfg.ShutdownTimeout)
			s.Dispose()
			r.notifier.SessionTerminated(connID)
			if err != nil {
				return fmt.Errorf("close %s: %w", connID, err)
			}
			return nil
		})
		return true
	})
	err := g.Wait()

	done := make(chan struct{})
	go func() {
		r.background.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	r.log.Info().Msg("registry shut down")
	return err
}
