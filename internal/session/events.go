package session

import "time"

// Event is something a Session reports to its handler. The concrete types are
// OutputEvent, IdentifierDetectedEvent, IdentifierTimeoutEvent, ErrorEvent,
// CompletedEvent and RunningChangedEvent.
type Event interface {
	eventName() string
}

// Handler receives every event of one session. It is captured at
// construction and detached by Dispose.
//
// Handlers run on the session's background goroutines. OutputEvent and
// IdentifierDetectedEvent come from the read loop, so a slow handler slows
// the stream down.
type Handler func(Event)

// OutputEvent carries one decoded chunk of raw terminal output, ANSI intact.
type OutputEvent struct {
	Data string
}

// IdentifierDetectedEvent fires at most once, when the tool's session
// identifier has been scraped from its output. ID is the canonical
// lower-case UUID form, which can differ in case from what the tool printed.
type IdentifierDetectedEvent struct {
	ID string
}

// IdentifierTimeoutEvent fires at most once, when the identifier did not show
// up in time after the ready marker. It never fires together with
// IdentifierDetectedEvent.
type IdentifierTimeoutEvent struct {
	After time.Duration
}

// ErrorEvent reports an unexpected failure on a background goroutine.
type ErrorEvent struct {
	Err error
}

// CompletedEvent fires exactly once when the child process has exited.
type CompletedEvent struct {
	ExitCode int
	Killed   bool
}

// RunningChangedEvent reports transitions of the running flag.
type RunningChangedEvent struct {
	Running bool
}

func (OutputEvent) eventName() string             { return "output" }
func (IdentifierDetectedEvent) eventName() string { return "identifier_detected" }
func (IdentifierTimeoutEvent) eventName() string  { return "identifier_timeout" }
func (ErrorEvent) eventName() string              { return "error" }
func (CompletedEvent) eventName() string          { return "completed" }
func (RunningChangedEvent) eventName() string     { return "running_changed" }
