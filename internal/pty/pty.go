// Package pty runs a single child process attached to an OS pseudo-terminal
// and exposes its raw byte streams.
//
// On Unix the terminal is a creack/pty master/slave pair. On Windows it is a
// ConPTY pseudo-console fed by two anonymous pipes.
package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"
)

const (
	DefaultRows = 40
	DefaultCols = 120
)

// ErrClosed is returned by operations on a terminal that has been closed.
var ErrClosed = errors.New("pty: terminal closed")

// ErrInvalidSize is returned by Resize for non-positive dimensions.
var ErrInvalidSize = errors.New("pty: invalid terminal size")

// Terminal is one child process attached to a pseudo-terminal.
//
// A Terminal has exactly one reader (the owning session's read loop) and any
// number of writers. Close may be called concurrently with an in-flight Read;
// the Read then returns io.EOF.
type Terminal interface {
	// Read reads raw output. It returns io.EOF once the child has exited and
	// the output pipe is drained, or after Close.
	Read(p []byte) (int, error)

	// WriteInput writes text to the child's input as UTF-8.
	WriteInput(text string) error

	// Resize changes the terminal dimensions.
	Resize(cols, rows int) error

	// Kill force-terminates the child. Calling it after exit is a no-op.
	Kill() error

	// WaitForExit blocks until the child exits or the timeout elapses and
	// reports whether it exited.
	WaitForExit(timeout time.Duration) bool

	// Done is closed when the child has exited.
	Done() <-chan struct{}

	// ExitCode is the child's exit status. Only meaningful after Done.
	ExitCode() int

	// Pid is the OS process id of the child.
	Pid() int

	// Close kills the child if needed and releases every OS handle.
	Close() error
}

// Options describes the process to launch.
type Options struct {
	Command string
	Args    []string
	Dir     string
	// Env is appended to the host environment.
	Env  []string
	Rows int
	Cols int
}

func (o Options) size() (rows, cols int) {
	rows, cols = o.Rows, o.Cols
	if rows <= 0 {
		rows = DefaultRows
	}
	if cols <= 0 {
		cols = DefaultCols
	}
	return rows, cols
}

// StartError reports a failure to create the pseudo-terminal or the child.
type StartError struct {
	Op   string
	Code int
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("pty: %s failed (os error %d): %v", e.Op, e.Code, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

func newStartError(op string, err error) *StartError {
	code := -1
	var errno syscall.Errno
	if errors.As(err, &errno) {
		code = int(errno)
	}
	return &StartError{Op: op, Code: code, Err: err}
}

// isEndOfStream reports whether a read error only means the child side has
// gone away.
func isEndOfStream(err error) bool {
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, os.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.EIO):
		return true
	}
	return isPlatformEndOfStream(err)
}

// normalizeRead maps end-of-stream conditions to io.EOF.
func normalizeRead(n int, err error) (int, error) {
	if err != nil && isEndOfStream(err) {
		return n, io.EOF
	}
	return n, err
}

func waitTimeout(done <-chan struct{}, timeout time.Duration) bool {
	if timeout <= 0 {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// releaseAfter runs release once done is closed, in the background if it is
// not closed yet.
func releaseAfter(done <-chan struct{}, release func()) {
	select {
	case <-done:
		release()
	default:
		go func() {
			<-done
			release()
		}()
	}
}
