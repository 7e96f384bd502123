//go:build !windows

package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
)

type unixTerminal struct {
	cmd  *exec.Cmd
	ptmx *os.File

	done     chan struct{}
	exitCode atomic.Int64
	disposed atomic.Bool

	// mu serialises Resize/Kill against Close so the fd is never used after
	// it has been released.
	mu sync.Mutex
}

// Start launches opts.Command on a new pseudo-terminal.
func Start(opts Options) (Terminal, error) {
	rows, cols := opts.size()

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Dir = opts.Dir
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	if err != nil {
		return nil, newStartError("start "+opts.Command, err)
	}

	t := &unixTerminal{
		cmd:  cmd,
		ptmx: ptmx,
		done: make(chan struct{}),
	}
	t.exitCode.Store(-1)

	go t.monitor()
	return t, nil
}

func (t *unixTerminal) monitor() {
	err := t.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	t.exitCode.Store(int64(code))
	close(t.done)
}

func (t *unixTerminal) Read(p []byte) (int, error) {
	if t.disposed.Load() {
		return 0, io.EOF
	}
	return normalizeRead(t.ptmx.Read(p))
}

func (t *unixTerminal) WriteInput(text string) error {
	if t.disposed.Load() {
		return ErrClosed
	}
	_, err := t.ptmx.Write([]byte(text))
	return err
}

func (t *unixTerminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidSize
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed.Load() {
		return ErrClosed
	}
	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
}

func (t *unixTerminal) Kill() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killLocked()
}

func (t *unixTerminal) killLocked() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	if t.cmd.Process == nil {
		return nil
	}
	if err := t.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (t *unixTerminal) WaitForExit(timeout time.Duration) bool {
	return waitTimeout(t.done, timeout)
}

func (t *unixTerminal) Done() <-chan struct{} { return t.done }

func (t *unixTerminal) ExitCode() int { return int(t.exitCode.Load()) }

func (t *unixTerminal) Pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

func (t *unixTerminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.disposed.CompareAndSwap(false, true) {
		return nil
	}
	killErr := t.killLocked()
	closeErr := t.ptmx.Close()
	return errors.Join(killErr, closeErr)
}

func isPlatformEndOfStream(error) bool { return false }
