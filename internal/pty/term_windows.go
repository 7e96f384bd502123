//go:build windows

package pty

import (
	"errors"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

type conptyTerminal struct {
	hpc     windows.Handle
	process windows.Handle
	thread  windows.Handle
	pid     int
	attrs   *windows.ProcThreadAttributeListContainer

	in  *os.File // host writes, pseudo-console reads
	out *os.File // pseudo-console writes, host reads

	done     chan struct{}
	exitCode atomic.Int64
	disposed atomic.Bool

	mu sync.Mutex
}

// Start launches opts.Command attached to a new ConPTY pseudo-console.
func Start(opts Options) (Terminal, error) {
	rows, cols := opts.size()

	var inRead, inWrite, outRead, outWrite windows.Handle
	if err := windows.CreatePipe(&inRead, &inWrite, nil, 0); err != nil {
		return nil, newStartError("create input pipe", err)
	}
	if err := windows.CreatePipe(&outRead, &outWrite, nil, 0); err != nil {
		closeHandles(inRead, inWrite)
		return nil, newStartError("create output pipe", err)
	}

	var hpc windows.Handle
	size := windows.Coord{X: int16(cols), Y: int16(rows)}
	if err := windows.CreatePseudoConsole(size, inRead, outWrite, 0, &hpc); err != nil {
		closeHandles(inRead, inWrite, outRead, outWrite)
		return nil, newStartError("create pseudo console", err)
	}
	// The pseudo-console holds its own references to these ends.
	closeHandles(inRead, outWrite)

	attrs, err := windows.NewProcThreadAttributeList(1)
	if err != nil {
		windows.ClosePseudoConsole(hpc)
		closeHandles(inWrite, outRead)
		return nil, newStartError("allocate attribute list", err)
	}
	if err := attrs.Update(windows.PROC_THREAD_ATTRIBUTE_PSEUDOCONSOLE, unsafe.Pointer(hpc), unsafe.Sizeof(hpc)); err != nil {
		attrs.Delete()
		windows.ClosePseudoConsole(hpc)
		closeHandles(inWrite, outRead)
		return nil, newStartError("attach pseudo console", err)
	}

	si := &windows.StartupInfoEx{ProcThreadAttributeList: attrs.List()}
	si.Cb = uint32(unsafe.Sizeof(*si))

	cmdLine, err := windows.UTF16PtrFromString(windows.ComposeCommandLine(append([]string{opts.Command}, opts.Args...)))
	if err != nil {
		attrs.Delete()
		windows.ClosePseudoConsole(hpc)
		closeHandles(inWrite, outRead)
		return nil, newStartError("encode command line", err)
	}
	var dir *uint16
	if opts.Dir != "" {
		if dir, err = windows.UTF16PtrFromString(opts.Dir); err != nil {
			attrs.Delete()
			windows.ClosePseudoConsole(hpc)
			closeHandles(inWrite, outRead)
			return nil, newStartError("encode working directory", err)
		}
	}
	env := environmentBlock(append(os.Environ(), opts.Env...))

	var pi windows.ProcessInformation
	err = windows.CreateProcess(nil, cmdLine, nil, nil, false,
		windows.EXTENDED_STARTUPINFO_PRESENT|windows.CREATE_UNICODE_ENVIRONMENT,
		env, dir, &si.StartupInfo, &pi)
	if err != nil {
		attrs.Delete()
		windows.ClosePseudoConsole(hpc)
		closeHandles(inWrite, outRead)
		return nil, newStartError("create process "+opts.Command, err)
	}

	t := &conptyTerminal{
		hpc:     hpc,
		process: pi.Process,
		thread:  pi.Thread,
		pid:     int(pi.ProcessId),
		attrs:   attrs,
		in:      os.NewFile(uintptr(inWrite), "conpty-in"),
		out:     os.NewFile(uintptr(outRead), "conpty-out"),
		done:    make(chan struct{}),
	}
	t.exitCode.Store(-1)

	go t.monitor()
	return t, nil
}

func (t *conptyTerminal) monitor() {
	_, _ = windows.WaitForSingleObject(t.process, windows.INFINITE)
	var code uint32
	if err := windows.GetExitCodeProcess(t.process, &code); err == nil {
		t.exitCode.Store(int64(code))
	}
	close(t.done)
}

func (t *conptyTerminal) Read(p []byte) (int, error) {
	if t.disposed.Load() {
		return 0, io.EOF
	}
	return normalizeRead(t.out.Read(p))
}

func (t *conptyTerminal) WriteInput(text string) error {
	if t.disposed.Load() {
		return ErrClosed
	}
	if _, err := t.in.Write([]byte(text)); err != nil {
		return err
	}
	return windows.FlushFileBuffers(windows.Handle(t.in.Fd()))
}

func (t *conptyTerminal) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return ErrInvalidSize
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disposed.Load() {
		return ErrClosed
	}
	return windows.ResizePseudoConsole(t.hpc, windows.Coord{X: int16(cols), Y: int16(rows)})
}

func (t *conptyTerminal) Kill() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killLocked()
}

func (t *conptyTerminal) killLocked() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	if err := windows.TerminateProcess(t.process, 1); err != nil && !errors.Is(err, windows.ERROR_ACCESS_DENIED) {
		return err
	}
	return nil
}

func (t *conptyTerminal) WaitForExit(timeout time.Duration) bool {
	return waitTimeout(t.done, timeout)
}

func (t *conptyTerminal) Done() <-chan struct{} { return t.done }

func (t *conptyTerminal) ExitCode() int { return int(t.exitCode.Load()) }

func (t *conptyTerminal) Pid() int { return t.pid }

func (t *conptyTerminal) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.disposed.CompareAndSwap(false, true) {
		return nil
	}
	killErr := t.killLocked()
	inErr := t.in.Close()

	// Before Windows 11 24H2 ClosePseudoConsole blocks until its final frame
	// is read, and Read already reports EOF to the session once disposed.
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		_, _ = io.Copy(io.Discard, t.out)
	}()
	windows.ClosePseudoConsole(t.hpc)
	outErr := t.out.Close()
	<-drained
	t.attrs.Delete()

	// The monitor goroutine waits on the process handle; close it only
	// after the wait returned.
	process, thread := t.process, t.thread
	releaseAfter(t.done, func() { closeHandles(process, thread) })
	return errors.Join(killErr, inErr, outErr)
}

func closeHandles(handles ...windows.Handle) {
	for _, h := range handles {
		if h != 0 && h != windows.InvalidHandle {
			_ = windows.CloseHandle(h)
		}
	}
}

// environmentBlock encodes env as a double-NUL terminated UTF-16 block.
func environmentBlock(env []string) *uint16 {
	if len(env) == 0 {
		return nil
	}
	var b strings.Builder
	for _, kv := range env {
		if strings.IndexByte(kv, 0) >= 0 {
			continue
		}
		b.WriteString(kv)
		b.WriteByte(0)
	}
	b.WriteByte(0)
	block := utf16.Encode([]rune(b.String()))
	return &block[0]
}

func isPlatformEndOfStream(err error) bool {
	return errors.Is(err, windows.ERROR_BROKEN_PIPE) ||
		errors.Is(err, windows.ERROR_NO_DATA) ||
		errors.Is(err, windows.ERROR_PIPE_NOT_CONNECTED)
}
