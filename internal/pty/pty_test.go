package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestNormalizeRead(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantEOF bool
	}{
		{"nil", nil, false},
		{"eof", io.EOF, true},
		{"closed pipe", io.ErrClosedPipe, true},
		{"closed file", fmt.Errorf("read: %w", os.ErrClosed), true},
		{"broken pipe", &os.PathError{Op: "read", Path: "/dev/ptmx", Err: syscall.EPIPE}, true},
		{"eio", &os.PathError{Op: "read", Path: "/dev/ptmx", Err: syscall.EIO}, true},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalizeRead(0, tt.err)
			if gotEOF := err == io.EOF; gotEOF != tt.wantEOF {
				t.Errorf("normalizeRead(%v) = %v, wantEOF %v", tt.err, err, tt.wantEOF)
			}
			if !tt.wantEOF && err != tt.err {
				t.Errorf("normalizeRead changed non-EOF error %v to %v", tt.err, err)
			}
		})
	}
}

func TestStartError(t *testing.T) {
	err := newStartError("create process claude", syscall.Errno(2))
	if err.Code != 2 {
		t.Errorf("Code = %d, want 2", err.Code)
	}
	if !strings.Contains(err.Error(), "os error 2") {
		t.Errorf("message %q does not include the os error code", err.Error())
	}
	if !errors.Is(err, syscall.Errno(2)) {
		t.Error("StartError does not unwrap to the errno")
	}

	plain := newStartError("start", errors.New("nope"))
	if plain.Code != -1 {
		t.Errorf("Code for non-errno error = %d, want -1", plain.Code)
	}
}

func TestOptionsSizeDefaults(t *testing.T) {
	rows, cols := Options{}.size()
	if rows != DefaultRows || cols != DefaultCols {
		t.Errorf("size() = %d x %d, want %d x %d", rows, cols, DefaultRows, DefaultCols)
	}
	rows, cols = Options{Rows: 10, Cols: 20}.size()
	if rows != 10 || cols != 20 {
		t.Errorf("size() = %d x %d, want 10 x 20", rows, cols)
	}
}

func TestReleaseAfter(t *testing.T) {
	t.Run("already done", func(t *testing.T) {
		done := make(chan struct{})
		close(done)
		released := false
		releaseAfter(done, func() { released = true })
		if !released {
			t.Error("release did not run synchronously")
		}
	})

	t.Run("waits for done", func(t *testing.T) {
		done := make(chan struct{})
		released := make(chan struct{})
		releaseAfter(done, func() { close(released) })
		select {
		case <-released:
			t.Fatal("released before done")
		case <-time.After(20 * time.Millisecond):
		}
		close(done)
		select {
		case <-released:
		case <-time.After(time.Second):
			t.Fatal("not released after done")
		}
	})
}
