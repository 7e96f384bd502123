//go:build windows

package pty

import (
	"testing"
	"time"
)

func TestClose_UnreadOutputDoesNotBlock(t *testing.T) {
	// Nobody reads the output, so the pseudo-console holds a pending frame.
	term, err := Start(Options{Command: "cmd.exe", Args: []string{"/q", "/k", "dir /s C:\\Windows\\System32"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	closed := make(chan error, 1)
	go func() { closed <- term.Close() }()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close blocked with unread output")
	}

	if !term.WaitForExit(5 * time.Second) {
		t.Error("process still running after Close")
	}
	if err := term.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestRead_AfterCloseIsEOF(t *testing.T) {
	term, err := Start(Options{Command: "cmd.exe", Args: []string{"/q", "/k"}})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	term.Close()
	if n, err := term.Read(make([]byte, 16)); n != 0 || err == nil {
		t.Errorf("Read after Close = %d, %v; want 0, EOF", n, err)
	}
}
