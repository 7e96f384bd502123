package session

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
)

// Kind selects what a session runs.
type Kind string

const (
	// KindAssistant is the primary interactive tool.
	KindAssistant Kind = "assistant"
	// KindShell is an auxiliary interactive shell.
	KindShell Kind = "shell"
)

// ErrUnknownKind is returned by ParseKind.
var ErrUnknownKind = errors.New("unknown terminal kind")

// ParseKind maps client input to a Kind. The empty string means the
// assistant.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "assistant", "claude":
		return KindAssistant, nil
	case "shell":
		return KindShell, nil
	}
	return "", fmt.Errorf("%w %q", ErrUnknownKind, s)
}

// SkipPermissionsFlag is always passed to the assistant.
const SkipPermissionsFlag = "--dangerously-skip-permissions"

// CommandLine returns the program and arguments for kind.
func (s Settings) CommandLine(kind Kind, resumeID string) (string, []string) {
	if kind == KindShell {
		return s.ShellPath, append([]string(nil), s.ShellArgs...)
	}
	args := []string{SkipPermissionsFlag}
	if resumeID != "" {
		args = append(args, "--resume", resumeID)
	}
	return s.ToolPath, args
}

// ExitCommand is what CloseGracefully types to ask the child to quit.
func ExitCommand(kind Kind) string {
	if kind == KindShell {
		return "exit\r"
	}
	return "/exit\r"
}

// DefaultShell returns the interactive shell for this platform.
func DefaultShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "pwsh.exe", []string{"-NoLogo", "-NoExit"}
	}
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh, []string{"-i"}
	}
	return "/bin/sh", []string{"-i"}
}
