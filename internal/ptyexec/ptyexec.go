// Package ptyexec wraps creack/pty to back the agent's terminal command
// executor (spec §4.4): one PTY-backed shell per terminal session.
package ptyexec

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/creack/pty"
)

// ErrUnsupported is returned by New on platforms without PTY support
// (spec's terminal_error{reason="unsupported"} case).
var ErrUnsupported = errors.New("ptyexec: PTY sessions are not supported on this platform")

// Session is one PTY-backed shell process.
type Session struct {
	cmd  *exec.Cmd
	ptmx *os.File

	mu     sync.Mutex
	closed bool
}

// DefaultShell returns the shell to launch when none was requested.
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd.exe"
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// New starts shell (or DefaultShell()) in a new PTY sized rows x cols.
func New(shell string, rows, cols int) (*Session, error) {
	if runtime.GOOS == "windows" {
		return nil, ErrUnsupported
	}
	if shell == "" {
		shell = DefaultShell()
	}
	cmd := exec.Command(shell)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, fmt.Errorf("ptyexec: start %s: %w", shell, err)
	}
	return &Session{cmd: cmd, ptmx: ptmx}, nil
}

// Read reads PTY output into buf, implementing io.Reader semantics the
// agent's terminal loop drives in its own goroutine per session.
func (s *Session) Read(buf []byte) (int, error) {
	return s.ptmx.Read(buf)
}

// Write sends operator keystrokes to the PTY.
func (s *Session) Write(data []byte) (int, error) {
	return s.ptmx.Write(data)
}

// Resize applies a new terminal size.
func (s *Session) Resize(rows, cols int) error {
	return pty.Setsize(s.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Close terminates the shell process and releases the PTY file
// descriptor. Safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.ptmx.Close()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
	return nil
}

// Wait blocks until the shell process exits.
func (s *Session) Wait() error {
	return s.cmd.Wait()
}
