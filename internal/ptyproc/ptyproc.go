// Package ptyproc spawns and controls a pseudo-terminal child process.
package ptyproc

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

// Descriptor is the launch descriptor for a new PTY-backed process.
type Descriptor struct {
	Command string
	Args    []string
	Cwd     string
	Env     map[string]string
	Cols    uint16
	Rows    uint16
}

// Adapter wraps a single PTY-attached child process. It never transcodes the
// bytes flowing through it; chunks are opaque.
type Adapter struct {
	ptmx     *os.File
	cmd      *exec.Cmd
	mu       sync.Mutex
	closed   bool
	doneCh   chan struct{}
	doneOnce sync.Once
	usePgrp  bool
}

// New spawns the child process described by d attached to a new PTY.
// A spawn failure is the caller's cue to report a spawn-failed error.
func New(d Descriptor) (*Adapter, error) {
	shell := d.Command
	if shell == "" {
		shell = os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
	}

	cmd := exec.Command(shell, d.Args...)
	if d.Cwd != "" {
		cmd.Dir = d.Cwd
	}

	cmd.Env = mergeEnv(os.Environ(), d.Env)

	usePgrp := runtime.GOOS == "linux"
	if usePgrp {
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	}

	cols, rows := d.Cols, d.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, fmt.Errorf("spawn-failed: %w", err)
	}

	return &Adapter{
		ptmx:    ptmx,
		cmd:     cmd,
		doneCh:  make(chan struct{}),
		usePgrp: usePgrp,
	}, nil
}

// mergeEnv overlays overrides onto base, preserving base's ordering for keys
// it doesn't override, and always forcing TERM for terminal emulation.
func mergeEnv(base []string, overrides map[string]string) []string {
	taken := make(map[string]bool, len(overrides))
	for k := range overrides {
		taken[k] = true
	}

	merged := make([]string, 0, len(base)+len(overrides)+1)
	for _, kv := range base {
		idx := -1
		for i, c := range kv {
			if c == '=' {
				idx = i
				break
			}
		}
		if idx > 0 && !taken[kv[:idx]] {
			merged = append(merged, kv)
		}
	}
	for k, v := range overrides {
		merged = append(merged, k+"="+v)
	}
	merged = append(merged, "TERM=xterm-256color")
	return merged
}

// Read reads raw PTY output. Callers must tolerate arbitrary chunking,
// including splits mid-escape-sequence.
func (a *Adapter) Read(p []byte) (int, error) {
	return a.ptmx.Read(p)
}

// Write sends bytes to the PTY's input side.
func (a *Adapter) Write(p []byte) (int, error) {
	return a.ptmx.Write(p)
}

// Resize changes the terminal dimensions.
func (a *Adapter) Resize(cols, rows uint16) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return io.ErrClosedPipe
	}
	return pty.Setsize(a.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

// Kill sends sig to the child (or its process group on Linux), waits up to
// grace for it to exit, and escalates to SIGKILL if it hasn't.
func (a *Adapter) Kill(sig syscall.Signal, grace time.Duration) {
	a.mu.Lock()
	pid := 0
	if a.cmd != nil && a.cmd.Process != nil {
		pid = a.cmd.Process.Pid
	}
	usePgrp := a.usePgrp
	a.mu.Unlock()

	if pid == 0 {
		return
	}
	a.signal(pid, usePgrp, sig)

	select {
	case <-a.doneCh:
		return
	case <-time.After(grace):
	}

	select {
	case <-a.doneCh:
	default:
		a.signal(pid, usePgrp, syscall.SIGKILL)
	}
}

func (a *Adapter) signal(pid int, usePgrp bool, sig syscall.Signal) {
	if usePgrp {
		_ = syscall.Kill(-pid, sig)
	} else if a.cmd.Process != nil {
		_ = a.cmd.Process.Signal(sig)
	}
}

// Close terminates the session unconditionally (SIGKILL) and releases the
// PTY file descriptor. Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	if a.ptmx != nil {
		_ = a.ptmx.Close()
	}
	if a.cmd != nil && a.cmd.Process != nil {
		pid := a.cmd.Process.Pid
		if a.usePgrp {
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		} else {
			_ = a.cmd.Process.Kill()
		}
	}
	a.wait()
	return nil
}

// wait reaps the child and closes doneCh exactly once, even if Close and the
// Run goroutine's own reaper call it concurrently: exec.Cmd.Wait is not safe
// to call twice, let alone concurrently, so both the reap and the close live
// inside the same sync.Once.
func (a *Adapter) wait() {
	a.doneOnce.Do(func() {
		if a.cmd != nil {
			_ = a.cmd.Wait()
		}
		close(a.doneCh)
	})
}

// Run reaps the child in the background and closes Done() on exit. Callers
// that want onExit semantics should select on Done() after spawning this in
// a goroutine.
func (a *Adapter) Run() {
	a.wait()
}

// Done is closed when the child process has exited (or Close was called).
func (a *Adapter) Done() <-chan struct{} {
	return a.doneCh
}

// ExitCode returns the child's exit code once Done() has fired; -1 if the
// process was killed by a signal or hasn't exited yet.
func (a *Adapter) ExitCode() int {
	if a.cmd == nil || a.cmd.ProcessState == nil {
		return -1
	}
	return a.cmd.ProcessState.ExitCode()
}
