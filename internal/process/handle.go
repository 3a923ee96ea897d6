// Package process provides Handle, a scoped wrapper around a spawned
// child process (spec §4.A). A Handle guarantees termination on Release:
// SIGTERM, a bounded grace period, then SIGKILL, then reap.
package process

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"
)

// ReadyFunc polls for a child's readiness condition (e.g. a listening
// socket). It should return quickly and be safe to call repeatedly.
type ReadyFunc func() (bool, error)

// Handle owns one spawned child. It is shareable for read (Pid, Running)
// but single-owner for termination: Release is called by whichever
// component owns the Handle's lifetime in the registry; calls after the
// first are no-ops.
type Handle struct {
	name    string
	cmd     *exec.Cmd
	logger  hclog.Logger
	grace   time.Duration
	exited  chan struct{}
	exitErr error

	releaseOnce sync.Once
	running     atomic.Bool
}

// Options configure Spawn.
type Options struct {
	Name       string // used only for logging
	Grace      time.Duration
	Logger     hclog.Logger
	LogFile    *os.File // optional; Stdout/Stderr redirected here
	Credential *syscall.Credential
	ExtraFiles []*os.File
}

// Spawn starts cmd and returns a Handle tracking it. cmd.SysProcAttr's
// Setpgid is forced on so that Release's signals reach the whole process
// group the child may have created, not just its direct pid.
func Spawn(cmd *exec.Cmd, opts Options) (*Handle, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}
	if opts.Grace <= 0 {
		opts.Grace = 3 * time.Second
	}
	if opts.LogFile != nil {
		cmd.Stdout = opts.LogFile
		cmd.Stderr = opts.LogFile
	}
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Setpgid = true
	if opts.Credential != nil {
		cmd.SysProcAttr.Credential = opts.Credential
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("process: spawn %s: %w", opts.Name, err)
	}

	h := &Handle{
		name:   opts.Name,
		cmd:    cmd,
		logger: opts.Logger,
		grace:  opts.Grace,
		exited: make(chan struct{}),
	}
	h.running.Store(true)

	go h.reap()

	return h, nil
}

func (h *Handle) reap() {
	err := h.cmd.Wait()
	h.running.Store(false)
	h.exitErr = err
	close(h.exited)
}

// Pid returns the child's process id.
func (h *Handle) Pid() int { return h.cmd.Process.Pid }

// Name returns the handle's logging name.
func (h *Handle) Name() string { return h.name }

// IsRunning reports whether the child has not yet been reaped. It never
// blocks (the underlying state is maintained by the background reaper
// goroutine started in Spawn, which performs the blocking Wait).
func (h *Handle) IsRunning() bool { return h.running.Load() }

// Exited returns a channel closed when the child has exited.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// WaitReady polls ready until it returns true, an error, or timeout
// elapses. It fails fast if the child exits while waiting.
func (h *Handle) WaitReady(ctx context.Context, ready ReadyFunc, poll time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeoutOrDefault(ctx))
	defer cancel()

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, err := ready()
		if err != nil {
			return fmt.Errorf("process: %s readiness check: %w", h.name, err)
		}
		if ok {
			return nil
		}
		select {
		case <-h.exited:
			return fmt.Errorf("process: %s exited before becoming ready: %w", h.name, h.exitErr)
		case <-ctx.Done():
			return fmt.Errorf("process: %s not ready: %w", h.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func readyTimeoutOrDefault(ctx context.Context) time.Duration {
	if dl, ok := ctx.Deadline(); ok {
		return time.Until(dl)
	}
	return 5 * time.Second
}

// Release sends SIGTERM, waits up to the configured grace period, then
// SIGKILL, and blocks until the child is reaped. Safe to call multiple
// times; only the first call signals. It returns nil when the child ended
// on SIGTERM or SIGKILL, and the child's own exit error otherwise.
func (h *Handle) Release() error {
	h.releaseOnce.Do(func() {
		if h.running.Load() {
			_ = signalGroup(h.cmd.Process.Pid, syscall.SIGTERM)
		}
		select {
		case <-h.exited:
			return
		case <-time.After(h.grace):
			h.logger.Warn("grace period elapsed, sending SIGKILL", "process", h.name, "pid", h.cmd.Process.Pid)
			_ = signalGroup(h.cmd.Process.Pid, syscall.SIGKILL)
			<-h.exited
		}
	})
	if ee, ok := h.exitErr.(*exec.ExitError); ok {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() &&
			(ws.Signal() == syscall.SIGTERM || ws.Signal() == syscall.SIGKILL) {
			return nil
		}
	}
	return h.exitErr
}

// signalGroup signals the process group rooted at pid (negative pid is
// the process-group signal convention; Spawn sets Setpgid so pid is also
// the group id).
func signalGroup(pid int, sig syscall.Signal) error {
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}
