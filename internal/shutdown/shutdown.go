// Package shutdown implements the Signal & Shutdown Controller (spec
// §4.J): installs SIGTERM/SIGQUIT/SIGINT handlers, broadcasts a stop
// notification to every long-lived loop, and escalates to a hard kill on
// a second signal during an in-progress drain.
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	hclog "github.com/hashicorp/go-hclog"
)

// Notifier is a one-shot broadcast: every loop observing Stopping() sees
// the same closed channel the instant the first signal arrives. This
// generalizes the teacher's single context.CancelFunc field (which only
// a single subsystem observed) to the many independent loops the router
// runs (Session Proxy, two forwarders, reconcile loop).
type Notifier struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewNotifier returns a Notifier derived from parent.
func NewNotifier(parent context.Context) *Notifier {
	ctx, cancel := context.WithCancel(parent)
	return &Notifier{ctx: ctx, cancel: cancel}
}

// Stopping returns a channel closed once shutdown has begun.
func (n *Notifier) Stopping() <-chan struct{} { return n.ctx.Done() }

// Context returns the underlying context, for loops that prefer to thread
// a context.Context rather than select on Stopping().
func (n *Notifier) Context() context.Context { return n.ctx }

// Trigger begins shutdown. Safe to call multiple times.
func (n *Notifier) Trigger() { n.cancel() }

// Controller owns the OS signal handler and drives the Notifier plus a
// hard-kill escalation on a second signal.
type Controller struct {
	notifier *Notifier
	hardKill func()
	logger   hclog.Logger

	once sync.Once
	sigs chan os.Signal
}

// New builds a Controller; signal handling is installed when Run is called.
func New(notifier *Notifier, hardKill func(), logger hclog.Logger) *Controller {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Controller{
		notifier: notifier,
		hardKill: hardKill,
		logger:   logger.Named("shutdown"),
		sigs:     make(chan os.Signal, 2),
	}
}

// Run blocks until the process receives SIGTERM, SIGQUIT, or SIGINT. On
// the first signal it triggers the Notifier; on a second signal received
// before drainDone is closed, it calls hardKill and the caller is expected
// to os.Exit(1) immediately after Run returns. drainDone must be a
// channel distinct from ctx's own cancellation — it should be closed by
// the caller only once its own shutdown sequence (draining sessions) has
// actually finished, not by Trigger, or the second signal watch would
// resolve the instant the first signal cancels ctx and hardKill would
// never be reachable.
func (c *Controller) Run(ctx context.Context, drainDone <-chan struct{}) {
	signal.Notify(c.sigs, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGINT)
	defer signal.Stop(c.sigs)

	// SIGPIPE is ignored process-wide (spec §7): writes to dead engines
	// must surface through normal Send/Recv error paths, not kill the
	// router.
	signal.Ignore(syscall.SIGPIPE)

	select {
	case sig := <-c.sigs:
		c.logger.Info("received signal, starting shutdown", "signal", sig.String())
		c.notifier.Trigger()
	case <-ctx.Done():
		c.notifier.Trigger()
	case <-drainDone:
		return
	}

	select {
	case sig := <-c.sigs:
		c.logger.Warn("second signal received, hard-killing", "signal", sig.String())
		if c.hardKill != nil {
			c.hardKill()
		}
	case <-drainDone:
	}
}
