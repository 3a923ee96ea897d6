package sessionproxy

import (
	"sync"

	"github.com/illgrenoble/webx-router/internal/registry"
)

// createResult is what a queued create work item reports back.
type createResult struct {
	session *registry.X11Session
	err     error
}

// job tracks one in-flight create: done is closed once result is safe to
// read, so any number of joiners can observe it (a plain channel would
// only deliver to whichever joiner happened to receive first).
type job struct {
	done   chan struct{}
	result createResult
}

// keyedPool runs at most one in-flight create per username. A second
// request for the same username while one is already running joins the
// first one's result rather than racing it (spec §4.F: "a second create
// for a username already Authenticating/Spawning observes the same
// outcome as the one in flight").
type keyedPool struct {
	mu       sync.Mutex
	inFlight map[string]*job
}

func newKeyedPool() *keyedPool {
	return &keyedPool{inFlight: make(map[string]*job)}
}

// submit runs work on a new goroutine unless username already has work in
// flight, in which case the existing job is joined instead. The returned
// channel receives the job's result exactly once; it is never closed.
func (k *keyedPool) submit(username string, work func() (*registry.X11Session, error)) <-chan createResult {
	k.mu.Lock()
	if j, ok := k.inFlight[username]; ok {
		k.mu.Unlock()
		return joinedChan(j)
	}

	j := &job{done: make(chan struct{})}
	k.inFlight[username] = j
	k.mu.Unlock()

	go func() {
		session, err := work()
		j.result = createResult{session: session, err: err}
		close(j.done)

		k.mu.Lock()
		delete(k.inFlight, username)
		k.mu.Unlock()
	}()

	return joinedChan(j)
}

// joinedChan adapts a job's done signal into a single-value result channel.
func joinedChan(j *job) <-chan createResult {
	out := make(chan createResult, 1)
	go func() {
		<-j.done
		out <- j.result
	}()
	return out
}
