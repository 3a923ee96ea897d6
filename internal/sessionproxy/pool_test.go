package sessionproxy

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illgrenoble/webx-router/internal/registry"
)

func TestKeyedPoolJoinsInFlightWork(t *testing.T) {
	pool := newKeyedPool()

	var calls int32
	start := make(chan struct{})
	work := func() (*registry.X11Session, error) {
		atomic.AddInt32(&calls, 1)
		<-start
		return &registry.X11Session{SessionID: "abc"}, nil
	}

	ch1 := pool.submit("alice", work)
	ch2 := pool.submit("alice", work)

	close(start)

	r1 := <-ch1
	r2 := <-ch2

	require.NoError(t, r1.err)
	require.NoError(t, r2.err)
	assert.Equal(t, "abc", r1.session.SessionID)
	assert.Equal(t, "abc", r2.session.SessionID)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestKeyedPoolRunsSeparateUsersConcurrently(t *testing.T) {
	pool := newKeyedPool()

	chA := pool.submit("alice", func() (*registry.X11Session, error) {
		return &registry.X11Session{SessionID: "a"}, nil
	})
	chB := pool.submit("bob", func() (*registry.X11Session, error) {
		return &registry.X11Session{SessionID: "b"}, nil
	})

	select {
	case r := <-chA:
		assert.Equal(t, "a", r.session.SessionID)
	case <-time.After(time.Second):
		t.Fatal("alice's work never completed")
	}
	select {
	case r := <-chB:
		assert.Equal(t, "b", r.session.SessionID)
	case <-time.After(time.Second):
		t.Fatal("bob's work never completed")
	}
}

func TestKeyedPoolAllowsResubmitAfterCompletion(t *testing.T) {
	pool := newKeyedPool()

	work := func() (*registry.X11Session, error) {
		return &registry.X11Session{SessionID: "x"}, nil
	}

	<-pool.submit("carol", work)
	r := <-pool.submit("carol", work)
	assert.Equal(t, "x", r.session.SessionID)
}
