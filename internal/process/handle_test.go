package process

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSpawnAndRelease(t *testing.T) {
	h, err := Spawn(exec.Command("sleep", "5"), Options{Name: "test-sleep", Grace: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.True(t, h.IsRunning())
	assert.Greater(t, h.Pid(), 0)

	err = h.Release()
	assert.NoError(t, err)
	assert.False(t, h.IsRunning())

	// Release is idempotent.
	assert.NoError(t, h.Release())
}

func TestExitedClosesOnNaturalExit(t *testing.T) {
	h, err := Spawn(exec.Command("true"), Options{Name: "test-true"})
	require.NoError(t, err)

	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		t.Fatal("process did not report exit")
	}
	assert.False(t, h.IsRunning())
}

func TestWaitReadySucceedsImmediately(t *testing.T) {
	h, err := Spawn(exec.Command("sleep", "2"), Options{Name: "test-ready"})
	require.NoError(t, err)
	defer h.Release()

	ready := func() (bool, error) { return true, nil }
	err = h.WaitReady(context.Background(), ready, 10*time.Millisecond)
	assert.NoError(t, err)
}

func TestWaitReadyFailsWhenProcessExits(t *testing.T) {
	h, err := Spawn(exec.Command("true"), Options{Name: "test-exits"})
	require.NoError(t, err)

	ready := func() (bool, error) { return false, nil }
	err = h.WaitReady(context.Background(), ready, 10*time.Millisecond)
	assert.Error(t, err)
}
