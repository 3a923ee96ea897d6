package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/illgrenoble/webx-router/internal/config"
	"github.com/illgrenoble/webx-router/internal/display"
	"github.com/illgrenoble/webx-router/internal/engine"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	cfg := config.Default()
	disp := display.New(cfg.Display, nil)
	eng := engine.New(cfg.Engine, nil)
	return New(cfg, disp, eng, nil)
}

func TestFindRejectsWrongSecret(t *testing.T) {
	r := newTestRegistry(t)
	x11 := &X11Session{SessionID: "s1", Secret: "correct", Username: "alice", CreatedAt: time.Now()}
	require.NoError(t, r.insert(x11, &EngineSession{SessionID: "s1", Secret: "correct"}))

	_, err := r.Find("s1", "wrong")
	assert.Error(t, err)

	got, err := r.Find("s1", "correct")
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)
}

func TestFindUnknownSession(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Find("nope", "whatever")
	assert.Error(t, err)
}

func TestInsertRejectsDuplicateUsername(t *testing.T) {
	r := newTestRegistry(t)
	first := &X11Session{SessionID: "s1", Secret: "a", Username: "bob"}
	second := &X11Session{SessionID: "s2", Secret: "b", Username: "bob"}

	require.NoError(t, r.insert(first, &EngineSession{SessionID: "s1"}))
	assert.Error(t, r.insert(second, &EngineSession{SessionID: "s2"}))
}

func TestListAndRemove(t *testing.T) {
	r := newTestRegistry(t)
	x11 := &X11Session{SessionID: "s1", Secret: "a", Username: "carol", DisplayNumber: 15}
	require.NoError(t, r.insert(x11, &EngineSession{SessionID: "s1"}))
	r.displays[15] = true

	assert.Len(t, r.List(), 1)

	require.NoError(t, r.Remove("s1"))
	assert.Len(t, r.List(), 0)
	_, ok := r.FindByUser("carol")
	assert.False(t, ok)
	assert.False(t, r.displays[15])
}

func TestRemoveUnknownSessionErrors(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.Remove("missing"))
}

func TestPendingStateLifecycle(t *testing.T) {
	r := newTestRegistry(t)
	assert.Nil(t, r.PendingState("dave"))

	r.MarkAuthenticating("dave")
	p := r.PendingState("dave")
	require.NotNil(t, p)
	assert.Equal(t, StateAuthenticating, p.State)

	r.setPending("dave", StateReady, 0, "s9", "secret9")
	p = r.PendingState("dave")
	require.NotNil(t, p)
	assert.Equal(t, StateReady, p.State)
	assert.Equal(t, "s9", p.SessionID)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Idle", StateIdle.String())
	assert.Equal(t, "Ready", StateReady.String())
	assert.Equal(t, "Failed", StateFailed.String())
}
