// Package registry implements the Session Registry (spec §4.E): the
// mutex-protected table of active sessions, keyed by username and by
// session id, that the Session Proxy drives through display and engine
// spawning.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/illgrenoble/webx-router/internal/config"
	"github.com/illgrenoble/webx-router/internal/display"
	"github.com/illgrenoble/webx-router/internal/engine"
	"github.com/illgrenoble/webx-router/internal/idgen"
	"github.com/illgrenoble/webx-router/internal/process"
	"github.com/illgrenoble/webx-router/internal/werr"
)

// State is the async-create state machine of spec §4.F.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateSpawningDisplay
	StateWaitingForDisplayReady
	StateSpawningWM
	StateSpawningEngine
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "Authenticating"
	case StateSpawningDisplay:
		return "SpawningDisplay"
	case StateWaitingForDisplayReady:
		return "WaitingForDisplayReady"
	case StateSpawningWM:
		return "SpawningWm"
	case StateSpawningEngine:
		return "SpawningEngine"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	default:
		return "Idle"
	}
}

// X11Session mirrors spec §3's X11Session struct.
type X11Session struct {
	SessionID      string
	Secret         string
	Username       string
	UID            int
	GID            int
	DisplayNumber  int
	XauthPath      string
	ScreenWidth    int
	ScreenHeight   int
	KeyboardLayout string
	DisplayHandle  *process.Handle
	WMHandle       *process.Handle
	LogindSessionID string
	CreatedAt      time.Time
}

// EngineSession mirrors spec §3's EngineSession struct.
type EngineSession struct {
	SessionID   string
	Secret      string
	Engine      *engine.Session
}

// Pending tracks an in-flight async create, observable via Status.
type Pending struct {
	Username    string
	RequestedAt time.Time
	State       State
	FailKind    werr.Kind
	SessionID   string
	Secret      string
}

// CreateParams is everything the Session Proxy collects from the client
// request before driving the registry (spec §4.F `create`).
type CreateParams struct {
	Username       string
	UID            int
	GID            int
	Home           string
	Width          int
	Height         int
	KeyboardLayout string
	Locale         string
	EngineParams   map[string]string
}

// Registry is the concurrency-safe session table.
type Registry struct {
	cfg     *config.Config
	display *display.Supervisor
	engine  *engine.Supervisor
	logger  hclog.Logger

	mu       sync.Mutex
	byUser   map[string]*X11Session
	byID     map[string]*X11Session
	engines  map[string]*EngineSession // keyed by session id
	pending  map[string]*Pending       // keyed by username
	displays map[int]bool              // claimed display numbers
}

func New(cfg *config.Config, disp *display.Supervisor, eng *engine.Supervisor, logger hclog.Logger) *Registry {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Registry{
		cfg:      cfg,
		display:  disp,
		engine:   eng,
		logger:   logger.Named("registry"),
		byUser:   make(map[string]*X11Session),
		byID:     make(map[string]*X11Session),
		engines:  make(map[string]*EngineSession),
		pending:  make(map[string]*Pending),
		displays: make(map[int]bool),
	}
}

// FindByUser returns the existing live session for username, if any.
// Used by Create to implement the idempotent-reuse property (spec §8
// round-trip property: repeating create with the same user returns the
// same session id/secret).
func (r *Registry) FindByUser(username string) (*X11Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byUser[username]
	return s, ok
}

// MarkAuthenticating records that a create/create_async call for username
// has begun PAM authentication. Authentication itself happens in the
// caller (internal/sessionproxy) since Registry has no PAM dependency.
func (r *Registry) MarkAuthenticating(username string) {
	r.setPending(username, StateAuthenticating, 0, "", "")
}

// PendingState returns the current async-create progress for username,
// or nil if there is none on record (spec §4.F `status`).
func (r *Registry) PendingState(username string) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[username]
	if !ok {
		return nil
	}
	cp := *p
	return &cp
}

// ClearPending discards any in-flight async-create bookkeeping for
// username. Used when authentication itself fails (spec §8 scenario 3:
// `create("alice", "wrong", ...)` must leave `status("alice")` answering
// `none`, not a permanently stuck `Authenticating` entry — unlike a
// post-authentication failure, which is worth retaining as `Failed` for
// the status grace period).
func (r *Registry) ClearPending(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, username)
}

// Create runs the full synchronous creation state machine for params,
// reusing an existing live session for the same username if present
// (spec §4.E `find_by_user`, §8 scenario 2). The registry lock is never
// held across a spawn or network call: each step snapshots what it needs,
// releases, acts, then reacquires only to record state (spec §9).
func (r *Registry) Create(ctx context.Context, params CreateParams) (*X11Session, error) {
	if existing, ok := r.FindByUser(params.Username); ok {
		return existing, nil
	}

	sessionID, err := idgen.New()
	if err != nil {
		return nil, r.fail(params.Username, werr.KindInternal, err)
	}
	secret, err := idgen.New()
	if err != nil {
		return nil, r.fail(params.Username, werr.KindInternal, err)
	}

	r.setPending(params.Username, StateSpawningDisplay, 0, "", "")

	n, err := r.reserveDisplay()
	if err != nil {
		return nil, r.fail(params.Username, werr.KindDisplay, err)
	}

	req := display.Request{
		Username:       params.Username,
		UID:            params.UID,
		GID:            params.GID,
		Home:           params.Home,
		Width:          params.Width,
		Height:         params.Height,
		KeyboardLayout: params.KeyboardLayout,
		Locale:         params.Locale,
	}

	r.setPending(params.Username, StateWaitingForDisplayReady, 0, "", "")

	disp, err := r.display.StartDisplay(ctx, req, n)
	if err != nil {
		r.releaseDisplay(n)
		return nil, r.fail(params.Username, werr.KindOf(err), err)
	}

	r.setPending(params.Username, StateSpawningEngine, 0, "", "")

	eng, err := r.engine.StartEngine(ctx, engine.StartParams{
		SessionID:        sessionID,
		Username:         params.Username,
		UID:              params.UID,
		GID:              params.GID,
		Display:          fmt.Sprintf(":%d", n),
		XauthPath:        disp.XauthPath,
		KeyboardLayout:   params.KeyboardLayout,
		MessageProxy:     r.cfg.IPC.MessageProxy,
		InstructionProxy: r.cfg.IPC.InstructionProxy,
		ConnectorRoot:    r.cfg.IPC.ConnectorRoot,
		ExtraEnv:         params.EngineParams,
	})
	if err != nil {
		_ = disp.WMHandle.Release()
		_ = disp.DisplayHandle.Release()
		r.releaseDisplay(n)
		return nil, r.fail(params.Username, werr.KindEngine, err)
	}

	x11 := &X11Session{
		SessionID:      sessionID,
		Secret:         secret,
		Username:       params.Username,
		UID:            params.UID,
		GID:            params.GID,
		DisplayNumber:  n,
		XauthPath:      disp.XauthPath,
		ScreenWidth:    params.Width,
		ScreenHeight:   params.Height,
		KeyboardLayout: params.KeyboardLayout,
		DisplayHandle:  disp.DisplayHandle,
		WMHandle:       disp.WMHandle,
		LogindSessionID: disp.LogindSessionID,
		CreatedAt:      time.Now(),
	}
	engSess := &EngineSession{SessionID: sessionID, Secret: secret, Engine: eng}

	if err := r.insert(x11, engSess); err != nil {
		_ = eng.Handle.Release()
		_ = disp.WMHandle.Release()
		_ = disp.DisplayHandle.Release()
		r.releaseDisplay(n)
		return nil, r.fail(params.Username, werr.KindInternal, err)
	}

	r.setPending(params.Username, StateReady, 0, sessionID, secret)
	return x11, nil
}

// insert atomically rejects a duplicate username or display (spec
// §4.E `insert`).
func (r *Registry) insert(x11 *X11Session, eng *EngineSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byUser[x11.Username]; ok {
		return werr.New("registry.insert", werr.KindInternal, fmt.Errorf("duplicate username %q", x11.Username))
	}
	for _, s := range r.byID {
		if s.DisplayNumber == x11.DisplayNumber {
			return werr.New("registry.insert", werr.KindInternal, fmt.Errorf("duplicate display :%d", x11.DisplayNumber))
		}
	}
	r.byUser[x11.Username] = x11
	r.byID[x11.SessionID] = x11
	r.engines[x11.SessionID] = eng
	return nil
}

func (r *Registry) reserveDisplay() (int, error) {
	r.mu.Lock()
	n, err := display.ProbeFreeDisplay(r.cfg.Display.Offset, r.displays)
	if err == nil {
		r.displays[n] = true
	}
	r.mu.Unlock()
	return n, err
}

func (r *Registry) releaseDisplay(n int) {
	r.mu.Lock()
	delete(r.displays, n)
	r.mu.Unlock()
}

func (r *Registry) setPending(username string, state State, failKind werr.Kind, sessionID, secret string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[username]
	if !ok {
		p = &Pending{Username: username, RequestedAt: time.Now()}
		r.pending[username] = p
	}
	p.State = state
	p.FailKind = failKind
	if sessionID != "" {
		p.SessionID = sessionID
		p.Secret = secret
	}
}

func (r *Registry) fail(username string, kind werr.Kind, cause error) error {
	r.setPending(username, StateFailed, kind, "", "")
	r.logger.Warn("session creation failed", "user", username, "kind", kind.String())
	return werr.New("registry.Create", kind, cause)
}

// Find looks up a live session by its public identifier and validates
// the capability secret (spec §3 "possession of the secret is the
// capability to interact with the session").
func (r *Registry) Find(sessionID, secret string) (*X11Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, werr.New("registry.Find", werr.KindBadRequest, fmt.Errorf("no such session"))
	}
	if s.Secret != secret {
		return nil, werr.New("registry.Find", werr.KindAuthentication, fmt.Errorf("secret mismatch"))
	}
	return s, nil
}

// Engine returns the live engine session for sessionID, if any.
func (r *Registry) Engine(sessionID string) (*EngineSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.engines[sessionID]
	return e, ok
}

// List returns a snapshot of all live sessions (spec §4.F `list`,
// admin-gated per §9's Open Question — gating is enforced by the caller
// binding this only to the local Unix socket, see internal/sessionproxy).
func (r *Registry) List() []X11Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]X11Session, 0, len(r.byID))
	for _, s := range r.byID {
		out = append(out, *s)
	}
	return out
}

// Remove tears a session down in the order §4.E and §7 require: engine,
// then window manager, then X server, then the display slot is released.
func (r *Registry) Remove(sessionID string) error {
	r.mu.Lock()
	x11, ok := r.byID[sessionID]
	if !ok {
		r.mu.Unlock()
		return werr.New("registry.Remove", werr.KindBadRequest, fmt.Errorf("no such session"))
	}
	eng := r.engines[sessionID]
	delete(r.byID, sessionID)
	delete(r.byUser, x11.Username)
	delete(r.engines, sessionID)
	r.mu.Unlock()

	if eng != nil && eng.Engine != nil {
		eng.Engine.Close()
		_ = eng.Engine.Handle.Release()
	}
	if x11.WMHandle != nil {
		_ = x11.WMHandle.Release()
	}
	if x11.DisplayHandle != nil {
		_ = x11.DisplayHandle.Release()
	}
	r.releaseDisplay(x11.DisplayNumber)
	r.display.ReleaseLogindSession(x11.LogindSessionID)
	return nil
}

// Reconcile inspects all live handles and removes any session whose X
// server or window manager has exited (spec §4.E `reconcile`, invariant
// "engine.is_running() => display.is_running() && wm.is_running()").
func (r *Registry) Reconcile() {
	r.mu.Lock()
	dead := make([]string, 0)
	for id, s := range r.byID {
		if (s.DisplayHandle != nil && !s.DisplayHandle.IsRunning()) ||
			(s.WMHandle != nil && !s.WMHandle.IsRunning()) {
			dead = append(dead, id)
		}
	}
	r.mu.Unlock()

	for _, id := range dead {
		r.logger.Info("reconcile: removing dead session", "session", id)
		_ = r.Remove(id)
	}

	r.evictStalePending()
}

func (r *Registry) evictStalePending() {
	grace := r.cfg.StatusGracePd
	if grace <= 0 {
		grace = 30 * time.Second
	}
	cutoff := time.Now().Add(-grace)
	r.mu.Lock()
	defer r.mu.Unlock()
	for user, p := range r.pending {
		if (p.State == StateReady || p.State == StateFailed) && p.RequestedAt.Before(cutoff) {
			delete(r.pending, user)
		}
	}
}

// DrainAll tears down every live session, used by the shutdown controller
// (spec §4.J, §8 invariant "no child process... remains alive").
func (r *Registry) DrainAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	for _, id := range ids {
		_ = r.Remove(id)
	}
}
