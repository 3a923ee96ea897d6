// Package sessionproxy implements the Session Proxy (spec §4.F): the
// CURVE-encrypted REP endpoint serving create / create_async / status /
// list / logout / ping, plus a second, local-only REP endpoint for the
// admin-gated `list` verb (spec §9 Open Question).
package sessionproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	zmq4 "github.com/go-zeromq/zmq4"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/illgrenoble/webx-router/internal/curvesec"
	"github.com/illgrenoble/webx-router/internal/metrics"
	"github.com/illgrenoble/webx-router/internal/pamauth"
	"github.com/illgrenoble/webx-router/internal/registry"
	"github.com/illgrenoble/webx-router/internal/werr"
	"github.com/illgrenoble/webx-router/internal/wire"
)

// Proxy serves the Session Proxy's two REP sockets.
type Proxy struct {
	reg    *registry.Registry
	auth   *pamauth.Authenticator
	logger hclog.Logger

	externalEndpoint string
	localEndpoint    string
	routerKeys       curvesec.KeyPair
	createTimeout    time.Duration
	metrics          *metrics.Recorder // nil when metrics are disabled

	localAuthEnabled       bool
	localCredentialRelPath string

	// workers runs the spawn work of a create on its own goroutine, keyed
	// by username, so creates for one username arriving on both sockets
	// share a single attempt. Each socket's reply loop serves one request
	// at a time: authentication and a synchronous create both run inside
	// it, and no other request on that socket (a ping included) is served
	// until they finish. Only create_async replies before spawning is done.
	workers *keyedPool
}

// Options configure a Proxy.
type Options struct {
	ExternalEndpoint string // CURVE TCP REP, spec §6 port 5558
	LocalEndpoint    string // local-only REP for `list`, spec §9
	RouterKeys       curvesec.KeyPair
	CreateTimeout    time.Duration
	Metrics          *metrics.Recorder
	Logger           hclog.Logger

	// LocalAuthEnabled gates the spec §4.K bootstrap path: a `create`
	// arriving on the local-only socket may authenticate with a
	// LocalSecret instead of a PAM password. LocalCredentialPath is the
	// credential file's path relative to the target user's home
	// directory (config `cliSecretPath`, leading "~/" stripped).
	LocalAuthEnabled    bool
	LocalCredentialPath string
}

func New(reg *registry.Registry, auth *pamauth.Authenticator, opts Options) *Proxy {
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	timeout := opts.CreateTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{
		reg:              reg,
		auth:             auth,
		logger:           logger.Named("sessionproxy"),
		externalEndpoint: opts.ExternalEndpoint,
		localEndpoint:    opts.LocalEndpoint,
		routerKeys:       opts.RouterKeys,
		createTimeout:    timeout,
		metrics:          opts.Metrics,
		workers:          newKeyedPool(),

		localAuthEnabled:       opts.LocalAuthEnabled,
		localCredentialRelPath: opts.LocalCredentialPath,
	}
}

// Run serves the external CURVE REP socket until ctx is cancelled.
func (p *Proxy) Run(ctx context.Context) error {
	sck := zmq4.NewRep(ctx, zmq4.WithSecurity(curvesec.ServerSecurity(p.routerKeys)))
	defer sck.Close()
	if err := sck.Listen(p.externalEndpoint); err != nil {
		return fmt.Errorf("sessionproxy: listen %s: %w", p.externalEndpoint, err)
	}
	p.logger.Info("listening", "endpoint", p.externalEndpoint)
	return p.serve(ctx, sck, false)
}

// RunLocal serves the local-only REP socket (admin `list`) until ctx is
// cancelled.
func (p *Proxy) RunLocal(ctx context.Context) error {
	sck := zmq4.NewRep(ctx)
	defer sck.Close()
	if err := sck.Listen(p.localEndpoint); err != nil {
		return fmt.Errorf("sessionproxy: listen local %s: %w", p.localEndpoint, err)
	}
	p.logger.Info("listening (local)", "endpoint", p.localEndpoint)
	return p.serve(ctx, sck, true)
}

func (p *Proxy) serve(ctx context.Context, sck zmq4.Socket, localOnly bool) error {
	for {
		msg, err := sck.Recv()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				p.logger.Warn("recv error", "error", err)
				continue
			}
		}

		resp := p.dispatch(ctx, msg.Bytes(), localOnly)
		if err := sck.Send(zmq4.NewMsg(resp)); err != nil {
			p.logger.Warn("send error", "error", err)
		}
	}
}

func (p *Proxy) dispatch(ctx context.Context, body []byte, localOnly bool) []byte {
	var env wire.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return mustJSON(wire.BasicResponse{Code: wire.CodeBadRequest})
	}

	switch env.Action {
	case "create":
		return p.handleCreate(ctx, body, false, localOnly)
	case "create_async":
		return p.handleCreate(ctx, body, true, localOnly)
	case "status":
		return p.handleStatus(body)
	case "list":
		if !localOnly {
			return mustJSON(wire.BasicResponse{Code: wire.CodeForbidden})
		}
		return p.handleList()
	case "logout":
		return p.handleLogout(body)
	case "ping":
		return p.handlePing(ctx, body)
	default:
		return mustJSON(wire.BasicResponse{Code: wire.CodeBadRequest})
	}
}

// handleCreate authenticates inside the reply loop, then hands the spawn
// work to the per-username worker. For create_async it returns an ack
// immediately; for create it waits for the worker to finish, and the
// reply loop serves no other request in the meantime.
func (p *Proxy) handleCreate(ctx context.Context, body []byte, async, localOnly bool) []byte {
	var req wire.CreateRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Username == "" {
		return mustJSON(wire.CreateResponse{Code: wire.CodeBadRequest})
	}

	if existing, ok := p.reg.FindByUser(req.Username); ok {
		return mustJSON(wire.CreateResponse{Code: wire.CodeOK, SessionID: existing.SessionID, Secret: existing.Secret})
	}

	started := time.Now()
	p.reg.MarkAuthenticating(req.Username)

	var result *pamauth.Result
	var err error
	if localOnly && p.localAuthEnabled && req.LocalSecret != "" {
		result, err = pamauth.VerifyLocalSecret(req.Username, req.LocalSecret, p.localCredentialRelPath)
	} else {
		result, err = p.auth.Authenticate(req.Username, req.Password)
	}
	if err != nil {
		p.logger.Warn("authentication failed", "user", req.Username)
		p.reg.ClearPending(req.Username)
		if p.metrics != nil {
			p.metrics.AuthFailures.Inc()
			p.metrics.ObserveCreate("auth_failed", started)
		}
		return mustJSON(wire.CreateResponse{Code: wire.CodeAuthenticationFail})
	}

	params := registry.CreateParams{
		Username:       req.Username,
		UID:            result.UID,
		GID:            result.GID,
		Home:           result.Home,
		Width:          req.Width,
		Height:         req.Height,
		KeyboardLayout: req.KeyboardLayout,
		Locale:         req.Locale,
		EngineParams:   req.EngineParams,
	}

	done := p.workers.submit(req.Username, func() (*registry.X11Session, error) {
		createCtx, cancel := context.WithTimeout(ctx, p.createTimeout)
		defer cancel()
		return p.reg.Create(createCtx, params)
	})

	if async {
		return mustJSON(wire.BasicResponse{Code: wire.CodeOK})
	}

	res := <-done
	if res.err != nil {
		if p.metrics != nil {
			p.metrics.ObserveCreate("failed", started)
		}
		return mustJSON(wire.CreateResponse{Code: wire.CodeForKind(werr.KindOf(res.err))})
	}
	if p.metrics != nil {
		p.metrics.ObserveCreate("ready", started)
		p.metrics.SessionsActive.Set(float64(len(p.reg.List())))
	}
	return mustJSON(wire.CreateResponse{Code: wire.CodeOK, SessionID: res.session.SessionID, Secret: res.session.Secret})
}

func (p *Proxy) handleStatus(body []byte) []byte {
	var req wire.StatusRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Username == "" {
		return mustJSON(wire.StatusResponse{Code: wire.CodeBadRequest})
	}

	pending := p.reg.PendingState(req.Username)
	if pending == nil {
		if s, ok := p.reg.FindByUser(req.Username); ok {
			return mustJSON(wire.StatusResponse{Code: wire.CodeOK, State: "Ready", SessionID: s.SessionID, Secret: s.Secret})
		}
		return mustJSON(wire.StatusResponse{Code: wire.CodeNotFound})
	}

	resp := wire.StatusResponse{Code: wire.CodeOK, State: pending.State.String()}
	if pending.State == registry.StateReady {
		resp.SessionID = pending.SessionID
		resp.Secret = pending.Secret
	}
	return mustJSON(resp)
}

func (p *Proxy) handleList() []byte {
	sessions := p.reg.List()
	out := make([]wire.SessionSummary, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, wire.SessionSummary{SessionID: s.SessionID, Username: s.Username, CreatedAt: s.CreatedAt.Unix()})
	}
	return mustJSON(wire.ListResponse{Code: wire.CodeOK, Sessions: out})
}

func (p *Proxy) handleLogout(body []byte) []byte {
	var req wire.LogoutRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SessionID == "" {
		return mustJSON(wire.BasicResponse{Code: wire.CodeBadRequest})
	}
	if _, err := p.reg.Find(req.SessionID, req.Secret); err != nil {
		if werr.KindOf(err) == werr.KindAuthentication {
			return mustJSON(wire.BasicResponse{Code: wire.CodeForbidden})
		}
		return mustJSON(wire.BasicResponse{Code: wire.CodeNotFound})
	}
	if err := p.reg.Remove(req.SessionID); err != nil {
		return mustJSON(wire.BasicResponse{Code: wire.CodeNotFound})
	}
	return mustJSON(wire.BasicResponse{Code: wire.CodeOK})
}

func (p *Proxy) handlePing(ctx context.Context, body []byte) []byte {
	var req wire.PingRequest
	if err := json.Unmarshal(body, &req); err != nil || req.SessionID == "" {
		return mustJSON(wire.BasicResponse{Code: wire.CodeBadRequest})
	}
	if _, err := p.reg.Find(req.SessionID, req.Secret); err != nil {
		return mustJSON(wire.BasicResponse{Code: wire.CodeNotFound})
	}
	eng, ok := p.reg.Engine(req.SessionID)
	if !ok {
		return mustJSON(wire.BasicResponse{Code: wire.CodeNotFound})
	}

	// A failed Ping discards the engine socket; the one retry redials it.
	for attempt := 0; attempt < 2; attempt++ {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := eng.Engine.Ping(pingCtx)
		cancel()
		if err == nil {
			return mustJSON(wire.BasicResponse{Code: wire.CodeOK})
		}
		if p.metrics != nil {
			p.metrics.EnginePingErrors.Inc()
		}
	}
	return mustJSON(wire.BasicResponse{Code: wire.CodeTimeout})
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// Marshalling our own response structs cannot fail; a panic here
		// would indicate a programming error, not a runtime condition.
		panic(fmt.Sprintf("sessionproxy: marshal response: %v", err))
	}
	return b
}
