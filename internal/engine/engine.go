// Package engine implements the Engine Supervisor (spec §4.D): spawning
// the render engine as the target user and maintaining a liveness socket
// to it for the engine's lifetime.
package engine

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	zmq4 "github.com/go-zeromq/zmq4"
	hclog "github.com/hashicorp/go-hclog"

	"github.com/illgrenoble/webx-router/internal/config"
	"github.com/illgrenoble/webx-router/internal/display"
	"github.com/illgrenoble/webx-router/internal/process"
	"github.com/illgrenoble/webx-router/internal/werr"
)

// Session owns a spawned engine child plus its request/reply socket.
type Session struct {
	SessionID   string
	Handle      *process.Handle
	SocketPath  string
	LogPath     string

	mu   sync.Mutex
	conn zmq4.Socket // lazily (re)dialed REQ socket to the engine
	ctx  context.Context
}

// StartParams carries everything needed to spawn one engine.
type StartParams struct {
	SessionID        string
	Username         string
	UID              int
	GID              int
	Display          string // ":12"
	XauthPath        string
	KeyboardLayout   string
	MessageProxy     string
	InstructionProxy string
	ConnectorRoot    string // e.g. "/run/webx/engine-connector"
	ExtraEnv         map[string]string
}

// Supervisor spawns and pings engine processes.
type Supervisor struct {
	cfg    config.Engine
	logger hclog.Logger
}

func New(cfg config.Engine, logger hclog.Logger) *Supervisor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Supervisor{cfg: cfg, logger: logger.Named("engine")}
}

// StartEngine spawns the engine binary and waits for it to respond to a
// ping, retrying up to cfg.PingRetries times with backoff (spec §4.D).
// On persistent failure the child is killed and EngineError returned; no
// Session is returned in that case.
func (s *Supervisor) StartEngine(ctx context.Context, p StartParams) (*Session, error) {
	const op = "engine.StartEngine"

	if len(p.ExtraEnv) > s.cfg.MaxExtraFlags {
		return nil, werr.New(op, werr.KindBadRequest, fmt.Errorf("too many engine params: %d > %d", len(p.ExtraEnv), s.cfg.MaxExtraFlags))
	}
	for k, v := range p.ExtraEnv {
		if len(k) > s.cfg.MaxFlagLen || len(v) > s.cfg.MaxFlagLen {
			return nil, werr.New(op, werr.KindBadRequest, fmt.Errorf("engine param %q exceeds max length", k))
		}
		if !display.StripShellMeta(k) || !display.StripShellMeta(v) {
			return nil, werr.New(op, werr.KindBadRequest, fmt.Errorf("engine param %q contains disallowed characters", k))
		}
	}

	socketPath := fmt.Sprintf("%s-%s.ipc", p.ConnectorRoot, p.SessionID)
	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s.log", p.SessionID))

	cmd := exec.Command(s.cfg.Binary)
	cmd.Env = engineEnv(p, socketPath)

	logFile, err := openAppend(logPath)
	if err != nil {
		return nil, werr.New(op, werr.KindEngine, err)
	}

	handle, err := process.Spawn(cmd, process.Options{
		Name:       fmt.Sprintf("engine:%s", p.SessionID),
		Logger:     s.logger,
		LogFile:    logFile,
		Credential: &syscall.Credential{Uid: uint32(p.UID), Gid: uint32(p.GID)},
	})
	if err != nil {
		return nil, werr.New(op, werr.KindEngine, err)
	}

	sess := &Session{
		SessionID:  p.SessionID,
		Handle:     handle,
		SocketPath: socketPath,
		LogPath:    logPath,
		ctx:        ctx,
	}

	if err := s.awaitLiveness(ctx, sess); err != nil {
		_ = handle.Release()
		return nil, werr.New(op, werr.KindEngine, err)
	}

	return sess, nil
}

func (s *Supervisor) awaitLiveness(ctx context.Context, sess *Session) error {
	var lastErr error
	for attempt := 0; attempt < s.cfg.PingRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.cfg.PingBackoff * time.Duration(attempt)):
			}
		}
		pingCtx, cancel := context.WithTimeout(ctx, s.cfg.PingTimeout)
		err := sess.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		s.logger.Debug("engine ping failed, retrying", "session", sess.SessionID, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("engine did not become live after %d attempts: %w", s.cfg.PingRetries, lastErr)
}

// Ping sends a liveness request to the engine over its per-engine socket.
// On any transport failure the socket is discarded and will be rebuilt on
// the next call (spec §4.D, §7): a single transient failure never tears
// down the session.
func (sess *Session) Ping(ctx context.Context) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.conn == nil {
		sock := zmq4.NewReq(ctx)
		if err := sock.Dial("ipc://" + sess.SocketPath); err != nil {
			return fmt.Errorf("dial engine socket: %w", err)
		}
		sess.conn = sock
	}

	if err := sess.conn.Send(zmq4.NewMsgString("ping")); err != nil {
		sess.discardLocked()
		return fmt.Errorf("send ping: %w", err)
	}
	if _, err := sess.conn.Recv(); err != nil {
		sess.discardLocked()
		return fmt.Errorf("recv pong: %w", err)
	}
	return nil
}

func (sess *Session) discardLocked() {
	if sess.conn != nil {
		_ = sess.conn.Close()
		sess.conn = nil
	}
}

// Close releases the per-engine socket.
func (sess *Session) Close() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.discardLocked()
}

func engineEnv(p StartParams, socketPath string) []string {
	env := []string{
		"DISPLAY=" + p.Display,
		"XAUTHORITY=" + p.XauthPath,
		"WEBX_ENGINE_SESSION_ID=" + p.SessionID,
		"WEBX_ENGINE_IPC_MESSAGE_PROXY=" + p.MessageProxy,
		"WEBX_ENGINE_IPC_INSTRUCTION_PROXY=" + p.InstructionProxy,
		"WEBX_ENGINE_IPC_CONNECTOR=" + socketPath,
		"WEBX_ENGINE_KEYBOARD_LAYOUT=" + p.KeyboardLayout,
	}
	for k, v := range p.ExtraEnv {
		env = append(env, "WEBX_ENGINE_PARAM_"+k+"="+v)
	}
	return env
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}
