// Package display implements the Display Supervisor (spec §4.C):
// allocating a free display number, spawning the X server and window
// manager as the target user, and detecting readiness.
package display

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	hclog "github.com/hashicorp/go-hclog"

	"github.com/illgrenoble/webx-router/internal/config"
	"github.com/illgrenoble/webx-router/internal/logind"
	"github.com/illgrenoble/webx-router/internal/process"
	"github.com/illgrenoble/webx-router/internal/werr"
)

// Session is the result of a successful StartDisplay call.
type Session struct {
	DisplayNumber   int
	XauthPath       string
	DisplayHandle   *process.Handle
	WMHandle        *process.Handle
	LogindSessionID string // empty if logind registration was unavailable
}

// Request carries the per-call parameters a client supplies to create.
type Request struct {
	Username       string
	UID            int
	GID            int
	Home           string
	Width          int
	Height         int
	KeyboardLayout string
	Locale         string
}

// Supervisor allocates displays and spawns the X server + window manager.
// The set of claimed display numbers is owned by the caller (the Session
// Registry, spec §4.E) — Supervisor itself is stateless aside from config,
// matching the "lookup -> release lock -> act" rule of spec §9.
type Supervisor struct {
	cfg    config.Display
	logger hclog.Logger

	// logindReg is best-effort: nil (or any runtime connect failure) on a
	// system with no logind running, e.g. inside a minimal container.
	logindReg *logind.Registrar
}

func New(cfg config.Display, logger hclog.Logger) *Supervisor {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	s := &Supervisor{cfg: cfg, logger: logger.Named("display")}
	if reg, err := logind.Connect(); err == nil {
		s.logindReg = reg
	} else {
		s.logger.Debug("logind unavailable, sessions will not be registered", "error", err)
	}
	return s
}

// ProbeFreeDisplay returns the lowest display number >= offset, skipping
// both the conventional /tmp/.X<n>-lock file and any numbers in taken
// (display numbers already claimed by a live session in the registry).
// Spec §4.C.1 and §9 ("skip any whose lock file exists" survives any
// free-list substitution).
func ProbeFreeDisplay(offset int, taken map[int]bool) (int, error) {
	if offset < 0 {
		offset = 0
	}
	for n := offset; n < offset+1000; n++ {
		if taken[n] {
			continue
		}
		if _, err := os.Stat(lockPath(n)); err == nil {
			continue
		}
		return n, nil
	}
	return 0, werr.New("display.ProbeFreeDisplay", werr.KindDisplay, fmt.Errorf("no free display number from offset %d", offset))
}

func lockPath(n int) string { return fmt.Sprintf("/tmp/.X%d-lock", n) }
func socketPath(n int) string { return fmt.Sprintf("/tmp/.X11-unix/X%d", n) }

// StartDisplay spawns the X server and window manager for req on display
// number n, following the algorithm of spec §4.C.
func (s *Supervisor) StartDisplay(ctx context.Context, req Request, n int) (*Session, error) {
	const op = "display.StartDisplay"

	xauthPath, err := s.writeXauthority(req, n)
	if err != nil {
		return nil, werr.New(op, werr.KindDisplay, err)
	}

	xHandle, err := s.spawnXServer(req, n, xauthPath)
	if err != nil {
		os.Remove(xauthPath)
		return nil, werr.New(op, werr.KindDisplay, err)
	}

	readyCtx, cancel := context.WithTimeout(ctx, s.readyTimeout())
	defer cancel()
	if err := xHandle.WaitReady(readyCtx, displayReady(n), 100*time.Millisecond); err != nil {
		_ = xHandle.Release()
		os.Remove(xauthPath)
		return nil, werr.New(op, werr.KindDisplay, err)
	}

	wmHandle, err := s.spawnWindowManager(req, n, xauthPath)
	if err != nil {
		_ = xHandle.Release()
		os.Remove(xauthPath)
		return nil, werr.New(op, werr.KindWindowManager, err)
	}

	// Stabilization window (spec §4.C tie-breaks): if the WM dies almost
	// immediately, treat the whole attempt as failed.
	select {
	case <-wmHandle.Exited():
		_ = wmHandle.Release()
		_ = xHandle.Release()
		os.Remove(xauthPath)
		return nil, werr.New(op, werr.KindWindowManager, fmt.Errorf("window manager exited during stabilization window"))
	case <-time.After(s.stabilizeWindow()):
	}

	var logindID string
	if s.logindReg != nil {
		if sess, err := s.logindReg.RegisterSession(req.Username, req.UID, n, ""); err != nil {
			s.logger.Warn("logind session registration failed, continuing without it", "user", req.Username, "error", err)
		} else {
			logindID = sess.ID
		}
	}

	return &Session{
		DisplayNumber:   n,
		XauthPath:       xauthPath,
		DisplayHandle:   xHandle,
		WMHandle:        wmHandle,
		LogindSessionID: logindID,
	}, nil
}

// ReleaseLogindSession ends the logind session registered for id, if any
// (spec §4.E teardown ordering: called after the engine and window
// manager have already been torn down).
func (s *Supervisor) ReleaseLogindSession(id string) {
	if s.logindReg == nil || id == "" {
		return
	}
	if err := s.logindReg.ReleaseSession(id); err != nil {
		s.logger.Warn("logind session release failed", "id", id, "error", err)
	}
}

func (s *Supervisor) readyTimeout() time.Duration {
	if s.cfg.ReadyTimeout <= 0 {
		return 5 * time.Second
	}
	return s.cfg.ReadyTimeout
}

func (s *Supervisor) stabilizeWindow() time.Duration {
	if s.cfg.StabilizeWindow <= 0 {
		return 750 * time.Millisecond
	}
	return s.cfg.StabilizeWindow
}

// displayReady polls for the X11 listening socket, the cheapest and most
// portable readiness probe (grounded on the teacher-adjacent xserver
// example's socket-stat-then-xdpyinfo approach; the xdpyinfo round trip
// is skipped here since the socket's mere presence combined with the
// handle's IsRunning check is sufficient once the handle-level WaitReady
// also guards against an exited process).
func displayReady(n int) process.ReadyFunc {
	return func() (bool, error) {
		_, err := os.Stat(socketPath(n))
		if err == nil {
			return true, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
}

func (s *Supervisor) writeXauthority(req Request, n int) (string, error) {
	if err := os.MkdirAll(s.cfg.SessionsDir, 0755); err != nil {
		return "", fmt.Errorf("sessions dir: %w", err)
	}
	path := filepath.Join(s.cfg.SessionsDir, fmt.Sprintf("%s.xauth", req.Username))

	cookie, err := randomHex(16)
	if err != nil {
		return "", err
	}

	cmd := exec.Command("xauth", "-f", path, "add", fmt.Sprintf(":%d", n), "MIT-MAGIC-COOKIE-1", cookie)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("xauth add: %w: %s", err, out)
	}

	if err := os.Chown(path, req.UID, req.GID); err != nil {
		return "", fmt.Errorf("chown xauth: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return "", fmt.Errorf("chmod xauth: %w", err)
	}
	return path, nil
}

func randomHex(n int) (string, error) {
	f, err := os.Open("/dev/urandom")
	if err != nil {
		return "", err
	}
	defer f.Close()
	buf := make([]byte, n)
	if _, err := f.Read(buf); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", buf), nil
}

func (s *Supervisor) spawnXServer(req Request, n int, xauthPath string) (*process.Handle, error) {
	xconfPath := s.cfg.XConfigPath
	if rendered, err := renderXorgConf(s.cfg.SessionsDir, req.Username, req.Width, req.Height); err == nil {
		xconfPath = rendered
	} else {
		s.logger.Warn("per-session xorg config render failed, falling back to static config", "user", req.Username, "error", err)
	}

	args := []string{
		fmt.Sprintf(":%d", n),
		"-auth", xauthPath,
		"-config", xconfPath,
		"-nolisten", "tcp",
	}
	cmd := exec.Command(s.cfg.XServerBinary, args...)

	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s-xorg.log", req.Username))
	logFile, err := openAppend(logPath)
	if err != nil {
		return nil, err
	}

	opts := process.Options{
		Name:    fmt.Sprintf("xserver:%d", n),
		Logger:  s.logger,
		LogFile: logFile,
	}
	if !s.cfg.RunAsRoot {
		opts.Credential = &syscall.Credential{Uid: uint32(req.UID), Gid: uint32(req.GID)}
	}

	return process.Spawn(cmd, opts)
}

func (s *Supervisor) spawnWindowManager(req Request, n int, xauthPath string) (*process.Handle, error) {
	cmd := exec.Command(s.cfg.WindowManagerBin)
	cmd.Env = sessionEnv(req, n, xauthPath)

	logPath := filepath.Join(s.cfg.LogDir, fmt.Sprintf("%s-wm.log", req.Username))
	logFile, err := openAppend(logPath)
	if err != nil {
		return nil, err
	}

	return process.Spawn(cmd, process.Options{
		Name:       fmt.Sprintf("wm:%d", n),
		Logger:     s.logger,
		LogFile:    logFile,
		Credential: &syscall.Credential{Uid: uint32(req.UID), Gid: uint32(req.GID)},
	})
}

// sessionEnv builds the window manager's environment: DISPLAY,
// XAUTHORITY, a sanitized PATH, and any client-requested extras (screen
// resolution, locale) forwarded per spec §4.C.5.
func sessionEnv(req Request, n int, xauthPath string) []string {
	env := []string{
		"DISPLAY=" + fmt.Sprintf(":%d", n),
		"XAUTHORITY=" + xauthPath,
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + req.Home,
		"USER=" + req.Username,
		"LOGNAME=" + req.Username,
	}
	if req.Width > 0 && req.Height > 0 {
		env = append(env, fmt.Sprintf("WEBX_SCREEN_WIDTH=%d", req.Width), fmt.Sprintf("WEBX_SCREEN_HEIGHT=%d", req.Height))
	}
	if req.Locale != "" {
		env = append(env, "LANG="+req.Locale, "LC_ALL="+req.Locale)
	}
	return env
}

func openAppend(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
}

// ResolveUser looks up uid/gid/home for username from the OS user
// database. Used by pamauth for both its post-authentication and its
// local-bootstrap lookups, so neither duplicates the user.Lookup/strconv
// handling.
func ResolveUser(username string) (uid, gid int, home string, err error) {
	u, err := user.Lookup(username)
	if err != nil {
		return 0, 0, "", err
	}
	uid, err = strconv.Atoi(u.Uid)
	if err != nil {
		return 0, 0, "", err
	}
	gid, err = strconv.Atoi(u.Gid)
	if err != nil {
		return 0, 0, "", err
	}
	return uid, gid, u.HomeDir, nil
}

// StripShellMeta returns false if s contains characters that must never
// reach a child's argv/envp unescaped (spec §4.D: "shell-metachar-free").
func StripShellMeta(s string) bool {
	return !strings.ContainsAny(s, "$`\\\"';|&<>(){}\n")
}
