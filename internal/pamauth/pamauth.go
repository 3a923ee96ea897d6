// Package pamauth authenticates (username, password) pairs against a
// named PAM service and resolves the corresponding OS user record (spec
// §4.B). It never logs passwords or PAM backend internals.
package pamauth

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/msteinert/pam"

	"github.com/illgrenoble/webx-router/internal/display"
	"github.com/illgrenoble/webx-router/internal/werr"
)

// Result is the resolved user record returned on successful authentication.
type Result struct {
	Username string
	UID      int
	GID      int
	Home     string
}

// Authenticator validates credentials against a single configured PAM
// service name.
type Authenticator struct {
	ServiceName string
}

// New returns an Authenticator bound to serviceName (e.g. "webx-router",
// configured as an /etc/pam.d/ service file).
func New(serviceName string) *Authenticator {
	return &Authenticator{ServiceName: serviceName}
}

// Authenticate runs the PAM conversation for username/password. On
// success it resolves uid/gid/home from the OS user database.
//
// Failure modes (spec §4.B): a bad password yields KindAuthentication; a
// user PAM accepts but the OS does not know yields KindUserNotFound; any
// other PAM failure yields KindInternal wrapping a PamError-flavored
// message with no PAM internals exposed.
func (a *Authenticator) Authenticate(username, password string) (*Result, error) {
	const op = "pamauth.Authenticate"

	tx, err := pam.StartFunc(a.ServiceName, username, func(style pam.Style, _ string) (string, error) {
		switch style {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return password, nil
		default:
			return "", nil
		}
	})
	if err != nil {
		return nil, werr.New(op, werr.KindInternal, fmt.Errorf("pam start: backend error"))
	}

	if err := tx.Authenticate(0); err != nil {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("credentials rejected for user %q", username))
	}

	if err := tx.AcctMgmt(0); err != nil {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("account management rejected user %q", username))
	}

	uid, gid, home, err := display.ResolveUser(username)
	if err != nil {
		return nil, werr.New(op, werr.KindUserNotFound, fmt.Errorf("PAM accepted %q but OS user database did not", username))
	}

	return &Result{Username: username, UID: uid, GID: gid, Home: home}, nil
}

// VerifyLocalSecret implements the CLI's local bootstrap auth path (spec
// §4.K): on the router's local-only socket, a client offering the same
// secret `cliclient.LoadOrCreateCredential` wrote to the user's
// credential file is trusted without a PAM conversation, provided the
// file is owned by that user and mode 0600 ("bypasses PAM, gated on UID
// match and file permissions"). relPath is the credential's path
// relative to the user's home directory (config `cliSecretPath`, with
// any leading "~/" stripped — the router serves many local users, so the
// path is resolved per-user, not against one fixed home directory).
func VerifyLocalSecret(username, secret, relPath string) (*Result, error) {
	const op = "pamauth.VerifyLocalSecret"

	if secret == "" {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("empty local secret for %q", username))
	}

	uid, gid, home, err := display.ResolveUser(username)
	if err != nil {
		return nil, werr.New(op, werr.KindUserNotFound, err)
	}

	path := filepath.Join(home, relPath)
	info, err := os.Stat(path)
	if err != nil {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("no local credential for %q", username))
	}
	if info.Mode().Perm() != 0600 {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("local credential for %q has unsafe permissions %v", username, info.Mode().Perm()))
	}
	if st, ok := info.Sys().(*syscall.Stat_t); ok && int(st.Uid) != uid {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("local credential for %q not owned by that user", username))
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("read local credential for %q", username))
	}
	if string(b) != secret {
		return nil, werr.New(op, werr.KindAuthentication, fmt.Errorf("local secret mismatch for %q", username))
	}

	return &Result{Username: username, UID: uid, GID: gid, Home: home}, nil
}
