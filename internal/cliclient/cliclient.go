// Package cliclient implements the library `cmd/webx-cli` drives (spec
// §4.K): discover the router's ports and public key from the Connector,
// then speak the Session Proxy's CURVE-encrypted wire protocol for
// create/status/logout/ping. There is no list request. DialLocal
// instead targets the router's local-only socket for CreateLocal.
package cliclient

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"path/filepath"

	zmq4 "github.com/go-zeromq/zmq4"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/illgrenoble/webx-router/internal/curvesec"
	"github.com/illgrenoble/webx-router/internal/wire"
)

// Document mirrors connector.Document without importing the server
// package (the CLI only ever parses this, never serves it).
type Document struct {
	Ports     PortMap `json:"ports"`
	PublicKey string  `json:"publicKey"`
}

type PortMap struct {
	Connector int `json:"connector"`
	Publisher int `json:"publisher"`
	Collector int `json:"collector"`
	Session   int `json:"session"`
}

// Client drives one router's Connector and Session Proxy sockets.
type Client struct {
	Host string
	doc  Document
	keys curvesec.KeyPair

	// localEndpoint, when set, routes requests over the router's
	// local-only REP socket instead of the CURVE-secured external one
	// (spec §4.K bootstrap path). No Discover call is needed for this
	// path: the local socket is unauthenticated-transport but gated by
	// the UID/permission check in pamauth.VerifyLocalSecret.
	localEndpoint string
}

// DialLocal builds a Client that speaks to the router's local-only
// Session Proxy socket (endpoint, e.g. "ipc:///run/webx/list.ipc") with
// a plain REQ socket: this path never leaves the host, so it carries no
// CURVE security layer.
func DialLocal(endpoint string) *Client {
	return &Client{localEndpoint: endpoint}
}

// Discover queries the Connector's unauthenticated REP socket for the
// port map and router public key.
func Discover(ctx context.Context, host string, connectorPort int) (*Client, error) {
	keys, err := curvesec.Generate()
	if err != nil {
		return nil, fmt.Errorf("cliclient: generate ephemeral key pair: %w", err)
	}

	sck := zmq4.NewReq(ctx)
	defer sck.Close()
	endpoint := fmt.Sprintf("tcp://%s:%d", host, connectorPort)
	if err := sck.Dial(endpoint); err != nil {
		return nil, fmt.Errorf("cliclient: dial connector %s: %w", endpoint, err)
	}
	if err := sck.Send(zmq4.NewMsgString("discover")); err != nil {
		return nil, fmt.Errorf("cliclient: send discover: %w", err)
	}
	msg, err := sck.Recv()
	if err != nil {
		return nil, fmt.Errorf("cliclient: recv connector document: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(msg.Bytes(), &doc); err != nil {
		return nil, fmt.Errorf("cliclient: parse connector document: %w", err)
	}

	return &Client{Host: host, doc: doc, keys: keys}, nil
}

func (c *Client) dialSession(ctx context.Context) (zmq4.Socket, error) {
	if c.localEndpoint != "" {
		sck := zmq4.NewReq(ctx)
		if err := sck.Dial(c.localEndpoint); err != nil {
			sck.Close()
			return nil, fmt.Errorf("cliclient: dial local session proxy %s: %w", c.localEndpoint, err)
		}
		return sck, nil
	}

	serverPublic, err := decodeHex32(c.doc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("cliclient: decode router public key: %w", err)
	}

	sck := zmq4.NewReq(ctx, zmq4.WithSecurity(curvesec.ClientSecurity(c.keys, serverPublic)))
	endpoint := fmt.Sprintf("tcp://%s:%d", c.Host, c.doc.Ports.Session)
	if err := sck.Dial(endpoint); err != nil {
		sck.Close()
		return nil, fmt.Errorf("cliclient: dial session proxy %s: %w", endpoint, err)
	}
	return sck, nil
}

func (c *Client) roundTrip(ctx context.Context, req interface{}) ([]byte, error) {
	sck, err := c.dialSession(ctx)
	if err != nil {
		return nil, err
	}
	defer sck.Close()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("cliclient: marshal request: %w", err)
	}
	if err := sck.Send(zmq4.NewMsg(body)); err != nil {
		return nil, fmt.Errorf("cliclient: send request: %w", err)
	}
	msg, err := sck.Recv()
	if err != nil {
		return nil, fmt.Errorf("cliclient: recv response: %w", err)
	}
	return msg.Bytes(), nil
}

// Create authenticates username/password and creates (or reuses) a
// session, blocking until it is Ready or the request times out.
func (c *Client) Create(ctx context.Context, username, password string, width, height int, keyboardLayout string) (*wire.CreateResponse, error) {
	req := wire.CreateRequest{
		Action:         "create",
		Username:       username,
		Password:       password,
		Width:          width,
		Height:         height,
		KeyboardLayout: keyboardLayout,
	}
	body, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp wire.CreateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("cliclient: parse create response: %w", err)
	}
	return &resp, nil
}

// CreateLocal authenticates with the CLI's own bootstrap credential over
// the local-only socket (spec §4.K), bypassing PAM. Only meaningful on a
// Client built with DialLocal.
func (c *Client) CreateLocal(ctx context.Context, username, localSecret string, width, height int, keyboardLayout string) (*wire.CreateResponse, error) {
	req := wire.CreateRequest{
		Action:         "create",
		Username:       username,
		LocalSecret:    localSecret,
		Width:          width,
		Height:         height,
		KeyboardLayout: keyboardLayout,
	}
	body, err := c.roundTrip(ctx, req)
	if err != nil {
		return nil, err
	}
	var resp wire.CreateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("cliclient: parse create response: %w", err)
	}
	return &resp, nil
}

// Status polls for the progress of an earlier create_async call.
func (c *Client) Status(ctx context.Context, username string) (*wire.StatusResponse, error) {
	body, err := c.roundTrip(ctx, wire.StatusRequest{Action: "status", Username: username})
	if err != nil {
		return nil, err
	}
	var resp wire.StatusResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("cliclient: parse status response: %w", err)
	}
	return &resp, nil
}

// Ping sends one liveness check for an already-created session.
func (c *Client) Ping(ctx context.Context, sessionID, secret string) (*wire.BasicResponse, error) {
	body, err := c.roundTrip(ctx, wire.PingRequest{Action: "ping", SessionID: sessionID, Secret: secret})
	if err != nil {
		return nil, err
	}
	var resp wire.BasicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("cliclient: parse ping response: %w", err)
	}
	return &resp, nil
}

// Logout ends sessionID.
func (c *Client) Logout(ctx context.Context, sessionID, secret string) (*wire.BasicResponse, error) {
	body, err := c.roundTrip(ctx, wire.LogoutRequest{Action: "logout", SessionID: sessionID, Secret: secret})
	if err != nil {
		return nil, err
	}
	var resp wire.BasicResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("cliclient: parse logout response: %w", err)
	}
	return &resp, nil
}

func decodeHex32(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("want 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// credentialPath is where the CLI's own bootstrap credential lives (spec
// §4.K: "the CLI may authenticate locally, bypassing PAM, when the UID
// matches and file permissions are correct").
func credentialPath() (string, error) {
	u, err := user.Current()
	if err != nil {
		return "", err
	}
	return filepath.Join(u.HomeDir, ".webx", "cli.secret"), nil
}

// LoadOrCreateCredential returns the CLI's bootstrap secret, generating
// one (mode 0600) on first use. CreateLocal sends it as the request's
// LocalSecret over the local-only socket, where the Session Proxy compares
// it with the user's credential file; it is separate from the per-session
// secret issued by `create`.
func LoadOrCreateCredential() (string, error) {
	path, err := credentialPath()
	if err != nil {
		return "", err
	}
	if b, err := os.ReadFile(path); err == nil {
		if info, statErr := os.Stat(path); statErr == nil && info.Mode().Perm() == 0600 {
			return string(b), nil
		}
	}

	secret, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("cliclient: generate credential: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, []byte(secret), 0600); err != nil {
		return "", err
	}
	return secret, nil
}
