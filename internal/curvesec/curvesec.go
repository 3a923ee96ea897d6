// Package curvesec generates the router's long-lived CURVE key pair and
// adapts it to zmq4's CURVE transport security for the three CURVE-
// protected external sockets (spec §3 "Key material", §4.F/§4.G/§4.H,
// §6); the Connector socket is plain.
package curvesec

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/go-zeromq/zmq4/security/curve"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is a Curve25519 key pair, the same construction CurveZMQ and
// NaCl's box use.
type KeyPair struct {
	Public [32]byte
	Secret [32]byte
}

// Generate creates a fresh key pair. The router calls this once at
// startup (spec §3: "one long-lived asymmetric key pair generated on
// startup; only the public half leaves the process").
func Generate() (KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("curvesec: generate key pair: %w", err)
	}
	return KeyPair{Public: *pub, Secret: *sec}, nil
}

// PublicHex renders the public half as hex, the form advertised by the
// Connector (spec §4.I: `"publicKey": "<z85 or hex>"`; this router uses
// hex since no z85 implementation exists anywhere in the example pack).
func (kp KeyPair) PublicHex() string { return hex.EncodeToString(kp.Public[:]) }

// LoadOrGenerate reads a key pair from path if present, otherwise
// generates and persists one (mode 0600). Fatal conditions (spec §7:
// "inability to generate the key pair") propagate to the caller, which
// must abort the process.
func LoadOrGenerate(path string) (KeyPair, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) == 64 {
		var kp KeyPair
		copy(kp.Public[:], b[:32])
		copy(kp.Secret[:], b[32:])
		return kp, nil
	}

	kp, err := Generate()
	if err != nil {
		return KeyPair{}, err
	}
	buf := make([]byte, 0, 64)
	buf = append(buf, kp.Public[:]...)
	buf = append(buf, kp.Secret[:]...)
	if err := os.WriteFile(path, buf, 0600); err != nil {
		return KeyPair{}, fmt.Errorf("curvesec: persist key pair: %w", err)
	}
	return kp, nil
}

// ServerSecurity builds the zmq4 socket security for the router's side
// of a CURVE-protected socket (Session Proxy REP, instruction SUB,
// message PUB).
func ServerSecurity(pair KeyPair) *curve.Security {
	return curve.NewServer(curve.Certificate{Secret: pair.Secret, Public: pair.Public})
}

// ClientSecurity builds the zmq4 socket security for a process connecting
// to one of the router's CURVE sockets, given the router's advertised
// public key (as obtained from the Connector).
func ClientSecurity(self KeyPair, serverPublic [32]byte) *curve.Security {
	return curve.NewClient(curve.Certificate{Secret: self.Secret, Public: self.Public}, serverPublic)
}
