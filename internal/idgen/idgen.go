// Package idgen generates the 128-bit session identifiers and secrets
// described in spec §3. Identifiers are public routing handles; secrets
// are capability tokens and must never be derivable from an identifier.
package idgen

import (
	"encoding/hex"

	uuid "github.com/hashicorp/go-uuid"
)

// Len is the fixed length, in hex characters, of a generated token.
const Len = 32

// New returns a 32-character hex string from 16 bytes of crypto/rand
// output. It is used independently for both session identifiers and
// session secrets — callers must not assume any relationship between two
// values returned by New.
func New() (string, error) {
	b, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
