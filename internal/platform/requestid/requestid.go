// Package requestid generates opaque request correlation identifiers.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

// New returns a 32-character random hex identifier.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
