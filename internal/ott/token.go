// Copyright (c) Edgeless Systems GmbH
// SPDX-License-Identifier: GPL-3.0-only

// Package ott generates and verifies the one-time token that authenticates IPC messages
// crossing the trust boundary between the agent process and the sidecar (§3, §4.6).
package ott

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Length is the number of random bytes backing a token, before hex-encoding.
const Length = 32

// Token is a hex-encoded one-time token. Its lifetime is the sidecar's lifetime.
type Token string

// Generate returns a new cryptographically random Token.
func Generate() (Token, error) {
	buf := make([]byte, Length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating one-time token: %w", err)
	}
	return Token(hex.EncodeToString(buf)), nil
}

// Equal reports whether got authenticates against want using a constant-time comparison.
// A length mismatch short-circuits without leaking which byte differs, since
// [subtle.ConstantTimeCompare] itself returns 0 immediately for differing lengths
// without comparing contents.
func Equal(want, got Token) bool {
	return subtle.ConstantTimeCompare([]byte(want), []byte(got)) == 1
}
