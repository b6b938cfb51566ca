// Package pkce generates the per-attempt secrets of an authorization code
// flow: the state correlation token, the OIDC nonce and the PKCE
// verifier/challenge pair (RFC 7636, S256 only).
package pkce

import (
	"crypto/rand"
	"encoding/base64"

	"golang.org/x/oauth2"
)

// MethodS256 is the only code challenge method this package produces.
const MethodS256 = "S256"

// stateLength is the number of random bytes behind a state or nonce.
// 32 bytes gives 256 bits of entropy, well above the 128 bit minimum for a
// correlation token that travels through attacker-observable redirects.
const stateLength = 32

// Verifier length bounds from RFC 7636 section 4.1.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// NewState returns a fresh URL-safe state token.
//
// Running out of entropy is not recoverable; crypto/rand aborts the process
// in that case, so there is no error to return.
func NewState() string {
	b := make([]byte, stateLength)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// NewNonce returns a fresh OIDC nonce. It has the same shape as a state.
func NewNonce() string {
	return NewState()
}

// NewCodeVerifier returns a code verifier carrying 256 bits of randomness,
// base64url-encoded without padding (43 characters).
func NewCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// DeriveChallenge computes the S256 code challenge for verifier:
// BASE64URL(SHA256(verifier)) without padding.
func DeriveChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// ValidVerifier reports whether v satisfies the RFC 7636 verifier grammar:
// 43 to 128 characters from [A-Z] / [a-z] / [0-9] / "-" / "." / "_" / "~".
func ValidVerifier(v string) bool {
	if len(v) < MinVerifierLength || len(v) > MaxVerifierLength {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}
