// Package flowstore correlates the asynchronous steps of a login attempt.
//
// A Store maps an opaque key (the OAuth state parameter) to the secrets of
// one in-flight attempt. Entries carry an absolute expiry; an expired entry is
// unreachable even before it is physically evicted.
package flowstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned for keys that were never stored, have expired, or
// have already been taken.
var ErrNotFound = errors.New("flowstore: not found")

// DefaultTTL bounds the lifetime of an abandoned login attempt.
const DefaultTTL = 10 * time.Minute

// Store is the capability shared by the in-memory and Valkey backends.
//
// Operations on different keys are independent. Operations on the same key
// are atomic: a Get concurrent with Put or Take observes either the complete
// previous value or the complete new one.
type Store[V any] interface {
	// Put stores v under key until expiresAt, replacing any previous value.
	Put(ctx context.Context, key string, v V, expiresAt time.Time) error
	// Update replaces the value under key, keeping its expiry. It returns
	// ErrNotFound when key is missing, expired or taken, so a consumed entry
	// is never recreated.
	Update(ctx context.Context, key string, v V) error
	// Get returns the value under key without removing it.
	Get(ctx context.Context, key string) (V, error)
	// Take atomically returns and removes the value under key. Of several
	// concurrent Takes on the same key, at most one succeeds.
	Take(ctx context.Context, key string) (V, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// FlowState holds the secrets of one login attempt, keyed by State.
type FlowState struct {
	State        string    `cbor:"1,keyasint,omitempty"`
	CodeVerifier string    `cbor:"2,keyasint,omitempty"`
	Ticket       string    `cbor:"3,keyasint,omitempty"`
	Nonce        string    `cbor:"4,keyasint,omitempty"`
	Subject      string    `cbor:"5,keyasint,omitempty"`
	CreatedAt    time.Time `cbor:"6,keyasint,omitempty"`
	// NextURL is the local path to return to once the session is issued.
	NextURL string `cbor:"7,keyasint,omitempty"`
}
