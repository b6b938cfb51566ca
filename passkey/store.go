// Package passkey manages a user's WebAuthn credentials: the durable
// credential store and the registration and authentication ceremonies.
package passkey

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
)

var (
	// ErrNotFound is returned for unknown record or credential IDs.
	ErrNotFound = errors.New("passkey: not found")
	// ErrDuplicateCredential is returned when a credential ID is already
	// registered under another record.
	ErrDuplicateCredential = errors.New("passkey: credential already registered")
)

// PasskeyRecord is a registered credential. Binary fields marshal to JSON
// as unpadded base64url.
type PasskeyRecord struct {
	ID              string                    `json:"id"`
	UserID          string                    `json:"userId"`
	CredentialID    protocol.URLEncodedBase64 `json:"credentialId"`
	PublicKey       protocol.URLEncodedBase64 `json:"publicKey,omitempty"`
	AttestationType string                    `json:"attestationType,omitempty"`
	Transports      []string                  `json:"transports,omitempty"`
	Name            string                    `json:"name,omitempty"`
	CreatedAt       time.Time                 `json:"createdAt"`
	LastUsedAt      *time.Time                `json:"lastUsedAt,omitempty"`
}

// CredentialStore persists passkey records.
type CredentialStore interface {
	// ListPasskeys returns the user's records, oldest first.
	ListPasskeys(ctx context.Context, userID string) ([]PasskeyRecord, error)
	// GetPasskey returns the record with id, or ErrNotFound.
	GetPasskey(ctx context.Context, id string) (PasskeyRecord, error)
	// DeletePasskey removes the record with id, or returns ErrNotFound.
	DeletePasskey(ctx context.Context, id string) error
	// SavePasskey inserts or replaces the record with rec.ID.
	SavePasskey(ctx context.Context, rec PasskeyRecord) error
	// FindByCredentialID returns the record holding credentialID.
	FindByCredentialID(ctx context.Context, credentialID []byte) (PasskeyRecord, error)
}

func sortRecords(recs []PasskeyRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].ID < recs[j].ID
	})
}

// MemoryStore is a process-local CredentialStore.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]PasskeyRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]PasskeyRecord{}}
}

func (s *MemoryStore) ListPasskeys(_ context.Context, userID string) ([]PasskeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []PasskeyRecord
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	sortRecords(out)
	return out, nil
}

func (s *MemoryStore) GetPasskey(_ context.Context, id string) (PasskeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[id]
	if !ok {
		return PasskeyRecord{}, ErrNotFound
	}
	return r, nil
}

func (s *MemoryStore) DeletePasskey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[id]; !ok {
		return ErrNotFound
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) SavePasskey(_ context.Context, rec PasskeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.records {
		if id != rec.ID && bytes.Equal(r.CredentialID, rec.CredentialID) {
			return ErrDuplicateCredential
		}
	}
	s.records[rec.ID] = rec
	return nil
}

func (s *MemoryStore) FindByCredentialID(_ context.Context, credentialID []byte) (PasskeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.records {
		if bytes.Equal(r.CredentialID, credentialID) {
			return r, nil
		}
	}
	return PasskeyRecord{}, ErrNotFound
}

var _ CredentialStore = (*MemoryStore)(nil)
