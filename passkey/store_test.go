package passkey

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := OpenBoltStore(filepath.Join(t.TempDir(), "passkeys.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testStores(t *testing.T) map[string]CredentialStore {
	return map[string]CredentialStore{
		"memory": NewMemoryStore(),
		"bolt":   newTestBoltStore(t),
	}
}

func record(id, userID, credID string, created time.Time) PasskeyRecord {
	return PasskeyRecord{
		ID:              id,
		UserID:          userID,
		CredentialID:    []byte(credID),
		PublicKey:       []byte("pk-" + credID),
		AttestationType: "none",
		CreatedAt:       created,
	}
}

func TestCredentialStore(t *testing.T) {
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.SavePasskey(ctx, record("p2", "u1", "c2", t0.Add(time.Minute))))
			require.NoError(t, s.SavePasskey(ctx, record("p1", "u1", "c1", t0)))
			require.NoError(t, s.SavePasskey(ctx, record("p3", "u2", "c3", t0)))

			recs, err := s.ListPasskeys(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "p1", recs[0].ID)
			assert.Equal(t, "p2", recs[1].ID)
			assert.Equal(t, []byte("pk-c1"), []byte(recs[0].PublicKey))

			recs, err = s.ListPasskeys(ctx, "nobody")
			require.NoError(t, err)
			assert.Empty(t, recs)

			got, err := s.FindByCredentialID(ctx, []byte("c3"))
			require.NoError(t, err)
			assert.Equal(t, "p3", got.ID)
			assert.Equal(t, "u2", got.UserID)

			got, err = s.GetPasskey(ctx, "p2")
			require.NoError(t, err)
			assert.Equal(t, "u1", got.UserID)
			assert.Equal(t, []byte("c2"), []byte(got.CredentialID))
			_, err = s.GetPasskey(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.FindByCredentialID(ctx, []byte("missing"))
			assert.ErrorIs(t, err, ErrNotFound)

			// A credential ID belongs to one record.
			err = s.SavePasskey(ctx, record("p4", "u2", "c1", t0))
			assert.ErrorIs(t, err, ErrDuplicateCredential)

			// Replacing a record updates its indexes.
			used := t0.Add(time.Hour)
			upd := record("p1", "u1", "c1-new", t0)
			upd.LastUsedAt = &used
			require.NoError(t, s.SavePasskey(ctx, upd))
			_, err = s.FindByCredentialID(ctx, []byte("c1"))
			assert.ErrorIs(t, err, ErrNotFound)
			got, err = s.FindByCredentialID(ctx, []byte("c1-new"))
			require.NoError(t, err)
			require.NotNil(t, got.LastUsedAt)
			assert.True(t, got.LastUsedAt.Equal(used))

			require.NoError(t, s.DeletePasskey(ctx, "p1"))
			assert.ErrorIs(t, s.DeletePasskey(ctx, "p1"), ErrNotFound)
			recs, err = s.ListPasskeys(ctx, "u1")
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "p2", recs[0].ID)
			_, err = s.FindByCredentialID(ctx, []byte("c1-new"))
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestBoltStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "passkeys.db")
	ctx := context.Background()

	s, err := OpenBoltStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.SavePasskey(ctx, record("p1", "u1", "c1", time.Now().UTC())))
	require.NoError(t, s.Close())

	s, err = OpenBoltStore(path, nil)
	require.NoError(t, err)
	defer s.Close()
	recs, err := s.ListPasskeys(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("c1"), []byte(recs[0].CredentialID))
}
