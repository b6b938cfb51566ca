package passkey

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnehpets/authgate/autherr"
	"github.com/mnehpets/authgate/ceremony"
	"github.com/mnehpets/authgate/flowstore"
	"github.com/mnehpets/authgate/users"
)

type serviceEnv struct {
	svc        *Service
	store      *MemoryStore
	ceremonies *flowstore.Memory[Ceremony]
	now        time.Time
}

func newServiceEnv(t *testing.T) *serviceEnv {
	t.Helper()
	dir, err := users.New(
		users.User{ID: "user-42", Username: "alice", DisplayName: "Alice"},
		users.User{ID: "user-7", Username: "bob"},
	)
	require.NoError(t, err)

	env := &serviceEnv{
		store: NewMemoryStore(),
		now:   time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	env.ceremonies = flowstore.NewMemory[Ceremony](flowstore.WithClock(clock))
	env.svc, err = NewService(
		RelyingParty{ID: "localhost", DisplayName: "Passkey Demo", Origins: []string{"http://localhost:8080"}},
		env.store, dir, env.ceremonies,
		WithClock(clock),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	require.NoError(t, err)
	return env
}

func TestService_RegistrationCeremony(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	opts, err := env.svc.StartRegistration(ctx, "user-42", "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, opts.Challenge)
	assert.Equal(t, "localhost", opts.RP.ID)
	assert.Equal(t, "Passkey Demo", opts.RP.Name)
	assert.Equal(t, ceremony.BytesToBase64URL([]byte("user-42")), opts.User.ID)
	assert.Equal(t, "alice", opts.User.Name)
	assert.Equal(t, "Alice", opts.User.DisplayName)
	assert.Equal(t, "none", opts.Attestation)
	assert.Equal(t, 60000, opts.Timeout)
	assert.Nil(t, opts.ExcludeCredentials)
	assert.NotEmpty(t, opts.PubKeyCredParams)

	// The wire options decode back into platform options.
	platform, err := ceremony.ToCreationOptions(opts)
	require.NoError(t, err)
	assert.Len(t, []byte(platform.Challenge), 32)

	rec, err := env.svc.CompleteRegistration(ctx, "user-42", Registration{
		UserID:          "user-42",
		CredentialID:    ceremony.BytesToBase64URL([]byte("cred-1")),
		PublicKey:       ceremony.BytesToBase64URL([]byte("public-key")),
		AttestationType: "none",
		Name:            "laptop",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)
	assert.Equal(t, []byte("cred-1"), []byte(rec.CredentialID))
	assert.Equal(t, env.now, rec.CreatedAt)

	// The ceremony is single-use.
	_, err = env.svc.CompleteRegistration(ctx, "user-42", Registration{
		UserID:       "user-42",
		CredentialID: ceremony.BytesToBase64URL([]byte("cred-2")),
	})
	assert.ErrorIs(t, err, autherr.ErrFlowNotFound)

	// A second registration excludes the existing passkey.
	opts, err = env.svc.StartRegistration(ctx, "user-42", "alice")
	require.NoError(t, err)
	require.Len(t, opts.ExcludeCredentials, 1)
	assert.Equal(t, ceremony.BytesToBase64URL([]byte("cred-1")), opts.ExcludeCredentials[0].ID)
	assert.Equal(t, "public-key", opts.ExcludeCredentials[0].Type)

	// Registering the same credential again conflicts.
	_, err = env.svc.CompleteRegistration(ctx, "user-42", Registration{
		UserID:       "user-42",
		CredentialID: ceremony.BytesToBase64URL([]byte("cred-1")),
	})
	assert.ErrorIs(t, err, autherr.ErrConflict)
}

func TestService_RegistrationErrors(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	_, err := env.svc.StartRegistration(ctx, "user-42", "mallory")
	assert.ErrorIs(t, err, autherr.ErrNotFound)

	_, err = env.svc.StartRegistration(ctx, "user-42", "")
	assert.ErrorIs(t, err, autherr.ErrMalformedCeremonyOptions)

	_, err = env.svc.StartRegistration(ctx, "user-42", "alice")
	require.NoError(t, err)

	_, err = env.svc.CompleteRegistration(ctx, "user-42", Registration{UserID: "user-42", CredentialID: "not base64!"})
	assert.ErrorIs(t, err, autherr.ErrEncoding)
	_, err = env.svc.CompleteRegistration(ctx, "user-42", Registration{UserID: "user-42", CredentialID: "AQ", PublicKey: "AQ=="})
	assert.ErrorIs(t, err, autherr.ErrEncoding)
	_, err = env.svc.CompleteRegistration(ctx, "user-42", Registration{UserID: "user-42"})
	assert.ErrorIs(t, err, autherr.ErrMalformedCeremonyOptions)

	// Malformed input did not consume the ceremony, but it expires.
	env.now = env.now.Add(CeremonyTTL)
	_, err = env.svc.CompleteRegistration(ctx, "user-42", Registration{UserID: "user-42", CredentialID: "AQ"})
	assert.ErrorIs(t, err, autherr.ErrFlowNotFound)

	// No ceremony was started for bob.
	_, err = env.svc.CompleteRegistration(ctx, "user-7", Registration{UserID: "user-7", CredentialID: "AQ"})
	assert.ErrorIs(t, err, autherr.ErrFlowNotFound)
}

func register(t *testing.T, env *serviceEnv, userID, username, credID string) *PasskeyRecord {
	t.Helper()
	ctx := context.Background()
	_, err := env.svc.StartRegistration(ctx, userID, username)
	require.NoError(t, err)
	rec, err := env.svc.CompleteRegistration(ctx, userID, Registration{
		UserID:       userID,
		CredentialID: ceremony.BytesToBase64URL([]byte(credID)),
		PublicKey:    ceremony.BytesToBase64URL([]byte("pk")),
	})
	require.NoError(t, err)
	return rec
}

func TestService_AuthenticationCeremony(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	_, err := env.svc.StartAuthentication(ctx, "alice")
	assert.ErrorIs(t, err, autherr.ErrNotFound, "no passkeys yet")

	rec := register(t, env, "user-42", "alice", "cred-1")
	register(t, env, "user-7", "bob", "cred-bob")

	opts, err := env.svc.StartAuthentication(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, opts.Challenge)
	assert.Equal(t, "localhost", opts.RPID)
	require.Len(t, opts.AllowCredentials, 1)
	assert.Equal(t, ceremony.BytesToBase64URL([]byte("cred-1")), opts.AllowCredentials[0].ID)

	platform, err := ceremony.ToRequestOptions(opts)
	require.NoError(t, err)
	assert.Equal(t, []byte("cred-1"), []byte(platform.AllowedCredentials[0].CredentialID))

	env.now = env.now.Add(time.Minute)
	got, err := env.svc.CompleteAuthentication(ctx, Authentication{
		Username:     "alice",
		CredentialID: ceremony.BytesToBase64URL([]byte("cred-1")),
	})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	require.NotNil(t, got.LastUsedAt)
	assert.Equal(t, env.now, *got.LastUsedAt)

	stored, err := env.store.FindByCredentialID(ctx, []byte("cred-1"))
	require.NoError(t, err)
	require.NotNil(t, stored.LastUsedAt)

	// Single use.
	_, err = env.svc.CompleteAuthentication(ctx, Authentication{
		Username:     "alice",
		CredentialID: ceremony.BytesToBase64URL([]byte("cred-1")),
	})
	assert.ErrorIs(t, err, autherr.ErrFlowNotFound)
}

func TestService_AuthenticationRejectsForeignCredential(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	register(t, env, "user-42", "alice", "cred-1")
	register(t, env, "user-7", "bob", "cred-bob")

	_, err := env.svc.StartAuthentication(ctx, "alice")
	require.NoError(t, err)
	_, err = env.svc.CompleteAuthentication(ctx, Authentication{
		Username:     "alice",
		CredentialID: ceremony.BytesToBase64URL([]byte("cred-bob")),
	})
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	_, err = env.svc.CompleteAuthentication(ctx, Authentication{Username: "mallory", CredentialID: "AQ"})
	assert.ErrorIs(t, err, autherr.ErrInvalidCredentials)

	_, err = env.svc.CompleteAuthentication(ctx, Authentication{Username: "alice", CredentialID: "%%"})
	assert.ErrorIs(t, err, autherr.ErrEncoding)
}

func TestService_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)

	recs, err := env.svc.ListPasskeys(ctx, "user-42", "user-42")
	require.NoError(t, err)
	assert.NotNil(t, recs)
	assert.Empty(t, recs)

	rec := register(t, env, "user-42", "alice", "cred-1")
	recs, err = env.svc.ListPasskeys(ctx, "user-42", "user-42")
	require.NoError(t, err)
	require.Len(t, recs, 1)

	recs, err = env.svc.ListPasskeys(ctx, "user-42", "")
	require.NoError(t, err)
	require.Len(t, recs, 1, "empty userId lists the subject's passkeys")

	require.NoError(t, env.svc.DeletePasskey(ctx, "user-42", rec.ID))
	assert.ErrorIs(t, env.svc.DeletePasskey(ctx, "user-42", rec.ID), autherr.ErrNotFound)

	_, err = env.svc.ListPasskeys(ctx, "", "")
	assert.ErrorIs(t, err, autherr.ErrUnauthenticated)
}

func TestService_OwnershipChecks(t *testing.T) {
	ctx := context.Background()
	env := newServiceEnv(t)
	rec := register(t, env, "user-42", "alice", "cred-1")

	// bob cannot act on alice's passkeys.
	_, err := env.svc.StartRegistration(ctx, "user-7", "alice")
	assert.ErrorIs(t, err, autherr.ErrForbidden)
	_, err = env.svc.CompleteRegistration(ctx, "user-7", Registration{UserID: "user-42", CredentialID: "AQ"})
	assert.ErrorIs(t, err, autherr.ErrForbidden)
	_, err = env.svc.ListPasskeys(ctx, "user-7", "user-42")
	assert.ErrorIs(t, err, autherr.ErrForbidden)
	assert.ErrorIs(t, env.svc.DeletePasskey(ctx, "user-7", rec.ID), autherr.ErrForbidden)

	_, err = env.svc.StartRegistration(ctx, "", "alice")
	assert.ErrorIs(t, err, autherr.ErrUnauthenticated)
	_, err = env.svc.StartRegistration(ctx, "", "mallory")
	assert.ErrorIs(t, err, autherr.ErrUnauthenticated, "no user lookup before login")
	assert.ErrorIs(t, env.svc.DeletePasskey(ctx, "", rec.ID), autherr.ErrUnauthenticated)
	assert.ErrorIs(t, env.svc.DeletePasskey(ctx, "", "missing"), autherr.ErrUnauthenticated)

	recs, err := env.svc.ListPasskeys(ctx, "user-42", "user-42")
	require.NoError(t, err)
	assert.Len(t, recs, 1, "refused delete kept the record")
}
