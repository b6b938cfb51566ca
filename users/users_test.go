package users

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mnehpets/authgate/autherr"
)

func hash(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return string(h)
}

func TestDirectory_Verify(t *testing.T) {
	ctx := context.Background()
	d, err := New(User{ID: "user-42", Username: "alice", PasswordHash: hash(t, "s3cret")})
	require.NoError(t, err)

	subject, err := d.Verify(ctx, "alice", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)

	_, wrongPassword := d.Verify(ctx, "alice", "nope")
	assert.ErrorIs(t, wrongPassword, autherr.ErrInvalidCredentials)

	_, unknownUser := d.Verify(ctx, "mallory", "s3cret")
	assert.ErrorIs(t, unknownUser, autherr.ErrInvalidCredentials)

	// Nothing distinguishes the two failures.
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
}

func TestDirectory_Lookup(t *testing.T) {
	d, err := New(User{ID: "u1", Username: "alice"})
	require.NoError(t, err)

	u, err := d.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "alice", u.DisplayName)

	_, err = d.Lookup(context.Background(), "bob")
	assert.ErrorIs(t, err, autherr.ErrNotFound)
}

func TestNew_RejectsDuplicates(t *testing.T) {
	_, err := New(User{ID: "u1", Username: "alice"}, User{ID: "u2", Username: "alice"})
	assert.Error(t, err)

	_, err = New(User{ID: "u1", Username: "alice"}, User{ID: "u1", Username: "bob"})
	assert.Error(t, err)

	_, err = New(User{Username: "alice"})
	assert.Error(t, err)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.yaml")
	content := "users:\n" +
		"  - id: user-42\n" +
		"    username: alice\n" +
		"    display_name: Alice Example\n" +
		"    password_hash: '" + hash(t, "pw") + "'\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	d, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 1, d.Len())

	u, err := d.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "Alice Example", u.DisplayName)

	subject, err := d.Verify(context.Background(), "alice", "pw")
	require.NoError(t, err)
	assert.Equal(t, "user-42", subject)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestHashPassword(t *testing.T) {
	h, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(h), []byte("pw")))
}
