// Package users is a small, file-backed user directory. It verifies the
// username/password pair submitted during login and resolves usernames for
// the passkey ceremonies.
package users

import (
	"context"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/mnehpets/authgate/autherr"
)

// User is an account in the directory. ID is the stable subject identifier
// passed to the identity provider.
type User struct {
	ID           string `yaml:"id"`
	Username     string `yaml:"username"`
	DisplayName  string `yaml:"display_name"`
	PasswordHash string `yaml:"password_hash"`
}

type file struct {
	Users []User `yaml:"users"`
}

// Directory holds users keyed by username.
type Directory struct {
	mu         sync.RWMutex
	byUsername map[string]User
	dummyHash  []byte
}

// New returns a directory holding users. Later duplicates of a username or
// ID are rejected.
func New(users ...User) (*Directory, error) {
	d := &Directory{byUsername: map[string]User{}}
	ids := map[string]bool{}
	for _, u := range users {
		if u.ID == "" || u.Username == "" {
			return nil, fmt.Errorf("user entry needs id and username (got id=%q username=%q)", u.ID, u.Username)
		}
		if _, dup := d.byUsername[u.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", u.Username)
		}
		if ids[u.ID] {
			return nil, fmt.Errorf("duplicate user id %q", u.ID)
		}
		ids[u.ID] = true
		if u.DisplayName == "" {
			u.DisplayName = u.Username
		}
		d.byUsername[u.Username] = u
	}
	return d, nil
}

// Load reads a YAML user file of the form
//
//	users:
//	  - id: user-42
//	    username: alice
//	    display_name: Alice
//	    password_hash: $2a$10$...
func Load(path string) (*Directory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read user file '%s': %w", path, err)
	}
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user file '%s': %w", path, err)
	}
	d, err := New(f.Users...)
	if err != nil {
		return nil, fmt.Errorf("user file '%s': %w", path, err)
	}
	return d, nil
}

// Lookup returns the user with username, or a not_found error.
func (d *Directory) Lookup(_ context.Context, username string) (User, error) {
	d.mu.RLock()
	u, ok := d.byUsername[username]
	d.mu.RUnlock()
	if !ok {
		return User{}, autherr.New(autherr.KindNotFound, "unknown user", nil)
	}
	return u, nil
}

// Verify checks password against the stored hash and returns the user's ID.
// Unknown users and wrong passwords produce the same invalid_credentials
// error, and both cost one bcrypt comparison.
func (d *Directory) Verify(ctx context.Context, username, password string) (string, error) {
	u, err := d.Lookup(ctx, username)
	if err != nil {
		bcrypt.CompareHashAndPassword(d.dummy(), []byte(password))
		return "", autherr.New(autherr.KindInvalidCredentials, "invalid username or password", nil)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return "", autherr.New(autherr.KindInvalidCredentials, "invalid username or password", nil)
	}
	return u.ID, nil
}

// Len returns the number of users.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byUsername)
}

func (d *Directory) dummy() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dummyHash == nil {
		d.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("authgate-dummy-password"), bcrypt.DefaultCost)
	}
	return d.dummyHash
}

// HashPassword returns a bcrypt hash suitable for the password_hash field.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
