package middleware

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrCookieFormat  = errors.New("invalid cookie format")
	ErrCookieInvalid = errors.New("invalid cookie")
	ErrCookieConfig  = errors.New("invalid secure cookie configuration")
)

// maxCookieLen bounds the attacker-controlled data decoded from a cookie.
const maxCookieLen = 8192

// KeySize is the length of a cookie sealing key.
const KeySize = chacha20poly1305.KeySize

// SecureCookie seals CBOR values into cookies with XChaCha20-Poly1305.
//
// Value format: keyID "." base64url(nonce || ciphertext). The cookie name,
// path and secure flag are bound as additional data, so a value cannot be
// replayed under another cookie. Keys maps key IDs to keys; KeyID selects
// the sealing key and every key in Keys is accepted for opening, which
// allows rotation.
type SecureCookie struct {
	name     string
	path     string
	secure   bool
	sameSite http.SameSite

	keyID string
	keys  map[string]cipher.AEAD
	now   func() time.Time
}

// SecureCookieOption configures a SecureCookie.
type SecureCookieOption func(*SecureCookie)

// WithPath sets the cookie path. The default is "/".
func WithPath(path string) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.path = path
	}
}

// WithSecure sets the Secure flag. The default is true.
func WithSecure(secure bool) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.secure = secure
	}
}

// WithSameSite sets the SameSite attribute. The default is Lax, which lets
// the cookie accompany the top-level redirect back from the IdP.
func WithSameSite(s http.SameSite) SecureCookieOption {
	return func(sc *SecureCookie) {
		sc.sameSite = s
	}
}

// NewSecureCookie returns a SecureCookie named name, sealing with
// keys[keyID].
func NewSecureCookie(name, keyID string, keys map[string][]byte, opts ...SecureCookieOption) (*SecureCookie, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty cookie name", ErrCookieConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrCookieConfig, keyID)
	}
	sc := &SecureCookie{
		name:     name,
		path:     "/",
		secure:   true,
		sameSite: http.SameSiteLaxMode,
		keyID:    keyID,
		keys:     make(map[string]cipher.AEAD, len(keys)),
		now:      time.Now,
	}
	for id, k := range keys {
		if id == "" || strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: invalid key id %q", ErrCookieConfig, id)
		}
		aead, err := chacha20poly1305.NewX(k)
		if err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrCookieConfig, id, err)
		}
		sc.keys[id] = aead
	}
	for _, opt := range opts {
		opt(sc)
	}
	if sc.path == "" {
		sc.path = "/"
	}
	return sc, nil
}

// Name returns the cookie name.
func (sc *SecureCookie) Name() string {
	return sc.name
}

func (sc *SecureCookie) aad() []byte {
	secure := "f"
	if sc.secure {
		secure = "t"
	}
	return []byte(sc.name + ":" + sc.path + ":" + secure)
}

// Encode seals v and returns a cookie that lives for maxAge.
func (sc *SecureCookie) Encode(v any, maxAge time.Duration) (*http.Cookie, error) {
	secs := int(maxAge / time.Second)
	if secs <= 0 {
		return nil, fmt.Errorf("%w: non-positive max age", ErrCookieConfig)
	}
	plain, err := cbor.Marshal(v)
	if err != nil {
		return nil, err
	}
	aead := sc.keys[sc.keyID]
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nonce, nonce, plain, sc.aad())
	value := sc.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed)
	if len(value) > maxCookieLen {
		return nil, fmt.Errorf("%w: sealed value is %d bytes", ErrCookieFormat, len(value))
	}

	return &http.Cookie{
		Name:     sc.name,
		Value:    value,
		Path:     sc.path,
		MaxAge:   secs,
		Expires:  sc.now().Add(maxAge),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}, nil
}

// Decode opens cookie and unmarshals its value into v.
func (sc *SecureCookie) Decode(cookie *http.Cookie, v any) error {
	if cookie == nil || len(cookie.Value) == 0 || len(cookie.Value) > maxCookieLen {
		return ErrCookieFormat
	}
	keyID, enc, ok := strings.Cut(cookie.Value, ".")
	if !ok || keyID == "" || enc == "" {
		return ErrCookieFormat
	}
	aead, ok := sc.keys[keyID]
	if !ok {
		return ErrCookieInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return ErrCookieFormat
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return ErrCookieFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, sc.aad())
	if err != nil {
		return ErrCookieInvalid
	}
	if err := cbor.Unmarshal(plain, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCookieInvalid, err)
	}
	return nil
}

// Clear returns a cookie that deletes this cookie in the client.
func (sc *SecureCookie) Clear() *http.Cookie {
	return &http.Cookie{
		Name:     sc.name,
		Path:     sc.path,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   sc.secure,
		HttpOnly: true,
		SameSite: sc.sameSite,
	}
}

// NewKey returns a random sealing key.
func NewKey() ([]byte, error) {
	k := make([]byte, KeySize)
	if _, err := rand.Read(k); err != nil {
		return nil, err
	}
	return k, nil
}
