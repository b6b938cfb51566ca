package middleware

import (
	"bytes"
	"errors"
	"net/http"
	"testing"
	"time"
)

type cookiePayload struct {
	Subject string `cbor:"1,keyasint"`
	N       int    `cbor:"2,keyasint"`
}

func testKeys(t *testing.T, ids ...string) map[string][]byte {
	t.Helper()
	keys := map[string][]byte{}
	for _, id := range ids {
		k, err := NewKey()
		if err != nil {
			t.Fatalf("NewKey: %v", err)
		}
		keys[id] = k
	}
	return keys
}

func TestSecureCookie_RoundTrip(t *testing.T) {
	sc, err := NewSecureCookie("sess", "k1", testKeys(t, "k1"))
	if err != nil {
		t.Fatalf("NewSecureCookie: %v", err)
	}
	c, err := sc.Encode(cookiePayload{Subject: "user-42", N: 7}, time.Hour)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if c.Name != "sess" || c.Path != "/" || !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteLaxMode {
		t.Fatalf("unexpected cookie attributes: %+v", c)
	}
	if c.MaxAge != 3600 {
		t.Fatalf("MaxAge = %d, want 3600", c.MaxAge)
	}
	if bytes.Contains([]byte(c.Value), []byte("user-42")) {
		t.Fatal("cookie value is not sealed")
	}

	var got cookiePayload
	if err := sc.Decode(c, &got); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got != (cookiePayload{Subject: "user-42", N: 7}) {
		t.Fatalf("got %+v", got)
	}
}

func TestSecureCookie_KeyRotation(t *testing.T) {
	keys := testKeys(t, "old", "new")
	oldSC, err := NewSecureCookie("sess", "old", keys)
	if err != nil {
		t.Fatal(err)
	}
	newSC, err := NewSecureCookie("sess", "new", keys)
	if err != nil {
		t.Fatal(err)
	}
	c, err := oldSC.Encode(cookiePayload{Subject: "a"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	var got cookiePayload
	if err := newSC.Decode(c, &got); err != nil || got.Subject != "a" {
		t.Fatalf("rotated decode = %+v, %v", got, err)
	}

	dropped, err := NewSecureCookie("sess", "new", map[string][]byte{"new": keys["new"]})
	if err != nil {
		t.Fatal(err)
	}
	if err := dropped.Decode(c, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("decode with retired key: err = %v, want ErrCookieInvalid", err)
	}
}

func TestSecureCookie_BindsNameAndPath(t *testing.T) {
	keys := testKeys(t, "k1")
	a, _ := NewSecureCookie("a", "k1", keys)
	b, _ := NewSecureCookie("b", "k1", keys)
	p, _ := NewSecureCookie("a", "k1", keys, WithPath("/auth"))

	c, err := a.Encode(cookiePayload{Subject: "x"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	var got cookiePayload
	if err := b.Decode(c, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("other name: err = %v", err)
	}
	if err := p.Decode(c, &got); !errors.Is(err, ErrCookieInvalid) {
		t.Fatalf("other path: err = %v", err)
	}
}

func TestSecureCookie_DecodeRejects(t *testing.T) {
	sc, _ := NewSecureCookie("sess", "k1", testKeys(t, "k1"))
	good, err := sc.Encode(cookiePayload{Subject: "x"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	tampered := []byte(good.Value)
	tampered[len(tampered)-2] ^= 0x01

	tests := []struct {
		name  string
		value string
		want  error
	}{
		{"empty", "", ErrCookieFormat},
		{"no separator", "k1abc", ErrCookieFormat},
		{"unknown key", "k9." + good.Value[3:], ErrCookieInvalid},
		{"bad base64", "k1.!!!", ErrCookieFormat},
		{"short", "k1.AAAA", ErrCookieFormat},
		{"too long", "k1." + string(bytes.Repeat([]byte("A"), maxCookieLen)), ErrCookieFormat},
		{"tampered", string(tampered), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got cookiePayload
			err := sc.Decode(&http.Cookie{Name: "sess", Value: tt.value}, &got)
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewSecureCookie_Config(t *testing.T) {
	if _, err := NewSecureCookie("sess", "missing", testKeys(t, "k1")); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("missing key id: err = %v", err)
	}
	if _, err := NewSecureCookie("sess", "k1", map[string][]byte{"k1": []byte("short")}); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("short key: err = %v", err)
	}
	if _, err := NewSecureCookie("", "k1", testKeys(t, "k1")); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("empty name: err = %v", err)
	}
	sc, _ := NewSecureCookie("sess", "k1", testKeys(t, "k1"))
	if _, err := sc.Encode(cookiePayload{}, 0); !errors.Is(err, ErrCookieConfig) {
		t.Fatalf("zero max age: err = %v", err)
	}
}

func TestSecureCookie_Clear(t *testing.T) {
	sc, _ := NewSecureCookie("sess", "k1", testKeys(t, "k1"), WithSecure(false), WithSameSite(http.SameSiteStrictMode))
	c := sc.Clear()
	if c.Name != "sess" || c.MaxAge != -1 || c.Value != "" || c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("unexpected clear cookie: %+v", c)
	}
}
