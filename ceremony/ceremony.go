// Package ceremony converts WebAuthn ceremony options between their wire form,
// where binary fields are base64url strings, and the platform form used by
// github.com/go-webauthn/webauthn, where they are byte slices.
package ceremony

import (
	"encoding/base64"
	"fmt"

	"github.com/mnehpets/authgate/autherr"
)

// CreationOptions is the wire form of PublicKeyCredentialCreationOptions.
type CreationOptions struct {
	Challenge              string                  `json:"challenge"`
	RP                     RelyingParty            `json:"rp"`
	User                   User                    `json:"user"`
	PubKeyCredParams       []CredentialParameter   `json:"pubKeyCredParams,omitempty"`
	Timeout                int                     `json:"timeout,omitempty"`
	ExcludeCredentials     []CredentialDescriptor  `json:"excludeCredentials,omitempty"`
	AuthenticatorSelection *AuthenticatorSelection `json:"authenticatorSelection,omitempty"`
	Attestation            string                  `json:"attestation,omitempty"`
	Extensions             map[string]any          `json:"extensions,omitempty"`
}

// RequestOptions is the wire form of PublicKeyCredentialRequestOptions.
type RequestOptions struct {
	Challenge        string                 `json:"challenge"`
	Timeout          int                    `json:"timeout,omitempty"`
	RPID             string                 `json:"rpId,omitempty"`
	AllowCredentials []CredentialDescriptor `json:"allowCredentials,omitempty"`
	UserVerification string                 `json:"userVerification,omitempty"`
	Extensions       map[string]any         `json:"extensions,omitempty"`
}

type RelyingParty struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name"`
}

// User describes the account a credential is created for. ID is base64url.
type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	DisplayName string `json:"displayName"`
}

type CredentialParameter struct {
	Type string `json:"type"`
	Alg  int    `json:"alg"`
}

// CredentialDescriptor names an existing credential. ID is base64url.
type CredentialDescriptor struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Transports []string `json:"transports,omitempty"`
}

type AuthenticatorSelection struct {
	AuthenticatorAttachment string `json:"authenticatorAttachment,omitempty"`
	RequireResidentKey      *bool  `json:"requireResidentKey,omitempty"`
	ResidentKey             string `json:"residentKey,omitempty"`
	UserVerification        string `json:"userVerification,omitempty"`
}

// BytesToBase64URL encodes b as unpadded base64url.
func BytesToBase64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// Base64URLToBytes decodes unpadded base64url. Padding, whitespace and
// characters outside the URL-safe alphabet are rejected with an encoding
// error. Non-zero trailing bits in the final character are accepted, as
// browsers accept them.
func Base64URLToBytes(s string) ([]byte, error) {
	for i := 0; i < len(s); i++ {
		if !isBase64URLChar(s[i]) {
			return nil, autherr.New(autherr.KindEncoding,
				fmt.Sprintf("invalid base64url character %q at offset %d", s[i], i), nil)
		}
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, autherr.New(autherr.KindEncoding, "invalid base64url", err)
	}
	return b, nil
}

func isBase64URLChar(c byte) bool {
	switch {
	case 'A' <= c && c <= 'Z', 'a' <= c && c <= 'z', '0' <= c && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}

// decodeField decodes a base64url field, naming it in the error.
func decodeField(name, s string) ([]byte, error) {
	b, err := Base64URLToBytes(s)
	if err != nil {
		return nil, autherr.New(autherr.KindEncoding, fmt.Sprintf("%s: %s", name, autherr.MessageOf(err)), err)
	}
	return b, nil
}
