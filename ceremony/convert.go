package ceremony

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"

	"github.com/mnehpets/authgate/autherr"
)

// maxUserHandleLen is the WebAuthn upper bound on a user handle.
const maxUserHandleLen = 64

// ToCreationOptions converts wire creation options to the platform form.
// challenge, user.id and every excludeCredentials[].id are decoded; all other
// fields are copied. An absent excludeCredentials stays nil.
func ToCreationOptions(w *CreationOptions) (*protocol.PublicKeyCredentialCreationOptions, error) {
	if w == nil || w.Challenge == "" {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "challenge is required", nil)
	}
	challenge, err := decodeField("challenge", w.Challenge)
	if err != nil {
		return nil, err
	}
	userID, err := decodeField("user.id", w.User.ID)
	if err != nil {
		return nil, err
	}
	if len(userID) < 1 || len(userID) > maxUserHandleLen {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions,
			fmt.Sprintf("user.id must decode to 1 to %d bytes", maxUserHandleLen), nil)
	}
	exclude, err := toDescriptors("excludeCredentials", w.ExcludeCredentials)
	if err != nil {
		return nil, err
	}

	opts := &protocol.PublicKeyCredentialCreationOptions{
		RelyingParty: protocol.RelyingPartyEntity{
			CredentialEntity: protocol.CredentialEntity{Name: w.RP.Name},
			ID:               w.RP.ID,
		},
		User: protocol.UserEntity{
			CredentialEntity: protocol.CredentialEntity{Name: w.User.Name},
			DisplayName:      w.User.DisplayName,
			ID:               protocol.URLEncodedBase64(userID),
		},
		Challenge:             protocol.URLEncodedBase64(challenge),
		Timeout:               w.Timeout,
		CredentialExcludeList: exclude,
		Attestation:           protocol.ConveyancePreference(w.Attestation),
		Extensions:            protocol.AuthenticationExtensions(w.Extensions),
	}
	if w.PubKeyCredParams != nil {
		opts.Parameters = make([]protocol.CredentialParameter, len(w.PubKeyCredParams))
		for i, p := range w.PubKeyCredParams {
			opts.Parameters[i] = protocol.CredentialParameter{
				Type:      protocol.CredentialType(p.Type),
				Algorithm: webauthncose.COSEAlgorithmIdentifier(p.Alg),
			}
		}
	}
	if s := w.AuthenticatorSelection; s != nil {
		opts.AuthenticatorSelection = protocol.AuthenticatorSelection{
			AuthenticatorAttachment: protocol.AuthenticatorAttachment(s.AuthenticatorAttachment),
			RequireResidentKey:      s.RequireResidentKey,
			ResidentKey:             protocol.ResidentKeyRequirement(s.ResidentKey),
			UserVerification:        protocol.UserVerificationRequirement(s.UserVerification),
		}
	}
	return opts, nil
}

// ToRequestOptions converts wire request options to the platform form.
// challenge and every allowCredentials[].id are decoded.
func ToRequestOptions(w *RequestOptions) (*protocol.PublicKeyCredentialRequestOptions, error) {
	if w == nil || w.Challenge == "" {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "challenge is required", nil)
	}
	challenge, err := decodeField("challenge", w.Challenge)
	if err != nil {
		return nil, err
	}
	allow, err := toDescriptors("allowCredentials", w.AllowCredentials)
	if err != nil {
		return nil, err
	}
	return &protocol.PublicKeyCredentialRequestOptions{
		Challenge:          protocol.URLEncodedBase64(challenge),
		Timeout:            w.Timeout,
		RelyingPartyID:     w.RPID,
		AllowedCredentials: allow,
		UserVerification:   protocol.UserVerificationRequirement(w.UserVerification),
		Extensions:         protocol.AuthenticationExtensions(w.Extensions),
	}, nil
}

// FromCreationOptions converts platform creation options to the wire form.
func FromCreationOptions(p *protocol.PublicKeyCredentialCreationOptions) (*CreationOptions, error) {
	if p == nil || len(p.Challenge) == 0 {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "challenge is required", nil)
	}
	userID, err := userHandle(p.User.ID)
	if err != nil {
		return nil, err
	}
	w := &CreationOptions{
		Challenge: BytesToBase64URL(p.Challenge),
		RP:        RelyingParty{ID: p.RelyingParty.ID, Name: p.RelyingParty.Name},
		User: User{
			ID:          BytesToBase64URL(userID),
			Name:        p.User.Name,
			DisplayName: p.User.DisplayName,
		},
		Timeout:            p.Timeout,
		ExcludeCredentials: fromDescriptors(p.CredentialExcludeList),
		Attestation:        string(p.Attestation),
		Extensions:         p.Extensions,
	}
	if p.Parameters != nil {
		w.PubKeyCredParams = make([]CredentialParameter, len(p.Parameters))
		for i, cp := range p.Parameters {
			w.PubKeyCredParams[i] = CredentialParameter{Type: string(cp.Type), Alg: int(cp.Algorithm)}
		}
	}
	if s := p.AuthenticatorSelection; s != (protocol.AuthenticatorSelection{}) {
		w.AuthenticatorSelection = &AuthenticatorSelection{
			AuthenticatorAttachment: string(s.AuthenticatorAttachment),
			RequireResidentKey:      s.RequireResidentKey,
			ResidentKey:             string(s.ResidentKey),
			UserVerification:        string(s.UserVerification),
		}
	}
	return w, nil
}

// FromRequestOptions converts platform request options to the wire form.
func FromRequestOptions(p *protocol.PublicKeyCredentialRequestOptions) (*RequestOptions, error) {
	if p == nil || len(p.Challenge) == 0 {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "challenge is required", nil)
	}
	return &RequestOptions{
		Challenge:        BytesToBase64URL(p.Challenge),
		Timeout:          p.Timeout,
		RPID:             p.RelyingPartyID,
		AllowCredentials: fromDescriptors(p.AllowedCredentials),
		UserVerification: string(p.UserVerification),
		Extensions:       p.Extensions,
	}, nil
}

// ParseCreationOptions decodes wire creation options from JSON. Unknown
// fields and a missing challenge are rejected.
func ParseCreationOptions(data []byte) (*CreationOptions, error) {
	var w CreationOptions
	if err := decodeStrict(data, &w); err != nil {
		return nil, err
	}
	if w.Challenge == "" {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "challenge is required", nil)
	}
	return &w, nil
}

// ParseRequestOptions decodes wire request options from JSON. Unknown fields
// and a missing challenge are rejected.
func ParseRequestOptions(data []byte) (*RequestOptions, error) {
	var w RequestOptions
	if err := decodeStrict(data, &w); err != nil {
		return nil, err
	}
	if w.Challenge == "" {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "challenge is required", nil)
	}
	return &w, nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return autherr.New(autherr.KindMalformedCeremonyOptions, "invalid ceremony options document", err)
	}
	if dec.More() {
		return autherr.New(autherr.KindMalformedCeremonyOptions, "trailing data after ceremony options", nil)
	}
	return nil
}

func toDescriptors(field string, in []CredentialDescriptor) ([]protocol.CredentialDescriptor, error) {
	if in == nil {
		return nil, nil
	}
	out := make([]protocol.CredentialDescriptor, len(in))
	for i, d := range in {
		id, err := decodeField(fmt.Sprintf("%s[%d].id", field, i), d.ID)
		if err != nil {
			return nil, err
		}
		out[i] = protocol.CredentialDescriptor{
			Type:         protocol.CredentialType(d.Type),
			CredentialID: protocol.URLEncodedBase64(id),
		}
		if d.Transports != nil {
			out[i].Transport = make([]protocol.AuthenticatorTransport, len(d.Transports))
			for j, t := range d.Transports {
				out[i].Transport[j] = protocol.AuthenticatorTransport(t)
			}
		}
	}
	return out, nil
}

func fromDescriptors(in []protocol.CredentialDescriptor) []CredentialDescriptor {
	if in == nil {
		return nil
	}
	out := make([]CredentialDescriptor, len(in))
	for i, d := range in {
		out[i] = CredentialDescriptor{
			ID:   BytesToBase64URL(d.CredentialID),
			Type: string(d.Type),
		}
		if d.Transport != nil {
			out[i].Transports = make([]string, len(d.Transport))
			for j, t := range d.Transport {
				out[i].Transports[j] = string(t)
			}
		}
	}
	return out
}

// userHandle extracts the raw user handle from the untyped UserEntity.ID.
// webauthn stores URLEncodedBase64 by default and a string when configured
// to encode user IDs as strings.
func userHandle(id any) ([]byte, error) {
	switch v := id.(type) {
	case nil:
		return nil, nil
	case protocol.URLEncodedBase64:
		return v, nil
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions,
			fmt.Sprintf("unsupported user id type %T", id), nil)
	}
}
