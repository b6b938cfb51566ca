package passkey

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/google/uuid"

	"github.com/mnehpets/authgate/autherr"
	"github.com/mnehpets/authgate/ceremony"
	"github.com/mnehpets/authgate/flowstore"
	"github.com/mnehpets/authgate/users"
)

// CeremonyTTL bounds the time between a ceremony's start and completion.
const CeremonyTTL = 5 * time.Minute

// ceremonyTimeout is the client-side timeout advertised in the options.
const ceremonyTimeout = 60 * time.Second

// CeremonyKind distinguishes registration from authentication sessions.
type CeremonyKind string

const (
	KindRegistration   CeremonyKind = "registration"
	KindAuthentication CeremonyKind = "authentication"
)

// Ceremony is the server side of a started ceremony. It is single-use and
// keyed by kind and user ID, so a new start for the same user replaces it.
type Ceremony struct {
	Kind                 CeremonyKind `cbor:"1,keyasint"`
	UserID               string       `cbor:"2,keyasint"`
	Challenge            string       `cbor:"3,keyasint"`
	AllowedCredentialIDs [][]byte     `cbor:"4,keyasint,omitempty"`
}

func ceremonyKey(kind CeremonyKind, userID string) string {
	return string(kind) + ":" + userID
}

// UserDirectory resolves usernames.
type UserDirectory interface {
	Lookup(ctx context.Context, username string) (users.User, error)
}

// RelyingParty identifies this service to authenticators.
type RelyingParty struct {
	ID          string
	DisplayName string
	Origins     []string
}

// Service runs passkey ceremonies and manages stored passkeys.
type Service struct {
	wa         *webauthn.WebAuthn
	store      CredentialStore
	users      UserDirectory
	ceremonies flowstore.Store[Ceremony]

	logger *slog.Logger
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = l
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) {
		s.now = now
	}
}

// NewService returns a Service for rp. Ceremony sessions are kept in
// ceremonies.
func NewService(rp RelyingParty, store CredentialStore, dir UserDirectory, ceremonies flowstore.Store[Ceremony], opts ...ServiceOption) (*Service, error) {
	wa, err := webauthn.New(&webauthn.Config{
		RPID:                  rp.ID,
		RPDisplayName:         rp.DisplayName,
		RPOrigins:             rp.Origins,
		AttestationPreference: protocol.PreferNoAttestation,
		Timeouts: webauthn.TimeoutsConfig{
			Login:        webauthn.TimeoutConfig{Timeout: ceremonyTimeout, TimeoutUVD: ceremonyTimeout},
			Registration: webauthn.TimeoutConfig{Timeout: ceremonyTimeout, TimeoutUVD: ceremonyTimeout},
		},
	})
	if err != nil {
		return nil, err
	}
	s := &Service{
		wa:         wa,
		store:      store,
		users:      dir,
		ceremonies: ceremonies,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// webauthnUser adapts a directory user and their passkeys to webauthn.User.
type webauthnUser struct {
	user        users.User
	credentials []webauthn.Credential
}

func (u *webauthnUser) WebAuthnID() []byte                         { return []byte(u.user.ID) }
func (u *webauthnUser) WebAuthnName() string                       { return u.user.Username }
func (u *webauthnUser) WebAuthnDisplayName() string                { return u.user.DisplayName }
func (u *webauthnUser) WebAuthnCredentials() []webauthn.Credential { return u.credentials }

func (s *Service) loadUser(ctx context.Context, username string) (*webauthnUser, error) {
	if username == "" {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "username is required", nil)
	}
	u, err := s.users.Lookup(ctx, username)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindNotFound {
			return nil, autherr.New(autherr.KindNotFound, "unknown user", err)
		}
		return nil, autherr.New(autherr.KindInternal, "failed to look up user", err)
	}
	recs, err := s.store.ListPasskeys(ctx, u.ID)
	if err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to list passkeys", err)
	}
	wu := &webauthnUser{user: u}
	for _, r := range recs {
		cred := webauthn.Credential{
			ID:              r.CredentialID,
			PublicKey:       r.PublicKey,
			AttestationType: r.AttestationType,
		}
		for _, t := range r.Transports {
			cred.Transport = append(cred.Transport, protocol.AuthenticatorTransport(t))
		}
		wu.credentials = append(wu.credentials, cred)
	}
	return wu, nil
}

// StartRegistration begins a registration ceremony for username and returns
// the wire-encoded creation options. Existing passkeys are excluded. subject
// is the logged-in user and must be the one registering.
func (s *Service) StartRegistration(ctx context.Context, subject, username string) (*ceremony.CreationOptions, error) {
	if err := requireSubject(subject); err != nil {
		return nil, err
	}
	wu, err := s.loadUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if err := checkOwner(subject, wu.user.ID); err != nil {
		return nil, err
	}
	var opts []webauthn.RegistrationOption
	if len(wu.credentials) > 0 {
		opts = append(opts, webauthn.WithExclusions(webauthn.Credentials(wu.credentials).CredentialDescriptors()))
	}
	creation, session, err := s.wa.BeginRegistration(wu, opts...)
	if err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to generate creation options", err)
	}

	c := Ceremony{Kind: KindRegistration, UserID: wu.user.ID, Challenge: session.Challenge}
	if err := s.ceremonies.Put(ctx, ceremonyKey(c.Kind, c.UserID), c, s.now().Add(CeremonyTTL)); err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to store ceremony", err)
	}
	s.logger.InfoContext(ctx, "passkey registration started", "user_id", wu.user.ID)
	return ceremony.FromCreationOptions(&creation.Response)
}

// Registration is the client's result of a registration ceremony. Binary
// fields are base64url.
type Registration struct {
	UserID          string   `json:"userId"`
	CredentialID    string   `json:"credentialId"`
	PublicKey       string   `json:"publicKey"`
	AttestationType string   `json:"attestationType"`
	Transports      []string `json:"transports,omitempty"`
	Name            string   `json:"name,omitempty"`
}

// CompleteRegistration consumes the user's registration ceremony and saves
// the credential. Attestation is not verified here. in.UserID must be subject.
func (s *Service) CompleteRegistration(ctx context.Context, subject string, in Registration) (*PasskeyRecord, error) {
	if in.UserID == "" || in.CredentialID == "" {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "userId and credentialId are required", nil)
	}
	if err := checkOwner(subject, in.UserID); err != nil {
		return nil, err
	}
	credID, err := ceremony.Base64URLToBytes(in.CredentialID)
	if err != nil {
		return nil, autherr.New(autherr.KindEncoding, "credentialId: "+autherr.MessageOf(err), err)
	}
	publicKey, err := ceremony.Base64URLToBytes(in.PublicKey)
	if err != nil {
		return nil, autherr.New(autherr.KindEncoding, "publicKey: "+autherr.MessageOf(err), err)
	}

	if _, err := s.takeCeremony(ctx, KindRegistration, in.UserID); err != nil {
		return nil, err
	}

	rec := PasskeyRecord{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		CredentialID:    credID,
		PublicKey:       publicKey,
		AttestationType: in.AttestationType,
		Transports:      in.Transports,
		Name:            in.Name,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.SavePasskey(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateCredential) {
			return nil, autherr.New(autherr.KindConflict, "credential already registered", err)
		}
		return nil, autherr.New(autherr.KindInternal, "failed to save passkey", err)
	}
	s.logger.InfoContext(ctx, "passkey registered", "user_id", rec.UserID, "passkey_id", rec.ID)
	return &rec, nil
}

// StartAuthentication begins an authentication ceremony for username and
// returns the wire-encoded request options listing the user's passkeys.
func (s *Service) StartAuthentication(ctx context.Context, username string) (*ceremony.RequestOptions, error) {
	wu, err := s.loadUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if len(wu.credentials) == 0 {
		return nil, autherr.New(autherr.KindNotFound, "no passkeys registered", nil)
	}
	assertion, session, err := s.wa.BeginLogin(wu)
	if err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to generate request options", err)
	}

	c := Ceremony{
		Kind:                 KindAuthentication,
		UserID:               wu.user.ID,
		Challenge:            session.Challenge,
		AllowedCredentialIDs: session.AllowedCredentialIDs,
	}
	if err := s.ceremonies.Put(ctx, ceremonyKey(c.Kind, c.UserID), c, s.now().Add(CeremonyTTL)); err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to store ceremony", err)
	}
	s.logger.InfoContext(ctx, "passkey authentication started", "user_id", wu.user.ID)
	return ceremony.FromRequestOptions(&assertion.Response)
}

// Authentication is the client's result of an authentication ceremony.
type Authentication struct {
	Username     string `json:"username"`
	CredentialID string `json:"credentialId"`
}

// CompleteAuthentication consumes the user's authentication ceremony,
// checks that the credential was offered to and belongs to the user, and
// stamps its last use. Assertion signatures are not verified here.
func (s *Service) CompleteAuthentication(ctx context.Context, in Authentication) (*PasskeyRecord, error) {
	if in.Username == "" || in.CredentialID == "" {
		return nil, autherr.New(autherr.KindMalformedCeremonyOptions, "username and credentialId are required", nil)
	}
	credID, err := ceremony.Base64URLToBytes(in.CredentialID)
	if err != nil {
		return nil, autherr.New(autherr.KindEncoding, "credentialId: "+autherr.MessageOf(err), err)
	}
	u, err := s.users.Lookup(ctx, in.Username)
	if err != nil {
		return nil, autherr.New(autherr.KindInvalidCredentials, "passkey not accepted", nil)
	}
	c, err := s.takeCeremony(ctx, KindAuthentication, u.ID)
	if err != nil {
		return nil, err
	}

	offered := false
	for _, id := range c.AllowedCredentialIDs {
		if bytes.Equal(id, credID) {
			offered = true
			break
		}
	}
	if !offered {
		return nil, autherr.New(autherr.KindInvalidCredentials, "passkey not accepted", nil)
	}
	rec, err := s.store.FindByCredentialID(ctx, credID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, autherr.New(autherr.KindInvalidCredentials, "passkey not accepted", nil)
		}
		return nil, autherr.New(autherr.KindInternal, "failed to load passkey", err)
	}
	if rec.UserID != u.ID {
		return nil, autherr.New(autherr.KindInvalidCredentials, "passkey not accepted", nil)
	}

	used := s.now().UTC()
	rec.LastUsedAt = &used
	if err := s.store.SavePasskey(ctx, rec); err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to save passkey", err)
	}
	s.logger.InfoContext(ctx, "passkey authenticated", "user_id", u.ID, "passkey_id", rec.ID)
	return &rec, nil
}

func (s *Service) takeCeremony(ctx context.Context, kind CeremonyKind, userID string) (Ceremony, error) {
	c, err := s.ceremonies.Take(ctx, ceremonyKey(kind, userID))
	if err != nil {
		if errors.Is(err, flowstore.ErrNotFound) {
			return Ceremony{}, autherr.New(autherr.KindFlowNotFound, string(kind)+" ceremony not found or expired", err)
		}
		return Ceremony{}, autherr.New(autherr.KindInternal, "failed to load ceremony", err)
	}
	return c, nil
}

// ListPasskeys returns the user's passkeys, oldest first. An empty userID
// lists the subject's own.
func (s *Service) ListPasskeys(ctx context.Context, subject, userID string) ([]PasskeyRecord, error) {
	if userID == "" {
		userID = subject
	}
	if err := checkOwner(subject, userID); err != nil {
		return nil, err
	}
	recs, err := s.store.ListPasskeys(ctx, userID)
	if err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to list passkeys", err)
	}
	if recs == nil {
		recs = []PasskeyRecord{}
	}
	return recs, nil
}

// DeletePasskey removes the passkey with id. The passkey must belong to
// subject.
func (s *Service) DeletePasskey(ctx context.Context, subject, id string) error {
	if err := requireSubject(subject); err != nil {
		return err
	}
	rec, err := s.store.GetPasskey(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return autherr.New(autherr.KindNotFound, "passkey not found", err)
		}
		return autherr.New(autherr.KindInternal, "failed to load passkey", err)
	}
	if err := checkOwner(subject, rec.UserID); err != nil {
		return err
	}
	if err := s.store.DeletePasskey(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return autherr.New(autherr.KindNotFound, "passkey not found", err)
		}
		return autherr.New(autherr.KindInternal, "failed to delete passkey", err)
	}
	s.logger.InfoContext(ctx, "passkey deleted", "user_id", rec.UserID, "passkey_id", id)
	return nil
}

func requireSubject(subject string) error {
	if subject == "" {
		return autherr.New(autherr.KindUnauthenticated, "not logged in", nil)
	}
	return nil
}

// checkOwner allows subject to act on records of ownerID.
func checkOwner(subject, ownerID string) error {
	if err := requireSubject(subject); err != nil {
		return err
	}
	if subject != ownerID {
		return autherr.New(autherr.KindForbidden, "passkeys belong to another user", nil)
	}
	return nil
}
