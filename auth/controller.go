// Package auth drives the authorization code flow with PKCE against a remote
// identity provider.
//
// A login attempt crosses several unrelated HTTP requests:
//
//	Start              generate state, verifier and nonce; begin authorization
//	                   at the provider; store the flow under state
//	SubmitCredentials  verify the user; issue the authorization for the stored
//	                   ticket; return the provider redirect with state appended
//	Callback           take the flow (single use); exchange code and verifier
//	                   for tokens; verify the ID token when configured
//
// All per-attempt data travels through the flow store under the state key.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/mnehpets/authgate/autherr"
	"github.com/mnehpets/authgate/flowstore"
	"github.com/mnehpets/authgate/idp"
	"github.com/mnehpets/authgate/pkce"
)

// CredentialVerifier checks a username/password pair and returns the subject
// to authorize. Failures must not reveal which of the two was wrong.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (subject string, err error)
}

// Config holds the client registration and flow parameters.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scope        string
	// LoginURL is the human login step the browser is sent to after Start.
	LoginURL string
	// TTL bounds the lifetime of an attempt. Zero selects flowstore.DefaultTTL.
	TTL time.Duration
	// IDPTimeout bounds each call to the identity provider. Zero selects
	// idp.DefaultTimeout.
	IDPTimeout time.Duration
}

// Controller runs login attempts. It is safe for concurrent use; all mutable
// state lives in the flow store.
type Controller struct {
	cfg      Config
	provider idp.IdentityProvider
	flows    flowstore.Store[flowstore.FlowState]
	creds    CredentialVerifier

	idTokens *oidc.IDTokenVerifier
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = l
	}
}

// WithIDTokenVerifier enables ID token verification in Callback. The token
// must be present, valid, carry the nonce sent in Start and name the subject
// authorized in SubmitCredentials.
func WithIDTokenVerifier(v *oidc.IDTokenVerifier) Option {
	return func(c *Controller) {
		c.idTokens = v
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		c.now = now
	}
}

// NewController returns a controller for cfg.
func NewController(cfg Config, provider idp.IdentityProvider, flows flowstore.Store[flowstore.FlowState], creds CredentialVerifier, opts ...Option) *Controller {
	if cfg.TTL <= 0 {
		cfg.TTL = flowstore.DefaultTTL
	}
	if cfg.IDPTimeout <= 0 {
		cfg.IDPTimeout = idp.DefaultTimeout
	}
	c := &Controller{
		cfg:      cfg,
		provider: provider,
		flows:    flows,
		creds:    creds,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartResult is returned by Start.
type StartResult struct {
	State string
	// RedirectURL is the login step URL carrying state.
	RedirectURL string
}

// Start begins a login attempt. nextURL is where the browser returns after
// the session is issued; anything but a local path is replaced by "/".
// Nothing is stored when the provider rejects the request.
func (c *Controller) Start(ctx context.Context, nextURL string) (*StartResult, error) {
	state := pkce.NewState()
	verifier := pkce.NewCodeVerifier()
	nonce := pkce.NewNonce()

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.IDPTimeout)
	defer cancel()
	ticket, err := c.provider.BeginAuthorization(callCtx, idp.AuthorizationRequest{
		CodeChallenge:       pkce.DeriveChallenge(verifier),
		CodeChallengeMethod: pkce.MethodS256,
		ClientID:            c.cfg.ClientID,
		RedirectURI:         c.cfg.RedirectURI,
		Scope:               c.cfg.Scope,
		Nonce:               nonce,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "begin authorization failed", "error", err)
		return nil, autherr.New(autherr.KindUpstreamAuthorization, "identity provider rejected the authorization request", err)
	}

	now := c.now()
	fs := flowstore.FlowState{
		State:        state,
		CodeVerifier: verifier,
		Ticket:       ticket.Ticket,
		Nonce:        nonce,
		CreatedAt:    now,
		NextURL:      ValidateNextURLIsLocal(nextURL),
	}
	if err := c.flows.Put(ctx, state, fs, now.Add(c.cfg.TTL)); err != nil {
		return nil, autherr.New(autherr.KindInternal, "failed to store login attempt", err)
	}

	redirect, err := withQueryParam(c.cfg.LoginURL, "state", state)
	if err != nil {
		return nil, autherr.New(autherr.KindInternal, "invalid login URL", err)
	}
	c.logger.InfoContext(ctx, "login started", "state", shortState(state))
	return &StartResult{State: state, RedirectURL: redirect}, nil
}

// Credentials is a login form submission.
type Credentials struct {
	State    string
	Username string
	Password string
}

// SubmitCredentials verifies the user and asks the provider to issue an
// authorization code for the attempt's ticket. It returns the provider's
// redirect URI with state appended.
//
// A wrong password leaves the attempt in place, so the user may retry on the
// same state until it expires.
func (c *Controller) SubmitCredentials(ctx context.Context, in Credentials) (string, error) {
	if in.State == "" {
		return "", autherr.New(autherr.KindFlowNotFound, "login attempt not found", nil)
	}
	fs, err := c.flows.Get(ctx, in.State)
	if err != nil {
		return "", c.lookupError(err)
	}

	subject, err := c.creds.Verify(ctx, in.Username, in.Password)
	if err != nil {
		if autherr.KindOf(err) == autherr.KindInvalidCredentials {
			c.logger.InfoContext(ctx, "credentials rejected", "state", shortState(in.State))
			return "", autherr.New(autherr.KindInvalidCredentials, "invalid username or password", nil)
		}
		return "", autherr.New(autherr.KindInternal, "credential check failed", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.IDPTimeout)
	defer cancel()
	issued, err := c.provider.IssueAuthorization(callCtx, fs.Ticket, subject)
	if err != nil {
		c.logger.WarnContext(ctx, "issue authorization failed", "state", shortState(in.State), "error", err)
		return "", autherr.New(autherr.KindUpstreamAuthorization, "identity provider could not issue the authorization", err)
	}

	redirect, err := withQueryParam(issued.RedirectURI, "state", in.State)
	if err != nil {
		return "", autherr.New(autherr.KindUpstreamAuthorization, "identity provider returned an invalid redirect URI", err)
	}

	// Update keeps the original deadline and fails if a callback consumed the
	// attempt while the provider was issuing.
	fs.Subject = subject
	if err := c.flows.Update(ctx, in.State, fs); err != nil {
		return "", c.lookupError(err)
	}

	c.logger.InfoContext(ctx, "authorization issued", "state", shortState(in.State), "subject", subject)
	return redirect, nil
}

// CallbackParams is the query of the provider redirect.
type CallbackParams struct {
	State            string
	Code             string
	Error            string
	ErrorDescription string
}

// Result is a completed login.
type Result struct {
	Subject string
	NextURL string
	Tokens  *idp.TokenPayload
	Token   *oauth2.Token
	// IDToken is set when ID token verification is enabled.
	IDToken *oidc.IDToken
}

// ProviderError is an error the provider reported through the callback
// redirect rather than an API response.
type ProviderError struct {
	Code        string
	Description string
}

func (e *ProviderError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("provider error: %s (description: %s)", e.Code, e.Description)
	}
	return fmt.Sprintf("provider error: %s", e.Code)
}

// Callback completes the attempt named by p.State. The flow is taken before
// the token exchange, so it is gone whether the exchange succeeds or not and
// a replayed callback finds nothing.
func (c *Controller) Callback(ctx context.Context, p CallbackParams) (*Result, error) {
	if p.Error != "" {
		if p.State != "" {
			if err := c.flows.Delete(ctx, p.State); err != nil {
				c.logger.WarnContext(ctx, "discarding login attempt failed", "state", shortState(p.State), "error", err)
			}
		}
		return nil, autherr.New(autherr.KindUpstreamAuthorization, "identity provider returned an error",
			&ProviderError{Code: p.Error, Description: p.ErrorDescription})
	}
	if p.State == "" || p.Code == "" {
		return nil, autherr.New(autherr.KindMalformedCallback, "state and code are required", nil)
	}

	fs, err := c.flows.Take(ctx, p.State)
	if err != nil {
		return nil, c.lookupError(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.IDPTimeout)
	defer cancel()
	payload, err := c.provider.ExchangeToken(callCtx, idp.TokenRequest{
		Code:         p.Code,
		CodeVerifier: fs.CodeVerifier,
		RedirectURI:  c.cfg.RedirectURI,
		ClientID:     c.cfg.ClientID,
		ClientSecret: c.cfg.ClientSecret,
	})
	if err != nil {
		c.logger.WarnContext(ctx, "token exchange failed", "state", shortState(p.State), "error", err)
		return nil, autherr.New(autherr.KindTokenExchange, "token exchange failed", err)
	}

	res := &Result{
		Subject: fs.Subject,
		NextURL: fs.NextURL,
		Tokens:  payload,
		Token:   payload.OAuth2Token(),
	}
	if c.idTokens != nil {
		idToken, err := c.verifyIDToken(ctx, payload.IDToken, fs)
		if err != nil {
			c.logger.WarnContext(ctx, "id token rejected", "state", shortState(p.State), "error", err)
			return nil, autherr.New(autherr.KindTokenExchange, autherr.MessageOf(err), err)
		}
		res.IDToken = idToken
		if res.Subject == "" {
			res.Subject = idToken.Subject
		}
	}

	c.logger.InfoContext(ctx, "login completed", "state", shortState(p.State), "subject", res.Subject)
	return res, nil
}

// UserInfo returns the provider's claims for accessToken. A token the
// provider refuses yields KindUnauthenticated; other failures are upstream.
func (c *Controller) UserInfo(ctx context.Context, accessToken string) (*idp.UserInfo, error) {
	if accessToken == "" {
		return nil, autherr.New(autherr.KindUnauthenticated, "no access token in session", nil)
	}
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.IDPTimeout)
	defer cancel()
	info, err := c.provider.UserInfo(callCtx, accessToken)
	if err != nil {
		var pe *idp.Error
		if errors.As(err, &pe) && tokenRefused(pe.Action) {
			c.logger.InfoContext(ctx, "access token refused", "action", pe.Action)
			return nil, autherr.New(autherr.KindUnauthenticated, "access token is no longer valid", err)
		}
		c.logger.WarnContext(ctx, "userinfo failed", "error", err)
		return nil, autherr.New(autherr.KindUpstreamAuthorization, "identity provider could not return user info", err)
	}
	return info, nil
}

func tokenRefused(action string) bool {
	switch action {
	case "BAD_REQUEST", "UNAUTHORIZED", "FORBIDDEN":
		return true
	}
	return false
}

func (c *Controller) verifyIDToken(ctx context.Context, raw string, fs flowstore.FlowState) (*oidc.IDToken, error) {
	if raw == "" {
		return nil, autherr.New(autherr.KindTokenExchange, "no id_token returned", nil)
	}
	idToken, err := c.idTokens.Verify(ctx, raw)
	if err != nil {
		return nil, autherr.New(autherr.KindTokenExchange, "id_token verification failed", err)
	}
	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(fs.Nonce)) != 1 {
		return nil, autherr.New(autherr.KindTokenExchange, "nonce mismatch", nil)
	}
	if fs.Subject != "" && idToken.Subject != fs.Subject {
		return nil, autherr.New(autherr.KindTokenExchange, "id_token subject mismatch", nil)
	}
	return idToken, nil
}

func (c *Controller) lookupError(err error) error {
	if errors.Is(err, flowstore.ErrNotFound) {
		return autherr.New(autherr.KindFlowNotFound, "login attempt not found or expired", err)
	}
	return autherr.New(autherr.KindInternal, "failed to load login attempt", err)
}

// withQueryParam returns rawURL with key set to value, keeping the other
// query parameters.
func withQueryParam(rawURL, key, value string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// shortState is the loggable prefix of a state token.
func shortState(state string) string {
	if len(state) > 8 {
		return state[:8]
	}
	return state
}
