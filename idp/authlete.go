package idp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout bounds each call to the provider when the caller's context
// carries no earlier deadline.
const DefaultTimeout = 10 * time.Second

// maxResponseBytes bounds how much of a provider response is read.
const maxResponseBytes = 1 << 20

// Authlete is an IdentityProvider backed by the Authlete service API.
// Each operation is a JSON POST under {baseURL}/{serviceID}, authenticated
// with a service access token.
type Authlete struct {
	baseURL     string
	serviceID   string
	accessToken string
	httpClient  *http.Client
}

// AuthleteOption configures an Authlete client.
type AuthleteOption func(*Authlete)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) AuthleteOption {
	return func(a *Authlete) {
		a.httpClient = c
	}
}

// NewAuthlete returns a client for the service serviceID at baseURL.
func NewAuthlete(baseURL, serviceID, accessToken string, opts ...AuthleteOption) *Authlete {
	a := &Authlete{
		baseURL:     strings.TrimRight(baseURL, "/"),
		serviceID:   serviceID,
		accessToken: accessToken,
		httpClient:  &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// authleteResponse holds the fields shared by the authorization, issue and
// token APIs that this client reads.
type authleteResponse struct {
	ResultCode      string `json:"resultCode"`
	ResultMessage   string `json:"resultMessage"`
	Action          string `json:"action"`
	Ticket          string `json:"ticket"`
	Subject         string `json:"subject"`
	ResponseContent string `json:"responseContent"`

	AccessToken         string   `json:"accessToken"`
	RefreshToken        string   `json:"refreshToken"`
	IDToken             string   `json:"idToken"`
	AccessTokenDuration int64    `json:"accessTokenDuration"`
	Scopes              []string `json:"scopes"`
}

func (r *authleteResponse) err(status int) error {
	return &Error{Status: status, Action: r.Action, Code: r.ResultCode, Message: r.ResultMessage}
}

func (a *Authlete) BeginAuthorization(ctx context.Context, req AuthorizationRequest) (*Ticket, error) {
	params := url.Values{}
	params.Set("response_type", "code")
	params.Set("client_id", req.ClientID)
	params.Set("redirect_uri", req.RedirectURI)
	params.Set("scope", req.Scope)
	params.Set("code_challenge", req.CodeChallenge)
	params.Set("code_challenge_method", req.CodeChallengeMethod)
	if req.Nonce != "" {
		params.Set("nonce", req.Nonce)
	}

	var res authleteResponse
	status, err := a.post(ctx, "/auth/authorization", map[string]string{"parameters": params.Encode()}, &res)
	if err != nil {
		return nil, err
	}
	if res.Action != "INTERACTION" || res.Ticket == "" {
		return nil, res.err(status)
	}
	return &Ticket{Ticket: res.Ticket}, nil
}

func (a *Authlete) IssueAuthorization(ctx context.Context, ticket, subject string) (*Issuance, error) {
	var res authleteResponse
	status, err := a.post(ctx, "/auth/authorization/issue", map[string]string{
		"ticket":  ticket,
		"subject": subject,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Action != "LOCATION" || res.ResponseContent == "" {
		return nil, res.err(status)
	}
	return &Issuance{RedirectURI: res.ResponseContent}, nil
}

func (a *Authlete) ExchangeToken(ctx context.Context, req TokenRequest) (*TokenPayload, error) {
	params := url.Values{}
	params.Set("grant_type", "authorization_code")
	params.Set("code", req.Code)
	params.Set("redirect_uri", req.RedirectURI)
	params.Set("code_verifier", req.CodeVerifier)

	var res authleteResponse
	status, err := a.post(ctx, "/auth/token", map[string]string{
		"parameters":   params.Encode(),
		"clientId":     req.ClientID,
		"clientSecret": req.ClientSecret,
	}, &res)
	if err != nil {
		return nil, err
	}
	if res.Action != "OK" {
		return nil, res.err(status)
	}

	// responseContent is the token response the provider would send to the
	// client; prefer it, and fall back to the individual fields.
	var payload TokenPayload
	if res.ResponseContent != "" {
		if err := json.Unmarshal([]byte(res.ResponseContent), &payload); err != nil {
			payload = TokenPayload{}
		}
	}
	if payload.AccessToken == "" {
		payload = TokenPayload{
			AccessToken:  res.AccessToken,
			TokenType:    "Bearer",
			RefreshToken: res.RefreshToken,
			IDToken:      res.IDToken,
			ExpiresIn:    res.AccessTokenDuration,
			Scope:        strings.Join(res.Scopes, " "),
		}
	}
	if payload.AccessToken == "" {
		return nil, &Error{Status: status, Action: res.Action, Code: res.ResultCode, Message: "token response without access token"}
	}
	return &payload, nil
}

// UserInfo introspects accessToken through the userinfo API and then has the
// provider issue the userinfo response for it.
func (a *Authlete) UserInfo(ctx context.Context, accessToken string) (*UserInfo, error) {
	var res authleteResponse
	status, err := a.post(ctx, "/auth/userinfo", map[string]string{"token": accessToken}, &res)
	if err != nil {
		return nil, err
	}
	if res.Action != "OK" || res.Subject == "" {
		return nil, res.err(status)
	}

	var issued authleteResponse
	status, err = a.post(ctx, "/auth/userinfo/issue", map[string]string{"token": accessToken}, &issued)
	if err != nil {
		return nil, err
	}
	if issued.Action != "JSON" || issued.ResponseContent == "" {
		return nil, issued.err(status)
	}
	claims := map[string]any{}
	if err := json.Unmarshal([]byte(issued.ResponseContent), &claims); err != nil {
		return nil, fmt.Errorf("decoding userinfo response: %w", err)
	}
	if _, ok := claims["sub"]; !ok {
		claims["sub"] = res.Subject
	}
	return &UserInfo{Subject: res.Subject, Claims: claims}, nil
}

// post sends body as JSON to the service API at path and decodes the reply
// into out. It returns the HTTP status. Non-2xx replies still decode into
// out when they carry JSON, so callers can report the provider's message.
func (a *Authlete) post(ctx context.Context, path string, body any, out *authleteResponse) (int, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	b, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("marshaling request body: %w", err)
	}
	endpoint := a.baseURL + "/" + url.PathEscape(a.serviceID) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return 0, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.accessToken)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("sending request to %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("reading response body: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		if resp.StatusCode/100 != 2 {
			return resp.StatusCode, &Error{Status: resp.StatusCode}
		}
		return resp.StatusCode, fmt.Errorf("unmarshaling response body: %w", err)
	}
	if resp.StatusCode/100 != 2 && out.Action == "" {
		return resp.StatusCode, out.err(resp.StatusCode)
	}
	return resp.StatusCode, nil
}

// IsProviderError reports whether err was reported by the provider rather
// than caused by transport.
func IsProviderError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

var _ IdentityProvider = (*Authlete)(nil)
