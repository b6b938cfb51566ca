// Package idp talks to the remote identity provider that runs the OAuth 2.0
// authorization and token endpoints on behalf of this service.
package idp

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// IdentityProvider is the remote side of the authorization code flow.
type IdentityProvider interface {
	// BeginAuthorization registers a pending authorization request and
	// returns the provider's ticket for it.
	BeginAuthorization(ctx context.Context, req AuthorizationRequest) (*Ticket, error)
	// IssueAuthorization completes the pending request identified by ticket
	// for subject and returns the client redirect URI carrying the code.
	IssueAuthorization(ctx context.Context, ticket, subject string) (*Issuance, error)
	// ExchangeToken redeems an authorization code.
	ExchangeToken(ctx context.Context, req TokenRequest) (*TokenPayload, error)
	// UserInfo returns the claims released for accessToken.
	UserInfo(ctx context.Context, accessToken string) (*UserInfo, error)
}

// AuthorizationRequest carries the parameters of a PKCE authorization request.
type AuthorizationRequest struct {
	CodeChallenge       string
	CodeChallengeMethod string
	ClientID            string
	RedirectURI         string
	Scope               string
	// Nonce is optional; when set it is bound into the ID token.
	Nonce string
}

// Ticket identifies a pending authorization request at the provider.
type Ticket struct {
	Ticket string
}

// Issuance is the result of completing an authorization request.
type Issuance struct {
	RedirectURI string
}

// TokenRequest carries the parameters of an authorization_code grant.
type TokenRequest struct {
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
	ClientSecret string
}

// TokenPayload is the provider's token response.
type TokenPayload struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// OAuth2Token converts the payload to an *oauth2.Token. The ID token, when
// present, is available through Extra("id_token").
func (p *TokenPayload) OAuth2Token() *oauth2.Token {
	if p == nil {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  p.AccessToken,
		TokenType:    p.TokenType,
		RefreshToken: p.RefreshToken,
		ExpiresIn:    p.ExpiresIn,
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if p.ExpiresIn > 0 {
		tok.Expiry = time.Now().Add(time.Duration(p.ExpiresIn) * time.Second)
	}
	extra := map[string]any{}
	if p.IDToken != "" {
		extra["id_token"] = p.IDToken
	}
	if p.Scope != "" {
		extra["scope"] = p.Scope
	}
	return tok.WithExtra(extra)
}

// UserInfo is the userinfo response for an access token.
type UserInfo struct {
	Subject string
	// Claims is the userinfo JSON object. It always carries "sub".
	Claims map[string]any
}

// Error is a failure reported by the provider, as opposed to a transport
// failure.
type Error struct {
	// Status is the HTTP status of the provider response.
	Status int
	// Action is the provider's verdict, e.g. BAD_REQUEST or INTERNAL_SERVER_ERROR.
	Action string
	// Code and Message are the provider's result code and message.
	Code    string
	Message string
}

func (e *Error) Error() string {
	switch {
	case e.Action != "" && e.Message != "":
		return fmt.Sprintf("identity provider: %s: %s (%s)", e.Action, e.Message, e.Code)
	case e.Message != "":
		return fmt.Sprintf("identity provider: %s (%s)", e.Message, e.Code)
	default:
		return fmt.Sprintf("identity provider: unexpected status %d", e.Status)
	}
}
