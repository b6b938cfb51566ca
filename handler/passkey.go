package handler

import (
	"net/http"

	"github.com/mnehpets/authgate/endpoint"
	"github.com/mnehpets/authgate/middleware"
	"github.com/mnehpets/authgate/passkey"
)

// subject returns the session's logged-in subject, or "" when there is none.
func subject(r *http.Request) string {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return ""
	}
	s, _ := sess.Subject()
	return s
}

type usernameRequest struct {
	Username string `json:"username"`
}

type usernameParams struct {
	Body usernameRequest `body:""`
}

func (h *Handler) registerStart(_ http.ResponseWriter, r *http.Request, p usernameParams) (endpoint.Renderer, error) {
	opts, err := h.passkeys.StartRegistration(r.Context(), subject(r), p.Body.Username)
	if err != nil {
		return nil, h.fail(r, "passkey registration start", err)
	}
	return &endpoint.JSONRenderer{Value: opts}, nil
}

type registrationParams struct {
	Body passkey.Registration `body:""`
}

type passkeyResponse struct {
	Status  string                 `json:"status"`
	Passkey *passkey.PasskeyRecord `json:"passkey,omitempty"`
}

func (h *Handler) registerComplete(_ http.ResponseWriter, r *http.Request, p registrationParams) (endpoint.Renderer, error) {
	rec, err := h.passkeys.CompleteRegistration(r.Context(), subject(r), p.Body)
	if err != nil {
		return nil, h.fail(r, "passkey registration complete", err)
	}
	return &endpoint.JSONRenderer{Value: passkeyResponse{Status: "success", Passkey: rec}}, nil
}

func (h *Handler) authenticateStart(_ http.ResponseWriter, r *http.Request, p usernameParams) (endpoint.Renderer, error) {
	opts, err := h.passkeys.StartAuthentication(r.Context(), p.Body.Username)
	if err != nil {
		return nil, h.fail(r, "passkey authentication start", err)
	}
	return &endpoint.JSONRenderer{Value: opts}, nil
}

type authenticationParams struct {
	Body passkey.Authentication `body:""`
}

func (h *Handler) authenticateComplete(_ http.ResponseWriter, r *http.Request, p authenticationParams) (endpoint.Renderer, error) {
	rec, err := h.passkeys.CompleteAuthentication(r.Context(), p.Body)
	if err != nil {
		return nil, h.fail(r, "passkey authentication complete", err)
	}
	return &endpoint.JSONRenderer{Value: passkeyResponse{Status: "success", Passkey: rec}}, nil
}

type listParams struct {
	UserID string `query:"userId"`
}

func (h *Handler) listPasskeys(_ http.ResponseWriter, r *http.Request, p listParams) (endpoint.Renderer, error) {
	recs, err := h.passkeys.ListPasskeys(r.Context(), subject(r), p.UserID)
	if err != nil {
		return nil, h.fail(r, "passkey list", err)
	}
	return &endpoint.JSONRenderer{Value: recs}, nil
}

type deleteParams struct {
	ID string `path:"id"`
}

func (h *Handler) deletePasskey(_ http.ResponseWriter, r *http.Request, p deleteParams) (endpoint.Renderer, error) {
	if err := h.passkeys.DeletePasskey(r.Context(), subject(r), p.ID); err != nil {
		return nil, h.fail(r, "passkey delete", err)
	}
	return &endpoint.NoContentRenderer{}, nil
}
