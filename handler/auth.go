package handler

import (
	"net/http"
	"time"

	"github.com/mnehpets/authgate/auth"
	"github.com/mnehpets/authgate/autherr"
	"github.com/mnehpets/authgate/endpoint"
	"github.com/mnehpets/authgate/middleware"
)

type authorizeParams struct {
	NextURL string `query:"next_url" maxLength:"2048"`
}

// authorize starts a login attempt and sends the browser to the login step.
func (h *Handler) authorize(_ http.ResponseWriter, r *http.Request, p authorizeParams) (endpoint.Renderer, error) {
	res, err := h.flow.Start(r.Context(), p.NextURL)
	if err != nil {
		return nil, h.fail(r, "authorize", err)
	}
	return &endpoint.RedirectRenderer{URL: res.RedirectURL}, nil
}

type loginRequest struct {
	State    string `json:"state"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginParams struct {
	Body loginRequest `body:""`
}

type loginResponse struct {
	RedirectURL string `json:"redirect_url"`
}

// login checks the submitted credentials and returns the provider redirect
// that carries the authorization code to the callback.
func (h *Handler) login(_ http.ResponseWriter, r *http.Request, p loginParams) (endpoint.Renderer, error) {
	redirect, err := h.flow.SubmitCredentials(r.Context(), auth.Credentials{
		State:    p.Body.State,
		Username: p.Body.Username,
		Password: p.Body.Password,
	})
	if err != nil {
		return nil, h.fail(r, "login", err)
	}
	return &endpoint.JSONRenderer{Value: loginResponse{RedirectURL: redirect}}, nil
}

type callbackParams struct {
	State            string `query:"state"`
	Code             string `query:"code"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}

// callback completes the attempt and logs the subject into the session.
// Attempts started without a next URL land on the post-login URL.
func (h *Handler) callback(_ http.ResponseWriter, r *http.Request, p callbackParams) (endpoint.Renderer, error) {
	res, err := h.flow.Callback(r.Context(), auth.CallbackParams{
		State:            p.State,
		Code:             p.Code,
		Error:            p.Error,
		ErrorDescription: p.ErrorDescription,
	})
	if err != nil {
		return nil, h.fail(r, "callback", err)
	}

	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "session unavailable", nil)
	}
	if err := sess.Login(res.Subject); err != nil {
		return nil, endpoint.Error(http.StatusInternalServerError, "login failed", err)
	}
	if res.Token != nil {
		if err := sess.SetAccessToken(res.Token.AccessToken); err != nil {
			return nil, endpoint.Error(http.StatusInternalServerError, "login failed", err)
		}
	}
	if email, verified := auth.VerifiedEmail(res.IDToken); verified {
		if err := sess.SetEmail(email); err != nil {
			return nil, endpoint.Error(http.StatusInternalServerError, "login failed", err)
		}
	}

	target := res.NextURL
	if target == "" || target == "/" {
		target = h.postLoginURL
	}
	return &endpoint.RedirectRenderer{URL: target}, nil
}

type sessionResponse struct {
	Subject     string    `json:"subject"`
	Email       string    `json:"email,omitempty"`
	AccessToken string    `json:"access_token,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// session reports the logged-in subject.
func (h *Handler) session(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "session unavailable", nil)
	}
	subject, loggedIn := sess.Subject()
	if !loggedIn {
		return nil, endpoint.CodedError(http.StatusUnauthorized, string(autherr.KindUnauthenticated), "not logged in", nil)
	}
	return &endpoint.JSONRenderer{Value: sessionResponse{
		Subject:     subject,
		Email:       sess.Email(),
		AccessToken: sess.AccessToken(),
		ExpiresAt:   sess.Expires().UTC(),
	}}, nil
}

// userinfo returns the provider's claims for the session's access token.
func (h *Handler) userinfo(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	sess, ok := middleware.SessionFromContext(r.Context())
	if !ok {
		return nil, endpoint.Error(http.StatusInternalServerError, "session unavailable", nil)
	}
	if _, loggedIn := sess.Subject(); !loggedIn {
		return nil, endpoint.CodedError(http.StatusUnauthorized, string(autherr.KindUnauthenticated), "not logged in", nil)
	}
	info, err := h.flow.UserInfo(r.Context(), sess.AccessToken())
	if err != nil {
		return nil, h.fail(r, "userinfo", err)
	}
	return &endpoint.JSONRenderer{Value: info.Claims}, nil
}

// logout clears the session. It succeeds whether or not one existed.
func (h *Handler) logout(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
	if sess, ok := middleware.SessionFromContext(r.Context()); ok {
		if subject, loggedIn := sess.Subject(); loggedIn {
			h.logger.InfoContext(r.Context(), "logout", "subject", subject)
		}
		sess.Logout()
	}
	return &endpoint.JSONRenderer{Value: statusResponse{Status: "logged_out"}}, nil
}
