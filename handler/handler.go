// Package handler mounts the authgate HTTP API on a ServeMux.
package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/mnehpets/authgate/auth"
	"github.com/mnehpets/authgate/autherr"
	"github.com/mnehpets/authgate/endpoint"
	"github.com/mnehpets/authgate/middleware"
	"github.com/mnehpets/authgate/passkey"
)

// Handler serves the login flow, the session and the passkey API.
type Handler struct {
	mux          *http.ServeMux
	flow         *auth.Controller
	passkeys     *passkey.Service
	postLoginURL string
	logger       *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		h.logger = l
	}
}

// WithPostLoginURL sets where the callback sends the browser when the
// attempt carried no next URL. The default is "/".
func WithPostLoginURL(u string) Option {
	return func(h *Handler) {
		h.postLoginURL = u
	}
}

// New returns a Handler. sessions stores the login session cookie and
// headers adds security and CORS headers to every response.
func New(flow *auth.Controller, passkeys *passkey.Service, sessions *middleware.SessionProcessor, headers *middleware.APIHeaders, opts ...Option) *Handler {
	h := &Handler{
		mux:          http.NewServeMux(),
		flow:         flow,
		passkeys:     passkeys,
		postLoginURL: "/",
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}

	api := []endpoint.Processor{headers}
	withSession := []endpoint.Processor{headers, sessions}

	h.mux.Handle("GET /auth/authorize", endpoint.HandleFunc(h.authorize, api...))
	h.mux.Handle("POST /auth/login", endpoint.HandleFunc(h.login, api...))
	h.mux.Handle("GET /auth/callback", endpoint.HandleFunc(h.callback, withSession...))
	h.mux.Handle("GET /auth/session", endpoint.HandleFunc(h.session, withSession...))
	h.mux.Handle("GET /auth/userinfo", endpoint.HandleFunc(h.userinfo, withSession...))
	h.mux.Handle("POST /auth/logout", endpoint.HandleFunc(h.logout, withSession...))

	// Passkey management acts on the logged-in user's own passkeys.
	// Authentication ceremonies run before login.
	h.mux.Handle("POST /passkey/register/start", endpoint.HandleFunc(h.registerStart, withSession...))
	h.mux.Handle("POST /passkey/register/complete", endpoint.HandleFunc(h.registerComplete, withSession...))
	h.mux.Handle("POST /passkey/authenticate/start", endpoint.HandleFunc(h.authenticateStart, api...))
	h.mux.Handle("POST /passkey/authenticate/complete", endpoint.HandleFunc(h.authenticateComplete, api...))
	h.mux.Handle("GET /passkey/list", endpoint.HandleFunc(h.listPasskeys, withSession...))
	h.mux.Handle("DELETE /passkey/{id}", endpoint.HandleFunc(h.deletePasskey, withSession...))

	h.mux.Handle("GET /healthz", endpoint.HandleFunc(h.healthz))
	h.mux.Handle("OPTIONS /", endpoint.HandleFunc(func(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
		return &endpoint.NoContentRenderer{}, nil
	}, api...))
	return h
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// statusOf maps error kinds to HTTP statuses.
func statusOf(kind autherr.Kind) int {
	switch kind {
	case autherr.KindMalformedCallback, autherr.KindMalformedCeremonyOptions, autherr.KindEncoding, autherr.KindFlowNotFound:
		return http.StatusBadRequest
	case autherr.KindInvalidCredentials, autherr.KindUnauthenticated:
		return http.StatusUnauthorized
	case autherr.KindForbidden:
		return http.StatusForbidden
	case autherr.KindUpstreamAuthorization, autherr.KindTokenExchange:
		return http.StatusBadGateway
	case autherr.KindNotFound:
		return http.StatusNotFound
	case autherr.KindConflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

// fail converts an operation error into an endpoint error carrying its kind
// and client-safe message. Server-side failures are logged with their cause.
func (h *Handler) fail(r *http.Request, op string, err error) error {
	var ae *autherr.Error
	if !errors.As(err, &ae) {
		h.logger.ErrorContext(r.Context(), op+" failed", "error", err)
		return endpoint.CodedError(http.StatusInternalServerError, string(autherr.KindInternal), "internal error", err)
	}
	status := statusOf(ae.Kind)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), op+" failed", "kind", ae.Kind, "error", err)
	} else if status == http.StatusBadGateway {
		h.logger.WarnContext(r.Context(), op+" failed", "kind", ae.Kind, "error", err)
	}
	return endpoint.CodedError(status, string(ae.Kind), ae.Message, err)
}

func (h *Handler) healthz(_ http.ResponseWriter, _ *http.Request, _ struct{}) (endpoint.Renderer, error) {
	return &endpoint.JSONRenderer{Value: statusResponse{Status: "ok"}}, nil
}

type statusResponse struct {
	Status string `json:"status"`
}
