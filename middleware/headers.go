package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/mnehpets/authgate/endpoint"
)

// APIHeaders is a processor that sets security headers suited to a JSON API
// and answers CORS requests from the configured browser origins.
//
// CORS responses always allow credentials, since the browser client sends
// the session cookie. A wildcard origin is therefore never echoed.
type APIHeaders struct {
	// AllowedOrigins lists exact origins, e.g. "http://localhost:3000".
	AllowedOrigins []string
	// AllowedMethods defaults to GET, POST, DELETE, OPTIONS.
	AllowedMethods []string
	// AllowedHeaders defaults to Accept, Content-Type.
	AllowedHeaders []string
	// MaxAge is the preflight cache lifetime in seconds; 0 omits the header.
	MaxAge int
	// HSTS adds Strict-Transport-Security for one year.
	HSTS bool
}

// NewAPIHeaders returns an APIHeaders allowing origins.
func NewAPIHeaders(origins []string, hsts bool) *APIHeaders {
	return &APIHeaders{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         600,
		HSTS:           hsts,
	}
}

// Process implements endpoint.Processor. Preflight requests short-circuit
// with 204.
func (p *APIHeaders) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Cross-Origin-Resource-Policy", "same-site")
	if p.HSTS {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return next(w, r)
	}
	h.Add("Vary", "Origin")
	if !slices.Contains(p.AllowedOrigins, origin) {
		// Same-origin requests also carry Origin; let them through without
		// CORS headers and let the browser enforce the rest.
		return next(w, r)
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		if len(p.AllowedMethods) > 0 {
			h.Set("Access-Control-Allow-Methods", strings.Join(p.AllowedMethods, ", "))
		}
		if len(p.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(p.AllowedHeaders, ", "))
		}
		if p.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(p.MaxAge))
		}
		return endpoint.Error(http.StatusNoContent, "", nil)
	}
	return next(w, r)
}

var _ endpoint.Processor = (*APIHeaders)(nil)
