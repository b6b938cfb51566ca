// Package endpoint provides typed HTTP handlers for the authgate API.
//
// A request passes through three phases:
//
//  1. Unmarshal: the handler decodes path, query, form and JSON body values
//     into a typed params struct using struct tags.
//  2. Endpoint: the EndpointFunc runs the operation and returns a Renderer.
//     It does not write to the response directly.
//  3. Render: the Renderer writes status, headers and body.
//
// Processors run before the EndpointFunc and may wrap the request, register
// Defer hooks or short-circuit with an error. Errors are written as a JSON
// body {"error": code, "message": message}.
package endpoint

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// EndpointError is a client-visible error that maps to an HTTP status code.
type EndpointError struct {
	Status int
	// Code is a stable, machine-readable error code, e.g. "flow_not_found".
	Code string
	// Message is a short, human-readable description for the response body.
	Message string
	Cause   error
}

func (e *EndpointError) Error() string {
	if e == nil {
		return "endpoint: error: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
		if msg == "" {
			msg = "unknown error"
		}
	}
	if e.Cause != nil {
		return msg + ": " + e.Cause.Error()
	}
	return msg
}

func (e *EndpointError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Error creates a new EndpointError. An err that already is an EndpointError
// is returned unchanged.
func Error(status int, message string, err error) error {
	return newEndpointError(status, "", message, err)
}

// CodedError is Error with a machine-readable code.
func CodedError(status int, code, message string, err error) error {
	return newEndpointError(status, code, message, err)
}

func newEndpointError(status int, code, message string, err error) error {
	var ee *EndpointError
	if errors.As(err, &ee) {
		return err
	}
	return &EndpointError{Status: status, Code: code, Message: message, Cause: err}
}

// Renderer writes a response.
//
// Renderers MUST call w.WriteHeader and may set Content-Type before doing
// so. A returned error means the response could not be written.
type Renderer interface {
	Render(w http.ResponseWriter, r *http.Request) error
}

// RendererFunc adapts a function to a Renderer.
type RendererFunc func(w http.ResponseWriter, r *http.Request) error

func (f RendererFunc) Render(w http.ResponseWriter, r *http.Request) error {
	return f(w, r)
}

// Processor is middleware that runs before the EndpointFunc.
//
// Processors MUST call next unless they short-circuit the request, and MUST
// NOT write the status or body. A non-nil error stops the chain.
type Processor interface {
	Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error
}

// ProcessorFunc adapts a function to a Processor.
type ProcessorFunc func(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error

func (f ProcessorFunc) Process(w http.ResponseWriter, r *http.Request, next func(w http.ResponseWriter, r *http.Request) error) error {
	return f(w, r, next)
}

// EndpointFunc runs an operation on decoded params and returns the Renderer
// for its result.
type EndpointFunc[P any] func(w http.ResponseWriter, r *http.Request, params P) (Renderer, error)

// EndpointHandler is the http.Handler for an EndpointFunc and its processors.
type EndpointHandler[P any] struct {
	Endpoint   EndpointFunc[P]
	Processors []Processor
}

// Handler constructs an EndpointHandler, inferring P from fn.
func Handler[P any](fn EndpointFunc[P], processors ...Processor) *EndpointHandler[P] {
	return &EndpointHandler[P]{
		Endpoint:   fn,
		Processors: processors,
	}
}

// HandleFunc adapts an EndpointFunc into an http.HandlerFunc.
func HandleFunc[P any](fn EndpointFunc[P], processors ...Processor) http.HandlerFunc {
	return Handler(fn, processors...).ServeHTTP
}

type hooksKey struct{}

// Defer registers fn to run just before the response headers are written,
// including on error responses. fn must not call WriteHeader.
//
// Outside an EndpointHandler this is a no-op.
func Defer(ctx context.Context, fn func(http.ResponseWriter)) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		*hooks = append(*hooks, fn)
	}
}

// Commit runs the hooks registered with Defer, last first, and clears them.
func Commit(ctx context.Context, w http.ResponseWriter) {
	hooks, ok := ctx.Value(hooksKey{}).(*[]func(http.ResponseWriter))
	if ok && hooks != nil {
		for i := len(*hooks) - 1; i >= 0; i-- {
			(*hooks)[i](w)
		}
		*hooks = nil
	}
}

// ServeHTTP implements http.Handler.
func (h *EndpointHandler[P]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Endpoint == nil {
		WriteError(w, errors.New("endpoint: nil EndpointFunc"))
		return
	}

	if r.Context().Value(hooksKey{}) == nil {
		var hooks []func(http.ResponseWriter)
		r = r.WithContext(context.WithValue(r.Context(), hooksKey{}, &hooks))
	}

	var run func(i int, w2 http.ResponseWriter, r2 *http.Request) error
	run = func(i int, w2 http.ResponseWriter, r2 *http.Request) error {
		if i < len(h.Processors) {
			if h.Processors[i] == nil {
				return errors.New("endpoint: nil processor")
			}
			return h.Processors[i].Process(w2, r2, func(w3 http.ResponseWriter, r3 *http.Request) error {
				return run(i+1, w3, r3)
			})
		}

		var params P
		if err := Unmarshal(r2, &params); err != nil {
			return err
		}
		renderer, err := h.Endpoint(w2, r2, params)
		if err != nil {
			return err
		}
		if renderer == nil {
			return errors.New("endpoint: nil renderer")
		}
		if c, ok := renderer.(io.Closer); ok {
			defer c.Close()
		}

		Commit(r2.Context(), w2)
		return renderer.Render(w2, r2)
	}

	if err := run(0, w, r); err != nil {
		Commit(r.Context(), w)
		WriteError(w, err)
	}
}

// ErrorBody is the JSON shape of an error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes err as a JSON error response. EndpointErrors keep their
// status, code and message; other errors become a 500 without detail. A 204
// is written bare, which lets processors short-circuit CORS preflights.
func WriteError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	body := ErrorBody{Error: "internal", Message: http.StatusText(status)}

	var ee *EndpointError
	if errors.As(err, &ee) && ee != nil {
		if ee.Status >= 100 {
			status = ee.Status
		}
		body.Error = ee.Code
		if body.Error == "" {
			body.Error = codeForStatus(status)
		}
		body.Message = ee.Message
		if body.Message == "" {
			body.Message = http.StatusText(status)
		}
	}

	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusUnsupportedMediaType:
		return "unsupported_media_type"
	}
	if status >= 500 {
		return "internal"
	}
	return "error"
}
