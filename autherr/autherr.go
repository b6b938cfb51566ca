// Package autherr defines the discriminated errors returned by the login flow,
// the WebAuthn ceremony adapter and the passkey service.
//
// Every public operation in those packages returns either nil or an *Error
// whose Kind is stable; the HTTP boundary maps kinds to status codes.
package autherr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure.
type Kind string

const (
	// KindUpstreamAuthorization: the IdP was unreachable or rejected the
	// begin/issue step. Callers may start a new attempt.
	KindUpstreamAuthorization Kind = "upstream_authorization"
	// KindTokenExchange: the IdP rejected the code/verifier/redirect or the
	// returned ID token failed verification. Terminal for the attempt.
	KindTokenExchange Kind = "token_exchange"
	// KindFlowNotFound: unknown, expired or already consumed state.
	KindFlowNotFound Kind = "flow_not_found"
	// KindInvalidCredentials: the identity check failed.
	KindInvalidCredentials Kind = "invalid_credentials"
	// KindMalformedCallback: state or code missing from the callback.
	KindMalformedCallback Kind = "malformed_callback"
	// KindMalformedCeremonyOptions: a required ceremony field is absent or
	// the options document has an unexpected shape.
	KindMalformedCeremonyOptions Kind = "malformed_ceremony_options"
	// KindEncoding: malformed base64url input.
	KindEncoding Kind = "encoding"
	// KindNotFound: an unknown user or passkey.
	KindNotFound Kind = "not_found"
	// KindUnauthenticated: the request carries no logged-in session.
	KindUnauthenticated Kind = "unauthenticated"
	// KindForbidden: the logged-in subject does not own the resource.
	KindForbidden Kind = "forbidden"
	// KindConflict: the record already exists, e.g. a credential ID
	// registered twice.
	KindConflict Kind = "conflict"
	// KindInternal: a local failure (storage, configuration).
	KindInternal Kind = "internal"
)

// Error is a failure with a stable kind and a client-safe message.
// Err carries the underlying cause, which may contain upstream detail and
// should not be shown to end users.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return "autherr: <nil>"
	}
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message or cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Kind == t.Kind
}

// New returns an *Error of kind.
func New(kind Kind, message string, err error) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Sentinels for errors.Is.
var (
	ErrUpstreamAuthorization    = &Error{Kind: KindUpstreamAuthorization}
	ErrTokenExchange            = &Error{Kind: KindTokenExchange}
	ErrFlowNotFound             = &Error{Kind: KindFlowNotFound}
	ErrInvalidCredentials       = &Error{Kind: KindInvalidCredentials}
	ErrMalformedCallback        = &Error{Kind: KindMalformedCallback}
	ErrMalformedCeremonyOptions = &Error{Kind: KindMalformedCeremonyOptions}
	ErrEncoding                 = &Error{Kind: KindEncoding}
	ErrNotFound                 = &Error{Kind: KindNotFound}
	ErrUnauthenticated          = &Error{Kind: KindUnauthenticated}
	ErrForbidden                = &Error{Kind: KindForbidden}
	ErrConflict                 = &Error{Kind: KindConflict}
	ErrInternal                 = &Error{Kind: KindInternal}
)

// KindOf returns the kind of the first *Error in err's chain, or
// KindInternal when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindInternal
}

// MessageOf returns the client-safe message of the first *Error in err's
// chain, falling back to the kind name.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e != nil {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return string(KindInternal)
}
