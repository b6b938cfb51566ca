package middleware

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/mnehpets/authgate/endpoint"
)

var ErrNotLoggedIn = errors.New("not logged in")

// DefaultCookieName is the name of the login session cookie.
const DefaultCookieName = "authgate_session"

// DefaultSessionPeriod is the lifetime of a fresh session.
const DefaultSessionPeriod = 8 * time.Hour

// MaxSessionLifetime bounds a session's total life, however often it is
// extended.
const MaxSessionLifetime = 7 * 24 * time.Hour

// sessionData is the sealed cookie payload.
type sessionData struct {
	ID          string    `cbor:"1,keyasint"`
	Subject     string    `cbor:"2,keyasint"`
	Email       string    `cbor:"3,keyasint,omitempty"`
	AccessToken string    `cbor:"4,keyasint,omitempty"`
	IssuedAt    time.Time `cbor:"5,keyasint"`
	Expires     time.Time `cbor:"6,keyasint"`
}

// Session is the request-scoped login session. The zero value is logged out.
type Session struct {
	data  *sessionData
	dirty bool
	now   func() time.Time
	// period is the lifetime given to a session on Login.
	period time.Duration
}

// ID returns the session identifier, or "" when logged out.
func (s *Session) ID() string {
	if s.data == nil {
		return ""
	}
	return s.data.ID
}

// Subject returns the logged-in subject and whether there is one.
func (s *Session) Subject() (string, bool) {
	if s.data == nil {
		return "", false
	}
	return s.data.Subject, true
}

// Email returns the verified email recorded at login, if any.
func (s *Session) Email() string {
	if s.data == nil {
		return ""
	}
	return s.data.Email
}

// AccessToken returns the access token recorded at login, if any.
func (s *Session) AccessToken() string {
	if s.data == nil {
		return ""
	}
	return s.data.AccessToken
}

// Expires returns the session's expiry, or the zero time when logged out.
func (s *Session) Expires() time.Time {
	if s.data == nil {
		return time.Time{}
	}
	return s.data.Expires
}

// Login starts a new session for subject with a fresh ID, discarding any
// previous session state.
func (s *Session) Login(subject string) error {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return err
	}
	now := s.now().Truncate(time.Second)
	s.data = &sessionData{
		ID:       base64.RawURLEncoding.EncodeToString(b),
		Subject:  subject,
		IssuedAt: now,
		Expires:  now.Add(s.period),
	}
	s.dirty = true
	return nil
}

// SetAccessToken records the access token for the logged-in subject.
func (s *Session) SetAccessToken(token string) error {
	if s.data == nil {
		return ErrNotLoggedIn
	}
	s.data.AccessToken = token
	s.dirty = true
	return nil
}

// SetEmail records the subject's verified email.
func (s *Session) SetEmail(email string) error {
	if s.data == nil {
		return ErrNotLoggedIn
	}
	s.data.Email = email
	s.dirty = true
	return nil
}

// Logout clears the session.
func (s *Session) Logout() {
	s.data = nil
	s.dirty = true
}

// valid reports whether the session is live at now, extending it when less
// than a quarter of the period remains.
func (d *sessionData) valid(now time.Time, period time.Duration) (ok, extended bool) {
	if d.Subject == "" || d.IssuedAt.IsZero() || !now.Before(d.Expires) {
		return false, false
	}
	limit := d.IssuedAt.Add(MaxSessionLifetime)
	if !now.Before(limit) || d.Expires.After(limit) {
		return false, false
	}
	if d.Expires.Sub(now) >= period/4 {
		return true, false
	}
	next := now.Truncate(time.Second).Add(period)
	if next.After(limit) {
		next = limit
	}
	if !next.After(d.Expires) {
		return true, false
	}
	d.Expires = next
	return true, true
}

type sessionContextKey struct{}

// SessionFromContext returns the request's Session.
func SessionFromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(sessionContextKey{}).(*Session)
	return s, ok && s != nil
}

// SessionProcessor loads the login session from its cookie before the
// endpoint runs and writes it back, if changed, before headers are sent.
type SessionProcessor struct {
	cookie *SecureCookie
	period time.Duration
	now    func() time.Time
}

// SessionOption configures a SessionProcessor.
type SessionOption func(*SessionProcessor)

// WithSessionPeriod sets the lifetime of new sessions.
func WithSessionPeriod(d time.Duration) SessionOption {
	return func(p *SessionProcessor) {
		p.period = d
	}
}

// WithSessionClock overrides time.Now, for tests.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(p *SessionProcessor) {
		p.now = now
	}
}

// NewSessionProcessor returns a processor storing sessions in cookie.
func NewSessionProcessor(cookie *SecureCookie, opts ...SessionOption) *SessionProcessor {
	p := &SessionProcessor{cookie: cookie, period: DefaultSessionPeriod, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	if p.period <= 0 {
		p.period = DefaultSessionPeriod
	}
	p.cookie.now = p.now
	return p
}

// Process implements endpoint.Processor.
func (p *SessionProcessor) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	sess := &Session{now: p.now, period: p.period}

	if c, err := r.Cookie(p.cookie.Name()); err == nil {
		var d sessionData
		if err := p.cookie.Decode(c, &d); err != nil {
			sess.dirty = true
		} else if ok, extended := d.valid(p.now(), p.period); ok {
			sess.data = &d
			sess.dirty = extended
		} else {
			sess.dirty = true
		}
	}

	endpoint.Defer(r.Context(), func(w http.ResponseWriter) {
		p.save(w, sess)
	})

	return next(w, r.WithContext(context.WithValue(r.Context(), sessionContextKey{}, sess)))
}

func (p *SessionProcessor) save(w http.ResponseWriter, sess *Session) {
	if !sess.dirty {
		return
	}
	if sess.data == nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	ttl := sess.data.Expires.Sub(p.now())
	if ttl < time.Second {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	c, err := p.cookie.Encode(sess.data, ttl)
	if err != nil {
		http.SetCookie(w, p.cookie.Clear())
		return
	}
	http.SetCookie(w, c)
}

var _ endpoint.Processor = (*SessionProcessor)(nil)
