package auth

import (
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
)

// ValidateNextURLIsLocal returns nextURL when it is a local absolute path and
// "/" otherwise, so a post-login redirect cannot leave the site.
func ValidateNextURLIsLocal(nextURL string) string {
	// Must be relative (start with /) and not protocol-relative (start with // or /\).
	if nextURL == "" || !strings.HasPrefix(nextURL, "/") ||
		strings.HasPrefix(nextURL, "//") || strings.HasPrefix(nextURL, "/\\") {
		return "/"
	}
	return nextURL
}

// VerifiedEmail returns the email address from the ID token if the
// email_verified claim is true.
func VerifiedEmail(token *oidc.IDToken) (string, bool) {
	if token == nil {
		return "", false
	}
	var claims oidc.UserInfo
	if err := token.Claims(&claims); err != nil {
		return "", false
	}
	if !claims.EmailVerified {
		return "", false
	}
	return claims.Email, true
}
