package autherr

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestIs_MatchesKind(t *testing.T) {
	err := New(KindFlowNotFound, "unknown state", io.EOF)
	if !errors.Is(err, ErrFlowNotFound) {
		t.Fatal("expected errors.Is to match ErrFlowNotFound")
	}
	if errors.Is(err, ErrTokenExchange) {
		t.Fatal("unexpected match on ErrTokenExchange")
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("expected cause to be reachable through Unwrap")
	}
}

func TestKindOf_Wrapped(t *testing.T) {
	err := fmt.Errorf("handler: %w", New(KindEncoding, "bad base64url", nil))
	if got := KindOf(err); got != KindEncoding {
		t.Fatalf("KindOf = %q, want %q", got, KindEncoding)
	}
	if got := MessageOf(err); got != "bad base64url" {
		t.Fatalf("MessageOf = %q", got)
	}
	if got := KindOf(io.EOF); got != KindInternal {
		t.Fatalf("KindOf(plain) = %q, want %q", got, KindInternal)
	}
}

func TestError_Message(t *testing.T) {
	err := New(KindTokenExchange, "token exchange failed", errors.New("invalid_grant"))
	if got := err.Error(); got != "token exchange failed: invalid_grant" {
		t.Fatalf("Error() = %q", got)
	}
	if got := ErrMalformedCallback.Error(); got != "malformed_callback" {
		t.Fatalf("sentinel Error() = %q", got)
	}
}
