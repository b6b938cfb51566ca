package flowstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/valkey-io/valkey-go"
)

// newTestValkey connects to a local server, skipping the test when none runs.
func newTestValkey(t *testing.T) valkey.Client {
	t.Helper()
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress: []string{"127.0.0.1:6379"},
	})
	if err != nil {
		t.Skipf("valkey not available: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestValkey_PutGetTake(t *testing.T) {
	client := newTestValkey(t)
	ctx := context.Background()
	s := NewValkey[FlowState](client, "authgate-test:"+t.Name()+":")

	created := time.Now().UTC().Truncate(time.Second)
	fs := FlowState{State: "S1", CodeVerifier: "V", Ticket: "T1", Nonce: "N", CreatedAt: created}
	if err := s.Put(ctx, "S1", fs, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, "S1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Ticket != "T1" || got.CodeVerifier != "V" || !got.CreatedAt.Equal(created) {
		t.Fatalf("Get = %+v", got)
	}

	if _, err := s.Take(ctx, "S1"); err != nil {
		t.Fatalf("Take: %v", err)
	}
	if _, err := s.Take(ctx, "S1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Take: got %v, want ErrNotFound", err)
	}
}

func TestValkey_Expiry(t *testing.T) {
	client := newTestValkey(t)
	ctx := context.Background()
	s := NewValkey[FlowState](client, "authgate-test:"+t.Name()+":")

	if err := s.Put(ctx, "S", FlowState{State: "S"}, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	time.Sleep(2 * time.Second)
	if _, err := s.Get(ctx, "S"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after expiry: got %v, want ErrNotFound", err)
	}
}

func TestValkey_UpdateOnlyExisting(t *testing.T) {
	client := newTestValkey(t)
	ctx := context.Background()
	s := NewValkey[FlowState](client, "authgate-test:"+t.Name()+":")

	if err := s.Update(ctx, "S1", FlowState{State: "S1"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update of missing key: got %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "S1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update created the key: %v", err)
	}

	if err := s.Put(ctx, "S1", FlowState{State: "S1", Ticket: "T1"}, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Update(ctx, "S1", FlowState{State: "S1", Ticket: "T1", Subject: "user-42"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	ttl, err := client.Do(ctx, client.B().Ttl().Key("authgate-test:"+t.Name()+":S1").Build()).AsInt64()
	if err != nil || ttl <= 0 {
		t.Fatalf("TTL after Update = %d, %v", ttl, err)
	}
	got, err := s.Take(ctx, "S1")
	if err != nil || got.Subject != "user-42" {
		t.Fatalf("Take = %+v, %v", got, err)
	}
	if err := s.Update(ctx, "S1", got); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Update after Take: got %v, want ErrNotFound", err)
	}
}
