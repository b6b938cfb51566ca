package flowstore

import (
	"context"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/valkey-io/valkey-go"
)

// DefaultKeyPrefix namespaces flow entries in a shared Valkey keyspace.
const DefaultKeyPrefix = "authgate:flow:"

// Valkey is a Store backed by a Valkey (or Redis) server, so in-flight
// attempts survive restarts and are shared between instances. Values are
// CBOR-encoded and expire server-side.
type Valkey[V any] struct {
	client valkey.Client
	prefix string
}

// NewValkey returns a Store using client. An empty prefix selects
// DefaultKeyPrefix.
func NewValkey[V any](client valkey.Client, prefix string) *Valkey[V] {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Valkey[V]{client: client, prefix: prefix}
}

func (s *Valkey[V]) Put(ctx context.Context, key string, v V, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, key)
	}
	// EX has second granularity and rejects zero.
	if ttl < time.Second {
		ttl = time.Second
	}
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding flow entry: %w", err)
	}
	cmd := s.client.B().Set().Key(s.prefix + key).Value(valkey.BinaryString(b)).Ex(ttl).Build()
	if err := s.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("storing flow entry in valkey: %w", err)
	}
	return nil
}

// Update uses SET XX KEEPTTL, so a key taken or expired in between is not
// recreated.
func (s *Valkey[V]) Update(ctx context.Context, key string, v V) error {
	b, err := cbor.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding flow entry: %w", err)
	}
	cmd := s.client.B().Set().Key(s.prefix + key).Value(valkey.BinaryString(b)).Xx().Keepttl().Build()
	err = s.client.Do(ctx, cmd).Error()
	if valkey.IsValkeyNil(err) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("updating flow entry in valkey: %w", err)
	}
	return nil
}

func (s *Valkey[V]) Get(ctx context.Context, key string) (V, error) {
	return s.decode(s.client.Do(ctx, s.client.B().Get().Key(s.prefix+key).Build()))
}

// Take uses GETDEL, so the read and the removal are a single server-side step.
func (s *Valkey[V]) Take(ctx context.Context, key string) (V, error) {
	return s.decode(s.client.Do(ctx, s.client.B().Getdel().Key(s.prefix+key).Build()))
}

func (s *Valkey[V]) Delete(ctx context.Context, key string) error {
	if err := s.client.Do(ctx, s.client.B().Del().Key(s.prefix+key).Build()).Error(); err != nil {
		return fmt.Errorf("deleting flow entry from valkey: %w", err)
	}
	return nil
}

func (s *Valkey[V]) decode(res valkey.ValkeyResult) (V, error) {
	var v V
	b, err := res.AsBytes()
	if valkey.IsValkeyNil(err) {
		return v, ErrNotFound
	}
	if err != nil {
		return v, fmt.Errorf("reading flow entry from valkey: %w", err)
	}
	if err := cbor.Unmarshal(b, &v); err != nil {
		return v, fmt.Errorf("decoding flow entry: %w", err)
	}
	return v, nil
}

var _ Store[FlowState] = (*Valkey[FlowState])(nil)
