package passkey

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"
)

var (
	recordsBucket     = []byte("passkeys")
	credentialsBucket = []byte("passkey_credentials")
	usersBucket       = []byte("passkey_users")
)

// BoltStore is a CredentialStore backed by a bbolt database.
//
// Records are JSON under their ID. Two index buckets map credential IDs to
// record IDs and "userID\x00recordID" keys to nothing, for lookups and
// per-user listing.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore returns a store using db, creating its buckets.
func NewBoltStore(db *bbolt.DB) (*BoltStore, error) {
	err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{recordsBucket, credentialsBucket, usersBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("creating passkey buckets: %w", err)
	}
	return &BoltStore{db: db}, nil
}

// OpenBoltStore opens the bbolt database at path and returns a store on it.
func OpenBoltStore(path string, options *bbolt.Options) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, options)
	if err != nil {
		return nil, fmt.Errorf("opening bbolt db: %w", err)
	}
	s, err := NewBoltStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func userKey(userID, id string) []byte {
	return []byte(userID + "\x00" + id)
}

func (s *BoltStore) ListPasskeys(_ context.Context, userID string) ([]PasskeyRecord, error) {
	var out []PasskeyRecord
	prefix := []byte(userID + "\x00")
	err := s.db.View(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		c := tx.Bucket(usersBucket).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			data := records.Get(k[len(prefix):])
			if data == nil {
				continue
			}
			var rec PasskeyRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return fmt.Errorf("decoding passkey %s: %w", k[len(prefix):], err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecords(out)
	return out, nil
}

func (s *BoltStore) GetPasskey(_ context.Context, id string) (PasskeyRecord, error) {
	var rec PasskeyRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(recordsBucket).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

func (s *BoltStore) DeletePasskey(_ context.Context, id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		data := records.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		var rec PasskeyRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("decoding passkey %s: %w", id, err)
		}
		if err := tx.Bucket(credentialsBucket).Delete(rec.CredentialID); err != nil {
			return err
		}
		if err := tx.Bucket(usersBucket).Delete(userKey(rec.UserID, id)); err != nil {
			return err
		}
		return records.Delete([]byte(id))
	})
}

func (s *BoltStore) SavePasskey(_ context.Context, rec PasskeyRecord) error {
	if rec.ID == "" || len(rec.CredentialID) == 0 {
		return fmt.Errorf("passkey record needs an id and a credential id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		records := tx.Bucket(recordsBucket)
		creds := tx.Bucket(credentialsBucket)
		users := tx.Bucket(usersBucket)

		if owner := creds.Get(rec.CredentialID); owner != nil && string(owner) != rec.ID {
			return ErrDuplicateCredential
		}
		// Drop the index entries of the record being replaced.
		if old := records.Get([]byte(rec.ID)); old != nil {
			var prev PasskeyRecord
			if err := json.Unmarshal(old, &prev); err != nil {
				return fmt.Errorf("decoding passkey %s: %w", rec.ID, err)
			}
			if err := creds.Delete(prev.CredentialID); err != nil {
				return err
			}
			if err := users.Delete(userKey(prev.UserID, prev.ID)); err != nil {
				return err
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := records.Put([]byte(rec.ID), data); err != nil {
			return err
		}
		if err := creds.Put(rec.CredentialID, []byte(rec.ID)); err != nil {
			return err
		}
		return users.Put(userKey(rec.UserID, rec.ID), []byte{})
	})
}

func (s *BoltStore) FindByCredentialID(_ context.Context, credentialID []byte) (PasskeyRecord, error) {
	var rec PasskeyRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(credentialsBucket).Get(credentialID)
		if id == nil {
			return ErrNotFound
		}
		data := tx.Bucket(recordsBucket).Get(id)
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &rec)
	})
	return rec, err
}

var _ CredentialStore = (*BoltStore)(nil)
