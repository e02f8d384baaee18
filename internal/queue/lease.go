package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

type leaseRecord struct {
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Acquire claims key for owner until ttl elapses. It succeeds when the key
// is free, expired or already held by owner.
func (s *BoltStorage) Acquire(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	now := s.now()
	acquired := false

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if data := b.Get([]byte(key)); data != nil {
			var rec leaseRecord
			if err := json.Unmarshal(data, &rec); err == nil && rec.Owner != owner && rec.ExpiresAt.After(now) {
				return nil
			}
		}
		acquired = true
		return putLease(b, key, leaseRecord{Owner: owner, ExpiresAt: now.Add(ttl)})
	})

	return acquired, err
}

// Renew extends a held lease. Returns ErrLeaseLost when owner no longer
// holds key.
func (s *BoltStorage) Renew(ctx context.Context, key, owner string, ttl time.Duration) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(key))
		if data == nil {
			return ErrLeaseLost
		}
		var rec leaseRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("failed to unmarshal lease: %w", err)
		}
		if rec.Owner != owner || !rec.ExpiresAt.After(now) {
			return ErrLeaseLost
		}
		return putLease(b, key, leaseRecord{Owner: owner, ExpiresAt: now.Add(ttl)})
	})
}

// Release frees key if owner holds it
func (s *BoltStorage) Release(ctx context.Context, key, owner string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(key))
		if data == nil {
			return nil
		}
		var rec leaseRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.Owner != owner {
			return nil
		}
		return b.Delete([]byte(key))
	})
}

// Holder returns the current owner of key, empty when free or expired
func (s *BoltStorage) Holder(ctx context.Context, key string) (string, error) {
	var owner string
	now := s.now()
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketLeases).Get([]byte(key))
		if data == nil {
			return nil
		}
		var rec leaseRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		if rec.ExpiresAt.After(now) {
			owner = rec.Owner
		}
		return nil
	})
	return owner, err
}

func putLease(b *bolt.Bucket, key string, rec leaseRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal lease: %w", err)
	}
	return b.Put([]byte(key), data)
}

// CleanupLeases removes expired leases
func (s *BoltStorage) CleanupLeases(ctx context.Context) (int, error) {
	now := s.now()
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var rec leaseRecord
			if err := json.Unmarshal(v, &rec); err != nil || !rec.ExpiresAt.After(now) {
				expired = append(expired, append([]byte{}, k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}
