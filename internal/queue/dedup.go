package queue

import (
	"context"
	"encoding/binary"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Seen reports whether key was marked and has not expired
func (s *BoltStorage) Seen(ctx context.Context, key string) (bool, error) {
	now := s.now()
	seen := false
	err := s.db.View(func(tx *bolt.Tx) error {
		seen = unexpired(tx.Bucket(bucketDedup).Get([]byte(key)), now)
		return nil
	})
	return seen, err
}

// Mark records key for ttl
func (s *BoltStorage) Mark(ctx context.Context, key string, ttl time.Duration) error {
	expires := s.now().Add(ttl)
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDedup).Put([]byte(key), encodeExpiry(expires))
	})
}

// Claim marks key only if it is not already marked. Returns true for the
// single caller that set it.
func (s *BoltStorage) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.now()
	claimed := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		if unexpired(b.Get([]byte(key)), now) {
			return nil
		}
		claimed = true
		return b.Put([]byte(key), encodeExpiry(now.Add(ttl)))
	})
	return claimed, err
}

// CleanupDedup removes expired keys
func (s *BoltStorage) CleanupDedup(ctx context.Context) (int, error) {
	now := s.now()
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDedup)
		var expired [][]byte
		err := b.ForEach(func(k, v []byte) error {
			if !unexpired(v, now) {
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

func encodeExpiry(t time.Time) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(t.UnixNano()))
}

func unexpired(v []byte, now time.Time) bool {
	if len(v) != 8 {
		return false
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(v))).After(now)
}
