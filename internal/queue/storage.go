package queue

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs       = []byte("jobs")
	bucketReady      = []byte("ready")
	bucketLeased     = []byte("leased")
	bucketKeys       = []byte("keys")
	bucketDeadLetter = []byte("dead_letter")
	bucketLeases     = []byte("leases")
	bucketDedup      = []byte("dedup")
)

// BoltStorage implements Queue, the campaign lease and the dedup set on
// one BoltDB file
type BoltStorage struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStorage creates a new BoltDB storage
func NewBoltStorage(path string) (*BoltStorage, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketReady, bucketLeased, bucketKeys, bucketDeadLetter, bucketLeases, bucketDedup} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStorage{db: db, now: time.Now}, nil
}

// SetNow replaces the time source
func (s *BoltStorage) SetNow(now func() time.Time) {
	s.now = now
}

// Enqueue adds a job to its topic
func (s *BoltStorage) Enqueue(ctx context.Context, job *Job) error {
	now := s.now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.RunAt.IsZero() {
		job.RunAt = now
	}
	job.Status = StatusReady
	job.CreatedAt = now
	job.UpdatedAt = now

	return s.db.Update(func(tx *bolt.Tx) error {
		if job.Key != "" {
			keys := tx.Bucket(bucketKeys)
			if keys.Get(topicKey(job.Topic, job.Key)) != nil {
				return ErrDuplicateKey
			}
			if err := keys.Put(topicKey(job.Topic, job.Key), []byte(job.ID)); err != nil {
				return fmt.Errorf("failed to index job key: %w", err)
			}
		}

		if err := putJob(tx, job); err != nil {
			return err
		}

		if err := tx.Bucket(bucketReady).Put(makeIndexKey(job.Topic, job.RunAt, job.ID), []byte(job.ID)); err != nil {
			return fmt.Errorf("failed to add to ready index: %w", err)
		}
		return nil
	})
}

// Lease gets the next due job of a topic. Expired leases are reclaimed
// before ready jobs are considered.
func (s *BoltStorage) Lease(ctx context.Context, topic string, visibility time.Duration) (*Job, error) {
	var job *Job
	now := s.now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketLeased, bucketReady} {
			index := tx.Bucket(bucket)
			c := index.Cursor()
			prefix := topicPrefix(topic)

			for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
				if parseTimestampFromKey(topic, k).After(now) {
					break // all remaining are in the future
				}

				m, err := getJob(tx, string(v))
				if err != nil {
					return err
				}
				if m == nil {
					// job was deleted, clean up index
					if err := c.Delete(); err != nil {
						return err
					}
					continue
				}

				if err := c.Delete(); err != nil {
					return err
				}

				m.Status = StatusLeased
				m.Attempts++
				m.LeasedUntil = now.Add(visibility)
				m.UpdatedAt = now
				if err := putJob(tx, m); err != nil {
					return err
				}
				if err := tx.Bucket(bucketLeased).Put(makeIndexKey(topic, m.LeasedUntil, m.ID), []byte(m.ID)); err != nil {
					return fmt.Errorf("failed to add to leased index: %w", err)
				}

				job = m
				return nil
			}
		}
		return nil
	})

	return job, err
}

// Ack removes a completed job
func (s *BoltStorage) Ack(ctx context.Context, job *Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := getJob(tx, job.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return nil
		}
		return deleteJob(tx, stored)
	})
}

// Nack makes a leased job due again after delay
func (s *BoltStorage) Nack(ctx context.Context, job *Job, delay time.Duration, reason string) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := getJob(tx, job.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return ErrJobNotFound
		}

		if err := tx.Bucket(bucketLeased).Delete(makeIndexKey(stored.Topic, stored.LeasedUntil, stored.ID)); err != nil {
			return err
		}

		stored.Status = StatusReady
		stored.RunAt = now.Add(delay)
		stored.LeasedUntil = time.Time{}
		stored.LastError = reason
		stored.UpdatedAt = now
		if err := putJob(tx, stored); err != nil {
			return err
		}
		*job = *stored

		return tx.Bucket(bucketReady).Put(makeIndexKey(stored.Topic, stored.RunAt, stored.ID), []byte(stored.ID))
	})
}

// Extend pushes out the lease of a job. Returns ErrLeaseLost when the job
// was reclaimed by another consumer.
func (s *BoltStorage) Extend(ctx context.Context, job *Job, visibility time.Duration) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := getJob(tx, job.ID)
		if err != nil {
			return err
		}
		if stored == nil || stored.Status != StatusLeased || stored.Attempts != job.Attempts {
			return ErrLeaseLost
		}

		leased := tx.Bucket(bucketLeased)
		if err := leased.Delete(makeIndexKey(stored.Topic, stored.LeasedUntil, stored.ID)); err != nil {
			return err
		}
		stored.LeasedUntil = now.Add(visibility)
		stored.UpdatedAt = now
		if err := putJob(tx, stored); err != nil {
			return err
		}
		*job = *stored
		return leased.Put(makeIndexKey(stored.Topic, stored.LeasedUntil, stored.ID), []byte(stored.ID))
	})
}

// DeadLetter moves a job to the dead letter queue
func (s *BoltStorage) DeadLetter(ctx context.Context, job *Job, reason string) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		stored, err := getJob(tx, job.ID)
		if err != nil {
			return err
		}
		if stored == nil {
			return ErrJobNotFound
		}

		if err := tx.Bucket(bucketLeased).Delete(makeIndexKey(stored.Topic, stored.LeasedUntil, stored.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReady).Delete(makeIndexKey(stored.Topic, stored.RunAt, stored.ID)); err != nil {
			return err
		}
		if stored.Key != "" {
			if err := tx.Bucket(bucketKeys).Delete(topicKey(stored.Topic, stored.Key)); err != nil {
				return err
			}
		}

		stored.Status = StatusFailed
		stored.LastError = reason
		stored.UpdatedAt = now
		if err := putJob(tx, stored); err != nil {
			return err
		}
		*job = *stored

		if err := tx.Bucket(bucketDeadLetter).Put(makeIndexKey(stored.Topic, now, stored.ID), []byte(stored.ID)); err != nil {
			return fmt.Errorf("failed to add to DLQ index: %w", err)
		}
		return nil
	})
}

// Get retrieves a job by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Job, error) {
	var job *Job
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		job, err = getJob(tx, id)
		return err
	})
	return job, err
}

// Stats returns per-topic statistics
func (s *BoltStorage) Stats(ctx context.Context) (map[string]TopicStats, error) {
	stats := make(map[string]TopicStats)

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job Job
			if err := json.Unmarshal(v, &job); err != nil {
				return nil
			}
			st := stats[job.Topic]
			switch job.Status {
			case StatusReady:
				st.Ready++
			case StatusLeased:
				st.Leased++
			case StatusFailed:
				st.Failed++
			}
			stats[job.Topic] = st
			return nil
		})
	})

	return stats, err
}

// Close closes the database connection
func (s *BoltStorage) Close() error {
	return s.db.Close()
}

// DB returns the underlying bolt.DB instance
func (s *BoltStorage) DB() *bolt.DB {
	return s.db
}

func getJob(tx *bolt.Tx, id string) (*Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, nil
	}
	job := &Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, nil
}

func putJob(tx *bolt.Tx, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := tx.Bucket(bucketJobs).Put([]byte(job.ID), data); err != nil {
		return fmt.Errorf("failed to store job: %w", err)
	}
	return nil
}

func deleteJob(tx *bolt.Tx, job *Job) error {
	if err := tx.Bucket(bucketReady).Delete(makeIndexKey(job.Topic, job.RunAt, job.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketLeased).Delete(makeIndexKey(job.Topic, job.LeasedUntil, job.ID)); err != nil {
		return err
	}
	if job.Key != "" {
		keys := tx.Bucket(bucketKeys)
		if string(keys.Get(topicKey(job.Topic, job.Key))) == job.ID {
			if err := keys.Delete(topicKey(job.Topic, job.Key)); err != nil {
				return err
			}
		}
	}
	return tx.Bucket(bucketJobs).Delete([]byte(job.ID))
}

func topicPrefix(topic string) []byte {
	return append([]byte(topic), 0)
}

func topicKey(topic, key string) []byte {
	return append(topicPrefix(topic), key...)
}

// makeIndexKey creates a sortable key: topic, NUL, big-endian unix nanos, id
func makeIndexKey(topic string, t time.Time, id string) []byte {
	var ts uint64
	if !t.IsZero() && t.UnixNano() > 0 {
		ts = uint64(t.UnixNano())
	}
	key := topicPrefix(topic)
	key = binary.BigEndian.AppendUint64(key, ts)
	return append(key, id...)
}

// parseTimestampFromKey extracts the timestamp from an index key
func parseTimestampFromKey(topic string, key []byte) time.Time {
	start := len(topic) + 1
	if len(key) < start+8 {
		return time.Time{}
	}
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[start:start+8])))
}
