package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ListDLQ returns dead-lettered jobs, oldest first
func (s *BoltStorage) ListDLQ(ctx context.Context, limit, offset int) ([]*Job, error) {
	var jobs []*Job

	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketDeadLetter).Cursor()

		count := 0
		skipped := 0
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if skipped < offset {
				skipped++
				continue
			}

			job, err := getJob(tx, string(v))
			if err != nil || job == nil {
				continue
			}
			jobs = append(jobs, job)
			count++

			if limit > 0 && count >= limit {
				break
			}
		}
		return nil
	})

	return jobs, err
}

// RetryFromDLQ moves a dead-lettered job back to its topic
func (s *BoltStorage) RetryFromDLQ(ctx context.Context, id string) error {
	now := s.now()
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil || job.Status != StatusFailed {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}

		if err := removeFromDLQ(tx, id); err != nil {
			return err
		}

		if job.Key != "" {
			keys := tx.Bucket(bucketKeys)
			if keys.Get(topicKey(job.Topic, job.Key)) != nil {
				return ErrDuplicateKey
			}
			if err := keys.Put(topicKey(job.Topic, job.Key), []byte(job.ID)); err != nil {
				return err
			}
		}

		job.Status = StatusReady
		job.Attempts = 0
		job.LastError = ""
		job.RunAt = now
		job.UpdatedAt = now
		if err := putJob(tx, job); err != nil {
			return err
		}
		return tx.Bucket(bucketReady).Put(makeIndexKey(job.Topic, job.RunAt, job.ID), []byte(job.ID))
	})
}

// DeleteFromDLQ permanently deletes a dead-lettered job
func (s *BoltStorage) DeleteFromDLQ(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if job == nil || job.Status != StatusFailed {
			return fmt.Errorf("%w: %s", ErrJobNotFound, id)
		}

		if err := removeFromDLQ(tx, id); err != nil {
			return err
		}
		return tx.Bucket(bucketJobs).Delete([]byte(id))
	})
}

func removeFromDLQ(tx *bolt.Tx, id string) error {
	c := tx.Bucket(bucketDeadLetter).Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if string(v) == id {
			return c.Delete()
		}
	}
	return nil
}

// DLQStats returns dead letter queue statistics
func (s *BoltStorage) DLQStats(ctx context.Context) (*DLQStats, error) {
	stats := &DLQStats{}

	err := s.db.View(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			stats.Total++
			job, err := getJob(tx, string(v))
			if err != nil || job == nil {
				continue
			}
			if stats.OldestAt.IsZero() || job.UpdatedAt.Before(stats.OldestAt) {
				stats.OldestAt = job.UpdatedAt
			}
			stats.TotalSize += int64(len(jobs.Get(v)))
		}
		return nil
	})

	return stats, err
}

// CleanupDLQ removes DLQ jobs by age and enforces max count, oldest first
func (s *BoltStorage) CleanupDLQ(ctx context.Context, maxAge time.Duration, maxCount int) (int, error) {
	deleted := 0
	cutoff := s.now().Add(-maxAge)

	err := s.db.Update(func(tx *bolt.Tx) error {
		type item struct {
			indexKey []byte
			jobID    []byte
			at       time.Time
		}

		var items []item
		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			it := item{indexKey: append([]byte{}, k...), jobID: append([]byte{}, v...)}
			if job, err := getJob(tx, string(v)); err == nil && job != nil {
				it.at = job.UpdatedAt
			}
			items = append(items, it)
		}

		var keep []item
		for _, it := range items {
			if maxAge > 0 && it.at.Before(cutoff) {
				if err := deleteDLQItem(tx, it.indexKey, it.jobID); err != nil {
					return err
				}
				deleted++
				continue
			}
			keep = append(keep, it)
		}

		if maxCount > 0 && len(keep) > maxCount {
			sort.SliceStable(keep, func(i, j int) bool { return keep[i].at.Before(keep[j].at) })
			for _, it := range keep[:len(keep)-maxCount] {
				if err := deleteDLQItem(tx, it.indexKey, it.jobID); err != nil {
					return err
				}
				deleted++
			}
		}
		return nil
	})

	return deleted, err
}

func deleteDLQItem(tx *bolt.Tx, indexKey, jobID []byte) error {
	if err := tx.Bucket(bucketDeadLetter).Delete(indexKey); err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Delete(jobID)
}
