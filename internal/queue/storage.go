package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketJobs     = []byte("jobs")
	bucketReady    = []byte("ready")
	bucketDeferred = []byte("deferred")
)

// BoltQueue implements Queue on BoltDB. Jobs live in the jobs bucket keyed
// by message ID; the ready and deferred buckets are time-ordered indexes.
// A claimed job is absent from both indexes until acked or deferred, so a
// crash between claim and ack leaves the job body for inspection but out
// of rotation; Requeue restores such orphans on startup.
type BoltQueue struct {
	db *bolt.DB
}

// NewBoltQueue opens (creating if needed) a queue at path.
func NewBoltQueue(path string) (*BoltQueue, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketJobs, bucketReady, bucketDeferred} {
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

	return &BoltQueue{db: db}, nil
}

// Enqueue adds a job to the ready set.
func (q *BoltQueue) Enqueue(ctx context.Context, job *Job) error {
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}

	return q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := tx.Bucket(bucketJobs).Put([]byte(job.MessageID), data); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}
		indexKey := makeIndexKey(job.EnqueuedAt, job.MessageID)
		if err := tx.Bucket(bucketReady).Put(indexKey, []byte(job.MessageID)); err != nil {
			return fmt.Errorf("failed to index job: %w", err)
		}
		return nil
	})
}

// Dequeue claims the next runnable job. Deferred jobs whose retry time has
// arrived take priority over fresh ready jobs.
func (q *BoltQueue) Dequeue(ctx context.Context) (*Job, error) {
	var job *Job

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		now := time.Now().UTC()

		claim := func(c *bolt.Cursor, stopAtFuture bool) (*Job, error) {
			for k, v := c.First(); k != nil; k, v = c.Next() {
				if stopAtFuture {
					if ts := parseIndexTime(k); ts.After(now) {
						return nil, nil // remaining entries are in the future
					}
				}
				data := jobs.Get(v)
				if data == nil {
					// Job body gone, drop the stale index entry.
					c.Delete()
					continue
				}
				var j Job
				if err := json.Unmarshal(data, &j); err != nil {
					c.Delete()
					continue
				}
				if err := c.Delete(); err != nil {
					return nil, err
				}
				return &j, nil
			}
			return nil, nil
		}

		claimed, err := claim(tx.Bucket(bucketDeferred).Cursor(), true)
		if err != nil {
			return err
		}
		if claimed == nil {
			claimed, err = claim(tx.Bucket(bucketReady).Cursor(), false)
			if err != nil {
				return err
			}
		}
		job = claimed
		return nil
	})

	return job, err
}

// Defer re-schedules a claimed job for a later attempt.
func (q *BoltQueue) Defer(ctx context.Context, job *Job, notBefore time.Time) error {
	job.NotBefore = notBefore.UTC()

	return q.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		if err := tx.Bucket(bucketJobs).Put([]byte(job.MessageID), data); err != nil {
			return fmt.Errorf("failed to store job: %w", err)
		}
		indexKey := makeIndexKey(job.NotBefore, job.MessageID)
		if err := tx.Bucket(bucketDeferred).Put(indexKey, []byte(job.MessageID)); err != nil {
			return fmt.Errorf("failed to defer job: %w", err)
		}
		return nil
	})
}

// Ack removes a claimed job permanently.
func (q *BoltQueue) Ack(ctx context.Context, job *Job) error {
	return q.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).Delete([]byte(job.MessageID))
	})
}

// Requeue restores jobs that were claimed but neither acked nor deferred
// when the process died. Called once on startup before workers begin.
func (q *BoltQueue) Requeue(ctx context.Context) (int, error) {
	restored := 0

	err := q.db.Update(func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		indexed := make(map[string]bool)

		for _, bucket := range [][]byte{bucketReady, bucketDeferred} {
			c := tx.Bucket(bucket).Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				indexed[string(v)] = true
			}
		}

		c := jobs.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if indexed[string(k)] {
				continue
			}
			var j Job
			if err := json.Unmarshal(v, &j); err != nil {
				continue
			}
			indexKey := makeIndexKey(time.Now().UTC(), j.MessageID)
			if err := tx.Bucket(bucketReady).Put(indexKey, []byte(j.MessageID)); err != nil {
				return err
			}
			restored++
		}
		return nil
	})

	return restored, err
}

// Stats returns queue depth counters.
func (q *BoltQueue) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{}

	err := q.db.View(func(tx *bolt.Tx) error {
		stats.Ready = int64(tx.Bucket(bucketReady).Stats().KeyN)
		stats.Deferred = int64(tx.Bucket(bucketDeferred).Stats().KeyN)
		stats.Total = int64(tx.Bucket(bucketJobs).Stats().KeyN)
		stats.Leased = stats.Total - stats.Ready - stats.Deferred
		if stats.Leased < 0 {
			stats.Leased = 0
		}
		return nil
	})

	return stats, err
}

// Close closes the queue database.
func (q *BoltQueue) Close() error {
	return q.db.Close()
}

// DB exposes the underlying bolt database so other components (rate limit
// counters, sandbox capture) can share the file.
func (q *BoltQueue) DB() *bolt.DB {
	return q.db
}

// makeIndexKey creates a sortable key from timestamp and message ID.
func makeIndexKey(t time.Time, id string) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano) + ":" + id)
}

// parseIndexTime extracts the timestamp from an index key.
func parseIndexTime(key []byte) time.Time {
	s := string(key)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			ts, _ := time.Parse(time.RFC3339Nano, s[:i])
			return ts
		}
	}
	return time.Time{}
}
