// Package queue provides the durable delivery job queue. Jobs reference a
// message by ID; message state itself lives in the relational store. The
// queue guarantees at-least-once delivery; exactly-once effects come from
// the message store's conditional updates.
package queue

import (
	"context"
	"time"
)

// Job is one queued delivery task.
type Job struct {
	MessageID  string    `json:"message_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	NotBefore  time.Time `json:"not_before,omitempty"`
}

// Stats describes queue depth.
type Stats struct {
	Ready    int64 `json:"ready"`
	Deferred int64 `json:"deferred"`
	Leased   int64 `json:"leased"`
	Total    int64 `json:"total"`
}

// Queue is the durable job queue contract.
type Queue interface {
	// Enqueue adds a job to the ready set.
	Enqueue(ctx context.Context, job *Job) error

	// Dequeue claims the next runnable job, preferring deferred jobs
	// whose retry time has come. Returns nil, nil when nothing is ready.
	Dequeue(ctx context.Context) (*Job, error)

	// Defer re-schedules a claimed job to run no earlier than notBefore.
	Defer(ctx context.Context, job *Job, notBefore time.Time) error

	// Ack removes a claimed job permanently.
	Ack(ctx context.Context, job *Job) error

	// Stats returns queue depth counters.
	Stats(ctx context.Context) (*Stats, error)

	// Close releases the underlying storage.
	Close() error
}
