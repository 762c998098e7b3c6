package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Job is the payload carried by one queue message. The message body is
// opaque to the queue itself; delivery metadata (delivery count, lease)
// lives outside the body and is managed by the queue.
type Job struct {
	JobID      string    `json:"jobId"`
	SourceURI  string    `json:"sourceUri"`
	Category   string    `json:"category,omitempty"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// EncodeJob serializes a job into a message body.
func EncodeJob(j *Job) ([]byte, error) {
	data, err := json.Marshal(j)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}
	return data, nil
}

// DecodeJob parses a message body. A body without a source URI is
// malformed: there is nothing to process.
func DecodeJob(body []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(body, &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if j.SourceURI == "" {
		return nil, fmt.Errorf("job has no source uri")
	}
	return &j, nil
}

// Message is one queued message plus its delivery metadata.
// DeliveryCount increases monotonically each time a lease is abandoned
// or expires; it never decreases.
type Message struct {
	ID            string
	Body          []byte
	EnqueuedAt    time.Time
	DeliveryCount int
}

// DeadLetter is a message moved to the dead-letter channel after
// exhausting its delivery budget. Dead-lettered messages remain
// inspectable; they are never silently dropped.
type DeadLetter struct {
	Message Message   `json:"message"`
	Reason  string    `json:"reason"`
	MovedAt time.Time `json:"movedAt"`
}

// Lease is an exclusive, time-bounded claim on one message. Exactly one
// of Complete, Abandon or Reject terminates the lease; afterwards every
// operation returns ErrLeaseLost.
type Lease interface {
	// Message returns the leased message.
	Message() *Message

	// Renew extends the lock for another lock duration.
	Renew(ctx context.Context) error

	// Complete permanently removes the message from the queue.
	Complete(ctx context.Context) error

	// Abandon releases the lock. The queue increments the delivery
	// count and either redelivers the message or, once the count
	// reaches the configured maximum, moves it to the dead-letter
	// channel.
	Abandon(ctx context.Context) error

	// Reject moves the message straight to the dead-letter channel,
	// bypassing remaining delivery attempts. Used for messages that
	// can never succeed (malformed bodies).
	Reject(ctx context.Context, reason string) error
}

// Queue is the at-least-once delivery contract between intake and the
// worker pool. Implementations: RedisQueue (production) and
// MemoryQueue (tests, local runs).
type Queue interface {
	// Enqueue publishes a message body with delivery count zero and
	// returns the message id.
	Enqueue(ctx context.Context, body []byte) (string, error)

	// Receive leases up to max messages. An empty result means the
	// queue currently has nothing deliverable.
	Receive(ctx context.Context, max int) ([]Lease, error)

	// Depth returns the number of messages awaiting delivery,
	// excluding in-flight and dead-lettered ones.
	Depth(ctx context.Context) (int64, error)

	// DeadLetters returns up to limit dead-lettered messages, oldest
	// first.
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)

	// Close releases the queue's resources.
	Close() error
}

// Options holds queue-level policy parameters.
type Options struct {
	Name             string
	LockDuration     time.Duration
	MaxDeliveryCount int
}

func (o *Options) validate() error {
	if o.Name == "" {
		return fmt.Errorf("queue name must be set")
	}
	if o.LockDuration <= 0 {
		return fmt.Errorf("lock duration must be positive")
	}
	if o.MaxDeliveryCount < 1 {
		return fmt.Errorf("max delivery count must be at least 1")
	}
	return nil
}

// ErrLeaseLost is returned when a lease operation runs after the lease
// was completed, abandoned, expired or taken over by another worker.
var ErrLeaseLost = fmt.Errorf("lease no longer held")
