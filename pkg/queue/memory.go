package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue implements Queue in process memory. It upholds the same
// lease and dead-letter semantics as RedisQueue and backs the test
// suites plus single-process local runs.
type MemoryQueue struct {
	mu       sync.Mutex
	opts     Options
	pending  []string
	msgs     map[string]*Message
	inflight map[string]*memLeaseState
	dead     []DeadLetter
	now      func() time.Time
}

type memLeaseState struct {
	token    string
	deadline time.Time
}

func NewMemoryQueue(opts Options) (*MemoryQueue, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &MemoryQueue{
		opts:     opts,
		msgs:     make(map[string]*Message),
		inflight: make(map[string]*memLeaseState),
		now:      time.Now,
	}, nil
}

func (q *MemoryQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id := uuid.New().String()
	q.msgs[id] = &Message{
		ID:         id,
		Body:       append([]byte(nil), body...),
		EnqueuedAt: q.now(),
	}
	q.pending = append(q.pending, id)
	return id, nil
}

func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reapLocked()

	var leases []Lease
	for len(leases) < max && len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		msg, ok := q.msgs[id]
		if !ok {
			continue
		}
		token := uuid.New().String()
		q.inflight[id] = &memLeaseState{
			token:    token,
			deadline: q.now().Add(q.opts.LockDuration),
		}
		leases = append(leases, &memLease{q: q, msg: msg, token: token})
	}
	return leases, nil
}

func (q *MemoryQueue) Depth(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reapLocked()
	return int64(len(q.pending)), nil
}

func (q *MemoryQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]DeadLetter, n)
	copy(out, q.dead[:n])
	return out, nil
}

func (q *MemoryQueue) Close() error {
	return nil
}

// reapLocked requeues or dead-letters messages whose lease expired.
// Callers must hold q.mu.
func (q *MemoryQueue) reapLocked() {
	now := q.now()
	for id, st := range q.inflight {
		if st.deadline.After(now) {
			continue
		}
		delete(q.inflight, id)
		q.redeliverLocked(id, "lease expired")
	}
}

// redeliverLocked increments the delivery count and either requeues the
// message or moves it to the dead-letter channel. Callers hold q.mu.
func (q *MemoryQueue) redeliverLocked(id, reason string) {
	msg, ok := q.msgs[id]
	if !ok {
		return
	}
	msg.DeliveryCount++
	if msg.DeliveryCount >= q.opts.MaxDeliveryCount {
		q.deadLetterLocked(id, reason)
		return
	}
	q.pending = append(q.pending, id)
}

func (q *MemoryQueue) deadLetterLocked(id, reason string) {
	msg, ok := q.msgs[id]
	if !ok {
		return
	}
	delete(q.msgs, id)
	q.dead = append(q.dead, DeadLetter{
		Message: *msg,
		Reason:  reason,
		MovedAt: q.now(),
	})
}

type memLease struct {
	q     *MemoryQueue
	msg   *Message
	token string
}

func (l *memLease) Message() *Message {
	return l.msg
}

// held reports whether this lease still owns the message. Callers hold
// the queue mutex.
func (l *memLease) held() bool {
	st, ok := l.q.inflight[l.msg.ID]
	return ok && st.token == l.token
}

func (l *memLease) Renew(ctx context.Context) error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()

	if !l.held() {
		return ErrLeaseLost
	}
	l.q.inflight[l.msg.ID].deadline = l.q.now().Add(l.q.opts.LockDuration)
	return nil
}

func (l *memLease) Complete(ctx context.Context) error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()

	if !l.held() {
		return ErrLeaseLost
	}
	delete(l.q.inflight, l.msg.ID)
	delete(l.q.msgs, l.msg.ID)
	return nil
}

func (l *memLease) Abandon(ctx context.Context) error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()

	if !l.held() {
		return ErrLeaseLost
	}
	delete(l.q.inflight, l.msg.ID)
	l.q.redeliverLocked(l.msg.ID, "delivery count exceeded")
	return nil
}

func (l *memLease) Reject(ctx context.Context, reason string) error {
	l.q.mu.Lock()
	defer l.q.mu.Unlock()

	if !l.held() {
		return ErrLeaseLost
	}
	delete(l.q.inflight, l.msg.ID)
	l.q.deadLetterLocked(l.msg.ID, reason)
	return nil
}
