package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/docflow/internal/models"
	"github.com/feichai0017/docflow/pkg/logger"
	"github.com/feichai0017/docflow/pkg/queue"
)

type fakeProcessor struct {
	mu    sync.Mutex
	calls []*queue.Job
	fn    func(job *queue.Job) error
}

func (f *fakeProcessor) Process(ctx context.Context, job *queue.Job) error {
	f.mu.Lock()
	f.calls = append(f.calls, job)
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(job)
	}
	return nil
}

func (f *fakeProcessor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestQueue(t *testing.T) *queue.MemoryQueue {
	t.Helper()
	q, err := queue.NewMemoryQueue(queue.Options{
		Name:             "worker-test",
		LockDuration:     time.Minute,
		MaxDeliveryCount: 2,
	})
	require.NoError(t, err)
	return q
}

func enqueueJob(t *testing.T, q queue.Queue, sourceURI string) {
	t.Helper()
	body, err := queue.EncodeJob(&queue.Job{
		JobID:      "job-1",
		SourceURI:  sourceURI,
		EnqueuedAt: time.Now(),
	})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), body)
	require.NoError(t, err)
}

func runPool(t *testing.T, q queue.Queue, proc Processor, d time.Duration) {
	t.Helper()
	pool, err := NewPool(q, proc, Config{
		MaxExecutions:   2,
		PollingInterval: 10 * time.Millisecond,
		JobTimeout:      time.Second,
		RenewInterval:   time.Second,
	}, logger.NewTestLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	err = pool.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolCompletesSuccessfulJob(t *testing.T) {
	q := newTestQueue(t)
	proc := &fakeProcessor{}
	enqueueJob(t, q, "incoming/report.pdf")

	runPool(t, q, proc, 200*time.Millisecond)

	assert.Equal(t, 1, proc.callCount())
	assert.Equal(t, "incoming/report.pdf", proc.calls[0].SourceURI)

	depth, err := q.Depth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}

func TestPoolDeadLettersMalformedMessage(t *testing.T) {
	q := newTestQueue(t)
	proc := &fakeProcessor{}
	_, err := q.Enqueue(context.Background(), []byte("not json"))
	require.NoError(t, err)

	runPool(t, q, proc, 200*time.Millisecond)

	assert.Zero(t, proc.callCount(), "malformed messages must never reach the processor")

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "malformed message")
}

func TestPoolDeadLettersCorruptInput(t *testing.T) {
	q := newTestQueue(t)
	proc := &fakeProcessor{fn: func(job *queue.Job) error {
		return fmt.Errorf("%w: not a document", models.ErrCorruptInput)
	}}
	enqueueJob(t, q, "incoming/broken.pdf")

	runPool(t, q, proc, 200*time.Millisecond)

	assert.Equal(t, 1, proc.callCount(), "corrupt input must not be retried")

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Contains(t, dead[0].Reason, "corrupt input")
}

func TestPoolRetriesTransientFailureUntilDeadLetter(t *testing.T) {
	q := newTestQueue(t)
	proc := &fakeProcessor{fn: func(job *queue.Job) error {
		return errors.New("storage unavailable")
	}}
	enqueueJob(t, q, "incoming/flaky.pdf")

	runPool(t, q, proc, 300*time.Millisecond)

	// MaxDeliveryCount is 2: first delivery abandons, second delivery
	// abandons and dead-letters.
	assert.Equal(t, 2, proc.callCount())

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Message.DeliveryCount)
}

func TestPoolRecoversAfterFailure(t *testing.T) {
	q := newTestQueue(t)
	var failFirst sync.Once
	proc := &fakeProcessor{fn: func(job *queue.Job) error {
		var failed bool
		failFirst.Do(func() { failed = true })
		if failed {
			return errors.New("transient blip")
		}
		return nil
	}}
	enqueueJob(t, q, "incoming/retry.pdf")

	runPool(t, q, proc, 300*time.Millisecond)

	assert.Equal(t, 2, proc.callCount())

	dead, err := q.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, dead, "a successful retry must not dead-letter")
}

func TestPoolIdlesOnEmptyQueue(t *testing.T) {
	q := newTestQueue(t)
	proc := &fakeProcessor{}

	runPool(t, q, proc, 150*time.Millisecond)

	assert.Zero(t, proc.callCount())

	// An idle pool holds no leases, so a message enqueued afterwards is
	// immediately receivable.
	enqueueJob(t, q, "incoming/late.pdf")
	leases, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	assert.Len(t, leases, 1)
}

func TestNewPoolValidatesConfig(t *testing.T) {
	q := newTestQueue(t)
	log := logger.NewTestLogger()

	_, err := NewPool(q, &fakeProcessor{}, Config{MaxExecutions: 0, JobTimeout: time.Second}, log)
	assert.Error(t, err)

	_, err = NewPool(q, &fakeProcessor{}, Config{MaxExecutions: 1, JobTimeout: 0}, log)
	assert.Error(t, err)
}
