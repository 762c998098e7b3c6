package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *MemoryQueue {
	t.Helper()
	q, err := NewMemoryQueue(Options{
		Name:             "test-queue",
		LockDuration:     5 * time.Minute,
		MaxDeliveryCount: 3,
	})
	require.NoError(t, err)
	return q
}

func receiveOne(t *testing.T, q *MemoryQueue) Lease {
	t.Helper()
	leases, err := q.Receive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, leases, 1)
	return leases[0]
}

func TestMemoryQueueEnqueueReceive(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("hello"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)

	lease := receiveOne(t, q)
	msg := lease.Message()
	assert.Equal(t, id, msg.ID)
	assert.Equal(t, []byte("hello"), msg.Body)
	assert.Equal(t, 0, msg.DeliveryCount)

	// Leased messages are invisible to other receivers.
	leases, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, leases)
}

func TestMemoryQueueCompleteRemovesMessage(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("job"))
	require.NoError(t, err)

	lease := receiveOne(t, q)
	require.NoError(t, lease.Complete(ctx))

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)

	// Settling twice is a lost lease, not a silent no-op.
	assert.ErrorIs(t, lease.Complete(ctx), ErrLeaseLost)
	assert.ErrorIs(t, lease.Abandon(ctx), ErrLeaseLost)
}

func TestMemoryQueueAbandonIncrementsDeliveryCount(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("job"))
	require.NoError(t, err)

	lease := receiveOne(t, q)
	assert.Equal(t, 0, lease.Message().DeliveryCount)
	require.NoError(t, lease.Abandon(ctx))

	lease = receiveOne(t, q)
	assert.Equal(t, 1, lease.Message().DeliveryCount)
}

func TestMemoryQueueDeadLettersAfterMaxDeliveries(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("poison"))
	require.NoError(t, err)

	// MaxDeliveryCount is 3: the third failed delivery dead-letters.
	for i := 0; i < 2; i++ {
		lease := receiveOne(t, q)
		require.NoError(t, lease.Abandon(ctx))
	}
	lease := receiveOne(t, q)
	assert.Equal(t, 2, lease.Message().DeliveryCount)
	require.NoError(t, lease.Abandon(ctx))

	leases, err := q.Receive(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, leases, "dead-lettered message must not be redelivered")

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].Message.ID)
	assert.Equal(t, 3, dead[0].Message.DeliveryCount)
}

func TestMemoryQueueRejectDeadLettersImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, []byte("garbage"))
	require.NoError(t, err)

	lease := receiveOne(t, q)
	require.NoError(t, lease.Reject(ctx, "malformed message"))

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].Message.ID)
	assert.Equal(t, "malformed message", dead[0].Reason)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), depth)
}

func TestMemoryQueueExpiredLeaseRedelivers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("slow"))
	require.NoError(t, err)

	lease := receiveOne(t, q)

	// Jump past the lock duration: the lease expires and the message
	// goes back to pending with its delivery count bumped.
	now := time.Now()
	q.now = func() time.Time { return now.Add(6 * time.Minute) }

	redelivered := receiveOne(t, q)
	assert.Equal(t, lease.Message().ID, redelivered.Message().ID)
	assert.Equal(t, 1, redelivered.Message().DeliveryCount)

	// The original holder lost its lease.
	assert.ErrorIs(t, lease.Complete(ctx), ErrLeaseLost)
	assert.ErrorIs(t, lease.Renew(ctx), ErrLeaseLost)
}

func TestMemoryQueueRenewExtendsLease(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, []byte("long"))
	require.NoError(t, err)

	lease := receiveOne(t, q)

	// Renew at T+4m pushes the deadline to T+9m; at T+8m the lease is
	// still held.
	now := time.Now()
	q.now = func() time.Time { return now.Add(4 * time.Minute) }
	require.NoError(t, lease.Renew(ctx))

	q.now = func() time.Time { return now.Add(8 * time.Minute) }
	leases, err := q.Receive(ctx, 1)
	require.NoError(t, err)
	assert.Empty(t, leases)
	require.NoError(t, lease.Complete(ctx))
}

func TestMemoryQueueReceiveBatch(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, []byte{byte(i)})
		require.NoError(t, err)
	}

	leases, err := q.Receive(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, leases, 3)

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), depth)
}

func TestOptionsValidate(t *testing.T) {
	_, err := NewMemoryQueue(Options{Name: "", LockDuration: time.Minute, MaxDeliveryCount: 3})
	assert.Error(t, err)

	_, err = NewMemoryQueue(Options{Name: "q", LockDuration: 0, MaxDeliveryCount: 3})
	assert.Error(t, err)

	_, err = NewMemoryQueue(Options{Name: "q", LockDuration: time.Minute, MaxDeliveryCount: 0})
	assert.Error(t, err)
}
