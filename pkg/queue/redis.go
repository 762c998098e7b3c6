package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue on a Redis instance. Layout per queue name:
//
//	{name}:pending   list of message ids awaiting delivery
//	{name}:inflight  zset of leased ids scored by lease deadline (unix ms)
//	{name}:dead      list of dead-lettered ids
//	{name}:msg:{id}  hash holding body and delivery metadata
//
// All state transitions run as Lua scripts so that concurrent workers
// across processes never observe a message in two places at once.
type RedisQueue struct {
	client *redis.Client
	opts   Options
}

func NewRedisQueue(client *redis.Client, opts Options) (*RedisQueue, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &RedisQueue{client: client, opts: opts}, nil
}

func (q *RedisQueue) pendingKey() string  { return q.opts.Name + ":pending" }
func (q *RedisQueue) inflightKey() string { return q.opts.Name + ":inflight" }
func (q *RedisQueue) deadKey() string     { return q.opts.Name + ":dead" }
func (q *RedisQueue) msgPrefix() string   { return q.opts.Name + ":msg:" }

var receiveScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
  return false
end
local key = ARGV[1] .. id
redis.call('HSET', key, 'lease', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], id)
return {id,
  redis.call('HGET', key, 'body'),
  redis.call('HGET', key, 'enqueuedAt'),
  redis.call('HGET', key, 'deliveryCount')}
`)

var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[2], id)
  local key = ARGV[1] .. id
  redis.call('HDEL', key, 'lease')
  local count = redis.call('HINCRBY', key, 'deliveryCount', 1)
  if count >= tonumber(ARGV[3]) then
    redis.call('HSET', key, 'reason', 'lease expired', 'movedAt', ARGV[4])
    redis.call('RPUSH', KEYS[3], id)
  else
    redis.call('LPUSH', KEYS[1], id)
  end
end
return #expired
`)

var completeScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'lease') ~= ARGV[3] then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', key)
return 1
`)

var renewScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'lease') ~= ARGV[3] then
  return -1
end
if not redis.call('ZSCORE', KEYS[1], ARGV[2]) then
  return -1
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[2])
return 1
`)

var abandonScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'lease') ~= ARGV[3] then
  return -1
end
if redis.call('ZREM', KEYS[2], ARGV[2]) == 0 then
  return -1
end
redis.call('HDEL', key, 'lease')
local count = redis.call('HINCRBY', key, 'deliveryCount', 1)
if count >= tonumber(ARGV[4]) then
  redis.call('HSET', key, 'reason', 'delivery count exceeded', 'movedAt', ARGV[5])
  redis.call('RPUSH', KEYS[3], ARGV[2])
else
  redis.call('LPUSH', KEYS[1], ARGV[2])
end
return count
`)

var rejectScript = redis.NewScript(`
local key = ARGV[1] .. ARGV[2]
if redis.call('HGET', key, 'lease') ~= ARGV[3] then
  return -1
end
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('HDEL', key, 'lease')
redis.call('HSET', key, 'reason', ARGV[4], 'movedAt', ARGV[5])
redis.call('RPUSH', KEYS[2], ARGV[2])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, body []byte) (string, error) {
	id := uuid.New().String()
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.msgPrefix()+id,
			"body", body,
			"enqueuedAt", strconv.FormatInt(time.Now().UnixNano(), 10),
			"deliveryCount", 0,
		)
		pipe.LPush(ctx, q.pendingKey(), id)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue message: %w", err)
	}
	return id, nil
}

func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Lease, error) {
	if err := q.reap(ctx); err != nil {
		return nil, err
	}

	var leases []Lease
	for len(leases) < max {
		token := uuid.New().String()
		deadline := time.Now().Add(q.opts.LockDuration).UnixMilli()
		res, err := receiveScript.Run(ctx, q.client,
			[]string{q.pendingKey(), q.inflightKey()},
			q.msgPrefix(), token, deadline,
		).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return leases, fmt.Errorf("failed to receive message: %w", err)
		}
		fields, ok := res.([]interface{})
		if !ok || len(fields) != 4 {
			return leases, fmt.Errorf("unexpected receive script reply: %v", res)
		}
		msg, err := parseMessage(fields)
		if err != nil {
			return leases, err
		}
		leases = append(leases, &redisLease{q: q, msg: msg, token: token})
	}
	return leases, nil
}

func (q *RedisQueue) reap(ctx context.Context) error {
	_, err := reapScript.Run(ctx, q.client,
		[]string{q.pendingKey(), q.inflightKey(), q.deadKey()},
		q.msgPrefix(),
		time.Now().UnixMilli(),
		q.opts.MaxDeliveryCount,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to reap expired leases: %w", err)
	}
	return nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	if err := q.reap(ctx); err != nil {
		return 0, err
	}
	n, err := q.client.LLen(ctx, q.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	end := int64(-1)
	if limit > 0 {
		end = int64(limit) - 1
	}
	ids, err := q.client.LRange(ctx, q.deadKey(), 0, end).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list dead letters: %w", err)
	}

	letters := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.msgPrefix()+id).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load dead letter %s: %w", id, err)
		}
		if len(fields) == 0 {
			continue
		}
		count, _ := strconv.Atoi(fields["deliveryCount"])
		enqueued, _ := strconv.ParseInt(fields["enqueuedAt"], 10, 64)
		moved, _ := time.Parse(time.RFC3339Nano, fields["movedAt"])
		letters = append(letters, DeadLetter{
			Message: Message{
				ID:            id,
				Body:          []byte(fields["body"]),
				EnqueuedAt:    time.Unix(0, enqueued),
				DeliveryCount: count,
			},
			Reason:  fields["reason"],
			MovedAt: moved,
		})
	}
	return letters, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func parseMessage(fields []interface{}) (*Message, error) {
	id, _ := fields[0].(string)
	body, _ := fields[1].(string)
	if id == "" {
		return nil, fmt.Errorf("receive script returned empty message id")
	}
	var enqueued int64
	if s, ok := fields[2].(string); ok {
		enqueued, _ = strconv.ParseInt(s, 10, 64)
	}
	var count int
	if s, ok := fields[3].(string); ok {
		count, _ = strconv.Atoi(s)
	}
	return &Message{
		ID:            id,
		Body:          []byte(body),
		EnqueuedAt:    time.Unix(0, enqueued),
		DeliveryCount: count,
	}, nil
}

type redisLease struct {
	q     *RedisQueue
	msg   *Message
	token string
}

func (l *redisLease) Message() *Message {
	return l.msg
}

func (l *redisLease) Renew(ctx context.Context) error {
	deadline := time.Now().Add(l.q.opts.LockDuration).UnixMilli()
	res, err := renewScript.Run(ctx, l.q.client,
		[]string{l.q.inflightKey()},
		l.q.msgPrefix(), l.msg.ID, l.token, deadline,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Complete(ctx context.Context) error {
	res, err := completeScript.Run(ctx, l.q.client,
		[]string{l.q.inflightKey()},
		l.q.msgPrefix(), l.msg.ID, l.token,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to complete message: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Abandon(ctx context.Context) error {
	res, err := abandonScript.Run(ctx, l.q.client,
		[]string{l.q.pendingKey(), l.q.inflightKey(), l.q.deadKey()},
		l.q.msgPrefix(), l.msg.ID, l.token,
		l.q.opts.MaxDeliveryCount,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to abandon lease: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}

func (l *redisLease) Reject(ctx context.Context, reason string) error {
	res, err := rejectScript.Run(ctx, l.q.client,
		[]string{l.q.inflightKey(), l.q.deadKey()},
		l.q.msgPrefix(), l.msg.ID, l.token,
		reason,
		time.Now().UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return fmt.Errorf("failed to dead-letter message: %w", err)
	}
	if res < 0 {
		return ErrLeaseLost
	}
	return nil
}
