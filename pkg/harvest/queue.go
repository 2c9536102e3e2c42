package harvest

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	queueKey      = "harvest:jobs"
	lockKeyPrefix = "harvest:lock:"
	cancelChannel = "harvest:cancel"
)

// claimScript pops the first due job whose lock is free. Claiming and
// locking happen in one round trip so two workers never take the same
// job.
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 10)
for _, id in ipairs(due) do
    if redis.call('SET', ARGV[2] .. id, ARGV[3], 'NX', 'PX', ARGV[4]) then
        redis.call('ZREM', KEYS[1], id)
        return id
    end
end
return false
`)

// renewScript extends a lock only while we still hold it.
var renewScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes a lock only while we still hold it.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`)

// Queue is the durable job queue: a redis sorted set scored by the time
// the job becomes due, plus per-job worker locks and a cancel broadcast
// channel. Jobs survive process restarts; in-memory state does not.
type Queue struct {
	client  *redis.Client
	lockTTL time.Duration
}

func NewQueue(client *redis.Client, lockTTL time.Duration) *Queue {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Queue{client: client, lockTTL: lockTTL}
}

// Enqueue makes the job due after the given delay. A job already queued
// keeps its earlier due time.
func (q *Queue) Enqueue(ctx context.Context, jobID string, delay time.Duration) error {
	score := float64(time.Now().Add(delay).UnixMilli())
	return q.client.ZAddNX(ctx, queueKey, redis.Z{Score: score, Member: jobID}).Err()
}

// Schedule makes the job due at an absolute time, overwriting any earlier
// schedule. Used for deferrals.
func (q *Queue) Schedule(ctx context.Context, jobID string, at time.Time) error {
	score := float64(at.UnixMilli())
	return q.client.ZAdd(ctx, queueKey, redis.Z{Score: score, Member: jobID}).Err()
}

// Remove drops the job from the queue without touching its lock.
func (q *Queue) Remove(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, queueKey, jobID).Err()
}

// Claim atomically takes the next due job for the given worker. Returns
// an empty string when nothing is due.
func (q *Queue) Claim(ctx context.Context, workerID string) (string, error) {
	now := time.Now().UnixMilli()
	result, err := claimScript.Run(ctx, q.client,
		[]string{queueKey},
		now, lockKeyPrefix, workerID, q.lockTTL.Milliseconds(),
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, _ := result.(string)
	return jobID, nil
}

// RenewLock extends the worker's hold on a job. Returns false when the
// lock expired or was taken over.
func (q *Queue) RenewLock(ctx context.Context, jobID, workerID string) (bool, error) {
	result, err := renewScript.Run(ctx, q.client,
		[]string{lockKeyPrefix + jobID},
		workerID, q.lockTTL.Milliseconds(),
	).Int()
	if err != nil && err != redis.Nil {
		return false, err
	}
	return result == 1, nil
}

// ReleaseLock frees the job lock if this worker still holds it.
func (q *Queue) ReleaseLock(ctx context.Context, jobID, workerID string) error {
	err := releaseScript.Run(ctx, q.client, []string{lockKeyPrefix + jobID}, workerID).Err()
	if err == redis.Nil {
		return nil
	}
	return err
}

// Locked reports whether any worker currently holds the job.
func (q *Queue) Locked(ctx context.Context, jobID string) (bool, error) {
	result, err := q.client.Exists(ctx, lockKeyPrefix+jobID).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Cancel removes a queued job and broadcasts the id so the worker running
// it, wherever it is, aborts.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	if err := q.client.ZRem(ctx, queueKey, jobID).Err(); err != nil {
		return err
	}
	return q.client.Publish(ctx, cancelChannel, jobID).Err()
}

// SubscribeCancel delivers cancelled job ids until the context ends.
func (q *Queue) SubscribeCancel(ctx context.Context) (<-chan string, func() error) {
	sub := q.client.Subscribe(ctx, cancelChannel)
	out := make(chan string)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-sub.Channel():
				if !ok {
					return
				}
				select {
				case out <- msg.Payload:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, sub.Close
}

// Size returns the number of queued jobs, due or not.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, queueKey).Result()
}
