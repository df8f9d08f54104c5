package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultVisibilityTimeout = 5 * time.Minute

// RedisBroker implements Broker on a Redis pending/processing list
// pair. Dequeue atomically moves an element from pending to processing
// and stamps a claim key whose TTL is the visibility timeout; the
// sweeper requeues processing entries whose claim has expired.
type RedisBroker struct {
	rdb        *redis.Client
	queue      string
	visibility time.Duration
}

// NewRedisBroker parses a redis:// URL and returns a broker bound to
// the named queue.
func NewRedisBroker(url, queue string, visibility time.Duration) (*RedisBroker, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &RedisBroker{
		rdb:        redis.NewClient(opt),
		queue:      queue,
		visibility: visibility,
	}, nil
}

func (b *RedisBroker) pendingKey() string    { return b.queue + ":pending" }
func (b *RedisBroker) processingKey() string { return b.queue + ":processing" }
func (b *RedisBroker) claimKey(token string) string {
	return b.queue + ":claim:" + token
}

// Ping checks connectivity for health reporting.
func (b *RedisBroker) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

func (b *RedisBroker) Enqueue(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.rdb.LPush(ctx, b.pendingKey(), payload).Err()
}

func (b *RedisBroker) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	raw, err := b.rdb.BLMove(ctx, b.pendingKey(), b.processingKey(), "right", "left", timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var env Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		// Poison entry: drop it rather than wedge the queue.
		b.rdb.LRem(ctx, b.processingKey(), 1, raw)
		return nil, err
	}

	if err := b.rdb.Set(ctx, b.claimKey(raw), 1, b.visibility).Err(); err != nil {
		return nil, err
	}

	return &Delivery{Envelope: env, Token: raw}, nil
}

func (b *RedisBroker) Ack(ctx context.Context, d *Delivery) error {
	if err := b.rdb.LRem(ctx, b.processingKey(), 1, d.Token).Err(); err != nil {
		return err
	}
	return b.rdb.Del(ctx, b.claimKey(d.Token)).Err()
}

func (b *RedisBroker) Nack(ctx context.Context, d *Delivery, requeue bool) error {
	if err := b.rdb.LRem(ctx, b.processingKey(), 1, d.Token).Err(); err != nil {
		return err
	}
	if err := b.rdb.Del(ctx, b.claimKey(d.Token)).Err(); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	return b.rdb.LPush(ctx, b.pendingKey(), d.Token).Err()
}

// RequeueExpired scans the processing list and returns entries whose
// claim key has expired to the pending list. Entry counts are small
// (bounded by pool size times worker instances), so a full scan per
// sweep is acceptable.
func (b *RedisBroker) RequeueExpired(ctx context.Context) (int, error) {
	entries, err := b.rdb.LRange(ctx, b.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, raw := range entries {
		exists, err := b.rdb.Exists(ctx, b.claimKey(raw)).Result()
		if err != nil {
			return recovered, err
		}
		if exists > 0 {
			continue
		}
		// Claim expired: the holding worker died or stalled past the
		// visibility window. Remove from processing and requeue; LREM
		// returning 0 means another sweeper won the race.
		removed, err := b.rdb.LRem(ctx, b.processingKey(), 1, raw).Result()
		if err != nil {
			return recovered, err
		}
		if removed == 0 {
			continue
		}
		if err := b.rdb.LPush(ctx, b.pendingKey(), raw).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}
