package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker with the same at-least-once
// semantics as the Redis implementation. It backs single-process
// deployments that run without Redis, and tests.
type MemoryBroker struct {
	visibility time.Duration

	mu       sync.Mutex
	pending  []Envelope
	inflight map[string]memoryClaim
	seq      uint64

	notify chan struct{}
}

type memoryClaim struct {
	env      Envelope
	deadline time.Time
}

func NewMemoryBroker(visibility time.Duration) *MemoryBroker {
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &MemoryBroker{
		visibility: visibility,
		inflight:   make(map[string]memoryClaim),
		notify:     make(chan struct{}, 1),
	}
}

func (b *MemoryBroker) wake() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *MemoryBroker) Enqueue(_ context.Context, env Envelope) error {
	b.mu.Lock()
	b.pending = append(b.pending, env)
	b.mu.Unlock()
	b.wake()
	return nil
}

func (b *MemoryBroker) Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	deadline := time.Now().Add(timeout)
	for {
		if d := b.tryDequeue(); d != nil {
			return d, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.notify:
		case <-time.After(remaining):
			// One more attempt below before reporting idle.
		}
	}
}

func (b *MemoryBroker) tryDequeue() *Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		return nil
	}
	env := b.pending[0]
	b.pending = b.pending[1:]

	b.seq++
	token := fmt.Sprintf("%s:%d:%d", env.JobID, env.Attempt, b.seq)
	b.inflight[token] = memoryClaim{env: env, deadline: time.Now().Add(b.visibility)}

	return &Delivery{Envelope: env, Token: token}
}

func (b *MemoryBroker) Ack(_ context.Context, d *Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.inflight[d.Token]; !ok {
		return errors.New("unknown delivery token")
	}
	delete(b.inflight, d.Token)
	return nil
}

func (b *MemoryBroker) Nack(_ context.Context, d *Delivery, requeue bool) error {
	b.mu.Lock()
	claim, ok := b.inflight[d.Token]
	if !ok {
		b.mu.Unlock()
		return errors.New("unknown delivery token")
	}
	delete(b.inflight, d.Token)
	if requeue {
		b.pending = append(b.pending, claim.env)
	}
	b.mu.Unlock()

	if requeue {
		b.wake()
	}
	return nil
}

func (b *MemoryBroker) RequeueExpired(_ context.Context) (int, error) {
	now := time.Now()

	b.mu.Lock()
	recovered := 0
	for token, claim := range b.inflight {
		if claim.deadline.After(now) {
			continue
		}
		delete(b.inflight, token)
		b.pending = append(b.pending, claim.env)
		recovered++
	}
	b.mu.Unlock()

	if recovered > 0 {
		b.wake()
	}
	return recovered, nil
}

// Depth reports queued plus in-flight envelopes. Used by tests and the
// deep health check.
func (b *MemoryBroker) Depth() (pending, inflight int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending), len(b.inflight)
}
