// Package broker moves job envelopes between the API gateway and the
// worker pool with at-least-once delivery semantics. A dequeued
// delivery that is neither acked nor nacked becomes re-deliverable
// once its visibility timeout expires; consumers must tolerate
// duplicates.
package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire contract for one queued job. The full job
// record lives in the status store; the queue only carries enough to
// locate it and to de-duplicate side effects per attempt.
type Envelope struct {
	JobID   uuid.UUID `json:"id"`
	Attempt int       `json:"attempt"`
}

// Delivery is one received envelope plus the token needed to ack or
// nack it.
type Delivery struct {
	Envelope
	// Token identifies this in-flight entry to the broker.
	Token string
}

// Broker is the transport between job submission and job execution.
type Broker interface {
	// Enqueue publishes an envelope for some worker to pick up.
	Enqueue(ctx context.Context, env Envelope) error

	// Dequeue blocks up to timeout for the next envelope. It returns
	// (nil, nil) when the timeout elapses with nothing available.
	Dequeue(ctx context.Context, timeout time.Duration) (*Delivery, error)

	// Ack commits consumption of a delivery.
	Ack(ctx context.Context, d *Delivery) error

	// Nack returns a delivery to the queue (requeue=true) or drops it.
	Nack(ctx context.Context, d *Delivery, requeue bool) error

	// RequeueExpired moves in-flight deliveries whose visibility
	// timeout has lapsed back onto the queue. Returns the number of
	// envelopes recovered.
	RequeueExpired(ctx context.Context) (int, error)
}
