package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// retryingEmitter decorates an Emitter so that a publish failure is
// never surfaced to the admission/reclaim/payment call path: emission
// failure is logged and retried internally, never failing the
// originating operation. Failed events are queued
// and retried with backoff by a background worker; the audit row,
// written before Emit is ever called, remains the source of truth if
// an event is ultimately dropped after exhausting retries.
type retryingEmitter struct {
	next    Emitter
	queue   chan Event
	maxTry  int
	baseBackoff time.Duration
}

// NewRetryingEmitter wraps next with a bounded retry queue of the given
// capacity.
func NewRetryingEmitter(next Emitter, queueCapacity, maxRetries int, baseBackoff time.Duration) Emitter {
	r := &retryingEmitter{
		next:        next,
		queue:       make(chan Event, queueCapacity),
		maxTry:      maxRetries,
		baseBackoff: baseBackoff,
	}
	go r.worker()
	return r
}

// Emit attempts one synchronous publish; on failure it is queued for
// background retry rather than propagating the error to the caller.
func (r *retryingEmitter) Emit(ctx context.Context, ev Event) error {
	if err := r.next.Emit(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_id", ev.EventID).Str("topic", string(ev.Topic)).
			Msg("event publish failed, queued for retry")
		select {
		case r.queue <- ev:
		default:
			log.Error().Str("event_id", ev.EventID).Msg("event retry queue full, dropping to audit-only record")
		}
	}
	return nil
}

func (r *retryingEmitter) Close() error {
	return r.next.Close()
}

func (r *retryingEmitter) worker() {
	for ev := range r.queue {
		backoff := r.baseBackoff
		for attempt := 0; attempt < r.maxTry; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := r.next.Emit(ctx, ev)
			cancel()
			if err == nil {
				break
			}
			log.Warn().Err(err).Str("event_id", ev.EventID).Int("attempt", attempt+1).
				Msg("retrying event publish")
			time.Sleep(backoff)
			backoff *= 2
		}
	}
}
