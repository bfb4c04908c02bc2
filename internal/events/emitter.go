package events

import "context"

// Emitter is the narrow capability interface the core depends on; the
// only concrete implementation talks to RabbitMQ, but the core never
// imports amqp directly.
type Emitter interface {
	// Emit publishes ev. Emission failure must never fail the calling
	// operation; callers log and rely on the emitter's own internal
	// retry.
	Emit(ctx context.Context, ev Event) error

	// Close releases the underlying transport.
	Close() error
}
