package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

// rabbitMQEmitter publishes events to a single durable topic exchange,
// using the product id as the routing key so that every event for one
// product lands on the same queue binding and therefore preserves
// per-product commit order even though RabbitMQ itself has no
// notion of a Kafka-style partition. Reconnect handling mirrors the
// notify-close/publisher-confirms pattern this codebase's connection
// pooling elsewhere already follows.
type rabbitMQEmitter struct {
	mu            sync.RWMutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	url           string
	exchange      string
	reconnectDelay time.Duration
	maxReconnect  time.Duration
	notifyClose   chan *amqp.Error
	notifyConfirm chan amqp.Confirmation
	closed        chan struct{}
}

// NewRabbitMQEmitter dials url, declares the durable topic exchange
// named exchange, and starts a background reconnect watcher.
func NewRabbitMQEmitter(url, exchange string, reconnectDelay, maxReconnect time.Duration) (Emitter, error) {
	e := &rabbitMQEmitter{
		url:            url,
		exchange:       exchange,
		reconnectDelay: reconnectDelay,
		maxReconnect:   maxReconnect,
		closed:         make(chan struct{}),
	}
	if err := e.connect(); err != nil {
		return nil, fmt.Errorf("connect event emitter: %w", err)
	}
	go e.reconnectLoop()
	return e, nil
}

func (e *rabbitMQEmitter) connect() error {
	conn, err := amqp.Dial(e.url)
	if err != nil {
		return err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}

	if err := ch.ExchangeDeclare(e.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}

	e.mu.Lock()
	e.conn = conn
	e.channel = ch
	e.notifyClose = make(chan *amqp.Error, 1)
	e.notifyConfirm = make(chan amqp.Confirmation, 1000)
	conn.NotifyClose(e.notifyClose)
	ch.NotifyPublish(e.notifyConfirm)
	e.mu.Unlock()

	go e.drainConfirmations()
	return nil
}

func (e *rabbitMQEmitter) drainConfirmations() {
	for conf := range e.notifyConfirm {
		if !conf.Ack {
			log.Error().Uint64("delivery_tag", conf.DeliveryTag).Msg("event publish not confirmed by broker")
		}
	}
}

func (e *rabbitMQEmitter) reconnectLoop() {
	for {
		e.mu.RLock()
		closeCh := e.notifyClose
		e.mu.RUnlock()

		select {
		case <-e.closed:
			return
		case err, ok := <-closeCh:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("event emitter connection closed, reconnecting")
			e.reconnectWithBackoff()
		}
	}
}

func (e *rabbitMQEmitter) reconnectWithBackoff() {
	delay := e.reconnectDelay
	for {
		select {
		case <-e.closed:
			return
		case <-time.After(delay):
		}

		if err := e.connect(); err != nil {
			log.Error().Err(err).Dur("next_retry_in", delay).Msg("event emitter reconnect failed")
			delay *= 2
			if delay > e.maxReconnect {
				delay = e.maxReconnect
			}
			continue
		}
		log.Info().Msg("event emitter reconnected")
		return
	}
}

func (e *rabbitMQEmitter) Emit(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	e.mu.RLock()
	ch := e.channel
	e.mu.RUnlock()
	if ch == nil {
		return fmt.Errorf("event emitter: no active channel")
	}

	routingKey := ev.ProductID
	return ch.PublishWithContext(ctx, e.exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Timestamp:    ev.OccurredAt,
		Headers: amqp.Table{
			"trace_id":       ev.TraceID,
			"schema_version": ev.SchemaVersion,
			"topic":          string(ev.Topic),
		},
		Body: body,
	})
}

func (e *rabbitMQEmitter) Close() error {
	close(e.closed)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.channel != nil {
		e.channel.Close()
	}
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}
