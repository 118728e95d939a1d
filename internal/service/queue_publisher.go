// Package service provides adapters that connect the booking core to
// outside systems.  AMQPPublisher publishes reservation lifecycle events to
// RabbitMQ.  Errors are logged and returned so callers can ignore failures
// without interrupting the booking flow.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/queue"
)

// AMQPPublisher keeps one connection and channel open and re-dials lazily
// when the broker dropped them.  It is safe for concurrent use.
type AMQPPublisher struct {
	url string
	log *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewAMQPPublisher returns a publisher for url.  No connection is made until
// the first publish.
func NewAMQPPublisher(url string, log *zap.Logger) *AMQPPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPPublisher{url: url, log: log}
}

// PublishAppointmentConfirmed publishes ev to the appointment.confirmed queue.
func (p *AMQPPublisher) PublishAppointmentConfirmed(ctx context.Context, ev queue.AppointmentConfirmedEvent) error {
	return p.publish(ctx, queue.AppointmentConfirmedQueue, ev)
}

// PublishReservationReleased publishes ev to the reservation.released queue.
func (p *AMQPPublisher) PublishReservationReleased(ctx context.Context, ev queue.ReservationReleasedEvent) error {
	return p.publish(ctx, queue.ReservationReleasedQueue, ev)
}

func (p *AMQPPublisher) publish(ctx context.Context, queueName string, event any) error {
	body, err := json.Marshal(event)
	if err != nil {
		p.log.Error("rabbitmq: marshal event failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel()
	if err != nil {
		p.log.Warn("rabbitmq: broker unavailable", zap.String("queue", queueName), zap.Error(err))
		return err
	}

	// Ensure the queue exists (idempotent). Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
		p.reset()
		p.log.Warn("rabbitmq: queue declare failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}

	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent, // store on disk
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	// default exchange, routing key = queue name
	if err := ch.PublishWithContext(ctx, "", queueName, false, false, pub); err != nil {
		p.reset()
		p.log.Warn("rabbitmq: publish failed", zap.String("queue", queueName), zap.Error(err))
		return err
	}
	return nil
}

// channel returns an open channel, dialing when needed.  Callers hold p.mu.
func (p *AMQPPublisher) channel() (*amqp.Channel, error) {
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	p.reset()
	if p.url == "" {
		return nil, errors.New("no broker url configured")
	}
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("channel open: %w", err)
	}
	p.conn, p.ch = conn, ch
	return ch, nil
}

func (p *AMQPPublisher) reset() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = nil, nil
}

// Close releases the broker connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reset()
	return nil
}
