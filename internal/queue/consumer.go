package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Consumer listens to the reservation lifecycle queues and appends one line
// per event to a booking log file.
type Consumer struct {
	url     string
	logPath string
	log     *zap.Logger

	mu sync.Mutex // serialises file appends
}

// NewConsumer returns a consumer writing to logPath (default
// logs/booking.log).
func NewConsumer(url, logPath string, log *zap.Logger) *Consumer {
	if logPath == "" {
		logPath = filepath.Join("logs", "booking.log")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{url: url, logPath: logPath, log: log}
}

// Run connects to RabbitMQ, declares both queues (durable) and consumes them
// until ctx is cancelled.  Broken connections are re-dialed with exponential
// backoff; malformed messages are rejected without requeue so the consumer
// never spins on them.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("booking-consumer: failed to dial broker", zap.Error(err), zap.Duration("retry_in", backoff))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second // reset after successful connect

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("booking-consumer: consume loop ended, reconnecting", zap.Error(err))
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(50, 0, false); err != nil {
		c.log.Warn("booking-consumer: set QoS failed", zap.Error(err))
	}

	type source struct {
		queue string
		msgs  <-chan amqp.Delivery
	}
	var sources []source
	for _, name := range []string{AppointmentConfirmedQueue, ReservationReleasedQueue} {
		if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
			return fmt.Errorf("queue declare %s: %w", name, err)
		}
		msgs, err := ch.Consume(name, "", false, false, false, false, nil)
		if err != nil {
			return fmt.Errorf("queue consume %s: %w", name, err)
		}
		sources = append(sources, source{queue: name, msgs: msgs})
	}

	confirmed, released := sources[0].msgs, sources[1].msgs
	for {
		var (
			d     amqp.Delivery
			ok    bool
			queue string
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok = <-confirmed:
			queue = AppointmentConfirmedQueue
		case d, ok = <-released:
			queue = ReservationReleasedQueue
		}
		if !ok {
			return errors.New("deliveries channel closed")
		}
		if err := c.handleMessage(queue, d.Body); err != nil {
			c.log.Error("booking-consumer: handle message failed", zap.String("queue", queue), zap.Error(err))
			_ = d.Nack(false, false) // reject, do not requeue to avoid tight loops
			continue
		}
		_ = d.Ack(false)
	}
}

// handleMessage decodes one event and appends it to the booking log.
func (c *Consumer) handleMessage(queue string, body []byte) error {
	line, err := formatLine(queue, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(c.logPath), 0o755); err != nil {
		return fmt.Errorf("mkdir logs: %w", err)
	}
	f, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("write log: %w", err)
	}
	return nil
}

func formatLine(queue string, body []byte) (string, error) {
	switch queue {
	case AppointmentConfirmedQueue:
		var ev AppointmentConfirmedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return "", fmt.Errorf("unmarshal: %w", err)
		}
		if ev.ReservationID == "" {
			return "", errors.New("event without reservation_id")
		}
		return fmt.Sprintf("[%s] Appointment confirmed | reservation_id=%s | ref=%s | session=%s | tenant=%s | service=%s | slot=%s %s | duration=%dm | client=%q\n",
			ev.ConfirmedAt, ev.ReservationID, ev.AppointmentRef, ev.SessionID, ev.TenantID, ev.ServiceID,
			ev.Date, ev.Time, ev.DurationMinutes, ev.ClientName), nil
	case ReservationReleasedQueue:
		var ev ReservationReleasedEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return "", fmt.Errorf("unmarshal: %w", err)
		}
		if ev.ReservationID == "" {
			return "", errors.New("event without reservation_id")
		}
		return fmt.Sprintf("[%s] Reservation %s | reservation_id=%s | session=%s | tenant=%s | service=%s | slot=%s %s | held_since=%s\n",
			ev.EndedAt, ev.Outcome, ev.ReservationID, ev.SessionID, ev.TenantID, ev.ServiceID,
			ev.Date, ev.Time, ev.HeldSince), nil
	}
	return "", fmt.Errorf("unknown queue %q", queue)
}
