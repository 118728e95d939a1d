// Package worker runs per-reservation expiry timers on asynq.  Each hold gets
// one delayed task that fires when its lease ends and calls
// reservation.Manager.Expire.  The periodic sweep remains the safety net
// when a task is lost or Redis is unavailable.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/iliyamo/slot-reservation/internal/model"
	"github.com/iliyamo/slot-reservation/internal/reservation"
)

// TypeReservationExpire is the asynq task type for expiry timers.
const TypeReservationExpire = "reservation:expire"

// QueueName is the asynq queue the timers run on.
const QueueName = "expiry"

// ExpiryPayload is the JSON body of an expiry task.
type ExpiryPayload struct {
	ReservationID string    `json:"reservation_id"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// NewExpiryTask builds the delayed task for res.  The task id is derived
// from the reservation id so scheduling twice is a no-op.
func NewExpiryTask(res model.Reservation) (*asynq.Task, []asynq.Option, error) {
	b, err := json.Marshal(ExpiryPayload{ReservationID: res.ID, ExpiresAt: res.ExpiresAt})
	if err != nil {
		return nil, nil, err
	}
	task := asynq.NewTask(TypeReservationExpire, b)
	opts := []asynq.Option{
		asynq.ProcessAt(res.ExpiresAt),
		asynq.TaskID("expire:" + res.ID),
		asynq.Queue(QueueName),
		asynq.MaxRetry(5),
		asynq.Retention(time.Hour),
	}
	return task, opts, nil
}

// Scheduler enqueues expiry tasks.  It implements
// reservation.ExpiryScheduler.
type Scheduler struct {
	client *asynq.Client
}

// NewScheduler wraps an asynq client.
func NewScheduler(client *asynq.Client) *Scheduler { return &Scheduler{client: client} }

// ScheduleExpiry enqueues the expiry timer for res.
func (s *Scheduler) ScheduleExpiry(ctx context.Context, res model.Reservation) error {
	task, opts, err := NewExpiryTask(res)
	if err != nil {
		return err
	}
	if _, err := s.client.EnqueueContext(ctx, task, opts...); err != nil && !errors.Is(err, asynq.ErrTaskIDConflict) {
		return fmt.Errorf("enqueue expiry for %s: %w", res.ID, err)
	}
	return nil
}

// Expirer is the slice of reservation.Manager the handler needs.
type Expirer interface {
	Expire(ctx context.Context, reservationID string) error
}

// HandleExpiry returns the task handler.  A reservation that already ended
// (confirmed, released or swept) is not an error.  A lease that is still
// live, which happens when clocks drift between nodes, is retried.
func HandleExpiry(e Expirer, log *zap.Logger) asynq.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(ctx context.Context, task *asynq.Task) error {
		var p ExpiryPayload
		if err := json.Unmarshal(task.Payload(), &p); err != nil || p.ReservationID == "" {
			log.Error("expiry task: invalid payload", zap.ByteString("payload", task.Payload()), zap.Error(err))
			return fmt.Errorf("invalid expiry payload: %w", asynq.SkipRetry)
		}
		err := e.Expire(ctx, p.ReservationID)
		switch {
		case err == nil:
			log.Debug("expiry task: hold expired", zap.String("reservation_id", p.ReservationID))
			return nil
		case errors.Is(err, reservation.ErrReservationNotFound):
			return nil
		case errors.Is(err, reservation.ErrReservationActive):
			log.Debug("expiry task: lease still active, retrying", zap.String("reservation_id", p.ReservationID))
			return err
		default:
			log.Warn("expiry task failed", zap.String("reservation_id", p.ReservationID), zap.Error(err))
			return err
		}
	}
}

// NewServer builds the asynq server and mux processing expiry tasks.
func NewServer(redisOpt asynq.RedisConnOpt, e Expirer, log *zap.Logger) (*asynq.Server, *asynq.ServeMux) {
	if log == nil {
		log = zap.NewNop()
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 10,
		Queues:      map[string]int{QueueName: 1},
		Logger:      log.Named("asynq").Sugar(),
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			return time.Duration(n+1) * time.Second
		},
	})
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeReservationExpire, HandleExpiry(e, log))
	return srv, mux
}
