package reservation

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval keeps reclaim latency well under typical hold TTLs.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically reclaims expired holds so slots free up even when no
// one peeks at them.
type Sweeper struct {
	manager  *Manager
	interval time.Duration
	log      *zap.Logger
}

// NewSweeper returns a Sweeper running every interval (DefaultSweepInterval
// when interval is not positive).
func NewSweeper(m *Manager, interval time.Duration, log *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sweeper{manager: m, interval: interval, log: log}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	s.log.Info("sweeper started", zap.Duration("interval", s.interval))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return
		case <-ticker.C:
			n, err := s.manager.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", zap.Int("expired", n), zap.Error(err))
				continue
			}
			if n > 0 {
				s.log.Debug("sweep finished", zap.Int("expired", n))
			}
		}
	}
}
