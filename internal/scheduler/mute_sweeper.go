package scheduler

import (
	"context"
	"time"

	"convoops_backend/platform/logger"
)

const defaultMuteSweepInterval = 5 * time.Minute

// MuteExpirer is the slice of the gating service the sweeper needs.
type MuteExpirer interface {
	SweepExpiredMutes(ctx context.Context) (int64, error)
}

// MuteSweeper periodically clears lapsed mute windows. Reads already apply
// expiry lazily; the sweep only keeps the table tidy.
type MuteSweeper struct {
	gating   MuteExpirer
	log      *logger.Logger
	interval time.Duration
}

func NewMuteSweeper(gating MuteExpirer, log *logger.Logger, interval time.Duration) *MuteSweeper {
	if interval <= 0 {
		interval = defaultMuteSweepInterval
	}

	return &MuteSweeper{
		gating:   gating,
		log:      log,
		interval: interval,
	}
}

func (s *MuteSweeper) Run(ctx context.Context) {
	if s == nil || s.gating == nil {
		return
	}

	s.sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *MuteSweeper) sweep(ctx context.Context) {
	cleared, err := s.gating.SweepExpiredMutes(ctx)
	if err != nil {
		s.log.Warn("mute sweep failed", "error", err)
		return
	}

	if cleared > 0 {
		s.log.Info("mute sweep cleared lapsed windows", "cleared", cleared)
	}
}
