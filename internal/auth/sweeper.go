package auth

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"gasplant.org/internal/obs"
)

const DefaultSweepSchedule = "@every 10m"

// TokenExpirer marks persisted tokens past their expiry as expired.
type TokenExpirer interface {
	ExpireTokens(ctx context.Context, before time.Time) (int64, error)
}

// Sweeper periodically flags persisted access tokens whose lifetime ended,
// so the token table reflects what the codec would already refuse.
type Sweeper struct {
	store   TokenExpirer
	cron    *cron.Cron
	now     func() time.Time
	timeout time.Duration
}

// NewSweeper schedules Sweep on the given cron spec.
func NewSweeper(store TokenExpirer, schedule string, now func() time.Time) (*Sweeper, error) {
	if store == nil {
		return nil, errors.New("auth: sweeper store is required")
	}
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if now == nil {
		now = time.Now
	}
	s := &Sweeper{store: store, cron: cron.New(), now: now, timeout: time.Minute}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Sweep expires tokens now and returns how many rows changed.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	return s.store.ExpireTokens(ctx, s.now().UTC())
}

func (s *Sweeper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	n, err := s.Sweep(ctx)
	if err != nil {
		obs.Logger().WithError(err).Error("token sweep failed")
		return
	}
	if n > 0 {
		obs.Logger().WithField("expired", n).Info("token sweep completed")
	}
}

func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts scheduling and waits for a running sweep or ctx, whichever
// ends first.
func (s *Sweeper) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}
