// Package sweeper runs the periodic expiry pass over active access grants.
package sweeper

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultInterval is used when no interval is configured.
const DefaultInterval = 2 * time.Minute

// Expirer expires every active grant whose expiry has passed and reports how
// many it transitioned. Implemented by *grant.Engine.
type Expirer interface {
	ExpireDue(ctx context.Context) (int, error)
}

// Stats summarises the passes a Sweeper has run.
type Stats struct {
	Passes   int64
	Expired  int64
	Failures int64
	LastRun  time.Time
}

// Sweeper calls ExpireDue on a fixed interval. Several sweepers, or a sweeper
// and a manual pass, may run at once: each expiry is a conditional update, so
// a grant is expired exactly once.
type Sweeper struct {
	expirer  Expirer
	interval time.Duration
	logger   zerolog.Logger
	nowFn    func() time.Time

	passes   atomic.Int64
	expired  atomic.Int64
	failures atomic.Int64
	lastRun  atomic.Int64
}

// New creates a Sweeper. A non-positive interval selects DefaultInterval.
func New(expirer Expirer, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		expirer:  expirer,
		interval: interval,
		logger:   logger.With().Str("component", "expiration-sweeper").Logger(),
		nowFn:    time.Now,
	}
}

// Interval returns the configured sweep interval.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run sweeps once immediately and then on every tick until ctx is done.
// A failed pass is logged and the next tick tries again.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Msg("expiration sweeper started")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		_, _ = s.SweepOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiration sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single expiry pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	start := s.nowFn()
	n, err := s.expirer.ExpireDue(ctx)

	s.passes.Add(1)
	s.expired.Add(int64(n))
	s.lastRun.Store(start.UnixNano())

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return n, err
		}
		s.failures.Add(1)
		s.logger.Error().Err(err).Int("expired", n).Msg("expiry pass failed")
		return n, err
	}
	if n > 0 {
		s.logger.Info().Int("expired", n).Dur("took", s.nowFn().Sub(start)).Msg("expired grants")
	} else {
		s.logger.Debug().Msg("no grants due for expiry")
	}
	return n, nil
}

// Stats returns counters for the passes run so far.
func (s *Sweeper) Stats() Stats {
	st := Stats{
		Passes:   s.passes.Load(),
		Expired:  s.expired.Load(),
		Failures: s.failures.Load(),
	}
	if ns := s.lastRun.Load(); ns != 0 {
		st.LastRun = time.Unix(0, ns).UTC()
	}
	return st
}
