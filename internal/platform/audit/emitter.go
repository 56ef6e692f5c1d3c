package audit

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Emitter wraps a Sink for best-effort delivery: failures are logged and
// swallowed. A nil *Emitter discards events.
type Emitter struct {
	sink   Sink
	logger zerolog.Logger
	nowFn  func() time.Time
}

// NewEmitter creates an Emitter. A nil sink discards events.
func NewEmitter(sink Sink, logger zerolog.Logger) *Emitter {
	return &Emitter{
		sink:   sink,
		logger: logger.With().Str("component", "audit").Logger(),
		nowFn:  time.Now,
	}
}

// Emit delivers e, filling in ID and Recorded when unset.
func (em *Emitter) Emit(ctx context.Context, e *Event) {
	if em == nil || em.sink == nil || e == nil {
		return
	}
	e.fillDefaults(em.nowFn())

	// Delivery outlives a cancelled caller: the operation being audited has
	// already happened.
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}

	if err := em.sink.Emit(ctx, e); err != nil {
		em.logger.Error().Err(err).
			Str("event_type", string(e.Type)).
			Str("event_id", e.ID.String()).
			Str("grant_id", e.GrantID.String()).
			Msg("audit event not delivered")
	}
}

// Then delivers an event to primary and, only once primary has accepted it,
// to each follower. A primary failure stops delivery. Follower errors are
// joined and returned after every follower has been tried.
func Then(primary Sink, followers ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, e *Event) error {
		if err := primary.Emit(ctx, e); err != nil {
			return err
		}
		var errs []error
		for _, s := range followers {
			if err := s.Emit(ctx, e); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}
