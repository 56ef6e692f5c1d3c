package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// LogSink writes each event as one structured zerolog line.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "audit-log").Logger()}
}

// Emit implements Sink.
func (s *LogSink) Emit(_ context.Context, e *Event) error {
	ev := s.logger.Info().
		Str("event_id", e.ID.String()).
		Str("event_type", string(e.Type)).
		Str("patient_id", e.PatientID).
		Str("requesting_tenant_id", e.RequestingTenantID).
		Str("origin_tenant_id", e.OriginTenantID).
		Str("actor_kind", e.ActorKind).
		Str("actor_id", e.ActorID).
		Time("recorded", e.Recorded)
	if e.GrantID != uuid.Nil {
		ev = ev.Str("grant_id", e.GrantID.String())
	}
	if e.Detail != "" {
		ev = ev.Str("detail", e.Detail)
	}
	if e.Digest != "" {
		ev = ev.Str("digest", e.Digest)
	}
	ev.Msg("audit")
	return nil
}
