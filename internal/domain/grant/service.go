package grant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/najuna-brian/medipact-sub000/internal/platform/audit"
)

// MaxClockSkew bounds Config.ClockSkew.
const MaxClockSkew = 5 * time.Second

// Config tunes the engine.
type Config struct {
	// ClockSkew lets HasActiveAccess keep answering true this long past
	// expires_at. Zero means exact.
	ClockSkew time.Duration
	// ExpireBatchSize bounds how many grants ExpireDue loads at once.
	ExpireBatchSize int
}

// Engine runs the access grant state machine.
type Engine struct {
	store  Store
	dir    Directory
	audit  *audit.Emitter
	logger zerolog.Logger
	cfg    Config
	nowFn  func() time.Time
}

// NewEngine creates an Engine. A nil emitter disables auditing.
func NewEngine(store Store, dir Directory, emitter *audit.Emitter, logger zerolog.Logger, cfg Config) (*Engine, error) {
	if cfg.ClockSkew < 0 || cfg.ClockSkew > MaxClockSkew {
		return nil, fmt.Errorf("grant engine: clock skew %s outside [0, %s]", cfg.ClockSkew, MaxClockSkew)
	}
	if cfg.ExpireBatchSize <= 0 {
		cfg.ExpireBatchSize = 500
	}
	return &Engine{
		store:  store,
		dir:    dir,
		audit:  emitter,
		logger: logger.With().Str("component", "grant-engine").Logger(),
		cfg:    cfg,
		nowFn:  time.Now,
	}, nil
}

// now truncates to microseconds so Postgres and SQLite round-trip the same
// instant.
func (e *Engine) now() time.Time {
	return e.nowFn().UTC().Truncate(time.Microsecond)
}

// Request validates in and stores a pending grant.
func (e *Engine) Request(ctx context.Context, in RequestInput) (*AccessGrant, error) {
	in.PatientID = strings.TrimSpace(in.PatientID)
	in.RequestingTenantID = strings.TrimSpace(in.RequestingTenantID)
	in.OriginTenantID = strings.TrimSpace(in.OriginTenantID)
	in.AccessType = strings.TrimSpace(in.AccessType)

	switch {
	case in.PatientID == "":
		return nil, invalidRequest("patient_id is required")
	case in.RequestingTenantID == "":
		return nil, invalidRequest("requesting_tenant_id is required")
	case in.OriginTenantID == "":
		return nil, invalidRequest("origin_tenant_id is required")
	case in.RequestingTenantID == in.OriginTenantID:
		return nil, invalidRequest("requesting and origin tenant must differ")
	case in.DurationMinutes < MinDurationMinutes || in.DurationMinutes > MaxDurationMinutes:
		return nil, invalidRequest("duration_minutes %d outside [%d, %d]", in.DurationMinutes, MinDurationMinutes, MaxDurationMinutes)
	}
	if in.AccessType == "" {
		in.AccessType = "general"
	}

	if ok, err := e.dir.PatientExists(ctx, in.PatientID); err != nil {
		return nil, err
	} else if !ok {
		return nil, invalidRequest("unknown patient %q", in.PatientID)
	}
	for _, tenant := range []string{in.OriginTenantID, in.RequestingTenantID} {
		if ok, err := e.dir.HospitalExists(ctx, tenant); err != nil {
			return nil, err
		} else if !ok {
			return nil, invalidRequest("unknown hospital %q", tenant)
		}
	}

	now := e.now()
	g := &AccessGrant{
		ID:                 uuid.New(),
		PatientID:          in.PatientID,
		RequestingTenantID: in.RequestingTenantID,
		OriginTenantID:     in.OriginTenantID,
		AccessType:         in.AccessType,
		DurationMinutes:    in.DurationMinutes,
		Status:             StatusPending,
		Purpose:            in.Purpose,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.store.Create(ctx, g); err != nil {
		return nil, err
	}

	e.emit(ctx, audit.TypeRequested, g, audit.ActorHospital, g.RequestingTenantID,
		fmt.Sprintf("access_type=%s duration_minutes=%d", g.AccessType, g.DurationMinutes))
	e.logger.Info().
		Str("grant_id", g.ID.String()).
		Str("requesting_tenant_id", g.RequestingTenantID).
		Str("origin_tenant_id", g.OriginTenantID).
		Int("duration_minutes", g.DurationMinutes).
		Msg("access grant requested")
	return g, nil
}

// Approve activates a pending grant. Only the grant's patient may approve.
func (e *Engine) Approve(ctx context.Context, grantID uuid.UUID, patientID string) (*AccessGrant, error) {
	g, err := e.owned(ctx, grantID, patientID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	expires := now.Add(g.Duration())
	return e.transition(ctx, g, ActionApprove, Transition{ApprovedAt: &now, ExpiresAt: &expires}, now)
}

// Reject closes a pending grant. Only the grant's patient may reject.
func (e *Engine) Reject(ctx context.Context, grantID uuid.UUID, patientID string) (*AccessGrant, error) {
	g, err := e.owned(ctx, grantID, patientID)
	if err != nil {
		return nil, err
	}
	return e.transition(ctx, g, ActionReject, Transition{}, e.now())
}

// Revoke withdraws a pending or active grant. Only the grant's patient may
// revoke.
func (e *Engine) Revoke(ctx context.Context, grantID uuid.UUID, patientID string) (*AccessGrant, error) {
	g, err := e.owned(ctx, grantID, patientID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	return e.transition(ctx, g, ActionRevoke, Transition{RevokedAt: &now}, now)
}

// Expire moves an active grant past its expiry to expired. It reports whether
// a transition happened; any other state is a no-op, not an error.
func (e *Engine) Expire(ctx context.Context, grantID uuid.UUID) (bool, error) {
	now := e.now()
	t := Transition{
		From:      transitions[ActionExpire].from,
		To:        transitions[ActionExpire].to,
		At:        now,
		ExpiredBy: &now,
	}
	g, applied, err := e.store.Transition(ctx, grantID, t)
	if err != nil || !applied {
		return false, err
	}
	e.emit(ctx, audit.TypeExpired, g, audit.ActorSystem, "sweeper", "")
	return true, nil
}

// ExpireDue expires every grant whose expiry has passed and returns how many
// it moved. A grant that fails is logged and skipped; failures are joined into
// the returned error.
func (e *Engine) ExpireDue(ctx context.Context) (int, error) {
	var (
		expired int
		errs    []error
	)
	for {
		due, err := e.store.ListDueForExpiry(ctx, e.now(), e.cfg.ExpireBatchSize)
		if err != nil {
			return expired, errors.Join(append(errs, err)...)
		}

		progress := 0
		for _, g := range due {
			ok, err := e.Expire(ctx, g.ID)
			if err != nil {
				e.logger.Error().Err(err).Str("grant_id", g.ID.String()).Msg("expire grant failed")
				errs = append(errs, fmt.Errorf("expire %s: %w", g.ID, err))
				continue
			}
			if ok {
				progress++
			}
		}
		expired += progress

		if len(due) < e.cfg.ExpireBatchSize || progress == 0 {
			return expired, errors.Join(errs...)
		}
	}
}

// HasActiveAccess reports whether requestingTenantID currently holds an
// active, unexpired grant for patientID's data from originTenantID. An empty
// origin matches any origin. The clock is checked on every call.
func (e *Engine) HasActiveAccess(ctx context.Context, requestingTenantID, patientID, originTenantID string) (bool, error) {
	if requestingTenantID == "" || patientID == "" {
		return false, nil
	}
	return e.store.HasActive(ctx, ActiveQuery{
		RequestingTenantID: requestingTenantID,
		PatientID:          patientID,
		OriginTenantID:     originTenantID,
		ValidAt:            e.now().Add(-e.cfg.ClockSkew),
	})
}

// Get returns a grant by id.
func (e *Engine) Get(ctx context.Context, grantID uuid.UUID) (*AccessGrant, error) {
	return e.store.GetByID(ctx, grantID)
}

// ListPendingForPatient returns the patient's grants awaiting a decision.
func (e *Engine) ListPendingForPatient(ctx context.Context, patientID string) ([]*AccessGrant, error) {
	return e.store.ListPendingForPatient(ctx, patientID)
}

// ListActiveForRequester returns grants currently usable by a tenant.
func (e *Engine) ListActiveForRequester(ctx context.Context, requestingTenantID string) ([]*AccessGrant, error) {
	return e.store.ListActiveForRequester(ctx, requestingTenantID, e.now().Add(-e.cfg.ClockSkew))
}

// ListForPatient returns every grant involving the patient, newest first.
func (e *Engine) ListForPatient(ctx context.Context, patientID string) ([]*AccessGrant, error) {
	return e.store.ListByPatient(ctx, patientID)
}

func (e *Engine) owned(ctx context.Context, grantID uuid.UUID, patientID string) (*AccessGrant, error) {
	g, err := e.store.GetByID(ctx, grantID)
	if err != nil {
		return nil, err
	}
	if patientID == "" || g.PatientID != patientID {
		return nil, ErrNotGrantOwner
	}
	return g, nil
}

// transition applies action to g as a compare-and-swap against the status
// the caller observed, so of two concurrent decisions on the same grant only
// one succeeds. The loser, or a call from a disallowed state, gets
// *InvalidTransitionError naming the state actually found.
func (e *Engine) transition(ctx context.Context, g *AccessGrant, action Action, t Transition, now time.Time) (*AccessGrant, error) {
	if !action.Allowed(g.Status) {
		return nil, &InvalidTransitionError{GrantID: g.ID, Current: g.Status, Attempted: action}
	}

	t.From = []Status{g.Status}
	t.To = transitions[action].to
	t.At = now
	updated, applied, err := e.store.Transition(ctx, g.ID, t)
	if err != nil {
		return nil, err
	}
	if !applied {
		current, err := e.store.GetByID(ctx, g.ID)
		if err != nil {
			return nil, err
		}
		return nil, &InvalidTransitionError{GrantID: g.ID, Current: current.Status, Attempted: action}
	}

	var detail string
	if updated.ExpiresAt != nil && action == ActionApprove {
		detail = "expires_at=" + updated.ExpiresAt.Format(time.RFC3339)
	}
	e.emit(ctx, eventType(action), updated, audit.ActorPatient, updated.PatientID, detail)
	e.logger.Info().
		Str("grant_id", updated.ID.String()).
		Str("action", string(action)).
		Str("status", string(updated.Status)).
		Msg("access grant transitioned")
	return updated, nil
}

func (e *Engine) emit(ctx context.Context, typ audit.Type, g *AccessGrant, actorKind, actorID, detail string) {
	e.audit.Emit(ctx, &audit.Event{
		Type:               typ,
		GrantID:            g.ID,
		PatientID:          g.PatientID,
		RequestingTenantID: g.RequestingTenantID,
		OriginTenantID:     g.OriginTenantID,
		ActorKind:          actorKind,
		ActorID:            actorID,
		Detail:             detail,
		Recorded:           g.UpdatedAt,
	})
}

func eventType(a Action) audit.Type {
	switch a {
	case ActionApprove:
		return audit.TypeApproved
	case ActionReject:
		return audit.TypeRejected
	case ActionRevoke:
		return audit.TypeRevoked
	default:
		return audit.TypeExpired
	}
}
