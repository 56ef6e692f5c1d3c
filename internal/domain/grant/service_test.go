package grant

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/najuna-brian/medipact-sub000/internal/platform/audit"
)

// =========== Mock Store ===========

type mockStore struct {
	mu     sync.Mutex
	grants map[uuid.UUID]*AccessGrant
}

func newMockStore() *mockStore {
	return &mockStore{grants: make(map[uuid.UUID]*AccessGrant)}
}

func copyGrant(g *AccessGrant) *AccessGrant {
	cp := *g
	return &cp
}

func (m *mockStore) Create(_ context.Context, g *AccessGrant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[g.ID] = copyGrant(g)
	return nil
}

func (m *mockStore) GetByID(_ context.Context, id uuid.UUID) (*AccessGrant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, ErrGrantNotFound
	}
	return copyGrant(g), nil
}

func (m *mockStore) Transition(_ context.Context, id uuid.UUID, t Transition) (*AccessGrant, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[id]
	if !ok {
		return nil, false, nil
	}
	match := false
	for _, s := range t.From {
		if g.Status == s {
			match = true
		}
	}
	if !match {
		return nil, false, nil
	}
	if t.ExpiredBy != nil && (g.ExpiresAt == nil || g.ExpiresAt.After(*t.ExpiredBy)) {
		return nil, false, nil
	}
	g.Status = t.To
	g.UpdatedAt = t.At
	if t.ApprovedAt != nil {
		g.ApprovedAt = t.ApprovedAt
	}
	if t.ExpiresAt != nil {
		g.ExpiresAt = t.ExpiresAt
	}
	if t.RevokedAt != nil {
		g.RevokedAt = t.RevokedAt
	}
	return copyGrant(g), true, nil
}

func (m *mockStore) filter(keep func(*AccessGrant) bool) []*AccessGrant {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AccessGrant
	for _, g := range m.grants {
		if keep(g) {
			out = append(out, copyGrant(g))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *mockStore) ListPendingForPatient(_ context.Context, patientID string) ([]*AccessGrant, error) {
	return m.filter(func(g *AccessGrant) bool { return g.PatientID == patientID && g.Status == StatusPending }), nil
}

func (m *mockStore) ListActiveForRequester(_ context.Context, tenant string, now time.Time) ([]*AccessGrant, error) {
	return m.filter(func(g *AccessGrant) bool { return g.RequestingTenantID == tenant && g.ActiveAt(now, 0) }), nil
}

func (m *mockStore) ListByPatient(_ context.Context, patientID string) ([]*AccessGrant, error) {
	return m.filter(func(g *AccessGrant) bool { return g.PatientID == patientID }), nil
}

func (m *mockStore) HasActive(_ context.Context, q ActiveQuery) (bool, error) {
	found := m.filter(func(g *AccessGrant) bool {
		return g.RequestingTenantID == q.RequestingTenantID && g.PatientID == q.PatientID &&
			(q.OriginTenantID == "" || g.OriginTenantID == q.OriginTenantID) &&
			g.ActiveAt(q.ValidAt, 0)
	})
	return len(found) > 0, nil
}

func (m *mockStore) ListDueForExpiry(_ context.Context, now time.Time, limit int) ([]*AccessGrant, error) {
	due := m.filter(func(g *AccessGrant) bool {
		return g.Status == StatusActive && g.ExpiresAt != nil && !g.ExpiresAt.After(now)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *mockStore) Ping(context.Context) error { return nil }

// =========== Helpers ===========

type recordingSink struct {
	mu     sync.Mutex
	events []*audit.Event
	err    error
}

func (s *recordingSink) Emit(_ context.Context, e *audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.err
}

func (s *recordingSink) types() []audit.Type {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Type
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	engine *Engine
	store  Store
	sink   *recordingSink
	clock  *testClock
}

func newFixture(t *testing.T, store Store, cfg Config) *fixture {
	t.Helper()
	dir := NewStaticDirectory([]string{"HOSP-A", "HOSP-B", "HOSP-C"}, []string{"PID-1", "PID-2"})
	sink := &recordingSink{}
	engine, err := NewEngine(store, dir, audit.NewEmitter(sink, zerolog.Nop()), zerolog.Nop(), cfg)
	require.NoError(t, err)
	clock := &testClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	engine.nowFn = clock.Now
	return &fixture{engine: engine, store: store, sink: sink, clock: clock}
}

func validRequest() RequestInput {
	return RequestInput{
		PatientID:          "PID-1",
		RequestingTenantID: "HOSP-B",
		OriginTenantID:     "HOSP-A",
		AccessType:         "telemedicine",
		DurationMinutes:    60,
		Purpose:            "follow-up consult",
	}
}

// =========== Engine Tests ===========

func TestEngine_Lifecycle(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, g.Status)
	assert.Nil(t, g.ExpiresAt)

	active, err := f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "HOSP-A")
	require.NoError(t, err)
	assert.False(t, active, "pending grants confer nothing")

	approved, err := f.engine.Approve(ctx, g.ID, "PID-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.NotNil(t, approved.ExpiresAt)
	assert.Equal(t, approved.ApprovedAt.Add(60*time.Minute), *approved.ExpiresAt)

	active, err = f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "HOSP-A")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "")
	require.NoError(t, err)
	assert.True(t, active, "empty origin matches any origin")

	active, err = f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "HOSP-C")
	require.NoError(t, err)
	assert.False(t, active)

	f.clock.Advance(60 * time.Minute)
	active, err = f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "HOSP-A")
	require.NoError(t, err)
	assert.False(t, active, "the query checks the clock without any expire call")

	stored, err := f.engine.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stored.Status, "status is unchanged until the sweeper runs")

	assert.Equal(t, []audit.Type{audit.TypeRequested, audit.TypeApproved}, f.sink.types())
}

func TestEngine_ClockSkew(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{ClockSkew: 2 * time.Second})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, g.ID, "PID-1")
	require.NoError(t, err)

	f.clock.Advance(60*time.Minute + time.Second)
	active, err := f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "HOSP-A")
	require.NoError(t, err)
	assert.True(t, active)

	f.clock.Advance(time.Second)
	active, err = f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "HOSP-A")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestNewEngine_RejectsLargeSkew(t *testing.T) {
	_, err := NewEngine(newMockStore(), NewStaticDirectory(nil, nil), nil, zerolog.Nop(), Config{ClockSkew: 6 * time.Second})
	assert.Error(t, err)
	_, err = NewEngine(newMockStore(), NewStaticDirectory(nil, nil), nil, zerolog.Nop(), Config{ClockSkew: -time.Second})
	assert.Error(t, err)
}

func TestEngine_RequestValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*RequestInput)
	}{
		{"duration 14", func(in *RequestInput) { in.DurationMinutes = 14 }},
		{"duration 1441", func(in *RequestInput) { in.DurationMinutes = 1441 }},
		{"same tenant", func(in *RequestInput) { in.RequestingTenantID = in.OriginTenantID }},
		{"missing patient", func(in *RequestInput) { in.PatientID = "" }},
		{"missing requester", func(in *RequestInput) { in.RequestingTenantID = " " }},
		{"missing origin", func(in *RequestInput) { in.OriginTenantID = "" }},
		{"unknown patient", func(in *RequestInput) { in.PatientID = "PID-404" }},
		{"unknown origin", func(in *RequestInput) { in.OriginTenantID = "HOSP-Z" }},
		{"unknown requester", func(in *RequestInput) { in.RequestingTenantID = "HOSP-Z" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			f := newFixture(t, store, Config{})
			in := validRequest()
			tt.modify(&in)

			_, err := f.engine.Request(context.Background(), in)
			assert.ErrorIs(t, err, ErrInvalidGrantRequest)
			assert.Empty(t, store.grants, "nothing persisted")
			assert.Empty(t, f.sink.types(), "nothing audited")
		})
	}
}

func TestEngine_RequestDurationBoundsInclusive(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	for _, d := range []int{MinDurationMinutes, MaxDurationMinutes} {
		in := validRequest()
		in.DurationMinutes = d
		_, err := f.engine.Request(context.Background(), in)
		assert.NoError(t, err, "duration %d", d)
	}
}

func TestEngine_OnlyPatientMayDecide(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, g.ID, "PID-2")
	assert.ErrorIs(t, err, ErrNotGrantOwner)
	_, err = f.engine.Reject(ctx, g.ID, "")
	assert.ErrorIs(t, err, ErrNotGrantOwner)
	_, err = f.engine.Revoke(ctx, g.ID, "HOSP-B")
	assert.ErrorIs(t, err, ErrNotGrantOwner)

	_, err = f.engine.Approve(ctx, uuid.New(), "PID-1")
	assert.ErrorIs(t, err, ErrGrantNotFound)
}

func TestEngine_InvalidTransitions(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, g.ID, "PID-1")
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, g.ID, "PID-1")
	var ite *InvalidTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, StatusActive, ite.Current)
	assert.Equal(t, ActionApprove, ite.Attempted)

	_, err = f.engine.Reject(ctx, g.ID, "PID-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	_, err = f.engine.Revoke(ctx, g.ID, "PID-1")
	require.NoError(t, err)

	for _, op := range []func(context.Context, uuid.UUID, string) (*AccessGrant, error){
		f.engine.Approve, f.engine.Reject, f.engine.Revoke,
	} {
		_, err := op(ctx, g.ID, "PID-1")
		assert.ErrorIs(t, err, ErrInvalidTransition, "revoked is terminal")
	}
}

func TestEngine_RejectNeverSetsExpiry(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	rejected, err := f.engine.Reject(ctx, g.ID, "PID-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Nil(t, rejected.ExpiresAt)
	assert.Nil(t, rejected.ApprovedAt)
}

func TestEngine_RevokePending(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	revoked, err := f.engine.Revoke(ctx, g.ID, "PID-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	require.NotNil(t, revoked.RevokedAt)
	assert.Nil(t, revoked.ExpiresAt)
}

func TestEngine_RevokeEndsAccessImmediately(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, g.ID, "PID-1")
	require.NoError(t, err)
	_, err = f.engine.Revoke(ctx, g.ID, "PID-1")
	require.NoError(t, err)

	active, err := f.engine.HasActiveAccess(ctx, "HOSP-B", "PID-1", "HOSP-A")
	require.NoError(t, err)
	assert.False(t, active)
}

func TestEngine_ExpireIdempotent(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, g.ID, "PID-1")
	require.NoError(t, err)

	ok, err := f.engine.Expire(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, ok, "not yet due")

	f.clock.Advance(61 * time.Minute)

	ok, err = f.engine.Expire(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = f.engine.Expire(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, ok, "second expire is a no-op")

	stored, err := f.engine.Get(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, stored.Status)

	assert.Equal(t, []audit.Type{audit.TypeRequested, audit.TypeApproved, audit.TypeExpired}, f.sink.types())
}

func TestEngine_ExpireNonActiveIsNoop(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)

	ok, err := f.engine.Expire(ctx, g.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = f.engine.Expire(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEngine_ExpireDue(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{ExpireBatchSize: 2})
	ctx := context.Background()

	var ids []uuid.UUID
	for i, d := range []int{15, 30, 45, 600} {
		in := validRequest()
		in.DurationMinutes = d
		if i%2 == 1 {
			in.PatientID = "PID-2"
		}
		g, err := f.engine.Request(ctx, in)
		require.NoError(t, err)
		_, err = f.engine.Approve(ctx, g.ID, in.PatientID)
		require.NoError(t, err)
		ids = append(ids, g.ID)
	}

	f.clock.Advance(50 * time.Minute)
	n, err := f.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = f.engine.ExpireDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	last, err := f.engine.Get(ctx, ids[3])
	require.NoError(t, err)
	assert.Equal(t, StatusActive, last.Status)
}

func TestEngine_AuditFailureDoesNotBlock(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	f.sink.err = errors.New("notary unreachable")
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	approved, err := f.engine.Approve(ctx, g.ID, "PID-1")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, approved.Status)
}

func TestEngine_Listings(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	first, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	f.clock.Advance(time.Second)
	second, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, second.ID, "PID-1")
	require.NoError(t, err)

	pending, err := f.engine.ListPendingForPatient(ctx, "PID-1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.ID, pending[0].ID)

	active, err := f.engine.ListActiveForRequester(ctx, "HOSP-B")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)

	all, err := f.engine.ListForPatient(ctx, "PID-1")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// barrierStore holds the first n GetByID calls until all n have arrived, so
// competing decisions observe the same status before either writes.
type barrierStore struct {
	*mockStore
	mu      sync.Mutex
	waiting int
	release chan struct{}
}

func newBarrierStore(n int) *barrierStore {
	return &barrierStore{mockStore: newMockStore(), waiting: n, release: make(chan struct{})}
}

func (b *barrierStore) GetByID(ctx context.Context, id uuid.UUID) (*AccessGrant, error) {
	g, err := b.mockStore.GetByID(ctx, id)
	b.mu.Lock()
	if b.waiting > 0 {
		b.waiting--
		if b.waiting == 0 {
			close(b.release)
		}
		b.mu.Unlock()
		<-b.release
		return g, err
	}
	b.mu.Unlock()
	return g, err
}

func TestEngine_ConcurrentDecisionsOneWinner(t *testing.T) {
	type op func(context.Context, uuid.UUID, string) (*AccessGrant, error)

	pairs := map[string]func(e *Engine) [2]op{
		"approve vs revoke":  func(e *Engine) [2]op { return [2]op{e.Approve, e.Revoke} },
		"approve vs reject":  func(e *Engine) [2]op { return [2]op{e.Approve, e.Reject} },
		"approve vs approve": func(e *Engine) [2]op { return [2]op{e.Approve, e.Approve} },
	}

	for name, pair := range pairs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := newBarrierStore(0)
			f := newFixture(t, store, Config{})

			g, err := f.engine.Request(ctx, validRequest())
			require.NoError(t, err)

			store.waiting = 2
			results := make(chan error, 2)
			for _, o := range pair(f.engine) {
				go func(o op) {
					_, err := o(ctx, g.ID, "PID-1")
					results <- err
				}(o)
			}

			var wins, losses int
			for j := 0; j < 2; j++ {
				err := <-results
				switch {
				case err == nil:
					wins++
				case errors.Is(err, ErrInvalidTransition):
					losses++
				default:
					t.Fatalf("unexpected error: %v", err)
				}
			}
			assert.Equal(t, 1, wins)
			assert.Equal(t, 1, losses)
			assert.Len(t, f.sink.types(), 2, "one requested event and one decision event")
		})
	}
}

func TestEngine_SequentialApproveThenRevoke(t *testing.T) {
	f := newFixture(t, newMockStore(), Config{})
	ctx := context.Background()

	g, err := f.engine.Request(ctx, validRequest())
	require.NoError(t, err)
	_, err = f.engine.Approve(ctx, g.ID, "PID-1")
	require.NoError(t, err)
	revoked, err := f.engine.Revoke(ctx, g.ID, "PID-1")
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, revoked.Status)
	assert.NotNil(t, revoked.ExpiresAt, "expires_at stays as set at approval")
}
