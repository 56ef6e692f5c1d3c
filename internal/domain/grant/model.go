package grant

import (
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of an access grant.
type Status string

const (
	StatusPending  Status = "pending"
	StatusActive   Status = "active"
	StatusRejected Status = "rejected"
	StatusRevoked  Status = "revoked"
	StatusExpired  Status = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusRejected, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Duration bounds for a grant, in minutes, inclusive.
const (
	MinDurationMinutes = 15
	MaxDurationMinutes = 1440
)

// AccessGrant is a patient's time-boxed permission for one hospital tenant to
// read data that originated at another. Grants are never deleted.
type AccessGrant struct {
	ID                 uuid.UUID  `json:"id"`
	PatientID          string     `json:"patient_id"`
	RequestingTenantID string     `json:"requesting_tenant_id"`
	OriginTenantID     string     `json:"origin_tenant_id"`
	AccessType         string     `json:"access_type"`
	DurationMinutes    int        `json:"duration_minutes"`
	Status             Status     `json:"status"`
	Purpose            string     `json:"purpose,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	ApprovedAt         *time.Time `json:"approved_at,omitempty"`
	ExpiresAt          *time.Time `json:"expires_at,omitempty"`
	RevokedAt          *time.Time `json:"revoked_at,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// Duration returns the requested grant length.
func (g *AccessGrant) Duration() time.Duration {
	return time.Duration(g.DurationMinutes) * time.Minute
}

// ActiveAt reports whether g confers access at t, allowing skew past the
// expiry instant.
func (g *AccessGrant) ActiveAt(t time.Time, skew time.Duration) bool {
	return g.Status == StatusActive && g.ExpiresAt != nil && t.Before(g.ExpiresAt.Add(skew))
}

// RequestInput is what a requesting tenant submits.
type RequestInput struct {
	PatientID          string
	RequestingTenantID string
	OriginTenantID     string
	AccessType         string
	DurationMinutes    int
	Purpose            string
}

// Action is a caller- or system-initiated transition.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionRevoke  Action = "revoke"
	ActionExpire  Action = "expire"
)

// transitions lists, per action, the states it may start from and the state
// it leads to.
var transitions = map[Action]struct {
	from []Status
	to   Status
}{
	ActionApprove: {from: []Status{StatusPending}, to: StatusActive},
	ActionReject:  {from: []Status{StatusPending}, to: StatusRejected},
	ActionRevoke:  {from: []Status{StatusPending, StatusActive}, to: StatusRevoked},
	ActionExpire:  {from: []Status{StatusActive}, to: StatusExpired},
}

// Allowed reports whether action may be applied to a grant in state s.
func (a Action) Allowed(s Status) bool {
	for _, from := range transitions[a].from {
		if from == s {
			return true
		}
	}
	return false
}

// Transition is a conditional status change applied atomically by a Store:
// it takes effect only while the row's status is one of From and, when
// ExpiredBy is set, its expires_at is at or before ExpiredBy.
type Transition struct {
	From       []Status
	To         Status
	At         time.Time
	ApprovedAt *time.Time
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	ExpiredBy  *time.Time
}

// ActiveQuery selects grants conferring access at ValidAt.
type ActiveQuery struct {
	RequestingTenantID string
	PatientID          string
	// OriginTenantID is optional; empty matches any origin.
	OriginTenantID string
	// ValidAt: a grant matches when its expires_at is after this instant.
	ValidAt time.Time
}
