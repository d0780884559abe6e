package connector

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultLeaseDuration is the TTL written by LeaseNextForState when a store is
// not configured otherwise.
const DefaultLeaseDuration = 60 * time.Second

// StatefulEntity is any long-running process instance the stores and managers
// can drive. Concrete types embed Entity.
type StatefulEntity interface {
	Stateful() *Entity
}

// Entity carries the fields every persisted process instance shares.
type Entity struct {
	ID             string    `json:"id" yaml:"id"`
	State          int       `json:"state" yaml:"state"`
	StateCount     int       `json:"stateCount" yaml:"state_count"`
	StateTimestamp time.Time `json:"stateTimestamp" yaml:"state_timestamp"`
	CreatedAt      time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt      time.Time `json:"updatedAt" yaml:"updated_at"`
	ErrorDetail    string    `json:"errorDetail,omitempty" yaml:"error_detail,omitempty"`
	Lease          *Lease    `json:"lease,omitempty" yaml:"lease,omitempty"`
}

// NewEntity returns a base entity in the given initial state, unleased and
// with a zero state counter. An empty id is replaced by a random UUID.
func NewEntity(id string, state int, now time.Time) Entity {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	now = now.UTC()
	return Entity{
		ID:             id,
		State:          state,
		StateTimestamp: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Stateful exposes the embedded base to generic code.
func (e *Entity) Stateful() *Entity { return e }

// TransitionTo moves the entity to state. Re-entering the current state bumps
// the counter, a new state starts it at one.
func (e *Entity) TransitionTo(state int, now time.Time) {
	if e == nil {
		return
	}
	if e.State == state {
		e.StateCount++
	} else {
		e.StateCount = 1
	}
	e.State = state
	e.StateTimestamp = now.UTC()
}

// Retry keeps the current state and records one more attempt.
func (e *Entity) Retry(now time.Time, cause error) {
	if e == nil {
		return
	}
	e.TransitionTo(e.State, now)
	if cause != nil {
		e.ErrorDetail = cause.Error()
	}
}

// Fail records cause and moves the entity to the given terminal state.
func (e *Entity) Fail(state int, now time.Time, cause error) {
	if e == nil {
		return
	}
	e.TransitionTo(state, now)
	if cause != nil {
		e.ErrorDetail = cause.Error()
	}
}

// IsLeasedByOther reports whether a valid lease held by someone other than
// owner is present.
func (e *Entity) IsLeasedByOther(owner string, now time.Time) bool {
	if e == nil || e.Lease == nil {
		return false
	}
	return !e.Lease.ClaimableBy(owner, now)
}

// Lease is a time boxed claim of exclusive processing rights over one entity.
type Lease struct {
	LeasedBy      string        `json:"leasedBy" yaml:"leased_by"`
	LeasedAt      time.Time     `json:"leasedAt" yaml:"leased_at"`
	LeaseDuration time.Duration `json:"leaseDuration" yaml:"lease_duration"`
}

// NewLease builds a lease for owner starting at now. Non positive durations
// fall back to DefaultLeaseDuration.
func NewLease(owner string, now time.Time, duration time.Duration) *Lease {
	if duration <= 0 {
		duration = DefaultLeaseDuration
	}
	return &Lease{
		LeasedBy:      strings.TrimSpace(owner),
		LeasedAt:      now.UTC(),
		LeaseDuration: duration,
	}
}

// ExpiresAt is the first instant at which the lease is no longer valid.
func (l *Lease) ExpiresAt() time.Time {
	if l == nil {
		return time.Time{}
	}
	return l.LeasedAt.Add(l.LeaseDuration)
}

// IsValid reports now < leasedAt + leaseDuration.
func (l *Lease) IsValid(now time.Time) bool {
	if l == nil {
		return false
	}
	return now.Before(l.ExpiresAt())
}

// ClaimableBy reports whether owner may claim or overwrite the leased row.
func (l *Lease) ClaimableBy(owner string, now time.Time) bool {
	if l == nil || !l.IsValid(now) {
		return true
	}
	return l.LeasedBy == strings.TrimSpace(owner)
}

func (l *Lease) clone() *Lease {
	if l == nil {
		return nil
	}
	cp := *l
	return &cp
}

// CloneLease returns a detached copy of l.
func CloneLease(l *Lease) *Lease {
	return l.clone()
}
