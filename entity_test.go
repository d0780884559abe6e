package connector

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewEntity(t *testing.T) {
	e := NewEntity("  ", 50, t0.In(time.FixedZone("x", 3600)))
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, 50, e.State)
	assert.Zero(t, e.StateCount)
	assert.Nil(t, e.Lease)
	assert.Equal(t, time.UTC, e.CreatedAt.Location())

	assert.Equal(t, "cn-1", NewEntity(" cn-1 ", 50, t0).ID)
}

func TestTransitionCounting(t *testing.T) {
	e := NewEntity("e", 50, t0)

	e.TransitionTo(100, t0.Add(time.Second))
	assert.Equal(t, 1, e.StateCount)

	e.Retry(t0.Add(2*time.Second), errors.New("no route"))
	assert.Equal(t, 100, e.State)
	assert.Equal(t, 2, e.StateCount)
	assert.Equal(t, "no route", e.ErrorDetail)
	assert.Equal(t, t0.Add(2*time.Second), e.StateTimestamp)

	e.Fail(1400, t0.Add(3*time.Second), errors.New("rejected"))
	assert.Equal(t, 1400, e.State)
	assert.Equal(t, 1, e.StateCount)
	assert.Equal(t, "rejected", e.ErrorDetail)

	var nilEntity *Entity
	assert.NotPanics(t, func() { nilEntity.TransitionTo(1, t0) })
}

func TestLease(t *testing.T) {
	l := NewLease(" node-a ", t0, 0)
	assert.Equal(t, "node-a", l.LeasedBy)
	assert.Equal(t, DefaultLeaseDuration, l.LeaseDuration)
	assert.Equal(t, t0.Add(DefaultLeaseDuration), l.ExpiresAt())

	assert.True(t, l.IsValid(t0.Add(DefaultLeaseDuration-time.Nanosecond)))
	assert.False(t, l.IsValid(t0.Add(DefaultLeaseDuration)))

	assert.True(t, l.ClaimableBy("node-a", t0))
	assert.False(t, l.ClaimableBy("node-b", t0))
	assert.True(t, l.ClaimableBy("node-b", t0.Add(DefaultLeaseDuration)))

	e := NewEntity("e", 50, t0)
	e.Lease = l
	assert.True(t, e.IsLeasedByOther("node-b", t0))
	assert.False(t, e.IsLeasedByOther("node-a", t0))

	cp := CloneLease(l)
	require.NotNil(t, cp)
	cp.LeasedBy = "changed"
	assert.Equal(t, "node-a", l.LeasedBy)
	assert.Nil(t, CloneLease(nil))
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(t0)
	c.Advance(time.Minute)
	assert.Equal(t, t0.Add(time.Minute), c.Now())
	c.Set(t0)
	assert.Equal(t, t0, c.Now())

	assert.IsType(t, SystemClock{}, NormalizeClock(nil))
	assert.Equal(t, t0, ClockFunc(func() time.Time { return t0 }).Now())
}
