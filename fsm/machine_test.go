package fsm

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
)

func orderConfig() MachineConfig {
	return MachineConfig{
		Entity: "order",
		States: []StateConfig{
			{Code: 10, Name: "draft", Initial: true},
			{Code: 20, Name: "approved"},
			{Code: 30, Name: "shipped", Terminal: true},
			{Code: 40, Name: "cancelled", Terminal: true, Abnormal: true},
		},
		Transitions: []TransitionConfig{
			{Name: "approve", From: "draft", To: "approved"},
			{Name: "ship", From: "approved", To: "shipped"},
			{Name: "cancel", From: "draft", To: "cancelled"},
			{Name: "cancel", From: "approved", To: "cancelled"},
		},
	}
}

func TestMachineConfigValidate(t *testing.T) {
	require.NoError(t, orderConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*MachineConfig)
		want   string
	}{
		{name: "missing entity", mutate: func(c *MachineConfig) { c.Entity = "" }, want: "entity required"},
		{name: "two initial", mutate: func(c *MachineConfig) { c.States[1].Initial = true }, want: "exactly one initial"},
		{name: "no abnormal", mutate: func(c *MachineConfig) { c.States[3].Abnormal = false }, want: "exactly one success"},
		{name: "duplicate code", mutate: func(c *MachineConfig) { c.States[1].Code = 10 }, want: "share code"},
		{name: "edge out of terminal", mutate: func(c *MachineConfig) {
			c.Transitions = append(c.Transitions, TransitionConfig{Name: "reopen", From: "shipped", To: "draft"})
		}, want: "cannot have outgoing"},
		{name: "unknown state", mutate: func(c *MachineConfig) {
			c.Transitions = append(c.Transitions, TransitionConfig{Name: "x", From: "draft", To: "lost"})
		}, want: "unknown to state"},
		{name: "abnormal unreachable", mutate: func(c *MachineConfig) { c.Transitions = c.Transitions[:3] }, want: "unreachable from approved"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := orderConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, strings.Contains(err.Error(), tt.want), "got %v", err)
		})
	}
}

func TestMachineTransitions(t *testing.T) {
	m, err := New(orderConfig())
	require.NoError(t, err)

	assert.Equal(t, 10, m.Initial())
	assert.Equal(t, 30, m.Success())
	assert.Equal(t, 40, m.Abnormal())
	assert.Equal(t, []int{10, 20}, m.NonTerminal())
	assert.True(t, m.CanTransition(10, 20))
	assert.True(t, m.CanTransition(20, 20))
	assert.False(t, m.CanTransition(10, 30))
	assert.False(t, m.CanTransition(30, 30))

	code, ok := m.Code("Approved")
	assert.True(t, ok)
	assert.Equal(t, 20, code)
	assert.Equal(t, "draft", m.Name(10))

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := connector.NewEntity("o-1", 10, now)
	require.NoError(t, m.Transition(&e, 20, now))
	assert.Equal(t, 20, e.State)
	assert.Equal(t, 1, e.StateCount)

	err = m.Transition(&e, 10, now)
	require.Error(t, err)
	assert.True(t, connector.IsInvalidTransition(err))
	assert.Equal(t, 20, e.State)
}

func TestMachineTerminate(t *testing.T) {
	m := MustNew(orderConfig())
	now := time.Now()
	e := connector.NewEntity("o-2", 20, now)

	require.NoError(t, m.Terminate(&e, now, errors.New("boom")))
	assert.Equal(t, 40, e.State)
	assert.Equal(t, "boom", e.ErrorDetail)

	err := m.Terminate(&e, now, nil)
	assert.True(t, connector.IsInvalidTransition(err))
}
