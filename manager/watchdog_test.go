package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/cron"
	"github.com/goliatone/go-connector/manager"
)

func (f *fixture) seedCount(t *testing.T, id string, state, count int) {
	t.Helper()
	j := &job{Entity: connector.NewEntity(id, state, f.clock.Now())}
	j.StateCount = count
	j.ErrorDetail = "counter-party down"
	require.NoError(t, f.store.Save(context.Background(), j))
}

func TestWatchdogReportsStuckEntities(t *testing.T) {
	f := newFixture(t)
	f.seedCount(t, "stuck", stateQueued, 5)
	f.seedCount(t, "stuck-running", stateRunning, 9)
	f.seedCount(t, "fresh", stateQueued, 1)
	f.seedCount(t, "finished", stateFailed, 12)

	var reported []string
	w, err := manager.NewWatchdog[*job]("jobs-watchdog", f.store, f.machine, 3, func(_ context.Context, stuck []*job) error {
		for _, j := range stuck {
			reported = append(reported, j.ID)
		}
		return nil
	}, nil)
	require.NoError(t, err)

	stuck, err := w.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, stuck, 2)
	assert.Equal(t, []string{"stuck-running", "stuck"}, reported)
}

func TestWatchdogNothingStuck(t *testing.T) {
	f := newFixture(t)
	f.seedCount(t, "fresh", stateQueued, 1)

	called := false
	w, err := manager.NewWatchdog[*job]("jobs-watchdog", f.store, f.machine, 3, func(context.Context, []*job) error {
		called = true
		return nil
	}, nil)
	require.NoError(t, err)

	stuck, err := w.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, stuck)
	assert.False(t, called)
}

func TestWatchdogHandlerError(t *testing.T) {
	f := newFixture(t)
	f.seedCount(t, "stuck", stateQueued, 4)

	w, err := manager.NewWatchdog[*job]("jobs-watchdog", f.store, f.machine, 3, func(context.Context, []*job) error {
		return errors.New("pager unavailable")
	}, nil)
	require.NoError(t, err)

	stuck, err := w.Sweep(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pager unavailable")
	assert.Len(t, stuck, 1)
}

func TestWatchdogValidation(t *testing.T) {
	f := newFixture(t)
	_, err := manager.NewWatchdog[*job]("w", f.store, f.machine, 0, nil, nil)
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))

	_, err = manager.NewWatchdog[*job]("w", f.store, nil, 3, nil, nil)
	require.Error(t, err)
}

func TestWatchdogRunsOnSchedule(t *testing.T) {
	f := newFixture(t)
	f.seedCount(t, "stuck", stateQueued, 4)

	found := make(chan string, 4)
	w, err := manager.NewWatchdog[*job]("jobs-watchdog", f.store, f.machine, 3, func(_ context.Context, stuck []*job) error {
		for _, j := range stuck {
			select {
			case found <- j.ID:
			default:
			}
		}
		return nil
	}, nil)
	require.NoError(t, err)

	scheduler := cron.NewScheduler(cron.WithSeconds())
	scheduled, err := w.Schedule(scheduler, "@every 1s")
	require.NoError(t, err)
	assert.Equal(t, "jobs-watchdog", scheduled.Name())

	require.NoError(t, scheduler.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = scheduler.Stop(ctx)
	}()

	select {
	case id := <-found:
		assert.Equal(t, "stuck", id)
	case <-time.After(3 * time.Second):
		t.Fatal("watchdog did not run")
	}
}
