package manager_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/fsm"
	"github.com/goliatone/go-connector/manager"
	"github.com/goliatone/go-connector/runner"
	"github.com/goliatone/go-connector/store"
)

const (
	stateQueued  = 10
	stateRunning = 20
	stateDone    = 30
	stateFailed  = 40
)

var epoch = time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)

type job struct {
	connector.Entity
	Payload string `json:"payload"`
}

func jobMachine() *fsm.Machine {
	return fsm.MustNew(fsm.MachineConfig{
		Entity: "job",
		States: []fsm.StateConfig{
			{Code: stateQueued, Name: "queued", Initial: true},
			{Code: stateRunning, Name: "running"},
			{Code: stateDone, Name: "done", Terminal: true},
			{Code: stateFailed, Name: "failed", Terminal: true, Abnormal: true},
		},
		Transitions: []fsm.TransitionConfig{
			{Name: "start", From: "queued", To: "running"},
			{Name: "finish", From: "running", To: "done"},
			{Name: "fail", From: "queued", To: "failed"},
			{Name: "fail", From: "running", To: "failed"},
		},
	})
}

type fixture struct {
	clock   *connector.ManualClock
	store   *store.MemoryStore[job, *job]
	machine *fsm.Machine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := connector.NewManualClock(epoch)
	st, err := store.NewMemoryStore[job]("worker-1", store.WithClock(clock), store.WithLeaseDuration(time.Minute))
	require.NoError(t, err)
	return &fixture{clock: clock, store: st, machine: jobMachine()}
}

func (f *fixture) seed(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.store.Save(context.Background(), &job{Entity: connector.NewEntity(id, stateQueued, f.clock.Now())}))
	}
}

func (f *fixture) find(t *testing.T, id string) *job {
	t.Helper()
	found, err := f.store.Find(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, found, "job %s missing", id)
	return found
}

func (f *fixture) manager(t *testing.T, handler manager.Handler[*job], opts ...manager.Option[*job]) *manager.ProcessManager[*job] {
	t.Helper()
	base := []manager.Option[*job]{
		manager.WithOwner[*job]("worker-1"),
		manager.WithClock[*job](f.clock),
		manager.WithHandler(stateQueued, handler),
		manager.WithRetry[*job](runner.ExponentialBackoffStrategy{Base: time.Second, Factor: 2, Max: time.Minute}, 2),
	}
	m, err := manager.New[*job]("jobs", f.store, f.machine, append(base, opts...)...)
	require.NoError(t, err)
	return m
}

func (f *fixture) start() manager.Handler[*job] {
	return func(_ context.Context, j *job) error {
		return f.machine.Transition(&j.Entity, stateRunning, f.clock.Now())
	}
}

func TestNewValidatesHandlers(t *testing.T) {
	f := newFixture(t)

	_, err := manager.New[*job]("jobs", f.store, f.machine, manager.WithHandler(stateDone, f.start()))
	require.Error(t, err)
	assert.True(t, connector.IsValidation(err))

	_, err = manager.New[*job]("jobs", f.store, f.machine, manager.WithHandler(99, f.start()))
	require.Error(t, err)

	_, err = manager.New[*job]("", f.store, f.machine)
	require.Error(t, err)

	_, err = manager.New[*job]("jobs", nil, f.machine)
	require.Error(t, err)
	assert.Equal(t, connector.ErrCodeStoreUnavailable, connector.ErrorCode(err))
}

func TestRunOnceAdvances(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "b", "c")
	m := f.manager(t, f.start())

	report := m.RunOnce(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, 3, report.Claimed)
	assert.Equal(t, 3, report.Processed)
	for _, result := range report.Results {
		assert.Equal(t, manager.OutcomeAdvanced, result.Outcome)
		assert.Equal(t, stateQueued, result.FromState)
		assert.Equal(t, stateRunning, result.ToState)
	}

	got := f.find(t, "a")
	assert.Equal(t, stateRunning, got.State)
	assert.Equal(t, 1, got.StateCount)
	assert.Nil(t, got.Lease)
	assert.Empty(t, got.ErrorDetail)

	report = m.RunOnce(context.Background())
	assert.Zero(t, report.Claimed)
}

func TestRunOnceRespectsBatchSize(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a", "b", "c", "d", "e")
	m := f.manager(t, f.start(), manager.WithBatchSize[*job](2))

	report := m.RunOnce(context.Background())
	assert.Equal(t, 2, report.Claimed)
	report = m.RunOnce(context.Background())
	assert.Equal(t, 2, report.Claimed)
	report = m.RunOnce(context.Background())
	assert.Equal(t, 1, report.Claimed)
}

func TestRunOnceUnchangedReleasesLease(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	m := f.manager(t, func(context.Context, *job) error { return nil })

	report := m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeUnchanged, report.Results[0].Outcome)

	got := f.find(t, "a")
	assert.Equal(t, stateQueued, got.State)
	assert.Nil(t, got.Lease)
}

func TestRunOnceRetriesThenExhausts(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")

	var exhausted []string
	m := f.manager(t,
		func(context.Context, *job) error { return connector.Transport("counter-party down", nil) },
		manager.WithExhaustedHook(func(_ context.Context, j *job) { exhausted = append(exhausted, j.ID) }),
	)

	// A fresh job has no failures on record, so its first retry is due at once.
	report := m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	first := report.Results[0]
	assert.Equal(t, manager.OutcomeRetried, first.Outcome)
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, epoch, first.RetryAt)
	got := f.find(t, "a")
	assert.Equal(t, stateQueued, got.State)
	assert.Equal(t, 1, got.StateCount)
	assert.Contains(t, got.ErrorDetail, "counter-party down")

	report = m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	second := report.Results[0]
	assert.Equal(t, manager.OutcomeRetried, second.Outcome)
	assert.Equal(t, 1, second.Attempt)
	assert.Equal(t, epoch.Add(time.Second), second.RetryAt)
	assert.Equal(t, 2, f.find(t, "a").StateCount)

	report = m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeDeferred, report.Results[0].Outcome)
	assert.Equal(t, 2, f.find(t, "a").StateCount)

	f.clock.Advance(time.Second)
	report = m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeRetried, report.Results[0].Outcome)
	assert.Equal(t, 2, report.Results[0].Attempt)
	assert.Equal(t, 3, f.find(t, "a").StateCount)

	f.clock.Advance(2 * time.Second)
	report = m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeExhausted, report.Results[0].Outcome)
	assert.Equal(t, 3, report.Results[0].Attempt)
	assert.Equal(t, []string{"a"}, exhausted)

	f.clock.Advance(4 * time.Second)
	report = m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeExhausted, report.Results[0].Outcome)
	assert.Equal(t, []string{"a"}, exhausted, "hook fires once")

	got = f.find(t, "a")
	assert.Equal(t, stateQueued, got.State)
	assert.Equal(t, 5, got.StateCount)
}

func TestRunOnceExhaustionCanTerminate(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	m := f.manager(t,
		func(context.Context, *job) error { return connector.Transport("down", nil) },
		manager.WithRetry[*job](runner.NoDelayStrategy{}, 1),
		manager.WithExhaustionPolicy[*job](manager.ExhaustionTerminate),
	)

	assert.Equal(t, manager.OutcomeRetried, m.RunOnce(context.Background()).Results[0].Outcome)
	assert.Equal(t, manager.OutcomeRetried, m.RunOnce(context.Background()).Results[0].Outcome)
	assert.Equal(t, manager.OutcomeTerminated, m.RunOnce(context.Background()).Results[0].Outcome)
	assert.Equal(t, stateFailed, f.find(t, "a").State)
}

func TestRunOnceFirstFailureOfFreshEntity(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	require.Zero(t, f.find(t, "a").StateCount)
	m := f.manager(t, func(context.Context, *job) error { return connector.Transport("down", nil) })

	report := m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeRetried, report.Results[0].Outcome)
	assert.Equal(t, 1, report.Results[0].StateCount)

	got := f.find(t, "a")
	assert.Equal(t, stateQueued, got.State)
	assert.Equal(t, 1, got.StateCount)
	assert.Equal(t, epoch, got.StateTimestamp)
	assert.Contains(t, got.ErrorDetail, "down")
	assert.Nil(t, got.Lease)

	claimed, err := f.store.LeaseNextForState(context.Background(), stateQueued, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1, "eligible for immediate re-claim")
}

func TestRunOnceFirstFailureAfterTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	a := f.find(t, "a")
	require.NoError(t, f.machine.Transition(&a.Entity, stateRunning, epoch))
	require.NoError(t, f.store.Save(context.Background(), a))

	m := f.manager(t, nil, manager.WithHandler(stateRunning, func(context.Context, *job) error {
		return connector.Transport("down", nil)
	}))
	report := m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeRetried, report.Results[0].Outcome)
	assert.Equal(t, epoch.Add(time.Second), report.Results[0].RetryAt)
	assert.Equal(t, 2, f.find(t, "a").StateCount)
}

func TestRunOnceTerminatesOnPermanentError(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	m := f.manager(t, func(context.Context, *job) error { return errors.New("malformed payload") })

	report := m.RunOnce(context.Background())
	require.NoError(t, report.Err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeTerminated, report.Results[0].Outcome)
	assert.Equal(t, stateFailed, report.Results[0].ToState)

	got := f.find(t, "a")
	assert.Equal(t, stateFailed, got.State)
	assert.Equal(t, 1, got.StateCount)
	assert.Equal(t, "malformed payload", got.ErrorDetail)
}

func TestRunOnceTerminatesIllegalTransition(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	m := f.manager(t, func(_ context.Context, j *job) error {
		j.TransitionTo(stateDone, f.clock.Now())
		return nil
	})

	report := m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeTerminated, report.Results[0].Outcome)
	assert.Contains(t, report.Results[0].Error, "cannot move from queued to done")
	assert.Equal(t, stateFailed, f.find(t, "a").State)
}

func TestRunOnceRecoversPanics(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	m := f.manager(t, func(context.Context, *job) error { panic("boom") })

	report := m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeTerminated, report.Results[0].Outcome)
	assert.NotEmpty(t, report.Results[0].Error)
	assert.Equal(t, stateFailed, f.find(t, "a").State)
}

func TestRunOnceTimeoutIsRecoverable(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	m := f.manager(t, func(ctx context.Context, _ *job) error {
		<-ctx.Done()
		return ctx.Err()
	}, manager.WithTransitionTimeout[*job](20*time.Millisecond))

	report := m.RunOnce(context.Background())
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeRetried, report.Results[0].Outcome)
	assert.Equal(t, stateQueued, f.find(t, "a").State)
}

func TestRunOnceDropsResultWhenLeaseIsLost(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	other, err := f.store.WithOwner("worker-2")
	require.NoError(t, err)

	m := f.manager(t, func(ctx context.Context, j *job) error {
		f.clock.Advance(2 * time.Minute)
		claimed, err := other.LeaseNextForState(ctx, stateQueued, 1)
		if err != nil || len(claimed) != 1 {
			return errors.New("takeover failed")
		}
		return f.machine.Transition(&j.Entity, stateRunning, f.clock.Now())
	})

	report := m.RunOnce(context.Background())
	require.NoError(t, report.Err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, manager.OutcomeConflict, report.Results[0].Outcome)
	assert.Zero(t, report.Processed)

	got := f.find(t, "a")
	assert.Equal(t, stateQueued, got.State)
	require.NotNil(t, got.Lease)
	assert.Equal(t, "worker-2", got.Lease.LeasedBy)
}

type recordingMetrics struct {
	mu       sync.Mutex
	claimed  int
	outcomes map[manager.Outcome]int
	ticks    int
}

func (r *recordingMetrics) RecordClaimed(_ int, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.claimed += n
}

func (r *recordingMetrics) RecordOutcome(_ int, outcome manager.Outcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.outcomes == nil {
		r.outcomes = map[manager.Outcome]int{}
	}
	r.outcomes[outcome]++
}

func (r *recordingMetrics) RecordTick(time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks++
}

func TestRunOnceConcurrentBatchReportsMetrics(t *testing.T) {
	f := newFixture(t)
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h"}
	f.seed(t, ids...)

	metrics := &recordingMetrics{}
	var hookMu sync.Mutex
	seen := map[string]bool{}
	m := f.manager(t, f.start(),
		manager.WithBatchSize[*job](len(ids)),
		manager.WithConcurrency[*job](4),
		manager.WithMetrics[*job](metrics),
		manager.WithOutcomeHook[*job](func(_ context.Context, r manager.EntityResult) {
			hookMu.Lock()
			defer hookMu.Unlock()
			seen[r.EntityID] = true
		}),
	)

	report := m.RunOnce(context.Background())
	require.NoError(t, report.Err)
	assert.Equal(t, len(ids), report.Processed)
	assert.Equal(t, len(ids), metrics.claimed)
	assert.Equal(t, len(ids), metrics.outcomes[manager.OutcomeAdvanced])
	assert.Equal(t, 1, metrics.ticks)
	assert.Len(t, seen, len(ids))
}

type failingStore struct {
	store.EntityStore[*job]
}

func (failingStore) LeaseNextForState(context.Context, int, int) ([]*job, error) {
	return nil, errors.New("database is gone")
}

func TestStatusTracksFailures(t *testing.T) {
	f := newFixture(t)
	m, err := manager.New[*job]("jobs", failingStore{EntityStore: f.store}, f.machine,
		manager.WithHandler(stateQueued, f.start()),
		manager.WithClock[*job](f.clock),
	)
	require.NoError(t, err)

	assert.True(t, m.Health().Healthy)
	report := m.RunOnce(context.Background())
	require.Error(t, report.Err)
	assert.Contains(t, report.Err.Error(), "lease queued")

	m.RunOnce(context.Background())
	status := m.Status()
	assert.Equal(t, 2, status.Ticks)
	assert.Equal(t, 2, status.ConsecutiveFailures)
	assert.Contains(t, status.LastError, "database is gone")

	health := m.Health()
	assert.False(t, health.Healthy)
	assert.Equal(t, "store failures detected", health.Reason)
}

func TestRunPauseResumeStop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "a")
	m := f.manager(t, f.start(), manager.WithInterval[*job](5*time.Millisecond))
	m.Pause()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return m.Status().State == manager.StatePaused }, time.Second, 5*time.Millisecond)
	assert.Equal(t, stateQueued, f.find(t, "a").State)
	assert.Error(t, m.Run(ctx), "second Run must fail while running")

	m.Resume()
	require.Eventually(t, func() bool {
		j, err := f.store.Find(context.Background(), "a")
		return err == nil && j != nil && j.State == stateRunning
	}, time.Second, 5*time.Millisecond)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Second)
	defer stopCancel()
	require.NoError(t, m.Stop(stopCtx))
	require.NoError(t, <-done)

	assert.Equal(t, manager.StateStopped, m.Status().State)
	assert.False(t, m.Health().Healthy)
}
