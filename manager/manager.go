// Package manager drives a population of stateful entities through their state
// machine by polling the entity store.
//
// Every tick, for each state with a registered handler, the manager claims a
// batch of entities with LeaseNextForState, runs the handler for each one and
// saves the result. Saving always releases the lease. Handler errors are
// classified per entity:
//
//   - nil: the handler advanced the entity (or left it unchanged on purpose).
//   - recoverable (transport, nack, conflict, timeout): the entity stays in its
//     state and its StateCount is bumped so backoff can be computed from it.
//   - anything else: the entity is moved to the machine's abnormal terminal.
//
// A conflict while saving means the lease was lost; the in-memory result is
// dropped and whoever holds the entity now will redo the work.
package manager

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/fsm"
	"github.com/goliatone/go-connector/runner"
	"github.com/goliatone/go-connector/store"
)

// Handler performs the work attached to one state. It may mutate entity,
// normally through the machine, and returns nil on success.
type Handler[T connector.StatefulEntity] func(ctx context.Context, entity T) error

// Outcome classifies what happened to one claimed entity.
type Outcome string

const (
	OutcomeAdvanced   Outcome = "advanced"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeDeferred   Outcome = "deferred"
	OutcomeRetried    Outcome = "retried"
	OutcomeExhausted  Outcome = "exhausted"
	OutcomeTerminated Outcome = "terminated"
	OutcomeConflict   Outcome = "conflict"
	OutcomeSaveFailed Outcome = "save_failed"
)

// ExhaustionPolicy decides what happens once an entity ran out of retries.
type ExhaustionPolicy string

const (
	// ExhaustionKeep leaves the entity in place with an elevated StateCount.
	ExhaustionKeep ExhaustionPolicy = "keep"
	// ExhaustionTerminate moves it to the abnormal terminal.
	ExhaustionTerminate ExhaustionPolicy = "terminate"
)

// EntityResult is the outcome for one entity within a tick.
type EntityResult struct {
	EntityID   string
	FromState  int
	ToState    int
	StateCount int
	// Attempt counts tries in FromState, starting at one.
	Attempt    int
	Outcome    Outcome
	RetryAt    time.Time
	Error      string
	OccurredAt time.Time
}

// TickReport summarizes one polling cycle.
type TickReport struct {
	Owner      string
	Claimed    int
	Processed  int
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []EntityResult
	// Err aggregates store failures of the tick. Per entity handler failures
	// are reported through Results only.
	Err error
}

// RuntimeState is the lifecycle of the background loop.
type RuntimeState string

const (
	StateIdle     RuntimeState = "idle"
	StateRunning  RuntimeState = "running"
	StatePaused   RuntimeState = "paused"
	StateStopping RuntimeState = "stopping"
	StateStopped  RuntimeState = "stopped"
)

// RuntimeStatus captures the latest loop state and cycle counters.
type RuntimeStatus struct {
	Name                string
	Owner               string
	State               RuntimeState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastClaimed         int
	LastProcessed       int
	Ticks               int
}

// Health is derived from RuntimeStatus.
type Health struct {
	Healthy bool
	Reason  string
	Status  RuntimeStatus
}

// Metrics receives observability events.
type Metrics interface {
	RecordClaimed(state int, n int)
	RecordOutcome(state int, outcome Outcome)
	RecordTick(duration time.Duration)
}

type noopMetrics struct{}

func (noopMetrics) RecordClaimed(int, int)     {}
func (noopMetrics) RecordOutcome(int, Outcome) {}
func (noopMetrics) RecordTick(time.Duration)   {}

// ProcessManager polls one entity store and runs state handlers.
type ProcessManager[T connector.StatefulEntity] struct {
	name     string
	owner    string
	store    store.EntityStore[T]
	machine  *fsm.Machine
	handlers map[int]Handler[T]

	batchSize         int
	interval          time.Duration
	transitionTimeout time.Duration
	concurrency       int
	backoff           runner.RetryStrategy
	maxRetries        int
	exhaustion        ExhaustionPolicy

	clock   connector.Clock
	logger  connector.Logger
	metrics Metrics

	outcomeHook   func(context.Context, EntityResult)
	exhaustedHook func(context.Context, T)

	gate runner.Gate

	stateMu sync.RWMutex
	status  RuntimeStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// Option customizes a ProcessManager.
type Option[T connector.StatefulEntity] func(*ProcessManager[T])

// WithOwner sets the identity reported in status and logs. It should match the
// lease owner of the store.
func WithOwner[T connector.StatefulEntity](owner string) Option[T] {
	return func(m *ProcessManager[T]) {
		if o := strings.TrimSpace(owner); o != "" {
			m.owner = o
		}
	}
}

// WithHandler registers the handler for state.
func WithHandler[T connector.StatefulEntity](state int, handler Handler[T]) Option[T] {
	return func(m *ProcessManager[T]) {
		if handler != nil {
			m.handlers[state] = handler
		}
	}
}

// WithBatchSize caps how many entities are claimed per state per tick.
func WithBatchSize[T connector.StatefulEntity](n int) Option[T] {
	return func(m *ProcessManager[T]) {
		if n > 0 {
			m.batchSize = n
		}
	}
}

// WithInterval sets the polling period.
func WithInterval[T connector.StatefulEntity](d time.Duration) Option[T] {
	return func(m *ProcessManager[T]) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithTransitionTimeout bounds one handler call. Keep it shorter than the
// store lease duration.
func WithTransitionTimeout[T connector.StatefulEntity](d time.Duration) Option[T] {
	return func(m *ProcessManager[T]) {
		if d > 0 {
			m.transitionTimeout = d
		}
	}
}

// WithConcurrency sets how many entities of one batch are handled at once.
func WithConcurrency[T connector.StatefulEntity](n int) Option[T] {
	return func(m *ProcessManager[T]) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

// WithRetry configures backoff between attempts in the same state and the
// number of retries before exhaustion. maxRetries <= 0 retries forever.
func WithRetry[T connector.StatefulEntity](backoff runner.RetryStrategy, maxRetries int) Option[T] {
	return func(m *ProcessManager[T]) {
		if backoff != nil {
			m.backoff = backoff
		}
		m.maxRetries = maxRetries
	}
}

func WithExhaustionPolicy[T connector.StatefulEntity](policy ExhaustionPolicy) Option[T] {
	return func(m *ProcessManager[T]) {
		switch policy {
		case ExhaustionKeep, ExhaustionTerminate:
			m.exhaustion = policy
		}
	}
}

func WithClock[T connector.StatefulEntity](clock connector.Clock) Option[T] {
	return func(m *ProcessManager[T]) {
		m.clock = clock
	}
}

func WithLogger[T connector.StatefulEntity](logger connector.Logger) Option[T] {
	return func(m *ProcessManager[T]) {
		m.logger = logger
	}
}

func WithMetrics[T connector.StatefulEntity](metrics Metrics) Option[T] {
	return func(m *ProcessManager[T]) {
		m.metrics = metrics
	}
}

// WithOutcomeHook receives one callback per processed entity.
func WithOutcomeHook[T connector.StatefulEntity](hook func(context.Context, EntityResult)) Option[T] {
	return func(m *ProcessManager[T]) {
		m.outcomeHook = hook
	}
}

// WithExhaustedHook is called once when an entity runs out of retries.
func WithExhaustedHook[T connector.StatefulEntity](hook func(context.Context, T)) Option[T] {
	return func(m *ProcessManager[T]) {
		m.exhaustedHook = hook
	}
}

// New builds a manager for the entities in s governed by machine.
func New[T connector.StatefulEntity](name string, s store.EntityStore[T], machine *fsm.Machine, opts ...Option[T]) (*ProcessManager[T], error) {
	m := &ProcessManager[T]{
		name:        strings.TrimSpace(name),
		owner:       "connector",
		store:       s,
		machine:     machine,
		handlers:    make(map[int]Handler[T]),
		batchSize:   10,
		interval:    time.Second,
		concurrency: 1,
		backoff: runner.ExponentialBackoffStrategy{
			Base:   time.Second,
			Factor: 2,
			Max:    time.Minute,
		},
		maxRetries: 10,
		exhaustion: ExhaustionKeep,
		metrics:    noopMetrics{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.clock = connector.NormalizeClock(m.clock)
	m.logger = connector.NormalizeLogger(m.logger)
	if m.metrics == nil {
		m.metrics = noopMetrics{}
	}
	if m.transitionTimeout <= 0 {
		m.transitionTimeout = connector.DefaultLeaseDuration / 2
	}
	m.status = RuntimeStatus{Name: m.name, Owner: m.owner, State: StateIdle}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ProcessManager[T]) validate() error {
	if m.name == "" {
		return connector.Validation("process manager name required", nil)
	}
	if m.store == nil {
		return connector.NewError(connector.ErrStoreUnavailable, "process manager requires a store", nil, map[string]any{"manager": m.name})
	}
	if m.machine == nil {
		return connector.Validation("process manager requires a state machine", map[string]any{"manager": m.name})
	}
	for state := range m.handlers {
		if !m.machine.Has(state) {
			return connector.Validation(fmt.Sprintf("handler registered for unknown state %d", state), map[string]any{"manager": m.name})
		}
		if m.machine.IsTerminal(state) {
			return connector.Validation(fmt.Sprintf("handler registered for terminal state %s", m.machine.Name(state)), map[string]any{"manager": m.name})
		}
	}
	return nil
}

// States lists the states with handlers in ascending order.
func (m *ProcessManager[T]) States() []int {
	out := make([]int, 0, len(m.handlers))
	for state := range m.handlers {
		out = append(out, state)
	}
	sort.Ints(out)
	return out
}

// Run polls until ctx ends or Stop is called.
func (m *ProcessManager[T]) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.runMu.Lock()
	if m.running {
		m.runMu.Unlock()
		return fmt.Errorf("process manager %s already running", m.name)
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	m.runCancel = cancel
	m.runDone = runDone
	m.running = true
	m.runMu.Unlock()

	m.setRuntimeState(StateRunning)
	logger := connector.WithLoggerFields(m.logger.WithContext(runCtx), map[string]any{
		"manager": m.name,
		"owner":   m.owner,
	})
	logger.Info("process manager %s started", m.name)

	defer func() {
		m.runMu.Lock()
		m.running = false
		m.runCancel = nil
		m.runDone = nil
		close(runDone)
		m.runMu.Unlock()
		m.setRuntimeState(StateStopped)
		logger.Info("process manager %s stopped", m.name)
	}()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if m.gate.Paused() {
			m.setRuntimeState(StatePaused)
			if err := m.gate.Wait(runCtx); err != nil {
				return nil
			}
			m.setRuntimeState(StateRunning)
		}
		report := m.RunOnce(runCtx)
		if report.Err != nil {
			logger.Warn("process manager tick failed: %v", report.Err)
		}
		select {
		case <-runCtx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes one claim, handle, save cycle over every handled state.
func (m *ProcessManager[T]) RunOnce(ctx context.Context) TickReport {
	if ctx == nil {
		ctx = context.Background()
	}
	report := TickReport{Owner: m.owner, StartedAt: m.now()}
	var errs *multierror.Error
	var mu sync.Mutex

	for _, state := range m.States() {
		if ctx.Err() != nil {
			break
		}
		claimed, err := m.store.LeaseNextForState(ctx, state, m.batchSize)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("lease %s: %w", m.machine.Name(state), err))
			continue
		}
		m.metrics.RecordClaimed(state, len(claimed))
		report.Claimed += len(claimed)
		if len(claimed) == 0 {
			continue
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(m.concurrency)
		for _, entity := range claimed {
			g.Go(func() error {
				result, saveErr := m.process(gctx, state, entity)
				mu.Lock()
				defer mu.Unlock()
				report.Results = append(report.Results, result)
				if result.Outcome != OutcomeConflict && result.Outcome != OutcomeSaveFailed {
					report.Processed++
				}
				if saveErr != nil {
					errs = multierror.Append(errs, saveErr)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	report.FinishedAt = m.now()
	report.Err = errs.ErrorOrNil()
	m.metrics.RecordTick(report.FinishedAt.Sub(report.StartedAt))
	m.recordCycle(report)
	return report
}

// process handles one claimed entity. The returned error is only set for
// store failures other than conflicts.
func (m *ProcessManager[T]) process(ctx context.Context, state int, entity T) (EntityResult, error) {
	base := entity.Stateful()
	now := m.now()
	result := EntityResult{EntityID: base.ID, FromState: state, OccurredAt: now}
	logger := connector.WithLoggerFields(m.logger.WithContext(ctx), map[string]any{
		"manager":     m.name,
		"entity_id":   base.ID,
		"state":       m.machine.Name(state),
		"state_count": base.StateCount,
	})

	if due := m.dueAt(base); now.Before(due) {
		result.Outcome = OutcomeDeferred
		result.RetryAt = due
	} else {
		result.Outcome = m.runHandler(ctx, state, entity, now, logger, &result)
	}

	result.ToState = base.State
	result.StateCount = base.StateCount
	if result.Outcome != OutcomeDeferred {
		logger.Debug("entity %s %s -> %s (%s)", base.ID, m.machine.Name(state), m.machine.Name(base.State), result.Outcome)
	}

	if err := m.store.Save(ctx, entity); err != nil {
		if connector.IsConflict(err) {
			logger.Info("entity %s lease lost, dropping %s result", base.ID, result.Outcome)
			result.Outcome = OutcomeConflict
			result.Error = err.Error()
			m.emit(ctx, state, result)
			return result, nil
		}
		logger.Error("entity %s save failed: %v", base.ID, err)
		result.Outcome = OutcomeSaveFailed
		result.Error = err.Error()
		m.emit(ctx, state, result)
		return result, fmt.Errorf("save %s: %w", base.ID, err)
	}

	if result.Outcome == OutcomeExhausted && result.Attempt == m.maxRetries+1 && m.exhaustedHook != nil {
		m.exhaustedHook(ctx, entity)
	}
	m.emit(ctx, state, result)
	return result, nil
}

func (m *ProcessManager[T]) runHandler(ctx context.Context, state int, entity T, now time.Time, logger connector.Logger, result *EntityResult) Outcome {
	base := entity.Stateful()
	before := *base
	handler := m.handlers[state]

	timed := runner.NewHandler(m.machine.Name(state), runner.WithTimeout(m.transitionTimeout), runner.WithLogger(m.logger))
	var err error
	if runErr := timed.Run(ctx, func(ctx context.Context) error {
		err = handler(ctx, entity)
		return err
	}); runErr != nil && err == nil {
		err = runErr
	}

	if err == nil {
		if base.State == before.State {
			return OutcomeUnchanged
		}
		if checkErr := m.machine.Check(before.State, base.State); checkErr != nil {
			err = checkErr
		} else {
			base.ErrorDetail = ""
			return OutcomeAdvanced
		}
	}

	restore(base, before)
	result.Error = err.Error()
	// StateCount counts entries into the current state, so the failures
	// recorded so far are one less. A fresh entity (count 0) has none.
	attempts := max(base.StateCount, 1) - 1
	result.Attempt = attempts + 1
	decision := runner.DecideRetry(m.retryPolicy(), attempts, err)

	switch {
	case decision.ShouldRetry:
		base.Retry(now, err)
		result.RetryAt = m.dueAt(base)
		if result.RetryAt.IsZero() {
			result.RetryAt = now
		}
		logger.Warn("entity %s attempt %d failed, retry at %s: %v", base.ID, attempts+1, result.RetryAt.Format(time.RFC3339), err)
		return OutcomeRetried
	case connector.IsRecoverable(err) && m.exhaustion == ExhaustionKeep:
		base.Retry(now, err)
		logger.Error("entity %s exhausted %d retries in %s: %v", base.ID, m.maxRetries, m.machine.Name(state), err)
		return OutcomeExhausted
	default:
		if termErr := m.machine.Terminate(base, now, err); termErr != nil {
			logger.Error("entity %s terminate failed: %v", base.ID, termErr)
			base.Retry(now, err)
			return OutcomeRetried
		}
		logger.Error("entity %s terminated in %s: %v", base.ID, m.machine.Name(state), err)
		return OutcomeTerminated
	}
}

func (m *ProcessManager[T]) retryPolicy() runner.RetryStrategy {
	return runner.BoundedStrategy{
		Strategy:    m.backoff,
		MaxAttempts: m.maxRetries,
		Retryable:   connector.IsRecoverable,
	}
}

// dueAt is the earliest time a retried entity should be attempted again.
func (m *ProcessManager[T]) dueAt(base *connector.Entity) time.Time {
	retries := base.StateCount - 1
	if retries <= 0 || base.ErrorDetail == "" {
		return time.Time{}
	}
	return base.StateTimestamp.Add(m.backoff.SleepDuration(retries-1, nil))
}

func restore(base *connector.Entity, before connector.Entity) {
	base.State = before.State
	base.StateCount = before.StateCount
	base.StateTimestamp = before.StateTimestamp
	base.ErrorDetail = before.ErrorDetail
}

func (m *ProcessManager[T]) emit(ctx context.Context, state int, result EntityResult) {
	m.metrics.RecordOutcome(state, result.Outcome)
	if m.outcomeHook != nil {
		m.outcomeHook(ctx, result)
	}
}

// Pause stops claiming new work after the current tick.
func (m *ProcessManager[T]) Pause() { m.gate.Pause() }

// Resume restarts polling after Pause.
func (m *ProcessManager[T]) Resume() { m.gate.Resume() }

// Stop cancels the loop and waits for it to exit or for ctx to end.
func (m *ProcessManager[T]) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.runMu.Lock()
	cancel, done, running := m.runCancel, m.runDone, m.running
	m.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		m.setRuntimeState(StateStopped)
		return nil
	}
	m.setRuntimeState(StateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest runtime status.
func (m *ProcessManager[T]) Status() RuntimeStatus {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.status
}

// Health reports unhealthy after failed ticks or once stopped.
func (m *ProcessManager[T]) Health() Health {
	status := m.Status()
	health := Health{Healthy: true, Status: status}
	switch {
	case status.ConsecutiveFailures > 0:
		health.Healthy = false
		health.Reason = "store failures detected"
	case status.State == StateStopped && !status.LastRunAt.IsZero():
		health.Healthy = false
		health.Reason = "process manager stopped"
	}
	return health
}

func (m *ProcessManager[T]) recordCycle(report TickReport) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.status.LastRunAt = report.FinishedAt
	m.status.LastClaimed = report.Claimed
	m.status.LastProcessed = report.Processed
	m.status.Ticks++
	if report.Err == nil {
		m.status.LastSuccessAt = report.FinishedAt
		m.status.LastError = ""
		m.status.ConsecutiveFailures = 0
		return
	}
	m.status.LastError = report.Err.Error()
	m.status.ConsecutiveFailures++
}

func (m *ProcessManager[T]) setRuntimeState(state RuntimeState) {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	m.status.State = state
}

func (m *ProcessManager[T]) now() time.Time {
	return m.clock.Now().UTC()
}
