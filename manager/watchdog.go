package manager

import (
	"context"
	"fmt"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/cron"
	"github.com/goliatone/go-connector/fsm"
	"github.com/goliatone/go-connector/query"
	"github.com/goliatone/go-connector/store"
)

// StuckHandler receives entities that kept retrying in a non terminal state.
type StuckHandler[T connector.StatefulEntity] func(ctx context.Context, stuck []T) error

// Watchdog periodically looks for stuck entities. It never mutates them
// itself; escalation belongs to the handler.
type Watchdog[T connector.StatefulEntity] struct {
	name      string
	store     store.EntityStore[T]
	machine   *fsm.Machine
	threshold int
	limit     int
	onStuck   StuckHandler[T]
	logger    connector.Logger
}

// NewWatchdog reports entities whose StateCount reached threshold.
func NewWatchdog[T connector.StatefulEntity](name string, s store.EntityStore[T], machine *fsm.Machine, threshold int, onStuck StuckHandler[T], logger connector.Logger) (*Watchdog[T], error) {
	if s == nil || machine == nil {
		return nil, connector.Validation("watchdog requires a store and a machine", map[string]any{"watchdog": name})
	}
	if threshold <= 0 {
		return nil, connector.Validation("watchdog threshold must be positive", map[string]any{"watchdog": name})
	}
	return &Watchdog[T]{
		name:      name,
		store:     s,
		machine:   machine,
		threshold: threshold,
		limit:     500,
		onStuck:   onStuck,
		logger:    connector.NormalizeLogger(logger),
	}, nil
}

// Spec is the query the watchdog runs.
func (w *Watchdog[T]) Spec() query.Spec {
	states := make([]any, 0)
	for _, code := range w.machine.NonTerminal() {
		states = append(states, code)
	}
	return query.Spec{
		Filter: []query.Criterion{
			query.In("state", states...),
			{Path: "stateCount", Operator: query.OpGreaterEqual, Value: w.threshold},
		},
		SortField: "stateCount",
		SortOrder: query.SortDesc,
		Limit:     w.limit,
	}
}

// Sweep runs one check and returns what it found.
func (w *Watchdog[T]) Sweep(ctx context.Context) ([]T, error) {
	seq, err := w.store.Query(ctx, w.Spec())
	if err != nil {
		return nil, err
	}
	stuck, err := store.Collect(seq)
	if err != nil {
		return nil, err
	}
	if len(stuck) == 0 {
		return nil, nil
	}
	for _, entity := range stuck {
		base := entity.Stateful()
		w.logger.Warn("%s: entity %s stuck in %s after %d attempts: %s",
			w.name, base.ID, w.machine.Name(base.State), base.StateCount, base.ErrorDetail)
	}
	if w.onStuck != nil {
		if err := w.onStuck(ctx, stuck); err != nil {
			return stuck, fmt.Errorf("%s: stuck handler: %w", w.name, err)
		}
	}
	return stuck, nil
}

// Schedule registers Sweep on scheduler under expression.
func (w *Watchdog[T]) Schedule(scheduler *cron.Scheduler, expression string) (*cron.Job, error) {
	return scheduler.Schedule(cron.JobConfig{Name: w.name, Expression: expression}, func(ctx context.Context) error {
		_, err := w.Sweep(ctx)
		return err
	})
}
