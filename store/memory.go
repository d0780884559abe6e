package store

import (
	"context"
	"iter"
	"sort"
	"strings"
	"sync"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/query"
)

// memoryTable is the shared backing map. Several MemoryStore values with
// different owners can share one table to model independent instances.
type memoryTable[T any] struct {
	mu   sync.Mutex
	rows map[string]T
}

// MemoryStore keeps entities in process. Safe for concurrent use.
type MemoryStore[E any, T entityPtr[E]] struct {
	owner string
	opts  Options
	table *memoryTable[T]
}

// NewMemoryStore builds an empty store owned by owner.
func NewMemoryStore[E any, T entityPtr[E]](owner string, opts ...Option) (*MemoryStore[E, T], error) {
	owner, err := validateOwner(owner)
	if err != nil {
		return nil, err
	}
	return &MemoryStore[E, T]{
		owner: owner,
		opts:  buildOptions("memory", opts),
		table: &memoryTable[T]{rows: make(map[string]T)},
	}, nil
}

// WithOwner returns a store sharing the same rows under another lease owner.
func (s *MemoryStore[E, T]) WithOwner(owner string) (*MemoryStore[E, T], error) {
	owner, err := validateOwner(owner)
	if err != nil {
		return nil, err
	}
	return &MemoryStore[E, T]{owner: owner, opts: s.opts, table: s.table}, nil
}

// Owner is the lease identity this store claims with.
func (s *MemoryStore[E, T]) Owner() string { return s.owner }

func (s *MemoryStore[E, T]) Save(_ context.Context, entity T) error {
	base, err := validateEntity(entity)
	if err != nil {
		return err
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	now := s.opts.now()
	if current, ok := s.table.rows[base.ID]; ok {
		if current.Stateful().IsLeasedByOther(s.owner, now) {
			return connector.Conflict(base.ID, "entity is leased by "+current.Stateful().Lease.LeasedBy)
		}
	}
	_, undo, err := prepareSave(base, entity, now)
	if err != nil {
		return err
	}
	stored, err := clone[E, T](entity)
	if err != nil {
		undo()
		return err
	}
	stored.Stateful().Lease = nil
	s.table.rows[base.ID] = stored
	return nil
}

func (s *MemoryStore[E, T]) Find(_ context.Context, id string) (T, error) {
	var zero T
	id = strings.TrimSpace(id)
	if id == "" {
		return zero, nil
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	current, ok := s.table.rows[id]
	if !ok {
		return zero, nil
	}
	return clone[E, T](current)
}

func (s *MemoryStore[E, T]) LeaseNextForState(_ context.Context, state, max int) ([]T, error) {
	if max <= 0 {
		return nil, nil
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	now := s.opts.now()
	candidates := make([]T, 0, max)
	for _, row := range s.table.rows {
		base := row.Stateful()
		if base.State != state || base.IsLeasedByOther(s.owner, now) {
			continue
		}
		candidates = append(candidates, row)
	}
	sortOldestFirst(candidates)
	if len(candidates) > max {
		candidates = candidates[:max]
	}

	out := make([]T, 0, len(candidates))
	for _, row := range candidates {
		row.Stateful().Lease = connector.NewLease(s.owner, now, s.opts.LeaseDuration)
		snapshot, err := clone[E, T](row)
		if err != nil {
			return out, err
		}
		out = append(out, snapshot)
	}
	return out, nil
}

func (s *MemoryStore[E, T]) Delete(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()

	current, ok := s.table.rows[id]
	if !ok {
		return nil
	}
	if current.Stateful().IsLeasedByOther(s.owner, s.opts.now()) {
		return connector.Conflict(id, "entity is leased by "+current.Stateful().Lease.LeasedBy)
	}
	snapshot, err := clone[E, T](current)
	if err != nil {
		return err
	}
	if err := s.opts.runGuards(ctx, snapshot); err != nil {
		return err
	}
	delete(s.table.rows, id)
	return nil
}

func (s *MemoryStore[E, T]) Query(_ context.Context, spec query.Spec) (iter.Seq2[T, error], error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	s.table.mu.Lock()
	rows := make([]T, 0, len(s.table.rows))
	for _, row := range s.table.rows {
		snapshot, err := clone[E, T](row)
		if err != nil {
			s.table.mu.Unlock()
			return nil, err
		}
		rows = append(rows, snapshot)
	}
	s.table.mu.Unlock()

	sortOldestFirst(rows)
	matched, err := query.Evaluate(rows, spec, toDocument[T])
	if err != nil {
		return nil, err
	}
	return sliceSeq(matched), nil
}

// Len reports how many entities are stored.
func (s *MemoryStore[E, T]) Len() int {
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	return len(s.table.rows)
}

func sortOldestFirst[T connector.StatefulEntity](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].Stateful(), items[j].Stateful()
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
}
