// Package store implements the lease based entity store over several
// backends. Every backend honors the same contract: Save is an upsert that
// releases the lease and is fenced by foreign valid leases, Find never looks at
// leases, LeaseNextForState atomically claims rows per row, Delete is fenced by
// leases and delete guards, and Query is validated before it reaches the
// backend.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"reflect"
	"strings"
	"time"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/query"
)

// EntityStore is the persistence contract shared by every backend.
type EntityStore[T connector.StatefulEntity] interface {
	// Save upserts entity and clears its lease.
	Save(ctx context.Context, entity T) error
	// Find returns the snapshot for id, or the zero T when missing.
	Find(ctx context.Context, id string) (T, error)
	// LeaseNextForState claims up to max claimable entities in state.
	LeaseNextForState(ctx context.Context, state, max int) ([]T, error)
	// Delete removes id. Missing ids are a no-op.
	Delete(ctx context.Context, id string) error
	// Query streams entities matching spec.
	Query(ctx context.Context, spec query.Spec) (iter.Seq2[T, error], error)
}

// entityPtr constrains T to a pointer to a struct embedding connector.Entity.
type entityPtr[E any] interface {
	*E
	connector.StatefulEntity
}

// DeleteGuard vetoes a delete by returning an error. Guards run after the
// lease check and before the row is removed.
type DeleteGuard func(ctx context.Context, entity connector.StatefulEntity) error

// Options are shared by every backend.
type Options struct {
	Clock         connector.Clock
	LeaseDuration time.Duration
	Logger        connector.Logger
	Table         string
	Guards        []DeleteGuard
}

// Option customizes a store.
type Option func(*Options)

// WithClock overrides the clock used for leases and timestamps.
func WithClock(clock connector.Clock) Option {
	return func(o *Options) {
		if clock != nil {
			o.Clock = clock
		}
	}
}

// WithLeaseDuration sets the TTL of new leases.
func WithLeaseDuration(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LeaseDuration = d
		}
	}
}

// WithLogger configures store logging.
func WithLogger(logger connector.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithTable names the backing table.
func WithTable(table string) Option {
	return func(o *Options) {
		if t := strings.TrimSpace(table); t != "" {
			o.Table = t
		}
	}
}

// WithDeleteGuard adds a referential check run before deletes.
func WithDeleteGuard(guard DeleteGuard) Option {
	return func(o *Options) {
		if guard != nil {
			o.Guards = append(o.Guards, guard)
		}
	}
}

func buildOptions(defaultTable string, opts []Option) Options {
	o := Options{
		Clock:         connector.SystemClock{},
		LeaseDuration: connector.DefaultLeaseDuration,
		Table:         defaultTable,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.Clock = connector.NormalizeClock(o.Clock)
	o.Logger = connector.NormalizeLogger(o.Logger)
	return o
}

func (o Options) now() time.Time {
	return o.Clock.Now().UTC()
}

func (o Options) runGuards(ctx context.Context, entity connector.StatefulEntity) error {
	for _, guard := range o.Guards {
		if err := guard(ctx, entity); err != nil {
			if connector.IsConflict(err) {
				return err
			}
			id := ""
			if base := entity.Stateful(); base != nil {
				id = base.ID
			}
			return connector.NewError(connector.ErrConcurrencyConflict, "delete blocked: "+err.Error(), err, map[string]any{"entity_id": id})
		}
	}
	return nil
}

func validateOwner(owner string) (string, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", connector.Validation("lease owner identity required", nil)
	}
	return owner, nil
}

func validateEntity[T connector.StatefulEntity](entity T) (*connector.Entity, error) {
	if isNil(entity) {
		return nil, connector.Validation("entity required", nil)
	}
	base := entity.Stateful()
	if base == nil || strings.TrimSpace(base.ID) == "" {
		return nil, connector.Validation("entity id required", nil)
	}
	return base, nil
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	return rv.Kind() == reflect.Pointer && rv.IsNil()
}

// prepareSave stamps timestamps on the caller's entity and returns the
// document to persist, which never carries the lease. undo restores the
// caller's entity when the write is rejected.
func prepareSave(base *connector.Entity, entity any, now time.Time) (raw []byte, undo func(), err error) {
	prev := *base
	undo = func() {
		base.CreatedAt = prev.CreatedAt
		base.StateTimestamp = prev.StateTimestamp
		base.UpdatedAt = prev.UpdatedAt
		base.Lease = prev.Lease
	}
	if base.CreatedAt.IsZero() {
		base.CreatedAt = now
	}
	if base.StateTimestamp.IsZero() {
		base.StateTimestamp = now
	}
	base.UpdatedAt = now
	base.Lease = nil
	raw, err = json.Marshal(entity)
	if err != nil {
		undo()
		return nil, nil, fmt.Errorf("encode entity %s: %w", base.ID, err)
	}
	return raw, undo, nil
}

// decode rebuilds an entity from its document and overlays the columns the
// backend tracks separately.
func decode[E any, T entityPtr[E]](raw []byte, row rowMeta) (T, error) {
	var out T = new(E)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			var zero T
			return zero, fmt.Errorf("decode entity %s: %w", row.ID, err)
		}
	}
	base := out.Stateful()
	base.ID = row.ID
	base.State = row.State
	base.StateCount = row.StateCount
	base.UpdatedAt = row.UpdatedAt
	if !row.CreatedAt.IsZero() {
		base.CreatedAt = row.CreatedAt
	}
	base.Lease = row.lease()
	return out, nil
}

func clone[E any, T entityPtr[E]](entity T) (T, error) {
	var out T = new(E)
	raw, err := json.Marshal(entity)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return out, err
	}
	out.Stateful().Lease = connector.CloneLease(entity.Stateful().Lease)
	return out, nil
}

// rowMeta is the indexed part of a persisted entity.
type rowMeta struct {
	ID            string
	State         int
	StateCount    int
	CreatedAt     time.Time
	UpdatedAt     time.Time
	LeaseOwner    string
	LeaseAt       time.Time
	LeaseDuration time.Duration
}

func (r rowMeta) lease() *connector.Lease {
	if r.LeaseOwner == "" {
		return nil
	}
	return &connector.Lease{
		LeasedBy:      r.LeaseOwner,
		LeasedAt:      r.LeaseAt,
		LeaseDuration: r.LeaseDuration,
	}
}

// Collect drains a query sequence into a slice.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var out []T
	for item, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, item)
	}
	return out, nil
}

func sliceSeq[T any](items []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, item := range items {
			if !yield(item, nil) {
				return
			}
		}
	}
}

func toDocument[T any](item T) (query.Document, error) {
	return query.ToDocument(item)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
