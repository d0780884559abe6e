// Package storetest holds the behavioral suite every store backend must pass.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	connector "github.com/goliatone/go-connector"
	"github.com/goliatone/go-connector/query"
	"github.com/goliatone/go-connector/store"
)

const (
	StateRequested = 200
	StateAgreed    = 850
)

// Item is the entity the suite persists.
type Item struct {
	connector.Entity
	Name   string            `json:"name"`
	Labels map[string]string `json:"labels,omitempty"`
	Parts  []Part            `json:"parts,omitempty"`
	Blocks bool              `json:"blocks,omitempty"`
}

type Part struct {
	Kind string `json:"kind"`
	Size int    `json:"size"`
}

// NewItem builds an unsaved item in state.
func NewItem(id string, state int, now time.Time) *Item {
	return &Item{Entity: connector.NewEntity(id, state, now), Name: "item-" + id}
}

// Pair is two stores with distinct lease owners over one backend.
type Pair struct {
	A store.EntityStore[*Item]
	B store.EntityStore[*Item]
}

// Factory builds a fresh, empty backend for one subtest. opts must be applied
// to both stores of the pair.
type Factory func(t *testing.T, opts ...store.Option) Pair

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// BlockingGuard rejects deletes of items flagged with Blocks.
func BlockingGuard(_ context.Context, entity connector.StatefulEntity) error {
	if item, ok := entity.(*Item); ok && item.Blocks {
		return errors.New("item is referenced")
	}
	return nil
}

// Run executes the suite against factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	fresh := func(t *testing.T) (Pair, *connector.ManualClock) {
		clock := connector.NewManualClock(epoch)
		pair := factory(t,
			store.WithClock(clock),
			store.WithLeaseDuration(time.Minute),
			store.WithDeleteGuard(BlockingGuard),
		)
		return pair, clock
	}

	t.Run("save then find", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		item := NewItem("a", StateRequested, clock.Now())
		item.Labels = map[string]string{"counterparty": "did:web:provider"}
		require.NoError(t, pair.A.Save(ctx, item))

		got, err := pair.A.Find(ctx, "a")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, StateRequested, got.State)
		assert.Equal(t, 0, got.StateCount)
		assert.Nil(t, got.Lease)
		assert.True(t, got.UpdatedAt.Equal(clock.Now()))
		if diff := cmp.Diff(item.Labels, got.Labels); diff != "" {
			t.Fatalf("labels mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("find missing returns nil", func(t *testing.T) {
		pair, _ := fresh(t)
		got, err := pair.A.Find(context.Background(), "nope")
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("lease batch then remainder", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		for i := range 10 {
			require.NoError(t, pair.A.Save(ctx, NewItem(fmt.Sprint(i), StateRequested, clock.Now())))
		}

		first, err := pair.A.LeaseNextForState(ctx, StateRequested, 5)
		require.NoError(t, err)
		require.Len(t, first, 5)
		seen := map[string]bool{}
		for _, item := range first {
			require.NotNil(t, item.Lease)
			assert.Equal(t, "instance-a", item.Lease.LeasedBy)
			assert.True(t, item.Lease.IsValid(clock.Now()))
			seen[item.ID] = true
		}
		assert.Len(t, seen, 5)

		second, err := pair.B.LeaseNextForState(ctx, StateRequested, 10)
		require.NoError(t, err)
		require.Len(t, second, 5)
		for _, item := range second {
			assert.False(t, seen[item.ID], "id %s claimed twice", item.ID)
			assert.Equal(t, "instance-b", item.Lease.LeasedBy)
		}
	})

	t.Run("lease skips other states", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Save(ctx, NewItem("x", StateAgreed, clock.Now())))
		got, err := pair.A.LeaseNextForState(ctx, StateRequested, 10)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("lease prefers oldest", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Save(ctx, NewItem("late", StateRequested, clock.Now())))
		clock.Advance(-time.Second)
		require.NoError(t, pair.A.Save(ctx, NewItem("early", StateRequested, clock.Now())))
		clock.Advance(time.Second)

		got, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "early", got[0].ID)
	})

	t.Run("claim exclusivity under concurrency", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		for i := range 20 {
			require.NoError(t, pair.A.Save(ctx, NewItem(fmt.Sprintf("c%02d", i), StateRequested, clock.Now())))
		}

		var mu sync.Mutex
		owners := map[string]map[string]bool{}
		g, gctx := errgroup.WithContext(ctx)
		for w := range 8 {
			s := pair.A
			if w%2 == 1 {
				s = pair.B
			}
			g.Go(func() error {
				got, err := s.LeaseNextForState(gctx, StateRequested, 4)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for _, item := range got {
					if owners[item.ID] == nil {
						owners[item.ID] = map[string]bool{}
					}
					owners[item.ID][item.Lease.LeasedBy] = true
				}
				return nil
			})
		}
		require.NoError(t, g.Wait())
		require.NotEmpty(t, owners)
		for id, held := range owners {
			assert.Len(t, held, 1, "id %s claimed by several owners", id)
		}
	})

	t.Run("expired lease is reclaimable", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Save(ctx, NewItem("e", StateRequested, clock.Now())))
		got, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		blocked, err := pair.B.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		assert.Empty(t, blocked)

		clock.Advance(time.Minute)
		reclaimed, err := pair.B.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		require.Len(t, reclaimed, 1)
		assert.Equal(t, "instance-b", reclaimed[0].Lease.LeasedBy)
	})

	t.Run("owner may reclaim own lease", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Save(ctx, NewItem("o", StateRequested, clock.Now())))
		_, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		again, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		assert.Len(t, again, 1)
	})

	t.Run("save releases lease", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Save(ctx, NewItem("s", StateRequested, clock.Now())))
		got, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		item := got[0]
		item.TransitionTo(StateAgreed, clock.Now())
		require.NoError(t, pair.A.Save(ctx, item))
		assert.Nil(t, item.Lease)

		found, err := pair.A.Find(ctx, "s")
		require.NoError(t, err)
		assert.Nil(t, found.Lease)
		assert.Equal(t, StateAgreed, found.State)
		assert.Equal(t, 1, found.StateCount)
	})

	t.Run("foreign save conflicts and leaves row untouched", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Save(ctx, NewItem("f", StateRequested, clock.Now())))
		_, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)

		clock.Advance(time.Second)
		intruder := NewItem("f", StateAgreed, clock.Now())
		intruder.Name = "intruder"
		before := intruder.UpdatedAt
		err = pair.B.Save(ctx, intruder)
		require.Error(t, err)
		assert.True(t, connector.IsConflict(err), "expected conflict, got %v", err)
		assert.True(t, intruder.UpdatedAt.Equal(before))

		found, err := pair.A.Find(ctx, "f")
		require.NoError(t, err)
		assert.Equal(t, StateRequested, found.State)
		assert.Equal(t, "item-f", found.Name)
		require.NotNil(t, found.Lease)
		assert.Equal(t, "instance-a", found.Lease.LeasedBy)
	})

	t.Run("retry keeps state and bumps counter", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Save(ctx, NewItem("r", StateRequested, clock.Now())))
		got, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		require.Len(t, got, 1)

		got[0].Retry(clock.Now(), errors.New("timeout"))
		require.NoError(t, pair.A.Save(ctx, got[0]))

		found, err := pair.A.Find(ctx, "r")
		require.NoError(t, err)
		assert.Equal(t, 1, found.StateCount)
		assert.Equal(t, StateRequested, found.State)
		assert.Nil(t, found.Lease)
		assert.Equal(t, "timeout", found.ErrorDetail)

		again, err := pair.B.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)
		assert.Len(t, again, 1)
	})

	t.Run("delete", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		require.NoError(t, pair.A.Delete(ctx, "missing"))

		require.NoError(t, pair.A.Save(ctx, NewItem("d", StateRequested, clock.Now())))
		_, err := pair.A.LeaseNextForState(ctx, StateRequested, 1)
		require.NoError(t, err)

		err = pair.B.Delete(ctx, "d")
		assert.True(t, connector.IsConflict(err), "expected conflict, got %v", err)

		require.NoError(t, pair.A.Delete(ctx, "d"))
		found, err := pair.A.Find(ctx, "d")
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("delete guard", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		item := NewItem("g", StateAgreed, clock.Now())
		item.Blocks = true
		require.NoError(t, pair.A.Save(ctx, item))

		err := pair.A.Delete(ctx, "g")
		require.Error(t, err)
		assert.True(t, connector.IsConflict(err))

		item.Blocks = false
		require.NoError(t, pair.A.Save(ctx, item))
		require.NoError(t, pair.A.Delete(ctx, "g"))
	})

	t.Run("query filters", func(t *testing.T) {
		pair, clock := fresh(t)
		seedQuery(t, pair.A, clock)

		cases := []struct {
			name   string
			filter []string
			want   []string
		}{
			{name: "state equality", filter: []string{"state = 850"}, want: []string{"q1", "q3"}},
			{name: "state in", filter: []string{"state in (200, 850)"}, want: []string{"q0", "q1", "q2", "q3"}},
			{name: "nested any element", filter: []string{"parts.kind = disk"}, want: []string{"q0", "q2"}},
			{name: "indexed element", filter: []string{"parts[0].kind = disk"}, want: []string{"q0"}},
			{name: "map field", filter: []string{"labels.region = eu"}, want: []string{"q1", "q2"}},
			{name: "mixed pushdown", filter: []string{"state = 200", "labels.region = eu"}, want: []string{"q2"}},
			{name: "comparison", filter: []string{"parts.size > 50"}, want: []string{"q2"}},
			{name: "missing field", filter: []string{"nothing.here = 1"}, want: nil},
			{name: "like", filter: []string{"name like item-q%"}, want: []string{"q0", "q1", "q2", "q3"}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				filter, err := query.ParseCriteria(tc.filter...)
				require.NoError(t, err)
				got := ids(t, pair.A, query.Spec{Filter: filter})
				sort.Strings(got)
				assert.Equal(t, tc.want, got)
			})
		}
	})

	t.Run("query text ids", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		for i := range 12 {
			require.NoError(t, pair.A.Save(ctx, NewItem(strconv.Itoa(i), StateRequested, clock.Now())))
		}
		require.NoError(t, pair.A.Save(ctx, NewItem("Abc", StateRequested, clock.Now())))

		got := ids(t, pair.A, query.Spec{SortField: "id", Limit: 4})
		assert.Equal(t, []string{"0", "1", "10", "11"}, got)

		cases := []struct {
			expr string
			want []string
		}{
			{expr: "id = 05", want: nil},
			{expr: "id = '5'", want: []string{"5"}},
			{expr: "id like abc", want: nil},
			{expr: "id like A%", want: []string{"Abc"}},
			{expr: "id like 1_", want: []string{"10", "11"}},
			{expr: "name like item-a%", want: nil},
		}
		for _, tc := range cases {
			filter, err := query.ParseCriteria(tc.expr)
			require.NoError(t, err, tc.expr)
			got := ids(t, pair.A, query.Spec{Filter: filter})
			sort.Strings(got)
			assert.Equal(t, tc.want, got, tc.expr)
		}
	})

	t.Run("query rejects unknown operator", func(t *testing.T) {
		pair, _ := fresh(t)
		_, err := pair.A.Query(context.Background(), query.Spec{Filter: []query.Criterion{{Path: "state", Operator: "~", Value: 1}}})
		require.Error(t, err)
		assert.True(t, connector.IsValidation(err))
	})

	t.Run("query sort and paging", func(t *testing.T) {
		pair, clock := fresh(t)
		seedQuery(t, pair.A, clock)

		got := ids(t, pair.A, query.Spec{SortField: "name", SortOrder: query.SortDesc})
		assert.Equal(t, []string{"q3", "q2", "q1", "q0"}, got)

		empty := ids(t, pair.A, query.Spec{Offset: 5, Limit: 10})
		assert.Empty(t, empty)
	})

	t.Run("paging is disjoint", func(t *testing.T) {
		pair, clock := fresh(t)
		ctx := context.Background()
		for i := range 100 {
			require.NoError(t, pair.A.Save(ctx, NewItem(fmt.Sprintf("p%03d", i), StateRequested, clock.Now())))
		}
		page := ids(t, pair.A, query.Spec{Offset: 5, Limit: 10})
		require.Len(t, page, 10)
		head := append(ids(t, pair.A, query.Spec{Offset: 0, Limit: 5}), ids(t, pair.A, query.Spec{Offset: 5, Limit: 5})...)
		require.Len(t, head, 10)

		unique := map[string]bool{}
		for _, id := range head {
			unique[id] = true
		}
		assert.Len(t, unique, 10)
		for _, id := range page[:5] {
			assert.True(t, unique[id], "page overlap mismatch for %s", id)
		}
	})
}

func seedQuery(t *testing.T, s store.EntityStore[*Item], clock *connector.ManualClock) {
	t.Helper()
	ctx := context.Background()
	items := []*Item{
		NewItem("q0", StateRequested, clock.Now()),
		NewItem("q1", StateAgreed, clock.Now()),
		NewItem("q2", StateRequested, clock.Now()),
		NewItem("q3", StateAgreed, clock.Now()),
	}
	items[0].Parts = []Part{{Kind: "disk", Size: 10}}
	items[1].Labels = map[string]string{"region": "eu"}
	items[2].Parts = []Part{{Kind: "net", Size: 1}, {Kind: "disk", Size: 100}}
	items[2].Labels = map[string]string{"region": "eu"}
	for _, item := range items {
		require.NoError(t, s.Save(ctx, item))
		clock.Advance(time.Millisecond)
	}
}

func ids(t *testing.T, s store.EntityStore[*Item], spec query.Spec) []string {
	t.Helper()
	seq, err := s.Query(context.Background(), spec)
	require.NoError(t, err)
	items, err := store.Collect(seq)
	require.NoError(t, err)
	var out []string
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}
