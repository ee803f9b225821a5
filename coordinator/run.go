package coordinator

import (
	"fmt"
	"slices"
	"time"

	"category-engine/orm"

	"github.com/google/uuid"
)

// State is a step of a per-item sync run.
type State string

const (
	StatePending              State = "pending"
	StateCombinationsComputed State = "combinations_computed"
	StateCategoriesUpserted   State = "categories_upserted"
	StateCountsRefreshed      State = "counts_refreshed"
	StateCacheInvalidated     State = "cache_invalidated"
	StateDone                 State = "done"
	StateFailed               State = "failed"
)

var transitions = map[State][]State{
	// An item without tags has nothing to sync.
	StatePending:              {StateCombinationsComputed, StateDone},
	StateCombinationsComputed: {StateCategoriesUpserted},
	StateCategoriesUpserted:   {StateCountsRefreshed},
	StateCountsRefreshed:      {StateCacheInvalidated},
	StateCacheInvalidated:     {StateDone},
}

func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Run records one sync of an item's tag change.
type Run struct {
	ID           uuid.UUID
	Item         orm.ItemRef
	State        State
	History      []State
	Combinations []string
	Categories   []orm.Category
	// Failures lists categories whose counts could not be refreshed. The run
	// still completes; the next sync corrects them.
	Failures   []orm.CategoryFailure
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func newRun(item orm.ItemRef, now time.Time) *Run {
	return &Run{
		ID:        uuid.New(),
		Item:      item,
		State:     StatePending,
		History:   []State{StatePending},
		StartedAt: now,
	}
}

func (r *Run) advance(to State) {
	if !slices.Contains(transitions[r.State], to) {
		panic(fmt.Sprintf("coordinator: illegal transition %s -> %s", r.State, to))
	}
	r.State = to
	r.History = append(r.History, to)
}

func (r *Run) fail(err error) {
	if r.State.Terminal() {
		return
	}
	r.State = StateFailed
	r.History = append(r.History, StateFailed)
	r.Err = err
}

func (r *Run) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}
