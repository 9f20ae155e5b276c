package trigger

import (
	"context"
	"sync"
	"time"

	"flowbot/internal/state"
)

const edgeSnapshotKey = "trigger:edge_states"

// EdgeState tracks one pool condition across evaluations so entries fire on
// the false-to-true transition instead of every satisfied cycle.
type EdgeState struct {
	Active          bool      `msgpack:"active"`
	LastChangedAt   time.Time `msgpack:"last_changed_at"`
	LastTriggeredAt time.Time `msgpack:"last_triggered_at"`
	SeenCount       int       `msgpack:"seen_count"`
}

type EdgeTracker struct {
	mu     sync.Mutex
	states map[string]EdgeState
}

func NewEdgeTracker() *EdgeTracker {
	return &EdgeTracker{states: make(map[string]EdgeState)}
}

// Observe folds one evaluation of the condition keyed by key and reports
// whether it fires. The first observation of a true condition fires; rising
// edges fire unless inside the cooldown; everything else is suppressed.
func (t *EdgeTracker) Observe(key string, active bool, cooldown time.Duration, now time.Time) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, seen := t.states[key]
	defer func() {
		st.SeenCount++
		t.states[key] = st
	}()

	if !seen {
		st = EdgeState{Active: active, LastChangedAt: now}
		if active {
			st.LastTriggeredAt = now
			return true, "initial_true"
		}
		return false, "initial_false"
	}

	switch {
	case active && !st.Active:
		st.Active = true
		st.LastChangedAt = now
		if cooldown > 0 && !st.LastTriggeredAt.IsZero() && now.Sub(st.LastTriggeredAt) < cooldown {
			return false, "rising_edge_in_cooldown"
		}
		st.LastTriggeredAt = now
		return true, "rising_edge"
	case !active && st.Active:
		st.Active = false
		st.LastChangedAt = now
		return false, "falling_edge"
	case active:
		return false, "steady_true"
	default:
		return false, "steady_false"
	}
}

// Load restores persisted edge states.
func (t *EdgeTracker) Load(ctx context.Context, store state.Store) error {
	var states map[string]EdgeState
	ok, err := state.LoadSnapshot(ctx, store, edgeSnapshotKey, &states)
	if err != nil || !ok {
		return err
	}
	t.mu.Lock()
	for key, st := range states {
		t.states[key] = st
	}
	t.mu.Unlock()
	return nil
}

// Save persists the edge states.
func (t *EdgeTracker) Save(ctx context.Context, store state.Store) error {
	t.mu.Lock()
	states := make(map[string]EdgeState, len(t.states))
	for key, st := range t.states {
		states[key] = st
	}
	t.mu.Unlock()
	return state.SaveSnapshot(ctx, store, edgeSnapshotKey, states)
}
