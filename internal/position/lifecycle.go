package position

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"flowbot/internal/state"
)

// ErrInvariantViolation marks a lifecycle event that is illegal in the
// current state. Callers must treat it as a halt signal for the symbol,
// never as something to paper over.
var ErrInvariantViolation = errors.New("position state invariant violation")

type State string

const (
	StateFlat            State = "FLAT"
	StateOpening         State = "OPENING"
	StateOpenProtected   State = "OPEN_PROTECTED"
	StateOpenUnprotected State = "OPEN_UNPROTECTED"
	StateAdding          State = "ADDING"
	StateClosing         State = "CLOSING"
)

type Event string

const (
	EventOpenSubmitted  Event = "open_submitted"
	EventProtected      Event = "protected"
	EventUnprotected    Event = "unprotected"
	EventAddSubmitted   Event = "add_submitted"
	EventCloseSubmitted Event = "close_submitted"
	EventFlattened      Event = "flattened"
)

// nextState is the single source of truth for legal transitions. Every
// path out of a held position passes through CLOSING or an explicit
// protection event; nothing jumps straight between held states.
func nextState(current State, event Event) (State, error) {
	switch current {
	case StateFlat:
		if event == EventOpenSubmitted {
			return StateOpening, nil
		}
	case StateOpening:
		switch event {
		case EventProtected:
			return StateOpenProtected, nil
		case EventUnprotected:
			return StateOpenUnprotected, nil
		case EventFlattened:
			return StateFlat, nil
		}
	case StateOpenProtected:
		switch event {
		case EventUnprotected:
			return StateOpenUnprotected, nil
		case EventAddSubmitted:
			return StateAdding, nil
		case EventCloseSubmitted:
			return StateClosing, nil
		case EventProtected:
			return StateOpenProtected, nil
		}
	case StateOpenUnprotected:
		switch event {
		case EventProtected:
			return StateOpenProtected, nil
		case EventCloseSubmitted:
			return StateClosing, nil
		case EventUnprotected:
			return StateOpenUnprotected, nil
		}
	case StateAdding:
		switch event {
		case EventProtected:
			return StateOpenProtected, nil
		case EventUnprotected:
			return StateOpenUnprotected, nil
		case EventCloseSubmitted:
			return StateClosing, nil
		}
	case StateClosing:
		switch event {
		case EventFlattened:
			return StateFlat, nil
		case EventCloseSubmitted:
			return StateClosing, nil
		}
	}
	return current, fmt.Errorf("%w: event %q in state %q", ErrInvariantViolation, event, current)
}

// Record is the persisted per-symbol lifecycle entry.
type Record struct {
	State     State     `msgpack:"state"`
	DCAStage  int       `msgpack:"dca_stage"`
	OpenedAt  time.Time `msgpack:"opened_at"`
	UpdatedAt time.Time `msgpack:"updated_at"`
}

// Lifecycle tracks the per-symbol position state machine and survives
// restarts through the key-value store.
type Lifecycle struct {
	store state.Store
	now   func() time.Time

	mu      sync.Mutex
	records map[string]*Record
}

const lifecycleKey = "position:lifecycle"

func NewLifecycle(store state.Store) *Lifecycle {
	return &Lifecycle{
		store:   store,
		now:     time.Now,
		records: make(map[string]*Record),
	}
}

func (l *Lifecycle) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	recs := make(map[string]*Record)
	if _, err := state.LoadSnapshot(ctx, l.store, lifecycleKey, &recs); err != nil {
		return err
	}
	if len(recs) > 0 {
		l.records = recs
	}
	return nil
}

func (l *Lifecycle) Save(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return state.SaveSnapshot(ctx, l.store, lifecycleKey, l.records)
}

func (l *Lifecycle) State(symbol string) State {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[symbol]; ok {
		return rec.State
	}
	return StateFlat
}

// Apply advances the symbol's state machine. An illegal event leaves the
// stored state untouched and returns ErrInvariantViolation.
func (l *Lifecycle) Apply(symbol string, event Event) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[symbol]
	if !ok {
		rec = &Record{State: StateFlat}
		l.records[symbol] = rec
	}
	next, err := nextState(rec.State, event)
	if err != nil {
		return rec.State, err
	}
	now := l.now()
	if rec.State == StateFlat && next == StateOpening {
		rec.OpenedAt = now
		rec.DCAStage = 0
	}
	if next == StateFlat {
		rec.DCAStage = 0
		rec.OpenedAt = time.Time{}
	}
	rec.State = next
	rec.UpdatedAt = now
	return next, nil
}

// ForceState overwrites the stored state. Used only by startup
// reconciliation when the venue is authoritative and the stored state is
// stale.
func (l *Lifecycle) ForceState(symbol string, st State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[symbol]
	if !ok {
		rec = &Record{}
		l.records[symbol] = rec
	}
	rec.State = st
	rec.UpdatedAt = l.now()
	if st == StateFlat {
		rec.DCAStage = 0
	}
}

func (l *Lifecycle) DCAStage(symbol string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.records[symbol]; ok {
		return rec.DCAStage
	}
	return 0
}

func (l *Lifecycle) SetDCAStage(symbol string, stage int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.records[symbol]
	if !ok {
		rec = &Record{State: StateFlat}
		l.records[symbol] = rec
	}
	if stage > rec.DCAStage {
		rec.DCAStage = stage
	}
}
