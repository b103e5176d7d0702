package session

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/loom/pkg/types"
)

// Persister stores the serialized session blob for one user+namespace key.
type Persister interface {
	Load() (blob []byte, found bool, err error)
	Save(blob []byte) error
}

// Store is a reducer-style container for the session state. Updaters are
// pure functions from state to state; every committed update is persisted
// and fanned out to subscribers. Persistence failures degrade to in-memory
// operation, they never block the UI state.
type Store struct {
	mu      sync.Mutex
	state   types.SessionState
	persist Persister
	log     *slog.Logger

	listenerMu   sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// New builds a store, rehydrating persisted state through the persister.
// A nil persister keeps the session in memory only.
func New(persist Persister, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	s := &Store{
		persist:   persist,
		log:       log.With("component", "session"),
		listeners: make(map[int]func()),
	}
	s.state = s.rehydrate()
	return s
}

// rehydrate loads the persisted blob and decodes it tolerantly. Any failure
// falls back to the single default pane; loading never errors out.
func (s *Store) rehydrate() types.SessionState {
	if s.persist == nil {
		return DefaultState()
	}
	blob, found, err := s.persist.Load()
	if err != nil {
		s.log.Warn("session load failed, starting fresh", "error", err)
		return DefaultState()
	}
	if !found {
		return DefaultState()
	}
	return Rehydrate(blob)
}

// Rehydrate decodes a persisted session blob. Unknown fields are ignored and
// missing fields default per field; structurally unusable blobs fall back to
// the default single pane.
func Rehydrate(blob []byte) types.SessionState {
	var state types.SessionState
	if err := json.Unmarshal(blob, &state); err != nil {
		return DefaultState()
	}
	return normalize(state)
}

// normalize repairs a decoded state so the rest of the package can assume
// its invariants: every ordered pane exists, every pane is ordered, at least
// one pane, a valid active pane, and positive width ratios.
func normalize(state types.SessionState) types.SessionState {
	if state.PanesByID == nil {
		state.PanesByID = map[types.PaneID]types.PaneState{}
	}

	order := state.PaneOrder[:0]
	seen := make(map[types.PaneID]bool, len(state.PaneOrder))
	for _, id := range state.PaneOrder {
		if _, ok := state.PanesByID[id]; ok && !seen[id] {
			order = append(order, id)
			seen[id] = true
		}
	}
	for id := range state.PanesByID {
		if !seen[id] {
			delete(state.PanesByID, id)
		}
	}
	state.PaneOrder = order

	if len(state.PaneOrder) == 0 {
		return DefaultState()
	}
	if _, ok := state.PanesByID[state.ActivePaneID]; !ok {
		state.ActivePaneID = state.PaneOrder[0]
	}
	for id, p := range state.PanesByID {
		if p.PaneID != id {
			p.PaneID = id
		}
		if p.Kind == "" {
			p.Kind = types.PaneKindOutline
		}
		state.PanesByID[id] = p
	}
	for _, id := range state.PaneOrder {
		if state.PanesByID[id].WidthRatio <= 0 {
			return rebalanceWidths(state)
		}
	}
	return state
}

// State returns a copy of the current session state.
func (s *Store) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

// Update applies a pure updater to the current state, persists the result,
// and notifies subscribers. The updater receives a copy and may return it
// modified or build a new state from the package's operations.
func (s *Store) Update(fn func(types.SessionState) types.SessionState) {
	s.mu.Lock()
	next := normalize(fn(cloneState(s.state)))
	s.state = next
	s.persistLocked(next)
	s.mu.Unlock()

	s.notify()
}

func (s *Store) persistLocked(state types.SessionState) {
	if s.persist == nil {
		return
	}
	blob, err := json.Marshal(state)
	if err != nil {
		s.log.Warn("session encode failed", "error", err)
		return
	}
	if err := s.persist.Save(blob); err != nil {
		s.log.Warn("session save failed, continuing in memory", "error", err)
	}
}

// Subscribe registers a change listener and returns its unsubscribe
// function. Listeners may subscribe or unsubscribe during notification.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify() {
	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
