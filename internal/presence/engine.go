// Package presence maintains ephemeral multi-user awareness state: which
// client is focused where, with what selection, under what display name.
//
// Presence is intentionally the weakest data in the system. It is never
// persisted, and it merges last-writer-wins per client with no further
// conflict resolution: each participant record carries a logical clock that
// must strictly increase on every update from that client, and a client
// whose clock stops advancing is garbage collected after a timeout.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/mesh-intelligence/loom/pkg/types"
)

// State is the locally publishable presence state.
type State struct {
	UserID      string
	DisplayName string
	Color       string
	FocusEdgeID *types.EdgeID
	Selection   *types.SelectionRange
	Metadata    map[string]string
}

// wireParticipant is the per-client payload entry. Left announces
// departure; it still carries an advanced clock so receivers treat it as
// newer than the last live update.
type wireParticipant struct {
	UserID      string                `json:"userId,omitempty"`
	DisplayName string                `json:"displayName,omitempty"`
	Color       string                `json:"color,omitempty"`
	FocusEdgeID *types.EdgeID         `json:"focusEdgeId,omitempty"`
	Selection   *types.SelectionRange `json:"selection,omitempty"`
	Metadata    map[string]string     `json:"metadata,omitempty"`
	Clock       uint64                `json:"clock"`
	Left        bool                  `json:"left,omitempty"`
}

// entry tracks one remote participant and when its clock last advanced.
type entry struct {
	participant types.Participant
	lastAdvance time.Time
}

// Engine tracks local and remote presence for one document connection.
type Engine struct {
	mu       sync.Mutex
	clientID types.ClientID
	timeout  time.Duration
	now      func() time.Time

	local       State
	localClock  uint64
	localActive bool

	remote map[types.ClientID]*entry

	snapshot *types.PresenceSnapshot

	listenerMu   sync.Mutex
	listeners    map[int]func()
	nextListener int
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the engine's clock source for tests.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a presence engine for one client connection. timeout is
// the garbage-collection window; zero selects the default.
func NewEngine(clientID types.ClientID, timeout time.Duration, opts ...Option) *Engine {
	if timeout <= 0 {
		timeout = types.DefaultPresenceTimeout
	}
	e := &Engine{
		clientID:  clientID,
		timeout:   timeout,
		now:       time.Now,
		remote:    make(map[types.ClientID]*entry),
		listeners: make(map[int]func()),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.snapshot = e.buildSnapshotLocked()
	return e
}

// ClientID returns this engine's transport-session client ID.
func (e *Engine) ClientID() types.ClientID { return e.clientID }

// Subscribe registers a change listener and returns its unsubscribe
// function.
func (e *Engine) Subscribe(fn func()) (unsubscribe func()) {
	e.listenerMu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn
	e.listenerMu.Unlock()
	return func() {
		e.listenerMu.Lock()
		delete(e.listeners, id)
		e.listenerMu.Unlock()
	}
}

func (e *Engine) notify() {
	e.listenerMu.Lock()
	fns := make([]func(), 0, len(e.listeners))
	for _, fn := range e.listeners {
		fns = append(fns, fn)
	}
	e.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// Snapshot returns the cached presence view. The reference only changes
// when presence changed.
func (e *Engine) Snapshot() *types.PresenceSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot
}

// SetLocalState replaces the local participant state, advances the local
// clock, and returns the awareness payload to broadcast.
func (e *Engine) SetLocalState(s State) ([]byte, error) {
	e.mu.Lock()
	e.local = s
	e.localActive = true
	e.localClock++
	payload, err := e.encodeLocalLocked(true)
	e.snapshot = e.buildSnapshotLocked()
	e.mu.Unlock()

	e.notify()
	return payload, err
}

// ClearLocalState removes the local participant and returns the departure
// payload to broadcast, so a detaching tab does not linger as a ghost until
// the timeout.
func (e *Engine) ClearLocalState() ([]byte, error) {
	e.mu.Lock()
	e.localActive = false
	e.localClock++
	payload, err := e.encodeLocalLocked(false)
	e.snapshot = e.buildSnapshotLocked()
	e.mu.Unlock()

	e.notify()
	return payload, err
}

// encodeLocalLocked builds the single-client awareness payload.
func (e *Engine) encodeLocalLocked(present bool) ([]byte, error) {
	wp := wireParticipant{Clock: e.localClock, Left: !present}
	if present {
		wp.UserID = e.local.UserID
		wp.DisplayName = e.local.DisplayName
		wp.Color = e.local.Color
		wp.FocusEdgeID = e.local.FocusEdgeID
		wp.Selection = e.local.Selection
		wp.Metadata = e.local.Metadata
	}
	return json.Marshal(map[types.ClientID]wireParticipant{e.clientID: wp})
}

// ApplyRemote merges an awareness payload from a peer. Malformed entries
// are dropped per participant: one buggy peer never crashes the index.
func (e *Engine) ApplyRemote(payload []byte) {
	var raw map[types.ClientID]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return // whole payload unreadable; drop it
	}

	e.mu.Lock()
	changed := false
	for clientID, body := range raw {
		if clientID == e.clientID {
			continue // never let a peer overwrite local state
		}
		var probe struct {
			Left  bool   `json:"left"`
			Clock uint64 `json:"clock"`
		}
		if err := json.Unmarshal(body, &probe); err != nil {
			continue
		}
		cur, known := e.remote[clientID]
		if known && probe.Clock <= cur.participant.Clock {
			continue // stale or replayed update
		}
		if probe.Left {
			if known {
				delete(e.remote, clientID)
				changed = true
			}
			continue
		}
		var wp wireParticipant
		if err := json.Unmarshal(body, &wp); err != nil {
			continue
		}
		e.remote[clientID] = &entry{
			participant: types.Participant{
				ClientID:    clientID,
				UserID:      wp.UserID,
				DisplayName: wp.DisplayName,
				Color:       wp.Color,
				FocusEdgeID: wp.FocusEdgeID,
				Selection:   wp.Selection,
				Metadata:    wp.Metadata,
				Clock:       wp.Clock,
			},
			lastAdvance: e.now(),
		}
		changed = true
	}
	if changed {
		e.snapshot = e.buildSnapshotLocked()
	}
	e.mu.Unlock()

	if changed {
		e.notify()
	}
}

// Sweep drops every participant whose clock has not advanced within the
// timeout window. Returns how many were removed.
func (e *Engine) Sweep() int {
	e.mu.Lock()
	cutoff := e.now().Add(-e.timeout)
	removed := 0
	for clientID, ent := range e.remote {
		if ent.lastAdvance.Before(cutoff) {
			delete(e.remote, clientID)
			removed++
		}
	}
	if removed > 0 {
		e.snapshot = e.buildSnapshotLocked()
	}
	e.mu.Unlock()

	if removed > 0 {
		e.notify()
	}
	return removed
}

// buildSnapshotLocked derives the immutable snapshot plus the inverted
// per-edge participant index. Remote participants only in ByEdgeID; the
// local participant appears in the raw list flagged IsLocal.
func (e *Engine) buildSnapshotLocked() *types.PresenceSnapshot {
	snap := &types.PresenceSnapshot{
		ByClientID: make(map[types.ClientID]types.Participant),
		ByEdgeID:   make(map[types.EdgeID][]types.Participant),
	}

	for _, ent := range e.remote {
		p := ent.participant
		snap.ByClientID[p.ClientID] = p
		if p.FocusEdgeID != nil {
			snap.ByEdgeID[*p.FocusEdgeID] = append(snap.ByEdgeID[*p.FocusEdgeID], p)
		}
	}

	if e.localActive {
		local := types.Participant{
			ClientID:    e.clientID,
			UserID:      e.local.UserID,
			DisplayName: e.local.DisplayName,
			Color:       e.local.Color,
			FocusEdgeID: e.local.FocusEdgeID,
			Selection:   e.local.Selection,
			Metadata:    e.local.Metadata,
			Clock:       e.localClock,
			IsLocal:     true,
		}
		snap.ByClientID[local.ClientID] = local
	}

	snap.Participants = make([]types.Participant, 0, len(snap.ByClientID))
	for _, p := range snap.ByClientID {
		snap.Participants = append(snap.Participants, p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool {
		return snap.Participants[i].ClientID < snap.Participants[j].ClientID
	})
	for edgeID := range snap.ByEdgeID {
		ps := snap.ByEdgeID[edgeID]
		sort.Slice(ps, func(i, j int) bool { return ps[i].ClientID < ps[j].ClientID })
	}

	return snap
}
