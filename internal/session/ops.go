// Package session holds the local, non-replicated multi-pane UI state: a
// reducer-style store over types.SessionState plus pure operations that
// updaters compose. Session state persists per user in a bbolt bucket and is
// never synced between replicas.
package session

import (
	"github.com/mesh-intelligence/loom/pkg/types"
)

// DefaultState is the fallback session: a single pane showing the whole
// outline. Used on first run and whenever persisted state is unusable.
func DefaultState() types.SessionState {
	pane := types.PaneState{
		PaneID:     types.NewPaneID(),
		Kind:       types.PaneKindOutline,
		WidthRatio: 1,
	}
	return types.SessionState{
		PanesByID:    map[types.PaneID]types.PaneState{pane.PaneID: pane},
		PaneOrder:    []types.PaneID{pane.PaneID},
		ActivePaneID: pane.PaneID,
	}
}

// cloneState deep-copies the session state so updaters never alias the
// store's map or slices.
func cloneState(s types.SessionState) types.SessionState {
	out := types.SessionState{
		PanesByID:    make(map[types.PaneID]types.PaneState, len(s.PanesByID)),
		PaneOrder:    append([]types.PaneID(nil), s.PaneOrder...),
		ActivePaneID: s.ActivePaneID,
	}
	for id, p := range s.PanesByID {
		out.PanesByID[id] = clonePane(p)
	}
	return out
}

func clonePane(p types.PaneState) types.PaneState {
	p.FocusPathEdgeIDs = append([]types.EdgeID(nil), p.FocusPathEdgeIDs...)
	p.Search.ResultEdgeIDs = append([]types.EdgeID(nil), p.Search.ResultEdgeIDs...)
	p.Search.ExpandedEdgeIDs = append([]types.EdgeID(nil), p.Search.ExpandedEdgeIDs...)
	p.Search.CollapsedEdgeIDs = append([]types.EdgeID(nil), p.Search.CollapsedEdgeIDs...)
	p.Search.AppendedEdgeIDs = append([]types.EdgeID(nil), p.Search.AppendedEdgeIDs...)
	if p.Selection != nil {
		sel := *p.Selection
		p.Selection = &sel
	}
	return p
}

// rebalanceWidths gives every pane an even share of the layout.
func rebalanceWidths(s types.SessionState) types.SessionState {
	n := len(s.PaneOrder)
	if n == 0 {
		return s
	}
	ratio := 1 / float64(n)
	for _, id := range s.PaneOrder {
		p := s.PanesByID[id]
		p.WidthRatio = ratio
		s.PanesByID[id] = p
	}
	return s
}

func indexOfPane(order []types.PaneID, id types.PaneID) int {
	for i, p := range order {
		if p == id {
			return i
		}
	}
	return -1
}

// OpenPaneOptions parameterizes OpenPaneRightOf.
type OpenPaneOptions struct {
	RootEdgeID       *types.EdgeID
	FocusEdgeID      *types.EdgeID
	FocusPathEdgeIDs []types.EdgeID
	PaneKind         string
}

// OpenPaneRightOf inserts a fresh pane immediately after the reference pane
// and splits widths evenly. When the reference pane does not exist the new
// pane goes last.
func OpenPaneRightOf(state types.SessionState, reference types.PaneID, opts OpenPaneOptions) (types.SessionState, types.PaneID) {
	state = cloneState(state)

	kind := opts.PaneKind
	if kind == "" {
		kind = types.PaneKindOutline
	}
	pane := types.PaneState{
		PaneID:           types.NewPaneID(),
		Kind:             kind,
		RootEdgeID:       opts.RootEdgeID,
		SelectedEdgeID:   opts.FocusEdgeID,
		FocusPathEdgeIDs: append([]types.EdgeID(nil), opts.FocusPathEdgeIDs...),
	}

	at := indexOfPane(state.PaneOrder, reference)
	if at < 0 {
		at = len(state.PaneOrder) - 1
	}
	state.PanesByID[pane.PaneID] = pane
	state.PaneOrder = append(state.PaneOrder, "")
	copy(state.PaneOrder[at+2:], state.PaneOrder[at+1:])
	state.PaneOrder[at+1] = pane.PaneID

	return rebalanceWidths(state), pane.PaneID
}

// ClosePane removes a pane. Activation falls to the left neighbor, or the
// new first pane when the closed pane was leftmost. Closing the last
// remaining pane is refused: there is always at least one pane.
func ClosePane(state types.SessionState, paneID types.PaneID) (next types.SessionState, didClose bool, nextActive types.PaneID) {
	at := indexOfPane(state.PaneOrder, paneID)
	if at < 0 || len(state.PaneOrder) <= 1 {
		return state, false, state.ActivePaneID
	}

	state = cloneState(state)
	delete(state.PanesByID, paneID)
	state.PaneOrder = append(state.PaneOrder[:at], state.PaneOrder[at+1:]...)

	if state.ActivePaneID == paneID {
		fallback := at - 1
		if fallback < 0 {
			fallback = 0
		}
		state.ActivePaneID = state.PaneOrder[fallback]
	}
	return rebalanceWidths(state), true, state.ActivePaneID
}

// FocusOptions parameterizes FocusPane.
type FocusOptions struct {
	EdgeID             *types.EdgeID
	RootEdgeID         *types.EdgeID
	FocusPathEdgeIDs   []types.EdgeID
	PendingFocusEdgeID *types.EdgeID
	MakeActive         bool
}

// FocusPane points one pane at an edge: selection plus the ancestor
// expansion path, so focusing a deeply nested row (via search or wikilink)
// auto-expands its ancestors in that pane only, never globally.
func FocusPane(state types.SessionState, paneID types.PaneID, opts FocusOptions) types.SessionState {
	if _, ok := state.PanesByID[paneID]; !ok {
		return state
	}
	state = cloneState(state)
	pane := state.PanesByID[paneID]
	pane.SelectedEdgeID = opts.EdgeID
	pane.FocusPathEdgeIDs = append([]types.EdgeID(nil), opts.FocusPathEdgeIDs...)
	pane.PendingFocusEdgeID = opts.PendingFocusEdgeID
	if opts.RootEdgeID != nil {
		pane.RootEdgeID = opts.RootEdgeID
	}
	state.PanesByID[paneID] = pane
	if opts.MakeActive {
		state.ActivePaneID = paneID
	}
	return state
}

// EnsureNeighborPane finds the pane immediately to the right of fromPaneID,
// creating one when none exists. Idempotent: calling it twice yields the
// same neighbor.
func EnsureNeighborPane(state types.SessionState, fromPaneID types.PaneID) (types.SessionState, types.PaneID) {
	at := indexOfPane(state.PaneOrder, fromPaneID)
	if at < 0 {
		return OpenPaneRightOf(state, fromPaneID, OpenPaneOptions{})
	}
	if at+1 < len(state.PaneOrder) {
		return state, state.PaneOrder[at+1]
	}
	return OpenPaneRightOf(state, fromPaneID, OpenPaneOptions{})
}

// SetActivePane activates an existing pane. Unknown panes are ignored.
func SetActivePane(state types.SessionState, paneID types.PaneID) types.SessionState {
	if _, ok := state.PanesByID[paneID]; !ok {
		return state
	}
	state = cloneState(state)
	state.ActivePaneID = paneID
	return state
}

// SetLayoutRatio sets one pane's width share, clamped to a usable range.
func SetLayoutRatio(state types.SessionState, paneID types.PaneID, ratio float64) types.SessionState {
	if _, ok := state.PanesByID[paneID]; !ok {
		return state
	}
	if ratio < 0.05 {
		ratio = 0.05
	}
	if ratio > 1 {
		ratio = 1
	}
	state = cloneState(state)
	pane := state.PanesByID[paneID]
	pane.WidthRatio = ratio
	state.PanesByID[paneID] = pane
	return state
}

// SetSearchDraft updates the in-progress query text of one pane.
func SetSearchDraft(state types.SessionState, paneID types.PaneID, draft string) types.SessionState {
	return updateSearch(state, paneID, func(s types.PaneSearchState) types.PaneSearchState {
		s.Draft = draft
		return s
	})
}

// SubmitSearch executes a query for one pane: records it as submitted,
// installs the result set, and clears appended edges and expansion
// overrides from any prior query.
func SubmitSearch(state types.SessionState, paneID types.PaneID, query string, results []types.EdgeID) types.SessionState {
	return updateSearch(state, paneID, func(s types.PaneSearchState) types.PaneSearchState {
		return types.PaneSearchState{
			Draft:         query,
			Submitted:     query,
			ResultEdgeIDs: append([]types.EdgeID(nil), results...),
		}
	})
}

// ClearSearch drops the pane's search state entirely.
func ClearSearch(state types.SessionState, paneID types.PaneID) types.SessionState {
	return updateSearch(state, paneID, func(types.PaneSearchState) types.PaneSearchState {
		return types.PaneSearchState{}
	})
}

// AppendSearchResult keeps an edge visible in an active result view even
// though it was not part of the submitted query's results, e.g. a row the
// user just created. No-op when search is inactive or the edge is already
// tracked.
func AppendSearchResult(state types.SessionState, paneID types.PaneID, edgeID types.EdgeID) types.SessionState {
	return updateSearch(state, paneID, func(s types.PaneSearchState) types.PaneSearchState {
		if !s.Active() || containsEdge(s.ResultEdgeIDs, edgeID) || containsEdge(s.AppendedEdgeIDs, edgeID) {
			return s
		}
		s.AppendedEdgeIDs = append(s.AppendedEdgeIDs, edgeID)
		return s
	})
}

// SetSearchExpansion records a manual expand/collapse override on an edge
// while results are showing. The override lists are mutually exclusive.
func SetSearchExpansion(state types.SessionState, paneID types.PaneID, edgeID types.EdgeID, expanded bool) types.SessionState {
	return updateSearch(state, paneID, func(s types.PaneSearchState) types.PaneSearchState {
		s.ExpandedEdgeIDs = removeEdge(s.ExpandedEdgeIDs, edgeID)
		s.CollapsedEdgeIDs = removeEdge(s.CollapsedEdgeIDs, edgeID)
		if expanded {
			s.ExpandedEdgeIDs = append(s.ExpandedEdgeIDs, edgeID)
		} else {
			s.CollapsedEdgeIDs = append(s.CollapsedEdgeIDs, edgeID)
		}
		return s
	})
}

func updateSearch(state types.SessionState, paneID types.PaneID, fn func(types.PaneSearchState) types.PaneSearchState) types.SessionState {
	if _, ok := state.PanesByID[paneID]; !ok {
		return state
	}
	state = cloneState(state)
	pane := state.PanesByID[paneID]
	pane.Search = fn(pane.Search)
	state.PanesByID[paneID] = pane
	return state
}

func containsEdge(edges []types.EdgeID, id types.EdgeID) bool {
	for _, e := range edges {
		if e == id {
			return true
		}
	}
	return false
}

func removeEdge(edges []types.EdgeID, id types.EdgeID) []types.EdgeID {
	out := edges[:0]
	for _, e := range edges {
		if e != id {
			out = append(out, e)
		}
	}
	return out
}
