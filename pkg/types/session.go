package types

// Pane kinds. A pane is an independent viewport rooted at some edge (or the
// whole outline) with its own selection and search state.
const (
	PaneKindOutline  = "outline"
	PaneKindWikilink = "wikilink"
)

// SelectionRange is a multi-select range within one pane, expressed as
// anchor and head edges.
type SelectionRange struct {
	AnchorEdgeID EdgeID `json:"anchorEdgeId"`
	HeadEdgeID   EdgeID `json:"headEdgeId"`
}

// PaneSearchState holds the search sub-state of one pane. Draft is what the
// user is typing; Submitted is the last executed query. Expanded/Collapsed
// record manual overrides applied while results are showing, and Appended
// records edges added to the result set after submission (e.g. newly
// created rows that should stay visible).
type PaneSearchState struct {
	Draft            string   `json:"draft,omitempty"`
	Submitted        string   `json:"submitted,omitempty"`
	ResultEdgeIDs    []EdgeID `json:"resultEdgeIds,omitempty"`
	ExpandedEdgeIDs  []EdgeID `json:"expandedEdgeIds,omitempty"`
	CollapsedEdgeIDs []EdgeID `json:"collapsedEdgeIds,omitempty"`
	AppendedEdgeIDs  []EdgeID `json:"appendedEdgeIds,omitempty"`
}

// Active reports whether the pane currently shows search results.
func (s PaneSearchState) Active() bool { return s.Submitted != "" }

// PaneState is the full local UI state of one pane. It is not replicated:
// it persists per user in local storage only.
type PaneState struct {
	PaneID             PaneID          `json:"paneId"`
	Kind               string          `json:"kind,omitempty"`
	RootEdgeID         *EdgeID         `json:"rootEdgeId,omitempty"` // nil means whole outline
	SelectedEdgeID     *EdgeID         `json:"selectedEdgeId,omitempty"`
	Selection          *SelectionRange `json:"selection,omitempty"`
	PendingFocusEdgeID *EdgeID         `json:"pendingFocusEdgeId,omitempty"`
	FocusPathEdgeIDs   []EdgeID        `json:"focusPathEdgeIds,omitempty"`
	Search             PaneSearchState `json:"search"`
	WidthRatio         float64         `json:"widthRatio"`
}

// SessionState is the whole multi-pane session: every open pane, their
// left-to-right order, and which pane is active. There is always at least
// one pane.
type SessionState struct {
	PanesByID    map[PaneID]PaneState `json:"panesById"`
	PaneOrder    []PaneID             `json:"paneOrder"`
	ActivePaneID PaneID               `json:"activePaneId"`
}

// Pane returns the pane with the given ID, if present.
func (s SessionState) Pane(id PaneID) (PaneState, bool) {
	p, ok := s.PanesByID[id]
	return p, ok
}

// ActivePane returns the currently active pane. Falls back to the first
// pane in order when the active ID is stale.
func (s SessionState) ActivePane() (PaneState, bool) {
	if p, ok := s.PanesByID[s.ActivePaneID]; ok {
		return p, true
	}
	if len(s.PaneOrder) > 0 {
		p, ok := s.PanesByID[s.PaneOrder[0]]
		return p, ok
	}
	return PaneState{}, false
}
