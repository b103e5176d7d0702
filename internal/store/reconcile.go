package store

import (
	"github.com/mesh-intelligence/loom/pkg/types"
)

// reconcileSelection resets any pane whose selected edge vanished from the
// snapshot to that pane's first root-level edge, or nil when the pane is
// empty. This lives in the facade rather than the session reducer because it
// cross-references the outline snapshot.
func (s *Store) reconcileSelection(snap *types.OutlineSnapshot) {
	state := s.session.State()
	if !selectionNeedsRepair(state, snap) {
		return
	}
	s.session.Update(func(state types.SessionState) types.SessionState {
		return repairSelection(state, snap)
	})
}

func selectionNeedsRepair(state types.SessionState, snap *types.OutlineSnapshot) bool {
	for _, pane := range state.PanesByID {
		if pane.SelectedEdgeID != nil && !snap.HasEdge(*pane.SelectedEdgeID) {
			return true
		}
	}
	return false
}

func repairSelection(state types.SessionState, snap *types.OutlineSnapshot) types.SessionState {
	for id, pane := range state.PanesByID {
		if pane.SelectedEdgeID == nil || snap.HasEdge(*pane.SelectedEdgeID) {
			continue
		}
		pane.SelectedEdgeID = firstEdgeForPane(pane, snap)
		pane.Selection = nil
		pane.FocusPathEdgeIDs = nil
		state.PanesByID[id] = pane
	}
	return state
}

// firstEdgeForPane is the fallback selection: the first child of the pane's
// root edge, or the outline's first root edge for whole-outline panes.
func firstEdgeForPane(pane types.PaneState, snap *types.OutlineSnapshot) *types.EdgeID {
	if pane.RootEdgeID != nil && snap.HasEdge(*pane.RootEdgeID) {
		if children := snap.ChildEdgesByParentEdge[*pane.RootEdgeID]; len(children) > 0 {
			first := children[0]
			return &first
		}
		return nil
	}
	if first, ok := snap.FirstRootEdge(); ok {
		return &first
	}
	return nil
}
