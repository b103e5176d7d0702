package outline

import (
	"sort"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/pkg/types"
)

// AddEdge inserts a new parent→child placement at index within the
// parent's ordered child list (a negative or out-of-range index appends).
// A nil parent places the edge at the root level. Returns
// ErrCycleDetected when the child is an ancestor of the intended parent
// and ErrNodeNotFound when either endpoint is missing.
func (t *Txn) AddEdge(parent *types.NodeID, child types.NodeID, index int) (types.EdgeID, error) {
	if !nodeLive(t.get, child) {
		return "", types.ErrNodeNotFound
	}
	if parent != nil && !nodeLive(t.get, *parent) {
		return "", types.ErrNodeNotFound
	}
	if wouldCreateCycle(t.get, t.tx.Keys(entityEdge), child, parent) {
		return "", types.ErrCycleDetected
	}
	id := types.NewEdgeID()
	t.mustSet(entityEdge, string(id), fieldChild, string(child))
	t.writePlacement(id, parent, index)
	return id, nil
}

// CreateMirrorEdge adds a second placement of an existing node under a
// different parent. Returns false when the placement would be cyclic
// (mirroring a node under its own descendant) or an endpoint is missing;
// a refused mirror is a no-op, not an error.
func (t *Txn) CreateMirrorEdge(node types.NodeID, parent *types.NodeID, index int) (types.EdgeID, bool) {
	id, err := t.AddEdge(parent, node, index)
	if err != nil {
		return "", false
	}
	t.mustSet(entityEdge, string(id), fieldMirror, true)
	return id, true
}

// MoveEdge reparents and/or reorders an existing edge. The cycle check runs
// against the edge's subtree, not just its child: moving an edge under any
// descendant of its own child is refused.
func (t *Txn) MoveEdge(id types.EdgeID, newParent *types.NodeID, newIndex int) error {
	edge, ok := readEdge(t.get, id)
	if !ok {
		return types.ErrEdgeNotFound
	}
	if newParent != nil && !nodeLive(t.get, *newParent) {
		return types.ErrNodeNotFound
	}
	if wouldCreateCycle(t.get, t.tx.Keys(entityEdge), edge.ChildNodeID, newParent) {
		return types.ErrCycleDetected
	}
	t.writePlacementExcluding(id, newParent, newIndex, id)
	return nil
}

// RemoveEdge tombstones the edge. With removeChildIfOrphaned set, the child
// node is tombstoned too when no other live edge references it afterward.
func (t *Txn) RemoveEdge(id types.EdgeID, removeChildIfOrphaned bool) error {
	edge, ok := readEdge(t.get, id)
	if !ok {
		return types.ErrEdgeNotFound
	}
	t.mustSet(entityEdge, string(id), fieldDeleted, true)
	if !removeChildIfOrphaned {
		return nil
	}
	for _, other := range t.liveEdges() {
		if other.ID != id && other.ChildNodeID == edge.ChildNodeID {
			return nil
		}
	}
	t.mustSet(entityNode, string(edge.ChildNodeID), fieldDeleted, true)
	return nil
}

// ToggleEdgeCollapsed flips the per-edge collapsed flag. Collapse state is
// per placement: a mirror and its original hold independent flags.
func (t *Txn) ToggleEdgeCollapsed(id types.EdgeID) error {
	edge, ok := readEdge(t.get, id)
	if !ok {
		return types.ErrEdgeNotFound
	}
	t.mustSet(entityEdge, string(id), fieldCollapsed, !edge.Collapsed)
	return nil
}

// SetEdgeCollapsed sets the per-edge collapsed flag.
func (t *Txn) SetEdgeCollapsed(id types.EdgeID, collapsed bool) error {
	if !edgeLive(t.get, id) {
		return types.ErrEdgeNotFound
	}
	t.mustSet(entityEdge, string(id), fieldCollapsed, collapsed)
	return nil
}

// Edge decodes one live edge inside the transaction.
func (t *Txn) Edge(id types.EdgeID) (*types.Edge, bool) {
	return readEdge(t.get, id)
}

// Document-level wrappers, each a single-operation transaction.

// AddEdge inserts a parent→child placement in its own transaction.
func (d *Document) AddEdge(origin crdt.Origin, parent *types.NodeID, child types.NodeID, index int) (types.EdgeID, error) {
	var id types.EdgeID
	err := d.Transact(origin, func(txn *Txn) error {
		var err error
		id, err = txn.AddEdge(parent, child, index)
		return err
	})
	return id, err
}

// CreateMirrorEdge adds a second placement of a node in its own
// transaction. Returns false when the placement would be cyclic.
func (d *Document) CreateMirrorEdge(origin crdt.Origin, node types.NodeID, parent *types.NodeID, index int) (types.EdgeID, bool) {
	var id types.EdgeID
	ok := false
	_ = d.Transact(origin, func(txn *Txn) error {
		id, ok = txn.CreateMirrorEdge(node, parent, index)
		return nil
	})
	return id, ok
}

// MoveEdge reparents/reorders an edge in its own transaction.
func (d *Document) MoveEdge(origin crdt.Origin, id types.EdgeID, newParent *types.NodeID, newIndex int) error {
	return d.Transact(origin, func(txn *Txn) error {
		return txn.MoveEdge(id, newParent, newIndex)
	})
}

// RemoveEdge tombstones an edge in its own transaction.
func (d *Document) RemoveEdge(origin crdt.Origin, id types.EdgeID, removeChildIfOrphaned bool) error {
	return d.Transact(origin, func(txn *Txn) error {
		return txn.RemoveEdge(id, removeChildIfOrphaned)
	})
}

// ToggleEdgeCollapsed flips an edge's collapsed flag in its own transaction.
func (d *Document) ToggleEdgeCollapsed(origin crdt.Origin, id types.EdgeID) error {
	return d.Transact(origin, func(txn *Txn) error {
		return txn.ToggleEdgeCollapsed(id)
	})
}

// writePlacement computes an order key for the given index among the
// parent's current children and writes the placement register.
func (t *Txn) writePlacement(id types.EdgeID, parent *types.NodeID, index int) {
	t.writePlacementExcluding(id, parent, index, "")
}

// writePlacementExcluding is writePlacement with one edge (the edge being
// moved) excluded from the sibling list it indexes into.
func (t *Txn) writePlacementExcluding(id types.EdgeID, parent *types.NodeID, index int, exclude types.EdgeID) {
	siblings := childEdgesOf(t.get, t.tx.Keys(entityEdge), parent)
	if exclude != "" {
		filtered := siblings[:0]
		for _, s := range siblings {
			if s.ID != exclude {
				filtered = append(filtered, s)
			}
		}
		siblings = filtered
	}
	if index < 0 || index > len(siblings) {
		index = len(siblings)
	}
	var left, right string
	if index > 0 {
		left = siblings[index-1].Position
	}
	if index < len(siblings) {
		right = siblings[index].Position
	}
	pos := crdt.Between(left, right, t.replica)
	t.mustSet(entityEdge, string(id), fieldPlacement, placement{Parent: parent, Pos: pos})
}

// liveEdges decodes every live edge visible to the transaction.
func (t *Txn) liveEdges() []*types.Edge {
	return liveEdges(t.get, t.tx.Keys(entityEdge))
}

// liveEdges decodes the live edges among the given keys.
func liveEdges(g getter, keys []string) []*types.Edge {
	out := make([]*types.Edge, 0, len(keys))
	for _, key := range keys {
		if e, ok := readEdge(g, types.EdgeID(key)); ok {
			out = append(out, e)
		}
	}
	return out
}

// childEdgesOf returns the live edges under parent (nil for root level) in
// sibling order.
func childEdgesOf(g getter, keys []string, parent *types.NodeID) []*types.Edge {
	var out []*types.Edge
	for _, e := range liveEdges(g, keys) {
		if sameParent(e.ParentNodeID, parent) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return types.EdgeBefore(out[i], out[j]) })
	return out
}

func sameParent(a, b *types.NodeID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// wouldCreateCycle reports whether placing child under newParent closes a
// cycle: true when newParent is child itself or any node reachable from
// child by following parent→child edges.
func wouldCreateCycle(g getter, keys []string, child types.NodeID, newParent *types.NodeID) bool {
	if newParent == nil {
		return false
	}
	if child == *newParent {
		return true
	}

	// Children of a node across every placement, built once per check.
	children := make(map[types.NodeID][]types.NodeID)
	for _, e := range liveEdges(g, keys) {
		if e.ParentNodeID != nil {
			children[*e.ParentNodeID] = append(children[*e.ParentNodeID], e.ChildNodeID)
		}
	}

	seen := map[types.NodeID]bool{child: true}
	stack := []types.NodeID{child}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, c := range children[n] {
			if c == *newParent {
				return true
			}
			if !seen[c] {
				seen[c] = true
				stack = append(stack, c)
			}
		}
	}
	return false
}
