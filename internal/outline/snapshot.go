package outline

import (
	"sort"

	"github.com/mesh-intelligence/loom/pkg/types"
)

// BuildSnapshot projects the committed document state into an immutable,
// query-friendly tree. It is pure and re-entrant: safe to call from a
// transaction-complete listener. Every edge and node reference is existence
// checked: a structural change can tombstone something another register
// still points at, and the projector must skip it, never panic.
func BuildSnapshot(d *Document) *types.OutlineSnapshot {
	doc := d.doc
	snap := &types.OutlineSnapshot{
		Nodes:                  make(map[types.NodeID]*types.Node),
		Edges:                  make(map[types.EdgeID]*types.Edge),
		ChildrenByParent:       make(map[types.NodeID][]types.EdgeID),
		ChildEdgesByParentEdge: make(map[types.EdgeID][]types.EdgeID),
		CanonicalEdgeByEdge:    make(map[types.EdgeID]types.EdgeID),
	}

	for _, key := range doc.Keys(entityNode) {
		if n, ok := readNode(doc.Get, types.NodeID(key)); ok {
			snap.Nodes[n.ID] = n
		}
	}

	// Decode live edges whose endpoints resolve; anything dangling is
	// dropped from the projection entirely.
	var edges []*types.Edge
	for _, key := range doc.Keys(entityEdge) {
		e, ok := readEdge(doc.Get, types.EdgeID(key))
		if !ok {
			continue
		}
		if _, ok := snap.Nodes[e.ChildNodeID]; !ok {
			continue
		}
		if e.ParentNodeID != nil {
			if _, ok := snap.Nodes[*e.ParentNodeID]; !ok {
				continue
			}
		}
		edges = append(edges, e)
	}
	sort.Slice(edges, func(i, j int) bool { return types.EdgeBefore(edges[i], edges[j]) })

	edgesByChild := make(map[types.NodeID][]*types.Edge)
	for _, e := range edges {
		snap.Edges[e.ID] = e
		edgesByChild[e.ChildNodeID] = append(edgesByChild[e.ChildNodeID], e)
		if e.ParentNodeID == nil {
			snap.RootEdgeIDs = append(snap.RootEdgeIDs, e.ID)
		} else {
			snap.ChildrenByParent[*e.ParentNodeID] = append(snap.ChildrenByParent[*e.ParentNodeID], e.ID)
		}
	}

	// Per-placement child lists: every edge sees the ordered children of
	// the node it points to, so a mirror and its original each carry their
	// own expansion state over the same child order.
	for _, e := range edges {
		if children := snap.ChildrenByParent[e.ChildNodeID]; len(children) > 0 {
			snap.ChildEdgesByParentEdge[e.ID] = children
		}
	}

	// Canonical placement per node: the non-mirror edge when one exists,
	// else the deterministically smallest edge ID.
	for _, e := range edges {
		canonical := canonicalEdge(edgesByChild[e.ChildNodeID])
		snap.CanonicalEdgeByEdge[e.ID] = canonical
	}

	// Orphan bookkeeping: live nodes no live edge references.
	for id := range snap.Nodes {
		if len(edgesByChild[id]) == 0 {
			snap.OrphanNodeIDs = append(snap.OrphanNodeIDs, id)
		}
	}
	sort.Slice(snap.OrphanNodeIDs, func(i, j int) bool {
		return snap.OrphanNodeIDs[i] < snap.OrphanNodeIDs[j]
	})

	return snap
}

// Snapshot projects this replica's committed state.
func (d *Document) Snapshot() *types.OutlineSnapshot { return BuildSnapshot(d) }

// canonicalEdge picks the reference placement among all placements of one
// node.
func canonicalEdge(placements []*types.Edge) types.EdgeID {
	var best types.EdgeID
	for _, e := range placements {
		if !e.Mirror {
			if best == "" || e.ID < best {
				best = e.ID
			}
		}
	}
	if best != "" {
		return best
	}
	for _, e := range placements {
		if best == "" || e.ID < best {
			best = e.ID
		}
	}
	return best
}
