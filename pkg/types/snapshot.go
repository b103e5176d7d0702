package types

// OutlineSnapshot is an immutable projection of the replicated document into
// a tree-queryable form. A new snapshot is produced on each recomputation;
// consumers holding an old reference keep reading consistent data. No
// component may mutate a snapshot in place.
//
// ChildrenByParent maps a parent node to the ordered edges under it and
// answers "does this node have children anywhere". ChildEdgesByParentEdge
// maps an edge to the ordered child edges of the node it points to, giving
// each placement of a mirrored node its own per-placement child list.
// CanonicalEdgeByEdge maps any edge to the reference placement of the same
// child node, de-duplicating selection and drag logic across mirrors.
type OutlineSnapshot struct {
	Nodes                  map[NodeID]*Node
	Edges                  map[EdgeID]*Edge
	RootEdgeIDs            []EdgeID
	ChildrenByParent       map[NodeID][]EdgeID
	ChildEdgesByParentEdge map[EdgeID][]EdgeID
	CanonicalEdgeByEdge    map[EdgeID]EdgeID
	OrphanNodeIDs          []NodeID
}

// Node returns the node with the given ID, if present.
func (s *OutlineSnapshot) Node(id NodeID) (*Node, bool) {
	n, ok := s.Nodes[id]
	return n, ok
}

// Edge returns the edge with the given ID, if present.
func (s *OutlineSnapshot) Edge(id EdgeID) (*Edge, bool) {
	e, ok := s.Edges[id]
	return e, ok
}

// HasEdge reports whether the edge exists in this snapshot.
func (s *OutlineSnapshot) HasEdge(id EdgeID) bool {
	_, ok := s.Edges[id]
	return ok
}

// HasChildren reports whether any placement of the node has children.
func (s *OutlineSnapshot) HasChildren(id NodeID) bool {
	return len(s.ChildrenByParent[id]) > 0
}

// FirstRootEdge returns the first root-level edge, if the outline has one.
func (s *OutlineSnapshot) FirstRootEdge() (EdgeID, bool) {
	if len(s.RootEdgeIDs) == 0 {
		return "", false
	}
	return s.RootEdgeIDs[0], true
}
