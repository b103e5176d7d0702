package types

// Edge is a directed parent→child placement with its own identity.
//
// ParentNodeID of nil means the edge sits at the root level. Collapsed is
// per-edge, not per-node, because the same node can be collapsed in one
// placement and expanded in a mirrored placement. Position is an opaque
// dense order key; sibling order under one parent is the lexicographic
// order of (Position, ID).
type Edge struct {
	ID           EdgeID
	ParentNodeID *NodeID
	ChildNodeID  NodeID
	Collapsed    bool
	Mirror       bool
	Position     string
}

// IsRoot reports whether the edge sits at the root level of the outline.
func (e *Edge) IsRoot() bool { return e.ParentNodeID == nil }

// EdgeBefore orders two edges under the same parent: by position key,
// breaking ties on edge ID so concurrent inserts at the same position
// converge to one order on every replica.
func EdgeBefore(a, b *Edge) bool {
	if a.Position != b.Position {
		return a.Position < b.Position
	}
	return a.ID < b.ID
}
