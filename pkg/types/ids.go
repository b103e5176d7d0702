package types

import "github.com/google/uuid"

// NodeID identifies a node. Assigned once at creation, never reused.
type NodeID string

// EdgeID identifies an edge. Edge identity is distinct from the node the
// edge points to; two edges with different IDs may reference the same node.
type EdgeID string

// PaneID identifies a UI pane in the session store.
type PaneID string

// ClientID identifies one connected presence client. It is scoped to a
// single transport session and is not stable across reconnects.
type ClientID string

// NewNodeID returns a fresh node identifier.
func NewNodeID() NodeID { return NodeID(newUUID()) }

// NewEdgeID returns a fresh edge identifier.
func NewEdgeID() EdgeID { return EdgeID(newUUID()) }

// NewPaneID returns a fresh pane identifier.
func NewPaneID() PaneID { return PaneID(newUUID()) }

// NewClientID returns a fresh client identifier for one transport session.
func NewClientID() ClientID { return ClientID(newUUID()) }

// newUUID generates a UUID v7 string for entity IDs.
func newUUID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Fallback to UUID v4 if v7 generation fails
		return uuid.New().String()
	}
	return id.String()
}
