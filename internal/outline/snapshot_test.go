package outline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/loom/pkg/types"
)

func TestSnapshotMirrorIndexes(t *testing.T) {
	d := New()

	// a has child x; b mirrors x. Both placements must expose x's children
	// through their own per-edge child list.
	var nodeA, nodeB, nodeX, nodeY types.NodeID
	var edgeAX types.EdgeID
	err := d.Transact(testOrigin, func(txn *Txn) error {
		nodeA = txn.CreateNode("a")
		nodeB = txn.CreateNode("b")
		if _, err := txn.AddEdge(nil, nodeA, -1); err != nil {
			return err
		}
		if _, err := txn.AddEdge(nil, nodeB, -1); err != nil {
			return err
		}
		nodeX = txn.CreateNode("x")
		var err error
		edgeAX, err = txn.AddEdge(&nodeA, nodeX, -1)
		if err != nil {
			return err
		}
		nodeY = txn.CreateNode("y")
		_, err = txn.AddEdge(&nodeX, nodeY, -1)
		return err
	})
	require.NoError(t, err)

	mirror, ok := d.CreateMirrorEdge(testOrigin, nodeX, &nodeB, -1)
	require.True(t, ok)

	snap := d.Snapshot()

	// Both placements of x list the same ordered children of x.
	require.Len(t, snap.ChildrenByParent[nodeX], 1)
	assert.Equal(t, snap.ChildrenByParent[nodeX], snap.ChildEdgesByParentEdge[edgeAX])
	assert.Equal(t, snap.ChildrenByParent[nodeX], snap.ChildEdgesByParentEdge[mirror])

	// Both placements share the original as canonical edge.
	assert.Equal(t, edgeAX, snap.CanonicalEdgeByEdge[edgeAX])
	assert.Equal(t, edgeAX, snap.CanonicalEdgeByEdge[mirror])

	// The mirrored node still has children "anywhere".
	assert.True(t, snap.HasChildren(nodeX))
	assert.False(t, snap.HasChildren(nodeY))
}

func TestSnapshotImmutableUnderLaterMutation(t *testing.T) {
	d := New()
	nodes, edges := buildList(t, d, "a", "b")

	before := d.Snapshot()
	require.Len(t, before.RootEdgeIDs, 2)
	textBefore := before.Nodes[nodes[0]].Text

	require.NoError(t, d.SetNodeText(testOrigin, nodes[0], "changed"))
	require.NoError(t, d.RemoveEdge(testOrigin, edges[1], true))

	// The old snapshot still reads exactly what it read before.
	assert.Equal(t, textBefore, before.Nodes[nodes[0]].Text)
	assert.Len(t, before.RootEdgeIDs, 2)
	assert.True(t, before.HasEdge(edges[1]))

	after := d.Snapshot()
	assert.Equal(t, "changed", after.Nodes[nodes[0]].Text)
	assert.False(t, after.HasEdge(edges[1]))
}

func TestSnapshotSkipsDanglingReferences(t *testing.T) {
	d := New()
	nodes, edges := buildList(t, d, "a")

	// Tombstone the node directly, leaving the edge pointing at nothing.
	err := d.Transact(testOrigin, func(txn *Txn) error {
		txn.mustSet(entityNode, string(nodes[0]), fieldDeleted, true)
		return nil
	})
	require.NoError(t, err)

	snap := d.Snapshot()
	assert.False(t, snap.HasEdge(edges[0]), "edge with a dead child is dropped, not a panic")
	assert.Empty(t, snap.RootEdgeIDs)
}

func TestSnapshotEveryEdgeResolves(t *testing.T) {
	d := New()

	var a, b types.NodeID
	err := d.Transact(testOrigin, func(txn *Txn) error {
		a = txn.CreateNode("a")
		b = txn.CreateNode("b")
		if _, err := txn.AddEdge(nil, a, -1); err != nil {
			return err
		}
		if _, err := txn.AddEdge(&a, b, -1); err != nil {
			return err
		}
		_, ok := txn.CreateMirrorEdge(b, nil, -1)
		require.True(t, ok)
		return nil
	})
	require.NoError(t, err)

	snap := d.Snapshot()
	for id, e := range snap.Edges {
		assert.Equal(t, id, e.ID)
		_, ok := snap.Node(e.ChildNodeID)
		assert.True(t, ok, "edge %s child must resolve", id)
		if e.ParentNodeID != nil {
			_, ok := snap.Node(*e.ParentNodeID)
			assert.True(t, ok, "edge %s parent must resolve", id)
		}
	}
}
