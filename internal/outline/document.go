// Package outline implements the Loom document model on top of the crdt
// substrate: node and edge tables with per-parent ordered child lists, the
// snapshot projector, the bootstrap coordinator, and the default seed.
//
// Mirrors fall out of the data model: an edge has its own identity, so two
// live edges pointing at the same child node are simply two placements of
// it. The structure graph must stay acyclic; every mutation that could
// introduce a cycle checks before writing and returns ErrCycleDetected.
package outline

import (
	"encoding/json"
	"time"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/pkg/types"
)

// CRDT entities.
const (
	entityNode = "node"
	entityEdge = "edge"
	entityPref = "pref"
)

// Node fields. Each is its own LWW register so concurrent edits to
// different fields of the same node both survive a merge.
const (
	fieldText      = "text"
	fieldCreatedAt = "createdAt"
	fieldUpdatedAt = "updatedAt"
	fieldTags      = "tags"
	fieldHeading   = "heading"
	fieldLayout    = "layout"
	fieldTodoDone  = "todoDone"
	fieldDeleted   = "deleted"
)

// Edge fields. Placement (parent + order key) is one register so a
// concurrent pair of moves can never interleave parent from one writer and
// position from another.
const (
	fieldChild     = "child"
	fieldPlacement = "placement"
	fieldCollapsed = "collapsed"
	fieldMirror    = "mirror"
)

// Preference fields.
const fieldValue = "value"

// placement is the replicated (parent, order key) pair of an edge.
type placement struct {
	Parent *types.NodeID `json:"p,omitempty"`
	Pos    string        `json:"o"`
}

// Document is one replica of an outline document.
type Document struct {
	doc *crdt.Doc
}

// New creates an empty outline document replica.
func New() *Document {
	return &Document{doc: crdt.NewDoc()}
}

// NewWithReplica creates a document with a fixed replica ID, for
// deterministic tests.
func NewWithReplica(replica crdt.ReplicaID) *Document {
	return &Document{doc: crdt.NewDocWithReplica(replica)}
}

// CRDT exposes the underlying replica for the persistence adapter and the
// transport provider. Callers must mutate it only through Document methods.
func (d *Document) CRDT() *crdt.Doc { return d.doc }

// Replica returns this replica's ID.
func (d *Document) Replica() crdt.ReplicaID { return d.doc.Replica() }

// OnAfterTransaction registers a transaction-complete listener.
func (d *Document) OnAfterTransaction(fn func(crdt.TransactionEvent)) func() {
	return d.doc.OnAfterTransaction(fn)
}

// Transact runs fn as one atomic, origin-tagged transaction. Multi-step
// operations (indent = remove + re-add) composed inside one fn are observed
// by listeners as a single change. Not reentrant: calling Transact or any
// Document-level convenience wrapper from inside fn deadlocks; use the Txn
// methods.
func (d *Document) Transact(origin crdt.Origin, fn func(txn *Txn) error) error {
	return d.doc.Transact(origin, func(tx *crdt.Tx) error {
		return fn(&Txn{tx: tx, replica: d.doc.Replica()})
	})
}

// Txn is the outline-level view of an in-progress transaction.
type Txn struct {
	tx      *crdt.Tx
	replica crdt.ReplicaID
}

// getter abstracts register reads so decode helpers work both inside a
// transaction and against the committed document.
type getter func(entity, key, field string) (json.RawMessage, bool)

func (t *Txn) get(entity, key, field string) (json.RawMessage, bool) {
	return t.tx.Get(entity, key, field)
}

// CreateNode allocates a fresh node with default metadata and optional seed
// text, and registers it in the node table.
func (t *Txn) CreateNode(text string) types.NodeID {
	id := types.NewNodeID()
	now := time.Now().UnixMilli()
	t.mustSet(entityNode, string(id), fieldCreatedAt, now)
	t.mustSet(entityNode, string(id), fieldUpdatedAt, now)
	t.mustSet(entityNode, string(id), fieldLayout, types.LayoutStandard)
	if text != "" {
		t.mustSet(entityNode, string(id), fieldText, text)
	}
	return id
}

// NodeExists reports whether the node is registered and not tombstoned.
func (t *Txn) NodeExists(id types.NodeID) bool {
	return nodeLive(t.get, id)
}

// SetNodeText replaces the node's opaque content blob.
func (t *Txn) SetNodeText(id types.NodeID, text string) error {
	if !nodeLive(t.get, id) {
		return types.ErrNodeNotFound
	}
	t.mustSet(entityNode, string(id), fieldText, text)
	t.touch(id)
	return nil
}

// NodeText returns the node's content blob.
func (t *Txn) NodeText(id types.NodeID) (string, bool) {
	if !nodeLive(t.get, id) {
		return "", false
	}
	return readString(t.get, entityNode, string(id), fieldText), true
}

// SetHeadingLevel sets the node's heading level; zero clears it.
func (t *Txn) SetHeadingLevel(id types.NodeID, level int) error {
	if !nodeLive(t.get, id) {
		return types.ErrNodeNotFound
	}
	t.mustSet(entityNode, string(id), fieldHeading, level)
	t.touch(id)
	return nil
}

// SetTags replaces the node's tag list.
func (t *Txn) SetTags(id types.NodeID, tags []string) error {
	if !nodeLive(t.get, id) {
		return types.ErrNodeNotFound
	}
	t.mustSet(entityNode, string(id), fieldTags, tags)
	t.touch(id)
	return nil
}

// SetLayout sets the node's layout kind.
func (t *Txn) SetLayout(id types.NodeID, layout string) error {
	if !nodeLive(t.get, id) {
		return types.ErrNodeNotFound
	}
	t.mustSet(entityNode, string(id), fieldLayout, layout)
	t.touch(id)
	return nil
}

// SetTodoDone marks the node as a todo and records completion; nil clears
// the todo flag entirely.
func (t *Txn) SetTodoDone(id types.NodeID, done *bool) error {
	if !nodeLive(t.get, id) {
		return types.ErrNodeNotFound
	}
	t.mustSet(entityNode, string(id), fieldTodoDone, done)
	t.touch(id)
	return nil
}

// SetPreference writes a user-level preference or singleton role
// assignment (e.g. which node is the Inbox root).
func (t *Txn) SetPreference(key string, value any) {
	t.mustSet(entityPref, key, fieldValue, value)
}

// Preference reads a preference into out, reporting whether it was set.
func (t *Txn) Preference(key string, out any) bool {
	raw, ok := t.get(entityPref, key, fieldValue)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// touch bumps the node's updatedAt.
func (t *Txn) touch(id types.NodeID) {
	t.mustSet(entityNode, string(id), fieldUpdatedAt, time.Now().UnixMilli())
}

// mustSet writes a register. Encoding only fails for unmarshalable values,
// which the fixed field types here never are.
func (t *Txn) mustSet(entity, key, field string, value any) {
	if err := t.tx.Set(entity, key, field, value); err != nil {
		panic(err)
	}
}

// Convenience single-operation wrappers. Each opens its own transaction,
// so they cannot be used inside Transact; compose through Txn there.

// CreateNode allocates a fresh node in its own transaction.
func (d *Document) CreateNode(origin crdt.Origin, text string) types.NodeID {
	var id types.NodeID
	_ = d.Transact(origin, func(txn *Txn) error {
		id = txn.CreateNode(text)
		return nil
	})
	return id
}

// SetNodeText replaces a node's text in its own transaction.
func (d *Document) SetNodeText(origin crdt.Origin, id types.NodeID, text string) error {
	return d.Transact(origin, func(txn *Txn) error {
		return txn.SetNodeText(id, text)
	})
}

// NodeText reads a node's text from committed state.
func (d *Document) NodeText(id types.NodeID) (string, bool) {
	if !nodeLive(d.doc.Get, id) {
		return "", false
	}
	return readString(d.doc.Get, entityNode, string(id), fieldText), true
}

// SetPreference writes a preference in its own transaction.
func (d *Document) SetPreference(origin crdt.Origin, key string, value any) {
	_ = d.Transact(origin, func(txn *Txn) error {
		txn.SetPreference(key, value)
		return nil
	})
}

// Preference reads a committed preference into out.
func (d *Document) Preference(key string, out any) bool {
	raw, ok := d.doc.Get(entityPref, key, fieldValue)
	if !ok {
		return false
	}
	return json.Unmarshal(raw, out) == nil
}

// Shared decode helpers.

// nodeLive reports whether a node is registered and not tombstoned.
func nodeLive(g getter, id types.NodeID) bool {
	if _, ok := g(entityNode, string(id), fieldCreatedAt); !ok {
		return false
	}
	return !readBool(g, entityNode, string(id), fieldDeleted)
}

// edgeLive reports whether an edge is registered and not tombstoned.
func edgeLive(g getter, id types.EdgeID) bool {
	if _, ok := g(entityEdge, string(id), fieldChild); !ok {
		return false
	}
	return !readBool(g, entityEdge, string(id), fieldDeleted)
}

// readEdge decodes an edge's registers. Returns false for missing or
// tombstoned edges, and for edges whose placement never arrived (a peer's
// partial update): the document tolerates transiently inconsistent reads.
func readEdge(g getter, id types.EdgeID) (*types.Edge, bool) {
	if !edgeLive(g, id) {
		return nil, false
	}
	child := readString(g, entityEdge, string(id), fieldChild)
	if child == "" {
		return nil, false
	}
	raw, ok := g(entityEdge, string(id), fieldPlacement)
	if !ok {
		return nil, false
	}
	var pl placement
	if err := json.Unmarshal(raw, &pl); err != nil {
		return nil, false
	}
	return &types.Edge{
		ID:           id,
		ParentNodeID: pl.Parent,
		ChildNodeID:  types.NodeID(child),
		Collapsed:    readBool(g, entityEdge, string(id), fieldCollapsed),
		Mirror:       readBool(g, entityEdge, string(id), fieldMirror),
		Position:     pl.Pos,
	}, true
}

// readNode decodes a node's registers.
func readNode(g getter, id types.NodeID) (*types.Node, bool) {
	if !nodeLive(g, id) {
		return nil, false
	}
	n := &types.Node{
		ID:   id,
		Text: readString(g, entityNode, string(id), fieldText),
		Metadata: types.NodeMetadata{
			CreatedAt:    readInt64(g, entityNode, string(id), fieldCreatedAt),
			UpdatedAt:    readInt64(g, entityNode, string(id), fieldUpdatedAt),
			HeadingLevel: int(readInt64(g, entityNode, string(id), fieldHeading)),
			Layout:       readString(g, entityNode, string(id), fieldLayout),
		},
	}
	if raw, ok := g(entityNode, string(id), fieldTags); ok {
		_ = json.Unmarshal(raw, &n.Metadata.Tags)
	}
	if raw, ok := g(entityNode, string(id), fieldTodoDone); ok {
		_ = json.Unmarshal(raw, &n.Metadata.TodoDone)
	}
	return n, true
}

func readString(g getter, entity, key, field string) string {
	raw, ok := g(entity, key, field)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func readBool(g getter, entity, key, field string) bool {
	raw, ok := g(entity, key, field)
	if !ok {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false
	}
	return b
}

func readInt64(g getter, entity, key, field string) int64 {
	raw, ok := g(entity, key, field)
	if !ok {
		return 0
	}
	var n int64
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0
	}
	return n
}
