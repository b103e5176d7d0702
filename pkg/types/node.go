package types

// Layout kinds a node can render as. The core does not interpret these
// beyond replicating them; the view layer decides what they mean.
const (
	LayoutStandard  = "standard"
	LayoutParagraph = "paragraph"
	LayoutNumbered  = "numbered"
)

// NodeMetadata holds the replicated scalar fields attached to a node.
// All fields merge last-writer-wins per field.
type NodeMetadata struct {
	CreatedAt    int64    `json:"createdAt"` // unix milliseconds
	UpdatedAt    int64    `json:"updatedAt"` // unix milliseconds
	Tags         []string `json:"tags,omitempty"`
	HeadingLevel int      `json:"headingLevel,omitempty"` // 0 means not a heading
	Layout       string   `json:"layout,omitempty"`
	TodoDone     *bool    `json:"todoDone,omitempty"` // nil means not a todo
}

// Node is a unit of content. Its text is opaque to the core: the core reads
// only its length and emptiness, never its structure. A node is never
// deleted directly; it becomes unreachable when no live edge references it.
// A node referenced by more than one edge is a mirror.
type Node struct {
	ID       NodeID
	Text     string
	Metadata NodeMetadata
}

// HasText reports whether the node carries any content.
func (n *Node) HasText() bool { return len(n.Text) > 0 }
