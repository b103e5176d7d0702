package outline

import (
	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/pkg/types"
)

// Preference keys for singleton node roles.
const (
	PrefInboxNodeID   = "inboxNodeId"
	PrefJournalNodeID = "journalNodeId"
)

// seedRow describes one row of the welcome outline.
type seedRow struct {
	text     string
	children []seedRow
}

// defaultSeed is the welcome content written exactly once per document,
// guarded by the bootstrap coordinator.
var defaultSeed = []seedRow{
	{
		text: "Welcome to Loom",
		children: []seedRow{
			{text: "Press Enter to create a row, Tab to indent"},
			{text: "Every row can appear in more than one place; mirrors share their text everywhere"},
			{text: "Edits sync to your other devices and collaborators automatically"},
		},
	},
}

// SeedDefaultOutline writes the welcome outline and the inbox/journal
// singleton roles inside one transaction. The caller must hold the
// bootstrap claim; SeedDefaultOutline itself does not mark completion.
func (d *Document) SeedDefaultOutline(origin crdt.Origin) error {
	return d.Transact(origin, func(txn *Txn) error {
		for _, row := range defaultSeed {
			if err := seedSubtree(txn, nil, row); err != nil {
				return err
			}
		}

		inbox := txn.CreateNode("Inbox")
		if _, err := txn.AddEdge(nil, inbox, -1); err != nil {
			return err
		}
		txn.SetPreference(PrefInboxNodeID, inbox)

		journal := txn.CreateNode("Journal")
		if _, err := txn.AddEdge(nil, journal, -1); err != nil {
			return err
		}
		txn.SetPreference(PrefJournalNodeID, journal)
		return nil
	})
}

// seedSubtree creates one row and its children under parent.
func seedSubtree(txn *Txn, parent *types.NodeID, row seedRow) error {
	node := txn.CreateNode(row.text)
	if _, err := txn.AddEdge(parent, node, -1); err != nil {
		return err
	}
	for _, child := range row.children {
		if err := seedSubtree(txn, &node, child); err != nil {
			return err
		}
	}
	return nil
}
