package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/pkg/types"
)

const testOrigin = "test"

func testConfig(dir string) *types.Config {
	return &types.Config{DocID: "doc-1", UserID: "user-1", Namespace: "ns", DataDir: dir}
}

func startAdapter(t *testing.T, cfg *types.Config, doc *crdt.Doc) *Adapter {
	t.Helper()
	a := NewAdapter(cfg, doc, nil)
	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func setText(t *testing.T, doc *crdt.Doc, key, text string) {
	t.Helper()
	err := doc.Transact(testOrigin, func(tx *crdt.Tx) error {
		return tx.Set("node", key, "text", text)
	})
	require.NoError(t, err)
}

func getText(t *testing.T, doc *crdt.Doc, key string) string {
	t.Helper()
	raw, ok := doc.Get("node", key, "text")
	if !ok {
		return ""
	}
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func countRows(t *testing.T, dir string) int {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(dir, dbFileName))
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM ops`).Scan(&n))
	return n
}

func TestStartSignalsReady(t *testing.T) {
	dir := t.TempDir()
	a := startAdapter(t, testConfig(dir), crdt.NewDoc())

	select {
	case <-a.Ready():
	default:
		t.Fatal("Ready must be closed after Start returns")
	}
}

func TestStartTwiceReturnsAlreadyAttached(t *testing.T) {
	dir := t.TempDir()
	a := startAdapter(t, testConfig(dir), crdt.NewDoc())

	assert.ErrorIs(t, a.Start(context.Background()), types.ErrAlreadyAttached)
}

func TestStartValidatesConfig(t *testing.T) {
	a := NewAdapter(&types.Config{UserID: "u"}, crdt.NewDoc(), nil)
	assert.ErrorIs(t, a.Start(context.Background()), types.ErrDocIDEmpty)
}

func TestOpsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	doc := crdt.NewDoc()
	a := startAdapter(t, cfg, doc)
	setText(t, doc, "n1", "hello")
	setText(t, doc, "n2", "world")
	require.NoError(t, a.Close())

	reloaded := crdt.NewDoc()
	startAdapter(t, cfg, reloaded)

	assert.Equal(t, "hello", getText(t, reloaded, "n1"))
	assert.Equal(t, "world", getText(t, reloaded, "n2"))
}

func TestReplayDoesNotDuplicateRows(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	doc := crdt.NewDoc()
	a := startAdapter(t, cfg, doc)
	setText(t, doc, "n1", "hello")
	require.NoError(t, a.Close())
	before := countRows(t, dir)

	// Reopening replays the log into the document; the replay transaction
	// must not be written back as new rows.
	reloaded := crdt.NewDoc()
	b := startAdapter(t, cfg, reloaded)
	require.NoError(t, b.Close())

	assert.Equal(t, before, countRows(t, dir))
}

func TestRemoteOpsArePersistedToo(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)

	peer := crdt.NewDoc()
	setText(t, peer, "n1", "from peer")
	update, err := peer.EncodeStateAsUpdate(nil)
	require.NoError(t, err)

	doc := crdt.NewDoc()
	a := startAdapter(t, cfg, doc)
	_, err = doc.ApplyUpdate(update, "remote")
	require.NoError(t, err)
	require.NoError(t, a.Close())

	reloaded := crdt.NewDoc()
	startAdapter(t, cfg, reloaded)
	assert.Equal(t, "from peer", getText(t, reloaded, "n1"))
}

func TestNamespacesAreIsolated(t *testing.T) {
	dir := t.TempDir()

	cfgA := &types.Config{DocID: "doc-1", UserID: "u", Namespace: "ns-a", DataDir: dir}
	docA := crdt.NewDoc()
	a := startAdapter(t, cfgA, docA)
	setText(t, docA, "n1", "private")
	require.NoError(t, a.Close())

	cfgB := &types.Config{DocID: "doc-1", UserID: "u", Namespace: "ns-b", DataDir: dir}
	docB := crdt.NewDoc()
	startAdapter(t, cfgB, docB)

	assert.Equal(t, "", getText(t, docB, "n1"))
}

func TestBatchStrategyFlushesAtBatchSize(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.SyncStrategy = types.SyncBatch
	cfg.BatchSize = 2

	doc := crdt.NewDoc()
	startAdapter(t, cfg, doc)

	setText(t, doc, "n1", "one")
	assert.Equal(t, 0, countRows(t, dir), "below batch size nothing is flushed")

	setText(t, doc, "n2", "two")
	assert.Equal(t, 2, countRows(t, dir), "batch size reached flushes the queue")
}

func TestBatchStrategyFlushesOnClose(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir)
	cfg.SyncStrategy = types.SyncBatch
	cfg.BatchSize = 100

	doc := crdt.NewDoc()
	a := startAdapter(t, cfg, doc)
	setText(t, doc, "n1", "queued")
	require.NoError(t, a.Close())

	reloaded := crdt.NewDoc()
	startAdapter(t, cfg, reloaded)
	assert.Equal(t, "queued", getText(t, reloaded, "n1"))
}

func TestCloseIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	a := startAdapter(t, testConfig(dir), crdt.NewDoc())

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
}
