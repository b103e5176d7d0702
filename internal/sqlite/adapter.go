// Package sqlite implements the durable persistence adapter: every applied
// CRDT op is written to a local SQLite database and replayed into the
// document on the next start. Ops are idempotent under replay, so the op log
// is the source of truth and no separate snapshot is kept.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// dbFileName is the SQLite file inside the data directory. One file holds
// every namespace and document; rows are keyed by both.
const dbFileName = "loom.db"

// OriginPersistence tags transactions produced by replaying the op log, so
// the adapter's own listener never re-persists them.
const OriginPersistence = "persistence"

// Adapter binds one crdt.Doc to a SQLite op log. It implements
// types.PersistenceAdapter.
//
// Write failures degrade to in-memory operation: they are logged, the
// document keeps working, and the next successful flush persists whatever is
// still queued.
type Adapter struct {
	cfg *types.Config
	doc *crdt.Doc
	log *slog.Logger

	mu          sync.Mutex
	started     bool
	closed      bool
	db          *sql.DB
	ready       chan struct{}
	unsubscribe func()

	// Sync strategy state. Immediate writes each transaction's ops as they
	// happen; batch queues them and flushes on size or interval.
	syncStrategy  string
	batchSize     int
	batchInterval time.Duration
	pending       []crdt.Op
	batchTimer    *time.Timer
	batchMu       sync.Mutex
}

// NewAdapter creates an adapter bound to one document. Nothing touches disk
// until Start.
func NewAdapter(cfg *types.Config, doc *crdt.Doc, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		cfg:   cfg,
		doc:   doc,
		log:   log.With("component", "sqlite", "doc", cfg.DocID),
		ready: make(chan struct{}),
	}
}

// Ready is closed once persisted state has been replayed into the document.
func (a *Adapter) Ready() <-chan struct{} { return a.ready }

// Start opens the database, replays the persisted op log into the document,
// and begins persisting new transactions. Returns ErrAlreadyAttached when
// called twice.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return types.ErrAlreadyAttached
	}
	if err := a.cfg.Validate(); err != nil {
		return err
	}

	dataDir := a.cfg.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataDir, dbFileName))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return fmt.Errorf("initializing schema: %w", err)
	}

	ops, err := a.loadOps(ctx, db)
	if err != nil {
		db.Close()
		return err
	}
	applied := a.doc.ApplyOps(ops, OriginPersistence)
	a.log.Debug("replayed persisted ops", "loaded", len(ops), "applied", applied)

	a.db = db
	a.syncStrategy = a.cfg.GetSyncStrategy()
	a.batchSize = a.cfg.GetBatchSize()
	a.batchInterval = a.cfg.GetBatchInterval()
	if a.syncStrategy == types.SyncBatch {
		a.startBatchTimer()
	}

	a.unsubscribe = a.doc.OnAfterTransaction(a.onTransaction)
	a.started = true
	close(a.ready)
	return nil
}

// loadOps reads every persisted op for this namespace+document in replica
// sequence order. Undecodable rows are skipped with a log line rather than
// failing the whole load.
func (a *Adapter) loadOps(ctx context.Context, db *sql.DB) ([]crdt.Op, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT payload FROM ops WHERE namespace = ? AND doc_id = ? ORDER BY replica, seq`,
		a.cfg.Namespace, a.cfg.DocID)
	if err != nil {
		return nil, fmt.Errorf("loading ops: %w", err)
	}
	defer rows.Close()

	var ops []crdt.Op
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning op row: %w", err)
		}
		var op crdt.Op
		if err := json.Unmarshal(payload, &op); err != nil {
			a.log.Warn("skipping undecodable persisted op", "error", err)
			continue
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loading ops: %w", err)
	}
	return ops, nil
}

// onTransaction persists the ops of one completed transaction according to
// the configured sync strategy.
func (a *Adapter) onTransaction(ev crdt.TransactionEvent) {
	if ev.Origin == OriginPersistence || len(ev.Ops) == 0 {
		return
	}
	if a.syncStrategy == types.SyncImmediate {
		if err := a.writeOps(ev.Ops); err != nil {
			a.log.Error("persist failed, continuing in memory", "error", err)
		}
		return
	}
	a.queueOps(ev.Ops)
}

// queueOps appends ops to the batch queue, flushing synchronously when the
// batch size is reached.
func (a *Adapter) queueOps(ops []crdt.Op) {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()

	a.pending = append(a.pending, ops...)
	if a.batchSize > 0 && len(a.pending) >= a.batchSize {
		a.flushPendingLocked()
	}
}

// flushPendingLocked writes the queued ops. Caller holds batchMu. The queue
// is kept on failure so the next flush retries.
func (a *Adapter) flushPendingLocked() {
	if len(a.pending) == 0 {
		return
	}
	if err := a.writeOps(a.pending); err != nil {
		a.log.Error("batch flush failed, ops stay queued", "error", err, "queued", len(a.pending))
		return
	}
	a.pending = nil
}

// writeOps inserts ops in one SQL transaction. Replayed ops hit the primary
// key and are ignored, matching the document's own idempotence.
func (a *Adapter) writeOps(ops []crdt.Op) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning write: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT OR IGNORE INTO ops (namespace, doc_id, replica, seq, stamp_clock, stamp_replica, payload)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing write: %w", err)
	}
	defer stmt.Close()

	for _, op := range ops {
		payload, err := json.Marshal(op)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("encoding op: %w", err)
		}
		if _, err := stmt.Exec(a.cfg.Namespace, a.cfg.DocID,
			string(op.ID.Replica), op.ID.Seq,
			op.Stamp.Clock, string(op.Stamp.Replica), payload); err != nil {
			tx.Rollback()
			return fmt.Errorf("writing op %s/%d: %w", op.ID.Replica, op.ID.Seq, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing write: %w", err)
	}
	return nil
}

func (a *Adapter) startBatchTimer() {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()

	if a.batchTimer != nil {
		return
	}
	a.batchTimer = time.AfterFunc(a.batchInterval, func() {
		a.batchMu.Lock()
		a.flushPendingLocked()
		if a.batchTimer != nil {
			a.batchTimer.Reset(a.batchInterval)
		}
		a.batchMu.Unlock()
	})
}

func (a *Adapter) stopBatchTimer() {
	a.batchMu.Lock()
	defer a.batchMu.Unlock()

	if a.batchTimer != nil {
		a.batchTimer.Stop()
		a.batchTimer = nil
	}
}

// Flush forces queued ops to disk. A no-op for the immediate strategy.
func (a *Adapter) Flush() {
	a.batchMu.Lock()
	a.flushPendingLocked()
	a.batchMu.Unlock()
}

// Close flushes queued ops, stops listening, and closes the database.
// Idempotent.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started || a.closed {
		return nil
	}
	a.closed = true

	a.stopBatchTimer()
	a.Flush()

	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}
