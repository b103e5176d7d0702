// Package store composes the document, projector, bootstrap, presence,
// session, persistence, and transport into one attach/detach lifecycle with
// subscription fan-out. The view layer talks to this package only.
package store

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/internal/outline"
	"github.com/mesh-intelligence/loom/internal/presence"
	"github.com/mesh-intelligence/loom/internal/session"
	"github.com/mesh-intelligence/loom/internal/sqlite"
	"github.com/mesh-intelligence/loom/internal/transport"
	"github.com/mesh-intelligence/loom/pkg/types"
)

// OriginLocal tags document transactions initiated through this store.
const OriginLocal = "local"

// Options injects collaborators. Zero-value fields select the defaults: a
// SQLite persistence adapter under cfg.DataDir and, when cfg.RelayURL is
// set, a websocket transport. SessionPersister nil keeps session state in
// memory.
type Options struct {
	Persistence      types.PersistenceAdapter
	Transport        types.TransportProvider
	SessionPersister session.Persister
	ClientID         types.ClientID
	Logger           *slog.Logger
}

// Store is the outline store facade.
type Store struct {
	cfg      *types.Config
	log      *slog.Logger
	clientID types.ClientID

	doc       *outline.Document
	awareness *presence.Engine
	session   *session.Store
	persist   types.PersistenceAdapter
	transport types.TransportProvider

	mu        sync.Mutex
	attached  bool
	detached  bool
	snapshot  *types.OutlineSnapshot
	status    types.SyncStatus
	lastFocus *types.EdgeID
	ready     chan struct{}
	unsubs    []func()
	sweepStop chan struct{}

	listenerMu sync.Mutex
	nextID     int
	snapshotLs map[int]func()
	statusLs   map[int]func(types.SyncStatus)
}

// New builds an unattached store for one document.
func New(cfg *types.Config, opts Options) *Store {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "store", "doc", cfg.DocID)

	clientID := opts.ClientID
	if clientID == "" {
		clientID = types.NewClientID()
	}

	doc := outline.New()
	awareness := presence.NewEngine(clientID, cfg.GetPresenceTimeout())

	persist := opts.Persistence
	if persist == nil {
		persist = sqlite.NewAdapter(cfg, doc.CRDT(), log)
	}
	tp := opts.Transport
	if tp == nil && cfg.RelayURL != "" {
		tp = transport.NewProvider(transport.ProviderContext{
			URL:       cfg.RelayURL,
			DocID:     cfg.DocID,
			Doc:       doc.CRDT(),
			Awareness: awareness,
			Log:       log,
		})
	}

	return &Store{
		cfg:        cfg,
		log:        log,
		clientID:   clientID,
		doc:        doc,
		awareness:  awareness,
		session:    session.New(opts.SessionPersister, log),
		persist:    persist,
		transport:  tp,
		status:     types.SyncDisconnected,
		ready:      make(chan struct{}),
		snapshotLs: make(map[int]func()),
		statusLs:   make(map[int]func(types.SyncStatus)),
	}
}

// Document exposes the underlying outline for mutation through explicit
// origins. Most callers should prefer Transact.
func (s *Store) Document() *outline.Document { return s.doc }

// Session exposes the pane state store.
func (s *Store) Session() *session.Store { return s.session }

// ClientID is this store's ephemeral presence identity.
func (s *Store) ClientID() types.ClientID { return s.clientID }

// Transact runs a locally-originated document transaction.
func (s *Store) Transact(fn func(txn *outline.Txn) error) error {
	return s.doc.Transact(OriginLocal, fn)
}

// Ready is closed once the first trustworthy snapshot exists: persisted
// state loaded and bootstrap resolved. Render nothing before it.
func (s *Store) Ready() <-chan struct{} { return s.ready }

// Attach starts the store: loads persisted state, runs the bootstrap
// coordinator, wires listeners, and connects the transport. Calling Attach
// on an attached store is a no-op, so remount churn never double-registers
// listeners.
func (s *Store) Attach(ctx context.Context) error {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return types.ErrStoreDetached
	}
	if s.attached {
		s.mu.Unlock()
		return nil
	}
	s.attached = true
	s.mu.Unlock()

	if err := s.startPersistence(ctx); err != nil {
		s.mu.Lock()
		s.attached = false
		s.mu.Unlock()
		return err
	}

	s.bootstrap()

	s.mu.Lock()
	s.snapshot = s.doc.Snapshot()
	s.mu.Unlock()
	close(s.ready)

	s.mu.Lock()
	s.unsubs = append(s.unsubs,
		s.doc.OnAfterTransaction(s.onTransaction),
		s.session.Subscribe(s.onSessionChange),
		s.awareness.Subscribe(s.notifySnapshot), // presence feeds the same render loop
	)
	if s.transport != nil {
		s.unsubs = append(s.unsubs,
			s.transport.OnStatusChange(s.onStatusChange),
			s.transport.OnError(func(err error) {
				s.log.Debug("transport error", "error", err)
			}),
		)
	}
	s.sweepStop = make(chan struct{})
	s.mu.Unlock()

	go s.sweepLoop(s.sweepStop)
	if s.transport != nil {
		s.transport.Connect()
	}
	s.publishPresence()
	return nil
}

// startPersistence starts the adapter and waits for prior state to load.
// Context errors abort the attach; storage errors degrade to in-memory.
func (s *Store) startPersistence(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}
	if err := s.persist.Start(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.log.Error("persistence unavailable, document is in-memory only", "error", err)
		s.persist = nil
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.persist.Ready():
		return nil
	}
}

// bootstrap runs the exactly-once seeding protocol. Losing the claim is a
// normal outcome: some other replica seeds and its ops arrive over sync.
func (s *Store) bootstrap() {
	if s.doc.BootstrapCompleted() {
		return
	}
	res := s.doc.ClaimBootstrap(OriginLocal, string(s.clientID), s.cfg.GetBootstrapClaimTimeout())
	if !res.Claimed {
		return
	}
	if !s.doc.HoldsBootstrapClaim(string(s.clientID)) {
		return
	}
	if err := s.doc.SeedDefaultOutline(OriginLocal); err != nil {
		s.log.Error("seeding failed, releasing claim", "error", err)
		s.doc.ReleaseBootstrapClaim(OriginLocal, string(s.clientID))
		return
	}
	s.doc.MarkBootstrapComplete(OriginLocal, string(s.clientID))
	s.log.Info("seeded initial outline")
}

// Detach tears the store down: unregisters listeners, clears local
// presence, disconnects, and closes persistence. Idempotent; a detached
// store cannot be re-attached.
func (s *Store) Detach() {
	s.mu.Lock()
	if !s.attached || s.detached {
		s.detached = true
		s.mu.Unlock()
		return
	}
	s.detached = true
	unsubs := s.unsubs
	s.unsubs = nil
	sweepStop := s.sweepStop
	s.sweepStop = nil
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	if sweepStop != nil {
		close(sweepStop)
	}

	if payload, err := s.awareness.ClearLocalState(); err == nil && s.transport != nil {
		if err := s.transport.BroadcastAwareness(payload); err != nil {
			s.log.Debug("departure broadcast failed", "error", err)
		}
	}
	if s.transport != nil {
		s.transport.Destroy()
	}
	if s.persist != nil {
		if err := s.persist.Close(); err != nil {
			s.log.Error("closing persistence failed", "error", err)
		}
	}
	s.setStatus(types.SyncDisconnected)
}

// Snapshot returns the cached outline projection. The reference is stable
// between notifications.
func (s *Store) Snapshot() *types.OutlineSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return &types.OutlineSnapshot{}
	}
	return s.snapshot
}

// PresenceSnapshot returns the cached presence view.
func (s *Store) PresenceSnapshot() *types.PresenceSnapshot {
	return s.awareness.Snapshot()
}

// Status is the coarse sync status for the UI.
func (s *Store) Status() types.SyncStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// onTransaction runs after every completed document transaction, local or
// remote: recompute the projection, reconcile pane selections against it,
// notify, and ship local ops to peers.
func (s *Store) onTransaction(ev crdt.TransactionEvent) {
	snap := s.doc.Snapshot()
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()

	s.reconcileSelection(snap)
	s.notifySnapshot()

	if ev.Local && s.transport != nil && len(ev.Ops) > 0 {
		update, err := crdt.EncodeUpdate(ev.Ops)
		if err != nil {
			s.log.Error("encoding update failed", "error", err)
			return
		}
		if err := s.transport.SendUpdate(update); err != nil {
			s.log.Debug("update send deferred", "error", err)
		}
	}
}

// onSessionChange publishes presence when the active selection moved.
func (s *Store) onSessionChange() {
	s.publishPresence()
}

// publishPresence broadcasts local presence when the focused edge changed
// since the last publish. Once per selection-changing update, not per
// keystroke.
func (s *Store) publishPresence() {
	state := s.session.State()
	pane, ok := state.ActivePane()
	if !ok {
		return
	}

	s.mu.Lock()
	if equalEdgeRef(s.lastFocus, pane.SelectedEdgeID) {
		s.mu.Unlock()
		return
	}
	s.lastFocus = copyEdgeRef(pane.SelectedEdgeID)
	s.mu.Unlock()

	payload, err := s.awareness.SetLocalState(presence.State{
		UserID:      s.cfg.UserID,
		DisplayName: s.cfg.DisplayName,
		Color:       s.cfg.Color,
		FocusEdgeID: copyEdgeRef(pane.SelectedEdgeID),
		Selection:   pane.Selection,
	})
	if err != nil {
		s.log.Error("encoding presence failed", "error", err)
		return
	}
	if s.transport != nil {
		if err := s.transport.BroadcastAwareness(payload); err != nil {
			s.log.Debug("presence broadcast skipped", "error", err)
		}
	}
}

// sweepLoop garbage-collects stalled participants until Detach.
func (s *Store) sweepLoop(stop <-chan struct{}) {
	interval := s.cfg.GetPresenceTimeout() / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.awareness.Sweep()
		}
	}
}

func (s *Store) onStatusChange(conn types.ConnectionStatus) {
	switch conn {
	case types.ConnConnected:
		s.setStatus(types.SyncConnected)
	case types.ConnConnecting:
		s.setStatus(types.SyncRecovering)
	default:
		s.setStatus(types.SyncDisconnected)
	}
}

func (s *Store) setStatus(status types.SyncStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	s.listenerMu.Lock()
	fns := make([]func(types.SyncStatus), 0, len(s.statusLs))
	for _, fn := range s.statusLs {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

// Subscribe registers a snapshot listener. Listeners may subscribe or
// unsubscribe during notification.
func (s *Store) Subscribe(fn func()) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.snapshotLs[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.snapshotLs, id)
		s.listenerMu.Unlock()
	}
}

// SubscribePresence registers a presence listener.
func (s *Store) SubscribePresence(fn func()) (unsubscribe func()) {
	return s.awareness.Subscribe(fn)
}

// SubscribeStatus registers a sync status listener.
func (s *Store) SubscribeStatus(fn func(types.SyncStatus)) (unsubscribe func()) {
	s.listenerMu.Lock()
	id := s.nextID
	s.nextID++
	s.statusLs[id] = fn
	s.listenerMu.Unlock()
	return func() {
		s.listenerMu.Lock()
		delete(s.statusLs, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notifySnapshot() {
	s.listenerMu.Lock()
	fns := make([]func(), 0, len(s.snapshotLs))
	for _, fn := range s.snapshotLs {
		fns = append(fns, fn)
	}
	s.listenerMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func equalEdgeRef(a, b *types.EdgeID) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyEdgeRef(e *types.EdgeID) *types.EdgeID {
	if e == nil {
		return nil
	}
	c := *e
	return &c
}
