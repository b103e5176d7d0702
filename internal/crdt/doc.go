// Package crdt implements the replicated substrate for Loom documents: a
// set of last-writer-wins registers addressed by (entity, key, field), an
// op log with per-replica state vectors for delta sync, origin-tagged
// atomic transactions, and dense order keys for sibling ordering.
//
// Applying an op is commutative and idempotent: registers merge
// set-if-newer by lamport stamp, and duplicate deliveries are dropped by
// op ID. Any two replicas that apply the same set of ops, in any order,
// converge to the same state.
package crdt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ReplicaID identifies one replica of a document. Fixed width so position
// keys that embed it stay lexicographically comparable.
type ReplicaID string

// replicaIDLen is the fixed width of a ReplicaID in bytes.
const replicaIDLen = 8

// NewReplicaID returns a fresh fixed-width replica identifier.
func NewReplicaID() ReplicaID {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return ReplicaID(hex[:replicaIDLen])
}

// Stamp is a lamport timestamp with a replica tiebreak. LWW resolution
// compares clock first, then replica, so concurrent writes to the same
// register converge to the same winner on every replica.
type Stamp struct {
	Clock   uint64    `json:"c"`
	Replica ReplicaID `json:"r"`
}

// After reports whether s wins an LWW race against o.
func (s Stamp) After(o Stamp) bool {
	if s.Clock != o.Clock {
		return s.Clock > o.Clock
	}
	return s.Replica > o.Replica
}

// IsZero reports whether the stamp is unset.
func (s Stamp) IsZero() bool { return s.Clock == 0 && s.Replica == "" }

// OpID identifies one op for delivery accounting: per-replica sequence
// numbers are contiguous, so a state vector of contiguous high-water marks
// describes exactly which ops a replica has seen.
type OpID struct {
	Replica ReplicaID `json:"r"`
	Seq     uint64    `json:"s"`
}

// Op is one register write. Value nil clears the field.
type Op struct {
	ID     OpID            `json:"id"`
	Stamp  Stamp           `json:"st"`
	Entity string          `json:"e"`
	Key    string          `json:"k"`
	Field  string          `json:"f"`
	Value  json.RawMessage `json:"v,omitempty"`
}

// Origin is the opaque token identifying the cause of a transaction: the
// local UI, a remote peer, or a specific subsystem. It is threaded through
// every mutation and surfaced to completion listeners so origin-aware
// consumers never re-derive cause from context.
type Origin any

// TransactionEvent is delivered to OnAfterTransaction listeners once per
// completed transaction or applied remote update batch. Ops contains only
// ops newly applied by this event. Past this boundary local and remote
// edits are indistinguishable.
type TransactionEvent struct {
	Origin Origin
	Ops    []Op
	Local  bool
}

// register is a single LWW cell.
type register struct {
	stamp Stamp
	value json.RawMessage
}

// Doc is one replica of a replicated document.
//
// All mutation happens inside Transact or ApplyUpdate; both fire completion
// listeners synchronously before returning, so there is never a gap between
// "mutation applied" and "listeners notified". Doc is safe for concurrent
// use; listeners run without the internal lock held and may read the
// document but must not mutate it re-entrantly.
type Doc struct {
	mu      sync.RWMutex
	replica ReplicaID
	clock   uint64
	seq     uint64

	state    map[string]map[string]map[string]register // entity → key → field
	log      []Op
	progress map[ReplicaID]*replicaProgress

	listenerMu   sync.Mutex
	listeners    map[int]func(TransactionEvent)
	nextListener int
}

// NewDoc creates an empty document replica with a fresh replica ID.
func NewDoc() *Doc {
	return NewDocWithReplica(NewReplicaID())
}

// NewDocWithReplica creates an empty document replica with a fixed replica
// ID, useful for deterministic tests.
func NewDocWithReplica(replica ReplicaID) *Doc {
	return &Doc{
		replica:   replica,
		state:     make(map[string]map[string]map[string]register),
		progress:  make(map[ReplicaID]*replicaProgress),
		listeners: make(map[int]func(TransactionEvent)),
	}
}

// Replica returns this replica's ID.
func (d *Doc) Replica() ReplicaID { return d.replica }

// OnAfterTransaction registers a completion listener and returns its
// unsubscribe function. Listeners may be added and removed during
// notification.
func (d *Doc) OnAfterTransaction(fn func(TransactionEvent)) (unsubscribe func()) {
	d.listenerMu.Lock()
	id := d.nextListener
	d.nextListener++
	d.listeners[id] = fn
	d.listenerMu.Unlock()
	return func() {
		d.listenerMu.Lock()
		delete(d.listeners, id)
		d.listenerMu.Unlock()
	}
}

// notify fires the transaction listeners present at call time.
func (d *Doc) notify(ev TransactionEvent) {
	d.listenerMu.Lock()
	fns := make([]func(TransactionEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		fns = append(fns, fn)
	}
	d.listenerMu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

// Get returns the current value of a register, if live. A register whose
// latest write was nil reads as absent.
func (d *Doc) Get(entity, key, field string) (json.RawMessage, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.getLocked(entity, key, field)
}

func (d *Doc) getLocked(entity, key, field string) (json.RawMessage, bool) {
	reg, ok := d.state[entity][key][field]
	if !ok || reg.value == nil {
		return nil, false
	}
	return reg.value, true
}

// Keys returns every key of the entity that has at least one live field.
func (d *Doc) Keys(entity string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keysLocked(entity)
}

func (d *Doc) keysLocked(entity string) []string {
	var out []string
	for key, fields := range d.state[entity] {
		for _, reg := range fields {
			if reg.value != nil {
				out = append(out, key)
				break
			}
		}
	}
	return out
}

// Transact runs fn inside one atomic, origin-tagged transaction. Every
// write fn performs is applied immediately (read-your-writes) and either
// the whole transaction commits, firing completion listeners once, or fn's
// error rolls every write back. Transact must not be nested; compose
// multi-step operations inside a single fn instead.
func (d *Doc) Transact(origin Origin, fn func(tx *Tx) error) error {
	d.mu.Lock()
	tx := &Tx{doc: d, origin: origin}
	err := fn(tx)
	if err != nil {
		tx.rollbackLocked()
		d.mu.Unlock()
		return err
	}
	for _, op := range tx.ops {
		d.log = append(d.log, op)
		d.progressFor(op.ID.Replica).mark(op.ID.Seq)
	}
	ops := tx.ops
	d.mu.Unlock()

	if len(ops) > 0 {
		d.notify(TransactionEvent{Origin: origin, Ops: ops, Local: true})
	}
	return nil
}

// applyLocked merges one remote op into the document. Returns false when
// the op was already seen. Caller holds the write lock.
func (d *Doc) applyLocked(op Op) bool {
	if !d.progressFor(op.ID.Replica).mark(op.ID.Seq) {
		return false
	}
	d.log = append(d.log, op)
	if op.Stamp.Clock > d.clock {
		d.clock = op.Stamp.Clock
	}
	d.setRegisterLocked(op)
	return true
}

// setRegisterLocked performs the LWW set-if-newer merge for one op.
func (d *Doc) setRegisterLocked(op Op) {
	keys, ok := d.state[op.Entity]
	if !ok {
		keys = make(map[string]map[string]register)
		d.state[op.Entity] = keys
	}
	fields, ok := keys[op.Key]
	if !ok {
		fields = make(map[string]register)
		keys[op.Key] = fields
	}
	cur, ok := fields[op.Field]
	if ok && !op.Stamp.After(cur.stamp) {
		return
	}
	fields[op.Field] = register{stamp: op.Stamp, value: op.Value}
}

// ApplyUpdate decodes an update payload and merges its ops into the
// document. Duplicate ops (at-least-once delivery, replayed persistence)
// are dropped; merge order does not matter. Listeners fire once with the
// newly applied ops when there are any.
func (d *Doc) ApplyUpdate(data []byte, origin Origin) (int, error) {
	ops, err := DecodeUpdate(data)
	if err != nil {
		return 0, err
	}
	return d.ApplyOps(ops, origin), nil
}

// ApplyOps merges the given ops, returning how many were newly applied.
func (d *Doc) ApplyOps(ops []Op, origin Origin) int {
	d.mu.Lock()
	applied := make([]Op, 0, len(ops))
	for _, op := range ops {
		if d.applyLocked(op) {
			applied = append(applied, op)
		}
	}
	d.mu.Unlock()

	if len(applied) > 0 {
		d.notify(TransactionEvent{Origin: origin, Ops: applied, Local: false})
	}
	return len(applied)
}

// StateVector returns the per-replica contiguous high-water marks of the
// ops this replica has applied.
func (d *Doc) StateVector() StateVector {
	d.mu.RLock()
	defer d.mu.RUnlock()
	sv := make(StateVector, len(d.progress))
	for rep, p := range d.progress {
		if p.next > 1 {
			sv[rep] = p.next - 1
		}
	}
	return sv
}

// DiffOps returns the ops, in local log order, that a remote replica with
// the given state vector is missing.
func (d *Doc) DiffOps(remote StateVector) []Op {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Op
	for _, op := range d.log {
		if op.ID.Seq > remote[op.ID.Replica] {
			out = append(out, op)
		}
	}
	return out
}

// EncodeStateAsUpdate encodes everything a remote replica with the given
// state vector is missing, suitable for ApplyUpdate on the other side.
func (d *Doc) EncodeStateAsUpdate(remote StateVector) ([]byte, error) {
	return EncodeUpdate(d.DiffOps(remote))
}

// LogLen returns the number of ops in the local log.
func (d *Doc) LogLen() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.log)
}

// progressFor returns the delivery progress tracker for a replica,
// creating it on first use. Caller holds the write lock.
func (d *Doc) progressFor(rep ReplicaID) *replicaProgress {
	p, ok := d.progress[rep]
	if !ok {
		p = &replicaProgress{next: 1}
		d.progress[rep] = p
	}
	return p
}

// Tx is the handle passed to a Transact function. It is only valid for the
// duration of that function.
type Tx struct {
	doc    *Doc
	origin Origin
	ops    []Op
	undo   []undoEntry
}

// undoEntry records the prior register state for rollback.
type undoEntry struct {
	entity, key, field string
	hadPrev            bool
	prev               register
}

// Origin returns the transaction's origin token.
func (tx *Tx) Origin() Origin { return tx.origin }

// Set writes one register inside the transaction. The value is JSON
// encoded; nil clears the field.
func (tx *Tx) Set(entity, key, field string, value any) error {
	var raw json.RawMessage
	if value != nil {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s/%s.%s: %w", entity, key, field, err)
		}
		raw = data
	}
	d := tx.doc
	d.clock++
	d.seq++
	op := Op{
		ID:     OpID{Replica: d.replica, Seq: d.seq},
		Stamp:  Stamp{Clock: d.clock, Replica: d.replica},
		Entity: entity,
		Key:    key,
		Field:  field,
		Value:  raw,
	}

	prev, hadPrev := d.state[entity][key][field]
	tx.undo = append(tx.undo, undoEntry{entity, key, field, hadPrev, prev})
	d.setRegisterLocked(op)
	tx.ops = append(tx.ops, op)
	return nil
}

// Clear removes a field by writing a nil tombstone value.
func (tx *Tx) Clear(entity, key, field string) error {
	return tx.Set(entity, key, field, nil)
}

// Get reads a register with read-your-writes semantics inside the
// transaction.
func (tx *Tx) Get(entity, key, field string) (json.RawMessage, bool) {
	return tx.doc.getLocked(entity, key, field)
}

// Keys returns the live keys of an entity as seen inside the transaction.
func (tx *Tx) Keys(entity string) []string {
	return tx.doc.keysLocked(entity)
}

// rollbackLocked restores every register the transaction touched and
// rewinds the clock and sequence counters.
func (tx *Tx) rollbackLocked() {
	d := tx.doc
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		fields := d.state[u.entity][u.key]
		if fields == nil {
			continue
		}
		if u.hadPrev {
			fields[u.field] = u.prev
		} else {
			delete(fields, u.field)
		}
	}
	d.clock -= uint64(len(tx.ops))
	d.seq -= uint64(len(tx.ops))
	tx.ops = nil
	tx.undo = nil
}

// EncodeUpdate serializes ops into an update payload.
func EncodeUpdate(ops []Op) ([]byte, error) {
	return json.Marshal(ops)
}

// DecodeUpdate parses an update payload.
func DecodeUpdate(data []byte) ([]Op, error) {
	var ops []Op
	if err := json.Unmarshal(data, &ops); err != nil {
		return nil, fmt.Errorf("decode update: %w", err)
	}
	return ops, nil
}
