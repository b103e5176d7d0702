package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/internal/presence"
	"github.com/mesh-intelligence/loom/pkg/types"
)

// OriginRemote tags document transactions caused by received sync messages.
const OriginRemote = "remote"

// ProviderContext binds a websocket provider to one document: the relay URL,
// the document room to join, the replica to sync, and the awareness engine
// remote payloads merge into. Awareness may be nil, in which case awareness
// frames only reach OnAwareness listeners.
type ProviderContext struct {
	URL       string
	DocID     string
	Doc       *crdt.Doc
	Awareness *presence.Engine
	Log       *slog.Logger
}

// Provider implements types.TransportProvider over a gorilla websocket. It
// runs the sync handshake itself: on connect it sends a state-vector request
// and answers incoming requests with the ops the peer is missing, so either
// side of a partition catches up regardless of who reconnects.
type Provider struct {
	url       string
	docID     string
	doc       *crdt.Doc
	awareness *presence.Engine
	log       *slog.Logger

	mu        sync.Mutex
	status    types.ConnectionStatus
	conn      *websocket.Conn
	queue     [][]byte // framed updates awaiting reconnect
	destroyed bool
	cancel    context.CancelFunc

	writeMu sync.Mutex

	listenerMu sync.Mutex
	nextID     int
	updateLs   map[int]func([]byte)
	awareLs    map[int]func([]byte)
	statusLs   map[int]func(types.ConnectionStatus)
	errorLs    map[int]func(error)
}

var _ types.TransportProvider = (*Provider)(nil)

// NewProvider builds a disconnected provider. Connect starts it.
func NewProvider(pc ProviderContext) *Provider {
	log := pc.Log
	if log == nil {
		log = slog.Default()
	}
	return &Provider{
		url:       pc.URL,
		docID:     pc.DocID,
		doc:       pc.Doc,
		awareness: pc.Awareness,
		log:       log.With("component", "transport", "doc", pc.DocID),
		status:    types.ConnDisconnected,
		updateLs:  make(map[int]func([]byte)),
		awareLs:   make(map[int]func([]byte)),
		statusLs:  make(map[int]func(types.ConnectionStatus)),
		errorLs:   make(map[int]func(error)),
	}
}

// roomURL is the websocket endpoint for this document's relay room.
func (p *Provider) roomURL() string {
	return strings.TrimRight(p.url, "/") + "/ws/" + p.docID
}

// Connect starts the connect/reconnect loop. Safe to call at any time;
// calling it while already running or after Destroy is a no-op.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.destroyed || p.cancel != nil {
		p.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	go p.run(ctx)
}

// run dials, syncs, and reads until the context is canceled, backing off
// between attempts. The backoff resets after every successful connection.
func (p *Provider) run(ctx context.Context) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0 // retry forever

	for {
		p.setStatus(types.ConnConnecting)

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.roomURL(), nil)
		if err != nil {
			p.setStatus(types.ConnDisconnected)
			if ctx.Err() != nil {
				return
			}
			p.emitError(fmt.Errorf("dialing relay: %w", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(bo.NextBackOff()):
				continue
			}
		}

		p.mu.Lock()
		p.conn = conn
		p.mu.Unlock()
		bo.Reset()
		p.setStatus(types.ConnConnected)

		if err := p.handshake(); err != nil {
			p.emitError(err)
		}
		p.flushQueue()
		p.readLoop(ctx, conn)

		p.mu.Lock()
		p.conn = nil
		p.mu.Unlock()
		p.setStatus(types.ConnDisconnected)

		if ctx.Err() != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}

// handshake sends our state vector so the peer answers with everything we
// missed while offline.
func (p *Provider) handshake() error {
	sv, err := crdt.EncodeStateVector(p.doc.StateVector())
	if err != nil {
		return fmt.Errorf("encoding state vector: %w", err)
	}
	return p.write(EncodeSyncStep1(sv))
}

func (p *Provider) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				p.emitError(fmt.Errorf("reading frame: %w", err))
			}
			return
		}
		p.handleFrame(data)
	}
}

func (p *Provider) handleFrame(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		p.emitError(err)
		return
	}
	switch msg.Type {
	case MsgSync:
		p.handleSync(msg)
	case MsgAwareness:
		if p.awareness != nil {
			p.awareness.ApplyRemote(msg.Payload)
		}
		p.emitAwareness(msg.Payload)
	case MsgAuth:
		// No auth scheme yet; the relay never sends these unsolicited.
	}
}

func (p *Provider) handleSync(msg Message) {
	switch msg.SyncType {
	case SyncStep1:
		remote, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			p.emitError(err)
			return
		}
		update, err := p.doc.EncodeStateAsUpdate(remote)
		if err != nil {
			p.emitError(err)
			return
		}
		if err := p.write(EncodeSyncStep2(update)); err != nil {
			p.emitError(err)
		}
	case SyncStep2, SyncUpdate:
		if _, err := p.doc.ApplyUpdate(msg.Payload, OriginRemote); err != nil {
			p.emitError(err)
			return
		}
		p.emitUpdate(msg.Payload)
	}
}

// SendUpdate broadcasts a document update. While disconnected the framed
// update is queued and replayed after the next successful handshake, so
// offline edits reach peers even if the handshake response races them.
func (p *Provider) SendUpdate(update []byte) error {
	frame := EncodeSyncUpdate(update)

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return types.ErrTransportDestroyed
	}
	if p.conn == nil {
		p.queue = append(p.queue, frame)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.write(frame); err != nil {
		p.mu.Lock()
		p.queue = append(p.queue, frame)
		p.mu.Unlock()
		return err
	}
	return nil
}

// BroadcastAwareness sends an awareness payload. Awareness is ephemeral:
// when disconnected the payload is dropped, not queued, because a newer one
// supersedes it before reconnect anyway.
func (p *Provider) BroadcastAwareness(payload []byte) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return types.ErrTransportDestroyed
	}
	connected := p.conn != nil
	p.mu.Unlock()

	if !connected {
		return nil
	}
	return p.write(EncodeAwareness(payload))
}

func (p *Provider) flushQueue() {
	p.mu.Lock()
	queued := p.queue
	p.queue = nil
	p.mu.Unlock()

	for i, frame := range queued {
		if err := p.write(frame); err != nil {
			p.mu.Lock()
			p.queue = append(queued[i:], p.queue...)
			p.mu.Unlock()
			p.emitError(err)
			return
		}
	}
}

func (p *Provider) write(frame []byte) error {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport: not connected")
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// Disconnect stops the reconnect loop and closes the socket. Queued updates
// are retained for the next Connect.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	cancel := p.cancel
	conn := p.conn
	p.cancel = nil
	p.conn = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
	p.setStatus(types.ConnDisconnected)
}

// Destroy disconnects and makes the provider permanently unusable. Any
// pending reconnect timer is canceled.
func (p *Provider) Destroy() {
	p.mu.Lock()
	p.destroyed = true
	p.queue = nil
	p.mu.Unlock()
	p.Disconnect()
}

func (p *Provider) setStatus(status types.ConnectionStatus) {
	p.mu.Lock()
	if p.status == status {
		p.mu.Unlock()
		return
	}
	p.status = status
	p.mu.Unlock()

	p.listenerMu.Lock()
	fns := make([]func(types.ConnectionStatus), 0, len(p.statusLs))
	for _, fn := range p.statusLs {
		fns = append(fns, fn)
	}
	p.listenerMu.Unlock()
	for _, fn := range fns {
		fn(status)
	}
}

// Status returns the current connection status.
func (p *Provider) Status() types.ConnectionStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Provider) emitUpdate(payload []byte) {
	p.listenerMu.Lock()
	fns := make([]func([]byte), 0, len(p.updateLs))
	for _, fn := range p.updateLs {
		fns = append(fns, fn)
	}
	p.listenerMu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (p *Provider) emitAwareness(payload []byte) {
	p.listenerMu.Lock()
	fns := make([]func([]byte), 0, len(p.awareLs))
	for _, fn := range p.awareLs {
		fns = append(fns, fn)
	}
	p.listenerMu.Unlock()
	for _, fn := range fns {
		fn(payload)
	}
}

func (p *Provider) emitError(err error) {
	p.log.Debug("transport error", "error", err)
	p.listenerMu.Lock()
	fns := make([]func(error), 0, len(p.errorLs))
	for _, fn := range p.errorLs {
		fns = append(fns, fn)
	}
	p.listenerMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}

// OnUpdate registers a listener for applied remote updates.
func (p *Provider) OnUpdate(fn func(update []byte)) (unsubscribe func()) {
	p.listenerMu.Lock()
	id := p.nextID
	p.nextID++
	p.updateLs[id] = fn
	p.listenerMu.Unlock()
	return func() {
		p.listenerMu.Lock()
		delete(p.updateLs, id)
		p.listenerMu.Unlock()
	}
}

// OnAwareness registers a listener for received awareness payloads.
func (p *Provider) OnAwareness(fn func(payload []byte)) (unsubscribe func()) {
	p.listenerMu.Lock()
	id := p.nextID
	p.nextID++
	p.awareLs[id] = fn
	p.listenerMu.Unlock()
	return func() {
		p.listenerMu.Lock()
		delete(p.awareLs, id)
		p.listenerMu.Unlock()
	}
}

// OnStatusChange registers a listener for connection status transitions.
func (p *Provider) OnStatusChange(fn func(status types.ConnectionStatus)) (unsubscribe func()) {
	p.listenerMu.Lock()
	id := p.nextID
	p.nextID++
	p.statusLs[id] = fn
	p.listenerMu.Unlock()
	return func() {
		p.listenerMu.Lock()
		delete(p.statusLs, id)
		p.listenerMu.Unlock()
	}
}

// OnError registers a listener for transport errors. Errors are advisory;
// the provider keeps reconnecting regardless.
func (p *Provider) OnError(fn func(err error)) (unsubscribe func()) {
	p.listenerMu.Lock()
	id := p.nextID
	p.nextID++
	p.errorLs[id] = fn
	p.listenerMu.Unlock()
	return func() {
		p.listenerMu.Lock()
		delete(p.errorLs, id)
		p.listenerMu.Unlock()
	}
}
