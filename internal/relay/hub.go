// Package relay implements the websocket sync server: one room per document,
// relaying updates and awareness between the room's clients. Each room keeps
// its own replica of the document so late joiners catch up from the relay
// even when the peers that produced the ops are gone.
package relay

import (
	"log/slog"
	"sync"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/internal/transport"
)

// Hub owns every active document room.
type Hub struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]*room
}

// NewHub creates an empty hub.
func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		log:   log.With("component", "relay"),
		rooms: make(map[string]*room),
	}
}

// room returns the room for a document, creating and starting it on first
// join.
func (h *Hub) room(docID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()

	r, ok := h.rooms[docID]
	if !ok {
		r = newRoom(docID, h.log)
		h.rooms[docID] = r
		go r.run()
	}
	return r
}

// inboundFrame is one frame received from a room member.
type inboundFrame struct {
	from *client
	data []byte
}

// room is one document's relay state: its member clients and a server-side
// replica answering sync requests.
type room struct {
	docID string
	doc   *crdt.Doc
	log   *slog.Logger

	register   chan *client
	unregister chan *client
	inbound    chan inboundFrame
	clients    map[*client]bool
}

func newRoom(docID string, log *slog.Logger) *room {
	return &room{
		docID:      docID,
		doc:        crdt.NewDoc(),
		log:        log.With("doc", docID),
		register:   make(chan *client),
		unregister: make(chan *client),
		inbound:    make(chan inboundFrame, 64),
		clients:    make(map[*client]bool),
	}
}

// run is the room's event loop. All room state is confined to this
// goroutine.
func (r *room) run() {
	for {
		select {
		case c := <-r.register:
			r.clients[c] = true
			r.greet(c)
			r.log.Debug("client joined", "clients", len(r.clients))
		case c := <-r.unregister:
			if r.clients[c] {
				delete(r.clients, c)
				close(c.send)
			}
			r.log.Debug("client left", "clients", len(r.clients))
		case frame := <-r.inbound:
			r.handle(frame)
		}
	}
}

// greet asks a joining client for everything the room has not seen. The
// client answers SYNC_STEP1 with SYNC_STEP2, so ops produced before the
// connection existed (seeded outlines, offline edits after a restart) reach
// the room and, via broadcast of the reply, every other member.
func (r *room) greet(c *client) {
	sv, err := crdt.EncodeStateVector(r.doc.StateVector())
	if err != nil {
		r.log.Error("encoding state vector failed", "error", err)
		return
	}
	c.enqueue(transport.EncodeSyncStep1(sv))
}

func (r *room) handle(frame inboundFrame) {
	msg, err := transport.DecodeMessage(frame.data)
	if err != nil {
		r.log.Warn("dropping undecodable frame", "error", err)
		return
	}
	switch msg.Type {
	case transport.MsgSync:
		r.handleSync(frame, msg)
	case transport.MsgAwareness:
		// Awareness is opaque to the relay, forwarded verbatim.
		r.broadcast(frame.data, frame.from)
	case transport.MsgAuth:
	}
}

func (r *room) handleSync(frame inboundFrame, msg transport.Message) {
	switch msg.SyncType {
	case transport.SyncStep1:
		remote, err := crdt.DecodeStateVector(msg.Payload)
		if err != nil {
			r.log.Warn("dropping bad state vector", "error", err)
			return
		}
		update, err := r.doc.EncodeStateAsUpdate(remote)
		if err != nil {
			r.log.Error("encoding catch-up failed", "error", err)
			return
		}
		frame.from.enqueue(transport.EncodeSyncStep2(update))
	case transport.SyncStep2, transport.SyncUpdate:
		if _, err := r.doc.ApplyUpdate(msg.Payload, "relay"); err != nil {
			r.log.Warn("dropping bad update", "error", err)
			return
		}
		r.broadcast(frame.data, frame.from)
	}
}

// broadcast sends a frame to every room member except the sender. Members
// whose send queue is full are dropped: a stuck client must not stall the
// room.
func (r *room) broadcast(data []byte, sender *client) {
	for c := range r.clients {
		if c == sender {
			continue
		}
		select {
		case c.send <- data:
		default:
			delete(r.clients, c)
			close(c.send)
		}
	}
}
