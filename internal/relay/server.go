package relay

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 << 20 // generous: a full-document catch-up is one frame
	sendQueueSize  = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The relay serves local-first desktop clients, not browsers with
	// cookie credentials.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Server is the websocket relay. Route: /ws/{docID}.
type Server struct {
	hub *Hub
	log *slog.Logger
}

// NewServer builds a relay server with a fresh hub.
func NewServer(log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{hub: NewHub(log), log: log.With("component", "relay")}
}

// Handler returns the relay's HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws/{docID}", s.serveWS)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return r
}

// ListenAndServe runs the relay until the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.log.Info("relay listening", "addr", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) serveWS(w http.ResponseWriter, req *http.Request) {
	docID := mux.Vars(req)["docID"]
	if docID == "" {
		http.Error(w, "missing document id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.log.Warn("upgrade failed", "error", err)
		return
	}

	room := s.hub.room(docID)
	c := &client{
		room: room,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
	room.register <- c

	go c.writePump()
	go c.readPump()
}

// client is one websocket member of a room. readPump feeds the room's event
// loop; writePump drains the send queue. The room goroutine is the only
// closer of the send channel.
type client struct {
	room *room
	conn *websocket.Conn
	send chan []byte
}

// enqueue queues a frame for this client, dropping it when the client is too
// far behind.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}

func (c *client) readPump() {
	defer func() {
		c.room.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.room.inbound <- inboundFrame{from: c, data: data}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
