package relay

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/internal/transport"
)

func dial(t *testing.T, srv *httptest.Server, docID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + docID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) transport.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := transport.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

// dialGreeted dials a room and consumes the server's join greeting.
func dialGreeted(t *testing.T, srv *httptest.Server, docID string) *websocket.Conn {
	t.Helper()
	conn := dial(t, srv, docID)
	msg := readFrame(t, conn)
	require.Equal(t, transport.MsgSync, msg.Type)
	require.Equal(t, transport.SyncStep1, msg.SyncType)
	return conn
}

func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestJoinGreetedWithStep1(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil).Handler())
	defer srv.Close()

	conn := dial(t, srv, "doc-1")

	msg := readFrame(t, conn)
	assert.Equal(t, transport.MsgSync, msg.Type)
	assert.Equal(t, transport.SyncStep1, msg.SyncType)
	_, err := crdt.DecodeStateVector(msg.Payload)
	assert.NoError(t, err, "greeting must carry the room's state vector")
}

func TestStep1AnsweredWithStep2(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil).Handler())
	defer srv.Close()

	conn := dialGreeted(t, srv, "doc-1")

	sv, err := crdt.EncodeStateVector(crdt.StateVector{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, transport.EncodeSyncStep1(sv)))

	msg := readFrame(t, conn)
	assert.Equal(t, transport.MsgSync, msg.Type)
	assert.Equal(t, transport.SyncStep2, msg.SyncType)
}

// A client that already holds ops when it joins (it seeded or edited before
// the connection existed) answers the join greeting with SYNC_STEP2; those
// ops must land in the room and flow to later joiners.
func TestJoinerStateReachesRoomAndPeers(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil).Handler())
	defer srv.Close()

	early := crdt.NewDoc()
	require.NoError(t, early.Transact("test", func(tx *crdt.Tx) error {
		return tx.Set("node", "n1", "text", "made before connecting")
	}))

	conn := dial(t, srv, "doc-1")
	greet := readFrame(t, conn)
	require.Equal(t, transport.SyncStep1, greet.SyncType)
	roomSV, err := crdt.DecodeStateVector(greet.Payload)
	require.NoError(t, err)

	reply, err := early.EncodeStateAsUpdate(roomSV)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, transport.EncodeSyncStep2(reply)))

	// A later joiner's greeting handshake must return the early client's op.
	late := dial(t, srv, "doc-1")
	msg := readFrame(t, late)
	require.Equal(t, transport.SyncStep1, msg.SyncType)
	sv, err := crdt.EncodeStateVector(crdt.StateVector{})
	require.NoError(t, err)
	require.NoError(t, late.WriteMessage(websocket.BinaryMessage, transport.EncodeSyncStep1(sv)))

	require.Eventually(t, func() bool {
		late.SetReadDeadline(time.Now().Add(time.Second))
		_, data, err := late.ReadMessage()
		if err != nil {
			return false
		}
		got, err := transport.DecodeMessage(data)
		if err != nil || got.SyncType != transport.SyncStep2 {
			return false
		}
		ops, err := crdt.DecodeUpdate(got.Payload)
		return err == nil && len(ops) > 0
	}, 5*time.Second, 10*time.Millisecond, "late joiner must receive the early client's ops")
}

func TestGarbageFrameDoesNotKillRoom(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil).Handler())
	defer srv.Close()

	conn := dialGreeted(t, srv, "doc-1")
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}))

	// The room must still answer a well-formed handshake afterwards.
	sv, err := crdt.EncodeStateVector(crdt.StateVector{})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, transport.EncodeSyncStep1(sv)))
	msg := readFrame(t, conn)
	assert.Equal(t, transport.SyncStep2, msg.SyncType)
}

func TestUpdateBroadcastExcludesSender(t *testing.T) {
	srv := httptest.NewServer(NewServer(nil).Handler())
	defer srv.Close()

	sender := dialGreeted(t, srv, "doc-1")
	receiver := dialGreeted(t, srv, "doc-1")

	doc := crdt.NewDoc()
	require.NoError(t, doc.Transact("test", func(tx *crdt.Tx) error {
		return tx.Set("node", "n1", "text", "hi")
	}))
	update, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	require.NoError(t, sender.WriteMessage(websocket.BinaryMessage, transport.EncodeSyncUpdate(update)))

	msg := readFrame(t, receiver)
	assert.Equal(t, transport.SyncUpdate, msg.SyncType)

	sender.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err = sender.ReadMessage()
	assert.Error(t, err, "sender must not receive its own update")
}
