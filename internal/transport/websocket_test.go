package transport_test

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/loom/internal/crdt"
	"github.com/mesh-intelligence/loom/internal/presence"
	"github.com/mesh-intelligence/loom/internal/relay"
	"github.com/mesh-intelligence/loom/internal/transport"
	"github.com/mesh-intelligence/loom/pkg/types"
)

const testOrigin = "test"

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relay.NewServer(nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newProvider(t *testing.T, url, docID string, doc *crdt.Doc, aw *presence.Engine) *transport.Provider {
	t.Helper()
	p := transport.NewProvider(transport.ProviderContext{
		URL: url, DocID: docID, Doc: doc, Awareness: aw,
	})
	t.Cleanup(p.Destroy)
	return p
}

func connect(t *testing.T, p *transport.Provider) {
	t.Helper()
	p.Connect()
	require.Eventually(t, func() bool {
		return p.Status() == types.ConnConnected
	}, 5*time.Second, 10*time.Millisecond, "provider never connected")
}

func setText(t *testing.T, doc *crdt.Doc, key, text string) []byte {
	t.Helper()
	var update []byte
	unsub := doc.OnAfterTransaction(func(ev crdt.TransactionEvent) {
		u, err := crdt.EncodeUpdate(ev.Ops)
		require.NoError(t, err)
		update = u
	})
	defer unsub()
	require.NoError(t, doc.Transact(testOrigin, func(tx *crdt.Tx) error {
		return tx.Set("node", key, "text", text)
	}))
	return update
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

func TestUpdateReachesPeerInSameRoom(t *testing.T) {
	url := startRelay(t)

	docA, docB := crdt.NewDoc(), crdt.NewDoc()
	a := newProvider(t, url, "doc-1", docA, nil)
	b := newProvider(t, url, "doc-1", docB, nil)
	connect(t, a)
	connect(t, b)

	update := setText(t, docA, "n1", "hello")
	require.NoError(t, a.SendUpdate(update))

	require.Eventually(t, func() bool {
		return getText(t, docB, "n1") == "hello"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestLateJoinerCatchesUpFromRelay(t *testing.T) {
	url := startRelay(t)

	docA := crdt.NewDoc()
	a := newProvider(t, url, "doc-1", docA, nil)
	connect(t, a)
	require.NoError(t, a.SendUpdate(setText(t, docA, "n1", "early")))

	// Wait until the room's own replica holds the update, then drop the
	// producer before the late joiner arrives.
	watcherDoc := crdt.NewDoc()
	watcher := newProvider(t, url, "doc-1", watcherDoc, nil)
	connect(t, watcher)
	require.Eventually(t, func() bool {
		return getText(t, watcherDoc, "n1") == "early"
	}, 5*time.Second, 10*time.Millisecond)
	watcher.Destroy()
	a.Disconnect()

	docB := crdt.NewDoc()
	b := newProvider(t, url, "doc-1", docB, nil)
	connect(t, b)

	require.Eventually(t, func() bool {
		return getText(t, docB, "n1") == "early"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRoomsAreIsolatedByDocID(t *testing.T) {
	url := startRelay(t)

	docA, docB := crdt.NewDoc(), crdt.NewDoc()
	a := newProvider(t, url, "doc-1", docA, nil)
	b := newProvider(t, url, "doc-2", docB, nil)
	connect(t, a)
	connect(t, b)

	require.NoError(t, a.SendUpdate(setText(t, docA, "n1", "private")))

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, "", getText(t, docB, "n1"))
}

func TestOfflineUpdatesReplayOnConnect(t *testing.T) {
	url := startRelay(t)

	docA := crdt.NewDoc()
	a := newProvider(t, url, "doc-1", docA, nil)

	// Queued while disconnected, not dropped.
	require.NoError(t, a.SendUpdate(setText(t, docA, "n1", "offline edit")))

	docB := crdt.NewDoc()
	b := newProvider(t, url, "doc-1", docB, nil)
	connect(t, b)
	connect(t, a)

	require.Eventually(t, func() bool {
		return getText(t, docB, "n1") == "offline edit"
	}, 5*time.Second, 10*time.Millisecond)
}

// Ops applied to the document before Connect was ever called (a seeded
// outline, edits loaded from disk after a restart) must still reach peers:
// the room greets the joiner with SYNC_STEP1 and the provider's SYNC_STEP2
// answer carries everything the room has not seen.
func TestPreConnectStateCrossesOnConnect(t *testing.T) {
	url := startRelay(t)

	docA := crdt.NewDoc()
	setText(t, docA, "n1", "before any connection")

	a := newProvider(t, url, "doc-1", docA, nil)
	docB := crdt.NewDoc()
	b := newProvider(t, url, "doc-1", docB, nil)
	connect(t, a)
	connect(t, b)

	require.Eventually(t, func() bool {
		return getText(t, docB, "n1") == "before any connection"
	}, 5*time.Second, 10*time.Millisecond, "pre-connect ops must reach the peer")
}

func TestAwarenessRelaysIntoPeerEngine(t *testing.T) {
	url := startRelay(t)

	awA := presence.NewEngine("client-a", 0)
	awB := presence.NewEngine("client-b", 0)
	a := newProvider(t, url, "doc-1", crdt.NewDoc(), awA)
	b := newProvider(t, url, "doc-1", crdt.NewDoc(), awB)
	connect(t, a)
	connect(t, b)

	payload, err := awA.SetLocalState(presence.State{UserID: "u1", DisplayName: "Alice"})
	require.NoError(t, err)
	require.NoError(t, a.BroadcastAwareness(payload))

	require.Eventually(t, func() bool {
		_, ok := awB.Snapshot().ByClientID["client-a"]
		return ok
	}, 5*time.Second, 10*time.Millisecond)
	// The sender's own engine never sees itself as remote.
	assert.Empty(t, awA.Snapshot().Remote())
}

func TestStatusTransitions(t *testing.T) {
	url := startRelay(t)

	p := newProvider(t, url, "doc-1", crdt.NewDoc(), nil)

	var statuses []types.ConnectionStatus
	done := make(chan struct{})
	p.OnStatusChange(func(s types.ConnectionStatus) {
		statuses = append(statuses, s)
		if s == types.ConnConnected {
			close(done)
		}
	})

	p.Connect()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("never connected")
	}
	assert.Equal(t, []types.ConnectionStatus{types.ConnConnecting, types.ConnConnected}, statuses)

	p.Disconnect()
	assert.Equal(t, types.ConnDisconnected, p.Status())
}

func TestDestroyedProviderRefusesSends(t *testing.T) {
	p := newProvider(t, "ws://127.0.0.1:0", "doc-1", crdt.NewDoc(), nil)
	p.Destroy()

	assert.ErrorIs(t, p.SendUpdate([]byte("x")), types.ErrTransportDestroyed)
	assert.ErrorIs(t, p.BroadcastAwareness([]byte("x")), types.ErrTransportDestroyed)
}

// severableListener records accepted connections so the test can cut them
// out from under the server. httptest's CloseClientConnections cannot reach
// hijacked websocket connections, so the drop is simulated at the TCP layer.
type severableListener struct {
	net.Listener

	mu    sync.Mutex
	conns []net.Conn
}

func (l *severableListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.conns = append(l.conns, c)
	l.mu.Unlock()
	return c, nil
}

func (l *severableListener) sever() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.conns {
		c.Close()
	}
	l.conns = nil
}

func TestReconnectAfterConnectionDropHeals(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	sl := &severableListener{Listener: ln}
	srv := &http.Server{Handler: relay.NewServer(nil).Handler()}
	go srv.Serve(sl)
	t.Cleanup(func() { srv.Close() })

	url := "ws://" + ln.Addr().String()
	docA := crdt.NewDoc()
	a := newProvider(t, url, "doc-1", docA, nil)
	connect(t, a)

	// Cut the wire; the provider observes the read error, goes disconnected,
	// and keeps retrying against the still-running server.
	sl.sever()
	require.Eventually(t, func() bool {
		return a.Status() != types.ConnConnected
	}, 5*time.Second, 10*time.Millisecond, "provider must notice the drop")

	require.Eventually(t, func() bool {
		return a.Status() == types.ConnConnected
	}, 10*time.Second, 10*time.Millisecond, "provider must reconnect on its own")

	// The healed connection carries data again.
	docB := crdt.NewDoc()
	b := newProvider(t, url, "doc-1", docB, nil)
	connect(t, b)
	require.NoError(t, a.SendUpdate(setText(t, docA, "n2", "after the drop")))
	require.Eventually(t, func() bool {
		return getText(t, docB, "n2") == "after the drop"
	}, 5*time.Second, 10*time.Millisecond)
}
