package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/loom/pkg/types"
)

// fakeClock is an adjustable time source for sweep tests.
type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1_700_000_000, 0)} }

// remotePayload builds an awareness payload for one remote client.
func remotePayload(t *testing.T, clientID types.ClientID, clock uint64, focus *types.EdgeID) []byte {
	t.Helper()
	raw, err := json.Marshal(map[types.ClientID]wireParticipant{
		clientID: {UserID: "u-" + string(clientID), DisplayName: "Remote", Color: "#f00", FocusEdgeID: focus, Clock: clock},
	})
	require.NoError(t, err)
	return raw
}

func edgeRef(id string) *types.EdgeID {
	e := types.EdgeID(id)
	return &e
}

func TestLocalStateAppearsFlaggedLocal(t *testing.T) {
	e := NewEngine("me", 0)

	payload, err := e.SetLocalState(State{UserID: "u1", DisplayName: "Me", Color: "#0f0", FocusEdgeID: edgeRef("e1")})
	require.NoError(t, err)
	assert.NotEmpty(t, payload)

	snap := e.Snapshot()
	require.Len(t, snap.Participants, 1)
	assert.True(t, snap.Participants[0].IsLocal)
	assert.Empty(t, snap.ByEdgeID, "local participant is excluded from the remote per-edge index")
	assert.Len(t, snap.Remote(), 0)
}

func TestApplyRemoteBuildsPerEdgeIndex(t *testing.T) {
	e := NewEngine("me", 0)

	e.ApplyRemote(remotePayload(t, "peer-1", 1, edgeRef("e1")))
	e.ApplyRemote(remotePayload(t, "peer-2", 1, edgeRef("e1")))

	snap := e.Snapshot()
	assert.Len(t, snap.Participants, 2)
	require.Len(t, snap.ByEdgeID[types.EdgeID("e1")], 2)
	assert.Equal(t, types.ClientID("peer-1"), snap.ByEdgeID[types.EdgeID("e1")][0].ClientID)
}

func TestStaleClockIsIgnored(t *testing.T) {
	e := NewEngine("me", 0)

	e.ApplyRemote(remotePayload(t, "peer-1", 5, edgeRef("e1")))
	before := e.Snapshot()

	// Replayed and stale updates must not regress state or churn the
	// snapshot reference.
	e.ApplyRemote(remotePayload(t, "peer-1", 5, edgeRef("e2")))
	e.ApplyRemote(remotePayload(t, "peer-1", 3, edgeRef("e2")))

	after := e.Snapshot()
	assert.Same(t, before, after)
	assert.Equal(t, edgeRef("e1"), after.ByClientID["peer-1"].FocusEdgeID)
}

func TestDepartureRemovesParticipant(t *testing.T) {
	e := NewEngine("me", 0)

	e.ApplyRemote(remotePayload(t, "peer-1", 1, edgeRef("e1")))
	require.Len(t, e.Snapshot().Participants, 1)

	left, err := json.Marshal(map[types.ClientID]wireParticipant{
		"peer-1": {Clock: 2, Left: true},
	})
	require.NoError(t, err)
	e.ApplyRemote(left)

	snap := e.Snapshot()
	assert.Empty(t, snap.Participants)
	assert.Empty(t, snap.ByEdgeID)
}

func TestMalformedEntryDroppedPerParticipant(t *testing.T) {
	e := NewEngine("me", 0)

	// One broken entry among good ones: only the broken one is dropped.
	payload := []byte(`{"peer-1":{"clock":1,"userId":"u1"},"peer-2":"garbage","peer-3":{"clock":"not-a-number"}}`)
	e.ApplyRemote(payload)

	snap := e.Snapshot()
	assert.Len(t, snap.Participants, 1)
	assert.Equal(t, types.ClientID("peer-1"), snap.Participants[0].ClientID)

	// A fully unreadable payload is a no-op.
	e.ApplyRemote([]byte("not json"))
	assert.Len(t, e.Snapshot().Participants, 1)
}

func TestPeerCannotOverwriteLocalState(t *testing.T) {
	e := NewEngine("me", 0)
	_, err := e.SetLocalState(State{UserID: "u1", DisplayName: "Me"})
	require.NoError(t, err)

	e.ApplyRemote(remotePayload(t, "me", 99, edgeRef("hijacked")))

	snap := e.Snapshot()
	require.Len(t, snap.Participants, 1)
	assert.True(t, snap.Participants[0].IsLocal)
	assert.Nil(t, snap.Participants[0].FocusEdgeID)
}

func TestSweepDropsStalledClocks(t *testing.T) {
	clock := newFakeClock()
	e := NewEngine("me", 10*time.Second, WithNow(clock.now))

	e.ApplyRemote(remotePayload(t, "peer-1", 1, edgeRef("e1")))
	e.ApplyRemote(remotePayload(t, "peer-2", 1, edgeRef("e2")))

	// peer-2 keeps advancing; peer-1 stalls.
	clock.advance(8 * time.Second)
	e.ApplyRemote(remotePayload(t, "peer-2", 2, edgeRef("e2")))

	clock.advance(5 * time.Second)
	removed := e.Sweep()
	assert.Equal(t, 1, removed)

	snap := e.Snapshot()
	assert.NotContains(t, snap.ByClientID, types.ClientID("peer-1"))
	assert.Contains(t, snap.ByClientID, types.ClientID("peer-2"))
	assert.Empty(t, snap.ByEdgeID[types.EdgeID("e1")])

	// The swept participant reappears on its next clock-advancing update.
	e.ApplyRemote(remotePayload(t, "peer-1", 2, edgeRef("e1")))
	assert.Contains(t, e.Snapshot().ByClientID, types.ClientID("peer-1"))
}

func TestClearLocalStateBroadcastsDeparture(t *testing.T) {
	e := NewEngine("me", 0)
	hello, err := e.SetLocalState(State{UserID: "u1"})
	require.NoError(t, err)

	peer := NewEngine("peer", 0)
	peer.ApplyRemote(hello)
	require.Contains(t, peer.Snapshot().ByClientID, types.ClientID("me"))

	bye, err := e.ClearLocalState()
	require.NoError(t, err)
	assert.Empty(t, e.Snapshot().Participants)

	// A peer applying the departure payload forgets the client.
	peer.ApplyRemote(bye)
	assert.Empty(t, peer.Snapshot().Participants)
}

func TestSnapshotReferenceStableWithoutChanges(t *testing.T) {
	e := NewEngine("me", 0)
	a := e.Snapshot()
	b := e.Snapshot()
	assert.Same(t, a, b)

	e.ApplyRemote(remotePayload(t, "peer-1", 1, nil))
	c := e.Snapshot()
	assert.NotSame(t, a, c)
}

func TestSubscribeNotifiesOnChange(t *testing.T) {
	e := NewEngine("me", 0)

	calls := 0
	unsub := e.Subscribe(func() { calls++ })

	e.ApplyRemote(remotePayload(t, "peer-1", 1, nil))
	assert.Equal(t, 1, calls)

	// Stale update: no change, no notification.
	e.ApplyRemote(remotePayload(t, "peer-1", 1, nil))
	assert.Equal(t, 1, calls)

	unsub()
	e.ApplyRemote(remotePayload(t, "peer-1", 2, nil))
	assert.Equal(t, 1, calls)
}
