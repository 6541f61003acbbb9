package loot

import (
	"math"
	"testing"
	"time"

	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spawnMsg(uid int, x float64) protocol.ContainerSpawn {
	return protocol.ContainerSpawn{Scene: "s", UID: uid, Pos: protocol.Vec3{X: x}, Rot: protocol.Identity}
}

func TestPendingSnapshot_ConsumedOnCreate(t *testing.T) {
	cl, tr := newTestClient(t)
	cl.ApplyFullState(protocol.StateResponse{UID: 7, Scene: "s", Capacity: 6, Items: []item.Entry{entry(2, 5, 1)}})

	capacity, items, ok := cl.PendingSnapshot(7)
	require.True(t, ok)
	assert.Equal(t, 6, capacity)
	assert.Len(t, items, 1)

	c := cl.HandleSpawn(spawnMsg(7, 4))
	assert.Equal(t, Ready, c.State())
	assert.Equal(t, 6, c.Capacity())
	got, ok := c.ItemAt(2)
	require.True(t, ok)
	assert.Equal(t, 5, got.TypeID)

	_, _, ok = cl.PendingSnapshot(7)
	assert.False(t, ok, "pending entry removed once consumed")
	assert.Empty(t, tr.ofType(protocol.TypeStateRequest), "no request when state was already held")
}

func TestPendingSnapshot_LatestWins(t *testing.T) {
	cl, _ := newTestClient(t)
	cl.ApplyFullState(protocol.StateResponse{UID: 3, Capacity: 4, Items: []item.Entry{entry(0, 1, 1)}})
	cl.ApplyFullState(protocol.StateResponse{UID: 3, Capacity: 5, Items: []item.Entry{entry(0, 2, 1)}})
	capacity, items, ok := cl.PendingSnapshot(3)
	require.True(t, ok)
	assert.Equal(t, 5, capacity)
	assert.Equal(t, 2, items[0].Snapshot.TypeID)
}

func TestHandleSpawn_RequestsState(t *testing.T) {
	cl, tr := newTestClient(t)
	c := cl.HandleSpawn(spawnMsg(1, 2))
	assert.Equal(t, Loading, c.State())

	reqs := tr.ofType(protocol.TypeStateRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, HostPeer, reqs[0].peer)
	req := decode[protocol.StateRequest](t, reqs[0])
	assert.Equal(t, 1, req.ID.UID)
	assert.Equal(t, c.LegacyKey, req.ID.LegacyKey)
	require.NotNil(t, req.PosHint)
	assert.Equal(t, 2.0, req.PosHint.X)
}

func TestHandleSpawn_Dedupe(t *testing.T) {
	cl, _ := newTestClient(t)
	first := cl.HandleSpawn(spawnMsg(1, 2))
	again := cl.HandleSpawn(spawnMsg(1, 2.5))
	assert.Same(t, first, again)
	assert.Equal(t, 1, cl.Registry().Len())

	moved := cl.HandleSpawn(spawnMsg(1, 9))
	assert.NotSame(t, first, moved)
	assert.True(t, first.Destroyed())
	assert.Same(t, moved, cl.Lookup(1))
	assert.Equal(t, 1, cl.Registry().Len())
}

func TestHandleSpawn_RemovesEmptyNeighbours(t *testing.T) {
	cl, _ := newTestClient(t)
	ghost := cl.CreateContainer(1, "s", protocol.Vec3{X: 0.5}, protocol.Identity)
	ghost.MarkReady()
	full := cl.CreateContainer(2, "s", protocol.Vec3{X: 0.6}, protocol.Identity)
	full.Replace(buildInv(t, entry(0, 1, 1)))

	cl.HandleSpawn(spawnMsg(3, 0))
	assert.True(t, ghost.Destroyed())
	assert.False(t, full.Destroyed())
	assert.Nil(t, cl.Lookup(1))
	assert.Equal(t, 2, cl.Registry().Len())
}

func TestRequestState_TimeoutForcesReady(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.HandleSpawn(spawnMsg(1, 0))
	assert.Equal(t, Loading, c.State())
	assert.Eventually(t, func() bool { return c.State() == Ready }, time.Second, 5*time.Millisecond)
	assert.True(t, c.IsEmpty())
}

func TestApplyFullState_ClampsCapacity(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.HandleSpawn(spawnMsg(1, 0))

	cl.ApplyFullState(protocol.StateResponse{UID: 1, Capacity: 0})
	assert.Equal(t, 1, c.Capacity())
	assert.Equal(t, Ready, c.State())

	cl.ApplyFullState(protocol.StateResponse{UID: 1, Capacity: 500})
	assert.Equal(t, 128, c.Capacity())
}

func TestApplyFullState_CancelsTimeout(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.HandleSpawn(spawnMsg(4, 0))
	assert.True(t, cl.sched.HasTask("loot:state-timeout:4"))
	cl.ApplyFullState(protocol.StateResponse{UID: 4, Capacity: 3, Items: []item.Entry{entry(0, 1, 1)}})
	assert.False(t, cl.sched.HasTask("loot:state-timeout:4"))
	assert.Equal(t, 1, c.Len())
}

func TestHandleStateDeny_ForcesEmptyReady(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.HandleSpawn(spawnMsg(2, 0))
	cl.HandleStateDeny(protocol.StateDeny{ID: protocol.ContainerID{Scene: "s", UID: 2}, Reason: protocol.ReasonNoInventory})
	assert.Equal(t, Ready, c.State())
	assert.True(t, c.IsEmpty())
}

func TestNextToken_NonZeroAndUnique(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)

	cl.lastToken = math.MaxUint32 - 1
	require.True(t, cl.NoteReorderPending(1, c, 0))
	assert.Equal(t, uint32(math.MaxUint32), cl.NextToken())
	assert.Equal(t, uint32(2), cl.NextToken(), "wraps past zero and the pending token 1")

	assert.False(t, cl.NoteTakePending(1, c, 0, nil, Destination{}), "pending token cannot be reused")
	assert.False(t, cl.NoteTakePending(0, c, 0, nil, Destination{}))
}

func TestResolve_UnknownTokenIsNoop(t *testing.T) {
	cl, _ := newTestClient(t)
	assert.False(t, cl.ResolveTake(protocol.TakeResolved{Token: 9}))
	assert.False(t, cl.ResolveReorder(protocol.ReorderResolved{Token: 9}))
	assert.False(t, cl.ResolvePut(protocol.PutResolved{Token: 9}))
}

func TestResolveTake_LandsAtDestination(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)
	cl.ApplyFullState(protocol.StateResponse{UID: 1, Capacity: 10, Items: []item.Entry{entry(0, 100, 1), entry(1, 200, 1)}})

	backpack := item.NewInventory(8)
	require.True(t, cl.NoteTakePending(42, c, 1, nil, Destination{Inv: backpack, Position: 3}))
	require.True(t, cl.ResolveTake(protocol.TakeResolved{Token: 42, UID: 1, Snapshot: entry(0, 200, 1).Snapshot}))

	require.NotNil(t, backpack.GetItemAt(3))
	assert.Equal(t, 200, backpack.GetItemAt(3).TypeID)
	_, ok := c.ItemAt(1)
	assert.False(t, ok)
	assert.Equal(t, 0, cl.PendingTokens())

	assert.False(t, cl.ResolveTake(protocol.TakeResolved{Token: 42}), "second delivery is a no-op")
}

func TestHandleTakeDenied_Resyncs(t *testing.T) {
	cl, tr := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)
	c.MarkReady()
	token, err := cl.Take(c, 0, nil, Destination{})
	require.NoError(t, err)
	tr.drain()

	cl.HandleTakeDenied(protocol.TakeDenied{Token: token, Reason: protocol.ReasonNoItem})
	assert.Equal(t, 0, cl.PendingTokens())
	assert.Len(t, tr.ofType(protocol.TypeStateRequest), 1)
	assert.Equal(t, Loading, c.State())
}

func patientConfig() config.LootConfig {
	cfg := testLootConfig()
	cfg.MaxRetries = 200
	return cfg
}

func TestTake_DeferredUntilMirrorReady(t *testing.T) {
	cl, tr := newTestClientWith(t, patientConfig())
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)
	require.Equal(t, Loading, c.State())

	token, err := cl.Take(c, 0, nil, Destination{})
	require.NoError(t, err)
	assert.Empty(t, tr.ofType(protocol.TypeTakeRequest), "nothing sent while loading")
	assert.Equal(t, 1, cl.PendingTokens())

	cl.ApplyFullState(protocol.StateResponse{UID: 1, Capacity: 4, Items: []item.Entry{entry(0, 100, 1)}})
	require.Eventually(t, func() bool {
		return len(tr.ofType(protocol.TypeTakeRequest)) == 1
	}, time.Second, 5*time.Millisecond)
	req := decode[protocol.TakeRequest](t, tr.ofType(protocol.TypeTakeRequest)[0])
	assert.Equal(t, token, req.Token)
	assert.Equal(t, 1, req.ID.UID)
	assert.Never(t, func() bool {
		return len(tr.ofType(protocol.TypeTakeRequest)) > 1
	}, 30*time.Millisecond, 5*time.Millisecond)
}

func TestTake_GivesUpWhileStillLoading(t *testing.T) {
	cl, tr := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)

	_, err := cl.Take(c, 0, nil, Destination{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cl.PendingTokens() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.ofType(protocol.TypeTakeRequest))
	assert.Eventually(t, func() bool {
		return !cl.sched.HasTask(deferTask(protocol.TypeTakeRequest, 1))
	}, time.Second, 5*time.Millisecond)
}

func TestReorderPut_DeferredUntilMirrorReady(t *testing.T) {
	cl, tr := newTestClientWith(t, patientConfig())
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)

	_, err := cl.Reorder(c, 0, 2)
	require.NoError(t, err)
	_, err = cl.Put(c, -1, item.Snapshot{TypeID: 5, Stack: 1})
	require.NoError(t, err)
	assert.Empty(t, tr.ofType(protocol.TypeReorderRequest))
	assert.Empty(t, tr.ofType(protocol.TypePutRequest))

	cl.HandleStateDeny(protocol.StateDeny{ID: protocol.ContainerID{Scene: "s", UID: 1}, Reason: protocol.ReasonNoInventory})
	require.Eventually(t, func() bool {
		return len(tr.ofType(protocol.TypeReorderRequest)) == 1 && len(tr.ofType(protocol.TypePutRequest)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, cl.PendingTokens())
}

func TestReorderPut_GiveUpDropsTokens(t *testing.T) {
	cl, tr := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)

	_, err := cl.Reorder(c, 0, 2)
	require.NoError(t, err)
	_, err = cl.Put(c, -1, item.Snapshot{TypeID: 5, Stack: 1})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return cl.PendingTokens() == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, tr.ofType(protocol.TypeReorderRequest))
	assert.Empty(t, tr.ofType(protocol.TypePutRequest))
}

func TestDeferredRequest_DroppedOnDisconnect(t *testing.T) {
	cl, tr := newTestClientWith(t, patientConfig())
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)

	_, err := cl.Take(c, 0, nil, Destination{})
	require.NoError(t, err)
	cl.Disconnected()
	c.MarkReady()
	assert.Never(t, func() bool {
		return len(tr.ofType(protocol.TypeTakeRequest)) > 0
	}, 40*time.Millisecond, 5*time.Millisecond)
}

func TestTake_DestroyedMirror(t *testing.T) {
	cl, tr := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)
	c.Destroy()

	_, err := cl.Take(c, 0, nil, Destination{})
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.Equal(t, 0, cl.PendingTokens())
	assert.Empty(t, tr.ofType(protocol.TypeTakeRequest))
}

func TestReapTokens(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)
	require.True(t, cl.NoteTakePending(1, c, 0, nil, Destination{}))
	require.True(t, cl.NoteReorderPending(2, c, 1))
	require.True(t, cl.NotePutPending(3, c, -1))

	assert.Equal(t, 0, cl.ReapTokens(time.Now()))
	assert.Equal(t, 3, cl.ReapTokens(time.Now().Add(cl.cfg.TokenTTL+time.Second)))
	assert.Equal(t, 0, cl.PendingTokens())
}

func TestDisconnected_DropsEverything(t *testing.T) {
	cl, _ := newTestClient(t)
	c := cl.CreateContainer(1, "s", protocol.Vec3{}, protocol.Identity)
	require.True(t, cl.NoteTakePending(1, c, 0, nil, Destination{}))
	cl.ApplyFullState(protocol.StateResponse{UID: 9, Capacity: 1})
	cl.Disconnected()
	assert.Equal(t, 0, cl.PendingTokens())
	_, _, ok := cl.PendingSnapshot(9)
	assert.False(t, ok)
}

func TestForceResync(t *testing.T) {
	cl, tr := newTestClient(t)
	a := cl.CreateContainer(1, "s", protocol.Vec3{X: 1}, protocol.Identity)
	b := cl.CreateContainer(2, "s", protocol.Vec3{X: 5}, protocol.Identity)
	a.MarkReady()
	b.Destroy()

	assert.Equal(t, 1, cl.ForceResync())
	assert.Nil(t, cl.Lookup(2))
	assert.Len(t, tr.ofType(protocol.TypeStateRequest), 1)
	assert.True(t, cl.sched.HasTask("loot:state-timeout:1"))
}

func TestStart_RegistersReaper(t *testing.T) {
	cl, _ := newTestClient(t)
	cl.Start()
	assert.True(t, cl.sched.HasTask(tokenReapTask))
}

func buildInv(t *testing.T, entries ...item.Entry) *item.Inventory {
	t.Helper()
	inv, err := item.NewCodec(nil).BuildInventory(10, entries, "test")
	require.NoError(t, err)
	return inv
}
