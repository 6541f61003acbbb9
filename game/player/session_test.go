package player

import (
	"encoding/json"
	"testing"

	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

func pkt(t *testing.T, typ string) *protocol.Packet {
	p, err := protocol.Encode(typ, protocol.SceneEnter{Scene: "Base"})
	require.NoError(t, err)
	return p
}

func TestSession_AcceptSeq(t *testing.T) {
	s := NewPeerSession(1, "alice", nil, nil, nop())
	assert.True(t, s.AcceptSeq(0))
	assert.True(t, s.AcceptSeq(1))
	assert.True(t, s.AcceptSeq(5))
	assert.False(t, s.AcceptSeq(5), "replay")
	assert.False(t, s.AcceptSeq(3), "out of order")
	assert.True(t, s.AcceptSeq(0))
	assert.Equal(t, uint64(5), s.LastSeq())
}

func TestSession_Allow(t *testing.T) {
	s := NewPeerSession(1, "alice", nil, rate.NewLimiter(0, 2), nop())
	assert.True(t, s.Allow())
	assert.True(t, s.Allow())
	assert.False(t, s.Allow())

	unlimited := NewPeerSession(2, "bob", nil, nil, nop())
	assert.True(t, unlimited.Allow())
}

func TestSession_SendAfterClose(t *testing.T) {
	s := NewPeerSession(1, "alice", nil, nil, nop())
	require.NoError(t, s.Send(pkt(t, "x")))
	s.Close()
	s.Close()
	assert.ErrorIs(t, s.Send(pkt(t, "x")), ErrSessionClosed)
}

func TestSession_BufferFull(t *testing.T) {
	s := NewPeerSession(1, "alice", nil, nil, nop())
	for i := 0; i < sendChanBuf; i++ {
		require.NoError(t, s.SendRaw([]byte("{}")))
	}
	assert.ErrorIs(t, s.SendRaw([]byte("{}")), ErrSendBufFull)
}

func TestManager_Transport(t *testing.T) {
	sm := NewSessionManager(nop())
	a := NewPeerSession(2, "alice", nil, nil, nop())
	b := NewPeerSession(1, "bob", nil, nil, nop())
	sm.Register(a)
	sm.Register(b)

	assert.Equal(t, []loot.PeerID{1, 2}, sm.Peers())

	require.NoError(t, sm.Send(2, pkt(t, protocol.TypeSceneEnter)))
	assert.Len(t, a.SendChan, 1)
	assert.Len(t, b.SendChan, 0)
	assert.ErrorIs(t, sm.Send(9, pkt(t, "x")), ErrPeerOffline)

	sm.Broadcast(pkt(t, protocol.TypeSceneEnter))
	assert.Len(t, a.SendChan, 2)
	require.Len(t, b.SendChan, 1)

	var got protocol.Packet
	require.NoError(t, json.Unmarshal(<-b.SendChan, &got))
	assert.Equal(t, protocol.TypeSceneEnter, got.Type)
}

func TestManager_ReconnectDisplacesOld(t *testing.T) {
	sm := NewSessionManager(nop())
	old := NewPeerSession(3, "carol", nil, nil, nop())
	sm.Register(old)
	fresh := NewPeerSession(3, "carol", nil, nil, nop())
	sm.Register(fresh)

	assert.True(t, old.IsClosed())
	assert.Same(t, fresh, sm.Get(3))

	// The old read loop exiting must not drop the new session.
	assert.False(t, sm.Unregister(old))
	assert.Equal(t, 1, sm.Count())
	assert.True(t, sm.Unregister(fresh))
	assert.Equal(t, 0, sm.Count())
}
