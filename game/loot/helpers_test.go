package loot

import (
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/plugin/hook"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"github.com/kasuganosora/lootsync/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

type sentPacket struct {
	peer      PeerID
	broadcast bool
	pkt       *protocol.Packet
}

// recorder is a Transport that keeps every packet.
type recorder struct {
	mu    sync.Mutex
	sent  []sentPacket
	peers []PeerID
}

func (r *recorder) Send(peer PeerID, pkt *protocol.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentPacket{peer: peer, pkt: pkt})
	return nil
}

func (r *recorder) Broadcast(pkt *protocol.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentPacket{broadcast: true, pkt: pkt})
}

func (r *recorder) Peers() []PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PeerID(nil), r.peers...)
}

func (r *recorder) ofType(typ string) []sentPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sentPacket
	for _, s := range r.sent {
		if s.pkt.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) drain() []sentPacket {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.sent
	r.sent = nil
	return out
}

func testLootConfig() config.LootConfig {
	cfg := config.DefaultLoot()
	cfg.StateTimeout = 50 * time.Millisecond
	cfg.ResyncTimeout = 80 * time.Millisecond
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.MaxRetries = 3
	return cfg
}

func newSched(t *testing.T) *scheduler.Scheduler {
	s := scheduler.New(nop())
	t.Cleanup(s.Stop)
	return s
}

type hostFixture struct {
	host  *Host
	reg   *Registry
	tr    *recorder
	hooks *hook.HookCenter
}

func newHostFixture(t *testing.T) *hostFixture {
	t.Helper()
	cfg := testLootConfig()
	c, _ := testutil.SetupTestCache(t)
	reg := NewRegistry(cfg.HintRadius, cfg.AggressiveRadius, nop())
	tr := &recorder{peers: []PeerID{1, 2}}
	hooks := hook.NewHookCenter()
	h := NewHost(HostDeps{
		Registry:  reg,
		Codec:     item.NewCodec(nil),
		Transport: tr,
		Cache:     c,
		Scheduler: newSched(t),
		Hooks:     hooks,
		Config:    cfg,
		Logger:    nop(),
	})
	return &hostFixture{host: h, reg: reg, tr: tr, hooks: hooks}
}

// spawn registers a ready host container holding entries.
func (f *hostFixture) spawn(t *testing.T, scene string, pos protocol.Vec3, entries ...item.Entry) *Container {
	t.Helper()
	c := NewContainer(scene, pos, protocol.Identity, 10)
	f.reg.BindUID(c, f.reg.AllocateUID())
	f.reg.Register(c)
	require.NoError(t, c.Rebuild(f.host.Codec(), 10, entries))
	return c
}

func newTestClient(t *testing.T) (*Client, *recorder) {
	return newTestClientWith(t, testLootConfig())
}

func newTestClientWith(t *testing.T, cfg config.LootConfig) (*Client, *recorder) {
	tr := &recorder{}
	cl := NewClient(ClientDeps{
		Codec:     item.NewCodec(nil),
		Transport: tr,
		Scheduler: newSched(t),
		Config:    cfg,
		Logger:    nop(),
	})
	return cl, tr
}

func decode[T any](t *testing.T, s sentPacket) T {
	t.Helper()
	v, err := protocol.Decode[T](s.pkt.Payload)
	require.NoError(t, err)
	return v
}

func entry(pos, typeID, stack int) item.Entry {
	return item.Entry{Position: pos, Snapshot: item.Snapshot{TypeID: typeID, Stack: stack, Durability: 1}}
}
