package world

import (
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/lootsync/cache"
	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/tombstone"
	"github.com/kasuganosora/lootsync/plugin/hook"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"github.com/kasuganosora/lootsync/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func nop() *zap.Logger { l, _ := zap.NewDevelopment(); return l }

type sent struct {
	peer      loot.PeerID
	broadcast bool
	pkt       *protocol.Packet
}

type recorder struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recorder) Send(peer loot.PeerID, pkt *protocol.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{peer: peer, pkt: pkt})
	return nil
}

func (r *recorder) Broadcast(pkt *protocol.Packet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{broadcast: true, pkt: pkt})
}

func (r *recorder) Peers() []loot.PeerID { return []loot.PeerID{1, 2} }

func (r *recorder) ofType(typ string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.sent {
		if s.pkt.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}

type fixture struct {
	sup   *Supervisor
	host  *loot.Host
	reg   *loot.Registry
	store *tombstone.Store
	tr    *recorder
	hooks *hook.HookCenter
	cache cache.Cache
	ps    cache.PubSub
	sched *scheduler.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, nil)
}

// newFixtureWith lets a test wrap the tombstone backend.
func newFixtureWith(t *testing.T, wrap func(tombstone.Backend) tombstone.Backend) *fixture {
	t.Helper()
	cfg := config.DefaultLoot()
	cfg.RetryDelay = 5 * time.Millisecond
	cfg.MaxRetries = 200
	c, ps := testutil.SetupTestCache(t)
	sched := scheduler.New(nop())
	t.Cleanup(sched.Stop)

	reg := loot.NewRegistry(cfg.HintRadius, cfg.AggressiveRadius, nop())
	tr := &recorder{}
	hooks := hook.NewHookCenter()
	host := loot.NewHost(loot.HostDeps{
		Registry:  reg,
		Codec:     item.NewCodec(nil),
		Transport: tr,
		Cache:     c,
		Scheduler: sched,
		Hooks:     hooks,
		Config:    cfg,
		Logger:    nop(),
	})
	backend, err := tombstone.NewFileBackend(t.TempDir(), false)
	require.NoError(t, err)
	var b tombstone.Backend = backend
	if wrap != nil {
		b = wrap(backend)
	}
	store := tombstone.NewStore(b, nop())

	sup := NewSupervisor(Deps{
		Host:         host,
		Store:        store,
		Transport:    tr,
		Cache:        c,
		PubSub:       ps,
		Scheduler:    sched,
		Hooks:        hooks,
		Config:       cfg,
		Tombstone:    config.TombstoneConfig{MaxAge: tombstone.DefaultMaxAge},
		HostIdentity: "host-player",
		Logger:       nop(),
	})
	sup.Start()
	t.Cleanup(sup.Stop)
	return &fixture{sup: sup, host: host, reg: reg, store: store, tr: tr, hooks: hooks, cache: c, ps: ps, sched: sched}
}

func entry(pos, typeID int) protocol.ItemEntry {
	return protocol.ItemEntry{Position: pos, Snapshot: item.Snapshot{TypeID: typeID, Stack: 1, Durability: 1}}
}

func decode[T any](t *testing.T, s sent) T {
	t.Helper()
	v, err := protocol.Decode[T](s.pkt.Payload)
	require.NoError(t, err)
	return v
}

func typeIDs(entries []protocol.ItemEntry) []int {
	out := make([]int, len(entries))
	for i, e := range entries {
		out[i] = e.Snapshot.TypeID
	}
	return out
}

// gatedBackend blocks the first Save after arm until release is closed.
type gatedBackend struct {
	tombstone.Backend

	mu      sync.Mutex
	armed   bool
	entered chan struct{}
	release chan struct{}
}

func (g *gatedBackend) arm() (entered, release chan struct{}) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.armed = true
	g.entered = make(chan struct{})
	g.release = make(chan struct{})
	return g.entered, g.release
}

func (g *gatedBackend) Save(owner string, f *tombstone.File) error {
	g.mu.Lock()
	armed, entered, release := g.armed, g.entered, g.release
	g.armed = false
	g.mu.Unlock()
	if armed {
		close(entered)
		<-release
	}
	return g.Backend.Save(owner, f)
}
