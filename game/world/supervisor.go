package world

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/kasuganosora/lootsync/audit"
	"github.com/kasuganosora/lootsync/cache"
	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/tombstone"
	"github.com/kasuganosora/lootsync/plugin/hook"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"go.uber.org/zap"
)

const (
	peersKey   = "loot:peers"
	expireTask = "tombstone:expire"
	hookName   = "world"
)

// SpawnEvent describes a container the host is about to create for a death
// or a despawned body.
type SpawnEvent struct {
	Scene   string
	Pos     protocol.Vec3
	Rot     protocol.Quat
	OwnerAI int
	// Owner is the identity of the dead player. Empty for AI deaths.
	Owner string
	// Peer is the remote peer whose character died, if any.
	Peer     *loot.PeerID
	Capacity int
	Items    []protocol.ItemEntry
}

// Deps bundles the collaborators of a Supervisor.
type Deps struct {
	Host         *loot.Host
	Store        *tombstone.Store
	Transport    loot.Transport
	Cache        cache.Cache
	PubSub       cache.PubSub
	Scheduler    *scheduler.Scheduler
	Hooks        *hook.HookCenter
	Audit        audit.Logger
	Scenes       *SceneTracker
	Config       config.LootConfig
	Tombstone    config.TombstoneConfig
	HostIdentity string
	Logger       *zap.Logger
}

// Supervisor owns the container lifecycle on the host: death spawns,
// duplicate cleanup, tombstone persistence and restore, and catch-up of
// newly joined peers.
type Supervisor struct {
	host      *loot.Host
	reg       *loot.Registry
	codec     *item.Codec
	store     *tombstone.Store
	transport loot.Transport
	cache     cache.Cache
	pubsub    cache.PubSub
	sched     *scheduler.Scheduler
	hooks     *hook.HookCenter
	audit     audit.Logger
	scenes    *SceneTracker
	cfg       config.LootConfig
	tcfg      config.TombstoneConfig
	hostID    string
	logger    *zap.Logger
}

func NewSupervisor(d Deps) *Supervisor {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Hooks == nil {
		d.Hooks = hook.NewHookCenter()
	}
	if d.Scenes == nil {
		d.Scenes = NewSceneTracker()
	}
	return &Supervisor{
		host:      d.Host,
		reg:       d.Host.Registry(),
		codec:     d.Host.Codec(),
		store:     d.Store,
		transport: d.Transport,
		cache:     d.Cache,
		pubsub:    d.PubSub,
		sched:     d.Scheduler,
		hooks:     d.Hooks,
		audit:     d.Audit,
		scenes:    d.Scenes,
		cfg:       d.Config,
		tcfg:      d.Tombstone,
		hostID:    d.HostIdentity,
		logger:    d.Logger,
	}
}

// Start subscribes to container changes and schedules tombstone expiry.
func (s *Supervisor) Start() {
	s.hooks.Register(hook.OnContainerChanged, 0, hookName, s.onContainerChanged)
	if s.sched != nil && s.tcfg.ExpireInterval > 0 {
		s.sched.AddTicker(expireTask, s.tcfg.ExpireInterval, func() {
			s.ExpireTombstones(context.Background())
		})
	}
}

// Stop undoes Start.
func (s *Supervisor) Stop() {
	s.hooks.UnregisterAll(hookName)
	if s.sched != nil {
		s.sched.Remove(expireTask)
	}
}

func (s *Supervisor) Scenes() *SceneTracker { return s.scenes }

func (s *Supervisor) Store() *tombstone.Store { return s.store }

// ---- peer identities ----

// BindPeer records the identity behind a connected peer.
func (s *Supervisor) BindPeer(ctx context.Context, peer loot.PeerID, identity string) error {
	return s.cache.HSet(ctx, peersKey, strconv.FormatInt(int64(peer), 10), identity)
}

// Identity returns the identity of peer. The host peer is always the
// configured host identity.
func (s *Supervisor) Identity(ctx context.Context, peer loot.PeerID) string {
	if peer == loot.HostPeer {
		return s.hostID
	}
	v, err := s.cache.HGet(ctx, peersKey, strconv.FormatInt(int64(peer), 10))
	if err != nil {
		if !cache.IsNotFound(err) {
			s.logger.Warn("peer identity lookup failed", zap.Int64("peer", int64(peer)), zap.Error(err))
		}
		return ""
	}
	return v
}

// PeerDisconnected forgets everything tied to peer.
func (s *Supervisor) PeerDisconnected(ctx context.Context, peer loot.PeerID) {
	if err := s.cache.HDel(ctx, peersKey, strconv.FormatInt(int64(peer), 10)); err != nil {
		s.logger.Warn("drop peer identity failed", zap.Int64("peer", int64(peer)), zap.Error(err))
	}
	s.scenes.Forget(peer)
	s.trigger(ctx, hook.OnPeerLeft, peer)
}

// ---- spawning ----

// OnContainerSpawned creates the container for a death or despawn, persists
// player deaths as tombstones and announces the container to every peer.
func (s *Supervisor) OnContainerSpawned(ctx context.Context, ev SpawnEvent) (*loot.Container, error) {
	start := time.Now()
	if removed := s.CleanupDuplicatesNear(ev.Scene, ev.Pos, s.cfg.CleanupRadius, nil); removed > 0 {
		s.logger.Debug("removed empty containers before spawn",
			zap.String("scene", ev.Scene), zap.Int("count", removed))
	}

	uid := s.reg.AllocateUID()
	capacity := ev.Capacity
	if capacity <= 0 {
		capacity = max(s.cfg.RestoreMinCapacity, len(ev.Items))
	}
	capacity = item.FitCapacity(capacity, ev.Items)

	c := loot.NewContainer(ev.Scene, ev.Pos, ev.Rot, capacity)
	c.OwnerAI = ev.OwnerAI
	if ev.OwnerAI == 0 {
		c.Owner = ev.Owner
	}
	s.fill(c, capacity, ev.Items)
	s.reg.BindUID(c, uid)
	s.reg.Register(c)
	s.host.MuteBroadcasts(ctx, c, s.cfg.DeadLootMute)

	_, items := c.Snapshot()
	if c.OwnerAI == 0 && c.Owner != "" {
		rec := tombstone.Record{
			LootUID:  uid,
			Owner:    c.Owner,
			SceneID:  c.Scene,
			Position: c.Pos,
			Rotation: c.Rot,
			Items:    items,
		}
		if err := s.store.AddTombstone(c.Owner, rec); err != nil {
			s.logger.Warn("persist tombstone failed", zap.Int("uid", uid), zap.Error(err))
		}
	}

	spawn := protocol.ContainerSpawn{Scene: c.Scene, OwnerAI: c.OwnerAI, UID: uid, Pos: c.Pos, Rot: c.Rot}
	if err := s.broadcast(protocol.TypeContainerSpawn, spawn); err != nil {
		return c, err
	}
	if err := s.host.PushFullState(c, nil); err != nil {
		s.logger.Warn("eager state broadcast failed", zap.Int("uid", uid), zap.Error(err))
	}

	if ev.Peer != nil && *ev.Peer != loot.HostPeer && c.Owner != "" {
		req := protocol.DeathEquipmentRequest{Owner: c.Owner, TombstoneID: uid, UID: uid}
		if err := s.send(*ev.Peer, protocol.TypeDeathEquipmentRequest, req); err != nil {
			s.logger.Warn("death equipment request failed", zap.Int64("peer", int64(*ev.Peer)), zap.Error(err))
		}
	}

	s.logger.Info("container spawned",
		zap.Int("uid", uid),
		zap.String("scene", c.Scene),
		zap.Int("owner_ai", c.OwnerAI),
		zap.String("owner", c.Owner),
		zap.Int("items", len(items)))
	s.trigger(ctx, hook.OnContainerSpawned, c)
	s.audit.Log(audit.Entry{
		TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(ev.Peer), Identity: c.Owner,
		Action: audit.ActionSpawn, LootUID: uid, SceneID: c.Scene,
		Response: spawn, DurationMs: int(time.Since(start).Milliseconds()),
	})
	s.publish(ctx, Event{Kind: EventSpawn, UID: uid, Scene: c.Scene, Owner: c.Owner, Items: len(items)})
	return c, nil
}

// fill builds the contents of a death container. Everything in it starts
// uninspected. Items that fail to build are logged and left out.
func (s *Supervisor) fill(c *loot.Container, capacity int, entries []protocol.ItemEntry) {
	inv, err := s.codec.BuildInventory(capacity, entries, "loot")
	for _, e := range item.Errors(err) {
		s.logger.Warn("dropped unbuildable item", zap.String("scene", c.Scene), zap.Error(e))
	}
	for _, p := range inv.Positions() {
		item.MarkUninspected(inv.GetItemAt(p))
	}
	c.Replace(inv)
	c.SetNeedsInspection(true)
}

// HandlePlayerDeath turns a peer's death notice into a container owned by
// that peer's identity.
func (s *Supervisor) HandlePlayerDeath(ctx context.Context, peer loot.PeerID, msg protocol.PlayerDeath) (*loot.Container, error) {
	items := msg.Items
	if len(items) == 0 && msg.Character != nil {
		items = item.Flatten(*msg.Character)
	}
	owner := s.Identity(ctx, peer)
	if owner == "" {
		s.logger.Warn("death from peer without identity, tombstone skipped", zap.Int64("peer", int64(peer)))
	}
	return s.OnContainerSpawned(ctx, SpawnEvent{
		Scene: msg.Scene,
		Pos:   msg.Pos,
		Rot:   msg.Rot,
		Owner: owner,
		Peer:  &peer,
		Items: items,
	})
}

// HandleDeathEquipmentReport removes what the dead character still carries
// from its tombstone, then rebuilds and rebroadcasts the live container. The
// live container stays Loading from before the subtraction until the rebuilt
// contents are swapped in, so takes arriving meanwhile are deferred instead of
// acting on contents the rebuild is about to replace.
func (s *Supervisor) HandleDeathEquipmentReport(ctx context.Context, peer loot.PeerID, msg protocol.DeathEquipmentReport) (int, error) {
	start := time.Now()
	owner := s.Identity(ctx, peer)
	if owner == "" {
		owner = msg.Owner
	} else if msg.Owner != "" && msg.Owner != owner {
		s.logger.Warn("equipment report owner mismatch, using session identity",
			zap.Int64("peer", int64(peer)), zap.String("reported", msg.Owner), zap.String("identity", owner))
	}
	uid := msg.TombstoneID
	live := s.reg.Lookup(uid)
	if live != nil {
		live.BeginLoading()
	}

	var (
		removed int
		err     error
	)
	if len(msg.Items) > 0 {
		removed, err = s.store.SubtractReportedSnapshots(owner, uid, msg.Items)
	} else {
		removed, err = s.store.SubtractReportedItems(owner, uid, msg.TypeIDs)
	}
	if err != nil {
		s.logger.Warn("equipment report for unknown tombstone",
			zap.String("owner", owner), zap.Int("uid", uid), zap.Error(err))
		if live != nil {
			live.MarkReady()
		}
		return 0, err
	}
	if removed == 0 {
		if live != nil {
			live.MarkReady()
		}
		return 0, nil
	}

	rec, ok := s.store.Get(owner, uid)
	if ok && rec.Empty() {
		_ = s.store.Remove(owner, uid)
	}
	if live != nil {
		s.fill(live, live.Capacity(), rec.Items)
		if err := s.host.PushFullState(live, nil); err != nil {
			s.logger.Warn("rebroadcast after subtract failed", zap.Int("uid", uid), zap.Error(err))
		}
	}

	s.logger.Info("equipment subtracted from tombstone",
		zap.String("owner", owner), zap.Int("uid", uid),
		zap.Int("removed", removed), zap.Int("remaining", len(rec.Items)))
	s.audit.Log(audit.Entry{
		TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(&peer), Identity: owner,
		Action: audit.ActionSubtract, LootUID: uid, SceneID: rec.SceneID,
		Request: msg, Response: removed, DurationMs: int(time.Since(start).Milliseconds()),
	})
	s.publish(ctx, Event{Kind: EventSubtract, UID: uid, Scene: rec.SceneID, Owner: owner, Items: len(rec.Items)})
	return removed, nil
}

// CleanupDuplicatesNear destroys every empty container within radius of pos
// other than keep and returns how many went away. Containers still loading
// are left alone.
func (s *Supervisor) CleanupDuplicatesNear(scene string, pos protocol.Vec3, radius float64, keep *loot.Container) int {
	n := 0
	for _, c := range s.reg.FindNear(scene, pos, radius) {
		if c == keep || !c.IsEmpty() || c.State() == loot.Loading {
			continue
		}
		c.Destroy()
		s.reg.Unregister(c)
		n++
	}
	return n
}

// ---- restore ----

// RestoreSceneTombstones materialises the stored tombstones of scene. It is
// safe to call repeatedly: records whose container is live and non-empty are
// skipped.
func (s *Supervisor) RestoreSceneTombstones(ctx context.Context, scene string) int {
	if purged := s.reg.PurgeDestroyed(); purged > 0 {
		s.logger.Debug("purged destroyed containers", zap.Int("count", purged))
	}
	restored := 0
	for _, rec := range s.store.AllSceneTombstones(scene) {
		if s.restoreOne(ctx, rec) {
			restored++
		}
	}
	if restored > 0 {
		s.logger.Info("tombstones restored", zap.String("scene", scene), zap.Int("count", restored))
	}
	return restored
}

func (s *Supervisor) restoreOne(ctx context.Context, rec tombstone.Record) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tombstone restore panicked",
				zap.String("owner", rec.Owner), zap.Int("uid", rec.LootUID),
				zap.Any("panic", r), zap.Stack("stack"))
			ok = false
		}
	}()

	if rec.Empty() {
		_ = s.store.Remove(rec.Owner, rec.LootUID)
		return false
	}
	if cur := s.reg.Lookup(rec.LootUID); cur != nil {
		if !cur.IsEmpty() {
			return false
		}
		cur.Destroy()
		s.reg.Unregister(cur)
	}
	s.CleanupDuplicatesNear(rec.SceneID, rec.Position, s.cfg.CleanupRadius, nil)

	capacity := item.FitCapacity(max(s.cfg.RestoreMinCapacity, len(rec.Items)), rec.Items)
	c := loot.NewContainer(rec.SceneID, rec.Position, rec.Rotation, capacity)
	c.Owner = rec.Owner
	c.OwnerAI = rec.OwnerAI
	s.fill(c, capacity, rec.Items)
	c.MarkRestored()
	s.reg.BindUID(c, rec.LootUID)
	s.reg.Register(c)
	s.reg.Reserve(rec.LootUID)

	msg := protocol.TombstoneRestore{Scene: c.Scene, UID: rec.LootUID, Pos: c.Pos, Rot: c.Rot}
	if err := s.broadcast(protocol.TypeTombstoneRestore, msg); err != nil {
		s.logger.Warn("broadcast restore failed", zap.Int("uid", rec.LootUID), zap.Error(err))
	}
	if err := s.host.PushFullState(c, nil); err != nil {
		s.logger.Warn("restore state broadcast failed", zap.Int("uid", rec.LootUID), zap.Error(err))
	}

	s.trigger(ctx, hook.OnTombstoneRestored, rec)
	s.audit.Log(audit.Entry{
		TraceID: audit.TraceIDFromCtx(ctx), Identity: rec.Owner,
		Action: audit.ActionRestore, LootUID: rec.LootUID, SceneID: rec.SceneID, Response: msg,
	})
	s.publish(ctx, Event{Kind: EventRestore, UID: rec.LootUID, Scene: rec.SceneID, Owner: rec.Owner, Items: len(rec.Items)})
	return true
}

// HandleSceneEnter records a peer's scene. A host scene change restores that
// scene's tombstones.
func (s *Supervisor) HandleSceneEnter(ctx context.Context, peer loot.PeerID, msg protocol.SceneEnter) int {
	if !s.scenes.Enter(peer, msg.Scene) || peer != loot.HostPeer {
		return 0
	}
	s.logger.Info("host entered scene", zap.String("scene", msg.Scene))
	return s.RestoreSceneTombstones(ctx, msg.Scene)
}

// ---- peers ----

// SyncToNewPeer replays every live container to a freshly joined peer.
func (s *Supervisor) SyncToNewPeer(ctx context.Context, peer loot.PeerID) int {
	n := 0
	for _, c := range s.reg.All() {
		if c.Destroyed() || c.UID() <= 0 {
			continue
		}
		var err error
		if c.Restored() {
			err = s.send(peer, protocol.TypeTombstoneRestore,
				protocol.TombstoneRestore{Scene: c.Scene, UID: c.UID(), Pos: c.Pos, Rot: c.Rot})
		} else {
			err = s.send(peer, protocol.TypeContainerSpawn,
				protocol.ContainerSpawn{Scene: c.Scene, OwnerAI: c.OwnerAI, UID: c.UID(), Pos: c.Pos, Rot: c.Rot})
		}
		if err == nil {
			err = s.host.PushFullState(c, &peer)
		}
		if err != nil {
			s.logger.Warn("sync container to peer failed",
				zap.Int64("peer", int64(peer)), zap.Int("uid", c.UID()), zap.Error(err))
			continue
		}
		n++
	}
	s.logger.Info("peer synced", zap.Int64("peer", int64(peer)), zap.Int("containers", n))
	s.trigger(ctx, hook.OnPeerJoined, peer)
	return n
}

// ---- tombstone upkeep ----

// onContainerChanged mirrors a player-owned container's contents into its
// tombstone.
func (s *Supervisor) onContainerChanged(ctx context.Context, _ string, data interface{}) (interface{}, error) {
	c, ok := data.(*loot.Container)
	if !ok {
		return data, nil
	}
	_, items := c.Snapshot()
	if c.OwnerAI == 0 && c.Owner != "" {
		err := s.store.OverwriteItems(c.Owner, c.UID(), items)
		if err != nil && !errors.Is(err, tombstone.ErrNotFound) {
			s.logger.Warn("tombstone update failed", zap.Int("uid", c.UID()), zap.Error(err))
		}
	}
	s.publish(ctx, Event{Kind: EventChange, UID: c.UID(), Scene: c.Scene, Owner: c.Owner, Items: len(items)})
	return data, nil
}

// ExpireTombstones drops tombstones older than the configured age.
func (s *Supervisor) ExpireTombstones(ctx context.Context) int {
	n := s.store.CleanupAllExpired(s.tcfg.MaxAge)
	if n > 0 {
		s.publish(ctx, Event{Kind: EventExpire, Items: n})
	}
	return n
}

// ---- helpers ----

func (s *Supervisor) trigger(ctx context.Context, event string, data interface{}) {
	if _, err := s.hooks.Trigger(ctx, event, data); err != nil && !errors.Is(err, hook.ErrInterrupt) {
		s.logger.Warn("hook failed", zap.String("event", event), zap.Error(err))
	}
}

func (s *Supervisor) broadcast(msgType string, v interface{}) error {
	pkt, err := protocol.Encode(msgType, v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	s.transport.Broadcast(pkt)
	return nil
}

func (s *Supervisor) send(peer loot.PeerID, msgType string, v interface{}) error {
	pkt, err := protocol.Encode(msgType, v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msgType, err)
	}
	return s.transport.Send(peer, pkt)
}

func peerPtr(p *loot.PeerID) *int64 {
	if p == nil {
		return nil
	}
	v := int64(*p)
	return &v
}
