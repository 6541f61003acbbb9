package loot

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
	"github.com/kasuganosora/lootsync/plugin/hook"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"go.uber.org/zap"
)

// ErrUnresolved is returned when no lookup step finds the container.
var ErrUnresolved = errors.New("loot: container not resolved")

const minMute = 10 * time.Millisecond

// HostDeps bundles the collaborators of a Host.
type HostDeps struct {
	Registry  *Registry
	Codec     *item.Codec
	Transport Transport
	Cache     cache.Cache
	Scheduler *scheduler.Scheduler
	Hooks     *hook.HookCenter
	Audit     audit.Logger
	Config    config.LootConfig
	Logger    *zap.Logger
}

// Host is the authoritative side of container replication. It answers state
// requests point-to-point, broadcasts changes outside mute windows and
// resolves take, reorder and put requests.
type Host struct {
	reg       *Registry
	codec     *item.Codec
	transport Transport
	cache     cache.Cache
	sched     *scheduler.Scheduler
	hooks     *hook.HookCenter
	audit     audit.Logger
	cfg       config.LootConfig
	logger    *zap.Logger
}

func NewHost(d HostDeps) *Host {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Hooks == nil {
		d.Hooks = hook.NewHookCenter()
	}
	return &Host{
		reg:       d.Registry,
		codec:     d.Codec,
		transport: d.Transport,
		cache:     d.Cache,
		sched:     d.Scheduler,
		hooks:     d.Hooks,
		audit:     d.Audit,
		cfg:       d.Config,
		logger:    d.Logger,
	}
}

func (h *Host) Registry() *Registry { return h.reg }

func (h *Host) Codec() *item.Codec { return h.codec }

// StateMessage builds the full-state message of c.
func StateMessage(c *Container) protocol.StateResponse {
	capacity, items := c.Snapshot()
	if items == nil {
		items = []item.Entry{}
	}
	return protocol.StateResponse{
		UID:       c.UID(),
		Scene:     c.Scene,
		LegacyKey: c.LegacyKey,
		Capacity:  capacity,
		Items:     items,
	}
}

// HandleStateRequest answers a peer's request for the full contents of a
// container. The reply goes to that peer only and ignores mute windows.
func (h *Host) HandleStateRequest(ctx context.Context, peer PeerID, req protocol.StateRequest) error {
	c, step := h.reg.Resolve(req.ID, req.PosHint)
	if c == nil {
		h.logger.Warn("state request unresolved",
			zap.Int64("peer", int64(peer)),
			zap.String("scene", req.ID.Scene),
			zap.Int("uid", req.ID.UID),
			zap.Int32("legacy_key", req.ID.LegacyKey))
		h.audit.Log(audit.Entry{
			TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(peer),
			Action: audit.ActionDeny, LootUID: req.ID.UID, SceneID: req.ID.Scene,
			Request: req, Error: protocol.ReasonNoInventory,
		})
		return h.sendStateDeny(peer, req.ID, protocol.ReasonNoInventory)
	}
	if step != StepUID {
		h.logger.Debug("state request resolved by fallback",
			zap.Int("uid", c.UID()), zap.Stringer("step", step))
	}
	return h.PushFullState(c, &peer)
}

// PushFullState sends the contents of c to peer, or to everyone when peer
// is nil.
func (h *Host) PushFullState(c *Container, peer *PeerID) error {
	pkt, err := protocol.Encode(protocol.TypeStateResponse, StateMessage(c))
	if err != nil {
		return err
	}
	if peer == nil {
		h.transport.Broadcast(pkt)
		return nil
	}
	return h.transport.Send(*peer, pkt)
}

// NotifyChanged broadcasts the new contents of c unless it is muted, then
// fires OnContainerChanged.
func (h *Host) NotifyChanged(ctx context.Context, c *Container) {
	if !h.IsMuted(ctx, c) {
		if err := h.PushFullState(c, nil); err != nil {
			h.logger.Warn("broadcast state failed", zap.Int("uid", c.UID()), zap.Error(err))
		}
	}
	if _, err := h.hooks.Trigger(ctx, hook.OnContainerChanged, c); err != nil && !errors.Is(err, hook.ErrInterrupt) {
		h.logger.Warn("container changed hook failed", zap.Int("uid", c.UID()), zap.Error(err))
	}
}

func muteKey(uid int) string {
	return "loot:mute:" + strconv.Itoa(uid)
}

// MuteBroadcasts suppresses change broadcasts for c during d. Expiry is
// left to the cache.
func (h *Host) MuteBroadcasts(ctx context.Context, c *Container, d time.Duration) {
	uid := c.UID()
	if uid <= 0 {
		return
	}
	if d < minMute {
		d = minMute
	}
	if err := h.cache.Set(ctx, muteKey(uid), "1", d); err != nil {
		h.logger.Warn("set mute window failed", zap.Int("uid", uid), zap.Error(err))
	}
}

// IsMuted reports whether c is inside a mute window.
func (h *Host) IsMuted(ctx context.Context, c *Container) bool {
	uid := c.UID()
	if uid <= 0 {
		return false
	}
	ok, err := h.cache.Exists(ctx, muteKey(uid))
	if err != nil {
		h.logger.Warn("read mute window failed", zap.Int("uid", uid), zap.Error(err))
		return false
	}
	return ok
}

// Unmute ends the mute window of c early.
func (h *Host) Unmute(ctx context.Context, c *Container) {
	if uid := c.UID(); uid > 0 {
		_ = h.cache.Del(ctx, muteKey(uid))
	}
}

// deferLoading re-runs fn after the retry delay while c is loading. It
// returns false once the retry budget is spent.
func (h *Host) deferLoading(action string, peer PeerID, token uint32, attempt int, fn func(attempt int)) bool {
	if attempt >= h.cfg.MaxRetries {
		return false
	}
	name := fmt.Sprintf("loot:retry:%s:%d:%d", action, peer, token)
	h.sched.AddDelay(name, h.cfg.RetryDelay, func() { fn(attempt + 1) })
	h.logger.Debug("container loading, deferring",
		zap.String("action", action), zap.Int64("peer", int64(peer)),
		zap.Uint32("token", token), zap.Int("attempt", attempt+1))
	return true
}

// HandleTake removes an item for a peer and resolves its token.
func (h *Host) HandleTake(ctx context.Context, peer PeerID, req protocol.TakeRequest) error {
	return h.handleTake(ctx, peer, req, 0)
}

func (h *Host) handleTake(ctx context.Context, peer PeerID, req protocol.TakeRequest, attempt int) error {
	start := time.Now()
	c, _ := h.reg.Resolve(req.ID, nil)
	if c == nil {
		return h.denyTake(ctx, peer, req, protocol.ReasonNoInventory, start)
	}
	if c.State() == Loading {
		if h.deferLoading("take", peer, req.Token, attempt, func(n int) {
			_ = h.handleTake(ctx, peer, req, n)
		}) {
			return nil
		}
		return h.denyTake(ctx, peer, req, protocol.ReasonBusy, start)
	}

	it, err := c.Take(req.Position, req.Ref)
	if err != nil {
		return h.denyTake(ctx, peer, req, protocol.ReasonNoItem, start)
	}
	resolved := protocol.TakeResolved{Token: req.Token, UID: c.UID(), Snapshot: item.MakeSnapshot(it)}
	if err := h.send(peer, protocol.TypeTakeResolved, resolved); err != nil {
		h.logger.Warn("send take resolution failed", zap.Int64("peer", int64(peer)), zap.Error(err))
	}
	h.NotifyChanged(ctx, c)
	h.audit.Log(audit.Entry{
		TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(peer),
		Action: audit.ActionTake, LootUID: c.UID(), SceneID: c.Scene,
		Request: req, Response: resolved, DurationMs: sinceMs(start),
	})
	return nil
}

func (h *Host) denyTake(ctx context.Context, peer PeerID, req protocol.TakeRequest, reason string, start time.Time) error {
	h.logger.Warn("take denied",
		zap.Int64("peer", int64(peer)), zap.Int("uid", req.ID.UID),
		zap.Uint32("token", req.Token), zap.String("reason", reason))
	h.audit.Log(audit.Entry{
		TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(peer),
		Action: audit.ActionDeny, LootUID: req.ID.UID, SceneID: req.ID.Scene,
		Request: req, Error: reason, DurationMs: sinceMs(start),
	})
	return h.send(peer, protocol.TypeTakeDenied, protocol.TakeDenied{Token: req.Token, UID: req.ID.UID, Reason: reason})
}

// HandleReorder moves an item inside a container for a peer.
func (h *Host) HandleReorder(ctx context.Context, peer PeerID, req protocol.ReorderRequest) error {
	return h.handleReorder(ctx, peer, req, 0)
}

func (h *Host) handleReorder(ctx context.Context, peer PeerID, req protocol.ReorderRequest, attempt int) error {
	start := time.Now()
	c, _ := h.reg.Resolve(req.ID, nil)
	if c == nil {
		h.logger.Warn("reorder unresolved", zap.Int64("peer", int64(peer)), zap.Int("uid", req.ID.UID))
		return h.sendStateDeny(peer, req.ID, protocol.ReasonNoInventory)
	}
	if c.State() == Loading {
		if h.deferLoading("reorder", peer, req.Token, attempt, func(n int) {
			_ = h.handleReorder(ctx, peer, req, n)
		}) {
			return nil
		}
		return h.sendStateDeny(peer, req.ID, protocol.ReasonBusy)
	}

	if err := c.Move(req.From, req.To); err != nil {
		h.logger.Debug("reorder rejected, resending state",
			zap.Int("uid", c.UID()), zap.Int("from", req.From), zap.Int("to", req.To), zap.Error(err))
		h.audit.Log(audit.Entry{
			TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(peer),
			Action: audit.ActionDeny, LootUID: c.UID(), SceneID: c.Scene,
			Request: req, Error: err.Error(), DurationMs: sinceMs(start),
		})
		return h.PushFullState(c, &peer)
	}
	resolved := protocol.ReorderResolved{Token: req.Token, UID: c.UID(), Position: req.To}
	if err := h.send(peer, protocol.TypeReorderResolved, resolved); err != nil {
		h.logger.Warn("send reorder resolution failed", zap.Int64("peer", int64(peer)), zap.Error(err))
	}
	h.NotifyChanged(ctx, c)
	h.audit.Log(audit.Entry{
		TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(peer),
		Action: audit.ActionReorder, LootUID: c.UID(), SceneID: c.Scene,
		Request: req, Response: resolved, DurationMs: sinceMs(start),
	})
	return nil
}

// HandlePut stores a peer's item in a container.
func (h *Host) HandlePut(ctx context.Context, peer PeerID, req protocol.PutRequest) error {
	return h.handlePut(ctx, peer, req, 0)
}

func (h *Host) handlePut(ctx context.Context, peer PeerID, req protocol.PutRequest, attempt int) error {
	start := time.Now()
	c, _ := h.reg.Resolve(req.ID, nil)
	if c == nil {
		h.logger.Warn("put unresolved", zap.Int64("peer", int64(peer)), zap.Int("uid", req.ID.UID))
		return h.sendStateDeny(peer, req.ID, protocol.ReasonNoInventory)
	}
	if c.State() == Loading {
		if h.deferLoading("put", peer, req.Token, attempt, func(n int) {
			_ = h.handlePut(ctx, peer, req, n)
		}) {
			return nil
		}
		return h.sendStateDeny(peer, req.ID, protocol.ReasonBusy)
	}

	it, err := h.codec.Materialize(req.Snapshot)
	if it == nil {
		h.logger.Warn("put item rejected", zap.Int("uid", c.UID()), zap.Error(err))
		return h.PushFullState(c, &peer)
	}
	if err != nil {
		h.logger.Warn("put item partially built", zap.Int("uid", c.UID()), zap.Error(err))
	}
	pos, perr := c.Put(req.Position, it)
	if perr != nil {
		h.logger.Debug("put rejected, resending state", zap.Int("uid", c.UID()), zap.Error(perr))
		h.audit.Log(audit.Entry{
			TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(peer),
			Action: audit.ActionDeny, LootUID: c.UID(), SceneID: c.Scene,
			Request: req, Error: perr.Error(), DurationMs: sinceMs(start),
		})
		return h.PushFullState(c, &peer)
	}
	resolved := protocol.PutResolved{Token: req.Token, UID: c.UID(), Position: pos}
	if err := h.send(peer, protocol.TypePutResolved, resolved); err != nil {
		h.logger.Warn("send put resolution failed", zap.Int64("peer", int64(peer)), zap.Error(err))
	}
	h.NotifyChanged(ctx, c)
	h.audit.Log(audit.Entry{
		TraceID: audit.TraceIDFromCtx(ctx), PeerID: peerPtr(peer),
		Action: audit.ActionPut, LootUID: c.UID(), SceneID: c.Scene,
		Request: req, Response: resolved, DurationMs: sinceMs(start),
	})
	return nil
}

func (h *Host) sendStateDeny(peer PeerID, id protocol.ContainerID, reason string) error {
	return h.send(peer, protocol.TypeStateDeny, protocol.StateDeny{ID: id, Reason: reason})
}

func (h *Host) send(peer PeerID, msgType string, v interface{}) error {
	pkt, err := protocol.Encode(msgType, v)
	if err != nil {
		return err
	}
	return h.transport.Send(peer, pkt)
}

func peerPtr(p PeerID) *int64 {
	v := int64(p)
	return &v
}

func sinceMs(t time.Time) int {
	return int(time.Since(t).Milliseconds())
}
