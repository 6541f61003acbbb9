package loot

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/scheduler"
	"go.uber.org/zap"
)

// HostPeer addresses the host on a peer's transport.
const HostPeer PeerID = 0

const tokenReapTask = "loot:token-reap"

// ErrLoading is returned when a request is given up because its mirror
// never left Loading within the retry budget.
var ErrLoading = errors.New("loot: container still loading")

// Destination is where a taken item lands locally.
type Destination struct {
	Inv      *item.Inventory
	Position int
}

type pendingSnapshot struct {
	capacity int
	items    []item.Entry
	received time.Time
}

type pendingTake struct {
	c       *Container
	from    int
	ref     *item.Ref
	dest    Destination
	created time.Time
}

// removeFrom drops the taken item from the mirror. The recorded position is
// tried first; a broadcast may already have moved things around.
func (p *pendingTake) removeFrom(s item.Snapshot) {
	if p.ref != nil && len(p.ref.Path) > 0 {
		_, _ = p.c.Take(p.from, p.ref)
		return
	}
	if cur, ok := p.c.ItemAt(p.from); ok && item.SameStack(cur, s) {
		_, _ = p.c.Take(p.from, nil)
		return
	}
	_, entries := p.c.Snapshot()
	for _, e := range entries {
		if item.SameStack(e.Snapshot, s) {
			_, _ = p.c.Take(e.Position, nil)
			return
		}
	}
}

type pendingMove struct {
	c       *Container
	pos     int
	created time.Time
}

// Client keeps a peer's local mirror of the host's containers. Mirrors are
// created from spawn notices and filled from full-state messages; optimistic
// take, reorder and put operations are tracked by token until the host
// resolves them.
type Client struct {
	reg       *Registry
	codec     *item.Codec
	transport Transport
	sched     *scheduler.Scheduler
	cfg       config.LootConfig
	logger    *zap.Logger

	mu        sync.Mutex
	pending   map[int]pendingSnapshot
	takes     map[uint32]*pendingTake
	reorders  map[uint32]*pendingMove
	puts      map[uint32]*pendingMove
	lastToken uint32
}

// ClientDeps bundles the collaborators of a Client.
type ClientDeps struct {
	Codec     *item.Codec
	Transport Transport
	Scheduler *scheduler.Scheduler
	Config    config.LootConfig
	Logger    *zap.Logger
}

func NewClient(d ClientDeps) *Client {
	return &Client{
		reg:       NewRegistry(d.Config.HintRadius, d.Config.AggressiveRadius, d.Logger),
		codec:     d.Codec,
		transport: d.Transport,
		sched:     d.Scheduler,
		cfg:       d.Config,
		logger:    d.Logger,
		pending:   make(map[int]pendingSnapshot),
		takes:     make(map[uint32]*pendingTake),
		reorders:  make(map[uint32]*pendingMove),
		puts:      make(map[uint32]*pendingMove),
	}
}

// Start registers the token reap loop.
func (cl *Client) Start() {
	cl.sched.AddTicker(tokenReapTask, cl.cfg.ReapInterval, func() { cl.ReapTokens(time.Now()) })
}

func (cl *Client) Registry() *Registry { return cl.reg }

// Lookup returns the mirror for uid.
func (cl *Client) Lookup(uid int) *Container { return cl.reg.Lookup(uid) }

// Containers lists the live mirrors.
func (cl *Client) Containers() []*Container { return cl.reg.All() }

// PendingSnapshot returns the state held for a container not created yet.
func (cl *Client) PendingSnapshot(uid int) (int, []item.Entry, bool) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	p, ok := cl.pending[uid]
	return p.capacity, p.items, ok
}

func (cl *Client) clampCapacity(n int) int {
	if n < cl.cfg.MinCapacity {
		return cl.cfg.MinCapacity
	}
	if n > cl.cfg.MaxCapacity {
		return cl.cfg.MaxCapacity
	}
	return n
}

func stateTimeoutTask(uid int, c *Container) string {
	if uid > 0 {
		return fmt.Sprintf("loot:state-timeout:%d", uid)
	}
	return fmt.Sprintf("loot:state-timeout:%p", c)
}

func (cl *Client) destroy(c *Container) {
	cl.sched.Remove(stateTimeoutTask(c.UID(), c))
	c.Destroy()
	cl.reg.Unregister(c)
}

// HandleSpawn materialises the container announced by the host. A mirror of
// the same UID within the dedupe radius is kept as is; one farther away is
// replaced. Empty mirrors near the spawn position are destroyed first.
func (cl *Client) HandleSpawn(msg protocol.ContainerSpawn) *Container {
	radius := cl.cfg.DedupeRadius
	if existing := cl.reg.Lookup(msg.UID); existing != nil {
		if !existing.Destroyed() && existing.Pos.Dist(msg.Pos) < radius {
			cl.logger.Debug("spawn for known container ignored", zap.Int("uid", msg.UID))
			return existing
		}
		cl.logger.Debug("replacing stale container",
			zap.Int("uid", msg.UID), zap.Float64("distance", existing.Pos.Dist(msg.Pos)))
		cl.destroy(existing)
	}
	for _, near := range cl.reg.FindNear(msg.Scene, msg.Pos, radius) {
		if near.IsEmpty() && near.State() != Loading {
			cl.logger.Debug("removing empty container near spawn", zap.Int("uid", near.UID()))
			cl.destroy(near)
		}
	}

	c := cl.CreateContainer(msg.UID, msg.Scene, msg.Pos, msg.Rot)
	c.OwnerAI = msg.OwnerAI
	if c.State() != Ready {
		cl.RequestState(c, cl.cfg.StateTimeout)
	}
	return c
}

// HandleRestore materialises a tombstone announced by the host.
func (cl *Client) HandleRestore(msg protocol.TombstoneRestore) *Container {
	c := cl.HandleSpawn(protocol.ContainerSpawn{Scene: msg.Scene, UID: msg.UID, Pos: msg.Pos, Rot: msg.Rot})
	c.MarkRestored()
	c.SetNeedsInspection(true)
	return c
}

// CreateContainer registers a mirror for uid. State that arrived before the
// mirror existed is consumed immediately; otherwise the mirror starts
// loading.
func (cl *Client) CreateContainer(uid int, scene string, pos protocol.Vec3, rot protocol.Quat) *Container {
	c := NewContainer(scene, pos, rot, cl.cfg.MinCapacity)
	c.setUID(uid)
	cl.reg.Register(c)

	cl.mu.Lock()
	p, ok := cl.pending[uid]
	if ok {
		delete(cl.pending, uid)
	}
	cl.mu.Unlock()

	if ok {
		if err := c.Rebuild(cl.codec, cl.clampCapacity(p.capacity), p.items); err != nil {
			cl.logger.Warn("pending state partially applied", zap.Int("uid", uid), zap.Error(err))
		}
		cl.logger.Debug("consumed pending state", zap.Int("uid", uid), zap.Int("items", len(p.items)))
		return c
	}
	c.BeginLoading()
	return c
}

// RequestState asks the host for the contents of c. If nothing arrives
// within timeout the mirror is forced ready with what it has.
func (cl *Client) RequestState(c *Container, timeout time.Duration) {
	c.BeginLoading()
	req := protocol.StateRequest{ID: c.ID(), PosHint: &protocol.Vec3{X: c.Pos.X, Y: c.Pos.Y, Z: c.Pos.Z}}
	if err := cl.send(protocol.TypeStateRequest, req); err != nil {
		cl.logger.Warn("state request not sent", zap.Int("uid", req.ID.UID), zap.Error(err))
	}
	cl.sched.AddDelay(stateTimeoutTask(req.ID.UID, c), timeout, func() {
		if c.MarkReady() {
			cl.logger.Info("state request timed out, forcing ready",
				zap.Int("uid", c.UID()), zap.Duration("timeout", timeout))
		}
	})
}

// ApplyFullState replaces a mirror's contents with the host's. State for an
// unknown UID is held until the mirror is created; a newer message for the
// same UID overwrites the held one.
func (cl *Client) ApplyFullState(msg protocol.StateResponse) {
	capacity := cl.clampCapacity(msg.Capacity)
	c := cl.reg.Lookup(msg.UID)
	if c == nil && msg.UID <= 0 {
		c, _ = cl.reg.Resolve(protocol.ContainerID{Scene: msg.Scene, LegacyKey: msg.LegacyKey}, nil)
	}
	if c == nil || c.Destroyed() {
		if msg.UID <= 0 {
			cl.logger.Debug("state for unknown container dropped", zap.Int32("legacy_key", msg.LegacyKey))
			return
		}
		cl.mu.Lock()
		cl.pending[msg.UID] = pendingSnapshot{capacity: capacity, items: item.CloneEntries(msg.Items), received: time.Now()}
		cl.mu.Unlock()
		cl.logger.Debug("state held until container exists", zap.Int("uid", msg.UID))
		return
	}
	if err := c.Rebuild(cl.codec, capacity, msg.Items); err != nil {
		cl.logger.Warn("state partially applied", zap.Int("uid", msg.UID), zap.Error(err))
	}
	cl.sched.Remove(stateTimeoutTask(c.UID(), c))
}

// HandleStateDeny leaves the mirror empty and interactable.
func (cl *Client) HandleStateDeny(msg protocol.StateDeny) {
	c, _ := cl.reg.Resolve(msg.ID, nil)
	if c == nil {
		return
	}
	cl.logger.Debug("state denied", zap.Int("uid", msg.ID.UID), zap.String("reason", msg.Reason))
	c.Replace(item.NewInventory(c.Capacity()))
	cl.sched.Remove(stateTimeoutTask(c.UID(), c))
}

// NextToken returns a non-zero token not held by any pending operation.
func (cl *Client) NextToken() uint32 {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for {
		cl.lastToken++
		t := cl.lastToken
		if t == 0 {
			continue
		}
		if cl.inUse(t) {
			continue
		}
		return t
	}
}

// inUse reports whether t is pending. Caller holds cl.mu.
func (cl *Client) inUse(t uint32) bool {
	if _, ok := cl.takes[t]; ok {
		return true
	}
	if _, ok := cl.reorders[t]; ok {
		return true
	}
	_, ok := cl.puts[t]
	return ok
}

// NoteTakePending records an optimistic take of the item at from.
func (cl *Client) NoteTakePending(token uint32, c *Container, from int, ref *item.Ref, dest Destination) bool {
	if token == 0 || c == nil {
		return false
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.inUse(token) {
		return false
	}
	cl.takes[token] = &pendingTake{c: c, from: from, ref: ref, dest: dest, created: time.Now()}
	return true
}

// NoteReorderPending records an optimistic reorder to pos.
func (cl *Client) NoteReorderPending(token uint32, c *Container, pos int) bool {
	return cl.notePending(cl.reorders, token, c, pos)
}

// NotePutPending records an optimistic put to pos (-1 for any).
func (cl *Client) NotePutPending(token uint32, c *Container, pos int) bool {
	return cl.notePending(cl.puts, token, c, pos)
}

func (cl *Client) notePending(m map[uint32]*pendingMove, token uint32, c *Container, pos int) bool {
	if token == 0 || c == nil {
		return false
	}
	cl.mu.Lock()
	defer cl.mu.Unlock()
	if cl.inUse(token) {
		return false
	}
	m[token] = &pendingMove{c: c, pos: pos, created: time.Now()}
	return true
}

// PendingTokens returns the number of unresolved tokens.
func (cl *Client) PendingTokens() int {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.takes) + len(cl.reorders) + len(cl.puts)
}

// Take asks the host for the item at pos and records where it should land.
// While the mirror is loading the request waits; see submit.
func (cl *Client) Take(c *Container, pos int, ref *item.Ref, dest Destination) (uint32, error) {
	token := cl.NextToken()
	if !cl.NoteTakePending(token, c, pos, ref, dest) {
		return 0, fmt.Errorf("loot: token %d in use", token)
	}
	return token, cl.submit(c, token, protocol.TypeTakeRequest, func() interface{} {
		return protocol.TakeRequest{ID: c.ID(), Token: token, Position: pos, Ref: ref}
	}, 0)
}

// Reorder asks the host to move an item.
func (cl *Client) Reorder(c *Container, from, to int) (uint32, error) {
	token := cl.NextToken()
	if !cl.NoteReorderPending(token, c, to) {
		return 0, fmt.Errorf("loot: token %d in use", token)
	}
	return token, cl.submit(c, token, protocol.TypeReorderRequest, func() interface{} {
		return protocol.ReorderRequest{ID: c.ID(), Token: token, From: from, To: to}
	}, 0)
}

// Put asks the host to store snap at pos.
func (cl *Client) Put(c *Container, pos int, snap item.Snapshot) (uint32, error) {
	token := cl.NextToken()
	if !cl.NotePutPending(token, c, pos) {
		return 0, fmt.Errorf("loot: token %d in use", token)
	}
	return token, cl.submit(c, token, protocol.TypePutRequest, func() interface{} {
		return protocol.PutRequest{ID: c.ID(), Token: token, Position: pos, Snapshot: snap}
	}, 0)
}

func deferTask(msgType string, token uint32) string {
	return fmt.Sprintf("loot:defer:%s:%d", msgType, token)
}

// submit sends the request built by build once c is interactable. While c is
// Loading it re-checks every RetryDelay; after MaxRetries checks the token is
// dropped and ErrLoading returned. A token that was resolved, reaped or
// dropped by a disconnect in the meantime is not sent.
func (cl *Client) submit(c *Container, token uint32, msgType string, build func() interface{}, attempt int) error {
	if attempt > 0 && !cl.pendingToken(token) {
		return nil
	}
	if c.Destroyed() {
		cl.dropToken(token)
		return ErrDestroyed
	}
	if c.State() == Loading {
		if attempt >= cl.cfg.MaxRetries {
			cl.dropToken(token)
			cl.logger.Warn("container still loading, request dropped",
				zap.String("type", msgType), zap.Int("uid", c.UID()), zap.Uint32("token", token),
				zap.Duration("loading_for", c.LoadingFor()))
			return ErrLoading
		}
		cl.sched.AddDelay(deferTask(msgType, token), cl.cfg.RetryDelay, func() {
			_ = cl.submit(c, token, msgType, build, attempt+1)
		})
		if attempt == 0 {
			cl.logger.Debug("container loading, request deferred",
				zap.String("type", msgType), zap.Int("uid", c.UID()), zap.Uint32("token", token))
		}
		return nil
	}
	return cl.send(msgType, build())
}

func (cl *Client) pendingToken(token uint32) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return cl.inUse(token)
}

func (cl *Client) dropToken(token uint32) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	delete(cl.takes, token)
	delete(cl.reorders, token)
	delete(cl.puts, token)
}

// ResolveTake lands the taken item at its destination and drops it from the
// mirror. Unknown tokens are ignored.
func (cl *Client) ResolveTake(msg protocol.TakeResolved) bool {
	cl.mu.Lock()
	p, ok := cl.takes[msg.Token]
	delete(cl.takes, msg.Token)
	cl.mu.Unlock()
	if !ok {
		cl.logger.Debug("take resolution for unknown token", zap.Uint32("token", msg.Token))
		return false
	}

	p.removeFrom(msg.Snapshot)
	if p.dest.Inv == nil {
		return true
	}
	it, err := cl.codec.Materialize(msg.Snapshot)
	if it == nil {
		cl.logger.Warn("taken item could not be built", zap.Uint32("token", msg.Token), zap.Error(err))
		return true
	}
	if aerr := p.dest.Inv.AddAt(p.dest.Position, it); aerr != nil {
		if free := p.dest.Inv.FirstFree(); free >= 0 {
			_ = p.dest.Inv.AddAt(free, it)
		} else {
			cl.logger.Warn("no room for taken item", zap.Uint32("token", msg.Token), zap.Error(aerr))
		}
	}
	return true
}

// ResolveReorder confirms a reorder. Unknown tokens are ignored.
func (cl *Client) ResolveReorder(msg protocol.ReorderResolved) bool {
	return cl.resolveMove(cl.reorders, msg.Token, msg.Position)
}

// ResolvePut confirms a put. Unknown tokens are ignored.
func (cl *Client) ResolvePut(msg protocol.PutResolved) bool {
	return cl.resolveMove(cl.puts, msg.Token, msg.Position)
}

func (cl *Client) resolveMove(m map[uint32]*pendingMove, token uint32, pos int) bool {
	cl.mu.Lock()
	p, ok := m[token]
	delete(m, token)
	cl.mu.Unlock()
	if !ok {
		cl.logger.Debug("resolution for unknown token", zap.Uint32("token", token))
		return false
	}
	if p.pos >= 0 && p.pos != pos {
		cl.logger.Debug("host placed item elsewhere", zap.Int("wanted", p.pos), zap.Int("got", pos))
	}
	return true
}

// HandleTakeDenied drops the token and resyncs the container.
func (cl *Client) HandleTakeDenied(msg protocol.TakeDenied) {
	cl.mu.Lock()
	p, ok := cl.takes[msg.Token]
	delete(cl.takes, msg.Token)
	cl.mu.Unlock()
	if !ok {
		return
	}
	cl.logger.Debug("take denied", zap.Uint32("token", msg.Token), zap.String("reason", msg.Reason))
	if !p.c.Destroyed() {
		cl.RequestState(p.c, cl.cfg.StateTimeout)
	}
}

// ReapTokens drops pending operations older than the token TTL and returns
// how many were dropped.
func (cl *Client) ReapTokens(now time.Time) int {
	cutoff := now.Add(-cl.cfg.TokenTTL)
	cl.mu.Lock()
	defer cl.mu.Unlock()
	n := 0
	for t, p := range cl.takes {
		if p.created.Before(cutoff) {
			delete(cl.takes, t)
			n++
		}
	}
	for _, m := range []map[uint32]*pendingMove{cl.reorders, cl.puts} {
		for t, p := range m {
			if p.created.Before(cutoff) {
				delete(m, t)
				n++
			}
		}
	}
	for uid, p := range cl.pending {
		if p.received.Before(cutoff) {
			delete(cl.pending, uid)
		}
	}
	if n > 0 {
		cl.logger.Debug("reaped stale tokens", zap.Int("count", n))
	}
	return n
}

// Disconnected forgets every pending operation and held state.
func (cl *Client) Disconnected() {
	cl.mu.Lock()
	cl.takes = make(map[uint32]*pendingTake)
	cl.reorders = make(map[uint32]*pendingMove)
	cl.puts = make(map[uint32]*pendingMove)
	cl.pending = make(map[int]pendingSnapshot)
	cl.mu.Unlock()
}

// ForceResync drops destroyed mirrors and re-requests state for every other
// one, e.g. after a reconnect. It returns the number of requests sent.
func (cl *Client) ForceResync() int {
	cl.reg.PurgeDestroyed()
	n := 0
	for _, c := range cl.reg.All() {
		if c.UID() <= 0 && c.LegacyKey == 0 {
			cl.destroy(c)
			continue
		}
		cl.RequestState(c, cl.cfg.ResyncTimeout)
		n++
	}
	return n
}

func (cl *Client) send(msgType string, v interface{}) error {
	pkt, err := protocol.Encode(msgType, v)
	if err != nil {
		return err
	}
	return cl.transport.Send(HostPeer, pkt)
}
