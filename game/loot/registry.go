package loot

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kasuganosora/lootsync/protocol"
	"go.uber.org/zap"
)

// Step reports which lookup path resolved a container.
type Step int

const (
	StepNone Step = iota
	StepUID
	StepLegacy
	StepInstance
	StepHint
	StepAggressive
)

func (s Step) String() string {
	switch s {
	case StepUID:
		return "uid"
	case StepLegacy:
		return "legacy"
	case StepInstance:
		return "instance"
	case StepHint:
		return "hint"
	case StepAggressive:
		return "aggressive"
	}
	return "none"
}

// LegacyKey hashes pos on a 10 cm grid. Distinct containers in the same cell
// collide.
func LegacyKey(pos protocol.Vec3) int32 {
	x := int32(math.Round(pos.X * 10))
	y := int32(math.Round(pos.Y * 10))
	z := int32(math.Round(pos.Z * 10))
	return x*73856093 ^ y*19349663 ^ z*83492791
}

type sceneKey struct {
	scene string
	key   int32
}

// RegistryStats counts registry activity.
type RegistryStats struct {
	Live             int   `json:"live"`
	LastUID          int   `json:"last_uid"`
	LegacyOverwrites int64 `json:"legacy_overwrites"`
	Repairs          int64 `json:"repairs"`
}

// Registry maps stable UIDs, legacy position keys and instance ids to live
// containers. On the host it also allocates UIDs; peers only learn them.
type Registry struct {
	mu         sync.RWMutex
	byUID      map[int]*Container
	byLegacy   map[sceneKey]*Container
	byInstance map[sceneKey]*Container
	live       map[*Container]struct{}

	lastUID          atomic.Int64
	legacyOverwrites atomic.Int64
	repairs          atomic.Int64

	hintRadius       float64
	aggressiveRadius float64
	logger           *zap.Logger
}

// NewRegistry creates an empty registry. The radii bound the two
// position-hint lookup steps.
func NewRegistry(hintRadius, aggressiveRadius float64, logger *zap.Logger) *Registry {
	return &Registry{
		byUID:            make(map[int]*Container),
		byLegacy:         make(map[sceneKey]*Container),
		byInstance:       make(map[sceneKey]*Container),
		live:             make(map[*Container]struct{}),
		hintRadius:       hintRadius,
		aggressiveRadius: aggressiveRadius,
		logger:           logger,
	}
}

// AllocateUID returns a fresh UID. UIDs start at 1 and are never reused.
func (r *Registry) AllocateUID() int {
	return int(r.lastUID.Add(1))
}

// Reserve makes sure uid is never handed out by AllocateUID.
func (r *Registry) Reserve(uid int) {
	for {
		cur := r.lastUID.Load()
		if int64(uid) <= cur {
			return
		}
		if r.lastUID.CompareAndSwap(cur, int64(uid)) {
			return
		}
	}
}

// Register adds c under every key it carries.
func (r *Registry) Register(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[c] = struct{}{}
	if uid := c.UID(); uid > 0 {
		r.byUID[uid] = c
	}
	r.setLegacy(c.Scene, c.LegacyKey, c)
	if c.Instance != 0 {
		r.byInstance[sceneKey{c.Scene, c.Instance}] = c
	}
}

// setLegacy maps key to c. A different container already in the cell is
// overwritten (last write wins). Caller holds r.mu.
func (r *Registry) setLegacy(scene string, key int32, c *Container) {
	if key == 0 {
		return
	}
	k := sceneKey{scene, key}
	if prev, ok := r.byLegacy[k]; ok && prev != c {
		r.legacyOverwrites.Add(1)
		r.logger.Debug("legacy key overwritten",
			zap.String("scene", scene),
			zap.Int32("legacy_key", key),
			zap.Int("prev_uid", prev.UID()),
			zap.Int("uid", c.UID()))
	}
	r.byLegacy[k] = c
}

// BindUID assigns uid to c, replacing any uid c had before.
func (r *Registry) BindUID(c *Container, uid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old := c.UID(); old > 0 && r.byUID[old] == c {
		delete(r.byUID, old)
	}
	c.setUID(uid)
	if uid > 0 {
		r.byUID[uid] = c
		r.live[c] = struct{}{}
	}
}

// Unregister removes every mapping that points at c.
func (r *Registry) Unregister(c *Container) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.live, c)
	if uid := c.UID(); uid > 0 && r.byUID[uid] == c {
		delete(r.byUID, uid)
	}
	for k, v := range r.byLegacy {
		if v == c {
			delete(r.byLegacy, k)
		}
	}
	for k, v := range r.byInstance {
		if v == c {
			delete(r.byInstance, k)
		}
	}
}

// Lookup returns the container registered under uid.
func (r *Registry) Lookup(uid int) *Container {
	if uid <= 0 {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byUID[uid]
}

// Resolve locates a container from whatever keys the caller knows. Steps
// are tried in order: UID, legacy key, instance, nearest within the hint
// radius, nearest within the aggressive radius. The first hit wins. The two
// position steps re-register the found container's legacy key.
func (r *Registry) Resolve(id protocol.ContainerID, hint *protocol.Vec3) (*Container, Step) {
	r.mu.RLock()
	if c := r.byUID[id.UID]; id.UID > 0 && usable(c) {
		r.mu.RUnlock()
		return c, StepUID
	}
	if c := r.byLegacy[sceneKey{id.Scene, id.LegacyKey}]; id.LegacyKey != 0 && usable(c) {
		r.mu.RUnlock()
		return c, StepLegacy
	}
	if c := r.byInstance[sceneKey{id.Scene, id.Instance}]; id.Instance != 0 && usable(c) {
		r.mu.RUnlock()
		return c, StepInstance
	}
	r.mu.RUnlock()

	if hint == nil {
		return nil, StepNone
	}
	step := StepHint
	c := r.nearest(id.Scene, *hint, r.hintRadius)
	if c == nil {
		step = StepAggressive
		c = r.nearest(id.Scene, *hint, r.aggressiveRadius)
	}
	if c == nil {
		return nil, StepNone
	}
	r.mu.Lock()
	r.setLegacy(c.Scene, c.LegacyKey, c)
	r.mu.Unlock()
	r.repairs.Add(1)
	return c, step
}

func usable(c *Container) bool {
	return c != nil && !c.Destroyed()
}

func (r *Registry) nearest(scene string, pos protocol.Vec3, radius float64) *Container {
	if near := r.FindNear(scene, pos, radius); len(near) > 0 {
		return near[0]
	}
	return nil
}

// FindNear returns the live containers of scene strictly within radius of
// pos, nearest first.
func (r *Registry) FindNear(scene string, pos protocol.Vec3, radius float64) []*Container {
	r.mu.RLock()
	var out []*Container
	for c := range r.live {
		if c.Scene != scene || c.Destroyed() {
			continue
		}
		if c.Pos.Dist(pos) < radius {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Pos.Dist(pos) < out[j].Pos.Dist(pos)
	})
	return out
}

// All returns the registered containers ordered by UID (unassigned last).
func (r *Registry) All() []*Container {
	r.mu.RLock()
	out := make([]*Container, 0, len(r.live))
	for c := range r.live {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].UID(), out[j].UID()
		if a <= 0 {
			return false
		}
		return b <= 0 || a < b
	})
	return out
}

// InScene returns the registered containers of scene.
func (r *Registry) InScene(scene string) []*Container {
	var out []*Container
	for _, c := range r.All() {
		if c.Scene == scene {
			out = append(out, c)
		}
	}
	return out
}

// PurgeDestroyed unregisters every destroyed container and returns how many
// were removed.
func (r *Registry) PurgeDestroyed() int {
	n := 0
	for _, c := range r.All() {
		if c.Destroyed() {
			r.Unregister(c)
			n++
		}
	}
	return n
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.live)
}

func (r *Registry) Stats() RegistryStats {
	return RegistryStats{
		Live:             r.Len(),
		LastUID:          int(r.lastUID.Load()),
		LegacyOverwrites: r.legacyOverwrites.Load(),
		Repairs:          r.repairs.Load(),
	}
}
