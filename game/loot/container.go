package loot

import (
	"errors"
	"sync"
	"time"

	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/protocol"
)

var (
	ErrDestroyed = errors.New("loot: container destroyed")
	ErrFull      = errors.New("loot: container full")
	ErrNoItem    = errors.New("loot: no item at position")
)

// State is the replication state of a container mirror.
type State int32

const (
	Uninitialized State = iota
	Loading
	Ready
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	}
	return "unknown"
}

// Container is a world container: the authoritative inventory on the host,
// a local mirror on a peer. All access to the inventory goes through the
// container's lock.
type Container struct {
	Scene     string
	Pos       protocol.Vec3
	Rot       protocol.Quat
	LegacyKey int32
	Instance  int32
	OwnerAI   int
	// Owner is the identity of the player whose death produced the
	// container, empty otherwise.
	Owner string

	mu              sync.RWMutex
	uid             int
	state           State
	inv             *item.Inventory
	needsInspection bool
	destroyed       bool
	restored        bool
	loadingSince    time.Time
}

// NewContainer creates an empty, uninitialised container at pos.
func NewContainer(scene string, pos protocol.Vec3, rot protocol.Quat, capacity int) *Container {
	return &Container{
		Scene:     scene,
		Pos:       pos,
		Rot:       rot,
		LegacyKey: LegacyKey(pos),
		inv:       item.NewInventory(capacity),
	}
}

// UID returns the stable id, or 0 when none is known yet.
func (c *Container) UID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.uid
}

func (c *Container) setUID(uid int) {
	c.mu.Lock()
	c.uid = uid
	c.mu.Unlock()
}

func (c *Container) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// BeginLoading marks the container as waiting for a full state.
func (c *Container) BeginLoading() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.state = Loading
	c.loadingSince = time.Now()
}

// MarkReady ends loading without touching contents. It reports whether the
// container was still loading.
func (c *Container) MarkReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	was := c.state == Loading
	if !c.destroyed {
		c.state = Ready
	}
	return was
}

// LoadingFor returns how long the container has been loading, or 0.
func (c *Container) LoadingFor() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.state != Loading {
		return 0
	}
	return time.Since(c.loadingSince)
}

// Replace swaps in freshly built contents and marks the container ready.
// Readers see either the old or the new inventory, never a partial one.
func (c *Container) Replace(inv *item.Inventory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.inv = inv
	c.state = Ready
}

// Rebuild materialises entries with codec and replaces the contents. The
// returned error lists skipped nodes; the container is replaced regardless.
func (c *Container) Rebuild(codec *item.Codec, capacity int, entries []item.Entry) error {
	inv, err := codec.BuildInventory(capacity, entries, "loot")
	c.Replace(inv)
	return err
}

// Snapshot returns the capacity and contents in position order.
func (c *Container) Snapshot() (int, []item.Entry) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inv.Capacity(), item.SnapshotInventory(c.inv)
}

func (c *Container) Capacity() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inv.Capacity()
}

func (c *Container) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.inv.Len()
}

func (c *Container) IsEmpty() bool { return c.Len() == 0 }

// ItemAt returns a snapshot of the item at pos.
func (c *Container) ItemAt(pos int) (item.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	it := c.inv.GetItemAt(pos)
	if it == nil {
		return item.Snapshot{}, false
	}
	return item.MakeSnapshot(it), true
}

// Take removes the item at pos, or the nested item ref points to when ref
// has a slot path.
func (c *Container) Take(pos int, ref *item.Ref) (*item.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return nil, ErrDestroyed
	}
	if ref != nil && len(ref.Path) > 0 {
		it := item.Resolve(c.inv, *ref)
		if it == nil {
			return nil, ErrNoItem
		}
		it.Parent().Unplug(it.SlotKey())
		return it, nil
	}
	it := c.inv.Remove(pos)
	if it == nil {
		return nil, ErrNoItem
	}
	return it, nil
}

// Put places it at pos, or at the first free position when pos < 0. It
// returns the position used.
func (c *Container) Put(pos int, it *item.Item) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return -1, ErrDestroyed
	}
	if pos < 0 {
		pos = c.inv.FirstFree()
		if pos < 0 {
			return -1, ErrFull
		}
	}
	if err := c.inv.AddAt(pos, it); err != nil {
		return -1, err
	}
	return pos, nil
}

// Move relocates the item at from to the empty position to.
func (c *Container) Move(from, to int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return ErrDestroyed
	}
	return c.inv.Move(from, to)
}

// Destroy clears the container. Destroyed containers reject every mutation.
func (c *Container) Destroy() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed = true
	c.inv.Clear()
}

func (c *Container) Destroyed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.destroyed
}

// SetNeedsInspection flags the contents as not yet looked at.
func (c *Container) SetNeedsInspection(v bool) {
	c.mu.Lock()
	c.needsInspection = v
	c.mu.Unlock()
}

func (c *Container) NeedsInspection() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.needsInspection
}

// MarkRestored records that the container came from a persisted tombstone.
func (c *Container) MarkRestored() {
	c.mu.Lock()
	c.restored = true
	c.mu.Unlock()
}

func (c *Container) Restored() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.restored
}

// ID returns every key the container is known by.
func (c *Container) ID() protocol.ContainerID {
	return protocol.ContainerID{
		Scene:     c.Scene,
		LegacyKey: c.LegacyKey,
		Instance:  c.Instance,
		UID:       c.UID(),
	}
}

// Info is a read-only view of a container for listings.
type Info struct {
	UID             int           `json:"uid"`
	Scene           string        `json:"scene"`
	Pos             protocol.Vec3 `json:"pos"`
	LegacyKey       int32         `json:"legacy_key"`
	Owner           string        `json:"owner,omitempty"`
	OwnerAI         int           `json:"owner_ai"`
	State           string        `json:"state"`
	Capacity        int           `json:"capacity"`
	Items           int           `json:"items"`
	NeedsInspection bool          `json:"needs_inspection"`
	Restored        bool          `json:"restored"`
}

func (c *Container) Info() Info {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Info{
		UID:             c.uid,
		Scene:           c.Scene,
		Pos:             c.Pos,
		LegacyKey:       c.LegacyKey,
		Owner:           c.Owner,
		OwnerAI:         c.OwnerAI,
		State:           c.state.String(),
		Capacity:        c.inv.Capacity(),
		Items:           c.inv.Len(),
		NeedsInspection: c.needsInspection,
		Restored:        c.restored,
	}
}
