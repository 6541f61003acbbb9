package item

import (
	"math"
	"sort"
)

// Snapshot is the flat, serialisable form of an item tree.
type Snapshot struct {
	TypeID         int                 `json:"type_id"`
	Stack          int                 `json:"stack"`
	Durability     float32             `json:"durability"`
	DurabilityLoss float32             `json:"durability_loss"`
	Slots          map[string]Snapshot `json:"slots,omitempty"`
	Inventory      []Entry             `json:"inventory,omitempty"`
	// InventoryCapacity is zero when the item has no sub-inventory.
	InventoryCapacity int `json:"inventory_capacity,omitempty"`
}

// Entry is one (position, snapshot) pair of a positional inventory.
type Entry struct {
	Position int      `json:"position"`
	Snapshot Snapshot `json:"snapshot"`
}

// MakeSnapshot captures it and its descendants. Slots are walked in sorted
// key order and the sub-inventory by ascending position, so equal trees
// always produce identical snapshots.
func MakeSnapshot(it *Item) Snapshot {
	if it == nil {
		return Snapshot{}
	}
	s := Snapshot{
		TypeID:         it.TypeID,
		Stack:          it.Stack,
		Durability:     it.Durability,
		DurabilityLoss: it.DurabilityLoss,
	}
	if keys := it.SlotKeys(); len(keys) > 0 {
		s.Slots = make(map[string]Snapshot, len(keys))
		for _, k := range keys {
			s.Slots[k] = MakeSnapshot(it.slots[k])
		}
	}
	if it.Inventory != nil {
		s.InventoryCapacity = it.Inventory.Capacity()
		s.Inventory = SnapshotInventory(it.Inventory)
	}
	return s
}

// SnapshotInventory captures every occupied position in ascending order.
func SnapshotInventory(inv *Inventory) []Entry {
	positions := inv.Positions()
	if len(positions) == 0 {
		return nil
	}
	out := make([]Entry, 0, len(positions))
	for _, p := range positions {
		out = append(out, Entry{Position: p, Snapshot: MakeSnapshot(inv.GetItemAt(p))})
	}
	return out
}

// Clone returns a deep copy of s.
func (s Snapshot) Clone() Snapshot {
	c := s
	if s.Slots != nil {
		c.Slots = make(map[string]Snapshot, len(s.Slots))
		for k, v := range s.Slots {
			c.Slots[k] = v.Clone()
		}
	}
	if s.Inventory != nil {
		c.Inventory = CloneEntries(s.Inventory)
	}
	return c
}

// CloneEntries deep-copies an entry list.
func CloneEntries(entries []Entry) []Entry {
	if entries == nil {
		return nil
	}
	out := make([]Entry, len(entries))
	for i, e := range entries {
		out[i] = Entry{Position: e.Position, Snapshot: e.Snapshot.Clone()}
	}
	return out
}

// Count returns the number of nodes in the tree.
func (s Snapshot) Count() int {
	n := 1
	for _, c := range s.Slots {
		n += c.Count()
	}
	for _, e := range s.Inventory {
		n += e.Snapshot.Count()
	}
	return n
}

// durabilityEpsilon is the tolerance for matching reported durability values.
const durabilityEpsilon = 0.001

// SameStack reports whether two snapshots describe the same physical stack:
// equal type id and stack size, durability and loss within a small epsilon.
func SameStack(a, b Snapshot) bool {
	return a.TypeID == b.TypeID &&
		a.Stack == b.Stack &&
		math.Abs(float64(a.Durability-b.Durability)) < durabilityEpsilon &&
		math.Abs(float64(a.DurabilityLoss-b.DurabilityLoss)) < durabilityEpsilon
}

// Flatten lays a character tree out as container contents: equipped slot
// items first (sorted by key), then the sub-inventory in position order,
// numbered from 0. The root itself is not included.
func Flatten(root Snapshot) []Entry {
	var out []Entry
	keys := make([]string, 0, len(root.Slots))
	for k := range root.Slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, Entry{Position: len(out), Snapshot: root.Slots[k].Clone()})
	}
	for _, e := range sortedEntries(root.Inventory) {
		out = append(out, Entry{Position: len(out), Snapshot: e.Snapshot.Clone()})
	}
	return out
}
