package item

import (
	"errors"
	"sort"
)

var (
	ErrSlotOccupied = errors.New("item: slot occupied")
	ErrAttached     = errors.New("item: already attached elsewhere")
	ErrCycle        = errors.New("item: attaching would create a cycle")
)

// Item is a live item node. An item can hold children under string slot keys
// (equipment attachments) and in an optional positional sub-inventory.
//
// Items are not safe for concurrent use; the owning container serialises
// access.
type Item struct {
	TypeID         int
	Stack          int
	Durability     float32
	DurabilityLoss float32
	Inspected      bool

	// Inventory is the item's own sub-inventory, nil when it has none.
	Inventory *Inventory

	slots   map[string]*Item
	parent  *Item
	slotKey string
	owner   *Inventory // inventory holding this item directly, if any
}

// New creates a detached item.
func New(typeID, stack int) *Item {
	return &Item{TypeID: typeID, Stack: stack, Inspected: true}
}

// Parent returns the item this one is plugged into, or nil.
func (it *Item) Parent() *Item { return it.parent }

// SlotKey returns the key under which this item is plugged into its parent.
func (it *Item) SlotKey() string { return it.slotKey }

// Slot returns the child plugged under key, or nil.
func (it *Item) Slot(key string) *Item {
	return it.slots[key]
}

// SlotKeys returns the occupied slot keys in sorted order.
func (it *Item) SlotKeys() []string {
	keys := make([]string, 0, len(it.slots))
	for k := range it.slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Plug attaches child under key. The child must be detached.
func (it *Item) Plug(key string, child *Item) error {
	if _, ok := it.slots[key]; ok {
		return ErrSlotOccupied
	}
	if child.parent != nil || child.owner != nil {
		return ErrAttached
	}
	for p := it; p != nil; p = p.parent {
		if p == child {
			return ErrCycle
		}
	}
	if it.slots == nil {
		it.slots = make(map[string]*Item)
	}
	it.slots[key] = child
	child.parent = it
	child.slotKey = key
	return nil
}

// Unplug detaches and returns the child under key.
func (it *Item) Unplug(key string) *Item {
	child, ok := it.slots[key]
	if !ok {
		return nil
	}
	delete(it.slots, key)
	child.parent = nil
	child.slotKey = ""
	return child
}

// Detach removes the item from whatever holds it: a parent slot or an
// inventory position.
func (it *Item) Detach() {
	if it.parent != nil {
		it.parent.Unplug(it.slotKey)
		return
	}
	if it.owner != nil {
		if pos := it.owner.IndexOf(it); pos >= 0 {
			it.owner.Remove(pos)
		}
	}
}

// Root walks up the slot chain and returns the topmost item.
func (it *Item) Root() *Item {
	r := it
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// Walk visits it and every descendant, slots before sub-inventory.
func (it *Item) Walk(fn func(*Item)) {
	if it == nil {
		return
	}
	fn(it)
	for _, k := range it.SlotKeys() {
		it.slots[k].Walk(fn)
	}
	if it.Inventory != nil {
		for _, p := range it.Inventory.Positions() {
			it.Inventory.GetItemAt(p).Walk(fn)
		}
	}
}

// MarkUninspected clears the Inspected flag on the whole tree. Freshly
// dropped death loot starts uninspected.
func MarkUninspected(it *Item) {
	it.Walk(func(n *Item) { n.Inspected = false })
}

// Equal compares two trees by type id, stack, durability, durability loss,
// slot keys and sub-inventory positions.
func Equal(a, b *Item) bool {
	if a == nil || b == nil {
		return a == b
	}
	if a.TypeID != b.TypeID || a.Stack != b.Stack ||
		a.Durability != b.Durability || a.DurabilityLoss != b.DurabilityLoss {
		return false
	}
	if len(a.slots) != len(b.slots) {
		return false
	}
	for k, ac := range a.slots {
		if !Equal(ac, b.slots[k]) {
			return false
		}
	}
	return EqualInventory(a.Inventory, b.Inventory)
}

// EqualInventory compares two inventories position by position.
func EqualInventory(a, b *Inventory) bool {
	if a == nil || b == nil {
		return a.Len() == 0 && b.Len() == 0
	}
	if a.Len() != b.Len() {
		return false
	}
	for pos, ai := range a.items {
		if !Equal(ai, b.items[pos]) {
			return false
		}
	}
	return true
}
