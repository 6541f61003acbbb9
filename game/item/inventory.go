package item

import (
	"errors"
	"sort"
)

var (
	ErrOutOfRange   = errors.New("item: position out of range")
	ErrPosOccupied  = errors.New("item: position occupied")
	ErrPosEmpty     = errors.New("item: position empty")
	ErrInventoryNil = errors.New("item: nil inventory")
)

// Inventory is a sparse positional container with a fixed capacity.
// Positions run from 0 to Capacity-1.
type Inventory struct {
	capacity int
	items    map[int]*Item
}

// NewInventory creates an empty inventory.
func NewInventory(capacity int) *Inventory {
	if capacity < 0 {
		capacity = 0
	}
	return &Inventory{capacity: capacity, items: make(map[int]*Item)}
}

// Capacity returns the number of addressable positions.
func (inv *Inventory) Capacity() int {
	if inv == nil {
		return 0
	}
	return inv.capacity
}

// SetCapacity changes the capacity. Items beyond the new capacity are
// returned detached.
func (inv *Inventory) SetCapacity(n int) []*Item {
	if n < 0 {
		n = 0
	}
	inv.capacity = n
	var dropped []*Item
	for _, p := range inv.Positions() {
		if p >= n {
			dropped = append(dropped, inv.Remove(p))
		}
	}
	return dropped
}

// Len returns the number of occupied positions.
func (inv *Inventory) Len() int {
	if inv == nil {
		return 0
	}
	return len(inv.items)
}

// GetItemAt returns the item at pos, or nil.
func (inv *Inventory) GetItemAt(pos int) *Item {
	if inv == nil {
		return nil
	}
	return inv.items[pos]
}

// AddAt places a detached item at pos.
func (inv *Inventory) AddAt(pos int, it *Item) error {
	if inv == nil {
		return ErrInventoryNil
	}
	if pos < 0 || pos >= inv.capacity {
		return ErrOutOfRange
	}
	if _, ok := inv.items[pos]; ok {
		return ErrPosOccupied
	}
	if it.parent != nil || it.owner != nil {
		return ErrAttached
	}
	inv.items[pos] = it
	it.owner = inv
	return nil
}

// Remove detaches and returns the item at pos, or nil.
func (inv *Inventory) Remove(pos int) *Item {
	if inv == nil {
		return nil
	}
	it, ok := inv.items[pos]
	if !ok {
		return nil
	}
	delete(inv.items, pos)
	it.owner = nil
	return it
}

// Move relocates the item at from to an empty position to.
func (inv *Inventory) Move(from, to int) error {
	it := inv.GetItemAt(from)
	if it == nil {
		return ErrPosEmpty
	}
	if from == to {
		return nil
	}
	if to < 0 || to >= inv.capacity {
		return ErrOutOfRange
	}
	if _, ok := inv.items[to]; ok {
		return ErrPosOccupied
	}
	delete(inv.items, from)
	inv.items[to] = it
	return nil
}

// Clear detaches every item.
func (inv *Inventory) Clear() {
	for pos, it := range inv.items {
		it.owner = nil
		delete(inv.items, pos)
	}
}

// Positions returns the occupied positions in ascending order.
func (inv *Inventory) Positions() []int {
	if inv == nil {
		return nil
	}
	out := make([]int, 0, len(inv.items))
	for p := range inv.items {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

// FirstFree returns the lowest empty position, or -1 when full.
func (inv *Inventory) FirstFree() int {
	for p := 0; p < inv.capacity; p++ {
		if _, ok := inv.items[p]; !ok {
			return p
		}
	}
	return -1
}

// IndexOf returns the position holding it, or -1.
func (inv *Inventory) IndexOf(it *Item) int {
	if inv == nil {
		return -1
	}
	for p, x := range inv.items {
		if x == it {
			return p
		}
	}
	return -1
}
