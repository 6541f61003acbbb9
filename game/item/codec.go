package item

import (
	"errors"
	"fmt"
	"sort"

	"github.com/kasuganosora/lootsync/resource"
	"go.uber.org/multierr"
)

var (
	ErrUnknownType   = errors.New("item: unknown type id")
	ErrSlotRejected  = errors.New("item: slot key not allowed")
	ErrDuplicatePos  = errors.New("item: duplicate position")
	ErrNegativeStack = errors.New("item: negative stack")
)

// Codec turns snapshots back into live trees, validating type ids and slot
// keys against a catalog.
type Codec struct {
	catalog *resource.Catalog
}

// NewCodec creates a Codec. A nil catalog accepts every positive type id.
func NewCodec(catalog *resource.Catalog) *Codec {
	if catalog == nil {
		catalog = resource.Permissive()
	}
	return &Codec{catalog: catalog}
}

// Catalog returns the catalog the codec validates against.
func (c *Codec) Catalog() *resource.Catalog { return c.catalog }

// Materialize rebuilds a tree from s. Slot children are fully built before
// being plugged into their parent and sub-inventory children are placed at
// their recorded position. A node that cannot be built is skipped together
// with its subtree; the returned error lists every skipped node. The result
// is nil only when the root itself cannot be built.
func (c *Codec) Materialize(s Snapshot) (*Item, error) {
	return c.build(s, "$")
}

func (c *Codec) newNode(s Snapshot, path string) (*Item, error) {
	if !c.catalog.Has(s.TypeID) {
		return nil, fmt.Errorf("%s: type %d: %w", path, s.TypeID, ErrUnknownType)
	}
	if s.Stack < 0 {
		return nil, fmt.Errorf("%s: type %d: %w", path, s.TypeID, ErrNegativeStack)
	}
	return &Item{
		TypeID:         s.TypeID,
		Stack:          s.Stack,
		Durability:     s.Durability,
		DurabilityLoss: s.DurabilityLoss,
		Inspected:      true,
	}, nil
}

func (c *Codec) build(s Snapshot, path string) (*Item, error) {
	it, err := c.newNode(s, path)
	if err != nil {
		return nil, err
	}

	var errs error
	keys := make([]string, 0, len(s.Slots))
	for k := range s.Slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		childPath := path + "." + k
		if !c.catalog.AllowsSlot(s.TypeID, k) {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", childPath, ErrSlotRejected))
			continue
		}
		child, cerr := c.build(s.Slots[k], childPath)
		errs = multierr.Append(errs, cerr)
		if child == nil {
			continue
		}
		errs = multierr.Append(errs, it.Plug(k, child))
	}

	if s.InventoryCapacity > 0 || len(s.Inventory) > 0 {
		inv, ierr := c.BuildInventory(FitCapacity(s.InventoryCapacity, s.Inventory), s.Inventory, path)
		it.Inventory = inv
		errs = multierr.Append(errs, ierr)
	}
	return it, errs
}

// BuildInventory materialises entries into a new inventory of the given
// capacity. Entries that fail are skipped and reported.
func (c *Codec) BuildInventory(capacity int, entries []Entry, path string) (*Inventory, error) {
	inv := NewInventory(capacity)
	var errs error
	for _, e := range sortedEntries(entries) {
		p := fmt.Sprintf("%s[%d]", path, e.Position)
		child, cerr := c.build(e.Snapshot, p)
		errs = multierr.Append(errs, cerr)
		if child == nil {
			continue
		}
		if aerr := inv.AddAt(e.Position, child); aerr != nil {
			if errors.Is(aerr, ErrPosOccupied) {
				aerr = ErrDuplicatePos
			}
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", p, aerr))
		}
	}
	return inv, errs
}

// Errors splits a combined codec error into its per-node parts.
func Errors(err error) []error {
	return multierr.Errors(err)
}

// FitCapacity grows capacity so every recorded position is addressable.
func FitCapacity(capacity int, entries []Entry) int {
	for _, e := range entries {
		if e.Position >= capacity {
			capacity = e.Position + 1
		}
	}
	return capacity
}

func sortedEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}
