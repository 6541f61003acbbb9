package resource

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// ItemDef describes one item type the host knows how to build.
type ItemDef struct {
	TypeID        int      `yaml:"type_id" json:"type_id"`
	Name          string   `yaml:"name" json:"name"`
	MaxStack      int      `yaml:"max_stack" json:"max_stack"`
	MaxDurability float32  `yaml:"max_durability" json:"max_durability"`
	Slots         []string `yaml:"slots" json:"slots"`
	Capacity      int      `yaml:"capacity" json:"capacity"`
}

// AllowsSlot reports whether key is one of the def's slot keys.
// A def without slot keys accepts none.
func (d ItemDef) AllowsSlot(key string) bool {
	for _, s := range d.Slots {
		if s == key {
			return true
		}
	}
	return false
}

type catalogFile struct {
	Items []ItemDef `yaml:"items"`
}

// Catalog is the read-only set of item definitions. A permissive catalog
// accepts any type id with any slot key.
type Catalog struct {
	defs       map[int]ItemDef
	permissive bool
}

// Permissive returns a catalog that accepts every type id.
func Permissive() *Catalog {
	return &Catalog{defs: map[int]ItemDef{}, permissive: true}
}

// NewCatalog builds a strict catalog from defs.
func NewCatalog(defs ...ItemDef) (*Catalog, error) {
	c := &Catalog{defs: make(map[int]ItemDef, len(defs))}
	for _, d := range defs {
		if d.TypeID <= 0 {
			return nil, fmt.Errorf("resource: invalid type_id %d (%s)", d.TypeID, d.Name)
		}
		if _, dup := c.defs[d.TypeID]; dup {
			return nil, fmt.Errorf("resource: duplicate type_id %d", d.TypeID)
		}
		c.defs[d.TypeID] = d
	}
	return c, nil
}

// LoadCatalog reads an item catalog YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("resource: read %s: %w", path, err)
	}
	var f catalogFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("resource: parse %s: %w", path, err)
	}
	return NewCatalog(f.Items...)
}

// Lookup returns the definition for typeID.
func (c *Catalog) Lookup(typeID int) (ItemDef, bool) {
	if d, ok := c.defs[typeID]; ok {
		return d, true
	}
	if c.permissive && typeID > 0 {
		return ItemDef{TypeID: typeID}, true
	}
	return ItemDef{}, false
}

// Has reports whether typeID can be built.
func (c *Catalog) Has(typeID int) bool {
	_, ok := c.Lookup(typeID)
	return ok
}

// AllowsSlot reports whether an item of typeID may hold a child under key.
func (c *Catalog) AllowsSlot(typeID int, key string) bool {
	if c.permissive {
		return true
	}
	d, ok := c.defs[typeID]
	return ok && d.AllowsSlot(key)
}

// IsPermissive reports whether the catalog accepts unknown ids.
func (c *Catalog) IsPermissive() bool { return c.permissive }

// Len returns the number of explicit definitions.
func (c *Catalog) Len() int { return len(c.defs) }

// All returns the explicit definitions ordered by type id.
func (c *Catalog) All() []ItemDef {
	out := make([]ItemDef, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TypeID < out[j].TypeID })
	return out
}
