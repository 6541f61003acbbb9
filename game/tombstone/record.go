package tombstone

import (
	"time"

	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/protocol"
)

// Record is the durable copy of one player death container.
type Record struct {
	LootUID   int                  `json:"loot_uid"`
	Owner     string               `json:"owner"`
	SceneID   string               `json:"scene_id"`
	Position  protocol.Vec3        `json:"position"`
	Rotation  protocol.Quat        `json:"rotation"`
	OwnerAI   int                  `json:"owner_ai"`
	CreatedAt time.Time            `json:"created_at"`
	Items     []protocol.ItemEntry `json:"items"`
}

// Empty reports whether the record holds no items. Empty records are
// logically deleted.
func (r Record) Empty() bool { return len(r.Items) == 0 }

// Clone deep-copies r.
func (r Record) Clone() Record {
	c := r
	c.Items = item.CloneEntries(r.Items)
	return c
}

// File is the per-owner document.
type File struct {
	Owner      string   `json:"owner"`
	Tombstones []Record `json:"tombstones"`
}

func (f *File) index(uid int) int {
	for i, r := range f.Tombstones {
		if r.LootUID == uid {
			return i
		}
	}
	return -1
}

// pruneEmpty drops empty records and returns how many were dropped.
func (f *File) pruneEmpty() int {
	kept := f.Tombstones[:0]
	for _, r := range f.Tombstones {
		if !r.Empty() {
			kept = append(kept, r)
		}
	}
	n := len(f.Tombstones) - len(kept)
	f.Tombstones = kept
	return n
}

func (f *File) clone() *File {
	c := &File{Owner: f.Owner, Tombstones: make([]Record, len(f.Tombstones))}
	for i, r := range f.Tombstones {
		c.Tombstones[i] = r.Clone()
	}
	return c
}
