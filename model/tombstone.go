package model

import (
	"time"

	"gorm.io/datatypes"
)

// TombstoneRow is the database form of one tombstone record.
// Items holds the JSON-encoded ordered list of (position, snapshot) entries.
type TombstoneRow struct {
	ID        int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Owner     string         `gorm:"uniqueIndex:idx_tomb_owner_uid;size:128;not null" json:"owner"`
	LootUID   int            `gorm:"uniqueIndex:idx_tomb_owner_uid;not null" json:"loot_uid"`
	SceneID   string         `gorm:"index:idx_tomb_scene;size:128;not null" json:"scene_id"`
	PosX      float64        `json:"pos_x"`
	PosY      float64        `json:"pos_y"`
	PosZ      float64        `json:"pos_z"`
	RotX      float64        `json:"rot_x"`
	RotY      float64        `json:"rot_y"`
	RotZ      float64        `json:"rot_z"`
	RotW      float64        `json:"rot_w"`
	OwnerAI   int            `json:"owner_ai"`
	Items     datatypes.JSON `json:"items"`
	CreatedAt time.Time      `gorm:"index:idx_tomb_created" json:"created_at"`
	UpdatedAt time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
}
