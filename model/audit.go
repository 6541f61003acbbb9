package model

import (
	"time"

	"gorm.io/datatypes"
)

// LootAudit records container operations performed on the host.
type LootAudit struct {
	ID         int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID    string         `gorm:"index:idx_loot_audit_trace;size:36;not null" json:"trace_id"`
	PeerID     *int64         `gorm:"index:idx_loot_audit_peer" json:"peer_id"`
	Identity   string         `gorm:"size:128" json:"identity"`
	Action     string         `gorm:"size:32;not null" json:"action"`
	LootUID    int            `gorm:"index:idx_loot_audit_uid" json:"loot_uid"`
	SceneID    string         `gorm:"size:128" json:"scene_id"`
	Request    datatypes.JSON `json:"request"`
	Response   datatypes.JSON `json:"response"`
	Error      string         `gorm:"type:text" json:"error"`
	DurationMs int            `json:"duration_ms"`
	CreatedAt  time.Time      `gorm:"index:idx_loot_audit_created;autoCreateTime:milli" json:"created_at"`
}
