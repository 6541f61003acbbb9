package model

import "time"

// Peer is a remote player allowed to join the hosted session.
// Identity is the owner string tombstones are keyed by.
type Peer struct {
	ID             int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	Identity       string     `gorm:"uniqueIndex;size:128;not null" json:"identity"`
	PassphraseHash string     `gorm:"size:64;not null" json:"-"`
	Status         int        `gorm:"default:1" json:"status"` // 0=banned 1=normal
	CreatedAt      time.Time  `gorm:"autoCreateTime" json:"created_at"`
	LastJoinAt     *time.Time `json:"last_join_at"`
	LastJoinIP     string     `gorm:"size:45" json:"last_join_ip"`
}
