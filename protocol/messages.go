package protocol

import (
	"math"

	"github.com/kasuganosora/lootsync/game/item"
)

// Message types.
const (
	TypeContainerSpawn        = "loot_spawn"
	TypeStateRequest          = "loot_state_request"
	TypeStateResponse         = "loot_state"
	TypeStateDeny             = "loot_state_deny"
	TypeTakeRequest           = "loot_take_request"
	TypeTakeResolved          = "loot_take_resolved"
	TypeTakeDenied            = "loot_take_denied"
	TypeReorderRequest        = "loot_reorder_request"
	TypeReorderResolved       = "loot_reorder_resolved"
	TypePutRequest            = "loot_put_request"
	TypePutResolved           = "loot_put_resolved"
	TypeTombstoneRestore      = "tombstone_restore"
	TypeDeathEquipmentRequest = "death_equipment_request"
	TypeDeathEquipmentReport  = "death_equipment_report"
	TypePlayerDeath           = "player_death"
	TypeSceneEnter            = "scene_enter"
	TypePing                  = "ping"
	TypePong                  = "pong"
	TypeError                 = "error"
)

// Deny reasons.
const (
	ReasonNoInventory = "no_inv"
	ReasonBusy        = "busy"
	ReasonBadPosition = "bad_position"
	ReasonNoItem      = "no_item"
)

// Vec3 is a world position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Dist returns the euclidean distance between a and b.
func (a Vec3) Dist(b Vec3) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}

// Quat is a rotation.
type Quat struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
	W float64 `json:"w"`
}

// Identity is the no-rotation quaternion.
var Identity = Quat{W: 1}

// ContainerID carries every key a peer may know a container by. UID <= 0
// means the peer has not learned the stable id yet.
type ContainerID struct {
	Scene     string `json:"scene"`
	LegacyKey int32  `json:"legacy_key"`
	Instance  int32  `json:"instance"`
	UID       int    `json:"uid"`
}

// ItemEntry is one (position, snapshot) pair of container contents.
type ItemEntry = item.Entry

type ContainerSpawn struct {
	Scene   string `json:"scene"`
	OwnerAI int    `json:"owner_ai"`
	UID     int    `json:"uid"`
	Pos     Vec3   `json:"pos"`
	Rot     Quat   `json:"rot"`
}

type StateRequest struct {
	ID      ContainerID `json:"id"`
	PosHint *Vec3       `json:"pos_hint,omitempty"`
}

type StateResponse struct {
	UID       int         `json:"uid"`
	Scene     string      `json:"scene"`
	LegacyKey int32       `json:"legacy_key"`
	Capacity  int         `json:"capacity"`
	Items     []ItemEntry `json:"items"`
}

type StateDeny struct {
	ID     ContainerID `json:"id"`
	Reason string      `json:"reason"`
}

type TakeRequest struct {
	ID       ContainerID `json:"id"`
	Token    uint32      `json:"token"`
	Position int         `json:"position"`
	// Ref addresses a nested item (e.g. a scope on a rifle) below Position.
	Ref *item.Ref `json:"ref,omitempty"`
}

type TakeResolved struct {
	Token    uint32        `json:"token"`
	UID      int           `json:"uid"`
	Snapshot item.Snapshot `json:"snapshot"`
}

type TakeDenied struct {
	Token  uint32 `json:"token"`
	UID    int    `json:"uid"`
	Reason string `json:"reason"`
}

type ReorderRequest struct {
	ID    ContainerID `json:"id"`
	Token uint32      `json:"token"`
	From  int         `json:"from"`
	To    int         `json:"to"`
}

type ReorderResolved struct {
	Token    uint32 `json:"token"`
	UID      int    `json:"uid"`
	Position int    `json:"position"`
}

type PutRequest struct {
	ID       ContainerID   `json:"id"`
	Token    uint32        `json:"token"`
	Position int           `json:"position"` // -1: first free position
	Snapshot item.Snapshot `json:"snapshot"`
}

type PutResolved struct {
	Token    uint32 `json:"token"`
	UID      int    `json:"uid"`
	Position int    `json:"position"`
}

type TombstoneRestore struct {
	Scene string `json:"scene"`
	UID   int    `json:"uid"`
	Pos   Vec3   `json:"pos"`
	Rot   Quat   `json:"rot"`
}

type DeathEquipmentRequest struct {
	Owner       string `json:"owner"`
	TombstoneID int    `json:"tombstone_id"`
	UID         int    `json:"uid"`
}

// DeathEquipmentReport lists what the dead character still carries. Items
// is preferred when present; TypeIDs is the coarse fallback.
type DeathEquipmentReport struct {
	Owner       string          `json:"owner"`
	TombstoneID int             `json:"tombstone_id"`
	TypeIDs     []int           `json:"type_ids"`
	Items       []item.Snapshot `json:"items,omitempty"`
}

// PlayerDeath reports a peer's character death. Either Items (container
// layout) or Character (whole character tree, flattened on the host) is set.
type PlayerDeath struct {
	Scene     string         `json:"scene"`
	Pos       Vec3           `json:"pos"`
	Rot       Quat           `json:"rot"`
	Items     []ItemEntry    `json:"items,omitempty"`
	Character *item.Snapshot `json:"character,omitempty"`
}

type SceneEnter struct {
	Scene string `json:"scene"`
}

type Ping struct {
	TS int64 `json:"ts"`
}

type Pong struct {
	ClientTS int64 `json:"client_ts"`
	ServerTS int64 `json:"server_ts"`
}

// ErrorMsg tells a peer its packet was rejected before reaching a handler.
type ErrorMsg struct {
	Message string `json:"message"`
}
