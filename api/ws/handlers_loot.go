package ws

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/player"
	"github.com/kasuganosora/lootsync/game/world"
	"github.com/kasuganosora/lootsync/protocol"
	"go.uber.org/zap"
)

// LootHandlers binds inbound peer messages to the host and the supervisor.
type LootHandlers struct {
	host   *loot.Host
	sup    *world.Supervisor
	logger *zap.Logger
}

func NewLootHandlers(host *loot.Host, sup *world.Supervisor, logger *zap.Logger) *LootHandlers {
	return &LootHandlers{host: host, sup: sup, logger: logger}
}

// RegisterHandlers registers every loot message handler on r.
func (lh *LootHandlers) RegisterHandlers(r *Router) {
	r.On(protocol.TypePing, lh.HandlePing)
	r.On(protocol.TypeStateRequest, bind(lh.host.HandleStateRequest))
	r.On(protocol.TypeTakeRequest, bind(lh.host.HandleTake))
	r.On(protocol.TypeReorderRequest, bind(lh.host.HandleReorder))
	r.On(protocol.TypePutRequest, bind(lh.host.HandlePut))
	r.On(protocol.TypePlayerDeath, bind(lh.handlePlayerDeath))
	r.On(protocol.TypeDeathEquipmentReport, bind(lh.handleEquipmentReport))
	r.On(protocol.TypeSceneEnter, bind(lh.handleSceneEnter))
}

// bind adapts a typed peer handler to a HandlerFunc.
func bind[T any](fn func(ctx context.Context, peer loot.PeerID, msg T) error) HandlerFunc {
	return func(ctx context.Context, s *player.PeerSession, raw json.RawMessage) error {
		msg, err := protocol.Decode[T](raw)
		if err != nil {
			return err
		}
		return fn(ctx, s.PeerID, msg)
	}
}

// HandlePing answers client heartbeats.
func (lh *LootHandlers) HandlePing(_ context.Context, s *player.PeerSession, raw json.RawMessage) error {
	var p protocol.Ping
	_ = json.Unmarshal(raw, &p)
	pkt, err := protocol.Encode(protocol.TypePong, protocol.Pong{ClientTS: p.TS, ServerTS: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	return s.Send(pkt)
}

func (lh *LootHandlers) handlePlayerDeath(ctx context.Context, peer loot.PeerID, msg protocol.PlayerDeath) error {
	_, err := lh.sup.HandlePlayerDeath(ctx, peer, msg)
	return err
}

func (lh *LootHandlers) handleEquipmentReport(ctx context.Context, peer loot.PeerID, msg protocol.DeathEquipmentReport) error {
	if _, err := lh.sup.HandleDeathEquipmentReport(ctx, peer, msg); err != nil {
		// Unknown tombstones are expected after expiry or a host restart.
		lh.logger.Debug("equipment report ignored", zap.Int64("peer", int64(peer)), zap.Error(err))
	}
	return nil
}

func (lh *LootHandlers) handleSceneEnter(ctx context.Context, peer loot.PeerID, msg protocol.SceneEnter) error {
	lh.sup.HandleSceneEnter(ctx, peer, msg)
	return nil
}
