package world

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

const (
	// EventChannel is the pub/sub channel carrying loot events.
	EventChannel = "loot_events"
	eventLogKey  = "loot:events"
)

// Event kinds.
const (
	EventSpawn    = "spawn"
	EventChange   = "change"
	EventRestore  = "restore"
	EventSubtract = "subtract"
	EventExpire   = "expire"
)

// Event is the public notice published for every container lifecycle step.
type Event struct {
	Kind  string    `json:"kind"`
	UID   int       `json:"uid,omitempty"`
	Scene string    `json:"scene,omitempty"`
	Owner string    `json:"owner,omitempty"`
	Items int       `json:"items"`
	At    time.Time `json:"at"`
}

// publish pushes ev onto the capped event log and the pub/sub channel.
// Failures only cost observability and are logged.
func (s *Supervisor) publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	raw, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if s.cache != nil {
		if err := s.cache.LPush(ctx, eventLogKey, string(raw)); err != nil {
			s.logger.Warn("event log push failed", zap.Error(err))
		} else if n := s.cfg.EventLogSize; n > 0 {
			_ = s.cache.LTrim(ctx, eventLogKey, 0, int64(n-1))
		}
	}
	if s.pubsub != nil {
		if err := s.pubsub.Publish(ctx, EventChannel, string(raw)); err != nil {
			s.logger.Warn("event publish failed", zap.Error(err))
		}
	}
}

// RecentEvents returns up to n events, newest first.
func (s *Supervisor) RecentEvents(ctx context.Context, n int) ([]Event, error) {
	if n <= 0 {
		n = s.cfg.EventLogSize
	}
	raws, err := s.cache.LRange(ctx, eventLogKey, 0, int64(n-1))
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(raws))
	for _, r := range raws {
		var ev Event
		if json.Unmarshal([]byte(r), &ev) == nil {
			out = append(out, ev)
		}
	}
	return out, nil
}
