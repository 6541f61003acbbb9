package player

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/protocol"
	"go.uber.org/zap"
)

var ErrPeerOffline = errors.New("player: peer not connected")

// SessionManager tracks connected peers and is the host's loot.Transport.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[loot.PeerID]*PeerSession
	logger   *zap.Logger
}

var _ loot.Transport = (*SessionManager)(nil)

func NewSessionManager(logger *zap.Logger) *SessionManager {
	return &SessionManager{
		sessions: make(map[loot.PeerID]*PeerSession),
		logger:   logger,
	}
}

// Register adds a session. A previous session of the same peer is closed
// first (reconnect).
func (sm *SessionManager) Register(s *PeerSession) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if old, ok := sm.sessions[s.PeerID]; ok && old != s {
		old.Close()
		sm.logger.Info("duplicate session displaced", zap.Int64("peer", int64(s.PeerID)))
	}
	sm.sessions[s.PeerID] = s
	sm.logger.Info("peer session registered",
		zap.Int64("peer", int64(s.PeerID)), zap.String("identity", s.Identity))
}

// Unregister removes s if it is still the current session of its peer and
// reports whether it was.
func (sm *SessionManager) Unregister(s *PeerSession) bool {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if cur, ok := sm.sessions[s.PeerID]; !ok || cur != s {
		return false
	}
	delete(sm.sessions, s.PeerID)
	sm.logger.Info("peer session unregistered", zap.Int64("peer", int64(s.PeerID)))
	return true
}

func (sm *SessionManager) Get(peer loot.PeerID) *PeerSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.sessions[peer]
}

func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

func (sm *SessionManager) snapshot() []*PeerSession {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*PeerSession, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		out = append(out, s)
	}
	return out
}

// Send delivers pkt to one peer.
func (sm *SessionManager) Send(peer loot.PeerID, pkt *protocol.Packet) error {
	s := sm.Get(peer)
	if s == nil {
		return ErrPeerOffline
	}
	return s.Send(pkt)
}

// Broadcast delivers pkt to every connected peer. Slow peers drop it.
func (sm *SessionManager) Broadcast(pkt *protocol.Packet) {
	data, err := pkt.Marshal()
	if err != nil {
		sm.logger.Error("failed to marshal broadcast packet", zap.Error(err))
		return
	}
	for _, s := range sm.snapshot() {
		_ = s.SendRaw(data)
	}
}

// Peers lists connected peers in ascending order.
func (sm *SessionManager) Peers() []loot.PeerID {
	sessions := sm.snapshot()
	out := make([]loot.PeerID, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.PeerID)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CloseAllSessions closes every session and waits briefly for their read
// loops to unregister them.
func (sm *SessionManager) CloseAllSessions() {
	sessions := sm.snapshot()
	sm.logger.Info("closing all sessions", zap.Int("count", len(sessions)))
	for _, s := range sessions {
		s.Close()
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) && sm.Count() > 0 {
		time.Sleep(100 * time.Millisecond)
	}
}
