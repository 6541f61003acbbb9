package player

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/protocol"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sendChanBuf   = 256
	writeDeadline = 10 * time.Second
	readDeadline  = 60 * time.Second
	pingInterval  = 30 * time.Second
)

var (
	ErrSessionClosed = errors.New("player: session closed")
	ErrSendBufFull   = errors.New("player: send buffer full")
)

// PeerSession is one connected peer's WebSocket session.
type PeerSession struct {
	PeerID   loot.PeerID
	Identity string

	Conn     *websocket.Conn
	SendChan chan []byte
	Done     chan struct{}
	Limiter  *rate.Limiter

	lastSeq   atomic.Uint64
	closeOnce sync.Once
	logger    *zap.Logger
}

// NewPeerSession creates a session and starts its write pump. A nil conn
// leaves the pump stopped; packets then stay in SendChan.
func NewPeerSession(peer loot.PeerID, identity string, conn *websocket.Conn, limiter *rate.Limiter, logger *zap.Logger) *PeerSession {
	s := &PeerSession{
		PeerID:   peer,
		Identity: identity,
		Conn:     conn,
		SendChan: make(chan []byte, sendChanBuf),
		Done:     make(chan struct{}),
		Limiter:  limiter,
		logger:   logger,
	}
	if conn != nil {
		go s.writePump()
	}
	return s
}

// writePump drains SendChan to the connection and pings it periodically.
func (s *PeerSession) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer s.Conn.Close()
	for {
		select {
		case data, ok := <-s.SendChan:
			if !ok {
				return
			}
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.logger.Warn("ws write error", zap.Int64("peer", int64(s.PeerID)), zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = s.Conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.Done:
			_ = s.Conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send encodes pkt and queues it without blocking.
func (s *PeerSession) Send(pkt *protocol.Packet) error {
	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	return s.SendRaw(data)
}

// SendRaw queues pre-encoded bytes without blocking.
func (s *PeerSession) SendRaw(data []byte) error {
	if s.IsClosed() {
		return ErrSessionClosed
	}
	select {
	case s.SendChan <- data:
		return nil
	case <-s.Done:
		return ErrSessionClosed
	default:
		s.logger.Warn("send channel full, dropping packet", zap.Int64("peer", int64(s.PeerID)))
		return ErrSendBufFull
	}
}

// Close signals the write pump to shut down.
func (s *PeerSession) Close() {
	s.closeOnce.Do(func() { close(s.Done) })
}

func (s *PeerSession) IsClosed() bool {
	select {
	case <-s.Done:
		return true
	default:
		return false
	}
}

// AcceptSeq enforces strictly increasing client sequence numbers. Zero is
// always accepted for clients that do not number their packets.
func (s *PeerSession) AcceptSeq(seq uint64) bool {
	if seq == 0 {
		return true
	}
	for {
		last := s.lastSeq.Load()
		if seq <= last {
			return false
		}
		if s.lastSeq.CompareAndSwap(last, seq) {
			return true
		}
	}
}

// LastSeq returns the highest sequence number accepted so far.
func (s *PeerSession) LastSeq() uint64 { return s.lastSeq.Load() }

// Allow consumes one unit of the inbound message budget.
func (s *PeerSession) Allow() bool {
	return s.Limiter == nil || s.Limiter.Allow()
}

// SetReadDeadline pushes the read deadline out by the idle timeout.
func (s *PeerSession) SetReadDeadline() {
	if s.Conn != nil {
		_ = s.Conn.SetReadDeadline(time.Now().Add(readDeadline))
	}
}
