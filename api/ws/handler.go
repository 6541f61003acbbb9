package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/kasuganosora/lootsync/cache"
	"github.com/kasuganosora/lootsync/config"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/player"
	"github.com/kasuganosora/lootsync/game/world"
	mw "github.com/kasuganosora/lootsync/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler is the Gin handler for GET /ws.
type Handler struct {
	cache    cache.Cache
	sec      config.SecurityConfig
	sm       *player.SessionManager
	sup      *world.Supervisor
	router   *Router
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket Handler.
// sec.AllowedOrigins controls which WebSocket origins are accepted.
// An empty slice permits all origins (development only).
func NewHandler(c cache.Cache, sec config.SecurityConfig, sm *player.SessionManager, sup *world.Supervisor, router *Router, logger *zap.Logger) *Handler {
	h := &Handler{
		cache:  c,
		sec:    sec,
		sm:     sm,
		sup:    sup,
		router: router,
		logger: logger,
	}
	allowed := sec.AllowedOrigins
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: true,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, o := range allowed {
				if o == origin {
					return true
				}
			}
			return false
		},
	}
	return h
}

// ServeWS handles GET /ws?token=<jwt>.
func (h *Handler) ServeWS(c *gin.Context) {
	tokenStr := c.Query("token")
	if tokenStr == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
		return
	}
	claims, err := mw.Authenticate(c.Request.Context(), h.sec, h.cache, tokenStr)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if claims.PeerID <= 0 {
		c.JSON(http.StatusForbidden, gin.H{"error": "reserved peer id"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("ws upgrade failed", zap.Error(err))
		return
	}

	var limiter *rate.Limiter
	if h.sec.PeerMsgRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(h.sec.PeerMsgRPS), max(h.sec.PeerMsgBurst, 1))
	}
	sess := player.NewPeerSession(loot.PeerID(claims.PeerID), claims.Identity, conn, limiter, h.logger)
	h.sm.Register(sess)
	h.onConnect(sess)
	h.readPump(sess)
}

// onConnect binds the identity and replays the live containers to the peer.
func (h *Handler) onConnect(s *player.PeerSession) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.sup.BindPeer(ctx, s.PeerID, s.Identity); err != nil {
		h.logger.Warn("bind peer identity failed", zap.Int64("peer", int64(s.PeerID)), zap.Error(err))
	}
	h.sup.SyncToNewPeer(ctx, s.PeerID)
}

// readPump reads messages from the WebSocket connection and dispatches them.
func (h *Handler) readPump(s *player.PeerSession) {
	defer h.handleDisconnect(s)

	s.SetReadDeadline()
	s.Conn.SetPongHandler(func(string) error {
		s.SetReadDeadline()
		return nil
	})

	for {
		_, raw, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived) && !errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Warn("ws unexpected close", zap.Int64("peer", int64(s.PeerID)), zap.Error(err))
			}
			return
		}
		s.SetReadDeadline()
		h.router.Dispatch(s, raw)
	}
}

// handleDisconnect cleans up after the connection closes. A session that was
// already displaced by a reconnect leaves the peer's state alone.
func (h *Handler) handleDisconnect(s *player.PeerSession) {
	s.Close()
	if !h.sm.Unregister(s) {
		return
	}
	h.sup.PeerDisconnected(context.Background(), s.PeerID)
	h.logger.Info("peer disconnected", zap.Int64("peer", int64(s.PeerID)), zap.String("identity", s.Identity))
}
