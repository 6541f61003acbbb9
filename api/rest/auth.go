package rest

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/lootsync/cache"
	"github.com/kasuganosora/lootsync/config"
	mw "github.com/kasuganosora/lootsync/middleware"
	"github.com/kasuganosora/lootsync/model"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

// AuthHandler lets remote peers join the hosted session.
type AuthHandler struct {
	db    *gorm.DB
	cache cache.Cache
	sec   config.SecurityConfig
}

func NewAuthHandler(db *gorm.DB, c cache.Cache, sec config.SecurityConfig) *AuthHandler {
	return &AuthHandler{db: db, cache: c, sec: sec}
}

type joinRequest struct {
	Identity   string `json:"identity" binding:"required,min=2,max=128"`
	Passphrase string `json:"passphrase" binding:"required,min=4,max=64"`
}

// Join handles POST /api/auth/join.
// The first join of an identity registers it.
func (h *AuthHandler) Join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var peer model.Peer
	err := h.db.Where("identity = ?", req.Identity).First(&peer).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.Passphrase), bcrypt.DefaultCost)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		peer = model.Peer{
			Identity:       req.Identity,
			PassphraseHash: string(hash),
			Status:         1,
		}
		if createErr := h.db.Create(&peer).Error; createErr != nil {
			if isUniqueViolation(createErr) {
				c.JSON(http.StatusConflict, gin.H{"error": "identity already taken"})
			} else {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "registration failed"})
			}
			return
		}
	} else if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	} else {
		if err := bcrypt.CompareHashAndPassword([]byte(peer.PassphraseHash), []byte(req.Passphrase)); err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
			return
		}
		if peer.Status == 0 {
			c.JSON(http.StatusForbidden, gin.H{"error": "peer banned"})
			return
		}
	}

	token, err := h.issue(c.Request.Context(), peer.ID, peer.Identity)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}

	now := time.Now()
	_ = h.db.Model(&peer).Updates(map[string]interface{}{
		"last_join_at": now,
		"last_join_ip": c.ClientIP(),
	})

	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"peer_id":  peer.ID,
		"identity": peer.Identity,
	})
}

// Leave handles POST /api/auth/leave.
func (h *AuthHandler) Leave(c *gin.Context) {
	tokenStr := bearer(c)
	if tokenStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.SessionKey(tokenStr))
	c.JSON(http.StatusOK, gin.H{"message": "left"})
}

// Refresh handles POST /api/auth/refresh.
func (h *AuthHandler) Refresh(c *gin.Context) {
	peerID := mw.GetPeerID(c)
	if peerID == 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	_ = h.cache.Del(ctx, mw.SessionKey(bearer(c)))

	token, err := h.issue(c.Request.Context(), peerID, mw.GetIdentity(c))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// issue signs a token and stores its session entry.
func (h *AuthHandler) issue(ctx context.Context, peerID int64, identity string) (string, error) {
	token, err := mw.GenerateToken(peerID, identity, h.sec.JWTSecret, h.sec.JWTTTLH)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.cache.Set(ctx, mw.SessionKey(token), identity, h.sec.JWTTTLH); err != nil {
		return "", err
	}
	return token, nil
}

func bearer(c *gin.Context) string {
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// isUniqueViolation detects duplicate-key errors from common database drivers.
func isUniqueViolation(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "already exists")
}
