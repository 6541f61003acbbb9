package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/lootsync/game/tombstone"
	mw "github.com/kasuganosora/lootsync/middleware"
)

// TombstoneHandler exposes a peer's own tombstones.
type TombstoneHandler struct {
	store *tombstone.Store
}

func NewTombstoneHandler(store *tombstone.Store) *TombstoneHandler {
	return &TombstoneHandler{store: store}
}

// Mine handles GET /api/tombstones/mine.
func (h *TombstoneHandler) Mine(c *gin.Context) {
	identity := mw.GetIdentity(c)
	if identity == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	recs := h.store.Tombstones(identity)
	if recs == nil {
		recs = []tombstone.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"owner": identity, "tombstones": recs, "count": len(recs)})
}
