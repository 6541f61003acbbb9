package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/player"
	"github.com/kasuganosora/lootsync/game/tombstone"
	"github.com/kasuganosora/lootsync/game/world"
	"github.com/kasuganosora/lootsync/model"
	"github.com/kasuganosora/lootsync/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AdminHandler handles admin-only REST endpoints.
// Routes should be protected by the AdminAuth middleware.
type AdminHandler struct {
	db     *gorm.DB
	host   *loot.Host
	sup    *world.Supervisor
	sm     *player.SessionManager
	sched  *scheduler.Scheduler
	logger *zap.Logger
}

func NewAdminHandler(
	db *gorm.DB,
	host *loot.Host,
	sup *world.Supervisor,
	sm *player.SessionManager,
	sched *scheduler.Scheduler,
	logger *zap.Logger,
) *AdminHandler {
	return &AdminHandler{db: db, host: host, sup: sup, sm: sm, sched: sched, logger: logger}
}

// Metrics returns host health figures.
// GET /api/admin/metrics
func (h *AdminHandler) Metrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"online_peers":     h.sm.Count(),
		"containers":       h.host.Registry().Stats(),
		"tombstone_owners": len(h.sup.Store().Owners()),
		"active_scene":     h.sup.Scenes().ActiveScene(),
		"scheduler_tasks":  h.sched.ListTickers(),
		"pending_delays":   h.sched.PendingDelays(),
	})
}

// ListContainers returns every live container, optionally filtered by scene.
// GET /api/admin/containers?scene=
func (h *AdminHandler) ListContainers(c *gin.Context) {
	var cs []*loot.Container
	if scene := c.Query("scene"); scene != "" {
		cs = h.host.Registry().InScene(scene)
	} else {
		cs = h.host.Registry().All()
	}
	out := make([]loot.Info, 0, len(cs))
	for _, ct := range cs {
		out = append(out, ct.Info())
	}
	c.JSON(http.StatusOK, gin.H{"containers": out, "count": len(out)})
}

// GetContainer returns one container with its contents.
// GET /api/admin/containers/:uid
func (h *AdminHandler) GetContainer(c *gin.Context) {
	uid, err := strconv.Atoi(c.Param("uid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uid"})
		return
	}
	ct := h.host.Registry().Lookup(uid)
	if ct == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "container not found"})
		return
	}
	_, items := ct.Snapshot()
	if items == nil {
		items = []item.Entry{}
	}
	c.JSON(http.StatusOK, gin.H{"container": ct.Info(), "items": items})
}

// ListTombstones returns every stored tombstone of an owner.
// GET /api/admin/tombstones/:owner
func (h *AdminHandler) ListTombstones(c *gin.Context) {
	owner := c.Param("owner")
	recs := h.sup.Store().Tombstones(owner)
	c.JSON(http.StatusOK, gin.H{"owner": owner, "tombstones": recs, "count": len(recs)})
}

// DeleteTombstone drops a stored record. A live container keeps its contents
// until the scene is left.
// DELETE /api/admin/tombstones/:owner/:uid
func (h *AdminHandler) DeleteTombstone(c *gin.Context) {
	owner := c.Param("owner")
	uid, err := strconv.Atoi(c.Param("uid"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid uid"})
		return
	}
	if err := h.sup.Store().Remove(owner, uid); err != nil {
		if errors.Is(err, tombstone.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "tombstone not found"})
			return
		}
		if errors.Is(err, tombstone.ErrUnavailable) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.logger.Info("admin removed tombstone", zap.String("owner", owner), zap.Int("uid", uid))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RestoreScene re-runs the tombstone restore for a scene.
// POST /api/admin/scenes/:scene/restore
func (h *AdminHandler) RestoreScene(c *gin.Context) {
	scene := c.Param("scene")
	n := h.sup.RestoreSceneTombstones(c.Request.Context(), scene)
	c.JSON(http.StatusOK, gin.H{"scene": scene, "restored": n})
}

// RecentEvents returns the capped loot event log, newest first.
// GET /api/admin/events?limit=
func (h *AdminHandler) RecentEvents(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	events, err := h.sup.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event log unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// KickPeer forcibly disconnects a peer.
// POST /api/admin/kick/:peer
func (h *AdminHandler) KickPeer(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("peer"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer"})
		return
	}
	s := h.sm.Get(loot.PeerID(id))
	if s == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not online"})
		return
	}
	s.Close()
	h.logger.Info("admin kicked peer", zap.Int64("peer", id))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// BanPeer bans or unbans a peer identity and kicks it when banned.
// POST /api/admin/peers/:peer/ban
func (h *AdminHandler) BanPeer(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("peer"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid peer"})
		return
	}
	var req struct {
		Ban bool `json:"ban"`
	}
	_ = c.ShouldBindJSON(&req)

	status := 1
	if req.Ban {
		status = 0
	}
	result := h.db.Model(&model.Peer{}).Where("id = ?", id).Update("status", status)
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "db error"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	if req.Ban {
		if s := h.sm.Get(loot.PeerID(id)); s != nil {
			s.Close()
		}
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "status": status})
}

// ListSchedulerTasks returns names of all registered ticker tasks.
// GET /api/admin/scheduler
func (h *AdminHandler) ListSchedulerTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": h.sched.ListTickers()})
}
