package rest

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/kasuganosora/lootsync/cache"
	"github.com/kasuganosora/lootsync/config"
	mw "github.com/kasuganosora/lootsync/middleware"
)

// Handlers groups the REST handlers mounted by Mount.
type Handlers struct {
	Auth       *AuthHandler
	Tombstones *TombstoneHandler
	Admin      *AdminHandler
}

// Mount registers the REST routes under /api.
func Mount(r *gin.Engine, h Handlers, c cache.Cache, cfg *config.Config) {
	api := r.Group("/api")

	authed := []gin.HandlerFunc{mw.Auth(cfg.Security, c)}
	if cfg.Security.PeerMsgRPS > 0 {
		peers := mw.NewLimiterSet(rate.Limit(cfg.Security.PeerMsgRPS), cfg.Security.PeerMsgBurst)
		authed = append(authed, mw.RateLimitBy(peers, mw.ByIdentity))
	}

	auth := api.Group("/auth")
	auth.POST("/join", h.Auth.Join)
	auth.POST("/leave", append(authed, h.Auth.Leave)...)
	auth.POST("/refresh", append(authed, h.Auth.Refresh)...)

	api.GET("/tombstones/mine", append(authed, h.Tombstones.Mine)...)

	admin := api.Group("/admin", mw.IPWhitelist(cfg.Security.AdminIPs), mw.AdminAuth(cfg.Server.AdminKey))
	admin.GET("/metrics", h.Admin.Metrics)
	admin.GET("/containers", h.Admin.ListContainers)
	admin.GET("/containers/:uid", h.Admin.GetContainer)
	admin.GET("/tombstones/:owner", h.Admin.ListTombstones)
	admin.DELETE("/tombstones/:owner/:uid", h.Admin.DeleteTombstone)
	admin.POST("/scenes/:scene/restore", h.Admin.RestoreScene)
	admin.GET("/events", h.Admin.RecentEvents)
	admin.POST("/kick/:peer", h.Admin.KickPeer)
	admin.POST("/peers/:peer/ban", h.Admin.BanPeer)
	admin.GET("/scheduler", h.Admin.ListSchedulerTasks)
}
