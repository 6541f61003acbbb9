package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	apirest "github.com/kasuganosora/lootsync/api/rest"
	"github.com/kasuganosora/lootsync/api/sse"
	apiws "github.com/kasuganosora/lootsync/api/ws"
	"github.com/kasuganosora/lootsync/audit"
	"github.com/kasuganosora/lootsync/cache"
	"github.com/kasuganosora/lootsync/config"
	dbadapter "github.com/kasuganosora/lootsync/db"
	"github.com/kasuganosora/lootsync/game/item"
	"github.com/kasuganosora/lootsync/game/loot"
	"github.com/kasuganosora/lootsync/game/player"
	"github.com/kasuganosora/lootsync/game/tombstone"
	"github.com/kasuganosora/lootsync/game/world"
	mw "github.com/kasuganosora/lootsync/middleware"
	"github.com/kasuganosora/lootsync/model"
	"github.com/kasuganosora/lootsync/plugin/hook"
	"github.com/kasuganosora/lootsync/protocol"
	"github.com/kasuganosora/lootsync/resource"
	"github.com/kasuganosora/lootsync/scheduler"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "peer" {
		runPeer(os.Args[2:])
		return
	}

	cfgPath := "config/config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Server.Debug)
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("server.admin_key is not set; admin endpoints are disabled")
	}

	// ---- Database ----
	db, err := dbadapter.Open(cfg.Database)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	if err := model.AutoMigrate(db); err != nil {
		log.Fatalf("db migrate: %v", err)
	}
	defer dbadapter.Close(db)
	logger.Info("DB initialized", zap.String("mode", cfg.Database.Mode))

	// ---- Audit ----
	auditSvc := audit.New(db, logger)
	defer auditSvc.Stop(context.Background())

	// ---- Cache / PubSub ----
	cacheConfig := cache.CacheConfig{
		RedisAddr:       cfg.Cache.RedisAddr,
		RedisPassword:   cfg.Cache.RedisPassword,
		RedisDB:         cfg.Cache.RedisDB,
		LocalGCInterval: cfg.Cache.LocalGCInterval,
		LocalPubSubBuf:  cfg.Cache.LocalPubSubBuf,
	}
	c, err := cache.NewCache(cacheConfig)
	if err != nil {
		log.Fatalf("cache: %v", err)
	}
	pubsub, err := cache.NewPubSub(cacheConfig)
	if err != nil {
		log.Fatalf("pubsub: %v", err)
	}
	logger.Info("Cache initialized", zap.Bool("redis", cfg.Cache.RedisAddr != ""))

	// ---- Item catalog ----
	catalog := loadCatalog(cfg.Resource.CatalogPath, logger)

	// ---- Scheduler / hooks ----
	sched := scheduler.New(logger)
	defer sched.Stop()
	hooks := hook.NewHookCenter()

	// ---- Loot engine ----
	sm := player.NewSessionManager(logger)
	defer sm.CloseAllSessions()

	host := loot.NewHost(loot.HostDeps{
		Registry:  loot.NewRegistry(cfg.Loot.HintRadius, cfg.Loot.AggressiveRadius, logger),
		Codec:     item.NewCodec(catalog),
		Transport: sm,
		Cache:     c,
		Scheduler: sched,
		Hooks:     hooks,
		Audit:     auditSvc,
		Config:    cfg.Loot,
		Logger:    logger,
	})

	backend, err := newTombstoneBackend(cfg.Tombstone, db)
	if err != nil {
		log.Fatalf("tombstone backend: %v", err)
	}
	store := tombstone.NewStore(backend, logger)
	if n := store.CleanupAllExpired(cfg.Tombstone.MaxAge); n > 0 {
		logger.Info("expired tombstones removed at startup", zap.Int("count", n))
	}

	sup := world.NewSupervisor(world.Deps{
		Host:         host,
		Store:        store,
		Transport:    sm,
		Cache:        c,
		PubSub:       pubsub,
		Scheduler:    sched,
		Hooks:        hooks,
		Audit:        auditSvc,
		Config:       cfg.Loot,
		Tombstone:    cfg.Tombstone,
		HostIdentity: cfg.Server.HostIdentity,
		Logger:       logger,
	})
	sup.Start()
	defer sup.Stop()

	if cfg.Server.StartScene != "" {
		n := sup.HandleSceneEnter(context.Background(), loot.HostPeer, protocol.SceneEnter{Scene: cfg.Server.StartScene})
		logger.Info("start scene entered", zap.String("scene", cfg.Server.StartScene), zap.Int("restored", n))
	}

	// ---- WS Router ----
	validator, err := protocol.NewValidator()
	if err != nil {
		log.Fatalf("schemas: %v", err)
	}
	wsRouter := apiws.NewRouter(validator, logger)
	apiws.NewLootHandlers(host, sup, logger).RegisterHandlers(wsRouter)

	// ---- Gin HTTP Server ----
	if !cfg.Server.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(mw.TraceID(), mw.Logger(logger, "/health", "/sse/loot"), mw.Recovery(logger))
	r.Use(mw.RateLimit(rate.Limit(cfg.Security.RateLimitRPS), cfg.Security.RateLimitBurst))

	r.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok", "peers": sm.Count()})
	})

	apirest.Mount(r, apirest.Handlers{
		Auth:       apirest.NewAuthHandler(db, c, cfg.Security),
		Tombstones: apirest.NewTombstoneHandler(store),
		Admin:      apirest.NewAdminHandler(db, host, sup, sm, sched, logger),
	}, c, cfg)

	wsH := apiws.NewHandler(c, cfg.Security, sm, sup, wsRouter, logger)
	r.GET("/ws", wsH.ServeWS)

	sseH := sse.NewHandler(pubsub, c, cfg.Security, logger)
	r.GET("/sse/loot", sseH.ServeLoot)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r,
	}
	go func() {
		logger.Info("Server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
}

func newLogger(debug bool) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	return logger
}

func loadCatalog(path string, logger *zap.Logger) *resource.Catalog {
	if path == "" {
		logger.Info("no item catalog configured, accepting every item type")
		return resource.Permissive()
	}
	cat, err := resource.LoadCatalog(path)
	if err != nil {
		logger.Warn("item catalog load failed, accepting every item type", zap.String("path", path), zap.Error(err))
		return resource.Permissive()
	}
	logger.Info("item catalog loaded", zap.String("path", path), zap.Int("items", cat.Len()))
	return cat
}

func newTombstoneBackend(cfg config.TombstoneConfig, db *gorm.DB) (tombstone.Backend, error) {
	switch cfg.Backend {
	case "db":
		return tombstone.NewDBBackend(db), nil
	case "", "file":
		return tombstone.NewFileBackend(cfg.Dir, cfg.Compress)
	default:
		return nil, fmt.Errorf("unknown tombstone backend %q", cfg.Backend)
	}
}
