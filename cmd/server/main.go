package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"postbox/backend/internal/access"
	jwtpkg "postbox/backend/internal/auth/jwt"
	"postbox/backend/internal/codec"
	"postbox/backend/internal/config"
	"postbox/backend/internal/health"
	"postbox/backend/internal/logger"
	"postbox/backend/internal/monitoring"
	"postbox/backend/internal/profile"
	"postbox/backend/internal/service"
	"postbox/backend/internal/session"
	"postbox/backend/internal/storage"
	"postbox/backend/internal/storage/filesystem"
	"postbox/backend/internal/storage/memory"
	"postbox/backend/internal/storage/postgres"
	httptransport "postbox/backend/internal/transport/http"
	"postbox/backend/internal/websocket"
)

// main 启动信箱服务：HTTP API、WebSocket 推送与会话管理。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		File:        cfg.Log.File,
		MaxSizeMB:   100,
		MaxBackups:  3,
		MaxAgeDays:  28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	log.Info("starting postbox server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Int("capacity", cfg.Postbox.Capacity),
	)

	// 编解码器决定每条记录的槽位数，所有存储后端共用。
	itemCodec := codec.New(cfg.Postbox.Capacity)

	// 初始化存储层
	store, err := initializeStorage(cfg, itemCodec, log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize storage: %v", err))
	}
	defer store.Close()

	// Redis 客户端（授权存储，可选）
	var rdb *goredis.Client
	if cfg.Redis.Address != "" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		log.Info("redis grant store enabled", zap.String("address", cfg.Redis.Address))
	} else {
		log.Warn("redis not configured, open-other limited to admins")
	}

	// 会话核心
	registry := session.NewRegistry()
	manager := session.NewManager(store, registry, session.Config{
		Capacity:   cfg.Postbox.Capacity,
		GuestMerge: session.MergePolicy(cfg.Postbox.GuestMergePolicy),
	}, log)

	// 监控系统
	metrics := monitoring.NewMetrics(func() float64 {
		return float64(registry.Len())
	})
	manager.SetMetrics(metrics)

	// 健康检查
	healthChecker := health.NewChecker(store, rdb, log)

	// 业务服务
	grantService := access.NewService(rdb, cfg.Postbox.Admins, log)
	defer grantService.Close()
	nameResolver := profile.NewResolver(store, log)
	defer nameResolver.Close()
	postboxService := service.NewPostBoxService(
		manager,
		store,
		grantService,
		nameResolver,
		cfg.Postbox.SendRate,
		cfg.Postbox.SendBurst,
		log,
	)

	// JWT
	jwtManager := jwtpkg.NewManager(cfg.JWT.Secret, cfg.JWT.Issuer, cfg.JWT.AccessExpiry)
	log.Info("JWT configuration",
		zap.String("issuer", cfg.JWT.Issuer),
		zap.Duration("access_expiry", cfg.JWT.AccessExpiry),
	)

	// WebSocket Hub：会话层的格子变更通过它推送给订阅者
	wsHub := websocket.NewHub(cfg.CORS.AllowedOrigins, jwtManager, grantService, log)
	manager.SetNotifier(wsHub)
	postboxService.SetNotifier(wsHub)

	// HTTP 路由
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:       cfg,
		Handler:      httptransport.NewHandler(postboxService, log),
		AuthHandler:  httptransport.NewAuthHandler(jwtManager, postboxService, cfg.JWT.GatewayKey, log),
		AdminHandler: httptransport.NewAdminHandler(postboxService, grantService, log),
		JWTManager:   jwtManager,
		WebSocketHub: wsHub,
		Metrics:      metrics,
		Health:       healthChecker,
		Logger:       log,
	})

	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 信号处理
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// WebSocket Hub goroutine
	group.Go(func() error {
		log.Info("starting WebSocket hub")
		wsHub.Run(groupCtx)
		return nil
	})

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}

		// 落盘所有仍然打开的会话，避免丢失编辑。
		flushOpenSessions(manager, registry, log)

		log.Info("server stopped")
		return nil
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// flushOpenSessions 在关机时关闭所有活跃会话并落盘。
func flushOpenSessions(manager *session.Manager, registry *session.Registry, log *zap.Logger) {
	views := registry.Views()
	if len(views) == 0 {
		return
	}

	log.Info("flushing open sessions", zap.Int("count", len(views)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	for _, v := range views {
		if err := manager.Close(ctx, v.Handle); err != nil {
			log.Error("failed to flush session on shutdown",
				zap.String("handle", string(v.Handle)),
				zap.String("owner", v.OwnerID),
				zap.Error(err))
		}
	}
}

// initializeStorage 根据配置选择记录存储后端。
func initializeStorage(cfg *config.Config, itemCodec *codec.Codec, log *zap.Logger) (storage.Store, error) {
	pool := postgres.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	switch cfg.Storage.Type {
	case "postgres":
		log.Info("using postgres storage")
		return postgres.NewStore(cfg.Database.DSN, itemCodec, pool)
	case "mysql":
		log.Info("using mysql storage")
		return postgres.NewMySQLStore(cfg.Database.DSN, itemCodec, pool)
	case "filesystem":
		log.Info("using filesystem storage", zap.String("path", cfg.Storage.Path))
		return filesystem.NewStore(cfg.Storage.Path, itemCodec)
	default:
		log.Info("using memory storage (development mode)")
		return memory.NewStore(itemCodec.Capacity()), nil
	}
}
