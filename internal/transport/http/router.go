package httptransport

import (
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	jwtpkg "postbox/backend/internal/auth/jwt"
	"postbox/backend/internal/config"
	"postbox/backend/internal/health"
	"postbox/backend/internal/middleware"
	"postbox/backend/internal/monitoring"
	"postbox/backend/internal/websocket"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config       *config.Config
	Handler      *Handler
	AuthHandler  *AuthHandler
	AdminHandler *AdminHandler
	JWTManager   *jwtpkg.Manager
	WebSocketHub *websocket.Hub
	Metrics      *monitoring.Metrics
	Health       *health.Checker
	Logger       *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	router := gin.New()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.BodySizeLimit(1 * 1024 * 1024))
	if deps.Metrics != nil {
		router.Use(middleware.HTTPMetrics(deps.Metrics))
	}

	// CORS 配置
	corsConfig := gincors.Config{
		AllowOrigins:     deps.Config.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsConfig.AllowOrigins {
		if origin == "*" {
			corsConfig.AllowCredentials = false
			break
		}
	}
	router.Use(gincors.New(corsConfig))

	// 监控与健康检查
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.Health != nil {
		router.GET("/healthz", gin.WrapF(deps.Health.LiveEndpoint))
		router.GET("/readyz", gin.WrapF(deps.Health.ReadyEndpoint))
	}

	requireAuth := middleware.RequireAuth(deps.JWTManager, deps.Logger)

	// V1 API
	v1 := router.Group("/v1")
	{
		// ========== Auth Routes ==========
		v1.POST("/auth/token", deps.AuthHandler.IssueToken)

		// ========== Postbox Routes ==========
		postboxRoutes := v1.Group("/postbox")
		postboxRoutes.Use(requireAuth)
		{
			postboxRoutes.POST("/open", deps.Handler.openOwn)
			postboxRoutes.POST("/open-other", deps.Handler.openOther)
			postboxRoutes.POST("/send", deps.Handler.send)
			postboxRoutes.GET("/unread", deps.Handler.unread)
			postboxRoutes.POST("/disconnect", deps.Handler.disconnect)
		}

		// ========== Session Routes ==========
		sessionRoutes := v1.Group("/sessions")
		sessionRoutes.Use(requireAuth)
		{
			sessionRoutes.GET("/:handle", deps.Handler.getSession)
			sessionRoutes.POST("/:handle/slots", deps.Handler.slotEvent)
			sessionRoutes.POST("/:handle/close", deps.Handler.closeSession)
		}

		// ========== WebSocket Routes ==========
		if deps.WebSocketHub != nil {
			v1.GET("/ws", websocket.HandleWebSocket(deps.WebSocketHub))
		}

		// ========== Admin Routes ==========
		adminRoutes := v1.Group("/admin")
		adminRoutes.Use(requireAuth, middleware.RequireAdmin(deps.Config.Postbox.Admins))
		{
			adminRoutes.GET("/sessions", deps.AdminHandler.ListSessions)
			adminRoutes.POST("/sessions/:handle/force-close", deps.AdminHandler.ForceClose)
			adminRoutes.POST("/grants", deps.AdminHandler.Grant)
			adminRoutes.DELETE("/grants", deps.AdminHandler.Revoke)
		}
	}

	return router
}
