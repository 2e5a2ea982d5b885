package routes

import (
	"log/slog"

	_ "realtime-service/docs"
	"realtime-service/internal/api/handlers"
	"realtime-service/internal/api/middleware"
	"realtime-service/internal/config"
	"realtime-service/internal/services"
	"realtime-service/internal/websocket"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// Options carries the optional collaborators of the router. Nil members
// disable the feature they back.
type Options struct {
	RateLimiter middleware.RateLimiter
	Presence    handlers.PresenceReader
	Pingers     map[string]handlers.Pinger
}

type Router struct {
	engine          *gin.Engine
	cfg             *config.Config
	wsHandler       *handlers.WSHandler
	pollHandler     *handlers.PollHandler
	triggerHandler  *handlers.TriggerHandler
	presenceHandler *handlers.PresenceHandler
	statsHandler    *handlers.StatsHandler
	rateLimitMW     *middleware.RateLimitMiddleware
	authMW          *middleware.AuthMiddleware
}

func NewRouter(cfg *config.Config, hub *websocket.Hub, opts Options, logger *slog.Logger) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	// Add middlewares
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	engine.Use(middleware.LogApi(logger))

	notifications := services.NewNotificationService(hub, logger)

	return &Router{
		engine:          engine,
		cfg:             cfg,
		wsHandler:       handlers.NewWSHandler(hub, cfg.Server.AllowedOrigins),
		pollHandler:     handlers.NewPollHandler(hub, cfg.Realtime.PollMaxWait, cfg.Realtime.MaxMessageSize),
		triggerHandler:  handlers.NewTriggerHandler(notifications),
		presenceHandler: handlers.NewPresenceHandler(opts.Presence, hub),
		statsHandler:    handlers.NewStatsHandler(hub, opts.Pingers),
		rateLimitMW:     middleware.NewRateLimitMiddleware(opts.RateLimiter, logger),
		authMW:          middleware.NewAuthMiddleware(cfg.JWT.Secret),
	}
}

func (r *Router) SetupRoutes() {
	// Swagger documentation
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.engine.GET("/healthz", r.statsHandler.Health)

	api := r.engine.Group("/api/v1")
	limit, window := r.cfg.Server.RateLimit, r.cfg.Server.RateWindow

	// Connection endpoints
	auth := api.Group("/")
	auth.Use(r.authMW.RequireAuth())
	{
		auth.GET("/ws", r.rateLimitMW.RateLimit(limit, window), r.wsHandler.HandleWebSocket)

		auth.POST("/poll", r.rateLimitMW.RateLimit(limit, window), r.pollHandler.Open)
		auth.GET("/poll/:sid", r.pollHandler.Receive)
		auth.POST("/poll/:sid", r.pollHandler.Send)
		auth.DELETE("/poll/:sid", r.pollHandler.Close)

		auth.GET("/presence/:userId", r.presenceHandler.GetPresence)
	}

	// Service-to-service endpoints
	internal := api.Group("/")
	internal.Use(middleware.RequireServiceToken(r.cfg.Server.ServiceToken))
	{
		triggers := internal.Group("/triggers")
		{
			triggers.POST("/application-status", r.triggerHandler.ApplicationStatus)
			triggers.POST("/jobs", r.triggerHandler.JobPosted)
			triggers.POST("/messages", r.triggerHandler.DirectMessage)
			triggers.POST("/notifications", r.triggerHandler.Notify)
		}
		internal.GET("/stats", r.statsHandler.GetStats)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
