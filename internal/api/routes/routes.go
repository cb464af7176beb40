package routes

import (
	"log/slog"
	"net/http"
	"time"

	_ "cable-service/docs"
	"cable-service/internal/api/handlers"
	"cable-service/internal/api/middleware"
	"cable-service/internal/auth"
	"cable-service/internal/cable"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

// RateLimit configures the limit on cable connection attempts. A nil Limiter
// disables it.
type RateLimit struct {
	Limiter  middleware.RateLimiter
	Requests int
	Window   time.Duration
}

type Options struct {
	Server         *cable.Server
	Tokens         *auth.TokenService
	Logger         *slog.Logger
	AdapterName    string
	MetricsHandler http.Handler
	RateLimit      RateLimit
}

type Router struct {
	engine        *gin.Engine
	opts          Options
	cableHandler  *handlers.CableHandler
	healthHandler *handlers.HealthHandler
	adminHandler  *handlers.AdminHandler
	rateLimitMW   *middleware.RateLimitMiddleware
	authMW        *middleware.AuthMiddleware
}

func NewRouter(opts Options) *Router {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cfg := opts.Server.Config()
	engine.Use(gin.Recovery())
	engine.Use(middleware.CORS(cfg.AllowedRequestOrigins))
	engine.Use(middleware.LogApi(opts.Logger))

	r := &Router{
		engine:        engine,
		opts:          opts,
		cableHandler:  handlers.NewCableHandler(opts.Server),
		healthHandler: handlers.NewHealthHandler(opts.Server, opts.AdapterName),
		adminHandler:  handlers.NewAdminHandler(opts.Server),
	}
	if opts.Tokens != nil {
		r.authMW = middleware.NewAuthMiddleware(opts.Tokens)
	}
	if opts.RateLimit.Limiter != nil {
		r.rateLimitMW = middleware.NewRateLimitMiddleware(opts.RateLimit.Limiter)
	}
	return r
}

func (r *Router) SetupRoutes() {
	// Swagger documentation
	r.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	r.engine.GET("/healthz", r.healthHandler.Health)

	if r.opts.MetricsHandler != nil {
		r.engine.GET("/metrics", gin.WrapH(r.opts.MetricsHandler))
	}

	cableRoute := []gin.HandlerFunc{}
	if r.rateLimitMW != nil {
		cableRoute = append(cableRoute, r.rateLimitMW.WebSocketRateLimit(r.opts.RateLimit.Requests, r.opts.RateLimit.Window))
	}
	cableRoute = append(cableRoute, r.cableHandler.HandleWebSocket)
	r.engine.GET(r.opts.Server.Config().MountPath, cableRoute...)

	// The admin API is only mounted when tokens can be verified.
	if r.authMW == nil {
		return
	}
	admin := r.engine.Group("/admin/cable")
	admin.Use(r.authMW.RequireAdmin())
	{
		admin.GET("/connections", r.adminHandler.GetConnections)
		admin.POST("/broadcasts", r.adminHandler.Broadcast)
		admin.POST("/disconnect", r.adminHandler.Disconnect)
	}
}

func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
