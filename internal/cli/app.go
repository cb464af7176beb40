package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"cable-service/internal/api/middleware"
	"cable-service/internal/api/routes"
	"cable-service/internal/auth"
	"cable-service/internal/cable"
	"cable-service/internal/channels"
	"cable-service/internal/config"
	"cable-service/internal/database"
	"cable-service/internal/metrics"
	"cable-service/internal/services"
	"cable-service/pkg/logger"

	"github.com/hashicorp/go-multierror"
)

// app is the wired server: backends, cable server, metrics and router.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	level    *slog.LevelVar
	backends *database.Backends
	server   *cable.Server
	metrics  *metrics.Metrics
	router   *routes.Router
}

func newApp(cfg *config.Config, log *slog.Logger, level *slog.LevelVar) (*app, error) {
	hooks := cable.NewHooks()
	debug := cable.LoggingHook(log)
	hooks.AddEventHook(debug)
	hooks.AddConnectionHook(debug)
	hooks.AddErrorHook(debug)

	backends, err := database.Open(cfg, log, hooks.ReportBusError)
	if err != nil {
		return nil, fmt.Errorf("failed to open pubsub backends: %w", err)
	}

	var (
		presence auth.Presence
		online   channels.OnlineLister
		limiter  middleware.RateLimiter
	)
	if backends.Redis != nil {
		redisService := services.NewRedisService(backends.Redis.GetClient())
		if cfg.Redis.Presence {
			presence = redisService
			online = redisService
		}
		if cfg.RateLimit.Enabled {
			limiter = redisService
		}
	}

	tokens := auth.NewTokenService(cfg.JWT.Secret, cfg.JWT.ExpirationTime)

	registry := cable.NewChannelRegistry()
	channels.Register(registry, channels.Options{Presence: online})

	server, err := cable.NewServer(cfg.CableServerConfig(),
		cable.WithLogger(log),
		cable.WithConnector(auth.NewConnector(tokens, presence, log)),
		cable.WithAdapter(backends.Adapter),
		cable.WithHooks(hooks),
		cable.WithChannels(registry),
	)
	if err != nil {
		_ = backends.Adapter.Shutdown(context.Background())
		return nil, multierror.Append(fmt.Errorf("failed to create cable server: %w", err), backends.Close()).ErrorOrNil()
	}

	m := metrics.New()
	m.Attach(server)

	router := routes.NewRouter(routes.Options{
		Server:         server,
		Tokens:         tokens,
		Logger:         log,
		AdapterName:    cfg.PubSub.Adapter,
		MetricsHandler: m.Handler(),
		RateLimit: routes.RateLimit{
			Limiter:  limiter,
			Requests: cfg.RateLimit.Requests,
			Window:   cfg.RateLimit.Window,
		},
	})
	router.SetupRoutes()

	return &app{
		cfg:      cfg,
		log:      log,
		level:    level,
		backends: backends,
		server:   server,
		metrics:  m,
		router:   router,
	}, nil
}

func (a *app) handler() http.Handler {
	return a.router.GetEngine()
}

// reload applies the settings that can change without a restart.
func (a *app) reload(cfg *config.Config) {
	if a.level != nil {
		a.level.Set(logger.ParseLevel(cfg.Log.Level))
	}
	if err := a.server.SetAllowedOrigins(cfg.Cable.AllowedOrigins); err != nil {
		a.log.Error("Ignoring invalid allowed origins", "error", err)
		return
	}
	a.log.Info("Applied config reload", "log_level", cfg.Log.Level, "allowed_origins", cfg.Cable.AllowedOrigins)
}

// shutdown closes every connection, then the adapter and its backends.
func (a *app) shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := a.server.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.backends.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
