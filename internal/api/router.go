package api

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	iauth "github.com/charlesng35/threadsync/internal/auth"
	"github.com/charlesng35/threadsync/internal/database"
	"github.com/charlesng35/threadsync/internal/handlers"
	"github.com/charlesng35/threadsync/internal/middleware"
	"github.com/charlesng35/threadsync/internal/realtime"
	"github.com/charlesng35/threadsync/internal/store"
)

// Dependencies carries everything the router wires into handlers.
// Redis is optional; without it rate limiting stays in-process.
type Dependencies struct {
	DB    *gorm.DB
	JWT   *iauth.JWTService
	Hub   *realtime.Hub
	Redis redis.UniversalClient

	// RateLimit caps websocket upgrades per client IP within RateWindow. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// NewRouter builds the Gin engine, wires middleware and registers the authority routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Hub == nil {
		return nil, fmt.Errorf("realtime hub must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.GET("/health", handlers.Health(healthChecks(deps)...))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rateStore := middleware.NewMemoryRateStore()
	if deps.Redis != nil {
		rateStore = middleware.NewRedisRateStore(deps.Redis)
	}
	window := deps.RateWindow
	if window <= 0 {
		window = time.Minute
	}
	requireAuth := middleware.Auth(deps.JWT)

	realtimeHandler := handlers.NewRealtimeHandler(deps.Hub)
	r.GET("/ws", middleware.RateLimit(rateStore, deps.RateLimit, window), requireAuth, realtimeHandler.Stream)

	threadHandler := handlers.NewThreadHandler(store.NewSnapshotStore(deps.DB))
	api := r.Group("/api")
	api.Use(requireAuth)
	api.GET("/threads/:id", threadHandler.Get)

	// NotFound fallback
	r.NoRoute(middleware.NotFoundHandler)

	return r, nil
}

func healthChecks(deps Dependencies) []handlers.HealthCheck {
	checks := []handlers.HealthCheck{{
		Name: "database",
		Check: func(ctx context.Context) error {
			return database.Ping(ctx, deps.DB)
		},
	}}
	if deps.Redis != nil {
		checks = append(checks, handlers.HealthCheck{
			Name: "redis",
			Check: func(ctx context.Context) error {
				return deps.Redis.Ping(ctx).Err()
			},
		})
	}
	return checks
}
