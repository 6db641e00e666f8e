package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/charlesng35/threadsync/internal/api"
	"github.com/charlesng35/threadsync/internal/app"
	"github.com/charlesng35/threadsync/internal/app/maintenance"
	iauth "github.com/charlesng35/threadsync/internal/auth"
	"github.com/charlesng35/threadsync/internal/cache"
	"github.com/charlesng35/threadsync/internal/database"
	"github.com/charlesng35/threadsync/internal/realtime"
	"github.com/charlesng35/threadsync/internal/store"
	"github.com/charlesng35/threadsync/pkg/logger"
)

const receiptRetention = 90 * 24 * time.Hour

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB      *gorm.DB
	Redis   *redis.Client
	Hub     *realtime.Hub
	Sweeper *maintenance.Sweeper
	Router  *gin.Engine
}

// bootstrapRuntime initialises the database, the lock backend, the hub and the HTTP router.
// With Redis, leases live in Redis and broadcasts cross nodes over pub/sub; without it,
// leases live in the shared database and broadcasts stay in process.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	// enable gin debug mod
	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.Cache.Redis.Enabled {
		if stack.Redis, err = cache.NewRedisClient(ctx, cfg.Cache.RedisClientConfig()); err != nil {
			log.Warn("redis unavailable; falling back to database-backed locks", zap.Error(err))
			stack.Redis = nil
		} else {
			log.Info("redis connected", zap.String("addr", cfg.Cache.Redis.Address))
		}
	}

	var (
		locks   cache.LockStore
		fanout  realtime.Fanout
		expirer maintenance.Expirer
	)
	if stack.Redis != nil {
		locks = cache.NewRedisLockStore(stack.Redis)
		fanout = realtime.NewRedisFanout(stack.Redis, realtime.DefaultChannelPrefix)
	} else {
		dbLocks := cache.NewDatabaseLockStore(stack.DB)
		locks, expirer = dbLocks, dbLocks
		fanout = realtime.NewLocalFanout()
	}

	stack.Hub, err = realtime.NewHub(cfg.Realtime.HubConfig(), locks, store.NewSnapshotStore(stack.DB), fanout)
	if err != nil {
		return nil, fmt.Errorf("initialise realtime hub: %w", err)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	stack.Sweeper = maintenance.NewSweeper(stack.DB, expirer, stack.Hub,
		maintenance.WithLockSchedule(cfg.Realtime.SweepSchedule),
		maintenance.WithReceiptRetention(receiptRetention),
	)
	if err := stack.Sweeper.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	deps := api.Dependencies{
		DB:         stack.DB,
		JWT:        jwtSvc,
		Hub:        stack.Hub,
		RateLimit:  cfg.Server.RateLimit,
		RateWindow: time.Minute,
	}
	if stack.Redis != nil {
		deps.Redis = stack.Redis
	}

	stack.Router, err = api.NewRouter(deps)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown stops background jobs, disconnects clients and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Sweeper != nil {
		<-s.Sweeper.Stop().Done()
	}

	var errs error
	if s.Hub != nil {
		errs = multierr.Append(errs, s.Hub.Close())
	}
	if s.Redis != nil {
		errs = multierr.Append(errs, s.Redis.Close())
	}
	if s.DB != nil {
		errs = multierr.Append(errs, database.Close(s.DB))
	}
	if errs != nil {
		log.Warn("shutdown released resources with errors", zap.Error(errs))
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseConfig()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.AutoMigrate(db); err != nil {
		_ = database.Close(db)
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}
