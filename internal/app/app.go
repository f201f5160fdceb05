package app

import (
	"fmt"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sitesmith/server/internal/module/plan"
	"github.com/sitesmith/server/internal/module/quota"
	"github.com/sitesmith/server/internal/shared/cache"
	"github.com/sitesmith/server/internal/shared/config"
	"github.com/sitesmith/server/internal/shared/database"
	"github.com/sitesmith/server/internal/shared/events"
	"github.com/sitesmith/server/internal/shared/logger"
	"github.com/sitesmith/server/internal/shared/metrics"
	"github.com/sitesmith/server/internal/shared/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App wires the quota ledger service together.
type App struct {
	config  *config.Config
	db      *gorm.DB
	redis   redis.UniversalClient
	router  *gin.Engine
	logger  *zap.Logger
	metrics *metrics.Metrics
	bus     *events.Bus

	quotaService *quota.Service
	quotaSweeper *quota.Sweeper
	planService  *plan.Service
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	log, err := logger.New(&cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	app := &App{
		config:  cfg,
		logger:  log,
		metrics: metrics.New(),
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	app.db = db

	// Redis backs the fallback pool only; the annual ledger must keep
	// working without it.
	if cfg.Redis.Address != "" {
		redisClient, err := cache.NewRedisClient(&cfg.Redis)
		if err != nil {
			log.Warn("redis connection failed, fallback pool disabled", zap.Error(err))
		} else {
			app.redis = redisClient
		}
	}

	app.initModules()
	app.router = app.setupRouter()
	app.quotaSweeper.Start()

	return app, nil
}

// Router returns the HTTP router.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Stop shuts down background components and connections.
func (a *App) Stop() {
	a.quotaSweeper.Stop()
	if a.redis != nil {
		if err := cache.Close(a.redis); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warn("database close failed", zap.Error(err))
	}
}

// initModules builds the plan catalog and quota ledger.
func (a *App) initModules() {
	a.bus = events.NewBus(a.logger)
	a.registerEventHandlers()

	planRepo := plan.NewRepository(a.db)
	a.planService = plan.NewService(planRepo, a.logger)

	quotaRepo := quota.NewRepository(a.db)
	a.quotaService = quota.NewService(quotaRepo, a.planService, a.bus, a.metrics, a.logger, quota.Config{
		MaxRetries: a.config.Quota.MaxRetries,
		BaseDelay:  a.config.Quota.RetryBaseDelay,
	})
	a.quotaSweeper = quota.NewSweeper(a.quotaService, quotaRepo, a.logger,
		a.config.Quota.SweepInterval, a.config.Quota.SweepBatchSize)
}

// registerEventHandlers subscribes the audit log to quota events. The bus is
// in-process; exhaustion events are the billing team's signal to reach out
// before an organization churns.
func (a *App) registerEventHandlers() {
	a.bus.Register(events.NewHandlerFunc(
		[]string{events.QuotaExhaustedType},
		func(event events.Event) error {
			e, ok := event.(*events.QuotaExhaustedEvent)
			if !ok {
				return nil
			}
			a.logger.Info("organization exhausted annual quota",
				zap.String("organization_id", e.OrganizationID.String()),
				zap.String("quota_kind", e.QuotaKind),
				zap.Int64("requested", e.Requested),
			)
			return nil
		},
	))
}

// setupRouter creates and configures the Gin router.
func (a *App) setupRouter() *gin.Engine {
	if a.config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	r.Use(middleware.Recovery(a.logger))
	r.Use(middleware.Metrics(a.metrics))
	r.Use(cors.Default())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(a.metrics.Handler()))

	var pool *quota.FallbackPool
	if a.redis != nil {
		pool = quota.NewFallbackPool(a.redis, a.logger)
	}

	v1 := r.Group("/api/v1")
	quota.NewHandler(a.quotaService, pool, a.planService, a.metrics).RegisterRoutes(v1)
	plan.NewHandler(a.planService).RegisterRoutes(v1)

	return r
}
