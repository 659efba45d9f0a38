package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"attendance-service/common/logger"
	"attendance-service/common/telemetry"
	"attendance-service/internal/attendance"
	"attendance-service/internal/auth"
	"attendance-service/internal/config"
	"attendance-service/internal/counter"
	"attendance-service/internal/db"
	"attendance-service/internal/health"
	"attendance-service/internal/idempotency"
	"attendance-service/internal/kafka"
	"attendance-service/internal/messaging"
	"attendance-service/internal/metrics"
	"attendance-service/internal/middleware"
	"attendance-service/internal/notification"
	"attendance-service/internal/reconcile"
	"attendance-service/internal/school"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
)

type transport interface {
	notification.Transport
	Close() error
}

type App struct {
	config     *config.Config
	router     *gin.Engine
	server     *http.Server
	logger     *slog.Logger
	telemetry  *telemetry.Telemetry
	database   *bun.DB
	redis      *redis.Client
	transport  transport
	dispatcher *notification.Dispatcher
	reconciler *reconcile.Reconciler
}

func New(ctx context.Context) (*App, error) {
	slogLogger := logger.NewWithServiceContext(ServiceName, Version)

	// Set as default logger so slog.Info() uses JSON format
	slog.SetDefault(slogLogger)

	slogLogger.Info("initializing application", "git_commit", GitCommit, "build_time", BuildTime)

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	slogLogger.Info("config loaded", "env", cfg.Env)

	app := &App{
		config: cfg,
		logger: slogLogger,
	}

	app.telemetry, err = telemetry.Init(ctx, telemetry.Options{
		ServiceName:    ServiceName,
		ServiceVersion: Version,
		Environment:    cfg.Env,
		Endpoint:       cfg.Telemetry.OTLPEndpoint,
		Interval:       time.Duration(cfg.Telemetry.IntervalSeconds) * time.Second,
	}, slogLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	shared := app.telemetry.Metrics

	svcMetrics, err := metrics.New(shared.Meter())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize service metrics: %w", err)
	}

	app.database, err = db.New(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := shared.Database.RegisterDB(app.database.DB, shared.Meter()); err != nil {
		slogLogger.Warn("failed to register database pool metrics", "error", err)
	}

	school.RegisterModels(app.database)
	if err := migrate(ctx, app.database); err != nil {
		return nil, err
	}

	loc, err := cfg.Attendance.Location()
	if err != nil {
		return nil, err
	}

	// Idempotency keys are optional; without redis every call creates a record.
	var idem attendance.IdempotencyStore
	app.redis, err = idempotency.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, slogLogger)
	if err != nil {
		slogLogger.Warn("redis unavailable, Idempotency-Key support disabled", "error", err)
	} else {
		idem = idempotency.NewStore(app.redis, time.Duration(cfg.Redis.IdempotencyTTL)*time.Second)
	}

	checks := map[string]health.Checker{
		"postgres": health.CheckFunc(app.database.PingContext),
	}
	if app.redis != nil {
		checks["redis"] = health.CheckFunc(func(ctx context.Context) error {
			return app.redis.Ping(ctx).Err()
		})
	}

	switch cfg.Notification.Transport {
	case "kafka":
		producer, err := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Notification.DeliveryTimeout(), slogLogger, shared)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka producer: %w", err)
		}
		app.transport = producer
	default:
		publisher, err := messaging.NewPublisher(cfg.NATS.URL, cfg.NATS.SubjectPrefix, slogLogger, shared)
		if err != nil {
			return nil, fmt.Errorf("failed to create NATS publisher: %w", err)
		}
		app.transport = publisher
		checks["nats"] = publisher
	}

	app.dispatcher = notification.NewDispatcher(
		app.transport,
		notification.NewDeadLetterRepository(app.database, shared),
		notification.Options{
			Workers:         cfg.Notification.Workers,
			QueueSize:       cfg.Notification.QueueSize,
			MaxAttempts:     cfg.Notification.MaxAttempts,
			BackoffBase:     cfg.Notification.BackoffBase(),
			BackoffMax:      cfg.Notification.BackoffMax(),
			DeliveryTimeout: cfg.Notification.DeliveryTimeout(),
		},
		slogLogger,
		svcMetrics,
	)

	app.reconciler = reconcile.NewReconciler(app.database, reconcile.Options{
		Schedule:    cfg.Reconciler.Schedule,
		BatchSize:   cfg.Reconciler.BatchSize,
		Grace:       cfg.Reconciler.Grace(),
		MaxAttempts: cfg.Reconciler.MaxAttempts,
	}, slogLogger, shared, svcMetrics)

	pipeline := attendance.NewPipeline(
		school.NewPrefetcher(app.database, shared),
		attendance.NewStore(app.database, cfg.Attendance.BulkChunkSize, shared),
		counter.NewService(app.database, shared),
		app.reconciler,
		app.dispatcher,
		attendance.Options{
			Statuses:          cfg.Attendance.Statuses,
			Location:          loc,
			QueryTimeout:      cfg.Attendance.QueryTimeout(),
			CounterMaxRetries: cfg.Attendance.CounterMaxRetries,
			CounterRetryBase:  cfg.Attendance.CounterRetryBase(),
			CounterRetryMax:   cfg.Attendance.CounterRetryMax(),
		},
		slogLogger,
		svcMetrics,
	)

	if cfg.Env != "local" {
		gin.SetMode(gin.ReleaseMode)
	}
	app.router = gin.New()
	app.router.Use(gin.Recovery())
	app.router.Use(middleware.CORS(cfg.Server.CORSOrigins))

	// Health endpoints (no auth required)
	health.NewHandler(checks, shared).RegisterRoutes(app.router)

	api := app.router.Group("/api")
	api.Use(auth.Middleware(cfg.Auth.JWTSecret, slogLogger))
	attendance.NewHandler(pipeline, idem, slogLogger, svcMetrics).RegisterRoutes(api)

	slogLogger.Info("application initialized successfully")

	return app, nil
}

func migrate(ctx context.Context, database *bun.DB) error {
	models := append(school.Models(),
		(*attendance.Record)(nil),
		(*reconcile.Task)(nil),
		(*notification.DeadLetter)(nil),
	)
	if err := db.RunMigrations(ctx, database, models...); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	indexes := []struct {
		model   interface{}
		name    string
		columns []string
	}{
		{(*school.Child)(nil), "idx_children_school_id", []string{"school_id"}},
		{(*attendance.Record)(nil), "idx_attendance_records_school_timestamp", []string{"school_id", "timestamp"}},
		{(*attendance.Record)(nil), "idx_attendance_records_child_id", []string{"child_id"}},
		{(*reconcile.Task)(nil), "idx_counter_reconciliations_resolved_at", []string{"resolved_at"}},
	}
	for _, idx := range indexes {
		if err := db.CreateIndex(ctx, database, idx.model, idx.name, idx.columns...); err != nil {
			return err
		}
	}
	return nil
}

// Run starts background workers and blocks serving HTTP.
func (a *App) Run() error {
	a.dispatcher.Start()

	if err := a.reconciler.Start(); err != nil {
		return err
	}

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%s", a.config.Server.Port),
		Handler:      a.router,
		ReadTimeout:  time.Duration(a.config.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(a.config.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(a.config.Server.IdleTimeout) * time.Second,
	}

	a.logger.Info("server starting", "port", a.config.Server.Port)
	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops intake first, then drains notifications, then releases
// connections.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down server")

	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}

	if err := a.reconciler.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("reconciler: %w", err))
	}

	if err := a.dispatcher.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("notification dispatcher: %w", err))
	}

	if err := a.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("notification transport: %w", err))
	}

	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}

	db.Close(a.database)

	if err := a.telemetry.Shutdown(ctx, a.logger); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}
