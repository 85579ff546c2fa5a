// Package app provides application initialization and lifecycle management.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/bissquit/referral-notifier/internal/config"
	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/bissquit/referral-notifier/internal/notifications/email"
	"github.com/bissquit/referral-notifier/internal/notifications/inapp"
	notificationspostgres "github.com/bissquit/referral-notifier/internal/notifications/postgres"
	"github.com/bissquit/referral-notifier/internal/notifications/prefcache"
	"github.com/bissquit/referral-notifier/internal/notifications/push"
	"github.com/bissquit/referral-notifier/internal/pkg/auth"
	"github.com/bissquit/referral-notifier/internal/pkg/ctxlog"
	"github.com/bissquit/referral-notifier/internal/pkg/httputil"
	"github.com/bissquit/referral-notifier/internal/pkg/metrics"
	"github.com/bissquit/referral-notifier/internal/pkg/postgres"
	"github.com/bissquit/referral-notifier/internal/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const metricsInterval = 15 * time.Second

// App represents the application instance.
type App struct {
	config        *config.Config
	logger        *slog.Logger
	db            *pgxpool.Pool
	redis         *redis.Client
	server        *http.Server
	metricsServer *http.Server
	bgCancel      context.CancelFunc

	worker  *notifications.Worker
	janitor *notifications.Janitor
}

// New creates a new application instance.
func New(cfg *config.Config) (*App, error) {
	logger := NewLogger(cfg.Log)
	slog.SetDefault(logger)

	connectCtx, connectCancel := context.WithTimeout(context.Background(), cfg.Database.ConnectTimeout)
	defer connectCancel()

	db, err := postgres.Connect(connectCtx, postgres.Config{
		URL:             cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnectAttempts: cfg.Database.ConnectAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())

	app := &App{
		config:   cfg,
		logger:   logger,
		db:       db,
		bgCancel: bgCancel,
	}

	if cfg.Redis.Enabled {
		app.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := app.redis.Ping(connectCtx).Err(); err != nil {
			// In-app rows are still stored; only live delivery is lost.
			logger.Warn("redis unavailable, live in-app delivery degraded", "addr", cfg.Redis.Addr, "error", err)
		}
	}

	go app.collectPoolMetrics(bgCtx)

	router, err := app.setupRouter(bgCtx)
	if err != nil {
		app.closeClients()
		bgCancel()
		return nil, fmt.Errorf("setup router: %w", err)
	}

	app.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
	}

	metricsRouter := chi.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.Handler())

	app.metricsServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.MetricsPort),
		Handler:           metricsRouter,
		ReadTimeout:       5 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return app, nil
}

// Run starts the HTTP servers and blocks until the main server stops.
func (a *App) Run() error {
	go func() {
		a.logger.Info("starting metrics server",
			"host", a.config.Server.Host,
			"port", a.config.Server.MetricsPort,
		)
		if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server error", "error", err)
		}
	}()

	a.logger.Info("starting server",
		"host", a.config.Server.Host,
		"port", a.config.Server.Port,
		"version", version.Version,
	)

	if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// Shutdown stops the worker and janitor, letting in-flight sends finish,
// then the remaining background loops, both servers and the clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	if a.worker != nil {
		a.worker.Stop()
	}
	if a.janitor != nil {
		a.janitor.Stop()
	}
	a.bgCancel()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var errs []error

	for name, srv := range map[string]*http.Server{"server": a.server, "metrics server": a.metricsServer} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("shutdown %s: %w", name, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	a.closeClients()

	return errors.Join(errs...)
}

func (a *App) closeClients() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed to close redis client", "error", err)
		}
	}
	a.db.Close()
}

// Router returns the HTTP handler for testing.
func (a *App) Router() http.Handler {
	return a.server.Handler
}

// Worker returns the queue worker, nil when notifications are disabled.
func (a *App) Worker() *notifications.Worker {
	return a.worker
}

func (a *App) collectPoolMetrics(ctx context.Context) {
	record := func() {
		metrics.RecordDBPoolMetrics(a.db)
		if a.redis != nil {
			metrics.RecordRedisPoolMetrics(a.redis)
		}
	}
	record()

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			record()
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) collectQueueMetrics(ctx context.Context, repo notifications.QueueRepository) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := repo.GetQueueStats(ctx, 0)
			if err != nil {
				slog.Error("failed to get queue stats", "error", err)
				continue
			}
			notifications.RecordQueueStats(stats)
		case <-ctx.Done():
			return
		}
	}
}

func (a *App) setupRouter(ctx context.Context) (*chi.Mux, error) {
	r := chi.NewRouter()

	// Metrics middleware must be first to measure full request time
	r.Use(httputil.MetricsMiddleware)
	r.Use(middleware.RequestID)
	r.Use(httputil.RequestLoggerMiddleware(a.logger))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", a.healthzHandler)
	r.Get("/readyz", a.readyzHandler)
	r.Get("/version", a.versionHandler)

	r.Get("/api/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-yaml")
		http.ServeFile(w, r, "api/openapi/openapi.yaml")
	})

	handler, err := a.setupNotifications(ctx)
	if err != nil {
		return nil, err
	}

	authenticator := auth.NewAuthenticator(auth.Config{
		SecretKey: a.config.JWT.SecretKey,
		Issuer:    a.config.JWT.Issuer,
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httputil.AuthMiddleware(authenticator))

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleUser))
			handler.RegisterUserRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleService))
			handler.RegisterServiceRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(httputil.RequireRole(domain.RoleAdmin))
			handler.RegisterAdminRoutes(r)
		})
	})

	return r, nil
}

func (a *App) setupNotifications(ctx context.Context) (*notifications.Handler, error) {
	cfg := a.config.Notifications

	slog.Info("notifications configured",
		"enabled", cfg.Enabled,
		"email_enabled", cfg.Email.Enabled,
		"push_enabled", cfg.Push.Enabled,
		"redis_enabled", a.redis != nil,
	)

	renderer, err := notifications.NewRenderer(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("create notification renderer: %w", err)
	}

	emailSender, err := email.NewSender(email.Config{
		Enabled:        cfg.Email.Enabled,
		SMTPHost:       cfg.Email.SMTPHost,
		SMTPPort:       cfg.Email.SMTPPort,
		SMTPUser:       cfg.Email.SMTPUser,
		SMTPPassword:   cfg.Email.SMTPPassword,
		FromAddress:    cfg.Email.FromAddress,
		RateLimit:      cfg.Email.RateLimit,
		Burst:          cfg.Email.Burst,
		MaxConnections: cfg.Email.MaxConnections,
	})
	if err != nil {
		return nil, fmt.Errorf("create email sender: %w", err)
	}
	if !cfg.Email.Enabled {
		slog.Warn("email sender is disabled: email notifications will be marked sent without delivery")
	}

	pushSender := push.NewSender(push.Config{Enabled: cfg.Push.Enabled})

	var publisher inapp.Publisher
	if a.redis != nil {
		publisher = inapp.NewRedisPublisher(a.redis)
	}
	inAppStore := inapp.NewStore(a.db, publisher)

	var prefs notifications.PreferenceRepository = notificationspostgres.NewPreferenceStore(a.db)
	if cfg.PreferenceCache.TTL > 0 {
		cacheConfig := prefcache.DefaultConfig()
		cacheConfig.TTL = cfg.PreferenceCache.TTL
		prefs = prefcache.New(prefs, cacheConfig)
	}

	repo := notificationspostgres.NewRepository(a.db)
	queue := notifications.NewQueue(repo, cfg.MaxRetries)
	fanOut := notifications.NewFanOut(queue, prefs, notificationspostgres.NewRecipientResolver(a.db))
	dispatcher := notifications.NewDispatcher(renderer, emailSender, pushSender, inAppStore)

	worker := notifications.NewWorker(notifications.WorkerConfig{
		BatchSize:         cfg.Worker.BatchSize,
		PollInterval:      cfg.Worker.PollInterval,
		NumWorkers:        cfg.Worker.NumWorkers,
		Concurrency:       cfg.Worker.Concurrency,
		SendTimeout:       cfg.Worker.SendTimeout,
		InitialBackoff:    cfg.Retry.InitialBackoff,
		MaxBackoff:        cfg.Retry.MaxBackoff,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
		MaxReportedErrors: cfg.Worker.MaxReportedErrors,
	}, repo, dispatcher)

	if cfg.Enabled {
		worker.Start(ctx)
		a.worker = worker

		a.janitor = notifications.NewJanitor(notifications.JanitorConfig{
			Retention:       cfg.Maintenance.Retention,
			CleanupInterval: cfg.Maintenance.CleanupInterval,
			StuckAfter:      cfg.Maintenance.StuckAfter,
			RecoverInterval: cfg.Maintenance.RecoverInterval,
		}, repo)
		a.janitor.Start(ctx)
	} else {
		slog.Warn("background processing is disabled: queue only drains via the admin process endpoint")
	}

	go a.collectQueueMetrics(ctx, repo)

	service := notifications.NewService(repo, queue, fanOut, worker, prefs, inAppStore)
	return notifications.NewHandler(service), nil
}

func (a *App) healthzHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) readyzHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		ctxlog.FromContext(r.Context()).Error("readiness check failed", "error", err)
		httputil.JSON(w, http.StatusServiceUnavailable, map[string]string{"status": "database unavailable"})
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) versionHandler(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.GitCommit,
		"build_date": version.BuildDate,
	})
}

// NewLogger builds the process logger from configuration.
func NewLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
