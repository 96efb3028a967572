package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/4JX/daedalus/mirror"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Syncer runs one mirror pass. *mirror.Mirror implements it.
type Syncer interface {
	Run(ctx context.Context) (*mirror.RunRecord, error)
}

type AppConfig struct {
	Address           string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// SyncInterval enables the background sync loop when positive.
	SyncInterval time.Duration
	// SyncTimeout bounds each background run. Zero means no bound.
	SyncTimeout time.Duration
	Logger      *slog.Logger

	// Metrics backs /metrics/app. Requests are recorded into it and into
	// Prom when set.
	Metrics *mirror.InMemMetrics
	// Prom backs /metrics.
	Prom *mirror.PromMetrics
	// Runs backs /runs/latest.
	Runs mirror.RunStore
}

func DefaultAppConfig() AppConfig {
	return AppConfig{
		Address:           "127.0.0.1:8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		Logger:            slog.Default(),
	}
}

type App struct {
	syncer  Syncer
	echo    *echo.Echo
	config  AppConfig
	logger  *slog.Logger
	inmem   *mirror.InMemMetrics
	metrics mirror.MirrorMetrics

	mu       sync.Mutex
	listener net.Listener
	errCh    chan error
	started  bool

	syncCancel context.CancelFunc
	syncDone   chan struct{}
}

func NewApp(syncer Syncer, cfg AppConfig) *App {
	cfg = mergeWithDefaultAppConfig(cfg)
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	inmem := cfg.Metrics
	if inmem == nil {
		inmem = mirror.NewInMemMetrics()
	}
	metrics := mirror.MirrorMetrics(inmem)
	if cfg.Prom != nil {
		metrics = mirror.MultiMetrics{inmem, cfg.Prom}
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(requestLoggerMiddleware(logger, metrics))

	app := &App{
		syncer:  syncer,
		echo:    e,
		config:  cfg,
		logger:  logger,
		inmem:   inmem,
		metrics: metrics,
		errCh:   make(chan error, 1),
	}
	app.registerRoutes()
	return app
}

func mergeWithDefaultAppConfig(cfg AppConfig) AppConfig {
	d := DefaultAppConfig()
	if cfg.Address != "" {
		d.Address = cfg.Address
	}
	if cfg.ReadHeaderTimeout > 0 {
		d.ReadHeaderTimeout = cfg.ReadHeaderTimeout
	}
	if cfg.ShutdownTimeout > 0 {
		d.ShutdownTimeout = cfg.ShutdownTimeout
	}
	if cfg.SyncInterval > 0 {
		d.SyncInterval = cfg.SyncInterval
	}
	if cfg.SyncTimeout > 0 {
		d.SyncTimeout = cfg.SyncTimeout
	}
	if cfg.Logger != nil {
		d.Logger = cfg.Logger
	}
	d.Metrics = cfg.Metrics
	d.Prom = cfg.Prom
	d.Runs = cfg.Runs
	return d
}

func requestLoggerMiddleware(logger *slog.Logger, metrics mirror.MirrorMetrics) echo.MiddlewareFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = mirror.NoopMetrics{}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			status := c.Response().Status
			if status == 0 {
				status = http.StatusOK
			}
			latencyMS := time.Since(start).Milliseconds()
			path := c.Path()
			if path == "" {
				path = c.Request().URL.Path
			}
			metrics.RecordRequest(c.Request().Method, path, status, latencyMS)
			attrs := []any{
				"method", c.Request().Method,
				"path", path,
				"status", status,
				"latency_ms", latencyMS,
				"remote_ip", c.RealIP(),
			}

			switch {
			case status >= http.StatusInternalServerError:
				logger.ErrorContext(c.Request().Context(), "http request", attrs...)
			case status >= http.StatusBadRequest:
				logger.WarnContext(c.Request().Context(), "http request", attrs...)
			default:
				logger.InfoContext(c.Request().Context(), "http request", attrs...)
			}
			return nil
		}
	}
}

func (a *App) registerRoutes() {
	deps := Dependencies{
		Snapshot: a.inmem.Snapshot,
		Sync: func(ctx context.Context) (*mirror.RunRecord, error) {
			if a.syncer == nil {
				return nil, fmt.Errorf("mirror unavailable")
			}
			return a.syncer.Run(ctx)
		},
		Logger: a.logger,
	}
	if a.config.Prom != nil {
		deps.PromHandler = a.config.Prom.Handler()
	}
	if a.config.Runs != nil {
		deps.LatestRun = a.config.Runs.Latest
	}
	Register(a.echo, deps)
	RegisterUI(a.echo)
}

func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("app already started")
	}

	ln, err := net.Listen("tcp", a.config.Address)
	if err != nil {
		return err
	}
	a.listener = ln
	a.started = true

	srv := &http.Server{Handler: a.echo, ReadHeaderTimeout: a.config.ReadHeaderTimeout}
	a.echo.Server = srv

	go func() {
		err := a.echo.Server.Serve(ln)
		if err == http.ErrServerClosed {
			err = nil
		}
		a.errCh <- err
	}()

	if a.syncer != nil {
		a.startSyncLoopLocked()
	}
	return nil
}

func (a *App) Address() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	addr := a.listener.Addr().String()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	host = strings.TrimSpace(host)
	if host == "" || host == "::" || host == "0.0.0.0" || host == "[::]" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (a *App) Wait() error {
	return <-a.errCh
}

func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	started := a.started
	a.started = false
	a.mu.Unlock()

	if !started {
		return nil
	}

	// an in-flight background run is cancelled and waited for before the
	// server goes away, so its lease is released
	a.mu.Lock()
	a.stopSyncLoopLocked()
	a.mu.Unlock()

	if ctx == nil {
		c, cancel := context.WithTimeout(context.Background(), a.config.ShutdownTimeout)
		defer cancel()
		ctx = c
	}

	if err := a.echo.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}

// startSyncLoopLocked runs the mirror once immediately and then every
// SyncInterval. Run errors are already logged and recorded by the mirror.
func (a *App) startSyncLoopLocked() {
	if a.syncer == nil || a.config.SyncInterval <= 0 {
		return
	}
	if a.syncCancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.syncCancel = cancel
	a.syncDone = done
	interval := a.config.SyncInterval

	go func() {
		defer close(done)
		a.runBackgroundSync(ctx)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.runBackgroundSync(ctx)
			}
		}
	}()
}

func (a *App) runBackgroundSync(ctx context.Context) {
	if a.config.SyncTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.config.SyncTimeout)
		defer cancel()
	}
	if _, err := a.syncer.Run(ctx); err != nil && errors.Is(err, mirror.ErrRunLeaseConflict) {
		a.logger.InfoContext(ctx, "background sync skipped", "reason", "run_in_progress")
	}
}

func (a *App) stopSyncLoopLocked() {
	if a.syncCancel == nil {
		return
	}
	cancel := a.syncCancel
	done := a.syncDone
	a.syncCancel = nil
	a.syncDone = nil
	cancel()
	if done != nil {
		<-done
	}
}
