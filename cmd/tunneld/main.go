package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gshost/tunneld/internal/api"
	"github.com/gshost/tunneld/internal/auth"
	"github.com/gshost/tunneld/internal/config"
	"github.com/gshost/tunneld/internal/metrics"
	"github.com/gshost/tunneld/internal/observability"
	"github.com/gshost/tunneld/internal/registry"
	"github.com/gshost/tunneld/internal/store"
	"github.com/gshost/tunneld/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("config error: %v", err))
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel)

	ctx := context.Background()
	st := openStore(ctx, cfg, logger)

	sup := supervisor.NewExec(logger).
		WithProbeDelay(time.Duration(cfg.Relay.SpawnProbeMillis) * time.Millisecond)

	engine, err := registry.New(ctx, cfg, st, sup, logger)
	if err != nil {
		logger.Error("registry_init_failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	reg := metrics.New()
	apiServer := api.New(cfg, engine, reg, logger)

	var validator auth.Validator
	if cfg.Auth.ServiceURL != "" {
		validator = auth.NewServiceValidator(cfg.Auth.ServiceURL,
			time.Duration(cfg.Auth.ServiceTimeoutSeconds)*time.Second)
	}

	routes := apiServer.Routes()
	protected := auth.NewMiddleware(cfg.Auth, validator, logger).Wrap(routes)
	rateLimited := auth.NewRateLimiter(cfg.RateLimit, reg).Middleware(protected)
	var root http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			routes.ServeHTTP(w, r)
			return
		}
		rateLimited.ServeHTTP(w, r)
	})
	root = observability.Middleware(logger, reg, root)

	httpSrv := &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      root,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSeconds) * time.Second,
	}

	loopCtx, cancelLoops := context.WithCancel(context.Background())
	defer cancelLoops()
	go runHeartbeat(loopCtx, cfg, engine, reg, logger)

	go func() {
		logger.Info("tunneld_start",
			slog.String("listen_addr", cfg.Server.ListenAddr),
			slog.Bool("legacy_auth", cfg.Auth.LegacyEnabled))
		var err error
		if cfg.Server.TLSCertFile != "" && cfg.Server.TLSKeyFile != "" {
			err = httpSrv.ListenAndServeTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile)
		} else {
			err = httpSrv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cancelLoops()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown_failed", slog.String("error", err.Error()))
	}
	// Relay processes stay up across daemon restarts; recovery re-adopts
	// them on the next start.
	logger.Info("tunneld_stopped")
}

// openStore connects the durable mirror. A missing Redis degrades to the
// in-memory store instead of refusing to start.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) store.Store {
	if !cfg.Redis.Enabled {
		return store.NewMemory()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	rs, err := store.NewRedis(pingCtx, store.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		DB:       cfg.Redis.DB,
		Password: cfg.Redis.Password,
	})
	if err != nil {
		logger.Warn("store_degraded",
			slog.String("error", err.Error()),
			slog.String("fallback", "memory"))
		return store.NewMemory()
	}
	logger.Info("store_connected",
		slog.String("host", cfg.Redis.Host),
		slog.Int("port", cfg.Redis.Port))
	return rs
}

func runHeartbeat(ctx context.Context, cfg config.Config, engine *registry.Registry, reg *metrics.Registry, logger *slog.Logger) {
	ticker := time.NewTicker(time.Duration(cfg.Heartbeat.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running := engine.RefreshLiveness(context.Background())
			reg.SetActiveInstances(running)
			logger.Debug("heartbeat_completed", slog.Int("running", running))
		}
	}
}
