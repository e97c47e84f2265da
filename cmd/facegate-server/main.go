package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"facegate/authsvc"
	"facegate/config"
	"facegate/middleware"
	"facegate/observability"
	"facegate/registry"
	"facegate/server"
	"facegate/store"

	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to the server TOML config (defaults apply when empty)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "facegate-server: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Server, error) {
	if path == "" {
		return config.DefaultServer(), nil
	}
	return config.LoadServer(path)
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	logger := observability.InitLogger("facegate-server", cfg.LogLevel)
	observability.RegisterMetrics()

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store %s: %w", cfg.DBPath, err)
	}
	defer db.Close()
	if err := seedUsers(db, cfg.Users, logger); err != nil {
		return err
	}

	svc, err := authsvc.New(db, authsvc.Options{CaptchaDir: cfg.CaptchaDir, Logger: &logger})
	if err != nil {
		return err
	}

	opts := server.Options{
		Transport:     cfg.TransportOptions(),
		Logger:        &logger,
		ServiceName:   cfg.Registry.Service,
		AdvertiseAddr: cfg.AdvertiseAddr,
		TTL:           cfg.Registry.TTL,
	}
	if cfg.Registry.Enabled() {
		reg, err := registry.NewEtcdRegistry(cfg.Registry.Endpoints, cfg.Registry.DialTimeout)
		if err != nil {
			return fmt.Errorf("connect registry: %w", err)
		}
		defer reg.Close()
		opts.Registry = reg
	}

	svr := server.NewServer(opts)
	svr.Use(middleware.LoggingMiddleware(logger))
	svr.Use(middleware.MetricsMiddleware())
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	svc.Register(svr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		errCh <- svr.Serve("tcp", cfg.Addr)
	}()

	var admin *http.Server
	if cfg.AdminAddr != "" {
		admin = &http.Server{
			Addr:    cfg.AdminAddr,
			Handler: observability.AdminRouter(cfg.Addr, svr.Ready),
		}
		go func() {
			logger.Info().Str("addr", cfg.AdminAddr).Msg("admin listening")
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("admin: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case runErr = <-errCh:
	}

	if err := svr.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn().Err(err).Msg("shutdown")
	}
	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		admin.Shutdown(shutdownCtx)
	}
	return runErr
}

func seedUsers(db *store.DB, users []config.User, logger zerolog.Logger) error {
	for _, u := range users {
		created, err := db.EnsureUser(u.Username, u.Password)
		if err != nil {
			return fmt.Errorf("seed user %s: %w", u.Username, err)
		}
		if created {
			logger.Info().Str("user", u.Username).Msg("seeded user")
		}
	}
	return nil
}
