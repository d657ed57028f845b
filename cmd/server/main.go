package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"ticketledger/backend/internal/cache"
	"ticketledger/backend/internal/config"
	"ticketledger/backend/internal/domain"
	"ticketledger/backend/internal/httpapi"
	"ticketledger/backend/internal/lock"
	"ticketledger/backend/internal/logging"
	"ticketledger/backend/internal/service"
	"ticketledger/backend/internal/store"
	"ticketledger/backend/internal/store/memory"
	pgstore "ticketledger/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logrus.SetFormatter(logger.Formatter)
	logrus.SetLevel(logger.Level)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.WithError(err).Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback")
		}
		if err := pg.Migrate(ctx); err != nil {
			logger.WithError(err).Fatal("database migration failed")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	opts := service.Options{
		SettingsCacheTTL: cfg.SettingsCacheTTL,
		Logger:           logger,
		InitLeftoversPIN: cfg.InitLeftoversPIN,
	}
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		settingsCache := cache.NewRedisSettingsCache(client)
		if err := settingsCache.Ping(ctx); err != nil {
			logger.WithError(err).Warn("redis unavailable, using noop cache and locks")
			_ = client.Close()
		} else {
			opts.SettingsCache = settingsCache
			opts.Locker = lock.NewRedisLocker(client, cfg.LockTTL)
			closers = append(closers, client.Close)
			logger.Info("cache and locks: redis")
		}
	} else {
		logger.Info("cache and locks: noop")
	}

	svc := service.New(repo, opts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger)
	if cfg.BootstrapAdminPassword != "" {
		created, err := auth.EnsureAccount(ctx, "admin", cfg.BootstrapAdminPassword, domain.RoleAdmin)
		if err != nil {
			logger.WithError(err).Fatal("bootstrap admin account failed")
		}
		if created {
			logger.Info("bootstrap admin account created")
		}
	}
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin:      cfg.AllowedOrigin,
		LoginRatePerMinute: cfg.LoginRatePerMinute,
		Logger:             logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("ticket ledger listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.InitLeftoversPIN == "" {
		return nil
	}
	if len(cfg.InitLeftoversPIN) < 4 {
		return fmt.Errorf("INIT_LEFTOVERS_PIN must be at least 4 digits")
	}
	if err := validatePINStrength(cfg.InitLeftoversPIN); err != nil {
		return fmt.Errorf("INIT_LEFTOVERS_PIN is too weak: %w", err)
	}
	return nil
}

// validatePINStrength rejects PINs that are not all digits, that repeat a
// single digit, or that run sequentially up or down.
func validatePINStrength(pin string) error {
	for _, r := range pin {
		if r < '0' || r > '9' {
			return fmt.Errorf("PIN must contain digits only")
		}
	}

	allSame := true
	for i := 1; i < len(pin); i++ {
		if pin[i] != pin[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("all-same-digit PIN not allowed")
	}

	ascending, descending := true, true
	for i := 1; i < len(pin); i++ {
		diff := int(pin[i]) - int(pin[i-1])
		if diff != 1 {
			ascending = false
		}
		if diff != -1 {
			descending = false
		}
	}
	if ascending || descending {
		return fmt.Errorf("sequential PIN not allowed")
	}

	return nil
}
