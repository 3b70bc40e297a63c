package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"

	"kasirsync/internal/cache"
	"kasirsync/internal/config"
	"kasirsync/internal/httpapi"
	"kasirsync/internal/ledger"
	pgledger "kasirsync/internal/ledger/postgres"
	"kasirsync/internal/logging"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	log := logger.WithField("module", "server")

	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var store ledger.Store
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgledger.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres unavailable (%v) and DATABASE_URL is set; refusing to start with in-memory fallback", err)
		}
		store = pg
		log.Info("ledger: postgres")
	} else {
		store = ledger.NewMemoryStore()
		log.Warn("ledger: in-memory, state is lost on restart")
	}
	closers = append(closers, store.Close)

	led := ledger.NewService(store, logger.WithField("module", "ledger"))
	if cfg.SeedStock != "" {
		levels, err := ledger.ParseSeed(cfg.SeedStock)
		if err != nil {
			log.Fatalf("LEDGER_SEED_STOCK: %v", err)
		}
		if err := led.Seed(ctx, cfg.LocationID, levels); err != nil {
			log.Fatalf("seed stock: %v", err)
		}
		log.WithField("skus", len(levels)).Infof("seeded stock for %s", cfg.LocationID)
	}

	var limitStore limiter.Store
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warnf("redis unavailable (%v), rate limits stay per instance", err)
			_ = client.Close()
		} else {
			limitStore, err = sredis.NewStoreWithOptions(client, limiter.StoreOptions{
				Prefix:   "kasirsync:limit",
				MaxRetry: 3,
			})
			if err != nil {
				log.Fatalf("rate limit store: %v", err)
			}
			closers = append(closers, client.Close)
			log.Info("rate limits: redis")
		}
	}

	auth := httpapi.NewDeviceAuth(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, cfg.DeviceCredentials)
	api, err := httpapi.New(led, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		SyncRate:      cfg.RateLimit,
		LimitStore:    limitStore,
		Log:           logger.WithField("module", "httpapi"),
	})
	if err != nil {
		log.Fatalf("api: %v", err)
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Infof("ledger backend listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Errorf("shutdown error: %v", err)
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Errorf("close error: %v", err)
		}
	}

	log.Info("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.DeviceCredentials) == 0 {
		return fmt.Errorf("DEVICE_CREDENTIALS must register at least one device")
	}
	for deviceID, secret := range cfg.DeviceCredentials {
		if err := validateDeviceSecret(secret); err != nil {
			return fmt.Errorf("secret for device %s is too weak: %w", deviceID, err)
		}
	}
	return nil
}

// validateDeviceSecret rejects short secrets and secrets made of one repeated
// character. Pre-hashed bcrypt values are accepted as they are.
func validateDeviceSecret(secret string) error {
	if len(secret) == 60 && secret[0] == '$' {
		return nil
	}
	if len(secret) < 12 {
		return fmt.Errorf("must be at least 12 characters")
	}

	allSame := true
	for i := 1; i < len(secret); i++ {
		if secret[i] != secret[0] {
			allSame = false
			break
		}
	}
	if allSame {
		return fmt.Errorf("repeated-character secret not allowed")
	}
	return nil
}
