package cli

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"kasirsync/internal/cache"
	"kasirsync/internal/capability"
	"kasirsync/internal/config"
	"kasirsync/internal/domain"
	"kasirsync/internal/events"
	"kasirsync/internal/logging"
	"kasirsync/internal/reconcile"
	"kasirsync/internal/sale"
	"kasirsync/internal/service"
	"kasirsync/internal/store/sqlite"
	"kasirsync/internal/syncer"
)

// app is everything one command needs, opened from the queue database and
// configuration and closed when the command returns.
type app struct {
	cfg      config.Config
	repo     *sqlite.Store
	svc      *service.Service
	engine   *syncer.Engine
	reporter *reconcile.Reporter
	log      *logrus.Entry
	out      *OutputFormatter
	closers  []func() error
}

func openApp(cmd *cobra.Command, opts *RootOptions) (*app, error) {
	var cfg config.Config
	if opts.Config != nil {
		cfg = *opts.Config
	} else {
		cfg = config.Load()
	}
	if opts.Database != "" {
		cfg.QueueDBPath = opts.Database
	}

	logger := logging.New(cfg.LogLevel)
	logger.SetOutput(cmd.ErrOrStderr())
	if opts.Verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	log := logger.WithFields(logrus.Fields{"device_id": cfg.DeviceID})

	repo, err := sqlite.Open(cfg.QueueDBPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open queue database", err)
	}
	a := &app{
		cfg:     cfg,
		repo:    repo,
		log:     log,
		out:     &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout(), Verbose: opts.Verbose},
		closers: []func() error{repo.Close},
	}

	var stock cache.StockCache = cache.NoopStockCache{}
	var locker syncer.Locker = syncer.NewLocalLocker()
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisStockCache(client)
		if err := redisCache.Ping(cmd.Context()); err != nil {
			log.Warnf("redis unavailable (%v), using local stock cache and lock", err)
			_ = redisCache.Close()
		} else {
			stock = redisCache
			locker = syncer.NewRedisLocker(client)
			a.closers = append(a.closers, redisCache.Close)
		}
	}

	backend := opts.Backend
	if backend == nil {
		backend = syncer.NewHTTPBackend(cfg.BackendURL, cfg.DeviceID, cfg.DeviceSecret, &http.Client{Timeout: cfg.AttemptTimeout})
	}

	a.svc = service.New(repo, events.NewEmitter(log, events.LogSink(log)), stock, service.Options{
		TenantID:                cfg.TenantID,
		LocationID:              cfg.LocationID,
		DeviceID:                cfg.DeviceID,
		DiscountApprovalPercent: cfg.DiscountApprovalPercent,
		Policy:                  sale.Policy{AutoCompleteExactCash: cfg.AutoCompleteExactCash},
		Gate:                    capability.NewDefault(),
		Log:                     log,
	})
	a.engine = syncer.NewEngine(repo, backend, syncer.Config{
		MaxAttempts: cfg.MaxRetries,
		Backoff: syncer.Backoff{
			Base:           cfg.BaseBackoff,
			Max:            cfg.MaxBackoff,
			JitterFraction: cfg.JitterFraction,
		},
		AttemptTimeout:   cfg.AttemptTimeout,
		Interval:         cfg.SyncInterval,
		LockTTL:          cfg.LockTTL,
		Retention:        cfg.Retention,
		CriticalExposure: cfg.CriticalExposure,
	}, syncer.WithStockCache(stock), syncer.WithLocker(locker), syncer.WithLogger(log))
	a.reporter = reconcile.NewReporter(repo, a.svc)
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.LogError(a.log, "cli", "Close", "close failed", nil, err)
		}
	}
}

// run opens the app, hands it to fn and reports fn's error in the configured
// format before returning it for the exit code.
func run(cmd *cobra.Command, opts *RootOptions, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(cmd, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := fn(ctx, a); err != nil {
		_ = a.out.Error(err)
		var exitErr *ExitError
		if !errors.As(err, &exitErr) {
			exitErr = WrapExitError(ExitFailure, "operation failed", err)
		}
		exitErr.reported = true
		return exitErr
	}
	return nil
}

func operationContext(opts *RootOptions) domain.OperationContext {
	op := domain.OperationContext{
		Operator:       domain.Actor{ID: strings.TrimSpace(opts.Operator), Role: strings.TrimSpace(opts.Role)},
		IdempotencyKey: strings.TrimSpace(opts.Key),
	}
	if approver := strings.TrimSpace(opts.Approver); approver != "" {
		op.Approver = &domain.Actor{ID: approver, Role: strings.TrimSpace(opts.ApproverRole)}
	}
	return op
}
