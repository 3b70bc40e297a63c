// Package syncer drains the device queue to the authoritative backend. It is
// the only component that performs network calls.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"kasirsync/internal/cache"
	"kasirsync/internal/domain"
	"kasirsync/internal/logging"
	"kasirsync/internal/money"
	"kasirsync/internal/reconcile"
	"kasirsync/internal/store"
	"kasirsync/internal/xid"
)

// Backend is the authoritative system of record. Submit must be idempotent on
// the action's key. Errors should be *domain.SyncError; anything else is
// treated as a retryable transport failure.
type Backend interface {
	Submit(ctx context.Context, action domain.OfflineAction) (domain.SyncAck, error)
	Refresh(ctx context.Context) error
}

type Config struct {
	MaxAttempts      int
	Backoff          Backoff
	AttemptTimeout   time.Duration
	Interval         time.Duration
	LockTTL          time.Duration
	StockTTL         time.Duration
	Retention        time.Duration
	CriticalExposure money.Money
}

// Summary describes one drain of one device.
type Summary struct {
	DeviceID  string `json:"device_id"`
	Sent      int    `json:"sent"`
	Synced    int    `json:"synced"`
	Conflicts int    `json:"conflicts"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	Skipped   bool   `json:"skipped"`
}

type Engine struct {
	repo    store.Repository
	backend Backend
	stock   cache.StockCache
	locker  Locker
	cfg     Config
	log     *logrus.Entry
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	newID   func(prefix string) string
}

type Option func(*Engine)

func WithStockCache(c cache.StockCache) Option {
	return func(e *Engine) { e.stock = c }
}

func WithLocker(l Locker) Option {
	return func(e *Engine) { e.locker = l }
}

func WithLogger(log *logrus.Entry) Option {
	return func(e *Engine) { e.log = log }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(fn func(prefix string) string) Option {
	return func(e *Engine) { e.newID = fn }
}

func NewEngine(repo store.Repository, backend Backend, cfg Config, opts ...Option) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 5
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.StockTTL <= 0 {
		cfg.StockTTL = 10 * time.Minute
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = 500 * time.Millisecond
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = cfg.Backoff.Base
	}
	if cfg.Backoff.Rand == nil {
		cfg.Backoff.Rand = rand.Float64
	}

	e := &Engine{
		repo:    repo,
		backend: backend,
		stock:   cache.NoopStockCache{},
		locker:  NewLocalLocker(),
		cfg:     cfg,
		log:     logging.Discard(),
		sleep:   sleepContext,
		now:     func() time.Time { return time.Now().UTC() },
		newID:   xid.New,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = e.log.WithField("module", "syncer")
	return e
}

// Run recovers interrupted sends, then drains every device with syncable
// actions once per interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	if _, err := e.Recover(ctx, ""); err != nil {
		return err
	}
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := e.SyncAll(ctx); err != nil && ctx.Err() == nil {
			logging.LogError(e.log, "syncer", "Run", "sync pass failed", nil, err)
		}
		if e.cfg.Retention > 0 {
			if _, err := e.Purge(ctx, e.cfg.Retention); err != nil && ctx.Err() == nil {
				logging.LogError(e.log, "syncer", "Run", "purge failed", nil, err)
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Recover puts actions left SYNCING by a crash back to PENDING. An empty
// deviceID recovers every device.
func (e *Engine) Recover(ctx context.Context, deviceID string) (int, error) {
	n, err := e.repo.ResetInFlight(ctx, deviceID)
	if err != nil {
		return 0, fmt.Errorf("recover in-flight actions: %w", err)
	}
	if n > 0 {
		e.log.WithField("count", n).Info("requeued in-flight actions")
	}
	return n, nil
}

// SyncAll drains devices in parallel. Each device still has at most one
// request in flight.
func (e *Engine) SyncAll(ctx context.Context) ([]Summary, error) {
	devices, err := e.repo.SyncableDevices(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]Summary, len(devices))
	var g errgroup.Group
	for i, deviceID := range devices {
		i, deviceID := i, deviceID
		g.Go(func() error {
			sum, err := e.DrainDevice(ctx, deviceID)
			summaries[i] = sum
			return err
		})
	}
	return summaries, g.Wait()
}

// DrainDevice sends the device's syncable actions oldest first. A sale with an
// undelivered FAILED action waits until that failure is resolved; once it is,
// the sale's resolution goes ahead of its other actions so the backend learns
// about the abandoned action before it sees the successors.
func (e *Engine) DrainDevice(ctx context.Context, deviceID string) (Summary, error) {
	sum := Summary{DeviceID: deviceID}
	release, err := e.locker.Obtain(ctx, deviceID, e.cfg.LockTTL)
	if errors.Is(err, ErrLocked) {
		sum.Skipped = true
		return sum, nil
	}
	if err != nil {
		return sum, err
	}
	defer release()

	pending, err := e.repo.ListActions(ctx, store.ActionFilter{
		DeviceID: deviceID,
		Statuses: []domain.ActionStatus{domain.ActionPending, domain.ActionSyncing},
	})
	if err != nil {
		return sum, err
	}
	blocked, err := e.blockedSales(ctx, deviceID)
	if err != nil {
		return sum, err
	}
	failed, err := e.failedSales(ctx, deviceID)
	if err != nil {
		return sum, err
	}
	slices.SortStableFunc(pending, func(a, b domain.OfflineAction) int {
		ra := a.Type == domain.OpResolveConflict && failed[a.SaleID]
		rb := b.Type == domain.OpResolveConflict && failed[b.SaleID]
		switch {
		case ra && !rb:
			return -1
		case rb && !ra:
			return 1
		default:
			return 0
		}
	})

	for _, action := range pending {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if action.Type != domain.OpResolveConflict && blocked[action.SaleID] {
			sum.Deferred++
			continue
		}
		status, err := e.send(ctx, action)
		if err != nil {
			return sum, err
		}
		sum.Sent++
		switch status {
		case domain.ActionSynced:
			sum.Synced++
		case domain.ActionConflict:
			sum.Conflicts++
		case domain.ActionFailed:
			sum.Failed++
			blocked[action.SaleID] = true
		}
	}
	if sum.Sent > 0 || sum.Deferred > 0 {
		e.log.WithFields(logrus.Fields{
			"device_id": deviceID,
			"sent":      sum.Sent,
			"synced":    sum.Synced,
			"conflicts": sum.Conflicts,
			"failed":    sum.Failed,
			"deferred":  sum.Deferred,
		}).Info("device drained")
	}
	return sum, nil
}

// SyncAction sends one action by key, ignoring sale blocking. It is meant for
// operators retrying a specific action by hand.
func (e *Engine) SyncAction(ctx context.Context, key string) (domain.ActionStatus, error) {
	action, err := e.repo.FindActionByKey(ctx, key)
	if err != nil {
		return "", err
	}
	if !action.Syncable() {
		return action.Status, nil
	}
	release, err := e.locker.Obtain(ctx, action.DeviceID, e.cfg.LockTTL)
	if err != nil {
		return "", err
	}
	defer release()
	return e.send(ctx, *action)
}

// Purge removes SYNCED actions older than retention.
func (e *Engine) Purge(ctx context.Context, retention time.Duration) (int, error) {
	n, err := e.repo.PurgeSynced(ctx, e.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.WithField("count", n).Info("purged synced actions")
	}
	return n, nil
}

func (e *Engine) blockedSales(ctx context.Context, deviceID string) (map[string]bool, error) {
	open, err := e.repo.ListConflicts(ctx, store.ConflictFilter{DeviceID: deviceID, Status: domain.ResolutionOpen})
	if err != nil {
		return nil, err
	}
	blocked := make(map[string]bool)
	for _, c := range open {
		if c.ActionStatus == domain.ActionFailed {
			blocked[c.SaleID] = true
		}
	}
	return blocked, nil
}

func (e *Engine) failedSales(ctx context.Context, deviceID string) (map[string]bool, error) {
	actions, err := e.repo.ListActions(ctx, store.ActionFilter{
		DeviceID: deviceID,
		Statuses: []domain.ActionStatus{domain.ActionFailed},
	})
	if err != nil {
		return nil, err
	}
	failed := make(map[string]bool, len(actions))
	for _, a := range actions {
		failed[a.SaleID] = true
	}
	return failed, nil
}

// send delivers one action, retrying in place until it reaches SYNCED,
// CONFLICT or FAILED. It returns an error only when ctx ends or the store
// fails; the action is then left SYNCING for the next Recover.
func (e *Engine) send(ctx context.Context, action domain.OfflineAction) (domain.ActionStatus, error) {
	refreshed := false
	backoff := e.cfg.Backoff
	for {
		action.Status = domain.ActionSyncing
		action.Attempts++
		action.UpdatedAt = e.now()
		if err := e.repo.UpdateAction(ctx, action); err != nil {
			return "", err
		}

		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.AttemptTimeout)
		ack, err := e.backend.Submit(attemptCtx, action)
		cancel()
		if err == nil {
			return e.markSynced(ctx, action, ack)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		se := classify(err)
		action.LastError = se.Error()
		entry := e.log.WithFields(logrus.Fields{
			"idempotency_key": action.IdempotencyKey,
			"attempt":         action.Attempts,
			"kind":            se.Kind,
		})

		switch se.Kind {
		case domain.SyncRetryable:
			if action.Attempts >= e.cfg.MaxAttempts {
				return e.markFailed(ctx, action, domain.ConflictSyncFailed,
					fmt.Sprintf("gave up after %d attempts: %s", action.Attempts, se.Error()))
			}
			delay := backoff.Delay(action.Attempts)
			if se.RetryAfter > delay {
				delay = min(se.RetryAfter, backoff.Max)
			}
			entry.WithField("delay", delay.String()).Warn("sync attempt failed, retrying")
			if err := e.sleep(ctx, delay); err != nil {
				return "", err
			}
		case domain.SyncAuthExpired:
			if refreshed {
				return e.markFailed(ctx, action, domain.ConflictRejected, "credentials rejected after refresh: "+se.Error())
			}
			refreshed = true
			if err := e.backend.Refresh(ctx); err != nil {
				return e.markFailed(ctx, action, domain.ConflictRejected, "credential refresh failed: "+err.Error())
			}
			entry.Info("credentials refreshed, retrying")
		case domain.SyncConflict:
			detail := domain.ConflictDetail{Kind: domain.ConflictRejected, Message: se.Message}
			if se.Conflict != nil {
				detail = *se.Conflict
			}
			return e.markConflict(ctx, action, detail)
		default:
			return e.markFailed(ctx, action, domain.ConflictRejected, se.Error())
		}
	}
}

func classify(err error) *domain.SyncError {
	var se *domain.SyncError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.Retryable("attempt timed out", err)
	}
	return domain.Retryable("transport failure", err)
}

func (e *Engine) markSynced(ctx context.Context, action domain.OfflineAction, ack domain.SyncAck) (domain.ActionStatus, error) {
	now := e.now()
	action.Status = domain.ActionSynced
	action.LastError = ""
	action.Conflict = nil
	action.UpdatedAt = now
	action.SyncedAt = &now
	if err := e.repo.UpdateAction(ctx, action); err != nil {
		return "", err
	}
	for _, level := range ack.Stock {
		if err := e.stock.Set(ctx, action.LocationID, level, e.cfg.StockTTL); err != nil {
			e.log.WithError(err).WithField("sku", level.SKU).Warn("stock cache update failed")
		}
	}
	e.log.WithFields(logrus.Fields{
		"idempotency_key": action.IdempotencyKey,
		"attempts":        action.Attempts,
		"duplicate":       ack.Duplicate,
	}).Debug("action synced")
	return domain.ActionSynced, nil
}

func (e *Engine) markConflict(ctx context.Context, action domain.OfflineAction, detail domain.ConflictDetail) (domain.ActionStatus, error) {
	action.Status = domain.ActionConflict
	action.Conflict = &detail
	action.UpdatedAt = e.now()
	if err := e.repo.UpdateAction(ctx, action); err != nil {
		return "", err
	}
	if err := e.record(ctx, action, detail); err != nil {
		return "", err
	}
	return domain.ActionConflict, nil
}

func (e *Engine) markFailed(ctx context.Context, action domain.OfflineAction, kind domain.ConflictKind, msg string) (domain.ActionStatus, error) {
	detail := domain.ConflictDetail{Kind: kind, Message: msg}
	action.Status = domain.ActionFailed
	action.Conflict = &detail
	action.UpdatedAt = e.now()
	if err := e.repo.UpdateAction(ctx, action); err != nil {
		return "", err
	}
	if err := e.record(ctx, action, detail); err != nil {
		return "", err
	}
	return domain.ActionFailed, nil
}

// record stores the conflict for the reconciliation surface. The local sale is
// left exactly as the operator saw it.
func (e *Engine) record(ctx context.Context, action domain.OfflineAction, detail domain.ConflictDetail) error {
	current, err := e.repo.GetSale(ctx, action.SaleID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	rec := reconcile.NewRecord(e.newID("conf"), action, current, detail, e.cfg.CriticalExposure, e.now())
	if err := e.repo.CreateConflict(ctx, rec); err != nil {
		return fmt.Errorf("record conflict for %s: %w", action.IdempotencyKey, err)
	}
	e.log.WithFields(logrus.Fields{
		"idempotency_key": action.IdempotencyKey,
		"sale_id":         action.SaleID,
		"kind":            rec.Kind,
		"severity":        rec.Severity,
		"exposure":        rec.Exposure.String(),
	}).Warn("[audit] sync conflict recorded")
	return nil
}
