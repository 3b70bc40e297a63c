package store

import (
	"context"
	"fmt"
	"time"

	"kasirsync/internal/domain"
)

var (
	ErrNotFound        = domain.ErrNotFound
	ErrDuplicateKey    = domain.ErrDuplicateKey
	ErrDuplicateNumber = domain.ErrDuplicateNumber
	ErrVersionConflict = domain.ErrVersionConflict
)

// Commit is everything one accepted operation writes. Implementations apply
// it atomically: either the snapshot, the action, its events and the optional
// resolution are all stored, or none of them are.
//
// When Action.Seq is zero the store assigns the next device sequence, fills
// PrevSeq with the previous sequence for the same sale and, when no key was
// supplied, derives the idempotency key from (device, sale, seq).
type Commit struct {
	Sale            *domain.Sale
	ExpectedVersion int64
	Action          domain.OfflineAction
	Events          []domain.Event
	Resolution      *Resolution
}

type Resolution struct {
	ConflictID    string
	Decision      domain.Decision
	Note          string
	ResolvedBy    string
	ResolutionKey string
	ResolvedAt    time.Time
}

type SaleFilter struct {
	DeviceID string
	State    domain.SaleState
	Limit    int
}

type ActionFilter struct {
	DeviceID string
	SaleID   string
	Statuses []domain.ActionStatus
	Limit    int
}

type ConflictFilter struct {
	TenantID   string
	LocationID string
	DeviceID   string
	SaleID     string
	Status     domain.ResolutionStatus
}

// Repository is the device-local durable store: sale snapshots, the offline
// action queue, the per-sale event log and conflict records.
type Repository interface {
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	ListSales(ctx context.Context, filter SaleFilter) ([]domain.Sale, error)
	Commit(ctx context.Context, c Commit) (*domain.OfflineAction, error)

	FindActionByKey(ctx context.Context, key string) (*domain.OfflineAction, error)
	ListActions(ctx context.Context, filter ActionFilter) ([]domain.OfflineAction, error)
	UpdateAction(ctx context.Context, action domain.OfflineAction) error
	SyncableDevices(ctx context.Context) ([]string, error)
	ResetInFlight(ctx context.Context, deviceID string) (int, error)
	PurgeSynced(ctx context.Context, before time.Time) (int, error)

	ListEvents(ctx context.Context, saleID string) ([]domain.Event, error)

	CreateConflict(ctx context.Context, rec domain.ConflictRecord) error
	GetConflict(ctx context.Context, id string) (*domain.ConflictRecord, error)
	ListConflicts(ctx context.Context, filter ConflictFilter) ([]domain.ConflictRecord, error)

	Close() error
}

func ActionKey(deviceID, saleID string, seq int64) string {
	return fmt.Sprintf("%s:%s:%d", deviceID, saleID, seq)
}

// Prepare fills the sequence fields of a commit's action given the current
// device and sale cursors, and stamps every event with the action key.
func Prepare(c *Commit, lastDeviceSeq, lastSaleSeq int64) {
	if c.Action.Seq == 0 {
		c.Action.Seq = lastDeviceSeq + 1
		c.Action.PrevSeq = lastSaleSeq
	}
	if c.Action.IdempotencyKey == "" {
		c.Action.IdempotencyKey = ActionKey(c.Action.DeviceID, c.Action.SaleID, c.Action.Seq)
	}
	if c.Action.Status == "" {
		c.Action.Status = domain.ActionPending
	}
	for i := range c.Events {
		c.Events[i].ActionKey = c.Action.IdempotencyKey
	}
	c.Action.Events = c.Events
}

// HasStatus reports whether status is listed, treating an empty list as any.
func HasStatus(statuses []domain.ActionStatus, status domain.ActionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
