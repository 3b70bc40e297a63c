package domain

import (
	"encoding/json"
	"time"

	"kasirsync/internal/money"
)

type ActionStatus string

const (
	ActionPending  ActionStatus = "PENDING"
	ActionSyncing  ActionStatus = "SYNCING"
	ActionSynced   ActionStatus = "SYNCED"
	ActionConflict ActionStatus = "CONFLICT"
	ActionFailed   ActionStatus = "FAILED"
)

// OfflineAction is the durable envelope around one mutating call. Seq is the
// device-local monotonic sequence; PrevSeq points at the previous action for
// the same sale so the backend can refuse out-of-order application.
type OfflineAction struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	TenantID       string          `json:"tenant_id"`
	LocationID     string          `json:"location_id"`
	DeviceID       string          `json:"device_id"`
	SaleID         string          `json:"sale_id"`
	OperatorID     string          `json:"operator_id"`
	Seq            int64           `json:"seq"`
	PrevSeq        int64           `json:"prev_seq"`
	Type           Operation       `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Events         []Event         `json:"events"`
	OnlineRequired bool            `json:"online_required"`
	Status         ActionStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      string          `json:"last_error,omitempty"`
	Conflict       *ConflictDetail `json:"conflict,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	SyncedAt       *time.Time      `json:"synced_at,omitempty"`
}

// Syncable reports whether the sync engine may (re)send the action. SYNCING is
// included because a crash mid-send leaves it there and the key makes a resend
// safe.
func (a OfflineAction) Syncable() bool {
	return a.Status == ActionPending || a.Status == ActionSyncing
}

// Requeue puts a FAILED action back in the queue for a fresh round of
// attempts under its original key.
func (a *OfflineAction) Requeue(at time.Time) {
	a.Status = ActionPending
	a.Attempts = 0
	a.LastError = ""
	a.Conflict = nil
	a.UpdatedAt = at
}

type ConflictKind string

const (
	ConflictOversell            ConflictKind = "oversell"
	ConflictDuplicateSettlement ConflictKind = "duplicate_settlement"
	ConflictStalePrice          ConflictKind = "stale_price"
	ConflictSyncFailed          ConflictKind = "sync_failed"
	ConflictRejected            ConflictKind = "rejected"
)

type StockShortage struct {
	SKU       string `json:"sku"`
	Requested int64  `json:"requested"`
	Available int64  `json:"available"`
	Shortage  int64  `json:"shortage"`
}

type PriceDifference struct {
	SKU          string      `json:"sku"`
	LocalPrice   money.Money `json:"local_price"`
	BackendPrice money.Money `json:"backend_price"`
}

type ConflictDetail struct {
	Kind       ConflictKind      `json:"kind"`
	Message    string            `json:"message"`
	Shortages  []StockShortage   `json:"shortages,omitempty"`
	PriceDiffs []PriceDifference `json:"price_diffs,omitempty"`
	PaymentID  string            `json:"payment_id,omitempty"`
	Amount     money.Money       `json:"amount"`
}

type Severity string

const (
	SeverityCritical  Severity = "CRITICAL"
	SeverityWarning   Severity = "WARNING"
	SeverityAttention Severity = "ATTENTION"
)

type Variance string

const (
	VarianceShortage Variance = "SHORTAGE"
	VarianceSurplus  Variance = "SURPLUS"
	VarianceMatch    Variance = "MATCH"
)

type ResolutionStatus string

const (
	ResolutionOpen     ResolutionStatus = "OPEN"
	ResolutionResolved ResolutionStatus = "RESOLVED"
)

type Decision string

const (
	DecisionAccept Decision = "ACCEPT"
	DecisionReject Decision = "REJECT"
	DecisionAdjust Decision = "ADJUST"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionAccept, DecisionReject, DecisionAdjust:
		return true
	default:
		return false
	}
}

// ConflictRecord is never auto-corrected; it stays OPEN until an operator or
// policy decision is queued against it.
type ConflictRecord struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	LocationID    string           `json:"location_id"`
	DeviceID      string           `json:"device_id"`
	SaleID        string           `json:"sale_id"`
	ActionKey     string           `json:"action_key"`
	ActionSeq     int64            `json:"action_seq"`
	ActionStatus  ActionStatus     `json:"action_status"`
	Kind          ConflictKind     `json:"kind"`
	Severity      Severity         `json:"severity"`
	Variance      Variance         `json:"variance"`
	Detail        ConflictDetail   `json:"detail"`
	Exposure      money.Money      `json:"exposure"`
	Status        ResolutionStatus `json:"status"`
	Decision      Decision         `json:"decision,omitempty"`
	Note          string           `json:"note,omitempty"`
	ResolvedBy    string           `json:"resolved_by,omitempty"`
	ResolutionKey string           `json:"resolution_key,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
}

// Requeues reports whether resolving the conflict with d sends the referenced
// action again. Only a FAILED action can be resent; REJECT abandons it.
func (r ConflictRecord) Requeues(d Decision) bool {
	return r.ActionStatus == ActionFailed && d != DecisionReject
}

type StockLevel struct {
	SKU        string      `json:"sku"`
	Available  int64       `json:"available"`
	Price      money.Money `json:"price"`
	ObservedAt time.Time   `json:"observed_at"`
}

// SyncAck is the backend's acknowledgment of one action. Duplicate means the
// key had been disposed of before and nothing was applied again.
type SyncAck struct {
	IdempotencyKey string       `json:"idempotency_key"`
	Duplicate      bool         `json:"duplicate"`
	Stock          []StockLevel `json:"stock,omitempty"`
	AcceptedAt     time.Time    `json:"accepted_at"`
}
