// Package ledger is the authoritative system of record the devices sync
// against. It owns stock levels and settled payments and decides, per
// idempotency key, whether a queued action is applied or conflicts.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"kasirsync/internal/domain"
	"kasirsync/internal/logging"
	"kasirsync/internal/money"
)

var (
	ErrNotFound = domain.ErrNotFound
	// ErrOutOfOrder means the action's predecessor for the same sale has not
	// been disposed of yet. The device should retry later.
	ErrOutOfOrder = errors.New("predecessor action not yet received")
	// ErrInvalidAction is a malformed envelope; resending will not help.
	ErrInvalidAction = errors.New("invalid action")
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeConflict  Outcome = "conflict"
	OutcomeAbandoned Outcome = "abandoned"
)

// Disposition is the ledger's permanent answer for one idempotency key. Lines
// holds the deduction an oversell conflict withheld, so an ACCEPT decision can
// apply it later.
type Disposition struct {
	Key        string                 `json:"key"`
	DeviceID   string                 `json:"device_id"`
	SaleID     string                 `json:"sale_id"`
	LocationID string                 `json:"location_id"`
	Seq        int64                  `json:"seq"`
	Type       domain.Operation       `json:"type"`
	Outcome    Outcome                `json:"outcome"`
	Conflict   *domain.ConflictDetail `json:"conflict,omitempty"`
	Lines      []domain.StockLine     `json:"lines,omitempty"`
	RecordedAt time.Time              `json:"recorded_at"`
}

// Tx is one serializable unit of work against the ledger.
type Tx interface {
	Disposition(ctx context.Context, key string) (*Disposition, error)
	SeqDisposed(ctx context.Context, deviceID, saleID string, seq int64) (bool, error)
	Record(ctx context.Context, d Disposition) error

	Stock(ctx context.Context, locationID, sku string) (domain.StockLevel, bool, error)
	AdjustStock(ctx context.Context, locationID, sku string, delta int64, at time.Time) error

	Settlement(ctx context.Context, authorizationCode string) (string, bool, error)
	RecordSettlement(ctx context.Context, authorizationCode, key string, amount money.Money, at time.Time) error
}

type Store interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
	StockLevels(ctx context.Context, locationID string, skus []string) ([]domain.StockLevel, error)
	SetStock(ctx context.Context, locationID string, level domain.StockLevel) error
	Close() error
}

type Service struct {
	store Store
	log   *logrus.Entry
	now   func() time.Time
}

func NewService(store Store, log *logrus.Entry) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{
		store: store,
		log:   log.WithField("module", "ledger"),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Submit disposes of one queued action. A key seen before returns its stored
// answer without applying anything again. Conflicts are returned as
// *domain.SyncError of kind CONFLICT after the disposition is committed, so a
// resend gets the same answer.
func (s *Service) Submit(ctx context.Context, action domain.OfflineAction) (domain.SyncAck, error) {
	if err := validate(action); err != nil {
		return domain.SyncAck{}, err
	}

	var (
		ack      domain.SyncAck
		conflict *domain.ConflictDetail
	)
	err := s.store.InTx(ctx, func(tx Tx) error {
		ack = domain.SyncAck{IdempotencyKey: action.IdempotencyKey, AcceptedAt: s.now()}
		conflict = nil

		prior, err := tx.Disposition(ctx, action.IdempotencyKey)
		if err == nil {
			ack.Duplicate = true
			if prior.Outcome == OutcomeConflict {
				conflict = prior.Conflict
			}
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		if action.Type != domain.OpResolveConflict && action.PrevSeq > 0 {
			ok, err := tx.SeqDisposed(ctx, action.DeviceID, action.SaleID, action.PrevSeq)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("%w: %s waits for seq %d", ErrOutOfOrder, action.IdempotencyKey, action.PrevSeq)
			}
		}

		d := Disposition{
			Key:        action.IdempotencyKey,
			DeviceID:   action.DeviceID,
			SaleID:     action.SaleID,
			LocationID: action.LocationID,
			Seq:        action.Seq,
			Type:       action.Type,
			Outcome:    OutcomeApplied,
			RecordedAt: ack.AcceptedAt,
		}
		detail, err := s.apply(ctx, tx, action, &d)
		if err != nil {
			return err
		}
		if detail != nil {
			d.Outcome = OutcomeConflict
			d.Conflict = detail
			conflict = detail
		}
		return tx.Record(ctx, d)
	})
	if err != nil {
		return domain.SyncAck{}, err
	}

	levels, err := s.store.StockLevels(ctx, action.LocationID, touchedSKUs(action))
	if err != nil {
		logging.LogError(s.log, "ledger", "Submit", "stock lookup failed", action.IdempotencyKey, err)
	}
	ack.Stock = levels

	entry := s.log.WithFields(logrus.Fields{
		"idempotency_key": action.IdempotencyKey,
		"device_id":       action.DeviceID,
		"type":            action.Type,
		"duplicate":       ack.Duplicate,
	})
	if conflict != nil {
		entry.WithField("kind", conflict.Kind).Warn("[audit] action conflicted")
		return ack, domain.Conflicted(*conflict)
	}
	entry.Info("[audit] action accepted")
	return ack, nil
}

func (s *Service) Stock(ctx context.Context, locationID string, skus []string) ([]domain.StockLevel, error) {
	return s.store.StockLevels(ctx, locationID, skus)
}

// Seed sets stock levels, overwriting what is there.
func (s *Service) Seed(ctx context.Context, locationID string, levels []domain.StockLevel) error {
	for _, level := range levels {
		if level.ObservedAt.IsZero() {
			level.ObservedAt = s.now()
		}
		if err := s.store.SetStock(ctx, locationID, level); err != nil {
			return fmt.Errorf("seed %s: %w", level.SKU, err)
		}
	}
	return nil
}

func validate(action domain.OfflineAction) error {
	switch {
	case strings.TrimSpace(action.IdempotencyKey) == "":
		return fmt.Errorf("%w: idempotency key is required", ErrInvalidAction)
	case action.DeviceID == "" || action.SaleID == "":
		return fmt.Errorf("%w: device and sale are required", ErrInvalidAction)
	case action.Seq < 1:
		return fmt.Errorf("%w: seq must be positive", ErrInvalidAction)
	case action.PrevSeq >= action.Seq:
		return fmt.Errorf("%w: prev seq %d is not before seq %d", ErrInvalidAction, action.PrevSeq, action.Seq)
	}
	return nil
}

// apply walks the action's events in order. Domain events are informational;
// intent events and payments move the ledger. An oversell or duplicate
// settlement stops the walk, a stale price is reported after stock moved.
func (s *Service) apply(ctx context.Context, tx Tx, action domain.OfflineAction, d *Disposition) (*domain.ConflictDetail, error) {
	var stale *domain.ConflictDetail
	for _, ev := range action.Events {
		switch ev.Type {
		case domain.EventInventoryDeduction:
			var intent domain.InventoryIntentPayload
			if err := ev.Decode(&intent); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
			}
			loc := locationOf(intent, action)
			detail, err := s.deduct(ctx, tx, loc, intent.Lines)
			if err != nil {
				return nil, err
			}
			if detail != nil && detail.Kind == domain.ConflictOversell {
				d.LocationID = loc
				d.Lines = intent.Lines
				return detail, nil
			}
			if detail != nil {
				stale = detail
			}
		case domain.EventInventoryReturn:
			var intent domain.InventoryIntentPayload
			if err := ev.Decode(&intent); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
			}
			loc := locationOf(intent, action)
			for _, line := range intent.Lines {
				if err := tx.AdjustStock(ctx, loc, line.SKU, line.Quantity, s.now()); err != nil {
					return nil, err
				}
			}
		case domain.EventPaymentAdded:
			var p domain.PaymentPayload
			if err := ev.Decode(&p); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
			}
			detail, err := s.settle(ctx, tx, action.IdempotencyKey, p.Payment)
			if err != nil || detail != nil {
				return detail, err
			}
		case domain.EventConflictResolved:
			var p domain.ConflictResolvedPayload
			if err := ev.Decode(&p); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidAction, err)
			}
			if err := s.resolve(ctx, tx, action, p); err != nil {
				return nil, err
			}
		}
	}
	return stale, nil
}

func (s *Service) deduct(ctx context.Context, tx Tx, locationID string, lines []domain.StockLine) (*domain.ConflictDetail, error) {
	var (
		shortages []domain.StockShortage
		diffs     []domain.PriceDifference
	)
	for _, line := range lines {
		level, ok, err := tx.Stock(ctx, locationID, line.SKU)
		if err != nil {
			return nil, err
		}
		available := int64(0)
		if ok {
			available = level.Available
		}
		if line.Quantity > available {
			shortages = append(shortages, domain.StockShortage{
				SKU:       line.SKU,
				Requested: line.Quantity,
				Available: max(available, 0),
				Shortage:  line.Quantity - max(available, 0),
			})
		}
		if ok && level.Price.IsPositive() && !level.Price.Equal(line.UnitPrice) {
			diffs = append(diffs, domain.PriceDifference{SKU: line.SKU, LocalPrice: line.UnitPrice, BackendPrice: level.Price})
		}
	}
	if len(shortages) > 0 {
		return &domain.ConflictDetail{
			Kind:      domain.ConflictOversell,
			Message:   fmt.Sprintf("insufficient stock for %d sku(s)", len(shortages)),
			Shortages: shortages,
		}, nil
	}
	for _, line := range lines {
		if err := tx.AdjustStock(ctx, locationID, line.SKU, -line.Quantity, s.now()); err != nil {
			return nil, err
		}
	}
	if len(diffs) > 0 {
		return &domain.ConflictDetail{
			Kind:       domain.ConflictStalePrice,
			Message:    fmt.Sprintf("sold at a stale price for %d sku(s)", len(diffs)),
			PriceDiffs: diffs,
		}, nil
	}
	return nil, nil
}

// settle guards against one card authorization being captured by two
// different actions.
func (s *Service) settle(ctx context.Context, tx Tx, key string, p domain.Payment) (*domain.ConflictDetail, error) {
	code := strings.TrimSpace(p.AuthorizationCode)
	if code == "" || !p.Counts() {
		return nil, nil
	}
	owner, found, err := tx.Settlement(ctx, code)
	if err != nil {
		return nil, err
	}
	if found && owner != key {
		return &domain.ConflictDetail{
			Kind:      domain.ConflictDuplicateSettlement,
			Message:   fmt.Sprintf("authorization %s already settled by %s", code, owner),
			PaymentID: p.ID,
			Amount:    p.Amount,
		}, nil
	}
	if found {
		return nil, nil
	}
	return nil, tx.RecordSettlement(ctx, code, key, p.Amount, s.now())
}

// resolve applies an operator decision. A referenced action the ledger never
// received is recorded as abandoned on REJECT so the sale's later actions are
// no longer held back by it; any other decision means the device resends it.
// Accepting an oversell applies the withheld deduction even if stock goes
// negative.
func (s *Service) resolve(ctx context.Context, tx Tx, action domain.OfflineAction, p domain.ConflictResolvedPayload) error {
	if p.ActionKey == "" {
		return nil
	}
	prior, err := tx.Disposition(ctx, p.ActionKey)
	if errors.Is(err, ErrNotFound) {
		if p.ActionSeq < 1 || p.Decision != domain.DecisionReject {
			return nil
		}
		return tx.Record(ctx, Disposition{
			Key:        p.ActionKey,
			DeviceID:   action.DeviceID,
			SaleID:     action.SaleID,
			LocationID: action.LocationID,
			Seq:        p.ActionSeq,
			Outcome:    OutcomeAbandoned,
			RecordedAt: s.now(),
		})
	}
	if err != nil {
		return err
	}
	if p.Decision != domain.DecisionAccept || prior.Outcome != OutcomeConflict || prior.Conflict == nil || prior.Conflict.Kind != domain.ConflictOversell {
		return nil
	}
	for _, line := range prior.Lines {
		if err := tx.AdjustStock(ctx, prior.LocationID, line.SKU, -line.Quantity, s.now()); err != nil {
			return err
		}
	}
	prior.Outcome = OutcomeApplied
	prior.Lines = nil
	return tx.Record(ctx, *prior)
}

func locationOf(intent domain.InventoryIntentPayload, action domain.OfflineAction) string {
	if intent.LocationID != "" {
		return intent.LocationID
	}
	return action.LocationID
}

func touchedSKUs(action domain.OfflineAction) []string {
	var skus []string
	for _, ev := range action.Events {
		if ev.Type.Category() != domain.CategoryIntent {
			continue
		}
		var intent domain.InventoryIntentPayload
		if err := ev.Decode(&intent); err != nil {
			continue
		}
		for _, line := range intent.Lines {
			if !slices.Contains(skus, line.SKU) {
				skus = append(skus, line.SKU)
			}
		}
	}
	return skus
}
