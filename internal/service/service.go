package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"kasirsync/internal/cache"
	"kasirsync/internal/capability"
	"kasirsync/internal/domain"
	"kasirsync/internal/events"
	"kasirsync/internal/logging"
	"kasirsync/internal/money"
	"kasirsync/internal/queue"
	"kasirsync/internal/sale"
	"kasirsync/internal/store"
	"kasirsync/internal/xid"
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Options configure one device's service. Tenant, location and device fill
// any OperationContext field the caller leaves empty.
type Options struct {
	TenantID                string
	LocationID              string
	DeviceID                string
	DiscountApprovalPercent decimal.Decimal
	Policy                  sale.Policy
	Gate                    *capability.Gate
	Log                     *logrus.Entry
	Now                     func() time.Time
	NewID                   func(prefix string) string
}

// Result is what every operation returns: the snapshot after the change and
// the events it appended. Duplicate is set when the idempotency key had
// already been applied; nothing new was written in that case.
type Result struct {
	Sale      domain.Sale           `json:"sale"`
	Events    []domain.Event        `json:"events"`
	Action    *domain.OfflineAction `json:"action,omitempty"`
	Duplicate bool                  `json:"duplicate"`
	Warnings  []string              `json:"warnings,omitempty"`
}

type Service struct {
	repo    store.Repository
	machine *sale.Machine
	gate    *capability.Gate
	emitter *events.Emitter
	stock   cache.StockCache
	opts    Options
	log     *logrus.Entry
	locks   *saleLocks
	now     func() time.Time
	newID   func(prefix string) string
}

func New(repo store.Repository, emitter *events.Emitter, stock cache.StockCache, opts Options) *Service {
	if opts.Log == nil {
		opts.Log = logging.Discard()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.NewID == nil {
		opts.NewID = xid.New
	}
	if opts.Gate == nil {
		opts.Gate = capability.NewDefault()
	}
	if emitter == nil {
		emitter = events.NewEmitter(opts.Log)
	}
	if stock == nil {
		stock = cache.NoopStockCache{}
	}

	return &Service{
		repo:    repo,
		machine: sale.NewMachine(opts.Policy, sale.WithClock(opts.Now), sale.WithIDGenerator(opts.NewID)),
		gate:    opts.Gate,
		emitter: emitter,
		stock:   stock,
		opts:    opts,
		log:     opts.Log.WithField("module", "service"),
		locks:   newSaleLocks(),
		now:     opts.Now,
		newID:   opts.NewID,
	}
}

func (s *Service) Create(ctx context.Context, op domain.OperationContext, in sale.CreateInput) (Result, error) {
	op = s.resolveContext(ctx, op)
	in.TenantID = op.TenantID
	in.LocationID = op.LocationID
	in.DeviceID = op.DeviceID
	in.OperatorID = op.Operator.ID
	if in.SaleID == "" {
		in.SaleID = s.newID("sale")
	}
	if strings.TrimSpace(in.Number) == "" {
		in.Number = strings.ToUpper(s.newID(op.DeviceID))
	}
	return s.execute(ctx, in.SaleID, queue.Payload{Operation: domain.OpCreate, Context: op, Create: &in})
}

func (s *Service) AddItem(ctx context.Context, op domain.OperationContext, saleID string, in sale.AddItemInput) (Result, error) {
	if in.LineID == "" {
		in.LineID = s.newID("line")
	}
	in.SKU = strings.ToUpper(strings.TrimSpace(in.SKU))
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpAddItem, Context: op, AddItem: &in})
}

func (s *Service) RemoveItem(ctx context.Context, op domain.OperationContext, saleID string, lineID string) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpRemoveItem, Context: op, LineID: lineID})
}

func (s *Service) UpdateQuantity(ctx context.Context, op domain.OperationContext, saleID string, lineID string, quantity int64) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpUpdateQuantity, Context: op, LineID: lineID, Quantity: quantity})
}

func (s *Service) ApplyDiscount(ctx context.Context, op domain.OperationContext, saleID string, in sale.DiscountInput) (Result, error) {
	if in.DiscountID == "" {
		in.DiscountID = s.newID("disc")
	}
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpApplyDiscount, Context: op, Discount: &in})
}

func (s *Service) RemoveDiscount(ctx context.Context, op domain.OperationContext, saleID string, discountID string) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpRemoveDiscount, Context: op, DiscountID: discountID})
}

func (s *Service) AddPayment(ctx context.Context, op domain.OperationContext, saleID string, in sale.PaymentInput) (Result, error) {
	if in.PaymentID == "" {
		in.PaymentID = s.newID("pay")
	}
	in.CardLastFour = strings.TrimSpace(in.CardLastFour)
	in.AuthorizationCode = strings.TrimSpace(in.AuthorizationCode)
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpAddPayment, Context: op, Payment: &in})
}

func (s *Service) Suspend(ctx context.Context, op domain.OperationContext, saleID string) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpSuspend, Context: op})
}

func (s *Service) Resume(ctx context.Context, op domain.OperationContext, saleID string) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpResume, Context: op})
}

func (s *Service) Complete(ctx context.Context, op domain.OperationContext, saleID string) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpComplete, Context: op})
}

func (s *Service) Void(ctx context.Context, op domain.OperationContext, saleID string, reason string) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpVoid, Context: op, Reason: reason})
}

func (s *Service) Refund(ctx context.Context, op domain.OperationContext, saleID string, in sale.RefundInput) (Result, error) {
	return s.execute(ctx, saleID, queue.Payload{Operation: domain.OpRefund, Context: op, Refund: &in})
}

// ResolveConflict records a decision on an open conflict as an ordinary queued
// action on the conflict's sale.
func (s *Service) ResolveConflict(ctx context.Context, op domain.OperationContext, conflictID string, decision domain.Decision, note string, adjustment money.Money) (Result, error) {
	rec, err := s.repo.GetConflict(ctx, conflictID)
	if err != nil {
		return Result{}, err
	}
	if rec.Status == domain.ResolutionResolved {
		return Result{}, domain.ErrConflictResolved
	}
	return s.execute(ctx, rec.SaleID, queue.Payload{
		Operation: domain.OpResolveConflict,
		Context:   op,
		Resolution: &domain.ConflictResolvedPayload{
			ConflictID: rec.ID,
			ActionKey:  rec.ActionKey,
			ActionSeq:  rec.ActionSeq,
			Decision:   decision,
			Note:       strings.TrimSpace(note),
			Adjustment: adjustment,
		},
	})
}

// Replay applies a previously encoded payload under its original key. A key
// that was already applied returns the stored outcome without writing. For a
// create, saleID may be empty and is taken from the payload.
func (s *Service) Replay(ctx context.Context, saleID string, key string, raw []byte) (Result, error) {
	if strings.TrimSpace(key) == "" {
		return Result{}, domain.Invalid("idempotency_key", "is required")
	}
	p, err := queue.Decode(raw)
	if err != nil {
		return Result{}, err
	}
	p.Context.IdempotencyKey = key
	if saleID == "" && p.Create != nil {
		saleID = p.Create.SaleID
	}
	return s.execute(ctx, saleID, p)
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	found, err := s.repo.GetSale(ctx, saleID)
	if err != nil {
		return domain.Sale{}, err
	}
	return *found, nil
}

func (s *Service) ListSales(ctx context.Context, filter store.SaleFilter) ([]domain.Sale, error) {
	if filter.Limit < 1 {
		filter.Limit = 50
	}
	return s.repo.ListSales(ctx, filter)
}

func (s *Service) Events(ctx context.Context, saleID string) ([]domain.Event, error) {
	return s.repo.ListEvents(ctx, saleID)
}

func (s *Service) Actions(ctx context.Context, filter store.ActionFilter) ([]domain.OfflineAction, error) {
	return s.repo.ListActions(ctx, filter)
}

func (s *Service) Conflicts(ctx context.Context, filter store.ConflictFilter) ([]domain.ConflictRecord, error) {
	return s.repo.ListConflicts(ctx, filter)
}

// execute is the single path for every mutation: dedup by key, gate, apply
// on a copy, commit atomically, then notify.
func (s *Service) execute(ctx context.Context, saleID string, p queue.Payload) (Result, error) {
	op := s.resolveContext(ctx, p.Context)
	p.Context = op

	if op.IdempotencyKey != "" {
		existing, err := s.repo.FindActionByKey(ctx, op.IdempotencyKey)
		if err == nil {
			return s.duplicate(ctx, existing)
		}
		if !errors.Is(err, store.ErrNotFound) {
			return Result{}, err
		}
	}
	if strings.TrimSpace(saleID) == "" {
		return Result{}, domain.Invalid("sale_id", "is required")
	}

	unlock := s.locks.lock(saleID)
	defer unlock()

	var current *domain.Sale
	if p.Operation != domain.OpCreate {
		found, err := s.repo.GetSale(ctx, saleID)
		if err != nil {
			return Result{}, err
		}
		if found.TenantID != op.TenantID {
			return Result{}, fmt.Errorf("sale %s: %w", saleID, store.ErrNotFound)
		}
		current = found
	}

	req := permissionRequest(current, p)
	decision := s.gate.CheckAll(op, capability.Required(req, s.opts.DiscountApprovalPercent)...)
	if !decision.Allowed {
		s.log.WithFields(logrus.Fields{
			"operation":         p.Operation,
			"sale_id":           saleID,
			"operator":          op.Operator.ID,
			"role":              op.Operator.Role,
			"permission":        decision.Permission,
			"requires_approval": decision.RequiresApproval,
		}).Warn("[audit] operation denied")
		return Result{}, decision.Err()
	}
	if p.Operation == domain.OpApplyDiscount && p.Discount != nil {
		p.Discount.AppliedBy = op.Operator.ID
		p.Discount.RequiresApproval = req.DiscountPercent.GreaterThan(s.opts.DiscountApprovalPercent)
		p.Discount.ApprovedBy = ""
		if p.Discount.RequiresApproval && op.Approver != nil {
			p.Discount.ApprovedBy = op.Approver.ID
		}
	}
	if p.Operation == domain.OpAddPayment && p.Payment != nil {
		p.Payment.OperatorID = op.Operator.ID
	}

	change, err := queue.Apply(s.machine, current, p)
	if err != nil {
		return Result{}, err
	}
	var expected int64
	if current != nil {
		expected = current.Version
	}
	if err := events.CheckContiguous(expected, change.Events); err != nil {
		return Result{}, err
	}

	raw, err := queue.Encode(p)
	if err != nil {
		return Result{}, err
	}
	now := s.now()
	commit := store.Commit{
		Sale:            change.Sale,
		ExpectedVersion: expected,
		Events:          change.Events,
		Action: domain.OfflineAction{
			ID:             s.newID("act"),
			IdempotencyKey: op.IdempotencyKey,
			TenantID:       op.TenantID,
			LocationID:     op.LocationID,
			DeviceID:       op.DeviceID,
			SaleID:         change.Sale.ID,
			OperatorID:     op.Operator.ID,
			Type:           p.Operation,
			Payload:        raw,
			OnlineRequired: queue.Classify(p),
			Status:         domain.ActionPending,
			CreatedAt:      now,
			UpdatedAt:      now,
		},
	}
	if p.Operation == domain.OpResolveConflict {
		commit.Resolution = &store.Resolution{
			ConflictID: p.Resolution.ConflictID,
			Decision:   p.Resolution.Decision,
			Note:       p.Resolution.Note,
			ResolvedBy: op.Operator.ID,
			ResolvedAt: now,
		}
	}

	saved, err := s.repo.Commit(ctx, commit)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateKey) && op.IdempotencyKey != "" {
			existing, findErr := s.repo.FindActionByKey(ctx, op.IdempotencyKey)
			if findErr == nil {
				return s.duplicate(ctx, existing)
			}
		}
		return Result{}, err
	}

	if err := s.emitter.Emit(ctx, saved.Events); err != nil {
		logging.LogError(s.log, "service", "execute", "emit events", saved.IdempotencyKey, err)
	}
	warnings := s.stockWarnings(ctx, change.Sale, p)

	s.logAudit(op, saved, warnings)

	return Result{
		Sale:     *change.Sale,
		Events:   saved.Events,
		Action:   saved,
		Warnings: warnings,
	}, nil
}

func (s *Service) duplicate(ctx context.Context, action *domain.OfflineAction) (Result, error) {
	current, err := s.repo.GetSale(ctx, action.SaleID)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Sale:      *current,
		Events:    action.Events,
		Action:    action,
		Duplicate: true,
	}, nil
}

// resolveContext fills the caller's context from the service defaults and
// from an actor attached to ctx.
func (s *Service) resolveContext(ctx context.Context, op domain.OperationContext) domain.OperationContext {
	if op.TenantID == "" {
		op.TenantID = s.opts.TenantID
	}
	if op.LocationID == "" {
		op.LocationID = s.opts.LocationID
	}
	if op.DeviceID == "" {
		op.DeviceID = s.opts.DeviceID
	}
	if op.Operator.ID == "" {
		if actor, ok := ActorFromContext(ctx); ok {
			op.Operator = actor
		}
	}
	op.IdempotencyKey = strings.TrimSpace(op.IdempotencyKey)
	return op
}

func permissionRequest(current *domain.Sale, p queue.Payload) capability.Request {
	req := capability.Request{Operation: p.Operation, HasReceipt: true}
	switch p.Operation {
	case domain.OpApplyDiscount:
		if p.Discount != nil && current != nil {
			req.DiscountPercent = effectivePercent(current, *p.Discount)
		}
	case domain.OpRefund:
		req.HasReceipt = p.Refund != nil && strings.TrimSpace(p.Refund.ReceiptRef) != ""
	}
	return req
}

// effectivePercent expresses a discount as a percentage of its target so
// fixed and percentage discounts share one approval threshold.
func effectivePercent(current *domain.Sale, in sale.DiscountInput) decimal.Decimal {
	if in.Type == domain.DiscountPercentage {
		return in.Value
	}
	var target money.Money
	switch in.Scope {
	case domain.DiscountScopeLine:
		idx, ok := current.FindItem(in.LineID)
		if !ok {
			return decimal.Zero
		}
		target = current.Items[idx].Subtotal
	default:
		target = current.Totals.Subtotal.Sub(current.Totals.DiscountTotal)
	}
	if !target.IsPositive() {
		if in.Value.IsPositive() {
			return decimal.NewFromInt(100)
		}
		return decimal.Zero
	}
	return in.Value.Div(target.Decimal()).Mul(decimal.NewFromInt(100))
}

// stockWarnings compares the sale's quantities with the last stock level seen
// from the backend. Warnings never block the operation.
func (s *Service) stockWarnings(ctx context.Context, current *domain.Sale, p queue.Payload) []string {
	if p.Operation != domain.OpAddItem && p.Operation != domain.OpUpdateQuantity {
		return nil
	}
	sku := ""
	if p.AddItem != nil {
		sku = p.AddItem.SKU
	} else if idx, ok := current.FindItem(p.LineID); ok {
		sku = current.Items[idx].SKU
	}
	if sku == "" {
		return nil
	}

	level, ok, err := s.stock.Get(ctx, current.LocationID, sku)
	if err != nil {
		s.log.WithError(err).WithField("sku", sku).Warn("stock cache lookup failed")
		return nil
	}
	if !ok {
		return nil
	}

	var warnings []string
	var requested int64
	var price money.Money
	for _, item := range current.Items {
		if item.SKU == sku {
			requested += item.Quantity
			price = item.UnitPrice
		}
	}
	if requested > level.Available {
		warnings = append(warnings, fmt.Sprintf("sku %s: %d requested, %d available at last sync", sku, requested, level.Available))
	}
	if level.Price.IsPositive() && !price.Equal(level.Price) {
		warnings = append(warnings, fmt.Sprintf("sku %s: local price %s differs from backend price %s", sku, price, level.Price))
	}
	return warnings
}

func (s *Service) logAudit(op domain.OperationContext, action *domain.OfflineAction, warnings []string) {
	entry := s.log.WithFields(logrus.Fields{
		"operation":       action.Type,
		"sale_id":         action.SaleID,
		"operator":        op.Operator.ID,
		"idempotency_key": action.IdempotencyKey,
		"seq":             action.Seq,
		"online_required": action.OnlineRequired,
	})
	if op.Approver != nil {
		entry = entry.WithField("approver", op.Approver.ID)
	}
	if len(warnings) > 0 {
		entry.WithField("warnings", warnings).Warn("[audit] operation accepted with warnings")
		return
	}
	entry.Info("[audit] operation accepted")
}
