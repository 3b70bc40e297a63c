// Package sale is the transactional aggregate: it applies one operation to a
// copy of a sale, recomputes totals and returns the events the change emitted.
// It never performs I/O and never blocks.
package sale

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/xid"
)

// Policy holds the configurable behaviour of the machine.
type Policy struct {
	// AutoCompleteExactCash completes a sale when a cash payment settles the
	// remaining amount exactly with no change. Off by default: completion
	// normally needs an explicit Complete call.
	AutoCompleteExactCash bool
}

type Machine struct {
	policy Policy
	now    func() time.Time
	newID  func(prefix string) string
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

func WithIDGenerator(fn func(prefix string) string) Option {
	return func(m *Machine) { m.newID = fn }
}

func NewMachine(policy Policy, opts ...Option) *Machine {
	m := &Machine{
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  xid.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Change is the outcome of one operation: the new snapshot and the events it
// emitted, in order. The input sale is never modified.
type Change struct {
	Sale   *domain.Sale
	Events []domain.Event
}

type CreateInput struct {
	SaleID     string `json:"sale_id,omitempty"`
	Number     string `json:"number"`
	TenantID   string `json:"tenant_id"`
	LocationID string `json:"location_id"`
	DeviceID   string `json:"device_id"`
	OperatorID string `json:"operator_id"`
	RegisterID string `json:"register_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	ShiftID    string `json:"shift_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	OfflineID  string `json:"offline_id,omitempty"`
}

type AddItemInput struct {
	LineID    string          `json:"line_id,omitempty"`
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Name      string          `json:"name"`
	UnitPrice money.Money     `json:"unit_price"`
	Quantity  int64           `json:"quantity"`
	TaxRate   decimal.Decimal `json:"tax_rate"`
	TaxExempt bool            `json:"tax_exempt"`
	Serial    string          `json:"serial,omitempty"`
	Batch     string          `json:"batch,omitempty"`
	Notes     string          `json:"notes,omitempty"`
}

type DiscountInput struct {
	DiscountID       string               `json:"discount_id,omitempty"`
	Scope            domain.DiscountScope `json:"scope"`
	Type             domain.DiscountType  `json:"type"`
	LineID           string               `json:"line_id,omitempty"`
	Value            decimal.Decimal      `json:"value"`
	Reason           string               `json:"reason,omitempty"`
	AppliedBy        string               `json:"applied_by"`
	RequiresApproval bool                 `json:"requires_approval"`
	ApprovedBy       string               `json:"approved_by,omitempty"`
}

type PaymentInput struct {
	PaymentID         string                `json:"payment_id,omitempty"`
	Method            domain.PaymentMethod  `json:"method"`
	Amount            money.Money           `json:"amount"`
	Tip               money.Money           `json:"tip"`
	CardLastFour      string                `json:"card_last_four,omitempty"`
	AuthorizationCode string                `json:"authorization_code,omitempty"`
	TransferReference string                `json:"transfer_reference,omitempty"`
	Splits            []domain.PaymentSplit `json:"splits,omitempty"`
	Failed            bool                  `json:"failed,omitempty"`
	FailureReason     string                `json:"failure_reason,omitempty"`
	OfflineID         string                `json:"offline_id,omitempty"`
	OperatorID        string                `json:"operator_id"`
}

type RefundInput struct {
	Reason     string `json:"reason"`
	ReceiptRef string `json:"receipt_ref,omitempty"`
	Restock    bool   `json:"restock"`
}

func (m *Machine) Create(in CreateInput) (*Change, error) {
	switch {
	case strings.TrimSpace(in.TenantID) == "":
		return nil, domain.Invalid("tenant_id", "is required")
	case strings.TrimSpace(in.OperatorID) == "":
		return nil, domain.Invalid("operator_id", "is required")
	case strings.TrimSpace(in.Number) == "":
		return nil, domain.Invalid("number", "is required")
	}
	id := in.SaleID
	if id == "" {
		id = m.newID("sale")
	}
	now := m.now()
	s := &domain.Sale{
		ID:         id,
		Number:     strings.TrimSpace(in.Number),
		TenantID:   in.TenantID,
		LocationID: in.LocationID,
		DeviceID:   in.DeviceID,
		OperatorID: in.OperatorID,
		RegisterID: in.RegisterID,
		SessionID:  in.SessionID,
		ShiftID:    in.ShiftID,
		CustomerID: in.CustomerID,
		OfflineID:  in.OfflineID,
		Items:      []domain.LineItem{},
		Discounts:  []domain.Discount{},
		Payments:   []domain.Payment{},
		State:      domain.StateDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	Recompute(s)
	c := &Change{Sale: s}
	m.emit(c, domain.EventSaleCreated, domain.SaleCreatedPayload{
		Number:     s.Number,
		OperatorID: s.OperatorID,
		CustomerID: s.CustomerID,
		OfflineID:  s.OfflineID,
	})
	return c, nil
}

func (m *Machine) AddItem(current *domain.Sale, in AddItemInput) (*Change, error) {
	if err := guard(current, domain.OpAddItem); err != nil {
		return nil, err
	}
	switch {
	case in.Quantity <= 0:
		return nil, domain.Invalid("quantity", "must be greater than zero")
	case in.UnitPrice.IsNegative():
		return nil, domain.Invalid("unit_price", "must not be negative")
	case in.TaxRate.IsNegative():
		return nil, domain.Invalid("tax_rate", "must not be negative")
	case strings.TrimSpace(in.SKU) == "" && strings.TrimSpace(in.ProductID) == "":
		return nil, domain.Invalid("sku", "or product_id is required")
	}
	c := m.begin(current)
	lineID := in.LineID
	if lineID == "" {
		lineID = m.newID("line")
	}
	if _, exists := c.Sale.FindItem(lineID); exists {
		return nil, domain.Invalid("line_id", "already exists")
	}
	c.Sale.Items = append(c.Sale.Items, domain.LineItem{
		ID:        lineID,
		ProductID: in.ProductID,
		SKU:       strings.TrimSpace(in.SKU),
		Name:      strings.TrimSpace(in.Name),
		UnitPrice: in.UnitPrice,
		Quantity:  in.Quantity,
		TaxRate:   in.TaxRate,
		TaxExempt: in.TaxExempt,
		Serial:    in.Serial,
		Batch:     in.Batch,
		Notes:     in.Notes,
	})
	Recompute(c.Sale)
	idx, _ := c.Sale.FindItem(lineID)
	m.emit(c, domain.EventItemAdded, domain.ItemAddedPayload{Item: c.Sale.Items[idx]})
	m.rebalance(c, current)
	return c, nil
}

// RemoveItem drops the line and any line-level discount attached to it.
func (m *Machine) RemoveItem(current *domain.Sale, lineID string) (*Change, error) {
	if err := guard(current, domain.OpRemoveItem); err != nil {
		return nil, err
	}
	idx, ok := current.FindItem(lineID)
	if !ok {
		return nil, domain.Invalid("line_id", "not found on sale")
	}
	c := m.begin(current)
	removed := c.Sale.Items[idx]
	c.Sale.Items = append(c.Sale.Items[:idx], c.Sale.Items[idx+1:]...)

	var dropped []string
	kept := c.Sale.Discounts[:0]
	for _, d := range c.Sale.Discounts {
		if d.Scope == domain.DiscountScopeLine && d.LineID == lineID {
			dropped = append(dropped, d.ID)
			continue
		}
		kept = append(kept, d)
	}
	c.Sale.Discounts = kept

	Recompute(c.Sale)
	if err := coversPayments(c.Sale); err != nil {
		return nil, err
	}
	m.emit(c, domain.EventItemRemoved, domain.ItemRemovedPayload{
		LineID:           removed.ID,
		SKU:              removed.SKU,
		Quantity:         removed.Quantity,
		DroppedDiscounts: dropped,
	})
	m.rebalance(c, current)
	return c, nil
}

func (m *Machine) UpdateQuantity(current *domain.Sale, lineID string, quantity int64) (*Change, error) {
	if err := guard(current, domain.OpUpdateQuantity); err != nil {
		return nil, err
	}
	if quantity <= 0 {
		return nil, domain.Invalid("quantity", "must be greater than zero")
	}
	idx, ok := current.FindItem(lineID)
	if !ok {
		return nil, domain.Invalid("line_id", "not found on sale")
	}
	c := m.begin(current)
	from := c.Sale.Items[idx].Quantity
	c.Sale.Items[idx].Quantity = quantity
	Recompute(c.Sale)
	if err := coversPayments(c.Sale); err != nil {
		return nil, err
	}
	m.emit(c, domain.EventItemQuantityUpdated, domain.ItemQuantityUpdatedPayload{
		LineID: lineID,
		SKU:    c.Sale.Items[idx].SKU,
		From:   from,
		To:     quantity,
	})
	m.rebalance(c, current)
	return c, nil
}

// ApplyDiscount clamps percentages to [0,100] and fixed values to the subtotal
// of their target at the time they are applied. Approval thresholds are the
// caller's concern.
func (m *Machine) ApplyDiscount(current *domain.Sale, in DiscountInput) (*Change, error) {
	if err := guard(current, domain.OpApplyDiscount); err != nil {
		return nil, err
	}
	if in.Value.IsNegative() {
		return nil, domain.Invalid("value", "must not be negative")
	}
	var target money.Money
	switch in.Scope {
	case domain.DiscountScopeLine:
		idx, ok := current.FindItem(in.LineID)
		if !ok {
			return nil, domain.Invalid("line_id", "not found on sale")
		}
		target = current.Items[idx].Subtotal
	case domain.DiscountScopeSale:
		if in.LineID != "" {
			return nil, domain.Invalid("line_id", "must be empty for a sale discount")
		}
		target = current.Totals.Subtotal.Sub(current.Totals.DiscountTotal).ClampZero()
	default:
		return nil, domain.Invalid("scope", "must be line or sale")
	}

	value := in.Value
	switch in.Type {
	case domain.DiscountPercentage:
		value = clampPercent(value)
	case domain.DiscountFixed:
		value = money.Min(money.FromDecimal(value).Round(), target).Decimal()
	default:
		return nil, domain.Invalid("type", "must be percentage or fixed")
	}

	c := m.begin(current)
	id := in.DiscountID
	if id == "" {
		id = m.newID("disc")
	}
	if _, exists := c.Sale.FindDiscount(id); exists {
		return nil, domain.Invalid("discount_id", "already exists")
	}
	c.Sale.Discounts = append(c.Sale.Discounts, domain.Discount{
		ID:               id,
		Scope:            in.Scope,
		Type:             in.Type,
		LineID:           in.LineID,
		Value:            value,
		Reason:           strings.TrimSpace(in.Reason),
		AppliedBy:        in.AppliedBy,
		RequiresApproval: in.RequiresApproval,
		ApprovedBy:       in.ApprovedBy,
		AppliedAt:        c.Sale.UpdatedAt,
	})
	Recompute(c.Sale)
	if err := coversPayments(c.Sale); err != nil {
		return nil, err
	}
	idx, _ := c.Sale.FindDiscount(id)
	m.emit(c, domain.EventDiscountApplied, domain.DiscountAppliedPayload{Discount: c.Sale.Discounts[idx]})
	return c, nil
}

func (m *Machine) RemoveDiscount(current *domain.Sale, discountID string) (*Change, error) {
	if err := guard(current, domain.OpRemoveDiscount); err != nil {
		return nil, err
	}
	idx, ok := current.FindDiscount(discountID)
	if !ok {
		return nil, domain.Invalid("discount_id", "not found on sale")
	}
	c := m.begin(current)
	c.Sale.Discounts = append(c.Sale.Discounts[:idx], c.Sale.Discounts[idx+1:]...)
	Recompute(c.Sale)
	m.emit(c, domain.EventDiscountRemoved, domain.DiscountRemovedPayload{DiscountID: discountID})
	return c, nil
}

// AddPayment appends a payment. A cash tender above the amount due applies
// only the amount due and records the rest as change; other methods may not
// over-pay. A payment that settles the sale moves it to PENDING_PAYMENT and
// waits for Complete unless the exact-cash policy is on.
func (m *Machine) AddPayment(current *domain.Sale, in PaymentInput) (*Change, error) {
	if err := guard(current, domain.OpAddPayment); err != nil {
		return nil, err
	}
	if err := validatePayment(current, in); err != nil {
		return nil, err
	}

	c := m.begin(current)
	id := in.PaymentID
	if id == "" {
		id = m.newID("pay")
	}
	for _, p := range c.Sale.Payments {
		if p.ID == id {
			return nil, domain.Invalid("payment_id", "already exists")
		}
	}
	payment := domain.Payment{
		ID:                id,
		Method:            in.Method,
		Amount:            in.Amount.Round(),
		Tip:               in.Tip.Round(),
		CardLastFour:      in.CardLastFour,
		AuthorizationCode: in.AuthorizationCode,
		TransferReference: in.TransferReference,
		Splits:            append([]domain.PaymentSplit(nil), in.Splits...),
		Status:            domain.PaymentCaptured,
		OfflineID:         in.OfflineID,
		OperatorID:        in.OperatorID,
		CreatedAt:         c.Sale.UpdatedAt,
	}

	if in.Failed {
		payment.Status = domain.PaymentFailed
		payment.FailureReason = strings.TrimSpace(in.FailureReason)
		c.Sale.Payments = append(c.Sale.Payments, payment)
		Recompute(c.Sale)
		m.emit(c, domain.EventPaymentFailed, domain.PaymentPayload{Payment: payment, AmountDue: c.Sale.Totals.AmountDue})
		return c, nil
	}

	due := current.Totals.AmountDue
	if in.Method == domain.PaymentCash {
		payment.CashReceived = payment.Amount
		if payment.Amount.GreaterThan(due) {
			payment.ChangeGiven = payment.Amount.Sub(due)
			payment.Amount = due
		}
	}

	firstCounted := !c.Sale.Reserved
	c.Sale.Payments = append(c.Sale.Payments, payment)
	Recompute(c.Sale)
	m.emit(c, domain.EventPaymentAdded, domain.PaymentPayload{Payment: payment, AmountDue: c.Sale.Totals.AmountDue})

	if firstCounted {
		c.Sale.Reserved = true
		m.emit(c, domain.EventInventoryReservation, domain.InventoryIntentPayload{
			LocationID: c.Sale.LocationID,
			Lines:      c.Sale.StockLines(),
		})
	}

	if !c.Sale.Totals.AmountDue.IsZero() {
		c.Sale.State = domain.StatePartiallyPaid
		return c, nil
	}
	c.Sale.State = domain.StatePendingPayment
	if m.policy.AutoCompleteExactCash && in.Method == domain.PaymentCash && payment.ChangeGiven.IsZero() {
		m.completeInto(c)
	}
	return c, nil
}

// coversPayments refuses an edit that would leave counted payments above the
// grand total. Overpayment is only ever settled as change when a payment is
// added, so an edit may not create it afterwards.
func coversPayments(s *domain.Sale) error {
	if s.HasCountedPayments() && s.Totals.GrandTotal.LessThan(s.Totals.AmountPaid) {
		return domain.Invalid("grand_total", "would fall below the amount already paid")
	}
	return nil
}

// rebalance keeps an existing reservation in step with the items: added
// quantities are reserved and removed quantities released.
func (m *Machine) rebalance(c *Change, before *domain.Sale) {
	if !c.Sale.Reserved {
		return
	}
	reserve, release := stockDelta(before.StockLines(), c.Sale.StockLines())
	if len(reserve) > 0 {
		m.emit(c, domain.EventInventoryReservation, domain.InventoryIntentPayload{LocationID: c.Sale.LocationID, Lines: reserve})
	}
	if len(release) > 0 {
		m.emit(c, domain.EventInventoryRelease, domain.InventoryIntentPayload{LocationID: c.Sale.LocationID, Lines: release})
	}
}

func stockDelta(before, after []domain.StockLine) (reserve, release []domain.StockLine) {
	had := make(map[string]domain.StockLine, len(before))
	for _, line := range before {
		had[line.SKU] = line
	}
	for _, line := range after {
		diff := line.Quantity - had[line.SKU].Quantity
		delete(had, line.SKU)
		switch {
		case diff > 0:
			line.Quantity = diff
			reserve = append(reserve, line)
		case diff < 0:
			line.Quantity = -diff
			release = append(release, line)
		}
	}
	for _, line := range before {
		if gone, ok := had[line.SKU]; ok {
			release = append(release, gone)
		}
	}
	return reserve, release
}

func validatePayment(s *domain.Sale, in PaymentInput) error {
	switch in.Method {
	case domain.PaymentCash, domain.PaymentCard, domain.PaymentTransfer,
		domain.PaymentMobile, domain.PaymentStoreCredit, domain.PaymentSplit:
	default:
		return domain.Invalid("method", "is not supported")
	}
	if !s.Totals.Subtotal.IsPositive() {
		return domain.Invalid("sale", "has no billable items")
	}
	if in.Amount.IsNegative() || in.Tip.IsNegative() {
		return domain.Invalid("amount", "must not be negative")
	}
	grand := s.Totals.GrandTotal
	due := s.Totals.AmountDue
	if in.Amount.IsZero() && !grand.IsZero() {
		return domain.Invalid("amount", "must be greater than zero")
	}
	if in.Failed {
		return nil
	}
	if due.IsZero() && !grand.IsZero() {
		return domain.Invalid("amount", "sale is already fully paid")
	}
	if in.Method != domain.PaymentCash && in.Amount.Round().GreaterThan(due) {
		return domain.Invalid("amount", "exceeds amount due for a non-cash payment")
	}
	if in.Method == domain.PaymentCard && len(strings.TrimSpace(in.CardLastFour)) > 4 {
		return domain.Invalid("card_last_four", "must be at most four digits")
	}
	if in.Method == domain.PaymentSplit {
		if len(in.Splits) < 2 {
			return domain.Invalid("splits", "needs at least two parts")
		}
		total := money.Zero()
		for _, part := range in.Splits {
			if part.Method == domain.PaymentSplit || !part.Amount.IsPositive() {
				return domain.Invalid("splits", "each part needs a concrete method and positive amount")
			}
			total = total.Add(part.Amount)
		}
		if !total.Round().Equal(in.Amount.Round()) {
			return domain.Invalid("splits", "must sum to the payment amount")
		}
	} else if len(in.Splits) > 0 {
		return domain.Invalid("splits", "only allowed for split payments")
	}
	return nil
}

func (m *Machine) Suspend(current *domain.Sale) (*Change, error) {
	if err := guard(current, domain.OpSuspend); err != nil {
		return nil, err
	}
	c := m.begin(current)
	from := c.Sale.State
	c.Sale.State = domain.StateSuspended
	m.emit(c, domain.EventSaleSuspended, domain.StateChangePayload{From: from, To: domain.StateSuspended})
	return c, nil
}

// Resume returns to the state implied by the payments collected so far.
func (m *Machine) Resume(current *domain.Sale) (*Change, error) {
	if err := guard(current, domain.OpResume); err != nil {
		return nil, err
	}
	c := m.begin(current)
	Recompute(c.Sale)
	switch {
	case !c.Sale.HasCountedPayments():
		c.Sale.State = domain.StateDraft
	case c.Sale.Totals.AmountDue.IsZero():
		c.Sale.State = domain.StatePendingPayment
	default:
		c.Sale.State = domain.StatePartiallyPaid
	}
	m.emit(c, domain.EventSaleResumed, domain.StateChangePayload{From: domain.StateSuspended, To: c.Sale.State})
	return c, nil
}

func (m *Machine) Complete(current *domain.Sale) (*Change, error) {
	if err := guard(current, domain.OpComplete); err != nil {
		return nil, err
	}
	if !current.Totals.AmountDue.IsZero() {
		return nil, domain.Invalid("amount_due", "must be zero to complete")
	}
	c := m.begin(current)
	m.completeInto(c)
	return c, nil
}

func (m *Machine) completeInto(c *Change) {
	at := c.Sale.UpdatedAt
	c.Sale.State = domain.StateCompleted
	c.Sale.CompletedAt = &at
	m.emit(c, domain.EventSaleCompleted, domain.SaleCompletedPayload{Totals: c.Sale.Totals})
	m.emit(c, domain.EventInventoryDeduction, domain.InventoryIntentPayload{
		LocationID: c.Sale.LocationID,
		Lines:      c.Sale.StockLines(),
	})
}

func (m *Machine) Void(current *domain.Sale, reason string) (*Change, error) {
	if err := guard(current, domain.OpVoid); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, domain.Invalid("reason", "is required")
	}
	c := m.begin(current)
	from := c.Sale.State
	c.Sale.State = domain.StateVoided
	c.Sale.VoidReason = reason
	m.emit(c, domain.EventSaleVoided, domain.StateChangePayload{From: from, To: domain.StateVoided, Reason: reason})
	if c.Sale.Reserved {
		m.emit(c, domain.EventInventoryRelease, domain.InventoryIntentPayload{
			LocationID: c.Sale.LocationID,
			Lines:      c.Sale.StockLines(),
		})
	}
	return c, nil
}

func (m *Machine) Refund(current *domain.Sale, in RefundInput) (*Change, error) {
	if err := guard(current, domain.OpRefund); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, domain.Invalid("reason", "is required")
	}
	c := m.begin(current)
	c.Sale.State = domain.StateRefunded
	c.Sale.RefundReason = reason
	m.emit(c, domain.EventSaleRefunded, domain.SaleRefundedPayload{
		Reason:     reason,
		ReceiptRef: strings.TrimSpace(in.ReceiptRef),
		Amount:     c.Sale.Totals.AmountPaid,
		Restock:    in.Restock,
	})
	if in.Restock {
		m.emit(c, domain.EventInventoryReturn, domain.InventoryIntentPayload{
			LocationID: c.Sale.LocationID,
			Lines:      c.Sale.StockLines(),
		})
	}
	return c, nil
}

// RecordResolution appends a ConflictResolved event without touching sale
// state. Resolutions are allowed in every state, terminal ones included.
func (m *Machine) RecordResolution(current *domain.Sale, payload domain.ConflictResolvedPayload) (*Change, error) {
	if !payload.Decision.Valid() {
		return nil, domain.Invalid("decision", "must be ACCEPT, REJECT or ADJUST")
	}
	if payload.Adjustment.IsNegative() {
		return nil, domain.Invalid("adjustment", "must not be negative")
	}
	c := m.begin(current)
	m.emit(c, domain.EventConflictResolved, payload)
	return c, nil
}

func (m *Machine) begin(current *domain.Sale) *Change {
	s := current.Clone()
	s.UpdatedAt = m.now()
	return &Change{Sale: s}
}

// emit appends the next event of the sale's log. Version doubles as the
// per-sale event sequence.
func (m *Machine) emit(c *Change, t domain.EventType, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		// Payloads are plain structs of marshalable fields.
		panic(err)
	}
	c.Sale.Version++
	c.Events = append(c.Events, domain.Event{
		ID:         m.newID("evt"),
		SaleID:     c.Sale.ID,
		TenantID:   c.Sale.TenantID,
		Seq:        c.Sale.Version,
		Type:       t,
		Category:   t.Category(),
		OccurredAt: c.Sale.UpdatedAt,
		Payload:    raw,
	})
}
