package domain

import (
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"kasirsync/internal/money"
)

type SaleState string

const (
	StateDraft          SaleState = "DRAFT"
	StateSuspended      SaleState = "SUSPENDED"
	StatePendingPayment SaleState = "PENDING_PAYMENT"
	StatePartiallyPaid  SaleState = "PARTIALLY_PAID"
	StateCompleted      SaleState = "COMPLETED"
	StateVoided         SaleState = "VOIDED"
	StateRefunded       SaleState = "REFUNDED"
)

func (s SaleState) Terminal() bool {
	switch s {
	case StateCompleted, StateVoided, StateRefunded:
		return true
	default:
		return false
	}
}

// Operation names every mutating call on a sale. The same names are used as
// offline action types.
type Operation string

const (
	OpCreate          Operation = "create"
	OpAddItem         Operation = "add_item"
	OpRemoveItem      Operation = "remove_item"
	OpUpdateQuantity  Operation = "update_quantity"
	OpApplyDiscount   Operation = "apply_discount"
	OpRemoveDiscount  Operation = "remove_discount"
	OpAddPayment      Operation = "add_payment"
	OpSuspend         Operation = "suspend"
	OpResume          Operation = "resume"
	OpComplete        Operation = "complete"
	OpVoid            Operation = "void"
	OpRefund          Operation = "refund"
	OpResolveConflict Operation = "resolve_conflict"
)

// Actor is an operator already authenticated by the identity service.
type Actor struct {
	ID   string `json:"id"`
	Role string `json:"role"`
}

// OperationContext travels with every call into the sale engine.
type OperationContext struct {
	TenantID       string `json:"tenant_id"`
	LocationID     string `json:"location_id"`
	DeviceID       string `json:"device_id"`
	Operator       Actor  `json:"operator"`
	Approver       *Actor `json:"approver,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type LineItem struct {
	ID             string          `json:"id"`
	ProductID      string          `json:"product_id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	UnitPrice      money.Money     `json:"unit_price"`
	Quantity       int64           `json:"quantity"`
	Subtotal       money.Money     `json:"subtotal"`
	DiscountAmount money.Money     `json:"discount_amount"`
	TaxRate        decimal.Decimal `json:"tax_rate"`
	TaxAmount      money.Money     `json:"tax_amount"`
	TaxExempt      bool            `json:"tax_exempt"`
	Serial         string          `json:"serial,omitempty"`
	Batch          string          `json:"batch,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

type DiscountScope string

const (
	DiscountScopeLine DiscountScope = "line"
	DiscountScopeSale DiscountScope = "sale"
)

type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

type Discount struct {
	ID               string          `json:"id"`
	Scope            DiscountScope   `json:"scope"`
	Type             DiscountType    `json:"type"`
	LineID           string          `json:"line_id,omitempty"`
	Value            decimal.Decimal `json:"value"`
	Amount           money.Money     `json:"amount"`
	Reason           string          `json:"reason,omitempty"`
	AppliedBy        string          `json:"applied_by"`
	RequiresApproval bool            `json:"requires_approval"`
	ApprovedBy       string          `json:"approved_by,omitempty"`
	AppliedAt        time.Time       `json:"applied_at"`
}

type PaymentMethod string

const (
	PaymentCash        PaymentMethod = "cash"
	PaymentCard        PaymentMethod = "card"
	PaymentTransfer    PaymentMethod = "transfer"
	PaymentMobile      PaymentMethod = "mobile"
	PaymentStoreCredit PaymentMethod = "store_credit"
	PaymentSplit       PaymentMethod = "split"
)

// RequiresOnline reports whether the method needs a live gateway round-trip
// before the action can be considered settled.
func (m PaymentMethod) RequiresOnline() bool {
	return m == PaymentCard || m == PaymentMobile
}

type PaymentStatus string

const (
	PaymentCaptured PaymentStatus = "CAPTURED"
	PaymentFailed   PaymentStatus = "FAILED"
)

type PaymentSplit struct {
	Method    PaymentMethod `json:"method"`
	Amount    money.Money   `json:"amount"`
	Reference string        `json:"reference,omitempty"`
}

type Payment struct {
	ID                string         `json:"id"`
	Method            PaymentMethod  `json:"method"`
	Amount            money.Money    `json:"amount"`
	Tip               money.Money    `json:"tip"`
	CashReceived      money.Money    `json:"cash_received"`
	ChangeGiven       money.Money    `json:"change_given"`
	CardLastFour      string         `json:"card_last_four,omitempty"`
	AuthorizationCode string         `json:"authorization_code,omitempty"`
	TransferReference string         `json:"transfer_reference,omitempty"`
	Splits            []PaymentSplit `json:"splits,omitempty"`
	Status            PaymentStatus  `json:"status"`
	FailureReason     string         `json:"failure_reason,omitempty"`
	OfflineID         string         `json:"offline_id,omitempty"`
	OperatorID        string         `json:"operator_id"`
	CreatedAt         time.Time      `json:"created_at"`
}

func (p Payment) Counts() bool {
	return p.Status == PaymentCaptured
}

type Totals struct {
	Subtotal      money.Money `json:"subtotal"`
	DiscountTotal money.Money `json:"discount_total"`
	TaxTotal      money.Money `json:"tax_total"`
	GrandTotal    money.Money `json:"grand_total"`
	AmountPaid    money.Money `json:"amount_paid"`
	AmountDue     money.Money `json:"amount_due"`
	ChangeDue     money.Money `json:"change_due"`
}

type Sale struct {
	ID           string     `json:"id"`
	Number       string     `json:"number"`
	TenantID     string     `json:"tenant_id"`
	LocationID   string     `json:"location_id"`
	DeviceID     string     `json:"device_id"`
	OperatorID   string     `json:"operator_id"`
	RegisterID   string     `json:"register_id,omitempty"`
	SessionID    string     `json:"session_id,omitempty"`
	ShiftID      string     `json:"shift_id,omitempty"`
	CustomerID   string     `json:"customer_id,omitempty"`
	OfflineID    string     `json:"offline_id,omitempty"`
	Items        []LineItem `json:"items"`
	Discounts    []Discount `json:"discounts"`
	Payments     []Payment  `json:"payments"`
	Totals       Totals     `json:"totals"`
	State        SaleState  `json:"state"`
	VoidReason   string     `json:"void_reason,omitempty"`
	RefundReason string     `json:"refund_reason,omitempty"`
	Reserved     bool       `json:"reserved"`
	Version      int64      `json:"version"`
	Archived     bool       `json:"archived"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate a working copy and discard
// it on error.
func (s *Sale) Clone() *Sale {
	if s == nil {
		return nil
	}
	c := *s
	c.Items = slices.Clone(s.Items)
	c.Discounts = slices.Clone(s.Discounts)
	c.Payments = slices.Clone(s.Payments)
	for i := range c.Payments {
		c.Payments[i].Splits = slices.Clone(c.Payments[i].Splits)
	}
	if s.CompletedAt != nil {
		at := *s.CompletedAt
		c.CompletedAt = &at
	}
	return &c
}

func (s *Sale) FindItem(lineID string) (int, bool) {
	for i, item := range s.Items {
		if item.ID == lineID {
			return i, true
		}
	}
	return -1, false
}

func (s *Sale) FindDiscount(discountID string) (int, bool) {
	for i, d := range s.Discounts {
		if d.ID == discountID {
			return i, true
		}
	}
	return -1, false
}

func (s *Sale) HasCountedPayments() bool {
	for _, p := range s.Payments {
		if p.Counts() {
			return true
		}
	}
	return false
}

// StockLine is one SKU quantity carried by an inventory intent.
type StockLine struct {
	ProductID string      `json:"product_id"`
	SKU       string      `json:"sku"`
	Quantity  int64       `json:"quantity"`
	UnitPrice money.Money `json:"unit_price"`
}

// StockLines aggregates the sale's items by SKU, preserving first-seen order.
func (s *Sale) StockLines() []StockLine {
	index := make(map[string]int, len(s.Items))
	lines := make([]StockLine, 0, len(s.Items))
	for _, item := range s.Items {
		if i, ok := index[item.SKU]; ok {
			lines[i].Quantity += item.Quantity
			continue
		}
		index[item.SKU] = len(lines)
		lines = append(lines, StockLine{
			ProductID: item.ProductID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return lines
}
