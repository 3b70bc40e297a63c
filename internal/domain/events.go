package domain

import (
	"encoding/json"
	"time"

	"kasirsync/internal/money"
)

type EventType string

const (
	EventSaleCreated          EventType = "SaleCreated"
	EventItemAdded            EventType = "ItemAdded"
	EventItemRemoved          EventType = "ItemRemoved"
	EventItemQuantityUpdated  EventType = "ItemQuantityUpdated"
	EventDiscountApplied      EventType = "DiscountApplied"
	EventDiscountRemoved      EventType = "DiscountRemoved"
	EventPaymentAdded         EventType = "PaymentAdded"
	EventPaymentFailed        EventType = "PaymentFailed"
	EventSaleSuspended        EventType = "SaleSuspended"
	EventSaleResumed          EventType = "SaleResumed"
	EventSaleCompleted        EventType = "SaleCompleted"
	EventSaleVoided           EventType = "SaleVoided"
	EventSaleRefunded         EventType = "SaleRefunded"
	EventConflictResolved     EventType = "ConflictResolved"
	EventInventoryReservation EventType = "InventoryReservationRequested"
	EventInventoryDeduction   EventType = "InventoryDeductionRequested"
	EventInventoryRelease     EventType = "InventoryReleaseRequested"
	EventInventoryReturn      EventType = "InventoryReturnRequested"
)

type EventCategory string

const (
	// CategoryDomain records what happened to the sale.
	CategoryDomain EventCategory = "domain"
	// CategoryIntent asks the authoritative backend to act. Nothing is assumed
	// to have happened until the backend acknowledges it.
	CategoryIntent EventCategory = "intent"
)

func (t EventType) Category() EventCategory {
	switch t {
	case EventInventoryReservation, EventInventoryDeduction, EventInventoryRelease, EventInventoryReturn:
		return CategoryIntent
	default:
		return CategoryDomain
	}
}

// Event is immutable once appended to a sale's log.
type Event struct {
	ID         string          `json:"id"`
	SaleID     string          `json:"sale_id"`
	TenantID   string          `json:"tenant_id"`
	Seq        int64           `json:"seq"`
	Type       EventType       `json:"type"`
	Category   EventCategory   `json:"category"`
	ActionKey  string          `json:"action_key,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
	Delivered  bool            `json:"delivered"`
}

func (e Event) Decode(dest any) error {
	return json.Unmarshal(e.Payload, dest)
}

type SaleCreatedPayload struct {
	Number     string `json:"number"`
	OperatorID string `json:"operator_id"`
	CustomerID string `json:"customer_id,omitempty"`
	OfflineID  string `json:"offline_id,omitempty"`
}

type ItemAddedPayload struct {
	Item LineItem `json:"item"`
}

type ItemRemovedPayload struct {
	LineID           string   `json:"line_id"`
	SKU              string   `json:"sku"`
	Quantity         int64    `json:"quantity"`
	DroppedDiscounts []string `json:"dropped_discounts,omitempty"`
}

type ItemQuantityUpdatedPayload struct {
	LineID string `json:"line_id"`
	SKU    string `json:"sku"`
	From   int64  `json:"from"`
	To     int64  `json:"to"`
}

type DiscountAppliedPayload struct {
	Discount Discount `json:"discount"`
}

type DiscountRemovedPayload struct {
	DiscountID string `json:"discount_id"`
}

type PaymentPayload struct {
	Payment   Payment     `json:"payment"`
	AmountDue money.Money `json:"amount_due"`
}

type StateChangePayload struct {
	From   SaleState `json:"from"`
	To     SaleState `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

type SaleCompletedPayload struct {
	Totals Totals `json:"totals"`
}

type SaleRefundedPayload struct {
	Reason     string      `json:"reason"`
	ReceiptRef string      `json:"receipt_ref,omitempty"`
	Amount     money.Money `json:"amount"`
	Restock    bool        `json:"restock"`
}

type ConflictResolvedPayload struct {
	ConflictID string      `json:"conflict_id"`
	ActionKey  string      `json:"action_key,omitempty"`
	ActionSeq  int64       `json:"action_seq,omitempty"`
	Decision   Decision    `json:"decision"`
	Note       string      `json:"note,omitempty"`
	Adjustment money.Money `json:"adjustment"`
}

// InventoryIntentPayload is shared by every inventory intent event.
type InventoryIntentPayload struct {
	LocationID string      `json:"location_id"`
	Lines      []StockLine `json:"lines"`
}
