// Package queue defines the replayable envelope stored with every offline
// action and the dispatcher that turns one back into a sale change.
package queue

import (
	"encoding/json"
	"fmt"

	"kasirsync/internal/domain"
	"kasirsync/internal/sale"
)

// Payload is the operation and its input exactly as the operator issued it.
// Only the field matching Operation is set.
type Payload struct {
	Operation  domain.Operation                `json:"operation"`
	Context    domain.OperationContext         `json:"context"`
	Create     *sale.CreateInput               `json:"create,omitempty"`
	AddItem    *sale.AddItemInput              `json:"add_item,omitempty"`
	LineID     string                          `json:"line_id,omitempty"`
	Quantity   int64                           `json:"quantity,omitempty"`
	Discount   *sale.DiscountInput             `json:"discount,omitempty"`
	DiscountID string                          `json:"discount_id,omitempty"`
	Payment    *sale.PaymentInput              `json:"payment,omitempty"`
	Reason     string                          `json:"reason,omitempty"`
	Refund     *sale.RefundInput               `json:"refund,omitempty"`
	Resolution *domain.ConflictResolvedPayload `json:"resolution,omitempty"`
}

func Encode(p Payload) (json.RawMessage, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", p.Operation, err)
	}
	return raw, nil
}

func Decode(raw json.RawMessage) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Payload{}, fmt.Errorf("decode action payload: %w", err)
	}
	if p.Operation == "" {
		return Payload{}, domain.Invalid("operation", "is required")
	}
	return p, nil
}

// Classify reports whether the action needs a live gateway before it can be
// treated as settled. Only captured card or mobile money is online-required;
// everything else is safe to accept offline.
func Classify(p Payload) bool {
	if p.Operation != domain.OpAddPayment || p.Payment == nil || p.Payment.Failed {
		return false
	}
	if p.Payment.Method.RequiresOnline() {
		return true
	}
	for _, split := range p.Payment.Splits {
		if split.Method.RequiresOnline() {
			return true
		}
	}
	return false
}

// Apply runs the payload against the current snapshot. current is nil only
// for create.
func Apply(m *sale.Machine, current *domain.Sale, p Payload) (*sale.Change, error) {
	if p.Operation != domain.OpCreate && current == nil {
		return nil, fmt.Errorf("%s: %w", p.Operation, domain.ErrNotFound)
	}
	switch p.Operation {
	case domain.OpCreate:
		if p.Create == nil {
			return nil, domain.Invalid("create", "is required")
		}
		return m.Create(*p.Create)
	case domain.OpAddItem:
		if p.AddItem == nil {
			return nil, domain.Invalid("add_item", "is required")
		}
		return m.AddItem(current, *p.AddItem)
	case domain.OpRemoveItem:
		return m.RemoveItem(current, p.LineID)
	case domain.OpUpdateQuantity:
		return m.UpdateQuantity(current, p.LineID, p.Quantity)
	case domain.OpApplyDiscount:
		if p.Discount == nil {
			return nil, domain.Invalid("discount", "is required")
		}
		return m.ApplyDiscount(current, *p.Discount)
	case domain.OpRemoveDiscount:
		return m.RemoveDiscount(current, p.DiscountID)
	case domain.OpAddPayment:
		if p.Payment == nil {
			return nil, domain.Invalid("payment", "is required")
		}
		return m.AddPayment(current, *p.Payment)
	case domain.OpSuspend:
		return m.Suspend(current)
	case domain.OpResume:
		return m.Resume(current)
	case domain.OpComplete:
		return m.Complete(current)
	case domain.OpVoid:
		return m.Void(current, p.Reason)
	case domain.OpRefund:
		if p.Refund == nil {
			return nil, domain.Invalid("refund", "is required")
		}
		return m.Refund(current, *p.Refund)
	case domain.OpResolveConflict:
		if p.Resolution == nil {
			return nil, domain.Invalid("resolution", "is required")
		}
		return m.RecordResolution(current, *p.Resolution)
	default:
		return nil, domain.Invalid("operation", fmt.Sprintf("unknown operation %q", p.Operation))
	}
}
