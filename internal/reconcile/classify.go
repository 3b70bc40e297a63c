// Package reconcile turns sync outcomes into conflict records and reports on
// them. Nothing here corrects data: the only write is a resolution decision,
// which is queued like any other sale operation.
package reconcile

import (
	"strings"
	"time"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/queue"
)

// NewRecord builds the OPEN conflict record for an action the backend refused
// or that could not be delivered. current may be nil when the sale snapshot is
// no longer available locally.
func NewRecord(id string, action domain.OfflineAction, current *domain.Sale, detail domain.ConflictDetail, critical money.Money, now time.Time) domain.ConflictRecord {
	exposure := Exposure(action, current, detail)
	severity, variance := Assess(detail, exposure, critical)
	return domain.ConflictRecord{
		ID:           id,
		TenantID:     action.TenantID,
		LocationID:   action.LocationID,
		DeviceID:     action.DeviceID,
		SaleID:       action.SaleID,
		ActionKey:    action.IdempotencyKey,
		ActionSeq:    action.Seq,
		ActionStatus: action.Status,
		Kind:         detail.Kind,
		Severity:     severity,
		Variance:     variance,
		Detail:       detail,
		Exposure:     exposure,
		Status:       domain.ResolutionOpen,
		CreatedAt:    now,
	}
}

// Exposure estimates the money at stake in a conflict.
func Exposure(action domain.OfflineAction, current *domain.Sale, detail domain.ConflictDetail) money.Money {
	switch detail.Kind {
	case domain.ConflictOversell:
		total := money.Zero()
		for _, sh := range detail.Shortages {
			total = total.Add(unitPrice(current, action, sh.SKU).MulQty(sh.Shortage))
		}
		return total.Round()
	case domain.ConflictStalePrice:
		total := money.Zero()
		for _, diff := range detail.PriceDiffs {
			gap := diff.BackendPrice.Sub(diff.LocalPrice)
			if gap.IsNegative() {
				gap = money.Zero().Sub(gap)
			}
			total = total.Add(gap.MulQty(quantityOf(current, diff.SKU)))
		}
		return total.Round()
	case domain.ConflictDuplicateSettlement:
		return detail.Amount.Round()
	default:
		if detail.Amount.IsPositive() {
			return detail.Amount.Round()
		}
		return actionValue(action, current)
	}
}

// Assess maps a conflict to its severity and direction. Any conflict at or
// above the critical exposure is CRITICAL; a settlement captured twice always
// is.
func Assess(detail domain.ConflictDetail, exposure money.Money, critical money.Money) (domain.Severity, domain.Variance) {
	var severity domain.Severity
	var variance domain.Variance
	switch detail.Kind {
	case domain.ConflictOversell:
		severity, variance = domain.SeverityWarning, domain.VarianceShortage
	case domain.ConflictDuplicateSettlement:
		severity, variance = domain.SeverityCritical, domain.VarianceSurplus
	case domain.ConflictStalePrice:
		severity, variance = domain.SeverityAttention, domain.VarianceSurplus
		for _, diff := range detail.PriceDiffs {
			if diff.BackendPrice.GreaterThan(diff.LocalPrice) {
				variance = domain.VarianceShortage
				break
			}
		}
	default:
		severity, variance = domain.SeverityWarning, domain.VarianceMatch
		if exposure.IsPositive() {
			variance = domain.VarianceShortage
		}
	}
	if critical.IsPositive() && exposure.Cmp(critical) >= 0 {
		severity = domain.SeverityCritical
	}
	return severity, variance
}

func unitPrice(current *domain.Sale, action domain.OfflineAction, sku string) money.Money {
	if current != nil {
		for _, item := range current.Items {
			if item.SKU == sku {
				return item.UnitPrice
			}
		}
	}
	for _, ev := range action.Events {
		if ev.Category != domain.CategoryIntent {
			continue
		}
		var intent domain.InventoryIntentPayload
		if err := ev.Decode(&intent); err != nil {
			continue
		}
		for _, line := range intent.Lines {
			if line.SKU == sku {
				return line.UnitPrice
			}
		}
	}
	return money.Zero()
}

func quantityOf(current *domain.Sale, sku string) int64 {
	if current == nil {
		return 1
	}
	var qty int64
	for _, item := range current.Items {
		if item.SKU == sku {
			qty += item.Quantity
		}
	}
	if qty == 0 {
		return 1
	}
	return qty
}

// actionValue is the money an undelivered action would have moved.
func actionValue(action domain.OfflineAction, current *domain.Sale) money.Money {
	switch action.Type {
	case domain.OpAddPayment:
		p, err := queue.Decode(action.Payload)
		if err != nil || p.Payment == nil || p.Payment.Failed {
			return money.Zero()
		}
		return p.Payment.Amount.Round()
	case domain.OpComplete, domain.OpRefund:
		if current != nil {
			return current.Totals.GrandTotal
		}
	}
	return money.Zero()
}

func describe(rec domain.ConflictRecord) string {
	msg := strings.TrimSpace(rec.Detail.Message)
	if msg == "" {
		msg = string(rec.Kind)
	}
	return msg
}
