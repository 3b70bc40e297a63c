package capability

import (
	"github.com/shopspring/decimal"

	"kasirsync/internal/domain"
)

// Request describes the operation being gated. DiscountPercent is the
// effective percentage of the target subtotal for apply_discount; HasReceipt
// matters only for refunds.
type Request struct {
	Operation       domain.Operation
	DiscountPercent decimal.Decimal
	HasReceipt      bool
}

// Required maps an operation to the permissions it needs. Discounts strictly
// above approvalPercent need discount.override on top of discount.apply.
func Required(req Request, approvalPercent decimal.Decimal) []Permission {
	switch req.Operation {
	case domain.OpCreate:
		return []Permission{SaleCreate}
	case domain.OpAddItem, domain.OpRemoveItem, domain.OpUpdateQuantity, domain.OpRemoveDiscount:
		return []Permission{SaleEdit}
	case domain.OpApplyDiscount:
		if req.DiscountPercent.GreaterThan(approvalPercent) {
			return []Permission{DiscountApply, DiscountOverride}
		}
		return []Permission{DiscountApply}
	case domain.OpAddPayment:
		return []Permission{PaymentAdd}
	case domain.OpSuspend, domain.OpResume:
		return []Permission{SaleSuspend}
	case domain.OpComplete:
		return []Permission{SaleComplete}
	case domain.OpVoid:
		return []Permission{SaleVoid}
	case domain.OpRefund:
		if !req.HasReceipt {
			return []Permission{SaleRefund, RefundWithoutReceipt}
		}
		return []Permission{SaleRefund}
	case domain.OpResolveConflict:
		return []Permission{ReconcileResolve}
	default:
		return nil
	}
}
