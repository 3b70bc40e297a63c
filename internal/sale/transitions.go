package sale

import "kasirsync/internal/domain"

// transitions lists every operation permitted per state. Anything missing is
// an InvalidTransition; there is no fallback.
var transitions = map[domain.SaleState]map[domain.Operation]bool{
	domain.StateDraft: {
		domain.OpAddItem:        true,
		domain.OpRemoveItem:     true,
		domain.OpUpdateQuantity: true,
		domain.OpApplyDiscount:  true,
		domain.OpRemoveDiscount: true,
		domain.OpAddPayment:     true,
		domain.OpSuspend:        true,
		domain.OpVoid:           true,
	},
	domain.StateSuspended: {
		domain.OpAddItem:        true,
		domain.OpRemoveItem:     true,
		domain.OpUpdateQuantity: true,
		domain.OpApplyDiscount:  true,
		domain.OpRemoveDiscount: true,
		domain.OpResume:         true,
		domain.OpVoid:           true,
	},
	domain.StatePendingPayment: {
		domain.OpAddPayment: true,
		domain.OpSuspend:    true,
		domain.OpComplete:   true,
		domain.OpVoid:       true,
	},
	domain.StatePartiallyPaid: {
		domain.OpAddPayment: true,
		domain.OpVoid:       true,
	},
	domain.StateCompleted: {
		domain.OpRefund: true,
	},
	domain.StateVoided:   {},
	domain.StateRefunded: {},
}

// Allowed reports whether op may run while the sale is in state.
func Allowed(state domain.SaleState, op domain.Operation) bool {
	return transitions[state][op]
}

func guard(s *domain.Sale, op domain.Operation) error {
	if !Allowed(s.State, op) {
		return &domain.InvalidTransitionError{State: s.State, Operation: op}
	}
	return nil
}
