package sale

import (
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
)

func newTestMachine(policy Policy) *Machine {
	n := 0
	return NewMachine(policy,
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }),
		WithIDGenerator(func(prefix string) string {
			n++
			return fmt.Sprintf("%s-%d", prefix, n)
		}),
	)
}

func mustCreate(t *testing.T, m *Machine) *domain.Sale {
	t.Helper()
	c, err := m.Create(CreateInput{Number: "S-0001", TenantID: "t1", LocationID: "loc-1", DeviceID: "dev-1", OperatorID: "op-1"})
	require.NoError(t, err)
	return c.Sale
}

func mustAdd(t *testing.T, m *Machine, s *domain.Sale, sku, price string, qty int64) *domain.Sale {
	t.Helper()
	c, err := m.AddItem(s, AddItemInput{SKU: sku, ProductID: "p-" + sku, Name: sku, UnitPrice: money.MustParse(price), Quantity: qty})
	require.NoError(t, err)
	return c.Sale
}

func assertTotalsInvariant(t *testing.T, s *domain.Sale) {
	t.Helper()
	tot := s.Totals
	assert.True(t, tot.GrandTotal.Equal(tot.Subtotal.Sub(tot.DiscountTotal).Add(tot.TaxTotal)),
		"grand %s != %s - %s + %s", tot.GrandTotal, tot.Subtotal, tot.DiscountTotal, tot.TaxTotal)
	want := money.Max(tot.GrandTotal.Sub(tot.AmountPaid), money.Zero())
	assert.True(t, tot.AmountDue.Equal(want), "due %s != %s", tot.AmountDue, want)
	assert.False(t, tot.AmountDue.IsNegative())
}

func eventTypes(events []domain.Event) []domain.EventType {
	out := make([]domain.EventType, 0, len(events))
	for _, e := range events {
		out = append(out, e.Type)
	}
	return out
}

func TestCheckoutScenarioWithSaleDiscountAndCash(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)
	s = mustAdd(t, m, s, "SKU-1", "1000.00", 3)

	c, err := m.ApplyDiscount(s, DiscountInput{Scope: domain.DiscountScopeSale, Type: domain.DiscountPercentage, Value: decimal.NewFromInt(10), AppliedBy: "op-1"})
	require.NoError(t, err)
	s = c.Sale
	assert.Equal(t, "2700.00", s.Totals.GrandTotal.String())

	c, err = m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("2700.00"), OperatorID: "op-1"})
	require.NoError(t, err)
	s = c.Sale
	assert.Equal(t, domain.StatePendingPayment, s.State)
	assert.True(t, s.Totals.AmountDue.IsZero())
	assert.Equal(t, []domain.EventType{domain.EventPaymentAdded, domain.EventInventoryReservation}, eventTypes(c.Events))

	c, err = m.Complete(s)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, c.Sale.State)
	require.Len(t, c.Events, 2)
	assert.Equal(t, domain.EventSaleCompleted, c.Events[0].Type)
	assert.Equal(t, domain.EventInventoryDeduction, c.Events[1].Type)
	assert.Equal(t, domain.CategoryIntent, c.Events[1].Category)

	var intent domain.InventoryIntentPayload
	require.NoError(t, c.Events[1].Decode(&intent))
	require.Len(t, intent.Lines, 1)
	assert.Equal(t, int64(3), intent.Lines[0].Quantity)
	assert.Equal(t, "SKU-1", intent.Lines[0].SKU)
}

func TestTotalsInvariantHoldsAfterEveryMutation(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)
	assertTotalsInvariant(t, s)

	c, err := m.AddItem(s, AddItemInput{LineID: "l1", SKU: "A", UnitPrice: money.MustParse("19.99"), Quantity: 3, TaxRate: decimal.NewFromInt(11)})
	require.NoError(t, err)
	s = c.Sale
	assertTotalsInvariant(t, s)

	c, err = m.AddItem(s, AddItemInput{LineID: "l2", SKU: "B", UnitPrice: money.MustParse("5.55"), Quantity: 1, TaxExempt: true})
	require.NoError(t, err)
	s = c.Sale
	assertTotalsInvariant(t, s)

	c, err = m.ApplyDiscount(s, DiscountInput{DiscountID: "d1", Scope: domain.DiscountScopeLine, LineID: "l1", Type: domain.DiscountFixed, Value: decimal.RequireFromString("7.25")})
	require.NoError(t, err)
	s = c.Sale
	assertTotalsInvariant(t, s)

	c, err = m.ApplyDiscount(s, DiscountInput{DiscountID: "d2", Scope: domain.DiscountScopeSale, Type: domain.DiscountPercentage, Value: decimal.RequireFromString("12.5")})
	require.NoError(t, err)
	s = c.Sale
	assertTotalsInvariant(t, s)

	c, err = m.UpdateQuantity(s, "l1", 7)
	require.NoError(t, err)
	s = c.Sale
	assertTotalsInvariant(t, s)

	c, err = m.AddPayment(s, PaymentInput{Method: domain.PaymentTransfer, Amount: money.MustParse("10.00"), TransferReference: "TRX-1"})
	require.NoError(t, err)
	s = c.Sale
	assertTotalsInvariant(t, s)
	assert.Equal(t, domain.StatePartiallyPaid, s.State)

	c, err = m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("1000.00")})
	require.NoError(t, err)
	s = c.Sale
	assertTotalsInvariant(t, s)
	assert.True(t, s.Totals.AmountDue.IsZero())
	assert.True(t, s.Totals.ChangeDue.IsPositive())
}

func TestPaidSaleEditsCannotHideOverpayment(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)
	c, err := m.AddItem(s, AddItemInput{LineID: "l1", SKU: "A", UnitPrice: money.MustParse("50.00"), Quantity: 2})
	require.NoError(t, err)
	c, err = m.AddPayment(c.Sale, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("100.00")})
	require.NoError(t, err)
	sus, err := m.Suspend(c.Sale)
	require.NoError(t, err)
	paid := sus.Sale

	_, err = m.RemoveItem(paid, "l1")
	assert.True(t, domain.IsValidation(err), "removing the only paid line: %v", err)
	_, err = m.UpdateQuantity(paid, "l1", 1)
	assert.True(t, domain.IsValidation(err), "lowering a paid quantity: %v", err)
	_, err = m.ApplyDiscount(paid, DiscountInput{Scope: domain.DiscountScopeSale, Type: domain.DiscountPercentage, Value: decimal.NewFromInt(10)})
	assert.True(t, domain.IsValidation(err), "discounting a paid sale: %v", err)

	added, err := m.AddItem(paid, AddItemInput{LineID: "l2", SKU: "B", UnitPrice: money.MustParse("20.00"), Quantity: 1})
	require.NoError(t, err)
	assertTotalsInvariant(t, added.Sale)
	assert.Equal(t, []domain.EventType{domain.EventItemAdded, domain.EventInventoryReservation}, eventTypes(added.Events))
	var reserved domain.InventoryIntentPayload
	require.NoError(t, added.Events[1].Decode(&reserved))
	require.Len(t, reserved.Lines, 1)
	assert.Equal(t, "B", reserved.Lines[0].SKU)

	// the new line can come off again without touching what was paid
	removed, err := m.RemoveItem(added.Sale, "l2")
	require.NoError(t, err)
	assertTotalsInvariant(t, removed.Sale)
	assert.Equal(t, []domain.EventType{domain.EventItemRemoved, domain.EventInventoryRelease}, eventTypes(removed.Events))

	res, err := m.Resume(removed.Sale)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingPayment, res.Sale.State)
	assert.True(t, res.Sale.Totals.GrandTotal.Equal(res.Sale.Totals.AmountPaid))
}

func TestRemoveItemDropsItsLineDiscounts(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)
	c, err := m.AddItem(s, AddItemInput{LineID: "l1", SKU: "A", UnitPrice: money.MustParse("10.00"), Quantity: 2})
	require.NoError(t, err)
	c, err = m.ApplyDiscount(c.Sale, DiscountInput{DiscountID: "d1", Scope: domain.DiscountScopeLine, LineID: "l1", Type: domain.DiscountFixed, Value: decimal.NewFromInt(5)})
	require.NoError(t, err)

	c, err = m.RemoveItem(c.Sale, "l1")
	require.NoError(t, err)
	assert.Empty(t, c.Sale.Items)
	assert.Empty(t, c.Sale.Discounts)
	assert.True(t, c.Sale.Totals.GrandTotal.IsZero())

	var payload domain.ItemRemovedPayload
	require.NoError(t, c.Events[0].Decode(&payload))
	assert.Equal(t, []string{"d1"}, payload.DroppedDiscounts)
}

func TestDiscountClamping(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)
	c, err := m.AddItem(s, AddItemInput{LineID: "l1", SKU: "A", UnitPrice: money.MustParse("40.00"), Quantity: 1})
	require.NoError(t, err)
	s = c.Sale

	pct, err := m.ApplyDiscount(s, DiscountInput{Scope: domain.DiscountScopeSale, Type: domain.DiscountPercentage, Value: decimal.NewFromInt(150)})
	require.NoError(t, err)
	assert.True(t, pct.Sale.Discounts[0].Value.Equal(decimal.NewFromInt(100)))
	assert.True(t, pct.Sale.Totals.GrandTotal.IsZero())

	fixed, err := m.ApplyDiscount(s, DiscountInput{Scope: domain.DiscountScopeLine, LineID: "l1", Type: domain.DiscountFixed, Value: decimal.NewFromInt(75)})
	require.NoError(t, err)
	assert.Equal(t, "40.00", fixed.Sale.Items[0].DiscountAmount.String())
	assert.False(t, fixed.Sale.Items[0].Subtotal.Sub(fixed.Sale.Items[0].DiscountAmount).IsNegative())
	assertTotalsInvariant(t, fixed.Sale)

	_, err = m.ApplyDiscount(s, DiscountInput{Scope: domain.DiscountScopeSale, Type: domain.DiscountFixed, Value: decimal.NewFromInt(-1)})
	assert.True(t, domain.IsValidation(err))
}

func TestLineDiscountsClampCumulatively(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)
	c, err := m.AddItem(s, AddItemInput{LineID: "l1", SKU: "A", UnitPrice: money.MustParse("10.00"), Quantity: 1})
	require.NoError(t, err)
	c, err = m.ApplyDiscount(c.Sale, DiscountInput{Scope: domain.DiscountScopeLine, LineID: "l1", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(80)})
	require.NoError(t, err)
	c, err = m.ApplyDiscount(c.Sale, DiscountInput{Scope: domain.DiscountScopeLine, LineID: "l1", Type: domain.DiscountPercentage, Value: decimal.NewFromInt(80)})
	require.NoError(t, err)

	assert.Equal(t, "10.00", c.Sale.Items[0].DiscountAmount.String())
	assert.Equal(t, "2.00", c.Sale.Discounts[1].Amount.String())
	assert.True(t, c.Sale.Totals.GrandTotal.IsZero())
}

func TestTaxAppliesAfterProportionalSaleDiscount(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)
	c, err := m.AddItem(s, AddItemInput{LineID: "l1", SKU: "A", UnitPrice: money.MustParse("100.00"), Quantity: 1, TaxRate: decimal.NewFromInt(10)})
	require.NoError(t, err)
	c, err = m.AddItem(c.Sale, AddItemInput{LineID: "l2", SKU: "B", UnitPrice: money.MustParse("100.00"), Quantity: 1, TaxExempt: true, TaxRate: decimal.NewFromInt(10)})
	require.NoError(t, err)
	c, err = m.ApplyDiscount(c.Sale, DiscountInput{Scope: domain.DiscountScopeSale, Type: domain.DiscountFixed, Value: decimal.NewFromInt(50)})
	require.NoError(t, err)

	// l1 carries half of the 50.00 discount, so its taxable base is 75.00.
	assert.Equal(t, "7.50", c.Sale.Totals.TaxTotal.String())
	assert.Equal(t, "157.50", c.Sale.Totals.GrandTotal.String())
	assertTotalsInvariant(t, c.Sale)
}

func TestAddItemValidation(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustCreate(t, m)

	_, err := m.AddItem(s, AddItemInput{SKU: "A", UnitPrice: money.MustParse("1.00"), Quantity: 0})
	assert.True(t, domain.IsValidation(err))
	_, err = m.AddItem(s, AddItemInput{SKU: "A", UnitPrice: money.MustParse("1.00"), Quantity: -2})
	assert.True(t, domain.IsValidation(err))
	_, err = m.AddItem(s, AddItemInput{SKU: "A", UnitPrice: money.MustParse("-1.00"), Quantity: 1})
	assert.True(t, domain.IsValidation(err))
	_, err = m.AddItem(s, AddItemInput{UnitPrice: money.MustParse("1.00"), Quantity: 1})
	assert.True(t, domain.IsValidation(err))
}

func TestCreateRequiresTenantOperatorAndNumber(t *testing.T) {
	m := newTestMachine(Policy{})
	for _, in := range []CreateInput{
		{Number: "S-1", OperatorID: "op"},
		{Number: "S-1", TenantID: "t"},
		{TenantID: "t", OperatorID: "op"},
	} {
		_, err := m.Create(in)
		assert.True(t, domain.IsValidation(err), "%+v", in)
	}
}

func TestCannotCompleteWithAmountDue(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustAdd(t, m, mustCreate(t, m), "A", "50.00", 2)

	_, err := m.Complete(s)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidTransition(err))

	c, err := m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("40.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePartiallyPaid, c.Sale.State)

	_, err = m.Complete(c.Sale)
	require.Error(t, err)
	assert.NotEqual(t, domain.StateCompleted, c.Sale.State)
}

func TestPaymentRules(t *testing.T) {
	m := newTestMachine(Policy{})
	empty := mustCreate(t, m)
	_, err := m.AddPayment(empty, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("1.00")})
	assert.True(t, domain.IsValidation(err), "payment needs a positive subtotal")

	s := mustAdd(t, m, empty, "A", "30.00", 1)

	_, err = m.AddPayment(s, PaymentInput{Method: domain.PaymentCard, Amount: money.MustParse("31.00")})
	assert.True(t, domain.IsValidation(err), "card may not over-pay")

	_, err = m.AddPayment(s, PaymentInput{Method: "cheque", Amount: money.MustParse("1.00")})
	assert.True(t, domain.IsValidation(err))

	c, err := m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("50.00")})
	require.NoError(t, err)
	p := c.Sale.Payments[0]
	assert.Equal(t, "30.00", p.Amount.String())
	assert.Equal(t, "50.00", p.CashReceived.String())
	assert.Equal(t, "20.00", p.ChangeGiven.String())
	assert.True(t, c.Sale.Totals.AmountDue.IsZero())
	assert.Equal(t, domain.StatePendingPayment, c.Sale.State, "payment alone never completes")

	_, err = m.AddPayment(c.Sale, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("1.00")})
	assert.True(t, domain.IsValidation(err), "already fully paid")
}

func TestSplitPaymentMustSum(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 1)

	_, err := m.AddPayment(s, PaymentInput{Method: domain.PaymentSplit, Amount: money.MustParse("30.00"), Splits: []domain.PaymentSplit{
		{Method: domain.PaymentCash, Amount: money.MustParse("10.00")},
		{Method: domain.PaymentCard, Amount: money.MustParse("10.00")},
	}})
	assert.True(t, domain.IsValidation(err))

	c, err := m.AddPayment(s, PaymentInput{Method: domain.PaymentSplit, Amount: money.MustParse("30.00"), Splits: []domain.PaymentSplit{
		{Method: domain.PaymentCash, Amount: money.MustParse("10.00")},
		{Method: domain.PaymentCard, Amount: money.MustParse("20.00"), Reference: "AUTH-9"},
	}})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingPayment, c.Sale.State)
}

func TestFailedPaymentDoesNotCount(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 1)

	c, err := m.AddPayment(s, PaymentInput{Method: domain.PaymentCard, Amount: money.MustParse("30.00"), Failed: true, FailureReason: "declined"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraft, c.Sale.State)
	assert.Equal(t, "30.00", c.Sale.Totals.AmountDue.String())
	assert.False(t, c.Sale.Reserved)
	assert.Equal(t, []domain.EventType{domain.EventPaymentFailed}, eventTypes(c.Events))
	assert.Equal(t, domain.PaymentFailed, c.Sale.Payments[0].Status)
}

func TestAutoCompleteExactCashPolicy(t *testing.T) {
	m := newTestMachine(Policy{AutoCompleteExactCash: true})
	s := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 1)

	c, err := m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("10.00")})
	require.NoError(t, err)
	c, err = m.AddPayment(c.Sale, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("20.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, c.Sale.State)
	assert.Equal(t, []domain.EventType{domain.EventPaymentAdded, domain.EventSaleCompleted, domain.EventInventoryDeduction}, eventTypes(c.Events))

	// Change owed still needs the operator to confirm.
	c, err = m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("50.00")})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingPayment, c.Sale.State)
}

func TestVoidFromEveryNonTerminalState(t *testing.T) {
	m := newTestMachine(Policy{})
	draft := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 1)

	suspended, err := m.Suspend(draft)
	require.NoError(t, err)
	partial, err := m.AddPayment(draft, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("10.00")})
	require.NoError(t, err)
	pending, err := m.AddPayment(draft, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("30.00")})
	require.NoError(t, err)

	cases := []struct {
		name        string
		sale        *domain.Sale
		wantRelease bool
	}{
		{"draft", draft, false},
		{"suspended", suspended.Sale, false},
		{"partially paid", partial.Sale, true},
		{"pending payment", pending.Sale, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, err := m.Void(tc.sale, "customer left")
			require.NoError(t, err)
			assert.Equal(t, domain.StateVoided, c.Sale.State)
			voided := 0
			released := 0
			for _, e := range c.Events {
				switch e.Type {
				case domain.EventSaleVoided:
					voided++
				case domain.EventInventoryRelease:
					released++
				}
			}
			assert.Equal(t, 1, voided)
			if tc.wantRelease {
				assert.Equal(t, 1, released)
			} else {
				assert.Zero(t, released)
			}
		})
	}

	_, err = m.Void(draft, "   ")
	assert.True(t, domain.IsValidation(err))
}

func TestTerminalStatesRejectMutation(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 1)
	voided, err := m.Void(s, "test")
	require.NoError(t, err)

	_, err = m.AddItem(voided.Sale, AddItemInput{SKU: "B", UnitPrice: money.MustParse("1.00"), Quantity: 1})
	var invalid *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, domain.StateVoided, invalid.State)
	assert.Equal(t, domain.OpAddItem, invalid.Operation)

	_, err = m.Void(voided.Sale, "again")
	assert.True(t, domain.IsInvalidTransition(err))
	_, err = m.Refund(voided.Sale, RefundInput{Reason: "x"})
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestSuspendResumePreservesState(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 1)

	sus, err := m.Suspend(s)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSuspended, sus.Sale.State)
	_, err = m.AddPayment(sus.Sale, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("1.00")})
	assert.True(t, domain.IsInvalidTransition(err))

	added, err := m.AddItem(sus.Sale, AddItemInput{SKU: "B", UnitPrice: money.MustParse("5.00"), Quantity: 1})
	require.NoError(t, err)

	res, err := m.Resume(added.Sale)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDraft, res.Sale.State)
	assert.Len(t, res.Sale.Items, 2)
	assert.Equal(t, "35.00", res.Sale.Totals.GrandTotal.String())

	paid, err := m.AddPayment(res.Sale, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("35.00")})
	require.NoError(t, err)
	sus, err = m.Suspend(paid.Sale)
	require.NoError(t, err)
	res, err = m.Resume(sus.Sale)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingPayment, res.Sale.State)
}

func TestRefundFromCompleted(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 2)
	c, err := m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("60.00")})
	require.NoError(t, err)
	c, err = m.Complete(c.Sale)
	require.NoError(t, err)

	r, err := m.Refund(c.Sale, RefundInput{Reason: "damaged", ReceiptRef: "S-0001", Restock: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, r.Sale.State)
	assert.Equal(t, []domain.EventType{domain.EventSaleRefunded, domain.EventInventoryReturn}, eventTypes(r.Events))

	_, err = m.Refund(r.Sale, RefundInput{Reason: "again"})
	assert.True(t, domain.IsInvalidTransition(err))
}

func TestEventSequenceIsStrictlyIncreasing(t *testing.T) {
	m := newTestMachine(Policy{})
	created, err := m.Create(CreateInput{Number: "S-9", TenantID: "t1", OperatorID: "op"})
	require.NoError(t, err)
	log := append([]domain.Event(nil), created.Events...)

	c, err := m.AddItem(created.Sale, AddItemInput{SKU: "A", UnitPrice: money.MustParse("30.00"), Quantity: 1})
	require.NoError(t, err)
	log = append(log, c.Events...)
	c, err = m.AddPayment(c.Sale, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("30.00")})
	require.NoError(t, err)
	log = append(log, c.Events...)
	c, err = m.Complete(c.Sale)
	require.NoError(t, err)
	log = append(log, c.Events...)

	for i, e := range log {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.Equal(t, created.Sale.ID, e.SaleID)
	}
	assert.Equal(t, int64(len(log)), c.Sale.Version)
}

func TestOperationsDoNotMutateInput(t *testing.T) {
	m := newTestMachine(Policy{})
	s := mustAdd(t, m, mustCreate(t, m), "A", "30.00", 1)
	before := s.Clone()

	_, err := m.AddItem(s, AddItemInput{SKU: "B", UnitPrice: money.MustParse("1.00"), Quantity: 1})
	require.NoError(t, err)
	_, err = m.AddPayment(s, PaymentInput{Method: domain.PaymentCash, Amount: money.MustParse("5.00")})
	require.NoError(t, err)

	assert.Equal(t, before, s)
}

func TestAllowedTableIsTotal(t *testing.T) {
	states := []domain.SaleState{
		domain.StateDraft, domain.StateSuspended, domain.StatePendingPayment, domain.StatePartiallyPaid,
		domain.StateCompleted, domain.StateVoided, domain.StateRefunded,
	}
	for _, st := range states {
		_, ok := transitions[st]
		assert.True(t, ok, "state %s missing from transition table", st)
		if st.Terminal() {
			assert.False(t, Allowed(st, domain.OpVoid))
			assert.False(t, Allowed(st, domain.OpAddItem))
		} else {
			assert.True(t, Allowed(st, domain.OpVoid))
		}
	}
}
