package queue

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/sale"
)

func fixedMachine() *sale.Machine {
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	n := 0
	return sale.NewMachine(sale.Policy{},
		sale.WithClock(func() time.Time { return at }),
		sale.WithIDGenerator(func(prefix string) string {
			n++
			return prefix + "-" + strconv.Itoa(n)
		}),
	)
}

func TestEncodeDecodeKeepsOperationInput(t *testing.T) {
	in := Payload{
		Operation: domain.OpAddPayment,
		Context:   domain.OperationContext{TenantID: "t1", DeviceID: "d1", Operator: domain.Actor{ID: "op", Role: "cashier"}},
		Payment:   &sale.PaymentInput{PaymentID: "p1", Method: domain.PaymentCash, Amount: money.MustParse("12.50")},
	}
	raw, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, domain.OpAddPayment, out.Operation)
	assert.Equal(t, "d1", out.Context.DeviceID)
	require.NotNil(t, out.Payment)
	assert.Equal(t, "12.50", out.Payment.Amount.String())
	assert.Nil(t, out.AddItem)
}

func TestDecodeRejectsMissingOperation(t *testing.T) {
	_, err := Decode([]byte(`{"context":{}}`))
	assert.True(t, domain.IsValidation(err))

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		p    Payload
		want bool
	}{
		{"add item", Payload{Operation: domain.OpAddItem, AddItem: &sale.AddItemInput{SKU: "A"}}, false},
		{"cash", Payload{Operation: domain.OpAddPayment, Payment: &sale.PaymentInput{Method: domain.PaymentCash}}, false},
		{"transfer", Payload{Operation: domain.OpAddPayment, Payment: &sale.PaymentInput{Method: domain.PaymentTransfer}}, false},
		{"card", Payload{Operation: domain.OpAddPayment, Payment: &sale.PaymentInput{Method: domain.PaymentCard}}, true},
		{"mobile", Payload{Operation: domain.OpAddPayment, Payment: &sale.PaymentInput{Method: domain.PaymentMobile}}, true},
		{"failed card", Payload{Operation: domain.OpAddPayment, Payment: &sale.PaymentInput{Method: domain.PaymentCard, Failed: true}}, false},
		{"split with card", Payload{Operation: domain.OpAddPayment, Payment: &sale.PaymentInput{
			Method: domain.PaymentSplit,
			Splits: []domain.PaymentSplit{{Method: domain.PaymentCash}, {Method: domain.PaymentCard}},
		}}, true},
		{"void", Payload{Operation: domain.OpVoid, Reason: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.p))
		})
	}
}

func TestApplyDispatchesEveryOperation(t *testing.T) {
	m := fixedMachine()
	op := domain.OperationContext{TenantID: "t1", DeviceID: "d1", Operator: domain.Actor{ID: "op", Role: "cashier"}}

	steps := []Payload{
		{Operation: domain.OpCreate, Create: &sale.CreateInput{SaleID: "s1", Number: "N-1", TenantID: "t1", OperatorID: "op"}},
		{Operation: domain.OpAddItem, AddItem: &sale.AddItemInput{LineID: "l1", SKU: "A", Name: "A", UnitPrice: money.MustParse("10"), Quantity: 2}},
		{Operation: domain.OpUpdateQuantity, LineID: "l1", Quantity: 3},
		{Operation: domain.OpSuspend},
		{Operation: domain.OpResume},
		{Operation: domain.OpAddPayment, Payment: &sale.PaymentInput{PaymentID: "p1", Method: domain.PaymentCash, Amount: money.MustParse("30")}},
		{Operation: domain.OpComplete},
	}

	var current *domain.Sale
	for _, p := range steps {
		p.Context = op
		change, err := Apply(m, current, p)
		require.NoError(t, err, p.Operation)
		current = change.Sale
	}
	assert.Equal(t, domain.StateCompleted, current.State)
	assert.Equal(t, "0.00", current.Totals.AmountDue.String())
}

func TestApplyRequiresInputAndSale(t *testing.T) {
	m := fixedMachine()

	_, err := Apply(m, nil, Payload{Operation: domain.OpAddItem, AddItem: &sale.AddItemInput{SKU: "A"}})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = Apply(m, nil, Payload{Operation: domain.OpCreate})
	assert.True(t, domain.IsValidation(err))

	_, err = Apply(m, &domain.Sale{State: domain.StateDraft}, Payload{Operation: "teleport"})
	assert.True(t, domain.IsValidation(err))
}
