package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/sale"
	"kasirsync/internal/service"
	"kasirsync/internal/store"
	"kasirsync/internal/store/memory"
)

var at = time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

type device struct {
	id   string
	svc  *service.Service
	repo *memory.Store
}

func newDevice(id string) *device {
	repo := memory.New()
	n := 0
	svc := service.New(repo, nil, nil, service.Options{
		TenantID:                "t1",
		LocationID:              "loc-1",
		DeviceID:                id,
		DiscountApprovalPercent: decimal.NewFromInt(10),
		NewID: func(prefix string) string {
			n++
			return fmt.Sprintf("%s-%s-%d", id, prefix, n)
		},
	})
	return &device{id: id, svc: svc, repo: repo}
}

var kasir = domain.OperationContext{Operator: domain.Actor{ID: "kasir", Role: "cashier"}}

// sell rings up one line, pays it in full and completes the sale.
func (d *device) sell(t *testing.T, sku, price string, qty int64, pay sale.PaymentInput) string {
	t.Helper()
	ctx := context.Background()
	created, err := d.svc.Create(ctx, kasir, sale.CreateInput{})
	require.NoError(t, err)
	id := created.Sale.ID
	_, err = d.svc.AddItem(ctx, kasir, id, sale.AddItemInput{SKU: sku, Name: sku, UnitPrice: money.MustParse(price), Quantity: qty})
	require.NoError(t, err)
	if pay.Method == "" {
		pay.Method = domain.PaymentCash
	}
	pay.Amount = money.MustParse(price).MulQty(qty)
	_, err = d.svc.AddPayment(ctx, kasir, id, pay)
	require.NoError(t, err)
	_, err = d.svc.Complete(ctx, kasir, id)
	require.NoError(t, err)
	return id
}

func (d *device) actions(t *testing.T, saleID string) []domain.OfflineAction {
	t.Helper()
	out, err := d.repo.ListActions(context.Background(), store.ActionFilter{DeviceID: d.id, SaleID: saleID})
	require.NoError(t, err)
	return out
}

func newLedger(t *testing.T, levels ...domain.StockLevel) *Service {
	t.Helper()
	svc := NewService(NewMemoryStore(), nil)
	require.NoError(t, svc.Seed(context.Background(), "loc-1", levels))
	return svc
}

func submitAll(t *testing.T, svc *Service, actions []domain.OfflineAction) error {
	t.Helper()
	for _, a := range actions {
		if _, err := svc.Submit(context.Background(), a); err != nil {
			return err
		}
	}
	return nil
}

func available(t *testing.T, svc *Service, sku string) int64 {
	t.Helper()
	levels, err := svc.Stock(context.Background(), "loc-1", []string{sku})
	require.NoError(t, err)
	require.Len(t, levels, 1)
	return levels[0].Available
}

func TestTwoDeviceOversellConflictsOnSecond(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 1, Price: money.MustParse("10")})
	d1, d2 := newDevice("d1"), newDevice("d2")

	s1 := d1.sell(t, "A", "10", 1, sale.PaymentInput{})
	s2 := d2.sell(t, "A", "10", 1, sale.PaymentInput{})

	require.NoError(t, submitAll(t, ledger, d1.actions(t, s1)))

	second := d2.actions(t, s2)
	require.NoError(t, submitAll(t, ledger, second[:len(second)-1]))
	_, err := ledger.Submit(context.Background(), second[len(second)-1])

	var se *domain.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.SyncConflict, se.Kind)
	require.NotNil(t, se.Conflict)
	assert.Equal(t, domain.ConflictOversell, se.Conflict.Kind)
	require.Len(t, se.Conflict.Shortages, 1)
	assert.Equal(t, int64(1), se.Conflict.Shortages[0].Shortage)
	assert.Equal(t, int64(0), se.Conflict.Shortages[0].Available)
	assert.Equal(t, int64(0), available(t, ledger, "A"))

	// the resend gets the same answer
	ack, err := ledger.Submit(context.Background(), second[len(second)-1])
	require.ErrorAs(t, err, &se)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, domain.ConflictOversell, se.Conflict.Kind)
}

func TestSubmitIsIdempotentOnKey(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 5, Price: money.MustParse("10")})
	d := newDevice("d1")
	id := d.sell(t, "A", "10", 2, sale.PaymentInput{})
	actions := d.actions(t, id)

	require.NoError(t, submitAll(t, ledger, actions))
	last := actions[len(actions)-1]
	ack, err := ledger.Submit(context.Background(), last)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
	assert.Equal(t, int64(3), available(t, ledger, "A"))
	require.Len(t, ack.Stock, 1)
	assert.Equal(t, int64(3), ack.Stock[0].Available)
}

func TestOutOfOrderActionIsRefused(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 5})
	d := newDevice("d1")
	actions := d.actions(t, d.sell(t, "A", "10", 1, sale.PaymentInput{}))
	require.GreaterOrEqual(t, len(actions), 2)

	_, err := ledger.Submit(context.Background(), actions[1])
	require.ErrorIs(t, err, ErrOutOfOrder)
	assert.Equal(t, domain.SyncRetryable, Classify(err).Kind)

	require.NoError(t, submitAll(t, ledger, actions))
}

func TestStalePriceDeductsAndConflicts(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 5, Price: money.MustParse("12")})
	d := newDevice("d1")
	actions := d.actions(t, d.sell(t, "A", "10", 2, sale.PaymentInput{}))

	err := submitAll(t, ledger, actions)
	var se *domain.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.ConflictStalePrice, se.Conflict.Kind)
	require.Len(t, se.Conflict.PriceDiffs, 1)
	assert.Equal(t, "12.00", se.Conflict.PriceDiffs[0].BackendPrice.String())
	assert.Equal(t, int64(3), available(t, ledger, "A"))
}

func TestDuplicateSettlementAcrossSales(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 5})
	d := newDevice("d1")
	card := sale.PaymentInput{Method: domain.PaymentCard, CardLastFour: "4242", AuthorizationCode: "AUTH-1"}

	require.NoError(t, submitAll(t, ledger, d.actions(t, d.sell(t, "A", "10", 1, card))))

	err := submitAll(t, ledger, d.actions(t, d.sell(t, "A", "10", 1, card)))
	var se *domain.SyncError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.ConflictDuplicateSettlement, se.Conflict.Kind)
	assert.Equal(t, "10.00", se.Conflict.Amount.String())
}

func resolution(t *testing.T, deviceID, saleID string, seq, prev int64, p domain.ConflictResolvedPayload) domain.OfflineAction {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return domain.OfflineAction{
		IdempotencyKey: store.ActionKey(deviceID, saleID, seq),
		DeviceID:       deviceID,
		SaleID:         saleID,
		LocationID:     "loc-1",
		Seq:            seq,
		PrevSeq:        prev,
		Type:           domain.OpResolveConflict,
		Events:         []domain.Event{{Type: domain.EventConflictResolved, Payload: raw}},
	}
}

func TestAcceptedOversellForcesDeduction(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 0})
	d := newDevice("d1")
	id := d.sell(t, "A", "10", 2, sale.PaymentInput{})
	actions := d.actions(t, id)
	require.Error(t, submitAll(t, ledger, actions))
	last := actions[len(actions)-1]
	assert.Equal(t, int64(0), available(t, ledger, "A"))

	res := resolution(t, "d1", id, last.Seq+1, last.Seq, domain.ConflictResolvedPayload{
		ConflictID: "c1", ActionKey: last.IdempotencyKey, ActionSeq: last.Seq, Decision: domain.DecisionAccept,
	})
	_, err := ledger.Submit(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, int64(-2), available(t, ledger, "A"))

	// accepting twice moves nothing
	_, err = ledger.Submit(context.Background(), resolution(t, "d1", id, last.Seq+2, last.Seq+1, domain.ConflictResolvedPayload{
		ConflictID: "c1", ActionKey: last.IdempotencyKey, ActionSeq: last.Seq, Decision: domain.DecisionAccept,
	}))
	require.NoError(t, err)
	assert.Equal(t, int64(-2), available(t, ledger, "A"))
}

func TestResolvingUnsentActionUnblocksSuccessors(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 5})
	d := newDevice("d1")
	actions := d.actions(t, d.sell(t, "A", "10", 1, sale.PaymentInput{}))
	lost := actions[1]

	require.NoError(t, submitAll(t, ledger, actions[:1]))
	res := resolution(t, "d1", lost.SaleID, actions[len(actions)-1].Seq+1, 0, domain.ConflictResolvedPayload{
		ConflictID: "c1", ActionKey: lost.IdempotencyKey, ActionSeq: lost.Seq, Decision: domain.DecisionReject,
	})
	_, err := ledger.Submit(context.Background(), res)
	require.NoError(t, err)

	require.NoError(t, submitAll(t, ledger, actions[2:]))
	assert.Equal(t, int64(4), available(t, ledger, "A"))
}

func TestAcceptingUnsentActionWaitsForIt(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 5})
	d := newDevice("d1")
	actions := d.actions(t, d.sell(t, "A", "10", 2, sale.PaymentInput{}))
	last := actions[len(actions)-1]

	require.NoError(t, submitAll(t, ledger, actions[:len(actions)-1]))
	res := resolution(t, "d1", last.SaleID, last.Seq+1, last.Seq, domain.ConflictResolvedPayload{
		ConflictID: "c1", ActionKey: last.IdempotencyKey, ActionSeq: last.Seq, Decision: domain.DecisionAccept,
	})
	_, err := ledger.Submit(context.Background(), res)
	require.NoError(t, err)
	assert.Equal(t, int64(5), available(t, ledger, "A"))

	ack, err := ledger.Submit(context.Background(), last)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate, "an accepted action is applied when it arrives")
	assert.Equal(t, int64(3), available(t, ledger, "A"))
}

func TestRefundReturnsStock(t *testing.T) {
	ledger := newLedger(t, domain.StockLevel{SKU: "A", Available: 5})
	d := newDevice("d1")
	id := d.sell(t, "A", "10", 2, sale.PaymentInput{})
	manager := domain.OperationContext{Operator: domain.Actor{ID: "mgr", Role: "manager"}}
	_, err := d.svc.Refund(context.Background(), manager, id, sale.RefundInput{Reason: "damaged", ReceiptRef: "R-1", Restock: true})
	require.NoError(t, err)

	require.NoError(t, submitAll(t, ledger, d.actions(t, id)))
	assert.Equal(t, int64(5), available(t, ledger, "A"))
}

func TestInvalidActionIsFatal(t *testing.T) {
	ledger := newLedger(t)
	_, err := ledger.Submit(context.Background(), domain.OfflineAction{DeviceID: "d1", SaleID: "s1", Seq: 1})
	require.ErrorIs(t, err, ErrInvalidAction)
	assert.Equal(t, domain.SyncFatal, Classify(err).Kind)
	assert.Equal(t, domain.SyncRetryable, Classify(errors.New("connection reset")).Kind)
}

func TestFailedTransactionLeavesNothing(t *testing.T) {
	s := NewMemoryStore()
	boom := errors.New("boom")
	err := s.InTx(context.Background(), func(tx Tx) error {
		require.NoError(t, tx.AdjustStock(context.Background(), "loc-1", "A", 5, at))
		return boom
	})
	require.ErrorIs(t, err, boom)
	levels, err := s.StockLevels(context.Background(), "loc-1", []string{"A"})
	require.NoError(t, err)
	assert.Empty(t, levels)
}

func TestParseSeed(t *testing.T) {
	levels, err := ParseSeed(" kopi-1:40:18000, ROTI-2:12 ,")
	require.NoError(t, err)
	require.Len(t, levels, 2)
	assert.Equal(t, "KOPI-1", levels[0].SKU)
	assert.Equal(t, int64(40), levels[0].Available)
	assert.Equal(t, "18000.00", levels[0].Price.String())
	assert.True(t, levels[1].Price.IsZero())

	_, err = ParseSeed("A")
	assert.Error(t, err)
	_, err = ParseSeed("A:x")
	assert.Error(t, err)
}
