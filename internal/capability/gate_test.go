package capability

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kasirsync/internal/domain"
)

func opCtx(role string, approver *domain.Actor) domain.OperationContext {
	return domain.OperationContext{
		TenantID: "t1",
		DeviceID: "dev-1",
		Operator: domain.Actor{ID: "op-1", Role: role},
		Approver: approver,
	}
}

func TestCashierBasics(t *testing.T) {
	g := NewDefault()
	for _, p := range []Permission{SaleCreate, SaleEdit, DiscountApply, PaymentAdd, SaleComplete, SaleSuspend} {
		d := g.Check(opCtx("cashier", nil), p)
		assert.True(t, d.Allowed, "cashier should hold %s", p)
		assert.NoError(t, d.Err())
	}
}

func TestDiscountOverrideNeedsSupervisor(t *testing.T) {
	g := NewDefault()

	d := g.Check(opCtx("cashier", nil), DiscountOverride)
	require.False(t, d.Allowed)
	assert.True(t, d.RequiresApproval)
	assert.Equal(t, RoleSupervisor, d.ApproverRole)

	var denied *domain.PermissionDeniedError
	require.ErrorAs(t, d.Err(), &denied)
	assert.True(t, denied.RequiresApproval)
	assert.Equal(t, "supervisor", denied.ApproverRole)
	assert.Equal(t, string(DiscountOverride), denied.Permission)

	d = g.Check(opCtx("cashier", &domain.Actor{ID: "sup-1", Role: "Supervisor"}), DiscountOverride)
	assert.True(t, d.Allowed)
}

func TestApproverMustHoldPermissionAndDiffer(t *testing.T) {
	g := NewDefault()

	d := g.Check(opCtx("cashier", &domain.Actor{ID: "op-2", Role: "cashier"}), SaleVoid)
	assert.False(t, d.Allowed)
	assert.True(t, d.RequiresApproval)

	d = g.Check(opCtx("cashier", &domain.Actor{ID: "op-1", Role: "manager"}), SaleVoid)
	assert.False(t, d.Allowed, "self approval")

	d = g.Check(opCtx("supervisor", &domain.Actor{ID: "sup-2", Role: "supervisor"}), RefundWithoutReceipt)
	assert.False(t, d.Allowed)
	assert.Equal(t, RoleManager, d.ApproverRole)

	d = g.Check(opCtx("supervisor", &domain.Actor{ID: "mgr-1", Role: "manager"}), RefundWithoutReceipt)
	assert.True(t, d.Allowed)
}

func TestNonEscalatableDenial(t *testing.T) {
	g := NewDefault()
	d := g.Check(opCtx("cashier", nil), ReconcileResolve)
	assert.False(t, d.Allowed)
	assert.False(t, d.RequiresApproval)
	assert.Empty(t, d.ApproverRole)
}

func TestUnknownRoleAndMissingOperator(t *testing.T) {
	g := NewDefault()
	d := g.Check(opCtx("intern", nil), SaleCreate)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "unknown role")

	d = g.Check(domain.OperationContext{Operator: domain.Actor{Role: "admin"}}, SaleCreate)
	assert.False(t, d.Allowed)
}

func TestCheckAllStopsAtFirstDenial(t *testing.T) {
	g := NewDefault()
	d := g.CheckAll(opCtx("cashier", nil), DiscountApply, DiscountOverride, SaleVoid)
	assert.False(t, d.Allowed)
	assert.Equal(t, DiscountOverride, d.Permission)
}

func TestRequiredPermissions(t *testing.T) {
	threshold := decimal.NewFromInt(10)

	assert.Equal(t, []Permission{DiscountApply},
		Required(Request{Operation: domain.OpApplyDiscount, DiscountPercent: decimal.NewFromInt(10)}, threshold))
	assert.Equal(t, []Permission{DiscountApply, DiscountOverride},
		Required(Request{Operation: domain.OpApplyDiscount, DiscountPercent: decimal.RequireFromString("10.01")}, threshold))
	assert.Equal(t, []Permission{SaleRefund},
		Required(Request{Operation: domain.OpRefund, HasReceipt: true}, threshold))
	assert.Equal(t, []Permission{SaleRefund, RefundWithoutReceipt},
		Required(Request{Operation: domain.OpRefund}, threshold))
	assert.Equal(t, []Permission{SaleVoid}, Required(Request{Operation: domain.OpVoid}, threshold))
	assert.Nil(t, Required(Request{Operation: "unknown"}, threshold))
}
