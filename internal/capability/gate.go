// Package capability decides whether an already authenticated operator may
// perform an action. It never issues identity and keeps no state.
package capability

import (
	"strings"

	"kasirsync/internal/domain"
)

type Permission string

const (
	SaleCreate           Permission = "sale.create"
	SaleEdit             Permission = "sale.edit"
	DiscountApply        Permission = "discount.apply"
	DiscountOverride     Permission = "discount.override"
	PaymentAdd           Permission = "payment.add"
	SaleComplete         Permission = "sale.complete"
	SaleSuspend          Permission = "sale.suspend"
	SaleVoid             Permission = "sale.void"
	SaleRefund           Permission = "sale.refund"
	RefundWithoutReceipt Permission = "refund.without_receipt"
	ShiftEndOther        Permission = "shift.end_other"
	ReconcileResolve     Permission = "reconcile.resolve"
)

type Role string

const (
	RoleCashier    Role = "cashier"
	RoleSupervisor Role = "supervisor"
	RoleManager    Role = "manager"
	RoleAdmin      Role = "admin"
)

func normalizeRole(role string) Role {
	return Role(strings.ToLower(strings.TrimSpace(role)))
}

var cashierGrants = []Permission{SaleCreate, SaleEdit, DiscountApply, PaymentAdd, SaleComplete, SaleSuspend}

var supervisorGrants = append(append([]Permission{}, cashierGrants...),
	DiscountOverride, SaleVoid, SaleRefund, ShiftEndOther)

var managerGrants = append(append([]Permission{}, supervisorGrants...),
	RefundWithoutReceipt, ReconcileResolve)

// DefaultGrants is the role table used when no override is configured.
func DefaultGrants() map[Role][]Permission {
	return map[Role][]Permission{
		RoleCashier:    cashierGrants,
		RoleSupervisor: supervisorGrants,
		RoleManager:    managerGrants,
		RoleAdmin:      append([]Permission{}, managerGrants...),
	}
}

// DefaultApprovers names, for each escalatable permission, the lowest role
// that may approve it on behalf of another operator.
func DefaultApprovers() map[Permission]Role {
	return map[Permission]Role{
		DiscountOverride:     RoleSupervisor,
		SaleVoid:             RoleSupervisor,
		SaleRefund:           RoleSupervisor,
		ShiftEndOther:        RoleSupervisor,
		RefundWithoutReceipt: RoleManager,
	}
}

// Decision is the gate's verdict. A denial may carry an escalation hint; the
// caller collects the approval and calls again with an approver attached.
type Decision struct {
	Allowed          bool
	Permission       Permission
	Reason           string
	RequiresApproval bool
	ApproverRole     Role
}

// Err converts a denial into a PermissionDeniedError. It returns nil when the
// decision allows the action.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.PermissionDeniedError{
		Permission:       string(d.Permission),
		Reason:           d.Reason,
		RequiresApproval: d.RequiresApproval,
		ApproverRole:     string(d.ApproverRole),
	}
}

type Gate struct {
	grants    map[Role]map[Permission]struct{}
	approvers map[Permission]Role
}

func New(grants map[Role][]Permission, approvers map[Permission]Role) *Gate {
	g := &Gate{
		grants:    make(map[Role]map[Permission]struct{}, len(grants)),
		approvers: make(map[Permission]Role, len(approvers)),
	}
	for role, perms := range grants {
		set := make(map[Permission]struct{}, len(perms))
		for _, p := range perms {
			set[p] = struct{}{}
		}
		g.grants[role] = set
	}
	for p, role := range approvers {
		g.approvers[p] = role
	}
	return g
}

func NewDefault() *Gate {
	return New(DefaultGrants(), DefaultApprovers())
}

func (g *Gate) Has(role string, p Permission) bool {
	_, ok := g.grants[normalizeRole(role)][p]
	return ok
}

// Check evaluates one permission for the operation context. When an approver
// is attached, the approver's role is what must hold an escalatable
// permission.
func (g *Gate) Check(op domain.OperationContext, p Permission) Decision {
	if strings.TrimSpace(op.Operator.ID) == "" {
		return Decision{Permission: p, Reason: "operator identity missing"}
	}
	if _, known := g.grants[normalizeRole(op.Operator.Role)]; !known {
		return Decision{Permission: p, Reason: "unknown role " + op.Operator.Role}
	}
	if g.Has(op.Operator.Role, p) {
		return Decision{Allowed: true, Permission: p}
	}

	approverRole, escalatable := g.approvers[p]
	if !escalatable {
		return Decision{Permission: p, Reason: "role " + op.Operator.Role + " lacks permission"}
	}
	if op.Approver == nil {
		return Decision{
			Permission:       p,
			Reason:           "approval required",
			RequiresApproval: true,
			ApproverRole:     approverRole,
		}
	}
	if op.Approver.ID == "" || op.Approver.ID == op.Operator.ID {
		return Decision{
			Permission:       p,
			Reason:           "approver must be a different operator",
			RequiresApproval: true,
			ApproverRole:     approverRole,
		}
	}
	if !g.Has(op.Approver.Role, p) {
		return Decision{
			Permission:       p,
			Reason:           "approver role " + op.Approver.Role + " lacks permission",
			RequiresApproval: true,
			ApproverRole:     approverRole,
		}
	}
	return Decision{Allowed: true, Permission: p}
}

// CheckAll stops at the first denial.
func (g *Gate) CheckAll(op domain.OperationContext, perms ...Permission) Decision {
	last := Decision{Allowed: true}
	for _, p := range perms {
		d := g.Check(op, p)
		if !d.Allowed {
			return d
		}
		last = d
	}
	return last
}
