package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/sale"
	"kasirsync/internal/service"
	"kasirsync/internal/store"
)

func NewSaleCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sale",
		Short: "Create and change sales on this device",
	}
	cmd.AddCommand(
		newSaleCreateCommand(opts),
		newSaleAddItemCommand(opts),
		newSaleRemoveItemCommand(opts),
		newSaleQuantityCommand(opts),
		newSaleDiscountCommand(opts),
		newSaleRemoveDiscountCommand(opts),
		newSalePayCommand(opts),
		newSaleSimpleCommand(opts, "suspend", "Park a sale so another can be rung up", (*service.Service).Suspend),
		newSaleSimpleCommand(opts, "resume", "Bring a suspended sale back", (*service.Service).Resume),
		newSaleSimpleCommand(opts, "complete", "Complete a fully paid sale", (*service.Service).Complete),
		newSaleVoidCommand(opts),
		newSaleRefundCommand(opts),
		newSaleShowCommand(opts),
		newSaleListCommand(opts),
	)
	return cmd
}

func newSaleCreateCommand(opts *RootOptions) *cobra.Command {
	var in sale.CreateInput
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Open a new sale",
		Example: `  posctl sale create --operator kasir-a
  posctl sale create --operator kasir-a --customer cust-9 --register reg-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.Create(ctx, operationContext(opts), in)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&in.SaleID, "id", "", "sale id (generated when empty)")
	cmd.Flags().StringVar(&in.Number, "number", "", "receipt number (generated when empty)")
	cmd.Flags().StringVar(&in.CustomerID, "customer", "", "customer id")
	cmd.Flags().StringVar(&in.RegisterID, "register", "", "register id")
	cmd.Flags().StringVar(&in.SessionID, "session", "", "cash session id")
	cmd.Flags().StringVar(&in.ShiftID, "shift", "", "shift id")
	return cmd
}

func newSaleAddItemCommand(opts *RootOptions) *cobra.Command {
	var (
		in      sale.AddItemInput
		price   string
		taxRate string
	)
	cmd := &cobra.Command{
		Use:     "add-item <sale-id> <sku>",
		Short:   "Add a line to an open sale",
		Example: `  posctl sale add-item sale-1 KOPI-250 --name "Kopi 250g" --price 45000 --qty 2 --tax 11`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit, err := money.Parse(price)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --price", err)
			}
			rate, err := decimal.NewFromString(taxRate)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --tax", err)
			}
			in.SKU = args[1]
			in.UnitPrice = unit
			in.TaxRate = rate
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.AddItem(ctx, operationContext(opts), args[0], in)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&in.ProductID, "product", "", "product id")
	cmd.Flags().StringVar(&in.Name, "name", "", "line description")
	cmd.Flags().StringVar(&price, "price", "0", "unit price")
	cmd.Flags().Int64Var(&in.Quantity, "qty", 1, "quantity")
	cmd.Flags().StringVar(&taxRate, "tax", "0", "tax rate in percent, e.g. 11")
	cmd.Flags().BoolVar(&in.TaxExempt, "tax-exempt", false, "line is tax exempt")
	cmd.Flags().StringVar(&in.Serial, "serial", "", "serial number")
	cmd.Flags().StringVar(&in.Batch, "batch", "", "batch number")
	cmd.Flags().StringVar(&in.Notes, "notes", "", "line notes")
	return cmd
}

func newSaleRemoveItemCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-item <sale-id> <line-id>",
		Short: "Remove a line and its line discounts",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.RemoveItem(ctx, operationContext(opts), args[0], args[1])
				return printResult(a, res, err)
			})
		},
	}
}

func newSaleQuantityCommand(opts *RootOptions) *cobra.Command {
	var qty int64
	cmd := &cobra.Command{
		Use:   "qty <sale-id> <line-id>",
		Short: "Change the quantity of a line",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.UpdateQuantity(ctx, operationContext(opts), args[0], args[1], qty)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().Int64Var(&qty, "qty", 1, "new quantity")
	return cmd
}

func newSaleDiscountCommand(opts *RootOptions) *cobra.Command {
	var (
		in      sale.DiscountInput
		percent string
		fixed   string
	)
	cmd := &cobra.Command{
		Use:   "discount <sale-id>",
		Short: "Apply a percentage or fixed discount to the sale or one line",
		Example: `  posctl sale discount sale-1 --percent 5 --reason member
  posctl sale discount sale-1 --line line-2 --fixed 2000 --approver spv-1 --approver-role supervisor`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case (percent == "") == (fixed == ""):
				return WrapExitError(ExitCommandError, "exactly one of --percent or --fixed is required", nil)
			case percent != "":
				v, err := decimal.NewFromString(percent)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --percent", err)
				}
				in.Type, in.Value = domain.DiscountPercentage, v
			default:
				v, err := decimal.NewFromString(fixed)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --fixed", err)
				}
				in.Type, in.Value = domain.DiscountFixed, v
			}
			in.Scope = domain.DiscountScopeSale
			if in.LineID != "" {
				in.Scope = domain.DiscountScopeLine
			}
			in.AppliedBy = opts.Operator
			if opts.Approver != "" {
				in.ApprovedBy = opts.Approver
			}
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.ApplyDiscount(ctx, operationContext(opts), args[0], in)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&in.LineID, "line", "", "line id for a line discount")
	cmd.Flags().StringVar(&percent, "percent", "", "percentage off")
	cmd.Flags().StringVar(&fixed, "fixed", "", "fixed amount off")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "reason recorded with the discount")
	return cmd
}

func newSaleRemoveDiscountCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove-discount <sale-id> <discount-id>",
		Short: "Remove a discount",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.RemoveDiscount(ctx, operationContext(opts), args[0], args[1])
				return printResult(a, res, err)
			})
		},
	}
}

func newSalePayCommand(opts *RootOptions) *cobra.Command {
	var (
		in     sale.PaymentInput
		method string
		amount string
		tip    string
	)
	cmd := &cobra.Command{
		Use:   "pay <sale-id>",
		Short: "Record a payment",
		Example: `  posctl sale pay sale-1 --method cash --amount 100000
  posctl sale pay sale-1 --method card --amount 90000 --card 4242 --auth A1B2C3`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			amt, err := money.Parse(amount)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --amount", err)
			}
			tipAmt, err := money.Parse(tip)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --tip", err)
			}
			in.Method = domain.PaymentMethod(strings.ToLower(strings.TrimSpace(method)))
			in.Amount = amt
			in.Tip = tipAmt
			in.OperatorID = opts.Operator
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.AddPayment(ctx, operationContext(opts), args[0], in)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "cash", "cash|card|transfer|mobile|store_credit")
	cmd.Flags().StringVar(&amount, "amount", "0", "amount tendered")
	cmd.Flags().StringVar(&tip, "tip", "0", "tip, not counted toward the total")
	cmd.Flags().StringVar(&in.CardLastFour, "card", "", "last four card digits")
	cmd.Flags().StringVar(&in.AuthorizationCode, "auth", "", "card authorization code")
	cmd.Flags().StringVar(&in.TransferReference, "ref", "", "transfer reference")
	cmd.Flags().BoolVar(&in.Failed, "failed", false, "record a declined payment")
	cmd.Flags().StringVar(&in.FailureReason, "failure-reason", "", "why the payment failed")
	return cmd
}

type saleOp func(s *service.Service, ctx context.Context, op domain.OperationContext, saleID string) (service.Result, error)

func newSaleSimpleCommand(opts *RootOptions, use, short string, fn saleOp) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <sale-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := fn(a.svc, ctx, operationContext(opts), args[0])
				return printResult(a, res, err)
			})
		},
	}
}

func newSaleVoidCommand(opts *RootOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "void <sale-id>",
		Short: "Void a sale that has not been completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.Void(ctx, operationContext(opts), args[0], reason)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "void reason (required)")
	return cmd
}

func newSaleRefundCommand(opts *RootOptions) *cobra.Command {
	var in sale.RefundInput
	cmd := &cobra.Command{
		Use:   "refund <sale-id>",
		Short: "Refund a completed sale",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.Refund(ctx, operationContext(opts), args[0], in)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&in.Reason, "reason", "", "refund reason (required)")
	cmd.Flags().StringVar(&in.ReceiptRef, "receipt", "", "original receipt reference")
	cmd.Flags().BoolVar(&in.Restock, "restock", true, "return the goods to stock")
	return cmd
}

func newSaleShowCommand(opts *RootOptions) *cobra.Command {
	var withEvents bool
	cmd := &cobra.Command{
		Use:   "show <sale-id>",
		Short: "Show a sale, optionally with its event log",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				s, err := a.svc.GetSale(ctx, args[0])
				if err != nil {
					return err
				}
				var evs []domain.Event
				if withEvents {
					if evs, err = a.svc.Events(ctx, s.ID); err != nil {
						return err
					}
				}
				data := service.Result{Sale: s, Events: evs}
				return a.out.Success(data, func(w io.Writer) {
					writeSale(w, s)
					writeEvents(w, evs)
				})
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "include the event log")
	return cmd
}

func newSaleListCommand(opts *RootOptions) *cobra.Command {
	var (
		state string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sales recorded on this device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				sales, err := a.svc.ListSales(ctx, store.SaleFilter{
					State: domain.SaleState(strings.ToUpper(state)),
					Limit: limit,
				})
				if err != nil {
					return err
				}
				return a.out.Success(sales, func(w io.Writer) {
					for _, s := range sales {
						fmt.Fprintf(w, "%-24s %-12s %-10s total=%s due=%s\n", s.ID, s.Number, s.State, s.Totals.GrandTotal, s.Totals.AmountDue)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "only sales in this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sales to list")
	return cmd
}

func printResult(a *app, res service.Result, err error) error {
	if err != nil {
		return err
	}
	return a.out.Success(res, func(w io.Writer) {
		if res.Duplicate {
			fmt.Fprintln(w, "already applied; nothing changed")
		}
		writeSale(w, res.Sale)
		for _, warning := range res.Warnings {
			fmt.Fprintf(w, "warning: %s\n", warning)
		}
		if res.Action != nil {
			fmt.Fprintf(w, "queued %s (%s)\n", res.Action.IdempotencyKey, res.Action.Status)
		}
	})
}

func writeSale(w io.Writer, s domain.Sale) {
	fmt.Fprintf(w, "sale %s #%s %s\n", s.ID, s.Number, s.State)
	for _, item := range s.Items {
		fmt.Fprintf(w, "  %-10s %-12s %3d x %12s = %12s\n", item.ID, item.SKU, item.Quantity, item.UnitPrice, item.Subtotal)
	}
	t := s.Totals
	fmt.Fprintf(w, "  subtotal %s  discount %s  tax %s  total %s\n", t.Subtotal, t.DiscountTotal, t.TaxTotal, t.GrandTotal)
	fmt.Fprintf(w, "  paid %s  due %s  change %s\n", t.AmountPaid, t.AmountDue, t.ChangeDue)
}

func writeEvents(w io.Writer, evs []domain.Event) {
	for _, ev := range evs {
		fmt.Fprintf(w, "  %4d %-28s %s\n", ev.Seq, ev.Type, ev.Category)
	}
}
