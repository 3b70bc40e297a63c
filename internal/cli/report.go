package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"kasirsync/internal/domain"
	"kasirsync/internal/money"
	"kasirsync/internal/reconcile"
)

func NewReportCommand(opts *RootOptions) *cobra.Command {
	var filter reconcile.Filter
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarise open conflicts and sync health",
		Long: `Summarise open conflicts and sync health.

Conflicts are listed most severe first, then by financial exposure. Accuracy
is synced actions over actions the backend has disposed of or given up on.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				rep, err := a.reporter.Report(ctx, filter)
				if err != nil {
					return err
				}
				return a.out.Success(rep, func(w io.Writer) {
					writeReport(w, rep)
				})
			})
		},
	}
	cmd.Flags().StringVar(&filter.TenantID, "tenant", "", "only this tenant")
	cmd.Flags().StringVar(&filter.LocationID, "location", "", "only this location")
	cmd.Flags().StringVar(&filter.DeviceID, "device", "", "only this device")
	return cmd
}

func NewResolveCommand(opts *RootOptions) *cobra.Command {
	var (
		decision   string
		note       string
		adjustment string
	)
	cmd := &cobra.Command{
		Use:   "resolve <conflict-id>",
		Short: "Record a decision on an open conflict",
		Long: `Record a decision on an open conflict.

ACCEPT keeps the local outcome, REJECT abandons the action, ADJUST records a
monetary correction written off against the sale. Accepting or adjusting an
action that ran out of sync attempts queues it again under its original key.
The decision is queued like any sale operation and requires the
resolve-conflict permission.`,
		Example: `  posctl resolve conf-12 --decision ACCEPT --operator mgr-1 --role manager
  posctl resolve conf-13 --decision ADJUST --adjustment 15000 --note "price match" --operator mgr-1 --role manager`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Decision(strings.ToUpper(strings.TrimSpace(decision)))
			adj, err := money.Parse(adjustment)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid --adjustment", err)
			}
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.reporter.Resolve(ctx, operationContext(opts), args[0], d, note, adj)
				return printResult(a, res, err)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "ACCEPT|REJECT|ADJUST")
	cmd.Flags().StringVar(&note, "note", "", "note recorded with the decision")
	cmd.Flags().StringVar(&adjustment, "adjustment", "0", "amount written off for ADJUST, not negative")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func writeReport(w io.Writer, rep reconcile.Report) {
	fmt.Fprintf(w, "open conflicts: %d  exposure: %s  failed actions: %d\n", rep.OpenConflicts, rep.Exposure, rep.FailedActions)
	for _, item := range rep.Items {
		fmt.Fprintf(w, "  [%s] %-18s %-24s %s  %s\n", item.Severity, item.Kind, item.ConflictID, item.Exposure, item.Message)
	}
	for _, h := range rep.Devices {
		fmt.Fprintf(w, "device %-16s pending=%d synced=%d conflicts=%d failed=%d accuracy=%.2f\n",
			h.Key, h.Pending, h.Synced, h.Conflicts, h.Failed, h.Accuracy)
	}
}
