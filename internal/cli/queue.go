package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"kasirsync/internal/domain"
	"kasirsync/internal/store"
)

func NewQueueCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the offline action queue",
	}
	cmd.AddCommand(newQueueListCommand(opts), newQueuePurgeCommand(opts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	var (
		saleID   string
		statuses []string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued actions in device sequence order",
		Example: `  posctl queue list --status PENDING,FAILED
  posctl queue list --sale sale-1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := store.ActionFilter{SaleID: saleID, Limit: limit}
			for _, s := range statuses {
				if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
					filter.Statuses = append(filter.Statuses, domain.ActionStatus(s))
				}
			}
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				filter.DeviceID = a.cfg.DeviceID
				actions, err := a.svc.Actions(ctx, filter)
				if err != nil {
					return err
				}
				return a.out.Success(actions, func(w io.Writer) {
					for _, ac := range actions {
						fmt.Fprintf(w, "%-40s %-18s %-9s attempts=%d", ac.IdempotencyKey, ac.Type, ac.Status, ac.Attempts)
						if ac.LastError != "" {
							fmt.Fprintf(w, " error=%q", ac.LastError)
						}
						fmt.Fprintln(w)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&saleID, "sale", "", "only actions of this sale")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only actions in these statuses")
	cmd.Flags().IntVar(&limit, "limit", 200, "maximum actions to list")
	return cmd
}

func newQueuePurgeCommand(opts *RootOptions) *cobra.Command {
	var retention time.Duration
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Drop synced actions older than the retention window",
		Long: `Drop synced actions older than the retention window.

Pending, failed and conflicted actions are never purged. A sale whose actions
have all been synced and purged is archived.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				keep := retention
				if keep <= 0 {
					keep = a.cfg.Retention
				}
				n, err := a.engine.Purge(ctx, keep)
				if err != nil {
					return err
				}
				return a.out.Success(map[string]int{"purged": n}, func(w io.Writer) {
					fmt.Fprintf(w, "purged %d synced actions older than %s\n", n, keep)
				})
			})
		},
	}
	cmd.Flags().DurationVar(&retention, "older-than", 0, "retention window (default QUEUE_RETENTION_HOURS)")
	return cmd
}
