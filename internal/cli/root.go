// Package cli is the posctl command tree: the device-side front end to the
// sale engine, the offline queue, the sync engine and reconciliation.
package cli

import (
	"fmt"
	"slices"

	"github.com/spf13/cobra"

	"kasirsync/internal/config"
	"kasirsync/internal/syncer"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string

	Operator     string
	Role         string
	Approver     string
	ApproverRole string
	Key          string

	// Config replaces environment loading. Used by tests.
	Config *config.Config
	// Backend replaces the HTTP backend. Used by tests.
	Backend syncer.Backend
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "posctl",
		Short: "Offline-first point of sale",
		Long: `posctl records sales on this device, queues every change for the
backend and reconciles whatever the backend refuses.

Selling never needs the network. Run "posctl sync run" alongside the till to
deliver the queue whenever the backend is reachable.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return WrapExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", opts.Format, ValidFormats), nil)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return WrapExitError(ExitCommandError, "invalid flags", err)
	})

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "queue database path (default QUEUE_DB_PATH)")
	cmd.PersistentFlags().StringVar(&opts.Operator, "operator", "", "operator id performing the operation")
	cmd.PersistentFlags().StringVar(&opts.Role, "role", "cashier", "operator role")
	cmd.PersistentFlags().StringVar(&opts.Approver, "approver", "", "approving supervisor or manager id")
	cmd.PersistentFlags().StringVar(&opts.ApproverRole, "approver-role", "manager", "approver role")
	cmd.PersistentFlags().StringVar(&opts.Key, "key", "", "idempotency key; a retried command with the same key is applied once")

	cmd.AddCommand(NewSaleCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewSyncCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewResolveCommand(opts))

	return cmd
}
