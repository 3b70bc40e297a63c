package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kasirsync/internal/domain"
	"kasirsync/internal/syncer"
)

func NewSyncCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Deliver queued actions to the backend",
	}
	cmd.AddCommand(newSyncOnceCommand(opts), newSyncRunCommand(opts), newSyncActionCommand(opts))
	return cmd
}

func newSyncOnceCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "once",
		Short: "Recover interrupted sends and drain every device once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				if _, err := a.engine.Recover(ctx, ""); err != nil {
					return err
				}
				summaries, err := a.engine.SyncAll(ctx)
				if err != nil {
					return WrapExitError(ExitCommandError, "sync failed", err)
				}
				return a.out.Success(summaries, func(w io.Writer) {
					writeSummaries(w, summaries)
				})
			})
		},
	}
}

func newSyncRunCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Keep draining the queue until interrupted",
		Long: `Keep draining the queue every SYNC_INTERVAL_SECONDS until interrupted.

Actions left in flight by a crash are requeued on start. Synced actions older
than QUEUE_RETENTION_HOURS are purged after each pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				ctx, cancel := context.WithCancel(ctx)
				defer cancel()

				sigChan := make(chan os.Signal, 1)
				signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
				defer signal.Stop(sigChan)

				go func() {
					select {
					case sig := <-sigChan:
						a.log.WithField("signal", sig.String()).Info("received signal, stopping sync")
						cancel()
					case <-ctx.Done():
					}
				}()

				a.log.WithField("backend", a.cfg.BackendURL).Info("sync loop starting")
				if err := a.engine.Run(ctx); err != nil && ctx.Err() == nil {
					return WrapExitError(ExitCommandError, "sync loop failed", err)
				}
				a.log.Info("sync loop stopped")
				return nil
			})
		},
	}
}

func newSyncActionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "action <idempotency-key>",
		Short: "Send one queued action now, even if its sale is blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, opts, func(ctx context.Context, a *app) error {
				status, err := a.engine.SyncAction(ctx, args[0])
				if err != nil {
					return err
				}
				data := map[string]domain.ActionStatus{"status": status}
				return a.out.Success(data, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s\n", args[0], status)
				})
			})
		},
	}
}

func writeSummaries(w io.Writer, summaries []syncer.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "nothing to sync")
		return
	}
	for _, s := range summaries {
		if s.Skipped {
			fmt.Fprintf(w, "%s: skipped, another process is draining it\n", s.DeviceID)
			continue
		}
		fmt.Fprintf(w, "%s: sent=%d synced=%d conflicts=%d failed=%d deferred=%d\n",
			s.DeviceID, s.Sent, s.Synced, s.Conflicts, s.Failed, s.Deferred)
	}
}
