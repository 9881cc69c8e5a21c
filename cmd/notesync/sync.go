package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/syncer"
	"github.com/MarcoPoloResearchLab/notesync/internal/ui"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSyncCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Push pending changes and pull the remote collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				report, err := app.orchestrator.Sync(ctx)
				if err != nil {
					return fmt.Errorf("sync failed: %w", err)
				}
				fmt.Fprint(cmd.OutOrStdout(), ui.Success(ui.FormatReport(report)))
				return nil
			})
		},
	}
}

func newStatusCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, last sync time and pending changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				app.monitor.Check(ctx)
				info, err := app.orchestrator.Info(ctx)
				if err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), ui.FormatStatus(app.orchestrator.Status(), info))
				return nil
			})
		},
	}
}

func newResetCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Discard pending changes and forget the last sync time",
		Long:  `Discard every pending change and the last sync time. Local notes are kept; the next sync treats them as never synchronized.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return state.withClient(cmd, func(ctx context.Context, app *clientApp) error {
				if err := app.orchestrator.Reset(ctx); err != nil {
					return fmt.Errorf("reset failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), ui.Success("Sync state reset"))
				return nil
			})
		},
	}
}

func newWatchCommand(state *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep synchronizing until interrupted",
		Long:  `Probe the remote collection periodically, sync whenever it becomes reachable or changes are pending, and print status changes.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return state.withClient(cmd, func(_ context.Context, app *clientApp) error {
				return watch(ctx, cmd, app, state.config.Sync.ProbeInterval)
			})
		},
	}
}

func watch(ctx context.Context, cmd *cobra.Command, app *clientApp, interval time.Duration) error {
	updates, unsubscribe := app.events.Subscribe(ctx)
	defer unsubscribe()

	monitorDone := make(chan error, 1)
	go func() {
		monitorDone <- app.monitor.Run(ctx)
	}()

	app.orchestrator.Trigger(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			<-monitorDone
			return nil
		case <-ticker.C:
			if app.queue.HasPending() && app.orchestrator.Trigger(ctx) {
				app.logger.Debug("retrying pending changes", zap.Int("pending", app.queue.Len()))
			}
		case status := <-updates:
			printStatusUpdate(out, status)
		}
	}
}

func printStatusUpdate(out io.Writer, status syncer.Status) {
	switch {
	case status.State == syncer.StateSyncing:
		fmt.Fprintln(out, "syncing...")
	case status.LastError != "":
		fmt.Fprintln(out, ui.Error(status.LastError))
	default:
		fmt.Fprint(out, ui.Success(ui.FormatReport(status.LastReport)))
	}
}
