package cmd

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/bnema/fedwatch/internal/adapters/ipc"
	"github.com/bnema/fedwatch/internal/domain"
	"github.com/bnema/fedwatch/internal/poll"
	"github.com/bnema/fedwatch/internal/ports"
	"github.com/spf13/cobra"
)

func newWatchCmd(app *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Poll all accounts continuously and serve counts over loopback IPC",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd, app)
		},
	}
}

func runWatch(cmd *cobra.Command, app *app) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	itemsSink := ports.NotificationSinkFunc(func(account domain.AccountID, items []domain.NotificationItem) {
		for _, item := range items {
			logger.Info("new notification",
				"account", account,
				"reason", item.Reason,
				"actor", item.ActorHandle)
		}
	})
	countsSink := ports.CountsSinkFunc(func(counts domain.AggregateCounts) {
		logger.Debug("counts updated", "total", counts.Total)
	})

	engine := poll.NewEngine(itemsSink, countsSink)
	orchestrator := poll.NewOrchestrator(app.registry, app.fetcher, engine, app.intervals, logger)
	defer orchestrator.Shutdown()

	app.registry.Subscribe(ports.RegistryListenerFunc(orchestrator.Reconcile))
	orchestrator.Reconcile(ctx)
	// The listener only sees this process's mutations; the periodic pass
	// catches accounts another fedwatch process logged in or removed.
	orchestrator.ResyncEvery(ctx, app.resyncInterval)

	handler := ipc.NewHandler(app.accounts, engine)
	server := ipc.NewServer(handler)

	logger.Info("watching", "ipc", app.ipcListenAddr)
	return ipc.Run(ctx, server, app.ipcListenAddr, logger)
}
