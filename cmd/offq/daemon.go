package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/offq/offq/internal/config"
	"github.com/offq/offq/internal/daemon"
	"github.com/offq/offq/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:     "daemon",
	GroupID: "advanced",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon in the foreground until interrupted.

The daemon:
  1. Probes the remote store and syncs as soon as it becomes reachable
  2. Ingests mutation files dropped into the inbox directory
  3. Syncs due mutations while online, including retries after backoff
  4. Runs the periodic background sync when its conditions hold
  5. Serves the status dashboard when dashboard.enabled is set

Only one daemon may run per data directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		ctx, stop := signal.NotifyContext(cmd.Context(), unix.SIGINT, unix.SIGTERM)
		defer stop()

		if running, pid := daemon.Running(daemon.LockPath(cfg)); running {
			fatalf("daemon already running (pid %d)", pid)
		}

		e, err := daemon.Open(ctx, cfg, logger.Logger, daemon.Options{})
		check(err)
		atExit(e.Close)
		defer e.Close()

		d, err := daemon.New(e, logger.Logger)
		check(err)

		fmt.Printf("%s Starting offq daemon...\n", ui.RenderAccent("●"))
		fmt.Printf("   Storage: %s (%s)\n", cfg.Storage.Backend, cfg.StoragePath())
		fmt.Printf("   Remote:  %s\n", remoteLabel())
		fmt.Printf("   Inbox:   %s\n", cfg.Queue.InboxDir)
		if cfg.Dashboard.Enabled {
			fmt.Printf("   Dashboard: http://%s\n", cfg.Dashboard.Addr)
		}
		fmt.Printf("\nPress Ctrl+C to stop\n\n")

		if err := d.Start(ctx); err != nil {
			if errors.Is(err, daemon.ErrLocked) {
				fatalf("daemon already running")
			}
			fatalf("daemon stopped with error: %v", err)
		}
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a daemon is running",
	Run: func(cmd *cobra.Command, args []string) {
		running, pid := daemon.Running(daemon.LockPath(cfg))
		render(map[string]any{"running": running, "pid": pid}, func() {
			if running {
				fmt.Printf("%s daemon running (pid %d)\n", ui.RenderPass("●"), pid)
			} else {
				fmt.Printf("%s daemon not running\n", ui.RenderMuted("○"))
			}
		})
	},
}

func remoteLabel() string {
	if cfg.Remote.Mode == config.RemoteMemory {
		return "in-memory store"
	}
	return cfg.Remote.URL
}

func init() {
	daemonCmd.AddCommand(daemonStatusCmd)
	rootCmd.AddCommand(daemonCmd)
}

// runUntilSignal blocks until SIGINT or SIGTERM.
func runUntilSignal(ctx context.Context) {
	ctx, stop := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer stop()
	<-ctx.Done()
}
