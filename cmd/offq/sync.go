package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/offq/offq/internal/coordinator"
	"github.com/offq/offq/internal/daemon"
	"github.com/offq/offq/internal/queue"
	"github.com/offq/offq/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	GroupID: "sync",
	Short:   "Replay queued mutations against the remote store",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one sync cycle now",
	Long: `Probe the remote store and, when it is reachable, process every eligible
mutation once. Mutations still in backoff are left for a later run.`,
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd.Context(), func(ctx context.Context, c *coordinator.Coordinator) (queue.Result, error) {
			return c.TriggerSync(ctx)
		})
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed mutations and sync",
	Run: func(cmd *cobra.Command, args []string) {
		runSync(cmd.Context(), func(ctx context.Context, c *coordinator.Coordinator) (queue.Result, error) {
			return c.RetrySync(ctx)
		})
	},
}

func runSync(ctx context.Context, fn func(context.Context, *coordinator.Coordinator) (queue.Result, error)) {
	e, err := openOnline(ctx)
	defer e.Close()
	if err != nil {
		fatalf("%v (%d mutations stay queued)", err, e.Queue.Status().Pending)
	}

	res, err := fn(ctx, e.Coordinator)
	if errors.Is(err, coordinator.ErrOffline) {
		fatalf("offline")
	}
	check(err)

	status := e.Coordinator.Status()
	render(struct {
		Result queue.Result       `json:"result"`
		Status coordinator.Status `json:"status"`
	}{res, status}, func() { printSyncResult(res, status) })
}

func printSyncResult(res queue.Result, status coordinator.Status) {
	if res.Attempted() == 0 && res.Conflicted == 0 {
		fmt.Println(ui.RenderMuted("nothing to sync"))
	} else {
		mark := ui.RenderPass("✓")
		if res.Failed > 0 {
			mark = ui.RenderFail("✗")
		}
		fmt.Printf("%s Sync finished in %v\n", mark, res.Duration.Round(time.Millisecond))
		fmt.Printf("   Succeeded: %d\n", res.Succeeded)
		fmt.Printf("   Failed:    %d\n", res.Failed)
		if res.Conflicted > 0 {
			fmt.Printf("   Conflicts: %s\n", ui.RenderWarn(fmt.Sprint(res.Conflicted)))
		}
	}
	q := status.Queue
	fmt.Printf("   Queue: %d pending, %d failed\n", q.Pending, q.Failed)
}

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show queue, sync and daemon status",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		running, pid := daemon.Running(daemon.LockPath(cfg))
		var status coordinator.Status
		if running {
			s, err := fetchDaemonStatus(ctx)
			if err != nil {
				fatalf("daemon is running (pid %d) but its status is unavailable: %v", pid, err)
			}
			status = *s
		} else {
			e := openEngine(ctx, daemon.Options{})
			status = e.Coordinator.Status()
			e.Close()
		}

		render(struct {
			Daemon    bool               `json:"daemon"`
			DaemonPID int                `json:"daemon_pid,omitempty"`
			Status    coordinator.Status `json:"status"`
		}{running, pid, status}, func() { printStatus(status, running, pid) })
	},
}

// fetchDaemonStatus asks a running daemon through its dashboard.
func fetchDaemonStatus(ctx context.Context) (*coordinator.Status, error) {
	if !cfg.Dashboard.Enabled {
		return nil, fmt.Errorf("dashboard.enabled is false")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Dashboard.Addr+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dashboard returned %s", resp.Status)
	}
	var s coordinator.Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func printStatus(s coordinator.Status, daemonRunning bool, pid int) {
	fmt.Printf("\n%s offq status\n\n", ui.RenderAccent("●"))

	if daemonRunning {
		connection := "offline"
		if s.Online {
			connection = "online"
		}
		fmt.Printf("Daemon:     running (pid %d), %s\n", pid, ui.RenderStatus(connection))
		fmt.Printf("State:      %s\n", ui.RenderStatus(string(s.State)))
	} else {
		fmt.Printf("Daemon:     %s\n", ui.RenderMuted("not running"))
	}

	q := s.Queue
	fmt.Printf("Queue:      %d pending, %d processing, %d failed\n", q.Pending, q.Processing, q.Failed)
	if q.Degraded {
		fmt.Printf("            %s storage degraded, changes are held in memory\n", ui.RenderWarn("⚠"))
	}
	if s.Conflicts > 0 {
		fmt.Printf("Conflicts:  %s (see 'offq conflicts list')\n", ui.RenderWarn(fmt.Sprint(s.Conflicts)))
	} else {
		fmt.Printf("Conflicts:  0\n")
	}

	st := s.Stats
	fmt.Printf("Cycles:     %d (%d attempts, %.0f%% success)\n", st.Cycles, st.TotalAttempts, st.SuccessRate*100)
	if !st.LastSyncAt.IsZero() {
		fmt.Printf("Last sync:  %s (%s, avg %v)\n", formatAge(st.LastSyncAt),
			st.LastDuration.Round(time.Millisecond), st.AverageDuration.Round(time.Millisecond))
	}
	fmt.Println()
}

func init() {
	syncCmd.AddCommand(syncRunCmd, syncRetryCmd)
	rootCmd.AddCommand(syncCmd, statusCmd)
}
