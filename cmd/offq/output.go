package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/offq/offq/internal/daemon"
	"github.com/offq/offq/internal/ui"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
)

// exitHooks run, newest first, before the process exits through exit or
// fatalf. Deferred calls do not run on os.Exit.
var exitHooks []func() error

func atExit(fn func() error) {
	exitHooks = append(exitHooks, fn)
}

func runExitHooks() {
	for i := len(exitHooks) - 1; i >= 0; i-- {
		if err := exitHooks[i](); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	exitHooks = nil
}

func exit(code int) {
	runExitHooks()
	os.Exit(code)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	exit(1)
}

// render writes v as JSON or YAML, or calls table for the default format.
func render(v any, table func()) {
	if err := renderTo(os.Stdout, outputFormat, v, table); err != nil {
		fatalf("%v", err)
	}
}

func renderTo(w io.Writer, format string, v any, table func()) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		// Go through JSON so field names and RawMessage payloads match the
		// JSON rendering
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc any
		if err := json.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		table()
		return nil
	}
}

func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
}

// openEngine wires the queue stack from the loaded config. It refuses to
// run next to a daemon, which owns the store while it runs.
func openEngine(ctx context.Context, opts daemon.Options) *daemon.Engine {
	if running, pid := daemon.Running(daemon.LockPath(cfg)); running {
		fatalf("daemon is running (pid %d); stop it first or use 'offq queue enqueue', which goes through its inbox", pid)
	}
	e, err := daemon.Open(ctx, cfg, logger.Logger, opts)
	if err != nil {
		fatalf("%v", err)
	}
	atExit(e.Close)
	return e
}

// openOnline probes the remote before opening the engine so the
// coordinator starts in the right connectivity state.
func openOnline(ctx context.Context) (*daemon.Engine, error) {
	client := daemon.NewRemote(cfg)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.Connectivity.Timeout)
	pingErr := client.Ping(pingCtx)
	cancel()

	e := openEngine(ctx, daemon.Options{Remote: client, StartOnline: pingErr == nil})
	if pingErr != nil {
		return e, fmt.Errorf("remote unreachable: %w", pingErr)
	}
	return e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		return "in " + (-d).String()
	}
	return d.String() + " ago"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func check(err error) {
	if err == nil {
		return
	}
	fatalf("%v", err)
}

func printDone(format string, args ...any) {
	fmt.Printf("%s %s\n", ui.RenderPass("✓"), fmt.Sprintf(format, args...))
}
