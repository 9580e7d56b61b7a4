package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/offq/offq/internal/daemon"
	"github.com/offq/offq/internal/filter"
	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/transfer"
	"github.com/offq/offq/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:     "queue",
	GroupID: "queue",
	Short:   "Inspect and edit the local mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in processing order",
	Long: `List queued mutations in the order they will be processed.

--filter takes a CEL expression over the fields id, kind, entity_id,
status, priority, retry_count, last_error, supersedes, enqueued_ms, age_ms
and payload (the parsed JSON payload).

Examples:
  offq queue list --filter 'status == "failed"'
  offq queue list --filter 'kind == "update" && payload.title.startsWith("draft")'
  offq queue list --filter 'age_ms > 3600000' --format json`,
	Run: func(cmd *cobra.Command, args []string) {
		expr, _ := cmd.Flags().GetString("filter")
		f, err := filter.Compile(expr)
		check(err)

		ctx := cmd.Context()
		e := openEngine(ctx, daemon.Options{})
		defer e.Close()

		items := f.Apply(e.Queue.List())
		render(items, func() {
			if len(items) == 0 {
				fmt.Println(ui.RenderMuted("queue is empty"))
				return
			}
			rows := make([][]string, 0, len(items))
			for _, m := range items {
				next := "-"
				if m.NextAttemptAt != nil {
					next = formatAge(*m.NextAttemptAt)
				}
				rows = append(rows, []string{
					m.ID,
					string(m.Kind),
					m.EntityID,
					ui.RenderStatus(string(m.Status)),
					strconv.Itoa(m.Priority),
					strconv.Itoa(m.RetryCount),
					next,
					truncate(m.LastError, 40),
				})
			}
			fmt.Println(ui.Table([]string{"ID", "KIND", "ENTITY", "STATUS", "PRI", "RETRIES", "NEXT", "LAST ERROR"}, rows))
		})
	},
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue",
	Short: "Queue a mutation",
	Long: `Queue a mutation for the remote store.

When a daemon is running the mutation is dropped into its inbox directory
and picked up from there; otherwise it is written to the store directly.

Examples:
  offq queue enqueue --kind add --entity todo-1 --payload '{"title":"milk"}'
  offq queue enqueue --kind update --entity todo-1 --payload @todo.json
  offq queue enqueue --kind delete --entity todo-2 --priority 10`,
	Run: func(cmd *cobra.Command, args []string) {
		m := mutationFromFlags(cmd)

		if running, pid := daemon.Running(daemon.LockPath(cfg)); running {
			if m.ID == "" {
				m.ID = uuid.NewString()
			}
			check(schema.WriteMutationFile(cfg.Queue.InboxDir, m))
			printDone("Sent %s to daemon inbox (pid %d)", m.ID, pid)
			return
		}

		ctx := cmd.Context()
		e := openEngine(ctx, daemon.Options{})
		defer e.Close()

		queued, err := e.Queue.Enqueue(ctx, m)
		check(err)
		render(queued, func() {
			printDone("Queued %s (%s %s, priority %d)", queued.ID, queued.Kind, queued.EntityID, queued.Priority)
		})
	},
}

func mutationFromFlags(cmd *cobra.Command) *schema.Mutation {
	id, _ := cmd.Flags().GetString("id")
	kind, _ := cmd.Flags().GetString("kind")
	entity, _ := cmd.Flags().GetString("entity")
	payload, _ := cmd.Flags().GetString("payload")
	priority, _ := cmd.Flags().GetInt("priority")

	switch schema.Kind(kind) {
	case schema.KindAdd, schema.KindUpdate, schema.KindDelete, schema.KindMarkStatus:
	default:
		fatalf("--kind must be add, update, delete or markStatus")
	}

	m := &schema.Mutation{
		ID:       id,
		Kind:     schema.Kind(kind),
		EntityID: entity,
		Priority: priority,
	}
	if payload != "" {
		data, err := readValue(payload)
		check(err)
		m.Payload = data
	}
	check(m.Validate())
	return m
}

// readValue accepts inline JSON or @path.
func readValue(s string) (json.RawMessage, error) {
	data := []byte(s)
	if path, ok := strings.CutPrefix(s, "@"); ok {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("value is not valid JSON")
	}
	return json.RawMessage(data), nil
}

var queueClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove every queued mutation",
	Run: func(cmd *cobra.Command, args []string) {
		yes, _ := cmd.Flags().GetBool("yes")

		ctx := cmd.Context()
		e := openEngine(ctx, daemon.Options{})
		defer e.Close()

		total := e.Queue.Status().Total()
		if total == 0 {
			fmt.Println(ui.RenderMuted("queue is already empty"))
			return
		}
		if !yes {
			if !interactive() {
				fatalf("refusing to clear %d mutations without --yes", total)
			}
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Discard %d queued mutations?", total)).
				Description("They will never reach the remote store.").
				Value(&confirmed).
				Run()
			check(err)
			if !confirmed {
				return
			}
		}

		n := e.Coordinator.ClearQueue(ctx)
		printDone("Cleared %d mutations", n)
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue failed mutations without syncing",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e := openEngine(ctx, daemon.Options{})
		defer e.Close()

		n := e.Queue.RetryFailed(ctx)
		printDone("Requeued %d failed mutations", n)
	},
}

var queueExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write the queue as JSON lines ('-' for stdout)",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e := openEngine(ctx, daemon.Options{})
		defer e.Close()

		items := e.Queue.List()
		if args[0] == "-" {
			check(transfer.Write(os.Stdout, items))
			return
		}
		check(transfer.ExportFile(args[0], items))
		printDone("Exported %d mutations to %s", len(items), args[0])
	},
}

var queueImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Queue mutations from a JSON lines export",
	Long: `Queue mutations from a JSON lines file written by 'offq queue export'.

Imported mutations start fresh: status pending, no retries. Mutations that
had failed are skipped unless --include-failed is given, and ids already in
the queue are reported as duplicates.

With --to-inbox, or whenever a daemon is running, the mutations are written
to the inbox directory instead.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		includeFailed, _ := cmd.Flags().GetBool("include-failed")
		backup, _ := cmd.Flags().GetBool("backup")
		toInbox, _ := cmd.Flags().GetBool("to-inbox")

		opts := transfer.ImportOptions{DryRun: dryRun, IncludeFailed: includeFailed, Backup: backup}
		if running, _ := daemon.Running(daemon.LockPath(cfg)); running {
			toInbox = true
		}

		var (
			result *transfer.ImportResult
			err    error
		)
		if toInbox {
			result, err = transfer.ToInbox(args[0], cfg.Queue.InboxDir, opts)
		} else {
			result, err = importDirect(cmd.Context(), args[0], opts)
		}
		check(err)

		render(result, func() { printImportResult(result, dryRun) })
		if len(result.Errors) > 0 {
			exit(1)
		}
	},
}

func importDirect(ctx context.Context, path string, opts transfer.ImportOptions) (*transfer.ImportResult, error) {
	e := openEngine(ctx, daemon.Options{})
	defer e.Close()
	return transfer.Import(ctx, e.Queue, path, opts)
}

func printImportResult(r *transfer.ImportResult, dryRun bool) {
	verb := "Imported"
	if dryRun {
		verb = "Would import"
	}
	printDone("%s %d of %d mutations", verb, r.Imported, r.Read)
	if r.Duplicates > 0 {
		fmt.Printf("   %s %d already queued\n", ui.RenderWarn("⚠"), r.Duplicates)
	}
	if r.SkippedFailed > 0 {
		fmt.Printf("   %s %d failed mutations skipped (use --include-failed)\n", ui.RenderMuted("-"), r.SkippedFailed)
	}
	if r.BackupCreated != "" {
		fmt.Printf("   Backup: %s\n", r.BackupCreated)
	}
	for _, err := range r.Errors {
		fmt.Fprintf(os.Stderr, "   %s %s\n", ui.RenderFail("✗"), err)
	}
}

func init() {
	queueListCmd.Flags().String("filter", "", "CEL expression selecting mutations")

	queueEnqueueCmd.Flags().String("id", "", "Mutation id (default: random UUID)")
	queueEnqueueCmd.Flags().String("kind", "", "Mutation kind: add, update, delete or markStatus")
	queueEnqueueCmd.Flags().String("entity", "", "Target entity id")
	queueEnqueueCmd.Flags().String("payload", "", "JSON payload, or @file")
	queueEnqueueCmd.Flags().Int("priority", 0, "Priority (default: by kind)")
	_ = queueEnqueueCmd.MarkFlagRequired("kind")
	_ = queueEnqueueCmd.MarkFlagRequired("entity")

	queueClearCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	queueImportCmd.Flags().Bool("dry-run", false, "Report what would be imported")
	queueImportCmd.Flags().Bool("include-failed", false, "Also import mutations that had failed")
	queueImportCmd.Flags().Bool("backup", false, "Copy the file to a timestamped backup first")
	queueImportCmd.Flags().Bool("to-inbox", false, "Write to the inbox directory instead of the store")

	queueCmd.AddCommand(queueListCmd, queueEnqueueCmd, queueClearCmd, queueRetryCmd, queueExportCmd, queueImportCmd)
	rootCmd.AddCommand(queueCmd)
}
