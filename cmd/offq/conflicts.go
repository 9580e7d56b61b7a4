package main

import (
	"encoding/json"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/offq/offq/internal/daemon"
	"github.com/offq/offq/internal/schema"
	"github.com/offq/offq/internal/ui"
)

var conflictsCmd = &cobra.Command{
	Use:     "conflicts",
	GroupID: "sync",
	Short:   "Review mutations held back by remote changes",
	Long: `A conflict is raised when the remote entity changed after a mutation was
queued. The mutation stays queued but is not sent until the conflict is
resolved (a replacement carrying the chosen value is queued) or dismissed
(the original is sent as is).`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open conflicts",
	Run: func(cmd *cobra.Command, args []string) {
		e := openEngine(cmd.Context(), daemon.Options{})
		defer e.Close()

		conflicts := e.Coordinator.Conflicts()
		render(conflicts, func() {
			if len(conflicts) == 0 {
				fmt.Println(ui.RenderMuted("no open conflicts"))
				return
			}
			rows := make([][]string, 0, len(conflicts))
			for _, c := range conflicts {
				rows = append(rows, []string{
					c.ID,
					c.MutationID,
					c.EntityID,
					string(c.Kind),
					truncate(string(c.LocalVersion.Value), 30),
					truncate(string(c.RemoteVersion.Value), 30),
					formatTime(c.RemoteVersion.Timestamp),
				})
			}
			fmt.Println(ui.Table([]string{"ID", "MUTATION", "ENTITY", "KIND", "MINE", "THEIRS", "REMOTE CHANGED"}, rows))
		})
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Resolve a conflict with mine, theirs or a manual value",
	Long: `Resolve a conflict. The chosen value is queued as an update that replaces
the original mutation.

Without arguments on a terminal, pick the conflict and strategy
interactively.

Examples:
  offq conflicts resolve 3f2a... --strategy theirs
  offq conflicts resolve 3f2a... --strategy manual --value '{"title":"merged"}'
  offq conflicts resolve`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		strategyFlag, _ := cmd.Flags().GetString("strategy")
		valueFlag, _ := cmd.Flags().GetString("value")

		ctx := cmd.Context()
		e := openEngine(ctx, daemon.Options{})
		defer e.Close()

		conflicts := e.Coordinator.Conflicts()
		if len(conflicts) == 0 {
			fmt.Println(ui.RenderMuted("no open conflicts"))
			return
		}

		var id string
		if len(args) == 1 {
			id = args[0]
		}

		if id == "" || strategyFlag == "" {
			if !interactive() {
				fatalf("conflict id and --strategy are required when not on a terminal")
			}
			var err error
			id, strategyFlag, valueFlag, err = pickResolution(conflicts, id, valueFlag)
			check(err)
		}

		strategy, err := schema.ParseStrategy(strategyFlag)
		check(err)

		var manual []byte
		if strategy == schema.StrategyManual {
			if valueFlag == "" {
				fatalf("--value is required with --strategy manual")
			}
			v, err := readValue(valueFlag)
			check(err)
			manual = v
		}

		queued, err := e.Coordinator.ResolveConflict(ctx, id, strategy, manual)
		check(err)
		render(queued, func() {
			printDone("Resolved %s with %s; queued %s", id, strategy, queued.ID)
		})
	},
}

// pickResolution asks for whatever the flags left open.
func pickResolution(conflicts []*schema.Conflict, id, value string) (string, string, string, error) {
	var strategy string

	var fields []huh.Field
	if id == "" {
		opts := make([]huh.Option[string], 0, len(conflicts))
		for _, c := range conflicts {
			label := fmt.Sprintf("%s  %s %s  (remote changed %s)", c.ID[:min(8, len(c.ID))], c.Kind, c.EntityID, formatAge(c.RemoteVersion.Timestamp))
			opts = append(opts, huh.NewOption(label, c.ID))
		}
		fields = append(fields, huh.NewSelect[string]().
			Title("Conflict").
			Options(opts...).
			Value(&id))
	}
	fields = append(fields, huh.NewSelect[string]().
		Title("Keep").
		Options(
			huh.NewOption("Mine: the queued local value", string(schema.StrategyMine)),
			huh.NewOption("Theirs: the current remote value", string(schema.StrategyTheirs)),
			huh.NewOption("Manual: enter a value", string(schema.StrategyManual)),
		).
		Value(&strategy))

	if err := huh.NewForm(huh.NewGroup(fields...)).Run(); err != nil {
		return "", "", "", err
	}

	if strategy == string(schema.StrategyManual) && value == "" {
		err := huh.NewText().
			Title("Value (JSON)").
			Validate(func(s string) error {
				if !json.Valid([]byte(s)) {
					return fmt.Errorf("not valid JSON")
				}
				return nil
			}).
			Value(&value).
			Run()
		if err != nil {
			return "", "", "", err
		}
	}
	return id, strategy, value, nil
}

var conflictsDismissCmd = &cobra.Command{
	Use:   "dismiss <conflict-id>",
	Short: "Close a conflict and send the original mutation unchanged",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		e := openEngine(ctx, daemon.Options{})
		defer e.Close()

		check(e.Coordinator.DismissConflict(ctx, args[0]))
		printDone("Dismissed %s", args[0])
	},
}

func init() {
	conflictsResolveCmd.Flags().String("strategy", "", "mine, theirs or manual")
	conflictsResolveCmd.Flags().String("value", "", "Manual value as JSON, or @file")

	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsDismissCmd)
	rootCmd.AddCommand(conflictsCmd)
}
