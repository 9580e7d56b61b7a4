package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/offq/offq/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "advanced",
	Short:   "Manage offq settings",
}

var configInitCmd = &cobra.Command{
	Use:         "init",
	Short:       "Write the default settings to .offq/offq.toml",
	Annotations: map[string]string{skipConfig: "true"},
	Run: func(cmd *cobra.Command, args []string) {
		force, _ := cmd.Flags().GetBool("force")
		path := configPath
		if path == "" {
			path = filepath.Join(config.DefaultDir, "offq.toml")
		}
		check(config.Default().WriteFile(path, force))
		printDone("Wrote %s", path)
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective settings",
	Run: func(cmd *cobra.Command, args []string) {
		render(cfg.Map(), func() {
			source := cfg.Source
			if source == "" {
				source = "built-in defaults"
			}
			fmt.Printf("# source: %s\n", source)
			check(cfg.Encode(cmd.OutOrStdout()))
		})
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
	rootCmd.AddCommand(configCmd)
}
