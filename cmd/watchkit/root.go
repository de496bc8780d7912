package main

import (
	"github.com/spf13/cobra"
)

var (
	cfgPath string
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "watchkit",
	Short: "File-store pipeline from detection to approved action",
	Long: `Watchkit watches event sources, turns observations into task files,
routes them through review and approval, and executes approved tasks
exactly once. Each process serves one zone (perception or execution);
zones reconcile through a shared backing directory.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "watchkit.toml", "configuration file")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "machine-readable output")
}
