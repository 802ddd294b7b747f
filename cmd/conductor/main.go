package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/opentalon/conductor/internal/config"
	"github.com/opentalon/conductor/internal/version"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "conductor",
	Short:         "Plan and execute multi-step worker requests",
	Long:          "conductor turns a user query into a plan of worker steps, executes it and composes one answer.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.Get())
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (defaults apply when empty)")
	rootCmd.AddCommand(serveCmd, runCmd, workersCmd, schemaCmd, versionCmd)
}

// loadConfig reads --config, or returns the built-in defaults.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
