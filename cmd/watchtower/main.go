// Command watchtower is the relay's process entrypoint: a cobra CLI with a
// serve subcommand (HTTP API + Scheduler + Watcher loops) and a migrate
// subcommand (apply pending database migrations and exit), the way
// cmd/synnergy/main.go builds a root command out of independent
// sub-commands.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{Use: "watchtower"}
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the relay's HTTP API, scheduler, and watcher loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}

func migrateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "apply pending database migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	return cmd
}
