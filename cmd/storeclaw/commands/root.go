// Package commands implements the storeclaw CLI commands using cobra.
package commands

import (
	"github.com/spf13/cobra"
)

// NewRootCmd creates the root command with every subcommand registered.
func NewRootCmd(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "storeclaw",
		Short: "StoreClaw - WhatsApp sales assistant for online stores",
		Long: `StoreClaw answers customers of one or more stores over WhatsApp.
Each store (tenant) has its own WhatsApp session, catalog and reply settings.

Examples:
  storeclaw setup
  storeclaw serve
  storeclaw catalog import acme products.yaml
  storeclaw simulate --tenant acme
  storeclaw tenant status`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newSetupCmd(),
		newSimulateCmd(),
		newTenantCmd(),
		newCatalogCmd(),
	)

	// Global flags.
	rootCmd.PersistentFlags().StringP("config", "c", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "enable debug logs")

	return rootCmd
}
