// Package app provides the entry point for the semgate command-line
// application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/semgate/semgate/pkg/versions"
)

var rootCmd = &cobra.Command{
	Use:               "semgate",
	DisableAutoGenTag: true,
	Short:             "Semgate is a governed semantic query gateway for AI agents",
	Long: `Semgate sits between AI agents speaking MCP and a downstream cube engine.
It registers databases per tenant, fuses engine metadata with governance
overrides into a searchable catalog, validates and normalizes every query
against that governance, and materializes engine configuration to disk.`,
	RunE: serveCmdFunc,
}

// NewRootCmd creates the root command for the semgate gateway.
func NewRootCmd() *cobra.Command {
	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			info := versions.GetVersionInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "semgate %s (commit %s, built %s, %s, %s)\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform)
		},
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (admin API plus MCP transports)",
		RunE:  serveCmdFunc,
	}
}
