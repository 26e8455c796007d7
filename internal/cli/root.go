package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	EnvFiles []string
	LogLevel string
}

// NewRootCommand creates the carbonsplit command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "carbonsplit",
		Short:         "Allocate contributions to carbon projects",
		Long:          "carbonsplit splits monetary contributions across a hierarchy of carbon-offset projects and reports the CO2 tonnage they fund.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringSliceVar(&opts.EnvFiles, "env-file", nil, "dotenv files to load before the environment (default .env)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level override (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewWorkerCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewReportCommand(opts))
	cmd.AddCommand(NewSeedCommand(opts))

	return cmd
}
