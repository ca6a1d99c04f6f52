// Package cli provides the command tree of the wiregrpc binary.
package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"go.wiregrpc.io/server/config"
	"go.wiregrpc.io/server/utils"
	"go.wiregrpc.io/server/utils/log"
)

// Root builds the root command with its subcommands attached.
func Root(version string) *cobra.Command {
	var logger *zap.Logger
	cfg := config.Default()

	cmd := &cobra.Command{
		Use:           "wiregrpc",
		Short:         "wiregrpc is an embeddable gRPC server runtime",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			logger, err = log.New()
			if err != nil {
				return err
			}

			configPath, _ := cmd.Flags().GetString("config")
			loaded, err := config.Load(configPath)
			if err != nil {
				utils.LogError(logger, err, "failed to load configuration")
				return err
			}
			*cfg = *loaded

			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Debug = true
				logger, err = log.ChangeLogLevel(zapcore.DebugLevel)
				if err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().String("config", "", "Path to the server configuration file")
	cmd.PersistentFlags().Bool("debug", false, "Run in debug mode")

	cmd.AddCommand(serveCommand(&logger, cfg))
	return cmd
}
