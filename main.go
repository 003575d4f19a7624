package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/smazurov/ebd/cmd"
	"github.com/smazurov/ebd/internal/config"
	"github.com/smazurov/ebd/internal/logging"
	"github.com/smazurov/ebd/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	opts := config.DefaultOptions()

	root := &cobra.Command{
		Use:   "ebd",
		Short: "Drive ebuild build daemons",
		Long: `ebd spawns and pools bash build daemons, runs ebuild phases in them ` +
			`and regenerates ebuild metadata.`,
		SilenceUsage: true,
		PersistentPreRunE: func(c *cobra.Command, _ []string) error {
			// Load configuration: CLI flags > EBD_* env vars > config file
			if loadErr := config.LoadConfig(&opts, c); loadErr != nil {
				slog.Warn("Failed to load config", "error", loadErr)
			}

			logging.Initialize(logging.Config{
				Level:  opts.LoggingLevel,
				Format: opts.LoggingFormat,
				Modules: map[string]string{
					"process": opts.LoggingProcess,
					"eclass":  opts.LoggingEclass,
				},
			})
			return opts.Validate()
		},
	}
	config.BindFlags(root.PersistentFlags(), &opts)
	root.Version = version.Get().Version

	root.AddCommand(cmd.CreatePhaseCmd(&opts))
	root.AddCommand(cmd.CreateMetadataCmd(&opts))
	root.AddCommand(cmd.CreateEnvCmd(&opts))
	root.AddCommand(cmd.CreateVersionCmd())

	// SIGINT is handled by the processor pool, which kills the daemons first
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
