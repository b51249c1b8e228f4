package main

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncpair/internal/client"
	"github.com/tonimelisma/syncpair/internal/config"
)

// newClientCmd builds the `syncpair client` command.
func newClientCmd() *cobra.Command {
	var flagFile string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "Run the synchronization client",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			logger, cleanup, err := buildLogger(slog.LevelWarn)
			if err != nil {
				return err
			}
			defer cleanup()

			cfg, err := config.Load(flagFile)
			if err != nil {
				return err
			}

			supervisor, err := client.NewSupervisor(cfg, logger)
			if err != nil {
				return err
			}

			ctx := shutdownContext(context.Background(), logger)

			return supervisor.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&flagFile, "file", "", "client configuration file (YAML)")
	cmd.MarkFlagRequired("file")

	return cmd
}
