package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/syncpair/internal/config"
	"github.com/tonimelisma/syncpair/internal/server"
)

const (
	defaultPort    = 8384
	defaultStorage = "./storage"
)

// newServerCmd builds the `syncpair server` command.
func newServerCmd() *cobra.Command {
	var (
		flagPort    int
		flagStorage string
		flagConfig  string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the synchronization server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			port := flagPort
			storage := flagStorage

			// Config file values apply where flags were left at their
			// defaults; explicit flags always win.
			if flagConfig != "" {
				fileCfg, err := config.LoadServer(flagConfig)
				if err != nil {
					return err
				}

				if !cmd.Flags().Changed("port") && fileCfg.Port != 0 {
					port = fileCfg.Port
				}

				if !cmd.Flags().Changed("storage") && fileCfg.StorageRoot != "" {
					storage = fileCfg.StorageRoot
				}

				if flagLogLevel == "" {
					flagLogLevel = fileCfg.LogLevel
				}

				if flagLogFile == "" {
					flagLogFile = fileCfg.LogFile
				}
			}

			logger, cleanup, err := buildLogger(slog.LevelInfo)
			if err != nil {
				return err
			}
			defer cleanup()

			srv, err := server.New(server.Config{
				Addr:        fmt.Sprintf(":%d", port),
				StorageRoot: storage,
			}, logger)
			if err != nil {
				return err
			}

			ctx := shutdownContext(context.Background(), logger)

			return srv.Run(ctx)
		},
	}

	cmd.Flags().IntVar(&flagPort, "port", defaultPort, "TCP port to listen on")
	cmd.Flags().StringVar(&flagStorage, "storage", defaultStorage, "storage root directory")
	cmd.Flags().StringVar(&flagConfig, "config", "", "optional TOML configuration file")

	return cmd
}
