package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/spatialcapture/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web server for remote control",
	Long: `Start the SpatialCapture web server to control recording via a web interface.
This allows you to start and stop sessions from your smartphone or any device
on the same network, watch live capture stats and download session files.

Changes to the config file are picked up automatically while no session is
being recorded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		port, _ := cmd.Flags().GetString("port")

		srv, err := server.New(cfg, cfgFile, port, ffmpegLogWriter(), serviceOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create server: %w", err)
		}

		slog.Info("SpatialCapture web server starting", "port", port, "config", cfgFile, "profile", cfg.Profile)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("port", "8080", "port for the web server")
}
