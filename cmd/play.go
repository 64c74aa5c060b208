package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/spatialcapture/internal/service"
)

var playCmd = &cobra.Command{
	Use:   "play [session]",
	Short: "Play the merged file of a session",
	Long: `Play the merged file of a session with the first available player
(vlc, mpv or ffplay). Falls back to the video track when the session has not
been merged. Defaults to the latest session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg, cfgFile, nil, serviceOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		id, err := sessionArg(svc, args)
		if err != nil {
			return err
		}

		fmt.Printf("Playing session: %s\n", id)
		if err := svc.Play(id); err != nil {
			return fmt.Errorf("playback failed: %w", err)
		}

		return executePipeline(context.Background(), svc, 'p')
	},
}
