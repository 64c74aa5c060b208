package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/spatialcapture/internal/service"
)

var mergeCmd = &cobra.Command{
	Use:   "merge [session]",
	Short: "Merge the audio and video tracks of a session",
	Long: `Re-run the merge stage of a finished session: the video and audio tracks are
stream-copied into merged.mov without re-encoding. Defaults to the latest
session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := service.New(cfg, cfgFile, ffmpegLogWriter(), serviceOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}

		id, err := sessionArg(svc, args)
		if err != nil {
			return err
		}

		fmt.Printf("Merging session: %s\n", id)
		res, err := svc.Merge(context.Background(), id)
		if err != nil {
			return fmt.Errorf("merge %s: %w", res.Outcome, err)
		}
		fmt.Printf("Merge completed: %s (%s)\n", res.Output, res.Elapsed.Round(time.Millisecond))

		// Execute pipeline if specified
		return executePipeline(context.Background(), svc, 'm')
	},
}

// sessionArg returns the session named in args, or the latest one.
func sessionArg(svc service.Service, args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	sessions, err := svc.ListSessions()
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", fmt.Errorf("no sessions in %s", cfg.Output.Directory)
	}
	return sessions[0].Name, nil
}
