package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/spatialcapture/internal/recording"
	"github.com/audiolibrelab/spatialcapture/internal/service"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a capture session",
	Long: `Record camera video, pose, point clouds and microphone audio into a new
session directory. Press Ctrl+C to stop; the audio and video tracks are then
merged into merged.mov.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetDuration("duration")

		svc, stopFrames, err := startService()
		if err != nil {
			return err
		}
		defer stopFrames()

		sess, err := svc.StartRecording()
		if err != nil {
			return fmt.Errorf("failed to start recording: %w", err)
		}
		slog.Info("Recording - Press Ctrl+C to stop", "session", sess.Dir)

		waitForStop(duration)
		slog.Info("Stopping recording...")

		res, err := svc.StopRecording()
		printResult(res)
		if err != nil {
			return fmt.Errorf("recording finished with errors: %w", err)
		}

		// Execute pipeline if specified
		return executePipeline(context.Background(), svc, 'r')
	},
}

func init() {
	recordCmd.Flags().DurationP("duration", "t", 0, "stop automatically after this duration (default: until Ctrl+C)")
}

// startService creates the service and starts delivering frames. The
// returned function stops the frame loop.
func startService() (*service.CaptureService, func(), error) {
	svc, err := service.New(cfg, cfgFile, ffmpegLogWriter(), serviceOptions()...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create service: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	return svc, func() {
		cancel()
		if err := <-done; err != nil {
			slog.Warn("Frame source stopped with error", "error", err)
		}
	}, nil
}

// waitForStop blocks until SIGINT/SIGTERM or until duration elapses.
func waitForStop(duration time.Duration) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}
	<-ctx.Done()
}

func printResult(res recording.Result) {
	if res.Session == nil {
		return
	}
	fmt.Printf("Session: %s\n", res.Session.Dir)
	if res.Merge != nil {
		fmt.Printf("Merge: %s", res.Merge.Outcome)
		if res.Merge.Err == nil {
			fmt.Printf(" (%s, %s)", res.Merge.Output, res.Merge.Elapsed.Round(time.Millisecond))
		}
		fmt.Println()
	} else {
		fmt.Println("Merge: skipped")
	}
	for _, err := range res.Errors {
		fmt.Printf("Error: %v\n", err)
	}
}
