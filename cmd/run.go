package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute pipeline steps",
	Long: `Execute the specified pipeline steps. Use -p to specify which steps to run:
r records a session (until Ctrl+C or --duration), m merges the latest session
and p plays it.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pipeline == "" {
			return fmt.Errorf("no pipeline specified, use -p flag (e.g., -p rmp)")
		}
		duration, _ := cmd.Flags().GetDuration("duration")

		svc, stopFrames, err := startService()
		if err != nil {
			return err
		}
		defer stopFrames()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		fmt.Printf("Pipeline: executing '%s'...\n", pipeline)
		if err := svc.RunPipeline(ctx, pipeline, duration); err != nil {
			return err
		}
		fmt.Println("Pipeline: completed")
		return nil
	},
}

func init() {
	runCmd.Flags().DurationP("duration", "t", 0, "length of the record step (default: until Ctrl+C)")
}
