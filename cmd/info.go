package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/spatialcapture/internal/config"
	"github.com/audiolibrelab/spatialcapture/internal/service"
)

var infoCmd = &cobra.Command{
	Use:   "info [session]",
	Short: "Show resolved configuration, or the details of a session",
	Long: `Without arguments, display the resolved configuration with inheritance
indicators showing which values are inherited from the default profile and
which are profile-specific.

With a session name, display its files, manifest and the tracks reported by
ffprobe.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			printResolvedConfig(cfg)
			return nil
		}

		svc, err := service.New(cfg, cfgFile, nil, serviceOptions()...)
		if err != nil {
			return fmt.Errorf("failed to create service: %w", err)
		}
		details, err := svc.Info(context.Background(), args[0])
		if err != nil {
			return err
		}
		printSessionDetails(details)
		return nil
	},
}

func printResolvedConfig(cfg *config.Config) {
	inh := cfg.Inheritance
	if inh == nil {
		inh = &config.InheritanceInfo{}
	}

	fmt.Printf("=== RESOLVED CONFIGURATION (%s) ===\n", cfg.Profile)

	fmt.Printf("\n[Audio]\n")
	fmt.Printf("backend: %s %s\n", cfg.Audio.Backend, getInheritanceIndicator(inh.Audio.Input))
	fmt.Printf("source: %s %s\n", cfg.Audio.Source, getInheritanceIndicator(inh.Audio.Input))
	fmt.Printf("channels: %d %s\n", cfg.Audio.Channels, getInheritanceIndicator(inh.Audio.Input))
	fmt.Printf("sample_rate: %d %s\n", cfg.Audio.SampleRate, getInheritanceIndicator(inh.Audio.SampleRate))
	fmt.Printf("quality: %s (%s) %s\n", cfg.Audio.Quality, cfg.Audio.Quality.Bitrate(), getInheritanceIndicator(inh.Audio.Quality))

	fmt.Printf("\n[Video]\n")
	fmt.Printf("size: %dx%d %s\n", cfg.Video.Width, cfg.Video.Height, getInheritanceIndicator(inh.Video.Size))
	fmt.Printf("fps: %g %s\n", cfg.Video.FPS, getInheritanceIndicator(inh.Video.FPS))
	fmt.Printf("container: %s %s\n", cfg.Video.Container, getInheritanceIndicator(inh.Video.Container))
	fmt.Printf("codec: %s\n", cfg.Video.Codec)
	fmt.Printf("pixel_format: %s\n", cfg.Video.PixelFormat)
	fmt.Printf("timestamps: %s\n", cfg.Timestamps)

	fmt.Printf("\n[PointCloud]\n")
	fmt.Printf("flush_interval: %s %s\n", cfg.PointCloud.FlushInterval, getInheritanceIndicator(inh.PointCloud.FlushInterval))
	fmt.Printf("order: %s %s\n", cfg.PointCloud.Order, getInheritanceIndicator(inh.PointCloud.Order))
	fmt.Printf("policy: %s %s\n", cfg.PointCloud.Policy, getInheritanceIndicator(inh.PointCloud.Policy))
	fmt.Printf("flush_on_stop: %t %s\n", cfg.PointCloud.FlushOnStop, getInheritanceIndicator(inh.PointCloud.FlushOnStop))

	fmt.Printf("\n[Merge]\n")
	fmt.Printf("timeout: %s %s\n", cfg.Merge.Timeout, getInheritanceIndicator(inh.Merge.Timeout))

	fmt.Printf("\n[Output]\n")
	fmt.Printf("directory: %s %s\n", cfg.Output.Directory, getInheritanceIndicator(inh.Output.Directory))
}

func printSessionDetails(d *service.SessionDetails) {
	fmt.Printf("=== SESSION %s ===\n", d.Session.Name)
	fmt.Printf("directory: %s\n", d.Session.Dir)
	fmt.Printf("started: %s\n", d.Session.Started.Format(time.DateTime))
	for _, name := range d.Session.Files() {
		fmt.Printf("  %s\n", name)
	}

	if m := d.Manifest; m != nil {
		fmt.Printf("\n[Manifest]\n")
		fmt.Printf("id: %s\n", m.ID)
		fmt.Printf("duration: %s\n", m.Stopped.Sub(m.Started).Round(time.Millisecond))
		fmt.Printf("frames: accepted=%d dropped=%d rejected=%d\n", m.Frames.Accepted, m.Frames.Dropped, m.Frames.Rejected)
		fmt.Printf("flushes: %d (errors: %d)\n", m.Flushes, m.FlushErrors)
		if m.Merge != nil {
			fmt.Printf("merge: %s in %s\n", m.Merge.Outcome, m.Merge.Elapsed.Round(time.Millisecond))
		}
		for _, e := range m.Errors {
			fmt.Printf("error: %s\n", e)
		}
	}

	for _, a := range d.Assets {
		fmt.Printf("\n[%s] %s\n", a.Path, a.Duration.Round(time.Millisecond))
		for _, t := range a.Tracks {
			fmt.Printf("  %s: %s %s\n", t.Kind, t.Codec, t.Duration.Round(time.Millisecond))
		}
	}
}

// getInheritanceIndicator returns a formatted indicator for inheritance status
func getInheritanceIndicator(status string) string {
	switch status {
	case config.Inherited:
		return "[inherited]"
	case config.ProfileSpecific:
		return "[profile-specific]"
	default:
		return "[default]"
	}
}
