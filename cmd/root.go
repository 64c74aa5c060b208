package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/audiolibrelab/spatialcapture/internal/config"
	"github.com/audiolibrelab/spatialcapture/internal/service"
)

var (
	cfg          *config.Config
	cfgFile      string
	pipeline     string
	profile      string
	outputDir    string
	verboseLevel int
)

var rootCmd = &cobra.Command{
	Use:   "spatialcapture",
	Short: "Session recorder for camera video, pose, point clouds and audio",
	Long: `SpatialCapture records a spatial capture session: camera video, the camera
pose, sparse point clouds and microphone audio. When a session stops, the
separately recorded audio and video tracks are merged into one container.

When a pipeline is provided with -p, it acts as 'spatialcapture run'.`,
	Args: cobra.NoArgs,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Configure slog based on verbose level
		setupLogging(verboseLevel, config.LoggingConfig{})

		// Use default config path if not specified
		explicit := cfgFile != ""
		if !explicit {
			cfgFile = config.DefaultPath()
		}

		var err error
		if _, statErr := os.Stat(cfgFile); !explicit && errors.Is(statErr, os.ErrNotExist) {
			slog.Debug("No config file, using built-in defaults", "path", cfgFile)
			cfg = config.Default()
			cfgFile = ""
		} else {
			cfg, err = config.LoadWithProfile(cfgFile, profile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
		}

		if outputDir != "" {
			cfg.Output.Directory = outputDir
		}

		// Reconfigure with the rotating log file once the config is known
		if cfg.Logging.File != "" {
			setupLogging(verboseLevel, cfg.Logging)
		}

		// Validate pipeline if provided
		return validatePipeline()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		// With a pipeline, delegate to run command
		if pipeline != "" {
			return runCmd.RunE(cmd, args)
		}
		// Otherwise show help
		return cmd.Help()
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/spatialcapture.yaml)")
	rootCmd.PersistentFlags().StringVarP(&pipeline, "pipeline", "p", "", "pipeline steps: r=record, m=merge, p=play (e.g., 'rmp', 'mp', 'rm')")
	rootCmd.PersistentFlags().StringVar(&profile, "profile", "", "configuration profile to use (overrides active_config from file)")
	rootCmd.PersistentFlags().StringVarP(&outputDir, "output", "o", "", "output directory (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&verboseLevel, "verbose", "v", 0, "verbose level: 0=info, 1=debug, 2=ffmpeg output, 3=max tracing")

	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(playCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(sourcesCmd)
	rootCmd.AddCommand(serveCmd)
}

// setupLogging configures slog based on the verbose level. A configured log
// file receives the same records, rotated by size.
func setupLogging(level int, logging config.LoggingConfig) {
	var slogLevel slog.Level
	switch level {
	case 0:
		slogLevel = slog.LevelInfo
	case 1:
		slogLevel = slog.LevelDebug
	case 2, 3:
		// Level 2 and 3 both use Debug level for slog
		// Level 3 will additionally set environment variables
		slogLevel = slog.LevelDebug
	default:
		slogLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	if logging.File != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logging.File,
			MaxSize:    logging.MaxSizeMB,
			MaxBackups: logging.MaxBackups,
			MaxAge:     logging.MaxAgeDays,
		})
	}

	// Configure text handler for clean terminal output
	opts := &slog.HandlerOptions{
		Level: slogLevel,
	}
	handler := slog.NewTextHandler(out, opts)
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// Set environment variables for maximum tracing (level 3)
	if level >= 3 {
		os.Setenv("PIPEWIRE_DEBUG", "3")
		os.Setenv("FFMPEG_LOGLEVEL", "debug")
	}
}

// serviceOptions carries command line overrides into the service so they
// outlive profile switches and config reloads.
func serviceOptions() []service.Option {
	var opts []service.Option
	if outputDir != "" {
		opts = append(opts, service.WithOutputOverride(outputDir))
	}
	return opts
}

// ffmpegLogWriter returns where ffmpeg output goes for the verbose level.
func ffmpegLogWriter() io.Writer {
	if verboseLevel >= 2 {
		return os.Stderr
	}
	return io.Discard
}
