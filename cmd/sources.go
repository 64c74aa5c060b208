package cmd

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/audiolibrelab/spatialcapture/internal/audio"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "List available audio sources",
	Long: `List the audio sources that can be used for recording. The backend of the
active profile is used unless --backend is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("backend")
		if name == "" {
			name = cfg.Audio.Backend
		}
		backend, err := audio.ParseBackend(name)
		if err != nil {
			return err
		}

		sources, err := audio.ListSources(backend)
		if err != nil {
			return fmt.Errorf("failed to get %s sources: %w", backend, err)
		}

		fmt.Printf("Audio Sources (%s, %s)\n", backend, runtime.GOOS)
		fmt.Printf("═══════════════════════════════════════\n\n")
		fmt.Printf("%d found:\n", len(sources))
		for i, source := range sources {
			fmt.Printf("  %d. %s\n", i+1, source)
		}

		fmt.Printf("\nUsage:\n")
		switch backend {
		case audio.BackendPipeWire:
			fmt.Printf("  • Format: \"client:port\", comma-separated for stereo\n")
			fmt.Printf("  • Example: source: \"USB Mic:capture_FL,USB Mic:capture_FR\"\n")
		default:
			fmt.Printf("  • Use the device name as definitions.inputs[].source\n")
			fmt.Printf("  • Leave source empty for the backend default\n")
		}
		fmt.Println()
		return nil
	},
}

func init() {
	sourcesCmd.Flags().String("backend", "", "audio backend: pipewire, pulse or alsa (default: from config)")
}
