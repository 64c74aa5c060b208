// Package play opens a recorded session file in the first available media
// player.
package play

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// Players in order of preference.
var Players = []string{"vlc", "mpv", "ffplay"}

type Player struct {
	lookPath func(string) (string, error)
	run      func(name string, args ...string) error
}

func New() *Player {
	return &Player{
		lookPath: exec.LookPath,
		run: func(name string, args ...string) error {
			cmd := exec.Command(name, args...)
			cmd.Stdout = os.Stdout
			cmd.Stderr = os.Stderr
			return cmd.Run()
		},
	}
}

// Play blocks until playback of path ends.
func (p *Player) Play(path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("media file not found: %s", path)
	}

	player, err := p.findPlayer()
	if err != nil {
		return fmt.Errorf("no suitable media player found: %w", err)
	}

	fmt.Printf("Playing: %s\n", path)

	if err := p.run(player, Args(player, path)...); err != nil {
		return fmt.Errorf("playback failed with %s: %w", player, err)
	}

	fmt.Println("Playback completed")
	return nil
}

// Args returns the command line arguments for player.
func Args(player, path string) []string {
	switch player {
	case "vlc":
		return []string{"--play-and-exit", path}
	case "mpv":
		return []string{"--keep-open=no", path}
	case "ffplay":
		return []string{"-autoexit", "-window_title", "spatialcapture", path}
	}
	return []string{path}
}

func (p *Player) findPlayer() (string, error) {
	for _, player := range Players {
		if _, err := p.lookPath(player); err == nil {
			return player, nil
		}
	}
	return "", fmt.Errorf("tried: %s", strings.Join(Players, ", "))
}
