package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// Track is one stream of a media file.
type Track struct {
	Kind     string        `json:"kind" yaml:"kind"`
	Codec    string        `json:"codec" yaml:"codec"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// Asset is what ffprobe reports about a media file.
type Asset struct {
	Path     string        `json:"path" yaml:"path"`
	Duration time.Duration `json:"duration" yaml:"duration"`
	Tracks   []Track       `json:"tracks" yaml:"tracks"`
}

// Track returns the first track of the given kind ("video", "audio").
func (a Asset) Track(kind string) (Track, bool) {
	for _, t := range a.Tracks {
		if t.Kind == kind {
			return t, true
		}
	}
	return Track{}, false
}

// Inspect reads the container and stream metadata of path with ffprobe.
func Inspect(ctx context.Context, path string) (Asset, error) {
	cmd := exec.CommandContext(ctx, "ffprobe",
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && len(exitErr.Stderr) > 0 {
			return Asset{}, fmt.Errorf("ffprobe %s: %w: %s", path, err, exitErr.Stderr)
		}
		return Asset{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	asset, err := ParseMediaInfo(out)
	if err != nil {
		return Asset{}, fmt.Errorf("ffprobe %s: %w", path, err)
	}
	asset.Path = path
	return asset, nil
}

// ParseMediaInfo decodes ffprobe's JSON output.
func ParseMediaInfo(data []byte) (Asset, error) {
	if !gjson.ValidBytes(data) {
		return Asset{}, fmt.Errorf("invalid ffprobe output")
	}

	doc := gjson.ParseBytes(data)
	asset := Asset{Duration: seconds(doc.Get("format.duration"))}

	doc.Get("streams").ForEach(func(_, s gjson.Result) bool {
		asset.Tracks = append(asset.Tracks, Track{
			Kind:     s.Get("codec_type").String(),
			Codec:    s.Get("codec_name").String(),
			Duration: seconds(s.Get("duration")),
		})
		return true
	})
	return asset, nil
}

// ffprobe prints durations as decimal strings of seconds.
func seconds(r gjson.Result) time.Duration {
	if !r.Exists() {
		return 0
	}
	v, err := strconv.ParseFloat(r.String(), 64)
	if err != nil {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}
