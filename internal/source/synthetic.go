package source

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"

	"github.com/audiolibrelab/spatialcapture/internal/spatial"
	"github.com/audiolibrelab/spatialcapture/internal/video"
)

// SyntheticConfig shapes the generated stream.
type SyntheticConfig struct {
	FPS            float64           `mapstructure:"fps" yaml:"fps"`
	Width          int               `mapstructure:"width" yaml:"width"`
	Height         int               `mapstructure:"height" yaml:"height"`
	PixelFormat    video.PixelFormat `mapstructure:"pixel_format" yaml:"pixel_format"`
	PointsPerFrame int               `mapstructure:"points_per_frame" yaml:"points_per_frame"`
	Seed           int64             `mapstructure:"seed" yaml:"seed"`
	OrbitRadius    float64           `mapstructure:"orbit_radius" yaml:"orbit_radius"`
	OrbitPeriod    time.Duration     `mapstructure:"orbit_period" yaml:"orbit_period"`
}

var DefaultSyntheticConfig = SyntheticConfig{
	FPS:            30,
	Width:          640,
	Height:         360,
	PixelFormat:    video.PixelRGBA,
	PointsPerFrame: 64,
	Seed:           1,
	OrbitRadius:    1.5,
	OrbitPeriod:    10 * time.Second,
}

// Synthetic generates a moving test pattern with a camera orbiting the
// origin. Frame i is the same for a given config on every run.
type Synthetic struct {
	cfg SyntheticConfig
}

func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("synthetic fps must be positive, got: %v", cfg.FPS)
	}
	if cfg.PixelFormat.FrameSize(cfg.Width, cfg.Height) <= 0 {
		return nil, fmt.Errorf("synthetic frame %dx%d %s is not valid", cfg.Width, cfg.Height, cfg.PixelFormat)
	}
	if cfg.PointsPerFrame < 0 {
		return nil, fmt.Errorf("synthetic points_per_frame must not be negative")
	}
	if cfg.OrbitPeriod <= 0 {
		cfg.OrbitPeriod = DefaultSyntheticConfig.OrbitPeriod
	}
	return &Synthetic{cfg: cfg}, nil
}

// Run delivers frames at the configured rate until ctx is done.
func (s *Synthetic) Run(ctx context.Context, h Handler) error {
	interval := time.Duration(float64(time.Second) / s.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for i := 0; ; i++ {
		h.OnFrame(s.Frame(i))

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Frame builds frame i.
func (s *Synthetic) Frame(i int) Frame {
	ts := time.Duration(math.Round(float64(i) * float64(time.Second) / s.cfg.FPS))
	return Frame{
		Image:     s.image(i),
		Timestamp: ts,
		Pose:      s.pose(ts),
		Points:    s.points(i),
		Tracking:  s.tracking(ts),
	}
}

func (s *Synthetic) tracking(ts time.Duration) string {
	switch {
	case ts < time.Second:
		return TrackingInitializing
	case ts%(30*time.Second) >= 29*time.Second:
		return TrackingLimited
	}
	return TrackingNormal
}

// pose places the camera on a horizontal circle, rotated about the world Y
// axis by the orbit angle.
func (s *Synthetic) pose(ts time.Duration) spatial.Pose {
	theta := 2 * math.Pi * float64(ts%s.cfg.OrbitPeriod) / float64(s.cfg.OrbitPeriod)
	c, sn := math.Cos(theta), math.Sin(theta)
	r := s.cfg.OrbitRadius

	rotation := mat.NewDense(4, 4, []float64{
		c, 0, sn, 0,
		0, 1, 0, 0,
		-sn, 0, c, 0,
		0, 0, 0, 1,
	})
	translation := mat.NewDense(4, 4, []float64{
		1, 0, 0, r * sn,
		0, 1, 0, 0.1 * math.Sin(2*theta),
		0, 0, 1, r * c,
		0, 0, 0, 1,
	})

	var m mat.Dense
	m.Mul(translation, rotation)

	p, err := spatial.PoseFromMatrix(&m)
	if err != nil {
		return spatial.Identity
	}
	return p
}

func (s *Synthetic) points(i int) spatial.PointSample {
	rng := rand.New(rand.NewSource(s.cfg.Seed + int64(i)))
	pts := make(spatial.PointSample, s.cfg.PointsPerFrame)
	for k := range pts {
		pts[k] = r3.Vector{X: rng.Float64()*2 - 1, Y: rng.Float64()*2 - 1, Z: rng.Float64()*2 - 1}
	}
	return pts
}

func (s *Synthetic) image(i int) video.PixelBuffer {
	w, h, f := s.cfg.Width, s.cfg.Height, s.cfg.PixelFormat
	data := make([]byte, f.FrameSize(w, h))

	switch f {
	case video.PixelRGBA, video.PixelBGRA:
		for y := 0; y < h; y++ {
			row := data[y*w*4 : (y+1)*w*4]
			for x := 0; x < w; x++ {
				px := row[x*4 : x*4+4]
				px[0] = byte(x + i)
				px[1] = byte(y + 2*i)
				px[2] = byte(3 * i)
				px[3] = 0xff
			}
		}
	default:
		// planar and semi-planar 4:2:0 share the luma layout; chroma stays neutral
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				data[y*w+x] = byte(x + y + i)
			}
		}
		for k := w * h; k < len(data); k++ {
			data[k] = 0x80
		}
	}

	return video.PixelBuffer{Data: data, Width: w, Height: h, Format: f}
}
