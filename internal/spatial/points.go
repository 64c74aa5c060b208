package spatial

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
)

// Point is a 3D feature point in world coordinates.
type Point = r3.Vector

// PointSample is the ordered set of feature points detected in one
// tracking cycle. Once handed to an accumulator it must not be modified.
type PointSample []Point

// FormatPoint renders a point as "x,y,z".
func FormatPoint(p Point) string {
	return formatFloat(p.X) + "," + formatFloat(p.Y) + "," + formatFloat(p.Z)
}

// ParsePoint parses an "x,y,z" triple.
func ParsePoint(s string) (Point, error) {
	fields := strings.Split(strings.TrimSpace(s), ",")
	if len(fields) != 3 {
		return Point{}, fmt.Errorf("point must have 3 values, got %d: %q", len(fields), s)
	}

	var v [3]float64
	for i, field := range fields {
		f, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
		if err != nil {
			return Point{}, fmt.Errorf("point value %d: %w", i, err)
		}
		v[i] = f
	}
	return Point{X: v[0], Y: v[1], Z: v[2]}, nil
}

// FormatPoints renders points one per line. An empty slice renders as "".
func FormatPoints(points []Point) string {
	var b strings.Builder
	for _, p := range points {
		b.WriteString(FormatPoint(p))
		b.WriteByte('\n')
	}
	return b.String()
}

// ParsePoints parses newline-delimited "x,y,z" lines, skipping blank lines.
func ParsePoints(s string) ([]Point, error) {
	var points []Point
	for i, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		p, err := ParsePoint(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		points = append(points, p)
	}
	return points, nil
}
