// Package spatial holds the pose and point-cloud data delivered by the
// tracking service and their plain-text encodings.
package spatial

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Pose is a 4x4 homogeneous sensor-to-world transform stored column-major:
// element (row r, column c) lives at index c*4+r.
type Pose [16]float64

// Identity is the pose of a sensor sitting at the world origin.
var Identity = Pose{
	1, 0, 0, 0,
	0, 1, 0, 0,
	0, 0, 1, 0,
	0, 0, 0, 1,
}

// At returns the element at row r, column c.
func (p Pose) At(r, c int) float64 {
	return p[c*4+r]
}

// Matrix returns the pose as a gonum matrix.
func (p Pose) Matrix() *mat.Dense {
	m := mat.NewDense(4, 4, nil)
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			m.Set(r, c, p.At(r, c))
		}
	}
	return m
}

// PoseFromMatrix converts a 4x4 matrix to a Pose.
func PoseFromMatrix(m mat.Matrix) (Pose, error) {
	rows, cols := m.Dims()
	if rows != 4 || cols != 4 {
		return Pose{}, fmt.Errorf("pose matrix must be 4x4, got %dx%d", rows, cols)
	}
	var p Pose
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			p[c*4+r] = m.At(r, c)
		}
	}
	return p, nil
}

// Translation returns the sensor position in world coordinates.
func (p Pose) Translation() r3.Vector {
	return r3.Vector{X: p[12], Y: p[13], Z: p[14]}
}

// IsRigid reports whether the bottom row is 0,0,0,1.
func (p Pose) IsRigid() bool {
	return p.At(3, 0) == 0 && p.At(3, 1) == 0 && p.At(3, 2) == 0 && p.At(3, 3) == 1
}

// String renders the pose as 4 newline-separated rows of 4 comma-separated values.
func (p Pose) String() string {
	var b strings.Builder
	for r := 0; r < 4; r++ {
		if r > 0 {
			b.WriteByte('\n')
		}
		for c := 0; c < 4; c++ {
			if c > 0 {
				b.WriteByte(',')
			}
			b.WriteString(formatFloat(p.At(r, c)))
		}
	}
	return b.String()
}

// ParsePose is the inverse of Pose.String.
func ParsePose(s string) (Pose, error) {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) != 4 {
		return Pose{}, fmt.Errorf("pose must have 4 rows, got %d", len(lines))
	}

	var p Pose
	for r, line := range lines {
		fields := strings.Split(strings.TrimSpace(line), ",")
		if len(fields) != 4 {
			return Pose{}, fmt.Errorf("pose row %d must have 4 values, got %d", r, len(fields))
		}
		for c, field := range fields {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return Pose{}, fmt.Errorf("pose row %d column %d: %w", r, c, err)
			}
			p[c*4+r] = v
		}
	}
	return p, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
