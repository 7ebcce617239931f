// Package calibration removes bias and scale error from raw IMU samples and
// low-pass filters each axis.
package calibration

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/glog"
	"github.com/skelterjohn/go.matrix"
)

var (
	ErrInsufficientSamples = errors.New("calibration: insufficient samples")
	ErrDegenerateRange     = errors.New("calibration: degenerate sample range")
	ErrNotCapturing        = errors.New("calibration: no capture in progress")
)

// Vector is one three-axis sample.
type Vector [3]float64

// Kind names a sensor class.
type Kind string

const (
	KindGyro  Kind = "gyro"
	KindAccel Kind = "accel"
	KindMag   Kind = "mag"
)

// ParseKind accepts the lower-case sensor class names.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindGyro, KindAccel, KindMag:
		return k, nil
	}
	return "", fmt.Errorf("calibration: unknown sensor %q", s)
}

// Calibrator is the capture-then-apply cycle shared by every sensor class.
// While uncalibrated, Apply passes samples through unchanged.
type Calibrator interface {
	Start()
	Add(v Vector)
	Finish(minSamples int) error
	Apply(v Vector) Vector
	Reset()
	Calibrated() bool
}

// Gyro estimates a constant rate bias from a stationary capture.
type Gyro struct {
	Bias       Vector
	calibrated bool
	capturing  bool
	sum        Vector
	n          int
}

func (g *Gyro) Start() {
	g.calibrated = false
	g.capturing = true
	g.sum, g.n = Vector{}, 0
}

func (g *Gyro) Add(v Vector) {
	if !g.capturing {
		return
	}
	for i := range v {
		g.sum[i] += v[i]
	}
	g.n++
}

// Finish sets the bias to the mean of the captured samples.
func (g *Gyro) Finish(minSamples int) error {
	if !g.capturing {
		return ErrNotCapturing
	}
	g.capturing = false
	if g.n == 0 || g.n < minSamples {
		return fmt.Errorf("gyro: %d of %d samples: %w", g.n, minSamples, ErrInsufficientSamples)
	}
	for i := range g.sum {
		g.Bias[i] = g.sum[i] / float64(g.n)
	}
	g.calibrated = true
	glog.Infof("Calibration: gyro bias %.4f %.4f %.4f from %d samples", g.Bias[0], g.Bias[1], g.Bias[2], g.n)
	return nil
}

func (g *Gyro) Apply(v Vector) Vector {
	if !g.calibrated {
		return v
	}
	return Vector{v[0] - g.Bias[0], v[1] - g.Bias[1], v[2] - g.Bias[2]}
}

func (g *Gyro) Reset() {
	*g = Gyro{}
}

func (g *Gyro) Calibrated() bool { return g.calibrated }

// Mag derives hard-iron offset and per-axis scale from the min/max seen over a
// rotation sweep. The scale is kept as a 3×3 matrix so a full soft-iron
// correction can be loaded from a profile.
type Mag struct {
	Offset     Vector
	Scale      [3][3]float64
	calibrated bool
	capturing  bool
	min, max   Vector
	n          int
}

func (m *Mag) Start() {
	m.calibrated = false
	m.capturing = true
	m.n = 0
	for i := range m.min {
		m.min[i], m.max[i] = math.Inf(1), math.Inf(-1)
	}
}

func (m *Mag) Add(v Vector) {
	if !m.capturing {
		return
	}
	for i := range v {
		m.min[i] = math.Min(m.min[i], v[i])
		m.max[i] = math.Max(m.max[i], v[i])
	}
	m.n++
}

// Finish sets offset to the midpoint and scale to 1/range on each axis. An
// axis that never moved keeps unit scale; if none moved the capture fails.
func (m *Mag) Finish(minSamples int) error {
	if !m.capturing {
		return ErrNotCapturing
	}
	m.capturing = false
	if m.n == 0 || m.n < minSamples {
		return fmt.Errorf("mag: %d of %d samples: %w", m.n, minSamples, ErrInsufficientSamples)
	}

	diag := make([]float64, 3)
	moved := false
	for i := range diag {
		m.Offset[i] = (m.max[i] + m.min[i]) / 2
		if r := m.max[i] - m.min[i]; r > 0 {
			diag[i] = 1 / r
			moved = true
		} else {
			diag[i] = 1
		}
	}
	if !moved {
		m.Offset = Vector{}
		return fmt.Errorf("mag: %w", ErrDegenerateRange)
	}
	m.Scale = toArray(matrix.Diagonal(diag))
	m.calibrated = true
	glog.Infof("Calibration: mag offset %.3f %.3f %.3f scale %.5f %.5f %.5f",
		m.Offset[0], m.Offset[1], m.Offset[2], diag[0], diag[1], diag[2])
	return nil
}

// Apply returns Scale·(v − Offset).
func (m *Mag) Apply(v Vector) Vector {
	if !m.calibrated {
		return v
	}
	d := Vector{v[0] - m.Offset[0], v[1] - m.Offset[1], v[2] - m.Offset[2]}
	var out Vector
	for i := 0; i < 3; i++ {
		out[i] = m.Scale[i][0]*d[0] + m.Scale[i][1]*d[1] + m.Scale[i][2]*d[2]
	}
	return out
}

func (m *Mag) Reset() {
	*m = Mag{}
}

func (m *Mag) Calibrated() bool { return m.calibrated }

func toArray(a *matrix.DenseMatrix) (out [3][3]float64) {
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i][j] = a.Get(i, j)
		}
	}
	return
}

// LowPass is a first-order α filter per axis:
// filtered = α·raw + (1−α)·previous. The first sample after a reset seeds the
// state so the output does not ramp up from zero.
type LowPass struct {
	Alpha  float64
	state  Vector
	primed bool
}

// NewLowPass returns a filter with α clamped to [0, 1].
func NewLowPass(alpha float64) *LowPass {
	return &LowPass{Alpha: math.Max(0, math.Min(1, alpha))}
}

func (f *LowPass) Filter(v Vector) Vector {
	if !f.primed {
		f.state, f.primed = v, true
		return v
	}
	for i := range v {
		f.state[i] = f.Alpha*v[i] + (1-f.Alpha)*f.state[i]
	}
	return f.state
}

func (f *LowPass) Reset() {
	f.state, f.primed = Vector{}, false
}
