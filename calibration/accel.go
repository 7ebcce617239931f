package calibration

import (
	"fmt"
	"math"
	"strings"

	"github.com/golang/glog"
	"github.com/skelterjohn/go.matrix"
)

// Pose is the orientation the airframe is held in during an accelerometer
// capture. PoseFlat is the single level reference; the other six make up a
// full six-position calibration.
type Pose int

const (
	PoseFlat Pose = iota
	PoseXUp
	PoseXDown
	PoseYUp
	PoseYDown
	PoseZUp
	PoseZDown
)

var poseNames = [...]string{"flat", "+x", "-x", "+y", "-y", "+z", "-z"}

func (p Pose) String() string {
	if p < 0 || int(p) >= len(poseNames) {
		return fmt.Sprintf("Pose(%d)", int(p))
	}
	return poseNames[p]
}

// ParsePose accepts "flat", "+x", "-x", "+y", "-y", "+z" or "-z". The empty
// string is flat.
func ParsePose(s string) (Pose, error) {
	if s == "" {
		return PoseFlat, nil
	}
	for i, n := range poseNames {
		if strings.EqualFold(s, n) {
			return Pose(i), nil
		}
	}
	return 0, fmt.Errorf("calibration: unknown pose %q", s)
}

// truth is the acceleration in G each axis sees in pose p.
func (p Pose) truth() Vector {
	switch p {
	case PoseXUp:
		return Vector{1, 0, 0}
	case PoseXDown:
		return Vector{-1, 0, 0}
	case PoseYUp:
		return Vector{0, 1, 0}
	case PoseYDown:
		return Vector{0, -1, 0}
	case PoseZDown:
		return Vector{0, 0, -1}
	}
	return Vector{0, 0, 1}
}

// Accel corrects each axis as (raw − Offset)·Scale. A flat capture sets the
// offsets with unit scale. Six pose captures fit scale and offset together.
type Accel struct {
	Offset     Vector
	Scale      Vector
	calibrated bool
	capturing  bool
	pose       Pose
	sum        Vector
	n          int
	poses      map[Pose]Vector
}

// Start begins a flat-and-level capture.
func (a *Accel) Start() { a.StartPose(PoseFlat) }

// StartPose begins a capture in pose p. Only a flat capture discards the
// current calibration; pose captures keep it until all six are in.
func (a *Accel) StartPose(p Pose) {
	if p == PoseFlat {
		a.calibrated = false
	}
	a.capturing = true
	a.pose = p
	a.sum, a.n = Vector{}, 0
}

func (a *Accel) Add(v Vector) {
	if !a.capturing {
		return
	}
	for i := range v {
		a.sum[i] += v[i]
	}
	a.n++
}

// Finish averages the capture. For the flat pose it sets the offsets
// directly; for the others it records the mean and fits once all six poses
// have been seen.
func (a *Accel) Finish(minSamples int) error {
	if !a.capturing {
		return ErrNotCapturing
	}
	a.capturing = false
	if a.n == 0 || a.n < minSamples {
		return fmt.Errorf("accel %s: %d of %d samples: %w", a.pose, a.n, minSamples, ErrInsufficientSamples)
	}
	var mean Vector
	for i := range a.sum {
		mean[i] = a.sum[i] / float64(a.n)
	}

	if a.pose == PoseFlat {
		a.Offset = Vector{mean[0], mean[1], mean[2] - 1}
		a.Scale = Vector{1, 1, 1}
		a.calibrated = true
		glog.Infof("Calibration: accel offset %.4f %.4f %.4f", a.Offset[0], a.Offset[1], a.Offset[2])
		return nil
	}

	if a.poses == nil {
		a.poses = make(map[Pose]Vector)
	}
	a.poses[a.pose] = mean
	glog.Infof("Calibration: accel pose %s recorded, %d remaining", a.pose, a.PosesRemaining())
	if a.PosesRemaining() > 0 {
		return nil
	}
	return a.fitPoses()
}

// PosesRemaining returns how many of the six positions are still missing.
func (a *Accel) PosesRemaining() int {
	return 6 - len(a.poses)
}

// fitPoses solves truth = k·raw + b per axis by least squares over the six
// pose means, then stores Scale = k and Offset = −b/k.
func (a *Accel) fitPoses() error {
	var offset, scale Vector
	for axis := 0; axis < 3; axis++ {
		rows := make([]float64, 0, 12)
		truths := make([]float64, 0, 6)
		for p := PoseXUp; p <= PoseZDown; p++ {
			rows = append(rows, a.poses[p][axis], 1)
			truths = append(truths, p.truth()[axis])
		}
		aa := matrix.MakeDenseMatrix(rows, 6, 2)
		y := matrix.MakeDenseMatrix(truths, 6, 1)
		at := aa.Transpose()
		normal, err := matrix.Product(at, aa).Inverse()
		if err != nil {
			a.poses = nil
			return fmt.Errorf("accel axis %d: %v: %w", axis, err, ErrDegenerateRange)
		}
		x := matrix.Product(normal, matrix.Product(at, y))
		k, b := x.Get(0, 0), x.Get(1, 0)
		if k == 0 || math.IsNaN(k) || math.IsInf(k, 0) || math.IsNaN(b) {
			a.poses = nil
			return fmt.Errorf("accel axis %d: %w", axis, ErrDegenerateRange)
		}
		scale[axis], offset[axis] = k, -b/k
	}
	a.Offset, a.Scale = offset, scale
	a.poses = nil
	a.calibrated = true
	glog.Infof("Calibration: accel six-point offset %.4f %.4f %.4f scale %.4f %.4f %.4f",
		offset[0], offset[1], offset[2], scale[0], scale[1], scale[2])
	return nil
}

func (a *Accel) Apply(v Vector) Vector {
	if !a.calibrated {
		return v
	}
	return Vector{
		(v[0] - a.Offset[0]) * a.Scale[0],
		(v[1] - a.Offset[1]) * a.Scale[1],
		(v[2] - a.Offset[2]) * a.Scale[2],
	}
}

func (a *Accel) Reset() {
	*a = Accel{}
}

func (a *Accel) Calibrated() bool { return a.calibrated }
