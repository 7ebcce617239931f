package calibration

import (
	"fmt"
	"time"

	"github.com/golang/glog"
)

// Capture drives one calibrator through a bounded sampling run. It finishes
// once Target samples have arrived, or fails with ErrInsufficientSamples when
// the deadline passes first.
type Capture struct {
	Kind     Kind
	Pose     Pose
	Target   int
	Deadline time.Time

	cal Calibrator
	n   int
}

// Begin starts a capture of target samples for kind, to complete within budget
// of now. Accelerometer captures use pose; other kinds ignore it.
func (p *Pipeline) Begin(kind Kind, pose Pose, target int, budget time.Duration, now time.Time) (*Capture, error) {
	cal := p.Calibrator(kind)
	if cal == nil {
		return nil, fmt.Errorf("calibration: unknown sensor %q", kind)
	}
	if target <= 0 || budget <= 0 {
		return nil, fmt.Errorf("calibration: bad capture target %d in %v", target, budget)
	}
	if kind == KindAccel {
		p.Accel.StartPose(pose)
	} else {
		pose = PoseFlat
		cal.Start()
	}
	glog.Infof("Calibration: %s capture started, %d samples within %v", kind, target, budget)
	return &Capture{
		Kind:     kind,
		Pose:     pose,
		Target:   target,
		Deadline: now.Add(budget),
		cal:      cal,
	}, nil
}

// Samples returns how many samples have been accepted so far.
func (c *Capture) Samples() int { return c.n }

// Step feeds one raw sample, or none when v is nil, and reports whether the
// capture is over. err is the result of finishing the calibrator.
func (c *Capture) Step(v *Vector, now time.Time) (done bool, err error) {
	if v != nil {
		c.cal.Add(*v)
		c.n++
		if c.n >= c.Target {
			return true, c.cal.Finish(c.Target)
		}
	}
	if now.After(c.Deadline) {
		err = c.cal.Finish(c.Target)
		glog.Warningf("Calibration: %s capture timed out with %d of %d samples", c.Kind, c.n, c.Target)
		return true, err
	}
	return false, nil
}

// Finish ends the capture early, accepting it if at least minSamples arrived.
func (c *Capture) Finish(minSamples int) error {
	return c.cal.Finish(minSamples)
}
