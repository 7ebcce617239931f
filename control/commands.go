package control

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"github.com/stratux/quadfc/calibration"
	"github.com/stratux/quadfc/mixer"
	"github.com/stratux/quadfc/pid"
)

var (
	ErrQueueFull = errors.New("control: command queue full")
	ErrArmed     = errors.New("control: not allowed while armed")
)

// Command is a request from the service side, applied at the start of the
// next iteration.
type Command interface {
	apply(l *Loop, now time.Time) error
}

// SetGains retunes one axis. Nil fields keep their current value, so
// updates queued together all take effect.
type SetGains struct {
	Axis           pid.Axis
	Kp, Ki, Kd     *float64
	OutMin, OutMax *float64
}

// Merge returns g with the fields c sets replaced.
func (c SetGains) Merge(g pid.Gains) pid.Gains {
	for _, f := range []struct {
		from *float64
		to   *float64
	}{{c.Kp, &g.Kp}, {c.Ki, &g.Ki}, {c.Kd, &g.Kd}, {c.OutMin, &g.OutMin}, {c.OutMax, &g.OutMax}} {
		if f.from != nil {
			*f.to = *f.from
		}
	}
	return g
}

func (c SetGains) apply(l *Loop, now time.Time) error {
	if c.Axis < pid.Roll || c.Axis > pid.Yaw {
		return fmt.Errorf("no axis %d", c.Axis)
	}
	ctl := l.axes.Controller(c.Axis)
	g := c.Merge(ctl.Gains())
	if g.Kp < 0 || g.Ki < 0 || g.Kd < 0 {
		return fmt.Errorf("negative %s gains %+v", c.Axis, g)
	}
	if err := ctl.SetOutputLimits(g.OutMin, g.OutMax); err != nil {
		return err
	}
	ctl.SetTunings(g.Kp, g.Ki, g.Kd)
	glog.Infof("Control: %s gains now %+v", c.Axis, g)
	return nil
}

// SetLimits changes setpoint and output limits. Zero fields are left alone;
// output limits apply to all three axes.
type SetLimits struct {
	MaxAngle   float64
	MaxYawRate float64
	OutMin     float64
	OutMax     float64
}

func (c SetLimits) apply(l *Loop, now time.Time) error {
	lim := l.axes.Limits
	if c.MaxAngle != 0 {
		lim.MaxAngle = c.MaxAngle
	}
	if c.MaxYawRate != 0 {
		lim.MaxYawRate = c.MaxYawRate
	}
	if err := lim.Validate(); err != nil {
		return err
	}
	if c.OutMin != 0 || c.OutMax != 0 {
		if !(c.OutMin < c.OutMax) {
			return pid.ErrBadLimits
		}
		for ax := pid.Roll; ax <= pid.Yaw; ax++ {
			l.axes.Controller(ax).SetOutputLimits(c.OutMin, c.OutMax)
		}
	}
	l.axes.Limits = lim
	return nil
}

// StartCalibration begins a capture for Sensor. Pose applies to the
// accelerometer only.
type StartCalibration struct {
	Sensor calibration.Kind
	Pose   calibration.Pose
}

func (c StartCalibration) apply(l *Loop, now time.Time) error {
	if l.latch.Armed() {
		return ErrArmed
	}
	if l.capture != nil {
		return fmt.Errorf("%s capture already running", l.capture.Kind)
	}
	if c.Sensor == calibration.KindMag && !l.imu.MagEnabled() {
		return errors.New("no magnetometer")
	}
	capture, err := l.pipeline.Begin(c.Sensor, c.Pose, l.cfg.CaptureSamples, l.cfg.CaptureBudget, now)
	if err != nil {
		return err
	}
	l.capture = capture
	l.stopMotorTest()
	return nil
}

// FinishCalibration ends the running capture for Sensor early.
type FinishCalibration struct {
	Sensor calibration.Kind
}

func (c FinishCalibration) apply(l *Loop, now time.Time) error {
	if l.capture == nil || l.capture.Kind != c.Sensor {
		return fmt.Errorf("no %s capture running", c.Sensor)
	}
	l.endCapture(l.capture.Finish(l.cfg.CaptureMinSamples), now)
	return nil
}

// ResetEstimator returns the attitude estimate to level.
type ResetEstimator struct{}

func (ResetEstimator) apply(l *Loop, now time.Time) error {
	l.est.Reset()
	glog.Infoln("Control: estimator reset")
	return nil
}

// ResetPID zeroes the controller integrators.
type ResetPID struct{}

func (ResetPID) apply(l *Loop, now time.Time) error {
	l.axes.Reset()
	return nil
}

// StopAll disarms and stops every motor.
type StopAll struct{}

func (StopAll) apply(l *Loop, now time.Time) error {
	l.stopMotorTest()
	l.disarm(now, "stop command")
	l.esc.StopAll()
	return nil
}

// ArmOverride lets the operator inhibit arming. Arm false disarms at once and
// keeps the pilot's switch from arming; Arm true lifts the inhibit. Arming
// itself still needs the pilot's switch.
type ArmOverride struct {
	Arm bool
}

func (c ArmOverride) apply(l *Loop, now time.Time) error {
	l.inhibit = !c.Arm
	if l.inhibit {
		l.disarm(now, "operator override")
		l.esc.StopAll()
	}
	return nil
}

// MotorTest spins the motors at fixed percentages for a short time. It is
// only allowed while disarmed.
type MotorTest struct {
	Percent mixer.Motors
}

func (c MotorTest) apply(l *Loop, now time.Time) error {
	if l.latch.Armed() {
		return ErrArmed
	}
	if l.capture != nil {
		return errors.New("calibration running")
	}
	l.motorTest = c.Percent
	l.motorTestUntil = now.Add(l.cfg.MotorTestTimeout)
	return nil
}

// SetPulseRange changes the pulse widths one motor is driven with. It is
// only allowed while disarmed.
type SetPulseRange struct {
	Motor int
	Range mixer.PulseRange
}

func (c SetPulseRange) apply(l *Loop, now time.Time) error {
	if l.latch.Armed() {
		return ErrArmed
	}
	if err := l.esc.SetPulseRange(c.Motor, c.Range); err != nil {
		return err
	}
	glog.Infof("Control: %s pulse range now %d-%d µs", mixer.MotorName(c.Motor), c.Range.Min, c.Range.Max)
	return nil
}

// SetStreaming turns periodic telemetry on or off.
type SetStreaming struct {
	On bool
}

func (c SetStreaming) apply(l *Loop, now time.Time) error {
	l.streaming = c.On
	return nil
}

// Submit queues cmd for the next iteration. It never blocks.
func (l *Loop) Submit(cmd Command) error {
	select {
	case l.cmds <- cmd:
		return nil
	default:
		return ErrQueueFull
	}
}

func (l *Loop) drain(now time.Time) {
	for {
		select {
		case cmd := <-l.cmds:
			if err := cmd.apply(l, now); err != nil {
				glog.Warningf("Control: %T rejected: %v", cmd, err)
				l.emit(Event{Kind: EventRejected, Time: now, Command: fmt.Sprintf("%T", cmd), Reason: err.Error()})
			}
		default:
			return
		}
	}
}
