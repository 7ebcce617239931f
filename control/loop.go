// Package control runs the real-time flight-control cycle: sample, condition,
// fuse, control and actuate, once per period, with commands from the service
// side applied only between iterations.
package control

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/stratux/quadfc/ahrs"
	"github.com/stratux/quadfc/calibration"
	"github.com/stratux/quadfc/mixer"
	"github.com/stratux/quadfc/pid"
	"github.com/stratux/quadfc/power"
	"github.com/stratux/quadfc/receiver"
	"github.com/stratux/quadfc/sensors"
)

// Devices are the collaborators the loop owns once it is built. IMU, ESC and
// Receiver are required. A nil Pipeline or Estimator is built from Config.
type Devices struct {
	IMU       sensors.IMU
	ESC       *mixer.ESC
	Receiver  receiver.Source
	Power     *power.Monitor
	Pipeline  *calibration.Pipeline
	Estimator ahrs.Estimator
}

// Loop is the control context. Step must only be called from one goroutine;
// everything else talks to it through Submit, Snapshot and Events.
type Loop struct {
	cfg    Config
	period time.Duration

	imu      sensors.IMU
	esc      *mixer.ESC
	rx       receiver.Source
	power    *power.Monitor
	pipeline *calibration.Pipeline
	est      ahrs.Estimator
	axes     *pid.Axes
	latch    mixer.ArmLatch

	capture        *calibration.Capture
	inhibit        bool
	motorTest      mixer.Motors
	motorTestUntil time.Time
	streaming      bool

	last       time.Time
	lastFusion time.Time
	seq        uint64
	overruns   uint64
	imuErrors  uint64
	imuRun     int // Consecutive failed reads
	dropped    uint64

	rxStatus receiver.Status
	yawRef   float64
	raw      SensorValues
	filtered SensorValues
	setpoint pid.Triple
	output   pid.Triple
	motors   mixer.Motors
	throttle float64

	cmds   chan Command
	events chan Event
	snap   atomic.Pointer[Snapshot]
}

// New builds a Loop. The ESC is expected to be stopped already.
func New(cfg Config, dev Devices) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if dev.IMU == nil || dev.ESC == nil || dev.Receiver == nil {
		return nil, errors.New("control: IMU, ESC and receiver are required")
	}
	axes, err := pid.NewAxes(cfg.Gains, cfg.Limits)
	if err != nil {
		return nil, fmt.Errorf("control: %w", err)
	}
	est := dev.Estimator
	if est == nil {
		if est, err = ahrs.NewEstimator(cfg.Estimator); err != nil {
			return nil, fmt.Errorf("control: %w", err)
		}
	}
	pl := dev.Pipeline
	if pl == nil {
		pl = calibration.NewPipeline(cfg.Alphas)
	}
	l := &Loop{
		cfg:      cfg,
		period:   cfg.Period(),
		imu:      dev.IMU,
		esc:      dev.ESC,
		rx:       dev.Receiver,
		power:    dev.Power,
		pipeline: pl,
		est:      est,
		axes:     axes,
		cmds:     make(chan Command, cfg.CommandQueue),
		events:   make(chan Event, cfg.EventBuffer),
	}
	l.snap.Store(&Snapshot{Receiver: receiver.NoSignal.String(), Gains: axes.Gains(), Limits: axes.Limits})
	return l, nil
}

// Run steps the loop at the configured rate until ctx is done, then stops
// every motor.
func (l *Loop) Run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	glog.Infof("Control: running at %d Hz", l.cfg.RateHz)
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.latch.ForceDisarm()
			l.esc.StopAll()
			glog.Infoln("Control: stopped")
			return ctx.Err()
		case now := <-ticker.C:
			l.Step(now)
		}
	}
}

// Step runs one complete iteration as of now.
func (l *Loop) Step(now time.Time) {
	if l.seq == 0 && l.cfg.CalibrateGyroAtStart && !l.pipeline.Gyro.Calibrated() {
		if err := (StartCalibration{Sensor: calibration.KindGyro}).apply(l, now); err != nil {
			glog.Warningf("Calibration: gyro capture at start: %v", err)
		}
	}
	l.drain(now)

	dt := l.period.Seconds()
	if !l.last.IsZero() {
		elapsed := now.Sub(l.last)
		if elapsed > 2*l.period {
			l.overruns++
		}
		dt = elapsed.Seconds()
	}
	l.last = now

	l.sample(now)
	sticks, live := l.readReceiver(now)
	l.updateArming(now, sticks, live)

	switch {
	case l.latch.Armed():
		l.fly(sticks, dt)
	case l.motorTestActive(now):
		l.setpoint, l.output, l.throttle = pid.Triple{}, pid.Triple{}, 0
		l.motors = l.motorTest
		l.esc.SetAll(l.motorTest)
	default:
		l.setpoint, l.output, l.throttle = pid.Triple{}, pid.Triple{}, 0
		l.motors = mixer.Motors{}
		l.yawRef = l.est.YawDegrees()
		l.esc.StopAll()
	}

	if l.power != nil && l.seq%uint64(l.cfg.PowerEvery) == 0 {
		if _, err := l.power.Sample(); err != nil && glog.V(1) {
			glog.Warningf("Control: power sample: %v", err)
		}
	}
	l.publish(now, dt)
}

// sample reads the IMU, feeds any running capture with the raw values and
// updates the estimator with the conditioned ones. The estimator is given the
// time since its previous update, which spans any iterations without a sample.
func (l *Loop) sample(now time.Time) {
	s, err := l.imu.Read()
	if err != nil {
		if !errors.Is(err, sensors.ErrNotReady) {
			l.imuErrors++
			l.imuRun++
			if l.imuRun == l.cfg.MaxIMUErrors {
				glog.Errorf("Control: %d consecutive IMU errors, last: %v", l.imuRun, err)
				l.disarm(now, "imu fault")
				l.emit(Event{Kind: EventIMUFault, Time: now, Reason: err.Error()})
			}
		}
		l.stepCapture(nil, now)
		return
	}
	l.imuRun = 0

	l.raw = SensorValues{
		Gyro:     calibration.Vector{s.G1, s.G2, s.G3},
		Accel:    calibration.Vector{s.A1, s.A2, s.A3},
		Mag:      calibration.Vector{s.M1, s.M2, s.M3},
		MagValid: s.MagValid,
		Temp:     s.Temp,
	}
	if l.capture != nil {
		var v *calibration.Vector
		switch l.capture.Kind {
		case calibration.KindGyro:
			v = &l.raw.Gyro
		case calibration.KindAccel:
			v = &l.raw.Accel
		case calibration.KindMag:
			if s.MagValid {
				v = &l.raw.Mag
			}
		}
		l.stepCapture(v, now)
	}

	l.filtered.Gyro = l.pipeline.ProcessGyro(l.raw.Gyro)
	l.filtered.Accel = l.pipeline.ProcessAccel(l.raw.Accel)
	if s.MagValid {
		l.filtered.Mag = l.pipeline.ProcessMag(l.raw.Mag)
	}
	l.filtered.MagValid = s.MagValid
	l.filtered.Temp = s.Temp

	dt := l.period.Seconds()
	if !l.lastFusion.IsZero() {
		dt = now.Sub(l.lastFusion).Seconds()
	}
	l.lastFusion = now

	g, a, m := l.filtered.Gyro, l.filtered.Accel, l.filtered.Mag
	l.est.Update(&ahrs.Measurement{
		G1: g[0], G2: g[1], G3: g[2],
		A1: a[0], A2: a[1], A3: a[2],
		M1: m[0], M2: m[1], M3: m[2],
		MagValid: s.MagValid,
	}, dt)
}

func (l *Loop) stepCapture(v *calibration.Vector, now time.Time) {
	if l.capture == nil {
		return
	}
	if done, err := l.capture.Step(v, now); done {
		l.endCapture(err, now)
	}
}

func (l *Loop) endCapture(err error, now time.Time) {
	kind := l.capture.Kind
	l.capture = nil
	if err != nil {
		glog.Warningf("Calibration: %s failed: %v", kind, err)
		l.emit(Event{Kind: EventCalibrationFailed, Time: now, Sensor: kind, Reason: err.Error()})
		return
	}
	glog.Infof("Calibration: %s done", kind)
	p := l.pipeline.Profile()
	l.emit(Event{Kind: EventCalibrated, Time: now, Sensor: kind, Profile: &p})
}

// readReceiver returns the pilot's sticks and whether they may be used. Lost
// signal disarms at once and the pilot has to cycle the arm switch.
func (l *Loop) readReceiver(now time.Time) (receiver.Sticks, bool) {
	f, ok := l.rx.Latest()
	status := receiver.NoSignal
	if ok {
		status = l.cfg.Failsafe.Status(f.At, now)
	}
	prev := l.rxStatus
	l.rxStatus = status

	switch status {
	case receiver.Fresh, receiver.Holding:
		if prev == receiver.Lost {
			glog.Infoln("Receiver: signal restored")
			l.emit(Event{Kind: EventSignalRestored, Time: now})
		}
		return l.cfg.Channels.Sticks(&f), true
	case receiver.Lost:
		if prev != receiver.Lost {
			glog.Warningf("Receiver: no frame for %v, failsafe", now.Sub(f.At))
			l.emit(Event{Kind: EventFailsafe, Time: now})
		}
	}
	l.disarm(now, "receiver "+status.String())
	return receiver.Sticks{}, false
}

// armRefusal names the first reason arming is not allowed, or "".
func (l *Loop) armRefusal() string {
	switch {
	case l.inhibit:
		return "operator override"
	case l.capture != nil:
		return "calibration running"
	case l.imuRun >= l.cfg.MaxIMUErrors:
		return "imu fault"
	}
	for _, k := range l.cfg.RequireCalibration {
		if c := l.pipeline.Calibrator(k); c != nil && !c.Calibrated() {
			return fmt.Sprintf("%s not calibrated", k)
		}
	}
	return ""
}

func (l *Loop) updateArming(now time.Time, sticks receiver.Sticks, live bool) {
	if !live {
		return
	}
	armed, changed := l.latch.Observe(sticks.Arm)
	if !changed {
		return
	}
	if !armed {
		glog.Infoln("Control: disarmed by pilot")
		l.esc.StopAll()
		l.emit(Event{Kind: EventDisarmed, Time: now, Reason: "pilot"})
		return
	}
	if reason := l.armRefusal(); reason != "" {
		l.latch.ForceDisarm()
		glog.Warningf("Control: arming refused, %s", reason)
		l.emit(Event{Kind: EventArmRefused, Time: now, Reason: reason})
		return
	}
	l.stopMotorTest()
	l.axes.Reset()
	l.yawRef = l.est.YawDegrees()
	glog.Infoln("Control: armed")
	l.emit(Event{Kind: EventArmed, Time: now})
}

// disarm forces the latch open so the pilot has to cycle the switch.
func (l *Loop) disarm(now time.Time, reason string) {
	if l.latch.ForceDisarm() {
		glog.Warningf("Control: disarmed, %s", reason)
		l.esc.StopAll()
		l.emit(Event{Kind: EventDisarmed, Time: now, Reason: reason})
	}
}

// fly runs the controllers and drives the motors from the pilot's sticks.
func (l *Loop) fly(sticks receiver.Sticks, dt float64) {
	sp := l.axes.ClampSetpoint(pid.Triple{Roll: sticks.Roll, Pitch: sticks.Pitch, Yaw: sticks.Yaw})
	meas := pid.Triple{Roll: l.est.RollDegrees(), Pitch: l.est.PitchDegrees()}
	ref := sp
	if l.cfg.YawMode == pid.YawHeading {
		// The stick moves the heading reference; the controller holds it.
		l.yawRef = pid.HeadingError(l.yawRef+sp.Yaw*dt, 0)
		ref.Yaw = 0
		meas.Yaw = pid.HeadingError(l.est.YawDegrees(), l.yawRef)
	} else {
		meas.Yaw = l.filtered.Gyro[2]
	}

	l.setpoint = sp
	l.output = l.axes.Compute(ref, meas, dt)
	l.throttle = sticks.Throttle
	l.motors = mixer.Mix(sticks.Throttle, l.output.Roll, l.output.Pitch, l.output.Yaw)
	if err := l.esc.SetAll(l.motors); err != nil && glog.V(2) {
		glog.Warningf("ESC: %v", err)
	}
}

func (l *Loop) motorTestActive(now time.Time) bool {
	return !l.motorTestUntil.IsZero() && now.Before(l.motorTestUntil)
}

func (l *Loop) stopMotorTest() {
	l.motorTest = mixer.Motors{}
	l.motorTestUntil = time.Time{}
}

func (l *Loop) publish(now time.Time, dt float64) {
	q := l.est.Quaternion()
	s := &Snapshot{
		Seq:        l.seq,
		Time:       now,
		DT:         dt,
		Quaternion: [4]float64{q.W, q.X, q.Y, q.Z},
		Roll:       l.est.RollDegrees(),
		Pitch:      l.est.PitchDegrees(),
		Yaw:        l.est.YawDegrees(),
		Setpoint:   l.setpoint,
		Output:     l.output,
		Motors:     l.motors,
		Throttle:   l.throttle,
		Armed:      l.latch.Armed(),
		Inhibited:  l.inhibit,
		Receiver:   l.rxStatus.String(),
		MotorTest:  l.motorTestActive(now),
		Streaming:  l.streaming,
		Calibrated: Calibrated{
			Gyro:  l.pipeline.Gyro.Calibrated(),
			Accel: l.pipeline.Accel.Calibrated(),
			Mag:   l.pipeline.Mag.Calibrated(),
		},
		Raw:      l.raw,
		Filtered: l.filtered,
		Gains:    l.axes.Gains(),
		Limits:   l.axes.Limits,
		Counters: Counters{
			IMUErrors:     l.imuErrors,
			Overruns:      l.overruns,
			EventsDropped: l.dropped,
			Fusion:        l.est.Faults(),
		},
	}
	if l.capture != nil {
		s.Calibrating = l.capture.Kind
	}
	if l.power != nil {
		s.Power = l.power.Reading()
	}
	for _, n := range l.esc.Failures() {
		s.Counters.ESCErrors += n
	}
	l.snap.Store(s)
	l.seq++
}
