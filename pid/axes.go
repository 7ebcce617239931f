package pid

import (
	"fmt"
	"math"
)

// Axis selects one of the three attitude controllers.
type Axis int

const (
	Roll Axis = iota
	Pitch
	Yaw
)

var axisNames = [...]string{"roll", "pitch", "yaw"}

func (a Axis) String() string {
	if a < Roll || a > Yaw {
		return fmt.Sprintf("Axis(%d)", int(a))
	}
	return axisNames[a]
}

func ParseAxis(s string) (Axis, error) {
	for i, n := range axisNames {
		if s == n {
			return Axis(i), nil
		}
	}
	return 0, fmt.Errorf("pid: unknown axis %q", s)
}

// YawMode selects what the yaw controller regulates.
type YawMode string

const (
	// YawRate regulates the body yaw rate in °/s.
	YawRate YawMode = "rate"
	// YawHeading regulates the heading relative to where it was when last disarmed.
	YawHeading YawMode = "heading"
)

// Limits bound the setpoints handed to the controllers.
type Limits struct {
	MaxAngle   float64 `yaml:"max_angle" json:"max_angle"`       // °, roll and pitch
	MaxYawRate float64 `yaml:"max_yaw_rate" json:"max_yaw_rate"` // °/s, or ° in heading mode
}

func DefaultLimits() Limits {
	return Limits{MaxAngle: 30, MaxYawRate: 50}
}

func (l Limits) Validate() error {
	if !(l.MaxAngle > 0) || !(l.MaxYawRate > 0) {
		return fmt.Errorf("pid: limits must be positive: %+v", l)
	}
	return nil
}

// Triple holds one value per axis.
type Triple struct {
	Roll, Pitch, Yaw float64
}

// Axes runs the roll, pitch and yaw controllers together.
type Axes struct {
	ctl    [3]*Controller
	Limits Limits
}

// NewAxes builds the three controllers from gains indexed by Axis.
func NewAxes(gains [3]Gains, l Limits) (*Axes, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	a := &Axes{Limits: l}
	for i, g := range gains {
		c, err := New(g)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", Axis(i), err)
		}
		a.ctl[i] = c
	}
	return a, nil
}

// Controller returns the controller for one axis.
func (a *Axes) Controller(ax Axis) *Controller { return a.ctl[ax] }

// Compute clamps the setpoints to Limits and advances all three controllers.
func (a *Axes) Compute(setpoint, measured Triple, dt float64) Triple {
	sp := a.ClampSetpoint(setpoint)
	return Triple{
		Roll:  a.ctl[Roll].Compute(sp.Roll, measured.Roll, dt),
		Pitch: a.ctl[Pitch].Compute(sp.Pitch, measured.Pitch, dt),
		Yaw:   a.ctl[Yaw].Compute(sp.Yaw, measured.Yaw, dt),
	}
}

// ClampSetpoint applies Limits to a pilot setpoint.
func (a *Axes) ClampSetpoint(sp Triple) Triple {
	return Triple{
		Roll:  clamp(sp.Roll, -a.Limits.MaxAngle, a.Limits.MaxAngle),
		Pitch: clamp(sp.Pitch, -a.Limits.MaxAngle, a.Limits.MaxAngle),
		Yaw:   clamp(sp.Yaw, -a.Limits.MaxYawRate, a.Limits.MaxYawRate),
	}
}

// Reset zeroes every integrator.
func (a *Axes) Reset() {
	for _, c := range a.ctl {
		c.Reset()
	}
}

// Gains returns the current gains indexed by Axis.
func (a *Axes) Gains() (g [3]Gains) {
	for i, c := range a.ctl {
		g[i] = c.Gains()
	}
	return
}

// HeadingError wraps a heading difference onto (-180, 180].
func HeadingError(yaw, reference float64) float64 {
	d := math.Mod(yaw-reference, 360)
	if d > 180 {
		d -= 360
	} else if d <= -180 {
		d += 360
	}
	return d
}
