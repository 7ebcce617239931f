package receiver

import (
	"fmt"
	"time"
)

// Map assigns channel indices to functions.
type Map struct {
	Roll     int `yaml:"roll" json:"roll"`
	Pitch    int `yaml:"pitch" json:"pitch"`
	Throttle int `yaml:"throttle" json:"throttle"`
	Yaw      int `yaml:"yaw" json:"yaw"`
	Aux1     int `yaml:"aux1" json:"aux1"`
}

// DefaultMap is AETR with the arm switch on channel 5.
func DefaultMap() Map {
	return Map{Roll: 0, Pitch: 1, Throttle: 2, Yaw: 3, Aux1: 4}
}

func (m Map) Validate() error {
	for _, c := range []int{m.Roll, m.Pitch, m.Throttle, m.Yaw, m.Aux1} {
		if c < 0 || c >= NumChannels {
			return fmt.Errorf("receiver: channel %d out of range", c)
		}
	}
	return nil
}

const (
	PulseMin     = 1000
	PulseMax     = 2000
	ArmThreshold = 1500
	StickRange   = 50 // ± stick setpoint at full deflection
)

// Sticks are the pilot's demands from one frame.
type Sticks struct {
	Throttle         float64 // %
	Roll, Pitch, Yaw float64 // ±StickRange
	Aux1             uint16
	Arm              bool
}

// Sticks converts a frame to pilot demands.
func (m Map) Sticks(f *Frame) Sticks {
	aux := f.Channels[m.Aux1]
	return Sticks{
		Throttle: Throttle(f.Channels[m.Throttle]),
		Roll:     Stick(f.Channels[m.Roll]),
		Pitch:    Stick(f.Channels[m.Pitch]),
		Yaw:      Stick(f.Channels[m.Yaw]),
		Aux1:     aux,
		Arm:      aux > ArmThreshold,
	}
}

// Throttle maps 1000–2000 µs onto 0–100 %.
func Throttle(raw uint16) float64 {
	t := (float64(raw) - PulseMin) * 100 / (PulseMax - PulseMin)
	if t < 0 {
		return 0
	}
	if t > 100 {
		return 100
	}
	return t
}

// Stick maps 1000–2000 µs linearly onto ±StickRange. Values outside the pulse
// range are not clamped here; the attitude limits do that.
func Stick(raw uint16) float64 {
	return (float64(raw)-PulseMin)*2*StickRange/(PulseMax-PulseMin) - StickRange
}

// Status classifies the age of the latest frame.
type Status int

const (
	NoSignal Status = iota // Nothing received yet
	Fresh
	Holding // Stale but within the grace window; last values still apply
	Lost
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case Holding:
		return "holding"
	case Lost:
		return "lost"
	}
	return "no signal"
}

// Failsafe sets how long a frame is trusted.
type Failsafe struct {
	Hold    time.Duration `yaml:"hold" json:"hold"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

func DefaultFailsafe() Failsafe {
	return Failsafe{Hold: 100 * time.Millisecond, Timeout: 500 * time.Millisecond}
}

func (fs Failsafe) Validate() error {
	if fs.Hold <= 0 || fs.Timeout < fs.Hold {
		return fmt.Errorf("receiver: bad failsafe hold %v timeout %v", fs.Hold, fs.Timeout)
	}
	return nil
}

// Status reports the state of a frame received at at, as of now. A zero at
// means nothing has been received.
func (fs Failsafe) Status(at, now time.Time) Status {
	if at.IsZero() {
		return NoSignal
	}
	switch age := now.Sub(at); {
	case age <= fs.Hold:
		return Fresh
	case age <= fs.Timeout:
		return Holding
	}
	return Lost
}
