// Package pid runs the per-axis attitude controllers.
package pid

import (
	"errors"
	"fmt"
	"math"
	"time"

	epid "go.einride.tech/pid"
)

var ErrBadLimits = errors.New("pid: output minimum must be below maximum")

// Gains are the tunings and output range of one controller.
type Gains struct {
	Kp     float64 `yaml:"kp" json:"kp"`
	Ki     float64 `yaml:"ki" json:"ki"`
	Kd     float64 `yaml:"kd" json:"kd"`
	OutMin float64 `yaml:"out_min" json:"out_min"`
	OutMax float64 `yaml:"out_max" json:"out_max"`
}

// DefaultGains are conservative starting tunings.
func DefaultGains() Gains {
	return Gains{Kp: 1, Ki: 0, Kd: 0.01, OutMin: -50, OutMax: 50}
}

// Controller computes
//
//	output = kp·error + ki·∫error dt + kd·d(error)/dt
//
// hard-clamped to [OutMin, OutMax]. With IntegralClamp set, the integral is
// also held so that ki·integral alone stays inside the output range.
type Controller struct {
	pid           epid.Controller
	outMin        float64
	outMax        float64
	IntegralClamp bool
}

// New returns a controller with integral clamping enabled.
func New(g Gains) (*Controller, error) {
	c := &Controller{IntegralClamp: true}
	c.SetTunings(g.Kp, g.Ki, g.Kd)
	if err := c.SetOutputLimits(g.OutMin, g.OutMax); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Controller) SetTunings(kp, ki, kd float64) {
	c.pid.Config = epid.ControllerConfig{
		ProportionalGain: kp,
		IntegralGain:     ki,
		DerivativeGain:   kd,
	}
}

func (c *Controller) SetOutputLimits(min, max float64) error {
	if !(min < max) {
		return fmt.Errorf("%w: [%v, %v]", ErrBadLimits, min, max)
	}
	c.outMin, c.outMax = min, max
	return nil
}

// Gains returns the current tunings and limits.
func (c *Controller) Gains() Gains {
	return Gains{
		Kp:     c.pid.Config.ProportionalGain,
		Ki:     c.pid.Config.IntegralGain,
		Kd:     c.pid.Config.DerivativeGain,
		OutMin: c.outMin,
		OutMax: c.outMax,
	}
}

// Reset zeroes the integral and the remembered error.
func (c *Controller) Reset() {
	c.pid.State = epid.ControllerState{}
}

// Integral returns the accumulated error integral.
func (c *Controller) Integral() float64 { return c.pid.State.ControlErrorIntegral }

// Compute advances the controller by dt seconds. An interval under a
// nanosecond neither integrates nor differentiates.
func (c *Controller) Compute(setpoint, measured, dt float64) float64 {
	if math.IsNaN(setpoint) || math.IsNaN(measured) {
		return clamp(0, c.outMin, c.outMax)
	}
	if iv := time.Duration(dt * float64(time.Second)); iv > 0 {
		c.pid.Update(epid.ControllerInput{
			ReferenceSignal:  setpoint,
			ActualSignal:     measured,
			SamplingInterval: iv,
		})
	} else {
		c.pid.State.ControlError = setpoint - measured
		c.pid.State.ControlErrorDerivative = 0
	}

	s := &c.pid.State
	ki := c.pid.Config.IntegralGain
	if c.IntegralClamp && ki != 0 {
		lo, hi := c.outMin/ki, c.outMax/ki
		if lo > hi {
			lo, hi = hi, lo
		}
		s.ControlErrorIntegral = clamp(s.ControlErrorIntegral, lo, hi)
	}
	if math.IsNaN(s.ControlErrorIntegral) {
		s.ControlErrorIntegral = 0
	}

	out := c.pid.Config.ProportionalGain*s.ControlError +
		ki*s.ControlErrorIntegral +
		c.pid.Config.DerivativeGain*s.ControlErrorDerivative
	if math.IsNaN(out) {
		out = 0
	}
	out = clamp(out, c.outMin, c.outMax)
	s.ControlSignal = out
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v > hi {
		return hi
	}
	if v < lo {
		return lo
	}
	return v
}
