// Package statusled blinks a single LED to show the flight controller's state.
package statusled

import (
	"sync"
	"time"

	"github.com/stianeikeland/go-rpio/v4"
)

// Pin is a GPIO output.
type Pin interface {
	High()
	Low()
	Toggle()
}

// Pattern is a blink sequence: Solid while armed, Idle blinks at 1 Hz,
// Calibrating at 5 Hz and Failsafe double-blinks once a second.
type Pattern int

const (
	Off Pattern = iota
	Solid
	Idle
	Calibrating
	Failsafe
)

func (p Pattern) String() string {
	switch p {
	case Solid:
		return "solid"
	case Idle:
		return "idle"
	case Calibrating:
		return "calibrating"
	case Failsafe:
		return "failsafe"
	}
	return "off"
}

// Select picks the pattern for a controller state. Failsafe wins over
// calibration, which wins over armed.
func Select(armed, calibrating, failsafe bool) Pattern {
	switch {
	case failsafe:
		return Failsafe
	case calibrating:
		return Calibrating
	case armed:
		return Solid
	}
	return Idle
}

// lit reports whether p has the LED on at phase t into the pattern.
func (p Pattern) lit(t time.Duration) bool {
	switch p {
	case Solid:
		return true
	case Idle:
		return t%time.Second < 500*time.Millisecond
	case Calibrating:
		return t%(200*time.Millisecond) < 100*time.Millisecond
	case Failsafe:
		t %= time.Second
		return t < 100*time.Millisecond || (t >= 200*time.Millisecond && t < 300*time.Millisecond)
	}
	return false
}

// LED drives a Pin through patterns. Update must be called often enough to
// resolve the fastest pattern, every 50 ms or so.
type LED struct {
	mu      sync.Mutex
	pin     Pin
	pattern Pattern
	since   time.Time
	on      bool
}

// New switches pin off and returns an LED showing Off.
func New(pin Pin) *LED {
	pin.Low()
	return &LED{pin: pin}
}

// Update shows p as of now, restarting the sequence when p changes.
func (l *LED) Update(p Pattern, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p != l.pattern || l.since.IsZero() {
		l.pattern, l.since = p, now
	}
	l.set(p.lit(now.Sub(l.since)))
}

// Flash inverts the LED until the next Update.
func (l *LED) Flash() {
	l.mu.Lock()
	l.pin.Toggle()
	l.on = !l.on
	l.mu.Unlock()
}

func (l *LED) Pattern() Pattern {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pattern
}

func (l *LED) set(on bool) {
	if on == l.on {
		return
	}
	if on {
		l.pin.High()
	} else {
		l.pin.Low()
	}
	l.on = on
}

// Off switches the LED off.
func (l *LED) Off() {
	l.mu.Lock()
	l.pattern, l.since = Off, time.Time{}
	l.set(false)
	l.mu.Unlock()
}

// OpenGPIO maps the Raspberry Pi GPIO registers and configures BCM pin n as
// an output. The returned function unmaps them.
func OpenGPIO(n int) (Pin, func() error, error) {
	if err := rpio.Open(); err != nil {
		return nil, nil, err
	}
	pin := rpio.Pin(n)
	pin.Output()
	return pin, rpio.Close, nil
}
