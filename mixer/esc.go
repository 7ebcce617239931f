package mixer

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/golang/glog"
)

const (
	StopPulse = 1000 // µs
	FrameRate = 50   // Hz
)

// PulseWriter sets the pulse width on one PWM channel.
type PulseWriter interface {
	WritePulse(channel, us int) error
	Close() error
}

// PulseRange maps 0–100 % onto pulse widths in µs.
type PulseRange struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// DefaultPulseRange is 1000 µs at 0 % to 1700 µs at 100 %.
func DefaultPulseRange() PulseRange {
	return PulseRange{Min: 1000, Max: 1700}
}

func (r PulseRange) Validate() error {
	if r.Min < 500 || r.Max > 2500 || r.Min >= r.Max {
		return fmt.Errorf("mixer: bad pulse range %d-%d µs", r.Min, r.Max)
	}
	return nil
}

// Pulse returns the pulse width for pct, rounded to the nearest µs.
func (r PulseRange) Pulse(pct float64) int {
	pct = clampPercent(pct)
	return r.Min + int(math.Round(pct*float64(r.Max-r.Min)/100))
}

// ESC drives four motors through a PulseWriter. It is safe to call StopAll
// from any goroutine.
type ESC struct {
	mu       sync.Mutex
	w        PulseWriter
	channels [NumMotors]int
	ranges   [NumMotors]PulseRange
	values   Motors
	failures [NumMotors]uint64
}

// NewESC sends the stop pulse on every channel so the ESCs see a valid idle
// signal before anything else.
func NewESC(w PulseWriter, channels [NumMotors]int, ranges [NumMotors]PulseRange) (*ESC, error) {
	for i, r := range ranges {
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", MotorName(i), err)
		}
	}
	e := &ESC{w: w, channels: channels, ranges: ranges}
	if err := e.StopAll(); err != nil {
		return nil, err
	}
	return e, nil
}

// SetPulseRange changes the range of motor i.
func (e *ESC) SetPulseRange(i int, r PulseRange) error {
	if i < 0 || i >= NumMotors {
		return fmt.Errorf("mixer: no motor %d", i)
	}
	if err := r.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.ranges[i] = r
	e.mu.Unlock()
	return nil
}

// Set commands motor i to pct percent.
func (e *ESC) Set(i int, pct float64) error {
	if i < 0 || i >= NumMotors {
		return fmt.Errorf("mixer: no motor %d", i)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.set(i, clampPercent(pct))
}

func (e *ESC) set(i int, pct float64) error {
	e.values[i] = pct
	if err := e.w.WritePulse(e.channels[i], e.ranges[i].Pulse(pct)); err != nil {
		e.failures[i]++
		if e.failures[i] == 1 || e.failures[i]%1000 == 0 {
			glog.Errorf("ESC: %s write failed (%d so far): %v", MotorName(i), e.failures[i], err)
		}
		return fmt.Errorf("%s: %w", MotorName(i), err)
	}
	return nil
}

// SetAll commands every motor. A failing motor does not stop the others.
func (e *ESC) SetAll(m Motors) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for i, pct := range m {
		if err := e.set(i, clampPercent(pct)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// StopAll sends the stop pulse to every motor, whatever their ranges.
func (e *ESC) StopAll() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	var errs []error
	for i := range e.values {
		e.values[i] = 0
		if err := e.w.WritePulse(e.channels[i], StopPulse); err != nil {
			e.failures[i]++
			errs = append(errs, fmt.Errorf("%s: %w", MotorName(i), err))
		}
	}
	if len(errs) > 0 {
		glog.Errorf("ESC: stop failed: %v", errors.Join(errs...))
	}
	return errors.Join(errs...)
}

// Values returns the last commanded percentages.
func (e *ESC) Values() Motors {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.values
}

// Failures returns the per-motor write failure counts.
func (e *ESC) Failures() [NumMotors]uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.failures
}

// Close stops every motor and releases the writer.
func (e *ESC) Close() error {
	err := e.StopAll()
	return errors.Join(err, e.w.Close())
}

// MemoryWriter records pulses instead of driving hardware. Channels listed in
// Fail return an error.
type MemoryWriter struct {
	mu     sync.Mutex
	Pulses map[int]int
	Fail   map[int]bool
	Writes int
}

func NewMemoryWriter() *MemoryWriter {
	return &MemoryWriter{Pulses: make(map[int]int), Fail: make(map[int]bool)}
}

var errChannelFault = errors.New("channel fault")

func (w *MemoryWriter) WritePulse(channel, us int) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.Writes++
	if w.Fail[channel] {
		return errChannelFault
	}
	w.Pulses[channel] = us
	return nil
}

// Pulse returns the last pulse written to channel.
func (w *MemoryWriter) Pulse(channel int) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Pulses[channel]
}

// SetFail makes channel fail, or recover.
func (w *MemoryWriter) SetFail(channel int, fail bool) {
	w.mu.Lock()
	w.Fail[channel] = fail
	w.mu.Unlock()
}

func (w *MemoryWriter) Close() error { return nil }
