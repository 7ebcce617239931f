// Package power measures battery voltage and current draw through an ADC.
package power

import (
	"fmt"
	"sort"
)

// ADC reads one channel as a raw count.
type ADC interface {
	AnalogValueAt(ch int) (int, error)
}

// NumSamples is the length of the moving average applied to raw counts.
const NumSamples = 20

// Point pairs a raw ADC count with the pin voltage measured at it.
type Point struct {
	Raw   float64 `yaml:"raw" json:"raw"`
	Volts float64 `yaml:"volts" json:"volts"`
}

// Table converts raw counts to pin voltage by piecewise-linear interpolation,
// extrapolating from the end segments. Points must be sorted by Raw.
type Table []Point

// LinearTable is the ideal response of an adcMax-count converter at vRef.
func LinearTable(vRef float64, adcMax int) Table {
	return Table{{0, 0}, {float64(adcMax), vRef}}
}

func (t Table) Validate() error {
	if len(t) < 2 {
		return fmt.Errorf("power: table needs at least two points")
	}
	for i := 1; i < len(t); i++ {
		if !(t[i].Raw > t[i-1].Raw) {
			return fmt.Errorf("power: table raw values must increase at point %d", i)
		}
	}
	return nil
}

// Volts interpolates the pin voltage for raw.
func (t Table) Volts(raw float64) float64 {
	i := sort.Search(len(t), func(i int) bool { return t[i].Raw >= raw })
	switch {
	case i == 0:
		i = 1
	case i == len(t):
		i = len(t) - 1
	}
	a, b := t[i-1], t[i]
	return a.Volts + (raw-a.Raw)*(b.Volts-a.Volts)/(b.Raw-a.Raw)
}

// InputConfig describes one analog measurement.
type InputConfig struct {
	Channel    int     `yaml:"channel" json:"channel"`
	Scale      float64 `yaml:"scale" json:"scale"`
	Offset     float64 `yaml:"offset" json:"offset"`
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`
	Alpha      float64 `yaml:"alpha" json:"alpha"`
	Table      Table   `yaml:"table" json:"table"`
}

// AnalogInput turns raw ADC counts into an engineering value:
// the counts are averaged, mapped to pin volts by Table, scaled by
// Scale and Offset, α-filtered, and multiplied by Multiplier on read.
type AnalogInput struct {
	cfg      InputConfig
	adc      ADC
	samples  [NumSamples]float64
	idx      int
	filled   bool
	raw      int
	filtered float64
	primed   bool
}

func NewAnalogInput(adc ADC, cfg InputConfig) (*AnalogInput, error) {
	if err := cfg.Table.Validate(); err != nil {
		return nil, err
	}
	if cfg.Alpha <= 0 || cfg.Alpha > 1 {
		return nil, fmt.Errorf("power: alpha %v outside (0, 1]", cfg.Alpha)
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1
	}
	return &AnalogInput{cfg: cfg, adc: adc}, nil
}

// Update takes one ADC reading.
func (a *AnalogInput) Update() error {
	raw, err := a.adc.AnalogValueAt(a.cfg.Channel)
	if err != nil {
		return fmt.Errorf("power: channel %d: %w", a.cfg.Channel, err)
	}
	a.raw = raw
	v := a.cfg.Table.Volts(a.average(float64(raw)))*a.cfg.Scale + a.cfg.Offset
	if !a.primed {
		a.filtered, a.primed = v, true
	} else {
		a.filtered = a.cfg.Alpha*v + (1-a.cfg.Alpha)*a.filtered
	}
	return nil
}

func (a *AnalogInput) average(v float64) float64 {
	a.samples[a.idx] = v
	a.idx = (a.idx + 1) % NumSamples
	if a.idx == 0 {
		a.filled = true
	}
	n := a.idx
	if a.filled {
		n = NumSamples
	}
	sum := 0.0
	for _, s := range a.samples[:n] {
		sum += s
	}
	return sum / float64(n)
}

// Raw returns the most recent count.
func (a *AnalogInput) Raw() int { return a.raw }

// Value returns the filtered reading times Multiplier.
func (a *AnalogInput) Value() float64 { return a.filtered * a.cfg.Multiplier }
