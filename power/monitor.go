package power

import (
	"errors"
	"fmt"

	"github.com/golang/glog"
	"github.com/kidoman/embd"
	"github.com/kidoman/embd/convertors/mcp3008"
)

const (
	MCP3008Max = 1023
	VRef       = 3.3
)

// NewMCP3008 returns the ADC on an SPI bus, in single-ended mode.
func NewMCP3008(bus embd.SPIBus) ADC {
	return mcp3008.New(mcp3008.SingleMode, bus)
}

// Config holds both measurement channels.
type Config struct {
	Battery InputConfig `yaml:"battery" json:"battery"`
	Current InputConfig `yaml:"current" json:"current"`

	// Current sensor output at 0 A and its sensitivity.
	ZeroVolts    float64 `yaml:"zero_volts" json:"zero_volts"`
	VoltsPerAmp  float64 `yaml:"volts_per_amp" json:"volts_per_amp"`
	CurrentAlpha float64 `yaml:"current_alpha" json:"current_alpha"`
}

// DefaultConfig matches a 4.066:1 battery divider on channel 0 and a
// hall-effect current sensor behind a 1.99686:1 divider on channel 1.
func DefaultConfig() Config {
	t := LinearTable(VRef, MCP3008Max)
	return Config{
		Battery:      InputConfig{Channel: 0, Scale: 4.066, Multiplier: 1, Alpha: 0.1, Table: t},
		Current:      InputConfig{Channel: 1, Scale: 1.99686, Multiplier: 1, Alpha: 0.05, Table: t},
		ZeroVolts:    2.54,
		VoltsPerAmp:  0.1,
		CurrentAlpha: 0.05,
	}
}

// Reading is one battery and current sample.
type Reading struct {
	Volts float64 `json:"volts"`
	Amps  float64 `json:"amps"`
}

// Monitor samples battery voltage and current.
type Monitor struct {
	battery, current *AnalogInput
	zero, perAmp     float64
	alpha            float64
	amps             float64
	primed           bool
	failures         uint64
}

func NewMonitor(adc ADC, cfg Config) (*Monitor, error) {
	if cfg.VoltsPerAmp == 0 {
		return nil, errors.New("power: volts per amp must be nonzero")
	}
	if cfg.CurrentAlpha <= 0 || cfg.CurrentAlpha > 1 {
		return nil, fmt.Errorf("power: current alpha %v outside (0, 1]", cfg.CurrentAlpha)
	}
	b, err := NewAnalogInput(adc, cfg.Battery)
	if err != nil {
		return nil, fmt.Errorf("battery: %w", err)
	}
	c, err := NewAnalogInput(adc, cfg.Current)
	if err != nil {
		return nil, fmt.Errorf("current: %w", err)
	}
	return &Monitor{battery: b, current: c, zero: cfg.ZeroVolts, perAmp: cfg.VoltsPerAmp, alpha: cfg.CurrentAlpha}, nil
}

// Sample reads both channels. On error the previous values are kept.
func (m *Monitor) Sample() (Reading, error) {
	err := errors.Join(m.battery.Update(), m.current.Update())
	if err != nil {
		m.failures++
		if m.failures == 1 || m.failures%100 == 0 {
			glog.Warningf("Power: %d failed samples: %v", m.failures, err)
		}
		return m.Reading(), err
	}
	a := (m.current.Value() - m.zero) / m.perAmp
	if !m.primed {
		m.amps, m.primed = a, true
	} else {
		m.amps = m.alpha*a + (1-m.alpha)*m.amps
	}
	return m.Reading(), nil
}

// Reading returns the latest filtered values.
func (m *Monitor) Reading() Reading {
	return Reading{Volts: m.battery.Value(), Amps: m.amps}
}
