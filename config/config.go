// Package config loads the flight controller's YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratux/quadfc/control"
	"github.com/stratux/quadfc/icm20948"
	"github.com/stratux/quadfc/mixer"
	"github.com/stratux/quadfc/power"
	"github.com/stratux/quadfc/telemetry"
)

const (
	DefaultPath        = "/etc/quadfc.yaml"
	DefaultProfilePath = "/etc/quadfc-cal.json"
)

type IMU struct {
	Bus     byte             `yaml:"bus"`
	Options icm20948.Options `yaml:"options"`
}

type ESC struct {
	Bus       byte                              `yaml:"bus"`
	Address   byte                              `yaml:"address"`
	Frequency int                               `yaml:"frequency"`
	Channels  [mixer.NumMotors]int              `yaml:"channels"`
	Ranges    [mixer.NumMotors]mixer.PulseRange `yaml:"ranges"`
}

type Receiver struct {
	Port string `yaml:"port"`
}

type Power struct {
	Enabled    bool         `yaml:"enabled"`
	SPIChannel byte         `yaml:"spi_channel"`
	SPISpeed   int          `yaml:"spi_speed"`
	Monitor    power.Config `yaml:",inline"`
}

type LED struct {
	Enabled bool `yaml:"enabled"`
	Pin     int  `yaml:"pin"` // BCM numbering
}

type Telemetry struct {
	Listen   string        `yaml:"listen"`
	Interval time.Duration `yaml:"interval"`
	Stdout   bool          `yaml:"stdout"` // Operator lines while streaming is on
}

// Config is the whole configuration file.
type Config struct {
	ProfilePath string         `yaml:"profile_path"`
	Control     control.Config `yaml:"control"`
	IMU         IMU            `yaml:"imu"`
	ESC         ESC            `yaml:"esc"`
	Receiver    Receiver       `yaml:"receiver"`
	Power       Power          `yaml:"power"`
	LED         LED            `yaml:"led"`
	Telemetry   Telemetry      `yaml:"telemetry"`
}

// Default returns the configuration for the reference airframe: ICM-20948 on
// I2C bus 1, PCA9685 ESC outputs 0-3, iBus on the primary UART and an MCP3008
// on SPI channel 0.
func Default() Config {
	var ranges [mixer.NumMotors]mixer.PulseRange
	for i := range ranges {
		ranges[i] = mixer.DefaultPulseRange()
	}
	return Config{
		ProfilePath: DefaultProfilePath,
		Control:     control.DefaultConfig(),
		IMU: IMU{
			Bus: 1,
			Options: icm20948.Options{
				Address:          icm20948.MPU_ADDRESS,
				SensitivityGyro:  2000,
				SensitivityAccel: 16,
				SampleRate:       1000,
				EnableMag:        true,
			},
		},
		ESC: ESC{
			Bus:       1,
			Address:   mixer.PCA9685Address,
			Frequency: mixer.FrameRate,
			Channels:  [mixer.NumMotors]int{0, 1, 2, 3},
			Ranges:    ranges,
		},
		Receiver:  Receiver{Port: "/dev/serial0"},
		Power:     Power{Enabled: true, SPIChannel: 0, SPISpeed: 1000000, Monitor: power.DefaultConfig()},
		LED:       LED{Enabled: true, Pin: 17},
		Telemetry: Telemetry{Listen: ":8080", Interval: telemetry.DefaultInterval},
	}
}

// Load reads path over Default. A missing file yields the defaults.
func Load(path string) (Config, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	if err := c.decode(b); err != nil {
		return c, fmt.Errorf("config: %s: %w", path, err)
	}
	return c, c.Validate()
}

// Parse reads a configuration from YAML text over Default.
func Parse(b []byte) (Config, error) {
	c := Default()
	if err := c.decode(b); err != nil {
		return c, fmt.Errorf("config: %w", err)
	}
	return c, c.Validate()
}

func (c *Config) decode(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks everything that can be checked without hardware.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Control.Validate(); err != nil {
		errs = append(errs, err)
	}
	for name, a := range map[string]float64{"gyro": c.Control.Alphas.Gyro, "accel": c.Control.Alphas.Accel, "mag": c.Control.Alphas.Mag} {
		if a < 0 || a > 1 {
			errs = append(errs, fmt.Errorf("config: %s alpha %v outside [0,1]", name, a))
		}
	}
	for i, g := range c.Control.Gains {
		if g.OutMin >= g.OutMax {
			errs = append(errs, fmt.Errorf("config: gains %d: output min %v not below max %v", i, g.OutMin, g.OutMax))
		}
	}
	for i, r := range c.ESC.Ranges {
		if err := r.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("config: %s: %w", mixer.MotorName(i), err))
		}
	}
	seen := map[int]bool{}
	for _, ch := range c.ESC.Channels {
		if ch < 0 || ch > 15 || seen[ch] {
			errs = append(errs, fmt.Errorf("config: bad or repeated ESC channel %d", ch))
		}
		seen[ch] = true
	}
	if c.ESC.Frequency < 24 || c.ESC.Frequency > 1526 {
		errs = append(errs, fmt.Errorf("config: PCA9685 frequency %d Hz out of range", c.ESC.Frequency))
	}
	if c.Power.Enabled {
		for name, in := range map[string]power.InputConfig{"battery": c.Power.Monitor.Battery, "current": c.Power.Monitor.Current} {
			if in.Alpha <= 0 || in.Alpha > 1 {
				errs = append(errs, fmt.Errorf("config: %s alpha %v outside (0,1]", name, in.Alpha))
			}
		}
	}
	if c.Telemetry.Interval < 0 {
		errs = append(errs, errors.New("config: negative telemetry interval"))
	}
	return errors.Join(errs...)
}
