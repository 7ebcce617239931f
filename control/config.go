package control

import (
	"fmt"
	"time"

	"github.com/stratux/quadfc/ahrs"
	"github.com/stratux/quadfc/calibration"
	"github.com/stratux/quadfc/pid"
	"github.com/stratux/quadfc/receiver"
)

// Config is everything the control loop needs besides its devices.
type Config struct {
	RateHz    int                `yaml:"rate_hz"`
	Estimator ahrs.Config        `yaml:"estimator"`
	Gains     [3]pid.Gains       `yaml:"gains"` // Indexed by pid.Axis
	Limits    pid.Limits         `yaml:"limits"`
	YawMode   pid.YawMode        `yaml:"yaw_mode"`
	Alphas    calibration.Alphas `yaml:"alphas"`

	Channels receiver.Map      `yaml:"channels"`
	Failsafe receiver.Failsafe `yaml:"failsafe"`

	// Arming is refused until these sensors are calibrated.
	RequireCalibration []calibration.Kind `yaml:"require_calibration"`
	// Start a gyro capture on the first iteration if the gyro is uncalibrated.
	CalibrateGyroAtStart bool `yaml:"calibrate_gyro_at_start"`

	CaptureSamples    int           `yaml:"capture_samples"`
	CaptureMinSamples int           `yaml:"capture_min_samples"`
	CaptureBudget     time.Duration `yaml:"capture_budget"`

	MotorTestTimeout time.Duration `yaml:"motor_test_timeout"`
	PowerEvery       int           `yaml:"power_every"` // Iterations between power samples
	MaxIMUErrors     int           `yaml:"max_imu_errors"`

	CommandQueue int `yaml:"command_queue"`
	EventBuffer  int `yaml:"event_buffer"`
}

// DefaultConfig returns the settings for the reference airframe.
func DefaultConfig() Config {
	g := pid.DefaultGains()
	return Config{
		RateHz:               500,
		Estimator:            ahrs.DefaultConfig(),
		Gains:                [3]pid.Gains{g, g, g},
		Limits:               pid.DefaultLimits(),
		YawMode:              pid.YawRate,
		Alphas:               calibration.DefaultAlphas(),
		Channels:             receiver.DefaultMap(),
		Failsafe:             receiver.DefaultFailsafe(),
		RequireCalibration:   []calibration.Kind{calibration.KindGyro},
		CalibrateGyroAtStart: true,
		CaptureSamples:       1000,
		CaptureMinSamples:    300,
		CaptureBudget:        10 * time.Second,
		MotorTestTimeout:     2 * time.Second,
		PowerEvery:           50,
		MaxIMUErrors:         25,
		CommandQueue:         32,
		EventBuffer:          64,
	}
}

// Period is the nominal iteration interval.
func (c *Config) Period() time.Duration {
	return time.Second / time.Duration(c.RateHz)
}

func (c *Config) Validate() error {
	if c.RateHz <= 0 || c.RateHz > 4000 {
		return fmt.Errorf("control: rate %d Hz out of range", c.RateHz)
	}
	if err := c.Limits.Validate(); err != nil {
		return err
	}
	if c.YawMode != pid.YawRate && c.YawMode != pid.YawHeading {
		return fmt.Errorf("control: unknown yaw mode %q", c.YawMode)
	}
	if err := c.Channels.Validate(); err != nil {
		return err
	}
	if err := c.Failsafe.Validate(); err != nil {
		return err
	}
	for _, k := range c.RequireCalibration {
		if _, err := calibration.ParseKind(string(k)); err != nil {
			return err
		}
	}
	if c.CaptureSamples <= 0 || c.CaptureMinSamples <= 0 || c.CaptureMinSamples > c.CaptureSamples {
		return fmt.Errorf("control: bad capture sample counts %d/%d", c.CaptureMinSamples, c.CaptureSamples)
	}
	if c.CaptureBudget <= 0 || c.MotorTestTimeout <= 0 {
		return fmt.Errorf("control: capture budget and motor test timeout must be positive")
	}
	if c.PowerEvery <= 0 || c.MaxIMUErrors <= 0 || c.CommandQueue <= 0 || c.EventBuffer <= 0 {
		return fmt.Errorf("control: power_every, max_imu_errors, command_queue and event_buffer must be positive")
	}
	return nil
}
