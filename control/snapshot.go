package control

import (
	"time"

	"github.com/stratux/quadfc/ahrs"
	"github.com/stratux/quadfc/calibration"
	"github.com/stratux/quadfc/mixer"
	"github.com/stratux/quadfc/pid"
	"github.com/stratux/quadfc/power"
)

// SensorValues is one set of IMU readings.
type SensorValues struct {
	Gyro     calibration.Vector `json:"gyro"`
	Accel    calibration.Vector `json:"accel"`
	Mag      calibration.Vector `json:"mag"`
	MagValid bool               `json:"mag_valid"`
	Temp     float64            `json:"temp"`
}

type Calibrated struct {
	Gyro  bool `json:"gyro"`
	Accel bool `json:"accel"`
	Mag   bool `json:"mag"`
}

type Counters struct {
	IMUErrors     uint64      `json:"imu_errors"`
	ESCErrors     uint64      `json:"esc_errors"`
	Overruns      uint64      `json:"overruns"`
	EventsDropped uint64      `json:"events_dropped"`
	Fusion        ahrs.Faults `json:"fusion"`
}

// Snapshot is the state published after each iteration. A published
// Snapshot is never modified.
type Snapshot struct {
	Seq  uint64    `json:"seq"`
	Time time.Time `json:"time"`
	DT   float64   `json:"dt"`

	Quaternion [4]float64 `json:"quaternion"`
	Roll       float64    `json:"roll"`
	Pitch      float64    `json:"pitch"`
	Yaw        float64    `json:"yaw"`

	Setpoint pid.Triple   `json:"setpoint"`
	Output   pid.Triple   `json:"output"`
	Motors   mixer.Motors `json:"motors"`
	Throttle float64      `json:"throttle"`

	Armed       bool             `json:"armed"`
	Inhibited   bool             `json:"inhibited"`
	Receiver    string           `json:"receiver"`
	MotorTest   bool             `json:"motor_test"`
	Streaming   bool             `json:"streaming"`
	Calibrating calibration.Kind `json:"calibrating,omitempty"`
	Calibrated  Calibrated       `json:"calibrated"`

	Raw      SensorValues  `json:"raw"`
	Filtered SensorValues  `json:"filtered"`
	Power    power.Reading `json:"power"`

	Gains  [3]pid.Gains `json:"gains"`
	Limits pid.Limits   `json:"limits"`

	Counters Counters `json:"counters"`
}

// Snapshot returns the latest published state. It never blocks the loop.
func (l *Loop) Snapshot() *Snapshot {
	return l.snap.Load()
}
