// Package sensors defines the measurement types handed from the device drivers
// to the flight-control core.
package sensors

import (
	"errors"
	"time"
)

// ErrNotReady is returned by an IMU whose next sample is not available yet.
var ErrNotReady = errors.New("sensor data not ready")

// IMUSample contains one reading of a 9DoF inertial unit in calibrated units.
type IMUSample struct {
	G1, G2, G3 float64 // Gyro rates, °/s
	A1, A2, A3 float64 // Accelerations, G
	M1, M2, M3 float64 // Magnetic field, µT
	Temp       float64 // Die temperature, °C
	MagValid   bool    // M1..M3 hold a fresh magnetometer reading
	T          time.Time
}

// IMU is a source of IMUSamples. Read performs one bounded bus transfer and
// must never block waiting on outside input.
type IMU interface {
	Read() (*IMUSample, error)
	MagEnabled() bool
	Close() error
}
