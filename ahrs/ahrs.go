// Package ahrs estimates attitude from gyro, accelerometer and (optional)
// magnetometer samples.
package ahrs

import (
	"fmt"
	"math"

	"github.com/westphae/quaternion"
)

const (
	Pi  = math.Pi
	Deg = Pi / 180
)

// Kind names an estimator implementation; it is chosen once at startup.
type Kind string

const (
	KindMahony   Kind = "mahony"
	KindMadgwick Kind = "madgwick"
)

// Measurement holds one conditioned sensor sample.
// Gyro rates are in °/s, accelerations in G, magnetic field in any consistent unit.
type Measurement struct {
	G1, G2, G3 float64
	A1, A2, A3 float64
	M1, M2, M3 float64
	MagValid   bool
}

// Faults counts the corrections skipped because a sensor vector was unusable.
type Faults struct {
	Gyro, Accel, Mag uint64
}

// Estimator advances an attitude quaternion one step at a time.
// Update receives the true elapsed interval dt in seconds.
type Estimator interface {
	Update(m *Measurement, dt float64)
	RollDegrees() float64
	PitchDegrees() float64
	YawDegrees() float64
	Reset()

	Quaternion() quaternion.Quaternion
	Faults() Faults
}

// Config holds the gains for every estimator kind; each one reads its own.
type Config struct {
	Kind Kind    `yaml:"kind" json:"kind"`
	Kp   float64 `yaml:"kp" json:"kp"`     // Mahony proportional gain
	Ki   float64 `yaml:"ki" json:"ki"`     // Mahony integral gain
	Km   float64 `yaml:"km" json:"km"`     // Mahony magnetometer gain
	Beta float64 `yaml:"beta" json:"beta"` // Madgwick gradient step
}

// DefaultConfig returns the estimator gains the airframe flies with.
func DefaultConfig() Config {
	return Config{Kind: KindMahony, Kp: 5, Ki: 0, Km: 1, Beta: 0.1}
}

// NewEstimator builds the estimator selected by c.Kind.
func NewEstimator(c Config) (Estimator, error) {
	switch c.Kind {
	case KindMahony, "":
		return NewMahony(c.Kp, c.Ki, c.Km), nil
	case KindMadgwick:
		return NewMadgwick(c.Beta), nil
	default:
		return nil, fmt.Errorf("ahrs: unknown estimator kind %q", c.Kind)
	}
}

// FromQuaternion returns roll, pitch and yaw in radians for the
// body-to-earth quaternion (q0, q1, q2, q3).
func FromQuaternion(q0, q1, q2, q3 float64) (roll, pitch, yaw float64) {
	roll = math.Atan2(q0*q1+q2*q3, 0.5-q1*q1-q2*q2)
	s := -2 * (q1*q3 - q0*q2)
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	pitch = math.Asin(s)
	yaw = math.Atan2(q1*q2+q0*q3, 0.5-q2*q2-q3*q3)
	return
}

// finite3 reports whether all three components are finite numbers.
func finite3(x, y, z float64) bool {
	for _, v := range [...]float64{x, y, z} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// unit3 normalizes a 3-vector. ok is false for zero, NaN or Inf input.
func unit3(x, y, z float64) (ux, uy, uz float64, ok bool) {
	if !finite3(x, y, z) {
		return 0, 0, 0, false
	}
	n := math.Sqrt(x*x + y*y + z*z)
	if n == 0 || math.IsInf(n, 0) {
		return 0, 0, 0, false
	}
	return x / n, y / n, z / n, true
}

// wrapDegrees maps an angle onto (-180, 180].
func wrapDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a > 180 {
		a -= 360
	} else if a <= -180 {
		a += 360
	}
	return a
}

// integrate applies one explicit-Euler step of dq/dt = ½·q⊗(0,ω) and
// renormalizes. ω is in rad/s.
func integrate(q quaternion.Quaternion, wx, wy, wz, dt float64) quaternion.Quaternion {
	wx, wy, wz = wx*0.5*dt, wy*0.5*dt, wz*0.5*dt
	next := quaternion.Quaternion{
		W: q.W - q.X*wx - q.Y*wy - q.Z*wz,
		X: q.X + q.W*wx + q.Y*wz - q.Z*wy,
		Y: q.Y + q.W*wy - q.X*wz + q.Z*wx,
		Z: q.Z + q.W*wz + q.X*wy - q.Y*wx,
	}
	if next.Norm() == 0 {
		return quaternion.Quaternion{W: 1}
	}
	return next.Unit()
}
