package ahrs

import (
	"math"

	"github.com/westphae/quaternion"
)

// Madgwick is the gradient-descent IMU filter. It uses gyro and accelerometer
// only; its yaw is always gyro-integrated.
type Madgwick struct {
	beta    float64
	q       quaternion.Quaternion
	yawGyro float64
	faults  Faults
}

// NewMadgwick returns a Madgwick filter with gradient step beta.
func NewMadgwick(beta float64) *Madgwick {
	return &Madgwick{beta: beta, q: quaternion.Quaternion{W: 1}}
}

func (f *Madgwick) Reset() {
	f.q = quaternion.Quaternion{W: 1}
	f.yawGyro = 0
}

// Update advances the filter by dt seconds. Magnetometer fields are ignored.
func (f *Madgwick) Update(m *Measurement, dt float64) {
	if dt <= 0 {
		return
	}
	if !finite3(m.G1, m.G2, m.G3) {
		f.faults.Gyro++
		return
	}
	gx, gy, gz := m.G1*Deg, m.G2*Deg, m.G3*Deg
	q0, q1, q2, q3 := f.q.W, f.q.X, f.q.Y, f.q.Z

	qDot0 := 0.5 * (-q1*gx - q2*gy - q3*gz)
	qDot1 := 0.5 * (q0*gx + q2*gz - q3*gy)
	qDot2 := 0.5 * (q0*gy - q1*gz + q3*gx)
	qDot3 := 0.5 * (q0*gz + q1*gy - q2*gx)

	if ax, ay, az, ok := unit3(m.A1, m.A2, m.A3); ok {
		_2q0, _2q1, _2q2, _2q3 := 2*q0, 2*q1, 2*q2, 2*q3
		_4q0, _4q1, _4q2 := 4*q0, 4*q1, 4*q2
		_8q1, _8q2 := 8*q1, 8*q2
		q0q0, q1q1, q2q2, q3q3 := q0*q0, q1*q1, q2*q2, q3*q3

		s0 := _4q0*q2q2 + _2q2*ax + _4q0*q1q1 - _2q1*ay
		s1 := _4q1*q3q3 - _2q3*ax + 4*q0q0*q1 - _2q0*ay - _4q1 + _8q1*q1q1 + _8q1*q2q2 + _4q1*az
		s2 := 4*q0q0*q2 + _2q0*ax + _4q2*q3q3 - _2q3*ay - _4q2 + _8q2*q1q1 + _8q2*q2q2 + _4q2*az
		s3 := 4*q1q1*q3 - _2q1*ax + 4*q2q2*q3 - _2q2*ay
		if n := math.Sqrt(s0*s0 + s1*s1 + s2*s2 + s3*s3); n > 0 {
			qDot0 -= f.beta * s0 / n
			qDot1 -= f.beta * s1 / n
			qDot2 -= f.beta * s2 / n
			qDot3 -= f.beta * s3 / n
		}
	} else {
		f.faults.Accel++
	}

	next := quaternion.Quaternion{
		W: q0 + qDot0*dt,
		X: q1 + qDot1*dt,
		Y: q2 + qDot2*dt,
		Z: q3 + qDot3*dt,
	}
	if next.Norm() > 0 {
		f.q = next.Unit()
	}
	f.yawGyro = wrapDegrees(f.yawGyro + m.G3*dt)
}

func (f *Madgwick) RollDegrees() float64 {
	r, _, _ := FromQuaternion(f.q.W, f.q.X, f.q.Y, f.q.Z)
	return r / Deg
}

func (f *Madgwick) PitchDegrees() float64 {
	_, p, _ := FromQuaternion(f.q.W, f.q.X, f.q.Y, f.q.Z)
	return p / Deg
}

// YawDegrees returns the integrated gyro yaw.
func (f *Madgwick) YawDegrees() float64 { return f.yawGyro }

func (f *Madgwick) Quaternion() quaternion.Quaternion { return f.q }

func (f *Madgwick) Faults() Faults { return f.faults }
