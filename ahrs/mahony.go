package ahrs

import (
	"math"

	"github.com/westphae/quaternion"
)

// Mahony is a nonlinear complementary filter on SO(3). The accelerometer
// (and the magnetometer, when it has data) pull the gyro-integrated
// quaternion toward the measured reference directions.
type Mahony struct {
	twoKp, twoKi, twoKm float64
	q                   quaternion.Quaternion
	ix, iy, iz          float64 // Integral feedback, rad/s
	yaw                 float64 // °
	magAge              float64 // s since the last magnetometer correction
	faults              Faults
}

// MagStale is how long, in seconds, the quaternion heading is trusted after
// the last magnetometer correction. Past it yaw is carried on by the gyro.
const MagStale = 0.5

// NewMahony returns a Mahony filter at the identity attitude with
// proportional gain kp, integral gain ki and magnetometer gain km.
func NewMahony(kp, ki, km float64) *Mahony {
	return &Mahony{
		twoKp:  2 * kp,
		twoKi:  2 * ki,
		twoKm:  2 * km,
		q:      quaternion.Quaternion{W: 1},
		magAge: math.Inf(1),
	}
}

// Reset returns the filter to the identity attitude and clears integral
// feedback and yaw. Fault counters survive.
func (f *Mahony) Reset() {
	f.q = quaternion.Quaternion{W: 1}
	f.ix, f.iy, f.iz = 0, 0, 0
	f.yaw = 0
	f.magAge = math.Inf(1)
}

// Update advances the filter by dt seconds.
func (f *Mahony) Update(m *Measurement, dt float64) {
	if dt <= 0 {
		return
	}
	if !finite3(m.G1, m.G2, m.G3) {
		f.faults.Gyro++
		return
	}
	gx, gy, gz := m.G1*Deg, m.G2*Deg, m.G3*Deg
	q0, q1, q2, q3 := f.q.W, f.q.X, f.q.Y, f.q.Z

	var ex, ey, ez float64    // Total error, accel plus mag
	var emx, emy, emz float64 // Mag share only
	corrected := false

	if ax, ay, az, ok := unit3(m.A1, m.A2, m.A3); ok {
		// Half the estimated direction of gravity
		vx := q1*q3 - q0*q2
		vy := q0*q1 + q2*q3
		vz := q0*q0 - 0.5 + q3*q3
		ex, ey, ez = ay*vz-az*vy, az*vx-ax*vz, ax*vy-ay*vx
		corrected = true
	} else {
		f.faults.Accel++
	}

	f.magAge += dt
	if m.MagValid {
		if mx, my, mz, ok := unit3(m.M1, m.M2, m.M3); ok {
			// Reference direction of the earth's field
			hx := 2 * (mx*(0.5-q2*q2-q3*q3) + my*(q1*q2-q0*q3) + mz*(q1*q3+q0*q2))
			hy := 2 * (mx*(q1*q2+q0*q3) + my*(0.5-q1*q1-q3*q3) + mz*(q2*q3-q0*q1))
			bx := math.Sqrt(hx*hx + hy*hy)
			bz := 2 * (mx*(q1*q3-q0*q2) + my*(q2*q3+q0*q1) + mz*(0.5-q1*q1-q2*q2))

			// Half the estimated direction of the field
			wx := bx*(0.5-q2*q2-q3*q3) + bz*(q1*q3-q0*q2)
			wy := bx*(q1*q2-q0*q3) + bz*(q0*q1+q2*q3)
			wz := bx*(q0*q2+q1*q3) + bz*(0.5-q1*q1-q2*q2)

			emx, emy, emz = my*wz-mz*wy, mz*wx-mx*wz, mx*wy-my*wx
			ex, ey, ez = ex+emx, ey+emy, ez+emz
			f.magAge = 0
			corrected = true
		} else {
			f.faults.Mag++
		}
	}

	if corrected {
		if f.twoKi > 0 {
			f.ix += f.twoKi * ex * dt
			f.iy += f.twoKi * ey * dt
			f.iz += f.twoKi * ez * dt
			gx, gy, gz = gx+f.ix, gy+f.iy, gz+f.iz
		} else {
			f.ix, f.iy, f.iz = 0, 0, 0
		}
		gx += f.twoKp*ex + f.twoKm*emx
		gy += f.twoKp*ey + f.twoKm*emy
		gz += f.twoKp*ez + f.twoKm*emz
	}

	f.q = integrate(f.q, gx, gy, gz, dt)
	if f.magAge <= MagStale {
		_, _, y := FromQuaternion(f.q.W, f.q.X, f.q.Y, f.q.Z)
		f.yaw = y / Deg
	} else {
		f.yaw = wrapDegrees(f.yaw + m.G3*dt)
	}
}

// RollDegrees returns the current roll angle.
func (f *Mahony) RollDegrees() float64 {
	r, _, _ := FromQuaternion(f.q.W, f.q.X, f.q.Y, f.q.Z)
	return r / Deg
}

// PitchDegrees returns the current pitch angle.
func (f *Mahony) PitchDegrees() float64 {
	_, p, _ := FromQuaternion(f.q.W, f.q.X, f.q.Y, f.q.Z)
	return p / Deg
}

// YawDegrees returns the quaternion heading while magnetometer corrections
// are recent. Once they stop for longer than MagStale, yaw continues from
// the last heading by integrating the gyro.
func (f *Mahony) YawDegrees() float64 { return f.yaw }

func (f *Mahony) Quaternion() quaternion.Quaternion { return f.q }

func (f *Mahony) Faults() Faults { return f.faults }
