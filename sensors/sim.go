package sensors

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/westphae/quaternion"
)

const deg = math.Pi / 180

// SimIMU is a synthetic IMU held at a fixed attitude. It produces the gravity
// and magnetic field vectors a real sensor would see at that attitude, plus a
// constant gyro bias and optional uniform noise.
type SimIMU struct {
	mu                    sync.Mutex
	roll, pitch, yaw      float64 // °
	GyroBias              [3]float64
	AccelBias             [3]float64
	Noise                 float64 // Peak uniform noise added to every axis
	EnableMag             bool
	FieldNorth, FieldDown float64 // Earth field components, µT
	Temp                  float64
	rnd                   *rand.Rand
	now                   func() time.Time
	reads                 int
}

// NewSimIMU returns a level, stationary SimIMU with a typical mid-latitude field.
func NewSimIMU(seed int64, enableMag bool) *SimIMU {
	return &SimIMU{
		EnableMag:  enableMag,
		FieldNorth: 20,
		FieldDown:  45,
		Temp:       25,
		rnd:        rand.New(rand.NewSource(seed)),
		now:        time.Now,
	}
}

// SetAttitude sets the attitude, in degrees, that subsequent reads reflect.
func (s *SimIMU) SetAttitude(roll, pitch, yaw float64) {
	s.mu.Lock()
	s.roll, s.pitch, s.yaw = roll, pitch, yaw
	s.mu.Unlock()
}

// SetClock replaces the time source used to stamp samples.
func (s *SimIMU) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

// Reads returns how many samples have been produced.
func (s *SimIMU) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func (s *SimIMU) noise() float64 {
	if s.Noise == 0 {
		return 0
	}
	return s.Noise * (2*s.rnd.Float64() - 1)
}

// Read implements IMU.
func (s *SimIMU) Read() (*IMUSample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++

	q := AttitudeQuaternion(s.roll, s.pitch, s.yaw)
	g := toBody(q, 0, 0, 1)
	d := IMUSample{
		G1:   s.GyroBias[0] + s.noise(),
		G2:   s.GyroBias[1] + s.noise(),
		G3:   s.GyroBias[2] + s.noise(),
		A1:   g.X + s.AccelBias[0] + s.noise(),
		A2:   g.Y + s.AccelBias[1] + s.noise(),
		A3:   g.Z + s.AccelBias[2] + s.noise(),
		Temp: s.Temp,
		T:    s.now(),
	}
	if s.EnableMag {
		m := toBody(q, s.FieldNorth, 0, s.FieldDown)
		d.M1, d.M2, d.M3 = m.X+s.noise(), m.Y+s.noise(), m.Z+s.noise()
		d.MagValid = true
	}
	return &d, nil
}

// MagEnabled implements IMU.
func (s *SimIMU) MagEnabled() bool { return s.EnableMag }

// Close implements IMU.
func (s *SimIMU) Close() error { return nil }

// AttitudeQuaternion builds the body-to-earth quaternion for a roll, pitch, yaw
// (Z-Y-X) attitude given in degrees.
func AttitudeQuaternion(roll, pitch, yaw float64) quaternion.Quaternion {
	cr, sr := math.Cos(roll*deg/2), math.Sin(roll*deg/2)
	cp, sp := math.Cos(pitch*deg/2), math.Sin(pitch*deg/2)
	cy, sy := math.Cos(yaw*deg/2), math.Sin(yaw*deg/2)
	return quaternion.Quaternion{
		W: cr*cp*cy + sr*sp*sy,
		X: sr*cp*cy - cr*sp*sy,
		Y: cr*sp*cy + sr*cp*sy,
		Z: cr*cp*sy - sr*sp*cy,
	}
}

// toBody rotates an earth-frame vector into the body frame of q.
func toBody(q quaternion.Quaternion, x, y, z float64) quaternion.Quaternion {
	v := quaternion.Quaternion{X: x, Y: y, Z: z}
	return quaternion.Prod(q.Conj(), v, q)
}
