package calibration

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/glog"
)

// Alphas are the low-pass coefficients for each sensor class.
type Alphas struct {
	Gyro  float64 `json:"gyro" yaml:"gyro"`
	Accel float64 `json:"accel" yaml:"accel"`
	Mag   float64 `json:"mag" yaml:"mag"`
}

// DefaultAlphas is 0.1 for every class.
func DefaultAlphas() Alphas {
	return Alphas{Gyro: 0.1, Accel: 0.1, Mag: 0.1}
}

// Profile is the persisted calibration state.
type Profile struct {
	GyroBias        Vector        `json:"gyro_bias"`
	GyroCalibrated  bool          `json:"gyro_calibrated"`
	AccelOffset     Vector        `json:"accel_offset"`
	AccelScale      Vector        `json:"accel_scale"`
	AccelCalibrated bool          `json:"accel_calibrated"`
	MagOffset       Vector        `json:"mag_offset"`
	MagScale        [3][3]float64 `json:"mag_scale"`
	MagCalibrated   bool          `json:"mag_calibrated"`
	Alpha           Alphas        `json:"alpha"`
	Saved           time.Time     `json:"saved"`
}

// Save writes p as JSON, replacing the file at path atomically.
func (p *Profile) Save(path string) error {
	buf, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".quadfc-cal-*")
	if err != nil {
		return fmt.Errorf("calibration: save %s: %w", path, err)
	}
	if _, err = tmp.Write(buf); err == nil {
		err = tmp.Close()
	} else {
		tmp.Close()
	}
	if err == nil {
		err = os.Rename(tmp.Name(), path)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("calibration: save %s: %w", path, err)
	}
	return nil
}

// LoadProfile reads a profile written by Save.
func LoadProfile(path string) (*Profile, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	p := new(Profile)
	if err := json.Unmarshal(buf, p); err != nil {
		return nil, fmt.Errorf("calibration: %s: %w", path, err)
	}
	return p, nil
}

// Pipeline conditions samples for one IMU: calibration, then filtering.
type Pipeline struct {
	Gyro  Gyro
	Accel Accel
	Mag   Mag

	gyroLPF, accelLPF, magLPF *LowPass
}

func NewPipeline(a Alphas) *Pipeline {
	return &Pipeline{
		gyroLPF:  NewLowPass(a.Gyro),
		accelLPF: NewLowPass(a.Accel),
		magLPF:   NewLowPass(a.Mag),
	}
}

func (p *Pipeline) ProcessGyro(v Vector) Vector  { return p.gyroLPF.Filter(p.Gyro.Apply(v)) }
func (p *Pipeline) ProcessAccel(v Vector) Vector { return p.accelLPF.Filter(p.Accel.Apply(v)) }
func (p *Pipeline) ProcessMag(v Vector) Vector   { return p.magLPF.Filter(p.Mag.Apply(v)) }

// Calibrator returns the calibrator for kind, or nil.
func (p *Pipeline) Calibrator(kind Kind) Calibrator {
	switch kind {
	case KindGyro:
		return &p.Gyro
	case KindAccel:
		return &p.Accel
	case KindMag:
		return &p.Mag
	}
	return nil
}

// Reset drops every calibration and clears the filters.
func (p *Pipeline) Reset() {
	p.Gyro.Reset()
	p.Accel.Reset()
	p.Mag.Reset()
	p.gyroLPF.Reset()
	p.accelLPF.Reset()
	p.magLPF.Reset()
	glog.Infoln("Calibration: all calibrations reset")
}

// Alphas returns the current filter coefficients.
func (p *Pipeline) Alphas() Alphas {
	return Alphas{Gyro: p.gyroLPF.Alpha, Accel: p.accelLPF.Alpha, Mag: p.magLPF.Alpha}
}

// Profile captures the current calibration state.
func (p *Pipeline) Profile() Profile {
	return Profile{
		GyroBias:        p.Gyro.Bias,
		GyroCalibrated:  p.Gyro.calibrated,
		AccelOffset:     p.Accel.Offset,
		AccelScale:      p.Accel.Scale,
		AccelCalibrated: p.Accel.calibrated,
		MagOffset:       p.Mag.Offset,
		MagScale:        p.Mag.Scale,
		MagCalibrated:   p.Mag.calibrated,
		Alpha:           p.Alphas(),
	}
}

// Load replaces the calibration state with pr. Filters restart.
func (p *Pipeline) Load(pr *Profile) {
	p.Gyro = Gyro{Bias: pr.GyroBias, calibrated: pr.GyroCalibrated}
	p.Accel = Accel{Offset: pr.AccelOffset, Scale: pr.AccelScale, calibrated: pr.AccelCalibrated}
	p.Mag = Mag{Offset: pr.MagOffset, Scale: pr.MagScale, calibrated: pr.MagCalibrated}
	p.gyroLPF = reload(p.gyroLPF, pr.Alpha.Gyro)
	p.accelLPF = reload(p.accelLPF, pr.Alpha.Accel)
	p.magLPF = reload(p.magLPF, pr.Alpha.Mag)
}

// reload returns a fresh filter, keeping the old α when the profile has none.
func reload(f *LowPass, alpha float64) *LowPass {
	if alpha <= 0 {
		alpha = f.Alpha
	}
	return NewLowPass(alpha)
}

// SetAlphas changes the filter coefficients without clearing filter state.
func (p *Pipeline) SetAlphas(a Alphas) {
	p.gyroLPF.Alpha = NewLowPass(a.Gyro).Alpha
	p.accelLPF.Alpha = NewLowPass(a.Accel).Alpha
	p.magLPF.Alpha = NewLowPass(a.Mag).Alpha
}
