package icm20948

// Approach adapted from the InvenSense DMP 6.1 drivers
// Also referenced https://github.com/brianc118/ICM20948/blob/master/ICM20948.cpp

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/golang/glog"
	"github.com/kidoman/embd"

	"github.com/stratux/quadfc/sensors"
)

const (
	scaleMagAK09916 = 4912.0 / 32752 // AK09916: ±4912 µT range, 16-bit
	tempSensitivity = 333.87         // LSB/°C
	tempOffset      = 21.0           // °C at zero output
	slv4Polls       = 50
	bankUnknown     = 0xFF
)

// Overridden by tests to avoid real delays.
var sleep = time.Sleep

// Options configures an ICM20948 at startup.
type Options struct {
	Address          byte `yaml:"address"`           // MPU_ADDRESS or MPU_ADDRESS_ALT
	SensitivityGyro  int  `yaml:"sensitivity_gyro"`  // 250, 500, 1000 or 2000 °/s
	SensitivityAccel int  `yaml:"sensitivity_accel"` // 2, 4, 8 or 16 G
	SampleRate       int  `yaml:"sample_rate"`       // Hz, at most 1125
	EnableMag        bool `yaml:"enable_mag"`
}

/*
ICM20948 represents an InvenSense ICM20948 9DoF chip.
It is polled synchronously by its owner: every Read is one bounded burst on the
I2C bus and there is no background goroutine touching the bus.
*/
type ICM20948 struct {
	i2cbus                embd.I2CBus
	address               byte
	bank                  byte
	scaleGyro, scaleAccel float64 // Max sensor reading for value 2**15-1
	sampleRate            int
	enableMag             bool
	magNotReady           int
	magOverflow           int
	buf                   [14]byte
	magBuf                [AK09916_BLOCK_LEN]byte
}

/*
New creates a new ICM20948 object according to the supplied options.  If there is no ICM20948 available or there
is an error configuring it, an error is returned and the chip must be treated as absent.
*/
func New(i2cbus embd.I2CBus, opts Options) (*ICM20948, error) {
	if opts.Address == 0 {
		opts.Address = MPU_ADDRESS
	}
	if opts.SampleRate <= 0 || opts.SampleRate > 1125 {
		return nil, fmt.Errorf("ICM20948 Error: %d Hz is not a valid sample rate", opts.SampleRate)
	}

	mpu := &ICM20948{
		i2cbus:     i2cbus,
		address:    opts.Address,
		bank:       bankUnknown,
		sampleRate: opts.SampleRate,
		enableMag:  opts.EnableMag,
	}

	if err := mpu.setRegBank(0); err != nil {
		return nil, err
	}
	who, err := mpu.i2cRead(ICMREG_WHO_AM_I)
	if err != nil {
		return nil, fmt.Errorf("ICM20948 Error: no response at 0x%02X: %w", mpu.address, err)
	}
	if who != ICM_WHOAMI {
		return nil, fmt.Errorf("ICM20948 Error: WHO_AM_I returned 0x%02X, expected 0x%02X", who, ICM_WHOAMI)
	}

	// Reset device.
	if err := mpu.i2cWrite(ICMREG_PWR_MGMT_1, BIT_H_RESET); err != nil {
		return nil, errors.New("ICM20948 Error: resetting chip")
	}
	sleep(100 * time.Millisecond)
	mpu.bank = bankUnknown // Reset returns the chip to bank 0 but don't rely on it.
	if err := mpu.setRegBank(0); err != nil {
		return nil, err
	}

	// CLKSEL[2:0] should be set to 1~5 to achieve full gyroscope performance.
	if err := mpu.i2cWrite(ICMREG_PWR_MGMT_1, BIT_CLKSEL_AUTO); err != nil {
		return nil, errors.New("ICM20948 Error: waking chip")
	}
	// Gyro and accel must be powered before the I2C master is usable.
	if err := mpu.i2cWrite(ICMREG_PWR_MGMT_2, 0x00); err != nil {
		return nil, errors.New("ICM20948 Error: enabling gyro/accel in PWR_MGMT_2")
	}
	sleep(50 * time.Millisecond)

	if err := mpu.SetGyroSensitivity(opts.SensitivityGyro); err != nil {
		return nil, err
	}
	if err := mpu.SetAccelSensitivity(opts.SensitivityAccel); err != nil {
		return nil, err
	}

	// Low pass filters at half the sample rate.
	if err := mpu.SetGyroLPF(mpu.sampleRate / 2); err != nil {
		return nil, err
	}
	if err := mpu.SetAccelLPF(mpu.sampleRate / 2); err != nil {
		return nil, err
	}

	div := byte(1125/mpu.sampleRate - 1)
	if err := mpu.SetGyroSampleRate(div); err != nil {
		return nil, err
	}
	if err := mpu.SetAccelSampleRate(div); err != nil {
		return nil, err
	}

	if mpu.enableMag {
		if err := mpu.setupMag(); err != nil {
			return nil, err
		}
	}

	glog.Infof("ICM20948: ready at 0x%02X, gyro ±%d°/s, accel ±%dG, %d Hz, mag=%v",
		mpu.address, opts.SensitivityGyro, opts.SensitivityAccel, mpu.sampleRate, mpu.enableMag)
	return mpu, nil
}

// setupMag configures the auxiliary I2C master to poll the AK09916 continuously
// into EXT_SENS_DATA.
func (mpu *ICM20948) setupMag() error {
	if err := mpu.setRegBank(0); err != nil {
		return err
	}
	// Bypass mode routes the aux bus to the external pins, which starves the I2C master.
	if err := mpu.i2cWrite(ICMREG_INT_PIN_CFG, 0x00); err != nil {
		return errors.New("ICM20948 Error: disabling I2C bypass mode")
	}
	lpConfig, err := mpu.i2cRead(ICMREG_LP_CONFIG)
	if err != nil {
		return fmt.Errorf("ICM20948 Error reading LP_CONFIG: %w", err)
	}
	if lpConfig&BIT_I2C_MST_CYCLE != 0 {
		if err := mpu.i2cWrite(ICMREG_LP_CONFIG, lpConfig&^BIT_I2C_MST_CYCLE); err != nil {
			return fmt.Errorf("ICM20948 Error clearing I2C_MST_CYCLE: %w", err)
		}
	}

	// Configure the master before enabling it.
	if err := mpu.setRegBank(3); err != nil {
		return err
	}
	if err := mpu.i2cWrite(ICMREG_I2C_MST_ODR_CONFIG, I2C_MST_ODR_200HZ); err != nil {
		return errors.New("ICM20948 Error: setting I2C master ODR")
	}
	// STOP between reads is required by the AK09916.
	if err := mpu.i2cWrite(ICMREG_I2C_MST_CTRL, I2C_MST_CLK_400KHZ|BIT_I2C_MST_P_NSR); err != nil {
		return errors.New("ICM20948 Error: setting up I2C master clock")
	}

	if err := mpu.setRegBank(0); err != nil {
		return err
	}
	if err := mpu.i2cWrite(ICMREG_USER_CTRL, BIT_I2C_MST_EN); err != nil {
		return errors.New("ICM20948 Error: enabling I2C master mode")
	}
	sleep(10 * time.Millisecond)

	wia1, err := mpu.slv4Transfer(BIT_I2C_READ|AK09916_I2C_ADDR, AK09916_WIA1, 0)
	if err != nil {
		return err
	}
	wia2, err := mpu.slv4Transfer(BIT_I2C_READ|AK09916_I2C_ADDR, AK09916_WIA2, 0)
	if err != nil {
		return err
	}
	if wia1 != AK09916_WIA1_VALUE || wia2 != AK09916_WIA2_VALUE {
		return fmt.Errorf("ICM20948 Error: AK09916 WHO_AM_I returned 0x%02X 0x%02X", wia1, wia2)
	}

	if _, err := mpu.slv4Transfer(AK09916_I2C_ADDR, AK09916_CNTL3, AK09916_SRST); err != nil {
		return err
	}
	sleep(100 * time.Millisecond)

	magMode := magModeFor(mpu.sampleRate)
	if _, err := mpu.slv4Transfer(AK09916_I2C_ADDR, AK09916_CNTL2, magMode); err != nil {
		return err
	}
	mode, err := mpu.slv4Transfer(BIT_I2C_READ|AK09916_I2C_ADDR, AK09916_CNTL2, 0)
	if err != nil {
		return err
	}
	if mode != magMode {
		glog.Warningf("ICM20948: AK09916 CNTL2 readback=0x%02X (expected 0x%02X)", mode, magMode)
	}

	// Slave 0 reads ST1 through ST2 every master cycle.
	if err := mpu.setRegBank(3); err != nil {
		return err
	}
	if err := mpu.i2cWrite(ICMREG_I2C_SLV0_ADDR, BIT_I2C_READ|AK09916_I2C_ADDR); err != nil {
		return errors.New("ICM20948 Error: setting up AK09916 slave address")
	}
	if err := mpu.i2cWrite(ICMREG_I2C_SLV0_REG, AK09916_ST1); err != nil {
		return errors.New("ICM20948 Error: setting up AK09916 read register")
	}
	if err := mpu.i2cWrite(ICMREG_I2C_SLV0_CTRL, BIT_SLAVE_EN|AK09916_BLOCK_LEN); err != nil {
		return errors.New("ICM20948 Error: setting up AK09916 read control")
	}
	if err := mpu.setRegBank(0); err != nil {
		return err
	}
	glog.Infof("ICM20948: AK09916 continuous mode 0x%02X", magMode)
	return nil
}

func magModeFor(sampleRate int) byte {
	switch {
	case sampleRate >= 100:
		return AK09916_MODE_CONT4
	case sampleRate >= 50:
		return AK09916_MODE_CONT3
	case sampleRate >= 20:
		return AK09916_MODE_CONT2
	default:
		return AK09916_MODE_CONT1
	}
}

// slv4Transfer runs a single transaction on auxiliary slave 4 and waits for
// SLV4_DONE. For reads (BIT_I2C_READ set in addr) the byte read is returned.
func (mpu *ICM20948) slv4Transfer(addr, reg, value byte) (byte, error) {
	if err := mpu.setRegBank(3); err != nil {
		return 0, err
	}
	if err := mpu.i2cWrite(ICMREG_I2C_SLV4_ADDR, addr); err != nil {
		return 0, err
	}
	if err := mpu.i2cWrite(ICMREG_I2C_SLV4_REG, reg); err != nil {
		return 0, err
	}
	if addr&BIT_I2C_READ == 0 {
		if err := mpu.i2cWrite(ICMREG_I2C_SLV4_DO, value); err != nil {
			return 0, err
		}
	}
	if err := mpu.i2cWrite(ICMREG_I2C_SLV4_CTRL, BIT_SLAVE_EN); err != nil {
		return 0, err
	}

	if err := mpu.setRegBank(0); err != nil {
		return 0, err
	}
	for i := 0; i < slv4Polls; i++ {
		status, err := mpu.i2cRead(ICMREG_I2C_MST_STATUS)
		if err != nil {
			return 0, err
		}
		if status&BIT_SLV4_NACK != 0 {
			return 0, fmt.Errorf("ICM20948 Error: AK09916 NACK on register 0x%02X", reg)
		}
		if status&BIT_SLV4_DONE != 0 {
			if addr&BIT_I2C_READ == 0 {
				return 0, nil
			}
			if err := mpu.setRegBank(3); err != nil {
				return 0, err
			}
			di, err := mpu.i2cRead(ICMREG_I2C_SLV4_DI)
			if err != nil {
				return 0, err
			}
			return di, mpu.setRegBank(0)
		}
		sleep(time.Millisecond)
	}
	return 0, fmt.Errorf("ICM20948 Error: AK09916 transfer on register 0x%02X timed out", reg)
}

// Read performs one burst read of accel, gyro and temperature, followed by the
// magnetometer block when enabled. A magnetometer that is not ready or
// overflowed leaves MagValid false without failing the sample.
func (mpu *ICM20948) Read() (*sensors.IMUSample, error) {
	if err := mpu.setRegBank(0); err != nil {
		return nil, err
	}
	if err := mpu.i2cbus.ReadFromReg(mpu.address, ICMREG_ACCEL_XOUT_H, mpu.buf[:]); err != nil {
		return nil, fmt.Errorf("ICM20948 Error reading accel/gyro: %w", err)
	}
	b := mpu.buf[:]
	d := &sensors.IMUSample{
		A1:   float64(be16(b[0:])) * mpu.scaleAccel,
		A2:   float64(be16(b[2:])) * mpu.scaleAccel,
		A3:   float64(be16(b[4:])) * mpu.scaleAccel,
		G1:   float64(be16(b[6:])) * mpu.scaleGyro,
		G2:   float64(be16(b[8:])) * mpu.scaleGyro,
		G3:   float64(be16(b[10:])) * mpu.scaleGyro,
		Temp: float64(be16(b[12:]))/tempSensitivity + tempOffset,
		T:    time.Now(),
	}
	if mpu.enableMag {
		mpu.readMag(d)
	}
	return d, nil
}

func (mpu *ICM20948) readMag(d *sensors.IMUSample) {
	if err := mpu.i2cbus.ReadFromReg(mpu.address, ICMREG_EXT_SENS_DATA_00, mpu.magBuf[:]); err != nil {
		glog.V(1).Infof("ICM20948: error reading magnetometer block: %v", err)
		return
	}
	b := mpu.magBuf[:]
	if b[0]&AK09916_ST1_DRDY == 0 {
		mpu.magNotReady++
		if glog.V(1) && (mpu.magNotReady <= 5 || mpu.magNotReady%100 == 0) {
			glog.Infof("ICM20948: Magnetometer data not ready (count=%d, ST1=0x%02X)", mpu.magNotReady, b[0])
		}
		return
	}
	if b[8]&AK09916_ST2_HOFL != 0 {
		mpu.magOverflow++
		if mpu.magOverflow <= 5 || mpu.magOverflow%100 == 0 {
			glog.Warningf("ICM20948: mag data overflow (count=%d)", mpu.magOverflow)
		}
		return
	}
	// AK09916 axes: Y and Z are inverted relative to the accel/gyro frame.
	d.M1 = float64(le16(b[1:])) * scaleMagAK09916
	d.M2 = -float64(le16(b[3:])) * scaleMagAK09916
	d.M3 = -float64(le16(b[5:])) * scaleMagAK09916
	d.MagValid = true
}

// MagStats returns how many magnetometer reads found no new data and how
// many were discarded for overflow.
func (mpu *ICM20948) MagStats() (notReady, overflow int) {
	return mpu.magNotReady, mpu.magOverflow
}

// Close puts the magnetometer and the chip to sleep. The bus stays open; it
// belongs to the caller.
func (mpu *ICM20948) Close() error {
	if mpu.enableMag {
		if _, err := mpu.slv4Transfer(AK09916_I2C_ADDR, AK09916_CNTL2, 0x00); err != nil {
			glog.Warningf("ICM20948: could not power down AK09916: %v", err)
		}
	}
	if err := mpu.setRegBank(0); err != nil {
		return err
	}
	return mpu.i2cWrite(ICMREG_PWR_MGMT_1, BIT_SLEEP|BIT_CLKSEL_AUTO)
}

// SampleRate returns the current sample rate of the ICM20948, in Hz.
func (mpu *ICM20948) SampleRate() int {
	return mpu.sampleRate
}

// MagEnabled returns whether or not the magnetometer is being read.
func (mpu *ICM20948) MagEnabled() bool {
	return mpu.enableMag
}

// SetGyroSampleRate sets the gyro sample rate divider: ODR = 1125/(1+div) Hz.
func (mpu *ICM20948) SetGyroSampleRate(div byte) error {
	if err := mpu.setRegBank(2); err != nil {
		return err
	}
	defer mpu.setRegBank(0)

	if err := mpu.i2cWrite(ICMREG_GYRO_SMPLRT_DIV, div); err != nil {
		return fmt.Errorf("ICM20948 Error: Couldn't set gyro sample rate: %w", err)
	}
	return nil
}

// SetAccelSampleRate sets the accelerometer sample rate divider.
func (mpu *ICM20948) SetAccelSampleRate(div byte) error {
	if err := mpu.setRegBank(2); err != nil {
		return err
	}
	defer mpu.setRegBank(0)

	if err := mpu.i2cWrite(ICMREG_ACCEL_SMPLRT_DIV_1, 0x00); err != nil {
		return fmt.Errorf("ICM20948 Error: Couldn't set accel sample rate: %w", err)
	}
	if err := mpu.i2cWrite(ICMREG_ACCEL_SMPLRT_DIV_2, div); err != nil {
		return fmt.Errorf("ICM20948 Error: Couldn't set accel sample rate: %w", err)
	}
	return nil
}

// SetGyroLPF sets the gyro low pass filter to the highest cutoff not above cutoffHz.
func (mpu *ICM20948) SetGyroLPF(cutoffHz int) error {
	var r byte
	switch {
	case cutoffHz >= 197:
		r = BITS_DLPF_GYRO_CFG_197HZ
	case cutoffHz >= 152:
		r = BITS_DLPF_GYRO_CFG_152HZ
	case cutoffHz >= 120:
		r = BITS_DLPF_GYRO_CFG_120HZ
	case cutoffHz >= 51:
		r = BITS_DLPF_GYRO_CFG_51HZ
	case cutoffHz >= 24:
		r = BITS_DLPF_GYRO_CFG_24HZ
	case cutoffHz >= 12:
		r = BITS_DLPF_GYRO_CFG_12HZ
	default:
		r = BITS_DLPF_GYRO_CFG_6HZ
	}
	return mpu.updateConfig(ICMREG_GYRO_CONFIG, BITS_DLPF_MASK|BIT_FCHOICE, r|BIT_FCHOICE, "gyro LPF")
}

// SetAccelLPF sets the accelerometer low pass filter to the highest cutoff not above cutoffHz.
func (mpu *ICM20948) SetAccelLPF(cutoffHz int) error {
	var r byte
	switch {
	case cutoffHz >= 246:
		r = BITS_DLPF_ACCEL_CFG_246HZ
	case cutoffHz >= 111:
		r = BITS_DLPF_ACCEL_CFG_111HZ
	case cutoffHz >= 50:
		r = BITS_DLPF_ACCEL_CFG_50HZ
	case cutoffHz >= 24:
		r = BITS_DLPF_ACCEL_CFG_24HZ
	case cutoffHz >= 12:
		r = BITS_DLPF_ACCEL_CFG_12HZ
	default:
		r = BITS_DLPF_ACCEL_CFG_5HZ
	}
	return mpu.updateConfig(ICMREG_ACCEL_CONFIG, BITS_DLPF_MASK|BIT_FCHOICE, r|BIT_FCHOICE, "accel LPF")
}

// SetGyroSensitivity sets the gyro sensitivity of the ICM20948; it must be one of the following values:
// 250, 500, 1000, 2000 (all in deg/s).
func (mpu *ICM20948) SetGyroSensitivity(sensitivityGyro int) error {
	var sensGyro byte

	switch sensitivityGyro {
	case 2000:
		sensGyro = BITS_FS_2000DPS
	case 1000:
		sensGyro = BITS_FS_1000DPS
	case 500:
		sensGyro = BITS_FS_500DPS
	case 250:
		sensGyro = BITS_FS_250DPS
	default:
		return fmt.Errorf("ICM20948 Error: %d is not a valid gyro sensitivity", sensitivityGyro)
	}

	if err := mpu.updateConfig(ICMREG_GYRO_CONFIG, BITS_FS_MASK, sensGyro, "gyro sensitivity"); err != nil {
		return err
	}
	mpu.scaleGyro = float64(sensitivityGyro) / float64(math.MaxInt16)
	return nil
}

// SetAccelSensitivity sets the accelerometer sensitivity of the ICM20948; it must be one of the following values:
// 2, 4, 8, 16, all in G (gravity).
func (mpu *ICM20948) SetAccelSensitivity(sensitivityAccel int) error {
	var sensAccel byte

	switch sensitivityAccel {
	case 16:
		sensAccel = BITS_FS_16G
	case 8:
		sensAccel = BITS_FS_8G
	case 4:
		sensAccel = BITS_FS_4G
	case 2:
		sensAccel = BITS_FS_2G
	default:
		return fmt.Errorf("ICM20948 Error: %d is not a valid accel sensitivity", sensitivityAccel)
	}

	if err := mpu.updateConfig(ICMREG_ACCEL_CONFIG, BITS_FS_MASK, sensAccel, "accel sensitivity"); err != nil {
		return err
	}
	mpu.scaleAccel = float64(sensitivityAccel) / float64(math.MaxInt16)
	return nil
}

// updateConfig does a read-modify-write of a bank 2 config register.
func (mpu *ICM20948) updateConfig(register, mask, bits byte, what string) error {
	if err := mpu.setRegBank(2); err != nil {
		return err
	}
	defer mpu.setRegBank(0)

	cfg, err := mpu.i2cRead(register)
	if err != nil {
		return fmt.Errorf("ICM20948 Error: reading config for %s: %w", what, err)
	}
	if err := mpu.i2cWrite(register, cfg&^mask|bits); err != nil {
		return fmt.Errorf("ICM20948 Error: couldn't set %s: %w", what, err)
	}
	return nil
}

func (mpu *ICM20948) setRegBank(bank byte) error {
	if mpu.bank == bank {
		return nil
	}
	if err := mpu.i2cbus.WriteByteToReg(mpu.address, ICMREG_BANK_SEL, bank<<4); err != nil {
		mpu.bank = bankUnknown
		return fmt.Errorf("ICM20948 Error: change register bank to %d: %w", bank, err)
	}
	mpu.bank = bank
	return nil
}

func (mpu *ICM20948) i2cWrite(register, value byte) error {
	if err := mpu.i2cbus.WriteByteToReg(mpu.address, register, value); err != nil {
		return fmt.Errorf("ICM20948 Error writing %X to %X: %w", value, register, err)
	}
	return nil
}

func (mpu *ICM20948) i2cRead(register byte) (uint8, error) {
	value, err := mpu.i2cbus.ReadByteFromReg(mpu.address, register)
	if err != nil {
		return 0, fmt.Errorf("ICM20948 Error reading %X: %w", register, err)
	}
	return value, nil
}

func be16(b []byte) int16 {
	return int16(uint16(b[0])<<8 | uint16(b[1]))
}

func le16(b []byte) int16 {
	return int16(uint16(b[1])<<8 | uint16(b[0]))
}
