package icm20948

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/golang/glog"
)

const Tolerance = 1e-4

func init() {
	sleep = func(time.Duration) {}
}

// fakeBus emulates the register banks of an ICM20948 and the slave 4
// transactions of its auxiliary I2C master towards an AK09916.
type fakeBus struct {
	bank  byte
	regs  map[uint16]byte
	ak    map[byte]byte
	nack  bool
	reads int
}

func key(bank, reg byte) uint16 { return uint16(bank)<<8 | uint16(reg) }

func newFakeBus() *fakeBus {
	b := &fakeBus{regs: make(map[uint16]byte), ak: make(map[byte]byte)}
	b.regs[key(0, ICMREG_WHO_AM_I)] = ICM_WHOAMI
	b.ak[AK09916_WIA1] = AK09916_WIA1_VALUE
	b.ak[AK09916_WIA2] = AK09916_WIA2_VALUE
	return b
}

var errNoDevice = errors.New("no device at address")

func (b *fakeBus) check(addr byte) error {
	if addr != MPU_ADDRESS {
		return errNoDevice
	}
	return nil
}

func (b *fakeBus) WriteByteToReg(addr, reg, value byte) error {
	if err := b.check(addr); err != nil {
		return err
	}
	if reg == ICMREG_BANK_SEL {
		b.bank = value >> 4
		return nil
	}
	b.regs[key(b.bank, reg)] = value
	if b.bank == 3 && reg == ICMREG_I2C_SLV4_CTRL && value&BIT_SLAVE_EN != 0 {
		b.slv4()
	}
	return nil
}

func (b *fakeBus) slv4() {
	addr := b.regs[key(3, ICMREG_I2C_SLV4_ADDR)]
	reg := b.regs[key(3, ICMREG_I2C_SLV4_REG)]
	if b.nack || addr&^BIT_I2C_READ != AK09916_I2C_ADDR {
		b.regs[key(0, ICMREG_I2C_MST_STATUS)] = BIT_SLV4_NACK
		return
	}
	if addr&BIT_I2C_READ != 0 {
		b.regs[key(3, ICMREG_I2C_SLV4_DI)] = b.ak[reg]
	} else {
		b.ak[reg] = b.regs[key(3, ICMREG_I2C_SLV4_DO)]
	}
	b.regs[key(0, ICMREG_I2C_MST_STATUS)] = BIT_SLV4_DONE
}

func (b *fakeBus) ReadByteFromReg(addr, reg byte) (byte, error) {
	if err := b.check(addr); err != nil {
		return 0, err
	}
	v := b.regs[key(b.bank, reg)]
	if b.bank == 0 && reg == ICMREG_I2C_MST_STATUS {
		delete(b.regs, key(0, reg)) // Clears on read
	}
	return v, nil
}

func (b *fakeBus) ReadFromReg(addr, reg byte, value []byte) error {
	if err := b.check(addr); err != nil {
		return err
	}
	b.reads++
	for i := range value {
		value[i] = b.regs[key(b.bank, reg+byte(i))]
	}
	return nil
}

func (b *fakeBus) ReadWordFromReg(addr, reg byte) (uint16, error) {
	hi, err := b.ReadByteFromReg(addr, reg)
	if err != nil {
		return 0, err
	}
	lo, err := b.ReadByteFromReg(addr, reg+1)
	return uint16(hi)<<8 | uint16(lo), err
}

func (b *fakeBus) WriteToReg(addr, reg byte, value []byte) error {
	for i, v := range value {
		if err := b.WriteByteToReg(addr, reg+byte(i), v); err != nil {
			return err
		}
	}
	return nil
}

func (b *fakeBus) WriteWordToReg(addr, reg byte, value uint16) error {
	return b.WriteToReg(addr, reg, []byte{byte(value >> 8), byte(value)})
}

func (b *fakeBus) ReadByte(addr byte) (byte, error)              { return 0, b.check(addr) }
func (b *fakeBus) ReadBytes(addr byte, num int) ([]byte, error) { return make([]byte, num), b.check(addr) }
func (b *fakeBus) WriteByte(addr, value byte) error             { return b.check(addr) }
func (b *fakeBus) WriteBytes(addr byte, value []byte) error     { return b.check(addr) }
func (b *fakeBus) Close() error                                 { return nil }

func (b *fakeBus) put16(bank, reg byte, v int16, littleEndian bool) {
	hi, lo := byte(uint16(v)>>8), byte(uint16(v))
	if littleEndian {
		hi, lo = lo, hi
	}
	b.regs[key(bank, reg)] = hi
	b.regs[key(bank, reg+1)] = lo
}

func defaultOptions() Options {
	return Options{SensitivityGyro: 2000, SensitivityAccel: 16, SampleRate: 500, EnableMag: true}
}

func TestNewConfiguresChip(t *testing.T) {
	bus := newFakeBus()
	mpu, err := New(bus, defaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tests := []struct {
		name      string
		bank, reg byte
		want      byte
	}{
		{"PWR_MGMT_1", 0, ICMREG_PWR_MGMT_1, BIT_CLKSEL_AUTO},
		{"PWR_MGMT_2", 0, ICMREG_PWR_MGMT_2, 0x00},
		{"USER_CTRL", 0, ICMREG_USER_CTRL, BIT_I2C_MST_EN},
		{"GYRO_CONFIG", 2, ICMREG_GYRO_CONFIG, BITS_FS_2000DPS | BITS_DLPF_GYRO_CFG_197HZ | BIT_FCHOICE},
		{"ACCEL_CONFIG", 2, ICMREG_ACCEL_CONFIG, BITS_FS_16G | BITS_DLPF_ACCEL_CFG_246HZ | BIT_FCHOICE},
		{"GYRO_SMPLRT_DIV", 2, ICMREG_GYRO_SMPLRT_DIV, 1},
		{"ACCEL_SMPLRT_DIV_2", 2, ICMREG_ACCEL_SMPLRT_DIV_2, 1},
		{"I2C_MST_CTRL", 3, ICMREG_I2C_MST_CTRL, I2C_MST_CLK_400KHZ | BIT_I2C_MST_P_NSR},
		{"I2C_SLV0_ADDR", 3, ICMREG_I2C_SLV0_ADDR, BIT_I2C_READ | AK09916_I2C_ADDR},
		{"I2C_SLV0_REG", 3, ICMREG_I2C_SLV0_REG, AK09916_ST1},
		{"I2C_SLV0_CTRL", 3, ICMREG_I2C_SLV0_CTRL, BIT_SLAVE_EN | AK09916_BLOCK_LEN},
	}
	for _, tt := range tests {
		if got := bus.regs[key(tt.bank, tt.reg)]; got != tt.want {
			t.Errorf("%s = 0x%02X, want 0x%02X", tt.name, got, tt.want)
		}
	}
	if got := bus.ak[AK09916_CNTL2]; got != AK09916_MODE_CONT4 {
		t.Errorf("AK09916 CNTL2 = 0x%02X, want 0x%02X", got, AK09916_MODE_CONT4)
	}
	if mpu.SampleRate() != 500 || !mpu.MagEnabled() {
		t.Errorf("unexpected rate %d / mag %v", mpu.SampleRate(), mpu.MagEnabled())
	}
}

func TestNewRejectsWrongChip(t *testing.T) {
	bus := newFakeBus()
	bus.regs[key(0, ICMREG_WHO_AM_I)] = 0x71 // An MPU9250
	if _, err := New(bus, defaultOptions()); err == nil {
		t.Error("expected an error for a wrong WHO_AM_I")
	}

	if _, err := New(newFakeBus(), Options{Address: MPU_ADDRESS_ALT, SensitivityGyro: 2000, SensitivityAccel: 16, SampleRate: 500}); !errors.Is(err, errNoDevice) {
		t.Errorf("expected the bus error to be wrapped, got %v", err)
	}
}

func TestNewMagnetometerMissing(t *testing.T) {
	bus := newFakeBus()
	bus.nack = true
	if _, err := New(bus, defaultOptions()); err == nil {
		t.Error("expected an error when the AK09916 NACKs")
	}

	opts := defaultOptions()
	opts.EnableMag = false
	if _, err := New(bus, opts); err != nil {
		t.Errorf("mag disabled should not touch the AK09916: %v", err)
	}
}

func TestNewRejectsBadSettings(t *testing.T) {
	for _, opts := range []Options{
		{SensitivityGyro: 300, SensitivityAccel: 16, SampleRate: 500},
		{SensitivityGyro: 2000, SensitivityAccel: 3, SampleRate: 500},
		{SensitivityGyro: 2000, SensitivityAccel: 16, SampleRate: 0},
		{SensitivityGyro: 2000, SensitivityAccel: 16, SampleRate: 2000},
	} {
		if _, err := New(newFakeBus(), opts); err == nil {
			t.Errorf("expected error for %+v", opts)
		}
	}
}

func TestReadScaling(t *testing.T) {
	bus := newFakeBus()
	mpu, err := New(bus, defaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	bus.put16(0, ICMREG_ACCEL_XOUT_H+4, 2048, false)
	bus.put16(0, ICMREG_GYRO_XOUT_H, -16384, false)
	bus.put16(0, ICMREG_TEMP_OUT_H, 0, false)
	bus.regs[key(0, ICMREG_EXT_SENS_DATA_00)] = AK09916_ST1_DRDY
	bus.put16(0, ICMREG_EXT_SENS_DATA_00+1, 100, true)
	bus.put16(0, ICMREG_EXT_SENS_DATA_00+3, -200, true)
	bus.put16(0, ICMREG_EXT_SENS_DATA_00+5, 300, true)

	d, err := mpu.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	checks := []struct {
		name      string
		got, want float64
	}{
		{"A3", d.A3, 2048 * 16.0 / math.MaxInt16},
		{"A1", d.A1, 0},
		{"G1", d.G1, -16384 * 2000.0 / math.MaxInt16},
		{"Temp", d.Temp, tempOffset},
		{"M1", d.M1, 100 * scaleMagAK09916},
		{"M2", d.M2, 200 * scaleMagAK09916},
		{"M3", d.M3, -300 * scaleMagAK09916},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > Tolerance {
			t.Errorf("%s = %f, want %f", c.name, c.got, c.want)
		}
	}
	if !d.MagValid {
		t.Error("expected a valid magnetometer reading")
	}

	bus.regs[key(0, ICMREG_EXT_SENS_DATA_00)] = 0
	if d, _ = mpu.Read(); d.MagValid {
		t.Error("ST1 without DRDY must not give a valid reading")
	}

	bus.regs[key(0, ICMREG_EXT_SENS_DATA_00)] = AK09916_ST1_DRDY
	bus.regs[key(0, ICMREG_EXT_SENS_DATA_00+8)] = AK09916_ST2_HOFL
	if d, _ = mpu.Read(); d.MagValid {
		t.Error("overflowed magnetometer data must not be valid")
	}
}

func TestMagNotReadyIsQuiet(t *testing.T) {
	bus := newFakeBus()
	mpu, err := New(bus, defaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	bus.regs[key(0, ICMREG_EXT_SENS_DATA_00)] = 0

	lines := glog.Stats.Info.Lines()
	for i := 0; i < 1000; i++ {
		if d, err := mpu.Read(); err != nil || d.MagValid {
			t.Fatalf("read %d: %+v, %v", i, d, err)
		}
	}
	if n := glog.Stats.Info.Lines() - lines; n != 0 {
		t.Errorf("%d log lines for routine not-ready reads", n)
	}
	if notReady, overflow := mpu.MagStats(); notReady != 1000 || overflow != 0 {
		t.Errorf("stats %d, %d", notReady, overflow)
	}
}

func TestBankSwitchCached(t *testing.T) {
	bus := newFakeBus()
	opts := defaultOptions()
	opts.EnableMag = false
	mpu, err := New(bus, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	before := bus.reads
	for i := 0; i < 10; i++ {
		if _, err := mpu.Read(); err != nil {
			t.Fatal(err)
		}
	}
	if got := bus.reads - before; got != 10 {
		t.Errorf("expected one burst per Read without mag, got %d", got)
	}
}

func TestClose(t *testing.T) {
	bus := newFakeBus()
	mpu, err := New(bus, defaultOptions())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := mpu.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := bus.regs[key(0, ICMREG_PWR_MGMT_1)]; got&BIT_SLEEP == 0 {
		t.Errorf("PWR_MGMT_1 = 0x%02X, expected sleep bit", got)
	}
	if bus.ak[AK09916_CNTL2] != 0 {
		t.Error("expected the AK09916 to be powered down")
	}
}
