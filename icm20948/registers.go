package icm20948

// Register map from the ICM-20948 datasheet (DS-000189 rev 1.3) and the
// AK09916 datasheet. Registers are grouped by user bank.

const (
	MPU_ADDRESS     = 0x68
	MPU_ADDRESS_ALT = 0x69
	ICM_WHOAMI      = 0xEA

	ICMREG_BANK_SEL = 0x7F // Present in every bank
)

// User bank 0
const (
	ICMREG_WHO_AM_I         = 0x00
	ICMREG_USER_CTRL        = 0x03
	ICMREG_LP_CONFIG        = 0x05
	ICMREG_PWR_MGMT_1       = 0x06
	ICMREG_PWR_MGMT_2       = 0x07
	ICMREG_INT_PIN_CFG      = 0x0F
	ICMREG_I2C_MST_STATUS   = 0x17
	ICMREG_ACCEL_XOUT_H     = 0x2D
	ICMREG_GYRO_XOUT_H      = 0x33
	ICMREG_TEMP_OUT_H       = 0x39
	ICMREG_EXT_SENS_DATA_00 = 0x3B
)

// User bank 2
const (
	ICMREG_GYRO_SMPLRT_DIV    = 0x00
	ICMREG_GYRO_CONFIG        = 0x01
	ICMREG_ACCEL_SMPLRT_DIV_1 = 0x10
	ICMREG_ACCEL_SMPLRT_DIV_2 = 0x11
	ICMREG_ACCEL_CONFIG       = 0x14
)

// User bank 3
const (
	ICMREG_I2C_MST_ODR_CONFIG = 0x00
	ICMREG_I2C_MST_CTRL       = 0x01
	ICMREG_I2C_SLV0_ADDR      = 0x03
	ICMREG_I2C_SLV0_REG       = 0x04
	ICMREG_I2C_SLV0_CTRL      = 0x05
	ICMREG_I2C_SLV0_DO        = 0x06
	ICMREG_I2C_SLV4_ADDR      = 0x13
	ICMREG_I2C_SLV4_REG       = 0x14
	ICMREG_I2C_SLV4_CTRL      = 0x15
	ICMREG_I2C_SLV4_DO        = 0x16
	ICMREG_I2C_SLV4_DI        = 0x17
)

// Register bits
const (
	BIT_H_RESET       = 0x80
	BIT_CLKSEL_AUTO   = 0x01
	BIT_I2C_MST_EN    = 0x20
	BIT_I2C_MST_CYCLE = 0x40
	BIT_I2C_MST_P_NSR = 0x10
	BIT_I2C_READ      = 0x80
	BIT_SLAVE_EN      = 0x80
	BIT_SLV4_DONE     = 0x40
	BIT_SLV4_NACK     = 0x10
	BIT_FCHOICE       = 0x01
	BIT_SLEEP         = 0x40

	I2C_MST_CLK_400KHZ = 0x07
	I2C_MST_ODR_200HZ  = 0x04

	BITS_FS_250DPS  = 0x00
	BITS_FS_500DPS  = 0x02
	BITS_FS_1000DPS = 0x04
	BITS_FS_2000DPS = 0x06
	BITS_FS_MASK    = 0x06

	BITS_FS_2G  = 0x00
	BITS_FS_4G  = 0x02
	BITS_FS_8G  = 0x04
	BITS_FS_16G = 0x06

	BITS_DLPF_MASK = 0x38

	BITS_DLPF_GYRO_CFG_197HZ = 0x00
	BITS_DLPF_GYRO_CFG_152HZ = 0x08
	BITS_DLPF_GYRO_CFG_120HZ = 0x10
	BITS_DLPF_GYRO_CFG_51HZ  = 0x18
	BITS_DLPF_GYRO_CFG_24HZ  = 0x20
	BITS_DLPF_GYRO_CFG_12HZ  = 0x28
	BITS_DLPF_GYRO_CFG_6HZ   = 0x30

	BITS_DLPF_ACCEL_CFG_246HZ = 0x08
	BITS_DLPF_ACCEL_CFG_111HZ = 0x10
	BITS_DLPF_ACCEL_CFG_50HZ  = 0x18
	BITS_DLPF_ACCEL_CFG_24HZ  = 0x20
	BITS_DLPF_ACCEL_CFG_12HZ  = 0x28
	BITS_DLPF_ACCEL_CFG_5HZ   = 0x30
)

// AK09916 magnetometer, reached through the ICM20948 auxiliary I2C master
const (
	AK09916_I2C_ADDR = 0x0C
	AK09916_WIA1     = 0x00
	AK09916_WIA2     = 0x01
	AK09916_ST1      = 0x10
	AK09916_HXL      = 0x11
	AK09916_ST2      = 0x18
	AK09916_CNTL2    = 0x31
	AK09916_CNTL3    = 0x32

	AK09916_WIA1_VALUE = 0x48
	AK09916_WIA2_VALUE = 0x09

	AK09916_ST1_DRDY = 0x01
	AK09916_ST2_HOFL = 0x08
	AK09916_SRST     = 0x01

	AK09916_MODE_CONT1 = 0x02 // 10 Hz
	AK09916_MODE_CONT2 = 0x04 // 20 Hz
	AK09916_MODE_CONT3 = 0x06 // 50 Hz
	AK09916_MODE_CONT4 = 0x08 // 100 Hz

	// ST1, HXL..HZH, TMPS, ST2
	AK09916_BLOCK_LEN = 9
)
