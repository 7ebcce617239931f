package mixer

import (
	"fmt"

	"github.com/kidoman/embd"
	"github.com/kidoman/embd/controller/pca9685"
)

const (
	PCA9685Address = 0x40
	pca9685Steps   = 4096
)

// PCA9685Writer generates ESC pulses on a PCA9685 16-channel PWM board.
type PCA9685Writer struct {
	dev  *pca9685.PCA9685
	freq int
}

// NewPCA9685Writer configures the board at addr for freq Hz frames.
func NewPCA9685Writer(bus embd.I2CBus, addr byte, freq int) (*PCA9685Writer, error) {
	if freq <= 0 || freq > 1526 {
		return nil, fmt.Errorf("PCA9685: bad frequency %d Hz", freq)
	}
	dev := pca9685.New(bus, addr)
	dev.Freq = freq
	return &PCA9685Writer{dev: dev, freq: freq}, nil
}

// Ticks converts a pulse width to 12-bit counts at freq Hz.
func Ticks(us, freq int) int {
	t := us * freq * pca9685Steps / 1000000
	if t >= pca9685Steps {
		t = pca9685Steps - 1
	}
	if t < 0 {
		t = 0
	}
	return t
}

func (w *PCA9685Writer) WritePulse(channel, us int) error {
	if err := w.dev.SetPwm(channel, 0, Ticks(us, w.freq)); err != nil {
		return fmt.Errorf("PCA9685: channel %d: %w", channel, err)
	}
	return nil
}

// Close puts the board to sleep, which stops every output. The bus stays open.
func (w *PCA9685Writer) Close() error {
	return w.dev.Sleep()
}
