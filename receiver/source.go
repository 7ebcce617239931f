package receiver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/golang/glog"
	"go.bug.st/serial"
)

// Source hands out the most recent frame without blocking. ok is false until
// the first frame arrives.
type Source interface {
	Latest() (f Frame, ok bool)
}

// SerialSource decodes iBus from a serial port in its own goroutine.
type SerialSource struct {
	port io.ReadCloser
	now  func() time.Time

	mu     sync.Mutex
	latest Frame
	have   bool
	dec    Decoder
}

// OpenSerial opens name at the iBus baud rate.
func OpenSerial(name string) (*SerialSource, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("receiver: open %s: %w", name, err)
	}
	// Bounded reads let Run notice cancellation.
	if err := port.SetReadTimeout(100 * time.Millisecond); err != nil {
		port.Close()
		return nil, fmt.Errorf("receiver: %s: %w", name, err)
	}
	glog.Infof("Receiver: iBus on %s at %d baud", name, BaudRate)
	return NewSerialSource(port), nil
}

// NewSerialSource reads iBus bytes from port.
func NewSerialSource(port io.ReadCloser) *SerialSource {
	return &SerialSource{port: port, now: time.Now}
}

// Run reads until ctx is done or the port fails.
func (s *SerialSource) Run(ctx context.Context) error {
	buf := make([]byte, 64)
	for ctx.Err() == nil {
		n, err := s.port.Read(buf)
		if n > 0 {
			s.feed(buf[:n])
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				return ctx.Err()
			}
			return fmt.Errorf("receiver: read: %w", err)
		}
	}
	return ctx.Err()
}

func (s *SerialSource) feed(b []byte) {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range b {
		if f, ok := s.dec.Feed(c, now); ok {
			s.latest, s.have = f, true
		}
	}
	if s.dec.Errors > 0 && s.dec.Errors%100 == 1 {
		glog.Warningf("Receiver: %d bad frames of %d", s.dec.Errors, s.dec.Frames+s.dec.Errors)
	}
}

func (s *SerialSource) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.have
}

// Stats returns the good and bad frame counts.
func (s *SerialSource) Stats() (frames, errs uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dec.Frames, s.dec.Errors
}

func (s *SerialSource) Close() error {
	return s.port.Close()
}

// StaticSource returns whatever frame was last stored. It stands in for a
// receiver in simulation and tests.
type StaticSource struct {
	mu   sync.Mutex
	f    Frame
	have bool
}

// Set stores channels stamped with at.
func (s *StaticSource) Set(ch [NumChannels]uint16, at time.Time) {
	s.mu.Lock()
	s.f, s.have = Frame{Channels: ch, At: at}, true
	s.mu.Unlock()
}

func (s *StaticSource) Latest() (Frame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f, s.have
}

// Channels builds a channel set from stick positions in µs, with the rest
// centred.
func Channels(m Map, throttle, roll, pitch, yaw, aux1 uint16) (ch [NumChannels]uint16) {
	for i := range ch {
		ch[i] = 1500
	}
	ch[m.Throttle], ch[m.Roll], ch[m.Pitch], ch[m.Yaw], ch[m.Aux1] = throttle, roll, pitch, yaw, aux1
	return
}
