// Package receiver decodes pilot input from a FlySky iBus receiver and
// applies the signal-loss policy.
package receiver

import (
	"encoding/binary"
	"errors"
	"time"
)

const (
	Header1     = 0x20
	Header2     = 0x40
	NumChannels = 14
	FrameLen    = 2 + 2*NumChannels + 2
	BaudRate    = 115200
)

var (
	ErrChecksum  = errors.New("receiver: bad iBus checksum")
	ErrFrameSize = errors.New("receiver: bad iBus frame")
)

// Frame is one decoded set of channel values, in µs.
type Frame struct {
	Channels [NumChannels]uint16
	At       time.Time
}

func checksum(pkt []byte) uint16 {
	sum := uint16(0xFFFF)
	for _, b := range pkt[:FrameLen-2] {
		sum -= uint16(b)
	}
	return sum
}

// Decode parses a complete 32-byte iBus packet.
func Decode(pkt []byte) (Frame, error) {
	var f Frame
	if len(pkt) != FrameLen || pkt[0] != Header1 || pkt[1] != Header2 {
		return f, ErrFrameSize
	}
	if binary.LittleEndian.Uint16(pkt[FrameLen-2:]) != checksum(pkt) {
		return f, ErrChecksum
	}
	for i := range f.Channels {
		f.Channels[i] = binary.LittleEndian.Uint16(pkt[2+2*i:])
	}
	return f, nil
}

// Encode builds the packet a receiver would send for ch.
func Encode(ch [NumChannels]uint16) []byte {
	pkt := make([]byte, FrameLen)
	pkt[0], pkt[1] = Header1, Header2
	for i, v := range ch {
		binary.LittleEndian.PutUint16(pkt[2+2*i:], v)
	}
	binary.LittleEndian.PutUint16(pkt[FrameLen-2:], checksum(pkt))
	return pkt
}

type decodeState int

const (
	waitHeader1 decodeState = iota
	waitHeader2
	readBody
)

// Decoder reassembles iBus packets from a byte stream.
type Decoder struct {
	state decodeState
	buf   [FrameLen]byte
	n     int

	Frames, Errors uint64
}

// Feed consumes one byte. It returns a frame when b completes a valid packet.
func (d *Decoder) Feed(b byte, now time.Time) (Frame, bool) {
	switch d.state {
	case waitHeader1:
		if b == Header1 {
			d.buf[0] = b
			d.state = waitHeader2
		}
	case waitHeader2:
		switch b {
		case Header2:
			d.buf[1] = b
			d.n = 2
			d.state = readBody
		case Header1:
			// Stay put; this may be the real start
		default:
			d.state = waitHeader1
		}
	case readBody:
		d.buf[d.n] = b
		d.n++
		if d.n < FrameLen {
			break
		}
		d.state = waitHeader1
		f, err := Decode(d.buf[:])
		if err != nil {
			d.Errors++
			return Frame{}, false
		}
		d.Frames++
		f.At = now
		return f, true
	}
	return Frame{}, false
}
