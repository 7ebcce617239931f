package receiver

import (
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"
)

func TestEncodeDecode(t *testing.T) {
	ch := Channels(DefaultMap(), 1000, 1500, 1600, 1400, 2000)
	pkt := Encode(ch)
	if len(pkt) != FrameLen || pkt[0] != 0x20 || pkt[1] != 0x40 {
		t.Fatalf("packet % x", pkt)
	}
	// Throttle is channel 3: 1000 = 0x03E8, little endian
	if pkt[6] != 0xE8 || pkt[7] != 0x03 {
		t.Errorf("throttle bytes % x", pkt[6:8])
	}
	f, err := Decode(pkt)
	if err != nil {
		t.Fatal(err)
	}
	if f.Channels != ch {
		t.Errorf("channels %v, want %v", f.Channels, ch)
	}

	pkt[10]++
	if _, err := Decode(pkt); !errors.Is(err, ErrChecksum) {
		t.Errorf("corrupt packet: %v", err)
	}
	if _, err := Decode(pkt[:20]); !errors.Is(err, ErrFrameSize) {
		t.Errorf("short packet: %v", err)
	}
}

func TestDecoderResyncs(t *testing.T) {
	good := Encode(Channels(DefaultMap(), 1200, 1500, 1500, 1500, 1000))
	bad := Encode(Channels(DefaultMap(), 1300, 1500, 1500, 1500, 1000))
	bad[5] ^= 0xFF

	var stream []byte
	stream = append(stream, 0x00, 0x20, 0x13, 0x20) // noise and a false start
	stream = append(stream, good...)
	stream = append(stream, bad...)
	stream = append(stream, good...)

	var d Decoder
	now := time.Unix(5, 0)
	var frames []Frame
	for _, b := range stream {
		if f, ok := d.Feed(b, now); ok {
			frames = append(frames, f)
		}
	}
	if len(frames) != 2 || d.Frames != 2 || d.Errors != 1 {
		t.Fatalf("got %d frames, counters %d/%d", len(frames), d.Frames, d.Errors)
	}
	if frames[0].Channels[2] != 1200 || !frames[0].At.Equal(now) {
		t.Errorf("frame %+v", frames[0])
	}
}

func TestSticks(t *testing.T) {
	m := DefaultMap()
	tests := []struct {
		thr, roll, aux uint16
		throttle, r    float64
		arm            bool
	}{
		{1000, 1500, 1000, 0, 0, false},
		{1600, 1000, 1501, 60, -50, true},
		{2000, 2000, 1500, 100, 50, false},
		{900, 1250, 2000, 0, -25, true},
		{2100, 1750, 1900, 100, 25, true},
	}
	for _, tt := range tests {
		f := Frame{Channels: Channels(m, tt.thr, tt.roll, 1500, 1500, tt.aux)}
		s := m.Sticks(&f)
		if math.Abs(s.Throttle-tt.throttle) > 1e-9 || math.Abs(s.Roll-tt.r) > 1e-9 || s.Arm != tt.arm {
			t.Errorf("%+v -> %+v", tt, s)
		}
		if s.Pitch != 0 || s.Yaw != 0 {
			t.Errorf("centred sticks gave pitch %v yaw %v", s.Pitch, s.Yaw)
		}
	}

	if err := (Map{Roll: 14}).Validate(); err == nil {
		t.Error("channel 14 accepted")
	}
}

func TestFailsafe(t *testing.T) {
	fs := DefaultFailsafe()
	at := time.Unix(10, 0)
	tests := []struct {
		age  time.Duration
		want Status
	}{
		{0, Fresh},
		{100 * time.Millisecond, Fresh},
		{101 * time.Millisecond, Holding},
		{500 * time.Millisecond, Holding},
		{501 * time.Millisecond, Lost},
		{time.Hour, Lost},
	}
	for _, tt := range tests {
		if got := fs.Status(at, at.Add(tt.age)); got != tt.want {
			t.Errorf("age %v: %v, want %v", tt.age, got, tt.want)
		}
	}
	if got := fs.Status(time.Time{}, at); got != NoSignal {
		t.Errorf("no frame: %v", got)
	}
	if (Failsafe{Hold: time.Second, Timeout: time.Millisecond}).Validate() == nil {
		t.Error("timeout shorter than hold accepted")
	}
}

func TestSerialSource(t *testing.T) {
	r, w := io.Pipe()
	s := NewSerialSource(r)
	at := time.Unix(42, 0)
	s.now = func() time.Time { return at }

	if _, ok := s.Latest(); ok {
		t.Fatal("frame before any input")
	}

	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()

	ch := Channels(DefaultMap(), 1500, 1500, 1500, 1500, 2000)
	pkt := Encode(ch)
	// Split the packet across writes
	w.Write(pkt[:7])
	w.Write(pkt[7:])
	w.Close()

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
	f, ok := s.Latest()
	if !ok || f.Channels != ch || !f.At.Equal(at) {
		t.Errorf("latest %+v ok=%v", f, ok)
	}
	if frames, errs := s.Stats(); frames != 1 || errs != 0 {
		t.Errorf("stats %d/%d", frames, errs)
	}
}

func TestSerialSourceStopsOnCancel(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	s := NewSerialSource(r)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	cancel()
	s.Close() // Unblocks the pending read
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStaticSource(t *testing.T) {
	var s StaticSource
	if _, ok := s.Latest(); ok {
		t.Error("empty source reported a frame")
	}
	ch := Channels(DefaultMap(), 1100, 1500, 1500, 1500, 1000)
	s.Set(ch, time.Unix(1, 0))
	if f, ok := s.Latest(); !ok || f.Channels != ch {
		t.Errorf("latest %+v", f)
	}
}
