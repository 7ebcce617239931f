package mixer

import (
	"math"
	"math/rand"
	"testing"
)

var channels = [NumMotors]int{0, 1, 2, 3}

func ranges() [NumMotors]PulseRange {
	r := DefaultPulseRange()
	return [NumMotors]PulseRange{r, r, r, r}
}

func TestMix(t *testing.T) {
	tests := []struct {
		t, r, p, y float64
		want       Motors
	}{
		{50, 0, 0, 0, Motors{50, 50, 50, 50}},
		{60, -100, 100, 0, Motors{0, 60, 60, 100}},
		{50, 10, 0, 0, Motors{60, 40, 60, 40}},
		{50, 0, 10, 0, Motors{40, 40, 60, 60}},
		{50, 0, 0, 10, Motors{40, 60, 60, 40}},
		{0, 0, 0, 0, Motors{}},
		{100, 0, 0, 0, Motors{100, 100, 100, 100}},
	}
	for _, tt := range tests {
		if got := Mix(tt.t, tt.r, tt.p, tt.y); got != tt.want {
			t.Errorf("Mix(%v, %v, %v, %v) = %v, want %v", tt.t, tt.r, tt.p, tt.y, got, tt.want)
		}
	}
}

func TestMixStaysInRange(t *testing.T) {
	rnd := rand.New(rand.NewSource(5))
	for i := 0; i < 100000; i++ {
		m := Mix(rnd.Float64()*100, rnd.NormFloat64()*200, rnd.NormFloat64()*200, rnd.NormFloat64()*200)
		for j, v := range m {
			if !(v >= 0 && v <= 100) {
				t.Fatalf("%s = %v", MotorName(j), v)
			}
		}
	}
	for _, v := range Mix(math.NaN(), 0, 0, 0) {
		if v != 0 {
			t.Errorf("NaN throttle gave %v", v)
		}
	}
}

func TestPulseConversions(t *testing.T) {
	r := DefaultPulseRange()
	for _, tt := range []struct {
		pct  float64
		want int
	}{{0, 1000}, {50, 1350}, {100, 1700}, {-5, 1000}, {140, 1700}} {
		if got := r.Pulse(tt.pct); got != tt.want {
			t.Errorf("Pulse(%v) = %d, want %d", tt.pct, got, tt.want)
		}
	}

	if got := Ticks(1000, 50); got != 204 {
		t.Errorf("Ticks(1000, 50) = %d", got)
	}
	if got := Ticks(30000, 50); got != 4095 {
		t.Errorf("Ticks saturates at %d", got)
	}

	for _, bad := range []PulseRange{{1700, 1000}, {100, 1500}, {1000, 3000}} {
		if bad.Validate() == nil {
			t.Errorf("range %v accepted", bad)
		}
	}
}

func TestESCStartsStopped(t *testing.T) {
	w := NewMemoryWriter()
	if _, err := NewESC(w, channels, ranges()); err != nil {
		t.Fatal(err)
	}
	for _, ch := range channels {
		if p := w.Pulse(ch); p != StopPulse {
			t.Errorf("channel %d idles at %d µs", ch, p)
		}
	}

	bad := ranges()
	bad[RL] = PulseRange{2000, 1000}
	if _, err := NewESC(w, channels, bad); err == nil {
		t.Error("bad range accepted")
	}
}

func TestESCFaultIsolation(t *testing.T) {
	w := NewMemoryWriter()
	e, err := NewESC(w, channels, ranges())
	if err != nil {
		t.Fatal(err)
	}
	w.SetFail(channels[FR], true)

	err = e.SetAll(Motors{10, 20, 30, 40})
	if err == nil {
		t.Fatal("failing motor not reported")
	}
	if got := w.Pulse(channels[RR]); got != 1280 {
		t.Errorf("RR pulse %d, want 1280", got)
	}
	if got := w.Pulse(channels[FL]); got != 1070 {
		t.Errorf("FL pulse %d, want 1070", got)
	}

	if err := e.StopAll(); err == nil {
		t.Error("stop with a failing motor reported success")
	}
	for _, i := range []int{FL, RL, RR} {
		if p := w.Pulse(channels[i]); p != StopPulse {
			t.Errorf("%s not stopped: %d µs", MotorName(i), p)
		}
	}
	if e.Values() != (Motors{}) {
		t.Errorf("values after stop %v", e.Values())
	}
	if f := e.Failures(); f[FR] != 2 || f[FL] != 0 {
		t.Errorf("failures %v", f)
	}

	if err := e.Set(7, 10); err == nil {
		t.Error("motor 7 accepted")
	}
}

func TestESCPulseRange(t *testing.T) {
	w := NewMemoryWriter()
	e, _ := NewESC(w, channels, ranges())
	if err := e.SetPulseRange(RR, PulseRange{1100, 1900}); err != nil {
		t.Fatal(err)
	}
	e.Set(RR, 50)
	if got := w.Pulse(channels[RR]); got != 1500 {
		t.Errorf("pulse %d, want 1500", got)
	}
	e.StopAll()
	if got := w.Pulse(channels[RR]); got != StopPulse {
		t.Errorf("stop pulse %d ignores range, want %d", got, StopPulse)
	}
}

func TestArmLatch(t *testing.T) {
	tests := []struct {
		name    string
		inputs  []bool
		armed   []bool
		changed []bool
	}{
		{
			name:    "armed at boot",
			inputs:  []bool{true, true, true},
			armed:   []bool{false, false, false},
			changed: []bool{false, false, false},
		},
		{
			name:    "cycle",
			inputs:  []bool{false, true, true, false, true},
			armed:   []bool{false, true, true, false, true},
			changed: []bool{false, true, false, true, true},
		},
		{
			name:    "boot armed then cycle",
			inputs:  []bool{true, false, true},
			armed:   []bool{false, false, true},
			changed: []bool{false, false, true},
		},
	}
	for _, tt := range tests {
		var l ArmLatch
		for i, in := range tt.inputs {
			armed, changed := l.Observe(in)
			if armed != tt.armed[i] || changed != tt.changed[i] {
				t.Errorf("%s step %d: armed=%v changed=%v, want %v %v",
					tt.name, i, armed, changed, tt.armed[i], tt.changed[i])
			}
		}
	}
}

func TestForceDisarmNeedsSwitchCycle(t *testing.T) {
	var l ArmLatch
	l.Observe(false)
	l.Observe(true)
	if !l.ForceDisarm() {
		t.Error("force disarm did not report a change")
	}
	if armed, _ := l.Observe(true); armed {
		t.Error("re-armed without cycling the switch")
	}
	l.Observe(false)
	if armed, _ := l.Observe(true); !armed {
		t.Error("did not arm after cycling the switch")
	}
	l.ForceDisarm()
	if l.ForceDisarm() {
		t.Error("second force disarm reported a change")
	}
}
