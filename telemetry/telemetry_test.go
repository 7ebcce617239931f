package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stratux/quadfc/calibration"
	"github.com/stratux/quadfc/control"
	"github.com/stratux/quadfc/mixer"
	"github.com/stratux/quadfc/pid"
	"github.com/stratux/quadfc/power"
	"github.com/stratux/quadfc/statusled"
)

type fakeController struct {
	mu   sync.Mutex
	snap *control.Snapshot
	cmds []control.Command
	err  error
}

func (f *fakeController) Snapshot() *control.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Submit(c control.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.cmds = append(f.cmds, c)
	return nil
}

func (f *fakeController) last() control.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.cmds) == 0 {
		return nil
	}
	return f.cmds[len(f.cmds)-1]
}

func testSnapshot() *control.Snapshot {
	g := pid.DefaultGains()
	return &control.Snapshot{
		Seq:   7,
		Roll:  1.5,
		Armed: false,
		Filtered: control.SensorValues{
			Gyro:  calibration.Vector{0.1, 0.2, 0.3},
			Accel: calibration.Vector{0, 0, 1},
			Temp:  31,
		},
		Power:    power.Reading{Volts: 11.9, Amps: 3.5},
		Gains:    [3]pid.Gains{g, g, g},
		Limits:   pid.DefaultLimits(),
		Receiver: "fresh",
	}
}

func newTestServer(t *testing.T) (*fakeController, *Server, *httptest.Server) {
	t.Helper()
	ctl := &fakeController{snap: testSnapshot()}
	room := NewRoom()
	ctx, cancel := context.WithCancel(context.Background())
	go room.Run(ctx)
	s := NewServer(ctl, room, nil)
	ts := httptest.NewServer(s)
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ctl, s, ts
}

func do(t *testing.T, ts *httptest.Server, method, path string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var b bytes.Buffer
	b.ReadFrom(resp.Body)
	return resp.StatusCode, b.String()
}

func TestReadRoutes(t *testing.T) {
	_, _, ts := newTestServer(t)

	code, body := do(t, ts, http.MethodGet, "/snapshot")
	var snap control.Snapshot
	if code != http.StatusOK || json.Unmarshal([]byte(body), &snap) != nil || snap.Seq != 7 || snap.Roll != 1.5 {
		t.Errorf("/snapshot: %d %s", code, body)
	}

	code, body = do(t, ts, http.MethodGet, "/sensor")
	var sensor map[string]float64
	if code != http.StatusOK || json.Unmarshal([]byte(body), &sensor) != nil {
		t.Fatalf("/sensor: %d %s", code, body)
	}
	if sensor["az"] != 1 || sensor["gz"] != 0.3 || sensor["temp"] != 31 {
		t.Errorf("/sensor: %v", sensor)
	}

	code, body = do(t, ts, http.MethodGet, "/battery")
	var battery map[string]float64
	if code != http.StatusOK || json.Unmarshal([]byte(body), &battery) != nil {
		t.Fatalf("/battery: %d %s", code, body)
	}
	if battery["voltage"] != 11.9 || battery["current"] != 3.5 {
		t.Errorf("/battery: %v", battery)
	}

	if code, _ := do(t, ts, http.MethodPost, "/snapshot"); code != http.StatusMethodNotAllowed {
		t.Errorf("POST /snapshot: %d", code)
	}
}

func TestCommandRoutes(t *testing.T) {
	ctl, _, ts := newTestServer(t)
	tests := []struct {
		path string
		want control.Command
	}{
		{"/stop", control.StopAll{}},
		{"/set?fl=10&rr=40", control.MotorTest{Percent: mixer.Motors{10, 0, 0, 40}}},
		{"/limits?max_angle=20", control.SetLimits{MaxAngle: 20}},
		{"/pulse?motor=rr&min=1100&max=1900", control.SetPulseRange{Motor: mixer.RR, Range: mixer.PulseRange{Min: 1100, Max: 1900}}},
		{"/calibrate?sensor=gyro&action=start", control.StartCalibration{Sensor: calibration.KindGyro}},
		{"/calibrate?sensor=accel&pose=-z", control.StartCalibration{Sensor: calibration.KindAccel, Pose: calibration.PoseZDown}},
		{"/calibrate?sensor=mag&action=finish", control.FinishCalibration{Sensor: calibration.KindMag}},
		{"/reset?target=estimator", control.ResetEstimator{}},
		{"/reset?target=pid", control.ResetPID{}},
		{"/arm?state=off", control.ArmOverride{Arm: false}},
		{"/arm?state=on", control.ArmOverride{Arm: true}},
		{"/stream?state=on", control.SetStreaming{On: true}},
	}
	for _, test := range tests {
		code, body := do(t, ts, http.MethodPost, test.path)
		if code != http.StatusAccepted {
			t.Errorf("%s: %d %s", test.path, code, body)
			continue
		}
		if got := ctl.last(); got != test.want {
			t.Errorf("%s: got %#v, want %#v", test.path, got, test.want)
		}
	}
}

func TestGainsRouteSendsOnlyNamedGains(t *testing.T) {
	ctl, _, ts := newTestServer(t)
	if code, body := do(t, ts, http.MethodPost, "/gains?axis=pitch&kp=2.5&kd=0.05"); code != http.StatusAccepted {
		t.Fatalf("%d %s", code, body)
	}
	c, ok := ctl.last().(control.SetGains)
	if !ok || c.Axis != pid.Pitch {
		t.Fatalf("got %#v", ctl.last())
	}
	unset := pid.Gains{Kp: -1, Ki: -1, Kd: -1, OutMin: -1, OutMax: -1}
	want := pid.Gains{Kp: 2.5, Ki: -1, Kd: 0.05, OutMin: -1, OutMax: -1}
	if got := c.Merge(unset); got != want {
		t.Errorf("merged %+v, want %+v", got, want)
	}
}

func TestBadRequests(t *testing.T) {
	ctl, _, ts := newTestServer(t)
	for _, path := range []string{
		"/set?fl=120",
		"/set?fr=fast",
		"/gains?axis=throttle&kp=1",
		"/gains?axis=roll&ki=-1",
		"/calibrate?sensor=baro",
		"/calibrate?sensor=accel&pose=sideways",
		"/calibrate?sensor=gyro&action=abort",
		"/reset?target=all",
		"/arm?state=maybe",
		"/limits?max_angle=x",
		"/pulse?motor=back&min=1000&max=2000",
		"/pulse?motor=fl&min=1000",
		"/pulse?motor=fl&min=2000&max=1000",
	} {
		if code, _ := do(t, ts, http.MethodPost, path); code != http.StatusBadRequest {
			t.Errorf("%s: %d", path, code)
		}
	}
	if c := ctl.last(); c != nil {
		t.Errorf("bad request submitted %#v", c)
	}
	if code, _ := do(t, ts, http.MethodGet, "/stop"); code != http.StatusMethodNotAllowed {
		t.Errorf("GET /stop: %d", code)
	}
}

func TestQueueFullIsUnavailable(t *testing.T) {
	ctl, _, ts := newTestServer(t)
	ctl.mu.Lock()
	ctl.err = control.ErrQueueFull
	ctl.mu.Unlock()
	if code, _ := do(t, ts, http.MethodPost, "/stop"); code != http.StatusServiceUnavailable {
		t.Errorf("got %d", code)
	}
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRoomBroadcast(t *testing.T) {
	_, s, ts := newTestServer(t)
	a, b := dial(t, ts), dial(t, ts)
	waitFor(t, func() bool { return s.room.Len() == 2 })

	_, body := do(t, ts, http.MethodGet, "/clients")
	var clients []Client
	if err := json.Unmarshal([]byte(body), &clients); err != nil || len(clients) != 2 || clients[0].ID == clients[1].ID {
		t.Fatalf("/clients: %s", body)
	}

	s.room.Broadcast([]byte(`{"type":"ping"}`))
	for _, c := range []*websocket.Conn{a, b} {
		c.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, msg, err := c.ReadMessage()
		if err != nil || string(msg) != `{"type":"ping"}` {
			t.Errorf("got %q, %v", msg, err)
		}
	}

	a.Close()
	waitFor(t, func() bool { return s.room.Len() == 1 })
}

type fakePin struct {
	mu sync.Mutex
	on bool
}

func (p *fakePin) High()   { p.mu.Lock(); p.on = true; p.mu.Unlock() }
func (p *fakePin) Low()    { p.mu.Lock(); p.on = false; p.mu.Unlock() }
func (p *fakePin) Toggle() { p.mu.Lock(); p.on = !p.on; p.mu.Unlock() }

func TestRunService(t *testing.T) {
	ctl := &fakeController{snap: testSnapshot()}
	ctl.snap.Streaming = true
	ctl.snap.Armed = true
	room := NewRoom()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go room.Run(ctx)
	led := statusled.New(&fakePin{})
	s := NewServer(ctl, room, led)
	s.ProfilePath = filepath.Join(t.TempDir(), "cal.json")
	ts := httptest.NewServer(s)
	defer ts.Close()
	c := dial(t, ts)
	waitFor(t, func() bool { return room.Len() == 1 })

	events := make(chan control.Event, 1)
	p := calibration.Profile{GyroBias: calibration.Vector{1, 2, 3}, GyroCalibrated: true}
	events <- control.Event{Kind: control.EventCalibrated, Sensor: calibration.KindGyro, Profile: &p}

	var stream syncBuffer
	done := make(chan error, 1)
	go func() { done <- s.RunService(ctx, events, 10*time.Millisecond, &stream) }()

	seen := map[string]bool{}
	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	for !seen["event"] || !seen["snapshot"] {
		_, msg, err := c.ReadMessage()
		if err != nil {
			t.Fatal(err)
		}
		var m Message
		if err := json.Unmarshal(msg, &m); err != nil {
			t.Fatal(err)
		}
		seen[m.Type] = true
	}
	waitFor(t, func() bool { return strings.Contains(stream.String(), ",true\n") })
	if led.Pattern() != statusled.Solid {
		t.Errorf("led %s", led.Pattern())
	}

	cancel()
	if err := <-done; err != context.Canceled {
		t.Errorf("got %v", err)
	}
	saved, err := calibration.LoadProfile(s.ProfilePath)
	if err != nil {
		t.Fatal(err)
	}
	if saved.GyroBias != p.GyroBias || !saved.GyroCalibrated {
		t.Errorf("saved %+v", saved)
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.b.String()
}
