// Package telemetry is the service side of the flight controller: an HTTP and
// websocket interface that reads published snapshots and queues commands for
// the control loop.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/golang/glog"
	"github.com/stratux/quadfc/calibration"
	"github.com/stratux/quadfc/control"
	"github.com/stratux/quadfc/mixer"
	"github.com/stratux/quadfc/pid"
	"github.com/stratux/quadfc/statusled"
)

// Controller is the part of the control loop the service side may use.
type Controller interface {
	Snapshot() *control.Snapshot
	Submit(control.Command) error
}

// Server answers HTTP requests about, and for, the control loop.
type Server struct {
	ctl  Controller
	room *Room
	led  *statusled.LED
	mux  *http.ServeMux

	// ProfilePath is where finished calibrations are saved. Empty disables saving.
	ProfilePath string
}

// NewServer builds a Server. led may be nil.
func NewServer(ctl Controller, room *Room, led *statusled.LED) *Server {
	s := &Server{ctl: ctl, room: room, led: led, mux: http.NewServeMux()}
	s.mux.HandleFunc("/snapshot", get(s.handleSnapshot))
	s.mux.HandleFunc("/sensor", get(s.handleSensor))
	s.mux.HandleFunc("/battery", get(s.handleBattery))
	s.mux.HandleFunc("/clients", get(s.handleClients))
	s.mux.HandleFunc("/stop", post(s.handleStop))
	s.mux.HandleFunc("/set", post(s.handleSet))
	s.mux.HandleFunc("/gains", post(s.handleGains))
	s.mux.HandleFunc("/limits", post(s.handleLimits))
	s.mux.HandleFunc("/pulse", post(s.handlePulse))
	s.mux.HandleFunc("/calibrate", post(s.handleCalibrate))
	s.mux.HandleFunc("/reset", post(s.handleReset))
	s.mux.HandleFunc("/arm", post(s.handleArm))
	s.mux.HandleFunc("/stream", post(s.handleStream))
	s.mux.Handle("/ws", room)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func method(m string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != m {
			w.Header().Set("Allow", m)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	}
}

func get(h http.HandlerFunc) http.HandlerFunc  { return method(http.MethodGet, h) }
func post(h http.HandlerFunc) http.HandlerFunc { return method(http.MethodPost, h) }

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		glog.Warningf("Telemetry: writing response: %v", err)
	}
}

// submit queues cmd and reports the outcome. The command's own result comes
// back later as a loop event.
func (s *Server) submit(w http.ResponseWriter, cmd control.Command) {
	if err := s.ctl.Submit(cmd); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, control.ErrQueueFull) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}
	if s.led != nil {
		s.led.Flash()
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprintln(w, "OK")
}

func badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

// floatArg parses q[name], returning def when it is absent.
func floatArg(q url.Values, name string, def float64) (float64, error) {
	v := q.Get(name)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("bad %s %q", name, v)
	}
	return f, nil
}

func onOff(q url.Values) (bool, error) {
	switch q.Get("state") {
	case "on", "1", "true":
		return true, nil
	case "off", "0", "false":
		return false, nil
	}
	return false, fmt.Errorf("bad state %q", q.Get("state"))
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.ctl.Snapshot())
}

type sensorResponse struct {
	AX   float64 `json:"ax"`
	AY   float64 `json:"ay"`
	AZ   float64 `json:"az"`
	GX   float64 `json:"gx"`
	GY   float64 `json:"gy"`
	GZ   float64 `json:"gz"`
	MX   float64 `json:"mx"`
	MY   float64 `json:"my"`
	MZ   float64 `json:"mz"`
	Temp float64 `json:"temp"`
}

func (s *Server) handleSensor(w http.ResponseWriter, r *http.Request) {
	f := s.ctl.Snapshot().Filtered
	writeJSON(w, sensorResponse{
		AX: f.Accel[0], AY: f.Accel[1], AZ: f.Accel[2],
		GX: f.Gyro[0], GY: f.Gyro[1], GZ: f.Gyro[2],
		MX: f.Mag[0], MY: f.Mag[1], MZ: f.Mag[2],
		Temp: f.Temp,
	})
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	p := s.ctl.Snapshot().Power
	writeJSON(w, map[string]float64{"voltage": p.Volts, "current": p.Amps})
}

func (s *Server) handleClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.room.Clients())
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	glog.Infoln("Telemetry: stop requested")
	s.submit(w, control.StopAll{})
}

var motorArgs = [mixer.NumMotors]string{"fl", "fr", "rl", "rr"}

// handleSet starts a motor test. Motors not named keep their current test
// value, or stay stopped.
func (s *Server) handleSet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var m mixer.Motors
	if snap := s.ctl.Snapshot(); snap.MotorTest {
		m = snap.Motors
	}
	for i, name := range motorArgs {
		v, err := floatArg(q, name, m[i])
		if err != nil {
			badRequest(w, err)
			return
		}
		if v < 0 || v > 100 {
			badRequest(w, fmt.Errorf("%s %v out of range 0-100", name, v))
			return
		}
		m[i] = v
	}
	s.submit(w, control.MotorTest{Percent: m})
}

// handleGains changes only the gains named in the request; the loop merges
// them with the axis' current values.
func (s *Server) handleGains(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ax, err := pid.ParseAxis(q.Get("axis"))
	if err != nil {
		badRequest(w, err)
		return
	}
	c := control.SetGains{Axis: ax}
	for _, a := range []struct {
		name string
		v    **float64
	}{{"kp", &c.Kp}, {"ki", &c.Ki}, {"kd", &c.Kd}, {"out_min", &c.OutMin}, {"out_max", &c.OutMax}} {
		if q.Get(a.name) == "" {
			continue
		}
		f, err := floatArg(q, a.name, 0)
		if err != nil {
			badRequest(w, err)
			return
		}
		*a.v = &f
	}
	for _, v := range []*float64{c.Kp, c.Ki, c.Kd} {
		if v != nil && *v < 0 {
			badRequest(w, errors.New("gains must not be negative"))
			return
		}
	}
	s.submit(w, c)
}

func (s *Server) handleLimits(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var c control.SetLimits
	var err error
	for _, a := range []struct {
		name string
		v    *float64
	}{{"max_angle", &c.MaxAngle}, {"max_yaw_rate", &c.MaxYawRate}, {"out_min", &c.OutMin}, {"out_max", &c.OutMax}} {
		if *a.v, err = floatArg(q, a.name, 0); err != nil {
			badRequest(w, err)
			return
		}
	}
	s.submit(w, c)
}

func (s *Server) handlePulse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	motor := -1
	for i, name := range motorArgs {
		if q.Get("motor") == name {
			motor = i
		}
	}
	if motor < 0 {
		badRequest(w, fmt.Errorf("bad motor %q", q.Get("motor")))
		return
	}
	var pr mixer.PulseRange
	for _, a := range []struct {
		name string
		v    *int
	}{{"min", &pr.Min}, {"max", &pr.Max}} {
		v, err := strconv.Atoi(q.Get(a.name))
		if err != nil {
			badRequest(w, fmt.Errorf("bad %s %q", a.name, q.Get(a.name)))
			return
		}
		*a.v = v
	}
	if err := pr.Validate(); err != nil {
		badRequest(w, err)
		return
	}
	s.submit(w, control.SetPulseRange{Motor: motor, Range: pr})
}

func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind, err := calibration.ParseKind(q.Get("sensor"))
	if err != nil {
		badRequest(w, err)
		return
	}
	switch q.Get("action") {
	case "start", "":
		pose := calibration.PoseFlat
		if p := q.Get("pose"); p != "" {
			if pose, err = calibration.ParsePose(p); err != nil {
				badRequest(w, err)
				return
			}
		}
		s.submit(w, control.StartCalibration{Sensor: kind, Pose: pose})
	case "finish":
		s.submit(w, control.FinishCalibration{Sensor: kind})
	default:
		badRequest(w, fmt.Errorf("bad action %q", q.Get("action")))
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	switch t := r.URL.Query().Get("target"); t {
	case "estimator":
		s.submit(w, control.ResetEstimator{})
	case "pid":
		s.submit(w, control.ResetPID{})
	default:
		badRequest(w, fmt.Errorf("bad target %q", t))
	}
}

func (s *Server) handleArm(w http.ResponseWriter, r *http.Request) {
	on, err := onOff(r.URL.Query())
	if err != nil {
		badRequest(w, err)
		return
	}
	s.submit(w, control.ArmOverride{Arm: on})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	on, err := onOff(r.URL.Query())
	if err != nil {
		badRequest(w, err)
		return
	}
	s.submit(w, control.SetStreaming{On: on})
}
