package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/golang/glog"
	"github.com/stratux/quadfc/control"
	"github.com/stratux/quadfc/receiver"
	"github.com/stratux/quadfc/statusled"
)

// DefaultInterval is the telemetry broadcast period.
const DefaultInterval = 50 * time.Millisecond

// Message is what websocket clients receive: either a snapshot or an event.
type Message struct {
	Type     string            `json:"type"`
	Snapshot *control.Snapshot `json:"snapshot,omitempty"`
	Event    *control.Event    `json:"event,omitempty"`
}

// RunService is the service cycle. Every interval it broadcasts the latest
// snapshot to websocket clients, writes an operator line to stream while
// streaming is on and updates the status LED. Loop events are logged,
// forwarded to clients and finished calibrations saved to ProfilePath. It
// returns when ctx is done.
func (s *Server) RunService(ctx context.Context, events <-chan control.Event, interval time.Duration, stream io.Writer) error {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastSeq uint64
	for {
		select {
		case <-ctx.Done():
			if s.led != nil {
				s.led.Off()
			}
			return ctx.Err()
		case e := <-events:
			s.handleEvent(&e)
		case now := <-ticker.C:
			snap := s.ctl.Snapshot()
			if s.led != nil {
				lost := snap.Receiver == receiver.Lost.String()
				s.led.Update(statusled.Select(snap.Armed, snap.Calibrating != "", lost), now)
			}
			if snap.Seq == lastSeq && snap.Seq != 0 {
				continue
			}
			lastSeq = snap.Seq
			if s.room.Len() > 0 {
				s.broadcast(&Message{Type: "snapshot", Snapshot: snap})
			}
			if snap.Streaming && stream != nil {
				writeOperatorLine(stream, snap)
			}
		}
	}
}

func (s *Server) broadcast(m *Message) {
	msg, err := json.Marshal(m)
	if err != nil {
		glog.Warningf("Telemetry: marshalling %s: %v", m.Type, err)
		return
	}
	s.room.Broadcast(msg)
}

func (s *Server) handleEvent(e *control.Event) {
	switch e.Kind {
	case control.EventRejected, control.EventArmRefused, control.EventCalibrationFailed:
		glog.Warningf("Telemetry: %s %s %s %s", e.Kind, e.Command, e.Sensor, e.Reason)
	default:
		glog.Infof("Telemetry: %s %s %s", e.Kind, e.Sensor, e.Reason)
	}
	if e.Kind == control.EventCalibrated && e.Profile != nil && s.ProfilePath != "" {
		if err := e.Profile.Save(s.ProfilePath); err != nil {
			glog.Errorf("Calibration: saving profile: %v", err)
		} else {
			glog.Infof("Calibration: profile saved to %s", s.ProfilePath)
		}
	}
	if s.room.Len() > 0 {
		s.broadcast(&Message{Type: "event", Event: e})
	}
}

// writeOperatorLine writes attitude, throttle, PID outputs and motors as one
// comma-separated line.
func writeOperatorLine(w io.Writer, s *control.Snapshot) {
	_, err := fmt.Fprintf(w, "%.2f,%.2f,%.2f,%.1f,%.2f,%.2f,%.2f,%.1f,%.1f,%.1f,%.1f,%t\n",
		s.Roll, s.Pitch, s.Yaw, s.Throttle,
		s.Output.Roll, s.Output.Pitch, s.Output.Yaw,
		s.Motors[0], s.Motors[1], s.Motors[2], s.Motors[3], s.Armed)
	if err != nil && glog.V(1) {
		glog.Warningf("Telemetry: operator stream: %v", err)
	}
}
