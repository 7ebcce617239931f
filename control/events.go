package control

import (
	"time"

	"github.com/stratux/quadfc/calibration"
)

type EventKind string

const (
	EventArmed             EventKind = "armed"
	EventDisarmed          EventKind = "disarmed"
	EventArmRefused        EventKind = "arm_refused"
	EventFailsafe          EventKind = "failsafe"
	EventSignalRestored    EventKind = "signal_restored"
	EventCalibrated        EventKind = "calibrated"
	EventCalibrationFailed EventKind = "calibration_failed"
	EventRejected          EventKind = "rejected"
	EventIMUFault          EventKind = "imu_fault"
)

// Event reports a state change or a command outcome to the service side.
type Event struct {
	Kind    EventKind            `json:"kind"`
	Time    time.Time            `json:"time"`
	Sensor  calibration.Kind     `json:"sensor,omitempty"`
	Profile *calibration.Profile `json:"profile,omitempty"`
	Command string               `json:"command,omitempty"`
	Reason  string               `json:"reason,omitempty"`
}

// Events returns the event stream. Events are dropped, and counted in the
// snapshot, when nobody keeps up.
func (l *Loop) Events() <-chan Event { return l.events }

func (l *Loop) emit(e Event) {
	select {
	case l.events <- e:
	default:
		l.dropped++
	}
}
