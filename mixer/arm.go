package mixer

// ArmLatch decides when the motors may run. It arms on an arm request only
// after a disarm request has been seen, so a switch left in the armed
// position at boot cannot start the motors.
type ArmLatch struct {
	armed        bool
	seenDisarmed bool
}

// Observe feeds the pilot's arm switch and reports the resulting state and
// whether it changed.
func (l *ArmLatch) Observe(armInput bool) (armed, changed bool) {
	if !armInput {
		l.seenDisarmed = true
		if l.armed {
			l.armed = false
			return false, true
		}
		return false, false
	}
	if !l.armed && l.seenDisarmed {
		l.armed = true
		return true, true
	}
	return l.armed, false
}

// ForceDisarm disarms and forgets the disarmed observation, so the pilot has
// to cycle the switch before the next arm.
func (l *ArmLatch) ForceDisarm() (changed bool) {
	changed = l.armed
	l.armed, l.seenDisarmed = false, false
	return changed
}

func (l *ArmLatch) Armed() bool { return l.armed }
