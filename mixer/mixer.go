// Package mixer turns throttle and attitude corrections into motor commands
// for a quad-X airframe and drives the ESCs.
package mixer

import "fmt"

// Motor positions, in ESC channel order.
const (
	FL = iota // Front left, CCW
	FR        // Front right, CW
	RL        // Rear left, CW
	RR        // Rear right, CCW

	NumMotors = 4
)

var motorNames = [NumMotors]string{"FL", "FR", "RL", "RR"}

// MotorName returns the position label of motor i.
func MotorName(i int) string {
	if i < 0 || i >= NumMotors {
		return fmt.Sprintf("motor%d", i)
	}
	return motorNames[i]
}

// Motors holds one command per motor, in percent.
type Motors [NumMotors]float64

// Mix applies the quad-X mixing matrix to a throttle (0–100 %) and the three
// controller outputs. Each result is held to [0, 100]; a negative command
// means the motor stops, never that it spins harder.
func Mix(throttle, roll, pitch, yaw float64) Motors {
	m := Motors{
		FL: throttle - pitch + roll - yaw,
		FR: throttle - pitch - roll + yaw,
		RL: throttle + pitch + roll + yaw,
		RR: throttle + pitch - roll - yaw,
	}
	for i := range m {
		m[i] = clampPercent(m[i])
	}
	return m
}

func clampPercent(v float64) float64 {
	switch {
	case v > 100:
		return 100
	case v >= 0:
		return v
	}
	return 0 // Also catches NaN
}
