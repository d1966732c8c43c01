package instruments

import (
	"math"
	"time"
)

// currentFloor is the smallest current magnitude a resistance is derived from.
const currentFloor = 1e-12

// Record is one measurement sample.
type Record struct {
	Timestamp  time.Time
	Voltage    float64
	Current    float64
	Resistance float64
	Cycle      int
	State      string
	Extra      string
}

// Resistance returns |v/i|, or +Inf when |i| is at or below 1 pA.
func Resistance(v, i float64) float64 {
	if math.Abs(i) > currentFloor {
		return math.Abs(v / i)
	}
	return math.Inf(1)
}
