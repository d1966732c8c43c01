package instruments

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// Kind names a measurement protocol.
type Kind int

const (
	KindSweep Kind = iota
	KindLoop
	KindRetention
	KindEndurance
)

func (k Kind) String() string {
	switch k {
	case KindSweep:
		return "Sweep"
	case KindLoop:
		return "Loop"
	case KindRetention:
		return "Retention"
	case KindEndurance:
		return "Endurance"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind accepts a protocol name in any case.
func ParseKind(s string) (Kind, error) {
	for _, k := range []Kind{KindSweep, KindLoop, KindRetention, KindEndurance} {
		if strings.EqualFold(strings.TrimSpace(s), k.String()) {
			return k, nil
		}
	}
	return 0, errors.Errorf("unknown protocol \"%s\"", s)
}

// Safety bounds for endurance cycling.
const (
	MaxEnduranceVoltage = 20.0
	MaxEnduranceCycles  = 100000
)

// Protocol is one of the four measurement protocols. The set is closed: the
// step sequence is driven by the engine through an unexported method.
type Protocol interface {
	Kind() Kind
	// Validate checks parameters without touching the instrument.
	Validate() error
	// Spec is the configuration the instrument is armed with.
	Spec() SourceSpec
	steps(x *execution) error
}

// Sweep steps the source linearly from Start to Stop, both included.
type Sweep struct {
	Source     SourceRole
	Start      float64
	Stop       float64
	Points     int
	Compliance float64
	Range      Range
	Delay      time.Duration
}

// Loop runs triangular hysteresis cycles 0 → VPos → VNeg → 0 followed by a
// closing sample at 0. VNeg is the signed negative turning point.
type Loop struct {
	VPos       float64
	VNeg       float64
	Points     int
	Cycles     int
	Compliance float64
	Range      Range
	Delay      time.Duration
}

// Retention programs SET then RESET and reads each state back at Interval
// for half of Duration.
type Retention struct {
	VSet       float64
	VReset     float64
	VRead      float64
	Compliance float64
	Range      Range
	Duration   time.Duration
	Interval   time.Duration
}

// Endurance alternates SET and RESET pulses, reading the state after each.
type Endurance struct {
	VSet       float64
	VReset     float64
	VRead      float64
	Compliance float64
	Range      Range
	Cycles     int
	PulseWidth time.Duration
}

func (Sweep) Kind() Kind { return KindSweep }
func (Loop) Kind() Kind { return KindLoop }
func (Retention) Kind() Kind { return KindRetention }
func (Endurance) Kind() Kind { return KindEndurance }

func (p Sweep) Spec() SourceSpec {
	return SourceSpec{Role: p.Source, Compliance: p.Compliance, Range: p.Range}
}

func (p Loop) Spec() SourceSpec {
	return SourceSpec{Role: SourceVoltage, Compliance: p.Compliance, Range: p.Range}
}

func (p Retention) Spec() SourceSpec {
	return SourceSpec{Role: SourceVoltage, Compliance: p.Compliance, Range: p.Range}
}

func (p Endurance) Spec() SourceSpec {
	return SourceSpec{Role: SourceVoltage, Compliance: p.Compliance, Range: p.Range}
}

func (p Sweep) Validate() error {
	if err := p.Spec().validate("Sweep"); err != nil {
		return err
	}
	if !finite(p.Start) || !finite(p.Stop) {
		return invalid("Sweep", "start/stop", "must be finite")
	}
	if p.Points < 1 {
		return invalid("Sweep", "points", "must be at least 1, got %d", p.Points)
	}
	if p.Delay < 0 {
		return invalid("Sweep", "delay", "must not be negative")
	}
	return nil
}

func (p Loop) Validate() error {
	if err := p.Spec().validate("Loop"); err != nil {
		return err
	}
	if !finite(p.VPos) || !finite(p.VNeg) {
		return invalid("Loop", "vpos/vneg", "must be finite")
	}
	if p.Points < 1 {
		return invalid("Loop", "points", "must be at least 1, got %d", p.Points)
	}
	if p.Cycles < 1 {
		return invalid("Loop", "cycles", "must be at least 1, got %d", p.Cycles)
	}
	if p.Delay < 0 {
		return invalid("Loop", "delay", "must not be negative")
	}
	return nil
}

func (p Retention) Validate() error {
	if err := p.Spec().validate("Retention"); err != nil {
		return err
	}
	if !finite(p.VSet) || !finite(p.VReset) || !finite(p.VRead) {
		return invalid("Retention", "voltages", "must be finite")
	}
	if p.Duration <= 0 {
		return invalid("Retention", "duration", "must be greater than 0")
	}
	if p.Interval <= 0 {
		return invalid("Retention", "interval", "must be greater than 0")
	}
	return nil
}

func (p Endurance) Validate() error {
	if err := p.Spec().validate("Endurance"); err != nil {
		return err
	}
	if !finite(p.VSet) || !finite(p.VReset) || !finite(p.VRead) {
		return invalid("Endurance", "voltages", "must be finite")
	}
	if math.Abs(p.VSet) > MaxEnduranceVoltage || math.Abs(p.VReset) > MaxEnduranceVoltage {
		return invalid("Endurance", "vset/vreset", "magnitude must not exceed %v V", MaxEnduranceVoltage)
	}
	if p.Cycles < 1 {
		return invalid("Endurance", "cycles", "must be at least 1, got %d", p.Cycles)
	}
	if p.Cycles > MaxEnduranceCycles {
		return invalid("Endurance", "cycles", "limited to %d for safety, got %d", MaxEnduranceCycles, p.Cycles)
	}
	if p.PulseWidth <= 0 {
		return invalid("Endurance", "pulse width", "must be greater than 0")
	}
	return nil
}

// linspace returns n evenly spaced values from start to stop inclusive.
func linspace(start, stop float64, n int) []float64 {
	if n == 1 {
		return []float64{start}
	}
	return floats.Span(make([]float64, n), start, stop)
}

func (p Sweep) steps(x *execution) error {
	for i, level := range linspace(p.Start, p.Stop, p.Points) {
		r, err := x.step(p.Source, level, p.Delay)
		if err != nil {
			return err
		}
		v := r.voltage
		if p.Source == SourceVoltage {
			v = level
		}
		x.commit(Record{
			Voltage: v, Current: r.current, Resistance: r.resistance(),
			Cycle: 1, State: "Sweep", Extra: fmt.Sprintf("Point %d", i+1),
		}, float64(i+1)/float64(p.Points)*100)
	}
	return nil
}

var loopSegments = []string{"0→+V", "+V→-V", "-V→0", "End"}

func (p Loop) steps(x *execution) error {
	total := float64(p.Cycles * p.Points * 4)
	count := 0
	for cycle := 1; cycle <= p.Cycles; cycle++ {
		segments := [][]float64{
			linspace(0, p.VPos, p.Points),
			linspace(p.VPos, p.VNeg, p.Points),
			linspace(p.VNeg, 0, p.Points),
			{0},
		}
		for seg, levels := range segments {
			for _, level := range levels {
				r, err := x.step(SourceVoltage, level, p.Delay)
				if err != nil {
					return err
				}
				count++
				x.commit(Record{
					Voltage: level, Current: r.current, Resistance: r.resistance(),
					Cycle: cycle, State: loopSegments[seg],
					Extra: fmt.Sprintf("Loop%d-%s", cycle, loopSegments[seg]),
				}, float64(count)/total*100)
			}
		}
	}
	return nil
}

func (p Retention) steps(x *execution) error {
	half := p.Duration / 2
	phases := []struct {
		program float64
		label   string
		tag     string
	}{
		{p.VSet, "SET_retention", "SET"},
		{p.VReset, "RESET_retention", "RESET"},
	}
	for i, ph := range phases {
		if err := x.boundary(); err != nil {
			return err
		}
		x.logger.Info("Programming retention state", "state", ph.tag, "level", ph.program)
		if err := x.session.setLevel(SourceVoltage, ph.program); err != nil {
			return err
		}
		if err := x.sleep(x.timing.ProgramSettle); err != nil {
			return err
		}

		base := float64(i) * 50
		start := time.Now()
		deadline := start.Add(half)
		for time.Now().Before(deadline) {
			r, err := x.step(SourceVoltage, p.VRead, x.timing.ReadSettle)
			if err != nil {
				return err
			}
			elapsed := time.Since(start)
			x.commit(Record{
				Voltage: p.VRead, Current: r.current, Resistance: r.resistance(),
				Cycle: i + 1, State: ph.label,
				Extra: fmt.Sprintf("%s@%.1fs", ph.tag, elapsed.Seconds()),
			}, base+50*math.Min(float64(elapsed)/float64(half), 1))

			wait := p.Interval
			if left := time.Until(deadline); left < wait {
				wait = left
			}
			if err := x.sleep(wait); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p Endurance) steps(x *execution) error {
	pulses := []struct {
		level float64
		state string
	}{
		{p.VSet, "SET"},
		{p.VReset, "RESET"},
	}
	for cycle := 1; cycle <= p.Cycles; cycle++ {
		for i, pulse := range pulses {
			if err := x.boundary(); err != nil {
				return err
			}
			if err := x.session.setLevel(SourceVoltage, pulse.level); err != nil {
				return err
			}
			if err := x.sleep(p.PulseWidth); err != nil {
				return err
			}
			r, err := x.step(SourceVoltage, p.VRead, x.timing.ReadSettle)
			if err != nil {
				return err
			}
			done := float64(cycle-1) + float64(i)*0.5 + 0.5
			x.commit(Record{
				Voltage: pulse.level, Current: r.current, Resistance: r.resistance(),
				Cycle: cycle, State: pulse.state,
				Extra: fmt.Sprintf("%s_Cycle%d", pulse.state, cycle),
			}, done/float64(p.Cycles)*100)
		}
		if err := x.sleep(x.timing.CycleGap); err != nil {
			return err
		}
	}
	return nil
}
