package instruments

import (
	"math"
	"time"
)

// resistanceSettle is the wait between output on and the reading in
// MeasureResistance.
const resistanceSettle = 100 * time.Millisecond

// idle runs fn with the engine locked against protocol starts. It fails with
// ErrRunActive while a run owns the session.
func (e *Engine) idle(fn func() error) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return ErrRunActive
	}
	if !e.session.Connected() {
		return ErrNotConnected
	}
	return fn()
}

// ApplyBias arms spec, sets level and leaves the output on.
func (e *Engine) ApplyBias(spec SourceSpec, level float64) error {
	if err := spec.validate("Bias"); err != nil {
		return err
	}
	return e.idle(func() error {
		if err := Arm(e.session, spec); err != nil {
			e.session.EmergencyOff()
			return err
		}
		if err := e.session.setLevel(spec.Role, level); err != nil {
			e.session.EmergencyOff()
			return err
		}
		if err := e.session.setOutput(true); err != nil {
			e.session.EmergencyOff()
			return err
		}
		e.logger.Info("Bias applied", "source", spec.Role.String(), "level", level, "compliance", spec.Compliance)
		return nil
	})
}

// SetOutput switches the output on or off outside of a run.
func (e *Engine) SetOutput(on bool) error {
	return e.idle(func() error {
		return e.session.setOutput(on)
	})
}

// MeasureResistance forces testCurrent through the device and reads the
// voltage. The output is switched off again on every path. compliance limits
// the voltage.
func (e *Engine) MeasureResistance(mode WireMode, testCurrent, compliance float64) (Record, error) {
	spec := SourceSpec{Role: SourceCurrent, Compliance: compliance}
	if err := spec.validate("Resistance"); err != nil {
		return Record{}, err
	}
	var rec Record
	err := e.idle(func() error {
		defer func() {
			if err := e.session.setLevel(SourceCurrent, 0); err != nil {
				e.logger.Warn("Source level to zero failed", "error", err)
			}
			e.session.EmergencyOff()
		}()

		SetWireMode(e.session, mode)
		if err := Arm(e.session, spec); err != nil {
			return err
		}
		if err := e.session.setLevel(SourceCurrent, testCurrent); err != nil {
			return err
		}
		if err := e.session.setOutput(true); err != nil {
			return err
		}
		time.Sleep(resistanceSettle)
		v, i, err := e.session.read()
		if err != nil {
			return err
		}

		r := math.Inf(1)
		if testCurrent != 0 {
			r = v / testCurrent
		}
		rec = Record{
			Timestamp:  time.Now(),
			Voltage:    v,
			Current:    i,
			Resistance: r,
			Cycle:      1,
			State:      "R-" + mode.String(),
			Extra:      "Resistance",
		}
		return nil
	})
	return rec, err
}
