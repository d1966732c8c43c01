// Keithley 2400 family source-measure units (2400 … 2470), line-per-command SCPI.
// https://download.tek.com/manual/2400S-900-01_K-Sep2011_User.pdf

package instruments

import "math"

var (
	voltageRanges2400 = []float64{0.2, 2, 20, 200}
	currentRanges2400 = []float64{10e-9, 100e-9, 1e-6, 10e-6, 100e-6, 1e-3, 0.01, 0.1, 1}
)

type keithley2400 struct {
	genericSCPI
}

func (keithley2400) clearErrors() []string { return []string{"*CLS", ":SYST:CLE"} }
func (keithley2400) dataFormat() string { return ":FORM:ELEM VOLT,CURR,TIME" }

// Fixed ranges are rounded up to a range the instrument provides.
func (k keithley2400) measureRange(role SourceRole, rng Range, hint float64) []string {
	if rng.Auto() {
		return k.genericSCPI.measureRange(role, rng, hint)
	}
	return k.genericSCPI.measureRange(role, FixedRange(suitableRange2400(role.measured(), rng.Value())), hint)
}

func (keithley2400) protection(role SourceRole, limit float64) string {
	return ":SENS:" + role.measured().scpi() + ":PROT " + num(limit)
}

func (keithley2400) remoteSense(on bool) (string, bool) {
	return ":SYST:RSEN " + onOff(on), true
}

func suitableRange2400(q SourceRole, target float64) float64 {
	if q == SourceVoltage {
		return suitableRange(voltageRanges2400, target)
	}
	return suitableRange(currentRanges2400, target)
}

// suitableRange returns the smallest range able to hold target, or the largest
// range when target exceeds all of them.
func suitableRange(ranges []float64, target float64) float64 {
	t := math.Abs(target)
	for _, r := range ranges {
		if t <= r*(1+1e-9) {
			return r
		}
	}
	return ranges[len(ranges)-1]
}
