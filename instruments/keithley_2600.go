// Keithley 2600 family (2601 … 2636), TSP scripting over the smua channel.

package instruments

type keithley2600 struct{}

func (keithley2600) reset() []string { return []string{"smua.reset()"} }
func (keithley2600) clearErrors() []string { return []string{"errorqueue.clear()"} }
func (keithley2600) dataFormat() string { return "format.data = format.ASCII" }
func (keithley2600) errorQuery() string { return "" }

func (keithley2600) sourceFunction(role SourceRole) string {
	if role == SourceCurrent {
		return "smua.source.func = smua.OUTPUT_DCAMPS"
	}
	return "smua.source.func = smua.OUTPUT_DCVOLTS"
}

func (keithley2600) compliance(role SourceRole, limit float64) string {
	return "smua.source.limit" + role.measured().tsp() + " = " + num(limit)
}

// The source limit already bounds auto-ranging on this family, so no upper
// range hint is pushed.
func (keithley2600) measureRange(role SourceRole, rng Range, _ float64) []string {
	q := role.measured().tsp()
	if rng.Auto() {
		return []string{"smua.measure.autorange" + q + " = smua.AUTORANGE_ON"}
	}
	return []string{
		"smua.measure.autorange" + q + " = smua.AUTORANGE_OFF",
		"smua.measure.range" + q + " = " + num(rng.Value()),
	}
}

func (keithley2600) protection(SourceRole, float64) string { return "" }

func (keithley2600) measureFunction(role SourceRole) string {
	if role.measured() == SourceVoltage {
		return "display.smua.measure.func = display.MEASURE_DCVOLTS"
	}
	return "display.smua.measure.func = display.MEASURE_DCAMPS"
}

func (keithley2600) sourceLevel(role SourceRole, level float64) string {
	return "smua.source.level" + role.tsp() + " = " + num(level)
}

func (keithley2600) output(on bool) string {
	if on {
		return "smua.source.output = smua.OUTPUT_ON"
	}
	return "smua.source.output = smua.OUTPUT_OFF"
}

func (keithley2600) read() string { return "printnumber(smua.measure.v(), smua.measure.i())" }

func (keithley2600) remoteSense(on bool) (string, bool) {
	if on {
		return "smua.sense = smua.SENSE_REMOTE", true
	}
	return "smua.sense = smua.SENSE_LOCAL", true
}
