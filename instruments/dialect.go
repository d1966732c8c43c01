package instruments

import (
	"strconv"
	"strings"
)

// Dialect is the command family an instrument speaks. It is resolved once per
// connection from the identity string and never changes afterwards.
type Dialect int

const (
	GenericSCPI Dialect = iota
	Family2400
	Family2600
)

func (d Dialect) String() string {
	switch d {
	case Family2400:
		return "2400"
	case Family2600:
		return "2600"
	default:
		return "generic-scpi"
	}
}

const vendorToken = "keithley"

var (
	family2400Models = []string{"2400", "2401", "2410", "2420", "2425", "2430", "2440", "2450", "2460", "2470"}
	family2600Models = []string{"2601", "2602", "2604", "2611", "2612", "2614", "2634", "2635", "2636"}
)

// ResolveDialect classifies an instrument by its *IDN? reply. Model tokens are
// matched in the model field when the reply is comma separated, so a serial
// number cannot masquerade as a model. The 2600 family is checked first.
func ResolveDialect(identity string) Dialect {
	idn := strings.ToLower(strings.TrimSpace(identity))
	if !strings.Contains(idn, vendorToken) {
		return GenericSCPI
	}
	model := idn
	if fields := strings.Split(idn, ","); len(fields) >= 2 {
		model = fields[1]
	}
	if containsAny(model, family2600Models) {
		return Family2600
	}
	if containsAny(model, family2400Models) {
		return Family2400
	}
	return GenericSCPI
}

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// commandSet holds the command templates of one dialect. The configurator,
// session and parser consult it instead of branching on the dialect.
type commandSet interface {
	reset() []string
	clearErrors() []string
	// dataFormat returns "" when the dialect has no fixed reply layout to negotiate.
	dataFormat() string
	// errorQuery returns "" when the error queue is not read over the bus.
	errorQuery() string

	sourceFunction(role SourceRole) string
	compliance(role SourceRole, limit float64) string
	measureRange(role SourceRole, rng Range, hint float64) []string
	// protection returns "" for dialects that fold it into compliance.
	protection(role SourceRole, limit float64) string
	measureFunction(role SourceRole) string

	sourceLevel(role SourceRole, level float64) string
	output(on bool) string
	read() string
	// remoteSense reports false when the dialect cannot switch sense mode.
	remoteSense(on bool) (string, bool)
}

func commandsFor(d Dialect) commandSet {
	switch d {
	case Family2400:
		return keithley2400{}
	case Family2600:
		return keithley2600{}
	default:
		return genericSCPI{}
	}
}

func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

type genericSCPI struct{}

func (genericSCPI) reset() []string { return []string{"*RST"} }
func (genericSCPI) clearErrors() []string { return []string{"*CLS"} }
func (genericSCPI) dataFormat() string { return "" }
func (genericSCPI) errorQuery() string { return "SYST:ERR?" }

func (genericSCPI) sourceFunction(role SourceRole) string {
	return ":SOUR:FUNC " + role.scpi()
}

func (genericSCPI) compliance(role SourceRole, limit float64) string {
	if role == SourceCurrent {
		return ":SOUR:CURR:VLIM " + num(limit)
	}
	return ":SOUR:VOLT:ILIM " + num(limit)
}

func (genericSCPI) measureRange(role SourceRole, rng Range, hint float64) []string {
	sense := ":SENS:" + role.measured().scpi() + ":RANG"
	if rng.Auto() {
		return []string{sense + ":AUTO ON", sense + ":UPP " + num(hint)}
	}
	return []string{sense + ":AUTO OFF", sense + " " + num(rng.Value())}
}

func (genericSCPI) protection(SourceRole, float64) string { return "" }

func (genericSCPI) measureFunction(role SourceRole) string {
	return ":SENS:FUNC '" + role.measured().scpi() + "'"
}

func (genericSCPI) sourceLevel(role SourceRole, level float64) string {
	return ":SOUR:" + role.scpi() + ":LEV " + num(level)
}

func (genericSCPI) output(on bool) string { return ":OUTP " + onOff(on) }
func (genericSCPI) read() string { return ":READ?" }

func (genericSCPI) remoteSense(bool) (string, bool) { return "", false }
