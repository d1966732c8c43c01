package instruments

import (
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// SourceRole is the quantity the instrument forces. The complementary
// quantity is measured and limited by compliance.
type SourceRole int

const (
	SourceVoltage SourceRole = iota
	SourceCurrent
)

func (r SourceRole) String() string {
	if r == SourceCurrent {
		return "Current"
	}
	return "Voltage"
}

func (r SourceRole) measured() SourceRole {
	if r == SourceCurrent {
		return SourceVoltage
	}
	return SourceCurrent
}

func (r SourceRole) scpi() string {
	if r == SourceCurrent {
		return "CURR"
	}
	return "VOLT"
}

func (r SourceRole) tsp() string {
	if r == SourceCurrent {
		return "i"
	}
	return "v"
}

// ParseSourceRole accepts "voltage" or "current" in any case.
func ParseSourceRole(s string) (SourceRole, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "voltage", "volt", "v":
		return SourceVoltage, nil
	case "current", "curr", "i":
		return SourceCurrent, nil
	}
	return SourceVoltage, errors.Errorf("unknown source role \"%s\"", s)
}

// Range selects auto-ranging (the zero value) or a fixed measurement range.
type Range struct {
	fixed float64
}

// AutoRange lets the instrument pick the measurement range.
var AutoRange = Range{}

// FixedRange pins the measurement range to v.
func FixedRange(v float64) Range { return Range{fixed: v} }

func (r Range) Auto() bool { return r.fixed == 0 }
func (r Range) Value() float64 { return r.fixed }

func (r Range) String() string {
	if r.Auto() {
		return "AUTO"
	}
	return num(r.fixed)
}

// ParseRange accepts "AUTO" (or an empty string) and positive numbers.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "auto") {
		return AutoRange, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return AutoRange, errors.Wrapf(err, "range \"%s\"", s)
	}
	if v <= 0 {
		return AutoRange, errors.Errorf("range %s must be greater than 0", s)
	}
	return FixedRange(v), nil
}

func (r *Range) UnmarshalText(text []byte) error {
	parsed, err := ParseRange(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r Range) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// SourceSpec is the configuration for one measurement phase. Values are built
// fresh for every phase and never modified.
type SourceSpec struct {
	Role       SourceRole
	Compliance float64
	Range      Range
}

// rangeHint keeps auto-ranging from undershooting the compliance window.
func (s SourceSpec) rangeHint() float64 {
	return math.Max(s.Compliance*1.2, 1e-9)
}

func (s SourceSpec) validate(op string) error {
	if s.Role != SourceVoltage && s.Role != SourceCurrent {
		return invalid(op, "source", "unknown source role %d", int(s.Role))
	}
	if !finite(s.Compliance) || s.Compliance <= 0 {
		return invalid(op, "compliance", "must be greater than 0, got %v", s.Compliance)
	}
	if !finite(s.Range.fixed) || s.Range.fixed < 0 {
		return invalid(op, "range", "fixed range must be greater than 0, got %v", s.Range.fixed)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
