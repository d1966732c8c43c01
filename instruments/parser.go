package instruments

import (
	"strconv"
	"strings"
)

// maxHeuristicFields bounds how many reply fields the fallback parser looks at.
const maxHeuristicFields = 4

// ParseReading converts an instrument reply into (voltage, current).
//
// With a negotiated fixed layout on the 2400 family the first two fields are
// voltage and current, and a reply where either is not numeric is a
// ParseError. Otherwise up to the first four fields are coerced to
// numbers, non-numeric ones are skipped and the first two survivors are used.
// A reply with a single numeric value yields it as both quantities.
func ParseReading(raw string, dialect Dialect, formatNegotiated bool) (voltage, current float64, err error) {
	fields := strings.Split(strings.TrimSpace(raw), ",")

	if formatNegotiated && dialect == Family2400 && len(fields) >= 2 {
		v, err := parseField(fields[0])
		if err != nil {
			return 0, 0, &ParseError{Raw: raw, Err: err}
		}
		c, err := parseField(fields[1])
		if err != nil {
			return 0, 0, &ParseError{Raw: raw, Err: err}
		}
		return v, c, nil
	}

	if len(fields) >= 2 {
		values := make([]float64, 0, maxHeuristicFields)
		for i, f := range fields {
			if i == maxHeuristicFields {
				break
			}
			if v, ferr := parseField(f); ferr == nil {
				values = append(values, v)
			}
		}
		if len(values) >= 2 {
			return values[0], values[1], nil
		}
	}

	v, err := parseField(fields[0])
	if err != nil {
		return 0, 0, &ParseError{Raw: raw, Err: err}
	}
	return v, v, nil
}

func parseField(s string) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(s), 64)
}
