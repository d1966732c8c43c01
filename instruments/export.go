package instruments

import (
	"encoding/csv"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ExportHeader is the persisted column layout. Do not reorder.
var ExportHeader = []string{"Timestamp", "Voltage_V", "Current_A", "Resistance_Ohm", "Cycle", "State", "Extra_Info"}

const timestampLayout = "15:04:05.000"

// ExportRows flattens records into rows matching ExportHeader.
func ExportRows(records []Record) [][]string {
	rows := make([][]string, 0, len(records))
	for _, r := range records {
		rows = append(rows, []string{
			r.Timestamp.Format(timestampLayout),
			formatFloat(r.Voltage),
			formatFloat(r.Current),
			formatFloat(r.Resistance),
			strconv.Itoa(r.Cycle),
			r.State,
			r.Extra,
		})
	}
	return rows
}

// ExportMeta fills the comment preamble of a CSV export.
type ExportMeta struct {
	Instrument string
	Created    time.Time
}

// WriteCSV writes the preamble, the header and one row per record. Lines end
// in CRLF.
func WriteCSV(w io.Writer, meta ExportMeta, records []Record) error {
	instrument := meta.Instrument
	if instrument == "" {
		instrument = "Unknown"
	}
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	preamble := [][]string{
		{"# Keithley SMU Measurement Data"},
		{"# Timestamp:", meta.Created.Format("2006-01-02 15:04:05")},
		{"# Instrument:", instrument},
		{"# Total Points:", strconv.Itoa(len(records))},
		{},
		ExportHeader,
	}
	if err := cw.WriteAll(append(preamble, ExportRows(records)...)); err != nil {
		return errors.Wrap(err, "write csv")
	}
	return nil
}

// formatFloat renders the shortest decimal that round-trips, keeping a
// trailing ".0" on integral values and switching to exponent notation below
// 1e-4 or from 1e16 on. Unbounded values render as inf / -inf / nan.
func formatFloat(v float64) string {
	switch {
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	case math.IsNaN(v):
		return "nan"
	}
	if v == 0 {
		if math.Signbit(v) {
			return "-0.0"
		}
		return "0.0"
	}
	e := strconv.FormatFloat(v, 'e', -1, 64)
	exp, _ := strconv.Atoi(e[strings.IndexByte(e, 'e')+1:])
	if exp < -4 || exp >= 16 {
		return e
	}
	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.Contains(s, ".") {
		s += ".0"
	}
	return s
}
