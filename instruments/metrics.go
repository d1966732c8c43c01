package instruments

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Commands      *prometheus.CounterVec
	CommandErrors *prometheus.CounterVec
	Records       *prometheus.CounterVec
	Runs          *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	RunProgress   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when reg is
// not nil.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smubench",
				Subsystem: "bus",
				Name:      "commands_total",
				Help:      "Instrument commands issued",
			},
			[]string{"dialect", "kind"},
		),
		CommandErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smubench",
				Subsystem: "bus",
				Name:      "command_errors_total",
				Help:      "Instrument commands that failed at the transport",
			},
			[]string{"dialect", "kind"},
		),
		Records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smubench",
				Subsystem: "run",
				Name:      "records_total",
				Help:      "Measurement records committed",
			},
			[]string{"protocol"},
		),
		Runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "smubench",
				Subsystem: "run",
				Name:      "finished_total",
				Help:      "Protocol runs by terminal status",
			},
			[]string{"protocol", "status"},
		),
		RunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "smubench",
				Subsystem: "run",
				Name:      "duration_seconds",
				Help:      "Wall-clock duration of protocol runs",
				Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
			},
			[]string{"protocol"},
		),
		RunProgress: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "smubench",
				Subsystem: "run",
				Name:      "progress_percent",
				Help:      "Progress of the active run",
			},
			[]string{"protocol"},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.Commands, m.CommandErrors, m.Records, m.Runs, m.RunDuration, m.RunProgress} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) command(d Dialect, kind string, err error) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(d.String(), kind).Inc()
	if err != nil {
		m.CommandErrors.WithLabelValues(d.String(), kind).Inc()
	}
}

func (m *Metrics) record(k Kind) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues(k.String()).Inc()
}

func (m *Metrics) progress(k Kind, percent float64) {
	if m == nil {
		return
	}
	m.RunProgress.WithLabelValues(k.String()).Set(percent)
}

func (m *Metrics) finished(k Kind, status Status, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues(k.String(), status.String()).Inc()
	m.RunDuration.WithLabelValues(k.String()).Observe(elapsed.Seconds())
}
