package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/dex-sp/smubench/instruments"
)

// Plan is the YAML run plan.
type Plan struct {
	Instrument InstrumentConfig  `yaml:"instrument"`
	Protocol   ProtocolConfig    `yaml:"protocol"`
	Resistance *ResistanceConfig `yaml:"resistance,omitempty"`
	Export     ExportConfig      `yaml:"export"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Matrix     *MatrixConfig     `yaml:"matrix,omitempty"`
}

type InstrumentConfig struct {
	// Transport is "visa" (default) or "prologix".
	Transport string        `yaml:"transport"`
	Address   string        `yaml:"address"`
	Timeout   time.Duration `yaml:"timeout"`

	// Prologix only.
	Port       string        `yaml:"port"`
	BaudRate   int           `yaml:"baud_rate"`
	WriteDelay time.Duration `yaml:"write_delay"`
}

type ProtocolConfig struct {
	Kind      string           `yaml:"kind"`
	Sweep     *SweepConfig     `yaml:"sweep,omitempty"`
	Loop      *LoopConfig      `yaml:"loop,omitempty"`
	Retention *RetentionConfig `yaml:"retention,omitempty"`
	Endurance *EnduranceConfig `yaml:"endurance,omitempty"`
}

type SweepConfig struct {
	Source     string            `yaml:"source"`
	Start      float64           `yaml:"start"`
	Stop       float64           `yaml:"stop"`
	Points     int               `yaml:"points"`
	Compliance float64           `yaml:"compliance"`
	Range      instruments.Range `yaml:"range"`
	Delay      time.Duration     `yaml:"delay"`
}

type LoopConfig struct {
	VPos       float64           `yaml:"v_pos"`
	VNeg       float64           `yaml:"v_neg"`
	Points     int               `yaml:"points"`
	Cycles     int               `yaml:"cycles"`
	Compliance float64           `yaml:"compliance"`
	Range      instruments.Range `yaml:"range"`
	Delay      time.Duration     `yaml:"delay"`
}

type RetentionConfig struct {
	VSet       float64           `yaml:"v_set"`
	VReset     float64           `yaml:"v_reset"`
	VRead      float64           `yaml:"v_read"`
	Compliance float64           `yaml:"compliance"`
	Range      instruments.Range `yaml:"range"`
	Duration   time.Duration     `yaml:"duration"`
	Interval   time.Duration     `yaml:"interval"`
}

type EnduranceConfig struct {
	VSet       float64           `yaml:"v_set"`
	VReset     float64           `yaml:"v_reset"`
	VRead      float64           `yaml:"v_read"`
	Compliance float64           `yaml:"compliance"`
	Range      instruments.Range `yaml:"range"`
	Cycles     int               `yaml:"cycles"`
	PulseWidth time.Duration     `yaml:"pulse_width"`
}

// ResistanceConfig adds a resistance check before each protocol run.
type ResistanceConfig struct {
	FourWire    bool    `yaml:"four_wire"`
	TestCurrent float64 `yaml:"test_current"`
	Compliance  float64 `yaml:"compliance"`
}

type ExportConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	// Address enables the Prometheus endpoint, e.g. ":9090".
	Address string `yaml:"address"`
}

type MatrixConfig struct {
	Address string               `yaml:"address"`
	Pins    int                  `yaml:"pins"`
	Devices []instruments.Device `yaml:"devices"`
}

func loadPlan(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read plan")
	}
	return parsePlan(data)
}

func parsePlan(data []byte) (*Plan, error) {
	plan := &Plan{}
	if err := yaml.Unmarshal(data, plan); err != nil {
		return nil, errors.Wrap(err, "parse plan")
	}
	plan.applyDefaults()
	return plan, nil
}

// applyDefaults fills addresses from the environment and transport defaults.
func (p *Plan) applyDefaults() {
	if p.Instrument.Transport == "" {
		p.Instrument.Transport = "visa"
	}
	if p.Instrument.Address == "" {
		p.Instrument.Address = os.Getenv("SMU_ADDRESS")
	}
	if p.Instrument.Timeout == 0 {
		p.Instrument.Timeout = instruments.DefaultReplyTimeout
	}
	if p.Export.Dir == "" {
		p.Export.Dir = "."
	}
	if p.Matrix != nil && p.Matrix.Address == "" {
		p.Matrix.Address = os.Getenv("MATRIX_ADDRESS")
	}
}

// Validate checks the plan and the protocol parameters without touching any
// instrument.
func (p *Plan) Validate() error {
	switch p.Instrument.Transport {
	case "visa":
	case "prologix":
		if p.Instrument.Port == "" {
			return errors.New("instrument.port is required for the prologix transport")
		}
	default:
		return errors.Errorf("unknown transport \"%s\"", p.Instrument.Transport)
	}
	if p.Instrument.Address == "" {
		return errors.New("instrument.address is empty and SMU_ADDRESS is not set")
	}

	proto, err := p.Protocol.Build()
	if err != nil {
		return err
	}
	if err := proto.Validate(); err != nil {
		return err
	}

	if r := p.Resistance; r != nil && r.Compliance <= 0 {
		return errors.New("resistance.compliance must be greater than 0")
	}

	if m := p.Matrix; m != nil {
		if p.Instrument.Transport != "visa" {
			return errors.New("the switch matrix needs the visa transport")
		}
		if m.Address == "" {
			return errors.New("matrix.address is empty and MATRIX_ADDRESS is not set")
		}
		if len(m.Devices) == 0 {
			return errors.New("matrix has no devices")
		}
		names := make(map[string]bool, len(m.Devices))
		for _, d := range m.Devices {
			if d.Name == "" {
				return errors.New("matrix device without name")
			}
			if names[d.Name] {
				return errors.Errorf("duplicate matrix device \"%s\"", d.Name)
			}
			names[d.Name] = true
			if d.Hi < 1 || d.Lo < 1 || d.Hi > m.Pins || d.Lo > m.Pins || d.Hi == d.Lo {
				return errors.Errorf("device \"%s\": pins %d/%d outside 1..%d or equal", d.Name, d.Hi, d.Lo, m.Pins)
			}
		}
	}
	return nil
}

// Build returns the protocol selected by Kind.
func (c ProtocolConfig) Build() (instruments.Protocol, error) {
	kind, err := instruments.ParseKind(c.Kind)
	if err != nil {
		return nil, err
	}
	missing := fmt.Errorf("protocol.%s parameters missing", strings.ToLower(kind.String()))

	switch kind {
	case instruments.KindSweep:
		if c.Sweep == nil {
			return nil, missing
		}
		role, err := instruments.ParseSourceRole(c.Sweep.Source)
		if err != nil {
			return nil, err
		}
		return instruments.Sweep{
			Source: role, Start: c.Sweep.Start, Stop: c.Sweep.Stop, Points: c.Sweep.Points,
			Compliance: c.Sweep.Compliance, Range: c.Sweep.Range, Delay: c.Sweep.Delay,
		}, nil
	case instruments.KindLoop:
		if c.Loop == nil {
			return nil, missing
		}
		return instruments.Loop(*c.Loop), nil
	case instruments.KindRetention:
		if c.Retention == nil {
			return nil, missing
		}
		return instruments.Retention(*c.Retention), nil
	default:
		if c.Endurance == nil {
			return nil, missing
		}
		return instruments.Endurance(*c.Endurance), nil
	}
}
