package instruments

// WireMode selects two-wire or four-wire (remote sense) measurement.
type WireMode int

const (
	TwoWire WireMode = iota
	FourWire
)

func (m WireMode) String() string {
	if m == FourWire {
		return "4-Wire"
	}
	return "2-Wire"
}

type armStep struct {
	name string
	cmds []string
}

// armSequence lists the commands that configure spec, in the order they must
// reach the instrument. Selecting the measurement function before compliance
// resets compliance to a default on some firmware, so function, compliance,
// range, protection and measurement function always go out in that order.
func armSequence(cmds commandSet, spec SourceSpec) []armStep {
	steps := []armStep{
		{name: "source function", cmds: []string{cmds.sourceFunction(spec.Role)}},
		{name: "compliance", cmds: []string{cmds.compliance(spec.Role, spec.Compliance)}},
		{name: "measurement range", cmds: cmds.measureRange(spec.Role, spec.Range, spec.rangeHint())},
	}
	if p := cmds.protection(spec.Role, spec.Compliance); p != "" {
		steps = append(steps, armStep{name: "protection", cmds: []string{p}})
	}
	return append(steps, armStep{name: "measurement function", cmds: []string{cmds.measureFunction(spec.Role)}})
}

// Arm configures the session for spec. On error the caller must not switch
// the output on.
func Arm(s *Session, spec SourceSpec) error {
	for _, step := range armSequence(s.cmds, spec) {
		for _, cmd := range step.cmds {
			if err := s.Write(cmd); err != nil {
				return &ConfigurationError{Step: step.name, Spec: spec, Err: err}
			}
		}
	}
	s.logger.Info("Source armed",
		"source", spec.Role.String(),
		"compliance", spec.Compliance,
		"range", spec.Range.String())
	s.DrainErrors()
	return nil
}

// SetWireMode switches remote sense. Dialects without sense control only log
// a warning; this never fails the caller.
func SetWireMode(s *Session, mode WireMode) {
	cmd, ok := s.cmds.remoteSense(mode == FourWire)
	if !ok {
		s.logger.Warn("Wire mode not supported by dialect, ignoring", "mode", mode.String())
		return
	}
	if err := s.Write(cmd); err != nil {
		s.logger.Warn("Could not set wire mode", "mode", mode.String(), "error", err)
	}
}
