package instruments

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected    = errors.New("instrument not connected")
	ErrRunActive       = errors.New("a protocol run is already active on this session")
	ErrTransportClosed = errors.New("transport closed")
)

// ConnectionError is returned when the transport cannot be opened or the
// instrument does not answer the identity query.
type ConnectionError struct {
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to \"%s\": %v", e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// CommandError reports a single failed write or query.
type CommandError struct {
	Command string
	Err     error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("command \"%s\": %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ConfigurationError reports a failed step of the arming sequence for Spec.
type ConfigurationError struct {
	Step string
	Spec SourceSpec
	Err  error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configure %s (%s source, compliance %s, range %s): %v",
		e.Step, e.Spec.Role, num(e.Spec.Compliance), e.Spec.Range, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// ParseError reports a reply that holds no numeric value at all.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse reading \"%s\": %v", e.Raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ValidationError rejects protocol parameters before any instrument I/O.
type ValidationError struct {
	Operation string
	Field     string
	Reason    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: invalid %s: %s", e.Operation, e.Field, e.Reason)
}

func invalid(op, field, format string, args ...interface{}) error {
	return &ValidationError{Operation: op, Field: field, Reason: fmt.Sprintf(format, args...)}
}
