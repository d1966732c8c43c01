package instruments

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

const (
	DefaultReplyTimeout = 30 * time.Second
	DefaultResetDelay   = time.Second

	// maxErrorQueueReads bounds draining of the instrument error queue.
	maxErrorQueueReads = 16
)

// Identity is the decoded *IDN? reply.
type Identity struct {
	Raw          string
	Manufacturer string
	Model        string
	Serial       string
	Version      string
}

func parseIdentity(raw string) Identity {
	raw = strings.TrimSpace(raw)
	id := Identity{Raw: raw}
	fields := strings.Split(raw, ",")
	dst := []*string{&id.Manufacturer, &id.Model, &id.Serial, &id.Version}
	for i := 0; i < len(fields) && i < len(dst); i++ {
		*dst[i] = strings.TrimSpace(fields[i])
	}
	return id
}

func (id Identity) String() string {
	return fmt.Sprintf(
		"Manufacturer:\t%s\n"+
			"Model:\t\t%s\n"+
			"Serial:\t\t%s\n"+
			"Version:\t%s\n",
		id.Manufacturer, id.Model, id.Serial, id.Version)
}

type sessionOptions struct {
	logger     *slog.Logger
	metrics    *Metrics
	timeout    time.Duration
	resetDelay time.Duration
}

// SessionOption configures Connect.
type SessionOption func(*sessionOptions)

func WithLogger(l *slog.Logger) SessionOption {
	return func(o *sessionOptions) { o.logger = l }
}

func WithMetrics(m *Metrics) SessionOption {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithTimeout sets the reply timeout handed to the transport.
func WithTimeout(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.timeout = d }
}

// WithResetDelay sets how long to wait after the reset command at connect.
func WithResetDelay(d time.Duration) SessionOption {
	return func(o *sessionOptions) { o.resetDelay = d }
}

// Session owns one open instrument connection. Bus commands are serialized,
// so a close never interleaves with a write or query in flight. connected is
// only changed under mu but can be read without it.
type Session struct {
	mu        sync.Mutex
	transport Transport
	connected atomic.Bool

	address          string
	identity         Identity
	dialect          Dialect
	cmds             commandSet
	formatNegotiated bool
	warnings         []error

	logger  *slog.Logger
	metrics *Metrics
}

// Connect opens the instrument at address, resolves its dialect and performs
// first-time configuration. Configuration failures do not fail Connect; they
// are logged and kept in Warnings.
func Connect(opener Opener, address string, opts ...SessionOption) (*Session, error) {
	o := sessionOptions{
		logger:     slog.Default(),
		timeout:    DefaultReplyTimeout,
		resetDelay: DefaultResetDelay,
	}
	for _, opt := range opts {
		opt(&o)
	}

	t, err := opener.Open(address, o.timeout)
	if err != nil {
		return nil, &ConnectionError{Address: address, Err: err}
	}
	idn, err := t.Query("*IDN?")
	if err != nil {
		_ = t.Close()
		return nil, &ConnectionError{Address: address, Err: errors.Wrap(err, "identity query failed")}
	}

	s := &Session{
		transport: t,
		address:   address,
		identity:  parseIdentity(idn),
		logger:    o.logger,
		metrics:   o.metrics,
	}
	s.connected.Store(true)
	s.dialect = ResolveDialect(idn)
	s.cmds = commandsFor(s.dialect)
	s.logger = s.logger.With("address", address, "dialect", s.dialect.String())
	s.logger.Info("Instrument connected", "identity", s.identity.Raw)

	s.configure(o.resetDelay)
	return s, nil
}

func (s *Session) configure(resetDelay time.Duration) {
	for _, cmd := range s.cmds.reset() {
		s.warnOn("reset", s.Write(cmd))
	}
	if resetDelay > 0 {
		time.Sleep(resetDelay)
	}
	for _, cmd := range s.cmds.clearErrors() {
		s.warnOn("clear errors", s.Write(cmd))
	}

	if format := s.cmds.dataFormat(); format != "" {
		if err := s.Write(format); err != nil {
			s.warnOn("data format", err)
		} else {
			s.formatNegotiated = true
		}
	}
	if !s.formatNegotiated {
		s.logger.Warn("No fixed reply format negotiated, readings use fallback parsing")
	}

	s.warnOn("source function", s.Write(s.cmds.sourceFunction(SourceVoltage)))
	s.warnOn("source level", s.Write(s.cmds.sourceLevel(SourceVoltage, 0)))
	s.warnOn("output off", s.Write(s.cmds.output(false)))
	s.DrainErrors()
}

func (s *Session) warnOn(step string, err error) {
	if err == nil {
		return
	}
	s.logger.Warn("Instrument configuration step failed", "step", step, "error", err)
	s.warnings = append(s.warnings, errors.Wrap(err, step))
}

func (s *Session) Address() string { return s.address }
func (s *Session) Identity() Identity { return s.identity }
func (s *Session) Dialect() Dialect { return s.dialect }
func (s *Session) FormatNegotiated() bool { return s.formatNegotiated }

// Warnings returns the configuration failures recorded by Connect.
func (s *Session) Warnings() []error { return s.warnings }

func (s *Session) Connected() bool { return s.connected.Load() }

// Write sends cmd to the instrument.
func (s *Session) Write(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected.Load() {
		return &CommandError{Command: cmd, Err: ErrNotConnected}
	}
	s.logger.Debug("write", "command", cmd)
	err := s.transport.Write(cmd)
	s.metrics.command(s.dialect, "write", err)
	if err != nil {
		return &CommandError{Command: cmd, Err: err}
	}
	return nil
}

// Query sends cmd and returns the reply with surrounding whitespace removed.
func (s *Session) Query(cmd string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected.Load() {
		return "", &CommandError{Command: cmd, Err: ErrNotConnected}
	}
	reply, err := s.transport.Query(cmd)
	s.metrics.command(s.dialect, "query", err)
	if err != nil {
		return "", &CommandError{Command: cmd, Err: err}
	}
	reply = strings.TrimSpace(reply)
	s.logger.Debug("query", "command", cmd, "reply", reply)
	return reply, nil
}

// EmergencyOff switches the output off. Failures are logged only.
func (s *Session) EmergencyOff() {
	if err := s.Write(s.cmds.output(false)); err != nil {
		s.logger.Warn("Emergency output off failed", "error", err)
	}
}

// DrainErrors reads the instrument error queue until it reports no error and
// logs every entry. The returned entries are informational.
func (s *Session) DrainErrors() []string {
	query := s.cmds.errorQuery()
	if query == "" {
		return nil
	}
	var entries []string
	for i := 0; i < maxErrorQueueReads; i++ {
		reply, err := s.Query(query)
		if err != nil {
			s.logger.Warn("Error queue read failed", "error", err)
			break
		}
		code, _ := strconv.Atoi(strings.TrimSpace(strings.SplitN(reply, ",", 2)[0]))
		if code == 0 {
			break
		}
		s.logger.Warn("Instrument error", "entry", reply)
		entries = append(entries, strings.ReplaceAll(reply, "\"", ""))
	}
	return entries
}

// Disconnect switches the output off and closes the transport. It is
// idempotent; the session is marked disconnected even when output off fails.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected.Load() {
		return nil
	}
	if err := s.transport.Write(s.cmds.output(false)); err != nil {
		s.logger.Warn("Output off before disconnect failed", "error", err)
	}
	s.connected.Store(false)
	err := s.transport.Close()
	s.logger.Info("Instrument disconnected")
	return errors.Wrap(err, "close transport")
}

func (s *Session) setLevel(role SourceRole, level float64) error {
	return s.Write(s.cmds.sourceLevel(role, level))
}

func (s *Session) setOutput(on bool) error {
	return s.Write(s.cmds.output(on))
}

func (s *Session) read() (voltage, current float64, err error) {
	reply, err := s.Query(s.cmds.read())
	if err != nil {
		return 0, 0, err
	}
	return ParseReading(reply, s.dialect, s.formatNegotiated)
}
