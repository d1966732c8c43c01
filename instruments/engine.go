package instruments

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// State is the protocol runner state. Idle is both initial and terminal.
type State int

const (
	StateIdle State = iota
	StateArming
	StateRunning
	StateCompleting
	StateCancelling
	StateFaulting
)

func (s State) String() string {
	return [...]string{"Idle", "Arming", "Running", "Completing", "Cancelling", "Faulting"}[s]
}

// Status is the terminal outcome of a run.
type Status int

const (
	StatusCompleted Status = iota
	StatusCancelled
	StatusFaulted
)

func (s Status) String() string {
	return [...]string{"Completed", "Cancelled", "Faulted"}[s]
}

// Timing holds the fixed settle times the protocols use around bus commands.
type Timing struct {
	// OutputSettle follows output on, before the first step.
	OutputSettle time.Duration
	// ProgramSettle follows programming a retention state.
	ProgramSettle time.Duration
	// ReadSettle follows switching to the read level in retention and endurance.
	ReadSettle time.Duration
	// CycleGap separates endurance cycles.
	CycleGap time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		OutputSettle:  100 * time.Millisecond,
		ProgramSettle: 100 * time.Millisecond,
		ReadSettle:    10 * time.Millisecond,
		CycleGap:      time.Millisecond,
	}
}

// DefaultDisconnectWait bounds how long Disconnect waits for an active run to
// reach a step boundary.
const DefaultDisconnectWait = 5 * time.Second

// Summary is the terminal event of a run.
type Summary struct {
	RunID    uuid.UUID
	Kind     Kind
	Status   Status
	Err      error
	Cause    string
	Started  time.Time
	Finished time.Time
	Records  []Record
}

// Listener receives the events of a run on the run's goroutine, in step order.
type Listener interface {
	RecordAdded(run uuid.UUID, rec Record)
	ProgressChanged(run uuid.UUID, percent float64)
	RunFinished(s Summary)
}

// ListenerFuncs adapts optional callbacks to Listener.
type ListenerFuncs struct {
	OnRecord   func(run uuid.UUID, rec Record)
	OnProgress func(run uuid.UUID, percent float64)
	OnFinish   func(s Summary)
}

func (l ListenerFuncs) RecordAdded(run uuid.UUID, rec Record) {
	if l.OnRecord != nil {
		l.OnRecord(run, rec)
	}
}

func (l ListenerFuncs) ProgressChanged(run uuid.UUID, percent float64) {
	if l.OnProgress != nil {
		l.OnProgress(run, percent)
	}
}

func (l ListenerFuncs) RunFinished(s Summary) {
	if l.OnFinish != nil {
		l.OnFinish(s)
	}
}

// Run is a handle on one protocol execution.
type Run struct {
	id       uuid.UUID
	protocol Protocol
	started  time.Time
	cancel   context.CancelFunc
	done     chan struct{}

	mu       sync.Mutex
	state    State
	progress float64
	records  []Record
	summary  Summary
}

func (r *Run) ID() uuid.UUID { return r.id }
func (r *Run) Kind() Kind { return r.protocol.Kind() }

// Cancel requests cooperative cancellation. The run stops at its next step
// boundary; a bus exchange in flight always completes first.
func (r *Run) Cancel() { r.cancel() }

// Done is closed once the run has torn down and reached Idle.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx ends.
func (r *Run) Wait(ctx context.Context) (Summary, error) {
	select {
	case <-r.done:
		return r.Summary(), nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Run) Progress() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// Records returns a copy of the records committed so far.
func (r *Run) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}

// Summary is valid once Done is closed.
func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summary
}

func (r *Run) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// EngineOption configures NewEngine.
type EngineOption func(*Engine)

func WithTiming(t Timing) EngineOption {
	return func(e *Engine) { e.timing = t }
}

func WithDisconnectWait(d time.Duration) EngineOption {
	return func(e *Engine) { e.disconnectWait = d }
}

// Engine runs protocols against one session, at most one at a time.
type Engine struct {
	session        *Session
	timing         Timing
	disconnectWait time.Duration
	logger         *slog.Logger
	metrics        *Metrics

	mu     sync.Mutex
	active *Run
}

func NewEngine(s *Session, opts ...EngineOption) *Engine {
	e := &Engine{
		session:        s,
		timing:         DefaultTiming(),
		disconnectWait: DefaultDisconnectWait,
		logger:         s.logger,
		metrics:        s.metrics,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Session() *Session { return e.session }

// Active returns the running protocol, or nil.
func (e *Engine) Active() *Run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Start validates p and launches it in the background. Parameters are checked
// before any instrument I/O; a second start while a run is active is
// rejected with ErrRunActive. l may be nil.
func (e *Engine) Start(p Protocol, l Listener) (*Run, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if l == nil {
		l = ListenerFuncs{}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active != nil {
		return nil, ErrRunActive
	}
	if !e.session.Connected() {
		return nil, ErrNotConnected
	}

	ctx, cancel := context.WithCancel(context.Background())
	run := &Run{
		id:       uuid.New(),
		protocol: p,
		started:  time.Now(),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	e.active = run
	go e.execute(ctx, run, l)
	return run, nil
}

// Cancel requests cancellation of run.
func (e *Engine) Cancel(run *Run) {
	if run != nil {
		run.Cancel()
	}
}

// Disconnect cancels any active run, waits a bounded time for it to reach a
// step boundary and tears it down, then disconnects the session.
func (e *Engine) Disconnect() error {
	if run := e.Active(); run != nil {
		run.Cancel()
		select {
		case <-run.Done():
		case <-time.After(e.disconnectWait):
			e.logger.Warn("Run did not stop before disconnect deadline", "run_id", run.id, "wait", e.disconnectWait)
		}
	}
	return e.session.Disconnect()
}

var errCancelled = errors.New("run cancelled")

func (e *Engine) execute(ctx context.Context, run *Run, l Listener) {
	defer run.cancel()
	x := &execution{
		ctx:      ctx,
		run:      run,
		listener: l,
		session:  e.session,
		timing:   e.timing,
		metrics:  e.metrics,
		logger:   e.logger.With("run_id", run.id.String(), "protocol", run.Kind().String()),
	}
	x.logger.Info("Run started")

	err := x.arm()
	if err == nil {
		x.transition(StateRunning)
		err = run.protocol.steps(x)
	}

	var status Status
	switch {
	case err == nil:
		status = StatusCompleted
		x.transition(StateCompleting)
	case errors.Is(err, errCancelled):
		status = StatusCancelled
		err = nil
		x.transition(StateCancelling)
	default:
		status = StatusFaulted
		x.transition(StateFaulting)
	}
	x.teardown()
	if status == StatusCompleted {
		x.reportProgress(100)
	}

	run.mu.Lock()
	summary := Summary{
		RunID:    run.id,
		Kind:     run.Kind(),
		Status:   status,
		Err:      err,
		Started:  run.started,
		Finished: time.Now(),
		Records:  append([]Record(nil), run.records...),
	}
	summary.Cause = cause(status, err, len(summary.Records))
	run.summary = summary
	run.state = StateIdle
	run.mu.Unlock()

	e.mu.Lock()
	if e.active == run {
		e.active = nil
	}
	e.mu.Unlock()

	e.metrics.finished(run.Kind(), status, summary.Finished.Sub(summary.Started))
	if status == StatusFaulted {
		x.logger.Error("Run faulted", "error", err, "records", len(summary.Records))
	} else {
		x.logger.Info("Run finished", "status", status.String(), "records", len(summary.Records))
	}
	l.RunFinished(summary)
	close(run.done)
}

func cause(status Status, err error, records int) string {
	switch status {
	case StatusCompleted:
		return fmt.Sprintf("completed with %d records", records)
	case StatusCancelled:
		return fmt.Sprintf("cancelled by user after %d records", records)
	}
	return err.Error()
}

// execution is the background half of a run: it alone talks to the
// instrument while the run is active.
type execution struct {
	ctx      context.Context
	run      *Run
	listener Listener
	session  *Session
	timing   Timing
	metrics  *Metrics
	logger   *slog.Logger
}

type reading struct {
	voltage float64
	current float64
}

func (r reading) resistance() float64 { return Resistance(r.voltage, r.current) }

func (x *execution) transition(s State) {
	x.run.setState(s)
	x.logger.Debug("Run state", "state", s.String())
}

func (x *execution) arm() error {
	x.transition(StateArming)
	if err := Arm(x.session, x.run.protocol.Spec()); err != nil {
		return err
	}
	if err := x.session.setOutput(true); err != nil {
		return err
	}
	return x.sleep(x.timing.OutputSettle)
}

// boundary reports errCancelled once cancellation has been requested.
func (x *execution) boundary() error {
	if x.ctx.Err() != nil {
		return errCancelled
	}
	return nil
}

// sleep waits d unless the run is cancelled first. It never interrupts a bus
// exchange since none is in flight while sleeping.
func (x *execution) sleep(d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-x.ctx.Done():
		return errCancelled
	}
}

// step sets the source level, waits settle and takes one reading.
func (x *execution) step(role SourceRole, level float64, settle time.Duration) (reading, error) {
	if err := x.boundary(); err != nil {
		return reading{}, err
	}
	if err := x.session.setLevel(role, level); err != nil {
		return reading{}, err
	}
	if err := x.sleep(settle); err != nil {
		return reading{}, err
	}
	v, i, err := x.session.read()
	if err != nil {
		return reading{}, err
	}
	return reading{voltage: v, current: i}, nil
}

// commit appends rec to the run and emits it, followed by progress.
func (x *execution) commit(rec Record, progress float64) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}
	x.run.mu.Lock()
	x.run.records = append(x.run.records, rec)
	x.run.mu.Unlock()
	x.metrics.record(x.run.Kind())
	x.listener.RecordAdded(x.run.id, rec)
	x.reportProgress(progress)
}

// reportProgress clamps to [0, 100] and never moves backwards.
func (x *execution) reportProgress(p float64) {
	x.run.mu.Lock()
	p = math.Max(x.run.progress, math.Min(math.Max(p, 0), 100))
	x.run.progress = p
	x.run.mu.Unlock()
	x.metrics.progress(x.run.Kind(), p)
	x.listener.ProgressChanged(x.run.id, p)
}

// teardown forces the source to zero and the output off. Both are best
// effort: failures are logged so they cannot mask the run's own outcome.
func (x *execution) teardown() {
	role := x.run.protocol.Spec().Role
	if err := x.session.setLevel(role, 0); err != nil {
		x.logger.Warn("Teardown: source level to zero failed", "error", err)
	}
	if err := x.session.setOutput(false); err != nil {
		x.logger.Warn("Teardown: output off failed", "error", err)
	}
}
