package instruments

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	idn2400    = "KEITHLEY INSTRUMENTS INC.,MODEL 2400,1234567,C30   Mar 17 2006 09:29:29/A02  /K/J"
	idn2636    = "Keithley Instruments Inc., Model 2636B, 4024001, 3.2.2"
	idnGeneric = "Rigol Technologies,DP832,DP8C000001,00.01.14"

	// fakeLoad is the resistance the fake instrument simulates.
	fakeLoad = 1000.0
)

// fakeTransport simulates an SMU driving a resistor and records every
// command it receives.
type fakeTransport struct {
	mu       sync.Mutex
	identity string
	commands []string
	replies  map[string]string
	failures map[string]error
	holds    map[string]*heldQuery
	level    float64
	closed   bool
}

// heldQuery parks queries of one command until release is closed.
type heldQuery struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newFakeTransport(identity string) *fakeTransport {
	return &fakeTransport{
		identity: identity,
		replies:  map[string]string{},
		failures: map[string]error{},
		holds:    map[string]*heldQuery{},
	}
}

// hold blocks queries of cmd inside the transport. entered receives when a
// query is parked; release lets every parked and later query through.
func (f *fakeTransport) hold(cmd string) (entered <-chan struct{}, release func()) {
	h := &heldQuery{entered: make(chan struct{}, 1), release: make(chan struct{})}
	f.mu.Lock()
	f.holds[cmd] = h
	f.mu.Unlock()
	return h.entered, func() { h.once.Do(func() { close(h.release) }) }
}

// fail makes every command starting with prefix return err.
func (f *fakeTransport) fail(prefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[prefix] = err
}

func (f *fakeTransport) reply(cmd, reply string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[cmd] = reply
}

func (f *fakeTransport) failure(cmd string) error {
	for prefix, err := range f.failures {
		if strings.HasPrefix(cmd, prefix) {
			return err
		}
	}
	return nil
}

func (f *fakeTransport) Write(cmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if err := f.failure(cmd); err != nil {
		return err
	}
	for _, prefix := range []string{":SOUR:VOLT:LEV ", "smua.source.levelv = "} {
		if strings.HasPrefix(cmd, prefix) {
			f.level, _ = strconv.ParseFloat(strings.TrimPrefix(cmd, prefix), 64)
		}
	}
	return nil
}

func (f *fakeTransport) Query(cmd string) (string, error) {
	f.mu.Lock()
	h := f.holds[cmd]
	f.mu.Unlock()
	if h != nil {
		select {
		case h.entered <- struct{}{}:
		default:
		}
		<-h.release
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	if err := f.failure(cmd); err != nil {
		return "", err
	}
	if r, ok := f.replies[cmd]; ok {
		return r, nil
	}
	switch cmd {
	case "*IDN?":
		return f.identity + "\n", nil
	case "SYST:ERR?":
		return "0,\"No error\"", nil
	case ":READ?":
		return fmt.Sprintf("%E,%E,%E\n", f.level, f.level/fakeLoad, 1.25), nil
	case "printnumber(smua.measure.v(), smua.measure.i())":
		return fmt.Sprintf("%e, %e\n", f.level, f.level/fakeLoad), nil
	}
	return "", nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeTransport) clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fakeOpener(ft *fakeTransport) Opener {
	return OpenerFunc(func(string, time.Duration) (Transport, error) { return ft, nil })
}

// connectFake connects to a fake instrument and forgets the connect-time
// configuration commands.
func connectFake(t *testing.T, identity string, opts ...SessionOption) (*Session, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport(identity)
	opts = append([]SessionOption{WithResetDelay(0), WithLogger(discardLogger())}, opts...)
	s, err := Connect(fakeOpener(ft), "FAKE0::INSTR", opts...)
	require.NoError(t, err)
	ft.clear()
	return s, ft
}

func indexOf(cmds []string, cmd string) int {
	for i, c := range cmds {
		if c == cmd {
			return i
		}
	}
	return -1
}
