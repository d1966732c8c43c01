// Package visa talks to instruments through a VISA resource manager.
package visa

import (
	"fmt"
	"math"
	"strings"
	"time"

	vi "github.com/jpoirier/visa"
	"github.com/pkg/errors"

	"github.com/dex-sp/smubench/instruments"
)

const bufferSize = 4096

// Opener opens instrument sessions on the default resource manager.
type Opener struct {
	rm vi.Session
}

func NewOpener() (*Opener, error) {
	rm, status := vi.OpenDefaultRM()
	if status < vi.SUCCESS {
		return nil, fmt.Errorf("could not open a session to the VISA Resource Manager: status %d", status)
	}
	return &Opener{rm: rm}, nil
}

// Open connects to resource name, e.g. "TCPIP0::192.168.0.10::INSTR" or
// "GPIB0::24::INSTR", and sets the session I/O timeout. A zero timeout keeps
// the VISA default.
func (o *Opener) Open(name string, timeout time.Duration) (instruments.Transport, error) {
	instr, status := o.rm.Open(name, uint32(vi.NULL), uint32(vi.NULL))
	if status < vi.SUCCESS {
		return nil, errors.Wrapf(fmt.Errorf("status %d", status), "an VISA error occurred while connect to \"%s\"", name)
	}
	if timeout > 0 {
		if status := instr.SetAttribute(vi.ATTR_TMO_VALUE, timeoutMillis(timeout)); status < vi.SUCCESS {
			desc, _ := instr.StatusDesc(status)
			instr.Close()
			return nil, errors.Wrapf(statusError(status, desc), "an VISA error occurred while setting %v timeout on \"%s\"", timeout, name)
		}
	}
	return &Transport{name: name, instr: instr}, nil
}

// timeoutMillis converts d to the VI_ATTR_TMO_VALUE unit, rounding up so a
// sub-millisecond timeout does not become VI_TMO_IMMEDIATE.
func timeoutMillis(d time.Duration) uint32 {
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxUint32-1 {
		ms = math.MaxUint32 - 1
	}
	return uint32(ms)
}

func (o *Opener) Close() error {
	if status := o.rm.Close(); status < vi.SUCCESS {
		return fmt.Errorf("close VISA resource manager: status %d", status)
	}
	return nil
}

// Transport is one open VISA instrument session.
type Transport struct {
	name  string
	instr vi.Object
}

// statusError formats a VISA status the way the instrument drivers report it:
// code, then the first sentence of its description.
func statusError(code interface{}, desc string) error {
	if i := strings.Index(desc, "."); i > 0 {
		desc = desc[:i]
	}
	return fmt.Errorf("%d, %s", code, desc)
}

// Write sends cmd.
func (t *Transport) Write(cmd string) error {
	_, status := t.instr.Write([]byte(cmd), uint32(len(cmd)))
	if status < vi.SUCCESS {
		desc, _ := t.instr.StatusDesc(status)
		return errors.Wrapf(statusError(status, desc), "an VISA error occurred while writing \"%s\" command", cmd)
	}
	return nil
}

// Query writes cmd and reads one reply line.
func (t *Transport) Query(cmd string) (string, error) {
	if err := t.Write(cmd); err != nil {
		return "", err
	}
	b, _, status := t.instr.Read(bufferSize)
	if status < vi.SUCCESS {
		desc, _ := t.instr.StatusDesc(status)
		return "", errors.Wrapf(statusError(status, desc), "an VISA error occurred while reading response after \"%s\" command", cmd)
	}
	response := string(b)
	if len(response) == 0 {
		return "", fmt.Errorf("get empty response from instr after \"%s\" command", cmd)
	}
	if i := strings.IndexByte(response, '\n'); i >= 0 {
		response = response[:i]
	}
	return response, nil
}

func (t *Transport) Close() error {
	if status := t.instr.Close(); status < vi.SUCCESS {
		desc, _ := t.instr.StatusDesc(status)
		return errors.Wrapf(statusError(status, desc), "close \"%s\"", t.name)
	}
	return nil
}
