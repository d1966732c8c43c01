// Package gpib reaches GPIB instruments through a Prologix GPIB-USB
// controller on a serial port.
package gpib

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gotmc/prologix"
	"github.com/pkg/errors"
	"github.com/tarm/serial"

	"github.com/dex-sp/smubench/instruments"
)

const DefaultBaudRate = 115200

// The controller's own GPIB read timeout is limited to 1-3000 ms.
const maxBusReadTimeout = 3000 * time.Millisecond

// Opener opens GPIB instruments behind a Prologix controller on Port.
// Addresses are GPIB primary addresses ("24") or primary:secondary ("24:2"
// or the Prologix form "24:98").
type Opener struct {
	Port     string
	BaudRate int
	// WriteDelay is a pause after every command, for instruments that drop
	// commands sent back to back.
	WriteDelay time.Duration
}

func (o Opener) Open(address string, timeout time.Duration) (instruments.Transport, error) {
	pad, sad, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	baud := o.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	port, err := serial.OpenPort(&serial.Config{
		Name:        o.Port,
		Baud:        baud,
		ReadTimeout: timeout,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open serial port %s", o.Port)
	}

	t, err := newTransport(port, pad, sad, timeout, o.WriteDelay)
	if err != nil {
		_ = port.Close()
		return nil, errors.Wrapf(err, "prologix controller for GPIB address %s", address)
	}
	return t, nil
}

// newTransport puts the controller in charge of pad (and sad when not -1)
// on port.
func newTransport(port io.ReadWriteCloser, pad, sad int, timeout, writeDelay time.Duration) (*Transport, error) {
	ctrl, err := prologix.NewController(port, pad, false)
	if err != nil {
		return nil, err
	}
	if sad >= 0 {
		if err := ctrl.CommandController(fmt.Sprintf("addr %d %d", pad, sad)); err != nil {
			return nil, errors.Wrap(err, "set secondary address")
		}
	}
	if timeout > 0 {
		if err := ctrl.SetReadTimeout(busReadTimeout(timeout)); err != nil {
			return nil, errors.Wrap(err, "set read timeout")
		}
	}
	return &Transport{ctrl: ctrl, port: port, writeDelay: writeDelay}, nil
}

// busReadTimeout converts d to whole milliseconds within the controller's
// limits.
func busReadTimeout(d time.Duration) int {
	if d > maxBusReadTimeout {
		d = maxBusReadTimeout
	}
	ms := int((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

func parseAddress(address string) (pad, sad int, err error) {
	primary, secondary, found := strings.Cut(strings.TrimSpace(address), ":")
	pad, err = strconv.Atoi(primary)
	if err != nil || pad < 0 || pad > 30 {
		return 0, 0, errors.Errorf("invalid GPIB primary address \"%s\"", address)
	}
	sad = -1
	if found {
		sad, err = strconv.Atoi(secondary)
		switch {
		case err != nil:
		case sad >= 0 && sad <= 30:
			return pad, sad + 96, nil
		case sad >= 96 && sad <= 126:
			return pad, sad, nil
		}
		return 0, 0, errors.Errorf("invalid GPIB secondary address \"%s\"", address)
	}
	return pad, sad, nil
}

// Transport is one instrument on the controller.
type Transport struct {
	ctrl       *prologix.Controller
	port       io.Closer
	writeDelay time.Duration
}

func (t *Transport) Write(cmd string) error {
	if err := t.ctrl.Command("%s", cmd); err != nil {
		return errors.Wrapf(err, "write \"%s\"", cmd)
	}
	if t.writeDelay > 0 {
		time.Sleep(t.writeDelay)
	}
	return nil
}

// Query sends cmd and reads the reply. A read that times out on the serial
// port comes back empty and is reported as an error.
func (t *Transport) Query(cmd string) (string, error) {
	reply, err := t.ctrl.Query(cmd)
	if err != nil {
		return "", errors.Wrapf(err, "query \"%s\"", cmd)
	}
	reply = strings.TrimSpace(reply)
	if reply == "" {
		return "", errors.Errorf("get empty response from instr after \"%s\" command", cmd)
	}
	return reply, nil
}

// Close hands the instrument back to its front panel and closes the port.
func (t *Transport) Close() error {
	panelErr := t.ctrl.FrontPanel(true)
	if err := t.port.Close(); err != nil {
		return errors.Wrap(err, "close serial port")
	}
	return errors.Wrap(panelErr, "return front panel control")
}
