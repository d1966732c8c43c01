// Agilent 34980A Multifunction Switch/Measure Mainframe with 34932A Dual 4x16
// Armature Matrix modules, used to route SMU terminals to devices on a fixture.
// https://www.keysight.com/ru/ru/assets/9018-02146/user-manuals/9018-02146.pdf
// https://www.keysight.com/ru/ru/assets/9018-02148/user-manuals/9018-02148.pdf

package instruments

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	moduleDual4x16 = "34932A"
	moduleRowNum   = 4
	moduleColNum   = 16
	slotNum        = 8
	relayRatio     = 1000
	pinsInModule   = 2 * moduleColNum
)

// Matrix rows the SMU terminals are wired to.
const (
	RowForceHi = 1
	RowForceLo = 2
	RowSenseHi = 3
	RowSenseLo = 4
)

// PinCode identifies fixture pin on matrix row.
func PinCode(row, pin int) int { return row*relayRatio + pin }

// Device is a two-terminal device on the fixture.
type Device struct {
	Name     string `yaml:"name"`
	Hi       int    `yaml:"hi"`
	Lo       int    `yaml:"lo"`
	FourWire bool   `yaml:"four_wire"`
}

func (d Device) pinCodes() []int {
	codes := []int{PinCode(RowForceHi, d.Hi), PinCode(RowForceLo, d.Lo)}
	if d.FourWire {
		codes = append(codes, PinCode(RowSenseHi, d.Hi), PinCode(RowSenseLo, d.Lo))
	}
	return codes
}

type Agilent34980A struct {
	instr     Transport
	logger    *slog.Logger
	pinsMap   map[int]int
	relaysMap map[int]int
}

// NewAgilent34980A resets the mainframe and builds the pin to relay table for
// pinsNum fixture pins across the installed 34932A modules.
func NewAgilent34980A(instr Transport, pinsNum int, logger *slog.Logger) (*Agilent34980A, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sw := &Agilent34980A{instr: instr, logger: logger.With("instrument", "34980A")}
	if err := instr.Write("*RST"); err != nil {
		return nil, errors.Wrap(err, "switch matrix reset failed")
	}
	slots, err := sw.CheckSlots()
	if err != nil {
		return nil, err
	}
	if err := sw.fillPinMap(slots, pinsNum); err != nil {
		return nil, err
	}
	return sw, nil
}

// CheckSlots reports the module installed in each slot, "empty" when none.
func (sw *Agilent34980A) CheckSlots() ([slotNum]string, error) {
	var modules [slotNum]string
	for i := range modules {
		reply, err := sw.instr.Query(fmt.Sprintf("SYSTem:CTYPe? %d", i+1))
		if err != nil {
			return modules, errors.Wrapf(err, "query slot %d", i+1)
		}
		fields := strings.Split(strings.TrimSpace(reply), ",")
		if len(fields) < 2 || strings.TrimSpace(fields[1]) == "0" {
			modules[i] = "empty"
			continue
		}
		modules[i] = strings.TrimSpace(fields[1])
	}
	return modules, nil
}

// fillPinMap assigns 32 pins per 34932A: pins 1-16 of a module land on its
// first 4x16 matrix (rows 1-4), pins 17-32 on the second (rows 5-8).
func (sw *Agilent34980A) fillPinMap(slots [slotNum]string, pinsNum int) error {
	var modules []int
	for i, m := range slots {
		if m == moduleDual4x16 {
			modules = append(modules, i+1)
		}
	}
	if len(modules) == 0 {
		return fmt.Errorf("no %s module found in Agilent 34980A slots", moduleDual4x16)
	}
	if limit := len(modules) * pinsInModule; pinsNum > limit {
		sw.logger.Warn("Not enough matrix modules for fixture, truncating pin table",
			"pins", pinsNum, "modules", len(modules), "max_pins", limit)
		pinsNum = limit
	}

	sw.pinsMap = make(map[int]int, pinsNum*moduleRowNum)
	sw.relaysMap = make(map[int]int, pinsNum*moduleRowNum)
	for pin := 1; pin <= pinsNum; pin++ {
		slot := modules[(pin-1)/pinsInModule]
		local := (pin - 1) % pinsInModule
		bank := local / moduleColNum
		col := local%moduleColNum + 1
		for row := 1; row <= moduleRowNum; row++ {
			relay := slot*relayRatio + (row+bank*moduleRowNum)*100 + col
			sw.pinsMap[PinCode(row, pin)] = relay
			sw.relaysMap[relay] = PinCode(row, pin)
		}
	}
	return nil
}

// PinsToRelays converts pin codes into 34932A channel numbers.
func (sw *Agilent34980A) PinsToRelays(pins []int) ([]int, error) {
	relays := make([]int, len(pins))
	var wrong []int
	for i, pin := range pins {
		relay, ok := sw.pinsMap[pin]
		if !ok {
			wrong = append(wrong, pin)
			continue
		}
		relays[i] = relay
	}
	if len(wrong) > 0 {
		return nil, fmt.Errorf("%s are not pin numbers for the current configuration of Agilent 34980A (%d row by %d pins)",
			joinInts(wrong), moduleRowNum, len(sw.pinsMap)/moduleRowNum)
	}
	return relays, nil
}

// RelaysToPins converts channel numbers back into pin codes.
func (sw *Agilent34980A) RelaysToPins(relays []int) ([]int, error) {
	pins := make([]int, len(relays))
	var wrong []int
	for i, relay := range relays {
		pin, ok := sw.relaysMap[relay]
		if !ok {
			wrong = append(wrong, relay)
			continue
		}
		pins[i] = pin
	}
	if len(wrong) > 0 {
		return nil, fmt.Errorf("%s are not relay numbers of Agilent 34980A", joinInts(wrong))
	}
	return pins, nil
}

// PinsToRelaysString renders the channel list for ROUT commands, collapsing
// consecutive channels into first:last ranges.
func (sw *Agilent34980A) PinsToRelaysString(pins []int) (string, error) {
	relays, err := sw.PinsToRelays(pins)
	if err != nil {
		return "", err
	}
	sort.Ints(relays)
	var parts []string
	for i := 0; i < len(relays); {
		j := i
		for j+1 < len(relays) && relays[j+1] == relays[j]+1 {
			j++
		}
		if j > i {
			parts = append(parts, fmt.Sprintf("%d:%d", relays[i], relays[j]))
		} else {
			parts = append(parts, strconv.Itoa(relays[i]))
		}
		i = j + 1
	}
	return strings.Join(parts, ","), nil
}

// SetCommutation closes (state true) or opens the relays of pins.
func (sw *Agilent34980A) SetCommutation(pins []int, state bool) error {
	action := "OPEN"
	if state {
		action = "CLOSE"
	}
	list, err := sw.PinsToRelaysString(pins)
	if err != nil {
		return errors.Wrap(err, "commutation failed")
	}
	if err := sw.instr.Write(fmt.Sprintf("ROUT:%s (@%s)", action, list)); err != nil {
		return errors.Wrap(err, "commutation failed")
	}
	return nil
}

func (sw *Agilent34980A) OpenAllRelays() error {
	return errors.Wrap(sw.instr.Write("ROUT:OPEN:ALL ALL"), "open all relays")
}

// Route disconnects everything and connects d to the SMU rows.
func (sw *Agilent34980A) Route(d Device) error {
	if err := sw.OpenAllRelays(); err != nil {
		return err
	}
	if err := sw.SetCommutation(d.pinCodes(), true); err != nil {
		return errors.Wrapf(err, "route device %s", d.Name)
	}
	sw.logger.Info("Device routed", "device", d.Name, "hi", d.Hi, "lo", d.Lo, "four_wire", d.FourWire)
	return nil
}

func (sw *Agilent34980A) Close() error {
	openErr := sw.OpenAllRelays()
	if err := sw.instr.Close(); err != nil {
		return err
	}
	return openErr
}

func joinInts(v []int) string {
	s := make([]string, len(v))
	for i, n := range v {
		s[i] = strconv.Itoa(n)
	}
	return strings.Join(s, ",")
}
