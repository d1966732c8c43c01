package instruments

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArmSequence2400(t *testing.T) {
	s, ft := connectFake(t, idn2400)
	spec := SourceSpec{Role: SourceVoltage, Compliance: 1e-3}

	require.NoError(t, Arm(s, spec))
	assert.Equal(t, []string{
		":SOUR:FUNC VOLT",
		":SOUR:VOLT:ILIM 0.001",
		":SENS:CURR:RANG:AUTO ON",
		":SENS:CURR:RANG:UPP " + num(spec.rangeHint()),
		":SENS:CURR:PROT 0.001",
		":SENS:FUNC 'CURR'",
	}, ft.Commands()[:6])
}

func TestArmSequence2400FixedRangeSnaps(t *testing.T) {
	s, ft := connectFake(t, idn2400)

	require.NoError(t, Arm(s, SourceSpec{Role: SourceVoltage, Compliance: 1e-3, Range: FixedRange(5e-6)}))
	cmds := ft.Commands()
	assert.Contains(t, cmds, ":SENS:CURR:RANG:AUTO OFF")
	assert.Contains(t, cmds, ":SENS:CURR:RANG 1e-05")
}

func TestArmSequence2400CurrentSource(t *testing.T) {
	s, ft := connectFake(t, idn2400)

	require.NoError(t, Arm(s, SourceSpec{Role: SourceCurrent, Compliance: 2}))
	cmds := ft.Commands()
	assert.Equal(t, ":SOUR:FUNC CURR", cmds[0])
	assert.Equal(t, ":SOUR:CURR:VLIM 2", cmds[1])
	assert.Equal(t, ":SENS:VOLT:RANG:AUTO ON", cmds[2])
	assert.Contains(t, cmds, ":SENS:VOLT:PROT 2")
	assert.Contains(t, cmds, ":SENS:FUNC 'VOLT'")
}

func TestArmSequence2600(t *testing.T) {
	s, ft := connectFake(t, idn2636)

	require.NoError(t, Arm(s, SourceSpec{Role: SourceVoltage, Compliance: 0.01}))
	assert.Equal(t, []string{
		"smua.source.func = smua.OUTPUT_DCVOLTS",
		"smua.source.limiti = 0.01",
		"smua.measure.autorangei = smua.AUTORANGE_ON",
		"display.smua.measure.func = display.MEASURE_DCAMPS",
	}, ft.Commands())
}

func TestArmSequence2600FixedRange(t *testing.T) {
	s, ft := connectFake(t, idn2636)

	require.NoError(t, Arm(s, SourceSpec{Role: SourceVoltage, Compliance: 0.01, Range: FixedRange(1e-4)}))
	cmds := ft.Commands()
	assert.Equal(t, "smua.measure.autorangei = smua.AUTORANGE_OFF", cmds[2])
	assert.Equal(t, "smua.measure.rangei = 0.0001", cmds[3])
}

func TestArmSequenceOrder(t *testing.T) {
	for _, idn := range []string{idn2400, idn2636, idnGeneric} {
		s, ft := connectFake(t, idn)
		require.NoError(t, Arm(s, SourceSpec{Role: SourceVoltage, Compliance: 1e-3}))
		cmds := ft.Commands()

		function := indexOf(cmds, s.cmds.sourceFunction(SourceVoltage))
		compliance := indexOf(cmds, s.cmds.compliance(SourceVoltage, 1e-3))
		rng := indexOf(cmds, s.cmds.measureRange(SourceVoltage, AutoRange, 1)[0])
		measure := indexOf(cmds, s.cmds.measureFunction(SourceVoltage))
		assert.True(t, function >= 0 && function < compliance, idn)
		assert.True(t, compliance < rng, idn)
		assert.True(t, rng < measure, idn)
		if p := s.cmds.protection(SourceVoltage, 1e-3); p != "" {
			protection := indexOf(cmds, p)
			assert.True(t, rng < protection && protection < measure, idn)
		}
	}
}

func TestArmFailureIsConfigurationError(t *testing.T) {
	s, ft := connectFake(t, idn2400)
	cause := errors.New("bus timeout")
	ft.fail(":SOUR:VOLT:ILIM", cause)

	err := Arm(s, SourceSpec{Role: SourceVoltage, Compliance: 1e-3})
	var ce *ConfigurationError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "compliance", ce.Step)
	assert.Equal(t, SourceVoltage, ce.Spec.Role)
	assert.Equal(t, 1e-3, ce.Spec.Compliance)
	assert.Contains(t, err.Error(), "configure compliance (Voltage source, compliance 0.001, range AUTO)")
	assert.Contains(t, err.Error(), "bus timeout")
	var cmdErr *CommandError
	require.True(t, errors.As(err, &cmdErr))
	assert.Equal(t, ":SOUR:VOLT:ILIM 0.001", cmdErr.Command)
	assert.True(t, errors.Is(err, cause))

	assert.NotContains(t, ft.Commands(), ":OUTP ON")
	assert.NotContains(t, ft.Commands(), ":SENS:FUNC 'CURR'")
}

func TestSetWireMode(t *testing.T) {
	s, ft := connectFake(t, idn2400)
	SetWireMode(s, FourWire)
	SetWireMode(s, TwoWire)
	assert.Equal(t, []string{":SYST:RSEN ON", ":SYST:RSEN OFF"}, ft.Commands())

	s, ft = connectFake(t, idn2636)
	SetWireMode(s, FourWire)
	assert.Equal(t, []string{"smua.sense = smua.SENSE_REMOTE"}, ft.Commands())

	s, ft = connectFake(t, idnGeneric)
	SetWireMode(s, FourWire)
	assert.Empty(t, ft.Commands())
}

func TestSetWireModeFailureIsIgnored(t *testing.T) {
	s, ft := connectFake(t, idn2400)
	ft.fail(":SYST:RSEN", errors.New("undefined header"))
	assert.NotPanics(t, func() { SetWireMode(s, FourWire) })
}

func TestWireModeString(t *testing.T) {
	assert.Equal(t, "2-Wire", TwoWire.String())
	assert.Equal(t, "4-Wire", FourWire.String())
}
