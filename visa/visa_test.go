//go:build hardware

package visa

import (
	"os"
	"testing"
	"time"
	"unsafe"

	"github.com/joho/godotenv"
	vi "github.com/jpoirier/visa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dex-sp/smubench/instruments"
)

// TestKeithleySession needs a real instrument; set SMU_ADDRESS in .env or the
// environment, e.g. SMU_ADDRESS=GPIB0::24::INSTR.
func TestKeithleySession(t *testing.T) {
	_ = godotenv.Load()
	addr, exists := os.LookupEnv("SMU_ADDRESS")
	if !exists {
		t.Skip("SMU_ADDRESS not set")
	}

	rm, err := NewOpener()
	require.NoError(t, err)
	defer rm.Close()

	s, err := instruments.Connect(rm, addr, instruments.WithTimeout(5*time.Second))
	require.NoError(t, err)
	defer s.Disconnect()

	assert.NotEqual(t, instruments.GenericSCPI, s.Dialect(), "identity %q", s.Identity().Raw)
	t.Log(s.Identity())

	e := instruments.NewEngine(s)
	run, err := e.Start(instruments.Sweep{Start: 0, Stop: 0.1, Points: 5, Compliance: 1e-3}, nil)
	require.NoError(t, err)
	<-run.Done()
	summary := run.Summary()
	require.NoError(t, summary.Err)
	assert.Len(t, summary.Records, 5)
}

func TestTimeoutMillis(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want uint32
	}{
		{30 * time.Second, 30000},
		{1500 * time.Microsecond, 2},
		{time.Nanosecond, 1},
		{24 * 365 * 24 * time.Hour, 1<<32 - 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, timeoutMillis(tt.in), tt.in.String())
	}
}

func TestOpenSetsTimeout(t *testing.T) {
	_ = godotenv.Load()
	addr, exists := os.LookupEnv("SMU_ADDRESS")
	if !exists {
		t.Skip("SMU_ADDRESS not set")
	}

	rm, err := NewOpener()
	require.NoError(t, err)
	defer rm.Close()

	tr, err := rm.Open(addr, 7*time.Second)
	require.NoError(t, err)
	defer tr.Close()

	var tmo uint32
	status := tr.(*Transport).instr.GetAttribute(vi.ATTR_TMO_VALUE, unsafe.Pointer(&tmo))
	require.False(t, status < vi.SUCCESS, "status %d", status)
	assert.Equal(t, uint32(7000), tmo)
}

// TestSwitchMatrix needs an Agilent 34980A at MATRIX_ADDRESS.
func TestSwitchMatrix(t *testing.T) {
	_ = godotenv.Load()
	addr, exists := os.LookupEnv("MATRIX_ADDRESS")
	if !exists {
		t.Skip("MATRIX_ADDRESS not set")
	}

	rm, err := NewOpener()
	require.NoError(t, err)
	defer rm.Close()

	instr, err := rm.Open(addr, 5*time.Second)
	require.NoError(t, err)

	sw, err := instruments.NewAgilent34980A(instr, 32, nil)
	require.NoError(t, err)
	defer sw.Close()

	require.NoError(t, sw.Route(instruments.Device{Name: "probe", Hi: 1, Lo: 2}))
	require.NoError(t, sw.OpenAllRelays())
}
