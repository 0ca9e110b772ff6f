package cortexm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMem models the debug register block plus a register-transfer
// front-end: DHCSR always reads back with S_REGRDY and C_HALT set, so
// register transfers complete at once and the core always reports halted
// (WaitHalt doesn't spin forever in tests).
type fakeMem struct {
	regs    map[uint32]uint32
	dcrdr   uint32
	regFile [19]uint32 // R0-15, XPSR, MSP, PSP indexed by DCRSR REGSEL
}

func newFakeMem(cpuid uint32) *fakeMem {
	f := &fakeMem{regs: map[uint32]uint32{regCPUID: cpuid}}
	return f
}

func (f *fakeMem) ReadWords(ctx context.Context, addr uint32, count int) ([]uint32, error) {
	out := make([]uint32, count)
	for i := range out {
		a := addr + uint32(i)*4
		if a == regDHCSR {
			out[i] = dhcsrSRegrdy | dhcsrCHalt
			continue
		}
		if a == regDCRDR {
			out[i] = f.dcrdr
			continue
		}
		out[i] = f.regs[a]
	}
	return out, nil
}

func (f *fakeMem) WriteWords(ctx context.Context, addr uint32, vals []uint32) error {
	for i, v := range vals {
		a := addr + uint32(i)*4
		switch a {
		case regDCRDR:
			f.dcrdr = v
		case regDCRSR:
			sel := v & 0x1f
			if v&(1<<16) != 0 {
				f.regFile[sel] = f.dcrdr
			} else {
				f.dcrdr = f.regFile[sel]
			}
		default:
			f.regs[a] = v
		}
	}
	return nil
}

func TestInitAcceptsCortexM4(t *testing.T) {
	f := newFakeMem(0x410fc241)
	d := New(f)
	require.NoError(t, d.Init(context.Background()))
}

func TestInitRejectsNonARM(t *testing.T) {
	f := newFakeMem(0xdeadbeef)
	d := New(f)
	assert.Error(t, d.Init(context.Background()))
}

func TestSetGetRegRoundTrip(t *testing.T) {
	f := newFakeMem(0x410fc241)
	d := New(f)
	require.NoError(t, d.SetReg(context.Background(), RegR0, 0x12345678))
	v, err := d.GetReg(context.Background(), RegR0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), v)
}

func TestResetHaltThenRun(t *testing.T) {
	f := newFakeMem(0x410fc241)
	d := New(f)
	require.NoError(t, d.ResetHalt(context.Background()))
	assert.NotZero(t, f.regs[regAIRCR]&aircrSysresetreq)
	require.NoError(t, d.Run(context.Background(), false))
}

func TestGetRegsFullFile(t *testing.T) {
	f := newFakeMem(0x410fc241)
	d := New(f)
	want := &RegFile{MSP: 0x20001000}
	want.R[15] = 0x08000100
	require.NoError(t, d.SetRegs(context.Background(), want))
	got, err := d.GetRegs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want.R[15], got.R[15])
	assert.Equal(t, want.MSP, got.MSP)
}
