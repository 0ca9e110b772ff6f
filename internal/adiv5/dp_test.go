package adiv5

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probecore/internal/link"
)

// fakeLink is a tiny, purpose-built Link for DP-level tests that need
// react-to-request behavior mocklink's pure script can't express as
// cleanly (CTRL/STAT power-up acks that follow the last write, per-APSEL
// IDR values chosen by the current SELECT).
type fakeLink struct {
	selectVal uint32
	ctrlstat  uint32
	apIDRs    map[uint8]uint32
	reads     int
}

func (f *fakeLink) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	f.reads++
	apndp := request&(1<<1) != 0
	addr := (request >> 1) & 0xc
	if !apndp {
		switch DPReg(addr) {
		case DPCTRLSTAT:
			return link.AckOK, f.ctrlstat, link.ParityOf32(f.ctrlstat), nil
		case DPRDBUFF:
			apsel := uint8(f.selectVal >> 24)
			bank := uint8(f.selectVal>>4) & 0xf
			v := f.apIDRs[apsel]
			_ = bank
			return link.AckOK, v, link.ParityOf32(v), nil
		}
	}
	return link.AckOK, 0, false, nil
}

func (f *fakeLink) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	apndp := request&(1<<1) != 0
	addr := (request >> 1) & 0xc
	if !apndp {
		switch DPReg(addr) {
		case DPSELECT:
			f.selectVal = data
		case DPCTRLSTAT:
			// Simulate the power-up ack following one cycle behind the
			// request, as real silicon does.
			if data&(ctrlstatCSYSPWRUPREQ|ctrlstatCDBGPWRUPREQ) == (ctrlstatCSYSPWRUPREQ | ctrlstatCDBGPWRUPREQ) {
				f.ctrlstat = ctrlstatCSYSPWRUPACK | ctrlstatCDBGPWRUPACK | data
			} else {
				f.ctrlstat = data
			}
		}
	}
	return link.AckOK, nil
}

func TestDPInitPowerUp(t *testing.T) {
	fl := &fakeLink{}
	dp := New(fl)
	err := dp.Init(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint32(ctrlstatCSYSPWRUPACK|ctrlstatCDBGPWRUPACK), fl.ctrlstat&(ctrlstatCSYSPWRUPACK|ctrlstatCDBGPWRUPACK))
}

func TestDPInitTimesOutWithoutAck(t *testing.T) {
	dp := New(&stuckLink{})
	err := dp.Init(context.Background())
	assert.Error(t, err)
}

type stuckLink struct{}

func (s *stuckLink) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	return link.AckOK, 0, false, nil
}
func (s *stuckLink) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	return link.AckOK, nil
}

func TestProbeAPsStopsAtFirstGap(t *testing.T) {
	fl := &fakeLink{apIDRs: map[uint8]uint32{
		0: 0x24770011,
		1: 0x04770021,
		2: 0, // gap: probing must stop here
		3: 0x12345678,
	}}
	dp := New(fl)
	aps, err := dp.ProbeAPs(context.Background())
	require.NoError(t, err)
	require.Len(t, aps, 2)
	assert.Equal(t, uint8(0), aps[0].APSel)
	assert.Equal(t, uint32(0x24770011), aps[0].IDR)
	assert.Equal(t, uint8(1), aps[1].APSel)
}
