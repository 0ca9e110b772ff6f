package adiv5

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probecore/internal/link"
)

// memLink models a MEM-AP over a flat byte array, reproducing the SWD
// read-pipeline-is-one-deep behavior: an AP read's data phase carries the
// PREVIOUS AP read's result, and TAR auto-increments on DRW access.
type memLink struct {
	mem       []uint32
	selectVal uint32
	csw       uint32
	tar       uint32
	pendingAP uint32 // result not yet surfaced (pipeline register)
	havePend  bool
}

func newMemLink(words int) *memLink {
	return &memLink{mem: make([]uint32, words)}
}

func (m *memLink) idx() uint32 { return m.tar / 4 }

func (m *memLink) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	apndp := request&(1<<1) != 0
	addr := (request >> 1) & 0xc
	if apndp {
		// AP read: surface the previous pending value, queue a new one.
		ret := m.pendingAP
		had := m.havePend
		if addr == apDRW {
			m.pendingAP = m.mem[m.idx()]
			m.tar += 4
		} else if addr == apCSW {
			m.pendingAP = m.csw
		}
		m.havePend = true
		if !had {
			ret = 0
		}
		return link.AckOK, ret, link.ParityOf32(ret), nil
	}
	switch DPReg(addr) {
	case DPRDBUFF:
		return link.AckOK, m.pendingAP, link.ParityOf32(m.pendingAP), nil
	case DPCTRLSTAT:
		return link.AckOK, ctrlstatCSYSPWRUPACK | ctrlstatCDBGPWRUPACK, true, nil
	}
	return link.AckOK, 0, false, nil
}

func (m *memLink) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	apndp := request&(1<<1) != 0
	addr := (request >> 1) & 0xc
	if apndp {
		switch addr {
		case apCSW:
			m.csw = data
		case apTAR:
			m.tar = data
		case apDRW:
			m.mem[m.idx()] = data
			m.tar += 4
		}
		return link.AckOK, nil
	}
	if DPReg(addr) == DPSELECT {
		m.selectVal = data
	}
	return link.AckOK, nil
}

func newTestAP(t *testing.T, words int) (*AP, *memLink) {
	ml := newMemLink(words)
	dp := New(ml)
	ap := &AP{DP: dp, APSel: 0}
	require.NoError(t, ap.Init(context.Background()))
	return ap, ml
}

func TestAPReadWriteWordsRoundTrip(t *testing.T) {
	ap, _ := newTestAP(t, 16)
	ctx := context.Background()
	want := []uint32{0x11111111, 0x22222222, 0x33333333, 0x44444444}
	require.NoError(t, ap.WriteWords(ctx, 0, want))
	got, err := ap.ReadWords(ctx, 0, len(want))
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAPReadWordsCrossing1KiBBoundary(t *testing.T) {
	ap, _ := newTestAP(t, 1024)
	ctx := context.Background()
	// Straddle the 0x400 boundary: start 2 words before it, read 6 words.
	addr := uint32(0x400 - 2*4)
	vals := make([]uint32, 6)
	for i := range vals {
		vals[i] = uint32(0xa0000000 + i)
	}
	require.NoError(t, ap.WriteWords(ctx, addr, vals))
	got, err := ap.ReadWords(ctx, addr, len(vals))
	require.NoError(t, err)
	assert.Equal(t, vals, got)
}

func TestChunksNeverCrossBoundary(t *testing.T) {
	cs := chunks(0x400-8, 6, 4)
	require.Len(t, cs, 2)
	assert.Equal(t, 2, cs[0].count)
	assert.Equal(t, uint32(0x400), cs[1].addr)
	assert.Equal(t, 4, cs[1].count)
}

func TestAPReadBytesUnaligned(t *testing.T) {
	ap, _ := newTestAP(t, 4)
	ctx := context.Background()
	require.NoError(t, ap.WriteWords(ctx, 0, []uint32{0x04030201}))
	b, err := ap.ReadBytes(ctx, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x03}, b)
}
