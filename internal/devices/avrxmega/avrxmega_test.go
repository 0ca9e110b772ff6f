package avrxmega

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probecore/internal/breakwatch"
	"github.com/mongoose-os/probecore/internal/link"
	"github.com/mongoose-os/probecore/internal/pdi"
)

// Raw PDI instruction-byte encoding, duplicated here (rather than imported)
// because fakeXmegaLink has to decode the wire format itself, the same way
// a real XMEGA's PDI front-end would; internal/pdi's opcode constants are
// unexported.
const (
	opLDS    = 0x00
	opLD     = 0x20
	opSTS    = 0x40
	opST     = 0x60
	opLDCS   = 0x80
	opREPEAT = 0xa0
	opSTCS   = 0xc0
	opKEY    = 0xe0

	csStatusNVMEN = 1 << 3
)

type opState int

const (
	stateIdle opState = iota
	stateLDCSWait
	stateSTCSData
	stateLDSAddr
	stateLDSData
	stateSTSAddr
	stateSTSData
	stateREPEATCount
	stateSTData
	stateLDData
	stateKeyData
)

func assembleLE(b []byte) uint32 {
	var v uint32
	for i, c := range b {
		v |= uint32(c) << (8 * uint(i))
	}
	return v
}

// fakeXmegaLink decodes the PDI 9-bit frame stream closely enough to drive
// Flash/BreakUnit end to end: a flat data-space memory, the ptr/repeat
// registers LD/ST(ptr) rely on, and an NVM-busy countdown armed by a
// CMDEX write to CSControl (mirroring the real controller's command
// execution + busy-poll handshake).
type fakeXmegaLink struct {
	mem         map[uint32]byte
	ptr         uint32
	repeatCount uint32

	resetReg byte
	csStatus byte
	busyLeft int

	r4Written        bool
	resetReleased    bool
	r3PostResetReads int

	state     opState
	reg       uint8
	addrBytes []byte
	addrNeed  int
	dataNeed  int
	dataBytes []byte
	curAddr   uint32
}

func newFakeXmegaLink() *fakeXmegaLink {
	return &fakeXmegaLink{mem: map[uint32]byte{}, csStatus: csStatusNVMEN}
}

func (f *fakeXmegaLink) decodeInstr(b byte) {
	switch {
	case b&0xe0 == opLDCS:
		f.reg = b & 0xf
		f.state = stateLDCSWait
	case b&0xe0 == opSTCS:
		f.reg = b & 0xf
		f.state = stateSTCSData
	case b&0xe0 == opLDS:
		f.addrNeed = int((b>>2)&3) + 1
		f.dataNeed = int(b&3) + 1
		f.addrBytes = nil
		f.state = stateLDSAddr
	case b&0xe0 == opSTS:
		f.addrNeed = int((b>>2)&3) + 1
		f.dataNeed = int(b&3) + 1
		f.addrBytes = nil
		f.state = stateSTSAddr
	case b == opREPEAT:
		f.addrBytes = nil
		f.state = stateREPEATCount
	case b&0xe0 == opST:
		f.dataNeed = int(f.repeatCount) + 1
		f.dataBytes = nil
		f.state = stateSTData
	case b&0xe0 == opLD:
		f.dataNeed = int(f.repeatCount) + 1
		f.dataBytes = nil
		f.state = stateLDData
	case b == opKEY:
		f.dataNeed = 8
		f.dataBytes = nil
		f.state = stateKeyData
	}
}

func (f *fakeXmegaLink) onSTCSData(b byte) {
	switch f.reg {
	case pdi.CSReset:
		f.resetReg = b
		if b == 0 && f.r4Written {
			f.resetReleased = true
		}
	case pdi.CSControl:
		if b&(1<<0) != 0 { // CMDEX
			f.busyLeft = 2
		}
	case pdi.CSR4:
		if b == 1 {
			f.r4Written = true
		}
	}
}

// r3Value computes the current R3 halt-handshake reading, mirroring
// internal/pdi's fakePDILink.
func (f *fakeXmegaLink) r3Value() byte {
	if !f.r4Written {
		return 0
	}
	if !f.resetReleased {
		return 0x10
	}
	f.r3PostResetReads++
	if f.r3PostResetReads == 1 {
		return 0x14
	}
	return 0x04
}

func (f *fakeXmegaLink) commitSTSData() {
	if f.curAddr == 0 {
		f.ptr = assembleLE(f.dataBytes)
		return
	}
	for i, b := range f.dataBytes {
		f.mem[f.curAddr+uint32(i)] = b
	}
}

func (f *fakeXmegaLink) TDISeq(ctx context.Context, tmsFinal bool, pattern []byte, bitCount int) error {
	b := pattern[0]
	switch f.state {
	case stateIdle:
		f.decodeInstr(b)
	case stateSTCSData:
		f.onSTCSData(b)
		f.state = stateIdle
	case stateLDSAddr:
		f.addrBytes = append(f.addrBytes, b)
		if len(f.addrBytes) == f.addrNeed {
			f.curAddr = assembleLE(f.addrBytes)
			f.state = stateLDSData
		}
	case stateSTSAddr:
		f.addrBytes = append(f.addrBytes, b)
		if len(f.addrBytes) == f.addrNeed {
			f.curAddr = assembleLE(f.addrBytes)
			f.dataBytes = nil
			f.state = stateSTSData
		}
	case stateSTSData:
		f.dataBytes = append(f.dataBytes, b)
		if len(f.dataBytes) == f.dataNeed {
			f.commitSTSData()
			f.state = stateIdle
		}
	case stateREPEATCount:
		f.addrBytes = append(f.addrBytes, b)
		if len(f.addrBytes) == 4 {
			f.repeatCount = assembleLE(f.addrBytes)
			f.state = stateIdle
		}
	case stateSTData:
		f.mem[f.ptr] = b
		f.ptr++
		f.dataBytes = append(f.dataBytes, b)
		if len(f.dataBytes) == f.dataNeed {
			f.state = stateIdle
		}
	case stateKeyData:
		f.dataBytes = append(f.dataBytes, b)
		if len(f.dataBytes) == f.dataNeed {
			f.state = stateIdle
		}
	}
	return nil
}

func (f *fakeXmegaLink) TDITDOSeq(ctx context.Context, tmsFinal bool, pattern, tdo []byte, bitCount int) error {
	var data byte
	switch f.state {
	case stateLDCSWait:
		switch f.reg {
		case pdi.CSStatus:
			data = f.csStatus
		case pdi.CSR3:
			data = f.r3Value()
		}
		f.state = stateIdle
	case stateLDSData:
		if f.curAddr == nvmSTATUS {
			if f.busyLeft > 0 {
				f.busyLeft--
				data = statusNVMBUSY
			}
		} else {
			data = f.mem[f.curAddr]
		}
		f.curAddr++
		f.dataBytes = append(f.dataBytes, data)
		if len(f.dataBytes) == f.dataNeed {
			f.state = stateIdle
		}
	case stateLDData:
		data = f.mem[f.ptr]
		f.ptr++
		f.dataBytes = append(f.dataBytes, data)
		if len(f.dataBytes) == f.dataNeed {
			f.state = stateIdle
		}
	default:
		data = 0xff
	}
	tdo[0] = data
	p := byte(0)
	if link.ParityOf32(uint32(data)) {
		p = 1
	}
	tdo[1] = p
	return nil
}

func (f *fakeXmegaLink) ShiftDRIR(ctx context.Context, ir bool, out, in []byte, bitCount int) error {
	return nil
}
func (f *fakeXmegaLink) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	return 0, 0, false, nil
}
func (f *fakeXmegaLink) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	return 0, nil
}
func (f *fakeXmegaLink) ReturnIdle(ctx context.Context) error            { return nil }
func (f *fakeXmegaLink) NRSTSet(ctx context.Context, asserted bool) error { return nil }
func (f *fakeXmegaLink) Close() error                                    { return nil }

var _ link.Link = (*fakeXmegaLink)(nil)

func newTestFlash(pageSize uint32) (*Flash, *fakeXmegaLink) {
	fl := newFakeXmegaLink()
	d := pdi.New(fl)
	return NewFlash(d, pageSize), fl
}

func TestPrepareAttachesAndReachesNvmReady(t *testing.T) {
	fl, link := newTestFlash(256)
	require.NoError(t, fl.Prepare(context.Background()))
	assert.Equal(t, pdi.NvmReady, fl.d.State())
	assert.Equal(t, byte(0), link.resetReg)
}

func TestEraseProgramsAddressAndCommand(t *testing.T) {
	fl, mem := newTestFlash(256)
	ctx := context.Background()
	require.NoError(t, fl.Prepare(ctx))
	require.NoError(t, fl.Erase(ctx, 0x4200, 256))
	assert.Equal(t, byte(cmdEraseFlashPage), mem.mem[nvmCMD])
	assert.Equal(t, uint32(0x4200), assembleLE([]byte{mem.mem[nvmADDR0], mem.mem[nvmADDR0+1], mem.mem[nvmADDR0+2], mem.mem[nvmADDR0+3]}))
	assert.Zero(t, mem.busyLeft)
}

func TestWriteLoadsPageBufferAndCommits(t *testing.T) {
	fl, mem := newTestFlash(256)
	ctx := context.Background()
	require.NoError(t, fl.Prepare(ctx))
	data := []byte{0xaa, 0xbb, 0xcc}
	require.NoError(t, fl.Write(ctx, 0x1000, data))
	assert.Equal(t, byte(cmdWriteFlashPage), mem.mem[nvmCMD])
	for i, b := range data {
		assert.Equal(t, b, mem.mem[0x1000+uint32(i)])
	}
}

func TestWriteRejectsOversizedPage(t *testing.T) {
	fl, _ := newTestFlash(2)
	err := fl.Write(context.Background(), 0x1000, []byte{1, 2, 3})
	assert.Error(t, err)
}

func TestMassEraseExecutesChipErase(t *testing.T) {
	fl, mem := newTestFlash(256)
	require.NoError(t, fl.Prepare(context.Background()))
	require.NoError(t, fl.MassErase(context.Background()))
	assert.Equal(t, byte(cmdChipErase), mem.mem[nvmCMD])
}

func TestBreakUnitSetClearRoundTrip(t *testing.T) {
	fl := newFakeXmegaLink()
	d := pdi.New(fl)
	bu := NewBreakUnit(d)
	rec := &breakwatch.Record{Kind: breakwatch.Breakpoint, Addr: 0x2000}
	res, err := bu.SetBreakwatch(rec)
	require.NoError(t, err)
	assert.Equal(t, breakwatch.OK, res)
	assert.Equal(t, 0, rec.Slot)
	require.NoError(t, bu.ClearBreakwatch(rec))
	assert.False(t, bu.used[0])
}

func TestBreakUnitExhaustsAfterTwoSlots(t *testing.T) {
	fl := newFakeXmegaLink()
	d := pdi.New(fl)
	bu := NewBreakUnit(d)
	for i := 0; i < NumBreakUnitSlots; i++ {
		res, err := bu.SetBreakwatch(&breakwatch.Record{Kind: breakwatch.Breakpoint, Addr: uint32(0x2000 + i)})
		require.NoError(t, err)
		require.Equal(t, breakwatch.OK, res)
	}
	res, err := bu.SetBreakwatch(&breakwatch.Record{Kind: breakwatch.Breakpoint, Addr: 0x3000})
	require.NoError(t, err)
	assert.Equal(t, breakwatch.Exhausted, res)
}

func TestBreakUnitRejectsWatchpointKind(t *testing.T) {
	fl := newFakeXmegaLink()
	d := pdi.New(fl)
	bu := NewBreakUnit(d)
	res, err := bu.SetBreakwatch(&breakwatch.Record{Kind: breakwatch.WatchWrite, Addr: 0x2000})
	require.NoError(t, err)
	assert.Equal(t, breakwatch.Unsupported, res)
}
