// Package riscv implements the RISC-V external debug transport (spec §4.5):
// the DMI link-layer retry loop, Debug Module (DM) discovery via the DM
// chain, per-hart width probing, and abstract-command CSR access. Grounded
// in the teacher's poll-with-status-clear idiom (cmsis_dap_dp.go's
// SetDbgPower), since mos has no RISC-V path of its own.
package riscv

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/xerr"
)

// DMI register addresses (Debug Module Interface, common across RISC-V
// debug-spec 0.13/1.0 implementations).
const (
	dmiDMControl  = 0x10
	dmiDMStatus   = 0x11
	dmiHartInfo   = 0x12
	dmiAbstractCS = 0x16
	dmiCommand    = 0x17
	dmiData0      = 0x04
	dmiNextDM     = 0x70
)

const (
	dmcontrolDMActive    = 1 << 0
	dmcontrolNDMReset    = 1 << 1
	dmcontrolHaltReq     = 1 << 31
	dmcontrolResumeReq   = 1 << 30
	dmcontrolAckHavereset = 1 << 28
	dmcontrolHartselLoMask = 0x3ff << 16
)

const (
	dmstatusAllHalted   = 1 << 9
	dmstatusAnyHalted   = 1 << 8
	dmstatusAllRunning  = 1 << 11
	dmstatusAllHaveReset = 1 << 19
)

const (
	abstractcsBusy     = 1 << 12
	abstractcsCmdErr   = 0x7 << 8
	abstractcsDataCnt  = 0xf
)

// Abstract-command cmderr codes (RISC-V debug spec ABSTRACTCS.CMDERR).
// cmdErrException/cmdErrBus are the two codes a misa-width probe can
// legitimately hit just because it guessed too wide a width; the others
// (busy, not-supported, halt/resume, other) indicate a real failure that
// width-fallback must not swallow.
const (
	cmdErrException = 3
	cmdErrBus       = 5
)

// abstractCmdError wraps a TargetProtocolError from a failed abstract
// command with its cmderr code, so callers can distinguish "this width
// probe failed as expected" from a genuine link/target failure by walking
// the Underlying() chain of the juju/errors wrappers around it (Cause()
// exposes the inner TargetProtocolError, so errors.Cause never returns it).
type abstractCmdError struct {
	error
	code uint32
}

func (e *abstractCmdError) Cause() error { return e.error }

// isWidthProbeFailure reports whether err is an abstract-command failure
// whose cmderr code is one a misa-width probe can expect when it guesses
// too wide a XLEN (§4.5, §8 misa-width fallback scenario) — any other
// error, including a link failure, must propagate instead of being
// swallowed as "try the next width".
func isWidthProbeFailure(err error) bool {
	for err != nil {
		if ace, ok := err.(*abstractCmdError); ok {
			return ace.code == cmdErrException || ace.code == cmdErrBus
		}
		u, ok := err.(interface{ Underlying() error })
		if !ok {
			return false
		}
		err = u.Underlying()
	}
	return false
}

// DMIOp abstracts the link-layer DMI read/write retry-on-busy semantics
// (JTAG DMI access uses a 2-bit op/status field that a raw Link shifts;
// transports that already retry internally may implement this trivially).
type DMIOp interface {
	DMIRead(ctx context.Context, addr uint32) (uint32, error)
	DMIWrite(ctx context.Context, addr uint32, value uint32) error
}

const maxAbstractCmdRetries = 128
const dmPollTimeout = 500 * time.Millisecond

// DM is one Debug Module discovered on the DMI chain.
type DM struct {
	dmi       DMIOp
	Base      uint32
	hartselBits int
	hartCount   int
}

// DebugModules walks the DM chain starting at NEXT_DM=0 until NEXT_DM
// reads 0 or points at an already-visited DM (§4.5 "DM chain walk via
// NEXT_DM").
func DebugModules(ctx context.Context, dmi DMIOp) ([]*DM, error) {
	var dms []*DM
	seen := map[uint32]bool{}
	next := uint32(0)
	for {
		if seen[next] {
			break
		}
		seen[next] = true
		dm := &DM{dmi: dmi, Base: next}
		if err := dm.activate(ctx); err != nil {
			return dms, errors.Annotatef(err, "failed to activate DM at 0x%x", next)
		}
		dms = append(dms, dm)
		nd, err := dmi.DMIRead(ctx, next+dmiNextDM)
		if err != nil {
			return dms, errors.Trace(err)
		}
		if nd == 0 || nd == next {
			break
		}
		next = nd
	}
	return dms, nil
}

func (dm *DM) activate(ctx context.Context) error {
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiDMControl, dmcontrolDMActive); err != nil {
		return errors.Trace(err)
	}
	ctrl, err := dm.dmi.DMIRead(ctx, dm.Base+dmiDMControl)
	if err != nil {
		return errors.Trace(err)
	}
	if ctrl&dmcontrolDMActive == 0 {
		return xerr.NewTransportProtocolError("DM at 0x%x did not activate", dm.Base)
	}
	return dm.discoverHartselWidth(ctx)
}

// discoverHartselWidth writes an all-ones hartsel and reads back the bits
// the implementation actually latched (§4.5 "hartsel-width discovery").
func (dm *DM) discoverHartselWidth(ctx context.Context) error {
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiDMControl, dmcontrolDMActive|dmcontrolHartselLoMask); err != nil {
		return errors.Trace(err)
	}
	ctrl, err := dm.dmi.DMIRead(ctx, dm.Base+dmiDMControl)
	if err != nil {
		return errors.Trace(err)
	}
	bits := 0
	for v := (ctrl & dmcontrolHartselLoMask) >> 16; v != 0; v >>= 1 {
		bits++
	}
	dm.hartselBits = bits
	dm.hartCount = 1 << uint(bits)
	if dm.hartCount == 0 {
		dm.hartCount = 1
	}
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiDMControl, dmcontrolDMActive); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// HartCount reports how many harts this DM multiplexes.
func (dm *DM) HartCount() int { return dm.hartCount }

func (dm *DM) selectHart(ctx context.Context, hart int) error {
	ctrl := uint32(dmcontrolDMActive) | (uint32(hart)<<16)&dmcontrolHartselLoMask
	return dm.dmi.DMIWrite(ctx, dm.Base+dmiDMControl, ctrl)
}

// Halt requests hart to halt and polls DMSTATUS.ALLHALTED (§4.5).
func (dm *DM) Halt(ctx context.Context, hart int) error {
	if err := dm.selectHart(ctx, hart); err != nil {
		return errors.Trace(err)
	}
	ctrl := uint32(dmcontrolDMActive|dmcontrolHaltReq) | (uint32(hart)<<16)&dmcontrolHartselLoMask
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiDMControl, ctrl); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(dmPollTimeout)
	for {
		st, err := dm.dmi.DMIRead(ctx, dm.Base+dmiDMStatus)
		if err != nil {
			return errors.Trace(err)
		}
		if st&dmstatusAllHalted != 0 {
			break
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("hart %d did not halt within %s", hart, dmPollTimeout)
		}
	}
	return dm.selectHart(ctx, hart)
}

// Resume clears haltreq and requests resume, polling ALLRUNNING.
func (dm *DM) Resume(ctx context.Context, hart int) error {
	ctrl := uint32(dmcontrolDMActive|dmcontrolResumeReq) | (uint32(hart)<<16)&dmcontrolHartselLoMask
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiDMControl, ctrl); err != nil {
		return errors.Trace(err)
	}
	deadline := time.Now().Add(dmPollTimeout)
	for {
		st, err := dm.dmi.DMIRead(ctx, dm.Base+dmiDMStatus)
		if err != nil {
			return errors.Trace(err)
		}
		if st&dmstatusAllRunning != 0 {
			return dm.selectHart(ctx, hart)
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("hart %d did not resume within %s", hart, dmPollTimeout)
		}
	}
}

// MisaWidth probes a hart's XLEN by reading misa at 32, then 64, then 128
// bits wide, falling back progressively when the read at a given width
// doesn't round-trip (§4.5, §8 misa-width fallback scenario).
func (dm *DM) MisaWidth(ctx context.Context, hart int) (int, error) {
	for _, width := range []int{32, 64, 128} {
		v, err := dm.readCSRWidth(ctx, hart, csrMisa, width)
		if err != nil {
			if isWidthProbeFailure(err) {
				continue
			}
			return 0, errors.Trace(err)
		}
		mxl := misaMXL(v, width)
		if mxl == 0 {
			continue
		}
		nativeWidth := 1 << (mxl + 4) // MXL=1->32, 2->64, 3->128
		if nativeWidth == width {
			return width, nil
		}
	}
	return 0, xerr.NewUnsupported("could not determine hart %d XLEN", hart)
}

func misaMXL(v uint64, width int) uint64 {
	return v >> uint(width-2)
}

const csrMisa = 0x301

// readCSRWidth reads a CSR via an abstract command sized to width bits,
// returning the low `width` bits of the result; only DATA0/DATA1 are read,
// so a 128-bit read returns just its low 64 bits.
func (dm *DM) readCSRWidth(ctx context.Context, hart int, csr uint32, width int) (uint64, error) {
	if err := dm.selectHart(ctx, hart); err != nil {
		return 0, errors.Trace(err)
	}
	aamsize := map[int]uint32{32: 2, 64: 3, 128: 4}[width]
	cmd := (aamsize << 20) | (1 << 17) /* transfer */ | (csr & 0xffff)
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiCommand, cmd); err != nil {
		return 0, errors.Trace(err)
	}
	if err := dm.waitAbstractCmd(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	lo, err := dm.dmi.DMIRead(ctx, dm.Base+dmiData0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if width <= 32 {
		return uint64(lo), nil
	}
	hi, err := dm.dmi.DMIRead(ctx, dm.Base+dmiData0+1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return uint64(lo) | uint64(hi)<<32, nil
}

// waitAbstractCmd polls ABSTRACTCS.BUSY and surfaces a non-zero CMDERR as
// TargetProtocolError, clearing it afterward (write-1-to-clear, per the
// debug spec).
func (dm *DM) waitAbstractCmd(ctx context.Context) error {
	for i := 0; i < maxAbstractCmdRetries; i++ {
		acs, err := dm.dmi.DMIRead(ctx, dm.Base+dmiAbstractCS)
		if err != nil {
			return errors.Trace(err)
		}
		if acs&abstractcsBusy != 0 {
			continue
		}
		if errBits := (acs & abstractcsCmdErr) >> 8; errBits != 0 {
			dm.dmi.DMIWrite(ctx, dm.Base+dmiAbstractCS, abstractcsCmdErr)
			return &abstractCmdError{
				error: xerr.NewTargetProtocolError("abstract command failed, cmderr=%d", errBits),
				code:  errBits,
			}
		}
		return nil
	}
	return xerr.NewTransportTimeout("abstract command still busy after %d polls", maxAbstractCmdRetries)
}

// ReadGPR reads general-purpose register n (0=zero..31) via an abstract
// command (regno 0x1000+n, debug spec convention).
func (dm *DM) ReadGPR(ctx context.Context, hart int, n int) (uint64, error) {
	return dm.readRegno(ctx, hart, uint32(0x1000+n))
}

// WriteGPR writes general-purpose register n.
func (dm *DM) WriteGPR(ctx context.Context, hart int, n int, value uint64) error {
	return dm.writeRegno(ctx, hart, uint32(0x1000+n), value)
}

func (dm *DM) readRegno(ctx context.Context, hart int, regno uint32) (uint64, error) {
	if err := dm.selectHart(ctx, hart); err != nil {
		return 0, errors.Trace(err)
	}
	cmd := (2 << 20) | (1 << 17) | regno
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiCommand, cmd); err != nil {
		return 0, errors.Trace(err)
	}
	if err := dm.waitAbstractCmd(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	v, err := dm.dmi.DMIRead(ctx, dm.Base+dmiData0)
	return uint64(v), errors.Trace(err)
}

func (dm *DM) writeRegno(ctx context.Context, hart int, regno uint32, value uint64) error {
	if err := dm.selectHart(ctx, hart); err != nil {
		return errors.Trace(err)
	}
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiData0, uint32(value)); err != nil {
		return errors.Trace(err)
	}
	cmd := (2 << 20) | (1 << 17) | (1 << 16) /* write */ | regno
	if err := dm.dmi.DMIWrite(ctx, dm.Base+dmiCommand, cmd); err != nil {
		return errors.Trace(err)
	}
	return dm.waitAbstractCmd(ctx)
}

// Trigger is a discovered hardware breakpoint/watchpoint trigger slot.
type Trigger struct {
	Index int
	Type  int // tdata1.TYPE field
}

const csrTSelect = 0x7a0
const csrTData1 = 0x7a1

// Triggers discovers the hart's trigger slots by writing an increasing
// index into tselect until the readback no longer matches (§4.5).
func (dm *DM) Triggers(ctx context.Context, hart int) ([]Trigger, error) {
	var out []Trigger
	for i := 0; i < 32; i++ {
		if err := dm.writeCSR(ctx, hart, csrTSelect, uint64(i)); err != nil {
			return out, errors.Trace(err)
		}
		got, err := dm.readCSRWidth(ctx, hart, csrTSelect, 32)
		if err != nil {
			return out, errors.Trace(err)
		}
		if got != uint64(i) {
			break
		}
		tdata1, err := dm.readCSRWidth(ctx, hart, csrTData1, 32)
		if err != nil {
			return out, errors.Trace(err)
		}
		typ := int(tdata1 >> 28)
		if typ == 0 {
			break
		}
		out = append(out, Trigger{Index: i, Type: typ})
	}
	glog.V(2).Infof("hart %d: %d trigger slots", hart, len(out))
	return out, nil
}

func (dm *DM) writeCSR(ctx context.Context, hart int, csr uint32, value uint64) error {
	return dm.writeRegno(ctx, hart, csr, value)
}
