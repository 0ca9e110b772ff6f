// Package adiv5 implements the ADIv5 Debug Port and Access Port drivers
// (spec §4.2, §4.3), grounded on mos/flash/common/cmsis-dap/dp/cmsis_dap_dp.go
// and mos/flash/common/cmsis-dap/memap/cmsis_dap_memap.go. The teacher talks
// to a CMSIS-DAP probe's own DP/AP abstraction over HID; this package
// generalizes the same SELECT-caching and AP-bank-caching design down to
// raw SWD/JTAG transactions via internal/link, and adds the pipelined
// low_access primitive and JTAG-IR framing spec.md §4.2/§6 require that the
// CMSIS-DAP firmware hides from its host.
package adiv5

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/link"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// DPReg is a Debug Port register address (§4.2).
type DPReg uint8

const (
	DPIDR      DPReg = 0x0
	DPABORT    DPReg = 0x0
	DPCTRLSTAT DPReg = 0x4
	DPSELECT   DPReg = 0x8
	DPRESEND   DPReg = 0x8
	DPRDBUFF   DPReg = 0xc
)

const (
	ctrlstatCSYSPWRUPREQ = 1 << 30
	ctrlstatCSYSPWRUPACK = 1 << 31
	ctrlstatCDBGPWRUPREQ = 1 << 28
	ctrlstatCDBGPWRUPACK = 1 << 29
	ctrlstatCDBGRSTREQ   = 1 << 26
	ctrlstatCDBGRSTACK   = 1 << 27
	ctrlstatSTICKYORUN   = 1 << 1
	ctrlstatSTICKYERR    = 1 << 5
	ctrlstatWDATAERR     = 1 << 7

	abortSTKORUNCLR = 1 << 4
	abortSTKERRCLR  = 1 << 2
	abortWDERRCLR   = 1 << 3
)

const powerUpTimeout = 250 * time.Millisecond

// StickyErrors is the set of sticky DP fault bits accumulated since the
// last Error() call (§4.2 "error(dp)").
type StickyErrors struct {
	Fault      bool // STICKYERR
	Overrun    bool // STICKYORUN
	WriteError bool // WDATAERR
}

func (s StickyErrors) Any() bool { return s.Fault || s.Overrun || s.WriteError }

// AP is a reference to one Access Port registered on a DP.
type AP struct {
	DP    *DP
	APSel uint8
	IDR   uint32
	CFG   uint32
	Base  uint32

	cswValid bool
	csw      uint32
}

// DP is one ADIv5 Debug Port reachable on the link (§3).
type DP struct {
	l Link

	selectValid bool
	selectValue uint32

	sticky StickyErrors

	// DebugResetEnabled gates the debug-reset (CDBGRSTREQ) sequence, which
	// §4.2 notes deadlocks on some silicon (STM32). Default off.
	DebugResetEnabled bool

	aps []*AP
}

// Link is the subset of link.Link the DP driver consumes for SWD
// transactions (kept as its own interface so tests can inject a narrower
// fake than the full Link surface).
type Link interface {
	SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error)
	SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error)
}

// New creates a DP driver over l.
func New(l Link) *DP {
	return &DP{l: l}
}

const maxWaitRetries = 64

// lowAccess performs one raw SWD transaction, retrying on WAIT up to
// maxWaitRetries times and translating a persistent FAULT into
// TargetBusError (§4.2 "any SWD/JTAG protocol NACK ... is handled by
// retrying ... a persistent FAULT propagates as TargetBusError").
//
// For an AP read, the value returned is the value of the PREVIOUS
// low_access's wire transaction (SWD pipelining, §4.2/§8): the caller is
// responsible for issuing one extra RDBUFF read to flush the pipeline.
func (dp *DP) lowAccess(ctx context.Context, apndp bool, reg uint8, rnw bool, value uint32) (uint32, error) {
	req := link.SWDRequest(apndp, rnw, reg)
	for i := 0; i < maxWaitRetries; i++ {
		if rnw {
			ack, data, parity, err := dp.l.SWDRead(ctx, req)
			if err != nil {
				return 0, xerr.LinkError(err, "SWD read failed")
			}
			switch ack {
			case link.AckOK:
				if parity != link.ParityOf32(data) {
					return 0, xerr.NewTransportProtocolError("SWD read parity mismatch")
				}
				return data, nil
			case link.AckWait:
				continue
			case link.AckFault:
				dp.sticky.Fault = true
				return 0, xerr.NewTargetBusError("SWD read FAULT (reg 0x%x, ap=%t)", reg, apndp)
			default:
				return 0, xerr.NewLinkError("unexpected SWD ack 0x%x", ack)
			}
		}
		ack, err := dp.l.SWDWrite(ctx, req, value, link.ParityOf32(value))
		if err != nil {
			return 0, xerr.LinkError(err, "SWD write failed")
		}
		switch ack {
		case link.AckOK:
			return 0, nil
		case link.AckWait:
			continue
		case link.AckFault:
			dp.sticky.Fault = true
			return 0, xerr.NewTargetBusError("SWD write FAULT (reg 0x%x, ap=%t)", reg, apndp)
		default:
			return 0, xerr.NewLinkError("unexpected SWD ack 0x%x", ack)
		}
	}
	return 0, xerr.NewTransportTimeout("SWD transaction retries exhausted (persistent WAIT)")
}

// ReadReg reads a DP register.
func (dp *DP) ReadReg(ctx context.Context, reg DPReg) (uint32, error) {
	v, err := dp.lowAccess(ctx, false, uint8(reg), true, 0)
	if err != nil {
		return 0, errors.Trace(err)
	}
	// DPIDR/RDBUFF/RESEND have no pipelining concerns at the DP level
	// (only AP accesses pipeline); a DP register read is immediate.
	glog.V(4).Infof("DP[0x%x] == 0x%08x", reg, v)
	return v, nil
}

// WriteReg writes a DP register. Writes to SELECT are elided if the cached
// value already matches (§3 DP invariant).
func (dp *DP) WriteReg(ctx context.Context, reg DPReg, value uint32) error {
	if reg == DPSELECT && dp.selectValid && dp.selectValue == value {
		return nil
	}
	glog.V(4).Infof("DP[0x%x] = 0x%08x", reg, value)
	if _, err := dp.lowAccess(ctx, false, uint8(reg), false, value); err != nil {
		return errors.Trace(err)
	}
	if reg == DPSELECT {
		dp.selectValue = value
		dp.selectValid = true
	}
	return nil
}

// Init performs power-up (§4.2 scenario 1) and resets sticky state. The
// optional debug-reset sequence is gated by DebugResetEnabled and always
// timeout-bounded (§9 Open Question: the source spins forever on
// CDBGRSTACK; this implementation never does).
func (dp *DP) Init(ctx context.Context) error {
	dp.selectValid = false
	if err := dp.WriteReg(ctx, DPSELECT, 0); err != nil {
		return errors.Trace(err)
	}
	ctrl := uint32(ctrlstatCSYSPWRUPREQ | ctrlstatCDBGPWRUPREQ)
	if err := dp.WriteReg(ctx, DPCTRLSTAT, ctrl); err != nil {
		return errors.Annotatef(err, "failed to request power-up")
	}
	deadline := time.Now().Add(powerUpTimeout)
	wantAck := uint32(ctrlstatCSYSPWRUPACK | ctrlstatCDBGPWRUPACK)
	for {
		stat, err := dp.ReadReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Annotatef(err, "failed to read CTRL/STAT")
		}
		if stat&wantAck == wantAck {
			break
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("power-up ack not observed within %s", powerUpTimeout)
		}
	}
	if dp.DebugResetEnabled {
		if err := dp.debugReset(ctx); err != nil {
			return errors.Annotatef(err, "debug reset failed")
		}
	}
	if _, err := dp.Error(ctx); err != nil {
		return errors.Trace(err)
	}
	return nil
}

func (dp *DP) debugReset(ctx context.Context) error {
	deadline := time.Now().Add(powerUpTimeout)
	stat, err := dp.ReadReg(ctx, DPCTRLSTAT)
	if err != nil {
		return errors.Trace(err)
	}
	if err := dp.WriteReg(ctx, DPCTRLSTAT, stat|ctrlstatCDBGRSTREQ); err != nil {
		return errors.Trace(err)
	}
	for {
		stat, err = dp.ReadReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Trace(err)
		}
		if stat&ctrlstatCDBGRSTACK != 0 {
			break
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("CDBGRSTACK not observed within %s", powerUpTimeout)
		}
	}
	if err := dp.WriteReg(ctx, DPCTRLSTAT, stat&^uint32(ctrlstatCDBGRSTREQ)); err != nil {
		return errors.Trace(err)
	}
	deadline = time.Now().Add(powerUpTimeout)
	for {
		stat, err = dp.ReadReg(ctx, DPCTRLSTAT)
		if err != nil {
			return errors.Trace(err)
		}
		if stat&ctrlstatCDBGRSTACK == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("CDBGRSTACK did not clear within %s", powerUpTimeout)
		}
	}
}

// Error reads CTRL/STAT, clears sticky-err bits via write-1-to-clear in
// ABORT, and returns the error kinds observed (§4.2 "error(dp)").
func (dp *DP) Error(ctx context.Context) (StickyErrors, error) {
	stat, err := dp.ReadReg(ctx, DPCTRLSTAT)
	if err != nil {
		return StickyErrors{}, errors.Trace(err)
	}
	res := StickyErrors{
		Fault:      dp.sticky.Fault || stat&ctrlstatSTICKYERR != 0,
		Overrun:    stat&ctrlstatSTICKYORUN != 0,
		WriteError: stat&ctrlstatWDATAERR != 0,
	}
	if res.Any() {
		var abort uint32
		if res.Fault {
			abort |= abortSTKERRCLR
		}
		if res.Overrun {
			abort |= abortSTKORUNCLR
		}
		if res.WriteError {
			abort |= abortWDERRCLR
		}
		if _, err := dp.lowAccess(ctx, false, uint8(DPABORT), false, abort); err != nil {
			return res, errors.Annotatef(err, "failed to clear sticky errors")
		}
	}
	dp.sticky = StickyErrors{}
	return res, nil
}

const maxAPs = 256

// ProbeAPs scans apsel=0..255, stopping at the first gap after a
// non-zero IDR (§4.2 scenario 2). Recorded APs are capped at maxAPProbe.
func (dp *DP) ProbeAPs(ctx context.Context) ([]*AP, error) {
	const maxAPProbe = 8
	var aps []*AP
	sawNonZero := false
	for apsel := 0; apsel < maxAPs; apsel++ {
		idr, err := dp.apReadRaw(ctx, uint8(apsel), apIDR)
		if err != nil {
			return aps, errors.Annotatef(err, "failed to probe AP %d", apsel)
		}
		if idr == 0 {
			if sawNonZero {
				break
			}
			continue
		}
		sawNonZero = true
		cfg, err := dp.apReadRaw(ctx, uint8(apsel), apCFG)
		if err != nil {
			return aps, errors.Trace(err)
		}
		base, err := dp.apReadRaw(ctx, uint8(apsel), apBASE)
		if err != nil {
			return aps, errors.Trace(err)
		}
		ap := &AP{DP: dp, APSel: uint8(apsel), IDR: idr, CFG: cfg, Base: base}
		aps = append(aps, ap)
		if len(aps) >= maxAPProbe {
			break
		}
	}
	dp.aps = aps
	return aps, nil
}

// selectAP programs SELECT for the given apsel/bank iff the cache differs.
func (dp *DP) selectAP(ctx context.Context, apsel, bank uint8) error {
	sv := (uint32(apsel) << 24) | (uint32(bank&0xf) << 4)
	return dp.WriteReg(ctx, DPSELECT, sv)
}

// apReadRaw reads one AP register without pipelining (used by probing,
// where single-shot correctness matters more than throughput): it issues
// the read then an RDBUFF read to flush the one-deep pipeline.
func (dp *DP) apReadRaw(ctx context.Context, apsel, reg uint8) (uint32, error) {
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return 0, errors.Trace(err)
	}
	if _, err := dp.lowAccess(ctx, true, reg%16, true, 0); err != nil {
		return 0, errors.Trace(err)
	}
	return dp.ReadReg(ctx, DPRDBUFF)
}

// apWriteRaw writes one AP register.
func (dp *DP) apWriteRaw(ctx context.Context, apsel, reg uint8, value uint32) error {
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return errors.Trace(err)
	}
	_, err := dp.lowAccess(ctx, true, reg%16, false, value)
	return errors.Trace(err)
}

// ReadAPRegsPipelined reads count consecutive values of AP register reg
// (relying on AP auto-increment when reg is DRW, for memory access),
// exploiting the one-deep SWD read pipeline: the data phase of the Nth
// AP-read wire transaction carries the result of the (N-1)th request, and
// a final RDBUFF read flushes the last one (§4.2, §8's quantified
// pipelining invariant).
func (dp *DP) ReadAPRegsPipelined(ctx context.Context, apsel, reg uint8, count int) ([]uint32, error) {
	if count == 0 {
		return nil, nil
	}
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return nil, errors.Trace(err)
	}
	// raw[i] is the value observed on the wire during request i, which is
	// the *previous* request's result (raw[0] is meaningless: the pipeline
	// is still empty).
	raw := make([]uint32, count)
	for i := 0; i < count; i++ {
		v, err := dp.lowAccess(ctx, true, reg%16, true, 0)
		if err != nil {
			return nil, errors.Annotatef(err, "pipelined read %d/%d failed", i, count)
		}
		raw[i] = v
	}
	last, err := dp.ReadReg(ctx, DPRDBUFF)
	if err != nil {
		return nil, errors.Annotatef(err, "failed to flush AP read pipeline")
	}
	res := make([]uint32, count)
	for i := 0; i < count-1; i++ {
		res[i] = raw[i+1]
	}
	res[count-1] = last
	return res, nil
}

// WriteAPRegsPipelined writes count consecutive values to AP register reg,
// relying on AP auto-increment; unlike reads, SWD writes need no pipeline
// flush (the ack for write N is observed on write N's own transaction).
func (dp *DP) WriteAPRegsPipelined(ctx context.Context, apsel, reg uint8, values []uint32) error {
	if len(values) == 0 {
		return nil
	}
	if err := dp.selectAP(ctx, apsel, reg/16); err != nil {
		return errors.Trace(err)
	}
	for i, v := range values {
		if _, err := dp.lowAccess(ctx, true, reg%16, false, v); err != nil {
			return errors.Annotatef(err, "pipelined write %d/%d failed", i, len(values))
		}
	}
	return nil
}

// apReg constants shared with ap.go.
const (
	apIDR  = 0xfc
	apCFG  = 0xf4
	apBASE = 0xf8
)
