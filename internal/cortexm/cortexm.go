// Package cortexm implements the Cortex-M debug register model (spec §4.6
// device layer, ARM branch): halt/resume/reset/register access via
// DHCSR/DCRSR/DCRDR/AIRCR/DEMCR. Adapted from
// mos/flash/common/cortex/{cortex_debug.go,cm4_debug.go} — the DHCSR/DCRSR
// register-ready poll and the reset/halt sequencing are kept verbatim in
// spirit; the teacher's common.TargetMemReaderWriter is replaced by
// internal/adiv5's AP as the memory-access backend, since here the debug
// registers are reached over an ADIv5 MEM-AP rather than the teacher's own
// abstracted Target interface.
package cortexm

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/xerr"
)

// Debug register addresses (ARMv7-M Architecture Reference Manual).
const (
	regCPUID = 0xe000ed00
	regAIRCR = 0xe000ed0c
	regDHCSR = 0xe000edf0
	regDCRSR = 0xe000edf4
	regDCRDR = 0xe000edf8
	regDEMCR = 0xe000edfc
	regPID0  = 0xe000efe0
)

const (
	dhcsrKey     = 0xa05f0000
	dhcsrCDebugen = 1 << 0
	dhcsrCHalt    = 1 << 1
	dhcsrSRegrdy  = 1 << 16

	aircrKey        = 0x05fa0000
	aircrSysresetreq = 1 << 2
	aircrVectreset   = 1 << 0

	demcrVCCorereset = 1 << 0
	demcrVCHarderr   = 1 << 10
	demcrTrcena      = 1 << 24
)

// RegFile is the Cortex-M core register snapshot (R0-R15, XPSR, MSP, PSP),
// following CortexRegFile's layout.
type RegFile struct {
	R    [16]uint32
	XPSR uint32
	MSP  uint32
	PSP  uint32
}

func (rf RegFile) SP() uint32 { return rf.R[13] }
func (rf RegFile) LR() uint32 { return rf.R[14] }
func (rf RegFile) PC() uint32 { return rf.R[15] }

// Register indices accepted by SetReg/GetReg's DCRSR REGSEL field.
const (
	RegR0  = 0
	RegSP  = 13
	RegLR  = 14
	RegPC  = 15
	RegXPSR = 16
	RegMSP  = 17
	RegPSP  = 18
)

// MemIO is the word-granularity memory access a debug core needs; adiv5.AP
// satisfies it directly.
type MemIO interface {
	ReadWords(ctx context.Context, addr uint32, count int) ([]uint32, error)
	WriteWords(ctx context.Context, addr uint32, vals []uint32) error
}

// Debug is a Cortex-M debug driver over an ADIv5 MEM-AP.
type Debug struct {
	mem MemIO
}

func New(mem MemIO) *Debug {
	return &Debug{mem: mem}
}

func (d *Debug) readReg(ctx context.Context, addr uint32) (uint32, error) {
	vals, err := d.mem.ReadWords(ctx, addr, 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return vals[0], nil
}

func (d *Debug) writeReg(ctx context.Context, addr, value uint32) error {
	return d.mem.WriteWords(ctx, addr, []uint32{value})
}

// Init reads CPUID and checks it matches a Cortex-M core family (the ARMv7-M
// PARTNO field, bits 15:4, identifies M0/M3/M4/M7; this driver accepts any
// of them rather than hardcoding M4 the way the teacher's cm4Debug did,
// since spec §4.9's representative family is wider than just M4).
func (d *Debug) Init(ctx context.Context) error {
	cpuid, err := d.readReg(ctx, regCPUID)
	if err != nil {
		return errors.Annotatef(err, "failed to read CPUID")
	}
	if cpuid&0xff000000 != 0x41000000 {
		return xerr.NewTargetProtocolError("target is not an ARM core (CPUID 0x%08x)", cpuid)
	}
	partno := (cpuid >> 4) & 0xfff
	switch partno {
	case 0xc20, 0xc23, 0xc24, 0xc27, 0xc60: // M0, M3, M4, M7, M0+
	default:
		return xerr.NewUnsupported("unrecognized Cortex-M PARTNO 0x%x (CPUID 0x%08x)", partno, cpuid)
	}
	return nil
}

func (d *Debug) reset(ctx context.Context, dhcsr, demcr uint32) error {
	if err := d.writeReg(ctx, regDHCSR, dhcsrKey|dhcsr); err != nil {
		return errors.Annotatef(err, "failed to set DHCSR")
	}
	if err := d.writeReg(ctx, regDEMCR, demcr); err != nil {
		return errors.Annotatef(err, "failed to set DEMCR")
	}
	return errors.Trace(d.writeReg(ctx, regAIRCR, aircrKey|aircrSysresetreq))
}

// ResetHalt resets the core with DEMCR.VC_CORERESET set so it halts at the
// reset vector (§4.6 "reset(halt=true)").
func (d *Debug) ResetHalt(ctx context.Context) error {
	if err := d.reset(ctx, dhcsrCDebugen, demcrVCCorereset|demcrVCHarderr|demcrTrcena); err != nil {
		return errors.Annotatef(err, "failed to reset the core")
	}
	return errors.Trace(d.WaitHalt(ctx))
}

// ResetRun resets the core and lets it run normally.
func (d *Debug) ResetRun(ctx context.Context) error {
	return errors.Trace(d.reset(ctx, 0, 0))
}

const haltPollTimeout = 2 * time.Second

// WaitHalt polls DHCSR.C_HALT (§4.6).
func (d *Debug) WaitHalt(ctx context.Context) error {
	deadline := time.Now().Add(haltPollTimeout)
	for {
		dhcsr, err := d.readReg(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read DHCSR")
		}
		glog.V(3).Infof("WaitHalt DHCSR 0x%08x", dhcsr)
		if dhcsr&dhcsrCHalt != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("core did not halt within %s", haltPollTimeout)
		}
		select {
		case <-ctx.Done():
			return xerr.Cancelled(ctx.Err(), "WaitHalt")
		default:
		}
	}
}

// Halt requests C_HALT via DHCSR.
func (d *Debug) Halt(ctx context.Context) error {
	if err := d.writeReg(ctx, regDHCSR, dhcsrKey|dhcsrCDebugen|dhcsrCHalt); err != nil {
		return errors.Annotatef(err, "failed to set C_HALT")
	}
	return errors.Trace(d.WaitHalt(ctx))
}

// Run clears C_HALT, optionally waiting for a subsequent halt (breakpoint
// hit, single-step complete) if waitHalt is set.
func (d *Debug) Run(ctx context.Context, waitHalt bool) error {
	if err := d.writeReg(ctx, regDHCSR, dhcsrKey|dhcsrCDebugen); err != nil {
		return errors.Annotatef(err, "failed to clear C_HALT")
	}
	if waitHalt {
		return errors.Trace(d.WaitHalt(ctx))
	}
	return nil
}

func (d *Debug) waitRegReady(ctx context.Context) error {
	deadline := time.Now().Add(haltPollTimeout)
	for {
		dhcsr, err := d.readReg(ctx, regDHCSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read DHCSR")
		}
		if dhcsr&dhcsrSRegrdy != 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("register transfer not ready within %s", haltPollTimeout)
		}
	}
}

// SetReg writes one core register via DCRDR+DCRSR (§4.6 "set_reg").
func (d *Debug) SetReg(ctx context.Context, reg int, value uint32) error {
	glog.V(4).Infof("SetReg(%d, 0x%x)", reg, value)
	if err := d.writeReg(ctx, regDCRDR, value); err != nil {
		return errors.Annotatef(err, "failed to set DCRDR")
	}
	if err := d.writeReg(ctx, regDCRSR, (1<<16)|uint32(reg)); err != nil {
		return errors.Annotatef(err, "failed to set DCRSR")
	}
	return errors.Trace(d.waitRegReady(ctx))
}

// GetReg reads one core register.
func (d *Debug) GetReg(ctx context.Context, reg int) (uint32, error) {
	if err := d.writeReg(ctx, regDCRSR, uint32(reg)); err != nil {
		return 0, errors.Annotatef(err, "failed to set DCRSR")
	}
	if err := d.waitRegReady(ctx); err != nil {
		return 0, errors.Trace(err)
	}
	return d.readReg(ctx, regDCRDR)
}

// SetRegs writes the full register file (ARMv7-M RM C1.6.3 order).
func (d *Debug) SetRegs(ctx context.Context, rf *RegFile) error {
	glog.V(3).Infof("SetRegs(%+v)", rf)
	for i := 0; i < 16; i++ {
		if err := d.SetReg(ctx, i, rf.R[i]); err != nil {
			return errors.Annotatef(err, "failed to set R%d", i)
		}
	}
	if err := d.SetReg(ctx, RegXPSR, rf.XPSR); err != nil {
		return errors.Annotatef(err, "failed to set XPSR")
	}
	if err := d.SetReg(ctx, RegMSP, rf.MSP); err != nil {
		return errors.Annotatef(err, "failed to set MSP")
	}
	return errors.Trace(d.SetReg(ctx, RegPSP, rf.PSP))
}

// GetRegs reads the full register file.
func (d *Debug) GetRegs(ctx context.Context) (*RegFile, error) {
	var rf RegFile
	for i := 0; i < 16; i++ {
		v, err := d.GetReg(ctx, i)
		if err != nil {
			return nil, errors.Annotatef(err, "failed to get R%d", i)
		}
		rf.R[i] = v
	}
	var err error
	if rf.XPSR, err = d.GetReg(ctx, RegXPSR); err != nil {
		return nil, errors.Annotatef(err, "failed to get XPSR")
	}
	if rf.MSP, err = d.GetReg(ctx, RegMSP); err != nil {
		return nil, errors.Annotatef(err, "failed to get MSP")
	}
	if rf.PSP, err = d.GetReg(ctx, RegPSP); err != nil {
		return nil, errors.Annotatef(err, "failed to get PSP")
	}
	return &rf, nil
}

// TargetName decodes CPUID's PARTNO field into a human-readable name.
func TargetName(cpuid uint32) string {
	switch (cpuid >> 4) & 0xfff {
	case 0xc20:
		return "Cortex-M0"
	case 0xc60:
		return "Cortex-M0+"
	case 0xc23:
		return "Cortex-M3"
	case 0xc24:
		return "Cortex-M4"
	case 0xc27:
		return "Cortex-M7"
	}
	return "unknown Cortex-M"
}

// GetTargetName reads CPUID and returns TargetName's decoding of it.
func (d *Debug) GetTargetName(ctx context.Context) (string, error) {
	cpuid, err := d.readReg(ctx, regCPUID)
	if err != nil {
		return "", errors.Trace(err)
	}
	return TargetName(cpuid), nil
}
