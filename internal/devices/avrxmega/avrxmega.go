// Package avrxmega implements a representative AVR XMEGA device driver
// (supplementing spec.md §4.9, which only mandates one Cortex-M family):
// NVM controller attach/mass-erase/page-write riding on
// internal/pdi. Built in stm32f4's idiom (same driver interface, same
// error-wrapping shape) since neither the teacher nor the rest of the pack
// has an AVR flash driver to ground on directly.
package avrxmega

import (
	"context"

	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/breakwatch"
	"github.com/mongoose-os/probecore/internal/pdi"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// NVM controller I/O registers, data-space addresses (XMEGA datasheet
// "NVM Controller").
const (
	nvmBase    = 0x01c0
	nvmADDR0   = nvmBase + 0x00
	nvmDATA0   = nvmBase + 0x04
	nvmCMD     = nvmBase + 0x0a
	nvmCTRLA   = nvmBase + 0x0b
	nvmSTATUS  = nvmBase + 0x0f
)

const (
	cmdNOP             = 0x00
	cmdWriteFlashPage  = 0x2e
	cmdEraseWriteFlashPage = 0x2f
	cmdEraseFlashPage  = 0x26
	cmdEraseAppSection = 0x20
	cmdChipErase       = 0x40

	ctrlaCMDEX = 1 << 0

	statusNVMBUSY = 1 << 7
	statusFBUSY   = 1 << 6
)

// Flash is the XMEGA NVM controller driver (implements target.FlashDriver).
type Flash struct {
	d        *pdi.Driver
	pageSize uint32
}

func NewFlash(d *pdi.Driver, pageSize uint32) *Flash {
	return &Flash{d: d, pageSize: pageSize}
}

func (f *Flash) nvmBusy(ctx context.Context) (bool, error) {
	b, err := f.d.LDS(ctx, nvmSTATUS, 1)
	if err != nil {
		return false, errors.Trace(err)
	}
	return b[0]&(statusNVMBUSY|statusFBUSY) != 0, nil
}

func (f *Flash) waitReady(ctx context.Context) error {
	return errors.Trace(f.d.EnterNvmReady(ctx, f.nvmBusy))
}

func (f *Flash) execCommand(ctx context.Context, cmd byte) error {
	if err := f.d.STS(ctx, nvmCMD, []byte{cmd}); err != nil {
		return errors.Trace(err)
	}
	if err := f.d.STCS(ctx, pdi.CSControl, ctrlaCMDEX); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.waitReady(ctx))
}

// Prepare attaches the PDI transport and enables NVM programming.
func (f *Flash) Prepare(ctx context.Context) error {
	if f.d.State() != pdi.Halted && f.d.State() != pdi.NvmReady {
		if err := f.d.Attach(ctx); err != nil {
			return errors.Annotatef(err, "failed to attach over PDI")
		}
	}
	return errors.Trace(f.waitReady(ctx))
}

// Done releases the PDI reset, returning the target to free-run.
func (f *Flash) Done(ctx context.Context) error {
	return errors.Trace(f.d.Detach(ctx))
}

func (f *Flash) setAddr(ctx context.Context, addr uint32) error {
	return f.d.STS(ctx, nvmADDR0, []byte{byte(addr), byte(addr >> 8), byte(addr >> 16), 0})
}

// EraseBlockAt reports the page containing addr; the XMEGA's erase
// granularity equals its write granularity (one flash page).
func (f *Flash) EraseBlockAt(ctx context.Context, addr uint32) (uint32, uint32, error) {
	base := addr - addr%f.pageSize
	return base, f.pageSize, nil
}

// Erase erases the flash page containing addr.
func (f *Flash) Erase(ctx context.Context, addr, size uint32) error {
	if err := f.setAddr(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(f.execCommand(ctx, cmdEraseFlashPage), "erase page @ 0x%06x failed", addr)
}

// MassErase runs a full chip erase.
func (f *Flash) MassErase(ctx context.Context) error {
	return errors.Annotatef(f.execCommand(ctx, cmdChipErase), "chip erase failed")
}

// Write loads the page buffer via WriteBlock then commits it with
// WriteFlashPage (§4.8's buffered-write model maps directly onto the
// XMEGA's own page-buffer-then-commit NVM command pair).
func (f *Flash) Write(ctx context.Context, addr uint32, data []byte) error {
	if uint32(len(data)) > f.pageSize {
		return xerr.NewUnsupported("write of %d bytes exceeds page size %d", len(data), f.pageSize)
	}
	if err := f.setAddr(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	if err := f.d.WriteBlock(ctx, addr, data); err != nil {
		return errors.Annotatef(err, "failed to load page buffer")
	}
	if err := f.d.STS(ctx, nvmCMD, []byte{cmdWriteFlashPage}); err != nil {
		return errors.Trace(err)
	}
	if err := f.d.STCS(ctx, pdi.CSControl, ctrlaCMDEX); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(f.waitReady(ctx), "commit page @ 0x%06x failed", addr)
}

// BreakUnit implements breakwatch.Driver over the XMEGA's 2 hardware
// breakpoint/watchpoint comparators (OCD module, BP/WP registers).
const NumBreakUnitSlots = 2

type BreakUnit struct {
	d    *pdi.Driver
	used [NumBreakUnitSlots]bool
}

func NewBreakUnit(d *pdi.Driver) *BreakUnit {
	return &BreakUnit{d: d}
}

const ocdBase = 0x00

func (b *BreakUnit) SetBreakwatch(rec *breakwatch.Record) (breakwatch.Result, error) {
	if rec.Kind != breakwatch.Breakpoint {
		return breakwatch.Unsupported, nil
	}
	for i, u := range b.used {
		if u {
			continue
		}
		if err := b.d.STS(context.Background(), uint32(ocdBase+4*i), []byte{
			byte(rec.Addr), byte(rec.Addr >> 8), byte(rec.Addr >> 16), 0,
		}); err != nil {
			return breakwatch.OK, errors.Annotatef(err, "failed to program OCD slot %d", i)
		}
		b.used[i] = true
		rec.Slot = i
		return breakwatch.OK, nil
	}
	return breakwatch.Exhausted, nil
}

func (b *BreakUnit) ClearBreakwatch(rec *breakwatch.Record) error {
	if err := b.d.STS(context.Background(), uint32(ocdBase+4*rec.Slot), []byte{0, 0, 0, 0}); err != nil {
		return errors.Trace(err)
	}
	b.used[rec.Slot] = false
	return nil
}

var _ breakwatch.Driver = (*BreakUnit)(nil)
