// Package stm32f4 implements the representative device driver spec §4.9
// calls for: the STM32F4 flash controller (sector erase/mass erase/program,
// unlock sequence, busy-poll) and its Flash Patch Breakpoint comparator
// slots. Grounded on mos/flash/rs14100/rs14100.go's register-poke ABI
// (runFlasherFunc's Init/ProgramPage calling convention) adapted to a
// native driver that pokes the flash controller directly rather than
// running a RAM-resident loader stub, since STM32F4 doesn't need one.
package stm32f4

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/breakwatch"
	"github.com/mongoose-os/probecore/internal/xerr"
)

const (
	flashBase   = 0x40023c00
	regACR      = flashBase + 0x00
	regKEYR     = flashBase + 0x04
	regOPTKEYR  = flashBase + 0x08
	regSR       = flashBase + 0x0c
	regCR       = flashBase + 0x10
	regOPTCR    = flashBase + 0x14
)

const (
	key1 = 0x45670123
	key2 = 0xcdef89ab

	optkey1 = 0x08192a3b
	optkey2 = 0x4c5d6e7f

	crPG    = 1 << 0
	crSER   = 1 << 1
	crMER   = 1 << 2
	crSNBShift = 3
	crSNBMask  = 0x1f << crSNBShift
	crPSIZEShift = 8
	crPSIZEx32   = 2 << crPSIZEShift
	crSTRT  = 1 << 16
	crLOCK  = 1 << 31

	srBSY     = 1 << 16
	srWRPERR  = 1 << 4
	srPGAERR  = 1 << 5
	srPGPERR  = 1 << 6
	srPGSERR  = 1 << 7
	srErrMask = srWRPERR | srPGAERR | srPGPERR | srPGSERR
)

// Sector is one entry in the flash sector table (§4.9 "sector table").
type Sector struct {
	Num  int
	Base uint32
	Size uint32
}

// Sectors12x16_1x64_7x128 builds the single-bank sector table common to
// the 1MB STM32F40x/41x parts: four 16KB, one 64KB, seven 128KB sectors.
func Sectors12x16_1x64_7x128(base uint32) []Sector {
	var out []Sector
	addr := base
	for i := 0; i < 4; i++ {
		out = append(out, Sector{i, addr, 16 * 1024})
		addr += 16 * 1024
	}
	out = append(out, Sector{4, addr, 64 * 1024})
	addr += 64 * 1024
	for i := 5; i < 12; i++ {
		out = append(out, Sector{i, addr, 128 * 1024})
		addr += 128 * 1024
	}
	return out
}

// DualBankSectors builds the 2MB dual-bank sector table (F42x/43x): bank 1
// is sectors 0-11 exactly as the single-bank table, bank 2 starts at
// base+0x100000 but its SNB field jumps to 16 rather than continuing at 12
// (§4.9/§8 "dual-bank SNB jump at sector 16").
func DualBankSectors(base uint32) []Sector {
	bank1 := Sectors12x16_1x64_7x128(base)
	bank2 := Sectors12x16_1x64_7x128(base + 0x100000)
	for i := range bank2 {
		bank2[i].Num += 16 - 12
	}
	return append(bank1, bank2...)
}

// MemIO is the word-granularity memory access the flash controller and
// breakpoint unit need; adiv5.AP and cortexm.Debug's backing AP both
// satisfy it.
type MemIO interface {
	ReadWords(ctx context.Context, addr uint32, count int) ([]uint32, error)
	WriteWords(ctx context.Context, addr uint32, vals []uint32) error
}

// Flash is the STM32F4 flash controller driver (implements
// target.FlashDriver).
type Flash struct {
	mem     MemIO
	sectors []Sector
}

func NewFlash(mem MemIO, sectors []Sector) *Flash {
	return &Flash{mem: mem, sectors: sectors}
}

func (f *Flash) readReg(ctx context.Context, addr uint32) (uint32, error) {
	vals, err := f.mem.ReadWords(ctx, addr, 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	return vals[0], nil
}

func (f *Flash) writeReg(ctx context.Context, addr, value uint32) error {
	return f.mem.WriteWords(ctx, addr, []uint32{value})
}

const flashPollTimeout = 10 * time.Second

func (f *Flash) waitNotBusy(ctx context.Context) error {
	deadline := time.Now().Add(flashPollTimeout)
	for {
		sr, err := f.readReg(ctx, regSR)
		if err != nil {
			return errors.Annotatef(err, "failed to read FLASH_SR")
		}
		if sr&srBSY == 0 {
			if sr&srErrMask != 0 {
				return xerr.NewFlashError("flash controller error, SR=0x%08x", sr)
			}
			return nil
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("flash controller busy after %s", flashPollTimeout)
		}
	}
}

// Prepare unlocks the flash controller (§4.8 "flash-mode bracketing").
func (f *Flash) Prepare(ctx context.Context) error {
	cr, err := f.readReg(ctx, regCR)
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK == 0 {
		return nil
	}
	if err := f.writeReg(ctx, regKEYR, key1); err != nil {
		return errors.Annotatef(err, "failed to write KEYR key1")
	}
	if err := f.writeReg(ctx, regKEYR, key2); err != nil {
		return errors.Annotatef(err, "failed to write KEYR key2")
	}
	cr, err = f.readReg(ctx, regCR)
	if err != nil {
		return errors.Trace(err)
	}
	if cr&crLOCK != 0 {
		return xerr.NewFlashError("flash controller did not unlock")
	}
	return nil
}

// Done re-locks the flash controller.
func (f *Flash) Done(ctx context.Context) error {
	cr, err := f.readReg(ctx, regCR)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(f.writeReg(ctx, regCR, cr|crLOCK))
}

func (f *Flash) sectorFor(addr uint32) (Sector, error) {
	for _, s := range f.sectors {
		if addr >= s.Base && addr < s.Base+s.Size {
			return s, nil
		}
	}
	return Sector{}, xerr.NewUnsupported("address 0x%08x is not in any flash sector", addr)
}

// EraseBlockAt reports the base and size of the sector containing addr, so
// flashengine's erase cache tracks the real (mixed-size) sector table
// rather than a fixed per-region granularity (§4.9 "mixed 16K/64K/128K
// sectors").
func (f *Flash) EraseBlockAt(ctx context.Context, addr uint32) (uint32, uint32, error) {
	s, err := f.sectorFor(addr)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	return s.Base, s.Size, nil
}

// Erase erases the sector containing addr (§4.9 "sector_erase"); size is
// accepted for the target.FlashDriver contract but the actual erase unit
// is always the whole containing sector.
func (f *Flash) Erase(ctx context.Context, addr, size uint32) error {
	s, err := f.sectorFor(addr)
	if err != nil {
		return errors.Trace(err)
	}
	glog.V(1).Infof("erasing sector %d (SNB=%d) @ 0x%08x", s.Num, s.Num, s.Base)
	cr := uint32(crSER) | (uint32(s.Num)<<crSNBShift)&crSNBMask
	if err := f.writeReg(ctx, regCR, cr); err != nil {
		return errors.Trace(err)
	}
	if err := f.writeReg(ctx, regCR, cr|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(f.waitNotBusy(ctx), "erase of sector %d failed", s.Num)
}

// MassErase erases every sector (§4.8/§4.9).
func (f *Flash) MassErase(ctx context.Context) error {
	const crMER1 = 1 << 15 // bank 2 mass erase on dual-bank parts
	cr := uint32(crMER)
	for _, s := range f.sectors {
		if s.Num >= 16 {
			cr |= crMER1
			break
		}
	}
	if err := f.writeReg(ctx, regCR, cr); err != nil {
		return errors.Trace(err)
	}
	if err := f.writeReg(ctx, regCR, cr|crSTRT); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(f.waitNotBusy(ctx), "mass erase failed")
}

// Write programs data as a sequence of 32-bit word accesses (PSIZE=x32),
// padding a trailing partial word with 0xff (erased-value padding).
func (f *Flash) Write(ctx context.Context, addr uint32, data []byte) error {
	if err := f.writeReg(ctx, regCR, crPG|crPSIZEx32); err != nil {
		return errors.Trace(err)
	}
	defer f.writeReg(ctx, regCR, 0)

	padded := append([]byte(nil), data...)
	for len(padded)%4 != 0 {
		padded = append(padded, 0xff)
	}
	words := make([]uint32, len(padded)/4)
	for i := range words {
		words[i] = uint32(padded[4*i]) | uint32(padded[4*i+1])<<8 | uint32(padded[4*i+2])<<16 | uint32(padded[4*i+3])<<24
	}
	if err := f.mem.WriteWords(ctx, addr, words); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(f.waitNotBusy(ctx), "program @ 0x%08x failed", addr)
}

// Option-byte field masks (OPTCR), per §4.9 "option-byte mask table".
const (
	OptRDPMask    = 0xff << 8
	OptBORMask    = 0x3 << 2
	OptWDGSWMask  = 1 << 5
	OptNRSTSTOPMask = 1 << 6
	OptNRSTSTDBYMask = 1 << 7
)

// ReadOptionBytes reads OPTCR directly.
func (f *Flash) ReadOptionBytes(ctx context.Context) (uint32, error) {
	return f.readReg(ctx, regOPTCR)
}

// WriteOptionBytes unlocks OPTCR, writes value, and triggers an option
// programming cycle.
func (f *Flash) WriteOptionBytes(ctx context.Context, value uint32) error {
	if err := f.writeReg(ctx, regOPTKEYR, optkey1); err != nil {
		return errors.Trace(err)
	}
	if err := f.writeReg(ctx, regOPTKEYR, optkey2); err != nil {
		return errors.Trace(err)
	}
	if err := f.writeReg(ctx, regOPTCR, value); err != nil {
		return errors.Trace(err)
	}
	return errors.Annotatef(f.writeReg(ctx, regOPTCR, value|(1<<1)), "failed to trigger option programming")
}

// FPB is the Cortex-M Flash Patch and Breakpoint unit, the hardware
// backing store for breakwatch.Driver on this family.
const (
	fpbCTRL = 0xe0002000
	fpbCOMP0 = 0xe0002008
)

// NumFPBSlots is the representative comparator count (real silicon
// reports it in FP_CTRL's NUM_CODE field; a fixed count is a reasonable
// default for one representative family per spec §1).
const NumFPBSlots = 6

// BreakUnit implements breakwatch.Driver over the FPB comparators.
type BreakUnit struct {
	mem  MemIO
	used [NumFPBSlots]bool
}

func NewBreakUnit(mem MemIO) *BreakUnit {
	return &BreakUnit{mem: mem}
}

// Enable turns the FPB unit on (must run once after attach).
func (b *BreakUnit) Enable(ctx context.Context) error {
	return b.mem.WriteWords(ctx, fpbCTRL, []uint32{(1 << 1) | (1 << 0)})
}

func (b *BreakUnit) SetBreakwatch(rec *breakwatch.Record) (breakwatch.Result, error) {
	if rec.Kind != breakwatch.Breakpoint {
		return breakwatch.Unsupported, nil
	}
	for i, u := range b.used {
		if u {
			continue
		}
		comp := (rec.Addr &^ 0x3) | (1 << 30) | (1 << 0) // COMP, REPLACE=b01(low half), ENABLE
		if err := b.mem.WriteWords(context.Background(), fpbCOMP0+uint32(4*i), []uint32{comp}); err != nil {
			return breakwatch.OK, errors.Annotatef(err, "failed to program FPB comparator %d", i)
		}
		b.used[i] = true
		rec.Slot = i
		return breakwatch.OK, nil
	}
	return breakwatch.Exhausted, nil
}

func (b *BreakUnit) ClearBreakwatch(rec *breakwatch.Record) error {
	if err := b.mem.WriteWords(context.Background(), fpbCOMP0+uint32(4*rec.Slot), []uint32{0}); err != nil {
		return errors.Trace(err)
	}
	b.used[rec.Slot] = false
	return nil
}

var _ breakwatch.Driver = (*BreakUnit)(nil)
