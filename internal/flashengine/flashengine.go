// Package flashengine implements the buffered flash-programming state
// machine (spec §4.8): write-block-aligned buffer accumulation pre-filled
// with the region's erased byte, commit on a block change, erase-block
// rounding ahead of the first commit into a block, and mass-erase.
// Grounded on mos/flash/rs14100/rs14100.go's Flash function — the same
// accumulate-then-commit loop and per-phase timing instrumentation
// (tErase/tSend/tWrite), generalized from one hardcoded RAM-stub flash
// loader into the driver-agnostic erase/write/prepare/done contract
// (target.FlashDriver) spec §4.8/§4.9 describes.
package flashengine

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/target"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// Stats accumulates per-phase timing, mirroring rs14100.Flash's
// tErase/tSend/tWrite instrumentation.
type Stats struct {
	Erase time.Duration
	Write time.Duration
	Bytes int
}

// Engine buffers writes against one FlashRegion and commits them in
// write-block-sized, erase-aligned bursts.
type Engine struct {
	region target.FlashRegion

	bufAddr uint32
	buf     []byte // len == region.WriteBlockSize when non-nil

	erased map[uint32]bool // driver-reported erase-block base addresses already erased

	Stats Stats
}

func New(region target.FlashRegion) *Engine {
	return &Engine{region: region, erased: map[uint32]bool{}}
}

// Begin enters flash-programming mode (§4.8 "flash-mode bracketing").
func (e *Engine) Begin(ctx context.Context) error {
	return errors.Trace(e.region.Driver.Prepare(ctx))
}

// End leaves flash-programming mode, flushing any buffered data first.
func (e *Engine) End(ctx context.Context) error {
	if err := e.Flush(ctx); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(e.region.Driver.Done(ctx))
}

func alignDown(addr, block uint32) uint32 {
	if block == 0 {
		return addr
	}
	return addr - addr%block
}

// ensureErased erases every driver-reported erase block overlapping
// [addr, addr+n) that isn't already known-erased this session, keyed by the
// block's own base address rather than a fixed region-wide size (§4.9
// "mixed 16K/64K/128K sectors" — a physical block spanning more than one
// write-block commit must be erased exactly once, not once per commit).
func (e *Engine) ensureErased(ctx context.Context, addr, n uint32) error {
	if n == 0 {
		return nil
	}
	end := addr + n - 1
	a := addr
	for {
		base, size, err := e.region.Driver.EraseBlockAt(ctx, a)
		if err != nil {
			return errors.Annotatef(err, "failed to locate erase block @ 0x%08x", a)
		}
		if !e.erased[base] {
			t0 := time.Now()
			if err := e.region.Driver.Erase(ctx, base, size); err != nil {
				return errors.Annotatef(err, "failed to erase block @ 0x%08x", base)
			}
			e.Stats.Erase += time.Since(t0)
			e.erased[base] = true
		}
		if base+size > end {
			return nil
		}
		a = base + size
	}
}

// writeChunk buffers chunk, which must fit entirely within one
// write-block-aligned buffer starting at addr.
func (e *Engine) writeChunk(ctx context.Context, addr uint32, chunk []byte) error {
	block := e.region.WriteBlockSize
	if block == 0 {
		if err := e.ensureErased(ctx, addr, uint32(len(chunk))); err != nil {
			return errors.Trace(err)
		}
		if err := e.region.Driver.Write(ctx, addr, chunk); err != nil {
			return xerr.FlashError(err, "failed to program 0x%08x", addr)
		}
		return nil
	}
	base := alignDown(addr, block)
	if e.buf != nil && e.bufAddr != base {
		if err := e.Flush(ctx); err != nil {
			return errors.Trace(err)
		}
	}
	if e.buf == nil {
		e.bufAddr = base
		e.buf = make([]byte, block)
		for i := range e.buf {
			e.buf[i] = e.region.ErasedByte
		}
	}
	copy(e.buf[addr-base:], chunk)
	return nil
}

// Write buffers data starting at addr, splitting it at write-block
// boundaries and pre-filling each new buffer with the region's erased byte
// (§4.8 "commit on block change", §8 scenario 4).
func (e *Engine) Write(ctx context.Context, addr uint32, data []byte) error {
	block := e.region.WriteBlockSize
	for len(data) > 0 {
		n := uint32(len(data))
		if block != 0 {
			base := alignDown(addr, block)
			if room := base + block - addr; room < n {
				n = room
			}
		}
		if err := e.writeChunk(ctx, addr, data[:n]); err != nil {
			return errors.Trace(err)
		}
		data = data[n:]
		addr += n
	}
	return nil
}

// Flush erases (as needed) and programs the pending write-block buffer,
// clearing it. The whole buffer is written, not just the bytes touched
// since it was allocated, since a device can't program a partial
// write-block in one command.
func (e *Engine) Flush(ctx context.Context) error {
	if e.buf == nil {
		return nil
	}
	if err := e.ensureErased(ctx, e.bufAddr, uint32(len(e.buf))); err != nil {
		return errors.Trace(err)
	}
	t0 := time.Now()
	glog.V(1).Infof("writing %d bytes @ 0x%08x", len(e.buf), e.bufAddr)
	if err := e.region.Driver.Write(ctx, e.bufAddr, e.buf); err != nil {
		return xerr.FlashError(err, "failed to program 0x%08x..0x%08x", e.bufAddr, e.bufAddr+uint32(len(e.buf)))
	}
	e.Stats.Write += time.Since(t0)
	e.Stats.Bytes += len(e.buf)
	e.buf = nil
	return nil
}

// EraseSector erases exactly the physical erase block containing addr and
// flushes any buffered write first, for monitor's "sector_erase" command
// (§6) where the caller names an address rather than going through Write.
func (e *Engine) EraseSector(ctx context.Context, addr uint32) error {
	if err := e.Flush(ctx); err != nil {
		return errors.Trace(err)
	}
	base, size, err := e.region.Driver.EraseBlockAt(ctx, addr)
	if err != nil {
		return errors.Trace(err)
	}
	if err := e.region.Driver.Erase(ctx, base, size); err != nil {
		return errors.Annotatef(err, "failed to erase sector @ 0x%08x", base)
	}
	e.erased[base] = true
	return nil
}

// MassErase erases the entire flash region and resets the erased-block
// cache (every block is now known-erased).
func (e *Engine) MassErase(ctx context.Context) error {
	t0 := time.Now()
	if err := e.region.Driver.MassErase(ctx); err != nil {
		return xerr.FlashError(err, "mass erase failed")
	}
	e.Stats.Erase += time.Since(t0)
	a := e.region.Base
	end := e.region.Base + e.region.Size
	for a < end {
		base, size, err := e.region.Driver.EraseBlockAt(ctx, a)
		if err != nil {
			return errors.Annotatef(err, "failed to locate erase block @ 0x%08x", a)
		}
		e.erased[base] = true
		a = base + size
	}
	return nil
}
