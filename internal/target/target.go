// Package target implements the target abstraction layer (spec §4.6): the
// attach/detach lifecycle, a capability-based operation dispatch replacing
// the C source's function-pointer table, and the owned-slice region model
// §9 calls for in place of the original's linked lists. Grounded on
// mos/flash/common/target.go's Target/TargetMemReaderWriter interfaces,
// generalized from one fixed Cortex-M capability set into the full
// optional-operation surface (register access, memory access, flash,
// breakwatch) a driver may implement any subset of.
package target

import (
	"context"

	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/breakwatch"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// RAMRegion describes one contiguous RAM span available for use as a
// flash-loader stub scratch area (§4.6, §4.8).
type RAMRegion struct {
	Name string
	Base uint32
	Size uint32
}

// FlashRegion describes one programmable flash region backed by a device
// driver (§3 "Flash region", §4.8). WriteBlockSize is the buffering
// granularity flashengine accumulates writes into before committing
// (spec's write_block_size); erase-block granularity is NOT a fixed
// per-region size, since real hardware can mix sizes within one region
// (§4.9 STM32F4 16K/64K/128K sectors) — flashengine instead asks the
// driver for the actual erase block covering any given address via
// FlashDriver.EraseBlockAt.
type FlashRegion struct {
	Name           string
	Base           uint32
	Size           uint32
	WriteBlockSize uint32
	ErasedByte     byte
	Driver         FlashDriver
}

// MemIO is core memory read/write (§4.6 target_mem_read/target_mem_write).
type MemIO interface {
	ReadWords(ctx context.Context, addr uint32, count int) ([]uint32, error)
	WriteWords(ctx context.Context, addr uint32, vals []uint32) error
	ReadBytes(ctx context.Context, addr uint32, n int) ([]byte, error)
	WriteBytes(ctx context.Context, addr uint32, data []byte) error
}

// RegIO is core register access (§4.6 target_reg_get/target_reg_set),
// operating on a device-defined register index space.
type RegIO interface {
	GetReg(ctx context.Context, reg int) (uint32, error)
	SetReg(ctx context.Context, reg int, value uint32) error
}

// RunControl is halt/resume/reset (§4.6).
type RunControl interface {
	ResetHalt(ctx context.Context) error
	ResetRun(ctx context.Context) error
	Halt(ctx context.Context) error
	Run(ctx context.Context, waitHalt bool) error
	WaitHalt(ctx context.Context) error
}

// FlashDriver is what a device package supplies to internal/flashengine
// (§4.8/§4.9); it's declared here (not in flashengine) so Target can carry
// one per FlashRegion without an import cycle.
type FlashDriver interface {
	Prepare(ctx context.Context) error
	Done(ctx context.Context) error
	Erase(ctx context.Context, addr, size uint32) error
	MassErase(ctx context.Context) error
	Write(ctx context.Context, addr uint32, data []byte) error

	// EraseBlockAt reports the base and size of the physical erase block
	// containing addr, so flashengine can cache "already erased" per the
	// driver's real erase granularity rather than assuming one fixed size
	// for the whole region (§4.9 mixed sector sizes).
	EraseBlockAt(ctx context.Context, addr uint32) (base, size uint32, err error)
}

// Ops is the capability set a device package wires in; every field besides
// RunControl and MemIO is optional (nil means "unsupported", mirroring the
// source's per-operation NULL function pointers, per §4.6 and §9).
type Ops struct {
	Run   RunControl
	Mem   MemIO
	Reg   RegIO            // optional
	BW    breakwatch.Driver // optional
	Name  func(ctx context.Context) (string, error)
}

// State is the target lifecycle state (§4.6).
type State int

const (
	Detached State = iota
	Attached
)

func (s State) String() string {
	if s == Attached {
		return "attached"
	}
	return "detached"
}

// Target is one attached debug target (§3, §4.6). Regions and breakwatch
// records are owned slices, not linked-list nodes (§9).
type Target struct {
	ops   Ops
	state State

	RAM   []RAMRegion
	Flash []FlashRegion
	bw    *breakwatch.Manager

	lastErr error
}

// New constructs a detached Target over ops. RAM/flash regions are added
// separately via AddRAM/AddFlash once device probing has identified them.
func New(ops Ops) *Target {
	t := &Target{ops: ops, state: Detached}
	if ops.BW != nil {
		t.bw = breakwatch.New(ops.BW)
	}
	return t
}

func (t *Target) AddRAM(r RAMRegion)     { t.RAM = append(t.RAM, r) }
func (t *Target) AddFlash(f FlashRegion) { t.Flash = append(t.Flash, f) }

func (t *Target) State() State { return t.state }

// Attach halts the core, establishing debug control (§4.6 "attach").
func (t *Target) Attach(ctx context.Context) error {
	if t.state == Attached {
		return nil
	}
	if err := t.ops.Run.Halt(ctx); err != nil {
		return t.fail(errors.Annotatef(err, "failed to attach"))
	}
	t.state = Attached
	t.lastErr = nil
	return nil
}

// Detach clears all breakwatch state and resumes the core (§4.6 "detach",
// §4.7 "detach clears all breakpoints/watchpoints"). Detach is idempotent
// and always transitions to Detached even if clearing hardware state or
// resuming fails, so a target is never stuck thinking it's attached.
func (t *Target) Detach(ctx context.Context) error {
	defer func() { t.state = Detached }()
	if t.state != Attached {
		return nil
	}
	var firstErr error
	if t.bw != nil {
		if err := t.bw.ClearAll(); err != nil {
			firstErr = errors.Annotatef(err, "failed to clear breakwatch state on detach")
		}
	}
	if err := t.ops.Run.Run(ctx, false); err != nil && firstErr == nil {
		firstErr = errors.Annotatef(err, "failed to resume on detach")
	}
	return firstErr
}

// fail records err as the target's sticky last error and, if it's fatal
// (§7), forces a detached state so the caller must re-attach before trying
// again.
func (t *Target) fail(err error) error {
	t.lastErr = err
	if xerr.Fatal(err) {
		t.state = Detached
	}
	return err
}

// LastError returns the most recently recorded error, or nil (§4.6
// check_error).
func (t *Target) LastError() error { return t.lastErr }

func (t *Target) requireAttached() error {
	if t.state != Attached {
		return xerr.NewTargetProtocolError("target is not attached")
	}
	return nil
}

// Halt halts the core.
func (t *Target) Halt(ctx context.Context) error {
	if err := t.requireAttached(); err != nil {
		return err
	}
	if err := t.ops.Run.Halt(ctx); err != nil {
		return t.fail(errors.Trace(err))
	}
	return nil
}

// Resume resumes the core, optionally waiting for the next halt.
func (t *Target) Resume(ctx context.Context, waitHalt bool) error {
	if err := t.requireAttached(); err != nil {
		return err
	}
	if err := t.ops.Run.Run(ctx, waitHalt); err != nil {
		return t.fail(errors.Trace(err))
	}
	return nil
}

// ResetHalt resets the core and halts it at the reset vector.
func (t *Target) ResetHalt(ctx context.Context) error {
	if err := t.ops.Run.ResetHalt(ctx); err != nil {
		return t.fail(errors.Trace(err))
	}
	t.state = Attached
	return nil
}

// ResetRun resets the core and lets it run.
func (t *Target) ResetRun(ctx context.Context) error {
	if err := t.ops.Run.ResetRun(ctx); err != nil {
		return t.fail(errors.Trace(err))
	}
	t.state = Detached
	return nil
}

// ReadMem reads n bytes of target memory.
func (t *Target) ReadMem(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if err := t.requireAttached(); err != nil {
		return nil, err
	}
	b, err := t.ops.Mem.ReadBytes(ctx, addr, n)
	if err != nil {
		return nil, t.fail(errors.Trace(err))
	}
	return b, nil
}

// WriteMem writes data to target memory.
func (t *Target) WriteMem(ctx context.Context, addr uint32, data []byte) error {
	if err := t.requireAttached(); err != nil {
		return err
	}
	if err := t.ops.Mem.WriteBytes(ctx, addr, data); err != nil {
		return t.fail(errors.Trace(err))
	}
	return nil
}

// GetReg reads one core register; returns Unsupported if the device has no
// register-access capability.
func (t *Target) GetReg(ctx context.Context, reg int) (uint32, error) {
	if err := t.requireAttached(); err != nil {
		return 0, err
	}
	if t.ops.Reg == nil {
		return 0, xerr.NewUnsupported("target has no register access")
	}
	v, err := t.ops.Reg.GetReg(ctx, reg)
	if err != nil {
		return 0, t.fail(errors.Trace(err))
	}
	return v, nil
}

// SetReg writes one core register.
func (t *Target) SetReg(ctx context.Context, reg int, value uint32) error {
	if err := t.requireAttached(); err != nil {
		return err
	}
	if t.ops.Reg == nil {
		return xerr.NewUnsupported("target has no register access")
	}
	if err := t.ops.Reg.SetReg(ctx, reg, value); err != nil {
		return t.fail(errors.Trace(err))
	}
	return nil
}

// SetBreakwatch sets a breakpoint/watchpoint, returning breakwatch.Result.
func (t *Target) SetBreakwatch(kind breakwatch.Kind, addr, size uint32) (*breakwatch.Record, breakwatch.Result, error) {
	if t.bw == nil {
		return nil, breakwatch.Unsupported, nil
	}
	return t.bw.Set(kind, addr, size)
}

// ClearBreakwatch clears a previously set breakpoint/watchpoint.
func (t *Target) ClearBreakwatch(rec *breakwatch.Record) error {
	if t.bw == nil {
		return xerr.NewUnsupported("target has no breakwatch capability")
	}
	return t.bw.Clear(rec)
}

// Name reports a human-readable target identification string, if the
// device driver supplies one (e.g. cortexm.Debug.GetTargetName).
func (t *Target) Name(ctx context.Context) (string, error) {
	if t.ops.Name == nil {
		return "", xerr.NewUnsupported("target has no identification capability")
	}
	return t.ops.Name(ctx)
}
