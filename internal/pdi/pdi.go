// Package pdi implements the AVR Program and Debug Interface transport and
// attach state machine (spec §4.4), grounded in the teacher's retry/poll
// idiom (cmsis_dap_dp.go's SetDbgPower poll loop, cmsis_dap_client.go's
// retry-on-WAIT loop) applied to PDI's DELAY-reply protocol, since the
// teacher repo itself has no AVR path.
package pdi

import (
	"context"
	"time"

	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/link"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// Instruction opcodes, packed into the top 3 bits of the PDI instruction
// byte (§4.4); the low bits carry pointer/size modifiers.
const (
	opLDS    = 0x00
	opLD     = 0x20
	opSTS    = 0x40
	opST     = 0x60
	opLDCS   = 0x80
	opREPEAT = 0xa0
	opSTCS   = 0xc0
	opKEY    = 0xe0
)

// Control/status space (CS) register indices for LDCS/STCS. CSR3/CSR4 are
// the halt-protocol handshake registers (§4.4 "Halt protocol").
const (
	CSStatus  = 0x0
	CSReset   = 0x1
	CSControl = 0x2
	CSR3      = 0x3
	CSR4      = 0x4
)

// Halt-protocol R3 values (§4.4): the handshake moves through
// r3HaltRequested then r3ResetReleased before settling on r3Halted.
const (
	r3HaltRequested = 0x10
	r3ResetReleased = 0x14
	r3Halted        = 0x04
)

const (
	resetKey = 0x59

	// delayReply marks a PDI_DELAY condition: the target wants more clock
	// cycles before the real reply is ready. emptyReply marks PDI_EMPTY: no
	// reply pending (used as the idle line state).
	delayReply = 0xfe
	emptyReply = 0xff
)

const maxDelayRetries = 64

// State is an attach-state-machine state (§4.4).
type State int

const (
	Detached State = iota
	Reset
	DebugEnabled
	Halted
	NvmReady
)

func (s State) String() string {
	switch s {
	case Detached:
		return "Detached"
	case Reset:
		return "Reset"
	case DebugEnabled:
		return "DebugEnabled"
	case Halted:
		return "Halted"
	case NvmReady:
		return "NvmReady"
	}
	return "Unknown"
}

// nvmEnableKey is the 8-byte PDI NVM-enable key (§4.4).
var nvmEnableKey = [8]byte{0x20, 0x9A, 0x4A, 0xD6, 0x0E, 0x0B, 0x4D, 0x43}

// Driver is a PDI transport and attach-state-machine driver over a Link.
type Driver struct {
	l     link.Link
	state State
}

func New(l link.Link) *Driver {
	return &Driver{l: l, state: Detached}
}

func (d *Driver) State() State { return d.state }

func parityBit(b byte) bool { return link.ParityOf32(uint32(b)) }

// writeByte shifts one 9-bit PDI frame (8 data bits LSB-first, then one
// odd-parity bit) onto the wire.
func (d *Driver) writeByte(ctx context.Context, b byte) error {
	p := byte(0)
	if parityBit(b) {
		p = 1
	}
	pattern := []byte{b, p}
	if err := d.l.TDISeq(ctx, false, pattern, 9); err != nil {
		return xerr.LinkError(err, "PDI write failed")
	}
	return nil
}

// readByte clocks 9 idle bits and captures the reply frame, validating
// parity. A data byte of delayReply/emptyReply is returned verbatim; the
// caller (readReply) is responsible for retry semantics.
func (d *Driver) readByte(ctx context.Context) (byte, error) {
	out := []byte{0xff, 0x01}
	tdo := make([]byte, 2)
	if err := d.l.TDITDOSeq(ctx, false, out, tdo, 9); err != nil {
		return 0, xerr.LinkError(err, "PDI read failed")
	}
	data := tdo[0]
	parity := tdo[1]&1 != 0
	if parity != parityBit(data) {
		return 0, xerr.NewTransportProtocolError("PDI parity mismatch on reply 0x%02x", data)
	}
	return data, nil
}

// readReply retries while the target reports PDI_DELAY (§4.4 "the reply
// may be preceded by any number of PDI_DELAY or PDI_EMPTY bytes").
func (d *Driver) readReply(ctx context.Context) (byte, error) {
	for i := 0; i < maxDelayRetries; i++ {
		b, err := d.readByte(ctx)
		if err != nil {
			return 0, errors.Trace(err)
		}
		if b == delayReply || b == emptyReply {
			continue
		}
		return b, nil
	}
	return 0, xerr.NewTransportTimeout("PDI reply not observed after %d delay retries", maxDelayRetries)
}

// LDCS reads a control/status register.
func (d *Driver) LDCS(ctx context.Context, reg uint8) (byte, error) {
	if err := d.writeByte(ctx, opLDCS|(reg&0xf)); err != nil {
		return 0, errors.Trace(err)
	}
	return d.readReply(ctx)
}

// STCS writes a control/status register.
func (d *Driver) STCS(ctx context.Context, reg uint8, value byte) error {
	if err := d.writeByte(ctx, opSTCS|(reg&0xf)); err != nil {
		return errors.Trace(err)
	}
	return d.writeByte(ctx, value)
}

// Key sends the 8-byte PDI key that enables NVM-programming mode (§4.4).
func (d *Driver) Key(ctx context.Context) error {
	if err := d.writeByte(ctx, opKEY); err != nil {
		return errors.Trace(err)
	}
	for _, b := range nvmEnableKey {
		if err := d.writeByte(ctx, b); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func sizeIdx(n int) (byte, error) {
	switch n {
	case 1:
		return 0, nil
	case 2:
		return 1, nil
	case 3:
		return 2, nil
	case 4:
		return 3, nil
	}
	return 0, xerr.NewUnsupported("PDI size must be 1..4 bytes, got %d", n)
}

// LDS reads n (1..4) bytes from a 32-bit data-space address.
func (d *Driver) LDS(ctx context.Context, addr uint32, n int) ([]byte, error) {
	asz, err := sizeIdx(4)
	if err != nil {
		return nil, errors.Trace(err)
	}
	dsz, err := sizeIdx(n)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if err := d.writeByte(ctx, opLDS|(asz<<2)|dsz); err != nil {
		return nil, errors.Trace(err)
	}
	for i := 0; i < 4; i++ {
		if err := d.writeByte(ctx, byte(addr>>(8*uint(i)))); err != nil {
			return nil, errors.Trace(err)
		}
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := d.readReply(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "LDS byte %d/%d", i, n)
		}
		out[i] = b
	}
	return out, nil
}

// STS writes data (1..4 bytes) to a 32-bit data-space address.
func (d *Driver) STS(ctx context.Context, addr uint32, data []byte) error {
	asz, err := sizeIdx(4)
	if err != nil {
		return errors.Trace(err)
	}
	dsz, err := sizeIdx(len(data))
	if err != nil {
		return errors.Trace(err)
	}
	if err := d.writeByte(ctx, opSTS|(asz<<2)|dsz); err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < 4; i++ {
		if err := d.writeByte(ctx, byte(addr>>(8*uint(i)))); err != nil {
			return errors.Trace(err)
		}
	}
	for _, b := range data {
		if err := d.writeByte(ctx, b); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// Repeat programs the REPEAT counter for a following block LD/ST (§4.4).
func (d *Driver) Repeat(ctx context.Context, count uint32) error {
	if err := d.writeByte(ctx, opREPEAT); err != nil {
		return errors.Trace(err)
	}
	for i := 0; i < 4; i++ {
		if err := d.writeByte(ctx, byte(count>>(8*uint(i)))); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ReadBlock reads n bytes starting at addr using Repeat+LD (pointer
// post-increment), the bulk path used by flashengine for verify-readback.
func (d *Driver) ReadBlock(ctx context.Context, addr uint32, n int) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	if err := d.pointerSet(ctx, addr); err != nil {
		return nil, errors.Trace(err)
	}
	if n > 1 {
		if err := d.Repeat(ctx, uint32(n-1)); err != nil {
			return nil, errors.Trace(err)
		}
	}
	if err := d.writeByte(ctx, opLD|0x04); err != nil { // *(ptr++), byte access
		return nil, errors.Trace(err)
	}
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		b, err := d.readReply(ctx)
		if err != nil {
			return nil, errors.Annotatef(err, "ReadBlock byte %d/%d", i, n)
		}
		out[i] = b
	}
	return out, nil
}

// WriteBlock writes data starting at addr using Repeat+ST.
func (d *Driver) WriteBlock(ctx context.Context, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := d.pointerSet(ctx, addr); err != nil {
		return errors.Trace(err)
	}
	if len(data) > 1 {
		if err := d.Repeat(ctx, uint32(len(data)-1)); err != nil {
			return errors.Trace(err)
		}
	}
	if err := d.writeByte(ctx, opST|0x04); err != nil {
		return errors.Trace(err)
	}
	for _, b := range data {
		if err := d.writeByte(ctx, b); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// pointerSet loads the PDI pointer register via an STS to the implicit
// pointer address space, grounded on the same LDS/STS framing used for
// data-space access.
func (d *Driver) pointerSet(ctx context.Context, addr uint32) error {
	return d.STS(ctx, 0, []byte{byte(addr), byte(addr >> 8), byte(addr >> 16), byte(addr >> 24)})
}

const attachPollInterval = 2 * time.Millisecond
const attachTimeout = 300 * time.Millisecond

// Attach runs the Detached→Reset→DebugEnabled→Halted state machine (§4.4,
// §8 AVR PDI halt scenario): assert external reset via STCS(RESET,key),
// send the NVM-enable key via Key (no separate debug key is sent), then run
// the HaltRequest handshake.
func (d *Driver) Attach(ctx context.Context) error {
	d.state = Detached
	if err := d.STCS(ctx, CSReset, resetKey); err != nil {
		return errors.Annotatef(err, "failed to assert PDI reset")
	}
	d.state = Reset
	if err := d.Key(ctx); err != nil {
		return errors.Annotatef(err, "failed to send NVM enable key")
	}
	d.state = DebugEnabled
	if err := d.HaltRequest(ctx); err != nil {
		return errors.Trace(err)
	}
	glog.V(2).Infof("PDI attach complete, state=%s", d.state)
	return nil
}

// expectR3 reads the R3 handshake register and fails with
// TargetProtocolError if it doesn't hold want (§4.4 "any mismatch raises
// TargetProtocolError(\"incorrect state\")").
func (d *Driver) expectR3(ctx context.Context, want byte) error {
	got, err := d.LDCS(ctx, CSR3)
	if err != nil {
		return errors.Annotatef(err, "failed to read R3")
	}
	if got != want {
		return xerr.NewTargetProtocolError("incorrect state: R3=0x%02x, want 0x%02x", got, want)
	}
	return nil
}

// HaltRequest runs the halt handshake that takes a DebugEnabled target to
// Halted (§4.4 "Halt protocol", §8 scenario 3): write R4=1, expect
// R3==r3HaltRequested, release the external reset, expect
// R3==r3ResetReleased then R3==r3Halted.
func (d *Driver) HaltRequest(ctx context.Context) error {
	if err := d.STCS(ctx, CSR4, 1); err != nil {
		return errors.Annotatef(err, "failed to write R4")
	}
	if err := d.expectR3(ctx, r3HaltRequested); err != nil {
		return errors.Trace(err)
	}
	if err := d.STCS(ctx, CSReset, 0); err != nil {
		return errors.Annotatef(err, "failed to release PDI reset")
	}
	if err := d.expectR3(ctx, r3ResetReleased); err != nil {
		return errors.Trace(err)
	}
	if err := d.expectR3(ctx, r3Halted); err != nil {
		return errors.Trace(err)
	}
	d.state = Halted
	return nil
}

// EnterNvmReady waits for the NVM controller's busy flag to clear,
// transitioning Halted→NvmReady (§4.4).
func (d *Driver) EnterNvmReady(ctx context.Context, nvmBusy func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(attachTimeout)
	for {
		busy, err := nvmBusy(ctx)
		if err != nil {
			return errors.Trace(err)
		}
		if !busy {
			d.state = NvmReady
			return nil
		}
		if time.Now().After(deadline) {
			return xerr.NewTransportTimeout("NVM controller still busy after %s", attachTimeout)
		}
		time.Sleep(attachPollInterval)
	}
}

// Detach releases the PDI reset and NVM programming mode, returning to
// Detached regardless of the prior state (§4.4 detach invariant).
func (d *Driver) Detach(ctx context.Context) error {
	defer func() { d.state = Detached }()
	if err := d.STCS(ctx, CSReset, 0); err != nil {
		return errors.Annotatef(err, "failed to release PDI reset")
	}
	if err := d.STCS(ctx, CSStatus, 0); err != nil {
		return errors.Annotatef(err, "failed to disable NVM programming mode")
	}
	return nil
}
