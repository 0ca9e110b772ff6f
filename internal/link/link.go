// Package link defines the bit-shift transport contract consumed by the
// debug core (spec §4.1). Physical-layer bit-banging of JTAG/SWD lines is
// out of scope (§1); this package only defines the interface and the
// backends that carry it over a concrete USB/serial channel.
//
// All bit ordering on the wire is LSB-first.
package link

import "context"

// Ack is the 3-bit SWD acknowledgement (or its JTAG-DPACC/APACC analogue).
type Ack uint8

const (
	AckOK    Ack = 0b001
	AckWait  Ack = 0b010
	AckFault Ack = 0b100
)

// Link is the contract §4.1 specifies: arbitrary-length bit shifts plus
// the SWD single-transaction primitives. Implementations must treat each
// call as an atomic wire transaction (spec §5: "the transport is not
// corrupted by a timeout because all wire transactions are atomic at the
// link layer").
type Link interface {
	// ShiftDRIR shifts bitCount bits through IR (ir=true) or DR (ir=false),
	// clocking out[] (LSB-first) while capturing in[] (LSB-first). out/in
	// may be nil if not needed; len(out)/len(in) must be >= ceil(bitCount/8).
	ShiftDRIR(ctx context.Context, ir bool, out, in []byte, bitCount int) error

	// TDISeq runs bitCount bits of pattern onto TDI, driving TMS high on
	// the final bit iff tmsFinal is set.
	TDISeq(ctx context.Context, tmsFinal bool, pattern []byte, bitCount int) error

	// TDITDOSeq is TDISeq but also captures TDO into tdo (same length
	// requirement as ShiftDRIR's in).
	TDITDOSeq(ctx context.Context, tmsFinal bool, pattern []byte, tdo []byte, bitCount int) error

	// SWDRead performs one SWD read transaction for the given 8-bit
	// request byte, returning the ack, the 32-bit data, and its parity bit.
	SWDRead(ctx context.Context, request byte) (ack Ack, data uint32, parity bool, err error)

	// SWDWrite performs one SWD write transaction.
	SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (ack Ack, err error)

	// ReturnIdle brings the TAP back to Run-Test/Idle (JTAG) or the
	// equivalent SWD idle state.
	ReturnIdle(ctx context.Context) error

	// NRSTSet drives the reset pin, if the probe hardware supports it.
	// Implementations that can't drive nRST return xerr.NewUnsupported.
	NRSTSet(ctx context.Context, asserted bool) error

	// Close releases the underlying transport.
	Close() error
}

// SWDRequest builds the 8-bit SWD request byte (§6): start=1, APnDP, RnW,
// addr[3:2], parity-of-(APnDP,RnW,addr), stop=0, park=1.
func SWDRequest(apndp, rnw bool, addr uint8) byte {
	var req byte = 1 << 0 // start
	if apndp {
		req |= 1 << 1
	}
	if rnw {
		req |= 1 << 2
	}
	req |= (addr & 0xc) << 1
	if parityOf(req>>1&0xf) {
		req |= 1 << 5
	}
	req |= 1 << 7 // park
	return req
}

func parityOf(b byte) bool {
	p := false
	for b != 0 {
		p = !p
		b &= b - 1
	}
	return p
}

// ParityOf32 returns the odd/even parity (XOR of all set bits) of a 32-bit
// word, used for SWD data-phase parity and, generalized to a byte, for PDI
// framing (spec §4.4).
func ParityOf32(v uint32) bool {
	p := false
	for v != 0 {
		p = !p
		v &= v - 1
	}
	return p
}
