package adiv5

import (
	"context"

	"github.com/juju/errors"
)

// MEM-AP register offsets (§4.3).
const (
	apCSW = 0x00
	apTAR = 0x04
	apDRW = 0x0c
)

const (
	cswSize32    = 2 << 0
	cswSize16    = 1 << 0
	cswSize8     = 0 << 0
	cswAddrIncN  = 1 << 4 // single increment
	cswAddrIncP  = 2 << 4 // packed increment (byte/halfword lanes)
	cswAddrIncOf = 0 << 4
	cswDbgSwEn   = 1 << 31
	cswDeviceEn  = 1 << 6
)

// autoIncBoundary is the address span (bytes) after which TAR auto-
// increment wraps on real silicon; bulk accesses must not straddle it
// (§4.3).
const autoIncBoundary = 0x400

// Width selects the MEM-AP access size.
type Width int

const (
	Width8 Width = iota
	Width16
	Width32
)

func (w Width) cswBits() uint32 {
	switch w {
	case Width8:
		return cswSize8
	case Width16:
		return cswSize16
	default:
		return cswSize32
	}
}

func (w Width) bytes() uint32 {
	switch w {
	case Width8:
		return 1
	case Width16:
		return 2
	default:
		return 4
	}
}

// Init reads the AP's current CSW and caches a base value of word-access
// with auto-increment, mirroring memAPClient.Init. It does not check that
// the AP is a MEM-AP; the base CSW is written on the first access.
func (ap *AP) Init(ctx context.Context) error {
	csw, err := ap.DP.apReadRaw(ctx, ap.APSel, apCSW)
	if err != nil {
		return errors.Annotatef(err, "failed to read CSW")
	}
	ap.csw = (csw &^ uint32(0x3f)) | cswSize32 | cswAddrIncN
	ap.cswValid = false
	return nil
}

func (ap *AP) setCSW(ctx context.Context, width Width) error {
	want := (ap.csw &^ uint32(0x3)) | width.cswBits() | cswAddrIncN
	if ap.cswValid && ap.csw == want {
		return nil
	}
	if err := ap.DP.apWriteRaw(ctx, ap.APSel, apCSW, want); err != nil {
		return errors.Trace(err)
	}
	ap.csw = want
	ap.cswValid = true
	return nil
}

func (ap *AP) setTAR(ctx context.Context, addr uint32) error {
	return ap.DP.apWriteRaw(ctx, ap.APSel, apTAR, addr)
}

// chunk is one auto-increment-safe run within a larger bulk access.
type chunk struct {
	addr  uint32
	count int
}

// chunks splits [addr, addr+n) into runs that never cross an
// autoIncBoundary-aligned boundary (§4.3).
func chunks(addr uint32, n int, unit uint32) []chunk {
	var out []chunk
	for n > 0 {
		room := autoIncBoundary - addr%autoIncBoundary
		maxCount := int(room / unit)
		if maxCount == 0 {
			maxCount = 1
		}
		c := n
		if c > maxCount {
			c = maxCount
		}
		out = append(out, chunk{addr, c})
		addr += uint32(c) * unit
		n -= c
	}
	return out
}

// ReadWords reads count 32-bit words starting at addr, pipelined and
// chunked at the 1KiB auto-increment boundary (§4.3, §8 AP pipelining
// scenario).
func (ap *AP) ReadWords(ctx context.Context, addr uint32, count int) ([]uint32, error) {
	if err := ap.setCSW(ctx, Width32); err != nil {
		return nil, errors.Trace(err)
	}
	out := make([]uint32, 0, count)
	for _, c := range chunks(addr, count, 4) {
		if err := ap.setTAR(ctx, c.addr); err != nil {
			return nil, errors.Annotatef(err, "failed to set TAR=0x%08x", c.addr)
		}
		vals, err := ap.DP.ReadAPRegsPipelined(ctx, ap.APSel, apDRW, c.count)
		if err != nil {
			return nil, errors.Annotatef(err, "pipelined read at 0x%08x failed", c.addr)
		}
		out = append(out, vals...)
	}
	return out, nil
}

// WriteWords writes vals as 32-bit words starting at addr.
func (ap *AP) WriteWords(ctx context.Context, addr uint32, vals []uint32) error {
	if err := ap.setCSW(ctx, Width32); err != nil {
		return errors.Trace(err)
	}
	off := 0
	for _, c := range chunks(addr, len(vals), 4) {
		if err := ap.setTAR(ctx, c.addr); err != nil {
			return errors.Annotatef(err, "failed to set TAR=0x%08x", c.addr)
		}
		if err := ap.DP.WriteAPRegsPipelined(ctx, ap.APSel, apDRW, vals[off:off+c.count]); err != nil {
			return errors.Annotatef(err, "pipelined write at 0x%08x failed", c.addr)
		}
		off += c.count
	}
	return nil
}

// ReadBytes reads n bytes starting at addr, using byte-wide CSW access for
// every byte, aligned or not (§4.3 "byte/halfword access for device
// registers that forbid wider accesses").
func (ap *AP) ReadBytes(ctx context.Context, addr uint32, n int) ([]byte, error) {
	out := make([]byte, n)
	if err := ap.setCSW(ctx, Width8); err != nil {
		return nil, errors.Trace(err)
	}
	for i := 0; i < n; i++ {
		if err := ap.setTAR(ctx, addr+uint32(i)); err != nil {
			return nil, errors.Trace(err)
		}
		vals, err := ap.DP.ReadAPRegsPipelined(ctx, ap.APSel, apDRW, 1)
		if err != nil {
			return nil, errors.Trace(err)
		}
		out[i] = byte(vals[0] >> ((addr + uint32(i)) % 4 * 8))
	}
	return out, nil
}

// WriteBytes writes data starting at addr.
func (ap *AP) WriteBytes(ctx context.Context, addr uint32, data []byte) error {
	if err := ap.setCSW(ctx, Width8); err != nil {
		return errors.Trace(err)
	}
	for i, b := range data {
		a := addr + uint32(i)
		if err := ap.setTAR(ctx, a); err != nil {
			return errors.Trace(err)
		}
		v := uint32(b) << (a % 4 * 8)
		if err := ap.DP.apWriteRaw(ctx, ap.APSel, apDRW, v); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// ReadReg reads one AP-internal register directly (no TAR/DRW indirection;
// used for CSW/CFG/BASE/IDR themselves).
func (ap *AP) ReadReg(ctx context.Context, reg uint8) (uint32, error) {
	return ap.DP.apReadRaw(ctx, ap.APSel, reg)
}

// WriteReg writes one AP-internal register directly.
func (ap *AP) WriteReg(ctx context.Context, reg uint8, value uint32) error {
	return ap.DP.apWriteRaw(ctx, ap.APSel, reg, value)
}
