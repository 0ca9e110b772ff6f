// Package hidlink implements link.Link over a CMSIS-DAP-class USB-HID
// debug probe, grounded on mos/flash/common/cmsis-dap/dap/cmsis_dap_client.go:
// the same HID command framing (one-byte command, status-prefixed reply)
// and the same retry-on-WAIT loop around Transfer, generalized here to
// satisfy the full link.Link contract (SWD and JTAG shift primitives)
// rather than just the DP/MEM-AP-shaped calls the teacher hardcodes.
package hidlink

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/hex"

	"github.com/cesanta/hid"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/link"
	"github.com/mongoose-os/probecore/internal/xerr"
)

type cmd uint8

const (
	cmdInfo              cmd = 0x00
	cmdConnect           cmd = 0x02
	cmdDisconnect        cmd = 0x03
	cmdTransferConfigure cmd = 0x04
	cmdTransfer          cmd = 0x05
	cmdSWJSequence       cmd = 0x12
	cmdSWDConfigure      cmd = 0x13
	cmdResetTarget       cmd = 0x0a
)

const maxTransferRetries = 32

// HIDLink is a CMSIS-DAP probe reached over USB-HID.
type HIDLink struct {
	d             hid.Device
	maxPacketSize int
}

// Open enumerates HID devices for the given VID/PID and opens the first
// match, mirroring dap.NewClient.
func Open(ctx context.Context, vid, pid uint16) (*HIDLink, error) {
	devs, err := hid.Devices()
	if err != nil {
		return nil, xerr.LinkError(err, "failed to enumerate HID devices")
	}
	for _, di := range devs {
		if di.VendorID != vid || di.ProductID != pid {
			continue
		}
		d, err := di.Open()
		if err != nil {
			return nil, xerr.LinkError(err, "failed to open device %04x:%04x", vid, pid)
		}
		hl := &HIDLink{d: d, maxPacketSize: 64}
		if err := hl.negotiatePacketSize(ctx); err != nil {
			hl.Close()
			return nil, errors.Trace(err)
		}
		if err := hl.execStatus(ctx, cmdSWDConfigure, []byte{0}); err != nil {
			glog.Warningf("SWD configure failed: %s", err)
		}
		if err := hl.execStatus(ctx, cmdTransferConfigure, []byte{0, 100, 0, 100, 0}); err != nil {
			glog.Warningf("transfer configure failed: %s", err)
		}
		return hl, nil
	}
	return nil, xerr.NewLinkError("no HID device %04x:%04x found", vid, pid)
}

func (hl *HIDLink) negotiatePacketSize(ctx context.Context) error {
	args := newCmd(cmdInfo, []byte{0xff})
	resp, err := hl.exec(ctx, args)
	if err != nil {
		return xerr.LinkError(err, "failed to query packet size")
	}
	var rl uint8
	var mps uint16
	binary.Read(resp, binary.LittleEndian, &rl)
	binary.Read(resp, binary.LittleEndian, &mps)
	if mps > 0 {
		hl.maxPacketSize = int(mps)
	}
	return nil
}

func newCmd(c cmd, payload []byte) *bytes.Buffer {
	b := bytes.NewBuffer([]byte{0, byte(c)})
	b.Write(payload)
	return b
}

func (hl *HIDLink) exec(ctx context.Context, args *bytes.Buffer) (*bytes.Buffer, error) {
	glog.V(4).Infof("=> %s", hex.EncodeToString(args.Bytes()[1:]))
	if len(args.Bytes()) > hl.maxPacketSize {
		return nil, xerr.NewLinkError("packet too long (max %d, got %d)", hl.maxPacketSize, len(args.Bytes()))
	}
	reqCmd := args.Bytes()[1]
	if err := hl.d.Write(args.Bytes()); err != nil {
		return nil, xerr.LinkError(err, "device write failed")
	}
	select {
	case <-ctx.Done():
		return nil, xerr.Cancelled(ctx.Err(), "hidlink exec")
	case resp, ok := <-hl.d.ReadCh():
		if !ok {
			return nil, xerr.LinkError(hl.d.ReadError(), "device read failed")
		}
		glog.V(4).Infof("<= %s", hex.EncodeToString(resp))
		if len(resp) == 0 || resp[0] != reqCmd {
			return nil, xerr.NewTransportProtocolError("response to wrong command (want 0x%02x)", reqCmd)
		}
		return bytes.NewBuffer(resp[1:]), nil
	}
}

func (hl *HIDLink) execStatus(ctx context.Context, c cmd, payload []byte) error {
	resp, err := hl.exec(ctx, newCmd(c, payload))
	if err != nil {
		return errors.Trace(err)
	}
	if resp.Len() > 0 && resp.Bytes()[0] != 0 {
		return xerr.NewTransportProtocolError("command 0x%02x returned status 0x%02x", c, resp.Bytes()[0])
	}
	return nil
}

// treqByte encodes one CMSIS-DAP transfer request descriptor.
func treqByte(apndp, rnw bool, addr uint8) uint8 {
	treq := addr & 0xc
	if apndp {
		treq |= 1 << 0
	}
	if rnw {
		treq |= 1 << 1
	}
	return treq
}

func (hl *HIDLink) doTransfer(ctx context.Context, treq uint8, data uint32, rnw bool) (link.Ack, uint32, error) {
	args := newCmd(cmdTransfer, nil)
	binary.Write(args, binary.LittleEndian, uint8(0)) // DAP index
	binary.Write(args, binary.LittleEndian, uint8(1)) // 1 transfer
	binary.Write(args, binary.LittleEndian, treq)
	if !rnw {
		binary.Write(args, binary.LittleEndian, data)
	}
	resp, err := hl.exec(ctx, args)
	if err != nil {
		return 0, 0, errors.Trace(err)
	}
	var tc, st uint8
	if binary.Read(resp, binary.LittleEndian, &tc) != nil || binary.Read(resp, binary.LittleEndian, &st) != nil {
		return 0, 0, xerr.NewTransportProtocolError("short transfer response")
	}
	ack := link.Ack(st & 7)
	if ack != link.AckOK {
		return ack, 0, nil
	}
	if !rnw {
		return ack, 0, nil
	}
	var d uint32
	if binary.Read(resp, binary.LittleEndian, &d) != nil {
		return ack, 0, xerr.NewTransportProtocolError("short transfer data")
	}
	return ack, d, nil
}

func (hl *HIDLink) transferRetry(ctx context.Context, treq uint8, data uint32, rnw bool) (link.Ack, uint32, error) {
	var ack link.Ack
	var val uint32
	var err error
	for i := 0; i < maxTransferRetries; i++ {
		ack, val, err = hl.doTransfer(ctx, treq, data, rnw)
		if err != nil {
			return ack, val, errors.Trace(err)
		}
		if ack != link.AckWait {
			return ack, val, nil
		}
	}
	return ack, val, xerr.NewTransportTimeout("transfer retries exhausted (WAIT)")
}

func (hl *HIDLink) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	apndp := request&(1<<1) != 0
	addr := (request >> 1) & 0xc
	treq := treqByte(apndp, true, addr)
	ack, data, err := hl.transferRetry(ctx, treq, 0, true)
	return ack, data, link.ParityOf32(data), err
}

func (hl *HIDLink) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	apndp := request&(1<<1) != 0
	addr := (request >> 1) & 0xc
	treq := treqByte(apndp, false, addr)
	ack, _, err := hl.transferRetry(ctx, treq, data, false)
	return ack, err
}

func (hl *HIDLink) ShiftDRIR(ctx context.Context, ir bool, out, in []byte, bitCount int) error {
	return xerr.NewUnsupported("hidlink: raw JTAG shift not supported in SWD mode")
}

func (hl *HIDLink) TDISeq(ctx context.Context, tmsFinal bool, pattern []byte, bitCount int) error {
	if bitCount < 1 || bitCount > 256 {
		return xerr.NewLinkError("SWJSequence length must be 1..256 bits, got %d", bitCount)
	}
	args := newCmd(cmdSWJSequence, []byte{uint8(bitCount)})
	args.Write(pattern)
	return errors.Trace(hl.execStatus(ctx, cmdSWJSequence, append([]byte{uint8(bitCount)}, pattern...)))
}

func (hl *HIDLink) TDITDOSeq(ctx context.Context, tmsFinal bool, pattern []byte, tdo []byte, bitCount int) error {
	return xerr.NewUnsupported("hidlink: TDO capture not supported over CMSIS-DAP SWJSequence")
}

func (hl *HIDLink) ReturnIdle(ctx context.Context) error {
	return hl.TDISeq(ctx, false, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, 64)
}

func (hl *HIDLink) NRSTSet(ctx context.Context, asserted bool) error {
	if !asserted {
		return nil
	}
	return errors.Trace(hl.execStatus(ctx, cmdResetTarget, nil))
}

func (hl *HIDLink) Close() error {
	if hl.d != nil {
		hl.d.Close()
	}
	return nil
}

var _ link.Link = (*HIDLink)(nil)
