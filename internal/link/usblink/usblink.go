// Package usblink implements link.Link over a vendor bulk-USB debug probe
// (one that exposes raw bulk endpoints rather than a HID report
// interface). Grounded on cli/flash/common/usb.go's gousb device-matching
// pattern.
package usblink

import (
	"context"

	"github.com/google/gousb"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/link"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// USBLink carries bit-shift requests as framed bulk transfers.
type USBLink struct {
	ctx   *gousb.Context
	dev   *gousb.Device
	intf  *gousb.Interface
	done  func()
	epIn  *gousb.InEndpoint
	epOut *gousb.OutEndpoint
}

// Open opens a bulk-USB probe matching vid/pid (and serial, if non-empty),
// mirroring common.OpenUSBDevice.
func Open(vid, pid gousb.ID, serial string, intfNum, epInNum, epOutNum int) (*USBLink, error) {
	uctx := gousb.NewContext()
	devs, err := uctx.OpenDevices(func(dd *gousb.DeviceDesc) bool {
		return dd.Vendor == vid && dd.Product == pid
	})
	if err != nil && len(devs) == 0 {
		uctx.Close()
		return nil, xerr.LinkError(err, "failed to enumerate USB devices")
	}
	var dev *gousb.Device
	for _, d := range devs {
		if dev != nil {
			d.Close()
			continue
		}
		sn, _ := d.SerialNumber()
		if serial == "" || sn == serial {
			dev = d
		} else {
			d.Close()
		}
	}
	if dev == nil {
		uctx.Close()
		return nil, xerr.NewLinkError("no USB device %s:%s found", vid, pid)
	}
	intf, done, err := dev.DefaultInterface()
	if err != nil {
		dev.Close()
		uctx.Close()
		return nil, xerr.LinkError(err, "failed to claim interface")
	}
	epIn, err := intf.InEndpoint(epInNum)
	if err != nil {
		done()
		dev.Close()
		uctx.Close()
		return nil, xerr.LinkError(err, "failed to open IN endpoint")
	}
	epOut, err := intf.OutEndpoint(epOutNum)
	if err != nil {
		done()
		dev.Close()
		uctx.Close()
		return nil, xerr.LinkError(err, "failed to open OUT endpoint")
	}
	return &USBLink{ctx: uctx, dev: dev, intf: intf, done: done, epIn: epIn, epOut: epOut}, nil
}

func (ul *USBLink) transact(cmd []byte, replyLen int) ([]byte, error) {
	if _, err := ul.epOut.Write(cmd); err != nil {
		return nil, xerr.LinkError(err, "bulk write failed")
	}
	buf := make([]byte, replyLen)
	n, err := ul.epIn.Read(buf)
	if err != nil {
		return nil, xerr.LinkError(err, "bulk read failed")
	}
	return buf[:n], nil
}

func (ul *USBLink) ShiftDRIR(ctx context.Context, ir bool, out, in []byte, bitCount int) error {
	nbytes := (bitCount + 7) / 8
	cmdByte := byte(0x11)
	if ir {
		cmdByte = 0x12
	}
	resp, err := ul.transact(append([]byte{cmdByte}, out[:nbytes]...), nbytes)
	if err != nil {
		return errors.Trace(err)
	}
	if in != nil {
		copy(in, resp)
	}
	return nil
}

func (ul *USBLink) TDISeq(ctx context.Context, tmsFinal bool, pattern []byte, bitCount int) error {
	return ul.TDITDOSeq(ctx, tmsFinal, pattern, nil, bitCount)
}

func (ul *USBLink) TDITDOSeq(ctx context.Context, tmsFinal bool, pattern []byte, tdo []byte, bitCount int) error {
	nbytes := (bitCount + 7) / 8
	flag := byte(0)
	if tmsFinal {
		flag = 1
	}
	resp, err := ul.transact(append([]byte{0x13, flag}, pattern[:nbytes]...), nbytes)
	if err != nil {
		return errors.Trace(err)
	}
	if tdo != nil {
		copy(tdo, resp)
	}
	return nil
}

func (ul *USBLink) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	resp, err := ul.transact([]byte{0x14, request}, 6)
	if err != nil {
		return 0, 0, false, errors.Trace(err)
	}
	if len(resp) < 6 {
		return 0, 0, false, xerr.NewTransportProtocolError("short SWD read reply")
	}
	ack := link.Ack(resp[0])
	data := uint32(resp[1]) | uint32(resp[2])<<8 | uint32(resp[3])<<16 | uint32(resp[4])<<24
	parity := resp[5] != 0
	return ack, data, parity, nil
}

func (ul *USBLink) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	p := byte(0)
	if parity {
		p = 1
	}
	cmd := []byte{0x15, request, byte(data), byte(data >> 8), byte(data >> 16), byte(data >> 24), p}
	resp, err := ul.transact(cmd, 1)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if len(resp) < 1 {
		return 0, xerr.NewTransportProtocolError("short SWD write reply")
	}
	return link.Ack(resp[0]), nil
}

func (ul *USBLink) ReturnIdle(ctx context.Context) error {
	_, err := ul.transact([]byte{0x16}, 0)
	return errors.Trace(err)
}

func (ul *USBLink) NRSTSet(ctx context.Context, asserted bool) error {
	flag := byte(0)
	if asserted {
		flag = 1
	}
	_, err := ul.transact([]byte{0x17, flag}, 0)
	return errors.Trace(err)
}

func (ul *USBLink) Close() error {
	if ul.done != nil {
		ul.done()
	}
	if ul.dev != nil {
		ul.dev.Close()
	}
	if ul.ctx != nil {
		ul.ctx.Close()
	}
	return nil
}

var _ link.Link = (*USBLink)(nil)
