// Package seriallink implements link.Link over a serial-bridged JTAG/PDI
// pod (the kind found on AVR XMEGA Xplained boards, where the on-board
// debugger exposes PDI framing over a CDC-ACM serial port rather than raw
// USB-HID). Grounded on common/mgrpc/codec/serial.go's serial.OpenOptions
// usage.
package seriallink

import (
	"context"
	"time"

	"github.com/cesanta/go-serial/serial"
	"github.com/golang/glog"
	"github.com/juju/errors"

	"github.com/mongoose-os/probecore/internal/link"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// SerialLink frames bit-shift requests as length-prefixed byte sequences
// over a serial port; each ShiftDRIR/TDISeq call is one request/response
// round trip, which the probe firmware on the other end executes as one
// atomic wire transaction (spec §5).
type SerialLink struct {
	port serial.Serial
}

// Open opens portName at 115200 baud; baudRate is not used.
func Open(ctx context.Context, portName string, baudRate uint) (*SerialLink, error) {
	glog.Infof("opening %s...", portName)
	oo := serial.OpenOptions{
		PortName:              portName,
		BaudRate:              115200,
		DataBits:              8,
		ParityMode:            serial.PARITY_NONE,
		StopBits:              1,
		InterCharacterTimeout: uint(200 * time.Millisecond / time.Millisecond),
	}
	if baudRate != 0 {
		oo.BaudRate = baudRate
	}
	p, err := serial.Open(oo)
	if err != nil {
		return nil, xerr.LinkError(err, "failed to open %s", portName)
	}
	p.Flush()
	return &SerialLink{port: p}, nil
}

func (sl *SerialLink) writeFrame(payload []byte) error {
	frame := append([]byte{byte(len(payload))}, payload...)
	n, err := sl.port.Write(frame)
	if err != nil {
		return xerr.LinkError(err, "serial write failed")
	}
	if n != len(frame) {
		return xerr.NewLinkError("short serial write (%d/%d)", n, len(frame))
	}
	return nil
}

func (sl *SerialLink) readFrame(want int) ([]byte, error) {
	buf := make([]byte, want)
	read := 0
	for read < want {
		n, err := sl.port.Read(buf[read:])
		if err != nil {
			return nil, xerr.LinkError(err, "serial read failed")
		}
		if n == 0 {
			return nil, xerr.NewTransportTimeout("serial read timed out (%d/%d bytes)", read, want)
		}
		read += n
	}
	return buf, nil
}

func (sl *SerialLink) ShiftDRIR(ctx context.Context, ir bool, out, in []byte, bitCount int) error {
	nbytes := (bitCount + 7) / 8
	cmd := byte(0x01)
	if ir {
		cmd = 0x02
	}
	if err := sl.writeFrame(append([]byte{cmd}, out[:nbytes]...)); err != nil {
		return errors.Trace(err)
	}
	resp, err := sl.readFrame(nbytes)
	if err != nil {
		return errors.Trace(err)
	}
	if in != nil {
		copy(in, resp)
	}
	return nil
}

func (sl *SerialLink) TDISeq(ctx context.Context, tmsFinal bool, pattern []byte, bitCount int) error {
	return sl.TDITDOSeq(ctx, tmsFinal, pattern, nil, bitCount)
}

func (sl *SerialLink) TDITDOSeq(ctx context.Context, tmsFinal bool, pattern []byte, tdo []byte, bitCount int) error {
	nbytes := (bitCount + 7) / 8
	flag := byte(0)
	if tmsFinal {
		flag = 1
	}
	if err := sl.writeFrame(append([]byte{0x03, flag}, pattern[:nbytes]...)); err != nil {
		return errors.Trace(err)
	}
	resp, err := sl.readFrame(nbytes)
	if err != nil {
		return errors.Trace(err)
	}
	if tdo != nil {
		copy(tdo, resp)
	}
	return nil
}

func (sl *SerialLink) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	return 0, 0, false, xerr.NewUnsupported("seriallink carries PDI/JTAG, not SWD")
}

func (sl *SerialLink) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	return 0, xerr.NewUnsupported("seriallink carries PDI/JTAG, not SWD")
}

func (sl *SerialLink) ReturnIdle(ctx context.Context) error {
	return errors.Trace(sl.writeFrame([]byte{0x04}))
}

func (sl *SerialLink) NRSTSet(ctx context.Context, asserted bool) error {
	return sl.port.SetDTR(!asserted)
}

func (sl *SerialLink) Close() error {
	return sl.port.Close()
}

var _ link.Link = (*SerialLink)(nil)
