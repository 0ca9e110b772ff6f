// Command probed is a thin entrypoint wiring a link transport to the
// target abstraction and monitor command table (§6), standing in for the
// GDB-RSP/USB-bring-up layer that's out of scope (§1): just enough to
// exercise the debug-transport/target/flash-engine core end to end.
// Grounded on mos/main.go's flag-then-command-table shape (flag.Parse,
// positional command dispatch, glog+stderr error reporting).
package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/golang/glog"
	"github.com/google/gousb"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probecore/internal/adiv5"
	"github.com/mongoose-os/probecore/internal/cortexm"
	"github.com/mongoose-os/probecore/internal/devices/stm32f4"
	"github.com/mongoose-os/probecore/internal/flashengine"
	"github.com/mongoose-os/probecore/internal/link"
	"github.com/mongoose-os/probecore/internal/link/hidlink"
	"github.com/mongoose-os/probecore/internal/link/seriallink"
	"github.com/mongoose-os/probecore/internal/link/usblink"
	"github.com/mongoose-os/probecore/internal/monitor"
	"github.com/mongoose-os/probecore/internal/report"
	"github.com/mongoose-os/probecore/internal/target"
)

var (
	transport = flag.String("transport", "hid", "probe transport: usb, serial, hid")
	vid       = flag.Uint16("vid", 0x1209, "USB vendor ID (usb/hid transports)")
	pid       = flag.Uint16("pid", 0xda0f, "USB product ID (usb/hid transports)")
	baudRate  = flag.Uint("baud-rate", 0, "serial baud rate (serial transport); currently ignored, the port opens at 115200")

	mf monitor.Flags
)

func init() {
	monitor.RegisterFlags(flag.CommandLine, &mf)
}

func openLink(ctx context.Context) (link.Link, error) {
	switch *transport {
	case "usb":
		return usblink.Open(gousb.ID(*vid), gousb.ID(*pid), "", 0, 1, 2)
	case "serial":
		return seriallink.Open(ctx, mf.Port, baudRate32())
	case "hid":
		return hidlink.Open(ctx, *vid, *pid)
	}
	return nil, fmt.Errorf("unknown transport %q", *transport)
}

func baudRate32() uint {
	return *baudRate
}

// buildTarget wires a Cortex-M/STM32F4 target over the opened link, the
// one fully fleshed-out device path this repository carries end to end:
// power up the debug port, identify the core, then hand the MEM-AP to the
// flash controller and FPB comparator drivers.
func buildTarget(ctx context.Context, l link.Link) (*target.Target, *flashengine.Engine, error) {
	dp := adiv5.New(l)
	if err := dp.Init(ctx); err != nil {
		return nil, nil, err
	}
	ap := &adiv5.AP{DP: dp, APSel: 0}
	if err := ap.Init(ctx); err != nil {
		return nil, nil, err
	}
	dbg := cortexm.New(ap)
	if err := dbg.Init(ctx); err != nil {
		return nil, nil, err
	}

	flashDrv := stm32f4.NewFlash(ap, stm32f4.Sectors12x16_1x64_7x128(0x08000000))
	bw := stm32f4.NewBreakUnit(ap)
	if err := bw.Enable(ctx); err != nil {
		return nil, nil, err
	}

	ops := target.Ops{
		Run:  dbg,
		Mem:  ap,
		Reg:  dbg,
		BW:   bw,
		Name: dbg.GetTargetName,
	}
	t := target.New(ops)
	region := target.FlashRegion{
		Name: "flash", Base: 0x08000000, Size: 1024 * 1024,
		WriteBlockSize: 0x100, ErasedByte: 0xff, Driver: flashDrv,
	}
	t.AddFlash(region)
	return t, flashengine.New(region), nil
}

func run() error {
	flag.Parse()
	ctx := context.Background()

	l, err := openLink(ctx)
	if err != nil {
		return err
	}
	defer l.Close()

	t, eng, err := buildTarget(ctx, l)
	if err != nil {
		return err
	}
	if err := t.Attach(ctx); err != nil {
		return err
	}
	defer t.Detach(ctx)

	if err := eng.Begin(ctx); err != nil {
		return err
	}
	defer eng.End(ctx)

	reg := monitor.New()
	monitor.RegisterFlashCommands(reg, eng)
	if drv, ok := t.Flash[0].Driver.(monitor.OptionBytesDriver); ok {
		monitor.RegisterOptionCommands(reg, drv)
	}
	reg.Register("attach", func(ctx context.Context, args []string) error { return t.Attach(ctx) })
	reg.Register("halt", func(ctx context.Context, args []string) error { return t.Halt(ctx) })
	reg.Register("resume", func(ctx context.Context, args []string) error { return t.Resume(ctx, false) })

	args := flag.Args()
	if len(args) == 0 {
		report.Printf("usage: probed [flags] <monitor command> [args...]; known commands: %s",
			strings.Join(reg.Names(), ", "))
		return nil
	}
	return reg.Run(ctx, args)
}

func main() {
	if err := run(); err != nil {
		glog.Errorf("probed: %v", err)
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}
