// Package monitor implements the spec's §6 CLI surface: a runtime command
// table a probe session dispatches `monitor ...` lines against, analogous
// to the source's target_command dispatching into a driver's command
// table. Grounded on cli/flash.go's per-driver flag registration pattern,
// but adapted from process-start flags to a long-lived registry, since a
// probe session issues many monitor commands without restarting.
package monitor

import (
	"context"
	"strconv"
	"time"

	"github.com/juju/errors"
	flag "github.com/spf13/pflag"

	"github.com/mongoose-os/probecore/internal/flashengine"
	"github.com/mongoose-os/probecore/internal/report"
	"github.com/mongoose-os/probecore/internal/xerr"
)

// CommandFunc is one monitor command's handler (§4.6 target_command).
type CommandFunc func(ctx context.Context, args []string) error

// Registry is the command table a probe session dispatches monitor lines
// against; each device driver package wires in its own commands via
// Register, mirroring the source's per-driver command table.
type Registry struct {
	cmds map[string]CommandFunc
}

func New() *Registry {
	return &Registry{cmds: map[string]CommandFunc{}}
}

// Register adds or replaces the handler for name.
func (r *Registry) Register(name string, fn CommandFunc) {
	r.cmds[name] = fn
}

// Names lists the currently registered commands.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.cmds))
	for n := range r.cmds {
		out = append(out, n)
	}
	return out
}

// Run dispatches one monitor command line, e.g.
// []string{"sector_erase", "0x08004000"}.
func (r *Registry) Run(ctx context.Context, line []string) error {
	if len(line) == 0 {
		return xerr.NewUnsupported("empty monitor command")
	}
	fn, ok := r.cmds[line[0]]
	if !ok {
		return xerr.NewUnsupported("unknown monitor command %q", line[0])
	}
	return errors.Trace(fn(ctx, line[1:]))
}

// OptionBytesDriver is implemented by device packages exposing option-byte
// read/erase/write (§6 "monitor option"); stm32f4.Flash satisfies it.
type OptionBytesDriver interface {
	ReadOptionBytes(ctx context.Context) (uint32, error)
	WriteOptionBytes(ctx context.Context, value uint32) error
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, xerr.NewUnsupported("invalid numeric argument %q", s)
	}
	return uint32(v), nil
}

// RegisterFlashCommands wires "erase_mass" and "sector_erase" against eng
// (§6).
func RegisterFlashCommands(r *Registry, eng *flashengine.Engine) {
	r.Register("erase_mass", func(ctx context.Context, args []string) error {
		if err := eng.MassErase(ctx); err != nil {
			return errors.Trace(err)
		}
		report.Printf("mass erase complete")
		return nil
	})
	r.Register("sector_erase", func(ctx context.Context, args []string) error {
		if len(args) != 1 {
			return xerr.NewUnsupported("usage: sector_erase <addr>")
		}
		addr, err := parseUint32(args[0])
		if err != nil {
			return errors.Trace(err)
		}
		if err := eng.EraseSector(ctx, addr); err != nil {
			return errors.Trace(err)
		}
		report.Printf("erased sector @ 0x%08x", addr)
		return nil
	})
}

// RegisterOptionCommands wires "option get|erase|write <val>" against d
// (§6).
func RegisterOptionCommands(r *Registry, d OptionBytesDriver) {
	r.Register("option", func(ctx context.Context, args []string) error {
		if len(args) == 0 {
			return xerr.NewUnsupported("usage: option get|erase|write <val>")
		}
		switch args[0] {
		case "get":
			v, err := d.ReadOptionBytes(ctx)
			if err != nil {
				return errors.Trace(err)
			}
			report.Printf("option bytes: 0x%08x", v)
			return nil
		case "erase":
			return errors.Trace(d.WriteOptionBytes(ctx, 0))
		case "write":
			if len(args) != 2 {
				return xerr.NewUnsupported("usage: option write <val>")
			}
			v, err := parseUint32(args[1])
			if err != nil {
				return errors.Trace(err)
			}
			return errors.Trace(d.WriteOptionBytes(ctx, v))
		default:
			return xerr.NewUnsupported("unknown option subcommand %q", args[0])
		}
	})
}

// Flags is the pflag surface a cmd/probed-style entrypoint registers
// alongside the monitor command table, grounded on cli/flash.go's
// per-driver `flag.DurationVar`/`flag.BoolVar` registration, generalized
// from per-chip-family flags to this core's own knobs.
type Flags struct {
	FlashTimeout   time.Duration
	EraseChipFirst bool
	Port           string
}

// RegisterFlags registers Flags onto fs.
func RegisterFlags(fs *flag.FlagSet, f *Flags) {
	fs.DurationVar(&f.FlashTimeout, "flash-timeout", 30*time.Second, "maximum flashing time")
	fs.BoolVar(&f.EraseChipFirst, "erase-chip", false, "mass-erase before programming")
	fs.StringVar(&f.Port, "port", "", "serial/USB port the debug probe is attached to")
}
