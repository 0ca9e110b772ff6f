package monitor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probecore/internal/flashengine"
	"github.com/mongoose-os/probecore/internal/target"
)

type fakeFlashDriver struct {
	erased    []uint32
	massErase bool
	writes    map[uint32][]byte
}

func newFakeFlashDriver() *fakeFlashDriver {
	return &fakeFlashDriver{writes: map[uint32][]byte{}}
}

func (d *fakeFlashDriver) Prepare(ctx context.Context) error { return nil }
func (d *fakeFlashDriver) Done(ctx context.Context) error    { return nil }
func (d *fakeFlashDriver) Erase(ctx context.Context, addr, size uint32) error {
	d.erased = append(d.erased, addr)
	return nil
}
func (d *fakeFlashDriver) MassErase(ctx context.Context) error {
	d.massErase = true
	return nil
}
func (d *fakeFlashDriver) Write(ctx context.Context, addr uint32, data []byte) error {
	d.writes[addr] = append([]byte(nil), data...)
	return nil
}
func (d *fakeFlashDriver) EraseBlockAt(ctx context.Context, addr uint32) (uint32, uint32, error) {
	const block = 0x4000
	return addr - addr%block, block, nil
}

type fakeOptionDriver struct {
	value uint32
}

func (d *fakeOptionDriver) ReadOptionBytes(ctx context.Context) (uint32, error) {
	return d.value, nil
}
func (d *fakeOptionDriver) WriteOptionBytes(ctx context.Context, value uint32) error {
	d.value = value
	return nil
}

func TestRunDispatchesToRegisteredCommand(t *testing.T) {
	r := New()
	called := false
	r.Register("ping", func(ctx context.Context, args []string) error {
		called = true
		return nil
	})
	require.NoError(t, r.Run(context.Background(), []string{"ping"}))
	assert.True(t, called)
}

func TestRunUnknownCommandIsUnsupported(t *testing.T) {
	r := New()
	err := r.Run(context.Background(), []string{"nope"})
	assert.Error(t, err)
}

func TestRunEmptyLineIsUnsupported(t *testing.T) {
	r := New()
	assert.Error(t, r.Run(context.Background(), nil))
}

func TestFlashCommandsEraseMassAndSector(t *testing.T) {
	d := newFakeFlashDriver()
	eng := flashengine.New(target.FlashRegion{Base: 0x08000000, Size: 0x100000, WriteBlockSize: 0x4000, ErasedByte: 0xff, Driver: d})
	r := New()
	RegisterFlashCommands(r, eng)

	require.NoError(t, r.Run(context.Background(), []string{"erase_mass"}))
	assert.True(t, d.massErase)

	require.NoError(t, r.Run(context.Background(), []string{"sector_erase", "0x08004000"}))
	require.Len(t, d.erased, 1)
	assert.Equal(t, uint32(0x08004000), d.erased[0])
}

func TestSectorEraseRejectsMissingAddress(t *testing.T) {
	d := newFakeFlashDriver()
	eng := flashengine.New(target.FlashRegion{Base: 0x08000000, Size: 0x100000, WriteBlockSize: 0x4000, ErasedByte: 0xff, Driver: d})
	r := New()
	RegisterFlashCommands(r, eng)
	assert.Error(t, r.Run(context.Background(), []string{"sector_erase"}))
}

func TestOptionCommandsGetEraseWrite(t *testing.T) {
	d := &fakeOptionDriver{value: 0xffffffff}
	r := New()
	RegisterOptionCommands(r, d)

	require.NoError(t, r.Run(context.Background(), []string{"option", "get"}))

	require.NoError(t, r.Run(context.Background(), []string{"option", "write", "0x12345678"}))
	assert.Equal(t, uint32(0x12345678), d.value)

	require.NoError(t, r.Run(context.Background(), []string{"option", "erase"}))
	assert.Zero(t, d.value)
}

func TestOptionCommandRejectsUnknownSubcommand(t *testing.T) {
	d := &fakeOptionDriver{}
	r := New()
	RegisterOptionCommands(r, d)
	assert.Error(t, r.Run(context.Background(), []string{"option", "frobnicate"}))
}
