package flashengine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mongoose-os/probecore/internal/target"
)

type fakeDriver struct {
	eraseBlockSize uint32
	erased         []uint32
	writes         map[uint32][]byte
	prepared       bool
	done           bool
}

func newFakeDriver(eraseBlockSize uint32) *fakeDriver {
	return &fakeDriver{eraseBlockSize: eraseBlockSize, writes: map[uint32][]byte{}}
}

func (d *fakeDriver) Prepare(ctx context.Context) error { d.prepared = true; return nil }
func (d *fakeDriver) Done(ctx context.Context) error    { d.done = true; return nil }
func (d *fakeDriver) Erase(ctx context.Context, addr, size uint32) error {
	d.erased = append(d.erased, addr)
	return nil
}
func (d *fakeDriver) MassErase(ctx context.Context) error { return nil }
func (d *fakeDriver) Write(ctx context.Context, addr uint32, data []byte) error {
	buf := make([]byte, len(data))
	copy(buf, data)
	d.writes[addr] = buf
	return nil
}
func (d *fakeDriver) EraseBlockAt(ctx context.Context, addr uint32) (uint32, uint32, error) {
	base := addr - addr%d.eraseBlockSize
	return base, d.eraseBlockSize, nil
}

func newTestEngine(writeBlockSize, eraseBlockSize uint32) (*Engine, *fakeDriver) {
	d := newFakeDriver(eraseBlockSize)
	region := target.FlashRegion{
		Base: 0x08000000, Size: 0x100000,
		WriteBlockSize: writeBlockSize, ErasedByte: 0xff,
		Driver: d,
	}
	return New(region), d
}

func erasedBuf(size int, set map[int]byte) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xff
	}
	for i, v := range set {
		b[i] = v
	}
	return b
}

// TestWriteCrossingPageBoundaryCommitsTwoPages reproduces spec §8 scenario
// 4 literally: flash_write(0x0800_00FE, {0x11,0x22,0x33,0x44}, 4) against a
// write_block_size=0x100 region must produce two write-block-aligned,
// erased-byte-padded commits, and exactly one erase call since both pages
// share the same (larger) erase block.
func TestWriteCrossingPageBoundaryCommitsTwoPages(t *testing.T) {
	e, d := newTestEngine(0x100, 0x1000)
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx))
	require.NoError(t, e.Write(ctx, 0x080000FE, []byte{0x11, 0x22, 0x33, 0x44}))
	require.NoError(t, e.End(ctx))

	assert.Equal(t, erasedBuf(0x100, map[int]byte{0xfe: 0x11, 0xff: 0x22}), d.writes[0x08000000])
	assert.Equal(t, erasedBuf(0x100, map[int]byte{0x00: 0x33, 0x01: 0x44}), d.writes[0x08000100])
	assert.Equal(t, []uint32{0x08000000}, d.erased)
	assert.True(t, d.prepared)
	assert.True(t, d.done)
}

func TestContiguousWritesCoalesceIntoOneCommit(t *testing.T) {
	e, d := newTestEngine(0x100, 0x100)
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx))
	require.NoError(t, e.Write(ctx, 0x08000000, []byte{0x01, 0x02}))
	require.NoError(t, e.Write(ctx, 0x08000002, []byte{0x03, 0x04}))
	require.NoError(t, e.End(ctx))

	want := erasedBuf(0x100, map[int]byte{0: 0x01, 1: 0x02, 2: 0x03, 3: 0x04})
	assert.Equal(t, want, d.writes[0x08000000])
	assert.Len(t, d.writes, 1)
}

// TestWriteWithinOneBlockGapIsErasedByteFilled covers a non-contiguous write
// that still lands inside the same write-block window: the pre-filled
// buffer resolves the gap without forcing an extra commit.
func TestWriteWithinOneBlockGapIsErasedByteFilled(t *testing.T) {
	e, d := newTestEngine(0x100, 0x100)
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx))
	require.NoError(t, e.Write(ctx, 0x08000000, []byte{0x01, 0x02}))
	require.NoError(t, e.Write(ctx, 0x08000010, []byte{0x03, 0x04}))
	require.NoError(t, e.End(ctx))

	want := erasedBuf(0x100, map[int]byte{0: 0x01, 1: 0x02, 0x10: 0x03, 0x11: 0x04})
	assert.Equal(t, want, d.writes[0x08000000])
	assert.Len(t, d.writes, 1)
}

func TestWriteOutsideBlockCommitsPriorBufferFirst(t *testing.T) {
	e, d := newTestEngine(0x100, 0x100)
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx))
	require.NoError(t, e.Write(ctx, 0x08000000, []byte{0x01, 0x02}))
	require.NoError(t, e.Write(ctx, 0x08000200, []byte{0x03, 0x04}))
	require.NoError(t, e.End(ctx))

	assert.Len(t, d.writes, 2)
	assert.Equal(t, byte(0x01), d.writes[0x08000000][0])
	assert.Equal(t, byte(0x03), d.writes[0x08000200][0])
}

func TestEraseNotRepeatedForAlreadyErasedBlock(t *testing.T) {
	e, d := newTestEngine(0x100, 0x1000)
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx))
	require.NoError(t, e.Write(ctx, 0x08000000, []byte{0x01}))
	require.NoError(t, e.Write(ctx, 0x08000100, []byte{0x02}))
	require.NoError(t, e.End(ctx))

	assert.Equal(t, []uint32{0x08000000}, d.erased)
}

func TestMassEraseMarksWholeRegionErased(t *testing.T) {
	e, d := newTestEngine(0x100, 0x1000)
	ctx := context.Background()
	require.NoError(t, e.MassErase(ctx))
	require.NoError(t, e.Begin(ctx))
	require.NoError(t, e.Write(ctx, 0x08000000, []byte{0x01}))
	require.NoError(t, e.End(ctx))

	assert.Empty(t, d.erased)
}
