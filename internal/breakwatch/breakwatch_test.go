package breakwatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// slotDriver models a 2-slot hardware comparator array, the way stm32f4
// and avrxmega's FPB/breakpoint-unit drivers do.
type slotDriver struct {
	used [2]bool
}

func (d *slotDriver) SetBreakwatch(rec *Record) (Result, error) {
	if rec.Kind != Breakpoint {
		return Unsupported, nil
	}
	for i, u := range d.used {
		if !u {
			d.used[i] = true
			rec.Slot = i
			return OK, nil
		}
	}
	return Exhausted, nil
}

func (d *slotDriver) ClearBreakwatch(rec *Record) error {
	d.used[rec.Slot] = false
	return nil
}

func TestSetUntilExhausted(t *testing.T) {
	m := New(&slotDriver{})
	r1, res1, err := m.Set(Breakpoint, 0x1000, 2)
	require.NoError(t, err)
	assert.Equal(t, OK, res1)
	require.NotNil(t, r1)

	_, res2, err := m.Set(Breakpoint, 0x2000, 2)
	require.NoError(t, err)
	assert.Equal(t, OK, res2)

	_, res3, err := m.Set(Breakpoint, 0x3000, 2)
	require.NoError(t, err)
	assert.Equal(t, Exhausted, res3)
}

func TestUnsupportedKindReturnsNoRecord(t *testing.T) {
	m := New(&slotDriver{})
	rec, res, err := m.Set(WatchWrite, 0x1000, 4)
	require.NoError(t, err)
	assert.Equal(t, Unsupported, res)
	assert.Nil(t, rec)
	assert.Empty(t, m.Records())
}

func TestClearFreesSlotForReuse(t *testing.T) {
	d := &slotDriver{}
	m := New(d)
	r1, _, err := m.Set(Breakpoint, 0x1000, 2)
	require.NoError(t, err)
	require.NoError(t, m.Clear(r1))
	assert.Empty(t, m.Records())
	_, res, err := m.Set(Breakpoint, 0x4000, 2)
	require.NoError(t, err)
	assert.Equal(t, OK, res)
}

func TestClearAllOnDetach(t *testing.T) {
	d := &slotDriver{}
	m := New(d)
	m.Set(Breakpoint, 0x1000, 2)
	m.Set(Breakpoint, 0x2000, 2)
	require.NoError(t, m.ClearAll())
	assert.Empty(t, m.Records())
	assert.False(t, d.used[0])
	assert.False(t, d.used[1])
}
