// Package breakwatch implements breakpoint/watchpoint record management
// (spec §4.7): a target-owned slice of records, and a slot-allocation
// contract device drivers implement against their own fixed-size hardware
// comparator arrays. No teacher file covers this directly; the
// set/clear/driver-return-code shape follows the same error-wrapping idiom
// as internal/cortexm and internal/adiv5.
package breakwatch

import (
	"github.com/juju/errors"
)

// Kind distinguishes a breakpoint from the watchpoint access types (§4.7).
type Kind int

const (
	Breakpoint Kind = iota
	WatchRead
	WatchWrite
	WatchAccess
)

func (k Kind) String() string {
	switch k {
	case Breakpoint:
		return "breakpoint"
	case WatchRead:
		return "watch-read"
	case WatchWrite:
		return "watch-write"
	case WatchAccess:
		return "watch-access"
	}
	return "unknown"
}

// Result is a driver's slot-allocation outcome (§4.7): ok, unsupported (the
// driver has no hardware for this Kind/size), or exhausted (all slots in
// use).
type Result int

const (
	OK        Result = 0
	Unsupported Result = 1
	Exhausted Result = -1
)

// Record is one breakpoint/watchpoint the target has set.
type Record struct {
	Kind Kind
	Addr uint32
	Size uint32

	// Slot is the driver-assigned hardware comparator index, set by
	// Driver.Set and used by Driver.Clear to release exactly that slot.
	Slot int
}

// Driver is implemented by each device package's fixed-size comparator
// array (§4.7 "driver slot allocation contract").
type Driver interface {
	// SetBreakwatch programs a free hardware slot for rec and stores the
	// allocated index in rec.Slot. Returns Unsupported if the driver can't
	// represent Kind/Size at all, Exhausted if every slot is in use.
	SetBreakwatch(rec *Record) (Result, error)
	// ClearBreakwatch releases the hardware slot previously allocated to rec.
	ClearBreakwatch(rec *Record) error
}

// Manager owns the set of active records for one target (§9: an owned
// slice, not a linked list).
type Manager struct {
	drv     Driver
	records []*Record
}

func New(drv Driver) *Manager {
	return &Manager{drv: drv}
}

// Set allocates a hardware slot for a new breakpoint/watchpoint and adds it
// to the owned record list on success.
func (m *Manager) Set(kind Kind, addr, size uint32) (*Record, Result, error) {
	rec := &Record{Kind: kind, Addr: addr, Size: size}
	res, err := m.drv.SetBreakwatch(rec)
	if err != nil {
		return nil, res, errors.Annotatef(err, "failed to set %s at 0x%08x", kind, addr)
	}
	if res != OK {
		return nil, res, nil
	}
	m.records = append(m.records, rec)
	return rec, OK, nil
}

// Clear releases rec's hardware slot and removes it from the record list.
func (m *Manager) Clear(rec *Record) error {
	idx := -1
	for i, r := range m.records {
		if r == rec {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.Errorf("breakwatch record not owned by this target")
	}
	if err := m.drv.ClearBreakwatch(rec); err != nil {
		return errors.Annotatef(err, "failed to clear %s at 0x%08x", rec.Kind, rec.Addr)
	}
	m.records = append(m.records[:idx], m.records[idx+1:]...)
	return nil
}

// ClearAll releases every active record (§4.7 "detach clears all
// breakpoints/watchpoints" invariant). Errors from individual clears are
// collected but do not stop the sweep, since detach must make a best
// effort to leave no stale hardware state behind.
func (m *Manager) ClearAll() error {
	var firstErr error
	for _, rec := range append([]*Record(nil), m.records...) {
		if err := m.drv.ClearBreakwatch(rec); err != nil && firstErr == nil {
			firstErr = errors.Annotatef(err, "failed to clear %s at 0x%08x", rec.Kind, rec.Addr)
		}
	}
	m.records = nil
	return firstErr
}

// Records returns the currently active breakpoint/watchpoint list.
func (m *Manager) Records() []*Record {
	return append([]*Record(nil), m.records...)
}
