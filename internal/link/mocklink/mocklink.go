// Package mocklink is an in-memory Link used by transport-layer tests
// (spec §8's concrete scenarios are all expressed against a scripted Link).
package mocklink

import (
	"context"

	"github.com/mongoose-os/probecore/internal/link"
)

// Transaction is one scripted SWD request/response pair.
type Transaction struct {
	Request byte
	// For reads: the data/ack/parity to return. For writes: the ack to
	// return (Data/Parity ignored on write replies).
	Ack     link.Ack
	Data    uint32
	Parity  bool
}

// Mock is a scriptable link.Link. Reads and writes are matched against
// Script in order; a handler set on ReadFunc/WriteFunc overrides scripting
// when non-nil (for tests that need reactive rather than purely scripted
// behavior, e.g. AP scan termination).
type Mock struct {
	Script []Transaction
	pos    int

	ReadFunc  func(request byte) (link.Ack, uint32, bool, error)
	WriteFunc func(request byte, data uint32, parity bool) (link.Ack, error)

	Writes []Transaction // log of every write issued, for assertions
	Resets int
}

func New() *Mock { return &Mock{} }

func (m *Mock) SWDRead(ctx context.Context, request byte) (link.Ack, uint32, bool, error) {
	if m.ReadFunc != nil {
		return m.ReadFunc(request)
	}
	if m.pos >= len(m.Script) {
		return link.AckFault, 0, false, nil
	}
	t := m.Script[m.pos]
	m.pos++
	return t.Ack, t.Data, t.Parity, nil
}

func (m *Mock) SWDWrite(ctx context.Context, request byte, data uint32, parity bool) (link.Ack, error) {
	m.Writes = append(m.Writes, Transaction{Request: request, Data: data, Parity: parity})
	if m.WriteFunc != nil {
		return m.WriteFunc(request, data, parity)
	}
	if m.pos >= len(m.Script) {
		return link.AckOK, nil
	}
	t := m.Script[m.pos]
	m.pos++
	return t.Ack, nil
}

func (m *Mock) ShiftDRIR(ctx context.Context, ir bool, out, in []byte, bitCount int) error {
	return nil
}

func (m *Mock) TDISeq(ctx context.Context, tmsFinal bool, pattern []byte, bitCount int) error {
	return nil
}

func (m *Mock) TDITDOSeq(ctx context.Context, tmsFinal bool, pattern []byte, tdo []byte, bitCount int) error {
	return nil
}

func (m *Mock) ReturnIdle(ctx context.Context) error { return nil }

func (m *Mock) NRSTSet(ctx context.Context, asserted bool) error {
	if asserted {
		m.Resets++
	}
	return nil
}

func (m *Mock) Close() error { return nil }

var _ link.Link = (*Mock)(nil)
