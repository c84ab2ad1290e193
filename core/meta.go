package core

import (
	"time"

	"github.com/google/uuid"
)

// Meta is the per-call envelope handed to every handler. It records which
// registration resolved the call and how far delegation has advanced through
// that registration's handler chain.
type Meta struct {
	ID         string
	Pattern    string
	PriorIndex int
	Start      time.Time
	Received   Msg

	chain *chain
}

func newMeta(resolved *node, received Msg) *Meta {
	return &Meta{
		ID:       uuid.NewString(),
		Pattern:  resolved.path,
		Start:    time.Now(),
		Received: received,
		chain:    resolved.handlers(),
	}
}

// Depth returns the number of handlers registered for the resolved pattern at
// the time of the call.
func (m *Meta) Depth() int {
	if m == nil {
		return 0
	}
	return m.chain.len()
}

// next returns the handler at the cursor and advances it.
func (m *Meta) next() (Handler, bool) {
	e := m.chain.at(m.PriorIndex)
	if e == nil {
		return nil, false
	}
	m.PriorIndex++
	return e.handler, true
}
