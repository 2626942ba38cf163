package tdm

import (
	"fmt"
	"log/slog"
	"sync"
)

// DefaultMaxCalls is the default call-ID table size.
const DefaultMaxCalls = 255

// CallTable maps small integer call ids to the channel carrying the call.
// It has its own lock, which may be taken while a channel lock is held but
// never the other way round.
type CallTable struct {
	mu     sync.Mutex
	slots  []*callEntry
	last   int
	crash  CrashPolicy
	logger *slog.Logger
}

type callEntry struct {
	ch *Channel
	cd *CallerData
}

// CallInfo is a snapshot of one live call.
type CallInfo struct {
	CallID int    `json:"call_id"`
	SpanID int    `json:"span_id"`
	ChanID int    `json:"chan_id"`
	State  string `json:"state"`
	ANI    string `json:"ani"`
	DNIS   string `json:"dnis"`
}

func newCallTable(size int, crash CrashPolicy, logger *slog.Logger) *CallTable {
	if size <= 0 {
		size = DefaultMaxCalls
	}
	return &CallTable{
		slots:  make([]*callEntry, size+1),
		crash:  crash,
		logger: logger,
	}
}

// Size returns the table capacity.
func (t *CallTable) Size() int {
	return len(t.slots) - 1
}

// Allocate assigns the next free id, scanning forward from the last one
// handed out. cd.CallID must be zero.
func (t *CallTable) Allocate(ch *Channel, cd *CallerData) error {
	if cd.CallID != 0 {
		return fmt.Errorf("call id %d already assigned: %w", cd.CallID, ErrAlready)
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	size := len(t.slots) - 1
	id := t.last
	for range size {
		id++
		if id > size {
			id = 1
		}
		if t.slots[id] == nil {
			t.slots[id] = &callEntry{ch: ch, cd: cd}
			t.last = id
			cd.CallID = id
			return nil
		}
	}
	if t.crash == CrashOnDemand {
		panic(fmt.Sprintf("tdm: call id table exhausted (%d entries)", size))
	}
	return fmt.Errorf("call id table: %w", ErrCapacity)
}

// Release frees cd's id and zeroes it. Releasing an id that is not mapped
// is logged and otherwise ignored.
func (t *CallTable) Release(cd *CallerData) {
	if cd.CallID == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	id := cd.CallID
	cd.CallID = 0
	if id < 1 || id >= len(t.slots) || t.slots[id] == nil {
		t.logger.Error("released call id was not allocated", "call_id", id)
		return
	}
	t.slots[id] = nil
}

// Lookup returns the channel owning a call id.
func (t *CallTable) Lookup(id int) (*Channel, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < 1 || id >= len(t.slots) || t.slots[id] == nil {
		return nil, false
	}
	return t.slots[id].ch, true
}

// Len returns the number of live calls.
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, e := range t.slots {
		if e != nil {
			n++
		}
	}
	return n
}

// Calls returns a snapshot of all live calls in id order.
func (t *CallTable) Calls() []CallInfo {
	type live struct {
		id int
		ch *Channel
	}
	t.mu.Lock()
	var entries []live
	for id, e := range t.slots {
		if e != nil {
			entries = append(entries, live{id: id, ch: e.ch})
		}
	}
	t.mu.Unlock()

	out := make([]CallInfo, 0, len(entries))
	for _, e := range entries {
		info := CallInfo{CallID: e.id, SpanID: e.ch.SpanID(), ChanID: e.ch.ID()}
		cd := e.ch.CallerData()
		if cd.CallID != e.id {
			continue
		}
		info.State = e.ch.State().String()
		info.ANI = cd.ANI
		info.DNIS = cd.DNIS
		out = append(out, info)
	}
	return out
}
