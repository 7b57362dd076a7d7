package event

import (
	"context"
	"sort"
	"sync"
	"time"
)

type manualTask struct {
	action *Action
	ev     Event
	data   interface{}
	due    time.Duration
	seq    uint64
}

// ManualScheduler is a single-threaded Scheduler driven by an explicit clock.
// Nothing runs until RunPending or Advance is called, which makes
// backoff-and-retry paths deterministic under test.
type ManualScheduler struct {
	mu      sync.Mutex
	now     time.Duration
	seq     uint64
	pending []*manualTask
}

// NewManualScheduler returns an empty scheduler at time zero.
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Schedule queues ev for the current instant.
func (m *ManualScheduler) Schedule(c *Continuation, ev Event, data interface{}) *Action {
	return m.ScheduleIn(c, 0, ev, data)
}

// ScheduleIn queues ev to become due after delay.
func (m *ManualScheduler) ScheduleIn(c *Continuation, delay time.Duration, ev Event, data interface{}) *Action {
	a := NewAction(c)
	m.add(&manualTask{action: a, ev: ev, data: data}, delay)
	return a
}

// Deliver queues ev on an existing action for the current instant.
func (m *ManualScheduler) Deliver(a *Action, ev Event, data interface{}) {
	if a.Cancelled() {
		return
	}
	m.add(&manualTask{action: a, ev: ev, data: data}, 0)
}

func (m *ManualScheduler) add(t *manualTask, delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	t.seq = m.seq
	t.due = m.now + delay
	m.pending = append(m.pending, t)
}

// Now returns the scheduler's clock.
func (m *ManualScheduler) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Len returns the number of queued events, including cancelled ones not yet
// drained.
func (m *ManualScheduler) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// NextDelay returns the time until the earliest queued event and false if
// nothing is queued.
func (m *ManualScheduler) NextDelay() (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.pending) == 0 {
		return 0, false
	}
	earliest := m.pending[0].due
	for _, t := range m.pending[1:] {
		if t.due < earliest {
			earliest = t.due
		}
	}
	return earliest - m.now, true
}

// RunPending dispatches every event due at the current instant, in schedule
// order, and returns how many handlers ran. Events scheduled by those
// handlers wait for the next call. An event whose continuation is locked is
// requeued for the same instant.
func (m *ManualScheduler) RunPending() int {
	m.mu.Lock()
	var due, later []*manualTask
	for _, t := range m.pending {
		if t.due <= m.now {
			due = append(due, t)
		} else {
			later = append(later, t)
		}
	}
	m.pending = later
	m.mu.Unlock()

	sort.Slice(due, func(i, j int) bool {
		if due[i].due != due[j].due {
			return due[i].due < due[j].due
		}
		return due[i].seq < due[j].seq
	})

	ran := 0
	for _, t := range due {
		if t.action.Cancelled() {
			continue
		}
		if !t.action.tryDispatch(t.ev, t.data) {
			m.add(t, 0)
			continue
		}
		ran++
	}
	return ran
}

// Advance moves the clock forward by d and runs whatever became due.
func (m *ManualScheduler) Advance(d time.Duration) int {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
	return m.RunPending()
}

// Submit runs fn inline with a background context, so I/O completions are
// queued before Submit returns.
func (m *ManualScheduler) Submit(_ context.Context, fn func(ctx context.Context)) error {
	fn(context.Background())
	return nil
}
