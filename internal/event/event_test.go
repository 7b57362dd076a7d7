package event

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) HandleEvent(ev Event, data interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func newStartedProcessor(t *testing.T) *Processor {
	t.Helper()
	p := NewProcessor(&ProcessorConfig{
		Workers:        2,
		QueueSize:      16,
		LockRetryDelay: time.Millisecond,
		MaxInflightIO:  2,
	}, nil)
	require.NoError(t, p.Start())
	t.Cleanup(func() { _ = p.Stop() })
	return p
}

func TestEventString(t *testing.T) {
	assert.Equal(t, "DOC_COLLISION", EventDocCollision.String())
	assert.Equal(t, "EVENT(999)", Event(999).String())
}

func TestProcessor_Schedule(t *testing.T) {
	p := newStartedProcessor(t)
	rec := &recorder{}
	c := NewContinuation(rec)

	a := p.Schedule(c, EventImmediate, nil)
	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("event was not dispatched")
	}

	assert.Equal(t, []Event{EventImmediate}, rec.snapshot())
	assert.False(t, a.Cancelled())
}

func TestProcessor_ScheduleInCancelled(t *testing.T) {
	p := newStartedProcessor(t)
	rec := &recorder{}
	c := NewContinuation(rec)

	a := p.ScheduleIn(c, 20*time.Millisecond, EventInterval, nil)
	a.Cancel()

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "cancelled action must not call back")
	assert.True(t, a.Cancelled())
}

func TestProcessor_LockContentionRetries(t *testing.T) {
	p := newStartedProcessor(t)
	rec := &recorder{}
	c := NewContinuation(rec)

	c.Mutex.Lock()
	a := p.Schedule(c, EventImmediate, nil)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, rec.snapshot(), "handler must not run while the lock is held")
	c.Mutex.Unlock()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("event was not redelivered after the lock was released")
	}
	assert.Equal(t, []Event{EventImmediate}, rec.snapshot())
	assert.Positive(t, p.Stats().LockRetries)
}

func TestProcessor_DeliverOnExistingAction(t *testing.T) {
	p := newStartedProcessor(t)
	rec := &recorder{}
	a := NewAction(NewContinuation(rec))

	p.Deliver(a, EventSynced, nil)
	<-a.Done()
	assert.Equal(t, []Event{EventSynced}, rec.snapshot())

	cancelled := NewAction(NewContinuation(rec))
	cancelled.Cancel()
	p.Deliver(cancelled, EventSynced, nil)
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, rec.snapshot(), 1)
}

func TestProcessor_SubmitBoundsConcurrency(t *testing.T) {
	p := newStartedProcessor(t)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
		}))
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int64(6), p.Stats().Submitted)
}

func TestProcessor_SubmitDoesNotWaitForSlot(t *testing.T) {
	p := NewProcessor(&ProcessorConfig{Workers: 1, MaxInflightIO: 1}, nil)
	require.NoError(t, p.Start())
	defer func() { _ = p.Stop() }()

	release := make(chan struct{})
	held := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		close(held)
		<-release
	}))
	<-held

	ran := make(chan struct{})
	returned := make(chan error, 1)
	go func() {
		returned <- p.Submit(context.Background(), func(context.Context) { close(ran) })
	}()

	select {
	case err := <-returned:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Submit waited for an I/O slot")
	}

	select {
	case <-ran:
		t.Fatal("queued task ran while the only slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("queued task never ran after the slot was released")
	}
	assert.Equal(t, int64(1), p.Stats().Deferred)
}

func TestProcessor_StopRunsQueuedIOAndRefusesNew(t *testing.T) {
	p := NewProcessor(&ProcessorConfig{Workers: 1, MaxInflightIO: 1}, nil)
	require.NoError(t, p.Start())

	release := make(chan struct{})
	var ran atomic.Int32
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		<-release
		ran.Add(1)
	}))
	require.NoError(t, p.Submit(context.Background(), func(context.Context) {
		ran.Add(1)
	}))

	stopped := make(chan error, 1)
	go func() { stopped <- p.Stop() }()

	require.Eventually(t, func() bool {
		return p.Submit(context.Background(), func(context.Context) {}) != nil
	}, time.Second, time.Millisecond, "Submit refused once Stop begins")

	close(release)
	require.NoError(t, <-stopped)
	assert.Equal(t, int32(2), ran.Load())
}

func TestProcessor_SubmitCanceledContext(t *testing.T) {
	p := newStartedProcessor(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Submit(ctx, func(context.Context) { t.Error("ran on a cancelled context") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestProcessor_StartStop(t *testing.T) {
	p := NewProcessor(nil, nil)
	require.NoError(t, p.Start())
	assert.Error(t, p.Start(), "double start")
	require.NoError(t, p.Stop())
	assert.Error(t, p.Stop(), "double stop")

	a := p.Schedule(NewContinuation(&recorder{}), EventImmediate, nil)
	assert.True(t, a.Cancelled(), "scheduling after stop cancels")
	assert.Error(t, p.Submit(context.Background(), func(context.Context) {}))
}

func TestManualScheduler_Ordering(t *testing.T) {
	m := NewManualScheduler()
	rec := &recorder{}
	c := NewContinuation(rec)

	m.ScheduleIn(c, 10*time.Millisecond, EventInterval, nil)
	m.Schedule(c, EventImmediate, nil)
	m.Schedule(c, EventAttached, nil)

	assert.Equal(t, 2, m.RunPending())
	assert.Equal(t, []Event{EventImmediate, EventAttached}, rec.snapshot())

	d, ok := m.NextDelay()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, d)

	assert.Equal(t, 0, m.Advance(5*time.Millisecond))
	assert.Equal(t, 1, m.Advance(5*time.Millisecond))
	assert.Equal(t, 0, m.Len())
}

func TestManualScheduler_LockedContinuationRequeued(t *testing.T) {
	m := NewManualScheduler()
	rec := &recorder{}
	c := NewContinuation(rec)

	c.Mutex.Lock()
	m.Schedule(c, EventImmediate, nil)
	assert.Equal(t, 0, m.RunPending())
	assert.Equal(t, 1, m.Len())
	c.Mutex.Unlock()

	assert.Equal(t, 1, m.RunPending())
}
