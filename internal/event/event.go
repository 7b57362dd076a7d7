package event

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Event identifies what a continuation is being called back for.
type Event int

const (
	EventNone Event = iota
	EventImmediate
	EventInterval
	EventAttached
	EventDetached
	EventDocMatches
	EventDocCollision
	EventClosed
	EventRemoved
	EventSynced
	EventBufferFlushed
	EventError
)

var eventNames = map[Event]string{
	EventNone:          "NONE",
	EventImmediate:     "IMMEDIATE",
	EventInterval:      "INTERVAL",
	EventAttached:      "ATTACHED",
	EventDetached:      "DETACHED",
	EventDocMatches:    "DOC_MATCHES",
	EventDocCollision:  "DOC_COLLISION",
	EventClosed:        "CLOSED",
	EventRemoved:       "REMOVED",
	EventSynced:        "SYNCED",
	EventBufferFlushed: "BUFFER_FLUSHED",
	EventError:         "ERROR",
}

// String returns string representation of the event
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return fmt.Sprintf("EVENT(%d)", int(e))
}

// Handler receives events for a continuation. It is always invoked with the
// continuation's mutex held.
type Handler interface {
	HandleEvent(ev Event, data interface{})
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ev Event, data interface{})

// HandleEvent calls f(ev, data).
func (f HandlerFunc) HandleEvent(ev Event, data interface{}) {
	f(ev, data)
}

// Continuation is a unit of event-driven work guarded by its own mutex.
// Several continuations may share one mutex.
type Continuation struct {
	Mutex   *sync.Mutex
	handler Handler
}

// NewContinuation creates a continuation with a private mutex.
func NewContinuation(h Handler) *Continuation {
	return &Continuation{Mutex: &sync.Mutex{}, handler: h}
}

// NewContinuationWithMutex creates a continuation that shares mu.
func NewContinuationWithMutex(mu *sync.Mutex, h Handler) *Continuation {
	if mu == nil {
		mu = &sync.Mutex{}
	}
	return &Continuation{Mutex: mu, handler: h}
}

// SetHandler replaces the handler. Callers must hold the continuation's mutex.
func (c *Continuation) SetHandler(h Handler) {
	c.handler = h
}

// Dispatch invokes the handler. Callers must hold the continuation's mutex.
func (c *Continuation) Dispatch(ev Event, data interface{}) {
	if c.handler != nil {
		c.handler.HandleEvent(ev, data)
	}
}

// Action is the handle returned for a scheduled callback. Cancelling it
// suppresses the callback; it never rolls back work already started on the
// callback's behalf.
type Action struct {
	cont      *Continuation
	cancelled atomic.Bool
	done      chan struct{}
	once      sync.Once
}

// NewAction returns an action that will call back c.
func NewAction(c *Continuation) *Action {
	return &Action{cont: c, done: make(chan struct{})}
}

// Continuation returns the continuation this action will call back.
func (a *Action) Continuation() *Continuation {
	return a.cont
}

// Cancel suppresses the pending callback. Safe to call more than once.
func (a *Action) Cancel() {
	a.cancelled.Store(true)
	a.finish()
}

// Cancelled reports whether Cancel has been called.
func (a *Action) Cancelled() bool {
	return a.cancelled.Load()
}

// Done is closed once the callback has run or the action was cancelled.
func (a *Action) Done() <-chan struct{} {
	return a.done
}

func (a *Action) finish() {
	a.once.Do(func() { close(a.done) })
}

// tryDispatch runs the callback if the continuation's lock is free. It
// reports false on lock contention so the caller can reschedule.
func (a *Action) tryDispatch(ev Event, data interface{}) bool {
	if a.Cancelled() {
		return true
	}
	if !a.cont.Mutex.TryLock() {
		return false
	}
	defer a.cont.Mutex.Unlock()
	if a.Cancelled() {
		return true
	}
	a.cont.Dispatch(ev, data)
	a.finish()
	return true
}

// Scheduler delivers events to continuations without blocking the caller.
// Deliver fires an event on an Action created earlier with NewAction, which
// lets an asynchronous operation hand its caller a cancellable handle before
// the outcome is known.
type Scheduler interface {
	Schedule(c *Continuation, ev Event, data interface{}) *Action
	ScheduleIn(c *Continuation, delay time.Duration, ev Event, data interface{}) *Action
	Deliver(a *Action, ev Event, data interface{})
}
