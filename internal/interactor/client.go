package interactor

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trafficserver/tscore/internal/event"
	"github.com/trafficserver/tscore/pkg/errors"
)

// ClientState is a client's position in the attach/detach protocol.
type ClientState int32

const (
	ClientIdle ClientState = iota
	ClientAttaching
	ClientAttached
	ClientDetaching
	ClientDetached
)

// String returns string representation of the client state
func (s ClientState) String() string {
	switch s {
	case ClientIdle:
		return "IDLE"
	case ClientAttaching:
		return "ATTACHING"
	case ClientAttached:
		return "ATTACHED"
	case ClientDetaching:
		return "DETACHING"
	case ClientDetached:
		return "DETACHED"
	default:
		return fmt.Sprintf("CLIENT_STATE(%d)", int32(s))
	}
}

// attempt marks the client's own attach/detach retries so they are not
// confused with events broadcast by the interactor.
type attempt struct{}

// Client joins an Interactor's roster. It owns its continuation and lock;
// fields here are safe to read without the interactor lock. Attach and detach
// never block: a contended interactor lock reschedules the attempt after the
// interactor's retry delay.
//
// The handler receives EventAttached and EventDetached exactly once each, and
// any broadcast events in between, always with the client's lock held.
type Client struct {
	name    string
	cont    *event.Continuation
	handler event.Handler

	state      atomic.Int32
	interactor atomic.Pointer[Interactor]
	retries    atomic.Int64

	owner interface{}
}

// NewClient creates an idle client with a private lock.
func NewClient(name string, h event.Handler) *Client {
	return NewClientWithMutex(name, &sync.Mutex{}, h)
}

// NewClientWithMutex creates an idle client whose continuation uses mu.
func NewClientWithMutex(name string, mu *sync.Mutex, h event.Handler) *Client {
	c := &Client{name: name, handler: h}
	c.cont = event.NewContinuationWithMutex(mu, event.HandlerFunc(c.handleEvent))
	return c
}

// Name returns the client's name.
func (c *Client) Name() string {
	return c.name
}

// State returns the current protocol state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Retries returns how many attach or detach attempts found the interactor
// lock contended.
func (c *Client) Retries() int64 {
	return c.retries.Load()
}

// SetOwner attaches the object this client acts for. It must be called
// before StartAttach.
func (c *Client) SetOwner(v interface{}) {
	c.owner = v
}

// Owner returns the value set by SetOwner.
func (c *Client) Owner() interface{} {
	return c.owner
}

// Mutex returns the client's lock.
func (c *Client) Mutex() *sync.Mutex {
	return c.cont.Mutex
}

// Interactor returns the interactor the client is attaching or attached to.
func (c *Client) Interactor() *Interactor {
	return c.interactor.Load()
}

// StartAttach begins attaching to i. The first attempt runs on i's scheduler.
func (c *Client) StartAttach(i *Interactor) error {
	if !c.state.CompareAndSwap(int32(ClientIdle), int32(ClientAttaching)) {
		return errors.ErrState.Clone().
			WithComponent("interactor").
			WithOperation("start_attach").
			WithDetail("state", c.State().String())
	}
	c.interactor.Store(i)
	i.scheduler.Schedule(c.cont, event.EventImmediate, attempt{})
	return nil
}

// StartDetach begins leaving the roster. The client must be attached.
func (c *Client) StartDetach() error {
	if !c.state.CompareAndSwap(int32(ClientAttached), int32(ClientDetaching)) {
		return errors.ErrState.Clone().
			WithComponent("interactor").
			WithOperation("start_detach").
			WithDetail("state", c.State().String())
	}
	c.interactor.Load().scheduler.Schedule(c.cont, event.EventImmediate, attempt{})
	return nil
}

// handleEvent runs with the client's lock held.
func (c *Client) handleEvent(ev event.Event, data interface{}) {
	if _, ok := data.(attempt); ok {
		switch c.State() {
		case ClientAttaching:
			c.tryAttach()
		case ClientDetaching:
			c.tryDetach()
		}
		return
	}

	switch c.State() {
	case ClientAttached, ClientDetaching:
		c.notify(ev, data)
	}
}

func (c *Client) tryAttach() {
	i := c.interactor.Load()
	if !i.AttachClient(c) {
		c.retries.Add(1)
		i.scheduler.ScheduleIn(c.cont, i.config.AttachRetryDelay, event.EventInterval, attempt{})
		return
	}
	c.state.Store(int32(ClientAttached))
	c.notify(event.EventAttached, i)
}

func (c *Client) tryDetach() {
	i := c.interactor.Load()
	if !i.DetachClient(c) {
		c.retries.Add(1)
		i.scheduler.ScheduleIn(c.cont, i.config.AttachRetryDelay, event.EventInterval, attempt{})
		return
	}
	c.state.Store(int32(ClientDetached))
	c.notify(event.EventDetached, i)
}

func (c *Client) notify(ev event.Event, data interface{}) {
	if c.handler != nil {
		c.handler.HandleEvent(ev, data)
	}
}
