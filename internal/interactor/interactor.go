package interactor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/trafficserver/tscore/internal/event"
	"github.com/trafficserver/tscore/pkg/utils"
)

// TryLocker is the interactor's lock. Only the non-blocking acquire is ever
// used on it.
type TryLocker interface {
	TryLock() bool
	Unlock()
}

// Stats counts roster activity.
type Stats struct {
	Attached     int64 `json:"attached"`
	Detached     int64 `json:"detached"`
	LockFailures int64 `json:"lock_failures"`
	Broadcasts   int64 `json:"broadcasts"`
	Deferred     int64 `json:"broadcasts_deferred"`
}

// Recorder receives roster events, typically a metrics collector.
type Recorder interface {
	RecordAttach(component string)
	RecordDetach(component string)
	RecordLockContention(component string)
}

// Config contains interactor settings.
type Config struct {
	// AttachRetryDelay is the fixed backoff between attach or detach attempts
	AttachRetryDelay time.Duration `yaml:"attach_retry_delay"`
}

// DefaultConfig returns the default interactor configuration.
func DefaultConfig() *Config {
	return &Config{AttachRetryDelay: 10 * time.Millisecond}
}

type member struct {
	client  *Client
	enabled bool
}

// Interactor owns a roster of attached clients. The roster and each client's
// enable bit are guarded by the interactor's lock; the lock is only ever
// taken with TryLock so no party blocks waiting for it.
type Interactor struct {
	name      string
	locker    TryLocker
	scheduler event.Scheduler
	config    *Config
	logger    *utils.StructuredLogger
	recorder  Recorder

	// guarded by locker
	roster []member

	// onAttach and onDetach run with the interactor lock held
	onAttach func(c *Client)
	onDetach func(c *Client)

	broadcaster *event.Continuation

	attached     atomic.Int64
	detached     atomic.Int64
	lockFailures atomic.Int64
	broadcasts   atomic.Int64
	deferred     atomic.Int64
}

// Option configures an Interactor.
type Option func(*Interactor)

// WithLocker replaces the default mutex.
func WithLocker(l TryLocker) Option {
	return func(i *Interactor) { i.locker = l }
}

// WithLogger sets the logger.
func WithLogger(l *utils.StructuredLogger) Option {
	return func(i *Interactor) { i.logger = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(i *Interactor) { i.recorder = r }
}

// WithConfig sets the retry configuration.
func WithConfig(c *Config) Option {
	return func(i *Interactor) { i.config = c }
}

// WithHooks sets callbacks run under the interactor lock when a client joins
// or leaves the roster.
func WithHooks(onAttach, onDetach func(c *Client)) Option {
	return func(i *Interactor) {
		i.onAttach = onAttach
		i.onDetach = onDetach
	}
}

// New creates an interactor that schedules client callbacks on s.
func New(name string, s event.Scheduler, opts ...Option) *Interactor {
	i := &Interactor{
		name:      name,
		locker:    &sync.Mutex{},
		scheduler: s,
	}
	for _, opt := range opts {
		opt(i)
	}
	if i.config == nil || i.config.AttachRetryDelay <= 0 {
		i.config = DefaultConfig()
	}
	if i.logger == nil {
		i.logger = utils.NopLogger()
	}
	i.logger = i.logger.WithComponent("interactor").WithField("interactor", name)
	i.broadcaster = event.NewContinuation(event.HandlerFunc(i.handleDeferredBroadcast))
	return i
}

// Name returns the interactor's name.
func (i *Interactor) Name() string {
	return i.name
}

// Scheduler returns the scheduler clients of this interactor run on.
func (i *Interactor) Scheduler() event.Scheduler {
	return i.scheduler
}

// RetryDelay returns the fixed attach/detach backoff.
func (i *Interactor) RetryDelay() time.Duration {
	return i.config.AttachRetryDelay
}

// TryLock attempts to take the interactor lock without blocking.
func (i *Interactor) TryLock() bool {
	if i.locker.TryLock() {
		return true
	}
	i.lockFailures.Add(1)
	if i.recorder != nil {
		i.recorder.RecordLockContention(i.name)
	}
	return false
}

// Unlock releases the interactor lock.
func (i *Interactor) Unlock() {
	i.locker.Unlock()
}

// AttachClient adds c to the roster with its enable bit set. It reports false
// if the lock could not be taken; the caller is expected to retry later.
func (i *Interactor) AttachClient(c *Client) bool {
	if !i.TryLock() {
		return false
	}
	defer i.Unlock()

	for _, m := range i.roster {
		if m.client == c {
			return true
		}
	}
	i.roster = append(i.roster, member{client: c, enabled: true})
	if i.onAttach != nil {
		i.onAttach(c)
	}

	i.attached.Add(1)
	if i.recorder != nil {
		i.recorder.RecordAttach(i.name)
	}
	i.logger.Trace("client attached", utils.Fields{"client": c.Name(), "roster": len(i.roster)})
	return true
}

// DetachClient removes c from the roster. It reports false if the lock could
// not be taken.
func (i *Interactor) DetachClient(c *Client) bool {
	if !i.TryLock() {
		return false
	}
	defer i.Unlock()

	for idx, m := range i.roster {
		if m.client != c {
			continue
		}
		i.roster = append(i.roster[:idx], i.roster[idx+1:]...)
		if i.onDetach != nil {
			i.onDetach(c)
		}
		i.detached.Add(1)
		if i.recorder != nil {
			i.recorder.RecordDetach(i.name)
		}
		i.logger.Trace("client detached", utils.Fields{"client": c.Name(), "roster": len(i.roster)})
		return true
	}
	return true
}

// SetEnabled toggles whether c receives broadcasts. The caller must hold the
// interactor lock. It reports false if c is not on the roster.
func (i *Interactor) SetEnabled(c *Client, enabled bool) bool {
	for idx := range i.roster {
		if i.roster[idx].client == c {
			i.roster[idx].enabled = enabled
			return true
		}
	}
	return false
}

// Enabled reports c's enable bit. The caller must hold the interactor lock.
func (i *Interactor) Enabled(c *Client) bool {
	for _, m := range i.roster {
		if m.client == c {
			return m.enabled
		}
	}
	return false
}

// Clients returns the roster. The caller must hold the interactor lock.
func (i *Interactor) Clients() []*Client {
	out := make([]*Client, 0, len(i.roster))
	for _, m := range i.roster {
		out = append(out, m.client)
	}
	return out
}

// Len returns the roster size. The caller must hold the interactor lock.
func (i *Interactor) Len() int {
	return len(i.roster)
}

type broadcast struct {
	ev   event.Event
	data interface{}
}

// Broadcast schedules ev to every enabled client. Each client's handler runs
// later under that client's own lock. If the interactor lock is contended the
// broadcast is deferred by the retry delay instead of blocking.
func (i *Interactor) Broadcast(ev event.Event, data interface{}) {
	if !i.TryLock() {
		i.deferred.Add(1)
		i.scheduler.ScheduleIn(i.broadcaster, i.config.AttachRetryDelay, event.EventInterval, broadcast{ev: ev, data: data})
		return
	}
	defer i.Unlock()
	i.BroadcastLocked(ev, data)
}

// BroadcastLocked is Broadcast for callers already holding the interactor
// lock. It returns the number of clients scheduled.
func (i *Interactor) BroadcastLocked(ev event.Event, data interface{}) int {
	n := 0
	for _, m := range i.roster {
		if !m.enabled {
			continue
		}
		i.scheduler.Schedule(m.client.cont, ev, data)
		n++
	}
	i.broadcasts.Add(1)
	return n
}

// SendLocked schedules ev to c alone, regardless of its enable bit. The caller
// must hold the interactor lock. It reports false if c is not on the roster.
func (i *Interactor) SendLocked(c *Client, ev event.Event, data interface{}) bool {
	for _, m := range i.roster {
		if m.client == c {
			i.scheduler.Schedule(c.cont, ev, data)
			return true
		}
	}
	return false
}

func (i *Interactor) handleDeferredBroadcast(_ event.Event, data interface{}) {
	b, ok := data.(broadcast)
	if !ok {
		return
	}
	i.Broadcast(b.ev, b.data)
}

// Stats returns roster statistics.
func (i *Interactor) Stats() Stats {
	return Stats{
		Attached:     i.attached.Load(),
		Detached:     i.detached.Load(),
		LockFailures: i.lockFailures.Load(),
		Broadcasts:   i.broadcasts.Load(),
		Deferred:     i.deferred.Load(),
	}
}
