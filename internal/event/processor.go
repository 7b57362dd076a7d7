package event

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/trafficserver/tscore/pkg/errors"
	"github.com/trafficserver/tscore/pkg/utils"
)

// ProcessorConfig contains configuration for the event processor
type ProcessorConfig struct {
	Workers        int           `yaml:"workers"`          // Worker goroutines dispatching events
	QueueSize      int           `yaml:"queue_size"`       // Buffered events before overflow handling
	LockRetryDelay time.Duration `yaml:"lock_retry_delay"` // Delay before retrying a contended continuation
	MaxInflightIO  int64         `yaml:"max_inflight_io"`  // Concurrent blocking tasks accepted by Submit
}

// DefaultProcessorConfig returns the default processor configuration.
func DefaultProcessorConfig() *ProcessorConfig {
	return &ProcessorConfig{
		Workers:        4,
		QueueSize:      1024,
		LockRetryDelay: 10 * time.Millisecond,
		MaxInflightIO:  16,
	}
}

// ProcessorStats tracks dispatch statistics
type ProcessorStats struct {
	Dispatched  int64 `json:"dispatched"`
	LockRetries int64 `json:"lock_retries"`
	Cancelled   int64 `json:"cancelled"`
	Submitted   int64 `json:"submitted"`
	Deferred    int64 `json:"deferred"`
}

type task struct {
	action *Action
	ev     Event
	data   interface{}
}

// Processor runs continuations on a fixed pool of worker goroutines. A
// continuation whose mutex is held elsewhere is never waited on; the event is
// requeued after LockRetryDelay instead.
type Processor struct {
	config *ProcessorConfig
	logger *utils.StructuredLogger

	queue   chan *task
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	started bool
	stopped atomic.Bool

	ioSem    *semaphore.Weighted
	ioWg     sync.WaitGroup
	ioCtx    context.Context
	ioStop   context.CancelFunc
	ioMu     sync.Mutex
	ioClosed bool
	pending  []func(ctx context.Context)

	dispatched  atomic.Int64
	lockRetries atomic.Int64
	cancelled   atomic.Int64
	submitted   atomic.Int64
	deferred    atomic.Int64
}

// NewProcessor creates a new event processor
func NewProcessor(config *ProcessorConfig, logger *utils.StructuredLogger) *Processor {
	if config == nil {
		config = DefaultProcessorConfig()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.QueueSize <= 0 {
		config.QueueSize = 1024
	}
	if config.LockRetryDelay <= 0 {
		config.LockRetryDelay = 10 * time.Millisecond
	}
	if config.MaxInflightIO <= 0 {
		config.MaxInflightIO = 16
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	ioCtx, ioStop := context.WithCancel(context.Background())
	return &Processor{
		config: config,
		logger: logger.WithComponent("event"),
		queue:  make(chan *task, config.QueueSize),
		stopCh: make(chan struct{}),
		ioSem:  semaphore.NewWeighted(config.MaxInflightIO),
		ioCtx:  ioCtx,
		ioStop: ioStop,
	}
}

// Start starts the worker goroutines
func (p *Processor) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return fmt.Errorf("processor already started")
	}
	if p.stopped.Load() {
		return errors.ErrShutdown
	}

	p.started = true
	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Debug("event processor started", utils.Fields{"workers": p.config.Workers})
	return nil
}

// Stop stops the workers after in-flight and queued I/O tasks finish. Submit
// is refused from the moment Stop begins. Events still queued are dropped and
// their actions cancelled.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return fmt.Errorf("processor not started")
	}
	p.started = false
	p.mu.Unlock()

	p.ioMu.Lock()
	p.ioClosed = true
	p.ioMu.Unlock()

	p.ioStop()
	p.ioWg.Wait()

	p.stopped.Store(true)
	close(p.stopCh)
	p.wg.Wait()

	for {
		select {
		case t := <-p.queue:
			t.action.Cancel()
		default:
			p.logger.Debug("event processor stopped", utils.Fields{"dispatched": p.dispatched.Load()})
			return nil
		}
	}
}

// Schedule delivers ev to c as soon as a worker is free.
func (p *Processor) Schedule(c *Continuation, ev Event, data interface{}) *Action {
	a := NewAction(c)
	p.enqueue(&task{action: a, ev: ev, data: data})
	return a
}

// ScheduleIn delivers ev to c after delay.
func (p *Processor) ScheduleIn(c *Continuation, delay time.Duration, ev Event, data interface{}) *Action {
	a := NewAction(c)
	p.enqueueIn(&task{action: a, ev: ev, data: data}, delay)
	return a
}

// Deliver fires ev on an existing action unless it has been cancelled.
func (p *Processor) Deliver(a *Action, ev Event, data interface{}) {
	if a.Cancelled() {
		return
	}
	p.enqueue(&task{action: a, ev: ev, data: data})
}

// Submit runs fn on its own goroutine, bounded by MaxInflightIO. It is used
// for blocking directory and log I/O so that workers never block. Submit
// itself never waits: when every slot is taken fn is queued and runs on the
// first slot released. The context passed to fn is cancelled when the
// processor stops; queued tasks still run, with that cancelled context.
func (p *Processor) Submit(ctx context.Context, fn func(ctx context.Context)) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, "submit canceled")
	}

	p.ioMu.Lock()
	if p.ioClosed || p.stopped.Load() {
		p.ioMu.Unlock()
		return errors.ErrShutdown
	}
	p.submitted.Add(1)
	p.ioWg.Add(1)
	if !p.ioSem.TryAcquire(1) {
		p.pending = append(p.pending, fn)
		p.deferred.Add(1)
		p.ioMu.Unlock()
		return nil
	}
	p.ioMu.Unlock()

	go p.runIO(fn)
	return nil
}

// runIO holds one I/O slot and keeps it while queued tasks remain.
func (p *Processor) runIO(fn func(ctx context.Context)) {
	for fn != nil {
		fn(p.ioCtx)
		p.ioWg.Done()
		fn = p.nextIO()
	}
}

func (p *Processor) nextIO() func(ctx context.Context) {
	p.ioMu.Lock()
	defer p.ioMu.Unlock()

	if len(p.pending) == 0 {
		p.ioSem.Release(1)
		return nil
	}
	fn := p.pending[0]
	p.pending[0] = nil
	p.pending = p.pending[1:]
	return fn
}

// Stats returns dispatch statistics
func (p *Processor) Stats() ProcessorStats {
	return ProcessorStats{
		Dispatched:  p.dispatched.Load(),
		LockRetries: p.lockRetries.Load(),
		Cancelled:   p.cancelled.Load(),
		Submitted:   p.submitted.Load(),
		Deferred:    p.deferred.Load(),
	}
}

func (p *Processor) enqueue(t *task) {
	if p.stopped.Load() {
		t.action.Cancel()
		return
	}
	select {
	case p.queue <- t:
	default:
		// Queue overflow: hand off without blocking the caller, which may
		// itself be a worker.
		go func() {
			select {
			case p.queue <- t:
			case <-p.stopCh:
				t.action.Cancel()
			}
		}()
	}
}

func (p *Processor) enqueueIn(t *task, delay time.Duration) {
	if delay <= 0 {
		p.enqueue(t)
		return
	}
	time.AfterFunc(delay, func() {
		if t.action.Cancelled() {
			p.cancelled.Add(1)
			return
		}
		p.enqueue(t)
	})
}

func (p *Processor) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.queue:
			p.run(t)
		}
	}
}

func (p *Processor) run(t *task) {
	if t.action.Cancelled() {
		p.cancelled.Add(1)
		return
	}
	if !t.action.tryDispatch(t.ev, t.data) {
		p.lockRetries.Add(1)
		p.enqueueIn(t, p.config.LockRetryDelay)
		return
	}
	p.dispatched.Add(1)
}
