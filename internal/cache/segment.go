package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/trafficserver/tscore/internal/buffer"
	"github.com/trafficserver/tscore/internal/event"
	"github.com/trafficserver/tscore/internal/interactor"
	"github.com/trafficserver/tscore/pkg/errors"
	"github.com/trafficserver/tscore/pkg/retry"
	"github.com/trafficserver/tscore/pkg/utils"
)

// Executor schedules continuations and runs blocking directory work off the
// event workers.
type Executor interface {
	event.Scheduler
	Submit(ctx context.Context, fn func(ctx context.Context)) error
}

// Recorder receives segment and buffer activity, typically a metrics
// collector.
type Recorder interface {
	interactor.Recorder
	RecordSegmentOp(op, outcome string)
	RecordBufferTransition(from, to string)
	RecordBytes(direction string, n int)
}

type nopRecorder struct{}

func (nopRecorder) RecordAttach(string)                   {}
func (nopRecorder) RecordDetach(string)                   {}
func (nopRecorder) RecordLockContention(string)           {}
func (nopRecorder) RecordSegmentOp(string, string)        {}
func (nopRecorder) RecordBufferTransition(string, string) {}
func (nopRecorder) RecordBytes(string, int)               {}

// SegmentState is the lifecycle state of an OpenSegment.
type SegmentState int32

const (
	SegmentNew SegmentState = iota
	SegmentReady
	SegmentClosing
	SegmentClosed
	SegmentRemoving
	SegmentRemoved
)

// String returns string representation of the segment state
func (s SegmentState) String() string {
	switch s {
	case SegmentNew:
		return "NEW"
	case SegmentReady:
		return "READY"
	case SegmentClosing:
		return "CLOSING"
	case SegmentClosed:
		return "CLOSED"
	case SegmentRemoving:
		return "REMOVING"
	case SegmentRemoved:
		return "REMOVED"
	default:
		return fmt.Sprintf("SEGMENT_STATE(%d)", int32(s))
	}
}

// Terminal reports whether no further operations will change the segment.
func (s SegmentState) Terminal() bool {
	return s == SegmentClosed || s == SegmentRemoved
}

// SegmentConfig configures each open segment.
type SegmentConfig struct {
	Buffer     *buffer.Config     `yaml:"buffer"`
	Interactor *interactor.Config `yaml:"interactor"`
	Writer     retry.Config       `yaml:"writer"`
}

// DefaultSegmentConfig returns the default segment configuration.
func DefaultSegmentConfig() *SegmentConfig {
	return &SegmentConfig{
		Buffer:     buffer.DefaultConfig(),
		Interactor: interactor.DefaultConfig(),
		Writer:     retry.DefaultConfig(),
	}
}

// Result is the payload of every segment completion event.
type Result struct {
	// Dir is the directory entry the operation acted on
	Dir BlockCacheDir
	// DocKey is the key found on disk, set by VerifyKey
	DocKey CacheKey
	// Removed reports whether Remove deleted an entry
	Removed bool
	// Err is set on EventError
	Err error
}

// FlushNotice is delivered with EventBufferFlushed once a full buffer has
// been committed to the directory.
type FlushNotice struct {
	Dir    BlockCacheDir
	Writer string
}

type completion struct {
	op     string
	action *event.Action
	ev     event.Event
	result Result
}

// OpenSegment coordinates the readers and the writer of one cache segment.
// Clients join through the embedded Interactor; the writer reference and the
// reader queue are guarded by its lock. Directory work runs on the executor
// and completes through the segment's own continuation, whose handler
// dispatches on the segment state.
type OpenSegment struct {
	*interactor.Interactor

	cont     *event.Continuation
	state    atomic.Int32
	exec     Executor
	config   *SegmentConfig
	logger   *utils.StructuredLogger
	recorder Recorder
	buf      *buffer.AbstractBuffer

	// set by Init
	parent    *OpenDir
	directory *Directory
	key       CacheKey

	dirMu sync.Mutex
	dir   BlockCacheDir

	// guarded by the interactor lock
	writer  *SegmentVC
	readers *list.List
}

// NewOpenSegment creates an uninitialized segment.
func NewOpenSegment(exec Executor, pool *buffer.BytePool, config *SegmentConfig, logger *utils.StructuredLogger, recorder Recorder) (*OpenSegment, error) {
	if config == nil {
		config = DefaultSegmentConfig()
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	s := &OpenSegment{
		exec:     exec,
		config:   config,
		logger:   logger.WithComponent("cache.segment"),
		recorder: recorder,
		readers:  list.New(),
	}
	s.cont = event.NewContinuation(event.HandlerFunc(s.handleEvent))

	buf, err := buffer.New(config.Buffer, pool, buffer.Callbacks{
		OnFlush: s.onFlush,
		OnDestroy: func(*buffer.AbstractBuffer) {
			s.logger.Trace("segment buffer released")
		},
		OnTransition: func(from, to buffer.State) {
			s.recorder.RecordBufferTransition(from.String(), to.String())
		},
	})
	if err != nil {
		return nil, err
	}
	s.buf = buf

	s.Interactor = interactor.New("segment", exec,
		interactor.WithConfig(config.Interactor),
		interactor.WithLogger(logger),
		interactor.WithRecorder(recorder),
		interactor.WithHooks(s.onAttach, s.onDetach))
	return s, nil
}

// Init binds the segment to its parent and stores a private copy of key. It
// may be called once.
func (s *OpenSegment) Init(parent *OpenDir, key CacheKey, dir BlockCacheDir) error {
	if parent == nil || key.IsZero() {
		return errors.NewError(errors.ErrCodeInvalidConfig, "segment needs a parent and a key").
			WithComponent("cache.segment").
			WithOperation("init")
	}
	if !s.state.CompareAndSwap(int32(SegmentNew), int32(SegmentReady)) {
		return errors.ErrState.Clone().
			WithComponent("cache.segment").
			WithOperation("init").
			WithDetail("state", s.State().String())
	}

	s.parent = parent
	s.directory = parent.directory
	s.key = key.Copy()
	s.setDir(dir)
	s.logger = s.logger.WithField("key", s.key.String())
	return nil
}

// State returns the segment's lifecycle state.
func (s *OpenSegment) State() SegmentState {
	return SegmentState(s.state.Load())
}

// Key returns a copy of the segment's key.
func (s *OpenSegment) Key() CacheKey {
	return s.key.Copy()
}

// Dir returns the current directory entry snapshot.
func (s *OpenSegment) Dir() BlockCacheDir {
	s.dirMu.Lock()
	defer s.dirMu.Unlock()
	return s.dir
}

func (s *OpenSegment) setDir(dir BlockCacheDir) {
	s.dirMu.Lock()
	s.dir = dir
	s.dirMu.Unlock()
}

// Buffer returns the segment's write buffer.
func (s *OpenSegment) Buffer() *buffer.AbstractBuffer {
	return s.buf
}

// VerifyKey checks the document stored at the segment's directory entry
// against the segment key. The caller receives EventDocMatches or
// EventDocCollision; on a collision it is up to the caller to continue the
// probe with Directory.ProbeAfter.
func (s *OpenSegment) VerifyKey(caller *event.Continuation) *event.Action {
	a := event.NewAction(caller)
	if s.State() == SegmentNew {
		s.reject(a, "verify_key")
		return a
	}

	dir := s.Dir()
	s.submit(a, "verify_key", func(ctx context.Context) (event.Event, Result) {
		docKey, err := s.directory.ReadDocKey(ctx, dir)
		switch {
		case err == nil && docKey.Matches(s.key):
			return event.EventDocMatches, Result{Dir: dir, DocKey: docKey}
		case err == nil, errors.CodeOf(err) == errors.ErrCodeNotFound:
			return event.EventDocCollision, Result{Dir: dir, DocKey: docKey}
		default:
			return event.EventError, Result{Dir: dir, Err: err}
		}
	})
	return a
}

// Close commits the directory entry and the directory log, then delivers
// EventClosed.
func (s *OpenSegment) Close(caller *event.Continuation) *event.Action {
	a := event.NewAction(caller)
	if !s.state.CompareAndSwap(int32(SegmentReady), int32(SegmentClosing)) {
		s.reject(a, "close")
		return a
	}

	dir := s.Dir()
	s.submit(a, "close", func(ctx context.Context) (event.Event, Result) {
		committed := s.directory.Commit(s.key, dir)
		s.setDir(committed)
		if err := s.directory.Sync(ctx); err != nil {
			return event.EventError, Result{Dir: committed, Err: err}
		}
		return event.EventClosed, Result{Dir: committed}
	})
	return a
}

// Remove deletes the directory entry, then delivers EventRemoved.
func (s *OpenSegment) Remove(caller *event.Continuation) *event.Action {
	a := event.NewAction(caller)
	if !s.state.CompareAndSwap(int32(SegmentReady), int32(SegmentRemoving)) {
		s.reject(a, "remove")
		return a
	}

	dir := s.Dir()
	s.submit(a, "remove", func(ctx context.Context) (event.Event, Result) {
		removed := s.directory.Delete(s.key, dir)
		return event.EventRemoved, Result{Dir: dir, Removed: removed}
	})
	return a
}

// Sync waits for the directory log to reach durable storage, then delivers
// EventSynced.
func (s *OpenSegment) Sync(caller *event.Continuation) *event.Action {
	a := event.NewAction(caller)
	if s.State() == SegmentNew {
		s.reject(a, "sync")
		return a
	}

	s.submit(a, "sync", func(ctx context.Context) (event.Event, Result) {
		if err := s.directory.Sync(ctx); err != nil {
			return event.EventError, Result{Err: err}
		}
		return event.EventSynced, Result{Dir: s.Dir()}
	})
	return a
}

func (s *OpenSegment) reject(a *event.Action, op string) {
	err := errors.ErrState.Clone().
		WithComponent("cache.segment").
		WithOperation(op).
		WithDetail("state", s.State().String())
	s.recorder.RecordSegmentOp(op, "rejected")
	s.exec.Deliver(a, event.EventError, Result{Err: err})
}

// submit runs fn on the executor and routes its outcome through the segment
// continuation. Cancelling a only suppresses the final delivery; fn runs to
// completion regardless.
func (s *OpenSegment) submit(a *event.Action, op string, fn func(ctx context.Context) (event.Event, Result)) {
	err := s.exec.Submit(context.Background(), func(ctx context.Context) {
		ev, res := fn(ctx)
		s.exec.Schedule(s.cont, ev, &completion{op: op, action: a, ev: ev, result: res})
	})
	if err != nil {
		s.exec.Schedule(s.cont, event.EventError, &completion{op: op, action: a, ev: event.EventError, result: Result{Err: err}})
	}
}

// handleEvent runs with the segment continuation's lock held.
func (s *OpenSegment) handleEvent(ev event.Event, data interface{}) {
	switch s.State() {
	case SegmentReady:
		s.handleReady(ev, data)
	case SegmentClosing:
		s.handleClosing(ev, data)
	case SegmentRemoving:
		s.handleRemoving(ev, data)
	case SegmentClosed, SegmentRemoved:
		s.handleTerminal(ev, data)
	default:
		s.logger.Warn("event on uninitialized segment", utils.Fields{"event": ev.String()})
	}
}

func (s *OpenSegment) handleReady(ev event.Event, data interface{}) {
	switch d := data.(type) {
	case *completion:
		s.complete(d)
	case FlushNotice:
		s.notifyFlushed(d)
	}
}

func (s *OpenSegment) handleClosing(ev event.Event, data interface{}) {
	switch d := data.(type) {
	case *completion:
		if d.op == "close" {
			if ev == event.EventClosed {
				s.state.Store(int32(SegmentClosed))
				s.logger.Debug("segment closed", utils.Fields{"dir": d.result.Dir.String()})
			} else {
				s.state.Store(int32(SegmentReady))
			}
		}
		s.complete(d)
	case FlushNotice:
		s.notifyFlushed(d)
	}
}

func (s *OpenSegment) handleRemoving(ev event.Event, data interface{}) {
	switch d := data.(type) {
	case *completion:
		if d.op == "remove" {
			if ev == event.EventRemoved {
				s.state.Store(int32(SegmentRemoved))
				s.logger.Debug("segment removed", utils.Fields{"removed": d.result.Removed})
			} else {
				s.state.Store(int32(SegmentReady))
			}
		}
		s.complete(d)
	case FlushNotice:
		s.notifyFlushed(d)
	}
}

func (s *OpenSegment) handleTerminal(_ event.Event, data interface{}) {
	switch d := data.(type) {
	case *completion:
		s.complete(d)
	case FlushNotice:
		s.notifyFlushed(d)
	}
}

func (s *OpenSegment) complete(c *completion) {
	outcome := c.ev.String()
	if c.action.Cancelled() {
		outcome = "cancelled"
	}
	s.recorder.RecordSegmentOp(c.op, outcome)
	if c.result.Err != nil {
		s.logger.Warn(c.op+" failed", utils.Fields{"error": c.result.Err})
	}
	s.exec.Deliver(c.action, c.ev, c.result)
}

// onFlush runs when the last writer leaves a sealed buffer. The buffer's
// extent is committed to the directory off the event workers.
func (s *OpenSegment) onFlush(b *buffer.AbstractBuffer) {
	size := b.Snapshot().Offset
	err := s.exec.Submit(context.Background(), func(context.Context) {
		s.commitFlush(b, size)
	})
	if err != nil {
		s.logger.Warn("flush could not be submitted", utils.Fields{"error": err})
		_ = b.FlushComplete()
	}
}

func (s *OpenSegment) commitFlush(b *buffer.AbstractBuffer, size uint32) {
	dir := s.Dir()
	dir.Size = size
	committed := s.directory.Commit(s.key, dir)
	s.setDir(committed)

	if err := b.FlushComplete(); err != nil {
		s.logger.Error("flush complete rejected", utils.Fields{"error": err})
	}
	s.recorder.RecordSegmentOp("flush", "committed")
	s.exec.Schedule(s.cont, event.EventBufferFlushed, FlushNotice{Dir: committed})
}

// notifyFlushed tells the registered writer and every enabled reader that a
// buffer was committed. Only the writer registered at this moment is told,
// so a writer replaced by a later RegisterWriter misses the notice.
func (s *OpenSegment) notifyFlushed(n FlushNotice) {
	if !s.TryLock() {
		s.exec.ScheduleIn(s.cont, s.RetryDelay(), event.EventBufferFlushed, n)
		return
	}
	defer s.Unlock()

	if s.writer != nil {
		n.Writer = s.writer.Name()
		s.SendLocked(s.writer.Client, event.EventBufferFlushed, n)
	}
	s.BroadcastLocked(event.EventBufferFlushed, n)
}

// RegisterWriter records vc as the segment's writer. The caller must hold the
// interactor lock. A writer already registered is replaced, not rejected.
func (s *OpenSegment) RegisterWriter(vc *SegmentVC) {
	if s.writer != nil && s.writer != vc {
		s.logger.Warn("replacing registered writer", utils.Fields{
			"previous": s.writer.Name(),
			"writer":   vc.Name(),
		})
	}
	s.writer = vc
}

// RegisterReader appends vc to the reader queue. The caller must hold the
// interactor lock.
func (s *OpenSegment) RegisterReader(vc *SegmentVC) {
	if vc.elem != nil {
		return
	}
	vc.elem = s.readers.PushBack(vc)
}

// Writer returns the registered writer. The caller must hold the interactor
// lock.
func (s *OpenSegment) Writer() *SegmentVC {
	return s.writer
}

// Readers returns the reader queue in registration order. The caller must
// hold the interactor lock.
func (s *OpenSegment) Readers() []*SegmentVC {
	out := make([]*SegmentVC, 0, s.readers.Len())
	for e := s.readers.Front(); e != nil; e = e.Next() {
		out = append(out, e.Value.(*SegmentVC))
	}
	return out
}

// idleLocked reports whether a terminal segment has nobody left on it. The
// caller must hold the interactor lock.
func (s *OpenSegment) idleLocked() bool {
	return s.State().Terminal() && s.Len() == 0 && s.writer == nil && s.readers.Len() == 0
}

func (s *OpenSegment) onAttach(c *interactor.Client) {
	vc, ok := c.Owner().(*SegmentVC)
	if !ok {
		return
	}
	switch vc.role {
	case RoleWriter:
		s.RegisterWriter(vc)
		// flush notices reach the writer directly
		s.SetEnabled(c, false)
	case RoleReader:
		s.RegisterReader(vc)
	}
}

func (s *OpenSegment) onDetach(c *interactor.Client) {
	vc, ok := c.Owner().(*SegmentVC)
	if !ok {
		return
	}
	switch vc.role {
	case RoleWriter:
		if s.writer == vc {
			s.writer = nil
		}
	case RoleReader:
		if vc.elem != nil {
			s.readers.Remove(vc.elem)
			vc.elem = nil
		}
	}
}
