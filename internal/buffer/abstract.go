package buffer

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"github.com/trafficserver/tscore/pkg/errors"
)

// State is the lifecycle state of an AbstractBuffer.
type State uint8

const (
	StateUnused State = iota
	StateInitializing
	StateReadWrite
	StateReadOnly
	StateFlush
	StateFlushComplete
)

// String returns string representation of the state
func (s State) String() string {
	switch s {
	case StateUnused:
		return "UNUSED"
	case StateInitializing:
		return "INITIALIZING"
	case StateReadWrite:
		return "READ_WRITE"
	case StateReadOnly:
		return "READ_ONLY"
	case StateFlush:
		return "FLUSH"
	case StateFlushComplete:
		return "FLUSH_COMPLETE"
	default:
		return fmt.Sprintf("STATE(%d)", uint8(s))
	}
}

// The whole buffer state lives in one 64-bit word:
//
//	bits  0-15  reader count
//	bits 16-31  writer count
//	bits 32-60  write offset
//	bits 61-63  state
const (
	readerShift = 0
	writerShift = 16
	offsetShift = 32
	stateShift  = 61

	countMask  = 1<<16 - 1
	offsetMask = 1<<29 - 1
	stateMask  = 1<<3 - 1

	maxCount = countMask

	// MaxCapacity is the largest buffer the 29-bit offset field can address.
	MaxCapacity = offsetMask
)

type word uint64

func pack(s State, offset uint32, writers, readers uint16) word {
	return word(uint64(s)&stateMask)<<stateShift |
		word(uint64(offset)&offsetMask)<<offsetShift |
		word(writers)<<writerShift |
		word(readers)<<readerShift
}

func (w word) readers() uint16 { return uint16(w >> readerShift & countMask) }
func (w word) writers() uint16 { return uint16(w >> writerShift & countMask) }
func (w word) offset() uint32  { return uint32(w >> offsetShift & offsetMask) }
func (w word) state() State    { return State(w >> stateShift & stateMask) }

func (w word) withState(s State) word { return pack(s, w.offset(), w.writers(), w.readers()) }
func (w word) withReaders(n uint16) word {
	return pack(w.state(), w.offset(), w.writers(), n)
}

// Snapshot is a decoded, point-in-time view of the state word.
type Snapshot struct {
	State   State
	Offset  uint32
	Writers uint16
	Readers uint16
}

// Config describes a buffer slot.
type Config struct {
	// Size is the capacity in bytes, at most MaxCapacity
	Size uint32 `yaml:"size"`
	// Alignment rounds every write reservation up to a multiple of itself; it
	// must be a power of two
	Alignment uint32 `yaml:"alignment"`
	// WriteRetries bounds the CAS attempts of CheckoutWrite when the caller
	// passes no explicit retry count
	WriteRetries int `yaml:"write_retries"`
}

// DefaultConfig returns a 1MB, 512-byte aligned buffer configuration.
func DefaultConfig() *Config {
	return &Config{
		Size:         1 << 20,
		Alignment:    512,
		WriteRetries: 16,
	}
}

// Callbacks are invoked exactly once per matching transition. OnFlush must
// eventually lead to FlushComplete; the buffer stays in FLUSH until then.
type Callbacks struct {
	OnInitialize func(b *AbstractBuffer)
	OnFull       func(b *AbstractBuffer)
	OnFlush      func(b *AbstractBuffer)
	OnDestroy    func(b *AbstractBuffer)
	OnTransition func(from, to State)
}

// AbstractBuffer is a fixed-size memory region shared by concurrent writers
// and readers. Every transition is a single compare-and-swap of the packed
// state word, so no operation takes a lock.
type AbstractBuffer struct {
	state     atomic.Uint64
	capacity  uint32
	alignment uint32
	retries   int
	pool      *BytePool
	cb        Callbacks

	// settled is the write offset at the last moment no writer held a
	// checkout; every byte below it has been checked in.
	settled atomic.Uint32

	// data is published by the INITIALIZING->READ_WRITE swap and released
	// after the FLUSH_COMPLETE->UNUSED swap.
	data []byte
}

// New creates an unused buffer slot. Backing storage is not allocated until
// the first CheckoutWrite.
func New(config *Config, pool *BytePool, cb Callbacks) (*AbstractBuffer, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Size == 0 || config.Size > MaxCapacity {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "buffer size %d out of range (1..%d)", config.Size, MaxCapacity)
	}
	alignment := config.Alignment
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "buffer alignment %d is not a power of two", alignment)
	}
	retries := config.WriteRetries
	if retries <= 0 {
		retries = 16
	}
	if pool == nil {
		pool = NewBytePool()
	}

	return &AbstractBuffer{
		capacity:  config.Size,
		alignment: alignment,
		retries:   retries,
		pool:      pool,
		cb:        cb,
	}, nil
}

// Capacity returns the buffer size in bytes.
func (b *AbstractBuffer) Capacity() uint32 {
	return b.capacity
}

// Snapshot decodes the current state word.
func (b *AbstractBuffer) Snapshot() Snapshot {
	w := b.load()
	return Snapshot{State: w.state(), Offset: w.offset(), Writers: w.writers(), Readers: w.readers()}
}

// State returns the current lifecycle state.
func (b *AbstractBuffer) State() State {
	return b.load().state()
}

// Bytes returns the region [offset, offset+size). The caller must hold a
// write or read checkout covering it.
func (b *AbstractBuffer) Bytes(offset, size uint32) []byte {
	return b.data[offset : offset+size : offset+size]
}

// Settled returns the offset below which every reserved byte has been checked
// in. CheckoutRead admits ranges up to the reserved offset, which may still
// be under copy; readers that need written contents bound themselves by
// Settled.
func (b *AbstractBuffer) Settled() uint32 {
	return b.settled.Load()
}

// Align rounds size up to the configured alignment.
func (b *AbstractBuffer) Align(size uint32) uint32 {
	return (size + b.alignment - 1) &^ (b.alignment - 1)
}

func (b *AbstractBuffer) load() word {
	return word(b.state.Load())
}

func (b *AbstractBuffer) cas(old, next word) bool {
	return b.state.CompareAndSwap(uint64(old), uint64(next))
}

func (b *AbstractBuffer) transitioned(from, to State) {
	if b.cb.OnTransition != nil && from != to {
		b.cb.OnTransition(from, to)
	}
}

// CheckoutWrite reserves writeSize bytes (rounded up to the alignment) and
// returns the reserved offset. An UNUSED buffer is initialized by whichever
// caller wins the race to INITIALIZING. When the reservation does not fit,
// the buffer is sealed READ_ONLY and ErrFull is returned; later writers get
// ErrState. Running out of retries against concurrent writers yields ErrBusy.
// A retries value <= 0 uses the configured default.
func (b *AbstractBuffer) CheckoutWrite(writeSize uint32, retries int) (uint32, error) {
	if retries <= 0 {
		retries = b.retries
	}
	if writeSize == 0 {
		return 0, errors.ErrOffset
	}
	size := b.Align(writeSize)
	if size < writeSize || size > b.capacity {
		b.sealFull()
		return 0, errors.ErrFull
	}

	for attempt := 0; attempt < retries; attempt++ {
		old := b.load()

		switch old.state() {
		case StateUnused:
			if b.cas(old, pack(StateInitializing, 0, 0, 0)) {
				b.transitioned(StateUnused, StateInitializing)
				b.initialize()
				// the initializing caller does not spend a retry
				attempt--
			}
			continue
		case StateInitializing:
			runtime.Gosched()
			continue
		case StateReadWrite:
		default:
			return 0, errors.ErrState
		}

		offset := old.offset()
		if uint64(offset)+uint64(size) > uint64(b.capacity) {
			if b.cas(old, old.withState(StateReadOnly)) {
				b.transitioned(StateReadWrite, StateReadOnly)
				if b.cb.OnFull != nil {
					b.cb.OnFull(b)
				}
				b.full()
				return 0, errors.ErrFull
			}
			continue
		}
		if old.writers() == maxCount {
			return 0, errors.ErrBusy
		}

		if b.cas(old, pack(StateReadWrite, offset+size, old.writers()+1, old.readers())) {
			return offset, nil
		}
	}

	return 0, errors.ErrBusy
}

// sealFull moves a READ_WRITE buffer to READ_ONLY for a reservation that can
// never fit.
func (b *AbstractBuffer) sealFull() {
	for {
		old := b.load()
		if old.state() != StateReadWrite {
			return
		}
		if b.cas(old, old.withState(StateReadOnly)) {
			b.transitioned(StateReadWrite, StateReadOnly)
			if b.cb.OnFull != nil {
				b.cb.OnFull(b)
			}
			b.full()
			return
		}
	}
}

// CheckoutRead registers a reader of [readOffset, readOffset+readSize). The
// range must lie below the current write offset.
func (b *AbstractBuffer) CheckoutRead(readOffset, readSize uint32) error {
	for {
		old := b.load()

		switch old.state() {
		case StateReadWrite, StateReadOnly, StateFlush:
		default:
			return errors.ErrState
		}
		if uint64(readOffset)+uint64(readSize) > uint64(old.offset()) {
			return errors.ErrOffset
		}
		if old.readers() == maxCount {
			return errors.ErrBusy
		}

		if b.cas(old, old.withReaders(old.readers()+1)) {
			return nil
		}
	}
}

// CheckinWrite releases a write checkout. The last writer out of a READ_ONLY
// buffer moves it to FLUSH and triggers the flush callback.
func (b *AbstractBuffer) CheckinWrite(writeOffset uint32) error {
	for {
		old := b.load()
		st := old.state()

		if (st != StateReadWrite && st != StateReadOnly) || old.writers() == 0 {
			return errors.ErrState
		}
		if writeOffset >= old.offset() {
			return errors.ErrOffset
		}

		writers := old.writers() - 1
		next := st
		if st == StateReadOnly && writers == 0 {
			next = StateFlush
		}

		if b.cas(old, pack(next, old.offset(), writers, old.readers())) {
			if writers == 0 {
				b.settle(old.offset())
			}
			if next == StateFlush {
				b.transitioned(StateReadOnly, StateFlush)
				b.flush()
			}
			return nil
		}
	}
}

// CheckinRead releases a read checkout. The last reader out of a
// FLUSH_COMPLETE buffer destroys it.
func (b *AbstractBuffer) CheckinRead(readOffset uint32) error {
	for {
		old := b.load()
		st := old.state()

		switch st {
		case StateReadWrite, StateReadOnly, StateFlush, StateFlushComplete:
		default:
			return errors.ErrState
		}
		if old.readers() == 0 {
			return errors.ErrState
		}
		if readOffset > old.offset() {
			return errors.ErrOffset
		}

		readers := old.readers() - 1
		if b.cas(old, old.withReaders(readers)) {
			if st == StateFlushComplete && readers == 0 && old.writers() == 0 {
				b.destroy()
			}
			return nil
		}
	}
}

// FlushComplete marks the flushed contents as durable. The state change and
// the reader count are read from the same swapped word, so exactly one of
// FlushComplete and the final CheckinRead observes zero readers and destroys
// the buffer.
func (b *AbstractBuffer) FlushComplete() error {
	for {
		old := b.load()
		if old.state() != StateFlush {
			return errors.ErrState
		}
		if b.cas(old, old.withState(StateFlushComplete)) {
			b.transitioned(StateFlush, StateFlushComplete)
			if old.readers() == 0 && old.writers() == 0 {
				b.destroy()
			}
			return nil
		}
	}
}

func (b *AbstractBuffer) initialize() {
	if b.data == nil {
		b.data = b.pool.Get(int(b.capacity))
	}
	if b.cb.OnInitialize != nil {
		b.cb.OnInitialize(b)
	}
	b.settled.Store(0)
	for {
		old := b.load()
		if b.cas(old, pack(StateReadWrite, 0, 0, 0)) {
			b.transitioned(StateInitializing, StateReadWrite)
			return
		}
	}
}

// settle raises the settled offset; concurrent last-writer checkins may
// arrive out of order.
func (b *AbstractBuffer) settle(offset uint32) {
	for {
		cur := b.settled.Load()
		if offset <= cur || b.settled.CompareAndSwap(cur, offset) {
			return
		}
	}
}

// full flushes a READ_ONLY buffer that has no writers left.
func (b *AbstractBuffer) full() {
	for {
		old := b.load()
		if old.state() != StateReadOnly || old.writers() != 0 {
			return
		}
		if b.cas(old, old.withState(StateFlush)) {
			b.transitioned(StateReadOnly, StateFlush)
			b.flush()
			return
		}
	}
}

func (b *AbstractBuffer) flush() {
	if b.cb.OnFlush != nil {
		b.cb.OnFlush(b)
	}
}

func (b *AbstractBuffer) destroy() {
	if b.cb.OnDestroy != nil {
		b.cb.OnDestroy(b)
	}
	b.clear()
}

// clear releases backing storage and returns the slot to UNUSED.
func (b *AbstractBuffer) clear() {
	b.pool.Put(b.data)
	b.data = nil
	for {
		old := b.load()
		if b.cas(old, pack(StateUnused, 0, 0, 0)) {
			b.transitioned(old.state(), StateUnused)
			return
		}
	}
}
