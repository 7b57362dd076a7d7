package cache

import (
	"container/list"
	"context"
	"sync/atomic"
	"time"

	"github.com/trafficserver/tscore/internal/buffer"
	"github.com/trafficserver/tscore/internal/event"
	"github.com/trafficserver/tscore/internal/interactor"
	"github.com/trafficserver/tscore/pkg/errors"
	"github.com/trafficserver/tscore/pkg/retry"
)

// Role says whether a segment connection reads or writes.
type Role int

const (
	RoleReader Role = iota
	RoleWriter
)

func (r Role) String() string {
	if r == RoleWriter {
		return "writer"
	}
	return "reader"
}

// SegmentVC is a reader or writer connection on an OpenSegment. It joins the
// segment's roster through its embedded Client and moves bytes through the
// segment buffer with checkout/checkin pairs.
type SegmentVC struct {
	*interactor.Client

	seg     *OpenSegment
	role    Role
	retryer *retry.Retryer

	// guarded by the segment's interactor lock
	elem *list.Element

	written atomic.Int64
	read    atomic.Int64
}

// NewWriter creates a writer connection. h receives EventAttached,
// EventBufferFlushed and EventDetached.
func (s *OpenSegment) NewWriter(name string, h event.Handler) *SegmentVC {
	return s.newVC(name, RoleWriter, h)
}

// NewReader creates a reader connection.
func (s *OpenSegment) NewReader(name string, h event.Handler) *SegmentVC {
	return s.newVC(name, RoleReader, h)
}

func (s *OpenSegment) newVC(name string, role Role, h event.Handler) *SegmentVC {
	rc := s.config.Writer
	rc.OnRetry = func(int, error, time.Duration) {
		s.recorder.RecordSegmentOp("write", "retried")
	}
	vc := &SegmentVC{
		Client:  interactor.NewClient(name, h),
		seg:     s,
		role:    role,
		retryer: retry.New(rc),
	}
	vc.SetOwner(vc)
	return vc
}

// Open starts attaching to the segment.
func (vc *SegmentVC) Open() error {
	return vc.StartAttach(vc.seg.Interactor)
}

// Close starts detaching from the segment.
func (vc *SegmentVC) Close() error {
	return vc.StartDetach()
}

// Segment returns the segment this connection belongs to.
func (vc *SegmentVC) Segment() *OpenSegment {
	return vc.seg
}

// Role returns the connection's role.
func (vc *SegmentVC) Role() Role {
	return vc.role
}

// BytesWritten returns the bytes this connection has written.
func (vc *SegmentVC) BytesWritten() int64 {
	return vc.written.Load()
}

// BytesRead returns the bytes this connection has read.
func (vc *SegmentVC) BytesRead() int64 {
	return vc.read.Load()
}

func (vc *SegmentVC) checkAttached(op string) error {
	if vc.State() != interactor.ClientAttached {
		return errors.ErrState.Clone().
			WithComponent("cache.segment").
			WithOperation(op).
			WithDetail("client", vc.Name()).
			WithDetail("state", vc.State().String())
	}
	return nil
}

// Write reserves room for p in the segment buffer, copies it in and returns
// the offset it landed at. Contention with other writers is retried with
// backoff; ErrFull means the buffer is sealed and the caller should wait for
// EventBufferFlushed before writing again.
func (vc *SegmentVC) Write(ctx context.Context, p []byte) (uint32, error) {
	if vc.role != RoleWriter {
		return 0, errors.ErrState
	}
	if err := vc.checkAttached("write"); err != nil {
		return 0, err
	}
	if len(p) == 0 {
		return 0, errors.ErrOffset
	}
	if len(p) > buffer.MaxCapacity {
		return 0, errors.ErrFull
	}

	buf := vc.seg.buf
	size := uint32(len(p))

	var off uint32
	err := vc.retryer.Do(ctx, func() error {
		var err error
		off, err = buf.CheckoutWrite(size, 0)
		return err
	})
	if err != nil {
		vc.seg.recorder.RecordSegmentOp("write", string(errors.CodeOf(err)))
		return 0, err
	}

	copy(buf.Bytes(off, size), p)
	if err := buf.CheckinWrite(off); err != nil {
		return 0, err
	}

	vc.written.Add(int64(size))
	vc.seg.recorder.RecordBytes("write", len(p))
	return off, nil
}

// ReadRange copies len(p) bytes starting at off out of the segment buffer.
// Only bytes every writer has checked in are readable; a range reaching into
// a reservation still being copied, or past the write offset, fails with
// ErrOffset.
func (vc *SegmentVC) ReadRange(off uint32, p []byte) (int, error) {
	if err := vc.checkAttached("read"); err != nil {
		return 0, err
	}
	if len(p) > buffer.MaxCapacity {
		return 0, errors.ErrOffset
	}

	buf := vc.seg.buf
	size := uint32(len(p))
	if uint64(off)+uint64(size) > uint64(buf.Settled()) {
		return 0, errors.ErrOffset
	}
	if err := buf.CheckoutRead(off, size); err != nil {
		return 0, err
	}
	n := copy(p, buf.Bytes(off, size))
	if err := buf.CheckinRead(off); err != nil {
		return 0, err
	}

	vc.read.Add(int64(n))
	vc.seg.recorder.RecordBytes("read", n)
	return n, nil
}
