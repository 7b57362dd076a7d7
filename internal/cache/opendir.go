package cache

import (
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/trafficserver/tscore/internal/buffer"
	"github.com/trafficserver/tscore/pkg/errors"
	"github.com/trafficserver/tscore/pkg/utils"
)

// OpenDirConfig represents open directory configuration
type OpenDirConfig struct {
	Shards  int            `yaml:"shards"`
	Segment *SegmentConfig `yaml:"segment"`
}

// DefaultOpenDirConfig returns the default open directory configuration.
func DefaultOpenDirConfig() *OpenDirConfig {
	return &OpenDirConfig{
		Shards:  16,
		Segment: DefaultSegmentConfig(),
	}
}

type openDirShard struct {
	mu   sync.Mutex
	segs map[Hash]*OpenSegment
}

// OpenDirStats describes the open directory and the buffer pool behind its
// segments.
type OpenDirStats struct {
	Active int              `json:"active"`
	Pool   buffer.PoolStats `json:"pool"`
}

// OpenDir tracks the segments currently open against a Directory, at most one
// per key digest.
type OpenDir struct {
	directory *Directory
	exec      Executor
	pool      *buffer.BytePool
	config    *OpenDirConfig
	logger    *utils.StructuredLogger
	recorder  Recorder
	shards    []*openDirShard
}

// NewOpenDir creates an open directory over d.
func NewOpenDir(d *Directory, exec Executor, config *OpenDirConfig, logger *utils.StructuredLogger, recorder Recorder) (*OpenDir, error) {
	if d == nil || exec == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidConfig, "open directory needs a directory and an executor")
	}
	if config == nil {
		config = DefaultOpenDirConfig()
	}
	if config.Shards <= 0 {
		config.Shards = 16
	}
	if config.Segment == nil {
		config.Segment = DefaultSegmentConfig()
	}
	if logger == nil {
		logger = utils.NopLogger()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}

	shards := make([]*openDirShard, config.Shards)
	for i := range shards {
		shards[i] = &openDirShard{segs: make(map[Hash]*OpenSegment)}
	}

	return &OpenDir{
		directory: d,
		exec:      exec,
		pool:      buffer.NewBytePool(),
		config:    config,
		logger:    logger,
		recorder:  recorder,
		shards:    shards,
	}, nil
}

// Directory returns the underlying directory.
func (od *OpenDir) Directory() *Directory {
	return od.directory
}

func (od *OpenDir) shard(digest Hash) *openDirShard {
	return od.shards[xxhash.Sum64(digest[:])%uint64(len(od.shards))]
}

// Open returns the active segment for key, creating and initializing one
// with dir if none is open or the open one has finished. created reports
// whether a new segment was made.
func (od *OpenDir) Open(key CacheKey, dir BlockCacheDir) (seg *OpenSegment, created bool, err error) {
	digest := key.Digest()
	sh := od.shard(digest)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.segs[digest]; ok && !existing.State().Terminal() {
		return existing, false, nil
	}

	seg, err = NewOpenSegment(od.exec, od.pool, od.config.Segment, od.logger, od.recorder)
	if err != nil {
		return nil, false, err
	}
	if err := seg.Init(od, key, dir); err != nil {
		return nil, false, err
	}
	sh.segs[digest] = seg

	od.logger.WithComponent("cache.opendir").Debug("segment opened", utils.Fields{"key": key.String(), "dir": dir.String()})
	return seg, true, nil
}

// Release drops seg once it has been closed or removed and no client remains
// attached. It reports false if seg is still in use or its lock is
// contended; the caller may try again later.
func (od *OpenDir) Release(seg *OpenSegment) bool {
	if !seg.TryLock() {
		return false
	}
	idle := seg.idleLocked()
	seg.Unlock()
	if !idle {
		return false
	}

	digest := seg.key.Digest()
	sh := od.shard(digest)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.segs[digest] == seg {
		delete(sh.segs, digest)
	}
	return true
}

// Active returns the number of open segments.
func (od *OpenDir) Active() int {
	n := 0
	for _, sh := range od.shards {
		sh.mu.Lock()
		n += len(sh.segs)
		sh.mu.Unlock()
	}
	return n
}

// Stats returns the number of open segments and the buffer pool layout.
func (od *OpenDir) Stats() OpenDirStats {
	return OpenDirStats{Active: od.Active(), Pool: od.pool.GetStats()}
}
