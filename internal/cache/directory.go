package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/natefinch/atomic"
	"github.com/pierrec/lz4/v4"

	"github.com/trafficserver/tscore/pkg/errors"
	"github.com/trafficserver/tscore/pkg/utils"
)

// DirectoryConfig represents directory configuration
type DirectoryConfig struct {
	LogPath     string `yaml:"log_path"`
	Buckets     int    `yaml:"buckets"`
	CompressLog bool   `yaml:"compress_log"`
	// LogCodec selects the compressor when CompressLog is set: "zstd" or
	// "lz4". Empty means zstd.
	LogCodec string `yaml:"log_codec"`
}

// DefaultDirectoryConfig returns an in-memory directory with 64 buckets.
func DefaultDirectoryConfig() *DirectoryConfig {
	return &DirectoryConfig{
		Buckets:     64,
		CompressLog: true,
	}
}

// DirectoryStats tracks directory activity
type DirectoryStats struct {
	Entries int    `json:"entries"`
	Probes  uint64 `json:"probes"`
	Hits    uint64 `json:"hits"`
	Inserts uint64 `json:"inserts"`
	Deletes uint64 `json:"deletes"`
	Commits uint64 `json:"commits"`
	Syncs   uint64 `json:"syncs"`
}

// Directory log codecs.
const (
	CodecZstd = "zstd"
	CodecLZ4  = "lz4"
)

type dirSlot struct {
	key CacheKey
	dir BlockCacheDir
}

// Directory maps keys to directory entries. Entries hash into buckets by key
// digest and are matched by a short tag, so two keys may collide on the same
// entry; the document key stored with an entry resolves the ambiguity.
//
// The directory is durable only through Sync, which snapshots every entry to
// the log path.
type Directory struct {
	mu sync.RWMutex
	// syncMu orders snapshots with their writes so an older snapshot never
	// replaces a newer log.
	syncMu  sync.Mutex
	config  *DirectoryConfig
	logger  *utils.StructuredLogger
	buckets [][]dirSlot
	docs    map[uint32]CacheKey
	token   uint32
	dirty   bool
	stats   DirectoryStats
}

// NewDirectory creates a directory, restoring the snapshot at the log path if
// one exists.
func NewDirectory(config *DirectoryConfig, logger *utils.StructuredLogger) (*Directory, error) {
	if config == nil {
		config = DefaultDirectoryConfig()
	}
	if config.Buckets <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "directory buckets must be positive, got %d", config.Buckets)
	}
	switch config.LogCodec {
	case "", CodecZstd, CodecLZ4:
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidConfig, "unknown directory log codec %q", config.LogCodec)
	}
	if logger == nil {
		logger = utils.NopLogger()
	}

	d := &Directory{
		config:  config,
		logger:  logger.WithComponent("cache.directory"),
		buckets: make([][]dirSlot, config.Buckets),
		docs:    make(map[uint32]CacheKey),
	}

	if config.LogPath != "" {
		if err := d.load(); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func (d *Directory) bucket(key CacheKey) int {
	digest := key.Digest()
	return int(xxhash.Sum64(digest[:]) % uint64(len(d.buckets)))
}

// Probe returns the first entry whose tag matches key. The entry may belong
// to a different key with the same tag; ReadDocKey tells them apart.
func (d *Directory) Probe(key CacheKey) (BlockCacheDir, bool) {
	return d.ProbeAfter(key, BlockCacheDir{})
}

// ProbeAfter continues a probe past last, which must be an entry returned by
// an earlier probe for the same key. It is how a caller walks the collision
// chain after a mismatch.
func (d *Directory) ProbeAfter(key CacheKey, last BlockCacheDir) (BlockCacheDir, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Probes++
	tag := key.Tag()
	skipping := last.Valid()
	for _, slot := range d.buckets[d.bucket(key)] {
		if skipping {
			if slot.dir.Token == last.Token {
				skipping = false
			}
			continue
		}
		if slot.dir.Tag == tag {
			d.stats.Hits++
			return slot.dir, true
		}
	}
	return BlockCacheDir{}, false
}

// Insert adds a new entry for key at the end of its bucket chain and returns
// it with its tag and token filled in.
func (d *Directory) Insert(key CacheKey, dir BlockCacheDir) BlockCacheDir {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.insertLocked(key, dir)
}

func (d *Directory) insertLocked(key CacheKey, dir BlockCacheDir) BlockCacheDir {
	d.token++
	dir.Token = d.token
	dir.Tag = key.Tag()

	b := d.bucket(key)
	dir.Head = len(d.buckets[b]) == 0
	d.buckets[b] = append(d.buckets[b], dirSlot{key: key.Copy(), dir: dir})
	d.docs[dir.Token] = key.Copy()
	d.dirty = true
	d.stats.Inserts++
	return dir
}

// Delete removes the entry matching both key's tag and dir's token. It
// reports whether an entry was removed.
func (d *Directory) Delete(key CacheKey, dir BlockCacheDir) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	b := d.bucket(key)
	chain := d.buckets[b]
	for i, slot := range chain {
		if slot.dir.Token != dir.Token || slot.dir.Tag != key.Tag() {
			continue
		}
		d.buckets[b] = append(chain[:i], chain[i+1:]...)
		if i == 0 && len(d.buckets[b]) > 0 {
			d.buckets[b][0].dir.Head = true
		}
		delete(d.docs, dir.Token)
		d.dirty = true
		d.stats.Deletes++
		return true
	}
	return false
}

// ReadDocKey returns the key of the document stored at dir.
func (d *Directory) ReadDocKey(ctx context.Context, dir BlockCacheDir) (CacheKey, error) {
	if err := ctx.Err(); err != nil {
		return CacheKey{}, errors.Wrap(err, errors.ErrCodeOperationCanceled, "read doc key canceled")
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	key, ok := d.docs[dir.Token]
	if !ok {
		return CacheKey{}, errors.ErrNotFound.Clone().
			WithComponent("cache.directory").
			WithOperation("read_doc_key").
			WithDetail("token", dir.Token)
	}
	return key, nil
}

// Commit writes dir for key. An entry with dir's token is updated in place;
// otherwise a new entry is inserted. The stored entry is returned.
func (d *Directory) Commit(key CacheKey, dir BlockCacheDir) BlockCacheDir {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stats.Commits++
	if dir.Valid() {
		b := d.bucket(key)
		for i := range d.buckets[b] {
			slot := &d.buckets[b][i]
			if slot.dir.Token != dir.Token {
				continue
			}
			slot.dir.Offset = dir.Offset
			slot.dir.Size = dir.Size
			slot.dir.Phase = dir.Phase
			slot.dir.Pinned = dir.Pinned
			d.dirty = true
			return slot.dir
		}
	}
	return d.insertLocked(key, dir)
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.docs)
}

// Stats returns directory statistics
func (d *Directory) Stats() DirectoryStats {
	d.mu.RLock()
	defer d.mu.RUnlock()
	stats := d.stats
	stats.Entries = len(d.docs)
	return stats
}

type snapshotRecord struct {
	Kind keyKind       `json:"kind"`
	Path string        `json:"path,omitempty"`
	Hash Hash          `json:"hash"`
	Dir  BlockCacheDir `json:"dir"`
}

type snapshot struct {
	Token   uint32           `json:"token"`
	Records []snapshotRecord `json:"records"`
}

// Sync makes the directory durable. With no log path it only clears the
// dirty flag. Every change made before Sync is called is in the log once it
// returns nil, including under concurrent Syncs.
func (d *Directory) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeOperationCanceled, "directory sync canceled")
	}

	d.syncMu.Lock()
	defer d.syncMu.Unlock()

	d.mu.Lock()
	snap := snapshot{Token: d.token}
	for _, chain := range d.buckets {
		for _, slot := range chain {
			snap.Records = append(snap.Records, snapshotRecord{
				Kind: slot.key.kind,
				Path: slot.key.path,
				Hash: slot.key.hash,
				Dir:  slot.dir,
			})
		}
	}
	dirty := d.dirty
	d.dirty = false
	d.stats.Syncs++
	d.mu.Unlock()

	if d.config.LogPath == "" {
		return nil
	}

	payload, err := d.encode(snap)
	if err != nil {
		d.markDirty()
		return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to encode directory snapshot")
	}
	if err := atomic.WriteFile(d.config.LogPath, bytes.NewReader(payload)); err != nil {
		d.markDirty()
		return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to write directory log").
			WithDetail("path", d.config.LogPath)
	}

	d.logger.Debug("directory synced", utils.Fields{
		"entries": len(snap.Records),
		"bytes":   len(payload),
		"dirty":   dirty,
	})
	return nil
}

func (d *Directory) markDirty() {
	d.mu.Lock()
	d.dirty = true
	d.mu.Unlock()
}

// Dirty reports whether there are changes since the last Sync.
func (d *Directory) Dirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.dirty
}

func (d *Directory) encode(snap snapshot) ([]byte, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}
	if !d.config.CompressLog {
		return raw, nil
	}

	var buf bytes.Buffer
	if d.config.LogCodec == CodecLZ4 {
		zw := lz4.NewWriter(&buf)
		if _, err := zw.Write(raw); err != nil {
			_ = zw.Close()
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	enc, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(raw); err != nil {
		_ = enc.Close()
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

var (
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
	lz4Magic  = []byte{0x04, 0x22, 0x4d, 0x18}
)

func (d *Directory) load() error {
	f, err := os.Open(d.config.LogPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to open directory log")
	}
	defer func() { _ = f.Close() }()

	raw, err := io.ReadAll(f)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to read directory log")
	}

	switch {
	case bytes.HasPrefix(raw, lz4Magic):
		if raw, err = io.ReadAll(lz4.NewReader(bytes.NewReader(raw))); err != nil {
			return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to decompress directory log")
		}
	case bytes.HasPrefix(raw, zstdMagic):
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to create log decoder")
		}
		defer dec.Close()
		if raw, err = dec.DecodeAll(raw, nil); err != nil {
			return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to decompress directory log")
		}
	}

	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return errors.Wrap(err, errors.ErrCodeDirectoryIO, "failed to decode directory log")
	}

	for _, rec := range snap.Records {
		key := CacheKey{kind: rec.Kind, path: rec.Path, hash: rec.Hash}
		b := d.bucket(key)
		d.buckets[b] = append(d.buckets[b], dirSlot{key: key, dir: rec.Dir})
		d.docs[rec.Dir.Token] = key
	}
	d.token = snap.Token

	d.logger.Info(fmt.Sprintf("restored %d directory entries", len(snap.Records)), utils.Fields{"path": d.config.LogPath})
	return nil
}
