package cache

import "fmt"

// BlockCacheDir is a directory entry: where a segment's document lives and
// the tag used to match it against a key. Entries are small values and are
// passed around as snapshots.
type BlockCacheDir struct {
	Offset uint64 `json:"offset"`
	Size   uint32 `json:"size"`
	Tag    uint16 `json:"tag"`
	Phase  bool   `json:"phase"`
	Head   bool   `json:"head"`
	Pinned bool   `json:"pinned"`
	// Token identifies the entry within its directory. Zero means the entry
	// has not been inserted.
	Token uint32 `json:"token"`
}

// Valid reports whether the entry came from a directory.
func (d BlockCacheDir) Valid() bool {
	return d.Token != 0
}

func (d BlockCacheDir) String() string {
	return fmt.Sprintf("dir{token=%d offset=%d size=%d tag=%#x head=%t}", d.Token, d.Offset, d.Size, d.Tag, d.Head)
}
