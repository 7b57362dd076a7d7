package cache

import (
	"crypto/md5"
	"encoding/binary"
	"encoding/hex"
)

// HashSize is the width of a content hash key.
const HashSize = md5.Size

// tagBits is the width of the directory tag taken from a key's digest.
const tagBits = 12

// Hash is a fixed-width content hash.
type Hash [HashSize]byte

// String returns the hash in hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

type keyKind uint8

const (
	keyNone keyKind = iota
	keyPath
	keyHash
)

// CacheKey identifies a cached object either by path or by content hash.
// The two forms are exclusive; a key built from one never carries the other.
type CacheKey struct {
	kind keyKind
	path string
	hash Hash
}

// NewPathKey returns a key for a path.
func NewPathKey(path string) CacheKey {
	return CacheKey{kind: keyPath, path: path}
}

// NewHashKey returns a key for a precomputed content hash.
func NewHashKey(h Hash) CacheKey {
	return CacheKey{kind: keyHash, hash: h}
}

// IsZero reports whether k was never initialized.
func (k CacheKey) IsZero() bool { return k.kind == keyNone }

// IsPath reports whether k is a path key.
func (k CacheKey) IsPath() bool { return k.kind == keyPath }

// IsHash reports whether k is a hash key.
func (k CacheKey) IsHash() bool { return k.kind == keyHash }

// Path returns the path of a path key.
func (k CacheKey) Path() string { return k.path }

// Hash returns the hash of a hash key.
func (k CacheKey) Hash() Hash { return k.hash }

// Copy returns an equivalent key from the same representation.
func (k CacheKey) Copy() CacheKey {
	return CacheKey{kind: k.kind, path: k.path, hash: k.hash}
}

// Equal reports whether k and o have the same representation and value.
func (k CacheKey) Equal(o CacheKey) bool {
	return k.kind == o.kind && k.path == o.path && k.hash == o.hash
}

// Digest returns the key's directory identity: the hash itself for a hash
// key, the MD5 of the path for a path key.
func (k CacheKey) Digest() Hash {
	switch k.kind {
	case keyHash:
		return k.hash
	case keyPath:
		return md5.Sum([]byte(k.path))
	default:
		return Hash{}
	}
}

// Matches reports whether k and o resolve to the same directory identity,
// regardless of representation.
func (k CacheKey) Matches(o CacheKey) bool {
	return !k.IsZero() && !o.IsZero() && k.Digest() == o.Digest()
}

// Tag returns the directory tag derived from the digest.
func (k CacheKey) Tag() uint16 {
	d := k.Digest()
	return binary.LittleEndian.Uint16(d[HashSize-2:]) & (1<<tagBits - 1)
}

// String returns a printable form of the key.
func (k CacheKey) String() string {
	switch k.kind {
	case keyPath:
		return "path:" + k.path
	case keyHash:
		return "hash:" + k.hash.String()
	default:
		return "<none>"
	}
}
