// Package sha256 names page snapshots by content digest.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ShardedPath spreads artifacts across two-character directories, e.g. "ab/abcdef....html".
func ShardedPath(digest, ext string) string {
	if len(digest) < 2 {
		return digest + ext
	}
	return digest[:2] + "/" + digest + ext
}

// SnapshotKey builds the blob key for a page that no extraction strategy could
// read: "<prefix>/<mode>/<shard>/<digest>.html". An empty prefix is omitted.
func SnapshotKey(prefix, mode, digest string) string {
	key := mode + "/" + ShardedPath(digest, ".html")
	if prefix = strings.Trim(prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	return key
}
