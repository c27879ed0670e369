// Package version implements CacheVersion (spec.md §3): a rolling
// SHA-256 state that scopes all lookups and uploads, frozen after
// startup. Two daemons with different CacheVersions see disjoint caches.
package version

import (
	"crypto/sha256"
	"encoding/hex"
)

// CacheVersion accumulates bytes into a SHA-256 state and exposes the hex
// digest as the namespace parameter every outbound backend request
// carries. Built once at startup (cmd/nixcached) and read-only thereafter;
// spec.md §5 notes no locking is needed because of that single-writer
// discipline — Append must only be called before the daemon starts
// serving.
type CacheVersion struct {
	h      [32]byte
	frozen bool
}

// New starts an empty version.
func New() *CacheVersion {
	return &CacheVersion{}
}

// Append mutates the version by folding in more bytes. Panics if called
// after Freeze, since CacheVersion is documented as read-only thereafter.
func (v *CacheVersion) Append(b []byte) {
	if v.frozen {
		panic("version: Append called on a frozen CacheVersion")
	}
	hasher := sha256.New()
	hasher.Write(v.h[:])
	hasher.Write(b)
	copy(v.h[:], hasher.Sum(nil))
}

// Freeze locks the version against further mutation.
func (v *CacheVersion) Freeze() { v.frozen = true }

// Hex returns the hex-encoded digest used as the namespace parameter.
func (v *CacheVersion) Hex() string {
	return hex.EncodeToString(v.h[:])
}

func (v *CacheVersion) String() string { return v.Hex() }
