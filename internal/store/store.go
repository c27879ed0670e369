// Package store defines the contract this daemon shares with the local
// object-store reader, which spec.md §1 explicitly treats as an external
// collaborator: "the local object-store reader (treated as ObjectStore
// with the operations listed in §6)". This package owns only the
// vocabulary (StorePath, ValidPathInfo) and the interface; no concrete
// implementation lives in this repo.
//
// Field names follow the go-nix daemon-client convention seen in
// other_examples' pkg/daemon client (NarHash, NarSize, References,
// Deriver) rather than inventing new ones.
package store

import "context"

// StorePath identifies an object in the local content-addressed store.
// Immutable once constructed.
type StorePath struct {
	// Hash is the base-32 fingerprint, e.g. the "abc123..." prefix of
	// /nix/store/abc123...-name.
	Hash string
	// Path is the full filesystem location.
	Path string
}

func (p StorePath) String() string { return p.Path }

// ContentAddress is the optional content-address descriptor carried on a
// ValidPathInfo, forwarded verbatim into the serialized NarInfo's CA
// field per SPEC_FULL.md §4's CA pass-through supplement.
type ContentAddress struct {
	Algorithm string
	Hash      string
}

// ValidPathInfo is read-only metadata about a store object, queried from
// an ObjectStore.
type ValidPathInfo struct {
	NarHash    string
	NarSize    int64
	References []StorePath
	CA         *ContentAddress
	Deriver    string
}

// ObjectStore is the external collaborator contract for the local Nix
// store. Every method may block on local I/O; callers invoke it from
// goroutines, never from a lock-held section.
type ObjectStore interface {
	// Query returns metadata for p, or an error if p is not a valid path.
	Query(ctx context.Context, p StorePath) (*ValidPathInfo, error)
	// NarStream opens a streaming reader over the canonical NAR
	// serialization of p's directory tree. The caller must Close it.
	NarStream(ctx context.Context, p StorePath) (ReadCloser, error)
	// Closure returns the transitive reference set of the given seed
	// paths (including the seeds themselves), insertion-ordered by
	// first appearance with no topological guarantee required.
	Closure(ctx context.Context, seeds []StorePath) ([]StorePath, error)
	// Follow resolves a string path (as received over the Workflow API
	// or a build event) to a StorePath, validating it exists.
	Follow(ctx context.Context, path string) (StorePath, error)
	// ListPaths enumerates every store path currently present, used by
	// WorkflowAPI's start/finish snapshot-and-diff.
	ListPaths(ctx context.Context) ([]StorePath, error)
}

// ReadCloser is the narrow streaming-read surface NarStream returns; kept
// as its own name (rather than io.ReadCloser directly) so mocks in tests
// don't need to satisfy the wider io package surface.
type ReadCloser interface {
	Read(p []byte) (n int, err error)
	Close() error
}
