package backend

import "context"

// FileAllocationKind distinguishes the two wire protocols a backend may
// speak (spec.md §3 "FileAllocation").
type FileAllocationKind int

const (
	// KindV1 is the chunked range-append protocol (GitHub Actions cache
	// REST API).
	KindV1 FileAllocationKind = iota
	// KindV2 is the blob append-block protocol (typed RPC + signed URL).
	KindV2
)

// V1Allocation is a reservation under the range-append protocol.
type V1Allocation struct {
	CacheID int64
}

// V2Allocation is a reservation under the blob append-block protocol.
type V2Allocation struct {
	SignedURL string
	Key       string
	Version   string
}

// FileAllocation is a tagged union over the two allocation shapes, the Go
// equivalent of the Rust enum in spec.md §3. Exactly one of V1/V2 is set,
// matching Kind. Owned by exactly one upload task; discarded on
// completion or error.
type FileAllocation struct {
	Kind FileAllocationKind
	V1   *V1Allocation
	V2   *V2Allocation
}

// Client is the contract 4.E UploadQueue / 4.F Pipeline / 4.G
// BinaryCacheHTTP drive against. Two concrete implementations exist:
// ClientV1 (range-append) and ClientV2 (append-block); both share the
// CircuitBreaker (circuitbreaker.go) and reservation-retry
// (reserve_unique.go) plumbing. Only ClientV1 bounds its uploads with a
// concurrency semaphore.
type Client interface {
	// Reserve asks the backend to allocate space for key under version.
	Reserve(ctx context.Context, key, version string) (*FileAllocation, error)
	// ReserveUnique retries Reserve with random suffixes on AlreadyExists.
	ReserveUnique(ctx context.Context, key, version string) (*FileAllocation, string, error)
	// Upload streams chunks from next() to the backend and returns the
	// total byte count written. next returns io.EOF-shaped termination
	// via an empty, nil-error chunk (see internal/chunkreader).
	Upload(ctx context.Context, alloc *FileAllocation, next func() ([]byte, error)) (int64, error)
	// Lookup returns a temporary download URL for the first matching key,
	// or ("", nil) on a confirmed miss.
	Lookup(ctx context.Context, keys []string, version string) (string, error)
	// Breaker exposes the client's circuit breaker for inspection by
	// callers that want to short-circuit before building a request.
	Breaker() *CircuitBreaker
}

// NarKey returns the backend key used for a NAR's compressed bytes.
func NarKey(narHashBase32 string) string {
	return narHashBase32 + ".nar.zstd"
}

// DescriptorKey returns the backend key used for a narinfo descriptor.
func DescriptorKey(storeHash string) string {
	return storeHash + ".narinfo"
}
