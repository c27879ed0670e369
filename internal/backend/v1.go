// Package backend implements the two wire protocols spoken to the remote
// GitHub-Actions-style cache backend: the chunked range-append protocol
// (V1, this file) and the blob append-block protocol (v2.go). Both are
// grounded on rclone's chunked large-object upload backends
// (backend/b2/upload.go for the parallel-chunk, commit-after-all-succeed
// shape; backend/azureblob/azureblob.go for the strictly-ordered
// append-block shape) and share the reservation-retry and
// circuit-breaker plumbing in reserve_unique.go / circuitbreaker.go.
package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nixcache/nixcache/internal/logging"
)

// DefaultMaxConcurrency bounds outbound upload connections per
// BackendClient instance (spec.md §5: "a semaphore of size
// MAX_CONCURRENCY (4-5), per BackendClient instance").
const DefaultMaxConcurrency = 5

type createCacheRequest struct {
	Key       string `json:"key"`
	Version   string `json:"version"`
	CacheSize int64  `json:"cacheSize,omitempty"`
}

type createCacheResponse struct {
	CacheID int64 `json:"cacheId"`
}

type commitCacheRequest struct {
	Size int64 `json:"size"`
}

type artifactCacheEntry struct {
	ArchiveLocation string `json:"archiveLocation"`
}

// ClientV1 implements Client against the GitHub Actions cache REST API
// (spec.md §6 "Remote cache backend v1").
type ClientV1 struct {
	http *httpCaller

	// tokenMu guards token. Writes happen only from the credential
	// refresher goroutine (spec.md §5 "Credential refresh"); reads
	// always see a consistent value.
	tokenMu sync.RWMutex
	token   string

	sem     *semaphore.Weighted
	breaker *CircuitBreaker
	log     logging.Identity
}

// NewClientV1 builds a V1 client. baseURL should not have a trailing
// slash. maxConcurrency <= 0 selects DefaultMaxConcurrency.
func NewClientV1(httpClient *http.Client, baseURL, token string, maxConcurrency int, onTrip func(), log logging.Identity) *ClientV1 {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	return &ClientV1{
		http:    newHTTPCaller(httpClient, baseURL+"/_apis/artifactcache", log),
		token:   token,
		sem:     semaphore.NewWeighted(int64(maxConcurrency)),
		breaker: NewCircuitBreaker(onTrip),
		log:     log,
	}
}

func (c *ClientV1) String() string { return "backend-v1" }

// Breaker implements Client.
func (c *ClientV1) Breaker() *CircuitBreaker { return c.breaker }

func (c *ClientV1) authHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.Token(),
		"Accept":        "application/json;api-version=6.0-preview.1",
		"User-Agent":    "nixcache/1.0",
	}
}

// Token returns the current bearer token.
func (c *ClientV1) Token() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()
	return c.token
}

// SetToken atomically swaps the bearer token, satisfying
// internal/backend's TokenSetter contract used by the credential
// refresher (spec.md §5 "Credential refresh").
func (c *ClientV1) SetToken(token string) {
	c.tokenMu.Lock()
	defer c.tokenMu.Unlock()
	c.token = token
}

// Reserve implements Client.
func (c *ClientV1) Reserve(ctx context.Context, key, version string) (*FileAllocation, error) {
	if c.breaker.Tripped() {
		return nil, &ErrCircuitBreakerTripped{}
	}
	req := createCacheRequest{Key: key, Version: version}
	var resp createCacheResponse
	httpResp, err := c.http.callJSON(ctx, http.MethodPost, "/caches", c.authHeaders(), req, &resp)
	c.breaker.Observe(httpResp, err)
	if err != nil {
		return nil, err
	}
	return &FileAllocation{Kind: KindV1, V1: &V1Allocation{CacheID: resp.CacheID}}, nil
}

// ReserveUnique implements Client.
func (c *ClientV1) ReserveUnique(ctx context.Context, key, version string) (*FileAllocation, string, error) {
	return reserveUnique(ctx, c.log, key, version, c.Reserve)
}

// Upload implements Client for the V1 range-append protocol: chunks are
// PATCHed in parallel (order does not matter, the backend assembles by
// byte range) up to the concurrency semaphore, then a single commit POST
// is issued once every chunk has succeeded.
func (c *ClientV1) Upload(ctx context.Context, alloc *FileAllocation, next func() ([]byte, error)) (int64, error) {
	if alloc.Kind != KindV1 || alloc.V1 == nil {
		return 0, &ErrIO{Context: "upload", Cause: fmt.Errorf("allocation is not a V1 allocation")}
	}
	if c.breaker.Tripped() {
		return 0, &ErrCircuitBreakerTripped{}
	}

	g, gCtx := errgroup.WithContext(ctx)
	var total int64

	for {
		chunk, err := next()
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			break
		}
		offset := total
		length := int64(len(chunk))
		total += length

		if err := c.sem.Acquire(gCtx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer c.sem.Release(1)
			return c.patchChunk(gCtx, alloc.V1.CacheID, offset, offset+length-1, chunk)
		})
	}

	if err := g.Wait(); err != nil {
		return 0, err
	}

	if err := c.commit(ctx, alloc.V1.CacheID, total); err != nil {
		return 0, err
	}
	return total, nil
}

func (c *ClientV1) patchChunk(ctx context.Context, cacheID, lo, hi int64, body []byte) error {
	headers := c.authHeaders()
	headers["Content-Type"] = "application/octet-stream"
	headers["Content-Range"] = fmt.Sprintf("bytes %d-%d/*", lo, hi)
	url := fmt.Sprintf("%s/caches/%d", c.http.base, cacheID)
	resp, err := c.http.rawBody(ctx, http.MethodPatch, url, headers, body)
	c.breaker.Observe(resp, err)
	if err != nil {
		logging.Debugf(c.log, "PATCH chunk [%d-%d] for cache %d failed: %v", lo, hi, cacheID, err)
	}
	return err
}

func (c *ClientV1) commit(ctx context.Context, cacheID, size int64) error {
	req := commitCacheRequest{Size: size}
	path := fmt.Sprintf("/caches/%d", cacheID)
	resp, err := c.http.callJSON(ctx, http.MethodPost, path, c.authHeaders(), req, nil)
	c.breaker.Observe(resp, err)
	return err
}

// Lookup implements Client. A 204 response means miss.
func (c *ClientV1) Lookup(ctx context.Context, keys []string, version string) (string, error) {
	if c.breaker.Tripped() {
		return "", &ErrCircuitBreakerTripped{}
	}
	path := fmt.Sprintf("/cache?version=%s&keys=%s", version, strings.Join(keys, ","))
	var entry artifactCacheEntry
	resp, err := c.http.callJSON(ctx, http.MethodGet, path, c.authHeaders(), nil, &entry)
	c.breaker.Observe(resp, err)
	if err != nil {
		return "", err
	}
	if resp != nil && resp.StatusCode == http.StatusNoContent {
		return "", nil
	}
	return entry.ArchiveLocation, nil
}
