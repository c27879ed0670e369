package httpapi

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixcache/nixcache/internal/backend"
	"github.com/nixcache/nixcache/internal/negativecache"
	"github.com/nixcache/nixcache/internal/telemetry"
	"github.com/nixcache/nixcache/internal/version"
)

type fakeBackendClient struct {
	lookupURL string
	lookupErr error
	uploaded  map[string][]byte
	breaker   *backend.CircuitBreaker
}

func newFakeBackendClient() *fakeBackendClient {
	return &fakeBackendClient{uploaded: make(map[string][]byte), breaker: backend.NewCircuitBreaker(nil)}
}

func (f *fakeBackendClient) Reserve(ctx context.Context, key, version string) (*backend.FileAllocation, error) {
	return &backend.FileAllocation{Kind: backend.KindV1, V1: &backend.V1Allocation{CacheID: 1}}, nil
}

func (f *fakeBackendClient) ReserveUnique(ctx context.Context, key, version string) (*backend.FileAllocation, string, error) {
	alloc, err := f.Reserve(ctx, key, version)
	return alloc, key, err
}

func (f *fakeBackendClient) Upload(ctx context.Context, alloc *backend.FileAllocation, next func() ([]byte, error)) (int64, error) {
	var buf []byte
	for {
		chunk, err := next()
		if err != nil {
			return 0, err
		}
		if len(chunk) == 0 {
			break
		}
		buf = append(buf, chunk...)
	}
	f.uploaded["last"] = buf
	return int64(len(buf)), nil
}

func (f *fakeBackendClient) Lookup(ctx context.Context, keys []string, version string) (string, error) {
	return f.lookupURL, f.lookupErr
}

func (f *fakeBackendClient) Breaker() *backend.CircuitBreaker { return f.breaker }

func newTestBinaryCache(fb *fakeBackendClient) (*BinaryCache, *chi.Mux) {
	bc := &BinaryCache{
		Backend:  fb,
		Negative: negativecache.New(),
		Version:  version.New(),
		Metrics:  telemetry.New(),
	}
	r := chi.NewRouter()
	bc.Routes(r)
	return bc, r
}

func TestCacheInfo(t *testing.T) {
	_, r := newTestBinaryCache(newFakeBackendClient())
	req := httptest.NewRequest("GET", "/nix-cache-info", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "StoreDir: /nix/store")
}

func TestGetNarinfoHitRedirects(t *testing.T) {
	fb := newFakeBackendClient()
	fb.lookupURL = "https://blob.example/abc123.narinfo?sig=x"
	_, r := newTestBinaryCache(fb)

	req := httptest.NewRequest("GET", "/abc123.narinfo", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 307, w.Code)
	assert.Equal(t, fb.lookupURL, w.Header().Get("Location"))
}

func TestGetNarinfoMissPopulatesNegativeCacheAndReturns404(t *testing.T) {
	fb := newFakeBackendClient()
	bc, r := newTestBinaryCache(fb)

	req := httptest.NewRequest("GET", "/abc123.narinfo", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 404, w.Code)
	assert.True(t, bc.Negative.Contains("abc123"))
}

func TestGetNarinfoNegativeCacheShortCircuits(t *testing.T) {
	fb := newFakeBackendClient()
	fb.lookupURL = "https://should-not-be-used"
	bc, r := newTestBinaryCache(fb)
	bc.Negative.Insert("abc123")

	req := httptest.NewRequest("GET", "/abc123.narinfo", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 404, w.Code)
}

func TestPutNarinfoUploadsAndClearsNegativeCache(t *testing.T) {
	fb := newFakeBackendClient()
	bc, r := newTestBinaryCache(fb)
	bc.Negative.Insert("abc123")

	body := strings.NewReader("StorePath: /nix/store/abc123-foo\n")
	req := httptest.NewRequest("PUT", "/abc123.narinfo", body)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.False(t, bc.Negative.Contains("abc123"))
	assert.Contains(t, string(fb.uploaded["last"]), "StorePath")
}

func TestPutThenGetNarRoundTrip(t *testing.T) {
	fb := newFakeBackendClient()
	_, r := newTestBinaryCache(fb)

	putReq := httptest.NewRequest("PUT", "/nar/deadbeef.nar.zstd", strings.NewReader("compressed-bytes"))
	putW := httptest.NewRecorder()
	r.ServeHTTP(putW, putReq)
	require.Equal(t, 200, putW.Code)

	fb.lookupURL = "https://blob.example/deadbeef.nar.zstd"
	getReq := httptest.NewRequest("GET", "/nar/deadbeef.nar.zstd", nil)
	getW := httptest.NewRecorder()
	r.ServeHTTP(getW, getReq)
	assert.Equal(t, 307, getW.Code)
}

func TestRedirectsToUpstreamWhenConfigured(t *testing.T) {
	fb := newFakeBackendClient()
	bc, r := newTestBinaryCache(fb)
	bc.Upstreams = []string{"https://cache.nixos.org"}

	req := httptest.NewRequest("GET", "/abc123.narinfo", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 307, w.Code)
	assert.Equal(t, "https://cache.nixos.org/abc123.narinfo", w.Header().Get("Location"))
}

func TestGetNarinfoBadNameReturnsBadRequest(t *testing.T) {
	_, r := newTestBinaryCache(newFakeBackendClient())
	req := httptest.NewRequest("GET", "/not-a-narinfo", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, 400, w.Code)
}

func TestThrottledLookupPropagates429(t *testing.T) {
	fb := newFakeBackendClient()
	fb.lookupErr = &backend.ErrThrottled{Status: 429}
	_, r := newTestBinaryCache(fb)

	req := httptest.NewRequest("GET", "/abc123.narinfo", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 429, w.Code)
}
