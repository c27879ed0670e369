// Package httpapi implements the two loopback-bound HTTP surfaces this
// daemon exposes: the binary-cache substituter protocol (spec.md §4.G)
// and the workflow lifecycle API (spec.md §4.H). Routing uses
// github.com/go-chi/chi/v5 (present in the teacher's go.mod, wired here
// concretely since no router implementation survived retrieval).
package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nixcache/nixcache/internal/backend"
	"github.com/nixcache/nixcache/internal/chunkreader"
	"github.com/nixcache/nixcache/internal/logging"
	"github.com/nixcache/nixcache/internal/negativecache"
	"github.com/nixcache/nixcache/internal/telemetry"
	"github.com/nixcache/nixcache/internal/version"
)

const nixCacheInfo = "WantMassQuery: 1\nStoreDir: /nix/store\nPriority: 41\n"

// BinaryCache serves the substituter protocol (spec.md §4.G).
type BinaryCache struct {
	Backend   backend.Client
	Negative  *negativecache.Cache
	Version   *version.CacheVersion
	Upstreams []string // on miss, only the first entry is used as the redirect target
	Metrics   *telemetry.Metrics
	Log       logging.Identity
}

func (b *BinaryCache) String() string { return "binary-cache-http" }

// Routes mounts the binary-cache endpoints onto r.
func (b *BinaryCache) Routes(r chi.Router) {
	r.Get("/nix-cache-info", b.handleCacheInfo)
	r.Get("/{name}", b.handleGetNarinfo)
	r.Put("/{name}", b.handlePutNarinfo)
	r.Get("/nar/{path}", b.handleGetNar)
	r.Put("/nar/{path}", b.handlePutNar)
}

func (b *BinaryCache) handleCacheInfo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/x-nix-narinfo")
	_, _ = w.Write([]byte(nixCacheInfo))
}

func narinfoHash(name string) (string, bool) {
	const suffix = ".narinfo"
	if !strings.HasSuffix(name, suffix) {
		return "", false
	}
	return strings.TrimSuffix(name, suffix), true
}

func (b *BinaryCache) handleGetNarinfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	hash, ok := narinfoHash(name)
	if !ok {
		writeError(w, &backend.ErrBackend{Status: http.StatusBadRequest, Message: "not a narinfo request"})
		return
	}

	if b.Negative.Contains(hash) {
		b.Metrics.NarinfosNegativeCacheHits.Inc()
		b.redirectUpstreamOrNotFound(w, r, name)
		return
	}

	url, err := b.Backend.Lookup(r.Context(), []string{backend.DescriptorKey(hash)}, b.Version.Hex())
	if err != nil {
		b.handleBackendError(w, err)
		return
	}
	if url != "" {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	b.Negative.Insert(hash)
	b.Metrics.NarinfosNegativeCacheMiss.Inc()
	b.redirectUpstreamOrNotFound(w, r, name)
}

func (b *BinaryCache) redirectUpstreamOrNotFound(w http.ResponseWriter, r *http.Request, suffixPath string) {
	for _, up := range b.Upstreams {
		if strings.HasSuffix(suffixPath, ".narinfo") {
			b.Metrics.NarinfosSentUpstream.Inc()
		}
		http.Redirect(w, r, strings.TrimSuffix(up, "/")+"/"+suffixPath, http.StatusTemporaryRedirect)
		return
	}
	http.NotFound(w, r)
}

func (b *BinaryCache) handlePutNarinfo(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	hash, ok := narinfoHash(name)
	if !ok {
		writeError(w, &backend.ErrBackend{Status: http.StatusBadRequest, Message: "not a narinfo request"})
		return
	}

	if err := b.uploadBody(r, backend.DescriptorKey(hash)); err != nil {
		b.handleBackendError(w, err)
		return
	}
	b.Negative.Remove(hash)
	b.Metrics.DescriptorUploadsTotal.Inc()
	w.WriteHeader(http.StatusOK)
}

func (b *BinaryCache) handleGetNar(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	url, err := b.Backend.Lookup(r.Context(), []string{path}, b.Version.Hex())
	if err != nil {
		b.handleBackendError(w, err)
		return
	}
	if url != "" {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}
	b.redirectUpstreamOrNotFound(w, r, "nar/"+path)
}

func (b *BinaryCache) handlePutNar(w http.ResponseWriter, r *http.Request) {
	path := chi.URLParam(r, "path")
	if err := b.uploadBody(r, path); err != nil {
		b.handleBackendError(w, err)
		return
	}
	b.Metrics.NarUploadsTotal.Inc()
	w.WriteHeader(http.StatusOK)
}

// uploadBody streams the request body to the backend without fully
// buffering it in memory (spec.md §4.G "Streaming"), chunked by
// chunkreader and handed to backend.Client.Upload's next() contract.
func (b *BinaryCache) uploadBody(r *http.Request, key string) error {
	alloc, _, err := b.Backend.ReserveUnique(r.Context(), key, b.Version.Hex())
	if err != nil {
		return err
	}
	cr := chunkreader.New(r.Body, 0)
	_, err = b.Backend.Upload(r.Context(), alloc, cr.Next)
	return err
}

func (b *BinaryCache) handleBackendError(w http.ResponseWriter, err error) {
	writeError(w, err)
}

// writeError implements spec.md §4.G's error mapping: NotFound/BadRequest
// map to their HTTP codes; 429 (Throttled) propagates so upstream
// orchestration can back off; every other backend error maps to 418 so
// the client displays a visible, non-retried error.
func writeError(w http.ResponseWriter, err error) {
	var be *backend.ErrBackend
	if errors.As(err, &be) {
		switch be.Status {
		case http.StatusNotFound, http.StatusBadRequest:
			http.Error(w, be.Error(), be.Status)
			return
		}
	}
	if backend.IsThrottled(err) {
		http.Error(w, "throttled", http.StatusTooManyRequests)
		return
	}
	http.Error(w, err.Error(), http.StatusTeapot)
}
