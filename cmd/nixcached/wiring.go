package main

import (
	"errors"

	"github.com/nixcache/nixcache/internal/backend"
	"github.com/nixcache/nixcache/internal/negativecache"
	"github.com/nixcache/nixcache/internal/pipeline"
	"github.com/nixcache/nixcache/internal/store"
	"github.com/nixcache/nixcache/internal/telemetry"
	"github.com/nixcache/nixcache/internal/uploadqueue"
	"github.com/nixcache/nixcache/internal/version"
)

// errNoObjectStore is returned by the default objectStoreFactory: spec.md
// §1 treats ObjectStore as an external collaborator ("the local
// object-store reader") with no concrete implementation owned by this
// repo, the same boundary the original implementation drew around its
// own Nix-store client library.
var errNoObjectStore = errors.New("no ObjectStore implementation is wired into this binary")

// objectStoreFactory is the injection seam a real deployment overrides
// (e.g. in its own main, or a build-tag-selected file in this package)
// with an adapter over the local nix-daemon Unix socket. run() calls
// through this variable rather than a hardcoded constructor so the
// stub can be swapped without touching run()'s wiring.
var objectStoreFactory = newObjectStore

func newObjectStore() (store.ObjectStore, error) {
	return nil, errNoObjectStore
}

func newPipeline(objStore store.ObjectStore, client backend.Client, neg *negativecache.Cache, metrics *telemetry.Metrics, v *version.CacheVersion, chunkSize int) *pipeline.Pipeline {
	return &pipeline.Pipeline{
		Store:     objStore,
		Backend:   client,
		Negative:  neg,
		Metrics:   metrics,
		Version:   v,
		ChunkSize: chunkSize,
	}
}

func newUploadQueue(objStore store.ObjectStore, p *pipeline.Pipeline, breaker *backend.CircuitBreaker) *uploadqueue.Queue {
	return uploadqueue.New(objStore, p, breaker, nil)
}
