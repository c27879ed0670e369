// Package uploadqueue implements the single-consumer work queue that
// deduplicates store paths, expands filesystem closures, and drives the
// per-path pipeline (spec.md §4.E), grounded on rclone's single
// background-worker patterns (e.g. the VFS cache's writeback queue) of
// a channel plus a dedicated consumer goroutine. The channel is buffered
// (1024 jobs), not unbounded.
package uploadqueue

import (
	"context"

	"github.com/nixcache/nixcache/internal/backend"
	"github.com/nixcache/nixcache/internal/logging"
	"github.com/nixcache/nixcache/internal/store"
)

// Runner is the per-path upload step (internal/pipeline.Pipeline
// satisfies this), kept as a narrow interface so the queue doesn't
// import the pipeline package's dependency graph.
type Runner interface {
	Run(ctx context.Context, p store.StorePath) error
}

// job is either a real upload request or the distinguished shutdown
// marker.
type job struct {
	path     store.StorePath
	shutdown bool
}

// Queue is the single-consumer upload queue. Zero value is not usable;
// construct with New.
type Queue struct {
	store   store.ObjectStore
	runner  Runner
	breaker *backend.CircuitBreaker
	log     logging.Identity

	jobs chan job
	done chan struct{}

	// seen is owned exclusively by the consumer goroutine (consume);
	// no lock is needed since nothing else touches it.
	seen map[string]struct{}
}

func (q *Queue) String() string { return "upload-queue" }

// New builds a queue and starts its single consumer goroutine.
func New(objStore store.ObjectStore, runner Runner, breaker *backend.CircuitBreaker, log logging.Identity) *Queue {
	q := &Queue{
		store:   objStore,
		runner:  runner,
		breaker: breaker,
		log:     log,
		jobs:    make(chan job, 1024),
		done:    make(chan struct{}),
		seen:    make(map[string]struct{}),
	}
	go q.consume()
	return q
}

// Enqueue hands seeds to the queue. The queue expands each seed's
// closure via ObjectStore.Closure before driving uploads, so
// transitively referenced paths are uploaded too (spec.md §4.E).
// Enqueue expands the closure (a local store query) and then hands jobs
// to the channel; while the channel's 1024-job buffer is full it blocks
// until the consumer takes jobs, or until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, seeds []store.StorePath) error {
	if len(seeds) == 0 {
		return nil
	}
	expanded, err := q.store.Closure(ctx, seeds)
	if err != nil {
		return err
	}
	for _, p := range expanded {
		select {
		case q.jobs <- job{path: p}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown sends the distinguished shutdown marker and blocks until the
// consumer has drained every job enqueued before it and exited.
func (q *Queue) Shutdown(ctx context.Context) error {
	select {
	case q.jobs <- job{shutdown: true}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) consume() {
	defer close(q.done)
	for j := range q.jobs {
		if j.shutdown {
			return
		}
		q.handle(j.path)
	}
}

func (q *Queue) handle(p store.StorePath) {
	if q.breaker != nil && q.breaker.Tripped() {
		logging.Debugf(q, "dropping %s: circuit breaker tripped", p)
		return
	}
	if _, ok := q.seen[p.Hash]; ok {
		return
	}
	q.seen[p.Hash] = struct{}{}

	if err := q.runner.Run(context.Background(), p); err != nil {
		logging.Errorf(q, "upload failed for %s: %v", p, err)
	}
}
