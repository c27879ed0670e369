package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/go-chi/chi/v5"

	"github.com/nixcache/nixcache/internal/logging"
	"github.com/nixcache/nixcache/internal/remotecache"
	"github.com/nixcache/nixcache/internal/store"
	"github.com/nixcache/nixcache/internal/telemetry"
	"github.com/nixcache/nixcache/internal/uploadqueue"
)

// Workflow serves the lifecycle endpoints (spec.md §4.H): a snapshot at
// start, a diff-and-drain at finish, and a direct enqueue path for any
// caller that already knows which paths it built. (The build-event
// subscriber does not use this endpoint; it calls the upload queue
// directly.)
type Workflow struct {
	Store   store.ObjectStore
	Queue   *uploadqueue.Queue
	Session remotecache.Session
	Metrics *telemetry.Metrics
	Log     logging.Identity

	// Shutdown receives exactly one value, sent by workflow-finish, to
	// signal the Supervisor's state machine to move Running -> Draining ->
	// Stopped. The channel is never closed. Callers pass a buffered
	// channel of size 1 so finish never blocks on a slow supervisor.
	Shutdown chan<- struct{}

	mu            sync.Mutex
	originalPaths map[string]struct{}
	haveOriginal  bool
	shutdownOnce  sync.Once
}

func (w *Workflow) String() string { return "workflow-api" }

// Routes mounts the lifecycle endpoints onto r.
func (w *Workflow) Routes(r chi.Router) {
	r.Post("/api/workflow-start", w.handleStart)
	r.Post("/api/workflow-finish", w.handleFinish)
	r.Post("/api/enqueue-paths", w.handleEnqueue)
}

type startRequest struct {
	DisableSnapshot bool `json:"disable_snapshot"`
}

type startResponse struct {
	NumOriginalPaths *int `json:"num_original_paths"`
}

func (w *Workflow) handleStart(wr http.ResponseWriter, r *http.Request) {
	var req startRequest
	// A missing or empty body is valid: snapshotting defaults to enabled.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if req.DisableSnapshot {
		w.mu.Lock()
		w.haveOriginal = false
		w.originalPaths = nil
		w.mu.Unlock()
		writeJSON(wr, http.StatusOK, startResponse{NumOriginalPaths: nil})
		return
	}

	paths, err := w.Store.ListPaths(r.Context())
	if err != nil {
		http.Error(wr, err.Error(), http.StatusInternalServerError)
		return
	}

	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[p.Hash] = struct{}{}
	}

	w.mu.Lock()
	w.originalPaths = set
	w.haveOriginal = true
	w.mu.Unlock()

	n := len(set)
	writeJSON(wr, http.StatusOK, startResponse{NumOriginalPaths: &n})
}

type finishResponse struct {
	NumOriginalPaths *int `json:"num_original_paths"`
	NumFinalPaths    *int `json:"num_final_paths"`
	NumNewPaths      *int `json:"num_new_paths"`
}

func (w *Workflow) handleFinish(wr http.ResponseWriter, r *http.Request) {
	w.mu.Lock()
	original := w.originalPaths
	haveOriginal := w.haveOriginal
	w.mu.Unlock()

	resp := finishResponse{}

	if haveOriginal {
		final, err := w.Store.ListPaths(r.Context())
		if err != nil {
			http.Error(wr, err.Error(), http.StatusInternalServerError)
			return
		}

		var newPaths []store.StorePath
		for _, p := range final {
			if _, seen := original[p.Hash]; !seen {
				newPaths = append(newPaths, p)
			}
		}

		if err := w.Queue.Enqueue(r.Context(), newPaths); err != nil {
			logging.Errorf(w, "workflow-finish: enqueuing new paths: %v", err)
		}
		if w.Metrics != nil {
			w.Metrics.PathsEnqueuedTotal.Add(float64(len(newPaths)))
		}

		numOriginal, numFinal, numNew := len(original), len(final), len(newPaths)
		resp = finishResponse{
			NumOriginalPaths: &numOriginal,
			NumFinalPaths:    &numFinal,
			NumNewPaths:      &numNew,
		}
	}

	if err := w.Queue.Shutdown(r.Context()); err != nil {
		logging.Errorf(w, "workflow-finish: draining upload queue: %v", err)
	}
	if w.Session != nil {
		if err := w.Session.Drain(r.Context()); err != nil {
			logging.Errorf(w, "workflow-finish: draining remote cache session: %v", err)
		}
	}

	w.signalShutdown()
	writeJSON(wr, http.StatusOK, resp)
}

func (w *Workflow) signalShutdown() {
	w.shutdownOnce.Do(func() {
		if w.Shutdown != nil {
			w.Shutdown <- struct{}{}
		}
	})
}

type enqueueRequest struct {
	StorePaths []string `json:"store_paths"`
}

func (w *Workflow) handleEnqueue(wr http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(wr, "malformed request body", http.StatusBadRequest)
		return
	}

	paths := make([]store.StorePath, 0, len(req.StorePaths))
	for _, raw := range req.StorePaths {
		sp, err := w.Store.Follow(r.Context(), raw)
		if err != nil {
			logging.Errorf(w, "enqueue-paths: following %q: %v", raw, err)
			continue
		}
		paths = append(paths, sp)
	}

	if err := w.Queue.Enqueue(r.Context(), paths); err != nil {
		http.Error(wr, err.Error(), http.StatusInternalServerError)
		return
	}
	if w.Session != nil {
		for _, p := range paths {
			if err := w.Session.Enqueue(context.Background(), p); err != nil {
				logging.Errorf(w, "enqueue-paths: remote cache session rejected %s: %v", p, err)
			}
		}
	}
	if w.Metrics != nil {
		w.Metrics.PathsEnqueuedTotal.Add(float64(len(paths)))
	}

	writeJSON(wr, http.StatusOK, struct{}{})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
