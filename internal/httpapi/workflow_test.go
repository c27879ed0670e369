package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixcache/nixcache/internal/store"
	"github.com/nixcache/nixcache/internal/uploadqueue"
)

type fakeWorkflowStore struct {
	paths   []store.StorePath
	follow  map[string]store.StorePath
	followErr map[string]error
}

func (f *fakeWorkflowStore) Query(ctx context.Context, p store.StorePath) (*store.ValidPathInfo, error) {
	return nil, nil
}
func (f *fakeWorkflowStore) NarStream(ctx context.Context, p store.StorePath) (store.ReadCloser, error) {
	return nil, nil
}
func (f *fakeWorkflowStore) Closure(ctx context.Context, seeds []store.StorePath) ([]store.StorePath, error) {
	return seeds, nil
}
func (f *fakeWorkflowStore) Follow(ctx context.Context, path string) (store.StorePath, error) {
	if err, ok := f.followErr[path]; ok {
		return store.StorePath{}, err
	}
	if sp, ok := f.follow[path]; ok {
		return sp, nil
	}
	return store.StorePath{Hash: path, Path: path}, nil
}
func (f *fakeWorkflowStore) ListPaths(ctx context.Context) ([]store.StorePath, error) {
	return f.paths, nil
}

type noopRunner struct{}

func (noopRunner) Run(ctx context.Context, p store.StorePath) error { return nil }

func newTestWorkflow(st *fakeWorkflowStore) (*Workflow, *chi.Mux, chan struct{}) {
	q := uploadqueue.New(st, noopRunner{}, nil, nil)
	shutdown := make(chan struct{}, 1)
	w := &Workflow{
		Store:    st,
		Queue:    q,
		Shutdown: shutdown,
	}
	r := chi.NewRouter()
	w.Routes(r)
	return w, r, shutdown
}

func TestWorkflowStartSnapshotsAndFinishDiffs(t *testing.T) {
	st := &fakeWorkflowStore{paths: []store.StorePath{{Hash: "a"}, {Hash: "b"}}}
	_, r, shutdown := newTestWorkflow(st)

	startReq := httptest.NewRequest("POST", "/api/workflow-start", nil)
	startW := httptest.NewRecorder()
	r.ServeHTTP(startW, startReq)
	require.Equal(t, 200, startW.Code)

	var startResp startResponse
	require.NoError(t, json.Unmarshal(startW.Body.Bytes(), &startResp))
	require.NotNil(t, startResp.NumOriginalPaths)
	assert.Equal(t, 2, *startResp.NumOriginalPaths)

	st.paths = append(st.paths, store.StorePath{Hash: "c"}, store.StorePath{Hash: "d"})

	finishReq := httptest.NewRequest("POST", "/api/workflow-finish", nil)
	finishW := httptest.NewRecorder()
	r.ServeHTTP(finishW, finishReq)
	require.Equal(t, 200, finishW.Code)

	var finishResp finishResponse
	require.NoError(t, json.Unmarshal(finishW.Body.Bytes(), &finishResp))
	require.NotNil(t, finishResp.NumNewPaths)
	assert.Equal(t, 2, *finishResp.NumOriginalPaths)
	assert.Equal(t, 4, *finishResp.NumFinalPaths)
	assert.Equal(t, 2, *finishResp.NumNewPaths)

	select {
	case <-shutdown:
	default:
		t.Fatal("expected workflow-finish to signal shutdown")
	}
}

func TestWorkflowStartWithDisabledSnapshotSkipsDiff(t *testing.T) {
	st := &fakeWorkflowStore{paths: []store.StorePath{{Hash: "a"}}}
	_, r, _ := newTestWorkflow(st)

	body, _ := json.Marshal(startRequest{DisableSnapshot: true})
	startReq := httptest.NewRequest("POST", "/api/workflow-start", bytes.NewReader(body))
	startW := httptest.NewRecorder()
	r.ServeHTTP(startW, startReq)

	var startResp startResponse
	require.NoError(t, json.Unmarshal(startW.Body.Bytes(), &startResp))
	assert.Nil(t, startResp.NumOriginalPaths)

	finishReq := httptest.NewRequest("POST", "/api/workflow-finish", nil)
	finishW := httptest.NewRecorder()
	r.ServeHTTP(finishW, finishReq)

	var finishResp finishResponse
	require.NoError(t, json.Unmarshal(finishW.Body.Bytes(), &finishResp))
	assert.Nil(t, finishResp.NumOriginalPaths)
	assert.Nil(t, finishResp.NumNewPaths)
}

func TestEnqueuePathsFollowsAndSkipsInvalid(t *testing.T) {
	st := &fakeWorkflowStore{
		followErr: map[string]error{"/nix/store/bad": assertErr},
	}
	_, r, _ := newTestWorkflow(st)

	body, _ := json.Marshal(enqueueRequest{StorePaths: []string{"/nix/store/ok", "/nix/store/bad"}})
	req := httptest.NewRequest("POST", "/api/enqueue-paths", bytes.NewReader(body))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 200, w.Code)
}

func TestEnqueuePathsMalformedBodyIsBadRequest(t *testing.T) {
	st := &fakeWorkflowStore{}
	_, r, _ := newTestWorkflow(st)

	req := httptest.NewRequest("POST", "/api/enqueue-paths", bytes.NewReader([]byte("not json")))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, 400, w.Code)
}

var assertErr = context.DeadlineExceeded
