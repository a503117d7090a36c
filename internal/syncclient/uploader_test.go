package syncclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordedBatch struct {
	Authorization string
	Operations    []Operation
}

type fakeSyncServer struct {
	mu       sync.Mutex
	batches  []recordedBatch
	respond  func(batch []Operation) (int, any)
	onUpload func()
}

func (f *fakeSyncServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, syncBatchPath, r.URL.Path)
		var request struct {
			Operations []Operation `json:"operations"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&request))
		f.mu.Lock()
		f.batches = append(f.batches, recordedBatch{Authorization: r.Header.Get("Authorization"), Operations: request.Operations})
		f.mu.Unlock()
		if f.onUpload != nil {
			f.onUpload()
		}
		status, body := f.respond(request.Operations)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	})
}

func appliedResults(batch []Operation) []Result {
	results := make([]Result, 0, len(batch))
	for _, op := range batch {
		results = append(results, Result{Fingerprint: "fp-" + op.EntityID, Table: op.Table, EntityID: op.EntityID, Result: "applied"})
	}
	return results
}

func newTestUploader(t *testing.T, fake *fakeSyncServer, state *State, batchSize int) *Uploader {
	t.Helper()
	server := httptest.NewServer(fake.handler(t))
	t.Cleanup(server.Close)
	uploader, err := NewUploader(UploaderConfig{
		BaseURL:   server.URL + "/",
		Tokens:    func(context.Context) (string, error) { return "token-1", nil },
		State:     state,
		BatchSize: batchSize,
		Clock:     func() time.Time { return time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return uploader
}

func commentOps(ids ...string) []Operation {
	ops := make([]Operation, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, Operation{Kind: "create_or_replace", Table: "work_order_comment", EntityID: id, Fields: map[string]any{"work_order_id": "wo-1", "body": "hi"}})
	}
	return ops
}

func TestUploaderDrainsInBatches(t *testing.T) {
	fake := &fakeSyncServer{respond: func(batch []Operation) (int, any) {
		return http.StatusOK, map[string]any{"results": appliedResults(batch)}
	}}
	state := NewState()
	uploader := newTestUploader(t, fake, state, 2)

	uploader.Enqueue(commentOps("c-1", "c-2", "c-3")...)
	require.Equal(t, 3, state.Snapshot().Pending)

	acknowledged, err := uploader.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, acknowledged)
	require.Equal(t, 0, uploader.Queued())

	require.Len(t, fake.batches, 2)
	require.Len(t, fake.batches[0].Operations, 2)
	require.Equal(t, "Bearer token-1", fake.batches[0].Authorization)

	snapshot := state.Snapshot()
	require.Zero(t, snapshot.Pending)
	require.Zero(t, snapshot.InFlight)
	require.Len(t, snapshot.Activity, 3)
	require.Equal(t, "c-3", snapshot.Activity[0].EntityID)
	require.Equal(t, "fp-c-3", snapshot.Activity[0].ID)
}

func TestUploaderStopsWhenPaused(t *testing.T) {
	state := NewState()
	fake := &fakeSyncServer{respond: func(batch []Operation) (int, any) {
		return http.StatusOK, map[string]any{"results": appliedResults(batch)}
	}}
	fake.onUpload = func() { state.SetPaused(true) }
	uploader := newTestUploader(t, fake, state, 1)

	uploader.Enqueue(commentOps("c-1", "c-2")...)
	acknowledged, err := uploader.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, acknowledged)
	require.Equal(t, 1, uploader.Queued())
	require.Equal(t, 1, state.Snapshot().Pending)

	state.SetPaused(false)
	fake.onUpload = nil
	acknowledged, err = uploader.Drain(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, acknowledged)
	require.Len(t, fake.batches, 2)
}

func TestUploaderKeepsUncommittedOperationsOnStoreFailure(t *testing.T) {
	fake := &fakeSyncServer{respond: func(batch []Operation) (int, any) {
		return http.StatusServiceUnavailable, map[string]any{
			"error":     "sync_failed",
			"code":      "store_unavailable",
			"retryable": true,
			"results":   appliedResults(batch[:1]),
		}
	}}
	state := NewState()
	uploader := newTestUploader(t, fake, state, 10)

	uploader.Enqueue(commentOps("c-1", "c-2", "c-3")...)
	acknowledged, err := uploader.Drain(context.Background())

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	require.Equal(t, http.StatusServiceUnavailable, uploadErr.StatusCode)
	require.Equal(t, "store_unavailable", uploadErr.Code)
	require.True(t, uploadErr.Retryable)

	require.Equal(t, 1, acknowledged)
	require.Equal(t, 2, uploader.Queued())
	snapshot := state.Snapshot()
	require.Equal(t, 2, snapshot.Pending)
	require.Zero(t, snapshot.InFlight)
	require.Len(t, snapshot.Activity, 1)
}

func TestUploaderReportsRejectedRequest(t *testing.T) {
	fake := &fakeSyncServer{respond: func([]Operation) (int, any) {
		return http.StatusBadRequest, map[string]any{"error": "invalid_operation", "index": 0}
	}}
	state := NewState()
	uploader := newTestUploader(t, fake, state, 10)

	uploader.Enqueue(commentOps("c-1")...)
	_, err := uploader.Drain(context.Background())

	var uploadErr *UploadError
	require.True(t, errors.As(err, &uploadErr))
	require.Equal(t, "invalid_operation", uploadErr.Code)
	require.False(t, uploadErr.Retryable)
	require.Equal(t, 1, uploader.Queued())
}

func TestNewUploaderValidatesConfig(t *testing.T) {
	_, err := NewUploader(UploaderConfig{State: NewState()})
	require.ErrorIs(t, err, errMissingBaseURL)

	_, err = NewUploader(UploaderConfig{BaseURL: "http://localhost"})
	require.ErrorIs(t, err, errMissingState)
}
