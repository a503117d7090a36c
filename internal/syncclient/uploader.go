package syncclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	syncBatchPath    = "/sync/batch"
	defaultBatchSize = 100
)

var (
	errMissingBaseURL = errors.New("sync uploader: base url required")
	errMissingState   = errors.New("sync uploader: state required")
)

// Operation is one queued local write.
type Operation struct {
	Kind     string         `json:"kind"`
	Table    string         `json:"table"`
	EntityID string         `json:"entity_id"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Result mirrors one entry of the batch response.
type Result struct {
	Fingerprint string `json:"fingerprint"`
	Table       string `json:"table"`
	EntityID    string `json:"entity_id"`
	Result      string `json:"result"`
	ReasonCode  string `json:"reason_code,omitempty"`
	ConflictID  string `json:"conflict_id,omitempty"`
}

// UploadError reports a batch the server did not fully process.
type UploadError struct {
	StatusCode int
	Code       string
	Retryable  bool
}

func (e *UploadError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("sync upload failed with status %d", e.StatusCode)
	}
	return fmt.Sprintf("sync upload failed with status %d (%s)", e.StatusCode, e.Code)
}

// TokenSource supplies the bearer credential for each upload.
type TokenSource func(ctx context.Context) (string, error)

type UploaderConfig struct {
	BaseURL    string
	Tokens     TokenSource
	HTTPClient *http.Client
	State      *State
	// BatchSize caps operations per request. Zero selects 100.
	BatchSize int
	Clock     func() time.Time
	Logger    *zap.Logger
}

// Uploader drains queued operations to the server while the state is not paused.
// Operations leave the queue only once the server has recorded their outcome.
type Uploader struct {
	baseURL   string
	tokens    TokenSource
	client    *http.Client
	state     *State
	batchSize int
	clock     func() time.Time
	logger    *zap.Logger

	drainMu sync.Mutex
	queueMu sync.Mutex
	queue   []Operation
}

func NewUploader(cfg UploaderConfig) (*Uploader, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errMissingBaseURL
	}
	if cfg.State == nil {
		return nil, errMissingState
	}
	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		baseURL:   baseURL,
		tokens:    cfg.Tokens,
		client:    client,
		state:     cfg.State,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Enqueue appends operations to the local queue.
func (u *Uploader) Enqueue(operations ...Operation) {
	if len(operations) == 0 {
		return
	}
	u.queueMu.Lock()
	u.queue = append(u.queue, operations...)
	u.queueMu.Unlock()
	u.state.AddPending(len(operations))
}

// Queued reports the number of operations not yet acknowledged.
func (u *Uploader) Queued() int {
	u.queueMu.Lock()
	defer u.queueMu.Unlock()
	return len(u.queue)
}

// Drain uploads batches until the queue is empty, the state is paused or a
// request fails. It returns the number of operations acknowledged.
func (u *Uploader) Drain(ctx context.Context) (int, error) {
	u.drainMu.Lock()
	defer u.drainMu.Unlock()

	acknowledged := 0
	for {
		if u.state.Paused() {
			u.logger.Debug("sync paused; stopping drain", zap.Int("acknowledged", acknowledged))
			return acknowledged, nil
		}
		if err := ctx.Err(); err != nil {
			return acknowledged, err
		}
		batch := u.peek()
		if len(batch) == 0 {
			return acknowledged, nil
		}

		u.state.BeginUpload(len(batch))
		results, err := u.post(ctx, batch)
		committed := min(len(results), len(batch))
		u.acknowledge(committed)
		u.state.CompleteUpload(committed, u.toActivity(results[:committed]))
		u.state.AbortUpload(len(batch) - committed)
		acknowledged += committed
		if err != nil {
			u.logger.Warn("sync upload failed",
				zap.Int("batch_size", len(batch)),
				zap.Int("committed", committed),
				zap.Error(err))
			return acknowledged, err
		}
	}
}

func (u *Uploader) peek() []Operation {
	u.queueMu.Lock()
	defer u.queueMu.Unlock()
	size := min(u.batchSize, len(u.queue))
	batch := make([]Operation, size)
	copy(batch, u.queue[:size])
	return batch
}

func (u *Uploader) acknowledge(count int) {
	if count <= 0 {
		return
	}
	u.queueMu.Lock()
	u.queue = u.queue[count:]
	u.queueMu.Unlock()
}

func (u *Uploader) post(ctx context.Context, batch []Operation) ([]Result, error) {
	body, err := json.Marshal(map[string]any{"operations": batch})
	if err != nil {
		return nil, err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+syncBatchPath, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	request.Header.Set("Content-Type", "application/json")
	if u.tokens != nil {
		token, err := u.tokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("sync uploader: token: %w", err)
		}
		request.Header.Set("Authorization", "Bearer "+token)
	}

	response, err := u.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	var payload struct {
		Results   []Result `json:"results"`
		Code      string   `json:"code"`
		Error     string   `json:"error"`
		Retryable bool     `json:"retryable"`
	}
	decodeErr := json.NewDecoder(response.Body).Decode(&payload)
	if response.StatusCode != http.StatusOK {
		code := payload.Code
		if code == "" {
			code = payload.Error
		}
		return payload.Results, &UploadError{
			StatusCode: response.StatusCode,
			Code:       code,
			Retryable:  payload.Retryable || response.StatusCode >= http.StatusInternalServerError,
		}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("sync uploader: decode response: %w", decodeErr)
	}
	if len(payload.Results) != len(batch) {
		return payload.Results, fmt.Errorf("sync uploader: expected %d results, got %d", len(batch), len(payload.Results))
	}
	return payload.Results, nil
}

func (u *Uploader) toActivity(results []Result) []ActivityItem {
	now := u.clock().UTC()
	items := make([]ActivityItem, 0, len(results))
	for _, result := range results {
		items = append(items, ActivityItem{
			ID:         result.Fingerprint,
			At:         now,
			Table:      result.Table,
			EntityID:   result.EntityID,
			Result:     result.Result,
			ReasonCode: result.ReasonCode,
			ConflictID: result.ConflictID,
		})
	}
	return items
}
