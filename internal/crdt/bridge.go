package crdt

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrBridgeActive is returned by Start on an already active bridge.
	ErrBridgeActive = errors.New("crdt: bridge already active")
	// ErrBridgeInactive is returned by operations that need an active bridge.
	ErrBridgeInactive = errors.New("crdt: bridge is not active")
	errMissingLog     = errors.New("crdt: update log is required")
)

// UpdateRecord is one entry of a field instance's update log.
type UpdateRecord struct {
	ID        string
	Origin    string
	Payload   []byte
	CreatedBy string
	CreatedAt time.Time
	// Sequence is the log insertion order and breaks CreatedAt ties.
	Sequence int64
}

// Log is the durable, append-only update log of one field instance.
type Log interface {
	Load(ctx context.Context) ([]UpdateRecord, error)
	Append(ctx context.Context, record UpdateRecord) error
}

// BridgeConfig wires a bridge to its log and callbacks.
type BridgeConfig struct {
	Log          Log
	ActorID      string
	Clock        func() time.Time
	OnTextChange func(text string)
	OnError      func(recordID string, err error)
}

// Bridge keeps one text field convergent with every other participant that
// replays the same log. States: idle -> active -> idle.
type Bridge struct {
	log          Log
	actorID      string
	clock        func() time.Time
	onTextChange func(string)
	onError      func(string, error)

	mu       sync.Mutex
	document *Document
	seen     map[string]struct{}
}

// NewBridge constructs an idle bridge.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Log == nil {
		return nil, errMissingLog
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	onTextChange := cfg.OnTextChange
	if onTextChange == nil {
		onTextChange = func(string) {}
	}
	onError := cfg.OnError
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Bridge{
		log:          cfg.Log,
		actorID:      cfg.ActorID,
		clock:        clock,
		onTextChange: onTextChange,
		onError:      onError,
	}, nil
}

// Start activates the bridge with a fresh document and replays the whole log.
func (b *Bridge) Start(ctx context.Context) error {
	records, err := b.log.Load(ctx)
	if err != nil {
		return fmt.Errorf("crdt: load log: %w", err)
	}
	replica, err := uuid.NewRandom()
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.document != nil {
		b.mu.Unlock()
		return ErrBridgeActive
	}
	b.document = NewDocument(replica.String())
	b.seen = make(map[string]struct{}, len(records))
	changed := b.applyLocked(records)
	text := b.document.Text()
	b.mu.Unlock()

	if changed {
		b.onTextChange(text)
	}
	return nil
}

// Active reports whether the bridge holds a document.
func (b *Bridge) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.document != nil
}

// Text returns the current document text.
func (b *Bridge) Text() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.document == nil {
		return "", ErrBridgeInactive
	}
	return b.document.Text(), nil
}

// SetText reconciles the document with the full text of an editor. The
// minimal delete+insert becomes one update record that is applied locally
// only after the log accepted it.
func (b *Bridge) SetText(ctx context.Context, text string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.document == nil {
		return ErrBridgeInactive
	}

	current := []rune(b.document.Text())
	next := []rune(text)
	position, deleteCount, insert := diffRunes(current, next)
	if deleteCount == 0 && len(insert) == 0 {
		return nil
	}
	payload, err := b.document.Replace(position, deleteCount, string(insert))
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	record := UpdateRecord{
		ID:        id.String(),
		Origin:    b.document.Replica(),
		Payload:   payload,
		CreatedBy: b.actorID,
		CreatedAt: b.clock().UTC(),
	}
	if err := b.log.Append(ctx, record); err != nil {
		return fmt.Errorf("crdt: append update: %w", err)
	}
	if _, err := b.document.Apply(payload); err != nil {
		return err
	}
	b.seen[record.ID] = struct{}{}
	return nil
}

// ApplyRemote integrates records pushed by the log's consumers, in any order.
func (b *Bridge) ApplyRemote(records []UpdateRecord) error {
	b.mu.Lock()
	if b.document == nil {
		b.mu.Unlock()
		return ErrBridgeInactive
	}
	changed := b.applyLocked(records)
	text := b.document.Text()
	b.mu.Unlock()

	if changed {
		b.onTextChange(text)
	}
	return nil
}

// Stop releases the document and seen set. Restarting replays from scratch.
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.document = nil
	b.seen = nil
}

func (b *Bridge) applyLocked(records []UpdateRecord) bool {
	ordered := make([]UpdateRecord, len(records))
	copy(ordered, records)
	SortRecords(ordered)

	changed := false
	for _, record := range ordered {
		if _, ok := b.seen[record.ID]; ok {
			continue
		}
		b.seen[record.ID] = struct{}{}
		if record.Origin != "" && record.Origin == b.document.Replica() {
			continue
		}
		applied, err := b.document.Apply(record.Payload)
		if err != nil {
			b.onError(record.ID, err)
			continue
		}
		if applied {
			changed = true
		}
	}
	return changed
}

// SortRecords orders records by creation time, then log insertion order.
func SortRecords(records []UpdateRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if !records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].CreatedAt.Before(records[j].CreatedAt)
		}
		return records[i].Sequence < records[j].Sequence
	})
}

// Materialize replays a log through a throwaway bridge and returns its text.
func Materialize(ctx context.Context, log Log, onError func(recordID string, err error)) (string, error) {
	bridge, err := NewBridge(BridgeConfig{Log: log, OnError: onError})
	if err != nil {
		return "", err
	}
	if err := bridge.Start(ctx); err != nil {
		return "", err
	}
	defer bridge.Stop()
	return bridge.Text()
}

// diffRunes returns the common-prefix/suffix splice turning current into next.
func diffRunes(current, next []rune) (position, deleteCount int, insert []rune) {
	prefix := 0
	for prefix < len(current) && prefix < len(next) && current[prefix] == next[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(current)-prefix && suffix < len(next)-prefix &&
		current[len(current)-1-suffix] == next[len(next)-1-suffix] {
		suffix++
	}
	return prefix, len(current) - prefix - suffix, next[prefix : len(next)-suffix]
}
