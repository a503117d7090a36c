package crdt

import (
	"context"
	"sync"
)

// MemoryLog is an in-process Log. Appends with a known id are ignored.
type MemoryLog struct {
	mu       sync.Mutex
	records  []UpdateRecord
	ids      map[string]struct{}
	sequence int64
}

// NewMemoryLog constructs an empty log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{ids: make(map[string]struct{})}
}

func (l *MemoryLog) Load(context.Context) ([]UpdateRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	records := make([]UpdateRecord, len(l.records))
	copy(records, l.records)
	return records, nil
}

func (l *MemoryLog) Append(_ context.Context, record UpdateRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.ids[record.ID]; ok {
		return nil
	}
	l.sequence++
	record.Sequence = l.sequence
	l.ids[record.ID] = struct{}{}
	l.records = append(l.records, record)
	return nil
}

// Since returns the records appended after the given sequence.
func (l *MemoryLog) Since(sequence int64) []UpdateRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	var records []UpdateRecord
	for _, record := range l.records {
		if record.Sequence > sequence {
			records = append(records, record)
		}
	}
	return records
}
