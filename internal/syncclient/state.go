// Package syncclient holds the client side of reconciliation: queue counters,
// the paused flag, the outcome activity feed and the batch uploader.
package syncclient

import (
	"sync"
	"time"
)

// MaxActivityItems bounds the activity feed; older items fall off the end.
const MaxActivityItems = 120

// ActivityItem is one reconciled operation as shown to the user.
type ActivityItem struct {
	ID         string    `json:"id"`
	At         time.Time `json:"at"`
	Table      string    `json:"table"`
	EntityID   string    `json:"entity_id"`
	Result     string    `json:"result"`
	ReasonCode string    `json:"reason_code,omitempty"`
	ConflictID string    `json:"conflict_id,omitempty"`
}

// Snapshot is an immutable view of the state handed to subscribers.
type Snapshot struct {
	Pending  int
	InFlight int
	Paused   bool
	// Activity is newest first.
	Activity []ActivityItem
}

// State is the explicit reconciliation context shared by the uploader and the
// UI layer. Subscribers are notified after every change, outside the lock.
type State struct {
	mu          sync.Mutex
	pending     int
	inFlight    int
	paused      bool
	activity    []ActivityItem
	subscribers map[int]func(Snapshot)
	nextID      int
}

func NewState() *State {
	return &State{subscribers: make(map[int]func(Snapshot))}
}

// Subscribe registers fn and returns a function that removes it.
func (s *State) Subscribe(fn func(Snapshot)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subscribers[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subscribers, id)
			s.mu.Unlock()
		})
	}
}

func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *State) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *State) SetPaused(paused bool) {
	s.update(func() bool {
		if s.paused == paused {
			return false
		}
		s.paused = paused
		return true
	})
}

func (s *State) TogglePaused() {
	s.update(func() bool {
		s.paused = !s.paused
		return true
	})
}

// AddPending records operations queued locally.
func (s *State) AddPending(count int) {
	if count <= 0 {
		return
	}
	s.update(func() bool {
		s.pending += count
		return true
	})
}

// BeginUpload moves count operations from pending to in-flight.
func (s *State) BeginUpload(count int) {
	if count <= 0 {
		return
	}
	s.update(func() bool {
		moved := min(count, s.pending)
		s.pending -= moved
		s.inFlight += moved
		return true
	})
}

// CompleteUpload drops count in-flight operations and appends their outcomes.
func (s *State) CompleteUpload(count int, items []ActivityItem) {
	s.update(func() bool {
		s.inFlight -= min(max(count, 0), s.inFlight)
		s.prependLocked(items)
		return true
	})
}

// AbortUpload returns count in-flight operations to the pending queue.
func (s *State) AbortUpload(count int) {
	if count <= 0 {
		return
	}
	s.update(func() bool {
		moved := min(count, s.inFlight)
		s.inFlight -= moved
		s.pending += moved
		return true
	})
}

// AppendActivity prepends items to the feed.
func (s *State) AppendActivity(items []ActivityItem) {
	if len(items) == 0 {
		return
	}
	s.update(func() bool {
		s.prependLocked(items)
		return true
	})
}

func (s *State) prependLocked(items []ActivityItem) {
	if len(items) == 0 {
		return
	}
	merged := make([]ActivityItem, 0, min(len(items)+len(s.activity), MaxActivityItems))
	merged = append(merged, items...)
	merged = append(merged, s.activity...)
	if len(merged) > MaxActivityItems {
		merged = merged[:MaxActivityItems]
	}
	s.activity = merged
}

func (s *State) update(mutate func() bool) {
	s.mu.Lock()
	if !mutate() {
		s.mu.Unlock()
		return
	}
	snapshot := s.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		listeners = append(listeners, fn)
	}
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (s *State) snapshotLocked() Snapshot {
	activity := make([]ActivityItem, len(s.activity))
	copy(activity, s.activity)
	return Snapshot{
		Pending:  s.pending,
		InFlight: s.inFlight,
		Paused:   s.paused,
		Activity: activity,
	}
}
