package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventSyncOutcome      = "sync-outcome"
	RealtimeEventConflictSettled  = "conflict-settled"
	realtimeEventHeartbeat        = "heartbeat"
	realtimeSourceBackend         = "tether-api"
	defaultRealtimeBufferSize     = 16
	defaultRealtimeHeartbeatEvery = 25 * time.Second
)

// RealtimeOutcome is the accepted part of one reconciled operation.
type RealtimeOutcome struct {
	Table      string `json:"table"`
	EntityID   string `json:"entity_id"`
	Result     string `json:"result"`
	ReasonCode string `json:"reason_code,omitempty"`
	ConflictID string `json:"conflict_id,omitempty"`
}

// RealtimeMessage is fanned out to every connected stream. ActorID names the
// actor whose request produced it so clients can skip their own echoes.
type RealtimeMessage struct {
	ActorID   string            `json:"actor_id"`
	EventType string            `json:"-"`
	Outcomes  []RealtimeOutcome `json:"outcomes,omitempty"`
	Source    string            `json:"source"`
	Timestamp time.Time         `json:"timestamp"`
}

// RealtimeDispatcher fans messages out to streaming subscribers. Slow
// subscribers drop messages instead of blocking publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultRealtimeBufferSize,
	}
}

// Subscribe registers a stream for the actor until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, actorID string) (<-chan RealtimeMessage, func()) {
	if actorID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(actorID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(actorID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	if message.Source == "" {
		message.Source = realtimeSourceBackend
	}
	d.mu.RLock()
	copies := make([]*realtimeSubscriber, 0)
	for _, subscribers := range d.subscribers {
		for _, subscriber := range subscribers {
			copies = append(copies, subscriber)
		}
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	count := 0
	for _, subscribers := range d.subscribers {
		count += len(subscribers)
	}
	return count
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(actorID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[actorID]; !ok {
		d.subscribers[actorID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[actorID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(actorID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[actorID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, actorID)
		}
	}
	d.mu.Unlock()
}
