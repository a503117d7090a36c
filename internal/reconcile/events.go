package reconcile

import (
	"time"

	"go.uber.org/zap"
)

const (
	EventOperationProcessed    = "operation_processed"
	EventOperationDeduplicated = "operation_deduplicated"
	EventOperationFailed       = "operation_failed"
	EventBatchCompleted        = "batch_completed"
)

// Event is a structured observation emitted by the engine.
type Event struct {
	Name      string
	ActorID   string
	Outcome   Outcome
	Duration  time.Duration
	BatchSize int
	Err       error
}

// EventSink receives engine events. Implementations must not block.
type EventSink interface {
	Record(event Event)
}

// EventSinkFunc adapts a function to the EventSink interface.
type EventSinkFunc func(event Event)

// Record calls f.
func (f EventSinkFunc) Record(event Event) {
	f(event)
}

type fanOutSink []EventSink

// FanOut delivers every event to each non-nil sink in order.
func FanOut(sinks ...EventSink) EventSink {
	filtered := make(fanOutSink, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			filtered = append(filtered, sink)
		}
	}
	return filtered
}

func (sinks fanOutSink) Record(event Event) {
	for _, sink := range sinks {
		sink.Record(event)
	}
}

type logEventSink struct {
	logger *zap.Logger
}

// NewLogEventSink writes engine events as structured zap entries.
func NewLogEventSink(logger *zap.Logger) EventSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &logEventSink{logger: logger}
}

func (s *logEventSink) Record(event Event) {
	fields := []zap.Field{
		zap.String("event", event.Name),
		zap.String("actor_id", event.ActorID),
		zap.Duration("duration", event.Duration),
	}
	if event.Name == EventBatchCompleted {
		fields = append(fields, zap.Int("batch_size", event.BatchSize))
		s.logger.Info("sync batch completed", fields...)
		return
	}
	fields = append(fields,
		zap.String("fingerprint", event.Outcome.Fingerprint),
		zap.String("table", event.Outcome.Table.String()),
		zap.String("entity_id", event.Outcome.EntityID),
		zap.String("result", string(event.Outcome.Result)),
		zap.String("reason_code", event.Outcome.ReasonCode),
	)
	switch event.Name {
	case EventOperationFailed:
		if event.Err != nil {
			fields = append(fields, zap.Error(event.Err))
		}
		s.logger.Error("sync operation failed", fields...)
	case EventOperationDeduplicated:
		s.logger.Debug("sync operation deduplicated", fields...)
	default:
		s.logger.Info("sync operation processed", fields...)
	}
}
