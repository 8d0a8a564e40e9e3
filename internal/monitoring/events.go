// internal/monitoring/events.go - Event records and the bus that delivers them
package monitoring

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

type Level string

const (
	LevelInfo  Level = "info"
	LevelMatch Level = "match"
	LevelError Level = "error"
)

// EventRecord describes one outcome of a cycle. Records are values and are
// never modified after construction.
type EventRecord struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	TargetID  string    `json:"target_id"`
	RuleID    string    `json:"rule_id,omitempty"`
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
}

func NewEvent(level Level, targetID, ruleID, message string) EventRecord {
	return EventRecord{
		ID:        uuid.New().String(),
		Timestamp: time.Now(),
		TargetID:  targetID,
		RuleID:    ruleID,
		Level:     level,
		Message:   message,
	}
}

// EventSink consumes records. Emit must return quickly.
type EventSink interface {
	Emit(record EventRecord)
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(record EventRecord)

func (f SinkFunc) Emit(record EventRecord) { f(record) }

// Bus is the single channel every target loop publishes into. A consumer
// goroutine fans records out to the subscribed sinks in order. When the queue
// is full the oldest queued record is dropped, so publishers never block.
type Bus struct {
	queue   chan EventRecord
	done    chan struct{}
	onDrop  func()
	dropped atomic.Uint64

	mu     sync.RWMutex // guards closed and the queue close
	closed bool

	sinksMu sync.RWMutex
	sinks   []EventSink
}

func NewBus(size int, onDrop func()) *Bus {
	if size < 1 {
		size = 1
	}
	b := &Bus{
		queue:  make(chan EventRecord, size),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
	go b.run()
	return b
}

func (b *Bus) Subscribe(sink EventSink) {
	b.sinksMu.Lock()
	b.sinks = append(b.sinks, sink)
	b.sinksMu.Unlock()
}

// Emit queues a record; it implements EventSink so the bus can be handed to
// components that only know how to emit.
func (b *Bus) Emit(record EventRecord) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for {
		select {
		case b.queue <- record:
			return
		default:
		}

		select {
		case <-b.queue:
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		default:
		}
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting records, delivers what is queued and waits for the
// consumer to finish. It is safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.queue)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for record := range b.queue {
		b.sinksMu.RLock()
		sinks := b.sinks
		b.sinksMu.RUnlock()

		for _, sink := range sinks {
			deliver(sink, record)
		}
	}
}

func deliver(sink EventSink, record EventRecord) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithField("panic", r).Error("Event sink panicked")
		}
	}()
	sink.Emit(record)
}

// History keeps the most recent records in memory for the API.
type History struct {
	mu      sync.RWMutex
	records []EventRecord
	next    int
	full    bool
}

func NewHistory(size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{records: make([]EventRecord, size)}
}

func (h *History) Emit(record EventRecord) {
	h.mu.Lock()
	h.records[h.next] = record
	h.next = (h.next + 1) % len(h.records)
	if h.next == 0 {
		h.full = true
	}
	h.mu.Unlock()
}

// Recent returns up to limit records, newest first, optionally for one target.
func (h *History) Recent(limit int, targetID string) []EventRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := h.next
	if h.full {
		count = len(h.records)
	}

	result := make([]EventRecord, 0, count)
	for i := 0; i < count; i++ {
		idx := (h.next - 1 - i + len(h.records)) % len(h.records)
		record := h.records[idx]
		if targetID != "" && record.TargetID != targetID {
			continue
		}
		result = append(result, record)
		if limit > 0 && len(result) >= limit {
			break
		}
	}
	return result
}

// LogSink writes records through logrus.
type LogSink struct{}

func (LogSink) Emit(record EventRecord) {
	entry := logrus.WithFields(logrus.Fields{
		"target": record.TargetID,
		"event":  record.ID,
	})
	if record.RuleID != "" {
		entry = entry.WithField("rule", record.RuleID)
	}

	switch record.Level {
	case LevelError:
		entry.Error(record.Message)
	case LevelMatch:
		entry.Warn(record.Message)
	default:
		entry.Info(record.Message)
	}
}
