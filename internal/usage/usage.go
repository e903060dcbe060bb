// Package usage records one accounting row per executed attempt.
// Sinks are append-only; a sink failure is logged and never surfaces
// to the request path.
package usage

import (
	"sync"

	"github.com/roelfdiedericks/goherd/internal/config"
	. "github.com/roelfdiedericks/goherd/internal/logging"
	"github.com/roelfdiedericks/goherd/internal/types"
)

// Sink receives usage records. Implementations must tolerate
// concurrent Append calls or be wrapped in a Queue.
type Sink interface {
	Append(rec types.UsageRecord) error
	Close() error
}

// Open builds the sink selected by cfg. The sqlite and jsonl drivers
// come back wrapped in a Queue so callers never block on disk.
func Open(cfg config.SinkConfig) (Sink, error) {
	switch cfg.Driver {
	case "sqlite":
		s, err := NewSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewQueue(s, defaultQueueDepth), nil
	case "jsonl":
		s, err := NewJSONL(cfg.Path)
		if err != nil {
			return nil, err
		}
		return NewQueue(s, defaultQueueDepth), nil
	case "memory":
		return NewMemory(), nil
	case "none", "":
		return Discard{}, nil
	default:
		return nil, types.Errorf(types.KindConfiguration, "usage: unknown sink driver %q", cfg.Driver).
			WithHint("usage.driver must be one of sqlite, jsonl, memory, none")
	}
}

// Discard drops every record.
type Discard struct{}

func (Discard) Append(types.UsageRecord) error { return nil }
func (Discard) Close() error                   { return nil }

// MemorySink keeps records in memory. Used by tests and as a cheap
// in-process ledger.
type MemorySink struct {
	mu      sync.Mutex
	records []types.UsageRecord
}

func NewMemory() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Append(rec types.UsageRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Records returns a copy of everything appended so far.
func (m *MemorySink) Records() []types.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.UsageRecord, len(m.records))
	copy(out, m.records)
	return out
}

const defaultQueueDepth = 256

// Queue decouples callers from sink latency with a single writer
// goroutine. When the buffer is full the record is dropped with a
// warning; accounting must never stall a request.
type Queue struct {
	sink Sink
	ch   chan types.UsageRecord
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func NewQueue(sink Sink, depth int) *Queue {
	if depth <= 0 {
		depth = defaultQueueDepth
	}
	q := &Queue{
		sink: sink,
		ch:   make(chan types.UsageRecord, depth),
		done: make(chan struct{}),
	}
	go q.drain()
	return q
}

func (q *Queue) drain() {
	defer close(q.done)
	for rec := range q.ch {
		if err := q.sink.Append(rec); err != nil {
			L_warn("usage: append failed", "model", rec.ModelID, "error", err)
		}
	}
}

func (q *Queue) Append(rec types.UsageRecord) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.mu.Unlock()

	select {
	case q.ch <- rec:
	default:
		L_warn("usage: queue full, dropping record", "model", rec.ModelID, "trace", rec.TraceID)
	}
	return nil
}

// Close flushes buffered records and closes the wrapped sink.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	close(q.ch)
	<-q.done
	return q.sink.Close()
}
