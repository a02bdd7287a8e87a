package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/alloyhq/alloy/internal/protocol"
)

// subscriberBuffer is the per-subscriber channel capacity. A watcher
// that lags this far behind is evicted from the stream; the job itself
// is never slowed down.
const subscriberBuffer = 1000

// LogHub fans live log lines out from the worker push endpoint to any
// number of WebSocket watchers. Streams are process-local and carry no
// replay; durable logs live in object storage after completion.
type LogHub struct {
	mu      sync.RWMutex
	streams map[string]*logStream
	log     *slog.Logger
}

type logStream struct {
	mu     sync.Mutex
	subs   map[*Subscriber]bool
	closed bool
}

// Subscriber receives JSON text frames for one job, in push order. The
// channel is closed when the stream is removed or the subscriber is
// evicted for lagging.
type Subscriber struct {
	C      chan string
	jobID  string
	stream *logStream
}

// NewLogHub creates a new log fan-out hub.
func NewLogHub(log *slog.Logger) *LogHub {
	if log == nil {
		log = slog.Default()
	}
	return &LogHub{
		streams: make(map[string]*logStream),
		log:     log,
	}
}

// CreateStream registers a live stream for a job. Idempotent.
func (h *LogHub) CreateStream(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[jobID]; !ok {
		h.streams[jobID] = &logStream{subs: make(map[*Subscriber]bool)}
	}
}

// Push broadcasts a log entry to every current subscriber. With no
// stream (job unknown or already completed) the entry is silently
// dropped; the caller never fails.
func (h *LogHub) Push(entry protocol.LogEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		h.log.Error("failed to marshal log entry", "job_id", entry.JobID, "error", err)
		return
	}
	h.broadcast(entry.JobID, string(data))
}

func (h *LogHub) broadcast(jobID, msg string) {
	h.mu.RLock()
	stream, ok := h.streams[jobID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	for sub := range stream.subs {
		select {
		case sub.C <- msg:
		default:
			// Slow reader: evict so the job is never backpressured.
			delete(stream.subs, sub)
			close(sub.C)
			h.log.Warn("evicted slow log subscriber", "job_id", jobID)
		}
	}
}

// Subscribe attaches a new watcher to the job's stream. Returns false
// when no stream exists; the caller sends the not-found error frame.
func (h *LogHub) Subscribe(jobID string) (*Subscriber, bool) {
	h.mu.RLock()
	stream, ok := h.streams[jobID]
	h.mu.RUnlock()
	if !ok {
		return nil, false
	}

	sub := &Subscriber{
		C:      make(chan string, subscriberBuffer),
		jobID:  jobID,
		stream: stream,
	}
	stream.mu.Lock()
	// The stream can be removed between the map lookup and taking its
	// lock; joining then would strand the subscriber on a channel
	// nobody will ever close.
	if stream.closed {
		stream.mu.Unlock()
		return nil, false
	}
	stream.subs[sub] = true
	stream.mu.Unlock()
	return sub, true
}

// Unsubscribe detaches a watcher. Safe to call after eviction or
// stream removal.
func (h *LogHub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}
	sub.stream.mu.Lock()
	defer sub.stream.mu.Unlock()
	if sub.stream.subs[sub] {
		delete(sub.stream.subs, sub)
		close(sub.C)
	}
}

// Complete sends the terminal job_complete frame to every subscriber,
// then removes the stream. Future subscribers get the not-found error.
func (h *LogHub) Complete(jobID string, frame protocol.JobCompleteFrame) {
	frame.Type = protocol.TypeJobComplete
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error("failed to marshal job_complete frame", "job_id", jobID, "error", err)
		return
	}
	h.broadcast(jobID, string(data))
	h.RemoveStream(jobID)
}

// RemoveStream drops the stream and closes all subscriber channels.
func (h *LogHub) RemoveStream(jobID string) {
	h.mu.Lock()
	stream, ok := h.streams[jobID]
	delete(h.streams, jobID)
	h.mu.Unlock()
	if !ok {
		return
	}

	stream.mu.Lock()
	defer stream.mu.Unlock()
	stream.closed = true
	for sub := range stream.subs {
		delete(stream.subs, sub)
		close(sub.C)
	}
}

// HasStream reports whether a live stream exists for the job.
func (h *LogHub) HasStream(jobID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.streams[jobID]
	return ok
}
