package logstream

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// DefaultBufferSize is the per-subscriber channel capacity.
const DefaultBufferSize = 256

// finishedCapacity bounds how many ended executions the hub remembers, so a
// late subscriber gets a closed channel instead of waiting forever.
const finishedCapacity = 1024

// Hub delivers lines to in-process subscribers keyed by execution id.
// Publish never blocks: a subscriber whose buffer is full misses the line.
type Hub struct {
	mu       sync.RWMutex
	subs     map[string]map[*subscription]struct{}
	finished map[string]struct{}
	order    []string
	buffer   int
	dropped  atomic.Int64
	logger   *slog.Logger
}

type subscription struct {
	ch chan Line
}

var _ tool.OutputPublisher = (*Hub)(nil)

// NewHub creates a hub. A non-positive bufferSize selects DefaultBufferSize.
func NewHub(bufferSize int, logger *slog.Logger) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:     make(map[string]map[*subscription]struct{}),
		finished: make(map[string]struct{}),
		buffer:   bufferSize,
		logger:   logger,
	}
}

// Subscribe returns a channel receiving the execution's lines and a cancel
// func. The channel is closed when the execution ends or cancel is called.
// Subscribing to an execution that already ended yields a closed channel.
func (h *Hub) Subscribe(executionID string) (<-chan Line, func()) {
	sub := &subscription{ch: make(chan Line, h.buffer)}

	h.mu.Lock()
	if _, done := h.finished[executionID]; done {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	set, ok := h.subs[executionID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[executionID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[executionID]; ok {
				if _, ok := set[sub]; ok {
					delete(set, sub)
					close(sub.ch)
				}
				if len(set) == 0 {
					delete(h.subs, executionID)
				}
			}
		})
	}
	return sub.ch, cancel
}

// Publish delivers a line to every subscriber of executionID.
func (h *Hub) Publish(executionID string, stream sandbox.Stream, line string) {
	msg := NewLine(executionID, stream, line)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.subs[executionID] {
		select {
		case sub.ch <- msg:
		default:
			h.dropped.Add(1)
			h.logger.Debug("dropping line for slow subscriber",
				slog.String("execution_id", executionID),
				slog.String("stream", string(stream)),
			)
		}
	}
}

// Done closes every subscription of executionID.
func (h *Hub) Done(executionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs[executionID] {
		close(sub.ch)
	}
	delete(h.subs, executionID)

	if _, ok := h.finished[executionID]; ok {
		return
	}
	h.finished[executionID] = struct{}{}
	h.order = append(h.order, executionID)
	if len(h.order) > finishedCapacity {
		delete(h.finished, h.order[0])
		h.order = h.order[1:]
	}
}

// Subscribers returns the number of live subscriptions for executionID.
func (h *Hub) Subscribers(executionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[executionID])
}

// Dropped returns how many lines were discarded for slow subscribers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
