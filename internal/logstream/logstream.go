// Package logstream fans guest output lines out to live subscribers: an
// in-process Hub for WebSocket clients and an optional Redis channel for
// consumers in other processes.
package logstream

import (
	"time"

	"github.com/jkaninda/coderunner/internal/sandbox"
	"github.com/jkaninda/coderunner/internal/tool"
)

// StreamEnd marks the last message published for an execution.
const StreamEnd = "end"

// Line is one guest output line, as delivered to subscribers.
type Line struct {
	ExecutionID string    `json:"execution_id"`
	Stream      string    `json:"stream"`
	Line        string    `json:"line"`
	Time        time.Time `json:"time"`
}

// NewLine stamps a line with the current time.
func NewLine(executionID string, stream sandbox.Stream, line string) Line {
	return Line{
		ExecutionID: executionID,
		Stream:      string(stream),
		Line:        line,
		Time:        time.Now().UTC(),
	}
}

type multi []tool.OutputPublisher

// Multi returns a publisher that forwards to every non-nil publisher in order.
func Multi(publishers ...tool.OutputPublisher) tool.OutputPublisher {
	var m multi
	for _, p := range publishers {
		if p != nil {
			m = append(m, p)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) Publish(executionID string, stream sandbox.Stream, line string) {
	for _, p := range m {
		p.Publish(executionID, stream, line)
	}
}

func (m multi) Done(executionID string) {
	for _, p := range m {
		p.Done(executionID)
	}
}
