package sandbox

import (
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/coderunner/internal/execution"
	"github.com/jkaninda/coderunner/internal/harness"
)

// RunRequest is one invocation of a tool.
type RunRequest struct {
	Env        map[string]string
	Parameters json.RawMessage
	Timeout    time.Duration // Zero = no timeout.
	Sink       LineSink      // Optional live view of guest output.
}

// LogSink appends every line to the storage log file, then forwards it to
// next. A failing log write is reported once and never stops the run.
func LogSink(s *execution.Storage, logger *slog.Logger, next LineSink) LineSink {
	var warnOnce sync.Once
	return func(stream Stream, line string) {
		if err := s.AppendLog(line); err != nil {
			warnOnce.Do(func() {
				logger.Warn("failed to append to execution log",
					slog.String("file", s.LogFile),
					slog.String("error", err.Error()),
				)
			})
		}
		if next != nil {
			next(stream, line)
		}
	}
}

// StorageError wraps a materialization failure.
func StorageError(err error) *ExecutionError {
	return NewError(KindStorageIO, err.Error(), err)
}

// DecodeResult extracts the guest's return value from captured stdout.
func DecodeResult(stdout []string) (json.RawMessage, error) {
	data, err := harness.ExtractResult(stdout)
	if err != nil {
		return nil, parseError("parsing tool result", stdout, err)
	}
	return data, nil
}

// DecodeDefinition extracts the guest's definition object from captured stdout.
func DecodeDefinition(stdout []string) (json.RawMessage, error) {
	data, err := harness.ExtractDefinition(stdout)
	if err != nil {
		return nil, parseError("parsing tool definition", stdout, err)
	}
	return data, nil
}

func parseError(what string, stdout []string, err error) *ExecutionError {
	raw, cause := strings.Join(stdout, "\n"), err
	var pe *harness.ParseError
	if errors.As(err, &pe) {
		cause = pe.Err
		if pe.Raw != "" {
			raw = pe.Raw
		}
	}
	return &ExecutionError{
		Kind:    KindResultParse,
		Message: what + ": " + cause.Error(),
		Output:  raw,
		Err:     err,
	}
}
