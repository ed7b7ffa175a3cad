// Package harness bridges host values and guest return values across the
// process boundary using only text.
//
// The host side embeds configuration and parameters as escaped JSON string
// literals in a trailer appended to the guest entrypoint. The trailer calls the
// guest's run function and prints the JSON result between two marker lines,
// which the host later locates in the captured stdout.
package harness

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Marker lines delimiting the JSON payload in guest output.
const (
	ResultStart     = "<shinkai-tool-result>"
	ResultEnd       = "</shinkai-tool-result>"
	DefinitionStart = "<shinkai-tool-definition>"
	DefinitionEnd   = "</shinkai-tool-definition>"
)

// ErrMarkersNotFound is returned when the start or end marker is missing.
var ErrMarkersNotFound = errors.New("result markers not found in output")

// ParseError reports output that could not be decoded. Raw is the full
// captured text.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("failed to parse result: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Backtick becomes \x60, which both JavaScript and Python decode back to a
// backtick inside a quoted literal.
var literalEscaper = strings.NewReplacer(
	`\`, `\\`,
	`'`, `\'`,
	`"`, `\"`,
	"`", `\x60`,
)

// Escape makes JSON text safe to embed inside a single-quoted string literal
// of the guest language.
func Escape(jsonText string) string {
	return literalEscaper.Replace(jsonText)
}

// Literal serializes v to JSON and escapes it for embedding. A nil value
// becomes null.
func Literal(v any) (string, error) {
	if raw, ok := v.(json.RawMessage); ok && len(raw) == 0 {
		v = nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encoding value: %w", err)
	}
	return Escape(string(data)), nil
}

// ExtractResult decodes the JSON between the result markers.
func ExtractResult(lines []string) (json.RawMessage, error) {
	return extract(lines, ResultStart, ResultEnd)
}

// ExtractDefinition decodes the JSON between the definition markers.
func ExtractDefinition(lines []string) (json.RawMessage, error) {
	return extract(lines, DefinitionStart, DefinitionEnd)
}

func extract(lines []string, start, end string) (json.RawMessage, error) {
	from := -1
	for i, line := range lines {
		if strings.Contains(line, start) {
			from = i + 1
			break
		}
	}
	to := -1
	if from >= 0 {
		for i := from; i < len(lines); i++ {
			if strings.Contains(lines[i], end) {
				to = i
				break
			}
		}
	}
	if from < 0 || to < 0 {
		return nil, &ParseError{Raw: strings.Join(lines, "\n"), Err: ErrMarkersNotFound}
	}

	body := strings.TrimSpace(strings.Join(lines[from:to], "\n"))
	var probe any
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return nil, &ParseError{Raw: strings.Join(lines, "\n"), Err: err}
	}
	return json.RawMessage(body), nil
}
