package tool

import (
	"fmt"
	"path"
	"strings"
)

// Language selects the runner for a tool.
type Language string

const (
	TypeScript Language = "typescript"
	Python     Language = "python"
)

// ParseLanguage accepts the language names and their common aliases.
func ParseLanguage(s string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "typescript", "ts", "deno", "javascript", "js":
		return TypeScript, nil
	case "python", "py", "python3":
		return Python, nil
	default:
		return "", fmt.Errorf("unsupported language %q (want typescript or python)", s)
	}
}

// DetectLanguage infers the language from the entrypoint extension.
func DetectLanguage(entrypoint string) (Language, error) {
	switch strings.ToLower(path.Ext(entrypoint)) {
	case ".ts", ".tsx", ".mts", ".js", ".mjs":
		return TypeScript, nil
	case ".py":
		return Python, nil
	default:
		return "", fmt.Errorf("cannot infer language from entrypoint %q", entrypoint)
	}
}
