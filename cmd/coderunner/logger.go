package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	goutils "github.com/jkaninda/go-utils"
	"github.com/mattn/go-isatty"
)

// newLogger writes JSON to stderr, or text when stderr is a terminal.
func newLogger(level string) (*slog.Logger, error) {
	lvl, err := parseLevel(goutils.Env("CODERUNNER_LOG_LEVEL", level))
	if err != nil {
		return nil, err
	}
	return buildLogger(os.Stderr, lvl, isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())), nil
}

func buildLogger(w io.Writer, level slog.Level, text bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if text {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid log level %q (use debug, info, warn or error)", s)
	}
	return lvl, nil
}
