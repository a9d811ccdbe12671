// Package logging builds the slog loggers used across the module.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/viant/sqlite-ann/vector"
)

// Config selects level and output format.
type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// New creates a logger writing to w (stderr when nil) in "text" or "json"
// format at level "debug", "info", "warn" or "error". An empty level or
// format selects info and text.
func New(cfg Config, w io.Writer) (*slog.Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, vector.Invalidf("unknown log format %q", cfg.Format)
}

// ParseLevel resolves a level name.
func ParseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, vector.Invalidf("log level %q", s)
	}
	return level, nil
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

// Or returns l, or a discarding logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l == nil {
		return Discard()
	}
	return l
}
