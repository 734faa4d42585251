package server

import (
	"io"
	"log/slog"
	"strings"
)

// NewLogger builds the slog logger described by cfg, writing to w.
// Unknown levels fall back to info.
func NewLogger(cfg LogConfig, w io.Writer) *slog.Logger {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}
