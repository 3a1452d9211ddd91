package logger

import (
	"log/slog"
	"os"
)

// Version is set at build time via ldflags.
var Version = "dev"

type Opts struct {
	Debug   bool
	JSON    bool
	Service string
	Version string
}

// New builds the process logger. Every record carries service and version.
func New(opts Opts) *slog.Logger {
	level := slog.LevelInfo
	if opts.Debug {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var log *slog.Logger
	if opts.JSON {
		log = slog.New(slog.NewJSONHandler(os.Stdout, handlerOpts))
	} else {
		log = slog.New(slog.NewTextHandler(os.Stdout, handlerOpts))
	}
	if opts.Service != "" {
		log = log.With("service", opts.Service)
	}
	if opts.Version != "" {
		log = log.With("version", opts.Version)
	}
	return log
}
