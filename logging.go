package main

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/tonimelisma/syncd/internal/config"
)

// bootstrapLogger is used before configuration is loaded. It honors only the
// CLI verbosity flags and defaults to Warn.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. The config log level provides the baseline; --verbose, --debug
// and --quiet override it because CLI flags always win. Without a resolved
// config it behaves like bootstrapLogger.
func buildLogger() *slog.Logger {
	if resolvedCfg == nil {
		return bootstrapLogger()
	}

	l := resolvedCfg.Logging
	level := parseLevel(l.LogLevel)

	switch {
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	case flagQuiet:
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	w := logWriter(&l)

	if l.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// logWriter returns stderr, or a size-rotated file when log_file is set.
func logWriter(l *config.ResolvedLogging) io.Writer {
	if l.LogFile == "" {
		return os.Stderr
	}

	return &lumberjack.Logger{
		Filename: l.LogFile,
		MaxSize:  l.RotateSizeMB(),
		MaxAge:   l.LogRetentionDays,
		Compress: true,
	}
}
