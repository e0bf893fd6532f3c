package log

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process logger. It discards everything until Init.
var Logger = zerolog.Nop()

// Level is a configured log level name
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var levels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// Validate rejects level names keeper does not know
func (l Level) Validate() error {
	if _, ok := levels[l]; !ok {
		return fmt.Errorf("unknown log level %q", string(l))
	}
	return nil
}

// ParseLevel maps a level name to zerolog, defaulting to info
func ParseLevel(l Level) zerolog.Level {
	if zl, ok := levels[l]; ok {
		return zl
	}
	return zerolog.InfoLevel
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer

	// NodeID is attached to every entry when set
	NodeID string
}

// Init replaces the process logger
func Init(cfg Config) {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.NodeID != "" {
		ctx = ctx.Str("node_id", cfg.NodeID)
	}
	Logger = ctx.Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithContextKey names the rollout context a logger works on
func WithContextKey(l zerolog.Logger, kind, key string) zerolog.Logger {
	return l.With().Str("kind", kind).Str("key", key).Logger()
}

// WithActivityID tags entries with the request's activity id
func WithActivityID(l zerolog.Logger, activityID string) zerolog.Logger {
	return l.With().Str("activity_id", activityID).Logger()
}

// Info logs msg at info level on the process logger
func Info(msg string) {
	Logger.Info().Msg(msg)
}
