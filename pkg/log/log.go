package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. It defaults to info-level
// JSON on stdout so packages are usable before Init runs (tests, early
// config errors); Init replaces it with the configured form.
var Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// Config holds logging configuration
type Config struct {
	// Level is a zerolog level name: debug, info, warn, error.
	// Unknown or empty values fall back to info rather than failing
	// startup over a typo.
	Level      string
	JSONOutput bool
	Output     io.Writer
}

// Init builds the root logger. The level is carried on the logger
// itself rather than the global zerolog filter, so a test harness or an
// embedded bridge can hold loggers at different levels in one process.
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	Logger = zerolog.New(output).Level(level).With().Timestamp().Logger()
}

// WithComponent derives the logger a subsystem keeps for its lifetime
// (router, engine, franks, ...)
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// ForConn derives a per-connection logger. Everything the hub logs
// about one socket carries its conn_id so a peer's whole session can be
// filtered out of the stream.
func ForConn(connID string) zerolog.Logger {
	return Logger.With().Str("conn_id", connID).Logger()
}

// ForPlan derives a per-run logger carrying both the plan id and the
// correlation id, so engine lines line up with the messages the run
// emitted over the hub.
func ForPlan(planID, correlationID string) zerolog.Logger {
	ctx := Logger.With().Str("plan_id", planID)
	if correlationID != "" {
		ctx = ctx.Str("correlation_id", correlationID)
	}
	return ctx.Logger()
}

// ForChild derives the logger a supervised child's output is relayed
// through. stream names the stdio pipe ("stdout", "stderr") and is
// omitted for the supervisor's own lines about the child.
func ForChild(childID, stream string) zerolog.Logger {
	ctx := Logger.With().Str("child_id", childID)
	if stream != "" {
		ctx = ctx.Str("stream", stream)
	}
	return ctx.Logger()
}
