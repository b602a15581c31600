// Package observability provides the daemon's ambient logging, metrics,
// tracing, and health-check surface (SPEC_FULL.md §1). It is grounded on
// the teacher's internal/observability package: a zerolog wrapper with
// per-subsystem With... context builders and promauto-registered
// Prometheus metrics, generalized from QuantaraX's transfer/QUIC domain to
// files, chunks, subfeeds, and bucket requests.
package observability

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog for structured logging.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new structured logger.
func NewLogger(service, version string, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}

	zerolog.TimeFieldFormat = time.RFC3339

	logger := zerolog.New(output).With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Str("host", getHostname()).
		Logger()

	return &Logger{logger: logger}
}

// WithChannel adds channel context to logger.
func (l *Logger) WithChannel(channelName string) *Logger {
	return &Logger{logger: l.logger.With().Str("channel", channelName).Logger()}
}

// WithFile adds sha1/size context to logger.
func (l *Logger) WithFile(sha1Hex string, size int64) *Logger {
	return &Logger{logger: l.logger.With().Str("sha1", sha1Hex).Int64("size", size).Logger()}
}

// WithFeed adds feedId/subfeedHash context to logger.
func (l *Logger) WithFeed(feedID, subfeedHash string) *Logger {
	return &Logger{logger: l.logger.With().Str("feed_id", feedID).Str("subfeed_hash", subfeedHash).Logger()}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string) { l.logger.Debug().Msg(msg) }

// Info logs an info message.
func (l *Logger) Info(msg string) { l.logger.Info().Msg(msg) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string) { l.logger.Warn().Msg(msg) }

// Error logs an error message.
func (l *Logger) Error(err error, msg string) { l.logger.Error().Err(err).Msg(msg) }

// Fatal logs a fatal message and exits.
func (l *Logger) Fatal(err error, msg string) { l.logger.Fatal().Err(err).Msg(msg) }

// LogErrKind logs err at the level implied by its errs.Kind (spec.md §7):
// NotFound/Cancelled are not logged, Transient/Protocol warn, anything
// else that reaches this call is an error-level event.
func (l *Logger) LogErrKind(kind string, err error, msg string) {
	switch kind {
	case "NotFound", "Cancelled":
		return
	case "Transient", "Protocol":
		l.logger.Warn().Err(err).Str("kind", kind).Msg(msg)
	default:
		l.logger.Error().Err(err).Str("kind", kind).Msg(msg)
	}
}

// FileStored logs a successful CAS install.
func (l *Logger) FileStored(sha1Hex string, size int64, manifestSha1 string) {
	ev := l.logger.Info().Str("sha1", sha1Hex).Int64("size", size)
	if manifestSha1 != "" {
		ev = ev.Str("manifest_sha1", manifestSha1)
	}
	ev.Msg("file stored")
}

// DownloadProgress logs manifest-driven download progress at debug level.
func (l *Logger) DownloadProgress(sha1Hex string, bytesDownloaded, totalBytes int64) {
	l.logger.Debug().
		Str("sha1", sha1Hex).
		Int64("bytes_downloaded", bytesDownloaded).
		Int64("total_bytes", totalBytes).
		Msg("download progress")
}

// SubfeedAppended logs a successful local append.
func (l *Logger) SubfeedAppended(feedID, subfeedHash string, count int) {
	l.logger.Info().
		Str("feed_id", feedID).
		Str("subfeed_hash", subfeedHash).
		Int("messages_appended", count).
		Msg("subfeed messages appended")
}

func getHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return hostname
}
