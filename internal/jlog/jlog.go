// Package jlog wraps a logrus logger with the per-fatal-condition
// fields a reconstruction failure needs to report: one line per fatal
// condition carrying the offending offset, descriptor index, and the
// digest being sought, in the single-line-per-failure idiom a shared
// puller's early-close path uses.
package jlog

import (
	"io"

	"github.com/sirupsen/logrus"

	"github.com/jigdo-project/jigdo/internal/digest"
)

// Logger is a thin, struct-typed facade over *logrus.Logger so call
// sites name fields instead of building logrus.Fields maps inline.
type Logger struct {
	l *logrus.Logger
}

// New returns a Logger writing to logrus's default destination
// (stderr) at the given level.
func New(level logrus.Level) *Logger {
	l := logrus.New()
	l.SetLevel(level)
	return &Logger{l: l}
}

// SetOutput redirects the logger's output, e.g. to a log file instead
// of stderr.
func (lg *Logger) SetOutput(w io.Writer) {
	lg.l.SetOutput(w)
}

// NewWithLogger wraps an already-configured logrus.Logger, for callers
// (tests, the CLI) that want control over output/formatter/level.
func NewWithLogger(l *logrus.Logger) *Logger {
	return &Logger{l: l}
}

// Fields mirrors the handful of identifying values the error taxonomy
// calls out: byte offset, descriptor index, and the digest (if any)
// involved in a fatal condition.
type Fields struct {
	Offset        int64
	DescriptorIdx int
	Digest        []byte
	DigestKind    digest.Kind
	File          string
}

func (f Fields) toLogrus() logrus.Fields {
	out := logrus.Fields{
		"offset":     f.Offset,
		"descriptor": f.DescriptorIdx,
	}
	if f.Digest != nil {
		out["digest"] = digest.Base64Encode(f.Digest)
		out["digest_kind"] = f.DigestKind.String()
	}
	if f.File != "" {
		out["file"] = f.File
	}
	return out
}

// Fatal logs one line describing a fatal reconstruction error. It does
// not call os.Exit — that decision belongs to the CLI, not the
// library.
func (lg *Logger) Fatal(f Fields, err error) {
	lg.l.WithFields(f.toLogrus()).WithError(err).Error("reconstruction aborted")
}

// Progress logs a descriptor-boundary progress line at debug level.
func (lg *Logger) Progress(f Fields, msg string) {
	lg.l.WithFields(f.toLogrus()).Debug(msg)
}

// Warn logs a non-fatal condition, e.g. a missing-mode file recorded
// rather than aborting on.
func (lg *Logger) Warn(f Fields, msg string) {
	lg.l.WithFields(f.toLogrus()).Warn(msg)
}

// Info logs a session-level informational line (start, completion).
func (lg *Logger) Info(msg string, kv map[string]any) {
	lg.l.WithFields(logrus.Fields(kv)).Info(msg)
}
