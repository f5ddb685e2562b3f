// Package diagnostics implements a structured trace stream: four log
// levels, one tab-separated canonical line per event, a filter chain
// that turns backend-native-style debug lines into canonical events,
// and the NSS key-log sink. The custom zapcore.Encoder is grounded on
// _reference/cmd/root.go's colorConsoleEncoder — a struct embedding a
// zapcore.Encoder and overriding only EncodeEntry.
package diagnostics

import (
	"fmt"
	"io"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is the four-value log level this engine reports at.
type Level int

const (
	Off Level = iota
	Low
	Medium
	High
)

func ParseLevel(s string) (Level, error) {
	switch s {
	case "OFF", "off":
		return Off, nil
	case "LOW", "low":
		return Low, nil
	case "MEDIUM", "medium":
		return Medium, nil
	case "HIGH", "high":
		return High, nil
	default:
		return Off, fmt.Errorf("diagnostics: unknown log level %q", s)
	}
}

// fieldSep separates "category" from "message" inside the zap entry
// message string so traceEncoder can re-insert file:line between them
// without needing structured-field introspection.
const fieldSep = "\x1f"

// Sink is the trace destination every handshake-engine component logs
// through. It is not safe for concurrent use.
type Sink struct {
	logger  *zap.Logger
	level   Level
	filters []Filter
	keyLog  *keyLogWriter
}

// New builds a Sink writing to stdout at the given level, uncolored,
// with stdio syncing left to zap's own buffered WriteSyncer rather
// than flushed per line.
func New(level Level) *Sink {
	return NewWithWriter(level, stdout{})
}

// NewWithWriter builds a Sink identical to New but writing to w instead
// of stdout, so a caller (typically a test) can assert on the
// canonical trace lines a handshake actually produces.
func NewWithWriter(level Level, w io.Writer) *Sink {
	enc := newTraceEncoder()
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(w)), zapcore.DebugLevel)
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	return &Sink{logger: logger, level: level}
}

// RegisterFilter appends f to the filter chain; filters run in
// registration order and the first to report handled=true stops the
// chain.
func (s *Sink) RegisterFilter(f Filter) {
	s.filters = append(s.filters, f)
}

// SetKeyLog opens path in append mode with line flushing after each
// NSS entry written.
func (s *Sink) SetKeyLog(path string) error {
	if path == "" {
		return nil
	}
	w, err := newKeyLogWriter(path)
	if err != nil {
		return err
	}
	s.keyLog = w
	return nil
}

func (s *Sink) HasKeyLog() bool { return s.keyLog != nil }

// WriteKeyLogEntry emits a `CLIENT_RANDOM <hex32> <hex48>` NSS
// key-log line.
func (s *Sink) WriteKeyLogEntry(clientRandom [32]byte, masterSecret [48]byte) error {
	if s.keyLog == nil {
		return nil
	}
	return s.keyLog.WriteEntry(clientRandom, masterSecret)
}

func (s *Sink) emit(lvl Level, category, msg string) {
	if s.level == Off || lvl > s.level {
		return
	}
	full := category + fieldSep + msg
	switch lvl {
	case Low:
		s.logger.Warn(full)
	case Medium:
		s.logger.Info(full)
	default:
		s.logger.Debug(full)
	}
}

// Tracef emits a canonical trace line at MEDIUM level under category,
// the level most core handshake events are logged at. It also
// satisfies netio.TraceEmitter for BlockObserver.
func (s *Sink) Tracef(category, format string, args ...interface{}) {
	s.emit(Medium, category, fmt.Sprintf(format, args...))
}

// Tracefl emits a canonical trace line at an explicit level.
func (s *Sink) Tracefl(lvl Level, category, format string, args ...interface{}) {
	s.emit(lvl, category, fmt.Sprintf(format, args...))
}

// Event emits a plain canonical line with no printf formatting, the
// common case for fixed protocol-event strings like "Handshake
// successful."
func (s *Sink) Event(category, message string) {
	s.emit(Medium, category, message)
}

// Native feeds one backend-native-style debug line through the
// filter chain. If no filter consumes it, the line is emitted verbatim
// under category "native": some filters suppress a line without
// replacement, but an unmatched native line is not one of those, so it
// still surfaces, just unfiltered.
func (s *Sink) Native(line NativeLine) {
	for _, f := range s.filters {
		if f.Apply(s, line) {
			return
		}
	}
	s.emit(line.Level, "native", line.Message)
}

// NativeLine mimics one debug-log line a patched native TLS backend
// would have emitted; this engine's own internal/tlsbackend emits
// these at the same points the historical log filters were written
// against, so the filter chain in filters.go is genuine translation
// logic, not just renamed printfs.
type NativeLine struct {
	Level    Level
	Origin   string // e.g. "ssl_tls.c" in the historical tool; here, the Go source area
	Message  string
	HexLabel string // set when Message represents a labeled hex dump
	HexBytes []byte
}

// Filter is one log-line translator: string translations, regex
// translations, hex-dump interception, and bit-value interception are
// all implemented as Filter values.
type Filter interface {
	// Apply inspects line and, if it recognizes it, emits zero or more
	// canonical lines to s and returns true (consuming the line, no
	// further filters or the native fallback run). Returns false to
	// let the chain continue.
	Apply(s *Sink, line NativeLine) bool
}

type stdout struct{}

func (stdout) Write(p []byte) (int, error) {
	return stdoutWrite(p)
}
