// Package logging configures the process-wide zerolog logger.
//
// Every writer Init builds is wrapped so that licensing secrets (API keys,
// activation emails, instance keys and verification tokens) never reach a
// log sink, whichever component logs them.
package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/rs/zerolog/pkgerrors"
	"golang.org/x/term"
)

const (
	logFilePerm os.FileMode = 0o600
	redacted                = "[redacted]"
)

// Config controls logger initialization.
type Config struct {
	Format    string // "json", "console", or "auto"
	Level     string // "debug", "info", "warn", "error"
	Component string // optional component name
	FilePath  string // optional log file path
}

// SecretFields are event keys whose values are replaced before writing.
var SecretFields = []string{"api_key", "activation_email", "instance", "_instance", "token", "counter", "bit"}

var (
	mu         sync.RWMutex
	baseLogger zerolog.Logger
	baseWriter io.Writer = os.Stderr
	component  string
	logFile    io.Closer
)

// Swapped in tests.
var (
	isTerminalFn = term.IsTerminal
	openFileFn   = os.OpenFile
)

func init() {
	baseLogger = zerolog.New(redactWriter{out: baseWriter}).With().Timestamp().Logger()
	log.Logger = baseLogger
}

// Init configures zerolog globals and replaces the base logger. A log file
// that cannot be opened is reported on stderr and skipped.
func Init(cfg Config) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	out, console := stderrWriter(cfg.Format)
	var sinks []io.Writer
	if console {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339})
	} else {
		sinks = append(sinks, out)
	}

	previous := logFile
	logFile = nil
	file, err := openLogFile(cfg.FilePath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: unable to configure file output: %v\n", err)
	} else if file != nil {
		sinks = append(sinks, file)
		logFile = file
	}

	var writer io.Writer = redactWriter{out: sinks[0]}
	if len(sinks) > 1 {
		writer = redactWriter{out: zerolog.MultiLevelWriter(sinks...)}
	}

	component = strings.TrimSpace(cfg.Component)
	ctx := zerolog.New(writer).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	baseLogger = ctx.Logger()
	baseWriter = writer
	log.Logger = baseLogger

	if previous != nil {
		_ = previous.Close()
	}
	return baseLogger
}

// Shutdown closes the log file, if any.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	if logFile == nil {
		return
	}
	if err := logFile.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "logging: unable to close log file: %v\n", err)
	}
	logFile = nil
}

// SetLevel changes the global level without rebuilding writers. Used on config reload.
func SetLevel(level string) {
	zerolog.SetGlobalLevel(parseLevel(level))
}

// For returns a child of the base logger tagged with the given component.
func For(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return baseLogger.With().Str("component", name).Logger()
}

// ValidLevel reports whether level names a known zerolog level.
func ValidLevel(level string) bool {
	_, err := levelOf(level)
	return err == nil
}

func levelOf(level string) (zerolog.Level, error) {
	switch l := strings.ToLower(strings.TrimSpace(level)); l {
	case "":
		return zerolog.InfoLevel, nil
	case "warning":
		return zerolog.WarnLevel, nil
	default:
		parsed, err := zerolog.ParseLevel(l)
		if err != nil || parsed == zerolog.NoLevel {
			return zerolog.InfoLevel, fmt.Errorf("unknown level %q", level)
		}
		return parsed, nil
	}
}

func parseLevel(level string) zerolog.Level {
	parsed, err := levelOf(level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v; using info\n", err)
	}
	return parsed
}

// stderrWriter picks stderr and reports whether it should be rendered for a
// human.
func stderrWriter(format string) (io.Writer, bool) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console":
		return os.Stderr, true
	case "json":
		return os.Stderr, false
	case "", "auto":
		return os.Stderr, isTerminalFn(int(os.Stderr.Fd()))
	default:
		fmt.Fprintf(os.Stderr, "logging: invalid format %q; using json\n", format)
		return os.Stderr, false
	}
}

func openLogFile(path string) (*os.File, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, nil
	}
	path = filepath.Clean(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	info, err := os.Lstat(path)
	switch {
	case err == nil && !info.Mode().IsRegular():
		return nil, fmt.Errorf("log path %s is not a regular file", path)
	case err != nil && !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("stat log file: %w", err)
	}

	file, err := openFileFn(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, logFilePerm)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// redactWriter rewrites JSON events that carry a secret field. Events
// without one pass through untouched.
type redactWriter struct {
	out io.Writer
}

func (w redactWriter) Write(p []byte) (int, error) {
	if !mentionsSecret(p) {
		return w.out.Write(p)
	}
	var event map[string]json.RawMessage
	if err := json.Unmarshal(p, &event); err != nil {
		return w.out.Write(p)
	}
	quoted, _ := json.Marshal(redacted)
	for _, key := range SecretFields {
		if _, ok := event[key]; ok {
			event[key] = quoted
		}
	}
	clean, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}
	if _, err := w.out.Write(append(clean, '\n')); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteLevel keeps per-level routing when the sink supports it.
func (w redactWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	lw, ok := w.out.(zerolog.LevelWriter)
	if !ok || mentionsSecret(p) {
		return w.Write(p)
	}
	return lw.WriteLevel(level, p)
}

func mentionsSecret(p []byte) bool {
	for _, key := range SecretFields {
		if bytes.Contains(p, []byte(`"`+key+`":`)) {
			return true
		}
	}
	return false
}
