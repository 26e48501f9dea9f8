package extensions

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/rs/zerolog"

	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Failure types.
const (
	FailureFatal = "Fatal error."
	FailureParse = "Parse error."
)

// IncompatibleMessage is the plain message shown with every failure.
const IncompatibleMessage = "Extension is not compatible with your server configuration."

// ParseError is raised by extension code that rejects its own source, the
// equivalent of a compile failure in an interpreted extension.
type ParseError struct {
	File string
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.File == "" {
		return "syntax error, " + e.Msg
	}
	return fmt.Sprintf("syntax error, %s in %s on line %d", e.Msg, e.File, e.Line)
}

// Advanced is the diagnostic detail shown to administrators.
type Advanced struct {
	Message string `json:"message"`
	File    string `json:"file"`
	Line    int    `json:"line"`
}

// Failure is the structured report of contained extension code.
type Failure struct {
	Type     string   `json:"type"`
	Message  string   `json:"message"`
	Advanced Advanced `json:"advanced"`

	cause error
}

func (f *Failure) Error() string {
	return f.Type + " " + f.Message
}

// Unwrap exposes the stack-carrying cause.
func (f *Failure) Unwrap() error {
	return f.cause
}

// AdvancedText renders the administrator message.
func (f *Failure) AdvancedText() string {
	return fmt.Sprintf("Error message: %s in file %s on line %d.", f.Advanced.Message, f.Advanced.File, f.Advanced.Line)
}

// Sandbox runs extension code behind a recovery boundary with buffered
// output and muted logging.
type Sandbox struct {
	root    string
	options hostapi.OptionStore
	logger  zerolog.Logger
}

// NewSandbox returns a sandbox. root is stripped from reported paths.
func NewSandbox(root string, options hostapi.OptionStore, logger zerolog.Logger) *Sandbox {
	return &Sandbox{root: root, options: options, logger: logger}
}

// Run executes fn for file of slug. A nil result means fn completed.
func (s *Sandbox) Run(ctx context.Context, slug, file string, fn Func) (failure *Failure) {
	if fn == nil {
		return nil
	}
	var out bytes.Buffer
	env := &Env{Slug: slug, Output: &out, Logger: zerolog.Nop(), Options: s.options}

	passed := false
	defer func() {
		out.Reset()
		if passed {
			return
		}
		r := recover()
		panicFile, line := panicSite()
		failure = s.contain(slug, file, r, panicFile, line)
	}()

	err := fn(ctx, env)
	passed = true
	if err != nil {
		return s.fromError(slug, file, err)
	}
	return nil
}

func (s *Sandbox) contain(slug, file string, r any, panicFile string, line int) *Failure {
	var cause error
	switch v := r.(type) {
	case error:
		cause = v
	case nil:
		cause = errors.New("extension exited during load")
	default:
		cause = fmt.Errorf("%v", v)
	}

	f := s.build(file, cause)
	if f.Advanced.Line == 0 {
		f.Advanced.File = s.relative(panicFile)
		f.Advanced.Line = line
	}
	f.cause = pkgerrors.WithStack(errs.New(errs.ClassSandbox, "run_extension", cause).WithSlug(slug))
	s.logger.Warn().Stack().Err(f.cause).Str("slug", slug).Str("file", f.Advanced.File).Msg("Extension crashed inside sandbox")
	return f
}

func (s *Sandbox) fromError(slug, file string, err error) *Failure {
	f := s.build(file, err)
	f.cause = pkgerrors.Wrapf(errs.New(errs.ClassSandbox, "run_extension", err).WithSlug(slug), "extension %s", slug)
	s.logger.Warn().Err(err).Str("slug", slug).Str("file", f.Advanced.File).Msg("Extension failed inside sandbox")
	return f
}

func (s *Sandbox) build(file string, cause error) *Failure {
	f := &Failure{
		Type:    FailureFatal,
		Message: IncompatibleMessage,
		Advanced: Advanced{
			Message: s.cleanErrorMessage(cause.Error()),
			File:    s.relative(file),
		},
	}
	var perr *ParseError
	if errors.As(cause, &perr) {
		f.Type = FailureParse
		if perr.File != "" {
			f.Advanced.File = s.relative(perr.File)
		}
		f.Advanced.Line = perr.Line
	}
	return f
}

var locationPattern = regexp.MustCompile(` in (?:[A-Za-z]:)?[/\\]\S*?(?::\d+| on line \d+)`)

// cleanErrorMessage drops stack traces and source locations from msg.
func (s *Sandbox) cleanErrorMessage(msg string) string {
	for _, marker := range []string{"Stack trace:", "\ngoroutine "} {
		if i := strings.Index(msg, marker); i >= 0 {
			msg = msg[:i]
		}
	}
	msg = locationPattern.ReplaceAllString(msg, "")
	if s.root != "" {
		msg = strings.ReplaceAll(msg, filepath.Clean(s.root)+string(filepath.Separator), "")
	}
	return strings.TrimSpace(msg)
}

func (s *Sandbox) relative(path string) string {
	if path == "" || s.root == "" {
		return path
	}
	if rel, err := filepath.Rel(s.root, path); err == nil && !strings.HasPrefix(rel, "..") {
		return filepath.ToSlash(rel)
	}
	return filepath.Base(path)
}

// panicSite finds the frame that raised the panic being recovered.
func panicSite() (string, int) {
	pcs := make([]uintptr, 64)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	sawPanic := false
	for {
		frame, more := frames.Next()
		if sawPanic && !strings.HasPrefix(frame.Function, "runtime.") && !strings.HasPrefix(frame.Function, "internal/") {
			return frame.File, frame.Line
		}
		if frame.Function == "runtime.gopanic" {
			sawPanic = true
		}
		if !more {
			return "", 0
		}
	}
}
