package extensions

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/options"
)

func newTestSandbox(root string) *Sandbox {
	return NewSandbox(root, options.NewMemoryStore(), zerolog.Nop())
}

func TestSandboxPassesCleanRun(t *testing.T) {
	sb := newTestSandbox("/srv/ext")
	var seen *Env
	failure := sb.Run(context.Background(), "probe", "/srv/ext/free/probe/trunk/probe.ext.yaml", func(_ context.Context, env *Env) error {
		seen = env
		fmt.Fprintln(env.Output, "hello")
		return nil
	})
	assert.Nil(t, failure)
	require.NotNil(t, seen)
	assert.Equal(t, "probe", seen.Slug)
	assert.NotNil(t, seen.Options)
}

func TestSandboxContainsPanic(t *testing.T) {
	sb := newTestSandbox("/srv/ext")
	failure := sb.Run(context.Background(), "probe", "/srv/ext/free/probe/trunk/probe.ext.yaml", func(context.Context, *Env) error {
		var m map[string]int
		m["boom"] = 1
		return nil
	})
	require.NotNil(t, failure)
	assert.Equal(t, FailureFatal, failure.Type)
	assert.Equal(t, IncompatibleMessage, failure.Message)
	assert.Contains(t, failure.Advanced.Message, "assignment to entry in nil map")
	assert.Equal(t, "sandbox_test.go", failure.Advanced.File)
	assert.Positive(t, failure.Advanced.Line)
	assert.Equal(t, errs.ClassSandbox, errs.ClassOf(failure))
}

func TestSandboxReportsParseError(t *testing.T) {
	sb := newTestSandbox("/srv/ext")
	failure := sb.Run(context.Background(), "probe", "/srv/ext/free/probe/trunk/probe.ext.yaml", func(context.Context, *Env) error {
		return &ParseError{File: "/srv/ext/free/probe/trunk/inc/core.yaml", Line: 7, Msg: "unexpected '}'"}
	})
	require.NotNil(t, failure)
	assert.Equal(t, FailureParse, failure.Type)
	assert.Equal(t, "syntax error, unexpected '}'", failure.Advanced.Message)
	assert.Equal(t, "free/probe/trunk/inc/core.yaml", failure.Advanced.File)
	assert.Equal(t, 7, failure.Advanced.Line)
	assert.Equal(t, "Parse error. "+IncompatibleMessage, failure.Error())
}

func TestSandboxPanicWithParseError(t *testing.T) {
	sb := newTestSandbox("/srv/ext")
	failure := sb.Run(context.Background(), "probe", "/srv/ext/x.ext.yaml", func(context.Context, *Env) error {
		panic(&ParseError{Msg: "unexpected end of file", Line: 3})
	})
	require.NotNil(t, failure)
	assert.Equal(t, FailureParse, failure.Type)
	assert.Equal(t, 3, failure.Advanced.Line)
}

func TestSandboxReturnedErrorIsFatal(t *testing.T) {
	sb := newTestSandbox("/srv/ext")
	cause := errors.New("missing dependency")
	failure := sb.Run(context.Background(), "probe", filepath.Join("/srv/ext", "free", "probe.ext.yaml"), func(context.Context, *Env) error {
		return cause
	})
	require.NotNil(t, failure)
	assert.Equal(t, FailureFatal, failure.Type)
	assert.Equal(t, "free/probe.ext.yaml", failure.Advanced.File)
	assert.ErrorIs(t, failure, cause)
}

func TestSandboxNilFunc(t *testing.T) {
	assert.Nil(t, newTestSandbox("").Run(context.Background(), "probe", "x", nil))
}

func TestCleanErrorMessage(t *testing.T) {
	sb := newTestSandbox("/srv/ext")
	tests := []struct {
		in, want string
	}{
		{"boom in /srv/ext/free/a.go:12\nStack trace:\n#0 main", "boom"},
		{"syntax error, unexpected '}' in /srv/ext/x.yaml on line 3", "syntax error, unexpected '}'"},
		{"panic: oops\ngoroutine 1 [running]:\nmain.main()", "panic: oops"},
		{"cannot read /srv/ext/free/a.yaml", "cannot read free/a.yaml"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sb.cleanErrorMessage(tt.in), tt.in)
	}
}
