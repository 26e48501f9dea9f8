package hostapi

import (
	"context"
	"time"
)

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now returns time.Now.
func (SystemClock) Now() time.Time { return time.Now() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now calls f.
func (f ClockFunc) Now() time.Time { return f() }

// StaticHashes is a fixed algorithm list.
type StaticHashes []string

// Algorithms returns the list.
func (s StaticHashes) Algorithms() []string { return []string(s) }

// DefaultHashes lists every algorithm the standard library computes.
var DefaultHashes = StaticHashes{"sha256", "sha1", "md5"}

// RequesterFunc adapts a function to Requester.
type RequesterFunc func(ctx context.Context, requestType string, args map[string]string) (map[string]any, error)

// Request calls f.
func (f RequesterFunc) Request(ctx context.Context, requestType string, args map[string]string) (map[string]any, error) {
	return f(ctx, requestType, args)
}
