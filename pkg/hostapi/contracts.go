// Package hostapi defines the collaborators the extension manager borrows
// from its host: option persistence, the licensing transport, time, and the
// list of digest algorithms the host can compute.
package hostapi

import (
	"context"
	"time"
)

// OptionStore persists opaque option documents under string keys.
//
// Get reports found=false for a missing key. Implementations must make Set
// visible to a subsequent Get in the same process.
type OptionStore interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Requester performs a licensing-server request.
//
// A nil map with a nil error is an empty response: the server answered
// without a body the caller can use.
type Requester interface {
	Request(ctx context.Context, requestType string, args map[string]string) (map[string]any, error)
}

// Clock is the time source.
type Clock interface {
	Now() time.Time
}

// HashProvider lists digest algorithm names the host supports.
type HashProvider interface {
	Algorithms() []string
}

// Request types understood by the licensing server.
const (
	RequestStatus       = "status"
	RequestActivation   = "activation"
	RequestDeactivation = "deactivation"
)
