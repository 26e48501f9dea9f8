package options

import (
	"fmt"
	"strings"

	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Backend names accepted by Open.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

// Store is an OptionStore that owns resources.
type Store interface {
	hostapi.OptionStore
	Close() error
}

// ValidBackend reports whether name is a known backend.
func ValidBackend(name string) bool {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case BackendMemory, BackendFile, BackendSQLite:
		return true
	default:
		return false
	}
}

// Open constructs the named backend rooted at dataDir.
func Open(backend, dataDir string) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case BackendMemory:
		return NewMemoryStore(), nil
	case BackendFile, "":
		return NewFileStore(dataDir)
	case BackendSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown option store backend %q", backend)
	}
}
