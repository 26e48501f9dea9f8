// Package guard implements the fail-closed stop used when verification
// tokens are misused.
package guard

import (
	"sync"

	"github.com/rs/zerolog"

	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/metrics"
)

// Surface tells the guard how far a violation propagates.
type Surface int

const (
	// SurfaceBackground stops only the extension manager; the host continues.
	SurfaceBackground Surface = iota
	// SurfaceAdmin halts the current request entirely.
	SurfaceAdmin
)

func (s Surface) String() string {
	if s == SurfaceAdmin {
		return "admin"
	}
	return "background"
}

// Guard records whether the subsystem has died.
type Guard struct {
	surface Surface
	logger  zerolog.Logger

	mu      sync.Mutex
	tripped bool
	reason  string
}

// New returns an untripped guard.
func New(surface Surface, logger zerolog.Logger) *Guard {
	return &Guard{surface: surface, logger: logger}
}

// Surface returns the configured surface.
func (g *Guard) Surface() Surface {
	return g.surface
}

// Trip marks the subsystem dead and returns the error callers must
// propagate. Only the first trip is logged.
func (g *Guard) Trip(reason string) error {
	g.mu.Lock()
	first := !g.tripped
	g.tripped = true
	if first {
		g.reason = reason
	}
	g.mu.Unlock()

	if first {
		metrics.RecordProtocolViolation()
		ev := g.logger.Warn()
		if g.surface == SurfaceAdmin {
			ev = g.logger.Error()
		}
		ev.Str("surface", g.surface.String()).Str("reason", reason).Msg("Verification protocol violated; extension manager stopped")
	}
	return g.errFor()
}

// Tripped reports whether Trip was called.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Reason returns the first trip reason.
func (g *Guard) Reason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// Err returns nil while the guard is intact.
func (g *Guard) Err() error {
	if !g.Tripped() {
		return nil
	}
	return g.errFor()
}

func (g *Guard) errFor() error {
	if g.surface == SurfaceAdmin {
		return errs.ErrHalted
	}
	return errs.ErrStopped
}
