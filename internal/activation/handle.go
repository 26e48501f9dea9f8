package activation

import (
	"context"
	"strings"

	"github.com/rcourtman/extension-manager/internal/guard"
	"github.com/rcourtman/extension-manager/internal/notices"
)

// Actions accepted by Handle.
const (
	ActionActivateKey   = "activate-key"
	ActionActivateFree  = "activate-free"
	ActionDeactivate    = "deactivate"
	ActionDisconnect    = "disconnect"
	ActionEnableFeed    = "enable-feed"
	ActionActivateExt   = "activate-ext"
	ActionDeactivateExt = "deactivate-ext"
)

// ExtensionActions enables and disables single extensions.
type ExtensionActions interface {
	ActivateExtension(ctx context.Context, slug string) notices.Result
	DeactivateExtension(ctx context.Context, slug string) notices.Result
}

// Request is one administrative form submission.
type Request struct {
	Action string `json:"action"`
	APIKey string `json:"api_key,omitempty"`
	Email  string `json:"email,omitempty"`
	Slug   string `json:"slug,omitempty"`

	// Deactivate only.
	Downgrade bool `json:"downgrade,omitempty"`
	MOE       bool `json:"moe,omitempty"`
}

// Dispatcher routes administrative requests to the engine and the
// extension loader.
type Dispatcher struct {
	engine     *Engine
	extensions ExtensionActions
	guard      *guard.Guard
}

// NewDispatcher returns a dispatcher. extensions and g may be nil.
func NewDispatcher(engine *Engine, extensions ExtensionActions, g *guard.Guard) *Dispatcher {
	return &Dispatcher{engine: engine, extensions: extensions, guard: g}
}

// Handle runs req. The error is non-nil only when the guard has tripped.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (notices.Result, error) {
	if d.guard != nil {
		if err := d.guard.Err(); err != nil {
			return notices.Unknown(notices.None), err
		}
	}

	switch strings.TrimSpace(req.Action) {
	case ActionActivateKey:
		return d.engine.ActivatePremium(ctx, req.APIKey, req.Email), nil
	case ActionActivateFree:
		return d.engine.ActivateFree(ctx), nil
	case ActionDeactivate:
		return d.engine.Deactivate(ctx, req.Downgrade, req.MOE), nil
	case ActionDisconnect:
		return d.engine.Disconnect(ctx), nil
	case ActionEnableFeed:
		return d.engine.EnableFeed(ctx), nil
	case ActionActivateExt:
		if d.extensions == nil {
			break
		}
		return d.engine.finish(ctx, d.extensions.ActivateExtension(ctx, req.Slug)), d.guardErr()
	case ActionDeactivateExt:
		if d.extensions == nil {
			break
		}
		return d.engine.finish(ctx, d.extensions.DeactivateExtension(ctx, req.Slug)), d.guardErr()
	}
	return d.engine.finish(ctx, notices.Fail(notices.UnknownRequest)), nil
}

func (d *Dispatcher) guardErr() error {
	if d.guard == nil {
		return nil
	}
	return d.guard.Err()
}
