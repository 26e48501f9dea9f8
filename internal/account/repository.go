package account

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Option keys.
const (
	SiteOptionsKey      = "extmgr_site_options"
	ActiveExtensionsKey = "extmgr_active_extensions"
	NoticeKey           = "extmgr_notice"
)

// Repository reads and writes whole option documents. Every mutation is a
// read-modify-write of the full document so concurrent writers cannot drop
// unrelated fields.
type Repository struct {
	store hostapi.OptionStore
}

// NewRepository wraps store.
func NewRepository(store hostapi.OptionStore) *Repository {
	return &Repository{store: store}
}

// Store exposes the underlying option store.
func (r *Repository) Store() hostapi.OptionStore {
	return r.store
}

// Site loads the site options. found is false when none were ever written.
func (r *Repository) Site(ctx context.Context) (SiteOptions, bool, error) {
	var opts SiteOptions
	found, err := r.load(ctx, SiteOptionsKey, &opts)
	return opts, found, err
}

// SaveSite replaces the site options.
func (r *Repository) SaveSite(ctx context.Context, opts SiteOptions) error {
	return r.save(ctx, SiteOptionsKey, opts)
}

// UpdateSite applies fn to the current options and writes the result.
func (r *Repository) UpdateSite(ctx context.Context, fn func(*SiteOptions) error) (SiteOptions, error) {
	opts, _, err := r.Site(ctx)
	if err != nil {
		return SiteOptions{}, err
	}
	if err := fn(&opts); err != nil {
		return SiteOptions{}, err
	}
	if err := r.SaveSite(ctx, opts); err != nil {
		return SiteOptions{}, err
	}
	return opts, nil
}

// Kill deletes every option the manager owns apart from the pending notice.
func (r *Repository) Kill(ctx context.Context) error {
	if err := r.store.Delete(ctx, SiteOptionsKey); err != nil {
		return fmt.Errorf("delete site options: %w", err)
	}
	if err := r.store.Delete(ctx, ActiveExtensionsKey); err != nil {
		return fmt.Errorf("delete active extensions: %w", err)
	}
	return nil
}

// ActiveExtensions returns the slug -> enabled map.
func (r *Repository) ActiveExtensions(ctx context.Context) (map[string]bool, error) {
	active := map[string]bool{}
	if _, err := r.load(ctx, ActiveExtensionsKey, &active); err != nil {
		return nil, err
	}
	if active == nil {
		active = map[string]bool{}
	}
	return active, nil
}

// SetExtension flips one slug in the active map.
func (r *Repository) SetExtension(ctx context.Context, slug string, enabled bool) error {
	active, err := r.ActiveExtensions(ctx)
	if err != nil {
		return err
	}
	if enabled {
		active[slug] = true
	} else {
		delete(active, slug)
	}
	return r.save(ctx, ActiveExtensionsKey, active)
}

func (r *Repository) load(ctx context.Context, key string, dst any) (bool, error) {
	raw, found, err := r.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read option %s: %w", key, err)
	}
	if !found || len(raw) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode option %s: %w", key, err)
	}
	return true, nil
}

func (r *Repository) save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode option %s: %w", key, err)
	}
	if err := r.store.Set(ctx, key, raw); err != nil {
		return fmt.Errorf("write option %s: %w", key, err)
	}
	return nil
}
