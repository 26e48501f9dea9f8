// Package host wires configuration into a running extension manager.
package host

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/rcourtman/extension-manager/internal/account"
	"github.com/rcourtman/extension-manager/internal/activation"
	"github.com/rcourtman/extension-manager/internal/catalog"
	"github.com/rcourtman/extension-manager/internal/config"
	"github.com/rcourtman/extension-manager/internal/extensions"
	"github.com/rcourtman/extension-manager/internal/extensions/builtin"
	"github.com/rcourtman/extension-manager/internal/guard"
	"github.com/rcourtman/extension-manager/internal/integrity"
	"github.com/rcourtman/extension-manager/internal/logging"
	"github.com/rcourtman/extension-manager/internal/notices"
	"github.com/rcourtman/extension-manager/internal/options"
	"github.com/rcourtman/extension-manager/internal/remote"
	"github.com/rcourtman/extension-manager/internal/subscription"
	"github.com/rcourtman/extension-manager/internal/tokenmint"
	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Host is one fully wired extension manager.
type Host struct {
	Config       *config.Config
	Store        options.Store
	Repo         *account.Repository
	Subscription *subscription.Client
	Notices      *notices.Store
	Guard        *guard.Guard
	Mint         *tokenmint.Mint
	Gate         *integrity.Gate
	Loader       *extensions.Loader
	Engine       *activation.Engine
	Dispatcher   *activation.Dispatcher

	remote *remote.Client
}

type settings struct {
	surface   *guard.Surface
	store     options.Store
	requester hostapi.Requester
	clock     hostapi.Clock
	catalog   catalog.Catalog
	subOpts   []subscription.Option
}

// Option adjusts how New wires the host.
type Option func(*settings)

// WithSurface overrides the configured guard surface.
func WithSurface(s guard.Surface) Option {
	return func(o *settings) { o.surface = &s }
}

// WithStore uses store instead of opening the configured backend.
func WithStore(store options.Store) Option {
	return func(o *settings) { o.store = store }
}

// WithRequester replaces the HTTP licensing client.
func WithRequester(r hostapi.Requester) Option {
	return func(o *settings) { o.requester = r }
}

// WithClock replaces the wall clock used for status caching and grace.
func WithClock(c hostapi.Clock) Option {
	return func(o *settings) { o.clock = c }
}

// WithCatalog replaces the shipped catalog.
func WithCatalog(c catalog.Catalog) Option {
	return func(o *settings) { o.catalog = c }
}

// WithSubscriptionOptions passes extra options to the subscription client.
func WithSubscriptionOptions(opts ...subscription.Option) Option {
	return func(o *settings) { o.subOpts = append(o.subOpts, opts...) }
}

// New builds every component from cfg. The caller must Close the host.
func New(cfg *config.Config, opts ...Option) (_ *Host, err error) {
	if cfg == nil {
		return nil, errors.New("host: config is required")
	}
	var s settings
	for _, opt := range opts {
		opt(&s)
	}

	surface := guard.SurfaceBackground
	if cfg.AdminSurface {
		surface = guard.SurfaceAdmin
	}
	if s.surface != nil {
		surface = *s.surface
	}

	h := &Host{Config: cfg}
	defer func() {
		if err != nil {
			h.Close()
		}
	}()

	h.Store = s.store
	if h.Store == nil {
		if h.Store, err = options.Open(cfg.StoreBackend, cfg.DataDir); err != nil {
			return nil, fmt.Errorf("open option store: %w", err)
		}
	}
	h.Repo = account.NewRepository(h.Store)
	h.Notices = notices.NewStore(h.Store)

	requester := s.requester
	if requester == nil {
		h.remote, err = remote.New(cfg.LicenseServerURL, cfg.RequestTimeout,
			remote.WithLogger(logging.For("remote")),
			remote.WithSite(cfg.SiteDomain),
		)
		if err != nil {
			return nil, err
		}
		requester = h.remote
	}

	subOpts := []subscription.Option{subscription.WithLogger(logging.For("subscription"))}
	if s.clock != nil {
		subOpts = append(subOpts, subscription.WithClock(s.clock))
	}
	subOpts = append(subOpts, s.subOpts...)
	h.Subscription = subscription.New(h.Repo, requester, cfg.SiteDomain, subOpts...)

	h.Guard = guard.New(surface, logging.For("guard"))
	if h.Mint, err = tokenmint.New(h.Guard, tokenmint.WithLogger(logging.For("tokenmint"))); err != nil {
		return nil, fmt.Errorf("token mint: %w", err)
	}
	h.Gate = integrity.NewGate(hostapi.StaticHashes(cfg.HashAlgorithms), cfg.ExtensionsRoot)

	registry := extensions.NewRegistry()
	if err = builtin.Register(registry); err != nil {
		return nil, fmt.Errorf("register extensions: %w", err)
	}

	loaderLogger := logging.For("extensions")
	h.Loader, err = extensions.NewLoader(extensions.Config{
		Root:            cfg.ExtensionsRoot,
		Catalog:         s.catalog,
		Gate:            h.Gate,
		Mint:            h.Mint,
		Guard:           h.Guard,
		Registry:        registry,
		Repo:            h.Repo,
		Subscription:    h.Subscription,
		Notices:         h.Notices,
		Versions:        extensions.Versions{Host: cfg.HostVersion, Platform: cfg.PlatformVersion},
		ManifestTimeout: cfg.ManifestTimeout,
		Logger:          &loaderLogger,
	})
	if err != nil {
		return nil, err
	}

	h.Engine = activation.New(h.Repo, h.Subscription, requester, h.Notices,
		activation.WithLogger(logging.For("activation")))
	h.Dispatcher = activation.NewDispatcher(h.Engine, h.Loader, h.Guard)
	return h, nil
}

// Logger returns the host's component logger.
func (h *Host) Logger() zerolog.Logger {
	return logging.For("host")
}

// RefreshDNS refreshes the licensing client's DNS cache when it is in use.
func (h *Host) RefreshDNS() {
	if h.remote != nil {
		h.remote.RefreshDNS()
	}
}

// Close releases the loader cache and the option store.
func (h *Host) Close() error {
	if h.Loader != nil {
		h.Loader.Close()
	}
	if h.Store != nil {
		return h.Store.Close()
	}
	return nil
}
