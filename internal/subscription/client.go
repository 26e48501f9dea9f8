// Package subscription talks to the licensing server about the site's
// subscription: a time-bucketed status cache, the revalidation ladder and
// the margin-of-error grace window applied before a downgrade.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/rcourtman/extension-manager/internal/account"
	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/metrics"
	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

const (
	// ActiveDivider buckets the cache when the last status was active.
	ActiveDivider int64 = 300
	// InactiveDivider buckets the cache when the last status was not active.
	InactiveDivider int64 = 60

	// DefaultActivationDelay precedes a status request made during activation.
	DefaultActivationDelay = 62500 * time.Microsecond
)

var errEmptyResponse = errors.New("empty status response")

// Credentials are supplied only during activation.
type Credentials struct {
	APIKey string
	Email  string
}

// Client caches and interprets the remote subscription status.
type Client struct {
	repo   *account.Repository
	remote hostapi.Requester
	clock  hostapi.Clock
	domain string
	delay  time.Duration
	sleep  func(context.Context, time.Duration) error
	args   func(context.Context) map[string]string
	logger zerolog.Logger

	group singleflight.Group
}

// Option configures a Client.
type Option func(*Client)

// WithClock replaces the wall clock.
func WithClock(clock hostapi.Clock) Option {
	return func(c *Client) { c.clock = clock }
}

// WithActivationDelay changes the delay before activation status requests.
func WithActivationDelay(d time.Duration) Option {
	return func(c *Client) { c.delay = d }
}

// WithSleep replaces the sleep used for the activation delay.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithExtraArgs adds request arguments computed per call.
func WithExtraArgs(fn func(context.Context) map[string]string) Option {
	return func(c *Client) { c.args = fn }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New returns a client for the site at domain.
func New(repo *account.Repository, remote hostapi.Requester, domain string, opts ...Option) *Client {
	c := &Client{
		repo:   repo,
		remote: remote,
		clock:  hostapi.SystemClock{},
		domain: domain,
		delay:  DefaultActivationDelay,
		sleep:  sleepContext,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Domain is the site domain compared against the licensed domain.
func (c *Client) Domain() string {
	return c.domain
}

// Now reads the client's clock.
func (c *Client) Now() time.Time {
	return c.clock.Now()
}

// Cached returns the last persisted status without contacting the server.
func (c *Client) Cached(ctx context.Context) (*account.StatusCache, error) {
	opts, _, err := c.repo.Site(ctx)
	if err != nil {
		return nil, err
	}
	return opts.RemoteStatus, nil
}

// FetchStatus returns the subscription status, from cache when the current
// time bucket matches the cached one. creds must be nil outside activation;
// with nil creds a site that is not connected gets ErrNotConnected.
func (c *Client) FetchStatus(ctx context.Context, creds *Credentials) (account.RemoteData, error) {
	opts, _, err := c.repo.Site(ctx)
	if err != nil {
		return nil, errs.Transient("fetch_status", err)
	}
	if creds == nil && !opts.IsConnected() {
		return nil, errs.ErrNotConnected
	}

	cache := opts.RemoteStatus
	divider := ActiveDivider
	if cache != nil && cache.Status.Has("status_check") && cache.Status.StatusCheck() != "active" {
		divider = InactiveDivider
	}
	bucket := ceilDiv(c.clock.Now().Unix(), divider)

	if cache != nil && cache.Timestamp == bucket {
		metrics.RecordStatusCache(true)
		return cache.Status, nil
	}
	metrics.RecordStatusCache(false)

	args := map[string]string{}
	if creds != nil {
		if err := c.sleep(ctx, c.delay); err != nil {
			return nil, err
		}
		args["api_key"] = creds.APIKey
		args["activation_email"] = creds.Email
	} else {
		args["api_key"] = opts.APIKey
		args["activation_email"] = opts.ActivationEmail
	}
	if c.args != nil {
		for k, v := range c.args(ctx) {
			args[k] = v
		}
	}

	v, err, _ := c.group.Do(fmt.Sprintf("status:%d:%t", bucket, creds != nil), func() (any, error) {
		return c.refresh(ctx, args, bucket, divider)
	})
	if err != nil {
		return nil, err
	}
	return v.(account.RemoteData), nil
}

func (c *Client) refresh(ctx context.Context, args map[string]string, bucket, divider int64) (account.RemoteData, error) {
	response, err := c.remote.Request(ctx, hostapi.RequestStatus, args)
	if err != nil {
		return nil, errs.Transient("fetch_status", err)
	}
	if len(response) == 0 {
		return nil, errs.Transient("fetch_status", errEmptyResponse)
	}

	status := account.RemoteData(response)
	if _, err := c.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
		o.RemoteStatus = &account.StatusCache{Timestamp: bucket, Status: status, Divider: divider}
		return nil
	}); err != nil {
		return nil, errs.Transient("persist_status", err)
	}

	c.logger.Debug().Int64("bucket", bucket).Int64("divider", divider).Str("status_check", status.StatusCheck()).Msg("Subscription status refreshed")
	return status, nil
}

func ceilDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a > 0) == (b > 0) {
		q++
	}
	return q
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
