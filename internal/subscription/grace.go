package subscription

import (
	"context"
	"time"

	"github.com/rcourtman/extension-manager/internal/account"
	"github.com/rcourtman/extension-manager/internal/metrics"
)

const (
	// GraceWindow is how long premium access survives a failed verification.
	GraceWindow = 72 * time.Hour
	// ClockSkewAllowance is how far before the first failure the clock may
	// read and still count as inside the window.
	ClockSkewAllowance = 7 * 24 * time.Hour
)

// graceAllows reports whether a deactivation at now is still covered by the
// grace window that expires at expiry (unix seconds, 0 = no window yet).
func graceAllows(expiry int64, now time.Time) bool {
	if expiry == 0 {
		return true
	}
	end := time.Unix(expiry, 0)
	start := end.Add(-GraceWindow).Add(-ClockSkewAllowance)
	return !now.After(end) && !now.Before(start)
}

// Deactivate downgrades or wipes the site. With moe set, a site holding an
// instance key first gets a grace window: the first call opens it, calls
// inside it return false without changes, and the first call after it
// proceeds. With downgrade set the options survive with credentials and
// level reset; otherwise every option is deleted.
func (c *Client) Deactivate(ctx context.Context, moe, downgrade bool) (bool, error) {
	opts, found, err := c.repo.Site(ctx)
	if err != nil {
		return false, err
	}
	now := c.clock.Now()

	if moe && opts.Instance != "" && graceAllows(opts.MarginOfError, now) {
		until := opts.MarginOfError
		if until == 0 {
			until = now.Add(GraceWindow).Unix()
			if _, err := c.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
				o.MarginOfError = until
				return nil
			}); err != nil {
				return false, err
			}
		}
		metrics.RecordGraceGranted()
		c.logger.Warn().Time("grace_until", time.Unix(until, 0)).Msg("Deactivation postponed by grace window")
		return false, nil
	}

	if downgrade {
		if !found {
			return true, nil
		}
		if _, err := c.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
			o.APIKey = ""
			o.ActivationEmail = ""
			o.ActivationLevel = account.LevelFree
			o.RemoteStatus = nil
			o.MarginOfError = 0
			return nil
		}); err != nil {
			return false, err
		}
		c.logger.Info().Msg("Site downgraded to Free")
		return true, nil
	}

	if err := c.repo.Kill(ctx); err != nil {
		return false, err
	}
	c.logger.Info().Msg("Site options removed")
	return true, nil
}
