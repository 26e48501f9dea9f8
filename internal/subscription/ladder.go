package subscription

import (
	"context"
	"errors"

	"github.com/rcourtman/extension-manager/internal/account"
	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/metrics"
	"github.com/rcourtman/extension-manager/internal/notices"
)

// Ladder is how far a status response got through the validation checks.
// Each rung requires every rung below it.
type Ladder int

const (
	LadderNoStatus        Ladder = iota // no status_check (unreachable or never connected)
	LadderInactive                      // status_check present but not "active"
	LadderInstanceFailed                // active, but _instance differs from ours
	LadderDomainMismatch                // instance matches, activation_domain differs
	LadderEssentials                    // domain matches, level below Premium
	LadderPremium                       // Premium or Enterprise
	LadderEnterprise                    // Enterprise
)

func (l Ladder) String() string {
	switch l {
	case LadderNoStatus:
		return "no_status"
	case LadderInactive:
		return "inactive"
	case LadderInstanceFailed:
		return "instance_failed"
	case LadderDomainMismatch:
		return "domain_mismatch"
	case LadderEssentials:
		return "essentials"
	case LadderPremium:
		return "premium"
	case LadderEnterprise:
		return "enterprise"
	default:
		return "unknown"
	}
}

// Evaluate climbs the ladder for one status response.
func Evaluate(status account.RemoteData, instance, domain string) Ladder {
	level := LadderNoStatus
	if !status.Has("status_check") {
		return level
	}
	level++
	if status.StatusCheck() != "active" {
		return level
	}
	level++
	if !status.Has("_instance") || status.Instance() != instance {
		return level
	}
	level++
	if !status.Has("activation_domain") || status.ActivationDomain() != domain {
		return level
	}
	level++
	switch account.Level(status.ActivationLevel()) {
	case account.LevelPremium:
		return level + 1
	case account.LevelEnterprise:
		return level + 2
	default:
		return level
	}
}

// Ladder fetches the status and evaluates it against the local instance key
// and the site domain.
func (c *Client) Ladder(ctx context.Context) (Ladder, error) {
	status, err := c.FetchStatus(ctx, nil)
	if err != nil {
		return LadderNoStatus, err
	}
	opts, _, err := c.repo.Site(ctx)
	if err != nil {
		return LadderNoStatus, err
	}
	return Evaluate(status, opts.Instance, c.domain), nil
}

// Outcome is the result of Revalidate.
type Outcome struct {
	Ladder  Ladder
	Notice  notices.Code
	Changed bool
}

var rungLevels = map[Ladder]struct {
	level  account.Level
	notice notices.Code
}{
	LadderEssentials: {account.LevelEssentials, notices.UpgradedEssents},
	LadderPremium:    {account.LevelPremium, notices.UpgradedPremium},
	LadderEnterprise: {account.LevelEnterprise, notices.UpgradedEnterpr},
}

// Revalidate runs the ladder and applies its consequence to the stored
// options. An unconnected site is a no-op at LadderNoStatus.
func (c *Client) Revalidate(ctx context.Context) (Outcome, error) {
	ladder, err := c.Ladder(ctx)
	if err != nil && !errors.Is(err, errs.ErrNotConnected) && !errs.IsRetryable(err) {
		return Outcome{}, err
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("Subscription status unavailable; keeping current level")
	}
	metrics.SetLadderLevel(int(ladder))
	out := Outcome{Ladder: ladder}

	switch ladder {
	case LadderNoStatus:
	case LadderInactive:
		if _, err := c.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
			o.ActivationLevel = account.LevelFree
			return nil
		}); err != nil {
			return out, err
		}
		out.Notice, out.Changed = notices.DowngradedFree, true
	case LadderInstanceFailed:
		changed, err := c.Deactivate(ctx, true, true)
		if err != nil {
			return out, err
		}
		out.Notice, out.Changed = notices.InstanceFailed, changed
	case LadderDomainMismatch:
		if _, err := c.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
			o.RequiresDomainTransfer = true
			return nil
		}); err != nil {
			return out, err
		}
		out.Notice, out.Changed = notices.DomainTransfer, true
	default:
		rung := rungLevels[ladder]
		opts, _, err := c.repo.Site(ctx)
		if err != nil {
			return out, err
		}
		if opts.ActivationLevel == rung.level && !opts.RequiresDomainTransfer {
			break
		}
		if _, err := c.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
			o.ActivationLevel = rung.level
			o.RequiresDomainTransfer = false
			return nil
		}); err != nil {
			return out, err
		}
		out.Changed = true
		if opts.ActivationLevel != rung.level {
			out.Notice = rung.notice
		}
	}

	c.logger.Info().Str("ladder", ladder.String()).Int("notice", int(out.Notice)).Bool("changed", out.Changed).Msg("Subscription revalidated")
	return out, nil
}
