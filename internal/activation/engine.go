// Package activation implements the account actions an administrator can
// take: free and premium activation, deactivation, disconnection and
// revalidation. Every action reports a notices.Result and stores its notice.
package activation

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rcourtman/extension-manager/internal/account"
	"github.com/rcourtman/extension-manager/internal/notices"
	"github.com/rcourtman/extension-manager/internal/subscription"
	"github.com/rcourtman/extension-manager/pkg/hostapi"
)

// Engine owns the account lifecycle of one site.
type Engine struct {
	repo    *account.Repository
	sub     *subscription.Client
	remote  hostapi.Requester
	notices *notices.Store
	logger  zerolog.Logger

	newInstance func() string

	mu sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithInstanceKey replaces the generator of options instance keys.
func WithInstanceKey(fn func() string) Option {
	return func(e *Engine) { e.newInstance = fn }
}

// New returns an engine. noticeStore may be nil to skip notice persistence.
func New(repo *account.Repository, sub *subscription.Client, remote hostapi.Requester, noticeStore *notices.Store, opts ...Option) *Engine {
	e := &Engine{
		repo:        repo,
		sub:         sub,
		remote:      remote,
		notices:     noticeStore,
		logger:      zerolog.Nop(),
		newInstance: uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ActivateFree writes the default options.
func (e *Engine) ActivateFree(ctx context.Context) notices.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts, found, err := e.repo.Site(ctx)
	if err == nil {
		instance := opts.Instance
		if !found || instance == "" {
			instance = e.newInstance()
		}
		err = e.repo.SaveSite(ctx, account.DefaultSiteOptions(instance))
	}
	if err != nil {
		e.logger.Error().Err(err).Msg("Free activation failed")
		if _, derr := e.sub.Deactivate(ctx, false, false); derr != nil {
			e.logger.Error().Err(derr).Msg("Failed to clean up after free activation")
		}
		return e.finish(ctx, notices.Fail(notices.FreeActivateFail))
	}

	e.logger.Info().Msg("Free activation completed")
	return e.finish(ctx, notices.Succeed(notices.FreeActivated))
}

// ActivatePremium exchanges a license key for a subscription level.
func (e *Engine) ActivatePremium(ctx context.Context, apiKey, email string) notices.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	apiKey, email = strings.TrimSpace(apiKey), strings.TrimSpace(email)
	if apiKey == "" {
		return e.finish(ctx, notices.Fail(notices.NoAPIKey))
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return e.finish(ctx, notices.Fail(notices.InvalidEmail))
	}

	opts, found, err := e.repo.Site(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Failed to read options before activation")
		return e.finish(ctx, notices.Fail(notices.PremiumFailed))
	}
	instance := opts.Instance
	if !found || instance == "" {
		instance = e.newInstance()
	}

	response, err := e.remote.Request(ctx, hostapi.RequestActivation, map[string]string{
		"api_key":          apiKey,
		"activation_email": email,
		"instance":         instance,
		"domain":           e.sub.Domain(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Activation request failed")
		response = nil
	}
	results := account.RemoteData(response)

	switch {
	case results.Truthy("activated") && results.ActivationLevel() != "":
		level, err := account.ParseLevel(results.ActivationLevel())
		if err != nil {
			e.downgrade(ctx)
			return e.finish(ctx, notices.Unknown(notices.BadResponse))
		}
		if err := e.persistPremium(ctx, instance, found, apiKey, email, level); err != nil {
			e.logger.Error().Err(err).Msg("Premium activation could not be completed")
			e.downgrade(ctx)
			return e.finish(ctx, notices.Fail(notices.PremiumFailed))
		}
		e.logger.Info().Str("level", string(level)).Msg("Premium activation completed")
		return e.finish(ctx, notices.Succeed(notices.PremiumActive))

	case len(results) == 0:
		if found && opts.IsActivated() {
			return e.finish(ctx, notices.Fail(notices.UpgradeFailed))
		}
		e.downgrade(ctx)
		return e.finish(ctx, notices.Fail(notices.KeyRejected))

	case results.Has("code"):
		// Duplicate request; the server already answered the first one.
		e.logger.Debug().Str("code", results.String("code")).Msg("Activation request ignored by server")
		return notices.Fail(notices.None)
	}

	e.downgrade(ctx)
	return e.finish(ctx, notices.Unknown(notices.BadResponse))
}

func (e *Engine) persistPremium(ctx context.Context, instance string, found bool, apiKey, email string, level account.Level) error {
	if _, err := e.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
		if !found {
			*o = account.DefaultSiteOptions(instance)
		}
		o.APIKey = apiKey
		o.ActivationEmail = email
		o.ActivationLevel = level
		o.MarginOfError = 0
		o.RequiresDomainTransfer = false
		return nil
	}); err != nil {
		return err
	}
	if _, err := e.sub.FetchStatus(ctx, &subscription.Credentials{APIKey: apiKey, Email: email}); err != nil {
		return fmt.Errorf("refresh status after activation: %w", err)
	}
	return nil
}

// Deactivate downgrades (downgrade=true) or wipes (downgrade=false) the
// site. With moe set the grace window may postpone it.
func (e *Engine) Deactivate(ctx context.Context, downgrade, moe bool) notices.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts, found, err := e.repo.Site(ctx)
	if err != nil || !found || !opts.IsActivated() {
		return e.finish(ctx, notices.Fail(notices.NotActivated))
	}
	return e.finish(ctx, e.deactivate(ctx, downgrade, moe))
}

func (e *Engine) deactivate(ctx context.Context, downgrade, moe bool) notices.Result {
	done, err := e.sub.Deactivate(ctx, moe, downgrade)
	switch {
	case err != nil:
		e.logger.Error().Err(err).Bool("downgrade", downgrade).Msg("Deactivation failed")
		return notices.Fail(notices.DeactivateFail)
	case !done:
		return notices.Fail(notices.GracePostponed)
	default:
		return notices.Succeed(notices.Deactivated)
	}
}

// Disconnect ends the site's activation. Free sites are wiped locally;
// premium sites ask the server to release the activation first.
func (e *Engine) Disconnect(ctx context.Context) notices.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts, found, err := e.repo.Site(ctx)
	if err != nil || !found || !opts.IsActivated() {
		return e.finish(ctx, notices.Fail(notices.NotActivated))
	}
	if !opts.IsConnected() {
		return e.finish(ctx, e.deactivate(ctx, false, false))
	}

	response, err := e.remote.Request(ctx, hostapi.RequestDeactivation, map[string]string{
		"api_key":          opts.APIKey,
		"activation_email": opts.ActivationEmail,
		"instance":         opts.Instance,
		"domain":           e.sub.Domain(),
	})
	if err != nil {
		e.logger.Warn().Err(err).Msg("Deactivation request failed")
	}
	results := account.RemoteData(response)

	if !results.Has("deactivated") {
		return e.finish(ctx, notices.Unknown(notices.DisconnectNoReply))
	}
	if !results.Truthy("deactivated") && results.String("activated") != "inactive" {
		return e.finish(ctx, notices.Fail(notices.DisconnectRefused))
	}

	extra := "API key disconnected."
	if results.Has("activations_remaining") {
		extra += fmt.Sprintf(" Activations remaining: %s.", results.String("activations_remaining"))
	}
	if done, err := e.sub.Deactivate(ctx, false, true); err != nil || !done {
		extra += " However, something went wrong with the disconnection on this site."
	}
	res := notices.Succeed(notices.Disconnected)
	res.Extra = extra
	return e.finish(ctx, res)
}

// Revalidate checks the subscription against the server and applies the
// ladder's consequence.
func (e *Engine) Revalidate(ctx context.Context) (notices.Result, subscription.Ladder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out, err := e.sub.Revalidate(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("Revalidation failed")
		return notices.Unknown(notices.None), subscription.LadderNoStatus
	}
	res := notices.Result{Status: notices.Failed, Code: out.Notice}
	if out.Ladder >= subscription.LadderEssentials {
		res.Status = notices.Succeeded
	}
	return e.finish(ctx, res), out.Ladder
}

// EnableFeed turns on the news feed flag.
func (e *Engine) EnableFeed(ctx context.Context) notices.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	opts, found, err := e.repo.Site(ctx)
	if err != nil || !found || !opts.IsActivated() {
		return e.finish(ctx, notices.Fail(notices.NotActivated))
	}
	if _, err := e.repo.UpdateSite(ctx, func(o *account.SiteOptions) error {
		o.EnableFeed = true
		return nil
	}); err != nil {
		return e.finish(ctx, notices.Fail(notices.FeedFailed))
	}
	return e.finish(ctx, notices.Succeed(notices.FeedEnabled))
}

// Status returns the stored options.
func (e *Engine) Status(ctx context.Context) (account.SiteOptions, bool, error) {
	return e.repo.Site(ctx)
}

func (e *Engine) downgrade(ctx context.Context) {
	if _, err := e.sub.Deactivate(ctx, false, true); err != nil {
		e.logger.Error().Err(err).Msg("Downgrade failed")
	}
}

func (e *Engine) finish(ctx context.Context, res notices.Result) notices.Result {
	if e.notices != nil && res.Code != notices.None {
		if err := e.notices.Set(ctx, res.Code, res.Extra); err != nil {
			e.logger.Warn().Err(err).Int("notice", int(res.Code)).Msg("Failed to store notice")
		}
	}
	return res
}
