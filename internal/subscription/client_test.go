package subscription

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rcourtman/extension-manager/internal/account"
	errs "github.com/rcourtman/extension-manager/internal/errors"
	"github.com/rcourtman/extension-manager/internal/notices"
	"github.com/rcourtman/extension-manager/internal/options"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeRemote struct {
	mu       sync.Mutex
	calls    int
	lastType string
	lastArgs map[string]string
	response map[string]any
	err      error
}

func (f *fakeRemote) Request(_ context.Context, requestType string, args map[string]string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastType = requestType
	f.lastArgs = args
	return f.response, f.err
}

type failingStore struct {
	*options.MemoryStore
	failSet bool
}

func (f *failingStore) Set(ctx context.Context, key string, value []byte) error {
	if f.failSet {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

const (
	testInstance = "3f0c2b1e-instance"
	testDomain   = "example.com"
)

type harness struct {
	client *Client
	repo   *account.Repository
	remote *fakeRemote
	clock  *fakeClock
	sleeps []time.Duration
	store  *failingStore
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		remote: &fakeRemote{},
		clock:  &fakeClock{now: time.Unix(2701, 0)},
		store:  &failingStore{MemoryStore: options.NewMemoryStore()},
	}
	h.repo = account.NewRepository(h.store)
	h.client = New(h.repo, h.remote, testDomain,
		WithClock(h.clock),
		WithSleep(func(_ context.Context, d time.Duration) error {
			h.sleeps = append(h.sleeps, d)
			return nil
		}),
	)
	return h
}

func (h *harness) connect(t *testing.T, level account.Level) {
	t.Helper()
	opts := account.DefaultSiteOptions(testInstance)
	opts.APIKey = "key-123"
	opts.ActivationEmail = "owner@example.com"
	opts.ActivationLevel = level
	require.NoError(t, h.repo.SaveSite(context.Background(), opts))
}

func activeStatus(level string) map[string]any {
	return map[string]any{
		"status_check":      "active",
		"_instance":         testInstance,
		"activation_domain": testDomain,
		"_activation_level": level,
	}
}

func TestFetchStatusRequiresConnection(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.FetchStatus(context.Background(), nil)
	assert.ErrorIs(t, err, errs.ErrNotConnected)
	assert.Zero(t, h.remote.calls)
}

func TestFetchStatusCachesWithinBucket(t *testing.T) {
	h := newHarness(t)
	h.connect(t, account.LevelPremium)
	h.remote.response = activeStatus("Premium")
	ctx := context.Background()

	first, err := h.client.FetchStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, "status", h.remote.lastType)
	assert.Equal(t, "key-123", h.remote.lastArgs["api_key"])
	assert.Equal(t, "owner@example.com", h.remote.lastArgs["activation_email"])
	assert.Empty(t, h.sleeps, "no activation delay outside activation")

	h.clock.Advance(61 * time.Second)
	second, err := h.client.FetchStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, h.remote.calls)

	cached, err := h.client.Cached(ctx)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, ActiveDivider, cached.Divider)
	assert.Equal(t, int64(10), cached.Timestamp)
}

func TestFetchStatusInactiveUsesShortBucket(t *testing.T) {
	h := newHarness(t)
	h.connect(t, account.LevelPremium)
	h.remote.response = map[string]any{"status_check": "expired"}
	ctx := context.Background()

	_, err := h.client.FetchStatus(ctx, nil)
	require.NoError(t, err)

	h.clock.Advance(61 * time.Second)
	_, err = h.client.FetchStatus(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, h.remote.calls)

	cached, err := h.client.Cached(ctx)
	require.NoError(t, err)
	assert.Equal(t, InactiveDivider, cached.Divider)
}

func TestFetchStatusWithCredentialsDelaysAndBypassesConnection(t *testing.T) {
	h := newHarness(t)
	h.remote.response = activeStatus("Premium")

	status, err := h.client.FetchStatus(context.Background(), &Credentials{APIKey: "new-key", Email: "a@b.c"})
	require.NoError(t, err)
	assert.Equal(t, "active", status.StatusCheck())
	assert.Equal(t, []time.Duration{DefaultActivationDelay}, h.sleeps)
	assert.Equal(t, "new-key", h.remote.lastArgs["api_key"])
}

func TestFetchStatusExtraArgs(t *testing.T) {
	h := newHarness(t)
	h.connect(t, account.LevelPremium)
	h.remote.response = activeStatus("Premium")
	h.client = New(h.repo, h.remote, testDomain, WithClock(h.clock), WithExtraArgs(func(context.Context) map[string]string {
		return map[string]string{"extensions_checksum": "abc"}
	}))

	_, err := h.client.FetchStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", h.remote.lastArgs["extensions_checksum"])
}

func TestFetchStatusFailures(t *testing.T) {
	t.Run("remote error", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t, account.LevelPremium)
		h.remote.err = errors.New("connection refused")

		_, err := h.client.FetchStatus(context.Background(), nil)
		assert.True(t, errs.IsRetryable(err))
		cached, _ := h.client.Cached(context.Background())
		assert.Nil(t, cached)
	})

	t.Run("empty response", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t, account.LevelPremium)

		_, err := h.client.FetchStatus(context.Background(), nil)
		assert.Error(t, err)
	})

	t.Run("persist failure", func(t *testing.T) {
		h := newHarness(t)
		h.connect(t, account.LevelPremium)
		h.remote.response = activeStatus("Premium")
		h.store.failSet = true

		_, err := h.client.FetchStatus(context.Background(), nil)
		assert.Error(t, err)
	})
}

func TestEvaluateLadder(t *testing.T) {
	tests := []struct {
		name   string
		status account.RemoteData
		want   Ladder
	}{
		{"no status", account.RemoteData{}, LadderNoStatus},
		{"inactive", account.RemoteData{"status_check": "expired"}, LadderInactive},
		{"instance missing", account.RemoteData{"status_check": "active"}, LadderInstanceFailed},
		{"instance differs", account.RemoteData{"status_check": "active", "_instance": "other"}, LadderInstanceFailed},
		{"domain missing", account.RemoteData{"status_check": "active", "_instance": testInstance, "_activation_level": "Enterprise"}, LadderDomainMismatch},
		{"domain differs", account.RemoteData{"status_check": "active", "_instance": testInstance, "activation_domain": "other.org"}, LadderDomainMismatch},
		{"essentials", account.RemoteData(activeStatus("Essentials")), LadderEssentials},
		{"free level", account.RemoteData(activeStatus("Free")), LadderEssentials},
		{"premium", account.RemoteData(activeStatus("Premium")), LadderPremium},
		{"enterprise", account.RemoteData(activeStatus("Enterprise")), LadderEnterprise},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.status, testInstance, testDomain))
		})
	}
}

func TestRevalidateApplies(t *testing.T) {
	tests := []struct {
		name       string
		start      account.Level
		response   map[string]any
		wantLadder Ladder
		wantNotice notices.Code
		wantLevel  account.Level
		wantXfer   bool
	}{
		{"inactive downgrades", account.LevelPremium, map[string]any{"status_check": "cancelled"}, LadderInactive, notices.DowngradedFree, account.LevelFree, false},
		{"domain mismatch flags", account.LevelPremium, map[string]any{"status_check": "active", "_instance": testInstance}, LadderDomainMismatch, notices.DomainTransfer, account.LevelPremium, true},
		{"upgrade to enterprise", account.LevelPremium, activeStatus("Enterprise"), LadderEnterprise, notices.UpgradedEnterpr, account.LevelEnterprise, false},
		{"down to essentials", account.LevelPremium, activeStatus("Essentials"), LadderEssentials, notices.UpgradedEssents, account.LevelEssentials, false},
		{"same level is silent", account.LevelPremium, activeStatus("Premium"), LadderPremium, notices.None, account.LevelPremium, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.connect(t, tt.start)
			h.remote.response = tt.response

			out, err := h.client.Revalidate(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantLadder, out.Ladder)
			assert.Equal(t, tt.wantNotice, out.Notice)

			opts, _, err := h.repo.Site(context.Background())
			require.NoError(t, err)
			assert.Equal(t, tt.wantLevel, opts.ActivationLevel)
			assert.Equal(t, tt.wantXfer, opts.RequiresDomainTransfer)
		})
	}
}

func TestRevalidateInstanceFailureOpensGrace(t *testing.T) {
	h := newHarness(t)
	h.connect(t, account.LevelPremium)
	h.remote.response = map[string]any{"status_check": "active", "_instance": "someone-else"}

	out, err := h.client.Revalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LadderInstanceFailed, out.Ladder)
	assert.Equal(t, notices.InstanceFailed, out.Notice)
	assert.False(t, out.Changed)

	opts, _, err := h.repo.Site(context.Background())
	require.NoError(t, err)
	assert.Equal(t, account.LevelPremium, opts.ActivationLevel)
	assert.Equal(t, h.clock.Now().Add(GraceWindow).Unix(), opts.MarginOfError)
}

func TestRevalidateUnconnectedAndUnreachableAreNoops(t *testing.T) {
	h := newHarness(t)
	out, err := h.client.Revalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LadderNoStatus, out.Ladder)

	h.connect(t, account.LevelPremium)
	h.remote.err = errors.New("timeout")
	out, err = h.client.Revalidate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, LadderNoStatus, out.Ladder)

	opts, _, _ := h.repo.Site(context.Background())
	assert.Equal(t, account.LevelPremium, opts.ActivationLevel)
}

func TestDeactivateGraceWindow(t *testing.T) {
	h := newHarness(t)
	h.connect(t, account.LevelPremium)
	ctx := context.Background()

	done, err := h.client.Deactivate(ctx, true, true)
	require.NoError(t, err)
	assert.False(t, done, "first failure opens the grace window")

	h.clock.Advance(24 * time.Hour)
	done, err = h.client.Deactivate(ctx, true, true)
	require.NoError(t, err)
	assert.False(t, done, "still inside the grace window")

	opts, _, _ := h.repo.Site(ctx)
	assert.Equal(t, account.LevelPremium, opts.ActivationLevel)

	h.clock.Advance(2*24*time.Hour + 7*24*time.Hour + time.Second)
	done, err = h.client.Deactivate(ctx, true, true)
	require.NoError(t, err)
	assert.True(t, done)

	opts, found, _ := h.repo.Site(ctx)
	require.True(t, found)
	assert.Equal(t, account.LevelFree, opts.ActivationLevel)
	assert.Empty(t, opts.APIKey)
	assert.Empty(t, opts.ActivationEmail)
	assert.Nil(t, opts.RemoteStatus)
	assert.Zero(t, opts.MarginOfError)
	assert.Equal(t, testInstance, opts.Instance, "downgrade keeps unrelated options")
}

func TestDeactivateGraceRejectsClockBeforeWindow(t *testing.T) {
	h := newHarness(t)
	h.connect(t, account.LevelPremium)
	ctx := context.Background()

	_, err := h.client.Deactivate(ctx, true, true)
	require.NoError(t, err)

	h.clock.Advance(-(ClockSkewAllowance + time.Hour))
	done, err := h.client.Deactivate(ctx, true, true)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDeactivateWithoutInstanceSkipsGrace(t *testing.T) {
	h := newHarness(t)
	opts := account.DefaultSiteOptions("")
	opts.APIKey = "k"
	require.NoError(t, h.repo.SaveSite(context.Background(), opts))

	done, err := h.client.Deactivate(context.Background(), true, true)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestDeactivateKillsOptions(t *testing.T) {
	h := newHarness(t)
	h.connect(t, account.LevelPremium)
	ctx := context.Background()
	require.NoError(t, h.repo.SetExtension(ctx, "incognito", true))

	done, err := h.client.Deactivate(ctx, false, false)
	require.NoError(t, err)
	assert.True(t, done)

	_, found, err := h.repo.Site(ctx)
	require.NoError(t, err)
	assert.False(t, found)
	active, err := h.repo.ActiveExtensions(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestDeactivateDowngradeWithoutOptions(t *testing.T) {
	h := newHarness(t)
	done, err := h.client.Deactivate(context.Background(), false, true)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(10), ceilDiv(3000, 300))
	assert.Equal(t, int64(10), ceilDiv(2701, 300))
	assert.Equal(t, int64(11), ceilDiv(3001, 300))
	assert.Equal(t, int64(0), ceilDiv(0, 60))
}
