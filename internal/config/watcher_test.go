package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, onReload func(*Config)) (*Watcher, *Config) {
	t.Helper()
	previous := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(previous) })

	cfg := Default(t.TempDir())
	w, err := NewWatcher(cfg, onReload)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond
	t.Cleanup(w.Stop)
	return w, cfg
}

func TestWatcher_HandleEventsDebouncesReload(t *testing.T) {
	var reloads atomic.Int32
	var lastLevel atomic.Value
	w, cfg := newTestWatcher(t, func(c *Config) {
		reloads.Add(1)
		lastLevel.Store(c.LogLevel)
	})

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	go w.handleEvents(events, errs)

	require.NoError(t, os.WriteFile(cfg.EnvFile(), []byte("EXTMGR_LOG_LEVEL=debug\nEXTMGR_REVALIDATE_INTERVAL=90\n"), 0o600))
	for i := 0; i < 3; i++ {
		events <- fsnotify.Event{Name: cfg.EnvFile(), Op: fsnotify.Write}
	}
	events <- fsnotify.Event{Name: filepath.Join(filepath.Dir(cfg.EnvFile()), "other.txt"), Op: fsnotify.Write}
	errs <- errors.New("transient watcher error")

	require.Eventually(t, func() bool { return reloads.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "debug", lastLevel.Load())
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())

	Mu.RLock()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 90*time.Second, cfg.RevalidateInterval)
	Mu.RUnlock()

	// Another burst after the first reload settles, with no change.
	events <- fsnotify.Event{Name: cfg.EnvFile(), Op: fsnotify.Write}
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), reloads.Load(), "unchanged .env does not re-run the callback")
}

func TestWatcher_ReloadIgnoresInvalidLevel(t *testing.T) {
	called := false
	w, cfg := newTestWatcher(t, func(*Config) { called = true })

	require.NoError(t, os.WriteFile(cfg.EnvFile(), []byte("EXTMGR_LOG_LEVEL=shouty\n"), 0o600))
	w.Reload()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, called)
}

func TestWatcher_ReloadWithoutEnvFile(t *testing.T) {
	called := false
	w, cfg := newTestWatcher(t, func(*Config) { called = true })

	w.Reload()
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, called)
}

func TestWatcher_StartStop(t *testing.T) {
	w, _ := newTestWatcher(t, nil)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
