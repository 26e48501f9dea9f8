package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/rcourtman/extension-manager/internal/logging"
)

const (
	defaultDebounce     = 100 * time.Millisecond
	defaultPollInterval = 5 * time.Second
)

// Watcher monitors the .env file and applies the settings that can change
// at runtime: the log level and the revalidation interval.
type Watcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	debounce    time.Duration
	lastModTime time.Time

	mu       sync.Mutex
	timer    *time.Timer
	onReload func(*Config)
}

// NewWatcher creates a watcher for cfg's .env file. onReload, if set, runs
// after every applied reload.
func NewWatcher(cfg *Config, onReload func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:   cfg,
		envPath:  cfg.EnvFile(),
		watcher:  fw,
		stopChan: make(chan struct{}),
		debounce: defaultDebounce,
		onReload: onReload,
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// Start begins watching. If the directory cannot be watched it falls back to
// polling.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory, falling back to polling")
		go w.pollForChanges(defaultPollInterval)
		return nil
	}

	go w.handleEvents(w.watcher.Events, w.watcher.Errors)
	log.Info().Str("env_path", w.envPath).Msg("Started watching .env for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
		w.watcher.Close()
	})
}

// Reload applies the .env file now (e.g. on SIGHUP).
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != envFileName {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				log.Debug().Str("event", event.Op.String()).Msg("Detected .env file change")
				w.schedule()
			}

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

// schedule coalesces bursts of writes into one reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.stopChan:
		default:
			w.reload()
		}
	})
}

func (w *Watcher) pollForChanges(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil || !stat.ModTime().After(w.lastModTime) {
				continue
			}
			log.Info().Msg("Detected .env file change via polling")
			w.lastModTime = stat.ModTime()
			w.reload()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
			return
		}
		envMap = map[string]string{}
	}

	Mu.Lock()
	var changes []string
	if level := strings.TrimSpace(envMap[EnvLogLevel]); level != "" && level != w.config.LogLevel {
		if logging.ValidLevel(level) {
			w.config.LogLevel = level
			logging.SetLevel(level)
			changes = append(changes, "log level")
		} else {
			log.Warn().Str("level", level).Msg("Ignoring invalid log level from .env")
		}
	}
	if v := envMap[EnvRevalidateInterval]; v != "" {
		if d, err := parseDuration(v); err == nil && d > 0 && d != w.config.RevalidateInterval {
			w.config.RevalidateInterval = d
			changes = append(changes, "revalidate interval")
		}
	}
	cfg := *w.config
	Mu.Unlock()

	if len(changes) == 0 {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}
	log.Info().Strs("changes", changes).Str("level", cfg.LogLevel).Msg("Applied .env file changes to runtime config")

	w.mu.Lock()
	callback := w.onReload
	w.mu.Unlock()
	if callback != nil {
		callback(&cfg)
	}
}
