package sanitize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/victoralfred/gowritter/safepath"
	"gopkg.in/yaml.v3"

	"github.com/victoralfred/goproc/resilience"
)

// DefaultWatchInterval drives the periodic reload fallback when
// neither the caller nor the pack sets one.
const DefaultWatchInterval = 30 * time.Second

// Loader reads rule packs from YAML files with change detection.
// Reads go through a safe path root so a pack reference can never
// escape the configured base directory.
type Loader struct {
	base     string
	file     string
	safePath *safepath.SafePath
	logger   logr.Logger

	mu       sync.RWMutex
	pack     *RulePack
	lastHash string

	validators []PackValidator
	onChange   []func(*RulePack)

	stopOnce  sync.Once
	watchStop chan struct{}
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithPackValidator adds a validator run on every load.
func WithPackValidator(v PackValidator) LoaderOption {
	return func(l *Loader) {
		l.validators = append(l.validators, v)
	}
}

// WithChangeHandler registers a callback invoked after each
// successful load of a changed pack.
func WithChangeHandler(fn func(*RulePack)) LoaderOption {
	return func(l *Loader) {
		l.onChange = append(l.onChange, fn)
	}
}

// WithLoaderLogger sets the logger for watch and reload failures.
func WithLoaderLogger(logger logr.Logger) LoaderOption {
	return func(l *Loader) {
		l.logger = logger
	}
}

// NewLoader creates a loader for packFile resolved under basePath.
func NewLoader(basePath, packFile string, opts ...LoaderOption) (*Loader, error) {
	sp, err := safepath.New(basePath)
	if err != nil {
		return nil, fmt.Errorf("creating safe path: %w", err)
	}

	l := &Loader{
		base:       basePath,
		file:       packFile,
		safePath:   sp,
		logger:     logr.Discard(),
		validators: []PackValidator{DefaultPackValidator},
		watchStop:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Load reads, validates and installs the pack. When the file content
// hash is unchanged the cached pack is returned without re-parsing.
func (l *Loader) Load(ctx context.Context) (*RulePack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := l.safePath.ReadFile(l.file)
	if err != nil {
		return nil, fmt.Errorf("reading rule pack: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	l.mu.RLock()
	current, unchanged := l.pack, l.lastHash == hash && l.pack != nil
	l.mu.RUnlock()
	if unchanged {
		return current, nil
	}

	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parsing rule pack: %w", err)
	}
	for _, validate := range l.validators {
		if err := validate(&pack); err != nil {
			return nil, fmt.Errorf("validating rule pack: %w", err)
		}
	}

	l.mu.Lock()
	l.pack = &pack
	l.lastHash = hash
	handlers := append(([]func(*RulePack))(nil), l.onChange...)
	l.mu.Unlock()

	for _, handler := range handlers {
		handler(&pack)
	}
	return &pack, nil
}

// Pack returns the most recently loaded pack, or nil.
func (l *Loader) Pack() *RulePack {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pack
}

// Bind applies the current pack to s and re-applies on every change.
func (l *Loader) Bind(s *Sanitizer) {
	l.mu.Lock()
	l.onChange = append(l.onChange, func(pack *RulePack) {
		if err := s.ApplyRulePack(pack); err != nil {
			l.logger.Error(err, "applying rule pack", "file", l.file)
		}
	})
	pack := l.pack
	l.mu.Unlock()

	if pack != nil {
		if err := s.ApplyRulePack(pack); err != nil {
			l.logger.Error(err, "applying rule pack", "file", l.file)
		}
	}
}

// Watch reloads the pack when the file changes on disk. A ticker
// drives periodic reloads as a fallback for filesystems where change
// notification is unreliable. interval <= 0 uses the pack's
// watch_interval, then DefaultWatchInterval. Watch returns after
// starting the goroutine; stop it with StopWatch or by cancelling
// ctx.
func (l *Loader) Watch(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultWatchInterval
		if pack := l.Pack(); pack != nil && pack.WatchInterval.Duration > 0 {
			interval = pack.WatchInterval.Duration
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}

	// Watch the directory, not the file: editors and config pushes
	// replace the file, which drops a direct watch.
	full := filepath.Join(l.base, l.file)
	if err := watcher.Add(filepath.Dir(full)); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(full), err)
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer watcher.Close()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-l.watchStop:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(full) {
					continue
				}
				if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
					continue
				}
				l.reload(ctx)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				l.logger.Error(err, "rule pack watcher", "file", l.file)
			case <-ticker.C:
				l.reload(ctx)
			}
		}
	}()
	return nil
}

// reload retries transient failures; a writer may still be replacing
// the file when the event fires.
func (l *Loader) reload(ctx context.Context) {
	backoff := resilience.NewExponentialBackoff(resilience.BackoffConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Multiplier:      2.0,
		MaxRetries:      3,
	})
	err := resilience.RetryWithBackoff(ctx, backoff, func() error {
		_, loadErr := l.Load(ctx)
		return loadErr
	})
	if err != nil {
		l.logger.Error(err, "reloading rule pack", "file", l.file)
	}
}

// StopWatch stops the watch goroutine. Safe to call more than once.
func (l *Loader) StopWatch() {
	l.stopOnce.Do(func() {
		close(l.watchStop)
	})
}
