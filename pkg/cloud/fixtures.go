package cloud

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Fixtures seeds a MemoryClient: resources grouped by kind.
//
//	tenant:
//	  - {id: t1, name: ops}
//	server:
//	  - {id: s1, name: web, tenant: t1, status: ACTIVE}
type Fixtures map[string][]Resource

// ParseFixtures decodes a YAML fixtures document. Every resource needs an id.
func ParseFixtures(data []byte) (Fixtures, error) {
	var f Fixtures
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse fixtures: %w", err)
	}
	for kind, resources := range f {
		for i, r := range resources {
			if r.ID() == "" {
				return nil, fmt.Errorf("fixture %s[%d] has no id", kind, i)
			}
		}
	}
	return f, nil
}

// LoadFixtures reads a fixtures file.
func LoadFixtures(path string) (Fixtures, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixtures: %w", err)
	}
	return ParseFixtures(data)
}

// Load replaces the content of the cloud with f. Call counters and queued
// failures are kept.
func (c *MemoryClient) Load(f Fixtures) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.resources = make(map[string]map[string]Resource, len(f))
	for kind, resources := range f {
		b := c.bucket(kind)
		for _, r := range resources {
			b[r.ID()] = r.Clone()
		}
	}
}

// Snapshot returns the content of the cloud as fixtures.
func (c *MemoryClient) Snapshot() Fixtures {
	c.mu.Lock()
	defer c.mu.Unlock()

	f := make(Fixtures, len(c.resources))
	for kind, b := range c.resources {
		out := make([]Resource, 0, len(b))
		for _, r := range b {
			out = append(out, r.Clone())
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
		f[kind] = out
	}
	return f
}

// FixtureWatcher reloads a fixtures file when it changes on disk.
type FixtureWatcher struct {
	path   string
	delay  time.Duration
	logger zerolog.Logger
}

// NewFixtureWatcher creates a watcher for path. Bursts of events are
// coalesced into a single reload after delay.
func NewFixtureWatcher(path string, delay time.Duration, logger zerolog.Logger) *FixtureWatcher {
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	return &FixtureWatcher{
		path:   filepath.Clean(path),
		delay:  delay,
		logger: logger.With().Str("component", "fixture-watcher").Str("path", path).Logger(),
	}
}

// Watch calls reload with the new fixtures after every change until ctx is
// done. Files that fail to parse are logged and skipped. The parent
// directory is watched so editors that replace the file are noticed.
func (w *FixtureWatcher) Watch(ctx context.Context, reload func(Fixtures)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.logger.Info().Msg("Watching fixtures")

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().Str("op", event.Op.String()).Msg("Fixtures changed")

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.delay, func() {
				if ctx.Err() != nil {
					return
				}
				f, err := LoadFixtures(w.path)
				if err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload fixtures")
					return
				}
				reload(f)
				w.logger.Info().Int("kinds", len(f)).Msg("Fixtures reloaded")
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Fixture watcher error")
		}
	}
}
