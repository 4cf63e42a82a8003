package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"chatguard/internal/logging"
	"chatguard/internal/models"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// DefaultCachePolicies are used for any feature the policy file does not override
func DefaultCachePolicies() map[string]models.CachePolicy {
	return map[string]models.CachePolicy{
		models.FeatureSummary:     {MaxAge: 24 * time.Hour, MaxDelta: 20},
		models.FeatureActionItems: {MaxAge: 24 * time.Hour, MaxDelta: 20},
		models.FeatureSearch:      {MaxAge: 10 * time.Minute, MaxDelta: 5},
	}
}

// policyFile is the on-disk YAML layout:
//
//	features:
//	  summary:
//	    max_age: 24h
//	    max_delta: 20
type policyFile struct {
	Features map[string]struct {
		MaxAge   string `yaml:"max_age"`
		MaxDelta int    `yaml:"max_delta"`
	} `yaml:"features"`
}

// CachePolicies is a concurrency-safe, reloadable set of per-feature cache policies
type CachePolicies struct {
	mu       sync.RWMutex
	policies map[string]models.CachePolicy
}

// NewCachePolicies starts from the defaults
func NewCachePolicies() *CachePolicies {
	return &CachePolicies{policies: DefaultCachePolicies()}
}

// Get returns the policy for feature, falling back to the summary policy
func (p *CachePolicies) Get(feature string) models.CachePolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if policy, ok := p.policies[feature]; ok {
		return policy
	}
	return DefaultCachePolicies()[models.FeatureSummary]
}

// All returns a copy of every configured policy
func (p *CachePolicies) All() map[string]models.CachePolicy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]models.CachePolicy, len(p.policies))
	for k, v := range p.policies {
		out[k] = v
	}
	return out
}

// LoadFile replaces the policies with defaults overlaid by the YAML file.
// On any parse error the current policies are left untouched.
func (p *CachePolicies) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cache policy file: %w", err)
	}

	var file policyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse cache policy file: %w", err)
	}

	next := DefaultCachePolicies()
	for feature, raw := range file.Features {
		maxAge, err := time.ParseDuration(raw.MaxAge)
		if err != nil {
			return fmt.Errorf("feature %q: invalid max_age %q: %w", feature, raw.MaxAge, err)
		}
		if maxAge <= 0 || raw.MaxDelta <= 0 {
			return fmt.Errorf("feature %q: max_age and max_delta must be positive", feature)
		}
		next[feature] = models.CachePolicy{MaxAge: maxAge, MaxDelta: raw.MaxDelta}
	}

	p.mu.Lock()
	p.policies = next
	p.mu.Unlock()
	return nil
}

// Watch reloads the policy file whenever it changes, until ctx is cancelled.
// The directory is watched rather than the file so editors that replace the
// file on save are still picked up.
func (p *CachePolicies) Watch(ctx context.Context, path string) error {
	log := logging.Component("cache-policy")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		watcher.Close()
		return fmt.Errorf("failed to get absolute path for %s: %w", path, err)
	}
	filename := filepath.Base(absPath)

	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch directory of %s: %w", path, err)
	}

	log.WithField("path", path).Info("Watching cache policy file for changes")

	go func() {
		defer watcher.Close()

		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != filename {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(500*time.Millisecond, func() {
					if err := p.LoadFile(path); err != nil {
						log.WithError(err).Warn("Failed to reload cache policies, keeping previous set")
						return
					}
					log.WithField("path", path).Info("Cache policies reloaded")
				})

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("File watcher error")
			}
		}
	}()

	return nil
}
