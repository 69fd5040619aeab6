package params

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Provider returns the current parameter values.
type Provider interface {
	Current(ctx context.Context) (Values, error)
}

// Static always returns the same values.
type Static Values

// Current returns the static values.
func (s Static) Current(context.Context) (Values, error) {
	return Values(s), nil
}

// Cache is a Provider that loads from a Source and reloads whenever the shared
// version moves. Subscribers run after a reload changed any value.
type Cache struct {
	source    Source
	versioner Versioner
	logger    *slog.Logger

	mu          sync.RWMutex
	values      Values
	version     int64
	loaded      bool
	stale       bool
	subscribers []func(Values)

	group singleflight.Group
}

// NewCache constructs a Cache. versioner may be nil, in which case values load
// once and reload only through Invalidate.
func NewCache(source Source, versioner Versioner, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{source: source, versioner: versioner, logger: logger}
}

// Current returns cached values, reloading when stale.
func (c *Cache) Current(ctx context.Context) (Values, error) {
	ver, err := c.currentVersion(ctx)
	if err != nil {
		c.logger.Warn("params version lookup failed", slog.Any("error", err))
		c.mu.RLock()
		values, loaded := c.values, c.loaded
		c.mu.RUnlock()
		if loaded {
			return values, nil
		}
	}
	c.mu.RLock()
	if c.loaded && !c.stale && c.version == ver {
		values := c.values
		c.mu.RUnlock()
		return values, nil
	}
	c.mu.RUnlock()

	res, err, _ := c.group.Do("load", func() (any, error) {
		return c.reload(ctx, ver)
	})
	if err != nil {
		return Values{}, err
	}
	return res.(Values), nil
}

func (c *Cache) currentVersion(ctx context.Context) (int64, error) {
	if c.versioner == nil {
		return 0, nil
	}
	return c.versioner.Version(ctx)
}

func (c *Cache) reload(ctx context.Context, ver int64) (Values, error) {
	raw, err := c.source.Load(ctx)
	if err != nil {
		return Values{}, err
	}
	values, err := Parse(raw)
	if err != nil {
		return Values{}, err
	}
	c.mu.Lock()
	changed := c.loaded && !reflect.DeepEqual(c.values, values)
	c.values = values
	c.version = ver
	c.loaded = true
	c.stale = false
	subscribers := append([]func(Values){}, c.subscribers...)
	c.mu.Unlock()
	if changed {
		for _, fn := range subscribers {
			fn(values)
		}
	}
	return values, nil
}

// Invalidate forces the next Current to reload.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stale = true
}

// Subscribe registers fn for value changes.
func (c *Cache) Subscribe(fn func(Values)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Set validates and stores one parameter, then announces the change.
func (c *Cache) Set(ctx context.Context, key, value string) error {
	c.mu.RLock()
	current := c.values
	c.mu.RUnlock()
	raw := current.Raw()
	if !c.isLoaded() {
		raw = map[string]string{}
	}
	raw[key] = value
	if _, err := Parse(raw); err != nil {
		return err
	}
	if err := c.source.Save(ctx, key, value); err != nil {
		return err
	}
	if c.versioner != nil {
		if _, err := c.versioner.Bump(ctx); err != nil {
			c.logger.Warn("params version bump failed", slog.Any("error", err))
		}
	}
	c.Invalidate()
	_, err := c.Current(ctx)
	return err
}

func (c *Cache) isLoaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}
