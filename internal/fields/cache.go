package fields

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long a category's field list is trusted
const DefaultCacheTTL = 5 * time.Minute

// Source loads the full field list of a category, usually from the CRM API
type Source interface {
	ListCustomFields(ctx context.Context, category Category) ([]*Descriptor, error)
}

type cacheEntry struct {
	descriptors []*Descriptor
	loadedAt    time.Time
}

// CachedProvider resolves fields against a Source and caches each category for a TTL.
// A miss on a warm cache triggers one reload before reporting FieldNotFound, so
// fields created after the cache was filled are still found.
type CachedProvider struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	entries  map[Category]*cacheEntry
	inflight singleflight.Group
}

// CachedProviderConfig configures a CachedProvider
type CachedProviderConfig struct {
	Source Source
	TTL    time.Duration
	Logger *slog.Logger
	Now    func() time.Time
}

func NewCachedProvider(cfg CachedProviderConfig) (*CachedProvider, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("field source is required")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &CachedProvider{
		source:  cfg.Source,
		ttl:     cfg.TTL,
		logger:  cfg.Logger,
		now:     cfg.Now,
		entries: make(map[Category]*cacheEntry),
	}, nil
}

func (p *CachedProvider) Resolve(ctx context.Context, nameOrID string, category Category) (*Descriptor, error) {
	descriptors, fresh, err := p.load(ctx, category, false)
	if err != nil {
		return nil, err
	}
	if d := match(descriptors, nameOrID); d != nil {
		return d, nil
	}
	if !fresh {
		p.logger.Debug("Field not in cache, reloading category", "field", nameOrID, "category", category)
		descriptors, _, err = p.load(ctx, category, true)
		if err != nil {
			return nil, err
		}
		if d := match(descriptors, nameOrID); d != nil {
			return d, nil
		}
	}
	return nil, notFound(descriptors, nameOrID, category)
}

// List returns every field of a category
func (p *CachedProvider) List(ctx context.Context, category Category) ([]*Descriptor, error) {
	descriptors, _, err := p.load(ctx, category, false)
	if err != nil {
		return nil, err
	}
	return append([]*Descriptor(nil), descriptors...), nil
}

// Invalidate drops the cached list of a category; an empty category drops all
func (p *CachedProvider) Invalidate(category Category) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if category == "" {
		p.entries = make(map[Category]*cacheEntry)
		return
	}
	delete(p.entries, category)
}

// Refresh reloads a category immediately
func (p *CachedProvider) Refresh(ctx context.Context, category Category) error {
	_, _, err := p.load(ctx, category, true)
	return err
}

// load returns the category's descriptors and whether they were fetched by
// this call. The fetch runs outside p.mu; concurrent loads of one category
// share a single request.
func (p *CachedProvider) load(ctx context.Context, category Category, force bool) ([]*Descriptor, bool, error) {
	if !force {
		p.mu.Lock()
		entry, ok := p.entries[category]
		p.mu.Unlock()
		if ok && p.now().Sub(entry.loadedAt) < p.ttl {
			return entry.descriptors, false, nil
		}
	}

	v, err, _ := p.inflight.Do(string(category), func() (any, error) {
		descriptors, err := p.source.ListCustomFields(ctx, category)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.entries[category] = &cacheEntry{descriptors: descriptors, loadedAt: p.now()}
		p.mu.Unlock()
		p.logger.Debug("Loaded field metadata", "category", category, "count", len(descriptors))
		return descriptors, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to load %s fields: %w", category, err)
	}
	return v.([]*Descriptor), true, nil
}
