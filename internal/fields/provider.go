package fields

import (
	"context"
	"strings"
	"sync"
)

// Provider resolves a field name or ID to its descriptor. Implementations must be
// safe for concurrent use and return *FieldNotFoundError when nothing matches.
type Provider interface {
	Resolve(ctx context.Context, nameOrID string, category Category) (*Descriptor, error)
}

// Lister is implemented by providers that can enumerate a category
type Lister interface {
	List(ctx context.Context, category Category) ([]*Descriptor, error)
}

// match picks a descriptor by exact name, then exact ID, then case-insensitive name
func match(descriptors []*Descriptor, nameOrID string) *Descriptor {
	key := strings.TrimSpace(nameOrID)
	if key == "" {
		return nil
	}
	for _, d := range descriptors {
		if d.Name == key {
			return d
		}
	}
	for _, d := range descriptors {
		if d.ID == key {
			return d
		}
	}
	for _, d := range descriptors {
		if strings.EqualFold(d.Name, key) {
			return d
		}
	}
	return nil
}

// StaticProvider serves a fixed set of descriptors. It backs offline planning and tests.
type StaticProvider struct {
	mu     sync.RWMutex
	fields map[Category][]*Descriptor
}

func NewStaticProvider(descriptors ...*Descriptor) *StaticProvider {
	p := &StaticProvider{fields: make(map[Category][]*Descriptor)}
	for _, d := range descriptors {
		p.Add(d)
	}
	return p
}

// Add registers or replaces a descriptor (matched by ID, then name)
func (p *StaticProvider) Add(d *Descriptor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.fields[d.Category]
	for i, existing := range list {
		if (d.ID != "" && existing.ID == d.ID) || existing.Name == d.Name {
			list[i] = d
			return
		}
	}
	p.fields[d.Category] = append(list, d)
}

// Remove drops a field by name
func (p *StaticProvider) Remove(category Category, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	list := p.fields[category]
	for i, existing := range list {
		if existing.Name == name {
			p.fields[category] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

func (p *StaticProvider) Resolve(_ context.Context, nameOrID string, category Category) (*Descriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if d := match(p.fields[category], nameOrID); d != nil {
		return d, nil
	}
	return nil, notFound(p.fields[category], nameOrID, category)
}

func (p *StaticProvider) List(_ context.Context, category Category) ([]*Descriptor, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Descriptor(nil), p.fields[category]...), nil
}
