package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryProvider is a map-backed Provider. It is the runtime fallback when
// the durable backend reports quota exhaustion, and the default test double.
type MemoryProvider struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemoryProvider creates an empty MemoryProvider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		data: make(map[string][]byte),
	}
}

func (p *MemoryProvider) Get(ctx context.Context, key string) ([]byte, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	value, ok := p.data[key]
	if !ok {
		return nil, ErrKeyNotFound
	}

	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (p *MemoryProvider) Set(ctx context.Context, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	stored := make([]byte, len(value))
	copy(stored, value)
	p.data[key] = stored
	return nil
}

func (p *MemoryProvider) Remove(ctx context.Context, key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	delete(p.data, key)
	return nil
}

func (p *MemoryProvider) Keys(ctx context.Context, prefix string) ([]string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return nil, ErrClosed
	}

	keys := make([]string, 0, len(p.data))
	for key := range p.data {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true
	p.data = nil
	return nil
}

// Len reports the number of stored keys.
func (p *MemoryProvider) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.data)
}
