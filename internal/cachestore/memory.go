package cachestore

import (
	"context"
	"sort"
	"sync"
)

type memoryItem struct {
	seq   uint64
	entry Entry
}

type memoryBucket struct {
	seq     uint64
	entries map[string]memoryItem
}

type memoryStorage struct {
	mu      sync.RWMutex
	seq     uint64
	buckets map[string]*memoryBucket
}

// NewMemory returns an in-process storage.
func NewMemory() Storage {
	return &memoryStorage{buckets: map[string]*memoryBucket{}}
}

func (s *memoryStorage) Open(_ context.Context, name string) (Cache, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.bucketLocked(name)
	s.mu.Unlock()
	return &memoryCache{s: s, name: name}, nil
}

func (s *memoryStorage) bucketLocked(name string) *memoryBucket {
	b, ok := s.buckets[name]
	if !ok {
		s.seq++
		b = &memoryBucket{seq: s.seq, entries: map[string]memoryItem{}}
		s.buckets[name] = b
	}
	return b
}

func (s *memoryStorage) Has(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.buckets[name]
	return ok, nil
}

func (s *memoryStorage) Names(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namesLocked(), nil
}

func (s *memoryStorage) namesLocked() []string {
	out := make([]string, 0, len(s.buckets))
	for name := range s.buckets {
		out = append(out, name)
	}
	sort.Slice(out, func(i, j int) bool {
		return s.buckets[out[i]].seq < s.buckets[out[j]].seq
	})
	return out
}

func (s *memoryStorage) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[name]; !ok {
		return false, nil
	}
	delete(s.buckets, name)
	return true, nil
}

func (s *memoryStorage) Match(_ context.Context, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.namesLocked() {
		if it, ok := s.buckets[name].entries[key]; ok {
			return it.entry.Clone(), true, nil
		}
	}
	return Entry{}, false, nil
}

func (s *memoryStorage) Close() error { return nil }

type memoryCache struct {
	s    *memoryStorage
	name string
}

func (c *memoryCache) Name() string { return c.name }

func (c *memoryCache) Match(_ context.Context, key string) (Entry, bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	b, ok := c.s.buckets[c.name]
	if !ok {
		return Entry{}, false, nil
	}
	it, ok := b.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	return it.entry.Clone(), true, nil
}

func (c *memoryCache) Put(_ context.Context, key string, entry Entry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	b := c.s.bucketLocked(c.name)
	c.s.seq++
	b.entries[key] = memoryItem{seq: c.s.seq, entry: entry.Clone()}
	return nil
}

func (c *memoryCache) Delete(_ context.Context, key string) (bool, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	b, ok := c.s.buckets[c.name]
	if !ok {
		return false, nil
	}
	if _, ok := b.entries[key]; !ok {
		return false, nil
	}
	delete(b.entries, key)
	return true, nil
}

func (c *memoryCache) Keys(_ context.Context) ([]string, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	b, ok := c.s.buckets[c.name]
	if !ok {
		return nil, nil
	}
	out := make([]string, 0, len(b.entries))
	for k := range b.entries {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return b.entries[out[i]].seq < b.entries[out[j]].seq
	})
	return out, nil
}

func (c *memoryCache) Len(_ context.Context) (int, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	b, ok := c.s.buckets[c.name]
	if !ok {
		return 0, nil
	}
	return len(b.entries), nil
}
