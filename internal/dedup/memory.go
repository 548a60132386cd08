package dedup

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

type memoryStore struct {
	lru *expirable.LRU[string, time.Time]
}

// NewMemoryStore returns a bounded cache whose entries expire after ttl.
func NewMemoryStore(maxEntries int, ttl time.Duration) Store {
	return &memoryStore{lru: expirable.NewLRU[string, time.Time](maxEntries, nil, ttl)}
}

func (m *memoryStore) Seen(hash string) (time.Time, bool) {
	return m.lru.Peek(hash)
}

func (m *memoryStore) Mark(hash string, at time.Time) {
	m.lru.Add(hash, at)
}

func (m *memoryStore) Prune(before time.Time) int {
	n := 0
	for _, k := range m.lru.Keys() {
		at, ok := m.lru.Peek(k)
		if !ok || at.Before(before) {
			if m.lru.Remove(k) {
				n++
			}
		}
	}
	return n
}
