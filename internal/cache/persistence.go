// internal/cache/persistence.go
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// persistedEntry is the on-disk form of a cache entry. Values are kept
// in their stored (possibly compressed) encoding.
type persistedEntry struct {
	Key         string            `json:"key"`
	Value       []byte            `json:"value"`
	Compressed  bool              `json:"compressed"`
	ContentType string            `json:"content_type"`
	ContentHash string            `json:"content_hash"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	AccessCount int               `json:"access_count"`
	TTL         time.Duration     `json:"ttl"`
}

type persistedCache struct {
	SavedAt time.Time        `json:"saved_at"`
	Entries []persistedEntry `json:"entries"`
}

// SaveToDisk writes all non-expired entries to path, most recently used
// first.
func (m *Manager) SaveToDisk(path string) error {
	m.mu.Lock()
	now := m.now()
	dump := persistedCache{SavedAt: now}
	for elem := m.lru.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		if e.expired(now) {
			continue
		}
		dump.Entries = append(dump.Entries, persistedEntry{
			Key:         e.key,
			Value:       e.value,
			Compressed:  e.compressed,
			ContentType: e.contentType,
			ContentHash: e.contentHash,
			Metadata:    e.metadata,
			CreatedAt:   e.createdAt,
			AccessCount: e.accessCount,
			TTL:         e.ttl,
		})
	}
	m.mu.Unlock()

	data, err := json.Marshal(dump)
	if err != nil {
		return fmt.Errorf("failed to marshal cache: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadFromDisk restores entries from path, skipping any already expired
// at load time. Existing entries with the same keys are replaced.
func (m *Manager) LoadFromDisk(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read cache file: %w", err)
	}

	var dump persistedCache
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("failed to parse cache file: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	loaded := 0
	// Iterate in reverse so the most recently used entry ends up at the
	// front of the LRU list.
	for i := len(dump.Entries) - 1; i >= 0; i-- {
		pe := dump.Entries[i]
		e := &entry{
			key:          pe.Key,
			value:        pe.Value,
			compressed:   pe.Compressed,
			contentType:  pe.ContentType,
			contentHash:  pe.ContentHash,
			metadata:     pe.Metadata,
			createdAt:    pe.CreatedAt,
			lastAccessed: now,
			accessCount:  pe.AccessCount,
			ttl:          pe.TTL,
			sizeBytes:    len(pe.Value),
		}
		if e.expired(now) {
			continue
		}
		if existing, ok := m.entries[e.key]; ok {
			m.removeLocked(existing)
		}
		m.entries[e.key] = m.lru.PushFront(e)
		m.sizeBytes += e.sizeBytes
		loaded++
	}
	m.evictOverflowLocked()

	m.logger.Infof("loaded %d cache entries from %s", loaded, path)
	return nil
}
