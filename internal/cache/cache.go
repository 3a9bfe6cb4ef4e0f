// internal/cache/cache.go
package cache

import (
	"bytes"
	"compress/gzip"
	"container/list"
	"io"
	"math/rand"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Content types with distinct expiry profiles.
const (
	ContentTypeHTML      = "html"
	ContentTypeSchedule  = "schedule"
	ContentTypeDirectory = "parish_directory"
	ContentTypeDNS       = "dns"
	ContentTypeProtocol  = "protocol"
	ContentTypeAPI       = "api"
	ContentTypeAIProfile = "ai_profile"
)

var baseTTLs = map[string]time.Duration{
	ContentTypeHTML:      30 * time.Minute,
	ContentTypeSchedule:  2 * time.Hour,
	ContentTypeDirectory: time.Hour,
	ContentTypeDNS:       24 * time.Hour,
	ContentTypeProtocol:  12 * time.Hour,
	ContentTypeAPI:       15 * time.Minute,
	ContentTypeAIProfile: 24 * time.Hour,
}

const defaultBaseTTL = 30 * time.Minute

// Compression heuristics.
const (
	compressionMinSize   = 1024
	compressionForceSize = 5 * 1024
)

// Early-refresh window: an entry inside the last 30% of its TTL becomes
// a probabilistic refresh candidate.
const refreshWindowFraction = 0.3

var scheduleKeywords = []string{"mass", "schedule", "confession", "adoration", "reconciliation", "liturgy"}
var dynamicMarkers = []string{"<script", "data-reactroot", "ng-app", "loading..."}

type entry struct {
	key          string
	value        []byte
	compressed   bool
	contentType  string
	contentHash  string
	metadata     map[string]string
	createdAt    time.Time
	lastAccessed time.Time
	accessCount  int
	ttl          time.Duration
	sizeBytes    int
}

func (e *entry) expired(now time.Time) bool {
	return now.After(e.createdAt.Add(e.ttl))
}

// SetOptions controls TTL derivation and compression for one Set call.
type SetOptions struct {
	// TTL overrides the computed value when positive.
	TTL         time.Duration
	ContentType string
	Metadata    map[string]string
	// Compress forces compression on or off; nil applies heuristics.
	Compress *bool
	// DomainReliability in [0,1]; reliable domains keep entries longer.
	DomainReliability float64
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Entries       int     `json:"entries"`
	SizeBytes     int     `json:"size_bytes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Sets          int64   `json:"sets"`
	NoopRefreshes int64   `json:"noop_refreshes"`
	Evictions     int64   `json:"evictions"`
	Expirations   int64   `json:"expirations"`
	RefreshHints  int64   `json:"refresh_hints"`
	HitRate       float64 `json:"hit_rate"`
}

// Manager is a TTL cache with content-type-aware expiry, probabilistic
// early refresh and LRU eviction. It avoids redundant network work for
// DNS checks, protocol verification and page fetches.
type Manager struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	lru        *list.List // front = most recently used
	sizeBytes  int
	maxEntries int
	maxBytes   int

	hits          int64
	misses        int64
	sets          int64
	noopRefreshes int64
	evictions     int64
	expirations   int64
	refreshHints  int64

	// Rand is the randomness source for early-refresh decisions,
	// injectable so tests can pin either branch.
	Rand func() float64

	logger utils.Logger
	now    func() time.Time
}

// NewManager creates a cache bounded by entry count and total bytes.
func NewManager(maxEntries, maxBytes int) *Manager {
	if maxEntries <= 0 {
		maxEntries = 2000
	}
	if maxBytes <= 0 {
		maxBytes = 128 * 1024 * 1024
	}
	return &Manager{
		entries:    make(map[string]*list.Element),
		lru:        list.New(),
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		Rand:       rand.Float64,
		logger:     utils.NewComponentLogger("cache"),
		now:        time.Now,
	}
}

// Get returns the stored value. A read of an expired entry evicts it and
// reports a miss.
func (m *Manager) Get(key string) ([]byte, bool) {
	value, _, ok := m.GetWithRefresh(key)
	return value, ok
}

// GetWithRefresh additionally reports whether the caller should
// proactively refresh the entry: entries close to expiry are flagged
// with a probability scaling with proximity and access frequency, so hot
// entries tend to be renewed before going stale without a background
// sweep thread.
func (m *Manager) GetWithRefresh(key string) (value []byte, refreshAdvised bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, found := m.entries[key]
	if !found {
		m.misses++
		return nil, false, false
	}
	e := elem.Value.(*entry)
	now := m.now()

	if e.expired(now) {
		m.removeLocked(elem)
		m.expirations++
		m.misses++
		return nil, false, false
	}

	e.lastAccessed = now
	e.accessCount++
	m.lru.MoveToFront(elem)
	m.hits++

	remaining := e.createdAt.Add(e.ttl).Sub(now)
	if float64(remaining) < refreshWindowFraction*float64(e.ttl) {
		closeness := 1 - float64(remaining)/(refreshWindowFraction*float64(e.ttl))
		frequency := float64(e.accessCount) / 10
		if frequency > 1 {
			frequency = 1
		}
		if m.Rand() < closeness*frequency {
			m.refreshHints++
			refreshAdvised = true
		}
	}

	raw, err := m.decode(e)
	if err != nil {
		// Corrupt payload: drop it and report a miss.
		m.removeLocked(elem)
		m.misses++
		m.hits--
		return nil, false, false
	}
	return raw, refreshAdvised, true
}

// Set stores value under key. When the new content hashes identically to
// the stored entry, only TTL and metadata are refreshed; the payload is
// not re-encoded.
func (m *Manager) Set(key string, value []byte, opts SetOptions) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	hash := utils.ContentHash(value)
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = m.computeTTL(value, opts)
	}

	if elem, exists := m.entries[key]; exists {
		e := elem.Value.(*entry)
		if e.contentHash == hash {
			e.createdAt = now
			e.ttl = ttl
			if opts.Metadata != nil {
				e.metadata = opts.Metadata
			}
			m.lru.MoveToFront(elem)
			m.noopRefreshes++
			return true
		}
		m.removeLocked(elem)
	}

	stored, compressed := m.encode(value, opts)
	e := &entry{
		key:          key,
		value:        stored,
		compressed:   compressed,
		contentType:  opts.ContentType,
		contentHash:  hash,
		metadata:     opts.Metadata,
		createdAt:    now,
		lastAccessed: now,
		ttl:          ttl,
		sizeBytes:    len(stored),
	}
	m.entries[key] = m.lru.PushFront(e)
	m.sizeBytes += e.sizeBytes
	m.sets++

	m.evictOverflowLocked()
	return true
}

// Invalidate removes a single key. Returns true if it was present.
func (m *Manager) Invalidate(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return false
	}
	m.removeLocked(elem)
	return true
}

// InvalidatePattern removes all keys matching the regular expression.
func (m *Manager) InvalidatePattern(pattern string) (int, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, elem := range m.entries {
		if re.MatchString(key) {
			m.removeLocked(elem)
			removed++
		}
	}
	return removed, nil
}

// InvalidateContentType removes all entries of one content type.
func (m *Manager) InvalidateContentType(contentType string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for _, elem := range m.entries {
		if elem.Value.(*entry).contentType == contentType {
			m.removeLocked(elem)
			removed++
		}
	}
	return removed
}

// GetStats returns a counters snapshot.
func (m *Manager) GetStats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := Stats{
		Entries:       len(m.entries),
		SizeBytes:     m.sizeBytes,
		Hits:          m.hits,
		Misses:        m.misses,
		Sets:          m.sets,
		NoopRefreshes: m.noopRefreshes,
		Evictions:     m.evictions,
		Expirations:   m.expirations,
		RefreshHints:  m.refreshHints,
	}
	if total := m.hits + m.misses; total > 0 {
		stats.HitRate = float64(m.hits) / float64(total)
	}
	return stats
}

// computeTTL derives a TTL from the content-type base and content
// signals. Must be called with mu held.
func (m *Manager) computeTTL(value []byte, opts SetOptions) time.Duration {
	base, ok := baseTTLs[opts.ContentType]
	if !ok {
		base = defaultBaseTTL
	}

	lower := strings.ToLower(string(value))
	for _, kw := range scheduleKeywords {
		if strings.Contains(lower, kw) {
			base *= 2
			break
		}
	}
	for _, marker := range dynamicMarkers {
		if strings.Contains(lower, marker) {
			base /= 2
			break
		}
	}

	switch {
	case opts.DomainReliability > 0.9:
		base = base * 3 / 2
	case opts.DomainReliability > 0 && opts.DomainReliability < 0.5:
		base /= 2
	}
	return base
}

// encode applies the compression heuristics. Must not hold references to
// the caller's slice beyond the call.
func (m *Manager) encode(value []byte, opts SetOptions) ([]byte, bool) {
	compress := false
	switch {
	case opts.Compress != nil:
		compress = *opts.Compress
	case len(value) < compressionMinSize:
		compress = false
	case looksCompressed(value):
		compress = false
	case (opts.ContentType == ContentTypeHTML || opts.ContentType == ContentTypeAPI) && len(value) > compressionForceSize:
		compress = true
	case len(value) > compressionForceSize:
		compress = true
	}

	if !compress {
		stored := make([]byte, len(value))
		copy(stored, value)
		return stored, false
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(value); err != nil {
		zw.Close()
		stored := make([]byte, len(value))
		copy(stored, value)
		return stored, false
	}
	if err := zw.Close(); err != nil {
		stored := make([]byte, len(value))
		copy(stored, value)
		return stored, false
	}
	// Keep the uncompressed form when gzip does not help.
	if buf.Len() >= len(value) {
		stored := make([]byte, len(value))
		copy(stored, value)
		return stored, false
	}
	return buf.Bytes(), true
}

func (m *Manager) decode(e *entry) ([]byte, error) {
	if !e.compressed {
		return e.value, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(e.value))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

func looksCompressed(value []byte) bool {
	return len(value) >= 2 && value[0] == 0x1f && value[1] == 0x8b
}

// removeLocked removes an element. Must be called with mu held.
func (m *Manager) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	m.lru.Remove(elem)
	delete(m.entries, e.key)
	m.sizeBytes -= e.sizeBytes
}

// evictOverflowLocked drops least-recently-used entries until within
// bounds. Must be called with mu held.
func (m *Manager) evictOverflowLocked() {
	for len(m.entries) > m.maxEntries || m.sizeBytes > m.maxBytes {
		back := m.lru.Back()
		if back == nil {
			return
		}
		m.removeLocked(back)
		m.evictions++
	}
}
