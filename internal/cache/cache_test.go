// internal/cache/cache_test.go
package cache

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestManager() (*Manager, *time.Time) {
	m := NewManager(100, 10*1024*1024)
	current := time.Now()
	m.now = func() time.Time { return current }
	m.Rand = func() float64 { return 1.0 } // never advise refresh unless pinned
	return m, &current
}

func TestTTLCorrectness(t *testing.T) {
	m, current := newTestManager()

	m.Set("page", []byte("<html>parish list</html>"), SetOptions{TTL: 10 * time.Minute})

	*current = current.Add(9 * time.Minute)
	if _, ok := m.Get("page"); !ok {
		t.Fatal("entry should be retrievable before TTL expires")
	}

	*current = current.Add(2 * time.Minute)
	if _, ok := m.Get("page"); ok {
		t.Fatal("entry should be gone after TTL expires")
	}

	stats := m.GetStats()
	if stats.Expirations != 1 {
		t.Errorf("expected 1 expiration, got %d", stats.Expirations)
	}
	if stats.Entries != 0 {
		t.Errorf("expired entry should be evicted on read, %d entries remain", stats.Entries)
	}
}

func TestIdenticalContentRefreshesTTLOnly(t *testing.T) {
	m, current := newTestManager()
	payload := []byte("<html>unchanged directory page</html>")

	m.Set("page", payload, SetOptions{TTL: 10 * time.Minute})

	m.mu.Lock()
	originalHash := m.entries["page"].Value.(*entry).contentHash
	m.mu.Unlock()

	// Re-set the identical payload near expiry.
	*current = current.Add(9 * time.Minute)
	m.Set("page", payload, SetOptions{TTL: 10 * time.Minute})

	m.mu.Lock()
	e := m.entries["page"].Value.(*entry)
	refreshedHash := e.contentHash
	createdAt := e.createdAt
	m.mu.Unlock()

	if refreshedHash != originalHash {
		t.Error("content hash must be preserved on no-op refresh")
	}
	if !createdAt.Equal(*current) {
		t.Error("TTL window should restart on no-op refresh")
	}
	if stats := m.GetStats(); stats.NoopRefreshes != 1 {
		t.Errorf("expected 1 no-op refresh, got %d", stats.NoopRefreshes)
	}

	// Still retrievable well past the original deadline.
	*current = current.Add(9 * time.Minute)
	if _, ok := m.Get("page"); !ok {
		t.Error("entry should live on from the refreshed TTL")
	}
}

func TestProbabilisticEarlyRefreshBothBranches(t *testing.T) {
	m, current := newTestManager()
	m.Set("page", []byte("content"), SetOptions{TTL: 10 * time.Minute})

	// Warm the access count so frequency does not zero the probability.
	for i := 0; i < 10; i++ {
		m.Get("page")
	}

	// Move deep into the refresh window (90% elapsed).
	*current = current.Add(9 * time.Minute)

	m.Rand = func() float64 { return 0.0 }
	if _, advised, ok := m.GetWithRefresh("page"); !ok || !advised {
		t.Error("rand=0 inside refresh window should advise refresh")
	}

	m.Rand = func() float64 { return 1.0 }
	if _, advised, ok := m.GetWithRefresh("page"); !ok || advised {
		t.Error("rand=1 should never advise refresh")
	}

	// Outside the window no advice regardless of rand.
	m2, current2 := newTestManager()
	m2.Set("page", []byte("content"), SetOptions{TTL: 10 * time.Minute})
	m2.Rand = func() float64 { return 0.0 }
	*current2 = current2.Add(time.Minute)
	if _, advised, _ := m2.GetWithRefresh("page"); advised {
		t.Error("entry far from expiry must not be flagged")
	}
}

func TestDiskRoundTrip(t *testing.T) {
	m, current := newTestManager()
	path := filepath.Join(t.TempDir(), "cache.json")

	big := []byte(strings.Repeat("<div class='parish'>Sacred Heart</div>", 500))
	m.Set("big", big, SetOptions{TTL: time.Hour, ContentType: ContentTypeHTML})
	m.Set("small", []byte("ok"), SetOptions{TTL: time.Hour, ContentType: ContentTypeProtocol})
	m.Set("stale", []byte("old"), SetOptions{TTL: time.Minute})

	*current = current.Add(5 * time.Minute) // "stale" expires

	if err := m.SaveToDisk(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	fresh := NewManager(100, 10*1024*1024)
	fresh.now = func() time.Time { return *current }
	if err := fresh.LoadFromDisk(path); err != nil {
		t.Fatalf("load: %v", err)
	}

	got, ok := fresh.Get("big")
	if !ok {
		t.Fatal("big entry missing after round trip")
	}
	if !bytes.Equal(got, big) {
		t.Error("big entry value corrupted by round trip")
	}
	if got, ok := fresh.Get("small"); !ok || string(got) != "ok" {
		t.Error("small entry missing or corrupted after round trip")
	}
	if _, ok := fresh.Get("stale"); ok {
		t.Error("expired entry must be skipped at load time")
	}
}

func TestLRUEvictionByCount(t *testing.T) {
	m := NewManager(3, 10*1024*1024)
	m.Rand = func() float64 { return 1.0 }

	m.Set("a", []byte("1"), SetOptions{TTL: time.Hour})
	m.Set("b", []byte("2"), SetOptions{TTL: time.Hour})
	m.Set("c", []byte("3"), SetOptions{TTL: time.Hour})
	m.Get("a") // promote a
	m.Set("d", []byte("4"), SetOptions{TTL: time.Hour})

	if _, ok := m.Get("b"); ok {
		t.Error("least recently used entry b should be evicted")
	}
	for _, key := range []string{"a", "c", "d"} {
		if _, ok := m.Get(key); !ok {
			t.Errorf("entry %s should survive eviction", key)
		}
	}
	if stats := m.GetStats(); stats.Evictions != 1 {
		t.Errorf("expected 1 eviction, got %d", stats.Evictions)
	}
}

func TestCompressionHeuristics(t *testing.T) {
	m, _ := newTestManager()

	small := []byte("tiny")
	m.Set("small", small, SetOptions{ContentType: ContentTypeHTML, TTL: time.Hour})

	big := []byte(strings.Repeat("<p>mass schedule sunday 9am</p>", 1000))
	m.Set("big", big, SetOptions{ContentType: ContentTypeHTML, TTL: time.Hour})

	m.mu.Lock()
	smallCompressed := m.entries["small"].Value.(*entry).compressed
	bigEntry := m.entries["big"].Value.(*entry)
	m.mu.Unlock()

	if smallCompressed {
		t.Error("payloads under 1KB must not be compressed")
	}
	if !bigEntry.compressed {
		t.Error("large HTML payloads must be compressed")
	}
	if bigEntry.sizeBytes >= len(big) {
		t.Error("compressed entry should be smaller than the raw payload")
	}

	if got, ok := m.Get("big"); !ok || !bytes.Equal(got, big) {
		t.Error("compressed entry must decode to the original payload")
	}

	// Already-gzipped payloads are stored as-is.
	gzipped := append([]byte{0x1f, 0x8b}, bytes.Repeat([]byte{0xab}, 8192)...)
	m.Set("gz", gzipped, SetOptions{ContentType: ContentTypeHTML, TTL: time.Hour})
	m.mu.Lock()
	gzCompressed := m.entries["gz"].Value.(*entry).compressed
	m.mu.Unlock()
	if gzCompressed {
		t.Error("gzip-magic payloads must not be double compressed")
	}
}

func TestContentAwareTTL(t *testing.T) {
	m, _ := newTestManager()

	m.Set("sched", []byte("<p>Sunday Mass schedule 9am, Confession Saturday</p>"), SetOptions{ContentType: ContentTypeHTML})
	m.Set("plain", []byte("<p>About our diocese offices</p>"), SetOptions{ContentType: ContentTypeHTML})
	m.Set("dyn", []byte("<p>Contact page</p><script>app()</script>"), SetOptions{ContentType: ContentTypeHTML})

	ttlOf := func(key string) time.Duration {
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.entries[key].Value.(*entry).ttl
	}

	if ttlOf("sched") <= ttlOf("plain") {
		t.Error("schedule-bearing pages should outlive plain pages")
	}
	if ttlOf("dyn") >= ttlOf("plain") {
		t.Error("dynamic pages should expire sooner than plain pages")
	}
}

func TestInvalidation(t *testing.T) {
	m, _ := newTestManager()
	m.Set("page:a.org:1", []byte("x"), SetOptions{TTL: time.Hour, ContentType: ContentTypeHTML})
	m.Set("page:a.org:2", []byte("y"), SetOptions{TTL: time.Hour, ContentType: ContentTypeHTML})
	m.Set("dns:b.org", []byte("z"), SetOptions{TTL: time.Hour, ContentType: ContentTypeDNS})

	if !m.Invalidate("dns:b.org") {
		t.Error("invalidate should report a removed key")
	}
	if m.Invalidate("missing") {
		t.Error("invalidate of a missing key should report false")
	}

	n, err := m.InvalidatePattern(`^page:a\.org:`)
	if err != nil {
		t.Fatalf("pattern: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 pattern removals, got %d", n)
	}
	if stats := m.GetStats(); stats.Entries != 0 {
		t.Errorf("expected empty cache, got %d entries", stats.Entries)
	}

	m.Set("p1", []byte("x"), SetOptions{TTL: time.Hour, ContentType: ContentTypeAIProfile})
	m.Set("p2", []byte("y"), SetOptions{TTL: time.Hour, ContentType: ContentTypeHTML})
	if n := m.InvalidateContentType(ContentTypeAIProfile); n != 1 {
		t.Errorf("expected 1 content-type removal, got %d", n)
	}
}
