package http

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"linkops/internal/server/app"
)

const snapshotCacheSize = 512

// snapshotCache absorbs pull-path polling: dashboards with many open cards
// poll the latest endpoint aggressively, and a short TTL keeps the store out
// of that hot path without clients noticing staleness.
type snapshotCache struct {
	entries *lru.Cache[string, snapshotEntry]
	ttl     time.Duration
}

type snapshotEntry struct {
	snapshot *app.SessionSnapshot
	storedAt time.Time
}

func newSnapshotCache(ttl time.Duration) *snapshotCache {
	entries, err := lru.New[string, snapshotEntry](snapshotCacheSize)
	if err != nil {
		// Only reachable with a non-positive size constant.
		panic(err)
	}
	return &snapshotCache{entries: entries, ttl: ttl}
}

func (c *snapshotCache) get(subjectKey string) (*app.SessionSnapshot, bool) {
	entry, ok := c.entries.Get(subjectKey)
	if !ok {
		return nil, false
	}
	if time.Since(entry.storedAt) > c.ttl {
		c.entries.Remove(subjectKey)
		return nil, false
	}
	return entry.snapshot, true
}

func (c *snapshotCache) set(subjectKey string, snapshot *app.SessionSnapshot) {
	c.entries.Add(subjectKey, snapshotEntry{snapshot: snapshot, storedAt: time.Now()})
}
