package chainlog

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// chainReader is the subset of Client the cache needs, narrowed for testing.
type chainReader interface {
	GetTotal(ctx context.Context) (int64, error)
	GetByID(ctx context.Context, id int64) (AuditRecord, error)
}

// Stats is the snapshot returned by Cache.Stats.
type Stats struct {
	Total       int
	Inserts     int
	Searches    int
	UniqueTags  int
	UniqueUsers int
	LastSync    time.Time
}

// Cache is an in-memory, append-only projection of every AuditRecord (C4).
// Readers never block on refresh for long: refresh takes the write lock only
// while appending the newly fetched gap.
type Cache struct {
	mu       sync.RWMutex
	records  []AuditRecord
	lastID   int64 // highest id currently projected; -1 means empty
	lastSync time.Time

	source chainReader
	log    *slog.Logger
}

// NewCache creates an empty projection backed by source.
func NewCache(source chainReader, log *slog.Logger) *Cache {
	return &Cache{lastID: -1, source: source, log: log}
}

// Refresh fetches the records with id > lastID via the getTotal+getById
// gap-fill path and appends them under the write lock. It is the cache's
// sole writer (§5). A getById failure is logged and ends the pass: the
// records fetched before it are kept, the rest are left for a later
// Refresh, and the returned error is nil.
func (c *Cache) Refresh(ctx context.Context) (int, error) {
	total, err := c.source.GetTotal(ctx)
	if err != nil {
		return 0, err
	}

	c.mu.RLock()
	next := c.lastID + 1
	c.mu.RUnlock()

	if next >= total {
		c.mu.Lock()
		c.lastSync = time.Now()
		c.mu.Unlock()
		return 0, nil
	}

	fetched := make([]AuditRecord, 0, total-next)
	for id := next; id < total; id++ {
		record, err := c.source.GetByID(ctx, id)
		if err != nil {
			if c.log != nil {
				c.log.Warn("chainlog: refresh gap fetch failed", "id", id, "err", err)
			}
			break
		}
		fetched = append(fetched, record)
	}

	c.mu.Lock()
	c.records = append(c.records, fetched...)
	if len(fetched) > 0 {
		c.lastID = fetched[len(fetched)-1].ID
	}
	c.lastSync = time.Now()
	c.mu.Unlock()

	return len(fetched), nil
}

// Stats summarizes the current projection.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tags := make(map[string]struct{})
	users := make(map[string]struct{})
	inserts, searches := 0, 0
	for _, r := range c.records {
		switch r.OpType {
		case 0:
			inserts++
		case 1:
			searches++
		}
		users[r.User] = struct{}{}
		for _, t := range strings.Split(r.Tags, ",") {
			t = strings.TrimSpace(t)
			if t != "" {
				tags[t] = struct{}{}
			}
		}
	}

	return Stats{
		Total:       len(c.records),
		Inserts:     inserts,
		Searches:    searches,
		UniqueTags:  len(tags),
		UniqueUsers: len(users),
		LastSync:    c.lastSync,
	}
}

// SearchByTags returns up to limit records whose tags field contains needle
// as a substring (case-insensitive on the words, case-sensitive on the
// comma separator — i.e. the match is performed directly against the raw
// comma-joined field).
func (c *Cache) SearchByTags(needle string, limit int) []AuditRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lowerNeedle := strings.ToLower(needle)
	var out []AuditRecord
	for i := len(c.records) - 1; i >= 0 && len(out) < limit; i-- {
		if strings.Contains(strings.ToLower(c.records[i].Tags), lowerNeedle) {
			out = append(out, c.records[i])
		}
	}
	return out
}

// SearchByTitle returns up to limit records whose title contains substr
// (case-insensitive), optionally restricted to opType.
func (c *Cache) SearchByTitle(substr string, limit int, opType *uint8) []AuditRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	lowerSubstr := strings.ToLower(substr)
	var out []AuditRecord
	for i := len(c.records) - 1; i >= 0 && len(out) < limit; i-- {
		r := c.records[i]
		if opType != nil && r.OpType != *opType {
			continue
		}
		if strings.Contains(strings.ToLower(r.Title), lowerSubstr) {
			out = append(out, r)
		}
	}
	return out
}

// Recent returns up to limit records by descending id.
func (c *Cache) Recent(limit int) []AuditRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := limit
	if n > len(c.records) {
		n = len(c.records)
	}
	out := make([]AuditRecord, n)
	for i := 0; i < n; i++ {
		out[i] = c.records[len(c.records)-1-i]
	}
	return out
}

// TagCount is one entry of a trending-tags ranking.
type TagCount struct {
	Tag   string
	Count int
}

// TrendingTags splits each record's tags on `,`, drops any token beginning
// with `principal:`, and ranks the remainder by frequency.
func (c *Cache) TrendingTags(limit int) []TagCount {
	c.mu.RLock()
	defer c.mu.RUnlock()

	counts := make(map[string]int)
	var order []string
	for _, r := range c.records {
		for _, t := range strings.Split(r.Tags, ",") {
			t = strings.TrimSpace(t)
			if t == "" || strings.HasPrefix(t, "principal:") {
				continue
			}
			if _, ok := counts[t]; !ok {
				order = append(order, t)
			}
			counts[t]++
		}
	}

	ranked := make([]TagCount, 0, len(order))
	for _, t := range order {
		ranked = append(ranked, TagCount{Tag: t, Count: counts[t]})
	}
	sortTagCounts(ranked)

	if limit > len(ranked) {
		limit = len(ranked)
	}
	return ranked[:limit]
}

func sortTagCounts(counts []TagCount) {
	for i := 1; i < len(counts); i++ {
		for j := i; j > 0 && counts[j].Count > counts[j-1].Count; j-- {
			counts[j], counts[j-1] = counts[j-1], counts[j]
		}
	}
}
