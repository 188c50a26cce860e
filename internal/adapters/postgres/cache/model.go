// Package cache is the content-addressed store of materialised query
// results and metadata (spec.md §4.4 C4), backed by the warehouse's own
// SQL capability per the `cache.cached` / `cache.dependencies` /
// `cache.cache_config` tables spec.md §6 fixes as an external interface.
package cache

import "time"

// Record is the cache.cached row associated with a fingerprint (spec.md §3
// QueryRecord). CacheScoreMultiplier nil means "evictable at the policy
// default"; a set value of 0 pins the record against eviction.
type Record struct {
	QueryID               string
	QueryKind             string
	Spec                  string // canonical JSON, round-trips via get_query_params
	Schema                string
	TableName             string
	CreatedAt             time.Time
	LastAccessedAt        time.Time
	AccessCount           int64
	ComputeTimeMS         int64
	CacheScoreMultiplier  *float64
	Dependencies          []string
	// Obj is carried for wire-compatibility with the source schema (spec.md
	// §9 Open Question a) but is never written or read by this
	// implementation: the dependency edges and SQL text already fully
	// describe a record.
	Obj []byte
}
