// Package models provides data model definitions for the CourseKit core.
package models

import "time"

// CacheMetadata tracks provenance and expiry for one cached entry.
// An entry whose ExpiresAt is in the past is treated as absent by the
// cache layer; it is never served without an explicit stale opt-in.
type CacheMetadata struct {
	Key          string `db:"key" json:"key"`
	Collection   string `db:"collection" json:"collection"`
	Kind         string `db:"kind" json:"kind"` // profile, catalog, enrollment, stats
	SizeEstimate int64  `db:"size_estimate" json:"size_estimate"`
	LastAccessed int64  `db:"last_accessed" json:"last_accessed"`
	ExpiresAt    int64  `db:"expires_at" json:"expires_at"`
}

// TableName returns the store collection for CacheMetadata.
func (CacheMetadata) TableName() string {
	return "cache_metadata"
}

// Expired reports whether the entry is past its TTL at the given instant.
func (m *CacheMetadata) Expired(now time.Time) bool {
	return m.ExpiresAt <= now.Unix()
}
