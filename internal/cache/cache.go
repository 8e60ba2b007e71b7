// Package cache provides the time-boxed read-through cache for reference
// data. Expired entries are reported absent, never silently served;
// callers opt into staleness explicitly via ReadStale.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coursekit/coursekit/internal/db"
	apperrors "github.com/coursekit/coursekit/internal/errors"
	"github.com/coursekit/coursekit/internal/logging"
	"github.com/coursekit/coursekit/internal/models"
)

// Kind is a TTL class. Data that changes with user activity gets shorter
// TTLs than near-static reference data.
type Kind string

const (
	KindProfile    Kind = "profile"
	KindCatalog    Kind = "catalog"
	KindEnrollment Kind = "enrollment"
	KindStats      Kind = "stats"
)

// DefaultTTLs returns the built-in TTL classes.
func DefaultTTLs() map[Kind]time.Duration {
	return map[Kind]time.Duration{
		KindProfile:    24 * time.Hour,
		KindCatalog:    12 * time.Hour,
		KindEnrollment: 6 * time.Hour,
		KindStats:      2 * time.Hour,
	}
}

// Cache layers TTL metadata over the durable store. Values live in their
// own collections; provenance and expiry live in cache_metadata keyed by
// collection-qualified key.
type Cache struct {
	store *db.Store
	ttls  map[Kind]time.Duration
}

// New creates a Cache. Missing TTL classes fall back to the defaults.
func New(store *db.Store, ttls map[Kind]time.Duration) *Cache {
	merged := DefaultTTLs()
	for k, v := range ttls {
		merged[k] = v
	}
	return &Cache{store: store, ttls: merged}
}

// TTLFor returns the configured TTL for a kind.
func (c *Cache) TTLFor(kind Kind) time.Duration {
	return c.ttls[kind]
}

// Write stores value in the collection and records expiry metadata using
// the kind's TTL class.
func (c *Cache) Write(ctx context.Context, collection, key string, kind Kind, value any) error {
	return c.WriteTTL(ctx, collection, key, kind, value, c.ttls[kind])
}

// WriteTTL stores value with an explicit TTL. A non-positive TTL expires
// the entry immediately: the next Read reports it absent.
func (c *Cache) WriteTTL(ctx context.Context, collection, key string, kind Kind, value any, ttl time.Duration) error {
	doc, err := json.Marshal(value)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "failed to encode cache value", err)
	}

	now := time.Now()
	meta := &models.CacheMetadata{
		Key:          key,
		Collection:   collection,
		Kind:         string(kind),
		SizeEstimate: int64(len(doc)),
		LastAccessed: now.Unix(),
		ExpiresAt:    now.Add(ttl).Unix(),
	}

	// Value and metadata commit together so expiry can never disagree
	// with presence.
	return c.store.Update(ctx, func(tx *db.Tx) error {
		if err := tx.Put(ctx, collection, key, json.RawMessage(doc)); err != nil {
			return err
		}
		return tx.Put(ctx, db.CollectionCacheMetadata, metaKey(collection, key), meta)
	})
}

// Read loads the cached value into dest if it has not expired. An absent
// or expired entry yields a CACHE_MISS / CACHE_EXPIRED error; expired data
// is never returned through this path.
func (c *Cache) Read(ctx context.Context, collection, key string, dest any) error {
	var meta models.CacheMetadata
	err := c.store.Get(ctx, db.CollectionCacheMetadata, metaKey(collection, key), &meta)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return apperrors.New(apperrors.ErrCacheMiss, "no cache entry for "+metaKey(collection, key))
	}
	if err != nil {
		return err
	}

	if meta.Expired(time.Now()) {
		return apperrors.New(apperrors.ErrCacheExpired, "cache entry expired for "+metaKey(collection, key))
	}

	if err := c.store.Get(ctx, collection, key, dest); err != nil {
		return err
	}

	meta.LastAccessed = time.Now().Unix()
	return c.store.Put(ctx, db.CollectionCacheMetadata, metaKey(collection, key), &meta)
}

// ReadStale loads the cached value even when expired, reporting staleness.
// This is the explicit stale-is-fine path for offline reads.
func (c *Cache) ReadStale(ctx context.Context, collection, key string, dest any) (bool, error) {
	var meta models.CacheMetadata
	err := c.store.Get(ctx, db.CollectionCacheMetadata, metaKey(collection, key), &meta)
	if apperrors.Is(err, apperrors.ErrNotFound) {
		return false, apperrors.New(apperrors.ErrCacheMiss, "no cache entry for "+metaKey(collection, key))
	}
	if err != nil {
		return false, err
	}
	if err := c.store.Get(ctx, collection, key, dest); err != nil {
		return false, err
	}
	return meta.Expired(time.Now()), nil
}

// Invalidate removes one entry and its metadata.
func (c *Cache) Invalidate(ctx context.Context, collection, key string) error {
	return c.store.Update(ctx, func(tx *db.Tx) error {
		if err := tx.Delete(ctx, collection, key); err != nil {
			return err
		}
		return tx.Delete(ctx, db.CollectionCacheMetadata, metaKey(collection, key))
	})
}

// SweepExpired removes every entry past its expiry and returns the count.
func (c *Cache) SweepExpired(ctx context.Context) (int, error) {
	docs, err := c.store.GetAll(ctx, db.CollectionCacheMetadata)
	if err != nil {
		return 0, err
	}
	metas, err := db.DecodeAll[models.CacheMetadata](docs)
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for i := range metas {
		meta := &metas[i]
		if !meta.Expired(now) {
			continue
		}
		err := c.store.Update(ctx, func(tx *db.Tx) error {
			if err := tx.Delete(ctx, meta.Collection, meta.Key); err != nil {
				return err
			}
			return tx.Delete(ctx, db.CollectionCacheMetadata, metaKey(meta.Collection, meta.Key))
		})
		if err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		logging.Debug("Swept expired cache entries", map[string]interface{}{"removed": removed})
	}
	return removed, nil
}

func metaKey(collection, key string) string {
	return collection + "/" + key
}
