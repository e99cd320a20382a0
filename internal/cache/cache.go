// Package cache is a small bbolt-backed blob store for state that lives
// beside the relational store: update rollback snapshots and per-registry
// rate-limit observations.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/darthnorse/dockmon/internal/derr"
)

var (
	bucketSnapshots  = []byte("snapshots")
	bucketRateLimits = []byte("ratelimits")
	bucketPrefs      = []byte("prefs")
)

// Cache wraps the bbolt database.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if needed) the cache database at path.
func Open(path string) (*Cache, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketRateLimits, bucketPrefs} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init cache buckets: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) put(bucket []byte, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Put([]byte(key), data)
	})
}

func (c *Cache) get(bucket []byte, key string, out any) error {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get([]byte(key)); v != nil {
			data = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if data == nil {
		return derr.NotFoundf("cache entry %s", key)
	}
	return json.Unmarshal(data, out)
}

func (c *Cache) delete(bucket []byte, key string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(key))
	})
}

// PutSnapshot stores the rollback snapshot for a composite container id.
func (c *Cache) PutSnapshot(containerID string, snap any) error {
	return c.put(bucketSnapshots, containerID, snap)
}

// GetSnapshot loads the rollback snapshot for a composite container id into
// out. Missing snapshots return derr.ErrNotFound.
func (c *Cache) GetSnapshot(containerID string, out any) error {
	return c.get(bucketSnapshots, containerID, out)
}

// DeleteSnapshot removes a snapshot. Unknown keys are a no-op.
func (c *Cache) DeleteSnapshot(containerID string) error {
	return c.delete(bucketSnapshots, containerID)
}

// RateLimitState records the most recent rate-limit headers seen from a
// registry, used to back off update checks before hitting the limit.
type RateLimitState struct {
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ObservedAt time.Time `json:"observed_at"`
}

// PutPrefs stores per-container preferences for a composite container id.
func (c *Cache) PutPrefs(containerID string, prefs any) error {
	return c.put(bucketPrefs, containerID, prefs)
}

// GetPrefs loads per-container preferences into out. Missing entries return
// derr.ErrNotFound.
func (c *Cache) GetPrefs(containerID string, out any) error {
	return c.get(bucketPrefs, containerID, out)
}

// DeletePrefs removes per-container preferences. Unknown keys are a no-op.
func (c *Cache) DeletePrefs(containerID string) error {
	return c.delete(bucketPrefs, containerID)
}

// PutRateLimit stores the rate-limit observation for a registry host.
func (c *Cache) PutRateLimit(registry string, state RateLimitState) error {
	return c.put(bucketRateLimits, registry, state)
}

// GetRateLimit loads the rate-limit observation for a registry host.
func (c *Cache) GetRateLimit(registry string) (RateLimitState, error) {
	var state RateLimitState
	err := c.get(bucketRateLimits, registry, &state)
	return state, err
}
