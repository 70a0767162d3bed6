// Package localcache is the synchronous key/value store read at startup
// for first paint and overwritten as cloud and live data arrive. Values
// are JSON; readers tolerate malformed entries and writers swallow
// failures, so a degraded cache never breaks a running session.
package localcache

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"
)

// Namespace prefixes every key, matching the browser-era key layout.
const Namespace = "LumiBot-"

// Keys used by the session core.
const (
	KeyDevices     = "devices"
	KeyDeviceOrder = "deviceOrder"
	KeyTheme       = "theme"
	KeyBrokerIP    = "BrokerIP"
	KeyBrokerPort  = "BrokerPort"
	KeyBrokerPath  = "BrokerPath"
)

// StateKey is the per-device cached state slice key.
func StateKey(id string) string { return "state-" + id }

// BlindStateKey is the per-device cached blind state slice key.
func BlindStateKey(id string) string { return "blind-state-" + id }

var bucketKV = []byte("kv")

// Cache is a bbolt-backed namespaced store.
type Cache struct {
	db     *bolt.DB
	logger *slog.Logger
}

// Open opens or creates the cache database.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketKV)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache bucket: %w", err)
	}
	return &Cache{db: db, logger: logger.With("component", "localcache")}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// GetJSON decodes the value at key into out. A missing key or a value
// that fails to parse leaves out untouched and reports false.
func (c *Cache) GetJSON(key string, out any) bool {
	var data []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(Namespace + key)); v != nil {
			data = make([]byte, len(v))
			copy(data, v)
		}
		return nil
	})
	if err != nil || data == nil {
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		c.logger.Warn("discarding malformed cache entry", "key", key, "err", err)
		return false
	}
	return true
}

// SetJSON stores v at key. Serialization and write failures are logged
// and swallowed: cross-restart persistence degrades, callers proceed.
func (c *Cache) SetJSON(key string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("cache value not serializable", "key", key, "err", err)
		return
	}
	err = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketKV)
		}
		return b.Put([]byte(Namespace+key), data)
	})
	if err != nil {
		c.logger.Warn("cache write failed", "key", key, "err", err)
	}
}

// GetString returns the string stored at key, or def when absent.
func (c *Cache) GetString(key, def string) string {
	s := def
	if c.GetJSON(key, &s) {
		return s
	}
	return def
}

// SetString stores a string at key.
func (c *Cache) SetString(key, val string) {
	c.SetJSON(key, val)
}

// Remove deletes the value at key. Failures are logged and swallowed.
func (c *Cache) Remove(key string) {
	err := c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketKV)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(Namespace + key))
	})
	if err != nil {
		c.logger.Warn("cache delete failed", "key", key, "err", err)
	}
}

// BrokerOverrides returns the persisted broker endpoint overrides. Empty
// strings mean no override is set for that part.
func (c *Cache) BrokerOverrides() (host, port, path string) {
	return c.GetString(KeyBrokerIP, ""),
		c.GetString(KeyBrokerPort, ""),
		c.GetString(KeyBrokerPath, "")
}
