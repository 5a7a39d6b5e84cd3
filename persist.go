package gqlcache

import (
	"encoding/json"
	"fmt"

	"github.com/always-cache/gqlcache/cache"
)

// Persist writes every record to the provider under the given key prefix
// and purges persisted records that are no longer in the cache.
// It returns the number of records written.
func (c *InMemoryCache) Persist(p cache.CacheProvider, prefix string) (int, error) {
	snapshot := c.Extract()
	written := 0
	for id, record := range snapshot {
		b, err := json.Marshal(record)
		if err != nil {
			return written, fmt.Errorf("could not encode record %s: %w", id, err)
		}
		if err := p.Put(prefix+id, b); err != nil {
			return written, fmt.Errorf("could not persist record %s: %w", id, err)
		}
		written++
	}

	stale := make([]string, 0)
	err := p.AllKeys(prefix, func(key string) {
		if _, ok := snapshot[key[len(prefix):]]; !ok {
			stale = append(stale, key)
		}
	})
	if err != nil {
		return written, fmt.Errorf("could not list persisted records: %w", err)
	}
	for _, key := range stale {
		if err := p.Purge(key); err != nil {
			return written, fmt.Errorf("could not purge record %s: %w", key, err)
		}
	}
	c.log.Debug().Int("written", written).Int("purged", len(stale)).Str("prefix", prefix).Msg("Cache persisted")
	return written, nil
}

// Hydrate restores the records persisted under the given key prefix.
// Records that cannot be decoded are skipped.
// It returns the number of records restored.
func (c *InMemoryCache) Hydrate(p cache.CacheProvider, prefix string) (int, error) {
	entries, err := p.All(prefix)
	if err != nil {
		return 0, fmt.Errorf("could not read persisted records: %w", err)
	}
	snapshot := make(map[string]StoreObject, len(entries))
	for _, e := range entries {
		var record map[string]any
		if err := json.Unmarshal(e.Bytes, &record); err != nil {
			c.log.Warn().Err(err).Str("key", e.Key).Msg("Could not decode persisted record")
			continue
		}
		snapshot[e.Key[len(prefix):]] = StoreObject(record)
	}
	c.Restore(snapshot)
	return len(snapshot), nil
}
