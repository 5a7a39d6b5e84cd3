package cacheproxy

import (
	"net/http"
	"time"

	gqlcache "github.com/always-cache/gqlcache"
	cacheupdate "github.com/always-cache/gqlcache/pkg/cache-update"
)

// applyUpdates evicts the root query fields named by the Cache-Update header
// of a mutation response, so that the next queries selecting them are fetched.
func (p *Proxy) applyUpdates(header http.Header) {
	for _, update := range cacheupdate.GetCacheUpdates(header) {
		update := update
		p.log.Trace().Str("field", update.Field).Dur("delay", update.Delay).Msg("Updating cache based on header")
		evict := func() {
			n := p.cache.EvictField(gqlcache.RootQueryID, update.Field)
			fieldsEvicted.Add(float64(n))
			p.log.Debug().Str("field", update.Field).Int("evicted", n).Msg("Evicted stale field")
		}
		if update.Delay > 0 {
			go func() {
				time.Sleep(update.Delay)
				evict()
			}()
		} else {
			evict()
		}
	}
}
