package cacheproxy

import (
	"context"
	"time"
)

// Run persists the cache every persist interval until ctx is done,
// then persists it one last time. Without storage it just waits for ctx.
func (p *Proxy) Run(ctx context.Context) error {
	if p.provider == nil {
		<-ctx.Done()
		return nil
	}
	p.log.Info().Msgf("Starting persist loop with interval %s", p.persistInterval)
	ticker := time.NewTicker(p.persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_, err := p.Persist()
			return err
		case <-ticker.C:
			if _, err := p.Persist(); err != nil {
				// try again on the next tick
				p.log.Error().Err(err).Msg("Could not persist cache")
			}
		}
	}
}

// Persist writes the cache to storage and returns the number of records written.
func (p *Proxy) Persist() (int, error) {
	if p.provider == nil {
		return 0, ErrNoProvider
	}
	p.persistMutex.Lock()
	defer p.persistMutex.Unlock()
	n, err := p.cache.Persist(p.provider, p.keyPrefix)
	recordsPersisted.Add(float64(n))
	return n, err
}

// Hydrate loads the records persisted by an earlier run into the cache.
func (p *Proxy) Hydrate() (int, error) {
	if p.provider == nil {
		return 0, ErrNoProvider
	}
	n, err := p.cache.Hydrate(p.provider, p.keyPrefix)
	if err != nil {
		return n, err
	}
	cacheRecords.Set(float64(p.cache.Size()))
	p.log.Info().Int("records", n).Msg("Cache hydrated from storage")
	return n, nil
}
