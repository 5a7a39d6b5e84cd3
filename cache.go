package gqlcache

import (
	"sync"

	cachekey "github.com/always-cache/gqlcache/pkg/cache-key"

	"github.com/rs/zerolog"
)

type Config struct {
	// Per-type identity and field policies.
	TypePolicies TypePolicies
	// Subtypes of interfaces and unions, used to match fragment type conditions.
	PossibleTypes map[string][]string
	// Root operation type names. Default to Query, Mutation and Subscription.
	QueryType        string
	MutationType     string
	SubscriptionType string
	// Do not add __typename to selection sets.
	// Without __typename, no object can be identified.
	DisableAddTypename bool
	// Number of parsed documents to keep. Defaults to 1000.
	DocumentCacheSize int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type rootTypes struct {
	query        string
	mutation     string
	subscription string
}

// InMemoryCache is a normalized GraphQL response cache.
// Results are split into records keyed by entity identity, so that every
// query selecting the same entity reads and updates the same record.
//
// The cache is safe for concurrent use. It is meant to be created once
// per session by whoever owns the data layer and handed to its consumers.
type InMemoryCache struct {
	mutex         sync.RWMutex
	data          map[string]StoreObject
	typePolicies  TypePolicies
	possibleTypes map[string][]string
	rootTypes     rootTypes
	documents     *documentCache
	log           zerolog.Logger
}

// New creates an empty cache.
func New(config Config) *InMemoryCache {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	c := &InMemoryCache{
		data:          make(map[string]StoreObject),
		typePolicies:  config.TypePolicies,
		possibleTypes: config.PossibleTypes,
		rootTypes: rootTypes{
			query:        orDefault(config.QueryType, "Query"),
			mutation:     orDefault(config.MutationType, "Mutation"),
			subscription: orDefault(config.SubscriptionType, "Subscription"),
		},
		documents: newDocumentCache(config.DocumentCacheSize, !config.DisableAddTypename),
		log:       logger.With().Str("component", "cache").Logger(),
	}
	if c.typePolicies == nil {
		c.typePolicies = TypePolicies{}
	}
	return c
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Document returns the parsed and prepared form of query.
func (c *InMemoryCache) Document(query string) (*Document, error) {
	return c.documents.get(query)
}

// Identify returns the id obj would be stored under, if it is identifiable.
func (c *InMemoryCache) Identify(obj StoreObject) (string, bool) {
	return c.identify(obj)
}

// Extract returns a deep copy of all records.
func (c *InMemoryCache) Extract() map[string]StoreObject {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	snapshot := make(map[string]StoreObject, len(c.data))
	for id, record := range c.data {
		snapshot[id] = copyValue(record).(StoreObject)
	}
	return snapshot
}

// Restore merges records into the cache, e.g. from a persisted snapshot.
// Values decoded from JSON are accepted as is; `{"__ref": id}` objects become references.
func (c *InMemoryCache) Restore(snapshot map[string]StoreObject) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	for id, record := range snapshot {
		if revived, ok := reviveValue(record).(StoreObject); ok {
			c.mergeRecord(id, revived)
		}
	}
	c.log.Debug().Int("restored", len(snapshot)).Int("records", len(c.data)).Msg("Cache restored")
}

// Evict removes a record. References to it become dangling,
// which makes reads selecting it incomplete.
func (c *InMemoryCache) Evict(id string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if _, ok := c.data[id]; !ok {
		return false
	}
	delete(c.data, id)
	return true
}

// EvictField removes every stored variant (all argument combinations) of a field of a record.
func (c *InMemoryCache) EvictField(id, fieldName string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	record, ok := c.data[id]
	if !ok {
		return 0
	}
	evicted := 0
	for storeName := range record {
		if cachekey.FieldNameFromStoreName(storeName) == fieldName {
			delete(record, storeName)
			evicted++
		}
	}
	return evicted
}

// Reset removes all records.
func (c *InMemoryCache) Reset() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.data = make(map[string]StoreObject)
}

// Size returns the number of records.
func (c *InMemoryCache) Size() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.data)
}

// Has reports whether a record with the given id exists.
func (c *InMemoryCache) Has(id string) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	_, ok := c.data[id]
	return ok
}
