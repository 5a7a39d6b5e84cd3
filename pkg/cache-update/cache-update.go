package cacheupdate

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const HeaderName = "Cache-Update"

var delayPattern = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// CacheUpdate represents a single `Cache-Update` entry.
// The origin sends these with mutation responses to name root query fields
// whose cached values the mutation made stale, e.g. `Cache-Update: nftBalances; delay=30`.
type CacheUpdate struct {
	// Root query field name, without arguments.
	// Every stored variant of the field is affected.
	Field string
	// Update delay, i.e. delay update by this duration.
	// Useful when the origin only reflects the mutation after indexing it.
	Delay time.Duration
}

// GetCacheUpdates gets the updates specified by the response header.
func GetCacheUpdates(header http.Header) []CacheUpdate {
	updates := make([]CacheUpdate, 0)
	for _, value := range header.Values(HeaderName) {
		for _, update := range strings.Split(value, ",") {
			// field is the first element
			field := strings.TrimSpace(strings.Split(update, ";")[0])
			if field == "" {
				continue
			}
			updates = append(updates, CacheUpdate{
				Field: field,
				Delay: getDelay(update),
			})
		}
	}
	return updates
}

// getDelay returns the delay to wait before updating the cache from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayPattern.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
