// Package cachecontrol parses Cache-Control header fields and maps them
// onto what a GraphQL cache can honour: whether a response may be stored
// and which fetch policy a request asks for.
package cachecontrol

import (
	"strings"

	gqlcache "github.com/always-cache/gqlcache"
)

// CacheControl holds the directives of one or more Cache-Control header fields.
// Directive names are lowercased, arguments are unquoted.
type CacheControl struct {
	directives map[string]string
}

// Get returns the argument of the directive,
// along with a boolean indicating whether the directive is present.
func (c CacheControl) Get(directive string) (string, bool) {
	val, ok := c.directives[directive]
	return val, ok
}

// HasDirective returns whether the directive is present.
func (c CacheControl) HasDirective(directive string) bool {
	_, ok := c.Get(directive)
	return ok
}

// Parse takes Cache-Control header values, as returned by http.Header.Values.
// When a directive is repeated, the last one wins.
func Parse(headers []string) CacheControl {
	m := make(map[string]string)
	for _, header := range headers {
		for _, directive := range strings.Split(header, ",") {
			directive = strings.TrimSpace(directive)
			if directive == "" {
				continue
			}
			parts := strings.SplitN(directive, "=", 2)
			name := strings.ToLower(strings.TrimSpace(parts[0]))
			var arg string
			if len(parts) > 1 {
				arg = strings.Trim(strings.TrimSpace(parts[1]), "\"")
			}
			m[name] = arg
		}
	}
	return CacheControl{m}
}

// Storable reports whether a response with these directives may be normalized
// into a cache shared by all clients of the proxy.
func (c CacheControl) Storable() bool {
	return !c.HasDirective("no-store") && !c.HasDirective("private")
}

// FetchPolicy returns the fetch policy requested by the request directives,
// or policy if they do not ask for anything stricter.
//
//	only-if-cached  cache-only
//	no-cache        network-only
//	no-store        no-cache
func (c CacheControl) FetchPolicy(policy gqlcache.FetchPolicy) gqlcache.FetchPolicy {
	switch {
	case c.HasDirective("no-store"):
		return gqlcache.NoCache
	case c.HasDirective("no-cache") && policy != gqlcache.NoCache:
		return gqlcache.NetworkOnly
	case c.HasDirective("only-if-cached") && policy == gqlcache.CacheFirst:
		return gqlcache.CacheOnly
	}
	return policy
}
