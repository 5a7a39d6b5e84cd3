// Package cachepolicy holds the normalization rules of the wallet data layer:
// paginated NFT connections, Token identity and the token(chain, address) redirect.
//
// Token objects are identified by their chain and address. Every query selecting
// Token fields must select both; a Token missing either is stored inline in its
// parent, never merges with other copies of the same token and cannot be found
// by the token redirect. No error is reported in that case.
package cachepolicy

import (
	"strings"

	gqlcache "github.com/always-cache/gqlcache"
	relaypagination "github.com/always-cache/gqlcache/pkg/relay-pagination"

	"github.com/rs/zerolog"
)

const tokenTypename = "Token"

// TypePolicies returns the type policies of the wallet cache.
func TypePolicies() gqlcache.TypePolicies {
	return gqlcache.TypePolicies{
		"Query": {
			Fields: map[string]gqlcache.FieldPolicy{
				"nftBalances": relaypagination.RelayStylePagination("ownerAddress"),
				"nftAssets":   relaypagination.RelayStylePagination("address", "filter"),
				"token":       {Read: readToken},
			},
		},
		tokenTypename: {
			KeyFields:    []string{"chain", "address"},
			KeyTransform: lowercaseAddress,
			Fields: map[string]gqlcache.FieldPolicy{
				"address": {Read: readAddress},
			},
		},
	}
}

// SetupCache creates the wallet cache. Call it once per session and hand the
// result to the client and to anything else that needs to see the same records.
func SetupCache(logger *zerolog.Logger) *gqlcache.InMemoryCache {
	return gqlcache.New(gqlcache.Config{
		TypePolicies: TypePolicies(),
		Logger:       logger,
	})
}

// readToken answers token(chain, address) from a Token record that is already
// cached, whatever query stored it. Without such a record the field is missing
// and the query goes to the network.
func readToken(_ any, opts gqlcache.FieldFunctionOptions) (any, bool) {
	chain, hasChain := opts.Args["chain"]
	address, _ := opts.Args["address"].(string)
	if !hasChain || chain == nil || address == "" {
		return nil, false
	}
	ref, ok := opts.ToReference(gqlcache.StoreObject{
		"__typename": tokenTypename,
		"chain":      chain,
		"address":    strings.ToLower(address),
	})
	if !ok || !opts.CanRead(ref) {
		return nil, false
	}
	return ref, true
}

// readAddress lowercases Token.address; upstream returns both checksummed and lowercase addresses.
func readAddress(existing any, opts gqlcache.FieldFunctionOptions) (any, bool) {
	if !opts.Exists {
		return nil, false
	}
	if address, ok := existing.(string); ok {
		return strings.ToLower(address), true
	}
	return existing, true
}

func lowercaseAddress(field string, value any) any {
	if address, ok := value.(string); ok && field == "address" {
		return strings.ToLower(address)
	}
	return value
}
