package fetchrules

import (
	"fmt"
	"strings"

	gqlcache "github.com/always-cache/gqlcache"

	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule chooses the fetch policy for the operations it matches.
// Empty match fields match everything.
type Rule struct {
	// Exact operation name.
	Operation string `yaml:"operation"`
	// Operation name prefix.
	Prefix string `yaml:"prefix"`
	// Operation type: query or mutation. Empty means query.
	Type string `yaml:"type"`
	// Variables the operation must have. An empty value only requires the variable to be set.
	Variables   map[string]string `yaml:"variables"`
	FetchPolicy string            `yaml:"fetchPolicy"`
}

// Validate checks that every rule names a known fetch policy.
func (r Rules) Validate() error {
	for i, rule := range r {
		if _, err := gqlcache.ParseFetchPolicy(rule.FetchPolicy); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.Type != "" && rule.Type != "query" && rule.Type != "mutation" {
			return fmt.Errorf("rule %d: unknown operation type %q", i, rule.Type)
		}
	}
	return nil
}

// FetchPolicy returns the fetch policy for an operation.
// Mutations always go to the network; their rules can only choose whether the result is stored.
// Queries without a matching rule are cache-first.
func (r Rules) FetchPolicy(operationName, operationType string, variables map[string]any) gqlcache.FetchPolicy {
	rule := r.find(operationName, operationType, variables)
	if rule == nil {
		if operationType == "mutation" {
			return gqlcache.NetworkOnly
		}
		return gqlcache.CacheFirst
	}
	policy, err := gqlcache.ParseFetchPolicy(rule.FetchPolicy)
	if err != nil {
		log.Warn().Err(err).Str("operation", operationName).Msg("Invalid fetch policy in rule, using default")
		policy = gqlcache.CacheFirst
	}
	if operationType == "mutation" && policy != gqlcache.NoCache {
		return gqlcache.NetworkOnly
	}
	return policy
}

func (r Rules) find(operationName, operationType string, variables map[string]any) *Rule {
	log.Trace().Msgf("Finding rule for %s %s", operationType, operationName)
rulesLoop:
	for _, rule := range r {
		log.Trace().Msgf("Checking rule %+v", rule)
		ruleType := rule.Type
		if ruleType == "" {
			ruleType = "query"
		}
		if ruleType != operationType {
			continue
		}
		if rule.Operation != "" && rule.Operation != operationName {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(operationName, rule.Prefix) {
			continue
		}
		for name, value := range rule.Variables {
			v, ok := variables[name]
			if !ok || v == nil {
				continue rulesLoop
			}
			if value != "" && fmt.Sprint(v) != value {
				continue rulesLoop
			}
		}
		return &rule
	}
	return nil
}
