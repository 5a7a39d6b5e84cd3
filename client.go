package gqlcache

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog"
)

var ErrCacheMiss = errors.New("operation could not be answered from the cache")

type FetchPolicy string

const (
	// Answer from the cache if complete, otherwise fetch and store.
	CacheFirst FetchPolicy = "cache-first"
	// Answer from the cache only; incomplete reads fail with ErrCacheMiss.
	CacheOnly FetchPolicy = "cache-only"
	// Always fetch, and store the result.
	NetworkOnly FetchPolicy = "network-only"
	// Always fetch, never store.
	NoCache FetchPolicy = "no-cache"
)

// ParseFetchPolicy returns the fetch policy named s. The empty string is CacheFirst.
func ParseFetchPolicy(s string) (FetchPolicy, error) {
	switch p := FetchPolicy(s); p {
	case "":
		return CacheFirst, nil
	case CacheFirst, CacheOnly, NetworkOnly, NoCache:
		return p, nil
	}
	return "", fmt.Errorf("unknown fetch policy %q", s)
}

type ClientConfig struct {
	Cache *InMemoryCache
	Link  Link
	// Optional check whether a network result may be stored, e.g. by its headers.
	// All results are stored if nil.
	ShouldStore func(res *Response) bool
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Client runs operations through the cache and, when needed, the link.
type Client struct {
	cache       *InMemoryCache
	link        Link
	shouldStore func(res *Response) bool
	log         zerolog.Logger
}

func NewClient(config ClientConfig) *Client {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	return &Client{
		cache:       config.Cache,
		link:        config.Link,
		shouldStore: config.ShouldStore,
		log:         logger.With().Str("component", "client").Logger(),
	}
}

// Cache returns the cache the client reads from and writes to.
func (c *Client) Cache() *InMemoryCache {
	return c.cache
}

type Request struct {
	Query         string
	Variables     map[string]any
	OperationName string
	FetchPolicy   FetchPolicy
}

type Result struct {
	Data        map[string]any
	CacheStatus CacheStatus
	// Fields the cache could not provide (cache-first and cache-only reads).
	Missing []MissingField
	// HTTP header of the network response, if the operation was fetched over HTTP.
	Header http.Header
}

// Query runs a query according to its fetch policy.
func (c *Client) Query(ctx context.Context, req Request) (Result, error) {
	var result Result
	d, err := c.cache.Document(req.Query)
	if err != nil {
		return result, err
	}
	policy := req.FetchPolicy
	if policy == "" {
		policy = CacheFirst
	}
	log := c.log.With().Str("operation", req.OperationName).Str("policy", string(policy)).Logger()

	switch policy {
	case CacheFirst, CacheOnly:
		read, err := c.cache.ReadQuery(ReadOptions{
			Query:         req.Query,
			OperationName: req.OperationName,
			Variables:     req.Variables,
		})
		if err != nil {
			return result, err
		}
		if read.Complete {
			result.Data = read.Data
			result.CacheStatus.Hit()
			log.Trace().Msg("Answered from cache")
			return result, nil
		}
		result.Missing = read.Missing
		if len(read.Data) > 0 {
			result.CacheStatus.Forward(CacheStatusFwdPartial)
			if len(read.Missing) > 0 {
				result.CacheStatus.Detail(read.Missing[0].Path)
			}
		} else {
			result.CacheStatus.Forward(CacheStatusFwdMiss)
		}
		if policy == CacheOnly {
			result.Data = read.Data
			return result, ErrCacheMiss
		}
	default:
		result.CacheStatus.Forward(CacheStatusFwdBypass)
	}

	res, err := c.link.Execute(ctx, Operation{
		Query:         d.Text,
		Variables:     req.Variables,
		OperationName: req.OperationName,
	})
	if res != nil {
		result.Header = res.Header
	}
	if err != nil {
		log.Debug().Err(err).Msg("Could not fetch operation")
		if res != nil {
			result.Data = res.Data
		}
		return result, err
	}
	if policy == NoCache || res.Data == nil || !c.storable(res) {
		result.Data = res.Data
		return result, nil
	}

	if err := c.write(req, res.Data); err != nil {
		log.Warn().Err(err).Msg("Could not write result to cache")
		result.Data = res.Data
		return result, nil
	}
	result.CacheStatus.Stored = true

	// answer from the cache, so that read functions apply
	read, err := c.cache.ReadQuery(ReadOptions{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
	})
	if err != nil || !read.Complete {
		// e.g. objects without key fields: fall back to the network result
		log.Trace().Msg("Result not readable from cache, returning network result")
		result.Data = res.Data
		return result, nil
	}
	result.Data = read.Data
	result.Missing = nil
	return result, nil
}

// Mutate runs a mutation. Mutations always go to the network;
// entities in the result are normalized into the cache.
func (c *Client) Mutate(ctx context.Context, req Request) (Result, error) {
	var result Result
	d, err := c.cache.Document(req.Query)
	if err != nil {
		return result, err
	}
	result.CacheStatus.Forward(CacheStatusFwdMethod)
	res, err := c.link.Execute(ctx, Operation{
		Query:         d.Text,
		Variables:     req.Variables,
		OperationName: req.OperationName,
	})
	if res != nil {
		result.Header = res.Header
	}
	if err != nil {
		if res != nil {
			result.Data = res.Data
		}
		return result, err
	}
	result.Data = res.Data
	if req.FetchPolicy == NoCache || res.Data == nil || !c.storable(res) {
		return result, nil
	}
	if err := c.write(req, res.Data); err != nil {
		c.log.Warn().Err(err).Str("operation", req.OperationName).Msg("Could not write mutation result to cache")
		return result, nil
	}
	result.CacheStatus.Stored = true
	return result, nil
}

// Do runs req as a query or a mutation, depending on its operation type.
func (c *Client) Do(ctx context.Context, req Request) (Result, error) {
	d, err := c.cache.Document(req.Query)
	if err != nil {
		return Result{}, err
	}
	opType, err := d.OperationType(req.OperationName)
	if err != nil {
		return Result{}, err
	}
	switch opType {
	case "query":
		return c.Query(ctx, req)
	case "mutation":
		return c.Mutate(ctx, req)
	}
	return Result{}, fmt.Errorf("%s operations are not supported", opType)
}

func (c *Client) storable(res *Response) bool {
	if c.shouldStore == nil || c.shouldStore(res) {
		return true
	}
	c.log.Trace().Msg("Result not storable")
	return false
}

func (c *Client) write(req Request, data map[string]any) error {
	return c.cache.WriteQuery(WriteOptions{
		Query:         req.Query,
		OperationName: req.OperationName,
		Variables:     req.Variables,
		Data:          data,
	})
}
