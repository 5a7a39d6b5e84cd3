// Package cacheproxy serves a GraphQL endpoint from the normalized cache,
// forwarding to the origin whatever the cache cannot answer.
package cacheproxy

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	gqlcache "github.com/always-cache/gqlcache"
	"github.com/always-cache/gqlcache/cache"
	cachecontrol "github.com/always-cache/gqlcache/pkg/cache-control"
	fetchrules "github.com/always-cache/gqlcache/pkg/fetch-rules"
	tee "github.com/always-cache/gqlcache/pkg/response-writer-tee"

	"github.com/go-chi/chi/v5"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var ErrNoProvider = errors.New("no cache storage configured")

type Config struct {
	// Normalized cache to answer from.
	Cache *gqlcache.InMemoryCache
	// GraphQL endpoint of the origin.
	OriginURL url.URL
	// Headers added to every origin request made on behalf of the cache.
	OriginHeader http.Header
	// Retries for failed origin requests. Defaults to 3; use -1 for none.
	RetryMax int
	// Optional link to execute operations with. An HTTP link to OriginURL is used if nil.
	Link gqlcache.Link
	// Fetch policy rules. Queries without a matching rule are cache-first.
	Rules fetchrules.Rules
	// Optional storage the cache is persisted to.
	Provider cache.CacheProvider
	// Prefix of the storage keys, so that several caches can share one storage.
	KeyPrefix string
	// How often Run persists the cache. Defaults to one minute.
	PersistInterval time.Duration
	// Upper limit for request bodies. Defaults to 1 MiB.
	MaxBodyBytes int64
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

type Proxy struct {
	cache           *gqlcache.InMemoryCache
	client          *gqlcache.Client
	rules           fetchrules.Rules
	provider        cache.CacheProvider
	keyPrefix       string
	persistInterval time.Duration
	persistMutex    sync.Mutex
	maxBodyBytes    int64
	reverseproxy    httputil.ReverseProxy
	router          chi.Router
	log             zerolog.Logger
}

// New creates the proxy. Call Run to persist the cache in the background.
func New(config Config) *Proxy {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	link := config.Link
	if link == nil {
		link = gqlcache.NewHTTPLink(gqlcache.HTTPLinkConfig{
			URL:      config.OriginURL.String(),
			Header:   config.OriginHeader,
			RetryMax: config.RetryMax,
			Logger:   &logger,
		})
	}

	p := &Proxy{
		cache: config.Cache,
		client: gqlcache.NewClient(gqlcache.ClientConfig{
			Cache:       config.Cache,
			Link:        link,
			ShouldStore: storable,
			Logger:      &logger,
		}),
		rules:           config.Rules,
		provider:        config.Provider,
		keyPrefix:       config.KeyPrefix,
		persistInterval: config.PersistInterval,
		maxBodyBytes:    config.MaxBodyBytes,
		log:             logger,
	}
	if p.persistInterval <= 0 {
		p.persistInterval = time.Minute
	}
	if p.maxBodyBytes <= 0 {
		p.maxBodyBytes = 1 << 20
	}

	p.reverseproxy = httputil.ReverseProxy{
		Director:  createDirector(config.OriginURL),
		Transport: cleanhttp.DefaultPooledTransport(),
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			p.log.Error().Err(err).Msg("Error connecting to origin")
			http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		},
	}

	router := chi.NewRouter()
	router.Use(p.logRequests)
	router.Post("/graphql", p.handleGraphQL)
	router.Get("/graphql", p.escapeHatch)
	router.Get("/.cache/extract", p.handleExtract)
	router.Post("/.cache/persist", p.handlePersist)
	router.Handle("/metrics", promhttp.Handler())
	p.router = router

	return p
}

// ServeHTTP implements the http.Handler interface.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer p.recover(w, r)
	if r.Method == http.MethodPost && r.Body != nil {
		if status, err := p.bufferBody(r); err != nil {
			p.log.Debug().Err(err).Msg("Could not read request body")
			http.Error(w, http.StatusText(status), status)
			return
		}
	}
	p.router.ServeHTTP(w, r)
}

// bufferBody reads the request body into memory,
// so that the escape hatch can still send it after the handler read it.
func (p *Proxy) bufferBody(r *http.Request) (int, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, p.maxBodyBytes+1))
	r.Body.Close()
	if err != nil {
		return http.StatusBadRequest, err
	}
	if int64(len(body)) > p.maxBodyBytes {
		return http.StatusRequestEntityTooLarge, fmt.Errorf("body larger than %d bytes", p.maxBodyBytes)
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	r.ContentLength = int64(len(body))
	return http.StatusOK, nil
}

// recover recovers from panics and sends the request to the escape hatch.
func (p *Proxy) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		p.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		p.escapeHatch(w, r)
	}
}

// escapeHatch passes the request to the origin as is.
func (p *Proxy) escapeHatch(w http.ResponseWriter, r *http.Request) {
	requestsForwarded.Inc()
	// the body may have been read already
	if r.GetBody != nil {
		if body, err := r.GetBody(); err == nil {
			r.Body = body
		}
	}
	cs := gqlcache.CacheStatus{}
	cs.Forward(gqlcache.CacheStatusFwdBypass)
	w.Header().Set("Cache-Status", cs.String())
	p.reverseproxy.ServeHTTP(w, r)
}

func (p *Proxy) handleGraphQL(w http.ResponseWriter, r *http.Request) {
	// the body is buffered by ServeHTTP
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Could not read request", http.StatusBadRequest)
		return
	}

	var op gqlcache.Operation
	if err := json.Unmarshal(body, &op); err != nil || op.Query == "" {
		p.log.Trace().Msg("Not a GraphQL request, forwarding")
		p.escapeHatch(w, r)
		return
	}
	// let the origin report invalid documents
	d, err := p.cache.Document(op.Query)
	if err != nil {
		p.log.Trace().Err(err).Msg("Could not parse document, forwarding")
		p.escapeHatch(w, r)
		return
	}
	opType, err := d.OperationType(op.OperationName)
	if err != nil || opType == "subscription" {
		p.escapeHatch(w, r)
		return
	}

	policy := p.rules.FetchPolicy(op.OperationName, opType, op.Variables)
	if opType == "query" {
		policy = cachecontrol.Parse(r.Header.Values("Cache-Control")).FetchPolicy(policy)
	}
	log := p.log.With().Str("operation", op.OperationName).Str("policy", string(policy)).Logger()

	result, err := p.client.Do(r.Context(), gqlcache.Request{
		Query:         op.Query,
		Variables:     op.Variables,
		OperationName: op.OperationName,
		FetchPolicy:   policy,
	})
	if err == nil && opType == "mutation" {
		p.applyUpdates(result.Header)
	}
	operationsHandled.WithLabelValues(string(result.CacheStatus.Status()), string(result.CacheStatus.FwdReason())).Inc()
	cacheRecords.Set(float64(p.cache.Size()))

	res := gqlcache.Response{Data: result.Data}
	status := http.StatusOK
	var gqlErrors gqlcache.GraphQLErrors
	switch {
	case err == nil:
	case errors.As(err, &gqlErrors):
		res.Errors = gqlErrors
	case errors.Is(err, gqlcache.ErrCacheMiss):
		res.Errors = gqlcache.GraphQLErrors{{Message: err.Error()}}
	default:
		originErrors.Inc()
		log.Error().Err(err).Msg("Could not execute operation")
		status = http.StatusBadGateway
		res.Errors = gqlcache.GraphQLErrors{{Message: "Could not connect to origin"}}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Status", result.CacheStatus.String())
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		log.Error().Err(err).Msg("Could not write response to client")
	}
}

// storable keeps responses the origin marked as private or no-store out of the shared cache.
func storable(res *gqlcache.Response) bool {
	return cachecontrol.Parse(res.Header.Values("Cache-Control")).Storable()
}

func (p *Proxy) handleExtract(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(p.cache.Extract()); err != nil {
		p.log.Error().Err(err).Msg("Could not write snapshot to client")
	}
}

func (p *Proxy) handlePersist(w http.ResponseWriter, r *http.Request) {
	n, err := p.Persist()
	if errors.Is(err, ErrNoProvider) {
		http.Error(w, err.Error(), http.StatusNotImplemented)
		return
	}
	if err != nil {
		p.log.Error().Err(err).Msg("Could not persist cache")
		http.Error(w, "Could not persist cache", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]int{"persisted": n}); err != nil {
		p.log.Error().Err(err).Msg("Could not write persist result")
	}
}

func (p *Proxy) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := tee.NewResponseRecorder(w, 512)
		next.ServeHTTP(rec, r)
		p.logRequest(r, rec)
	})
}

func (p *Proxy) logRequest(r *http.Request, rec *tee.ResponseRecorder) {
	cacheStatus := rec.Header().Get("Cache-Status")
	isHit := 0
	if strings.HasSuffix(cacheStatus, "; hit") {
		isHit = 1
	}
	event := p.log.Debug()
	if rec.StatusCode() >= http.StatusInternalServerError {
		event = p.log.Warn().Bytes("body", rec.Body())
	}
	event.
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", rec.StatusCode()).
		Str("cacheStatus", cacheStatus).
		Int("bytes", rec.Written()).
		Dur("duration", rec.Duration()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func createDirector(origin url.URL) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = origin.Scheme
		req.URL.Host = origin.Host
		req.URL.Path = origin.Path
		req.Host = origin.Host
	}
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}
