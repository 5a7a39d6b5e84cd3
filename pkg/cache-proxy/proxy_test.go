package cacheproxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	gqlcache "github.com/always-cache/gqlcache"
	"github.com/always-cache/gqlcache/cache"
	cachepolicy "github.com/always-cache/gqlcache/pkg/cache-policy"
	fetchrules "github.com/always-cache/gqlcache/pkg/fetch-rules"

	"github.com/rs/zerolog"
)

const tokenQuery = `query Token($chain: Chain!, $address: String!) {
  token(chain: $chain, address: $address) { chain address symbol }
}`

const transferMutation = `mutation Transfer($to: String!) {
  transfer(to: $to) { id status }
}`

// origin is a fake GraphQL server counting the requests it gets.
type origin struct {
	*httptest.Server
	mutex    sync.Mutex
	calls    int
	lastBody string
}

func newOrigin(t *testing.T) *origin {
	o := &origin{}
	o.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		o.mutex.Lock()
		o.calls++
		o.lastBody = string(body)
		o.mutex.Unlock()

		var op gqlcache.Operation
		json.Unmarshal(body, &op)
		w.Header().Set("Content-Type", "application/json")
		switch op.OperationName {
		case "Token":
			fmt.Fprintf(w, `{"data":{"token":{"__typename":"Token","chain":"ETHEREUM","address":%q,"symbol":"TKN"}}}`, op.Variables["address"])
		case "Portfolio":
			w.Header().Set("Cache-Control", "private, max-age=0")
			io.WriteString(w, `{"data":{"portfolio":{"__typename":"Portfolio","id":"p1","value":"100"}}}`)
		case "Chains":
			io.WriteString(w, `{"data":{"chains":[{"__typename":"Chain","id":"1","name":"Ethereum"}]}}`)
		case "Transfer":
			w.Header().Set("Cache-Update", "chains")
			io.WriteString(w, `{"data":{"transfer":{"__typename":"Transfer","id":"t1","status":"PENDING"}}}`)
		default:
			w.WriteHeader(http.StatusBadRequest)
			io.WriteString(w, `{"errors":[{"message":"unknown operation"}]}`)
		}
	}))
	t.Cleanup(o.Close)
	return o
}

func (o *origin) LastBody() string {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.lastBody
}

func (o *origin) Calls() int {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	return o.calls
}

func newProxy(t *testing.T, o *origin, modify func(*Config)) *Proxy {
	t.Helper()
	originURL, err := url.Parse(o.URL + "/graphql")
	if err != nil {
		t.Fatal(err)
	}
	logger := zerolog.Nop()
	config := Config{
		Cache:     cachepolicy.SetupCache(&logger),
		OriginURL: *originURL,
		RetryMax:  -1,
		KeyPrefix: "test:",
		Logger:    &logger,
	}
	if modify != nil {
		modify(&config)
	}
	return New(config)
}

func operation(t *testing.T, query, name string, variables map[string]any) string {
	t.Helper()
	b, err := json.Marshal(gqlcache.Operation{Query: query, OperationName: name, Variables: variables})
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func tokenOperation(t *testing.T, address string) string {
	return operation(t, tokenQuery, "Token", map[string]any{"chain": "ETHEREUM", "address": address})
}

func post(h http.Handler, path, body string) *httptest.ResponseRecorder {
	return postWithCacheControl(h, path, body, "")
}

func postWithCacheControl(h http.Handler, path, body, cacheControl string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if cacheControl != "" {
		req.Header.Set("Cache-Control", cacheControl)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) gqlcache.Response {
	t.Helper()
	var res gqlcache.Response
	if err := json.Unmarshal(rr.Body.Bytes(), &res); err != nil {
		t.Fatalf("Could not decode %s: %v", rr.Body.String(), err)
	}
	return res
}

func TestQueryAnsweredFromCacheOnSecondRequest(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)

	rr := post(p, "/graphql", tokenOperation(t, "0xABC"))
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=miss; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	rr = post(p, "/graphql", tokenOperation(t, "0xABC"))
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 1 {
		t.Fatalf("Origin called %d times", o.Calls())
	}

	res := decode(t, rr)
	token := res.Data["token"].(map[string]any)
	if token["address"] != "0xabc" || token["symbol"] != "TKN" {
		t.Fatalf("Token is %v", token)
	}
}

func TestTokenRedirectIgnoresAddressCasing(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)

	post(p, "/graphql", tokenOperation(t, "0xABC"))
	rr := post(p, "/graphql", tokenOperation(t, "0xaBc"))
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 1 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
}

func TestMutationsAreForwarded(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)
	body := operation(t, transferMutation, "Transfer", map[string]any{"to": "0x1"})

	post(p, "/graphql", body)
	rr := post(p, "/graphql", body)
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=method; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 2 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
	if transfer := decode(t, rr).Data["transfer"].(map[string]any); transfer["status"] != "PENDING" {
		t.Fatalf("Transfer is %v", transfer)
	}
}

func TestMutationsEvictFieldsNamedByOrigin(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)
	chains := operation(t, `query Chains { chains { id name } }`, "Chains", nil)

	post(p, "/graphql", chains)
	if cs := post(p, "/graphql", chains).Header().Get("Cache-Status"); cs != "gqlcache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	post(p, "/graphql", operation(t, transferMutation, "Transfer", map[string]any{"to": "0x1"}))
	if cs := post(p, "/graphql", chains).Header().Get("Cache-Status"); cs != "gqlcache; fwd=miss; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 3 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
}

func TestFetchRulesChoosePolicy(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, func(c *Config) {
		c.Rules = fetchrules.Rules{fetchrules.Rule{Operation: "Token", FetchPolicy: "network-only"}}
	})

	post(p, "/graphql", tokenOperation(t, "0xABC"))
	rr := post(p, "/graphql", tokenOperation(t, "0xABC"))
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=bypass; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 2 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
}

func TestRequestCacheControl(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)

	rr := postWithCacheControl(p, "/graphql", tokenOperation(t, "0xABC"), "only-if-cached")
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=miss" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if len(decode(t, rr).Errors) != 1 || o.Calls() != 0 {
		t.Fatalf("Origin called %d times for %s", o.Calls(), rr.Body.String())
	}

	post(p, "/graphql", tokenOperation(t, "0xABC"))
	rr = postWithCacheControl(p, "/graphql", tokenOperation(t, "0xABC"), "no-cache")
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=bypass; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	rr = postWithCacheControl(p, "/graphql", tokenOperation(t, "0xDEF"), "no-store")
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=bypass" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 3 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
}

func TestPrivateResponsesAreNotStored(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)
	body := operation(t, `query Portfolio { portfolio { id value } }`, "Portfolio", nil)

	post(p, "/graphql", body)
	rr := post(p, "/graphql", body)
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=miss" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 2 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
	if portfolio := decode(t, rr).Data["portfolio"].(map[string]any); portfolio["value"] != "100" {
		t.Fatalf("Portfolio is %v", portfolio)
	}
}

func TestGraphQLErrorsArePassedOn(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)

	rr := post(p, "/graphql", operation(t, `query Unknown { unknown { id } }`, "Unknown", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("Status is %d", rr.Code)
	}
	res := decode(t, rr)
	if len(res.Errors) != 1 || res.Errors[0].Message != "unknown operation" {
		t.Fatalf("Errors are %v", res.Errors)
	}
}

func TestInvalidRequestsGoToOrigin(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)

	rr := post(p, "/graphql", "not json")
	if o.LastBody() != "not json" {
		t.Fatalf("Origin got %s", o.LastBody())
	}
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Status is %d", rr.Code)
	}
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; fwd=bypass" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

type panicLink struct{}

func (panicLink) Execute(ctx context.Context, op gqlcache.Operation) (*gqlcache.Response, error) {
	panic("link failure")
}

func TestPanicsGoToEscapeHatch(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, func(c *Config) {
		c.Link = panicLink{}
	})

	rr := post(p, "/graphql", tokenOperation(t, "0xABC"))
	if o.Calls() != 1 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
	if token := decode(t, rr).Data["token"].(map[string]any); token["address"] != "0xABC" {
		t.Fatalf("Token is %v", token)
	}
}

func TestOriginDown(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)
	o.Close()

	rr := post(p, "/graphql", tokenOperation(t, "0xABC"))
	if rr.Code != http.StatusBadGateway {
		t.Fatalf("Status is %d", rr.Code)
	}
	if res := decode(t, rr); len(res.Errors) != 1 {
		t.Fatalf("Errors are %v", res.Errors)
	}
}

func TestExtract(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, nil)
	post(p, "/graphql", tokenOperation(t, "0xABC"))

	req := httptest.NewRequest(http.MethodGet, "/.cache/extract", nil)
	rr := httptest.NewRecorder()
	p.ServeHTTP(rr, req)

	var snapshot map[string]map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &snapshot); err != nil {
		t.Fatal(err)
	}
	token, ok := snapshot[`Token:{"chain":"ETHEREUM","address":"0xabc"}`]
	if !ok {
		t.Fatalf("Snapshot is %v", snapshot)
	}
	if token["symbol"] != "TKN" {
		t.Fatalf("Token record is %v", token)
	}
	ref := snapshot[gqlcache.RootQueryID][`token({"address":"0xABC","chain":"ETHEREUM"})`]
	if ref.(map[string]any)["__ref"] != `Token:{"chain":"ETHEREUM","address":"0xabc"}` {
		t.Fatalf("Reference is %v", ref)
	}
}

func TestPersistAndHydrate(t *testing.T) {
	o := newOrigin(t)
	provider := cache.NewMemCache()
	p := newProxy(t, o, func(c *Config) { c.Provider = provider })
	post(p, "/graphql", tokenOperation(t, "0xABC"))

	rr := post(p, "/.cache/persist", "")
	var persisted map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &persisted); err != nil {
		t.Fatal(err)
	}
	if persisted["persisted"] != 2 {
		t.Fatalf("Persisted %v", persisted)
	}

	restarted := newProxy(t, o, func(c *Config) { c.Provider = provider })
	if n, err := restarted.Hydrate(); err != nil || n != 2 {
		t.Fatalf("Hydrated %d records: %v", n, err)
	}
	rr = post(restarted, "/graphql", tokenOperation(t, "0xabc"))
	if cs := rr.Header().Get("Cache-Status"); cs != "gqlcache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	if o.Calls() != 1 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
}

// brokenPipe is a response writer whose client went away.
type brokenPipe struct {
	*httptest.ResponseRecorder
}

func (b brokenPipe) Write([]byte) (int, error) {
	return 0, errors.New("broken pipe")
}

func TestPersistLogsWriteErrors(t *testing.T) {
	var logs bytes.Buffer
	logger := zerolog.New(&logs)
	p := newProxy(t, newOrigin(t), func(c *Config) {
		c.Provider = cache.NewMemCache()
		c.Logger = &logger
	})

	req := httptest.NewRequest(http.MethodPost, "/.cache/persist", nil)
	p.ServeHTTP(brokenPipe{httptest.NewRecorder()}, req)
	if !strings.Contains(logs.String(), "Could not write persist result") || !strings.Contains(logs.String(), "broken pipe") {
		t.Fatalf("Logs are %s", logs.String())
	}
}

func TestRequestBodyLimit(t *testing.T) {
	o := newOrigin(t)
	p := newProxy(t, o, func(c *Config) { c.MaxBodyBytes = 16 })

	if rr := post(p, "/graphql", tokenOperation(t, "0xABC")); rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("Status is %d", rr.Code)
	}
	if o.Calls() != 0 {
		t.Fatalf("Origin called %d times", o.Calls())
	}
}

func TestPersistWithoutProvider(t *testing.T) {
	p := newProxy(t, newOrigin(t), nil)
	if rr := post(p, "/.cache/persist", ""); rr.Code != http.StatusNotImplemented {
		t.Fatalf("Status is %d", rr.Code)
	}
}

func TestRunPersistsOnShutdown(t *testing.T) {
	o := newOrigin(t)
	provider := cache.NewMemCache()
	p := newProxy(t, o, func(c *Config) { c.Provider = provider })
	post(p, "/graphql", tokenOperation(t, "0xABC"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- p.Run(ctx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !provider.Has(`test:Token:{"chain":"ETHEREUM","address":"0xabc"}`) {
		t.Fatal("Token record not persisted")
	}
}
