package gqlcache

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// Operation is a GraphQL request as sent over the wire.
type Operation struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Response is a GraphQL response body.
type Response struct {
	Data   map[string]any `json:"data"`
	Errors GraphQLErrors  `json:"errors,omitempty"`
	// HTTP header of the response, if it came over HTTP.
	Header http.Header `json:"-"`
}

type GraphQLError struct {
	Message    string         `json:"message"`
	Path       []any          `json:"path,omitempty"`
	Extensions map[string]any `json:"extensions,omitempty"`
}

// GraphQLErrors are the errors reported in a GraphQL response.
type GraphQLErrors []GraphQLError

func (e GraphQLErrors) Error() string {
	messages := make([]string, len(e))
	for i, err := range e {
		messages[i] = err.Message
	}
	return "graphql: " + strings.Join(messages, "; ")
}

// Link executes operations against a GraphQL server (or something pretending to be one).
type Link interface {
	Execute(ctx context.Context, op Operation) (*Response, error)
}

type HTTPLinkConfig struct {
	// GraphQL endpoint.
	URL string
	// Headers added to every request.
	Header http.Header
	// Retries for connection errors and 5xx responses. Defaults to 3; use -1 for none.
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// HTTPLink posts operations as JSON to a GraphQL endpoint, retrying transient failures.
type HTTPLink struct {
	url    string
	header http.Header
	client *retryablehttp.Client
	log    zerolog.Logger
}

func NewHTTPLink(config HTTPLinkConfig) *HTTPLink {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("link", config.URL).Logger()

	client := retryablehttp.NewClient()
	client.HTTPClient.Transport = cleanhttp.DefaultPooledTransport()
	client.Logger = retryablehttp.LeveledLogger(leveledZerolog{logger})
	client.RetryMax = 3
	switch {
	case config.RetryMax < 0:
		client.RetryMax = 0
	case config.RetryMax > 0:
		client.RetryMax = config.RetryMax
	}
	if config.RetryWaitMin > 0 {
		client.RetryWaitMin = config.RetryWaitMin
	}
	if config.RetryWaitMax > 0 {
		client.RetryWaitMax = config.RetryWaitMax
	}

	return &HTTPLink{
		url:    config.URL,
		header: config.Header,
		client: client,
		log:    logger,
	}
}

// Execute sends the operation and decodes the response.
// GraphQL errors are returned as GraphQLErrors, together with the response.
func (l *HTTPLink) Execute(ctx context.Context, op Operation) (*Response, error) {
	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("could not encode operation: %w", err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, l.url, body)
	if err != nil {
		return nil, err
	}
	for name, values := range l.header {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	l.log.Trace().Str("operation", op.OperationName).Msg("Executing operation")
	res, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	resBody, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response: %w", err)
	}
	var gqlRes Response
	if err := json.Unmarshal(resBody, &gqlRes); err != nil {
		if res.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("server responded with status %d", res.StatusCode)
		}
		return nil, fmt.Errorf("could not decode response: %w", err)
	}
	gqlRes.Header = res.Header
	if len(gqlRes.Errors) > 0 {
		return &gqlRes, gqlRes.Errors
	}
	if res.StatusCode != http.StatusOK {
		return &gqlRes, fmt.Errorf("server responded with status %d", res.StatusCode)
	}
	return &gqlRes, nil
}

// leveledZerolog adapts a zerolog logger to retryablehttp.
type leveledZerolog struct {
	log zerolog.Logger
}

// retried failures are logged as warnings
func (l leveledZerolog) Error(msg string, keysAndValues ...any) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

func (l leveledZerolog) Warn(msg string, keysAndValues ...any) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

func (l leveledZerolog) Info(msg string, keysAndValues ...any) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledZerolog) Debug(msg string, keysAndValues ...any) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}
