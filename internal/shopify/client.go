// Package shopify implements a Shopify Storefront GraphQL API client
// covering the catalog and cart operations the sales assistant exposes
// as tools.
package shopify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vendra-ai/vendra/internal/buildinfo"
)

const apiVersion = "2025-01"

// Client talks to the Storefront API of a single store.
type Client struct {
	endpoint string
	token    string
	http     *resty.Client
	logger   *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the default request timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http.SetTimeout(d) }
}

// WithBaseURL points the client at a different endpoint, used by tests
// to target an httptest server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.endpoint = url }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a Storefront client for the given store.
func New(storeDomain, storefrontToken string, opts ...Option) *Client {
	h := resty.New()
	h.SetTimeout(15 * time.Second)
	h.SetRetryCount(2)
	h.SetRetryWaitTime(500 * time.Millisecond)
	h.SetRetryMaxWaitTime(3 * time.Second)
	h.SetHeader("User-Agent", buildinfo.UserAgent())

	c := &Client{
		endpoint: fmt.Sprintf("https://%s/api/%s/graphql.json", storeDomain, apiVersion),
		token:    storefrontToken,
		http:     h,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response or a GraphQL-level error from the
// Storefront API.
type APIError struct {
	StatusCode int
	Messages   []string
}

func (e *APIError) Error() string {
	if len(e.Messages) > 0 {
		return fmt.Sprintf("shopify storefront error: %v", e.Messages)
	}
	return fmt.Sprintf("shopify storefront error: HTTP %d", e.StatusCode)
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphqlError struct {
	Message string `json:"message"`
}

// query runs one GraphQL request and decodes data into out.
func (c *Client) query(ctx context.Context, gql string, variables map[string]any, out any) error {
	if variables == nil {
		variables = map[string]any{}
	}

	var envelope struct {
		Data   json.RawMessage `json:"data"`
		Errors []graphqlError  `json:"errors"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("X-Shopify-Storefront-Access-Token", c.token).
		SetBody(graphqlRequest{Query: gql, Variables: variables}).
		SetResult(&envelope).
		Post(c.endpoint)
	if err != nil {
		return fmt.Errorf("storefront request: %w", err)
	}

	if resp.StatusCode() != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode()}
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			msgs[i] = e.Message
		}
		return &APIError{StatusCode: resp.StatusCode(), Messages: msgs}
	}
	if out != nil {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return fmt.Errorf("decode storefront response: %w", err)
		}
	}
	return nil
}
