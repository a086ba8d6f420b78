package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crate/internal/bucket"
	"crate/internal/cryptobox"
	"crate/internal/syncerr"
)

const defaultClientTokenTTL = time.Minute

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL  string
	Identity *cryptobox.Identity
	Timeout  time.Duration
	// TokenTTL is the lifetime of each request token; it must not exceed
	// the server's limit.
	TokenTTL   time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// Client is a bucket.Bucket that talks to a proxy Server.
type Client struct {
	base     *url.URL
	identity *cryptobox.Identity
	http     *http.Client
	ttl      time.Duration
	now      func() time.Time
}

var _ bucket.Bucket = (*Client)(nil)
var _ bucket.ConditionalPutter = (*Client)(nil)

// NewClient validates opts and returns a Client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.Identity == nil {
		return nil, errors.New("proxy client requires an identity")
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid proxy url %q", opts.BaseURL)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	ttl := opts.TokenTTL
	if ttl <= 0 {
		ttl = defaultClientTokenTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{base: base, identity: opts.Identity, http: httpClient, ttl: ttl, now: now}, nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, http.MethodGet, objectPath, OpGet, key, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp, "get", key)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, bucket.Transport("proxy", "get", key, err)
	}
	return data, nil
}

func (c *Client) Put(ctx context.Context, key string, data []byte) error {
	resp, err := c.do(ctx, http.MethodPut, objectPath, OpPut, key, data, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return c.decodeError(resp, "put", key)
	}
	return nil
}

func (c *Client) PutIfAbsent(ctx context.Context, key string, data []byte) (bool, error) {
	resp, err := c.do(ctx, http.MethodPut, objectPath, OpPut, key, data, http.Header{"If-None-Match": []string{"*"}})
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusNoContent:
		return true, nil
	case http.StatusPreconditionFailed:
		return false, nil
	default:
		return false, c.decodeError(resp, "put", key)
	}
}

func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, objectPath, OpDelete, key, nil, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return c.decodeError(resp, "delete", key)
	}
	return nil
}

func (c *Client) List(ctx context.Context, prefix string) ([]string, error) {
	resp, err := c.do(ctx, http.MethodGet, listPath, OpList, prefix, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.decodeError(resp, "list", prefix)
	}
	var out listResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrProtocol, "proxy", "list", "decode response", err)
	}
	return out.Keys, nil
}

func (c *Client) do(ctx context.Context, method, path, op, key string, body []byte, header http.Header) (*http.Response, error) {
	token, err := signRequest(c.identity, op, key, body, c.now(), c.ttl)
	if err != nil {
		return nil, err
	}
	target := *c.base
	target.Path = c.base.Path + path
	query := url.Values{}
	if op == OpList {
		query.Set("prefix", key)
	} else {
		query.Set("key", key)
	}
	target.RawQuery = query.Encode()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.String(), reader)
	if err != nil {
		return nil, fmt.Errorf("build proxy request: %w", err)
	}
	for name, values := range header {
		req.Header[name] = values
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if op == OpPut {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, bucket.Transport("proxy", strings.ToLower(op), key, err)
	}
	return resp, nil
}

// decodeError turns a proxy error response back into a typed error.
func (c *Client) decodeError(resp *http.Response, op, key string) error {
	var payload errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&payload)
	msg := fmt.Sprintf("%s: proxy returned %d", key, resp.StatusCode)
	if payload.Error != "" {
		msg += ": " + payload.Error
	}
	if payload.CorrelationID != "" {
		msg += " (correlation " + payload.CorrelationID + ")"
	}
	var marker error
	switch resp.StatusCode {
	case http.StatusNotFound:
		marker = syncerr.ErrNotFound
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		marker = syncerr.ErrProtocol
	case http.StatusUnauthorized:
		marker = syncerr.ErrCrypto
		if payload.Kind == "expired" {
			marker = syncerr.ErrExpired
		}
	case http.StatusForbidden:
		marker = syncerr.ErrMembership
	case http.StatusServiceUnavailable:
		marker = syncerr.ErrChainInvalid
	default:
		marker = syncerr.ErrTransport
	}
	return syncerr.Wrap(marker, "proxy", op, msg, nil)
}
