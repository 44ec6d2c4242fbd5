// Package rpcclient implements remote.Client over JSON-RPC 2.0 on HTTP.
package rpcclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/remote"
)

// Client talks to one or more entity store endpoints. The first URL is
// primary; the rest are tried in order when a read fails in transport, or
// when a write could not reach the endpoint at all.
type Client struct {
	urls       []string
	from       string
	httpClient *http.Client
	logger     *slog.Logger
	requestID  atomic.Int64
}

var _ remote.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithTimeout sets the per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithLogger sets the logger used for endpoint failover messages.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a client that signs writes as from.
func New(urls []string, from string, opts ...Option) *Client {
	c := &Client{
		urls:       urls,
		from:       from,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Error is an error object returned by the store.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Unwrap maps store codes onto application sentinels.
func (e *Error) Unwrap() error {
	switch e.Code {
	case remote.CodeNotFound:
		return apperr.ErrNotFound
	case remote.CodeForbidden:
		return apperr.ErrConflict
	case remote.CodeInvalidParams:
		return apperr.ErrInvalidInput
	}
	return nil
}

type request struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error,omitempty"`
}

func (c *Client) CreateEntity(ctx context.Context, payload []byte, attrs []remote.Attribute, expiresIn time.Duration) (remote.CreateResult, error) {
	var res remote.CreateResult
	err := c.call(ctx, remote.MethodCreate, remote.WriteParams{
		From:       c.from,
		Payload:    payload,
		Attributes: attrs,
		ExpiresIn:  seconds(expiresIn),
	}, &res)
	return res, err
}

func (c *Client) UpdateEntity(ctx context.Context, key string, payload []byte, attrs []remote.Attribute, expiresIn time.Duration) (string, error) {
	var res remote.TxResult
	err := c.call(ctx, remote.MethodUpdate, remote.WriteParams{
		Key:        key,
		From:       c.from,
		Payload:    payload,
		Attributes: attrs,
		ExpiresIn:  seconds(expiresIn),
	}, &res)
	return res.TxHash, err
}

func (c *Client) DeleteEntity(ctx context.Context, key string) error {
	return c.call(ctx, remote.MethodDelete, remote.KeyParams{Key: key, From: c.from}, nil)
}

func (c *Client) GetEntity(ctx context.Context, key string) (*remote.Entity, error) {
	var e remote.Entity
	if err := c.call(ctx, remote.MethodGet, remote.KeyParams{Key: key}, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (c *Client) Query(ctx context.Context, q remote.Query) (*remote.Page, error) {
	var p remote.Page
	if err := c.call(ctx, remote.MethodQuery, q, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// call sends method to each endpoint in turn. Store errors are final. A
// write that may have reached an endpoint is never resent: its outcome is
// unknown and the caller learns it from the next enumeration.
func (c *Client) call(ctx context.Context, method string, params, out any) error {
	if len(c.urls) == 0 {
		return fmt.Errorf("rpc %s: no endpoints configured: %w", method, apperr.ErrNotConfigured)
	}
	req := request{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.requestID.Add(1),
	}

	var lastErr error
	for _, url := range c.urls {
		err := c.do(ctx, url, req, out)
		if err == nil {
			return nil
		}
		var rpcErr *Error
		if errors.As(err, &rpcErr) {
			return fmt.Errorf("rpc %s: %w", method, err)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("rpc %s: %w", method, ctx.Err())
		}
		c.logger.Warn("rpc: endpoint failed",
			slog.String("url", url), slog.String("method", method), slog.String("error", err.Error()))
		if !canFailover(method, err) {
			return fmt.Errorf("rpc %s: outcome unknown: %w: %v", method, apperr.ErrRemoteUnavailable, err)
		}
		lastErr = err
	}
	return fmt.Errorf("rpc %s: all endpoints failed: %w: %v", method, apperr.ErrRemoteUnavailable, lastErr)
}

func canFailover(method string, err error) bool {
	switch method {
	case remote.MethodGet, remote.MethodQuery:
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func (c *Client) do(ctx context.Context, url string, req request, out any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}

	var rpcResp response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil || len(rpcResp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

func seconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
