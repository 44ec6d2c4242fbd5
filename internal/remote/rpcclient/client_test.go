package rpcclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/starford/memvault/internal/apperr"
	"github.com/starford/memvault/internal/remote"
)

func rpcServer(t *testing.T, handle func(method string, params json.RawMessage) (any, *Error)) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		var req struct {
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			ID     int64           `json:"id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rerr := handle(req.Method, req.Params)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0",
			"id":      req.ID,
			"result":  result,
			"error":   rerr,
		})
	}))
	t.Cleanup(ts.Close)
	return ts, &hits
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestErrorCodeMapping(t *testing.T) {
	ts, _ := rpcServer(t, func(method string, _ json.RawMessage) (any, *Error) {
		switch method {
		case remote.MethodGet:
			return nil, &Error{Code: remote.CodeNotFound, Message: "no such entity"}
		case remote.MethodDelete:
			return nil, &Error{Code: remote.CodeForbidden, Message: "not owner"}
		}
		return nil, &Error{Code: remote.CodeInternal, Message: "boom"}
	})
	c := New([]string{ts.URL}, "0xme")
	ctx := context.Background()

	if _, err := c.GetEntity(ctx, "0x1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("get: err = %v, want ErrNotFound", err)
	}
	if err := c.DeleteEntity(ctx, "0x1"); !errors.Is(err, apperr.ErrConflict) {
		t.Errorf("delete: err = %v, want ErrConflict", err)
	}
	_, err := c.Query(ctx, remote.NewQuery())
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != remote.CodeInternal {
		t.Errorf("query: err = %v, want rpc internal error", err)
	}
	if errors.Is(err, apperr.ErrRemoteUnavailable) {
		t.Error("store error reported as transport failure")
	}
}

func TestEndpointFallback(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(dead.Close)

	ts, hits := rpcServer(t, func(method string, params json.RawMessage) (any, *Error) {
		var p remote.KeyParams
		_ = json.Unmarshal(params, &p)
		return remote.Entity{Key: p.Key, Payload: []byte("hello")}, nil
	})

	c := New([]string{dead.URL, ts.URL}, "0xme", WithLogger(discard()))
	e, err := c.GetEntity(context.Background(), "0xk")
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if e.Key != "0xk" || string(e.Payload) != "hello" {
		t.Errorf("entity = %+v", e)
	}
	if hits.Load() != 1 {
		t.Errorf("live endpoint hits = %d, want 1", hits.Load())
	}
}

func TestWriteFallbackOnRefusedConnection(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	ts, hits := rpcServer(t, func(method string, params json.RawMessage) (any, *Error) {
		var p remote.WriteParams
		_ = json.Unmarshal(params, &p)
		if p.From != "0xme" || string(p.Payload) != "hello" || p.ExpiresIn != 60 {
			return nil, &Error{Code: remote.CodeInvalidParams, Message: "unexpected params"}
		}
		return remote.CreateResult{Key: "0xk", TxHash: "0xt"}, nil
	})

	c := New([]string{deadURL, ts.URL}, "0xme", WithLogger(discard()))
	res, err := c.CreateEntity(context.Background(), []byte("hello"), nil, time.Minute)
	if err != nil {
		t.Fatalf("CreateEntity: %v", err)
	}
	if res.Key != "0xk" || res.TxHash != "0xt" {
		t.Errorf("result = %+v", res)
	}
	if hits.Load() != 1 {
		t.Errorf("live endpoint hits = %d, want 1", hits.Load())
	}
}

func TestWriteNotResentAfterTimeout(t *testing.T) {
	var creates atomic.Int64
	release := make(chan struct{})
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		creates.Add(1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(slow.Close)
	t.Cleanup(func() { close(release) })

	fast, _ := rpcServer(t, func(method string, _ json.RawMessage) (any, *Error) {
		if method == remote.MethodCreate {
			creates.Add(1)
		}
		return remote.CreateResult{Key: "0x2"}, nil
	})

	c := New([]string{slow.URL, fast.URL}, "0xme", WithTimeout(100*time.Millisecond), WithLogger(discard()))
	_, err := c.CreateEntity(context.Background(), []byte("once"), nil, 0)
	if !errors.Is(err, apperr.ErrRemoteUnavailable) {
		t.Fatalf("err = %v, want ErrRemoteUnavailable", err)
	}
	if n := creates.Load(); n != 1 {
		t.Errorf("creates = %d, want 1", n)
	}
}

func TestAllEndpointsDown(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()

	c := New([]string{url}, "0xme", WithLogger(discard()))
	if _, err := c.GetEntity(context.Background(), "0x1"); !errors.Is(err, apperr.ErrRemoteUnavailable) {
		t.Errorf("err = %v, want ErrRemoteUnavailable", err)
	}
}

func TestNoEndpoints(t *testing.T) {
	c := New(nil, "0xme")
	if err := c.DeleteEntity(context.Background(), "0x1"); !errors.Is(err, apperr.ErrNotConfigured) {
		t.Errorf("err = %v, want ErrNotConfigured", err)
	}
}

func TestRequestIDsIncrease(t *testing.T) {
	var ids []int64
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		_ = json.NewDecoder(r.Body).Decode(&req)
		ids = append(ids, req.ID)
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{"entities":[]}}`))
	}))
	t.Cleanup(ts.Close)

	c := New([]string{ts.URL}, "")
	for range 3 {
		if _, err := c.Query(context.Background(), remote.NewQuery()); err != nil {
			t.Fatal(err)
		}
	}
	if len(ids) != 3 || ids[0] >= ids[1] || ids[1] >= ids[2] {
		t.Errorf("ids = %v", ids)
	}
}
