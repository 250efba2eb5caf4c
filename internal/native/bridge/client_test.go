package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tinoosan/workshopsync/internal/metrics"
	"github.com/tinoosan/workshopsync/internal/native"
	"nhooyr.io/websocket"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestClient(t *testing.T, secret string, rt http.RoundTripper) *Client {
	t.Helper()
	c, err := New(discard(), Config{URL: "http://example.com/jsonrpc", Secret: secret})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	c.HTTP().Transport = rt
	c.setAvailable(true)
	return c
}

func reply(t *testing.T, result any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(result)
	if err != nil {
		t.Fatalf("marshal result: %v", err)
	}
	rb, _ := json.Marshal(rpcResp{Jsonrpc: "2.0", ID: "x", Result: raw})
	return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(rb)), Header: make(http.Header)}
}

func decode(t *testing.T, r *http.Request) rpcReq {
	t.Helper()
	b, _ := io.ReadAll(r.Body)
	var req rpcReq
	if err := json.Unmarshal(b, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	return req
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantURL string
		wantErr bool
	}{
		{name: "defaults", wantURL: DefaultURL},
		{name: "custom", cfg: Config{URL: "https://bridge.local:9000/rpc"}, wantURL: "https://bridge.local:9000/rpc"},
		{name: "bad scheme", cfg: Config{URL: "ftp://bridge"}, wantErr: true},
		{name: "unparseable", cfg: Config{URL: "::bad::url"}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := New(discard(), tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got := c.BaseURL().String(); got != tc.wantURL {
				t.Fatalf("url: got %q want %q", got, tc.wantURL)
			}
			if c.HTTP().Timeout != DefaultTimeout {
				t.Fatalf("timeout = %v", c.HTTP().Timeout)
			}
			if c.Available() {
				t.Fatalf("new client should start unavailable")
			}
		})
	}
}

func TestSubscribeSendsTokenAndStringID(t *testing.T) {
	var got rpcReq
	c := newTestClient(t, "s3cret", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = decode(t, r)
		return reply(t, nil), nil
	}))

	if err := c.Subscribe(context.Background(), 18446744073709551615, func(native.ItemResult) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if got.Method != "workshop.subscribe" {
		t.Fatalf("method = %s", got.Method)
	}
	if len(got.Params) != 2 || got.Params[0] != "token:s3cret" || got.Params[1] != "18446744073709551615" {
		t.Fatalf("params = %#v", got.Params)
	}
}

func TestNoTokenWithoutSecret(t *testing.T) {
	var got rpcReq
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		got = decode(t, r)
		return reply(t, map[string]string{"downloaded": "1", "total": "2"}), nil
	}))
	if _, err := c.DownloadInfo(context.Background(), 42); err != nil {
		t.Fatalf("download info: %v", err)
	}
	if len(got.Params) != 1 || got.Params[0] != "42" {
		t.Fatalf("params = %#v", got.Params)
	}
}

func TestDownloadInfo(t *testing.T) {
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		if m := decode(t, r).Method; m != "workshop.getItemDownloadInfo" {
			t.Fatalf("method = %s", m)
		}
		return reply(t, map[string]string{"downloaded": "5000000000", "total": "10000000000"}), nil
	}))
	info, err := c.DownloadInfo(context.Background(), 7)
	if err != nil {
		t.Fatalf("download info: %v", err)
	}
	if info.Downloaded != 5000000000 || info.Total != 10000000000 {
		t.Fatalf("info = %+v", info)
	}
}

func TestInstallInfo(t *testing.T) {
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return reply(t, map[string]any{"installed": true, "sizeOnDisk": "1024", "folder": "/content/7", "timestamp": 1700000000}), nil
	}))
	info, err := c.InstallInfo(context.Background(), 7)
	if err != nil {
		t.Fatalf("install info: %v", err)
	}
	if !info.Installed || info.SizeOnDisk != 1024 || info.Folder != "/content/7" {
		t.Fatalf("info = %+v", info)
	}
	if info.Timestamp.Unix() != 1700000000 {
		t.Fatalf("timestamp = %v", info.Timestamp)
	}
}

func TestRPCErrorCounted(t *testing.T) {
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		rb, _ := json.Marshal(rpcResp{Jsonrpc: "2.0", ID: "x", Error: &rpcError{Code: 1, Message: "no such item"}})
		return &http.Response{StatusCode: 200, Body: io.NopCloser(bytes.NewReader(rb)), Header: make(http.Header)}, nil
	}))
	method := "workshop.getItemInstallInfo"
	before := testutil.ToFloat64(metrics.BridgeRPCErrors.WithLabelValues(method))
	if _, err := c.InstallInfo(context.Background(), 1); err == nil {
		t.Fatalf("expected error")
	}
	if got := testutil.ToFloat64(metrics.BridgeRPCErrors.WithLabelValues(method)); got != before+1 {
		t.Fatalf("errors = %v, want %v", got, before+1)
	}
}

func TestIssueWhileUnavailable(t *testing.T) {
	called := false
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		called = true
		return reply(t, nil), nil
	}))
	c.setAvailable(false)
	err := c.Unsubscribe(context.Background(), 1, func(native.ItemResult) {})
	if !errors.Is(err, native.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if called {
		t.Fatalf("rpc sent while unavailable")
	}
}

func TestRunCallbacksDispatch(t *testing.T) {
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return reply(t, nil), nil
	}))

	var results []native.ItemResult
	if err := c.Subscribe(context.Background(), 10, func(r native.ItemResult) { results = append(results, r) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	var deps []native.DependencyResult
	if err := c.QueryDependencies(context.Background(), 20, func(r native.DependencyResult) { deps = append(deps, r) }); err != nil {
		t.Fatalf("dependencies: %v", err)
	}

	c.enqueue(Notification{Method: MethodOnSubscribed, Params: []notificationEvent{{ID: "10", Result: 2}}})
	c.enqueue(Notification{Method: MethodOnUnsubscribed, Params: []notificationEvent{{ID: "10", Result: 1}}})
	c.enqueue(Notification{Method: MethodOnDependencies, Params: []notificationEvent{{ID: "20", Result: 1, Children: []string{"21", "bad", "22"}}}})
	c.enqueue(Notification{Method: "workshop.onSomethingElse", Params: []notificationEvent{{ID: "10", Result: 1}}})

	if len(results) != 0 {
		t.Fatalf("callback ran before RunCallbacks")
	}
	c.RunCallbacks()

	if len(results) != 1 || results[0].ID != 10 || results[0].Code != native.ResultFail {
		t.Fatalf("results = %+v", results)
	}
	if len(deps) != 1 || len(deps[0].Children) != 2 || deps[0].Children[0] != 21 || deps[0].Children[1] != 22 {
		t.Fatalf("deps = %+v", deps)
	}

	// a forwarder fires once
	c.enqueue(Notification{Method: MethodOnSubscribed, Params: []notificationEvent{{ID: "10", Result: 1}}})
	c.RunCallbacks()
	if len(results) != 1 {
		t.Fatalf("forwarder ran twice: %+v", results)
	}
}

func TestFailedIssueUnregisters(t *testing.T) {
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return &http.Response{StatusCode: 500, Body: io.NopCloser(bytes.NewReader([]byte("boom"))), Header: make(http.Header)}, nil
	}))
	ran := false
	if err := c.Subscribe(context.Background(), 3, func(native.ItemResult) { ran = true }); err == nil {
		t.Fatalf("expected error")
	}
	c.enqueue(Notification{Method: MethodOnSubscribed, Params: []notificationEvent{{ID: "3", Result: 1}}})
	c.RunCallbacks()
	if ran {
		t.Fatalf("forwarder of a failed call ran")
	}
}

func TestUnsolicitedNotificationsAreNotQueued(t *testing.T) {
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return reply(t, nil), nil
	}))
	for i := 0; i < 10; i++ {
		c.enqueue(Notification{Method: MethodOnSubscribed, Params: []notificationEvent{{ID: "7", Result: 1}}})
	}
	c.enqueue(Notification{Method: "workshop.onSomethingElse", Params: []notificationEvent{{ID: "7", Result: 1}}})
	c.mu.Lock()
	queued := len(c.queue)
	c.mu.Unlock()
	if queued != 0 {
		t.Fatalf("queued %d notifications nobody waits for", queued)
	}
}

func TestExpiredWaiterIsForgotten(t *testing.T) {
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return reply(t, nil), nil
	}))
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	ran := false
	if err := c.Subscribe(context.Background(), 3, func(native.ItemResult) { ran = true }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	now = now.Add(WaiterTTL + time.Second)
	if err := c.Subscribe(context.Background(), 4, func(native.ItemResult) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	c.mu.Lock()
	_, stale := c.waiters[waiterKey{kind: kindSubscribe, id: 3}]
	n := len(c.waiters)
	c.mu.Unlock()
	if stale || n != 1 {
		t.Fatalf("expired waiter kept: %d waiters", n)
	}

	c.enqueue(Notification{Method: MethodOnSubscribed, Params: []notificationEvent{{ID: "3", Result: 1}}})
	c.RunCallbacks()
	if ran {
		t.Fatalf("expired forwarder ran")
	}
}

func TestPing(t *testing.T) {
	loaded := false
	c := newTestClient(t, "", roundTripFunc(func(r *http.Request) (*http.Response, error) {
		return reply(t, loaded), nil
	}))
	if err := c.Ping(context.Background()); !errors.Is(err, native.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if c.Available() {
		t.Fatalf("available after not-loaded ping")
	}
	loaded = true
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !c.Available() {
		t.Fatalf("unavailable after successful ping")
	}
}

// TestRunWebsocket drives a subscribe round trip through a bridge that
// answers RPCs over HTTP and pushes the callback over the websocket.
func TestRunWebsocket(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Upgrade") == "websocket" {
			conn, err := websocket.Accept(w, r, nil)
			if err != nil {
				return
			}
			defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()
			id := <-subscribed
			msg, _ := json.Marshal(Notification{Method: MethodOnSubscribed, Params: []notificationEvent{{ID: id, Result: 1}}})
			if err := conn.Write(context.Background(), websocket.MessageText, msg); err != nil {
				return
			}
			// hold the connection until the client goes away
			_, _, _ = conn.Read(context.Background())
			return
		}
		req := decode(t, r)
		var result any
		switch req.Method {
		case "workshop.isLoaded":
			result = true
		case "workshop.subscribe":
			subscribed <- req.Params[0].(string)
		}
		raw, _ := json.Marshal(result)
		_ = json.NewEncoder(w).Encode(rpcResp{Jsonrpc: "2.0", ID: req.ID, Result: raw})
	}))
	defer srv.Close()

	c, err := New(discard(), Config{URL: srv.URL + "/jsonrpc"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := c.Run(ctx); err != nil {
			t.Errorf("run: %v", err)
		}
	}()

	deadline := time.Now().Add(3 * time.Second)
	for !c.Available() {
		if time.Now().After(deadline) {
			t.Fatalf("client never became available")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got := make(chan native.ItemResult, 1)
	if err := c.Subscribe(ctx, 99, func(r native.ItemResult) { got <- r }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for {
		c.RunCallbacks()
		select {
		case r := <-got:
			if r.ID != 99 || !r.Code.OK() {
				t.Fatalf("result = %+v", r)
			}
			cancel()
			wg.Wait()
			if c.Available() {
				t.Fatalf("available after Run returned")
			}
			return
		case <-time.After(10 * time.Millisecond):
		}
		if time.Now().After(deadline) {
			t.Fatalf("callback never delivered")
		}
	}
}
