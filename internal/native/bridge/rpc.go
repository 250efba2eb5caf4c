package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/tinoosan/workshopsync/internal/metrics"
)

// --- JSON-RPC wire types ---

type rpcReq struct {
	Jsonrpc string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	ID      string        `json:"id"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResp struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *Client) call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	timer := prometheus.NewTimer(metrics.BridgeRPCLatency.WithLabelValues(method))
	defer timer.ObserveDuration()

	all := append(c.tokenParam(), params...)
	id := "workshopsync-" + strconv.FormatUint(c.reqSeq.Add(1), 10)
	body, err := json.Marshal(rpcReq{Jsonrpc: "2.0", Method: method, ID: id, Params: all})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("bridge http %d: %s", resp.StatusCode, string(b))
	}

	var rr rpcResp
	if err := json.Unmarshal(b, &rr); err != nil {
		metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("bridge rpc decode: %w (%s)", err, string(b))
	}
	if rr.Error != nil {
		metrics.BridgeRPCErrors.WithLabelValues(method).Inc()
		return nil, fmt.Errorf("bridge rpc error %d: %s", rr.Error.Code, rr.Error.Message)
	}
	return rr.Result, nil
}

// tokenParam is the "token:<secret>" first param, when a secret is set.
func (c *Client) tokenParam() []interface{} {
	if c.secret != "" {
		return []interface{}{"token:" + c.secret}
	}
	return nil
}

// parseCount reads a decimal string counter; empty means zero.
func parseCount(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseUint(s, 10, 64)
}
