// Package client provides a Go SDK for talking to the distributed KV store.
//
// Big idea:
//
// Instead of writing raw HTTP requests everywhere,
// we wrap them inside a clean Go API.
//
// So instead of:
//
//	http.NewRequest(...)
//	json.Marshal(...)
//
// Users can simply call:
//
//	client.Put(ctx, "widgets", 42, payload, "quorum")
//	client.Get(ctx, "widgets", 42)
//
// This is called a "client library" or "SDK".
//
// It hides:
//   - HTTP details
//   - JSON encoding/decoding
//   - Error handling
//
// And exposes a clean Go interface.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client represents a connection to ONE KV node.
//
// Important:
//
// This client talks to a single node.
// That node is responsible for:
//   - Minting the write's timestamp and committing it locally
//   - Fanning replication out to the peers its consistency level requires
//
// So the client does NOT implement distributed logic.
// It just talks to one node.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new Client.
//
// baseURL example:
//
//	"http://localhost:8080"
//
// timeout protects us from hanging forever.
// In distributed systems:
//
//	NEVER call network without timeout.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// PutResult is returned after a successful write.
type PutResult struct {
	Key uint64 `json:"key"`
}

// GetResult carries the payload and the timestamp that last wrote it.
type GetResult struct {
	Key     uint64 `json:"key"`
	Payload []byte `json:"payload"`
	TS      string `json:"ts"`
}

// Put stores payload at (keyspace, key), replicated according to
// consistency ("none", "one", "local_quorum", "quorum", "each_quorum",
// "all"; empty defaults to "quorum" server-side).
//
// Flow:
//
//  1. Create JSON body
//  2. Build HTTP PUT request
//  3. Send request
//  4. Check status
//  5. Decode response
//
// The distributed logic happens inside the server.
// This client only performs the HTTP call.
func (c *Client) Put(ctx context.Context, keyspace string, key uint64, payload []byte, consistency string) (*PutResult, error) {
	body, _ := json.Marshal(map[string]any{"payload": payload, "consistency": consistency})

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		fmt.Sprintf("%s/kv/%s/%d", c.baseURL, keyspace, key), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("PUT request failed: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result PutResult
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// Get retrieves the payload for (keyspace, key).
//
// Special case:
//
//	If server returns 404
//	We convert it into ErrNotFound
func (c *Client) Get(ctx context.Context, keyspace string, key uint64) (*GetResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/kv/%s/%d", c.baseURL, keyspace, key), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var result GetResult
	return &result, json.NewDecoder(resp.Body).Decode(&result)
}

// Delete removes (keyspace, key) from the cluster.
//
// Internally the server:
//   - Marks a tombstone locally
//   - Replicates the tombstone to the peers consistency requires
//
// Client doesn't care. It just sends DELETE request.
func (c *Client) Delete(ctx context.Context, keyspace string, key uint64, consistency string) error {
	body, _ := json.Marshal(map[string]string{"consistency": consistency})
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		fmt.Sprintf("%s/kv/%s/%d", c.baseURL, keyspace, key), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("DELETE request failed: %w", err)
	}
	defer resp.Body.Close()

	return checkStatus(resp)
}

// BulkItem is one key/payload pair of a PutMany call.
type BulkItem struct {
	Key     uint64 `json:"key"`
	Payload []byte `json:"payload"`
}

// BulkOutcome mirrors pipeline.BulkOutcome: which keys committed, which were
// stale no-ops, and which failed and why.
type BulkOutcome struct {
	Committed []uint64 `json:"committed"`
	Stale     []uint64 `json:"stale"`
	Failed    []struct {
		Key   uint64 `json:"key"`
		Error string `json:"error"`
	} `json:"failed"`
}

// PutMany writes every item in one bulk call (spec §4.5 put_many).
func (c *Client) PutMany(ctx context.Context, keyspace string, items []BulkItem, consistency string) (*BulkOutcome, error) {
	body, _ := json.Marshal(map[string]any{"items": items, "consistency": consistency})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/kv/%s/_bulk_put", c.baseURL, keyspace), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out BulkOutcome
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// DelMany tombstones every key in one bulk call (spec §4.5 del_many).
func (c *Client) DelMany(ctx context.Context, keyspace string, keys []uint64, consistency string) (*BulkOutcome, error) {
	body, _ := json.Marshal(map[string]any{"keys": keys, "consistency": consistency})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/kv/%s/_bulk_del", c.baseURL, keyspace), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out BulkOutcome
	return &out, json.NewDecoder(resp.Body).Decode(&out)
}

// GetMany reads every key that has a live entry; missing keys are simply
// absent from the result (spec §4.5 get_many).
func (c *Client) GetMany(ctx context.Context, keyspace string, keys []uint64) ([]GetResult, error) {
	body, _ := json.Marshal(map[string]any{"keys": keys})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/kv/%s/_bulk_get", c.baseURL, keyspace), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var out struct {
		Docs []GetResult `json:"docs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	return out.Docs, nil
}

// JoinCluster registers a node into the cluster.
//
// This triggers a Joined membership event on the node this client talks
// to, whose scheduler turns it into an immediate full anti-entropy sync
// with the new node. Other nodes' membership is not changed by this call.
func (c *Client) JoinCluster(ctx context.Context, nodeID, addr, dc string) error {
	body, _ := json.Marshal(map[string]string{"id": nodeID, "addr": addr, "dc": dc})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/cluster/join", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// LeaveCluster removes a node from the cluster.
func (c *Client) LeaveCluster(ctx context.Context, nodeID string) error {
	body, _ := json.Marshal(map[string]string{"id": nodeID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/cluster/leave", c.baseURL), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// ─── Errors ───────────────────────────────────────────────────────────────────

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = fmt.Errorf("key not found")

// APIError carries the HTTP status and the error message from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// checkStatus converts HTTP error responses
// into Go errors.
//
// If status is 2xx → success.
// Otherwise:
//
//  1. Read response body
//  2. Try parsing {"error": "..."} JSON
//  3. Return APIError
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
