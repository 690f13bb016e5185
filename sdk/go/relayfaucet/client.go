package relayfaucet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"
)

// DefaultHTTPTimeout is applied to clients created without a custom
// http.Client. Mining and claim calls wait for a submission, not for
// confirmation, so this stays well under a block time multiple.
const DefaultHTTPTimeout = 60 * time.Second

// ErrNothingToClaim is returned by Claim and Claimable when the user has no
// credited rewards.
var ErrNothingToClaim = errors.New("relayfaucet: nothing to claim")

// Client wraps the HTTP interactions with a relayd instance.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// FundResult is the response of POST /fund.
type FundResult struct {
	OperationID  string `json:"operationId"`
	TxHash       string `json:"txHash"`
	Amount       string `json:"amount"`
	ResponseTime int64  `json:"responseTime"`
}

// MineResult is the response of POST /mine. Reward is credited only once the
// transaction confirms.
type MineResult struct {
	OperationID string `json:"operationId"`
	TxHash      string `json:"txHash"`
	Nonce       uint64 `json:"nonce"`
	Solution    string `json:"solution"`
	From        string `json:"from"`
	Reward      string `json:"reward"`
}

// ClaimResult is the response of POST /claim.
type ClaimResult struct {
	OperationID string `json:"operationId"`
	TxHash      string `json:"txHash"`
	Amount      string `json:"amount"`
}

// Claimable is the response of POST /claimable.
type Claimable struct {
	Amount  string `json:"amount"`
	Minings int64  `json:"minings"`
}

// PoolStats reports the wallet pool occupancy.
type PoolStats struct {
	Size      int `json:"size"`
	Pending   int `json:"pending"`
	Busy      int `json:"busy"`
	Available int `json:"available"`
}

// Status is the response of GET /status.
type Status struct {
	RelayerAddress      string    `json:"relayerAddress"`
	Balance             string    `json:"balance"`
	BlockNumber         uint64    `json:"blockNumber"`
	Timestamp           string    `json:"timestamp"`
	Uptime              float64   `json:"uptime"`
	NetworkRetryEnabled bool      `json:"networkRetryEnabled"`
	Pool                PoolStats `json:"pool"`
}

// Operation is one journal entry returned by GET /operations.
type Operation struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Wallet      string `json:"wallet,omitempty"`
	User        string `json:"user,omitempty"`
	TxHash      string `json:"tx_hash,omitempty"`
	Amount      string `json:"amount,omitempty"`
	Reward      string `json:"reward,omitempty"`
	Status      string `json:"status"`
	ErrorCode   string `json:"error_code,omitempty"`
	LastError   string `json:"last_error,omitempty"`
	BlockNumber uint64 `json:"block_number,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Event is one settlement event returned by GET /events.
type Event struct {
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	TxHash      string    `json:"tx_hash"`
	Wallet      string    `json:"wallet,omitempty"`
	User        string    `json:"user,omitempty"`
	Reward      string    `json:"reward,omitempty"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// OperationFilter narrows GET /operations. Zero values are omitted.
type OperationFilter struct {
	Address string
	Kinds   []string
	Status  string
	Limit   int
	Offset  int
}

// APIError represents a non-2xx response from relayd.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"error"`
	Details    string `json:"details"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("relayd api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relayd api error (%d): %s", e.StatusCode, e.Message)
}

// Temporary reports whether retrying the request later may succeed.
func (e *APIError) Temporary() bool {
	if e == nil {
		return false
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

// NewClient instantiates a client for the relayd API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("invalid base url: %q", rawURL)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

type addressPayload struct {
	Address string `json:"address"`
	Amount  string `json:"amount,omitempty"`
}

type claimEnvelope struct {
	Success *bool  `json:"success"`
	Message string `json:"message"`
}

// Fund asks the relayer to send amount ether to address. An empty amount uses
// the relayer's default.
func (c *Client) Fund(ctx context.Context, address, amount string) (FundResult, error) {
	var out FundResult
	err := c.post(ctx, "/fund", addressPayload{Address: address, Amount: amount}, &out)
	return out, err
}

// Mine submits a mining transaction on behalf of user.
func (c *Client) Mine(ctx context.Context, user string) (MineResult, error) {
	var out MineResult
	err := c.post(ctx, "/mine", addressPayload{Address: user}, &out)
	return out, err
}

// Claim withdraws the user's credited rewards.
func (c *Client) Claim(ctx context.Context, user string) (ClaimResult, error) {
	var out ClaimResult
	if err := c.postClaim(ctx, "/claim", user, &out); err != nil {
		return ClaimResult{}, err
	}
	return out, nil
}

// Claimable reports the user's credited balance without withdrawing it.
func (c *Client) Claimable(ctx context.Context, user string) (Claimable, error) {
	var out Claimable
	if err := c.postClaim(ctx, "/claimable", user, &out); err != nil {
		return Claimable{}, err
	}
	return out, nil
}

// Stress triggers n concurrent zero-value transfers and returns their hashes.
func (c *Client) Stress(ctx context.Context, n int) ([]string, error) {
	var out struct {
		TxHashes []string `json:"txHashes"`
	}
	if err := c.post(ctx, "/stress", struct {
		Count int `json:"count"`
	}{Count: n}, &out); err != nil {
		return nil, err
	}
	return out.TxHashes, nil
}

// Status returns the relayer health snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.get(ctx, "/status", nil, &out)
	return out, err
}

// Operations lists journal entries, newest first.
func (c *Client) Operations(ctx context.Context, filter OperationFilter) ([]Operation, error) {
	q := url.Values{}
	if filter.Address != "" {
		q.Set("address", filter.Address)
	}
	if len(filter.Kinds) > 0 {
		q.Set("kind", strings.Join(filter.Kinds, ","))
	}
	if filter.Status != "" {
		q.Set("status", filter.Status)
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	var out []Operation
	err := c.get(ctx, "/operations", q, &out)
	return out, err
}

// Operation fetches a single journal entry.
func (c *Client) Operation(ctx context.Context, id string) (Operation, error) {
	var out Operation
	err := c.get(ctx, "/operations/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Events returns the most recent settlement events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Event
	err := c.get(ctx, "/events", q, &out)
	return out, err
}

// postClaim decodes the body twice: relayd answers "nothing to claim" with a
// 200 and success=false instead of the result object.
func (c *Client) postClaim(ctx context.Context, endpoint, user string, out any) error {
	var raw json.RawMessage
	if err := c.post(ctx, endpoint, addressPayload{Address: user}, &raw); err != nil {
		return err
	}
	var env claimEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Success != nil && !*env.Success {
		return fmt.Errorf("%w: %s", ErrNothingToClaim, env.Message)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
