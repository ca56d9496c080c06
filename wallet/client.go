package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds each individual wallet RPC call. Multisig key
// derivation is slow on low-end hardware, so the bound is generous; it exists
// so no round can hang the session forever.
const DefaultCallTimeout = 30 * time.Second

// Client is a thin JSON-RPC 2.0 client for one monero-wallet-rpc process. It
// keeps no protocol state: every multisig side effect lives in the remote
// wallet, and all session bookkeeping lives with the orchestrator.
type Client struct {
	endpoint    string
	callTimeout time.Duration
	http        *http.Client
	nextID      atomic.Int64
}

// NewClient builds a client for the wallet-rpc reachable at endpoint
// (e.g. http://127.0.0.1:18083/json_rpc). A non-positive timeout falls back to
// DefaultCallTimeout.
func NewClient(endpoint string, callTimeout time.Duration) *Client {
	if callTimeout <= 0 {
		callTimeout = DefaultCallTimeout
	}
	return &Client{
		endpoint:    strings.TrimSpace(endpoint),
		callTimeout: callTimeout,
		http:        &http.Client{Timeout: callTimeout},
	}
}

// Endpoint returns the RPC URL the client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GetAddress returns the wallet's current primary address. After multisig
// finalization this is the shared custody address, which makes it the
// cross-check of record.
func (c *Client) GetAddress(ctx context.Context) (string, error) {
	var result getAddressResult
	if err := c.call(ctx, "get_address", map[string]interface{}{"account_index": 0}, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.Address) == "" {
		return "", malformedError("get_address", "empty address in response")
	}
	return result.Address, nil
}

// PrepareMultisig runs the first key-ceremony round on the wallet and returns
// its prepare payload. Not idempotent: a second call after the wallet has
// advanced is a protocol violation reported by the wallet itself.
func (c *Client) PrepareMultisig(ctx context.Context) (string, error) {
	var result prepareMultisigResult
	if err := c.call(ctx, "prepare_multisig", nil, &result); err != nil {
		return "", err
	}
	if strings.TrimSpace(result.MultisigInfo) == "" {
		return "", malformedError("prepare_multisig", "empty multisig_info in response")
	}
	return result.MultisigInfo, nil
}

// MakeMultisig converts the wallet into threshold-of-N mode using the prepare
// payloads of the other participants (never the wallet's own).
func (c *Client) MakeMultisig(ctx context.Context, threshold uint32, otherInfos []string) (MakeMultisigResult, error) {
	params := map[string]interface{}{
		"multisig_info": otherInfos,
		"threshold":     threshold,
	}
	var result MakeMultisigResult
	if err := c.call(ctx, "make_multisig", params, &result); err != nil {
		return MakeMultisigResult{}, err
	}
	if strings.TrimSpace(result.MultisigInfo) == "" {
		return MakeMultisigResult{}, malformedError("make_multisig", "empty multisig_info in response")
	}
	return result, nil
}

// ExchangeMultisigKeys runs the finalization round with the other
// participants' round-1 payloads. Wallet-rpc leaves the address empty while
// further exchange rounds are still required, which is surfaced as
// IsFinal=false.
func (c *Client) ExchangeMultisigKeys(ctx context.Context, otherInfos []string) (ExchangeResult, error) {
	params := map[string]interface{}{
		"multisig_info": otherInfos,
	}
	var raw exchangeMultisigKeysResult
	if err := c.call(ctx, "exchange_multisig_keys", params, &raw); err != nil {
		return ExchangeResult{}, err
	}
	result := ExchangeResult{
		Address:      strings.TrimSpace(raw.Address),
		MultisigInfo: raw.MultisigInfo,
	}
	result.IsFinal = result.Address != ""
	if !result.IsFinal && strings.TrimSpace(raw.MultisigInfo) == "" {
		return ExchangeResult{}, malformedError("exchange_multisig_keys", "neither address nor multisig_info in response")
	}
	return result, nil
}

// IsMultisig queries the wallet's multisig mode. Used only for post-hoc
// consistency checks, never to drive round transitions.
func (c *Client) IsMultisig(ctx context.Context) (MultisigStatus, error) {
	var result MultisigStatus
	if err := c.call(ctx, "is_multisig", nil, &result); err != nil {
		return MultisigStatus{}, err
	}
	return result, nil
}

func (c *Client) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	id := c.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return malformedError(method, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(buf))
	if err != nil {
		return transportError(method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyRemote(method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return malformedError(method, err.Error())
	}
	if rpcResp.Error != nil {
		return classifyRemote(method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return malformedError(method, "empty result")
	}
	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return malformedError(method, err.Error())
	}
	return nil
}
