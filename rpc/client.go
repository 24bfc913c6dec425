package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"shillmarket/core/types"
)

const defaultClientTimeout = 15 * time.Second

// Client calls a node's JSON-RPC endpoint.
type Client struct {
	endpoint string
	token    string
	http     *http.Client
	nextID   atomic.Int64
}

// NewClient targets endpoint. token, when set, is sent as a bearer token.
func NewClient(endpoint, token string) *Client {
	return &Client{
		endpoint: strings.TrimRight(strings.TrimSpace(endpoint), "/") + "/",
		token:    strings.TrimSpace(token),
		http: &http.Client{
			Timeout:   defaultClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Call invokes method with a single parameter object and decodes the result
// into out. JSON-RPC failures are returned as *RPCError.
func (c *Client) Call(ctx context.Context, method string, param interface{}, out interface{}) error {
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: int(c.nextID.Add(1))}
	if param != nil {
		raw, err := json.Marshal(param)
		if err != nil {
			return fmt.Errorf("rpc: encode params: %w", err)
		}
		req.Params = []json.RawMessage{raw}
	}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("rpc: encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("rpc: %s: %w", method, err)
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRequestBytes))
	if err != nil {
		return fmt.Errorf("rpc: read response: %w", err)
	}
	var envelope struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("rpc: %s: http %d: %w", method, resp.StatusCode, err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil || len(envelope.Result) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Result, out)
}

// SendInstruction submits a signed instruction.
func (c *Client) SendInstruction(ctx context.Context, ins *types.Instruction) (*ReceiptResult, error) {
	params, err := NewInstructionParams(ins)
	if err != nil {
		return nil, err
	}
	var out ReceiptResult
	if err := c.Call(ctx, MethodSendInstruction, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Treasury fetches the treasury account.
func (c *Client) Treasury(ctx context.Context) (*TreasuryResult, error) {
	var out TreasuryResult
	if err := c.Call(ctx, MethodGetTreasury, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Escrow fetches the escrow for orderID.
func (c *Client) Escrow(ctx context.Context, orderID uint64) (*EscrowResult, error) {
	var out EscrowResult
	if err := c.Call(ctx, MethodGetEscrow, orderIDParams{OrderID: orderID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListEscrows queries the escrow index.
func (c *Client) ListEscrows(ctx context.Context, params ListEscrowsParams) (*ListEscrowsResult, error) {
	var out ListEscrowsResult
	if err := c.Call(ctx, MethodListEscrows, params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeriveAddresses returns the program addresses for orderID.
func (c *Client) DeriveAddresses(ctx context.Context, orderID uint64) (*DerivedAddressesResult, error) {
	var out DerivedAddressesResult
	if err := c.Call(ctx, MethodDeriveAddresses, orderIDParams{OrderID: orderID}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account fetches the ledger account at a bech32 address.
func (c *Client) Account(ctx context.Context, address string) (*AccountResult, error) {
	var out AccountResult
	if err := c.Call(ctx, MethodGetAccount, addressParams{Address: address}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ErrorCode extracts the JSON-RPC code from err, or zero when err did not
// come from the server.
func ErrorCode(err error) int {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	return 0
}
