// Package rpc provides a JSON-RPC client for the target chain endpoint.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Client is the interface for JSON-RPC communication.
type Client interface {
	// Call makes a JSON-RPC call.
	Call(ctx context.Context, method string, params []any) (json.RawMessage, error)

	// ChainID returns the chain ID reported by the node.
	ChainID(ctx context.Context) (*big.Int, error)

	// Accounts returns the accounts managed by the node.
	Accounts(ctx context.Context) ([]common.Address, error)

	// GetConfirmedNonce returns the transaction count of an address at the latest block.
	GetConfirmedNonce(ctx context.Context, address string) (uint64, error)

	// GetBalance returns the balance for an address at the latest block.
	GetBalance(ctx context.Context, address string) (*big.Int, error)

	// GetGasPrice returns the current gas price from the node.
	GetGasPrice(ctx context.Context) (*big.Int, error)

	// SendTransaction asks the node to sign and broadcast a transaction.
	SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error)

	// SendRawTransaction broadcasts a signed transaction.
	SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error)
}

// TransactionArgs are the eth_sendTransaction parameters for a node-signed transfer.
type TransactionArgs struct {
	From  common.Address  `json:"from"`
	To    common.Address  `json:"to"`
	Value *hexutil.Big    `json:"value"`
	Nonce hexutil.Uint64  `json:"nonce"`
	Gas   *hexutil.Uint64 `json:"gas,omitempty"`
}

// JSONRPCRequest represents a JSON-RPC request.
type JSONRPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      uint64 `json:"id"`
}

// JSONRPCResponse represents a JSON-RPC response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
	ID      uint64          `json:"id"`
}

// JSONRPCError represents a JSON-RPC error.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LatencyObserver receives per-call latency samples.
type LatencyObserver interface {
	RecordRPCLatency(method string, success bool, latencySeconds float64)
}

// ClientConfig holds configuration for the RPC client.
type ClientConfig struct {
	URL            string
	Timeout        time.Duration
	MaxConnections int
	Observer       LatencyObserver
	Logger         *slog.Logger
}

// DefaultClientConfig returns default configuration.
func DefaultClientConfig(url string) ClientConfig {
	return ClientConfig{
		URL:            url,
		Timeout:        10 * time.Second,
		MaxConnections: 1000,
	}
}

// HTTPClient implements Client using HTTP.
// Calls are never retried: a failed call is reported to the caller as-is.
type HTTPClient struct {
	url        string
	httpClient *http.Client
	observer   LatencyObserver
	logger     *slog.Logger
	nextID     atomic.Uint64
}

// NewHTTPClient creates a new HTTP-based RPC client.
func NewHTTPClient(cfg ClientConfig) *HTTPClient {
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 1000
	}
	transport := &http.Transport{
		MaxIdleConns:        maxConns,
		MaxIdleConnsPerHost: maxConns,
		MaxConnsPerHost:     maxConns,
		IdleConnTimeout:     90 * time.Second,
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPClient{
		url: cfg.URL,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		observer: cfg.Observer,
		logger:   logger,
	}
}

// Call makes a single JSON-RPC call.
func (c *HTTPClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	if params == nil {
		params = []any{}
	}
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      c.nextID.Add(1),
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	start := time.Now()
	result, err := c.doRequest(ctx, body)
	if c.observer != nil {
		c.observer.RecordRPCLatency(method, err == nil, time.Since(start).Seconds())
	}
	if err != nil {
		c.logger.Debug("RPC call failed",
			slog.String("method", method),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Check HTTP status code BEFORE reading/parsing body
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, &HTTPStatusError{
			StatusCode: resp.StatusCode,
			Body:       string(errBody),
		}
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if rpcResp.Error != nil {
		return nil, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
		}
	}

	return rpcResp.Result, nil
}

// RPCError is an RPC-specific error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// HTTPStatusError represents an HTTP-level error (non-2xx status).
type HTTPStatusError struct {
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("HTTP %d: %s (body: %s)", e.StatusCode, http.StatusText(e.StatusCode), e.Body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// ErrorCategory buckets an error for metrics labels.
func ErrorCategory(err error) string {
	if err == nil {
		return "none"
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return "rpc"
	}
	var httpErr *HTTPStatusError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode == http.StatusTooManyRequests {
			return "rate_limited"
		}
		return "http"
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return "timeout"
	}
	return "transport"
}

// ChainID returns the chain ID via eth_chainId.
func (c *HTTPClient) ChainID(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_chainId", nil)
	if err != nil {
		return nil, err
	}

	var idHex string
	if err := json.Unmarshal(result, &idHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal chain id: %w", err)
	}
	id, err := hexutil.DecodeBig(idHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode chain id %q: %w", idHex, err)
	}
	return id, nil
}

// Accounts returns the node-managed accounts via eth_accounts.
func (c *HTTPClient) Accounts(ctx context.Context) ([]common.Address, error) {
	result, err := c.Call(ctx, "eth_accounts", nil)
	if err != nil {
		return nil, err
	}

	var accounts []common.Address
	if err := json.Unmarshal(result, &accounts); err != nil {
		return nil, fmt.Errorf("failed to unmarshal accounts: %w", err)
	}
	return accounts, nil
}

// GetConfirmedNonce fetches the transaction count for an address at the latest block.
func (c *HTTPClient) GetConfirmedNonce(ctx context.Context, address string) (uint64, error) {
	result, err := c.Call(ctx, "eth_getTransactionCount", []any{address, "latest"})
	if err != nil {
		return 0, err
	}

	var nonceHex string
	if err := json.Unmarshal(result, &nonceHex); err != nil {
		return 0, fmt.Errorf("failed to unmarshal nonce: %w", err)
	}
	nonce, err := hexutil.DecodeUint64(nonceHex)
	if err != nil {
		return 0, fmt.Errorf("failed to decode nonce %q: %w", nonceHex, err)
	}
	return nonce, nil
}

// GetBalance returns the balance for an address at the latest block.
func (c *HTTPClient) GetBalance(ctx context.Context, address string) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_getBalance", []any{address, "latest"})
	if err != nil {
		return nil, err
	}

	var balanceHex string
	if err := json.Unmarshal(result, &balanceHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal balance: %w", err)
	}
	balance, err := hexutil.DecodeBig(balanceHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode balance %q: %w", balanceHex, err)
	}
	return balance, nil
}

// GetGasPrice returns the current gas price from the node.
func (c *HTTPClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.Call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, err
	}

	var priceHex string
	if err := json.Unmarshal(result, &priceHex); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gas price: %w", err)
	}
	price, err := hexutil.DecodeBig(priceHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode gas price %q: %w", priceHex, err)
	}
	return price, nil
}

// SendTransaction sends a node-signed transaction via eth_sendTransaction.
func (c *HTTPClient) SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error) {
	result, err := c.Call(ctx, "eth_sendTransaction", []any{args})
	if err != nil {
		return common.Hash{}, err
	}
	return decodeHash(result)
}

// SendRawTransaction sends a signed transaction via eth_sendRawTransaction.
func (c *HTTPClient) SendRawTransaction(ctx context.Context, txRLP []byte) (common.Hash, error) {
	result, err := c.Call(ctx, "eth_sendRawTransaction", []any{hexutil.Encode(txRLP)})
	if err != nil {
		return common.Hash{}, err
	}
	return decodeHash(result)
}

func decodeHash(result json.RawMessage) (common.Hash, error) {
	var hash common.Hash
	if err := json.Unmarshal(result, &hash); err != nil {
		return common.Hash{}, fmt.Errorf("failed to unmarshal transaction hash: %w", err)
	}
	return hash, nil
}
