// Package chain adapts the JSON-RPC client to the operations a load run needs:
// sender resolution, nonce and balance queries, and value transfers.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/batchload/internal/account"
	"github.com/gateway-fm/batchload/internal/rpc"
	"github.com/gateway-fm/batchload/internal/sender"
	"github.com/gateway-fm/batchload/internal/txbuilder"
)

// DefaultGasTipCap is the priority fee used for locally signed transfers when none is configured.
var DefaultGasTipCap = big.NewInt(1_000_000_000) // 1 gwei

// ErrNoAccounts is returned when the node manages no accounts and none was configured.
var ErrNoAccounts = errors.New("node returned no accounts")

// Config for creating a Client.
type Config struct {
	RPC rpc.Client

	// PrivateKey enables local signing. Empty means node-signed transfers.
	PrivateKey string
	// FromAddress selects a node-managed account instead of eth_accounts[0].
	FromAddress common.Address

	ChainID   *big.Int // queried via eth_chainId when nil
	GasLimit  uint64
	GasTipCap *big.Int
	LegacyTx  bool

	Concurrency int
	Logger      *slog.Logger
}

// Client implements the load driver's chain operations on top of rpc.Client.
type Client struct {
	rpc    rpc.Client
	sender *sender.Sender
	logger *slog.Logger

	from     common.Address
	chainID  *big.Int
	gasLimit uint64
	tipCap   *big.Int
	legacy   bool

	account *account.Account
	builder *txbuilder.ETHTransferBuilder
}

// New creates a chain client. A malformed private key is rejected here.
func New(cfg Config) (*Client, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		rpc: cfg.RPC,
		sender: sender.New(sender.Config{
			Client:      cfg.RPC,
			Concurrency: cfg.Concurrency,
			Logger:      logger,
		}),
		logger:   logger,
		from:     cfg.FromAddress,
		chainID:  cfg.ChainID,
		gasLimit: cfg.GasLimit,
		tipCap:   cfg.GasTipCap,
		legacy:   cfg.LegacyTx,
	}

	if cfg.PrivateKey != "" {
		acc, err := account.NewAccountFromHex(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		c.account = acc
	}
	return c, nil
}

// ResolveSender picks the source account: the configured key's address, else
// the configured from address, else the first account the node manages.
func (c *Client) ResolveSender(ctx context.Context) (*account.Account, error) {
	if c.account != nil {
		return c.account, nil
	}
	if c.from != (common.Address{}) {
		c.account = account.NewRemoteAccount(c.from)
		return c.account, nil
	}

	accounts, err := c.rpc.Accounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list node accounts: %w", err)
	}
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	c.account = account.NewRemoteAccount(accounts[0])
	return c.account, nil
}

// Prepare resolves the chain ID and fee parameters needed for local signing.
// It is a no-op for node-signed transfers.
func (c *Client) Prepare(ctx context.Context) error {
	if c.account == nil || !c.account.CanSign() {
		return nil
	}

	chainID := c.chainID
	if chainID == nil {
		id, err := c.rpc.ChainID(ctx)
		if err != nil {
			return fmt.Errorf("failed to get chain id: %w", err)
		}
		chainID = id
	}

	gasPrice, err := c.rpc.GetGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("failed to get gas price: %w", err)
	}

	tip := c.tipCap
	if tip == nil {
		tip = DefaultGasTipCap
	}

	builder, err := txbuilder.NewETHTransferBuilder(c.account.PrivateKey, txbuilder.TxParams{
		ChainID:   chainID,
		GasLimit:  c.gasLimit,
		GasTipCap: tip,
		GasFeeCap: txbuilder.FeeCap(gasPrice, tip),
		UseLegacy: c.legacy,
	})
	if err != nil {
		return err
	}
	c.builder = builder

	params := builder.Params()
	c.logger.Info("local signing enabled",
		slog.String("chainId", params.ChainID.String()),
		slog.String("gasFeeCap", params.GasFeeCap.String()),
		slog.String("gasTipCap", params.GasTipCap.String()),
		slog.Uint64("gasLimit", params.GasLimit),
		slog.Bool("legacy", params.UseLegacy),
	)
	return nil
}

// LocalSigning reports whether transfers are signed in-process.
func (c *Client) LocalSigning() bool {
	return c.builder != nil
}

// NonceAt returns the account's transaction count at the latest block.
func (c *Client) NonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	return c.rpc.GetConfirmedNonce(ctx, addr.Hex())
}

// BalanceAt returns the account's balance at the latest block.
func (c *Client) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.rpc.GetBalance(ctx, addr.Hex())
}

// SendValue submits one transfer of amount wei at the given nonce.
func (c *Client) SendValue(ctx context.Context, from, to common.Address, amount *big.Int, nonce uint64) (common.Hash, error) {
	if c.account != nil && c.account.CanSign() {
		if c.builder == nil {
			return common.Hash{}, errors.New("local signing not prepared")
		}
		if from != c.account.Address {
			return common.Hash{}, fmt.Errorf("cannot sign for %s: key belongs to %s", from.Hex(), c.account.Address.Hex())
		}
		raw, _, err := c.builder.BuildRaw(nonce, to, amount)
		if err != nil {
			return common.Hash{}, err
		}
		return c.sender.SendRaw(ctx, raw)
	}

	args := rpc.TransactionArgs{
		From:  from,
		To:    to,
		Value: (*hexutil.Big)(amount),
		Nonce: hexutil.Uint64(nonce),
	}
	if c.gasLimit > 0 {
		gas := hexutil.Uint64(c.gasLimit)
		args.Gas = &gas
	}
	return c.sender.SendNodeSigned(ctx, args)
}
