package txbuilder

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DefaultTransferGas is the intrinsic gas of a plain value transfer.
const DefaultTransferGas = 21000

// TxParams holds the per-run parameters shared by every transfer.
type TxParams struct {
	ChainID   *big.Int
	GasLimit  uint64
	GasTipCap *big.Int
	GasFeeCap *big.Int
	UseLegacy bool
}

// ETHTransferBuilder builds and signs value transfers from one key.
type ETHTransferBuilder struct {
	key    *ecdsa.PrivateKey
	params TxParams
	signer types.Signer
}

// NewETHTransferBuilder creates a new ETH transfer builder.
func NewETHTransferBuilder(key *ecdsa.PrivateKey, params TxParams) (*ETHTransferBuilder, error) {
	if key == nil {
		return nil, fmt.Errorf("private key is required for local signing")
	}
	if params.ChainID == nil || params.ChainID.Sign() == 0 {
		return nil, fmt.Errorf("ChainID must be non-nil and non-zero")
	}
	if params.GasFeeCap == nil || params.GasTipCap == nil {
		return nil, fmt.Errorf("gas fee cap and tip cap are required")
	}
	if params.GasLimit == 0 {
		params.GasLimit = DefaultTransferGas
	}
	return &ETHTransferBuilder{
		key:    key,
		params: params,
		signer: types.LatestSignerForChainID(params.ChainID),
	}, nil
}

// Params returns the parameters the builder was created with.
func (b *ETHTransferBuilder) Params() TxParams {
	return b.params
}

// Build creates and signs a transfer of value to the recipient at the given nonce.
func (b *ETHTransferBuilder) Build(nonce uint64, to common.Address, value *big.Int) (*types.Transaction, error) {
	tx := NewTransferTx(b.params.ChainID, nonce, to, value, b.params.GasLimit, b.params.GasTipCap, b.params.GasFeeCap, b.params.UseLegacy)
	signed, err := types.SignTx(tx, b.signer, b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	return signed, nil
}

// BuildRaw is Build followed by binary encoding for eth_sendRawTransaction.
func (b *ETHTransferBuilder) BuildRaw(nonce uint64, to common.Address, value *big.Int) ([]byte, common.Hash, error) {
	tx, err := b.Build(nonce, to, value)
	if err != nil {
		return nil, common.Hash{}, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, common.Hash{}, fmt.Errorf("failed to encode transaction: %w", err)
	}
	return raw, tx.Hash(), nil
}
