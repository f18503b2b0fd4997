// Package txbuilder builds and signs value-transfer transactions.
package txbuilder

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// NewTransferTx creates either a DynamicFeeTx or LegacyTx depending on useLegacy.
// For legacy transactions, gasFeeCap is used as the gas price.
func NewTransferTx(chainID *big.Int, nonce uint64, to common.Address, value *big.Int, gasLimit uint64, gasTipCap *big.Int, gasFeeCap *big.Int, useLegacy bool) *types.Transaction {
	if useLegacy {
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: gasFeeCap,
			Gas:      gasLimit,
			To:       &to,
			Value:    value,
		})
	}
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: gasTipCap,
		GasFeeCap: gasFeeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
	})
}

// FeeCap returns the max fee per gas for a given base gas price and tip:
// twice the gas price plus the tip, leaving headroom for base fee growth.
func FeeCap(gasPrice, tip *big.Int) *big.Int {
	feeCap := new(big.Int).Mul(gasPrice, big.NewInt(2))
	return feeCap.Add(feeCap, tip)
}
