// Package chain binds the oracle and validator contracts through go-ethereum.
package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Backend is the subset of an Ethereum RPC client the contracts need.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// Dial connects to an Ethereum JSON-RPC endpoint.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return client, nil
}

// NewTransactor builds signing options for the hex-encoded private key on
// the backend's chain.
func NewTransactor(ctx context.Context, backend Backend, signerKey string) (*bind.TransactOpts, error) {
	key, err := parseKey(signerKey)
	if err != nil {
		return nil, err
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	return opts, nil
}

func parseKey(signerKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(signerKey), "0x")
	if trimmed == "" {
		return nil, fmt.Errorf("signer key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		// The key itself must never end up in an error string.
		return nil, fmt.Errorf("signer key is not a valid secp256k1 key")
	}
	return key, nil
}
