// Package app assembles the verification components from configuration for
// the HTTP service and the operator CLI.
package app

import (
	"context"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/example/biowallet/internal/chain"
	"github.com/example/biowallet/internal/config"
	"github.com/example/biowallet/internal/facerecognition"
	"github.com/example/biowallet/internal/grpcclient"
	"github.com/example/biowallet/internal/identity"
	"github.com/example/biowallet/internal/usecase"
)

// ConnectChain dials the configured RPC endpoint.
func ConnectChain(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*ethclient.Client, error) {
	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, err
	}
	logger.Info("connected to chain rpc")
	return client, nil
}

// NewIdentityStore loads the name directory and binds the validator contract.
func NewIdentityStore(cfg *config.Config, backend chain.Backend, logger *zap.Logger) (*identity.ChainStore, error) {
	directory, err := identity.LoadDirectory(cfg.Identity.DirectoryFile)
	if err != nil {
		return nil, err
	}
	validator, err := chain.NewValidatorContract(backend, common.HexToAddress(cfg.Chain.ValidatorAddress))
	if err != nil {
		return nil, err
	}
	logger.Info("identity directory loaded", zap.Int("names", directory.Len()))
	return identity.NewChainStore(directory, validator, logger), nil
}

// NewOracle binds the oracle contract with a signer for the configured key.
func NewOracle(ctx context.Context, cfg *config.Config, backend chain.Backend, logger *zap.Logger) (*chain.OracleContract, error) {
	if err := cfg.RequireOracle(); err != nil {
		return nil, err
	}
	transactor, err := chain.NewTransactor(ctx, backend, cfg.Chain.SignerKey)
	if err != nil {
		return nil, err
	}
	oracle, err := chain.NewOracleContract(backend, transactor, chain.OracleOptions{
		Address:         common.HexToAddress(cfg.Oracle.ContractAddress),
		KeyedResults:    cfg.Oracle.KeyedResults,
		ReceiptInterval: cfg.Oracle.ReceiptInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	logger.Info("oracle contract bound",
		zap.String("address", cfg.Oracle.ContractAddress),
		zap.String("signer", transactor.From.Hex()),
		zap.Bool("keyed_results", cfg.Oracle.KeyedResults),
	)
	return oracle, nil
}

// NewRecognizer returns the configured embedding source: the gRPC service
// when embedding_service.addr is set, CompreFace when compreface.base_url is
// set, or nil. The closer releases any connection and may be nil.
func NewRecognizer(ctx context.Context, cfg *config.Config, logger *zap.Logger) (facerecognition.Client, io.Closer, error) {
	switch {
	case cfg.EmbeddingService.Addr != "":
		client, conn, err := grpcclient.DialEmbeddingService(ctx, cfg.EmbeddingService.Addr, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connect embedding service: %w", err)
		}
		return client, conn, nil
	case cfg.CompreFace.BaseURL != "":
		if cfg.CompreFace.APIKey == "" {
			return nil, nil, fmt.Errorf("compreface.api_key is required with compreface.base_url")
		}
		return facerecognition.NewCompreFaceClient(cfg.CompreFace.BaseURL, cfg.CompreFace.APIKey, cfg.CompreFace.Timeout, logger), nil, nil
	default:
		logger.Info("no face recognition service configured; image verification disabled")
		return nil, nil, nil
	}
}

// UseCaseOptions maps the oracle settings onto the orchestrator.
func UseCaseOptions(cfg *config.Config) usecase.Options {
	return usecase.Options{
		SubscriptionID:      cfg.Oracle.SubscriptionID,
		PollInterval:        cfg.Oracle.PollInterval,
		MaxPollAttempts:     cfg.Oracle.MaxPollAttempts,
		ConfirmationTimeout: cfg.Oracle.ConfirmationTimeout,
		MatchThreshold:      cfg.Oracle.MatchThreshold,
	}
}
