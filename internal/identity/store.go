package identity

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/example/biowallet/internal/chain"
	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/logging"
	"github.com/example/biowallet/internal/verification"
)

// StoredIdentity is a registered wallet and the embedding it enrolled with.
type StoredIdentity struct {
	Key          string
	Address      common.Address
	Username     string
	FacialHash   common.Hash
	Embedding    embedding.Embedding
	RegisteredAt time.Time
}

// UserDataReader reads registrations. *chain.ValidatorContract satisfies it.
type UserDataReader interface {
	UserData(ctx context.Context, account common.Address) (*chain.UserRecord, error)
}

// ChainStore is the stored-embedding repository backed by the validator contract.
type ChainStore struct {
	directory *Directory
	validator UserDataReader
	logger    *zap.Logger
}

// NewChainStore constructs a store resolving names through directory.
func NewChainStore(directory *Directory, validator UserDataReader, logger *zap.Logger) *ChainStore {
	return &ChainStore{
		directory: directory,
		validator: validator,
		logger:    logger.Named("identity_store"),
	}
}

// Resolve maps a name or raw address to its wallet.
func (s *ChainStore) Resolve(key string) (common.Address, error) {
	addr, err := s.directory.Resolve(key)
	if err != nil {
		return common.Address{}, logging.NewOperationError("identity.resolve", "", err)
	}
	return addr, nil
}

// Lookup resolves key and returns its registered embedding. Unknown names,
// unregistered wallets and empty payloads are ErrIdentityNotFound.
func (s *ChainStore) Lookup(ctx context.Context, key string) (*StoredIdentity, error) {
	addr, err := s.Resolve(key)
	if err != nil {
		return nil, err
	}

	record, err := s.validator.UserData(ctx, addr)
	if err != nil {
		wrapped := logging.NewOperationError("identity.user_data", "", err)
		s.logger.Error("validator read failed", zap.String("address", addr.Hex()), zap.Error(err))
		return nil, wrapped
	}
	if !record.Registered {
		return nil, logging.NewOperationError("identity.user_data", "", fmt.Errorf("%w: %s is not registered", verification.ErrIdentityNotFound, addr.Hex()))
	}
	if len(record.EncodedEmbedding) == 0 {
		return nil, logging.NewOperationError("identity.user_data", "", fmt.Errorf("%w: %s has no stored embedding", verification.ErrIdentityNotFound, addr.Hex()))
	}

	vector, err := embedding.DecodeABI(record.EncodedEmbedding)
	if err != nil {
		return nil, logging.NewOperationError("identity.decode_embedding", "", err)
	}

	s.logger.Debug("stored embedding loaded", zap.String("address", addr.Hex()), zap.Int("dimensions", len(vector)))
	return &StoredIdentity{
		Key:          key,
		Address:      addr,
		Username:     record.Username,
		FacialHash:   record.FacialHash,
		Embedding:    vector,
		RegisteredAt: record.RegisteredAt,
	}, nil
}
