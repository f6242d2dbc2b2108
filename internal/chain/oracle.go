package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/example/biowallet/internal/verification"
)

const oracleABI = `[
	{"type":"function","name":"sendRequest","stateMutability":"nonpayable",
	 "inputs":[{"name":"subscriptionId","type":"uint64"},{"name":"args","type":"string[]"}],
	 "outputs":[{"name":"requestId","type":"bytes32"}]},
	{"type":"function","name":"verificationResult","stateMutability":"view",
	 "inputs":[],"outputs":[{"name":"","type":"string"}]},
	{"type":"function","name":"results","stateMutability":"view",
	 "inputs":[{"name":"requestId","type":"bytes32"}],"outputs":[{"name":"","type":"string"}]},
	{"type":"event","name":"RequestSent","anonymous":false,
	 "inputs":[{"name":"id","type":"bytes32","indexed":true}]}
]`

// ErrReverted is returned when the submission transaction was included but failed.
var ErrReverted = errors.New("transaction reverted")

// OracleContract is the Chainlink Functions consumer that compares embeddings.
type OracleContract struct {
	address         common.Address
	abi             abi.ABI
	contract        *bind.BoundContract
	backend         Backend
	transactor      *bind.TransactOpts
	keyed           bool
	receiptInterval time.Duration
	logger          *zap.Logger

	// sendMu keeps nonce selection and broadcast atomic per signer.
	sendMu sync.Mutex
}

// OracleOptions configures an OracleContract.
type OracleOptions struct {
	Address common.Address
	// KeyedResults selects results(bytes32) reads instead of the shared verificationResult() slot.
	KeyedResults    bool
	ReceiptInterval time.Duration
}

// NewOracleContract binds the oracle at opts.Address.
func NewOracleContract(backend Backend, transactor *bind.TransactOpts, opts OracleOptions, logger *zap.Logger) (*OracleContract, error) {
	parsed, err := abi.JSON(strings.NewReader(oracleABI))
	if err != nil {
		return nil, fmt.Errorf("parse oracle abi: %w", err)
	}
	interval := opts.ReceiptInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &OracleContract{
		address:         opts.Address,
		abi:             parsed,
		contract:        bind.NewBoundContract(opts.Address, parsed, backend, backend, backend),
		backend:         backend,
		transactor:      transactor,
		keyed:           opts.KeyedResults,
		receiptInterval: interval,
		logger:          logger.Named("oracle_contract"),
	}, nil
}

// SendRequest broadcasts sendRequest(subscriptionId, args).
func (o *OracleContract) SendRequest(ctx context.Context, subscriptionID uint64, args []string) (string, error) {
	if o.transactor == nil {
		return "", errors.New("oracle contract has no signer")
	}
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	opts := *o.transactor
	opts.Context = ctx
	tx, err := o.contract.Transact(&opts, "sendRequest", subscriptionID, args)
	if err != nil {
		return "", fmt.Errorf("sendRequest: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitConfirmed polls for the receipt until ctx ends. In keyed mode the
// request id is taken from the RequestSent log.
func (o *OracleContract) WaitConfirmed(ctx context.Context, txHash string) (verification.Handle, error) {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(o.receiptInterval)
	defer ticker.Stop()

	for {
		receipt, err := o.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			return o.handleFromReceipt(txHash, receipt)
		}
		if !errors.Is(err, ethereum.NotFound) {
			o.logger.Warn("receipt lookup failed", zap.String("tx_hash", txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return verification.Handle{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (o *OracleContract) handleFromReceipt(txHash string, receipt *types.Receipt) (verification.Handle, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return verification.Handle{}, fmt.Errorf("%w in block %v", ErrReverted, receipt.BlockNumber)
	}
	handle := verification.Handle{TxHash: txHash}
	eventID := o.abi.Events["RequestSent"].ID
	for _, lg := range receipt.Logs {
		if lg.Address == o.address && len(lg.Topics) >= 2 && lg.Topics[0] == eventID {
			handle.RequestID = lg.Topics[1].Hex()
			break
		}
	}
	if o.keyed && handle.RequestID == "" {
		return verification.Handle{}, errors.New("RequestSent log missing from receipt")
	}
	return handle, nil
}

// ReadResult reads the result for handle, or the shared slot when results are not keyed.
func (o *OracleContract) ReadResult(ctx context.Context, handle verification.Handle) (string, error) {
	var (
		out []interface{}
		err error
	)
	opts := &bind.CallOpts{Context: ctx}
	if o.keyed {
		err = o.contract.Call(opts, &out, "results", [32]byte(common.HexToHash(handle.RequestID)))
	} else {
		err = o.contract.Call(opts, &out, "verificationResult")
	}
	if err != nil {
		return "", err
	}
	if len(out) != 1 {
		return "", fmt.Errorf("unexpected result arity %d", len(out))
	}
	value, ok := out[0].(string)
	if !ok {
		return "", fmt.Errorf("unexpected result type %T", out[0])
	}
	return value, nil
}

// KeyedResults reports whether reads are bound to the request id.
func (o *OracleContract) KeyedResults() bool {
	return o.keyed
}
