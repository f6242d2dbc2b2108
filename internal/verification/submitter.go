package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/logging"
)

// Submitter sends a job to the oracle and returns once the ledger has included it.
type Submitter struct {
	oracle         Oracle
	subscriptionID uint64
	confirmTimeout time.Duration
	logger         *zap.Logger
}

// NewSubmitter constructs a submitter billing requests to subscriptionID.
func NewSubmitter(oracle Oracle, subscriptionID uint64, confirmTimeout time.Duration, logger *zap.Logger) *Submitter {
	return &Submitter{
		oracle:         oracle,
		subscriptionID: subscriptionID,
		confirmTimeout: confirmTimeout,
		logger:         logger.Named("submitter"),
	}
}

// Submit encodes the job's embeddings, sends the request and waits for
// inclusion. The job moves to Submitted and then Confirmed; on any error it
// is Failed.
func (s *Submitter) Submit(ctx context.Context, job *Job) (Handle, error) {
	opLogger := logging.WithOperation(s.logger, "verification.submit", job.RequestID)

	args, err := requestArgs(job.Source, job.Target)
	if err != nil {
		job.fail()
		return Handle{}, logging.NewOperationError("verification.encode_args", job.RequestID, fmt.Errorf("%w: %w", ErrSubmission, err))
	}

	txHash, err := s.oracle.SendRequest(ctx, s.subscriptionID, args)
	if err != nil {
		job.fail()
		if ctx.Err() != nil {
			return Handle{}, logging.NewOperationError("verification.send_request", job.RequestID, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		}
		opLogger.Error("oracle request rejected", zap.Error(err))
		return Handle{}, logging.NewOperationError("verification.send_request", job.RequestID, fmt.Errorf("%w: %w", ErrSubmission, err))
	}

	job.Handle = Handle{TxHash: txHash}
	job.SubmittedAt = time.Now().UTC()
	if err := job.Transition(StatusSubmitted); err != nil {
		return Handle{}, err
	}
	opLogger.Info("oracle request sent", zap.String("tx_hash", txHash))

	confirmCtx, cancel := context.WithTimeout(ctx, s.confirmTimeout)
	defer cancel()

	handle, err := s.oracle.WaitConfirmed(confirmCtx, txHash)
	if err != nil {
		job.fail()
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case errors.Is(confirmCtx.Err(), context.DeadlineExceeded):
			opLogger.Warn("confirmation did not arrive", zap.Duration("timeout", s.confirmTimeout))
			err = fmt.Errorf("%w after %s: %w", ErrConfirmationTimeout, s.confirmTimeout, err)
		default:
			opLogger.Error("oracle request not accepted", zap.Error(err))
			err = fmt.Errorf("%w: %w", ErrSubmission, err)
		}
		return Handle{}, logging.NewOperationError("verification.wait_confirmed", txHash, err)
	}

	if handle.TxHash == "" {
		handle.TxHash = txHash
	}
	job.Handle = handle
	if err := job.Transition(StatusConfirmed); err != nil {
		return Handle{}, err
	}
	opLogger.Info("oracle request confirmed", zap.String("tx_hash", handle.TxHash), zap.String("oracle_request_id", handle.RequestID))
	return handle, nil
}

// requestArgs builds the oracle's string[] arguments: the source embedding and
// a one-element list of candidate targets.
func requestArgs(source, target embedding.Embedding) ([]string, error) {
	src, err := embedding.EncodeSource(source)
	if err != nil {
		return nil, err
	}
	targets, err := embedding.EncodeTargets(target)
	if err != nil {
		return nil, err
	}
	return []string{src, targets}, nil
}
