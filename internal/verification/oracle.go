package verification

import "context"

// Oracle is the off-chain compute service that reports results through an
// on-chain read.
type Oracle interface {
	// SendRequest issues the state-changing request and returns the
	// submission transaction hash without waiting for inclusion.
	SendRequest(ctx context.Context, subscriptionID uint64, args []string) (string, error)
	// WaitConfirmed blocks until the transaction is included and returns the
	// handle to poll with. A reverted transaction is an error.
	WaitConfirmed(ctx context.Context, txHash string) (Handle, error)
	// ReadResult is a point-in-time read of the result slot for the handle.
	// An empty string means no answer yet.
	ReadResult(ctx context.Context, handle Handle) (string, error)
	// KeyedResults reports whether ReadResult is bound to the handle. When
	// false every job shares one overwritable slot.
	KeyedResults() bool
}
