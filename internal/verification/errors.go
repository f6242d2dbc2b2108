package verification

import (
	"context"
	"errors"
)

// Terminal error kinds of a verification call. Callers match them with errors.Is.
var (
	ErrIdentityNotFound        = errors.New("identity not found")
	ErrEmbeddingMismatch       = errors.New("embedding mismatch")
	ErrSubmission              = errors.New("submission failed")
	ErrConfirmationTimeout     = errors.New("submission not confirmed in time")
	ErrTimedOut                = errors.New("oracle result not available in time")
	ErrMalformedOracleResponse = errors.New("malformed oracle response")
	ErrCancelled               = errors.New("verification cancelled")
)

// Kind values are stable strings used in logs, persisted records, events and HTTP bodies.
const (
	KindIdentityNotFound        = "identity_not_found"
	KindEmbeddingMismatch       = "embedding_mismatch"
	KindSubmission              = "submission_error"
	KindConfirmationTimeout     = "confirmation_timeout"
	KindTimedOut                = "timed_out"
	KindMalformedOracleResponse = "malformed_oracle_response"
	KindCancelled               = "cancelled"
	KindInternal                = "internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrIdentityNotFound, KindIdentityNotFound},
	{ErrEmbeddingMismatch, KindEmbeddingMismatch},
	{ErrConfirmationTimeout, KindConfirmationTimeout},
	{ErrSubmission, KindSubmission},
	{ErrTimedOut, KindTimedOut},
	{ErrMalformedOracleResponse, KindMalformedOracleResponse},
	{ErrCancelled, KindCancelled},
}

// KindOf classifies err. A nil error has no kind.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}
