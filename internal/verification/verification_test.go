package verification

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/logging"
)

func confirmedJob(t *testing.T) *Job {
	t.Helper()
	job := NewJob("req-1", embedding.Embedding{1, 1, 1}, embedding.Embedding{1, 1, 1})
	job.Handle = Handle{TxHash: "0xabc"}
	for _, s := range []Status{StatusSubmitted, StatusConfirmed} {
		if err := job.Transition(s); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	return job
}

func TestInterpretThresholdBoundary(t *testing.T) {
	interp := NewInterpreter(DefaultMatchThreshold)

	cases := []struct {
		raw   string
		match bool
	}{
		{`{"result":[{"similarity":1.0}]}`, true},
		{`{"result":[{"similarity":0.7}]}`, false},
		{`{"result":[{"similarity":0.70000001}]}`, true},
		{`{"result":[{"similarity":0.2}]}`, false},
	}
	for _, tc := range cases {
		res, err := interp.Interpret(tc.raw)
		if err != nil {
			t.Fatalf("%s: unexpected error %v", tc.raw, err)
		}
		if res.IsMatch != tc.match {
			t.Fatalf("%s: expected match=%t, got %t", tc.raw, tc.match, res.IsMatch)
		}
		if res.Diagnostic != tc.raw {
			t.Fatalf("expected raw payload kept as diagnostic, got %q", res.Diagnostic)
		}
	}
}

func TestInterpretMalformed(t *testing.T) {
	interp := NewInterpreter(DefaultMatchThreshold)
	for _, raw := range []string{
		"{not json",
		`{"result":[]}`,
		`{"result":[{"subject":"x"}]}`,
		`{"other":1}`,
		`{"result":[{"similarity":"high"}]}`,
	} {
		res, err := interp.Interpret(raw)
		if !errors.Is(err, ErrMalformedOracleResponse) {
			t.Fatalf("%s: expected ErrMalformedOracleResponse, got %v", raw, err)
		}
		if res != nil {
			t.Fatalf("%s: expected no result, got %+v", raw, res)
		}
	}
}

func TestInterpretQuotedPayload(t *testing.T) {
	res, err := NewInterpreter(0.7).Interpret(`"{\"result\":[{\"similarity\":0.95}]}"`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsMatch || res.Similarity != 0.95 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestClassify(t *testing.T) {
	for _, raw := range []string{"", "   ", "0x", `""`, "null", "pending", `"0x"`} {
		if classify(raw) != notReady {
			t.Fatalf("%q: expected not ready", raw)
		}
	}
	if classify("{not json") != ready {
		t.Fatal("expected JSON-shaped garbage to be handed to the interpreter")
	}
	if classify(`{"result":[{"similarity":0.9}]}`) != ready {
		t.Fatal("expected answer to be ready")
	}
	if classify("Error: request failed") != oracleError {
		t.Fatal("expected error payload to be terminal")
	}
}

func TestPollTimesOutAfterExactlyMaxAttempts(t *testing.T) {
	oracle := &stubOracle{}
	poller := NewPoller(oracle, 2*time.Millisecond, 5, zap.NewNop())
	job := confirmedJob(t)

	start := time.Now()
	_, err := poller.Poll(context.Background(), job)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("expected ErrTimedOut, got %v", err)
	}
	if oracle.readCalls != 5 {
		t.Fatalf("expected exactly 5 reads, got %d", oracle.readCalls)
	}
	if job.Attempts != 5 {
		t.Fatalf("expected job attempts 5, got %d", job.Attempts)
	}
	if job.Status != StatusTimedOut {
		t.Fatalf("expected timed_out status, got %s", job.Status)
	}
	if elapsed < 10*time.Millisecond {
		t.Fatalf("expected polling to wait an interval per attempt, took %s", elapsed)
	}
}

func TestPollSkipsSentinelsAndReadErrors(t *testing.T) {
	answer := `{"result":[{"similarity":0.95}]}`
	oracle := &stubOracle{
		readErr: []error{nil, errRPC, nil, nil, nil},
		reads:   []string{"", "0x", `""`, answer},
	}
	poller := NewPoller(oracle, time.Millisecond, 10, zap.NewNop())
	job := confirmedJob(t)

	raw, err := poller.Poll(context.Background(), job)
	if err != nil {
		t.Fatalf("expected answer, got %v", err)
	}
	if raw != answer {
		t.Fatalf("unexpected raw result %q", raw)
	}
	if oracle.readCalls != 5 {
		t.Fatalf("expected 5 reads, got %d", oracle.readCalls)
	}
	if oracle.readHandle.TxHash != "0xabc" {
		t.Fatalf("expected read bound to job handle, got %+v", oracle.readHandle)
	}
}

func TestPollStopsOnOracleError(t *testing.T) {
	oracle := &stubOracle{reads: []string{"error: subscription balance too low"}}
	poller := NewPoller(oracle, time.Millisecond, 10, zap.NewNop())
	job := confirmedJob(t)

	_, err := poller.Poll(context.Background(), job)
	if !errors.Is(err, ErrMalformedOracleResponse) {
		t.Fatalf("expected ErrMalformedOracleResponse, got %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}
	if oracle.readCalls != 1 {
		t.Fatalf("expected polling to stop after 1 read, got %d", oracle.readCalls)
	}
}

func TestPollHonoursCancellation(t *testing.T) {
	oracle := &stubOracle{}
	poller := NewPoller(oracle, time.Hour, 10, zap.NewNop())
	job := confirmedJob(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := poller.Poll(ctx, job)
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("expected ErrCancelled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("poll did not return after cancellation")
	}
	if oracle.readCalls != 0 {
		t.Fatalf("expected no reads after cancellation, got %d", oracle.readCalls)
	}
}

func TestPollRequiresConfirmedJob(t *testing.T) {
	oracle := &stubOracle{}
	poller := NewPoller(oracle, time.Millisecond, 3, zap.NewNop())
	job := NewJob("req", embedding.Embedding{1}, embedding.Embedding{1})

	if _, err := poller.Poll(context.Background(), job); err == nil {
		t.Fatal("expected polling an unconfirmed job to fail")
	}
	if oracle.readCalls != 0 {
		t.Fatalf("expected no reads, got %d", oracle.readCalls)
	}
}

func TestSubmitConfirmsBeforeReturning(t *testing.T) {
	oracle := &stubOracle{txHash: "0xtx", handle: Handle{RequestID: "0xreq"}}
	submitter := NewSubmitter(oracle, 5463, time.Second, zap.NewNop())
	job := NewJob("req", embedding.Embedding{1, 2}, embedding.Embedding{3, 4})

	handle, err := submitter.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handle.TxHash != "0xtx" || handle.RequestID != "0xreq" {
		t.Fatalf("unexpected handle %+v", handle)
	}
	if job.Status != StatusConfirmed {
		t.Fatalf("expected confirmed status, got %s", job.Status)
	}
	if len(oracle.sentArgs) != 2 || oracle.sentArgs[0] != "[1,2]" || oracle.sentArgs[1] != "[[3,4]]" {
		t.Fatalf("unexpected request args %v", oracle.sentArgs)
	}
	if job.SubmittedAt.IsZero() {
		t.Fatal("expected submission timestamp")
	}
}

func TestSubmitRejected(t *testing.T) {
	oracle := &stubOracle{sendErr: errors.New("execution reverted: unauthorized")}
	submitter := NewSubmitter(oracle, 1, time.Second, zap.NewNop())
	job := NewJob("req", embedding.Embedding{1}, embedding.Embedding{1})

	_, err := submitter.Submit(context.Background(), job)
	if !errors.Is(err, ErrSubmission) {
		t.Fatalf("expected ErrSubmission, got %v", err)
	}
	var opErr *logging.OperationError
	if !errors.As(err, &opErr) || opErr.Operation != "verification.send_request" {
		t.Fatalf("expected OperationError for send_request, got %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}
}

func TestSubmitRevertedIsSubmissionError(t *testing.T) {
	oracle := &stubOracle{txHash: "0xtx", confirmErr: errors.New("transaction reverted")}
	submitter := NewSubmitter(oracle, 1, time.Second, zap.NewNop())

	_, err := submitter.Submit(context.Background(), NewJob("req", embedding.Embedding{1}, embedding.Embedding{1}))
	if !errors.Is(err, ErrSubmission) || errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrSubmission only, got %v", err)
	}
}

func TestSubmitConfirmationTimeout(t *testing.T) {
	oracle := &stubOracle{txHash: "0xtx", blockConfirm: true}
	submitter := NewSubmitter(oracle, 1, 5*time.Millisecond, zap.NewNop())
	job := NewJob("req", embedding.Embedding{1}, embedding.Embedding{1})

	_, err := submitter.Submit(context.Background(), job)
	if !errors.Is(err, ErrConfirmationTimeout) {
		t.Fatalf("expected ErrConfirmationTimeout, got %v", err)
	}
	if KindOf(err) != KindConfirmationTimeout {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if !strings.Contains(err.Error(), "0xtx") {
		t.Fatalf("expected error to carry the tx hash, got %v", err)
	}
}

func TestJobTransitions(t *testing.T) {
	job := NewJob("req", nil, nil)
	if err := job.Transition(StatusPolling); err == nil {
		t.Fatal("expected created -> polling to be rejected")
	}
	for _, s := range []Status{StatusSubmitted, StatusConfirmed, StatusPolling, StatusResolved} {
		if err := job.Transition(s); err != nil {
			t.Fatalf("transition to %s: %v", s, err)
		}
	}
	if !job.Status.Terminal() {
		t.Fatal("expected resolved to be terminal")
	}
	if err := job.Transition(StatusFailed); err == nil {
		t.Fatal("expected no transition out of a terminal state")
	}
}

func TestKindOf(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatal("expected empty kind for nil")
	}
	wrapped := logging.NewOperationError("x", "y", ErrIdentityNotFound)
	if KindOf(wrapped) != KindIdentityNotFound {
		t.Fatalf("unexpected kind %s", KindOf(wrapped))
	}
	if KindOf(context.Canceled) != KindCancelled {
		t.Fatalf("unexpected kind %s", KindOf(context.Canceled))
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("expected internal kind for unknown errors")
	}
}

func TestPollSkipsAnswerLeftInSharedSlot(t *testing.T) {
	previous := `{"result":[{"similarity":0.95}]}`
	answer := `{"result":[{"similarity":0.10}]}`
	oracle := &stubOracle{reads: []string{previous, previous, " " + previous + "\n", answer}}
	poller := NewPoller(oracle, time.Millisecond, 10, zap.NewNop())
	job := confirmedJob(t)

	if err := poller.CaptureBaseline(context.Background(), job); err != nil {
		t.Fatalf("capture baseline: %v", err)
	}
	raw, err := poller.Poll(context.Background(), job)
	if err != nil {
		t.Fatalf("expected answer, got %v", err)
	}
	if raw != answer {
		t.Fatalf("expected the fresh answer, got %q", raw)
	}
	if job.Attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", job.Attempts)
	}
}

func TestPollSkipsErrorLeftInSharedSlot(t *testing.T) {
	answer := `{"result":[{"similarity":0.9}]}`
	oracle := &stubOracle{reads: []string{"Error: previous request failed", "Error: previous request failed", answer}}
	poller := NewPoller(oracle, time.Millisecond, 10, zap.NewNop())
	job := confirmedJob(t)

	if err := poller.CaptureBaseline(context.Background(), job); err != nil {
		t.Fatalf("capture baseline: %v", err)
	}
	raw, err := poller.Poll(context.Background(), job)
	if err != nil || raw != answer {
		t.Fatalf("expected fresh answer, got %q err %v", raw, err)
	}
}

func TestPollWithoutBaselineAcceptsFirstAnswer(t *testing.T) {
	answer := `{"result":[{"similarity":0.9}]}`
	oracle := &stubOracle{keyed: true, reads: []string{answer}}
	poller := NewPoller(oracle, time.Millisecond, 10, zap.NewNop())

	raw, err := poller.Poll(context.Background(), confirmedJob(t))
	if err != nil || raw != answer {
		t.Fatalf("expected answer, got %q err %v", raw, err)
	}
}

func TestCaptureBaselineReadFailure(t *testing.T) {
	oracle := &stubOracle{readErr: []error{errRPC}}
	poller := NewPoller(oracle, time.Millisecond, 10, zap.NewNop())
	job := NewJob("req", embedding.Embedding{1}, embedding.Embedding{1})

	err := poller.CaptureBaseline(context.Background(), job)
	if !errors.Is(err, ErrSubmission) {
		t.Fatalf("expected ErrSubmission, got %v", err)
	}
	if job.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", job.Status)
	}
}
