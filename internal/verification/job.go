package verification

import (
	"fmt"
	"time"

	"github.com/example/biowallet/internal/embedding"
)

// Status is the lifecycle state of a verification job.
type Status string

const (
	StatusCreated   Status = "created"
	StatusSubmitted Status = "submitted"
	StatusConfirmed Status = "confirmed"
	StatusPolling   Status = "polling"
	StatusResolved  Status = "resolved"
	StatusTimedOut  Status = "timed_out"
	StatusFailed    Status = "failed"
)

var transitions = map[Status][]Status{
	StatusCreated:   {StatusSubmitted, StatusFailed},
	StatusSubmitted: {StatusConfirmed, StatusFailed},
	StatusConfirmed: {StatusPolling, StatusFailed},
	StatusPolling:   {StatusResolved, StatusTimedOut, StatusFailed},
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusTimedOut || s == StatusFailed
}

// Handle correlates a submitted job with its eventual result.
type Handle struct {
	// TxHash is the submission transaction.
	TxHash string
	// RequestID is the oracle request id when the oracle keys results by request.
	RequestID string
}

// String returns the identifier used in logs.
func (h Handle) String() string {
	return h.TxHash
}

// Job is one in-flight comparison. It is owned by a single goroutine and is
// never resumed once that goroutine returns.
type Job struct {
	RequestID   string
	Handle      Handle
	Source      embedding.Embedding
	Target      embedding.Embedding
	SubmittedAt time.Time
	Status      Status
	Attempts    int
	// Baseline is the shared result slot as read before submission. Empty
	// when results are keyed by request.
	Baseline string
}

// NewJob creates a job for comparing the stored source against a fresh target.
func NewJob(requestID string, source, target embedding.Embedding) *Job {
	return &Job{
		RequestID: requestID,
		Source:    source,
		Target:    target,
		Status:    StatusCreated,
	}
}

// Transition moves the job to the next state, rejecting illegal moves.
func (j *Job) Transition(to Status) error {
	for _, allowed := range transitions[j.Status] {
		if allowed == to {
			j.Status = to
			return nil
		}
	}
	return fmt.Errorf("invalid job transition %s -> %s", j.Status, to)
}

// fail moves a non-terminal job to failed. Terminal jobs are left untouched.
// stale reports whether raw is the payload the shared slot already held
// before this job was submitted.
func (j *Job) stale(raw string) bool {
	return j.Baseline != "" && normalize(raw) == j.Baseline
}

func (j *Job) fail() {
	if !j.Status.Terminal() {
		j.Status = StatusFailed
	}
}
