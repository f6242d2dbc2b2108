package verification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/example/biowallet/internal/logging"
)

type readiness int

const (
	notReady readiness = iota
	ready
	oracleError
)

// Poller reads the oracle result slot at a fixed interval until an answer
// arrives or the attempt budget runs out.
type Poller struct {
	oracle      Oracle
	interval    time.Duration
	maxAttempts int
	logger      *zap.Logger
}

// NewPoller constructs a poller. The total wait is bounded by interval*maxAttempts.
func NewPoller(oracle Oracle, interval time.Duration, maxAttempts int, logger *zap.Logger) *Poller {
	return &Poller{
		oracle:      oracle,
		interval:    interval,
		maxAttempts: maxAttempts,
		logger:      logger.Named("poller"),
	}
}

// CaptureBaseline reads the shared result slot before job is submitted. The
// slot keeps the previous job's answer until the next fulfillment, so Poll
// treats that payload as not ready. The caller must hold the slot.
func (p *Poller) CaptureBaseline(ctx context.Context, job *Job) error {
	raw, err := p.oracle.ReadResult(ctx, Handle{})
	if err != nil {
		job.fail()
		if ctx.Err() != nil {
			return logging.NewOperationError("verification.capture_baseline", job.RequestID, fmt.Errorf("%w: %w", ErrCancelled, err))
		}
		return logging.NewOperationError("verification.capture_baseline", job.RequestID, fmt.Errorf("%w: read result slot: %w", ErrSubmission, err))
	}
	job.Baseline = normalize(raw)
	p.logger.Debug("result slot baseline captured", zap.String("request_id", job.RequestID), zap.Int("bytes", len(job.Baseline)))
	return nil
}

// Poll waits one interval before each read and performs exactly maxAttempts
// reads unless an answer arrives or ctx is cancelled first. The job must be
// Confirmed.
func (p *Poller) Poll(ctx context.Context, job *Job) (string, error) {
	jobID := job.Handle.String()
	if err := job.Transition(StatusPolling); err != nil {
		return "", logging.NewOperationError("verification.poll", jobID, err)
	}
	opLogger := logging.WithOperation(p.logger, "verification.poll", jobID)

	timer := time.NewTimer(p.interval)
	defer timer.Stop()

	for job.Attempts < p.maxAttempts {
		select {
		case <-ctx.Done():
			job.fail()
			opLogger.Info("polling abandoned", zap.Int("attempts", job.Attempts))
			return "", logging.NewOperationError("verification.poll", jobID, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
		case <-timer.C:
		}

		job.Attempts++
		raw, err := p.oracle.ReadResult(ctx, job.Handle)
		if err != nil {
			opLogger.Warn("result read failed", zap.Error(err), zap.Int("attempt", job.Attempts))
		} else if job.stale(raw) {
			opLogger.Debug("result slot unchanged since submission", zap.Int("attempt", job.Attempts))
		} else {
			switch classify(raw) {
			case ready:
				opLogger.Info("oracle answered", zap.Int("attempt", job.Attempts))
				return raw, nil
			case oracleError:
				job.fail()
				opLogger.Warn("oracle reported an error", zap.String("diagnostic", raw))
				return raw, logging.NewOperationError("verification.poll", jobID, fmt.Errorf("%w: oracle reported %q", ErrMalformedOracleResponse, raw))
			default:
				opLogger.Debug("oracle not ready", zap.Int("attempt", job.Attempts))
			}
		}

		timer.Reset(p.interval)
	}

	if err := job.Transition(StatusTimedOut); err != nil {
		return "", logging.NewOperationError("verification.poll", jobID, err)
	}
	opLogger.Warn("oracle did not answer", zap.Int("attempts", job.Attempts), zap.Duration("interval", p.interval))
	return "", logging.NewOperationError("verification.poll", jobID, fmt.Errorf("%w after %d attempts", ErrTimedOut, job.Attempts))
}

// normalize trims the payload and strips one layer of JSON string quoting,
// which some oracle responses carry.
func normalize(raw string) string {
	s := strings.TrimSpace(raw)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		var inner string
		if err := json.Unmarshal([]byte(s), &inner); err == nil {
			s = strings.TrimSpace(inner)
		}
	}
	return s
}

// classify separates answers from placeholders. Only JSON objects and explicit
// error payloads end polling; blank values, empty hex and other text do not.
func classify(raw string) readiness {
	s := normalize(raw)
	switch {
	case s == "", s == "0x", s == "null", s == `""`:
		return notReady
	case strings.HasPrefix(strings.ToLower(s), "error"):
		return oracleError
	case strings.HasPrefix(s, "{"):
		return ready
	default:
		return notReady
	}
}
