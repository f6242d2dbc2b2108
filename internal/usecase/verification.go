package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/biowallet/internal/embedding"
	"github.com/example/biowallet/internal/events"
	"github.com/example/biowallet/internal/facerecognition"
	"github.com/example/biowallet/internal/identity"
	"github.com/example/biowallet/internal/logging"
	"github.com/example/biowallet/internal/repository"
	"github.com/example/biowallet/internal/verification"
)

var (
	// ErrNoRecordStore is returned by lookups when persistence is not configured.
	ErrNoRecordStore = errors.New("verification records are not persisted")
	// ErrNoRecognizer is returned by VerifyImage when no embedding source is configured.
	ErrNoRecognizer = errors.New("no face recognition service configured")
	// ErrResultNotFound is returned by GetResult for an unknown request id.
	ErrResultNotFound = errors.New("verification result not found")
)

const outcomeTTL = 10 * time.Minute

// IdentityStore resolves identity keys to wallets and their stored embedding.
type IdentityStore interface {
	Resolve(key string) (common.Address, error)
	Lookup(ctx context.Context, key string) (*identity.StoredIdentity, error)
}

// VerificationRepository defines the persistence operations needed by the use case.
type VerificationRepository interface {
	SaveRecord(ctx context.Context, record *repository.VerificationRecord) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.VerificationRecord, error)
	ListByIdentity(ctx context.Context, identity string, limit int) ([]*repository.VerificationRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Dependencies are the collaborators of the use case. Repo, Cache, Events and
// Recognizer are optional.
type Dependencies struct {
	Identities IdentityStore
	Oracle     verification.Oracle
	Recognizer facerecognition.Client
	Repo       VerificationRepository
	Cache      Cache
	Events     events.Publisher
}

// Options are the oracle protocol parameters.
type Options struct {
	SubscriptionID      uint64
	PollInterval        time.Duration
	MaxPollAttempts     int
	ConfirmationTimeout time.Duration
	MatchThreshold      float64
}

// VerificationUseCase runs the submit, confirm, poll and interpret protocol
// for one identity and one fresh embedding per call.
type VerificationUseCase struct {
	identities  IdentityStore
	oracle      verification.Oracle
	submitter   *verification.Submitter
	poller      *verification.Poller
	interpreter verification.Interpreter
	recognizer  facerecognition.Client
	repo        VerificationRepository
	cache       Cache
	events      events.Publisher
	slot        *slotGuard
	logger      *zap.Logger

	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedOutcome struct {
	RequestID  string    `json:"request_id"`
	JobID      string    `json:"job_id"`
	Identity   string    `json:"identity"`
	Key        string    `json:"key"`
	Status     string    `json:"status"`
	ErrorKind  string    `json:"error_kind"`
	Similarity float64   `json:"similarity"`
	IsMatch    bool      `json:"is_match"`
	Threshold  float64   `json:"threshold"`
	Attempts   int       `json:"attempts"`
	Diagnostic string    `json:"diagnostic"`
	LatencyMs  int64     `json:"latency_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewVerificationUseCase constructs a new use case instance.
func NewVerificationUseCase(deps Dependencies, opts Options, logger *zap.Logger) *VerificationUseCase {
	logger = logger.Named("verification_usecase")
	publisher := deps.Events
	if publisher == nil {
		publisher = events.NopPublisher{}
	}
	return &VerificationUseCase{
		identities:     deps.Identities,
		oracle:         deps.Oracle,
		submitter:      verification.NewSubmitter(deps.Oracle, opts.SubscriptionID, opts.ConfirmationTimeout, logger),
		poller:         verification.NewPoller(deps.Oracle, opts.PollInterval, opts.MaxPollAttempts, logger),
		interpreter:    verification.NewInterpreter(opts.MatchThreshold),
		recognizer:     deps.Recognizer,
		repo:           deps.Repo,
		cache:          deps.Cache,
		events:         publisher,
		slot:           newSlotGuard(),
		logger:         logger,
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Verify compares fresh against the embedding registered for identityKey.
// Every failure is terminal for the call; the caller decides whether to retry
// from scratch.
func (uc *VerificationUseCase) Verify(ctx context.Context, identityKey string, fresh embedding.Embedding) (*verification.Outcome, error) {
	requestID := uuid.NewString()
	started := time.Now()
	opLogger := logging.WithOperation(uc.logger, "usecase.verify", requestID).With(zap.String("identity", identityKey))

	var job *verification.Job
	outcome, err := uc.verify(ctx, requestID, identityKey, fresh, &job)

	uc.recordOutcome(ctx, requestID, identityKey, job, outcome, err, time.Since(started))
	if err != nil {
		opLogger.Warn("verification failed", zap.String("kind", verification.KindOf(err)), zap.Error(err))
		return nil, err
	}
	opLogger.Info("verification resolved",
		zap.Bool("is_match", outcome.IsMatch),
		zap.Float64("similarity", outcome.Similarity),
		zap.Int("attempts", outcome.Attempts),
	)
	return outcome, nil
}

func (uc *VerificationUseCase) verify(ctx context.Context, requestID, identityKey string, fresh embedding.Embedding, jobOut **verification.Job) (*verification.Outcome, error) {
	address, err := uc.identities.Resolve(identityKey)
	if err != nil {
		return nil, err
	}

	stored, err := uc.identities.Lookup(ctx, address.Hex())
	if err != nil {
		if ctx.Err() != nil {
			return nil, logging.NewOperationError("usecase.lookup_identity", requestID, fmt.Errorf("%w: %w", verification.ErrCancelled, err))
		}
		return nil, err
	}

	if err := embedding.CheckCompatible(stored.Embedding, fresh); err != nil {
		return nil, logging.NewOperationError("usecase.check_embeddings", requestID, fmt.Errorf("%w: %w", verification.ErrEmbeddingMismatch, err))
	}

	job := verification.NewJob(requestID, stored.Embedding, fresh)
	*jobOut = job

	if !uc.oracle.KeyedResults() {
		release, err := uc.slot.acquire(ctx)
		if err != nil {
			job.Transition(verification.StatusFailed) //nolint:errcheck
			return nil, logging.NewOperationError("usecase.acquire_result_slot", requestID, fmt.Errorf("%w: %w", verification.ErrCancelled, err))
		}
		defer release()

		if err := uc.poller.CaptureBaseline(ctx, job); err != nil {
			return nil, err
		}
	}

	if _, err := uc.submitter.Submit(ctx, job); err != nil {
		return nil, err
	}

	raw, err := uc.poller.Poll(ctx, job)
	if err != nil {
		return nil, err
	}

	result, err := uc.interpreter.Interpret(raw)
	if err != nil {
		job.Transition(verification.StatusFailed) //nolint:errcheck
		return nil, logging.NewOperationError("usecase.interpret", job.Handle.String(), err)
	}
	if err := job.Transition(verification.StatusResolved); err != nil {
		return nil, err
	}

	return &verification.Outcome{
		RequestID:  requestID,
		JobID:      job.Handle.String(),
		Identity:   identityKey,
		Address:    address.Hex(),
		IsMatch:    result.IsMatch,
		Similarity: result.Similarity,
		Threshold:  uc.interpreter.Threshold(),
		Diagnostic: result.Diagnostic,
		Attempts:   job.Attempts,
	}, nil
}

// VerifyImage extracts the first face's embedding from image and verifies it.
// An image without a face fails before any identity or oracle call.
func (uc *VerificationUseCase) VerifyImage(ctx context.Context, identityKey string, image []byte) (*verification.Outcome, error) {
	if uc.recognizer == nil {
		return nil, ErrNoRecognizer
	}
	res, err := uc.recognizer.Recognize(ctx, image)
	if err != nil {
		return nil, err
	}
	fresh, err := facerecognition.FirstEmbedding(res)
	if err != nil {
		return nil, err
	}
	return uc.Verify(ctx, identityKey, fresh)
}

// ResolveIdentity returns the checksummed wallet address identityKey names.
// Names and raw addresses of the same wallet resolve to the same value.
func (uc *VerificationUseCase) ResolveIdentity(identityKey string) (string, error) {
	address, err := uc.identities.Resolve(identityKey)
	if err != nil {
		return "", err
	}
	return address.Hex(), nil
}

// LookupIdentity returns the stored registration for identityKey.
func (uc *VerificationUseCase) LookupIdentity(ctx context.Context, identityKey string) (*identity.StoredIdentity, error) {
	return uc.identities.Lookup(ctx, identityKey)
}

// GetResult retrieves a cached verification outcome or loads it from persistence.
func (uc *VerificationUseCase) GetResult(ctx context.Context, requestID string) (*repository.VerificationRecord, error) {
	if uc.cache != nil {
		if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.outcome", outcomeCacheKey(requestID)); err == nil {
			var payload cachedOutcome
			if err := json.Unmarshal([]byte(cached), &payload); err != nil {
				logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to decode cached outcome", zap.Error(err))
			} else {
				return payload.record(), nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logging.WithOperation(uc.logger, "usecase.get_result", requestID).Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrNoRecordStore
	}
	record, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %w", ErrResultNotFound, err)
	}
	return record, err
}

// History returns the latest verification records for the wallet identityKey
// resolves to, whichever key each verification was requested with.
func (uc *VerificationUseCase) History(ctx context.Context, identityKey string, limit int) ([]*repository.VerificationRecord, error) {
	if uc.repo == nil {
		return nil, ErrNoRecordStore
	}
	address, err := uc.ResolveIdentity(identityKey)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return uc.repo.ListByIdentity(ctx, address, limit)
}

// recordOutcome persists, caches and publishes a terminal outcome. It runs on
// a context detached from cancellation so abandoned calls are still audited.
// Failures here are logged and never change the verdict.
func (uc *VerificationUseCase) recordOutcome(ctx context.Context, requestID, identityKey string, job *verification.Job, outcome *verification.Outcome, verr error, latency time.Duration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	opLogger := logging.WithOperation(uc.logger, "usecase.record_outcome", requestID)

	// Records are filed under the wallet; a key that never resolved is kept as is.
	owner := identityKey
	if address, err := uc.identities.Resolve(identityKey); err == nil {
		owner = address.Hex()
	}

	record := &repository.VerificationRecord{
		RequestID: requestID,
		Identity:  owner,
		Key:       identityKey,
		Status:    string(verification.StatusFailed),
		ErrorKind: verification.KindOf(verr),
		Threshold: uc.interpreter.Threshold(),
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now().UTC(),
	}
	if job != nil {
		record.JobID = job.Handle.String()
		record.Status = string(job.Status)
		record.Attempts = job.Attempts
	}
	if outcome != nil {
		record.Similarity = outcome.Similarity
		record.IsMatch = outcome.IsMatch
		record.Diagnostic = outcome.Diagnostic
	} else if verr != nil {
		record.Diagnostic = verr.Error()
	}

	if uc.repo != nil {
		if err := uc.repo.SaveRecord(ctx, record); err != nil {
			opLogger.Error("failed to persist verification record", zap.Error(err))
		}
	}

	if uc.cache != nil {
		serialized, err := json.Marshal(newCachedOutcome(record))
		if err != nil {
			opLogger.Error("failed to serialize verification outcome", zap.Error(err))
		} else if err := uc.withRedisRetry(ctx, requestID, "cache.set.outcome", func() error {
			return uc.cache.Set(ctx, outcomeCacheKey(requestID), string(serialized), outcomeTTL)
		}); err != nil {
			opLogger.Error("failed to cache verification outcome", zap.Error(err))
		}
	}

	event := events.OutcomeEvent{
		Type:       events.OutcomeEventType,
		RequestID:  record.RequestID,
		JobID:      record.JobID,
		Identity:   record.Identity,
		Key:        record.Key,
		Status:     record.Status,
		ErrorKind:  record.ErrorKind,
		IsMatch:    record.IsMatch,
		Similarity: record.Similarity,
		OccurredAt: record.CreatedAt,
	}
	if err := uc.events.PublishOutcome(ctx, event); err != nil {
		opLogger.Warn("failed to publish verification outcome", zap.Error(err))
	}
}

func newCachedOutcome(r *repository.VerificationRecord) cachedOutcome {
	return cachedOutcome{
		RequestID:  r.RequestID,
		JobID:      r.JobID,
		Identity:   r.Identity,
		Key:        r.Key,
		Status:     r.Status,
		ErrorKind:  r.ErrorKind,
		Similarity: r.Similarity,
		IsMatch:    r.IsMatch,
		Threshold:  r.Threshold,
		Attempts:   r.Attempts,
		Diagnostic: r.Diagnostic,
		LatencyMs:  r.LatencyMs,
		CreatedAt:  r.CreatedAt,
	}
}

func (c cachedOutcome) record() *repository.VerificationRecord {
	return &repository.VerificationRecord{
		RequestID:  c.RequestID,
		JobID:      c.JobID,
		Identity:   c.Identity,
		Key:        c.Key,
		Status:     c.Status,
		ErrorKind:  c.ErrorKind,
		Similarity: c.Similarity,
		IsMatch:    c.IsMatch,
		Threshold:  c.Threshold,
		Attempts:   c.Attempts,
		Diagnostic: c.Diagnostic,
		LatencyMs:  c.LatencyMs,
		CreatedAt:  c.CreatedAt,
	}
}

func (uc *VerificationUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if uc.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

	backoff := uc.initialBackoff
	opLogger := logging.WithOperation(uc.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < uc.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= uc.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			if !errors.Is(err, redis.Nil) {
				opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			}
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *VerificationUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
	var result string
	err := uc.withRedisRetry(ctx, requestID, operation, func() error {
		value, err := uc.cache.Get(ctx, cacheKey)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
