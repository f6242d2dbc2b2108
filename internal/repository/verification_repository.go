package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/biowallet/internal/logging"
)

// VerificationRecord is the audit entry for one verification call. Records are
// written once the call reaches a terminal state and are never resumed.
type VerificationRecord struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	JobID      string    `gorm:"column:job_id;index;size:80"`
	Identity   string    `gorm:"column:identity;index;size:255"`
	Key        string    `gorm:"column:identity_key;size:255"`
	Status     string    `gorm:"column:status;size:32"`
	ErrorKind  string    `gorm:"column:error_kind;size:64"`
	Similarity float64   `gorm:"column:similarity"`
	IsMatch    bool      `gorm:"column:is_match"`
	Threshold  float64   `gorm:"column:threshold"`
	Attempts   int       `gorm:"column:attempts"`
	Diagnostic string    `gorm:"column:diagnostic;type:text"`
	LatencyMs  int64     `gorm:"column:latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (VerificationRecord) TableName() string {
	return "verification_records"
}

// MetricsAggregation is the raw aggregate over all records.
type MetricsAggregation struct {
	TotalCount        int64
	ResolvedCount     int64
	MatchCount        int64
	AverageSimilarity float64
	AverageLatencyMs  float64
	ByErrorKind       map[string]int64
}

// VerificationRepository provides persistence APIs for verification records.
type VerificationRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewVerificationRepository creates a new repository instance.
func NewVerificationRepository(db *gorm.DB, logger *zap.Logger) *VerificationRepository {
	return &VerificationRepository{
		db:             db,
		logger:         logger.Named("verification_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *VerificationRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&VerificationRecord{})
}

// SaveRecord persists a verification record.
func (r *VerificationRepository) SaveRecord(ctx context.Context, record *VerificationRecord) error {
	return r.executeWithRetry(ctx, "repository.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestID retrieves the record for a verification call.
func (r *VerificationRepository) FindByRequestID(ctx context.Context, requestID string) (*VerificationRecord, error) {
	var record VerificationRecord
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		return r.db.WithContext(ctx).First(&record, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// ListByIdentity returns the most recent records filed under a wallet address.
func (r *VerificationRepository) ListByIdentity(ctx context.Context, identity string, limit int) ([]*VerificationRecord, error) {
	var records []*VerificationRecord
	err := r.executeWithRetry(ctx, "repository.list_by_identity", "", func() error {
		return r.db.WithContext(ctx).
			Where("identity = ?", identity).
			Order("created_at DESC").
			Limit(limit).
			Find(&records).Error
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// AggregateMetrics summarises all records.
func (r *VerificationRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var totals struct {
		TotalCount        int64
		ResolvedCount     int64
		MatchCount        int64
		AverageSimilarity float64
		AverageLatencyMs  float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).Model(&VerificationRecord{}).Select(
			"COUNT(*) AS total_count, " +
				"COALESCE(SUM(CASE WHEN status = 'resolved' THEN 1 ELSE 0 END), 0) AS resolved_count, " +
				"COALESCE(SUM(CASE WHEN is_match THEN 1 ELSE 0 END), 0) AS match_count, " +
				"COALESCE(AVG(CASE WHEN status = 'resolved' THEN similarity END), 0) AS average_similarity, " +
				"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
		).Scan(&totals).Error
	})
	if err != nil {
		return nil, err
	}

	var kinds []struct {
		ErrorKind string
		Count     int64
	}
	err = r.executeWithRetry(ctx, "repository.aggregate_error_kinds", "", func() error {
		return r.db.WithContext(ctx).Model(&VerificationRecord{}).
			Select("error_kind, COUNT(*) AS count").
			Where("error_kind <> ''").
			Group("error_kind").
			Scan(&kinds).Error
	})
	if err != nil {
		return nil, err
	}

	agg := &MetricsAggregation{
		TotalCount:        totals.TotalCount,
		ResolvedCount:     totals.ResolvedCount,
		MatchCount:        totals.MatchCount,
		AverageSimilarity: totals.AverageSimilarity,
		AverageLatencyMs:  totals.AverageLatencyMs,
		ByErrorKind:       make(map[string]int64, len(kinds)),
	}
	for _, k := range kinds {
		agg.ByErrorKind[k.ErrorKind] = k.Count
	}
	return agg, nil
}

func (r *VerificationRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < r.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if errors.Is(err, gorm.ErrRecordNotFound) {
			return logging.NewOperationError(operation, requestID, err)
		}
		if !isTransientError(err) || attempt == r.retryAttempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
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
