package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/face-restore/internal/logging"
)

// Terminal states recorded for a reconstruction request.
const (
	StatusSucceeded     = "succeeded"
	StatusEngineFailed  = "engine_failed"
	StatusInvalidOutput = "invalid_output"
	StatusTimedOut      = "timed_out"
)

// AnalysisRecord represents a persisted reconstruction request.
type AnalysisRecord struct {
	ID         uint      `gorm:"primaryKey"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64"`
	SourceName string    `gorm:"column:source_name;size:255"`
	SHA1Hash   string    `gorm:"column:sha1_hash;index;size:40"`
	Status     string    `gorm:"column:status;size:32"`
	ExitCode   int       `gorm:"column:exit_code"`
	DurationMS int64     `gorm:"column:duration_ms"`
	Detail     string    `gorm:"column:detail;type:text"`
	CreatedAt  time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (AnalysisRecord) TableName() string {
	return "analysis_records"
}

// MetricsAggregation holds raw aggregates computed over persisted records.
type MetricsAggregation struct {
	TotalJobs     int64
	Succeeded     int64
	AvgDurationMS float64
}

// AnalysisRepository provides persistence APIs for analysis records.
type AnalysisRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAnalysisRepository creates a new repository instance.
func NewAnalysisRepository(db *gorm.DB, logger *zap.Logger) *AnalysisRepository {
	return &AnalysisRepository{
		db:             db,
		logger:         logger.Named("analysis_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *AnalysisRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&AnalysisRecord{})
}

// SaveRecord persists an analysis record.
func (r *AnalysisRepository) SaveRecord(ctx context.Context, record *AnalysisRecord) error {
	return r.executeWithRetry(ctx, "db.save_record", record.RequestID, func() error {
		return r.db.WithContext(ctx).Create(record).Error
	})
}

// FindByRequestID retrieves the analysis record for a request.
func (r *AnalysisRepository) FindByRequestID(ctx context.Context, requestID string) (*AnalysisRecord, error) {
	var record AnalysisRecord
	err := r.executeWithRetry(ctx, "db.find_record", requestID, func() error {
		return r.db.WithContext(ctx).First(&record, "request_id = ?", requestID).Error
	})
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// AggregateMetrics computes summary counters across all persisted records.
func (r *AnalysisRepository) AggregateMetrics(ctx context.Context) (*MetricsAggregation, error) {
	var row struct {
		Total       int64
		Succeeded   int64
		AvgDuration sql.NullFloat64
	}
	err := r.executeWithRetry(ctx, "db.aggregate_metrics", "", func() error {
		return r.db.WithContext(ctx).
			Model(&AnalysisRecord{}).
			Select(
				"COUNT(*) AS total, COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded, AVG(duration_ms) AS avg_duration",
				StatusSucceeded,
			).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}

	aggregation := &MetricsAggregation{
		TotalJobs: row.Total,
		Succeeded: row.Succeeded,
	}
	if row.AvgDuration.Valid {
		aggregation.AvgDurationMS = row.AvgDuration.Float64
	}
	return aggregation, nil
}

func (r *AnalysisRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	if r.retryAttempts <= 1 {
		err := fn()
		return logging.NewOperationError(operation, requestID, err)
	}

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
