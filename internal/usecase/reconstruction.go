package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/face-restore/internal/engine"
	"github.com/example/face-restore/internal/logging"
	"github.com/example/face-restore/internal/repository"
)

// ErrSaveUpload indicates the uploaded image could not be written to disk.
var ErrSaveUpload = errors.New("unable to store uploaded image")

// JobRepository defines the persistence operations needed by the use case.
type JobRepository interface {
	SaveRecord(ctx context.Context, record *repository.AnalysisRecord) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.AnalysisRecord, error)
	AggregateMetrics(ctx context.Context) (*repository.MetricsAggregation, error)
}

// Upload carries the bytes of one client-submitted image.
type Upload struct {
	Data     []byte
	Filename string
}

// ReconstructionUseCase orchestrates the temp file, engine run, and audit trail
// for each uploaded image.
type ReconstructionUseCase struct {
	repo           JobRepository
	cache          Cache
	runner         engine.Runner
	logger         *zap.Logger
	tempDir        string
	slots          chan struct{}
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

type cachedAnalysis struct {
	RequestID  string    `json:"request_id"`
	SourceName string    `json:"source_name"`
	Status     string    `json:"status"`
	ExitCode   int       `json:"exit_code"`
	DurationMS int64     `json:"duration_ms"`
	Detail     string    `json:"detail"`
	Hash       string    `json:"sha1_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewReconstructionUseCase constructs a new use case instance. maxConcurrent
// bounds the number of engine subprocesses allowed to run at once.
func NewReconstructionUseCase(repo JobRepository, cache Cache, runner engine.Runner, tempDir string, maxConcurrent int, logger *zap.Logger) *ReconstructionUseCase {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	// The child process resolves the image relative to its own working
	// directory, so the staged path must be absolute.
	if abs, err := filepath.Abs(tempDir); err == nil {
		tempDir = abs
	}
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &ReconstructionUseCase{
		repo:           repo,
		cache:          cache,
		runner:         runner,
		logger:         logger.Named("reconstruction_usecase"),
		tempDir:        tempDir,
		slots:          make(chan struct{}, maxConcurrent),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// Reconstruct persists the upload to a temp file, runs the analysis engine on
// it, and records the outcome. The engine's verdict is returned unchanged;
// bookkeeping failures are logged but never mask it.
func (uc *ReconstructionUseCase) Reconstruct(ctx context.Context, upload Upload) (string, *engine.Result, error) {
	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.reconstruct", requestID)
	opLogger.Info("reconstruction accepted",
		zap.String("source", upload.Filename),
		zap.Int("bytes", len(upload.Data)))

	select {
	case uc.slots <- struct{}{}:
	case <-ctx.Done():
		wrapped := logging.NewOperationError("usecase.acquire_slot", requestID, ctx.Err())
		opLogger.Warn("request abandoned while waiting for an engine slot", zap.Error(wrapped))
		return "", nil, wrapped
	}
	defer func() { <-uc.slots }()

	cacheKey := fmt.Sprintf("reconstruction:%s", requestID)
	if err := uc.withRedisRetry(ctx, requestID, "cache.set.processing", func() error {
		return uc.cache.Set(ctx, cacheKey, "processing", time.Minute)
	}); err != nil {
		opLogger.Warn("failed to set processing flag", zap.Error(err))
	}

	imagePath, err := uc.saveUpload(upload, requestID)
	if err != nil {
		wrapped := logging.NewOperationError("usecase.save_upload", requestID, fmt.Errorf("%w: %v", ErrSaveUpload, err))
		opLogger.Error("failed to stage uploaded image", zap.Error(wrapped))
		return "", nil, wrapped
	}

	var removeOnce sync.Once
	cleanup := func() {
		removeOnce.Do(func() {
			if err := os.Remove(imagePath); err != nil {
				opLogger.Warn("failed to remove temp image", zap.String("path", imagePath), zap.Error(err))
			}
		})
	}
	defer cleanup()

	started := time.Now()
	result, runErr := uc.runner.Analyze(ctx, imagePath)
	duration := time.Since(started)
	cleanup()

	hash := sha1.Sum(upload.Data)
	record := &repository.AnalysisRecord{
		RequestID:  requestID,
		SourceName: filepath.Base(upload.Filename),
		SHA1Hash:   hex.EncodeToString(hash[:]),
		DurationMS: duration.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	record.Status, record.ExitCode, record.Detail = classifyOutcome(result, runErr)

	if err := uc.repo.SaveRecord(ctx, record); err != nil {
		opLogger.Error("failed to persist analysis record", zap.Error(err))
	}

	if serialized, err := json.Marshal(cachedAnalysis{
		RequestID:  record.RequestID,
		SourceName: record.SourceName,
		Status:     record.Status,
		ExitCode:   record.ExitCode,
		DurationMS: record.DurationMS,
		Detail:     record.Detail,
		Hash:       record.SHA1Hash,
		CreatedAt:  record.CreatedAt,
	}); err != nil {
		opLogger.Error("failed to serialize analysis record", zap.Error(err))
	} else if err := uc.withRedisRetry(ctx, requestID, "cache.set.result", func() error {
		return uc.cache.Set(ctx, cacheKey, string(serialized), 5*time.Minute)
	}); err != nil {
		opLogger.Warn("failed to cache analysis record", zap.Error(err))
	}

	if runErr != nil {
		wrapped := logging.NewOperationError("usecase.engine_analyze", requestID, runErr)
		opLogger.Error("engine run failed",
			zap.String("status", record.Status),
			zap.Int64("duration_ms", record.DurationMS),
			zap.Error(wrapped))
		return requestID, nil, wrapped
	}

	opLogger.Info("engine run succeeded",
		zap.Int64("duration_ms", record.DurationMS),
		zap.Bool("reconstructed", result.HasReconstruction()))
	return requestID, result, nil
}

// GetJob retrieves a cached analysis record or loads it from persistence.
func (uc *ReconstructionUseCase) GetJob(ctx context.Context, requestID string) (*repository.AnalysisRecord, error) {
	cacheKey := fmt.Sprintf("reconstruction:%s", requestID)
	if cached, err := uc.withRedisGet(ctx, requestID, "cache.get.result", cacheKey); err == nil {
		var payload cachedAnalysis
		if err := json.Unmarshal([]byte(cached), &payload); err != nil {
			logging.WithOperation(uc.logger, "usecase.get_job", requestID).Warn("failed to decode cached record", zap.Error(err))
		} else {
			record := &repository.AnalysisRecord{
				RequestID:  requestID,
				SourceName: payload.SourceName,
				SHA1Hash:   payload.Hash,
				Status:     payload.Status,
				ExitCode:   payload.ExitCode,
				DurationMS: payload.DurationMS,
				Detail:     payload.Detail,
				CreatedAt:  payload.CreatedAt,
			}
			if payload.RequestID != "" {
				record.RequestID = payload.RequestID
			}
			return record, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		logging.WithOperation(uc.logger, "usecase.get_job", requestID).Warn("failed to read cache", zap.Error(err))
	}

	record, err := uc.repo.FindByRequestID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return record, nil
}

func (uc *ReconstructionUseCase) saveUpload(upload Upload, requestID string) (string, error) {
	path := filepath.Join(uc.tempDir, requestID+uploadExtension(upload.Filename))
	if err := os.WriteFile(path, upload.Data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// uploadExtension preserves the client's file extension when it is safe to
// embed in a path, and falls back to .jpg otherwise.
func uploadExtension(filename string) string {
	ext := strings.ToLower(filepath.Ext(filepath.Base(filename)))
	if ext == "" || ext == "." || len(ext) > 8 {
		return ".jpg"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".jpg"
		}
	}
	return ext
}

func classifyOutcome(result *engine.Result, runErr error) (status string, exitCode int, detail string) {
	if runErr == nil {
		return repository.StatusSucceeded, 0, fmt.Sprintf("reconstructed:%t bytes:%d", result.HasReconstruction(), len(result.Raw))
	}

	var exitErr *engine.ExitError
	if errors.As(runErr, &exitErr) {
		return repository.StatusEngineFailed, exitErr.ExitCode, exitErr.Stderr
	}

	var outErr *engine.OutputError
	if errors.As(runErr, &outErr) {
		return repository.StatusInvalidOutput, 0, outErr.Stdout
	}

	var timeoutErr *engine.TimeoutError
	if errors.As(runErr, &timeoutErr) {
		return repository.StatusTimedOut, -1, timeoutErr.Stderr
	}

	return repository.StatusEngineFailed, -1, runErr.Error()
}

func (uc *ReconstructionUseCase) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
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

		if errors.Is(err, redis.Nil) {
			return logging.NewOperationError(operation, requestID, err)
		}

		if !isTransientError(err) || attempt == uc.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func (uc *ReconstructionUseCase) withRedisGet(ctx context.Context, requestID, operation, cacheKey string) (string, error) {
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
