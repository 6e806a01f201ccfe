package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/yolo-serve/internal/detection"
	"github.com/example/yolo-serve/internal/logging"
	"github.com/example/yolo-serve/internal/metrics"
	"github.com/example/yolo-serve/internal/repository"
	"github.com/example/yolo-serve/internal/retry"
	"github.com/example/yolo-serve/internal/upload"
)

var (
	// ErrNoModel is returned by Predict when the server runs without a model.
	ErrNoModel = errors.New("model not loaded")
	// ErrHistoryDisabled means neither a database nor a cache is configured.
	ErrHistoryDisabled = errors.New("prediction history is disabled")
	// ErrNotFound means no stored prediction matches the request id.
	ErrNotFound = errors.New("prediction not found")
)

// InferenceError reports a model failure, including a recovered panic.
type InferenceError struct {
	RequestID string
	Err       error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference failed: %v", e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// PredictionRepository defines the persistence operations needed by the use case.
type PredictionRepository interface {
	SaveLog(ctx context.Context, log *repository.PredictionLog) error
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
	AggregateStats(ctx context.Context) (*repository.Aggregation, error)
}

// StoredPrediction is a prediction read back from the cache or the database.
type StoredPrediction struct {
	RequestID string            `json:"request_id"`
	Subject   string            `json:"subject,omitempty"`
	Path      string            `json:"path"`
	SHA1      string            `json:"sha1"`
	Result    *detection.Result `json:"result"`
	CreatedAt time.Time         `json:"created_at"`
}

// PredictionUseCase runs uploads through the model and records the outcome.
type PredictionUseCase struct {
	model   detection.Model
	repo    PredictionRepository
	cache   Cache
	metrics *metrics.Metrics
	logger  *zap.Logger
	policy  retry.Policy
}

// NewPredictionUseCase constructs a new use case instance. model, repo,
// cache and m may each be nil.
func NewPredictionUseCase(model detection.Model, repo PredictionRepository, cache Cache, m *metrics.Metrics, logger *zap.Logger) *PredictionUseCase {
	return &PredictionUseCase{
		model:   model,
		repo:    repo,
		cache:   cache,
		metrics: m,
		logger:  logger.Named("prediction_usecase"),
		policy:  retry.DefaultPolicy,
	}
}

// HasModel reports whether predictions will run a model at all.
func (uc *PredictionUseCase) HasModel() bool {
	return uc.model != nil
}

// ModelMeta describes the configured model, or nil when there is none.
func (uc *PredictionUseCase) ModelMeta() *detection.ModelMeta {
	if uc.model == nil {
		return nil
	}
	meta := uc.model.Meta()
	return &meta
}

// HistoryEnabled reports whether GetResult and GetStatsSummary can answer.
func (uc *PredictionUseCase) HistoryEnabled() bool {
	return uc.repo != nil || uc.cache != nil
}

// Predict runs the model on a stored upload. The model call happens on its
// own goroutine and is awaited without a deadline; params reach the model
// through the context. Recording history is best-effort and never changes
// the returned outcome.
func (uc *PredictionUseCase) Predict(ctx context.Context, file *upload.File, subject string, params url.Values) (string, *detection.Result, error) {
	if uc.model == nil {
		return "", nil, ErrNoModel
	}

	requestID := uuid.NewString()
	opLogger := logging.WithOperation(uc.logger, "usecase.predict", requestID)

	start := time.Now()
	result, err := uc.infer(detection.WithParams(ctx, params), file.Path)
	latency := time.Since(start)

	mode := uc.model.Meta().Mode
	if result != nil {
		mode = result.Model.Mode
	}
	uc.metrics.ObserveInference(mode, latency, detectionCount(result), err)

	if err != nil {
		wrapped := &InferenceError{RequestID: requestID, Err: err}
		opLogger.Error("inference failed", zap.String("path", file.Path), zap.Error(err))
		return requestID, nil, wrapped
	}

	opLogger.Info("prediction completed",
		zap.String("mode", mode),
		zap.Int("detections", len(result.Detections)),
		zap.Duration("latency", latency),
	)

	stored := &StoredPrediction{
		RequestID: requestID,
		Subject:   subject,
		Path:      file.Path,
		SHA1:      file.SHA1,
		Result:    result,
		CreatedAt: time.Now().UTC(),
	}
	uc.record(context.WithoutCancel(ctx), stored, latency)
	return requestID, result, nil
}

func (uc *PredictionUseCase) infer(ctx context.Context, path string) (*detection.Result, error) {
	type outcome struct {
		result *detection.Result
		err    error
	}
	done := make(chan outcome, 1)
	finished := uc.metrics.InferenceStarted()
	defer finished()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("model panicked: %v", r)}
			}
		}()
		res, err := uc.model.Infer(ctx, path)
		if err == nil && res == nil {
			err = errors.New("model returned no result")
		}
		done <- outcome{result: res, err: err}
	}()

	out := <-done
	return out.result, out.err
}

func (uc *PredictionUseCase) record(ctx context.Context, stored *StoredPrediction, latency time.Duration) {
	opLogger := logging.WithOperation(uc.logger, "usecase.record", stored.RequestID)

	serialized, err := json.Marshal(stored)
	if err != nil {
		opLogger.Warn("failed to serialize prediction", zap.Error(err))
		return
	}

	if uc.repo != nil {
		resultJSON, _ := json.Marshal(stored.Result)
		log := &repository.PredictionLog{
			RequestID:      stored.RequestID,
			Subject:        stored.Subject,
			ImagePath:      stored.Path,
			SHA1Hash:       stored.SHA1,
			Adapter:        stored.Result.Model.Adapter,
			Mode:           stored.Result.Model.Mode,
			DetectionCount: len(stored.Result.Detections),
			LatencyMs:      latency.Milliseconds(),
			Result:         string(resultJSON),
			CreatedAt:      stored.CreatedAt,
		}
		if err := uc.repo.SaveLog(ctx, log); err != nil {
			opLogger.Warn("failed to persist prediction log", zap.Error(err))
		}
	}

	if uc.cache != nil {
		if err := retry.Do(ctx, uc.logger, uc.policy, "cache.set.result", stored.RequestID, func() error {
			return uc.cache.Put(ctx, stored.RequestID, serialized)
		}); err != nil {
			opLogger.Warn("failed to cache prediction", zap.Error(err))
		}
	}
}

// GetResult retrieves a cached prediction or loads it from persistence. A
// non-empty subject only sees predictions it made itself.
func (uc *PredictionUseCase) GetResult(ctx context.Context, subject, requestID string) (*StoredPrediction, error) {
	if !uc.HistoryEnabled() {
		return nil, ErrHistoryDisabled
	}
	opLogger := logging.WithOperation(uc.logger, "usecase.get_result", requestID)

	if uc.cache != nil {
		cached, err := uc.cachedResult(ctx, requestID)
		switch {
		case err == nil:
			return ownedBy(cached, subject)
		case !errors.Is(err, redis.Nil):
			opLogger.Warn("failed to read cache", zap.Error(err))
		}
	}

	if uc.repo == nil {
		return nil, ErrNotFound
	}
	log, err := uc.repo.FindByRequestID(ctx, requestID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	stored := &StoredPrediction{
		RequestID: log.RequestID,
		Subject:   log.Subject,
		Path:      log.ImagePath,
		SHA1:      log.SHA1Hash,
		CreatedAt: log.CreatedAt,
	}
	if log.Result != "" {
		var result detection.Result
		if err := json.Unmarshal([]byte(log.Result), &result); err != nil {
			opLogger.Warn("failed to decode stored result", zap.Error(err))
		} else {
			stored.Result = &result
		}
	}
	return ownedBy(stored, subject)
}

func (uc *PredictionUseCase) cachedResult(ctx context.Context, requestID string) (*StoredPrediction, error) {
	var raw []byte
	err := retry.Do(ctx, uc.logger, uc.policy, "cache.get.result", requestID, func() error {
		value, err := uc.cache.Fetch(ctx, requestID)
		if err != nil {
			return err
		}
		raw = value
		return nil
	})
	if err != nil {
		return nil, err
	}

	var stored StoredPrediction
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode cached prediction: %w", err)
	}
	return &stored, nil
}

func ownedBy(stored *StoredPrediction, subject string) (*StoredPrediction, error) {
	if subject != "" && stored.Subject != "" && stored.Subject != subject {
		return nil, ErrNotFound
	}
	return stored, nil
}

func detectionCount(r *detection.Result) int {
	if r == nil {
		return 0
	}
	return len(r.Detections)
}
