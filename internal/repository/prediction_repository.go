package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/yolo-serve/internal/retry"
)

// ErrNotFound is returned when no prediction matches the lookup.
var ErrNotFound = errors.New("prediction not found")

// PredictionLog represents a persisted prediction request.
type PredictionLog struct {
	ID             uint      `gorm:"primaryKey"`
	RequestID      string    `gorm:"column:request_id;uniqueIndex;size:64"`
	Subject        string    `gorm:"column:subject;size:128;index"`
	ImagePath      string    `gorm:"column:image_path;type:text"`
	SHA1Hash       string    `gorm:"column:sha1_hash;size:40;index"`
	Adapter        string    `gorm:"column:adapter;size:32"`
	Mode           string    `gorm:"column:mode;size:16"`
	DetectionCount int       `gorm:"column:detection_count"`
	LatencyMs      int64     `gorm:"column:latency_ms"`
	Result         string    `gorm:"column:result;type:text"`
	CreatedAt      time.Time `gorm:"column:created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// Aggregation is the raw summary computed over all prediction logs.
type Aggregation struct {
	TotalCount        int64
	InferenceCount    int64
	AverageDetections float64
	AverageLatencyMs  float64
}

// PredictionRepository provides persistence APIs for prediction logs.
type PredictionRepository struct {
	db     *gorm.DB
	logger *zap.Logger
	policy retry.Policy
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:     db,
		logger: logger.Named("prediction_repository"),
		policy: retry.DefaultPolicy,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.executeWithRetry(ctx, "repository.auto_migrate", "", func() error {
		return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
	})
}

// SaveLog persists a prediction log entry.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// FindByRequestID retrieves the prediction log for requestID.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.executeWithRetry(ctx, "repository.find_by_request_id", requestID, func() error {
		err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// AggregateStats summarises every stored prediction.
func (r *PredictionRepository) AggregateStats(ctx context.Context) (*Aggregation, error) {
	var row struct {
		TotalCount        int64
		InferenceCount    int64
		AverageDetections float64
		AverageLatencyMs  float64
	}
	err := r.executeWithRetry(ctx, "repository.aggregate_stats", "", func() error {
		return r.db.WithContext(ctx).
			Model(&PredictionLog{}).
			Select(
				"COUNT(*) AS total_count, " +
					"COALESCE(SUM(CASE WHEN mode = 'inference' THEN 1 ELSE 0 END), 0) AS inference_count, " +
					"COALESCE(AVG(detection_count), 0) AS average_detections, " +
					"COALESCE(AVG(latency_ms), 0) AS average_latency_ms",
			).
			Scan(&row).Error
	})
	if err != nil {
		return nil, err
	}
	return &Aggregation{
		TotalCount:        row.TotalCount,
		InferenceCount:    row.InferenceCount,
		AverageDetections: row.AverageDetections,
		AverageLatencyMs:  row.AverageLatencyMs,
	}, nil
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	return retry.Do(ctx, r.logger, r.policy, operation, requestID, fn)
}
