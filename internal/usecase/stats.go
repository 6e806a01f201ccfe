package usecase

import "context"

// StatsSummary represents aggregated prediction insights.
type StatsSummary struct {
	TotalPredictions     int64   `json:"total_predictions"`
	InferencePredictions int64   `json:"inference_predictions"`
	InferenceRate        float64 `json:"inference_rate"`
	AverageDetections    float64 `json:"average_detections"`
	AverageLatencyMs     float64 `json:"average_latency_ms"`
}

// GetStatsSummary aggregates prediction history from persisted logs.
func (uc *PredictionUseCase) GetStatsSummary(ctx context.Context) (*StatsSummary, error) {
	if uc.repo == nil {
		return nil, ErrHistoryDisabled
	}
	aggregation, err := uc.repo.AggregateStats(ctx)
	if err != nil {
		return nil, err
	}

	summary := &StatsSummary{
		TotalPredictions:     aggregation.TotalCount,
		InferencePredictions: aggregation.InferenceCount,
		AverageDetections:    aggregation.AverageDetections,
		AverageLatencyMs:     aggregation.AverageLatencyMs,
	}

	if aggregation.TotalCount > 0 {
		summary.InferenceRate = float64(aggregation.InferenceCount) / float64(aggregation.TotalCount)
	}

	return summary, nil
}
