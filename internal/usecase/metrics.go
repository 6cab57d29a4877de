package usecase

import "context"

// MetricsSummary represents aggregated reconstruction insights.
type MetricsSummary struct {
	TotalJobs     int64   `json:"total_jobs"`
	Succeeded     int64   `json:"succeeded"`
	Failed        int64   `json:"failed"`
	SuccessRate   float64 `json:"success_rate"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// GetMetricsSummary aggregates reconstruction metrics from persisted records.
func (uc *ReconstructionUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalJobs:     aggregation.TotalJobs,
		Succeeded:     aggregation.Succeeded,
		Failed:        aggregation.TotalJobs - aggregation.Succeeded,
		AvgDurationMS: aggregation.AvgDurationMS,
	}

	if aggregation.TotalJobs > 0 {
		summary.SuccessRate = float64(aggregation.Succeeded) / float64(aggregation.TotalJobs)
	}

	return summary, nil
}
