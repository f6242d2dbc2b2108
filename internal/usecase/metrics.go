package usecase

import "context"

// MetricsSummary represents aggregated verification insights.
type MetricsSummary struct {
	TotalRequests     int64            `json:"total_requests"`
	ResolvedRequests  int64            `json:"resolved_requests"`
	MatchedRequests   int64            `json:"matched_requests"`
	MatchRate         float64          `json:"match_rate"`
	AverageSimilarity float64          `json:"average_similarity"`
	AverageLatencyMs  float64          `json:"average_latency_ms"`
	ErrorsByKind      map[string]int64 `json:"errors_by_kind"`
}

// GetMetricsSummary aggregates verification metrics from persisted records.
func (uc *VerificationUseCase) GetMetricsSummary(ctx context.Context) (*MetricsSummary, error) {
	if uc.repo == nil {
		return nil, ErrNoRecordStore
	}
	aggregation, err := uc.repo.AggregateMetrics(ctx)
	if err != nil {
		return nil, err
	}

	summary := &MetricsSummary{
		TotalRequests:     aggregation.TotalCount,
		ResolvedRequests:  aggregation.ResolvedCount,
		MatchedRequests:   aggregation.MatchCount,
		AverageSimilarity: aggregation.AverageSimilarity,
		AverageLatencyMs:  aggregation.AverageLatencyMs,
		ErrorsByKind:      aggregation.ByErrorKind,
	}

	if aggregation.ResolvedCount > 0 {
		summary.MatchRate = float64(aggregation.MatchCount) / float64(aggregation.ResolvedCount)
	}

	return summary, nil
}
