package tracking

import (
	"context"
	"fmt"
)

// UsageSummary 使用统计汇总
type UsageSummary struct {
	TotalRequests   int64            `json:"total_requests"`
	SuccessRequests int64            `json:"success_requests"`
	FailedRequests  int64            `json:"failed_requests"`
	TotalTokens     int64            `json:"total_tokens"`
	AvgDurationMs   float64          `json:"avg_duration_ms"`
	ByModel         []ModelUsage     `json:"by_model"`
	ByStatus        map[string]int64 `json:"by_status"`
}

// ModelUsage 按模型统计
type ModelUsage struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
}

// GetSummary 查询使用统计汇总
func (ut *UsageTracker) GetSummary(ctx context.Context) (*UsageSummary, error) {
	db := ut.adapter.GetDB()
	summary := &UsageSummary{
		ByStatus: make(map[string]int64),
	}

	row := db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(total_tokens), 0),
		       COALESCE(AVG(duration_ms), 0)
		FROM request_logs`)
	if err := row.Scan(&summary.TotalRequests, &summary.SuccessRequests,
		&summary.TotalTokens, &summary.AvgDurationMs); err != nil {
		return nil, fmt.Errorf("failed to query usage totals: %w", err)
	}
	summary.FailedRequests = summary.TotalRequests - summary.SuccessRequests

	statusRows, err := db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM request_logs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to query status breakdown: %w", err)
	}
	defer statusRows.Close()
	for statusRows.Next() {
		var status string
		var count int64
		if err := statusRows.Scan(&status, &count); err != nil {
			return nil, err
		}
		summary.ByStatus[status] = count
	}
	if err := statusRows.Err(); err != nil {
		return nil, err
	}

	modelRows, err := db.QueryContext(ctx, `
		SELECT model, COUNT(*),
		       COALESCE(SUM(prompt_tokens), 0),
		       COALESCE(SUM(completion_tokens), 0),
		       COALESCE(SUM(total_tokens), 0)
		FROM request_logs
		GROUP BY model
		ORDER BY COUNT(*) DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query model breakdown: %w", err)
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var mu ModelUsage
		if err := modelRows.Scan(&mu.Model, &mu.Requests,
			&mu.PromptTokens, &mu.CompletionTokens, &mu.TotalTokens); err != nil {
			return nil, err
		}
		summary.ByModel = append(summary.ByModel, mu)
	}
	if err := modelRows.Err(); err != nil {
		return nil, err
	}

	return summary, nil
}
