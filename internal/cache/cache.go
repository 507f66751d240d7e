package cache

import (
	"context"
	"time"

	"medipos/backend/internal/domain"
)

// ReportCache holds short-lived read models (popularity ranking, stock
// alerts). Entries are plain JSON blobs; stores remain the source of truth.
type ReportCache interface {
	GetPopularity(ctx context.Context, key string) (*domain.PopularityReport, bool, error)
	SetPopularity(ctx context.Context, key string, value *domain.PopularityReport, ttl time.Duration) error
	GetAlerts(ctx context.Context, key string) (*domain.AlertReport, bool, error)
	SetAlerts(ctx context.Context, key string, value *domain.AlertReport, ttl time.Duration) error
}

type NoopReportCache struct{}

func (NoopReportCache) GetPopularity(_ context.Context, _ string) (*domain.PopularityReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) SetPopularity(_ context.Context, _ string, _ *domain.PopularityReport, _ time.Duration) error {
	return nil
}

func (NoopReportCache) GetAlerts(_ context.Context, _ string) (*domain.AlertReport, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) SetAlerts(_ context.Context, _ string, _ *domain.AlertReport, _ time.Duration) error {
	return nil
}
