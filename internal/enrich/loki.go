package enrich

import (
	"context"
	"net/http"
	"time"
)

// LokiQuery runs LogQL metric queries (count_over_time, rate, ...) against Loki.
// Log stream queries are not supported since they do not reduce to a number.
type LokiQuery struct {
	client instantClient
}

// NewLokiQuery creates a querier for endpoint. tenantID is sent as
// X-Scope-OrgID when non-empty.
func NewLokiQuery(endpoint, tenantID string) *LokiQuery {
	return &LokiQuery{
		client: instantClient{
			name:       "loki",
			endpoint:   endpoint,
			apiPath:    "/loki/api/v1/query",
			tenantID:   tenantID,
			httpClient: &http.Client{Timeout: 30 * time.Second},
		},
	}
}

// Query evaluates a LogQL metric expression at the current time.
func (l *LokiQuery) Query(ctx context.Context, query string) (float64, error) {
	return l.client.query(ctx, query)
}
