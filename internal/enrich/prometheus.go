package enrich

import (
	"context"
	"net/http"
	"time"
)

// PrometheusQuery runs PromQL instant queries against a Prometheus/Mimir endpoint.
type PrometheusQuery struct {
	client instantClient
}

// NewPrometheusQuery creates a querier for endpoint. tenantID is sent as
// X-Scope-OrgID when non-empty.
func NewPrometheusQuery(endpoint, tenantID string) *PrometheusQuery {
	return &PrometheusQuery{
		client: instantClient{
			name:       "prometheus",
			endpoint:   endpoint,
			apiPath:    "/api/v1/query",
			tenantID:   tenantID,
			httpClient: &http.Client{Timeout: 30 * time.Second},
		},
	}
}

// Query evaluates a PromQL expression at the current time.
func (p *PrometheusQuery) Query(ctx context.Context, query string) (float64, error) {
	return p.client.query(ctx, query)
}
