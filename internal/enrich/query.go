// Package enrich fetches external signals for an incident report before it is
// classified. Signals are instant queries against Prometheus-compatible and
// Loki metric endpoints that reduce to a single number.
package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
)

const (
	successStatus = "success"
	maxBodyBytes  = 1 << 20 // 1 MB
)

// ErrNoData is returned when a query succeeds but yields no samples.
var ErrNoData = errors.New("query returned no data")

// Querier evaluates an instant query and returns its value.
type Querier interface {
	Query(ctx context.Context, query string) (float64, error)
}

// instantClient is the HTTP plumbing shared by the Prometheus and Loki queriers.
type instantClient struct {
	name       string
	endpoint   string
	apiPath    string
	tenantID   string
	httpClient *http.Client
}

type instantResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Data   struct {
		ResultType string          `json:"resultType"`
		Result     json.RawMessage `json:"result"`
	} `json:"data"`
}

type vectorSample struct {
	Metric map[string]string `json:"metric"`
	Value  [2]any            `json:"value"`
}

func (c *instantClient) query(ctx context.Context, query string) (float64, error) {
	if query == "" {
		return 0, errors.New("query is required")
	}

	u, err := url.Parse(c.endpoint)
	if err != nil {
		return 0, fmt.Errorf("invalid endpoint: %w", err)
	}
	u.Path = path.Join(u.Path, c.apiPath)

	q := u.Query()
	q.Set("query", query)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if c.tenantID != "" {
		req.Header.Set("X-Scope-OrgID", c.tenantID)
	}

	resp, err := c.httpClient.Do(req) //nolint:gosec // endpoint is set at construction from config
	if err != nil {
		return 0, fmt.Errorf("%s query failed: %w", c.name, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%s returned %d: %s", c.name, resp.StatusCode, string(body))
	}

	return parseInstant(body)
}

// parseInstant reduces an instant query response to one number. Vectors are
// summed across series; scalars are returned as is.
func parseInstant(body []byte) (float64, error) {
	var ir instantResponse
	if err := json.Unmarshal(body, &ir); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	if ir.Status != successStatus {
		return 0, fmt.Errorf("query failed: %s", ir.Error)
	}

	switch ir.Data.ResultType {
	case "scalar":
		var pair [2]any
		if err := json.Unmarshal(ir.Data.Result, &pair); err != nil {
			return 0, fmt.Errorf("decode scalar: %w", err)
		}
		return sampleValue(pair)
	case "vector":
		var samples []vectorSample
		if err := json.Unmarshal(ir.Data.Result, &samples); err != nil {
			return 0, fmt.Errorf("decode vector: %w", err)
		}
		if len(samples) == 0 {
			return 0, ErrNoData
		}
		var sum float64
		for _, s := range samples {
			v, err := sampleValue(s.Value)
			if err != nil {
				return 0, err
			}
			sum += v
		}
		return sum, nil
	default:
		return 0, fmt.Errorf("unsupported result type %q", ir.Data.ResultType)
	}
}

// sampleValue extracts the value from a [timestamp, "value"] pair.
func sampleValue(pair [2]any) (float64, error) {
	s, ok := pair[1].(string)
	if !ok {
		return 0, fmt.Errorf("sample value is %T, want string", pair[1])
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sample value: %w", err)
	}
	return v, nil
}
