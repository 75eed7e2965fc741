package enrich

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/aria/internal/classify"
	"github.com/linnemanlabs/aria/internal/incident"
)

type mockQuerier struct {
	mu      sync.Mutex
	values  map[string]float64
	errs    map[string]error
	delay   time.Duration
	queries []string
}

func (m *mockQuerier) Query(ctx context.Context, query string) (float64, error) {
	m.mu.Lock()
	m.queries = append(m.queries, query)
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if err, ok := m.errs[query]; ok {
		return 0, err
	}
	return m.values[query], nil
}

func testReport() *incident.Report {
	return &incident.Report{
		Category:    incident.CategorySuspiciousLogin,
		Description: "odd sign-in",
		Asset:       `vpn:"jdoe"`,
		Timestamp:   time.Now(),
	}
}

func TestRenderQuery(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query, asset, want string
	}{
		{`up{host="{{asset}}"}`, "web-1", `up{host="web-1"}`},
		{`up{host="{{asset}}"}`, ` web-1 `, `up{host="web-1"}`},
		{`{job="auth"} |= "{{asset}}"`, `a"b\c`, `{job="auth"} |= "a\"b\\c"`},
		{`sum(up)`, "ignored", `sum(up)`},
		{`{{asset}}-{{asset}}`, "x", `x-x`},
	}
	for _, tt := range tests {
		if got := RenderQuery(tt.query, tt.asset); got != tt.want {
			t.Errorf("RenderQuery(%q, %q) = %q, want %q", tt.query, tt.asset, got, tt.want)
		}
	}
}

func TestEnrich_CollectsSignals(t *testing.T) {
	t.Parallel()

	prom := &mockQuerier{values: map[string]float64{`edr{host="vpn:\"jdoe\""}`: 3}}
	loki := &mockQuerier{values: map[string]float64{`auth "vpn:\"jdoe\""`: 60}}

	e := New(log.Nop(), time.Second, Hooks{})
	e.Register(classify.SourcePrometheus, prom)
	e.Register(classify.SourceLoki, loki)

	got := e.Enrich(context.Background(), testReport(), []classify.Signal{
		{Name: "edr", Source: classify.SourcePrometheus, Query: `edr{host="{{asset}}"}`},
		{Name: "auth", Source: classify.SourceLoki, Query: `auth "{{asset}}"`},
	})

	if len(got) != 2 || got["edr"] != 3 || got["auth"] != 60 {
		t.Errorf("signals = %v", got)
	}
}

func TestEnrich_SkipsFailuresAndUnknownSources(t *testing.T) {
	t.Parallel()

	prom := &mockQuerier{
		values: map[string]float64{"ok": 1},
		errs: map[string]error{
			"boom":  errors.New("connection refused"),
			"empty": ErrNoData,
		},
	}

	var mu sync.Mutex
	events := make(map[string]error)
	e := New(log.Nop(), time.Second, Hooks{OnQuery: func(ev *QueryEvent) {
		mu.Lock()
		events[ev.Signal] = ev.Err
		mu.Unlock()
	}})
	e.Register(classify.SourcePrometheus, prom)

	got := e.Enrich(context.Background(), testReport(), []classify.Signal{
		{Name: "ok", Source: classify.SourcePrometheus, Query: "ok"},
		{Name: "boom", Source: classify.SourcePrometheus, Query: "boom"},
		{Name: "empty", Source: classify.SourcePrometheus, Query: "empty"},
		{Name: "logs", Source: classify.SourceLoki, Query: "logs"},
	})

	if len(got) != 1 || got["ok"] != 1 {
		t.Errorf("signals = %v, want only ok", got)
	}
	if len(events) != 3 {
		t.Errorf("query events = %d, want 3", len(events))
	}
	if events["boom"] == nil {
		t.Error("expected error event for boom")
	}
	if _, ok := events["logs"]; ok {
		t.Error("unregistered source should not be queried")
	}
}

func TestEnrich_Timeout(t *testing.T) {
	t.Parallel()

	slow := &mockQuerier{values: map[string]float64{"slow": 1}, delay: 5 * time.Second}
	e := New(log.Nop(), 50*time.Millisecond, Hooks{})
	e.Register(classify.SourcePrometheus, slow)

	start := time.Now()
	got := e.Enrich(context.Background(), testReport(), []classify.Signal{
		{Name: "slow", Source: classify.SourcePrometheus, Query: "slow"},
	})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Enrich took %v, want it bounded by the timeout", elapsed)
	}
	if len(got) != 0 {
		t.Errorf("signals = %v, want none", got)
	}
}

func TestEnrich_Disabled(t *testing.T) {
	t.Parallel()

	var nilEnricher *Enricher
	if nilEnricher.Enabled() {
		t.Error("nil enricher should be disabled")
	}
	if got := nilEnricher.Enrich(context.Background(), testReport(), []classify.Signal{{Name: "x"}}); got == nil || len(got) != 0 {
		t.Errorf("nil enricher result = %v, want empty map", got)
	}

	e := New(nil, 0, Hooks{})
	if e.Enabled() {
		t.Error("enricher with no sources should be disabled")
	}
	if e.timeout != DefaultTimeout {
		t.Errorf("timeout = %v, want %v", e.timeout, DefaultTimeout)
	}
}

func TestMetricsHooks(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := m.Hooks()

	h.OnQuery(&QueryEvent{Signal: "a", Source: "loki", Duration: 0.1})
	h.OnQuery(&QueryEvent{Signal: "a", Source: "loki", Duration: 0.1, Err: errors.New("x")})
	h.OnQuery(&QueryEvent{Signal: "a", Source: "loki", Duration: 0.1, Err: ErrNoData})

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	statuses := make(map[string]float64)
	for _, mf := range mfs {
		if mf.GetName() != "aria_signal_queries_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "status" {
					statuses[lp.GetValue()] += metric.GetCounter().GetValue()
				}
			}
		}
	}
	for _, s := range []string{"success", "error", "no_data"} {
		if statuses[s] != 1 {
			t.Errorf("status %q = %v, want 1", s, statuses[s])
		}
	}
}
