package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"
)

// Config holds application-specific configuration. Shared concerns (logging,
// tracing, profiling, ops listener) register their own go-core configs.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIHost               string
	APIPort               int
	Workers               int
	MaxBodyBytes          int64
	RulesFile             string
	SeedFile              string
	EnrichTimeout         time.Duration
	PrometheusEndpoint    string
	PrometheusTenantID    string
	LokiEndpoint          string
	LokiTenantID          string
	SlackWebhookURL       string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 5, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 30, "total seconds for component shutdown after drain (1..300)")
	fs.StringVar(&c.APIHost, "http-host", "127.0.0.1", "API listen address (0.0.0.0 in production)")
	fs.IntVar(&c.APIPort, "http-port", 8000, "API listen TCP port (1..65535)")
	fs.IntVar(&c.Workers, "workers", 4, "concurrent incident processing workers (1..256)")
	fs.Int64Var(&c.MaxBodyBytes, "max-body-bytes", 64*1024, "maximum API request body size in bytes (1024..10485760)")
	fs.StringVar(&c.RulesFile, "rules-file", "", "YAML classification rule set (empty = built-in rules)")
	fs.StringVar(&c.SeedFile, "seed-file", "", "YAML file of incident reports to load at startup")
	fs.DurationVar(&c.EnrichTimeout, "enrich-timeout", 5*time.Second, "time budget for signal queries per incident (0 < t <= 1m)")
	fs.StringVar(&c.PrometheusEndpoint, "prometheus-endpoint", "", "Prometheus endpoint for signal enrichment (empty = disabled)")
	fs.StringVar(&c.PrometheusTenantID, "prometheus-tenant-id", "", "Prometheus tenant ID for multi-tenant setups")
	fs.StringVar(&c.LokiEndpoint, "loki-endpoint", "", "Loki endpoint for signal enrichment (empty = disabled)")
	fs.StringVar(&c.LokiTenantID, "loki-tenant-id", "", "Loki tenant ID for multi-tenant setups")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for escalation notifications")
}

// Addr returns the API listen address in host:port form.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.APIHost, strconv.Itoa(c.APIPort))
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// Listen address
	if c.APIHost == "" {
		errs = append(errs, errors.New("HTTP_HOST is required"))
	} else if _, _, err := net.SplitHostPort(c.APIHost); err == nil {
		errs = append(errs, fmt.Errorf("invalid HTTP_HOST %q (must not include a port)", c.APIHost))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.Workers <= 0 || c.Workers > 256 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..256)", c.Workers))
	}
	if c.MaxBodyBytes < 1024 || c.MaxBodyBytes > 10<<20 {
		errs = append(errs, fmt.Errorf("invalid MAX_BODY_BYTES %d (must be 1024..10485760)", c.MaxBodyBytes))
	}
	if c.EnrichTimeout <= 0 || c.EnrichTimeout > time.Minute {
		errs = append(errs, fmt.Errorf("invalid ENRICH_TIMEOUT %s (must be > 0 and <= 1m)", c.EnrichTimeout))
	}

	// Optional integrations must be absolute http(s) URLs when set
	for _, u := range []struct{ name, value string }{
		{"PROMETHEUS_ENDPOINT", c.PrometheusEndpoint},
		{"LOKI_ENDPOINT", c.LokiEndpoint},
		{"SLACK_WEBHOOK_URL", c.SlackWebhookURL},
	} {
		if u.value == "" {
			continue
		}
		if err := checkURL(u.value); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", u.name, err))
		}
	}

	// A tenant without an endpoint is almost certainly a typo
	if c.PrometheusTenantID != "" && c.PrometheusEndpoint == "" {
		errs = append(errs, errors.New("PROMETHEUS_TENANT_ID set without PROMETHEUS_ENDPOINT"))
	}
	if c.LokiTenantID != "" && c.LokiEndpoint == "" {
		errs = append(errs, errors.New("LOKI_TENANT_ID set without LOKI_ENDPOINT"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q (must be http or https)", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	return nil
}
