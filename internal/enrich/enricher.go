package enrich

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/linnemanlabs/aria/internal/classify"
	"github.com/linnemanlabs/aria/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aria/internal/enrich")

const (
	// DefaultTimeout bounds the whole fan-out for one report.
	DefaultTimeout = 5 * time.Second

	maxConcurrentQueries = 4
	assetPlaceholder     = "{{asset}}"
)

// QueryEvent describes one signal query.
type QueryEvent struct {
	Signal   string
	Source   string
	Duration float64 // seconds
	Err      error
}

// Hooks are optional callbacks invoked by the Enricher. Nil funcs are skipped.
type Hooks struct {
	OnQuery func(e *QueryEvent)
}

// Enricher resolves classify.Signals into values for a report.
type Enricher struct {
	sources map[string]Querier
	timeout time.Duration
	logger  log.Logger
	hooks   Hooks
}

// New creates an Enricher with no sources. A non-positive timeout uses DefaultTimeout.
func New(logger log.Logger, timeout time.Duration, hooks Hooks) *Enricher {
	if logger == nil {
		logger = log.Nop()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Enricher{
		sources: make(map[string]Querier),
		timeout: timeout,
		logger:  logger,
		hooks:   hooks,
	}
}

// Register sets the querier for a signal source such as classify.SourceLoki.
// Not safe to call concurrently with Enrich.
func (e *Enricher) Register(source string, q Querier) {
	e.sources[source] = q
}

// Enabled reports whether any source is registered.
func (e *Enricher) Enabled() bool {
	return e != nil && len(e.sources) > 0
}

// Enrich runs the given signals for r concurrently and returns the values that
// resolved. Signals whose source is not registered are skipped. Failed queries
// are logged and omitted, so the result may be empty but is never nil.
func (e *Enricher) Enrich(ctx context.Context, r *incident.Report, signals []classify.Signal) map[string]float64 {
	out := make(map[string]float64, len(signals))
	if !e.Enabled() || len(signals) == 0 {
		return out
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(maxConcurrentQueries)

	for _, sig := range signals {
		q, ok := e.sources[sig.Source]
		if !ok {
			continue
		}
		g.Go(func() error {
			v, err := e.run(ctx, q, sig, r.Asset)
			if err != nil {
				if !errors.Is(err, ErrNoData) {
					e.logger.Warn(ctx, "signal query failed",
						"signal", sig.Name,
						"source", sig.Source,
						"err", err,
					)
				}
				return nil
			}
			mu.Lock()
			out[sig.Name] = v
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return out
}

func (e *Enricher) run(ctx context.Context, q Querier, sig classify.Signal, asset string) (float64, error) {
	ctx, span := tracer.Start(ctx, "enrich.signal", trace.WithAttributes(
		attribute.String("aria.signal.name", sig.Name),
		attribute.String("aria.signal.source", sig.Source),
	))
	defer span.End()

	start := time.Now()
	v, err := q.Query(ctx, RenderQuery(sig.Query, asset))
	dur := time.Since(start).Seconds()

	if e.hooks.OnQuery != nil {
		e.hooks.OnQuery(&QueryEvent{Signal: sig.Name, Source: sig.Source, Duration: dur, Err: err})
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	span.SetAttributes(attribute.Float64("aria.signal.value", v))
	return v, nil
}

// RenderQuery substitutes the asset into query, escaped for use inside a
// double-quoted label matcher or line filter.
func RenderQuery(query, asset string) string {
	return strings.ReplaceAll(query, assetPlaceholder, escapeLabelValue(asset))
}

var labelEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

func escapeLabelValue(s string) string {
	return labelEscaper.Replace(strings.TrimSpace(s))
}
