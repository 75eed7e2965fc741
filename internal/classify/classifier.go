// Package classify assigns a deterministic risk assessment to an incident
// report using a YAML rule set. The classifier is a total function over valid
// reports: every report that passes validation yields exactly one assessment.
package classify

import (
	"context"
	"math"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/aria/internal/incident"
)

var tracer = otel.Tracer("github.com/linnemanlabs/aria/internal/classify")

const (
	baseConfidence  = 0.5
	matchConfidence = 0.1
	maxConfidence   = 0.95
)

// Event describes a single completed classification.
type Event struct {
	Category incident.Category
	Severity incident.Severity
	Action   incident.Action
	Score    int
	Rules    []string
	Duration float64 // seconds
}

// Hooks are optional callbacks invoked by the Classifier. Nil funcs are skipped.
type Hooks struct {
	OnClassify func(e *Event)
	OnInvalid  func()
}

// Classifier maps incident reports to risk assessments.
type Classifier struct {
	rules *RuleSet
	hooks Hooks
	now   func() time.Time
}

// New creates a Classifier over rs.
func New(rs *RuleSet, hooks Hooks) *Classifier {
	return &Classifier{
		rules: rs,
		hooks: hooks,
		now:   time.Now,
	}
}

// RuleSet returns the rule set the classifier evaluates.
func (c *Classifier) RuleSet() *RuleSet { return c.rules }

// Classify validates r and returns its assessment. signals holds optional
// enrichment values keyed by signal name and may be nil. r is never modified.
// Invalid reports yield an *incident.InvalidInputError.
func (c *Classifier) Classify(ctx context.Context, r *incident.Report, signals map[string]float64) (*incident.Assessment, error) {
	start := c.now()

	if err := r.Validate(); err != nil {
		if c.hooks.OnInvalid != nil {
			c.hooks.OnInvalid()
		}
		return nil, err
	}

	n := r.Normalized()

	_, span := tracer.Start(ctx, "classify.report", trace.WithAttributes(
		attribute.String("aria.incident.category", string(n.Category)),
		attribute.String("aria.rules.version", c.rules.version),
		attribute.Int("aria.signals.count", len(signals)),
	))
	defer span.End()

	text := n.Title + "\n" + n.Description
	subj := &subject{
		report:  &n,
		text:    text,
		lower:   strings.ToLower(text),
		signals: signals,
	}

	profile := c.rules.categories[n.Category]
	score := profile.base
	findings := make([]incident.Finding, 0, 4)
	matched := make([]string, 0, 4)

	for i := range c.rules.rules {
		ru := &c.rules.rules[i]
		if !ru.matches(subj) {
			continue
		}
		score += ru.points
		findings = append(findings, incident.Finding{
			Rule:        ru.id,
			Description: ru.description,
			Points:      ru.points,
		})
		matched = append(matched, ru.id)
	}
	score = clamp(score, 0, 100)

	sev := c.rules.thresholds.severity(score)
	action := c.rules.thresholds.action(sev, score)

	a := &incident.Assessment{
		Severity:       sev,
		Action:         action,
		Score:          score,
		Confidence:     confidence(len(findings)),
		Findings:       findings,
		Playbook:       c.rules.Playbook(n.Category),
		RuleSetVersion: c.rules.version,
		AssessedAt:     c.now().UTC(),
	}

	span.SetAttributes(
		attribute.String("aria.assessment.severity", string(sev)),
		attribute.String("aria.assessment.action", string(action)),
		attribute.Int("aria.assessment.score", score),
		attribute.StringSlice("aria.assessment.rules", matched),
	)
	span.SetStatus(codes.Ok, "")

	if c.hooks.OnClassify != nil {
		c.hooks.OnClassify(&Event{
			Category: n.Category,
			Severity: sev,
			Action:   action,
			Score:    score,
			Rules:    matched,
			Duration: c.now().Sub(start).Seconds(),
		})
	}

	return a, nil
}

func (t Thresholds) severity(score int) incident.Severity {
	switch {
	case score >= t.Critical:
		return incident.SeverityCritical
	case score >= t.High:
		return incident.SeverityHigh
	case score >= t.Medium:
		return incident.SeverityMedium
	default:
		return incident.SeverityLow
	}
}

func (t Thresholds) action(sev incident.Severity, score int) incident.Action {
	switch sev {
	case incident.SeverityCritical, incident.SeverityHigh:
		return incident.ActionEscalate
	case incident.SeverityMedium:
		return incident.ActionTriage
	default:
		if score < t.IgnoreBelow {
			return incident.ActionIgnore
		}
		return incident.ActionTriage
	}
}

func confidence(matches int) float64 {
	c := baseConfidence + matchConfidence*float64(matches)
	if c > maxConfidence {
		c = maxConfidence
	}
	return math.Round(c*100) / 100
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
