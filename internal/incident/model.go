// Package incident defines the security incident report and risk assessment
// models shared by the classifier, the triage service and the HTTP API.
package incident

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Category is the kind of security incident being reported.
type Category string

const (
	CategoryPhishing        Category = "phishing"
	CategoryMalware         Category = "malware"
	CategorySuspiciousLogin Category = "suspicious_login"
	CategoryEndpointAnomaly Category = "endpoint_anomaly"
	CategoryOther           Category = "other"
)

// Categories lists every known category in display order.
var Categories = []Category{
	CategoryPhishing,
	CategoryMalware,
	CategorySuspiciousLogin,
	CategoryEndpointAnomaly,
	CategoryOther,
}

// ParseCategory normalizes s and returns the matching Category.
// "Suspicious Login", "suspicious-login" and "suspicious_login" are equivalent.
func ParseCategory(s string) (Category, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for _, c := range Categories {
		if string(c) == norm {
			return c, true
		}
	}
	return "", false
}

// Severity is the ordinal risk label assigned to a report.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities low=1 .. critical=4. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	default:
		return 0
	}
}

// ParseSeverity returns the Severity named by s (case-insensitive).
func ParseSeverity(s string) (Severity, bool) {
	sev := Severity(strings.ToLower(strings.TrimSpace(s)))
	return sev, sev.Rank() > 0
}

// Action is the recommended triage action for an assessed report.
type Action string

const (
	ActionIgnore   Action = "ignore"
	ActionTriage   Action = "triage"
	ActionEscalate Action = "escalate"
)

// Report is a structured security incident report as submitted by a SOC
// analyst, a detection pipeline or a user.
type Report struct {
	Category      Category  `json:"category" yaml:"category"`
	Title         string    `json:"title,omitempty" yaml:"title"`
	Description   string    `json:"description" yaml:"description"`
	Asset         string    `json:"asset" yaml:"asset"`
	Source        string    `json:"source,omitempty" yaml:"source"`
	Timestamp     time.Time `json:"timestamp" yaml:"timestamp"`
	Tags          []string  `json:"tags,omitempty" yaml:"tags"`
	AffectedUsers int       `json:"affected_users,omitempty" yaml:"affected_users"`
	Reporter      string    `json:"reporter,omitempty" yaml:"reporter"`
}

// Validate checks that every required field is present and well formed.
// It returns an *InvalidInputError naming each offending field, or nil.
func (r *Report) Validate() error {
	if r == nil {
		return &InvalidInputError{Fields: map[string]string{"report": "required"}}
	}

	fields := make(map[string]string)

	switch {
	case strings.TrimSpace(string(r.Category)) == "":
		fields["category"] = "required"
	default:
		if _, ok := ParseCategory(string(r.Category)); !ok {
			fields["category"] = "unknown category " + quote(string(r.Category))
		}
	}
	if strings.TrimSpace(r.Description) == "" {
		fields["description"] = "required"
	}
	if strings.TrimSpace(r.Asset) == "" {
		fields["asset"] = "required"
	}
	if r.Timestamp.IsZero() {
		fields["timestamp"] = "required"
	}
	if r.AffectedUsers < 0 {
		fields["affected_users"] = "must not be negative"
	}

	if len(fields) > 0 {
		return &InvalidInputError{Fields: fields}
	}
	return nil
}

// Normalized returns a copy of r with the category canonicalized and
// surrounding whitespace trimmed. r itself is left untouched.
func (r *Report) Normalized() Report {
	cp := *r
	if c, ok := ParseCategory(string(r.Category)); ok {
		cp.Category = c
	}
	cp.Title = strings.TrimSpace(r.Title)
	cp.Description = strings.TrimSpace(r.Description)
	cp.Asset = strings.TrimSpace(r.Asset)
	cp.Source = strings.TrimSpace(r.Source)
	if r.Tags != nil {
		cp.Tags = make([]string, 0, len(r.Tags))
		for _, t := range r.Tags {
			if t = strings.TrimSpace(t); t != "" {
				cp.Tags = append(cp.Tags, t)
			}
		}
	}
	return cp
}

// Fingerprint identifies reports describing the same event on the same asset.
// It is stable across whitespace and case differences.
func (r *Report) Fingerprint() string {
	n := r.Normalized()
	h := sha256.New()
	h.Write([]byte(n.Category))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(n.Asset)))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(strings.Fields(strings.ToLower(n.Description)), " ")))
	return hex.EncodeToString(h.Sum(nil)[:16])
}

// Finding is a single classifier rule that matched a report.
type Finding struct {
	Rule        string `json:"rule"`
	Description string `json:"description"`
	Points      int    `json:"points"`
}

// Assessment is the risk classification of a report.
type Assessment struct {
	Severity       Severity  `json:"severity"`
	Action         Action    `json:"action"`
	Score          int       `json:"score"`
	Confidence     float64   `json:"confidence"`
	Findings       []Finding `json:"findings"`
	Playbook       []string  `json:"playbook,omitempty"`
	RuleSetVersion string    `json:"rule_set_version"`
	AssessedAt     time.Time `json:"assessed_at"`
}

func quote(s string) string {
	return `"` + s + `"`
}
