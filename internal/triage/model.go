package triage

import (
	"maps"
	"time"

	"github.com/linnemanlabs/aria/internal/incident"
)

// Status tracks where an incident is in its lifecycle.
type Status string

const (
	// StatusPending means created, not yet started
	StatusPending Status = "pending"

	// StatusInProgress means currently being enriched and classified
	StatusInProgress Status = "in_progress"

	// StatusComplete means an assessment is available
	StatusComplete Status = "complete"

	// StatusFailed means processing ended without an assessment
	StatusFailed Status = "failed"
)

// ParseStatus returns the Status named by s.
func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusComplete, StatusFailed:
		return st, true
	default:
		return "", false
	}
}

// Active reports whether the record is still being processed.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// Feedback is an analyst's rating of an assessment.
type Feedback struct {
	Rating      int       `json:"rating,omitempty"` // 1..5, 0 when not rated
	Helpful     *bool     `json:"helpful,omitempty"`
	Comment     string    `json:"comment,omitempty"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Record is a submitted incident and its processing outcome.
type Record struct {
	ID          string               `json:"id"`
	Fingerprint string               `json:"fingerprint"`
	Status      Status               `json:"status"`
	Report      incident.Report      `json:"report"`
	Assessment  *incident.Assessment `json:"assessment,omitempty"`
	Signals     map[string]float64   `json:"signals,omitempty"`
	Error       string               `json:"error,omitempty"`
	Feedback    []Feedback           `json:"feedback,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	CompletedAt time.Time            `json:"completed_at,omitzero"`
	Duration    float64              `json:"duration_seconds,omitempty"`
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	cp := *r
	cp.Report.Tags = append([]string(nil), r.Report.Tags...)
	if r.Assessment != nil {
		a := *r.Assessment
		a.Findings = append([]incident.Finding(nil), r.Assessment.Findings...)
		a.Playbook = append([]string(nil), r.Assessment.Playbook...)
		cp.Assessment = &a
	}
	if r.Signals != nil {
		cp.Signals = maps.Clone(r.Signals)
	}
	if r.Feedback != nil {
		cp.Feedback = make([]Feedback, len(r.Feedback))
		for i, fb := range r.Feedback {
			cp.Feedback[i] = fb
			if fb.Helpful != nil {
				h := *fb.Helpful
				cp.Feedback[i].Helpful = &h
			}
		}
	}
	return &cp
}

// Severity returns the assessed severity, or "" when not yet assessed.
func (r *Record) Severity() incident.Severity {
	if r.Assessment == nil {
		return ""
	}
	return r.Assessment.Severity
}

// ListFilter narrows List results. Zero fields match everything.
type ListFilter struct {
	Status   Status
	Severity incident.Severity
	Category incident.Category
	Limit    int
}

// Match reports whether r satisfies the filter.
func (f ListFilter) Match(r *Record) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.Severity != "" && r.Severity() != f.Severity {
		return false
	}
	if f.Category != "" && r.Report.Category != f.Category {
		return false
	}
	return true
}

// SubmitResult is the outcome of submitting a report.
type SubmitResult struct {
	ID      string `json:"id,omitempty"`
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// SimilarIncident is a search hit joined with the record it refers to.
type SimilarIncident struct {
	ID         string            `json:"id"`
	Title      string            `json:"title,omitempty"`
	Category   incident.Category `json:"category"`
	Severity   incident.Severity `json:"severity,omitempty"`
	Status     Status            `json:"status"`
	Score      float64           `json:"score"`
	Highlights []string          `json:"highlights"`
	CreatedAt  time.Time         `json:"created_at"`
}

// SearchQuery is a free-text search over stored incidents.
type SearchQuery struct {
	Query      string              `json:"query"`
	Limit      int                 `json:"limit,omitempty"`
	Categories []incident.Category `json:"categories,omitempty"`
}

// Latency holds processing latency percentiles in milliseconds.
type Latency struct {
	P50 float64 `json:"p50_ms"`
	P90 float64 `json:"p90_ms"`
	P99 float64 `json:"p99_ms"`
}

// FeedbackStats summarizes analyst feedback.
type FeedbackStats struct {
	Count        int     `json:"count"`
	Rated        int     `json:"rated"`
	AvgRating    float64 `json:"avg_rating"`
	HelpfulRatio float64 `json:"helpful_ratio"`
}

// Stats summarizes every stored incident.
type Stats struct {
	Total      int                       `json:"total"`
	ByStatus   map[Status]int            `json:"by_status"`
	BySeverity map[incident.Severity]int `json:"by_severity"`
	ByAction   map[incident.Action]int   `json:"by_action"`
	ByCategory map[incident.Category]int `json:"by_category"`
	Feedback   FeedbackStats             `json:"feedback"`
	Latency    Latency                   `json:"latency"`
}
