package incident

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func validReport() *Report {
	return &Report{
		Category:    CategoryPhishing,
		Title:       "Invoice lure",
		Description: "User clicked link in invoice email",
		Asset:       "mailbox:jdoe",
		Timestamp:   time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestParseCategory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in     string
		want   Category
		wantOK bool
	}{
		{"phishing", CategoryPhishing, true},
		{"  Malware ", CategoryMalware, true},
		{"Suspicious Login", CategorySuspiciousLogin, true},
		{"suspicious-login", CategorySuspiciousLogin, true},
		{"endpoint_anomaly", CategoryEndpointAnomaly, true},
		{"other", CategoryOther, true},
		{"ransomware", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got, ok := ParseCategory(tt.in)
			if ok != tt.wantOK || got != tt.want {
				t.Errorf("ParseCategory(%q) = (%q, %v), want (%q, %v)", tt.in, got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestSeverityRank(t *testing.T) {
	t.Parallel()

	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i-1].Rank() >= order[i].Rank() {
			t.Errorf("%s.Rank() = %d, want < %s.Rank() = %d", order[i-1], order[i-1].Rank(), order[i], order[i].Rank())
		}
	}
	if Severity("bogus").Rank() != 0 {
		t.Errorf("unknown severity rank = %d, want 0", Severity("bogus").Rank())
	}
}

func TestParseSeverity(t *testing.T) {
	t.Parallel()

	if s, ok := ParseSeverity(" HIGH "); !ok || s != SeverityHigh {
		t.Errorf("ParseSeverity(HIGH) = (%q, %v), want (high, true)", s, ok)
	}
	if _, ok := ParseSeverity("severe"); ok {
		t.Error("ParseSeverity(severe) ok = true, want false")
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()

	if err := validReport().Validate(); err != nil {
		t.Fatalf("Validate() = %v, want nil", err)
	}
}

func TestValidate_MissingFields(t *testing.T) {
	t.Parallel()

	err := (&Report{}).Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}

	var ie *InvalidInputError
	if !errors.As(err, &ie) {
		t.Fatalf("error type = %T, want *InvalidInputError", err)
	}
	for _, f := range []string{"category", "description", "asset", "timestamp"} {
		if _, ok := ie.Fields[f]; !ok {
			t.Errorf("Fields missing %q: %v", f, ie.Fields)
		}
	}
	if _, ok := ie.Fields["title"]; ok {
		t.Error("title is optional and should not be reported")
	}
}

func TestValidate_Cases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		mutate    func(r *Report)
		wantField string
	}{
		{"blank description", func(r *Report) { r.Description = "   " }, "description"},
		{"blank asset", func(r *Report) { r.Asset = "\t" }, "asset"},
		{"unknown category", func(r *Report) { r.Category = "ddos" }, "category"},
		{"zero timestamp", func(r *Report) { r.Timestamp = time.Time{} }, "timestamp"},
		{"negative affected users", func(r *Report) { r.AffectedUsers = -1 }, "affected_users"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := validReport()
			tt.mutate(r)
			err := r.Validate()
			var ie *InvalidInputError
			if !errors.As(err, &ie) {
				t.Fatalf("Validate() = %v, want *InvalidInputError", err)
			}
			if len(ie.Fields) != 1 {
				t.Errorf("Fields = %v, want exactly %q", ie.Fields, tt.wantField)
			}
			if _, ok := ie.Fields[tt.wantField]; !ok {
				t.Errorf("Fields = %v, want %q", ie.Fields, tt.wantField)
			}
		})
	}
}

func TestValidate_NilReport(t *testing.T) {
	t.Parallel()

	var r *Report
	if !IsInvalidInput(r.Validate()) {
		t.Error("nil report should be invalid input")
	}
}

func TestInvalidInputError_Message(t *testing.T) {
	t.Parallel()

	err := &InvalidInputError{Fields: map[string]string{"timestamp": "required", "asset": "required"}}
	want := "invalid incident report: asset: required; timestamp: required"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}

	wrapped := fmt.Errorf("submit: %w", err)
	if !IsInvalidInput(wrapped) {
		t.Error("IsInvalidInput(wrapped) = false, want true")
	}
	if IsInvalidInput(errors.New("other")) {
		t.Error("IsInvalidInput(other) = true, want false")
	}
}

func TestNormalized_DoesNotMutate(t *testing.T) {
	t.Parallel()

	r := &Report{
		Category:    "Suspicious Login",
		Description: "  login from new country  ",
		Asset:       " vpn:jdoe ",
		Tags:        []string{" vpn ", "", "geo"},
		Timestamp:   time.Now(),
	}
	n := r.Normalized()

	if n.Category != CategorySuspiciousLogin {
		t.Errorf("normalized category = %q", n.Category)
	}
	if n.Description != "login from new country" || n.Asset != "vpn:jdoe" {
		t.Errorf("normalized = %+v", n)
	}
	if len(n.Tags) != 2 || n.Tags[0] != "vpn" || n.Tags[1] != "geo" {
		t.Errorf("normalized tags = %v", n.Tags)
	}
	if r.Category != "Suspicious Login" || r.Tags[0] != " vpn " {
		t.Error("Normalized mutated the original report")
	}
}

func TestFingerprint(t *testing.T) {
	t.Parallel()

	a := validReport()
	b := validReport()
	b.Description = "  USER clicked   link in invoice email "
	b.Asset = "MAILBOX:jdoe"
	b.Title = "different title"

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("fingerprints differ for equivalent reports")
	}

	c := validReport()
	c.Asset = "mailbox:other"
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("fingerprints equal for different assets")
	}
	if len(a.Fingerprint()) != 32 {
		t.Errorf("fingerprint length = %d, want 32", len(a.Fingerprint()))
	}
}

func TestLoadReports(t *testing.T) {
	t.Parallel()

	doc := `
reports:
  - category: malware
    title: Ransom note on file server
    description: Files encrypted with .locked extension
    asset: fs-01
    source: edr
    timestamp: 2026-03-01T10:00:00Z
    tags: [ransomware]
    affected_users: 120
  - category: phishing
    description: Reported suspicious email
    asset: mailbox:ops
    timestamp: 2026-03-01T11:00:00Z
`
	reports, err := LoadReports(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadReports: %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len = %d, want 2", len(reports))
	}
	if reports[0].Category != CategoryMalware || reports[0].AffectedUsers != 120 {
		t.Errorf("reports[0] = %+v", reports[0])
	}
	if !reports[0].Timestamp.Equal(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("timestamp = %v", reports[0].Timestamp)
	}
	for i := range reports {
		if err := reports[i].Validate(); err != nil {
			t.Errorf("reports[%d].Validate() = %v", i, err)
		}
	}
}

func TestLoadReports_Errors(t *testing.T) {
	t.Parallel()

	if _, err := LoadReports(strings.NewReader("reports: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
	if _, err := LoadReports(strings.NewReader("reports:\n  - bogus_field: 1\n")); err == nil {
		t.Error("expected error for unknown field")
	}
	reports, err := LoadReports(strings.NewReader(""))
	if err != nil || len(reports) != 0 {
		t.Errorf("empty doc = (%v, %v), want (nil, nil)", reports, err)
	}
}
