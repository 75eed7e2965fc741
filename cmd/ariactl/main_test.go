package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/linnemanlabs/aria/internal/incident"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

const ransomwareYAML = `
category: malware
title: Ransom note
description: Ransom note found, files encrypted with .locked extension
asset: fs-01
affected_users: 120
timestamp: 2026-03-01T12:05:00Z
`

func TestAssess_Stdin(t *testing.T) {
	t.Parallel()

	out, err := execute(t, ransomwareYAML, "assess")
	if err != nil {
		t.Fatalf("assess: %v\n%s", err, out)
	}

	var a incident.Assessment
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("output is not an assessment: %v\n%s", err, out)
	}
	if a.Severity != incident.SeverityCritical || a.Action != incident.ActionEscalate || a.Score != 100 {
		t.Errorf("assessment = %s/%s/%d, want critical/escalate/100", a.Severity, a.Action, a.Score)
	}
}

func TestAssess_JSON(t *testing.T) {
	t.Parallel()

	report := `{
  "category": "Phishing",
  "title": "Credential phishing",
  "description": "User clicked a link and entered my password on a fake login page",
  "asset": "ws-042",
  "tags": ["user-report"],
  "timestamp": "2026-03-01T12:00:00Z"
}`
	out, err := execute(t, report, "assess", "-f", "-")
	if err != nil {
		t.Fatalf("assess: %v\n%s", err, out)
	}

	var a incident.Assessment
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("output is not an assessment: %v\n%s", err, out)
	}
	if a.Severity != incident.SeverityMedium || a.Action != incident.ActionTriage || a.Score != 50 {
		t.Errorf("assessment = %s/%s/%d, want medium/triage/50", a.Severity, a.Action, a.Score)
	}
}

func TestAssess_FileWithSignals(t *testing.T) {
	t.Parallel()

	path := writeFile(t, "report.yaml", `
category: suspicious_login
description: Sign-in from an unfamiliar location
asset: vpn-gw
timestamp: 2026-03-01T08:00:00Z
`)

	out, err := execute(t, "", "assess", "-f", path, "--signal", "auth_failures=120")
	if err != nil {
		t.Fatalf("assess: %v\n%s", err, out)
	}
	var a incident.Assessment
	if err := json.Unmarshal([]byte(out), &a); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rules := make(map[string]bool)
	for _, f := range a.Findings {
		rules[f.Rule] = true
	}
	if !rules["impossible-travel"] || !rules["auth-failure-spike"] {
		t.Errorf("findings = %+v, want impossible-travel and auth-failure-spike", a.Findings)
	}
}

func TestAssess_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stdin   string
		args    []string
		wantErr string
	}{
		{"empty input", "", []string{"assess"}, "empty input"},
		{"missing fields", "category: phishing\n", []string{"assess"}, "invalid incident report"},
		{"unknown field", "category: phishing\nseverity: high\n", []string{"assess"}, "decode report"},
		{"missing file", "", []string{"assess", "-f", "/nonexistent/report.yaml"}, "open report"},
		{"bad rules", ransomwareYAML, []string{"assess", "-r", "/nonexistent/rules.yaml"}, "open rules file"},
		{"bad signal", ransomwareYAML, []string{"assess", "--signal", "edr_alerts=many"}, "signal edr_alerts"},
		{"stray argument", "", []string{"assess", "extra"}, "unknown command"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			out, err := execute(t, tt.stdin, tt.args...)
			if err == nil {
				t.Fatalf("expected error, got output:\n%s", out)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestRulesValidate(t *testing.T) {
	t.Parallel()

	good := writeFile(t, "rules.yaml", `
version: "t1"
thresholds: {critical: 80, high: 60, medium: 35, ignore_below: 15}
categories:
  phishing: {base: 30}
  malware: {base: 50}
  suspicious_login: {base: 35}
  endpoint_anomaly: {base: 30}
  other: {base: 15}
rules:
  - id: only
    description: keyword rule
    points: 10
    keywords: [x]
`)
	out, err := execute(t, "", "rules", "validate", good)
	if err != nil {
		t.Fatalf("validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "ok (version t1, 1 rules, 0 signals)") {
		t.Errorf("output = %q", out)
	}

	bad := writeFile(t, "bad.yaml", "version: \"\"\nthresholds: {critical: 10, high: 20, medium: 30}\n")
	if _, err := execute(t, "", "rules", "validate", bad); err == nil {
		t.Error("expected error for invalid rule set")
	}

	if _, err := execute(t, "", "rules", "validate"); err == nil {
		t.Error("expected error without a file argument")
	}
}

func TestRulesShow(t *testing.T) {
	t.Parallel()

	out, err := execute(t, "", "rules", "show")
	if err != nil {
		t.Fatalf("show: %v\n%s", err, out)
	}
	for _, want := range []string{"version", "critical>=80 high>=60 medium>=35 ignore<15", "suspicious_login", "auth_failures", "edr_alerts"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}
