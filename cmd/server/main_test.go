package main

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/aria/internal/classify"
	"github.com/linnemanlabs/aria/internal/triage"
	"github.com/linnemanlabs/aria/internal/triage/memstore"
)

func TestNotifySystemd_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error when NOTIFY_SOCKET is empty")
	}
	if !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Errorf("error = %q, want substring %q", err, "NOTIFY_SOCKET not set")
	}
}

func TestNotifySystemd_InvalidPath(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "nonexistent.sock"))

	err := notifySystemd()
	if err == nil {
		t.Fatal("expected error for nonexistent socket")
	}
	if !strings.Contains(err.Error(), "dial failed") {
		t.Errorf("error = %q, want substring %q", err, "dial failed")
	}
}

func TestNotifySystemd_Success(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "notify.sock")

	// Create a real unixgram listener.
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sockPath)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()

	t.Setenv("NOTIFY_SOCKET", sockPath)

	if err := notifySystemd(); err != nil {
		t.Fatalf("notifySystemd() = %v, want nil", err)
	}

	buf := make([]byte, 256)
	n, _, err := conn.ReadFrom(buf)
	if err != nil {
		t.Fatalf("read from socket: %v", err)
	}

	got := string(buf[:n])
	if got != "READY=1" {
		t.Errorf("payload = %q, want %q", got, "READY=1")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadRules(t *testing.T) {
	t.Parallel()

	rs, err := loadRules("")
	if err != nil {
		t.Fatalf("loadRules(built-in): %v", err)
	}
	if rs.RuleCount() == 0 {
		t.Error("built-in rule set is empty")
	}
	if got := rulesSource(""); got != "built-in" {
		t.Errorf("rulesSource = %q, want built-in", got)
	}

	if _, err := loadRules(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing rules file")
	}

	bad := writeFile(t, "rules.yaml", "version: x\nthresholds: {critical: 10, high: 20, medium: 30}\n")
	if _, err := loadRules(bad); err == nil || !strings.Contains(err.Error(), "rules file") {
		t.Errorf("err = %v, want rules file error", err)
	}
}

func TestPreload(t *testing.T) {
	t.Parallel()

	rs, err := classify.Default()
	if err != nil {
		t.Fatalf("classify.Default: %v", err)
	}
	store := memstore.New()
	svc := triage.NewService(store, classify.New(rs, classify.Hooks{}), log.Nop(), triage.Options{})

	seed := writeFile(t, "seed.yaml", `
reports:
  - category: malware
    description: Files encrypted with .locked extension
    asset: fs-01
    timestamp: 2026-03-01T10:00:00Z
  - category: phishing
    description: ""
    asset: ws-1
    timestamp: 2026-03-01T11:00:00Z
`)
	if err := preload(context.Background(), svc, seed, log.Nop()); err != nil {
		t.Fatalf("preload: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Wait(ctx); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	records, _ := store.List(context.Background(), triage.ListFilter{})
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (invalid seed skipped)", len(records))
	}
	if records[0].Status != triage.StatusComplete {
		t.Errorf("status = %q, want complete", records[0].Status)
	}
}

func TestPreload_Errors(t *testing.T) {
	t.Parallel()

	rs, err := classify.Default()
	if err != nil {
		t.Fatalf("classify.Default: %v", err)
	}
	svc := triage.NewService(memstore.New(), classify.New(rs, classify.Hooks{}), nil, triage.Options{})

	if err := preload(context.Background(), svc, filepath.Join(t.TempDir(), "none.yaml"), log.Nop()); err == nil {
		t.Error("expected error for missing seed file")
	}
	malformed := writeFile(t, "seed.yaml", "reports: [")
	if err := preload(context.Background(), svc, malformed, log.Nop()); err == nil {
		t.Error("expected error for malformed seed file")
	}
}
