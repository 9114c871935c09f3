package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"keelhaul/cmd/keelhaul/ui"
	"keelhaul/internal/reconcile"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	t.Cleanup(a.closeLogs)
	root := rootCmd(a)
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--plain"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestConfigCommandAppliesFlags(t *testing.T) {
	out, err := execute(t, "config", "--interval", "1d", "--label-prefix", "acme")
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	for _, want := range []string{"interval: 24h0m0s", "label-prefix: acme"} {
		if !strings.Contains(out, want) {
			t.Errorf("config output missing %q:\n%s", want, out)
		}
	}
}

func TestConfigCommandWarnsOnInvalid(t *testing.T) {
	out, err := execute(t, "config", "--max-concurrent=0")
	if err != nil {
		t.Fatalf("config should not fail on invalid values: %v", err)
	}
	if !strings.Contains(out, "must be at least 1") {
		t.Fatalf("expected a validation warning, got:\n%s", out)
	}
}

func TestInvalidConfigRejectedBeforeRun(t *testing.T) {
	_, err := execute(t, "check", "--interval", "0")
	if err == nil || !strings.Contains(err.Error(), "interval") {
		t.Fatalf("check with zero interval: err = %v", err)
	}
}

func TestHistoryCommand(t *testing.T) {
	if _, err := execute(t, "history", "--history.path", ""); err == nil {
		t.Fatal("history without a database should fail")
	}

	path := filepath.Join(t.TempDir(), "history.db")
	out, err := execute(t, "history", "--history.path", path)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "no passes recorded") {
		t.Fatalf("history output = %q", out)
	}
}

func TestPrintSummary(t *testing.T) {
	ui.Configure(true)

	var buf bytes.Buffer
	printSummary(&buf, reconcile.Summary{
		DryRun:  true,
		Listed:  3,
		Checked: 2,
		Skipped: 1,
		Errored: 1,
		Results: []reconcile.Result{
			{ServiceName: "worker", Image: "acme/worker:2", Outcome: reconcile.OutcomeError, Reason: reconcile.ReasonResolveFailed, Err: errors.New("manifest unknown")},
			{ServiceName: "api", Image: "acme/api:1@sha256:" + strings.Repeat("a", 64), Outcome: reconcile.OutcomeSkipped, Reason: reconcile.ReasonDryRun},
		},
		Warnings: []reconcile.Warning{{ServiceName: "cron", Err: errors.New("bad label")}},
	})
	out := buf.String()

	if api, worker := strings.Index(out, "api"), strings.Index(out, "worker"); api < 0 || worker < 0 || api > worker {
		t.Errorf("results not sorted by name:\n%s", out)
	}
	for _, want := range []string{"acme/api:1", "skipped", "error", "cron ignored", "(dry run)", "3 listed, 2 checked"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "sha256:") {
		t.Errorf("summary shows the pinned digest:\n%s", out)
	}
}

func TestPrintSummaryListError(t *testing.T) {
	ui.Configure(true)

	var buf bytes.Buffer
	printSummary(&buf, reconcile.Summary{ListErr: errors.New("engine down")})
	if !strings.Contains(buf.String(), "could not list services: engine down") {
		t.Fatalf("output = %q", buf.String())
	}
}

func TestDisplayImage(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"docker.io/library/nginx:1.25", "nginx:1.25"},
		{"ghcr.io/acme/api:v2@sha256:" + strings.Repeat("b", 64), "ghcr.io/acme/api:v2"},
		{"not a reference", "not a reference"},
	}
	for _, tt := range tests {
		if got := displayImage(tt.in); got != tt.want {
			t.Errorf("displayImage(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
