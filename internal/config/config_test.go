package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadFrom_Defaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Queue.MaxAttempts != 5 {
		t.Errorf("max_attempts = %d, want 5", cfg.Queue.MaxAttempts)
	}
	if cfg.Queue.LeaseDurationSecs != 60 {
		t.Errorf("lease_duration_secs = %d, want 60", cfg.Queue.LeaseDurationSecs)
	}
	if cfg.Scheduler.MaxGlobalConcurrency != 10 || cfg.Scheduler.MaxUserConcurrency != 3 {
		t.Errorf("scheduler caps = %d/%d, want 10/3",
			cfg.Scheduler.MaxGlobalConcurrency, cfg.Scheduler.MaxUserConcurrency)
	}
	if cfg.Attachments.MaxInlineBytes != 50*1024*1024 {
		t.Errorf("max_inline_bytes = %d", cfg.Attachments.MaxInlineBytes)
	}
}

func TestLoadFrom_EmployeesAndRoutes(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
employees:
  - id: oliver
    addresses: [oliver@dowhiz.com]
    runner: codex
    model: gpt-5.1
routes:
  - channel: email
    key: oliver@dowhiz.com
    employee: oliver
default_employee: oliver
`)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	e, ok := cfg.EmployeeByID("oliver")
	if !ok {
		t.Fatal("employee oliver missing")
	}
	if e.RuntimeRoot == "" {
		t.Error("runtime_root not defaulted")
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Employee != "oliver" {
		t.Errorf("routes = %+v", cfg.Routes)
	}
}

func TestLoadFrom_RejectsUnknownRunner(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
employees:
  - id: bad
    runner: gemini
`)
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("expected error for unknown runner")
	}
}

func TestLoadFrom_RejectsRouteToUnknownEmployee(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
routes:
  - channel: email
    key: "*"
    employee: ghost
`)
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("expected error for unknown employee in route")
	}
}

func TestSecretsEnvExpansion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TEST_POSTMARK_TOKEN", "pm-secret")
	writeConfig(t, dir, `
secrets:
  postmark_token: ${TEST_POSTMARK_TOKEN}
`)
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Secrets.PostmarkToken != "pm-secret" {
		t.Errorf("postmark_token = %q", cfg.Secrets.PostmarkToken)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	dir := t.TempDir()
	a, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	b, err := LoadFrom(dir)
	if err != nil {
		t.Fatal(err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("fingerprint not stable: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
}
