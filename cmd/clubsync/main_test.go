package main

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/thedreamerscave/clubsync/internal/syncengine"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Setenv("CLUBSYNC_BACKEND_PROFILE", "memory")
	t.Setenv("CLUBSYNC_LOG_LEVEL", "error")
	cmd := newRootCmd()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	envFile := filepath.Join(t.TempDir(), "missing.env")
	cmd.SetArgs(append([]string{"--env-file", envFile}, args...))
	err := cmd.Execute()
	return stdout.String(), err
}

func TestHealthWithoutTargetsPrintsEmptyList(t *testing.T) {
	out, err := runCLI(t, "health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var results []syncengine.TargetHealth
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if len(results) != 0 {
		t.Fatalf("expected no targets, got %+v", results)
	}
}

func TestSyncStatusRejectsMalformedReference(t *testing.T) {
	if _, err := runCLI(t, "sync", "status", "evt_1"); err == nil {
		t.Fatalf("expected an error for a reference without kind")
	}
}

func TestSyncTriggerRejectsUnknownTarget(t *testing.T) {
	_, err := runCLI(t, "sync", "trigger", "event:evt_1", "--target", "fax")
	if err == nil || !strings.Contains(err.Error(), "unknown sync target") {
		t.Fatalf("expected unknown target error, got %v", err)
	}
}

func TestNotifyDrainOnEmptyQueue(t *testing.T) {
	out, err := runCLI(t, "notify", "drain")
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	var result syncengine.NotificationRunResult
	if err := json.Unmarshal([]byte(out), &result); err != nil {
		t.Fatalf("decode output %q: %v", out, err)
	}
	if result.Claimed != 0 || result.Sent != 0 {
		t.Fatalf("expected an empty run, got %+v", result)
	}
}

func TestServeRejectsInvalidConfiguration(t *testing.T) {
	t.Setenv("CLUBSYNC_WORKERS", "0")
	if _, err := runCLI(t, "serve"); err == nil {
		t.Fatalf("expected configuration error")
	}
}
