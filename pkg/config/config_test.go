package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.Relay.Addr != ":3000" || c.Mirror.BatchSize != 10 || c.Mirror.BatchTimeout != 5*time.Second {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Claim.Lease != 120*time.Second || c.Claim.Lookback != 50 {
		t.Fatalf("unexpected claim defaults: %+v", c.Claim)
	}
	if c.Mirror.LockStale != time.Minute || c.Mirror.Heartbeat != 15*time.Second {
		t.Fatalf("unexpected lock defaults: %+v", c.Mirror)
	}
}

func TestApplyEnv(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(envMap(map[string]string{
		"RELAY_URL":               "http://relay:3000",
		"RELAY_ADDR":              ":8080",
		"FEED_IDS":                " a , b,,c ",
		"CONTEXT_REPO_PATH":       "/srv/ctx",
		"COMMIT_BATCH_SIZE":       "3",
		"COMMIT_BATCH_TIMEOUT_MS": "250",
		"MIRROR_REMOTE_URL":       "https://github.com/org/ctx.git",
		"CLAIM_LEASE_MS":          "30000",
		"CLAIM_LOOKBACK":          "200",
		"AGENT_ID":                "agent-7",
		"LOG_FORMAT":              "json",
	}))
	if err != nil {
		t.Fatalf("ApplyEnv: %v", err)
	}
	if c.RelayURL != "http://relay:3000" || c.Relay.Addr != ":8080" {
		t.Fatalf("relay = %q / %q", c.RelayURL, c.Relay.Addr)
	}
	if strings.Join(c.Mirror.FeedIDs, "|") != "a|b|c" {
		t.Fatalf("FeedIDs = %q", c.Mirror.FeedIDs)
	}
	if c.Mirror.BatchSize != 3 || c.Mirror.BatchTimeout != 250*time.Millisecond {
		t.Fatalf("batch = %d / %s", c.Mirror.BatchSize, c.Mirror.BatchTimeout)
	}
	if c.Claim.Lease != 30*time.Second || c.Claim.Lookback != 200 || c.Claim.AgentID != "agent-7" {
		t.Fatalf("claim = %+v", c.Claim)
	}
	if c.Log.Format != "json" {
		t.Fatalf("log format = %q", c.Log.Format)
	}
	if c.Mirror.RemoteBranch != "main" {
		t.Fatalf("unset variables must keep defaults, branch = %q", c.Mirror.RemoteBranch)
	}
}

func TestApplyEnv_RelayURLWinsOverBaseURL(t *testing.T) {
	c := Default()
	c.ApplyEnv(envMap(map[string]string{
		"RELAY_BASE_URL": "http://old",
		"RELAY_URL":      "http://new",
	}))
	if c.RelayURL != "http://new" {
		t.Fatalf("RelayURL = %q", c.RelayURL)
	}

	c = Default()
	c.ApplyEnv(envMap(map[string]string{"RELAY_BASE_URL": "http://old"}))
	if c.RelayURL != "http://old" {
		t.Fatalf("RelayURL = %q, want alias honored", c.RelayURL)
	}
}

func TestApplyEnv_BadNumbers(t *testing.T) {
	c := Default()
	err := c.ApplyEnv(envMap(map[string]string{
		"COMMIT_BATCH_SIZE":       "ten",
		"COMMIT_BATCH_TIMEOUT_MS": "5s",
	}))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, key := range []string{"COMMIT_BATCH_SIZE", "COMMIT_BATCH_TIMEOUT_MS"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
	if c.Mirror.BatchSize != 10 {
		t.Fatalf("bad value must not clobber default, got %d", c.Mirror.BatchSize)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sb.yaml")
	data := `
relay_url: http://relay.internal:3000
relay:
  addr: ":4000"
mirror:
  feed_ids: [f1, f2]
  repo_path: /data/ctx
  batch_timeout: 2s
claim:
  lookback: 500
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	c := Default()
	if err := c.LoadFile(path); err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if c.RelayURL != "http://relay.internal:3000" || c.Relay.Addr != ":4000" {
		t.Fatalf("relay = %q / %q", c.RelayURL, c.Relay.Addr)
	}
	if len(c.Mirror.FeedIDs) != 2 || c.Mirror.BatchTimeout != 2*time.Second {
		t.Fatalf("mirror = %+v", c.Mirror)
	}
	if c.Relay.DBPath != "switchboard.db" || c.Mirror.BatchSize != 10 {
		t.Fatal("keys absent from the file must keep their defaults")
	}
	if c.Claim.Lookback != 500 || c.Claim.Lease != 120*time.Second {
		t.Fatalf("claim = %+v", c.Claim)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	c := Default()
	err := c.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestValidateMirror(t *testing.T) {
	c := Default()
	c.RelayURL = ""
	c.Mirror.BatchSize = 0
	err := c.ValidateMirror()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{"RELAY_URL", "FEED_IDS", "CONTEXT_REPO_PATH", "COMMIT_BATCH_SIZE"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}

	c = Default()
	c.Mirror.FeedIDs = []string{"f"}
	c.Mirror.RepoPath = "/tmp/x"
	if err := c.ValidateMirror(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestClaimConfig_Validate(t *testing.T) {
	tests := []struct {
		name     string
		lookback int
		lease    time.Duration
		wantErr  string
	}{
		{"defaults", 50, 120 * time.Second, ""},
		{"at cap", MaxClaimLookback, time.Minute, ""},
		{"above cap", MaxClaimLookback + 1, time.Minute, "CLAIM_LOOKBACK"},
		{"zero lookback", 0, time.Minute, "CLAIM_LOOKBACK"},
		{"zero lease", 50, 0, "CLAIM_LEASE_MS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := ClaimConfig{Lookback: tt.lookback, Lease: tt.lease}
			err := c.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_RejectsOversizedLookback(t *testing.T) {
	t.Setenv("CLAIM_LOOKBACK", "5000")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "CLAIM_LOOKBACK") {
		t.Fatalf("Load = %v, want CLAIM_LOOKBACK error", err)
	}
}
