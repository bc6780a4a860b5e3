// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "e2ee.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Verification.Policy != PolicyAutoAcceptOwnOnly {
		t.Errorf("expected policy=%s, got %s", PolicyAutoAcceptOwnOnly, cfg.Verification.Policy)
	}
	if cfg.Verification.EnforceCommitment {
		t.Error("expected enforce_commitment=false by default")
	}
	if cfg.Sync.TimeoutMS != 30000 {
		t.Errorf("expected sync.timeout_ms=30000, got %d", cfg.Sync.TimeoutMS)
	}
	if !cfg.Bootstrap.IncludeSelf {
		t.Error("expected bootstrap.include_self=true")
	}
	if cfg.Keys.OneTimeKeys != 50 {
		t.Errorf("expected keys.one_time_keys=50, got %d", cfg.Keys.OneTimeKeys)
	}
}

func TestDefault_FailsOnlyOnSessionFile(t *testing.T) {
	err := Default().Validate()
	if err == nil {
		t.Fatal("expected error for missing session_file")
	}
	if !strings.Contains(err.Error(), "session_file") {
		t.Errorf("error should name session_file: %v", err)
	}
	if strings.Contains(err.Error(), "policy") {
		t.Errorf("defaults should have a valid policy: %v", err)
	}
}

func TestLoad_RequiresEnvironmentVariable(t *testing.T) {
	t.Setenv(EnvironmentVariable, "")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error when BUREAU_E2EE_CONFIG not set, got nil")
	}
	expected := "BUREAU_E2EE_CONFIG environment variable not set"
	if !strings.HasPrefix(err.Error(), expected) {
		t.Errorf("expected error message to start with %q, got %q", expected, err.Error())
	}
}

func TestLoad_WithEnvironmentVariable(t *testing.T) {
	path := writeConfig(t, `
session_file: /var/lib/bureau-e2ee/session.json
verification:
  policy: manual
`)
	t.Setenv(EnvironmentVariable, path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Verification.Policy != PolicyManual {
		t.Errorf("expected policy=manual, got %s", cfg.Verification.Policy)
	}
	// Untouched sections keep their defaults.
	if cfg.Verification.Retention != "1h" {
		t.Errorf("expected default retention 1h, got %s", cfg.Verification.Retention)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFile_ExpandsConfigDir(t *testing.T) {
	path := writeConfig(t, `
session_file: ${CONFIG_DIR}/session.json
store:
  path: ${CONFIG_DIR}/keys.db
  pickle_key_file: ${BUREAU_E2EE_TEST_UNSET:-/etc/bureau/pickle.key}
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	dir := filepath.Dir(path)
	if cfg.SessionFile != filepath.Join(dir, "session.json") {
		t.Errorf("session_file = %q", cfg.SessionFile)
	}
	if cfg.Store.Path != filepath.Join(dir, "keys.db") {
		t.Errorf("store.path = %q", cfg.Store.Path)
	}
	if cfg.Store.PickleKeyFile != "/etc/bureau/pickle.key" {
		t.Errorf("store.pickle_key_file = %q, want default value", cfg.Store.PickleKeyFile)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadFile_Malformed(t *testing.T) {
	path := writeConfig(t, "verification: [not, a, map]\n")
	if _, err := LoadFile(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidate_ReportsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.SessionFile = "/tmp/session.json"
	cfg.Store.Path = "/tmp/keys.db"
	cfg.Verification.Policy = "sometimes"
	cfg.Verification.Retention = "soon"
	cfg.Bootstrap.Peers = []string{"not-a-user"}
	cfg.Bootstrap.Concurrency = 0
	cfg.Logging.Format = "xml"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"pickle_key_file",
		"verification.policy",
		"verification.retention",
		"bootstrap.peers",
		"bootstrap.concurrency",
		"logging.format",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s: %v", want, err)
		}
	}
}

func TestValidate_NonPositiveDuration(t *testing.T) {
	cfg := Default()
	cfg.SessionFile = "/tmp/session.json"
	cfg.Verification.Timeout = "0s"
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "verification.timeout") {
		t.Errorf("expected verification.timeout error, got %v", err)
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if got := cfg.Verification.RetentionDuration(); got != time.Hour {
		t.Errorf("RetentionDuration = %v", got)
	}
	if got := cfg.Verification.TimeoutDuration(); got != 10*time.Minute {
		t.Errorf("TimeoutDuration = %v", got)
	}
	if got := cfg.Verification.CollectIntervalDuration(); got != time.Minute {
		t.Errorf("CollectIntervalDuration = %v", got)
	}
	if got := cfg.Sync.MaxBackoffDuration(); got != 30*time.Second {
		t.Errorf("MaxBackoffDuration = %v", got)
	}
}

func TestPeerUserIDs(t *testing.T) {
	self := ref.MustParseUserID("@bot:example.org")
	bootstrap := BootstrapConfig{
		Peers:       []string{"@alice:example.org", "@alice:example.org", "bogus", "@bot:example.org"},
		IncludeSelf: true,
	}
	peers := bootstrap.PeerUserIDs(self)
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %v", peers)
	}
	if peers[0].String() != "@alice:example.org" || peers[1] != self {
		t.Errorf("unexpected peers %v", peers)
	}

	bootstrap.Peers = []string{"@alice:example.org"}
	peers = bootstrap.PeerUserIDs(self)
	if len(peers) != 2 || peers[1] != self {
		t.Errorf("include_self should append self: %v", peers)
	}

	bootstrap.IncludeSelf = false
	if peers := bootstrap.PeerUserIDs(self); len(peers) != 1 {
		t.Errorf("expected only alice, got %v", peers)
	}
}

func TestSlogLevel(t *testing.T) {
	level, err := LoggingConfig{Level: "debug"}.SlogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("debug: level=%v err=%v", level, err)
	}
	if _, err := (LoggingConfig{Level: "chatty"}).SlogLevel(); err == nil {
		t.Error("expected error for unknown level")
	}
}
