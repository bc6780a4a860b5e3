// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/e2ee/lib/ref"
)

// EnvironmentVariable names the variable Load reads the config path from.
const EnvironmentVariable = "BUREAU_E2EE_CONFIG"

// Policy names accepted by verification.policy.
const (
	PolicyAutoAccept        = "auto_accept"
	PolicyAutoAcceptOwnOnly = "auto_accept_own_only"
	PolicyManual            = "manual"
)

// Config is the complete daemon configuration.
type Config struct {
	// HomeserverURL overrides the URL stored in the session file.
	HomeserverURL string `yaml:"homeserver_url"`

	// SessionFile is a JSON file holding homeserver_url, user_id,
	// device_id, and access_token for the bot's device.
	SessionFile string `yaml:"session_file"`

	Store        StoreConfig        `yaml:"store"`
	Verification VerificationConfig `yaml:"verification"`
	Bootstrap    BootstrapConfig    `yaml:"bootstrap"`
	Sync         SyncConfig         `yaml:"sync"`
	Keys         KeysConfig         `yaml:"keys"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StoreConfig configures the key store.
type StoreConfig struct {
	// Path is the SQLite database file. Empty keeps everything in
	// memory, which loses the Olm account on restart.
	Path string `yaml:"path"`

	// PickleKeyFile holds the age identity (AGE-SECRET-KEY-1...) that
	// seals the Olm account pickle. Required when Path is set.
	PickleKeyFile string `yaml:"pickle_key_file"`
}

// VerificationConfig configures the SAS verification coordinator.
type VerificationConfig struct {
	// Policy is auto_accept, auto_accept_own_only, or manual.
	Policy string `yaml:"policy"`

	// Retention is how long finished sessions stay queryable before
	// garbage collection.
	Retention string `yaml:"retention"`

	// Timeout cancels sessions that see no progress for this long.
	Timeout string `yaml:"timeout"`

	// CollectInterval is how often the collector runs.
	CollectInterval string `yaml:"collect_interval"`

	// EnforceCommitment cancels a verification whose accept
	// commitment does not match the peer's key. When false a mismatch
	// is logged and recorded on the session.
	EnforceCommitment bool `yaml:"enforce_commitment"`
}

// BootstrapConfig configures Olm session bootstrap.
type BootstrapConfig struct {
	// Peers are the users whose devices get outbound sessions at
	// startup and whenever their device lists change.
	Peers []string `yaml:"peers"`

	// IncludeSelf adds the bot's own user so its other devices are
	// covered too.
	IncludeSelf bool `yaml:"include_self"`

	// Concurrency bounds parallel per-user key queries.
	Concurrency int `yaml:"concurrency"`

	// ClaimTimeoutMS is passed to /keys/claim and /keys/query as the
	// federation timeout.
	ClaimTimeoutMS int `yaml:"claim_timeout_ms"`
}

// SyncConfig configures the /sync long-poll loop.
type SyncConfig struct {
	TimeoutMS  int    `yaml:"timeout_ms"`
	MaxBackoff string `yaml:"max_backoff"`
}

// KeysConfig configures device key publication.
type KeysConfig struct {
	// OneTimeKeys is the number of one-time keys kept on the server.
	OneTimeKeys int `yaml:"one_time_keys"`

	// UploadOnStart publishes device keys when the account is new.
	UploadOnStart bool `yaml:"upload_on_start"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	// Level is debug, info, warn, or error.
	Level string `yaml:"level"`

	// Format is json or text.
	Format string `yaml:"format"`
}

// Default returns the configuration used as the base for LoadFile.
func Default() *Config {
	return &Config{
		Store: StoreConfig{},
		Verification: VerificationConfig{
			Policy:          PolicyAutoAcceptOwnOnly,
			Retention:       "1h",
			Timeout:         "10m",
			CollectInterval: "1m",
		},
		Bootstrap: BootstrapConfig{
			IncludeSelf:    true,
			Concurrency:    4,
			ClaimTimeoutMS: 10000,
		},
		Sync: SyncConfig{
			TimeoutMS:  30000,
			MaxBackoff: "30s",
		},
		Keys: KeysConfig{
			OneTimeKeys:   50,
			UploadOnStart: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the file named by BUREAU_E2EE_CONFIG. It fails when the
// variable is unset.
func Load() (*Config, error) {
	path := os.Getenv(EnvironmentVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of the daemon config file, or use --config", EnvironmentVariable)
	}
	return LoadFile(path)
}

// LoadFile reads a config file over the defaults and expands path
// variables. It does not validate; call Validate.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	cfg.expandVariables(filepath.Dir(path))
	return cfg, nil
}

// expandVariables expands ${VAR} patterns in path fields. CONFIG_DIR
// resolves to the directory containing the config file.
func (c *Config) expandVariables(configDir string) {
	vars := map[string]string{
		"CONFIG_DIR": configDir,
		"HOME":       os.Getenv("HOME"),
	}
	c.SessionFile = expandVars(c.SessionFile, vars)
	c.Store.Path = expandVars(c.Store.Path, vars)
	c.Store.PickleKeyFile = expandVars(c.Store.PickleKeyFile, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}

// Validate checks every field and returns all problems joined.
func (c *Config) Validate() error {
	var errs []error

	if c.SessionFile == "" {
		errs = append(errs, fmt.Errorf("session_file is required"))
	}
	if c.Store.Path != "" && c.Store.PickleKeyFile == "" {
		errs = append(errs, fmt.Errorf("store.pickle_key_file is required when store.path is set"))
	}

	switch c.Verification.Policy {
	case PolicyAutoAccept, PolicyAutoAcceptOwnOnly, PolicyManual:
	default:
		errs = append(errs, fmt.Errorf("verification.policy must be one of %s, %s, %s; got %q",
			PolicyAutoAccept, PolicyAutoAcceptOwnOnly, PolicyManual, c.Verification.Policy))
	}
	errs = append(errs, checkDuration("verification.retention", c.Verification.Retention))
	errs = append(errs, checkDuration("verification.timeout", c.Verification.Timeout))
	errs = append(errs, checkDuration("verification.collect_interval", c.Verification.CollectInterval))
	errs = append(errs, checkDuration("sync.max_backoff", c.Sync.MaxBackoff))

	for _, peer := range c.Bootstrap.Peers {
		if _, err := ref.ParseUserID(peer); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap.peers: %w", err))
		}
	}
	if c.Bootstrap.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("bootstrap.concurrency must be at least 1, got %d", c.Bootstrap.Concurrency))
	}
	if c.Bootstrap.ClaimTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("bootstrap.claim_timeout_ms must not be negative"))
	}
	if c.Sync.TimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("sync.timeout_ms must not be negative"))
	}
	if c.Keys.OneTimeKeys < 0 {
		errs = append(errs, fmt.Errorf("keys.one_time_keys must not be negative"))
	}

	if _, err := c.Logging.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}

func checkDuration(field, value string) error {
	duration, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if duration <= 0 {
		return fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return nil
}

// mustDuration parses a duration that Validate already accepted.
func mustDuration(value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: duration %q was not validated: %v", value, err))
	}
	return duration
}

// RetentionDuration returns verification.retention. Call Validate first.
func (v VerificationConfig) RetentionDuration() time.Duration { return mustDuration(v.Retention) }

// TimeoutDuration returns verification.timeout. Call Validate first.
func (v VerificationConfig) TimeoutDuration() time.Duration { return mustDuration(v.Timeout) }

// CollectIntervalDuration returns verification.collect_interval.
func (v VerificationConfig) CollectIntervalDuration() time.Duration {
	return mustDuration(v.CollectInterval)
}

// MaxBackoffDuration returns sync.max_backoff. Call Validate first.
func (s SyncConfig) MaxBackoffDuration() time.Duration { return mustDuration(s.MaxBackoff) }

// PeerUserIDs returns the parsed bootstrap peers, with self appended
// when IncludeSelf is set and self is not already listed.
func (b BootstrapConfig) PeerUserIDs(self ref.UserID) []ref.UserID {
	var peers []ref.UserID
	seen := make(map[ref.UserID]bool)
	for _, raw := range b.Peers {
		userID, err := ref.ParseUserID(raw)
		if err != nil || seen[userID] {
			continue
		}
		seen[userID] = true
		peers = append(peers, userID)
	}
	if b.IncludeSelf && !self.IsZero() && !seen[self] {
		peers = append(peers, self)
	}
	return peers
}

// SlogLevel maps logging.level to a slog.Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("logging.level: %w", err)
	}
	return level, nil
}
