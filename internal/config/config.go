// Package config holds OPERATOR-LEVEL configuration for a Recall installation.
//
// This is infrastructure config set by whoever deploys Recall, NOT per-owner
// or per-agent state. It covers the data directory, the signing key for
// enrichment audit records, the external agent runtime endpoint, and the
// tuning knobs for proposal expiry and cache synchronization.
//
// Set via env vars (RECALL_*) or config file (recall.config.yaml).
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Viper keys. Each maps to an env var with the RECALL_ prefix
// (e.g. "signing_key" → RECALL_SIGNING_KEY) and to a YAML field
// in recall.config.yaml.
const (
	KeyDataDir          = "data_dir"
	KeySigningKey       = "signing_key"
	KeyRuntimeBaseURL   = "runtime_base_url"
	KeyRuntimeToken     = "runtime_token"
	KeyProposalTTLHours = "proposal_ttl_hours"
	KeyExpirySweepCron  = "expiry_sweep_cron"
	KeySyncWorkers      = "sync_workers"
	KeySyncMaxAttempts  = "sync_max_attempts"
)

// Defaults that do NOT involve crypto material. The signing key intentionally
// has no baked-in default — when unset we generate a deterministic
// per-machine fallback and warn loudly.
const (
	DefaultRuntimeBaseURL   = "http://localhost:8283"
	DefaultProposalTTLHours = 72
	DefaultExpirySweepCron  = "*/15 * * * *"
	DefaultSyncWorkers      = 2
	DefaultSyncMaxAttempts  = 5
)

// Config holds resolved operator-level configuration for a Recall process.
type Config struct {
	DataDir          string // Base directory for all state (~/.recall)
	SigningKey       string // HMAC-SHA256 key for enrichment audit records (≥32 bytes)
	RuntimeBaseURL   string // External agent runtime cache endpoint
	RuntimeToken     string // Bearer token for the runtime push API (optional)
	ProposalTTLHours int    // Pending proposals older than this are expired by the sweep
	ExpirySweepCron  string // Cron expression driving the expiry sweep (5-field)
	SyncWorkers      int    // Sync bridge worker count
	SyncMaxAttempts  int    // Bounded retry attempts per sync push

	usingDefaultSigningKey bool
}

// UsingDefaultSigningKey returns true if the signing key was derived
// (not set explicitly). Commands should warn when this is the case.
func (c *Config) UsingDefaultSigningKey() bool {
	return c.usingDefaultSigningKey
}

// BlocksDBPath returns the full path to the block store SQLite database.
func (c *Config) BlocksDBPath() string {
	return filepath.Join(c.DataDir, "blocks.db")
}

// ProposalsDBPath returns the full path to the proposals SQLite database.
func (c *Config) ProposalsDBPath() string {
	return filepath.Join(c.DataDir, "proposals.db")
}

// EnrichmentDBPath returns the full path to the enrichment audit SQLite database.
func (c *Config) EnrichmentDBPath() string {
	return filepath.Join(c.DataDir, "enrichment.db")
}

// SyncDBPath returns the full path to the sync state SQLite database.
func (c *Config) SyncDBPath() string {
	return filepath.Join(c.DataDir, "sync.db")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *Config) EnsureDataDir() error {
	return os.MkdirAll(c.DataDir, 0o700)
}

// WarnIfDefaultKeys logs a warning when the signing key is not explicitly set.
// Suppressed when RECALL_QUICKSTART=1 or true (first-time exploration, demos).
func (c *Config) WarnIfDefaultKeys() {
	if isQuickstart() {
		return
	}
	if c.usingDefaultSigningKey {
		log.Warn().Msg("Using generated default RECALL_SIGNING_KEY — set via env var or config file for production")
	}
}

func isQuickstart() bool {
	v := os.Getenv("RECALL_QUICKSTART")
	return v == "1" || v == "true" || v == "TRUE"
}

func init() {
	viper.SetEnvPrefix("RECALL")
	viper.AutomaticEnv()
	viper.SetDefault(KeyRuntimeBaseURL, DefaultRuntimeBaseURL)
	viper.SetDefault(KeyProposalTTLHours, DefaultProposalTTLHours)
	viper.SetDefault(KeyExpirySweepCron, DefaultExpirySweepCron)
	viper.SetDefault(KeySyncWorkers, DefaultSyncWorkers)
	viper.SetDefault(KeySyncMaxAttempts, DefaultSyncMaxAttempts)
}

// Load reads configuration from Viper (which merges env vars, config
// file, and defaults) and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		DataDir:          resolveDataDir(),
		SigningKey:       viper.GetString(KeySigningKey),
		RuntimeBaseURL:   viper.GetString(KeyRuntimeBaseURL),
		RuntimeToken:     viper.GetString(KeyRuntimeToken),
		ProposalTTLHours: viper.GetInt(KeyProposalTTLHours),
		ExpirySweepCron:  viper.GetString(KeyExpirySweepCron),
		SyncWorkers:      viper.GetInt(KeySyncWorkers),
		SyncMaxAttempts:  viper.GetInt(KeySyncMaxAttempts),
	}

	if cfg.SigningKey == "" {
		cfg.SigningKey = deriveDefaultKey(cfg.DataDir, "enrichment-signing")
		cfg.usingDefaultSigningKey = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func resolveDataDir() string {
	if dir := viper.GetString(KeyDataDir); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".recall"
	}
	return filepath.Join(home, ".recall")
}

// deriveDefaultKey produces a deterministic 32-byte fallback key from the
// data directory path and a salt. This is NOT cryptographically strong — it
// exists solely so `recall serve` works out of the box while still signing
// audit records with a per-machine-unique key.
func deriveDefaultKey(dataDir, salt string) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("recall:%s:%s", dataDir, salt)))
	return hex.EncodeToString(h[:])
}

func (c *Config) validate() error {
	if err := validateSigningKey(c.SigningKey); err != nil {
		return err
	}
	if c.ProposalTTLHours <= 0 {
		return fmt.Errorf("proposal_ttl_hours must be positive")
	}
	if c.SyncWorkers <= 0 {
		return fmt.Errorf("sync_workers must be positive")
	}
	if c.SyncMaxAttempts <= 0 {
		return fmt.Errorf("sync_max_attempts must be positive")
	}
	return nil
}

// validateSigningKey accepts either ≥32 raw bytes or ≥64 hex characters
// (decoded length ≥32 for HMAC-SHA256). Hex is checked first (disjoint from
// raw) so that hex format is validated; raw is accepted otherwise when n ≥ 32.
func validateSigningKey(key string) error {
	n := len(key)
	if n >= 64 && n%2 == 0 && isHexString(key) {
		decoded, err := hex.DecodeString(key)
		if err != nil || len(decoded) < 32 {
			return fmt.Errorf("signing_key hex must decode to at least 32 bytes: %w", err)
		}
		return nil
	}
	if n >= 32 {
		return nil
	}
	return fmt.Errorf("signing_key must be at least 32 bytes or 64+ hex characters (got %d); set RECALL_SIGNING_KEY", n)
}

func isHexString(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
