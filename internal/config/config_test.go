package config

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper clears config keys touched by tests so runs stay independent.
func resetViper(t *testing.T) {
	t.Helper()
	keys := []string{
		KeyDataDir, KeySigningKey, KeyRuntimeBaseURL, KeyRuntimeToken,
		KeyProposalTTLHours, KeyExpirySweepCron, KeySyncWorkers, KeySyncMaxAttempts,
	}
	orig := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		orig[k] = viper.Get(k)
	}
	t.Cleanup(func() {
		for _, k := range keys {
			viper.Set(k, orig[k])
		}
	})
}

func TestLoad_Defaults(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySigningKey, "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DefaultRuntimeBaseURL, cfg.RuntimeBaseURL)
	assert.Equal(t, DefaultProposalTTLHours, cfg.ProposalTTLHours)
	assert.Equal(t, DefaultExpirySweepCron, cfg.ExpirySweepCron)
	assert.Equal(t, DefaultSyncWorkers, cfg.SyncWorkers)
	assert.Equal(t, DefaultSyncMaxAttempts, cfg.SyncMaxAttempts)
	assert.True(t, cfg.UsingDefaultSigningKey())
	// Derived key is 64 hex chars.
	assert.Len(t, cfg.SigningKey, 64)
}

func TestLoad_ExplicitSigningKey(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySigningKey, strings.Repeat("k", 32))

	cfg, err := Load()
	require.NoError(t, err)
	assert.False(t, cfg.UsingDefaultSigningKey())
}

func TestLoad_RejectsShortSigningKey(t *testing.T) {
	resetViper(t)
	viper.Set(KeyDataDir, t.TempDir())
	viper.Set(KeySigningKey, "too-short")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signing_key")
}

func TestLoad_RejectsNonPositiveTuning(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"proposal ttl", KeyProposalTTLHours},
		{"sync workers", KeySyncWorkers},
		{"sync max attempts", KeySyncMaxAttempts},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetViper(t)
			viper.Set(KeyDataDir, t.TempDir())
			viper.Set(KeySigningKey, strings.Repeat("k", 32))
			viper.Set(tt.key, 0)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestValidateSigningKey_HexForms(t *testing.T) {
	hex64 := strings.Repeat("ab", 32)
	require.NoError(t, validateSigningKey(hex64))

	// 64 hex chars decoding to <32 bytes is impossible; odd-length hex falls
	// through to the raw-bytes rule.
	require.NoError(t, validateSigningKey(strings.Repeat("a", 65)))
	assert.Error(t, validateSigningKey(strings.Repeat("a", 20)))
}

func TestDBPaths(t *testing.T) {
	cfg := &Config{DataDir: "/tmp/recall-test"}
	assert.Equal(t, filepath.Join("/tmp/recall-test", "blocks.db"), cfg.BlocksDBPath())
	assert.Equal(t, filepath.Join("/tmp/recall-test", "proposals.db"), cfg.ProposalsDBPath())
	assert.Equal(t, filepath.Join("/tmp/recall-test", "enrichment.db"), cfg.EnrichmentDBPath())
	assert.Equal(t, filepath.Join("/tmp/recall-test", "sync.db"), cfg.SyncDBPath())
}

func TestDeriveDefaultKey_Deterministic(t *testing.T) {
	a := deriveDefaultKey("/data", "enrichment-signing")
	b := deriveDefaultKey("/data", "enrichment-signing")
	c := deriveDefaultKey("/other", "enrichment-signing")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
