package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasExpectedSubcommands(t *testing.T) {
	expected := []string{
		"version",
		"serve",
		"blocks",
		"proposals",
		"sync",
	}
	registered := make(map[string]bool)
	for _, cmd := range rootCmd.Commands() {
		registered[cmd.Name()] = true
	}
	for _, name := range expected {
		assert.True(t, registered[name], "subcommand %q should be registered", name)
	}
}

func TestRootCommand_HelpOutput(t *testing.T) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs([]string{"--help"})

	err := rootCmd.Execute()
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, "versioned store for per-user memory blocks")
	assert.Contains(t, output, "serve")
	assert.Contains(t, output, "proposals")
}

func TestRootCommand_GlobalFlags(t *testing.T) {
	tests := []struct {
		name     string
		flagName string
	}{
		{"config flag", "config"},
		{"verbose flag", "verbose"},
		{"log-level flag", "log-level"},
		{"log-format flag", "log-format"},
		{"otel flag", "otel"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flag := rootCmd.PersistentFlags().Lookup(tt.flagName)
			assert.NotNil(t, flag, "flag %q should be registered", tt.flagName)
		})
	}
}

func TestParseAPIKeys(t *testing.T) {
	tests := []struct {
		name string
		env  string
		want map[string]string
	}{
		{"empty", "", map[string]string{}},
		{"bare key", "k1", map[string]string{"k1": "default"}},
		{"key with identity", "k1:alice", map[string]string{"k1": "alice"}},
		{
			"mixed with spaces",
			" k1:alice , k2 ,, k3:bob ",
			map[string]string{"k1": "alice", "k2": "default", "k3": "bob"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseAPIKeys(tt.env))
		})
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "long text…", truncate("long texts overflow", 10))
}

func TestVersionVars_HaveDefaults(t *testing.T) {
	assert.Equal(t, "dev", Version)
	assert.Equal(t, "none", Commit)
	assert.Equal(t, "unknown", BuildDate)
}
