package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{"child": {"agentDir": "/tmp/agent", "walletAddress": "0xabc123"}}`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "claude-code", cfg.Child.Binary)
	assert.Equal(t, "dontAsk", cfg.Child.Mode)
	assert.Equal(t, 50, cfg.Lifecycle.MaxMessages)
	assert.Equal(t, "127.0.0.1:3333", cfg.HTTP.Addr)
}

func TestLoadMissingRequiredFieldFails(t *testing.T) {
	path := writeConfig(t, `{"child": {}}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	assert.Error(t, err)
}

func TestMaskedWalletRedactsMiddle(t *testing.T) {
	masked := MaskedWallet("0x1234567890abcdef")
	assert.Equal(t, "0x1234"+"********"+"cdef", masked)
}

func TestMaskedWalletShortAddressFullyRedacted(t *testing.T) {
	assert.Equal(t, "*****", MaskedWallet("0xabc"))
}
