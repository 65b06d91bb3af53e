package logging

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "structured.jsonl")
	log := New(Config{Path: path})

	log.Info("hello", map[string]interface{}{"key": "value"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"key":"value"`)
}

func TestLoggerWithCorrelationID(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "structured.jsonl")
	log := New(Config{Path: path}).WithCorrelationID("abc-123")

	log.Info("scoped", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"correlationId":"abc-123"`)
}

func TestLogRotationBounds(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "structured.jsonl")
	cfg := Config{Path: path, MaxLogSizeByte: 1024, MaxLogFiles: 3}
	log := New(cfg)

	// Write enough records to force several rotations.
	big := strings.Repeat("x", 200)
	for i := 0; i < 200; i++ {
		log.Info(big, nil)
	}

	for n := 1; n <= cfg.MaxLogFiles; n++ {
		p := path
		if n > 0 {
			p = path + "." + itoa(n)
		}
		if info, err := os.Stat(p); err == nil {
			assert.LessOrEqual(t, info.Size(), cfg.MaxLogSizeByte+int64(len(big)+200))
		}
	}

	// No file beyond maxLogFiles should exist.
	_, err := os.Stat(path + "." + itoa(cfg.MaxLogFiles+1))
	assert.True(t, os.IsNotExist(err))

	// Live file must still be valid JSONL (only overflow content).
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
	}
	assert.Greater(t, lines, 0)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := ""
	for n > 0 {
		digits = string(rune('0'+n%10)) + digits
		n /= 10
	}
	return digits
}
