package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deepresearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("research:\n  max_concurrent_sessions: 5\n"), 0o644))

	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 4)
	w.OnReload(func(cfg *Config) { reloaded <- cfg })
	w.Start()

	require.NoError(t, os.WriteFile(path, []byte("research:\n  max_concurrent_sessions: 8\n"), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, 8, cfg.Research.MaxConcurrentSessions)
	case <-time.After(3 * time.Second):
		t.Fatal("reload handler not invoked")
	}
}

func TestWatcherKeepsLastGoodConfigOnInvalidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deepresearch.yaml")
	require.NoError(t, os.WriteFile(path, []byte("research:\n  max_concurrent_sessions: 5\n"), 0o644))

	w, err := NewWatcher(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer w.Stop()

	reloaded := make(chan *Config, 4)
	w.OnReload(func(cfg *Config) { reloaded <- cfg })
	w.Start()

	// validation failure: handlers must not fire
	require.NoError(t, os.WriteFile(path, []byte("research:\n  max_concurrent_sessions: 0\n"), 0o644))

	select {
	case cfg := <-reloaded:
		t.Fatalf("unexpected reload with concurrency %d", cfg.Research.MaxConcurrentSessions)
	case <-time.After(time.Second):
	}
}
