package watcher_test

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"claudebridge/internal/watcher"
)

func TestWatcher_DebounceMultipleWrites(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(cfgPath, []byte("server:\n  addr: :8080\n"), 0644)
	require.NoError(t, err, "failed to create config file")

	w, err := watcher.New(watcher.Config{
		ConfigPath:  cfgPath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Rapid writes should coalesce into single notification
	for i := 0; i < 10; i++ {
		err := os.WriteFile(cfgPath, []byte(fmt.Sprintf("# edit %d\n", i)), 0644)
		require.NoError(t, err, "failed to write file")
		time.Sleep(10 * time.Millisecond)
	}

	// Should receive exactly one notification
	select {
	case <-onChange:
		// Expected
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected notification but got timeout")
	}

	// No second notification should come quickly
	select {
	case <-onChange:
		t.Fatal("unexpected second notification")
	case <-time.After(100 * time.Millisecond):
		// Expected - no second notification
	}
}

func TestWatcher_IgnoresIrrelevantFiles(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	otherPath := filepath.Join(dir, "other.txt")
	err := os.WriteFile(cfgPath, []byte("cfg"), 0644)
	require.NoError(t, err, "failed to create config file")
	// Pre-create the other file so writes to it are just Write events
	err = os.WriteFile(otherPath, []byte("initial"), 0644)
	require.NoError(t, err, "failed to create other file")

	w, err := watcher.New(watcher.Config{
		ConfigPath:  cfgPath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Write to unrelated file (not Create, since it already exists)
	err = os.WriteFile(otherPath, []byte("other content"), 0644)
	require.NoError(t, err, "failed to write other file")

	select {
	case <-onChange:
		t.Fatal("should not notify for unrelated files")
	case <-time.After(100 * time.Millisecond):
		// Expected - no notification for unrelated file
	}
}

func TestWatcher_Stop(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(cfgPath, []byte("cfg"), 0644)
	require.NoError(t, err, "failed to create config file")

	w, err := watcher.New(watcher.Config{
		ConfigPath:  cfgPath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")

	_, err = w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Stop should not hang or panic
	done := make(chan struct{})
	go func() {
		err := w.Stop()
		assert.NoError(t, err, "Stop returned error")
		close(done)
	}()

	select {
	case <-done:
		// Expected - stop completed successfully
	case <-time.After(1 * time.Second):
		t.Fatal("Stop() timed out - possible deadlock")
	}
}

func TestWatcher_DetectsReplaceOnSave(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(cfgPath, []byte("cfg"), 0644)
	require.NoError(t, err, "failed to create config file")

	w, err := watcher.New(watcher.Config{
		ConfigPath:  cfgPath,
		DebounceDur: 50 * time.Millisecond,
	})
	require.NoError(t, err, "failed to create watcher")
	defer func() { _ = w.Stop() }()

	onChange, err := w.Start()
	require.NoError(t, err, "failed to start watcher")

	// Editors write a temp file and rename it over the original.
	tmpPath := filepath.Join(dir, "config.yaml.tmp")
	err = os.WriteFile(tmpPath, []byte("new cfg"), 0644)
	require.NoError(t, err, "failed to write temp file")
	require.NoError(t, os.Rename(tmpPath, cfgPath))

	select {
	case <-onChange:
		// Expected - replace-on-save should trigger notification
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected notification for replaced config file")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfgPath := "/test/config.yaml"
	cfg := watcher.DefaultConfig(cfgPath)

	assert.Equal(t, cfgPath, cfg.ConfigPath)
	assert.Equal(t, 1*time.Second, cfg.DebounceDur)
}
