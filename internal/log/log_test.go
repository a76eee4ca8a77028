package log

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Init is once-guarded process-wide, so every test shares one logger.
var (
	testLogOnce sync.Once
	testLogPath string
	testLogErr  error
)

func initTestLogger(t *testing.T) string {
	t.Helper()
	testLogOnce.Do(func() {
		// Not t.TempDir: the file outlives whichever test happens to run
		// first.
		testLogPath = filepath.Join(os.TempDir(), fmt.Sprintf("claudebridge-log-test-%d.log", os.Getpid()))
		_, testLogErr = Init(testLogPath)
	})
	require.NoError(t, testLogErr)
	SetMinLevel(LevelDebug)
	return testLogPath
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, LevelInfo, ParseLevel("info"))
	require.Equal(t, LevelWarn, ParseLevel("warn"))
	require.Equal(t, LevelWarn, ParseLevel("warning"))
	require.Equal(t, LevelError, ParseLevel("error"))

	// Unknown values never silence the log.
	require.Equal(t, LevelDebug, ParseLevel("debug"))
	require.Equal(t, LevelDebug, ParseLevel("typo"))
}

func TestLog_WritesAndRepublishes(t *testing.T) {
	path := initTestLogger(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := NewListener(ctx)
	require.NotNil(t, listener)

	Info(CatHTTP, "Request served", "status", 200)

	ev, ok := listener.Next()
	require.True(t, ok)
	require.Contains(t, ev.Payload, "[INFO]")
	require.Contains(t, ev.Payload, "[http]")
	require.Contains(t, ev.Payload, "Request served")
	require.Contains(t, ev.Payload, "status=200")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "Request served")
}

func TestLog_LevelGate(t *testing.T) {
	initTestLogger(t)

	SetMinLevel(LevelWarn)
	defer SetMinLevel(LevelDebug)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	listener := NewListener(ctx)

	Debug(CatPool, "below the gate")
	Warn(CatPool, "at the gate")

	ev, ok := listener.Next()
	require.True(t, ok)
	require.Contains(t, ev.Payload, "at the gate")
	require.NotContains(t, ev.Payload, "below the gate")
}
