package pool

import (
	"context"
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("child process tests require a unix environment")
	}
	p := New(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		p.Shutdown(ctx)
	})
	return p
}

func TestPool_AcquireStdio_Echo(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/cat"})

	h, err := p.AcquireStdio(nil)
	require.NoError(t, err)
	require.Equal(t, KindStdio, h.Kind())
	require.NotZero(t, h.PID())

	_, err = h.Write([]byte("hello\n"))
	require.NoError(t, err)
	require.NoError(t, h.CloseInput())

	select {
	case line := <-h.Lines():
		require.Equal(t, "hello", line)
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for echoed line")
	}

	select {
	case <-h.Exited():
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for exit")
	}

	// Exit observer removes the handle from the registry.
	require.Eventually(t, func() bool {
		return p.Stats().Total == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandle_LinesSurviveChildExit(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/sh"})

	h, err := p.AcquireStdio([]string{"-c",
		`i=0; while [ "$i" -lt 500 ]; do echo "line $i"; i=$((i+1)); done`})
	require.NoError(t, err)

	// Let the child write everything and exit before we start draining.
	// Lines buffered in the pipe at exit must still all be delivered.
	time.Sleep(150 * time.Millisecond)

	got := 0
	for range h.Lines() {
		got++
	}
	require.Equal(t, 500, got)

	select {
	case <-h.Exited():
		require.NoError(t, h.ExitErr())
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for exit")
	}
}

func TestHandle_ReleaseUnblocksScanner(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/sh", GracePeriod: 200 * time.Millisecond})

	// Emits far more lines than the channel buffer; nothing drains them.
	h, err := p.AcquireStdio([]string{"-c",
		`i=0; while [ "$i" -lt 1000 ]; do echo "line $i"; i=$((i+1)); done; sleep 30`})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.True(t, p.Release(h))

	// The scanner gives up on release, letting the exit observer reap the
	// child and clear the registry.
	require.Eventually(t, func() bool {
		return p.Stats().Total == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPool_CapacityExhausted(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/sleep", MaxProcesses: 1})

	h, err := p.AcquireStdio([]string{"30"})
	require.NoError(t, err)

	_, err = p.AcquireStdio([]string{"30"})
	require.ErrorIs(t, err, ErrPoolExhausted)

	require.True(t, p.Release(h))
	require.Eventually(t, func() bool {
		return p.Stats().Total == 0
	}, 3*time.Second, 10*time.Millisecond)

	// Capacity is available again.
	h2, err := p.AcquireStdio([]string{"30"})
	require.NoError(t, err)
	p.Release(h2)
}

func TestPool_ReleaseIdempotent(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/sleep"})

	h, err := p.AcquireStdio([]string{"30"})
	require.NoError(t, err)

	require.True(t, p.Release(h))
	require.False(t, p.Release(h), "double release must be a no-op")
	require.False(t, p.Release(h))
}

func TestPool_AcquireReleaseRestoresStats(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/sleep"})

	before := p.Stats().Total
	h, err := p.AcquireStdio([]string{"30"})
	require.NoError(t, err)
	require.Equal(t, before+1, p.Stats().Total)

	p.Release(h)
	require.Eventually(t, func() bool {
		return p.Stats().Total == before
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPool_SpawnFailed(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/nonexistent/claudebridge-test-binary"})

	_, err := p.AcquireStdio(nil)
	require.Error(t, err)

	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	require.Equal(t, "/nonexistent/claudebridge-test-binary", spawnErr.Path)

	// A failed spawn must not leak a registry slot.
	require.Equal(t, 0, p.Stats().Total)
}

func TestPool_Closed(t *testing.T) {
	p := New(Config{BinaryPath: "/bin/cat"})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p.Shutdown(ctx)

	_, err := p.AcquireStdio(nil)
	require.ErrorIs(t, err, ErrPoolClosed)
	_, err = p.AcquirePty(nil, "", 0, 0)
	require.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_Shutdown(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("child process tests require a unix environment")
	}
	p := New(Config{BinaryPath: "/bin/sleep"})

	for i := 0; i < 3; i++ {
		_, err := p.AcquireStdio([]string{"30"})
		require.NoError(t, err)
	}
	require.Equal(t, 3, p.Stats().Total)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p.Shutdown(ctx)

	require.Equal(t, 0, p.Stats().Total)
}

func TestPool_HealthCheck(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/sleep", MaxProcesses: 2})

	health := p.HealthCheck()
	require.True(t, health.Healthy)
	require.Empty(t, health.Zombies)

	_, err := p.AcquireStdio([]string{"30"})
	require.NoError(t, err)
	_, err = p.AcquireStdio([]string{"30"})
	require.NoError(t, err)

	// At cap counts as unhealthy.
	health = p.HealthCheck()
	require.False(t, health.Healthy)
}

func TestPool_AcquirePty(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/cat"})

	h, err := p.AcquirePty(nil, "", 80, 24)
	require.NoError(t, err)
	require.Equal(t, KindPty, h.Kind())

	// cat in a pty echoes its input onto the screen.
	_, err = h.Write([]byte("hi\r"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.Screen() != ""
	}, 2*time.Second, 20*time.Millisecond)

	require.True(t, p.Release(h))
}

func TestPool_PtySubCap(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/cat", MaxProcesses: 5, MaxPtyProcesses: 1})

	h, err := p.AcquirePty(nil, "", 80, 24)
	require.NoError(t, err)

	_, err = p.AcquirePty(nil, "", 80, 24)
	require.ErrorIs(t, err, ErrPoolExhausted)

	// Stdio capacity is unaffected by the pty sub-cap.
	s, err := p.AcquireStdio(nil)
	require.NoError(t, err)

	p.Release(h)
	p.Release(s)
}

func TestHandle_SingleListener(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/cat"})

	h, err := p.AcquirePty(nil, "", 80, 24)
	require.NoError(t, err)
	defer p.Release(h)

	ch, err := h.AddListener()
	require.NoError(t, err)

	_, err = h.AddListener()
	require.ErrorIs(t, err, ErrListenerInstalled)

	_, err = h.Write([]byte("ping\r"))
	require.NoError(t, err)

	select {
	case chunk, ok := <-ch:
		require.True(t, ok)
		require.NotEmpty(t, chunk)
	case <-time.After(2 * time.Second):
		require.Fail(t, "timeout waiting for pty output chunk")
	}

	h.RemoveListener()
	h.RemoveListener() // idempotent

	// A new listener can be installed after removal.
	_, err = h.AddListener()
	require.NoError(t, err)
}

func TestPool_ReleaseAllByKind(t *testing.T) {
	p := newTestPool(t, Config{BinaryPath: "/bin/sleep"})

	_, err := p.AcquireStdio([]string{"30"})
	require.NoError(t, err)
	_, err = p.AcquireStdio([]string{"30"})
	require.NoError(t, err)

	released := p.ReleaseAll(KindStdio)
	require.Equal(t, 2, released)

	require.Eventually(t, func() bool {
		return p.Stats().Total == 0
	}, 3*time.Second, 10*time.Millisecond)
}

func TestSpawnError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &SpawnError{Path: "claude", Err: inner}
	require.ErrorIs(t, err, inner)
	require.Contains(t, err.Error(), "claude")
}
