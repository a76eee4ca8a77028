package session

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"claudebridge/internal/api"
	"claudebridge/internal/pool"
)

type recordingReleaser struct {
	mu       sync.Mutex
	released []string
}

func (r *recordingReleaser) release(h *pool.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = append(r.released, h.ID())
	return true
}

func (r *recordingReleaser) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.released))
	copy(out, r.released)
	return out
}

func newTestStore(cfg Config) (*Store, *recordingReleaser) {
	r := &recordingReleaser{}
	return NewStore(cfg, r.release), r
}

func TestStore_CreateAndGet(t *testing.T) {
	s, _ := newTestStore(Config{})

	sess, err := s.Create("", api.SessionOptions{Model: "sonnet"})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	require.Equal(t, StatusInitializing, sess.Status)
	require.False(t, sess.CreatedAt.IsZero())

	got, err := s.Get(sess.ID)
	require.NoError(t, err)
	require.Same(t, sess, got)

	_, err = s.Get("missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_DuplicateID(t *testing.T) {
	s, _ := newTestStore(Config{})

	_, err := s.Create("dup", api.SessionOptions{})
	require.NoError(t, err)

	_, err = s.Create("dup", api.SessionOptions{})
	require.Error(t, err)
}

func TestStore_DeleteReleasesHandle(t *testing.T) {
	s, r := newTestStore(Config{})

	sess, err := s.Create("with-pty", api.SessionOptions{})
	require.NoError(t, err)
	s.SetPty(sess, pool.NewTestHandle("pty-1", pool.KindPty))

	require.True(t, s.Delete("with-pty"))
	require.Equal(t, []string{"pty-1"}, r.ids())

	require.False(t, s.Delete("with-pty"), "second delete reports not found")
	_, err = s.Get("with-pty")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestStore_AgeEviction(t *testing.T) {
	s, r := newTestStore(Config{MaxAge: 50 * time.Millisecond, CleanupInterval: 20 * time.Millisecond})

	sess, err := s.Create("short-lived", api.SessionOptions{})
	require.NoError(t, err)
	s.SetPty(sess, pool.NewTestHandle("pty-evict", pool.KindPty))

	require.Eventually(t, func() bool {
		_, err := s.Get("short-lived")
		return err != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		ids := r.ids()
		return len(ids) == 1 && ids[0] == "pty-evict"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStore_ActivityDefersEviction(t *testing.T) {
	s, _ := newTestStore(Config{MaxAge: 150 * time.Millisecond, CleanupInterval: 25 * time.Millisecond})

	sess, err := s.Create("busy", api.SessionOptions{})
	require.NoError(t, err)

	// Keep touching the session past its original expiry.
	for i := 0; i < 5; i++ {
		time.Sleep(50 * time.Millisecond)
		s.UpdateStatus(sess, StatusReady)
	}

	_, err = s.Get("busy")
	require.NoError(t, err)
}

func TestStore_MessageIDsMonotonic(t *testing.T) {
	s, _ := newTestStore(Config{})
	sess, err := s.Create("conv", api.SessionOptions{})
	require.NoError(t, err)

	m1 := s.AddMessage(sess, "user", "hi")
	m2 := s.AddMessage(sess, "assistant", "hello")
	m3 := s.AddMessage(sess, "user", "again")

	require.Less(t, m1.ID, m2.ID)
	require.Less(t, m2.ID, m3.ID)

	view := sess.Snapshot()
	require.Len(t, view.Messages, 3)
	require.Equal(t, "user", view.Messages[0].Role)
	require.Equal(t, "hi", view.Messages[0].Content)
}

func TestStore_UpdateScreen(t *testing.T) {
	s, _ := newTestStore(Config{HistoryBound: 3})
	sess, err := s.Create("screens", api.SessionOptions{})
	require.NoError(t, err)

	s.UpdateScreen(sess, "one")
	s.UpdateScreen(sess, "two")

	prev, curr := s.Screens(sess)
	require.Equal(t, "one", prev)
	require.Equal(t, "two", curr)

	s.UpdateScreen(sess, "three")
	s.UpdateScreen(sess, "four")

	// Bounded ring evicts the oldest snapshot.
	require.Equal(t, []string{"two", "three", "four"}, sess.RecentScreens())
}

func TestStore_ListAndStats(t *testing.T) {
	s, _ := newTestStore(Config{})

	a, err := s.Create("a", api.SessionOptions{})
	require.NoError(t, err)
	_, err = s.Create("b", api.SessionOptions{})
	require.NoError(t, err)

	s.UpdateStatus(a, StatusReady)
	s.SetPty(a, pool.NewTestHandle("pty-a", pool.KindPty))

	views := s.List()
	require.Len(t, views, 2)
	for _, v := range views {
		require.Empty(t, v.Messages, "listing omits message payloads")
		require.Empty(t, v.CurrentScreen)
	}

	stats := s.StatsSnapshot()
	require.Equal(t, 2, stats.Total)
	require.Equal(t, 1, stats.ByStatus[StatusReady])
	require.Equal(t, 1, stats.ByStatus[StatusInitializing])
	require.Equal(t, 1, stats.WithPty)
}

func TestScreenHistory_BoundNeverExceeded(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(t, "capacity")
		pushes := rapid.IntRange(0, 40).Draw(t, "pushes")

		h := NewScreenHistory(capacity)
		for i := 0; i < pushes; i++ {
			h.Push(rapid.String().Draw(t, "snapshot"))
		}

		require.LessOrEqual(t, h.Len(), capacity)
		require.Len(t, h.LastN(h.Len()), h.Len())
	})
}

func TestScreenHistory_LastN(t *testing.T) {
	h := NewScreenHistory(5)
	for _, s := range []string{"a", "b", "c", "d"} {
		h.Push(s)
	}
	require.Equal(t, []string{"c", "d"}, h.LastN(2))
	require.Equal(t, []string{"a", "b", "c", "d"}, h.LastN(10))
	require.Nil(t, h.LastN(0))
}
