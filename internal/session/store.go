// Package session holds the in-memory registry of interactive sessions.
// Each session maps an identifier to conversation history, screen state and
// the pty handle that owns its CLI child. Sessions are evicted by age;
// eviction and deletion both release the pty handle back through the pool.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"claudebridge/internal/api"
	"claudebridge/internal/log"
	"claudebridge/internal/pool"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusReady        Status = "ready"
	StatusProcessing   Status = "processing"
	StatusError        Status = "error"
)

// ErrNotFound is returned when a session id is unknown.
var ErrNotFound = fmt.Errorf("session not found")

// Message is one entry of a session's conversation history.
type Message struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the state of one interactive conversation. Mutations go
// through Store methods so last-activity and expiry stay current.
type Session struct {
	ID           string
	CreatedAt    time.Time
	LastActivity time.Time
	Status       Status
	Options      api.SessionOptions

	Messages       []Message
	CurrentScreen  string
	PreviousScreen string
	History        *ScreenHistory

	// LastInput is the most recent user input, remembered so screen
	// analysis can strip its echo.
	LastInput string

	Handle *pool.Handle
	PID    int

	nextMessageID int64
	mu            sync.RWMutex

	// opMu serializes send and stream on this session. Held for the whole
	// of one logical operation, never inside the field mutex.
	opMu sync.Mutex
}

// RecentScreens returns every retained screen snapshot, oldest first.
func (s *Session) RecentScreens() []string {
	return s.History.LastN(s.History.Len())
}

// Lock acquires the session's operation lock (send/stream exclusion).
func (s *Session) Lock() { s.opMu.Lock() }

// Unlock releases the session's operation lock.
func (s *Session) Unlock() { s.opMu.Unlock() }

// Snapshot returns a read-consistent copy of the session's exported state.
func (s *Session) Snapshot() SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := make([]Message, len(s.Messages))
	copy(messages, s.Messages)

	return SessionView{
		ID:             s.ID,
		CreatedAt:      s.CreatedAt,
		LastActivity:   s.LastActivity,
		Status:         s.Status,
		Options:        s.Options,
		Messages:       messages,
		CurrentScreen:  s.CurrentScreen,
		PreviousScreen: s.PreviousScreen,
		PID:            s.PID,
		MessageCount:   len(messages),
	}
}

// SessionView is the copied, read-only view of a session handed to callers.
type SessionView struct {
	ID             string             `json:"id"`
	CreatedAt      time.Time          `json:"created_at"`
	LastActivity   time.Time          `json:"last_activity"`
	Status         Status             `json:"status"`
	Options        api.SessionOptions `json:"options"`
	Messages       []Message          `json:"messages,omitempty"`
	CurrentScreen  string             `json:"current_screen,omitempty"`
	PreviousScreen string             `json:"previous_screen,omitempty"`
	PID            int                `json:"pid,omitempty"`
	MessageCount   int                `json:"message_count"`
}

// Releaser returns a pty handle to the process pool. Usually Pool.Release.
type Releaser func(*pool.Handle) bool

// Config holds store configuration.
type Config struct {
	MaxAge          time.Duration // Eviction threshold on last activity
	CleanupInterval time.Duration // Eviction cadence
	HistoryBound    int           // Screen snapshots retained per session
}

// Store is the in-memory session registry. Entries expire MaxAge after
// their last activity; the janitor releases the pty handle of anything it
// evicts.
type Store struct {
	cache    *cache.Cache
	cfg      Config
	releaser Releaser
	mu       sync.Mutex
}

// Stats summarizes the registry.
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	WithPty    int            `json:"with_pty"`
	OldestIdle time.Duration  `json:"oldest_idle_seconds"`
}

// NewStore creates a session store. releaser is called for every session
// whose record leaves the registry, whether by Delete or by age eviction.
func NewStore(cfg Config, releaser Releaser) *Store {
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 30 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.HistoryBound <= 0 {
		cfg.HistoryBound = 10
	}

	s := &Store{
		cache:    cache.New(cfg.MaxAge, cfg.CleanupInterval),
		cfg:      cfg,
		releaser: releaser,
	}
	s.cache.OnEvicted(func(id string, v interface{}) {
		sess, ok := v.(*Session)
		if !ok {
			return
		}
		log.Info(log.CatSession, "Session evicted", "sessionID", id, "status", string(sess.Status))
		s.releaseHandle(sess)
	})
	return s
}

func (s *Store) releaseHandle(sess *Session) {
	sess.mu.Lock()
	h := sess.Handle
	sess.Handle = nil
	sess.mu.Unlock()

	if h != nil && s.releaser != nil {
		s.releaser(h)
	}
}

// Create registers a new session. An empty id gets a generated one. Returns
// an error if the id is already present: exactly one session exists per id.
func (s *Store) Create(id string, opts api.SessionOptions) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache.Get(id); exists {
		return nil, fmt.Errorf("session %q already exists", id)
	}

	now := time.Now()
	sess := &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		Status:       StatusInitializing,
		Options:      opts,
		History:      NewScreenHistory(s.cfg.HistoryBound),
	}
	s.cache.Set(id, sess, cache.DefaultExpiration)

	log.Info(log.CatSession, "Session created", "sessionID", id, "model", opts.Model)
	return sess, nil
}

// Get returns the session for id, or ErrNotFound.
func (s *Store) Get(id string) (*Session, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, ErrNotFound
	}
	return v.(*Session), nil
}

// touch refreshes last-activity and the cache expiry.
func (s *Store) touch(sess *Session) {
	sess.LastActivity = time.Now()
	s.cache.Set(sess.ID, sess, cache.DefaultExpiration)
}

// UpdateStatus transitions a session's status.
func (s *Store) UpdateStatus(sess *Session, status Status) {
	sess.mu.Lock()
	sess.Status = status
	s.touch(sess)
	sess.mu.Unlock()
	log.Debug(log.CatSession, "Status changed", "sessionID", sess.ID, "status", string(status))
}

// SetPty attaches a pty handle to a session. The session owns the handle
// exclusively until deletion.
func (s *Store) SetPty(sess *Session, h *pool.Handle) {
	sess.mu.Lock()
	sess.Handle = h
	if h != nil {
		sess.PID = h.PID()
	} else {
		sess.PID = 0
	}
	s.touch(sess)
	sess.mu.Unlock()
}

// Handle returns the session's pty handle, which may be nil.
func (s *Store) Handle(sess *Session) *pool.Handle {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.Handle
}

// AddMessage appends to the conversation history with a strictly increasing
// message id.
func (s *Store) AddMessage(sess *Session, role, content string) Message {
	sess.mu.Lock()
	sess.nextMessageID++
	msg := Message{
		ID:        sess.nextMessageID,
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	sess.Messages = append(sess.Messages, msg)
	s.touch(sess)
	sess.mu.Unlock()
	return msg
}

// SetLastInput remembers the echoed user input for screen stripping.
func (s *Store) SetLastInput(sess *Session, input string) {
	sess.mu.Lock()
	sess.LastInput = input
	s.touch(sess)
	sess.mu.Unlock()
}

// LastInput returns the session's remembered echoed input.
func (s *Store) LastInput(sess *Session) string {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.LastInput
}

// UpdateScreen rotates current into previous, stores the new snapshot, and
// appends it to the bounded history ring.
func (s *Store) UpdateScreen(sess *Session, screen string) {
	sess.mu.Lock()
	sess.PreviousScreen = sess.CurrentScreen
	sess.CurrentScreen = screen
	sess.History.Push(screen)
	s.touch(sess)
	sess.mu.Unlock()
}

// Screens returns the session's previous and current screens.
func (s *Store) Screens(sess *Session) (previous, current string) {
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return sess.PreviousScreen, sess.CurrentScreen
}

// Delete removes a session and releases its pty handle. Returns false if
// the id is unknown.
func (s *Store) Delete(id string) bool {
	if _, ok := s.cache.Get(id); !ok {
		return false
	}
	// cache.Delete fires OnEvicted, which releases the handle.
	s.cache.Delete(id)
	log.Info(log.CatSession, "Session deleted", "sessionID", id)
	return true
}

// List returns a view of every live session.
func (s *Store) List() []SessionView {
	items := s.cache.Items()
	views := make([]SessionView, 0, len(items))
	for _, item := range items {
		sess, ok := item.Object.(*Session)
		if !ok {
			continue
		}
		v := sess.Snapshot()
		// Listing omits per-session payloads.
		v.Messages = nil
		v.CurrentScreen = ""
		v.PreviousScreen = ""
		views = append(views, v)
	}
	return views
}

// StatsSnapshot summarizes registry occupancy.
func (s *Store) StatsSnapshot() Stats {
	items := s.cache.Items()
	stats := Stats{
		Total:    len(items),
		ByStatus: make(map[Status]int),
	}
	now := time.Now()
	for _, item := range items {
		sess, ok := item.Object.(*Session)
		if !ok {
			continue
		}
		sess.mu.RLock()
		stats.ByStatus[sess.Status]++
		if sess.Handle != nil {
			stats.WithPty++
		}
		if idle := now.Sub(sess.LastActivity); idle > stats.OldestIdle {
			stats.OldestIdle = idle
		}
		sess.mu.RUnlock()
	}
	return stats
}

// CleanupExpired forces an eviction pass ahead of the janitor's cadence.
func (s *Store) CleanupExpired() {
	s.cache.DeleteExpired()
}

// Close releases every session's handle and empties the registry.
func (s *Store) Close() {
	for _, v := range s.List() {
		s.Delete(v.ID)
	}
}
