// Package agent drives interactive CLI sessions over pseudo-terminals: it
// establishes sessions, waits for the ready prompt, injects user input with
// bracketed-paste framing, and streams typed events derived from terminal
// screen analysis until the screen stabilizes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"claudebridge/internal/api"
	"claudebridge/internal/log"
	"claudebridge/internal/pool"
	"claudebridge/internal/session"
	"claudebridge/internal/term"
)

// Bracketed-paste framing: pasted input is wrapped so the CLI treats it as
// data rather than keystrokes, followed by a carriage return to submit.
const (
	pasteStart = "\x1b[200~"
	pasteEnd   = "\x1b[201~"
)

// ErrAdapter is the base error for unrecovered adapter failures, including
// writes to a dead pty and operations on sessions without one.
var ErrAdapter = errors.New("agent adapter failure")

// ErrPromptTimeout is returned when a fresh pty never shows a ready prompt
// within the configured ceiling.
var ErrPromptTimeout = errors.New("timed out waiting for ready prompt")

// Config tunes session establishment and streaming.
type Config struct {
	PromptTimeout      time.Duration // Wait-for-prompt ceiling
	StreamTimeout      time.Duration // Stream ceiling before warning+done
	CheckInterval      time.Duration // Screen analysis tick
	StabilityThreshold float64       // Screen-similarity cutoff
	StableCount        int           // Consecutive stable ticks required
	Cols               int           // Pty columns, 0 for pool default
	Rows               int           // Pty rows, 0 for pool default
}

func (c *Config) applyDefaults() {
	if c.PromptTimeout <= 0 {
		c.PromptTimeout = 30 * time.Second
	}
	if c.StreamTimeout <= 0 {
		c.StreamTimeout = 60 * time.Second
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 100 * time.Millisecond
	}
	if c.StabilityThreshold <= 0 || c.StabilityThreshold > 1 {
		c.StabilityThreshold = term.DefaultStabilityThreshold
	}
	if c.StableCount <= 0 {
		c.StableCount = 3
	}
}

// Adapter is the per-session orchestrator over pty children.
type Adapter struct {
	pool  *pool.Pool
	store *session.Store
	cfg   Config
}

// NewAdapter creates a pty adapter.
func NewAdapter(p *pool.Pool, store *session.Store, cfg Config) *Adapter {
	cfg.applyDefaults()
	return &Adapter{pool: p, store: store, cfg: cfg}
}

// GetOrCreateSession returns the session for id, or establishes a new one:
// spawn a pty child with arguments derived from opts, then block until the
// ready prompt appears. A prompt timeout releases the handle and leaves the
// session in error.
func (a *Adapter) GetOrCreateSession(ctx context.Context, id string, opts api.SessionOptions) (*session.Session, error) {
	if id != "" {
		if sess, err := a.store.Get(id); err == nil {
			if h := a.store.Handle(sess); h != nil && opts.Cols > 0 && opts.Rows > 0 {
				if err := h.Resize(opts.Cols, opts.Rows); err != nil {
					log.Warn(log.CatPty, "Pty resize failed", "sessionID", sess.ID, "err", err.Error())
				}
			}
			return sess, nil
		}
	}

	sess, err := a.store.Create(id, opts)
	if err != nil {
		return nil, err
	}

	cols, rows := a.cfg.Cols, a.cfg.Rows
	if opts.Cols > 0 && opts.Rows > 0 {
		cols, rows = opts.Cols, opts.Rows
	}
	h, err := a.pool.AcquirePty(buildSessionArgs(opts), opts.WorkingDirectory, cols, rows)
	if err != nil {
		a.store.UpdateStatus(sess, session.StatusError)
		return nil, err
	}
	a.store.SetPty(sess, h)

	if err := a.waitForPrompt(ctx, sess, h); err != nil {
		a.pool.Release(h)
		a.store.SetPty(sess, nil)
		a.store.UpdateStatus(sess, session.StatusError)
		return nil, err
	}

	a.store.UpdateStatus(sess, session.StatusReady)
	log.Info(log.CatPty, "Session established", "sessionID", sess.ID, "pid", h.PID())
	return sess, nil
}

// buildSessionArgs derives the CLI argument vector from session options.
func buildSessionArgs(opts api.SessionOptions) []string {
	var args []string
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	for _, tool := range opts.AllowedTools {
		args = append(args, "--allowed-tools", tool)
	}
	return args
}

// waitForPrompt polls the pty screen until a ready prompt appears, keeping
// the session's screen buffer current along the way.
func (a *Adapter) waitForPrompt(ctx context.Context, sess *session.Session, h *pool.Handle) error {
	deadline := time.NewTimer(a.cfg.PromptTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			screen := h.Screen()
			if screen != "" {
				a.store.UpdateScreen(sess, screen)
			}
			if term.HasPrompt(screen) {
				return nil
			}
			if !h.Alive() {
				return fmt.Errorf("%w: pty child exited during startup: %v", ErrAdapter, h.ExitErr())
			}
		case <-deadline.C:
			log.Warn(log.CatPty, "Prompt wait timed out", "sessionID", sess.ID, "timeout", a.cfg.PromptTimeout)
			return ErrPromptTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Send writes user content into the session's pty using bracketed-paste
// framing followed by a carriage return, appends the user message, and moves
// the session to processing. Requires status ready or processing.
func (a *Adapter) Send(sess *session.Session, content string) error {
	sess.Lock()
	defer sess.Unlock()

	h := a.store.Handle(sess)
	if h == nil {
		return fmt.Errorf("%w: session %s has no pty handle", ErrAdapter, sess.ID)
	}

	status := sess.Snapshot().Status
	if status != session.StatusReady && status != session.StatusProcessing {
		return fmt.Errorf("%w: session %s not accepting input (status %s)", ErrAdapter, sess.ID, status)
	}

	for _, frame := range []string{pasteStart, content, pasteEnd, "\r"} {
		if _, err := h.Write([]byte(frame)); err != nil {
			a.store.UpdateStatus(sess, session.StatusError)
			return fmt.Errorf("%w: pty write: %v", ErrAdapter, err)
		}
	}

	a.store.AddMessage(sess, api.RoleUser, content)
	a.store.SetLastInput(sess, content)
	a.store.UpdateStatus(sess, session.StatusProcessing)
	log.Debug(log.CatPty, "Dispatched input", "sessionID", sess.ID, "len", len(content))
	return nil
}

// Stream installs the single pty output listener and emits typed events
// until the screen stabilizes at a prompt, the stream ceiling expires, or
// the pty fails. Concurrent streams on one session are serialized.
func (a *Adapter) Stream(ctx context.Context, sess *session.Session) (<-chan api.AgentEvent, error) {
	sess.Lock()

	h := a.store.Handle(sess)
	if h == nil {
		sess.Unlock()
		return nil, fmt.Errorf("%w: session %s has no pty handle", ErrAdapter, sess.ID)
	}

	listener, err := h.AddListener()
	if err != nil {
		sess.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrAdapter, err)
	}

	out := make(chan api.AgentEvent, 32)
	go a.streamLoop(ctx, sess, h, listener, out)
	return out, nil
}

func (a *Adapter) streamLoop(ctx context.Context, sess *session.Session, h *pool.Handle, listener <-chan []byte, out chan<- api.AgentEvent) {
	defer sess.Unlock()
	defer h.RemoveListener()
	defer close(out)

	emit := func(ev api.AgentEvent) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if !emit(api.SessionEvent(sess.ID)) {
		return
	}

	echoed := a.store.LastInput(sess)
	lastContent := ""
	emittedTools := make(map[string]struct{})
	stableTicks := 0
	prevScreen := h.Screen()

	deadline := time.NewTimer(a.cfg.StreamTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(a.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case _, ok := <-listener:
			if !ok {
				// Pty closed underneath the stream.
				a.store.UpdateStatus(sess, session.StatusError)
				emit(api.ErrorEvent("pty output stream closed unexpectedly"))
				emit(api.DoneEvent())
				return
			}
			a.store.UpdateScreen(sess, h.Screen())

		case <-ticker.C:
			screen := h.Screen()
			analysis := term.Analyze(screen, echoed)

			// Tool calls detected in this snapshot are emitted before any
			// content derived from later snapshots.
			for _, call := range analysis.ToolCalls {
				if _, seen := emittedTools[call.Tool]; seen {
					continue
				}
				emittedTools[call.Tool] = struct{}{}
				if !emit(api.ToolCallEvent(call.Tool, call.Input)) {
					return
				}
			}

			if delta := term.Diff(lastContent, analysis.Content); delta != "" {
				lastContent = analysis.Content
				if !emit(api.ContentEvent(delta)) {
					return
				}
			}

			if term.IsStable(prevScreen, screen, a.cfg.StabilityThreshold) {
				stableTicks++
			} else {
				stableTicks = 0
			}
			prevScreen = screen

			if stableTicks >= a.cfg.StableCount && analysis.HasPrompt {
				if lastContent != "" {
					a.store.AddMessage(sess, api.RoleAssistant, lastContent)
				}
				a.store.UpdateStatus(sess, session.StatusReady)
				emit(api.DoneEvent())
				log.Debug(log.CatPty, "Stream stabilized", "sessionID", sess.ID, "contentLen", len(lastContent))
				return
			}

		case <-deadline.C:
			// Duration wins over pending stability: degrade to a warning and
			// leave the session ready so the caller can retry.
			if lastContent != "" {
				a.store.AddMessage(sess, api.RoleAssistant, lastContent)
			}
			a.store.UpdateStatus(sess, session.StatusReady)
			log.Warn(log.CatPty, "Stream ceiling reached", "sessionID", sess.ID, "timeout", a.cfg.StreamTimeout)
			emit(api.WarningEvent(fmt.Sprintf("response did not stabilize within %s", a.cfg.StreamTimeout)))
			emit(api.DoneEvent())
			return

		case <-ctx.Done():
			// Client disconnected; put the session back in ready.
			a.store.UpdateStatus(sess, session.StatusReady)
			return
		}
	}
}

// ListSessions is a Session Store pass-through.
func (a *Adapter) ListSessions() []session.SessionView {
	return a.store.List()
}

// GetSession is a Session Store pass-through.
func (a *Adapter) GetSession(id string) (*session.Session, error) {
	return a.store.Get(id)
}

// DeleteSession removes a session, releasing its pty handle through the
// pool. Returns false when the id is unknown.
func (a *Adapter) DeleteSession(id string) bool {
	return a.store.Delete(id)
}
