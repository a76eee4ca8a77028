// Package pool owns every live child process of the external CLI. It
// enforces a global cap across two sub-pools (stdio and pty children),
// issues opaque handles, and guarantees staged termination on release:
// graceful signal, grace period, then force-kill.
package pool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"

	"claudebridge/internal/log"
	"claudebridge/internal/pubsub"
)

// Defaults applied when Config fields are unset.
const (
	DefaultMaxProcesses    = 10
	DefaultMaxPtyProcesses = 5
	DefaultGracePeriod     = 5 * time.Second
	DefaultCols            = 120
	DefaultRows            = 40
	DefaultTermType        = "xterm-256color"
)

// ErrPoolClosed is returned when operations are attempted on a closed pool.
var ErrPoolClosed = fmt.Errorf("process pool is closed")

// ErrPoolExhausted is returned when spawning would exceed a process cap.
// Callers may retry after releasing capacity.
var ErrPoolExhausted = fmt.Errorf("process pool capacity reached")

// SpawnError wraps a failure to execute the CLI binary, carrying the
// configured path for operator diagnostics.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %q: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Event is published on the pool's broker for every spawn and exit.
type Event struct {
	HandleID string
	Kind     Kind
	PID      int
	Err      string
}

// Config holds configuration for the process pool.
type Config struct {
	BinaryPath      string        // CLI executable (default "claude")
	MaxProcesses    int           // Global cap on live children
	MaxPtyProcesses int           // Sub-cap for pty children
	GracePeriod     time.Duration // Signal-to-force-kill delay
	Cols            int           // Pty columns
	Rows            int           // Pty rows
	TermType        string        // TERM value for pty children
}

// Pool manages all live CLI child processes.
type Pool struct {
	cfg     Config
	handles map[string]*Handle
	broker  *pubsub.Broker[Event]
	mu      sync.RWMutex
	closed  atomic.Bool
	counter atomic.Int64
	wg      sync.WaitGroup
}

// Stats is a point-in-time view of pool occupancy.
type Stats struct {
	Stdio int `json:"stdio"`
	Pty   int `json:"pty"`
	Total int `json:"total"`
	Cap   int `json:"cap"`
}

// Health reports pool liveness. Zombies are handles whose child lost its
// process identity or had to be force-killed.
type Health struct {
	Healthy bool     `json:"healthy"`
	Zombies []string `json:"zombies,omitempty"`
}

// New creates a process pool with the given configuration.
func New(cfg Config) *Pool {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "claude"
	}
	if cfg.MaxProcesses <= 0 {
		cfg.MaxProcesses = DefaultMaxProcesses
	}
	if cfg.MaxPtyProcesses <= 0 {
		cfg.MaxPtyProcesses = DefaultMaxPtyProcesses
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Cols <= 0 {
		cfg.Cols = DefaultCols
	}
	if cfg.Rows <= 0 {
		cfg.Rows = DefaultRows
	}
	if cfg.TermType == "" {
		cfg.TermType = DefaultTermType
	}

	return &Pool{
		cfg:     cfg,
		handles: make(map[string]*Handle),
		broker:  pubsub.NewBroker[Event](),
	}
}

// nextID generates a handle identifier: unique by counter, with a coarse
// timestamp component for debugging.
func (p *Pool) nextID(kind Kind) string {
	return fmt.Sprintf("%s-%d-%06d", kind, time.Now().Unix(), p.counter.Add(1))
}

// reserve registers a slot for a new child under the caps, or fails with
// ErrPoolExhausted.
func (p *Pool) reserve(kind Kind) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.handles) >= p.cfg.MaxProcesses {
		return "", ErrPoolExhausted
	}
	if kind == KindPty {
		ptyCount := 0
		for _, h := range p.handles {
			if h.kind == KindPty {
				ptyCount++
			}
		}
		if ptyCount >= p.cfg.MaxPtyProcesses {
			return "", ErrPoolExhausted
		}
	}

	id := p.nextID(kind)
	// Placeholder is swapped for the real handle once the child starts.
	p.handles[id] = &Handle{id: id, kind: kind}
	return id, nil
}

// AcquireStdio spawns a non-interactive CLI child with the given argument
// vector. The returned handle exposes stdin, a line-oriented stdout stream,
// and exit observation.
func (p *Pool) AcquireStdio(args []string) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}

	id, err := p.reserve(KindStdio)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.cfg.BinaryPath, args...) // #nosec G204 -- binary path comes from config, args from adapters
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		p.remove(id, "")
		return nil, &SpawnError{Path: p.cfg.BinaryPath, Err: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		p.remove(id, "")
		return nil, &SpawnError{Path: p.cfg.BinaryPath, Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		p.remove(id, "")
		return nil, &SpawnError{Path: p.cfg.BinaryPath, Err: err}
	}

	if err := cmd.Start(); err != nil {
		p.remove(id, "")
		return nil, &SpawnError{Path: p.cfg.BinaryPath, Err: err}
	}

	h := &Handle{
		id:      id,
		kind:    KindStdio,
		cmd:     cmd,
		stdin:   stdin,
		lines:   make(chan string, 64),
		exited:  make(chan struct{}),
		abandon: make(chan struct{}),
	}
	p.install(h)

	log.Debug(log.CatPool, "Spawned stdio child", "handleID", id, "pid", h.PID())
	p.broker.Publish(pubsub.ProcessSpawned, Event{HandleID: id, Kind: KindStdio, PID: h.PID()})

	p.wg.Add(2)
	h.ioWG.Add(2)
	go func() {
		defer p.wg.Done()
		defer h.ioWG.Done()
		defer p.recoverPanic(id)
		h.scanLines(stdout)
	}()
	go func() {
		defer p.wg.Done()
		defer h.ioWG.Done()
		h.drainStderr(stderr)
	}()
	p.observeExit(h)

	return h, nil
}

// AcquirePty spawns an interactive CLI child inside a pseudo-terminal with
// the given dimensions. An empty dir inherits the current directory; zero
// dims fall back to the configured defaults.
func (p *Pool) AcquirePty(args []string, dir string, cols, rows int) (*Handle, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if cols <= 0 {
		cols = p.cfg.Cols
	}
	if rows <= 0 {
		rows = p.cfg.Rows
	}

	id, err := p.reserve(KindPty)
	if err != nil {
		return nil, err
	}

	cmd := exec.Command(p.cfg.BinaryPath, args...) // #nosec G204 -- binary path comes from config, args from adapters
	cmd.Env = append(os.Environ(), "TERM="+p.cfg.TermType)
	cmd.Dir = dir

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Cols: uint16(cols), // #nosec G115 -- dims are small config values
		Rows: uint16(rows), // #nosec G115
	})
	if err != nil {
		p.remove(id, "")
		return nil, &SpawnError{Path: p.cfg.BinaryPath, Err: err}
	}

	h := &Handle{
		id:      id,
		kind:    KindPty,
		cmd:     cmd,
		ptmx:    ptmx,
		emu:     newEmulator(cols, rows),
		exited:  make(chan struct{}),
		abandon: make(chan struct{}),
	}
	p.install(h)

	log.Debug(log.CatPool, "Spawned pty child", "handleID", id, "pid", h.PID(), "cols", cols, "rows", rows)
	p.broker.Publish(pubsub.ProcessSpawned, Event{HandleID: id, Kind: KindPty, PID: h.PID()})

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer p.recoverPanic(id)
		h.readPty()
	}()
	p.observeExit(h)

	return h, nil
}

// observeExit installs the exit observer: it records the exit error, closes
// the pty side, removes the handle from the registry, and publishes the exit
// whether or not the caller has released the handle.
func (p *Pool) observeExit(h *Handle) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		// The pipe readers must finish first: Wait closes the exec pipes,
		// and the stdout scanner still owes the consumer any output the
		// child left buffered at exit.
		h.ioWG.Wait()
		err := h.cmd.Wait()
		h.exitErr = err
		close(h.exited)
		if h.ptmx != nil {
			_ = h.ptmx.Close()
		}
		h.RemoveListener()

		errMsg := ""
		if err != nil {
			errMsg = err.Error()
		}
		log.Debug(log.CatPool, "Child exited", "handleID", h.id, "kind", h.kind, "error", errMsg)
		p.remove(h.id, errMsg)
	}()
}

// install swaps the reservation placeholder for the live handle.
func (p *Pool) install(h *Handle) {
	p.mu.Lock()
	p.handles[h.id] = h
	p.mu.Unlock()
}

// remove deletes a handle from the registry and publishes the removal.
func (p *Pool) remove(id, errMsg string) {
	p.mu.Lock()
	h, ok := p.handles[id]
	delete(p.handles, id)
	p.mu.Unlock()
	if !ok {
		return
	}
	p.broker.Publish(pubsub.ProcessExited, Event{HandleID: id, Kind: h.kind, PID: h.PID(), Err: errMsg})
}

func (p *Pool) recoverPanic(id string) {
	if r := recover(); r != nil {
		log.Error(log.CatPool, "Handle goroutine panic recovered",
			"handleID", id,
			"panic", r,
			"stack", string(debug.Stack()))
	}
}

// Release begins staged termination of a handle: graceful signal now, an
// unconditional force-kill after the grace period if the child still lives.
// Idempotent; the second and later calls return false.
func (p *Pool) Release(h *Handle) bool {
	if h == nil || h.released.Swap(true) {
		return false
	}
	h.markAbandoned()

	if !h.Alive() {
		return true
	}

	log.Debug(log.CatPool, "Releasing handle", "handleID", h.id, "kind", h.kind)
	h.signal(syscall.SIGTERM)

	grace := p.cfg.GracePeriod
	time.AfterFunc(grace, func() {
		if h.Alive() {
			log.Warn(log.CatPool, "Grace period expired, force-killing", "handleID", h.id)
			h.forceKill()
		}
	})
	return true
}

// ReleaseAll releases every handle of the given kind; empty kind means both.
// Returns the number of handles released.
func (p *Pool) ReleaseAll(kind Kind) int {
	p.mu.RLock()
	targets := make([]*Handle, 0, len(p.handles))
	for _, h := range p.handles {
		if kind == "" || h.kind == kind {
			targets = append(targets, h)
		}
	}
	p.mu.RUnlock()

	count := 0
	for _, h := range targets {
		if p.Release(h) {
			count++
		}
	}
	log.Debug(log.CatPool, "Released handles", "kind", string(kind), "count", count)
	return count
}

// Get returns the handle with the given id, or nil.
func (p *Pool) Get(id string) *Handle {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.handles[id]
}

// Stats returns current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Stats{Cap: p.cfg.MaxProcesses}
	for _, h := range p.handles {
		switch h.kind {
		case KindStdio:
			s.Stdio++
		case KindPty:
			s.Pty++
		}
	}
	s.Total = s.Stdio + s.Pty
	return s
}

// HealthCheck reports whether the pool is healthy: below cap and free of
// zombie handles.
func (p *Pool) HealthCheck() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var zombies []string
	for id, h := range p.handles {
		if h.cmd == nil || h.cmd.Process == nil || h.killed.Load() {
			zombies = append(zombies, id)
		}
	}
	return Health{
		Healthy: len(p.handles) < p.cfg.MaxProcesses && len(zombies) == 0,
		Zombies: zombies,
	}
}

// Broker returns the pool's lifecycle event broker.
func (p *Pool) Broker() *pubsub.Broker[Event] {
	return p.broker
}

// Shutdown signals every live child and waits for the registry to drain,
// bounded by ctx. Anything still live when the budget expires is
// force-killed. After Shutdown no new children can be spawned.
func (p *Pool) Shutdown(ctx context.Context) {
	if p.closed.Swap(true) {
		return
	}

	log.Info(log.CatPool, "Shutting down pool", "live", p.Stats().Total)
	p.ReleaseAll("")

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.RLock()
		remaining := len(p.handles)
		p.mu.RUnlock()
		if remaining == 0 {
			break
		}

		select {
		case <-ctx.Done():
			p.mu.RLock()
			stragglers := make([]*Handle, 0, remaining)
			for _, h := range p.handles {
				stragglers = append(stragglers, h)
			}
			p.mu.RUnlock()
			log.Warn(log.CatPool, "Shutdown budget expired, force-killing", "count", len(stragglers))
			for _, h := range stragglers {
				h.forceKill()
			}
			p.wg.Wait()
			p.broker.Close()
			return
		case <-ticker.C:
		}
	}

	p.wg.Wait()
	p.broker.Close()
	log.Info(log.CatPool, "Pool shutdown complete")
}
