package pool

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"claudebridge/internal/log"
	"claudebridge/internal/term"
)

// Kind tags a handle as a non-interactive stdio child or an interactive
// pty child.
type Kind string

const (
	KindStdio Kind = "stdio"
	KindPty   Kind = "pty"
)

// ErrListenerInstalled is returned when a second output listener is requested
// on a pty handle. A pty's output is read by exactly one listener at a time.
var ErrListenerInstalled = fmt.Errorf("pty handle already has an output listener")

// Handle is an opaque reference to one live child process. Handles are
// affine: released exactly once, double release is a no-op.
type Handle struct {
	id   string
	kind Kind
	cmd  *exec.Cmd

	// stdio children
	stdin io.WriteCloser
	lines chan string

	// pty children
	ptmx *os.File
	emu  *term.Emulator

	listenMu sync.Mutex
	listener chan []byte

	exited   chan struct{}
	exitErr  error
	released atomic.Bool
	killed   atomic.Bool

	// abandon is closed on release so the stdout scanner stops delivering
	// instead of blocking on a consumer that has surrendered the handle.
	abandon     chan struct{}
	abandonOnce sync.Once

	// ioWG tracks the goroutines reading the exec pipes. Wait on the child
	// must not run until they finish, because Wait closes the pipes under
	// their readers.
	ioWG sync.WaitGroup
}

// NewTestHandle creates a detached handle with no child process.
// This bypasses the normal spawn path and should only be used in tests.
func NewTestHandle(id string, kind Kind) *Handle {
	return &Handle{id: id, kind: kind, exited: make(chan struct{}), abandon: make(chan struct{})}
}

// ID returns the handle identifier.
func (h *Handle) ID() string { return h.id }

// Kind returns the handle's process type.
func (h *Handle) Kind() Kind { return h.kind }

// PID returns the child's process id, or 0 if unknown.
func (h *Handle) PID() int {
	if h.cmd != nil && h.cmd.Process != nil {
		return h.cmd.Process.Pid
	}
	return 0
}

// Write sends bytes to the child's input: stdin for stdio children, the pty
// master for pty children.
func (h *Handle) Write(p []byte) (int, error) {
	if h.kind == KindPty {
		if h.ptmx == nil {
			return 0, fmt.Errorf("pty not open")
		}
		return h.ptmx.Write(p)
	}
	if h.stdin == nil {
		return 0, fmt.Errorf("stdin not open")
	}
	return h.stdin.Write(p)
}

// CloseInput closes the stdio child's stdin, signalling end of prompt input.
// No-op for pty children.
func (h *Handle) CloseInput() error {
	if h.kind != KindStdio || h.stdin == nil {
		return nil
	}
	return h.stdin.Close()
}

// Lines returns the stdio child's stdout as a line channel. The channel is
// closed when stdout reaches EOF. Nil for pty children.
func (h *Handle) Lines() <-chan string { return h.lines }

// Screen returns the pty child's current visible screen. Empty for stdio
// children.
func (h *Handle) Screen() string {
	if h.emu == nil {
		return ""
	}
	return h.emu.Snapshot()
}

// Exited is closed when the child has exited for any reason.
func (h *Handle) Exited() <-chan struct{} { return h.exited }

// ExitErr returns the child's exit error, valid after Exited is closed.
func (h *Handle) ExitErr() error {
	select {
	case <-h.exited:
		return h.exitErr
	default:
		return nil
	}
}

// Alive reports whether the child is still running.
func (h *Handle) Alive() bool {
	select {
	case <-h.exited:
		return false
	default:
		return true
	}
}

// AddListener installs the single output listener on a pty handle. Raw pty
// bytes are forwarded on the returned channel after being applied to the
// screen emulator; a full channel drops chunks rather than blocking the
// reader (the screen emulator always stays current).
func (h *Handle) AddListener() (<-chan []byte, error) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	if h.listener != nil {
		return nil, ErrListenerInstalled
	}
	ch := make(chan []byte, 64)
	h.listener = ch
	return ch, nil
}

// RemoveListener uninstalls the pty output listener. Idempotent.
func (h *Handle) RemoveListener() {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	if h.listener != nil {
		close(h.listener)
		h.listener = nil
	}
}

// notifyListener forwards a pty output chunk to the listener, if any.
func (h *Handle) notifyListener(p []byte) {
	h.listenMu.Lock()
	defer h.listenMu.Unlock()
	if h.listener == nil {
		return
	}
	chunk := make([]byte, len(p))
	copy(chunk, p)
	select {
	case h.listener <- chunk:
	default:
		// Listener stalled; the emulator still holds the current screen.
	}
}

// Resize changes the pty dimensions and tells the emulator.
func (h *Handle) Resize(cols, rows int) error {
	if h.kind != KindPty || h.ptmx == nil {
		return fmt.Errorf("not a pty handle")
	}
	if err := resizePty(h.ptmx, cols, rows); err != nil {
		return err
	}
	h.emu.Resize(cols, rows)
	return nil
}

// markAbandoned records that no consumer will read more lines from this
// handle. Idempotent.
func (h *Handle) markAbandoned() {
	if h.abandon == nil {
		return
	}
	h.abandonOnce.Do(func() { close(h.abandon) })
}

// signal sends sig to the child, ignoring already-exited errors.
func (h *Handle) signal(sig syscall.Signal) {
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	if err := h.cmd.Process.Signal(sig); err != nil {
		log.Debug(log.CatPool, "Signal failed", "handleID", h.id, "signal", sig, "error", err)
	}
}

// forceKill kills the child outright and flags the handle.
func (h *Handle) forceKill() {
	h.markAbandoned()
	if h.cmd == nil || h.cmd.Process == nil {
		return
	}
	h.killed.Store(true)
	if err := h.cmd.Process.Kill(); err != nil {
		log.Debug(log.CatPool, "Force kill failed", "handleID", h.id, "error", err)
	}
}

// scanLines reads the stdio child's stdout into the line channel.
func (h *Handle) scanLines(stdout io.Reader) {
	defer close(h.lines)

	scanner := bufio.NewScanner(stdout)
	// Large buffer for long single-line JSON events.
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		// Block until the consumer takes the line: output buffered in the
		// pipe at child exit must still reach the consumer. Only a released
		// handle may drop the rest.
		select {
		case h.lines <- line:
		case <-h.abandon:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debug(log.CatPool, "Stdout scanner error", "handleID", h.id, "error", err)
	}
}

// drainStderr logs the stdio child's stderr.
func (h *Handle) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debug(log.CatPool, "STDERR", "handleID", h.id, "line", scanner.Text())
	}
}

// readPty pumps raw pty output into the emulator and the listener until the
// pty closes.
func (h *Handle) readPty() {
	buf := make([]byte, 4096)
	for {
		n, err := h.ptmx.Read(buf)
		if n > 0 {
			_, _ = h.emu.Write(buf[:n])
			h.notifyListener(buf[:n])
		}
		if err != nil {
			// EIO is the normal end of a pty when the child exits.
			if err != io.EOF {
				log.Debug(log.CatPool, "Pty read ended", "handleID", h.id, "error", err)
			}
			return
		}
	}
}
