// Package term turns raw pty byte streams into screen snapshots and derives
// structured meaning from them: assistant text with chrome stripped, tool
// invocations, ready-prompt detection, and snapshot stability.
package term

import (
	"strings"
	"sync"

	"github.com/hinshun/vt10x"
)

// Emulator applies pty output to a virtual terminal and exposes the visible
// screen as a string. Cursor movement and overwrites are resolved by the
// emulator, so successive snapshots reflect what a user would actually see.
type Emulator struct {
	mu sync.Mutex
	vt vt10x.Terminal
}

// NewEmulator creates an emulator with the given dimensions.
func NewEmulator(cols, rows int) *Emulator {
	return &Emulator{
		vt: vt10x.New(vt10x.WithSize(cols, rows)),
	}
}

// Write feeds raw pty output into the terminal.
func (e *Emulator) Write(p []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.vt.Write(p)
}

// Snapshot returns the current visible screen with trailing blank padding
// removed. Successive snapshots may be equal.
func (e *Emulator) Snapshot() string {
	e.mu.Lock()
	raw := e.vt.String()
	e.mu.Unlock()

	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " ")
	}
	end := len(lines)
	for end > 0 && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[:end], "\n")
}

// Resize changes the emulator dimensions.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vt.Resize(cols, rows)
}
