package pool

import (
	"os"

	"github.com/creack/pty"

	"claudebridge/internal/term"
)

func newEmulator(cols, rows int) *term.Emulator {
	return term.NewEmulator(cols, rows)
}

func resizePty(f *os.File, cols, rows int) error {
	return pty.Setsize(f, &pty.Winsize{
		Cols: uint16(cols), // #nosec G115 -- dims are small config values
		Rows: uint16(rows), // #nosec G115
	})
}
