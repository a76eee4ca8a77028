package term

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// Status classifies what a screen snapshot indicates the CLI is doing.
type Status string

const (
	StatusStable   Status = "stable"
	StatusThinking Status = "thinking"
	StatusError    Status = "error"
	StatusInput    Status = "input"
	StatusUnknown  Status = "unknown"
)

// DefaultStabilityThreshold is the line-set similarity cutoff for IsStable.
const DefaultStabilityThreshold = 0.95

// ToolCall is a tool invocation detected on a screen.
type ToolCall struct {
	Tool  string
	Input string
}

// Analysis is the derived view of one screen snapshot.
type Analysis struct {
	Content   string
	ToolCalls []ToolCall
	Status    Status
	HasPrompt bool
	IsEmpty   bool
	LineCount int
}

// Diff returns the lines present in next but not in prev, in next's order.
// Diff(a, a) is "" and Diff("", a) is a.
func Diff(prev, next string) string {
	if next == "" {
		return ""
	}
	if prev == "" {
		return next
	}

	seen := make(map[string]struct{})
	for _, line := range strings.Split(prev, "\n") {
		seen[line] = struct{}{}
	}

	var out []string
	for _, line := range strings.Split(next, "\n") {
		if _, ok := seen[line]; !ok {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

var (
	separatorRe = regexp.MustCompile(`^[\s─━—=_-]{3,}$`)
	statusTagRe = regexp.MustCompile(`^\[[^\]]*\]$`)
)

// isChrome reports whether a trimmed line is pure terminal chrome.
func isChrome(trimmed string) bool {
	if trimmed == ">" {
		return true
	}
	if separatorRe.MatchString(trimmed) && trimmed != "" {
		return true
	}
	if statusTagRe.MatchString(trimmed) {
		return true
	}
	// Lines made only of box-drawing characters and spaces.
	boxOnly := trimmed != ""
	for _, r := range trimmed {
		if r == ' ' || (r >= 0x2500 && r <= 0x257F) {
			continue
		}
		boxOnly = false
		break
	}
	return boxOnly
}

// pasteMarkers are bracketed-paste delimiters as they appear on screen:
// raw, or with the escape rendered as ^[ by terminal echo.
var pasteMarkers = []string{"\x1b[200~", "\x1b[201~", "^[[200~", "^[[201~"}

// StripUI removes terminal chrome and echoed user input from a screen,
// collapses runs of blank lines, and trims surrounding whitespace.
// Idempotent: stripping a stripped screen is a no-op.
func StripUI(screen, echoedInput string) string {
	screen = ansi.Strip(screen)

	var out []string
	blank := false
	for _, line := range strings.Split(screen, "\n") {
		for _, m := range pasteMarkers {
			line = strings.ReplaceAll(line, m, "")
		}
		trimmed := strings.TrimSpace(line)

		switch {
		case trimmed == "":
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		case isChrome(trimmed):
			continue
		case echoedInput != "" && trimmed == echoedInput:
			continue
		case echoedInput != "" && strings.TrimSpace(strings.TrimPrefix(trimmed, "> ")) == echoedInput:
			continue
		}

		out = append(out, strings.TrimRight(line, " \t"))
		blank = false
	}

	return strings.TrimSpace(strings.Join(out, "\n"))
}

// HasPrompt reports whether the screen ends at a ready prompt: a trailing
// ">" with optional space on the last non-blank line.
func HasPrompt(screen string) bool {
	screen = ansi.Strip(screen)
	lines := strings.Split(screen, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimRight(lines[i], " \t")
		if trimmed == "" {
			continue
		}
		return strings.HasSuffix(trimmed, ">")
	}
	return false
}

// DetectStatus classifies a screen. A ready prompt over settled output is
// stable, a bare prompt awaits input; error and progress markers are matched
// case-insensitively.
func DetectStatus(screen string) Status {
	stripped := ansi.Strip(screen)
	if HasPrompt(stripped) {
		if StripUI(stripped, "") != "" {
			return StatusStable
		}
		return StatusInput
	}
	lower := strings.ToLower(stripped)
	if strings.Contains(lower, "error") || strings.Contains(lower, "failed") {
		return StatusError
	}
	if strings.Contains(lower, "thinking") || strings.Contains(lower, "loading") {
		return StatusThinking
	}
	return StatusUnknown
}

var (
	toolCallRe  = regexp.MustCompile(`Tool call:\s*([A-Za-z_][A-Za-z0-9_]*)\(([^)]*)\)`)
	usingToolRe = regexp.MustCompile(`Using tool:\s*([A-Za-z_][A-Za-z0-9_]*)`)
	executeRe   = regexp.MustCompile(`([A-Za-z_][A-Za-z0-9_]*)\.execute\(([^)]*)\)`)
)

// DetectToolCalls finds tool invocations on a screen. Three textual forms
// are recognized; duplicates within one snapshot are collapsed by tool name,
// first occurrence wins.
func DetectToolCalls(screen string) []ToolCall {
	screen = ansi.Strip(screen)

	var calls []ToolCall
	seen := make(map[string]struct{})
	add := func(tool, input string) {
		if _, ok := seen[tool]; ok {
			return
		}
		seen[tool] = struct{}{}
		calls = append(calls, ToolCall{Tool: tool, Input: input})
	}

	for _, m := range toolCallRe.FindAllStringSubmatch(screen, -1) {
		add(m[1], m[2])
	}
	for _, m := range usingToolRe.FindAllStringSubmatch(screen, -1) {
		add(m[1], "")
	}
	for _, m := range executeRe.FindAllStringSubmatch(screen, -1) {
		add(m[1], m[2])
	}
	return calls
}

// IsStable reports whether two snapshots are nearly identical by line-set
// similarity. Empty lines are excluded so cursor repaints and padding do not
// register as change. Identical screens (or two empty screens) are stable at
// every threshold.
func IsStable(prev, curr string, threshold float64) bool {
	if prev == curr {
		return true
	}

	prevLines := nonEmptyLineSet(prev)
	currLines := nonEmptyLineSet(curr)
	if len(prevLines) == 0 && len(currLines) == 0 {
		return true
	}

	intersection := 0
	for line := range currLines {
		if _, ok := prevLines[line]; ok {
			intersection++
		}
	}
	union := len(prevLines) + len(currLines) - intersection
	if union == 0 {
		return true
	}
	return float64(intersection)/float64(union) >= threshold
}

func nonEmptyLineSet(screen string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, line := range strings.Split(ansi.Strip(screen), "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return set
}

// Analyze composes the screen-side parsers into one derived view.
func Analyze(screen, echoedInput string) Analysis {
	stripped := ansi.Strip(screen)
	trimmed := strings.TrimSpace(stripped)

	lineCount := 0
	if trimmed != "" {
		lineCount = len(strings.Split(trimmed, "\n"))
	}

	return Analysis{
		Content:   StripUI(screen, echoedInput),
		ToolCalls: DetectToolCalls(screen),
		Status:    DetectStatus(screen),
		HasPrompt: HasPrompt(screen),
		IsEmpty:   trimmed == "",
		LineCount: lineCount,
	}
}
